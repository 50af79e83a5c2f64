// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package controller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/grainidx/bucket"
	"github.com/couchbase/grainidx/client"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/partition"
	"github.com/couchbase/grainidx/queue"
	"github.com/couchbase/grainidx/registry"
	"github.com/couchbase/grainidx/storage"
)

type orderState struct {
	ProcessID string
}

type testBucketDirectory struct {
	kv     storage.KV
	cfg    common.Config
	unique bool
	actors map[string]*bucket.Actor
}

func newTestBucketDirectory(cfg common.Config, unique bool) *testBucketDirectory {
	return &testBucketDirectory{kv: storage.NewMemKV(), cfg: cfg, unique: unique, actors: make(map[string]*bucket.Actor)}
}

func (d *testBucketDirectory) Get(ctx context.Context, primaryKey string) (*bucket.Actor, error) {
	if a, ok := d.actors[primaryKey]; ok {
		return a, nil
	}
	a := bucket.NewActor(primaryKey, common.Hash, d.unique, 0, d.kv, d.cfg, d.Get)
	if err := a.Recover(ctx); err != nil {
		return nil, err
	}
	a.SetStatus(bucket.Available)
	d.actors[primaryKey] = a
	return a, nil
}

// singleGrainDirectory resolves the one grain a test cares about to whatever
// Controller it's been pointed at, set after construction to break the
// controller<->queue initialization cycle (the queue's GrainDirectory needs a
// controller that in turn needs the queue to enqueue into).
type singleGrainDirectory struct {
	controllers map[common.GrainRef]*Controller
}

func (d *singleGrainDirectory) Get(ctx context.Context, grain common.GrainRef) (*Controller, error) {
	return d.controllers[grain], nil
}

func cgrain(key string) common.GrainRef {
	return common.GrainRef{InterfaceType: "OrderGrain", Key: key}
}

func fastCfg() common.Config {
	cfg := common.SystemDefaults().Clone()
	cfg.SetValue("IndexingSystem.IndexingQueueOutputBufferSize", uint32(1))
	cfg.SetValue("IndexingSystem.IndexingQueueOutputBufferTimeOut", 10*time.Millisecond)
	return cfg
}

// slowCfg keeps the queue processor's batch thresholds out of reach so
// enqueued actions stay pending for the duration of a recovery test.
func slowCfg() common.Config {
	cfg := common.SystemDefaults().Clone()
	cfg.SetValue("IndexingSystem.IndexingQueueOutputBufferSize", uint32(1000))
	cfg.SetValue("IndexingSystem.IndexingQueueOutputBufferTimeOut", time.Hour)
	return cfg
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition not met before timeout")
	}
}

func newHarness(t *testing.T) (cfg common.Config, entry *registry.Entry, q *queue.Queue, grains *singleGrainDirectory) {
	cfg = fastCfg()
	bdir := newTestBucketDirectory(cfg, true)
	desc := common.IndexDescriptor{
		InterfaceFullName: "OrderGrain", Name: "_ProcessID", Kind: common.Hash,
		Unique: true, Eager: true,
		Reader: func(s interface{}) *common.Value { return common.NewValue(s.(*orderState).ProcessID) },
	}
	idx, err := client.New(desc, partition.NewHashScheme("default-hash", 0), bdir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	entry = &registry.Entry{
		InterfaceFullName: "OrderGrain",
		Descriptors:       []common.IndexDescriptor{desc},
		Indexes:           map[string]*client.Index{"_ProcessID": idx},
	}

	grains = &singleGrainDirectory{controllers: make(map[common.GrainRef]*Controller)}
	q = queue.NewQueue("OrderGrain-iq-0", "OrderGrain", storage.NewMemKV(), cfg, entry.Indexes, QueueGrainDirectory{Dir: grains})
	return cfg, entry, q, grains
}

func TestPerformUpdateCommitsAndQueueClearsActiveID(t *testing.T) {
	ctx := context.Background()
	cfg, entry, q, grains := newHarness(t)
	defer q.Close()

	g := cgrain("g1")
	ctrl := New(g, entry, &orderState{}, map[string]Queue{"OrderGrain": q}, storage.NewMemKV(), cfg)
	grains.controllers[g] = ctrl

	if err := ctrl.PerformUpdate(ctx, func(s interface{}) { s.(*orderState).ProcessID = "P1" }); err != nil {
		t.Fatal(err)
	}

	// The committed entry must become non-tentatively visible (the processor
	// confirming the eager tentative write, never reversing it) and the
	// action id must drain from the grain's active set.
	waitUntil(t, time.Second, func() bool {
		rows, err := entry.Indexes["_ProcessID"].LookupByKey(ctx, common.NewValue("P1"), 0, 10)
		return err == nil && len(rows) == 1 && rows[0] == g
	})
	waitUntil(t, time.Second, func() bool {
		ids, err := ctrl.ActiveActionIDs(ctx, g)
		return err == nil && len(ids) == 0
	})
}

func TestPerformUpdateNoSpuriousUpdateOnUnchangedProperty(t *testing.T) {
	ctx := context.Background()
	cfg, entry, q, grains := newHarness(t)
	defer q.Close()

	g := cgrain("g1")
	ctrl := New(g, entry, &orderState{}, map[string]Queue{"OrderGrain": q}, storage.NewMemKV(), cfg)
	grains.controllers[g] = ctrl

	if err := ctrl.PerformUpdate(ctx, func(s interface{}) { s.(*orderState).ProcessID = "P1" }); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, time.Second, func() bool {
		ids, err := ctrl.ActiveActionIDs(ctx, g)
		return err == nil && len(ids) == 0
	})

	// Re-running an update that sets the same value should produce no
	// PropertyUpdate (the before-image cache was updated at commit #1, so
	// the diff derives op=None), hence no new active action id at all.
	if err := ctrl.PerformUpdate(ctx, func(s interface{}) { s.(*orderState).ProcessID = "P1" }); err != nil {
		t.Fatal(err)
	}
	ids, err := ctrl.ActiveActionIDs(ctx, g)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no new active action id for a no-op commit, got %d", len(ids))
	}
}

func TestPerformUpdateAbortsOnUniquenessViolationWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	cfg, entry, q, grains := newHarness(t)
	defer q.Close()

	kv2 := storage.NewMemKV()

	g1, g2 := cgrain("g1"), cgrain("g2")
	ctrl1 := New(g1, entry, &orderState{}, map[string]Queue{"OrderGrain": q}, storage.NewMemKV(), cfg)
	ctrl2 := New(g2, entry, &orderState{}, map[string]Queue{"OrderGrain": q}, kv2, cfg)
	grains.controllers[g1] = ctrl1
	grains.controllers[g2] = ctrl2

	if err := ctrl1.PerformUpdate(ctx, func(s interface{}) { s.(*orderState).ProcessID = "P1" }); err != nil {
		t.Fatal(err)
	}

	err := ctrl2.PerformUpdate(ctx, func(s interface{}) { s.(*orderState).ProcessID = "P1" })
	if !common.IsCategory(err, common.CategoryUniquenessViolation) {
		t.Fatalf("expected UniquenessViolation aborting g2's commit, got %v", err)
	}

	if _, _, loadErr := kv2.Load(ctx, "envelope/"+g2.String()); loadErr != storage.ErrNotFound {
		t.Fatalf("aborted commit must not persist an envelope, got err=%v", loadErr)
	}
}

// recoveryHarness commits one update through a queue that never drains (slow
// batch thresholds), so the action is still pending and active when a second
// controller activation recovers the same grain's envelope.
func recoveryHarness(t *testing.T) (cfg common.Config, entry *registry.Entry, kv storage.KV, g common.GrainRef, qOld *queue.Queue) {
	cfg = slowCfg()
	bdir := newTestBucketDirectory(cfg, true)
	desc := common.IndexDescriptor{
		InterfaceFullName: "OrderGrain", Name: "_ProcessID", Kind: common.Hash,
		Unique: true, Eager: true,
		Reader: func(s interface{}) *common.Value { return common.NewValue(s.(*orderState).ProcessID) },
	}
	idx, err := client.New(desc, partition.NewHashScheme("default-hash", 0), bdir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	entry = &registry.Entry{
		InterfaceFullName: "OrderGrain",
		Descriptors:       []common.IndexDescriptor{desc},
		Indexes:           map[string]*client.Index{"_ProcessID": idx},
	}

	grains := &singleGrainDirectory{controllers: make(map[common.GrainRef]*Controller)}
	qOld = queue.NewQueue("OrderGrain-iq-0", "OrderGrain", storage.NewMemKV(), cfg, entry.Indexes, QueueGrainDirectory{Dir: grains})

	kv = storage.NewMemKV()
	g = cgrain("g1")
	ctrl := New(g, entry, &orderState{}, map[string]Queue{"OrderGrain": qOld}, kv, cfg)
	grains.controllers[g] = ctrl

	ctx := context.Background()
	if err := ctrl.PerformUpdate(ctx, func(s interface{}) { s.(*orderState).ProcessID = "P1" }); err != nil {
		t.Fatal(err)
	}
	if ids, _ := ctrl.ActiveActionIDs(ctx, g); len(ids) != 1 {
		t.Fatalf("expected the committed action to still be active, got %d ids", len(ids))
	}
	return cfg, entry, kv, g, qOld
}

func TestRecoverTransfersPendingAcrossQueueIdentity(t *testing.T) {
	ctx := context.Background()
	cfg, entry, kv, g, qOld := recoveryHarness(t)
	defer qOld.Close()

	// Migration: the runtime hands the reactivated grain a different queue
	// incarnation for the same interface.
	qNew := queue.NewQueue("OrderGrain-iq-1", "OrderGrain", storage.NewMemKV(), cfg, entry.Indexes, QueueGrainDirectory{Dir: &singleGrainDirectory{}})
	defer qNew.Close()

	ctrl2 := New(g, entry, &orderState{}, map[string]Queue{"OrderGrain": qNew}, kv, cfg)
	locate := func(ctx context.Context, identity string) (Queue, error) {
		if identity == qOld.Identity() {
			return qOld, nil
		}
		return nil, fmt.Errorf("no queue %q", identity)
	}
	if err := ctrl2.Recover(ctx, locate); err != nil {
		t.Fatal(err)
	}

	ids, err := ctrl2.ActiveActionIDs(ctx, g)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 {
		t.Fatalf("transferred action should still be active after recovery, got %d ids", len(ids))
	}
	if pending := qNew.PendingActions(); len(pending) != 1 {
		t.Fatalf("new queue should hold the transferred action, got %d", len(pending))
	}
	if pending := qOld.PendingActions(); len(pending) != 0 {
		t.Fatalf("old queue should have been dequeued, still holds %d", len(pending))
	}
	if st := ctrl2.State.(*orderState); st.ProcessID != "P1" {
		t.Fatalf("recovered state = %+v, want ProcessID P1", st)
	}
}

func TestRecoverDropsActiveIDsWhenPriorQueueUnreachable(t *testing.T) {
	ctx := context.Background()
	cfg, entry, kv, g, qOld := recoveryHarness(t)
	defer qOld.Close()

	qNew := queue.NewQueue("OrderGrain-iq-1", "OrderGrain", storage.NewMemKV(), cfg, entry.Indexes, QueueGrainDirectory{Dir: &singleGrainDirectory{}})
	defer qNew.Close()

	ctrl2 := New(g, entry, &orderState{}, map[string]Queue{"OrderGrain": qNew}, kv, cfg)
	locate := func(ctx context.Context, identity string) (Queue, error) {
		return nil, fmt.Errorf("queue %q is gone", identity)
	}
	if err := ctrl2.Recover(ctx, locate); err != nil {
		t.Fatal(err)
	}

	ids, err := ctrl2.ActiveActionIDs(ctx, g)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("ids referencing an unreachable queue should be dropped, got %d", len(ids))
	}
	if st := ctrl2.State.(*orderState); st.ProcessID != "P1" {
		t.Fatalf("recovered state = %+v, want ProcessID P1", st)
	}
}
