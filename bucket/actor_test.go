// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package bucket

import (
	"context"
	"fmt"
	"testing"

	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/storage"
)

// testDirectory activates one Actor per primary key on first request,
// standing in for the real actor runtime's activation machinery.
type testDirectory struct {
	kv      storage.KV
	cfg     common.Config
	kind    common.IndexKind
	unique  bool
	maxSize int

	actors map[string]*Actor
}

func newTestDirectory(kind common.IndexKind, unique bool, maxSize int) *testDirectory {
	return &testDirectory{
		kv:      storage.NewMemKV(),
		cfg:     common.SystemDefaults(),
		kind:    kind,
		unique:  unique,
		maxSize: maxSize,
		actors:  make(map[string]*Actor),
	}
}

func (d *testDirectory) Get(ctx context.Context, primaryKey string) (*Actor, error) {
	if a, ok := d.actors[primaryKey]; ok {
		return a, nil
	}
	a := NewActor(primaryKey, d.kind, d.unique, d.maxSize, d.kv, d.cfg, d.Get)
	if err := a.Recover(ctx); err != nil {
		return nil, err
	}
	a.SetStatus(Available)
	d.actors[primaryKey] = a
	return a, nil
}

func TestActorChainsOnOverflowAndFindsTailKey(t *testing.T) {
	dir := newTestDirectory(common.Hash, false, 1)
	ctx := context.Background()

	base, err := dir.Get(ctx, "Widget-_Status_0")
	if err != nil {
		t.Fatal(err)
	}

	g1 := grain("g1")
	if _, err := base.Apply(ctx, g1, common.MakeUpdate(nil, common.NewValue("k1"), common.NonTentative)); err != nil {
		t.Fatal(err)
	}

	g2 := grain("g2")
	if _, err := base.Apply(ctx, g2, common.MakeUpdate(nil, common.NewValue("k2"), common.NonTentative)); err != nil {
		t.Fatalf("overflow insert should chain, got err: %v", err)
	}

	if len(dir.actors) != 2 {
		t.Fatalf("expected a successor bucket to be allocated, got %d actors", len(dir.actors))
	}

	rows, err := base.GetPage(ctx, common.NewValue("k2"), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0] != g2 {
		t.Fatalf("chained lookup for k2 = %v, want [%v]", rows, g2)
	}

	rows, err = base.GetPage(ctx, common.NewValue("k1"), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0] != g1 {
		t.Fatalf("base lookup for k1 = %v, want [%v]", rows, g1)
	}
}

func TestActorPersistsAndRecovers(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemKV()
	cfg := common.SystemDefaults()

	noChain := func(ctx context.Context, pk string) (*Actor, error) {
		return nil, fmt.Errorf("unexpected chain activation for %q", pk)
	}
	a := NewActor("Widget-_Status_0", common.Hash, false, 0, kv, cfg, noChain)
	a.SetStatus(Available)

	g := grain("g1")
	if _, err := a.Apply(ctx, g, common.MakeUpdate(nil, common.NewValue("k1"), common.NonTentative)); err != nil {
		t.Fatal(err)
	}

	b := NewActor("Widget-_Status_0", common.Hash, false, 0, kv, cfg, func(ctx context.Context, pk string) (*Actor, error) {
		return nil, nil
	})
	if err := b.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	b.SetStatus(Available)

	rows, err := b.GetPage(ctx, common.NewValue("k1"), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0] != g {
		t.Fatalf("recovered bucket GetPage = %v, want [%v]", rows, g)
	}
}

func TestActorRangeWalksChain(t *testing.T) {
	dir := newTestDirectory(common.Sorted, false, 1)
	ctx := context.Background()

	base, err := dir.Get(ctx, "Widget-_StartedOn_0")
	if err != nil {
		t.Fatal(err)
	}

	keys := []int{10, 20, 30}
	for i, k := range keys {
		if _, err := base.Apply(ctx, grain(string(rune('a'+i))), common.MakeUpdate(nil, common.NewValue(k), common.NonTentative)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	if len(dir.actors) < 2 {
		t.Fatalf("expected overflow to allocate a chain with maxSize=1, got %d actors", len(dir.actors))
	}

	rows, err := base.Range(ctx, 10, 30, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("chained range [10,30] = %d rows, want 3", len(rows))
	}
}

func TestActorDisposeRejectsUpdatesAndEmptiesLookups(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(common.Hash, false, 0)
	a, err := dir.Get(ctx, "Widget-_Status_0")
	if err != nil {
		t.Fatal(err)
	}

	g := grain("g1")
	if _, err := a.Apply(ctx, g, common.MakeUpdate(nil, common.NewValue("k1"), common.NonTentative)); err != nil {
		t.Fatal(err)
	}
	if err := a.Dispose(ctx); err != nil {
		t.Fatal(err)
	}
	if a.Status() != Disposed {
		t.Fatalf("status = %v, want Disposed", a.Status())
	}

	_, err = a.Apply(ctx, g, common.MakeUpdate(nil, common.NewValue("k2"), common.NonTentative))
	if !common.IsCategory(err, common.CategoryIndexUnavailable) {
		t.Fatalf("insert against a disposed bucket = %v, want IndexUnavailable", err)
	}

	rows, err := a.GetPage(ctx, common.NewValue("k1"), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("disposed bucket lookup should be empty, got %v", rows)
	}
}

func TestActorRangeOverlapWidensAcrossChain(t *testing.T) {
	dir := newTestDirectory(common.Sorted, false, 1)
	ctx := context.Background()

	base, err := dir.Get(ctx, "Widget-_StartedOn_0")
	if err != nil {
		t.Fatal(err)
	}
	for i, k := range []int{10, 20, 30} {
		if _, err := base.Apply(ctx, grain(string(rune('a'+i))), common.MakeUpdate(nil, common.NewValue(k), common.NonTentative)); err != nil {
			t.Fatalf("insert %d: %v", k, err)
		}
	}

	// Chain segments hold one key each; the union's extent [10,30] covers the
	// whole of [15,25], the same Subset a single bucket with those keys
	// reports.
	overlap, err := base.RangeOverlap(ctx, 15, 25)
	if err != nil {
		t.Fatal(err)
	}
	if overlap != common.Subset {
		t.Fatalf("chain overlap for [15,25] = %v, want Subset", overlap)
	}

	// [5,35] strictly contains every key in the chain.
	overlap, err = base.RangeOverlap(ctx, 5, 35)
	if err != nil {
		t.Fatal(err)
	}
	if overlap != common.Superset {
		t.Fatalf("chain overlap for [5,35] = %v, want Superset", overlap)
	}
}
