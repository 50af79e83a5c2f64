// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package client

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/grainidx/bucket"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/partition"
	"github.com/couchbase/grainidx/storage"
)

// testDirectory activates one bucket.Actor per primary key on demand, the
// same role a real grain runtime's activation-by-identity would play.
type testDirectory struct {
	kv      storage.KV
	cfg     common.Config
	kind    common.IndexKind
	unique  bool
	maxSize int
	actors  map[string]*bucket.Actor
}

func newTestDirectory(kind common.IndexKind, unique bool, maxSize int) *testDirectory {
	return &testDirectory{
		kv: storage.NewMemKV(), cfg: common.SystemDefaults(),
		kind: kind, unique: unique, maxSize: maxSize,
		actors: make(map[string]*bucket.Actor),
	}
}

func (d *testDirectory) Get(ctx context.Context, primaryKey string) (*bucket.Actor, error) {
	if a, ok := d.actors[primaryKey]; ok {
		return a, nil
	}
	a := bucket.NewActor(primaryKey, d.kind, d.unique, d.maxSize, d.kv, d.cfg, d.Get)
	if err := a.Recover(ctx); err != nil {
		return nil, err
	}
	a.SetStatus(bucket.Available)
	d.actors[primaryKey] = a
	return a, nil
}

func grain(key string) common.GrainRef {
	return common.GrainRef{InterfaceType: "Widget", Key: key}
}

func TestHashIndexLookupByKey(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(common.Hash, false, 0)
	desc := common.IndexDescriptor{InterfaceFullName: "Widget", Name: "_Status", Kind: common.Hash}
	scheme := partition.NewHashScheme("default-hash", 4)
	idx, err := New(desc, scheme, dir, common.SystemDefaults())
	if err != nil {
		t.Fatal(err)
	}

	g := grain("g1")
	upd := common.MakeUpdate(nil, common.NewValue("Started"), common.NonTentative)
	if err := idx.Update(ctx, g, upd); err != nil {
		t.Fatal(err)
	}

	rows, err := idx.LookupByKey(ctx, common.NewValue("Started"), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0] != g {
		t.Fatalf("LookupByKey = %v, want [%v]", rows, g)
	}
}

func TestHashIndexUniquenessViolationPropagates(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(common.Hash, true, 0)
	desc := common.IndexDescriptor{InterfaceFullName: "Widget", Name: "_ProcessID", Kind: common.Hash, Unique: true}
	scheme := partition.NewHashScheme("default-hash", 0)
	idx, err := New(desc, scheme, dir, common.SystemDefaults())
	if err != nil {
		t.Fatal(err)
	}

	upd := common.MakeUpdate(nil, common.NewValue("P1"), common.NonTentative)
	if err := idx.Update(ctx, grain("g1"), upd); err != nil {
		t.Fatal(err)
	}
	err = idx.Update(ctx, grain("g2"), upd)
	if !common.IsCategory(err, common.CategoryUniquenessViolation) {
		t.Fatalf("expected UniquenessViolation, got %v", err)
	}
}

func TestHashIndexUpdateAcrossPartitionsSplitsIntoDeleteAndInsert(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(common.Hash, false, 0)
	desc := common.IndexDescriptor{InterfaceFullName: "Widget", Name: "_Status", Kind: common.Hash}
	scheme := partition.NewHashScheme("default-hash", 4)
	idx, err := New(desc, scheme, dir, common.SystemDefaults())
	if err != nil {
		t.Fatal(err)
	}

	g := grain("g1")
	ins := common.MakeUpdate(nil, common.NewValue("A"), common.NonTentative)
	if err := idx.Update(ctx, g, ins); err != nil {
		t.Fatal(err)
	}

	var beforeKey, afterKey string
	for _, candidate := range []string{"B", "C", "D", "E", "F", "G"} {
		p1, _ := scheme.Partition("A")
		p2, _ := scheme.Partition(candidate)
		if p1 != p2 {
			afterKey = candidate
			beforeKey = "A"
			break
		}
	}
	if afterKey == "" {
		t.Fatal("could not find a key routing to a different partition than \"A\" among candidates")
	}

	upd := common.MakeUpdate(common.NewValue(beforeKey), common.NewValue(afterKey), common.NonTentative)
	if err := idx.Update(ctx, g, upd); err != nil {
		t.Fatal(err)
	}

	oldRows, err := idx.LookupByKey(ctx, common.NewValue(beforeKey), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(oldRows) != 0 {
		t.Fatalf("old key %q should be empty after cross-partition update, got %v", beforeKey, oldRows)
	}
	newRows, err := idx.LookupByKey(ctx, common.NewValue(afterKey), 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(newRows) != 1 || newRows[0] != g {
		t.Fatalf("new key %q should hold the grain, got %v", afterKey, newRows)
	}
}

func TestSortedIndexLookupRange(t *testing.T) {
	ctx := context.Background()
	dir := newTestDirectory(common.Sorted, false, 0)
	desc := common.IndexDescriptor{InterfaceFullName: "Widget", Name: "_StartedOn", Kind: common.Sorted}
	scheme := partition.NewDateTimeScheme("default-sorted", common.BinYear)
	idx, err := New(desc, scheme, dir, common.SystemDefaults())
	if err != nil {
		t.Fatal(err)
	}

	years := []int{2021, 2022, 2023, 2024}
	for i, y := range years {
		t0 := time.Date(y, time.October, 9, 0, 0, 0, 0, time.UTC)
		upd := common.MakeUpdate(nil, common.NewValue(t0), common.NonTentative)
		if err := idx.Update(ctx, grain(string(rune('a'+i))), upd); err != nil {
			t.Fatal(err)
		}
	}
	// Straddle keys: the 2021 bin also holds a key below the range start
	// (its bucket reports PartialGreaterThan and the traversal must
	// continue), and the 2024 bin also holds a key above the range end (its
	// bucket reports PartialLessThan and the traversal stops there). Both
	// keys themselves sit outside [start,end] and must not be returned.
	for _, k := range []struct {
		key common.GrainRef
		at  time.Time
	}{
		{grain("x"), time.Date(2021, time.January, 5, 0, 0, 0, 0, time.UTC)},
		{grain("y"), time.Date(2024, time.December, 1, 0, 0, 0, 0, time.UTC)},
	} {
		upd := common.MakeUpdate(nil, common.NewValue(k.at), common.NonTentative)
		if err := idx.Update(ctx, k.key, upd); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Date(2021, time.October, 9, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, time.October, 11, 0, 0, 0, 0, time.UTC)
	rows, err := idx.LookupRange(ctx, common.NewValue(start), common.NewValue(end), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 in-range rows across 4 yearly partitions (straddle keys excluded), got %d", len(rows))
	}
	for _, r := range rows {
		if r == grain("x") || r == grain("y") {
			t.Fatalf("out-of-range straddle key %v leaked into the result", r)
		}
	}
}
