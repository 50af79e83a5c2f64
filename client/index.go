// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package client implements the index client: stateless fan-in/fan-out
// over a single index's buckets. Every method recomputes routing; there is no
// per-call cached state.
package client

import (
	"context"
	"fmt"

	"github.com/couchbase/grainidx/bucket"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/partition"
)

// Index is one declared index's client. HashScheme is set (RangeScheme and
// Router nil) for a Hash-kind index; RangeScheme/Router are set (HashScheme
// nil) for a Sorted-kind index.
type Index struct {
	Descriptor  common.IndexDescriptor
	HashScheme  partition.Hash
	RangeScheme partition.RangeScheme
	Router      *partition.Router
	Directory   bucket.Directory
	Cfg         common.Config
}

// New builds a client.Index, wiring a Router for sorted indexes whose
// Resolve closure activates buckets through dir.
func New(desc common.IndexDescriptor, scheme partition.Scheme, dir bucket.Directory, cfg common.Config) (*Index, error) {
	idx := &Index{Descriptor: desc, Directory: dir, Cfg: cfg}
	// RangeScheme is checked first: a date-time scheme's single-instant
	// Partition method happens to also satisfy the Hash interface's shape,
	// so the more specific (PartitionsInRange-bearing) interface must win.
	switch s := scheme.(type) {
	case partition.RangeScheme:
		idx.RangeScheme = s
		idx.Router = partition.NewRouter(s, func(ctx context.Context, partID string) (partition.RangeSource, error) {
			pk := common.BucketPrimaryKey(desc.InterfaceFullName, desc.Name, partID)
			act, err := dir.Get(ctx, pk)
			if err != nil {
				return nil, err
			}
			return act, nil
		})
	case partition.Hash:
		idx.HashScheme = s
	default:
		return nil, fmt.Errorf("client.New: scheme %T implements neither partition.Hash nor partition.RangeScheme", scheme)
	}
	return idx, nil
}

// partitionID routes a single key through whichever scheme this index uses.
func (idx *Index) partitionID(key *common.Value) (string, error) {
	if idx.HashScheme != nil {
		return idx.HashScheme.Partition(key.Raw())
	}
	return idx.RangeScheme.Partition(key.Raw())
}

func (idx *Index) primaryKey(key *common.Value) (string, error) {
	partID, err := idx.partitionID(key)
	if err != nil {
		return "", err
	}
	return common.BucketPrimaryKey(idx.Descriptor.InterfaceFullName, idx.Descriptor.Name, partID), nil
}

// LookupByKey routes an equality lookup to its bucket chain (Hash indexes
// only).
func (idx *Index) LookupByKey(ctx context.Context, key *common.Value, offset, size int) ([]common.GrainRef, error) {
	if idx.HashScheme == nil {
		return nil, fmt.Errorf("client.Index %s: LookupByKey is only valid on a Hash index", idx.Descriptor.Name)
	}
	pk, err := idx.primaryKey(key)
	if err != nil {
		return nil, err
	}
	act, err := idx.Directory.Get(ctx, pk)
	if err != nil {
		return nil, err
	}
	return act.GetPage(ctx, key, offset, size)
}

// LookupRange drives the partition router's ascending, overlap-guided
// traversal (Sorted indexes only).
func (idx *Index) LookupRange(ctx context.Context, start, end *common.Value, pageSize int) ([]common.GrainRef, error) {
	if idx.Router == nil {
		return nil, fmt.Errorf("client.Index %s: LookupRange is only valid on a Sorted index", idx.Descriptor.Name)
	}
	return idx.Router.Traverse(ctx, start.Raw(), end.Raw(), pageSize)
}

// Update applies one grain's property change. A same-partition change is a
// single Apply; a cross-partition change (before and after routing to
// different buckets, whichever scheme the index uses) is split into a
// parallel Delete + Insert through common.BoundedParallel, and both halves
// must succeed.
func (idx *Index) Update(ctx context.Context, grain common.GrainRef, update common.PropertyUpdate) error {
	if update.Op != common.OpUpdate {
		return idx.applyToOwningBucket(ctx, grain, update)
	}

	beforePK, err := idx.primaryKey(update.Before)
	if err != nil {
		return err
	}
	afterPK, err := idx.primaryKey(update.After)
	if err != nil {
		return err
	}
	if beforePK == afterPK {
		return idx.applyToOwningBucket(ctx, grain, update)
	}

	parallelism := int(idx.Cfg.Uint32("IndexingSystem.IndexUpdateParallelism"))
	del := common.PropertyUpdate{Before: update.Before, Op: common.OpDelete, Visibility: update.Visibility}
	ins := common.PropertyUpdate{After: update.After, Op: common.OpInsert, Visibility: update.Visibility}
	return common.BoundedParallel(ctx, parallelism,
		func(ctx context.Context) error { return idx.applyToOwningBucket(ctx, grain, del) },
		func(ctx context.Context) error { return idx.applyToOwningBucket(ctx, grain, ins) },
	)
}

// applyToOwningBucket resolves whichever key the update carries (After for
// Insert, Before for Delete, After for Update-in-place) to its bucket and
// applies there.
func (idx *Index) applyToOwningBucket(ctx context.Context, grain common.GrainRef, update common.PropertyUpdate) error {
	key := update.After
	if update.Op == common.OpDelete {
		key = update.Before
	}
	pk, err := idx.primaryKey(key)
	if err != nil {
		return err
	}
	act, err := idx.Directory.Get(ctx, pk)
	if err != nil {
		return err
	}
	if _, err := act.Apply(ctx, grain, update); err != nil {
		return err
	}
	return nil
}
