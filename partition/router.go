package partition

import (
	"context"
	"fmt"

	"github.com/couchbase/grainidx/common"
)

// RangeSource is satisfied by whatever holds one partition's bucket chain
// (bucket.Actor, in this repo). Router only needs these two operations to
// drive the overlap-guided traversal.
type RangeSource interface {
	RangeOverlap(ctx context.Context, start, end interface{}) (common.RangeOverlap, error)
	Range(ctx context.Context, start, end interface{}, offset, size int) ([]common.GrainRef, error)
}

// Resolver maps a partition id (as returned by RangeScheme.PartitionsInRange)
// to its RangeSource, standing in for "ask the actor runtime to activate the
// bucket with this primary key".
type Resolver func(ctx context.Context, partitionID string) (RangeSource, error)

// Router drives the ascending-partition, overlap-guided traversal of a
// sorted index's bucket chain heads.
type Router struct {
	Scheme  RangeScheme
	Resolve Resolver
}

func NewRouter(scheme RangeScheme, resolve Resolver) *Router {
	return &Router{Scheme: scheme, Resolve: resolve}
}

// Traverse walks the range's partitions in ascending order, asking each for
// its RangeOverlap first. Overlap categories describe the range relative to
// the partition's stored keys, so the traversal stops as soon as a partition
// reaches the range's upper bound: LessThan stops without querying (the keys
// here and in every later partition sit above the range), PartialLessThan
// and Subset query and stop (this partition's keys reach at or beyond the
// range end), Superset and PartialGreaterThan query and continue (the range
// extends above this partition's largest key), GreaterThan skips and
// continues. It exits early once the cumulative result reaches the requested
// page size.
//
// pageSize <= 0 means unbounded: every overlapping partition is queried in
// full. (Buckets themselves treat size 0 as an empty page, so the unbounded
// case queries them with no effective limit instead.)
func (r *Router) Traverse(ctx context.Context, start, end interface{}, pageSize int) ([]common.GrainRef, error) {
	ids, err := r.Scheme.PartitionsInRange(start, end)
	if err != nil {
		return nil, err
	}

	var out []common.GrainRef
	for _, id := range ids {
		if pageSize > 0 && len(out) >= pageSize {
			break
		}

		src, err := r.Resolve(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("partition.Router: resolving %q: %w", id, err)
		}
		if src == nil {
			continue
		}

		overlap, err := src.RangeOverlap(ctx, start, end)
		if err != nil {
			return nil, err
		}

		switch overlap {
		case common.LessThan:
			return out, nil
		case common.GreaterThan:
			continue
		}

		remaining := int(^uint(0) >> 1)
		if pageSize > 0 {
			remaining = pageSize - len(out)
		}
		rows, err := src.Range(ctx, start, end, 0, remaining)
		if err != nil {
			return nil, err
		}
		out = append(out, rows...)

		switch overlap {
		case common.PartialLessThan, common.Subset:
			return out, nil
		}
		// Superset, PartialGreaterThan: query and continue.
	}
	return out, nil
}
