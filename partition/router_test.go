package partition

import (
	"context"
	"testing"

	"github.com/couchbase/grainidx/common"
)

type fakeSource struct {
	overlap common.RangeOverlap
	rows    []common.GrainRef
}

func (f *fakeSource) RangeOverlap(ctx context.Context, start, end interface{}) (common.RangeOverlap, error) {
	return f.overlap, nil
}

func (f *fakeSource) Range(ctx context.Context, start, end interface{}, offset, size int) ([]common.GrainRef, error) {
	return f.rows, nil
}

func TestRouterStopsAtLessThan(t *testing.T) {
	scheme := NewDateTimeScheme("d", common.BinYear)
	visited := 0
	resolve := func(ctx context.Context, id string) (RangeSource, error) {
		visited++
		return &fakeSource{overlap: common.LessThan}, nil
	}
	r := NewRouter(scheme, resolve)
	out, err := r.Traverse(context.Background(), mustTime("2022-01-01"), mustTime("2024-01-01"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no rows, got %v", out)
	}
	if visited != 1 {
		t.Fatalf("LessThan should stop traversal after the first partition, visited %d", visited)
	}
}

func TestRouterSkipsGreaterThan(t *testing.T) {
	scheme := NewDateTimeScheme("d", common.BinYear)
	visited := 0
	resolve := func(ctx context.Context, id string) (RangeSource, error) {
		visited++
		return &fakeSource{overlap: common.GreaterThan}, nil
	}
	r := NewRouter(scheme, resolve)
	out, err := r.Traverse(context.Background(), mustTime("2022-01-01"), mustTime("2024-01-01"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Fatalf("expected no rows, got %v", out)
	}
	if visited != 3 {
		t.Fatalf("GreaterThan should skip-and-continue over every partition, visited %d", visited)
	}
}

func TestRouterSubsetQueriesAndStops(t *testing.T) {
	scheme := NewDateTimeScheme("d", common.BinYear)
	want := []common.GrainRef{{InterfaceType: "Widget", Key: "g1"}}
	visited := 0
	resolve := func(ctx context.Context, id string) (RangeSource, error) {
		visited++
		return &fakeSource{overlap: common.Subset, rows: want}, nil
	}
	r := NewRouter(scheme, resolve)
	out, err := r.Traverse(context.Background(), mustTime("2022-01-01"), mustTime("2024-01-01"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != want[0] {
		t.Fatalf("got %v, want %v", out, want)
	}
	if visited != 1 {
		t.Fatalf("Subset (partition covers the whole range) should query and stop, visited %d", visited)
	}
}

func TestRouterSupersetContinuesAcrossPartitions(t *testing.T) {
	scheme := NewDateTimeScheme("d", common.BinYear)
	row := common.GrainRef{InterfaceType: "Widget", Key: "g1"}
	resolve := func(ctx context.Context, id string) (RangeSource, error) {
		return &fakeSource{overlap: common.Superset, rows: []common.GrainRef{row}}, nil
	}
	r := NewRouter(scheme, resolve)
	out, err := r.Traverse(context.Background(), mustTime("2022-01-01"), mustTime("2024-01-01"), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 {
		t.Fatalf("Superset (range extends past every partition) should accumulate across all 3 partitions, got %d rows", len(out))
	}
}

func TestRouterEarlyExitsOnPageSize(t *testing.T) {
	scheme := NewDateTimeScheme("d", common.BinYear)
	row := common.GrainRef{InterfaceType: "Widget", Key: "g1"}
	visited := 0
	resolve := func(ctx context.Context, id string) (RangeSource, error) {
		visited++
		return &fakeSource{overlap: common.Superset, rows: []common.GrainRef{row}}, nil
	}
	r := NewRouter(scheme, resolve)
	out, err := r.Traverse(context.Background(), mustTime("2022-01-01"), mustTime("2024-01-01"), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly 1 row (page size), got %d", len(out))
	}
	if visited != 1 {
		t.Fatalf("expected early exit after first partition once page size reached, visited %d", visited)
	}
}
