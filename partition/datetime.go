package partition

import (
	"fmt"
	"time"

	"github.com/couchbase/grainidx/common"
)

// DateTimeScheme bins a UTC instant by Year or Month into a fixed-width
// string key ("yyyy" or "yyyyMM"), and enumerates the ordered bin sequence
// covering a range.
type DateTimeScheme struct {
	SchemeName string
	Bin        common.DateBin
}

func NewDateTimeScheme(name string, bin common.DateBin) *DateTimeScheme {
	return &DateTimeScheme{SchemeName: name, Bin: bin}
}

func (d *DateTimeScheme) Name() string           { return d.SchemeName }
func (d *DateTimeScheme) Kind() common.IndexKind { return common.Sorted }

func (d *DateTimeScheme) floorBin(t time.Time) time.Time {
	t = t.UTC()
	if d.Bin == common.BinMonth {
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
}

func (d *DateTimeScheme) binKey(t time.Time) string {
	if d.Bin == common.BinMonth {
		return t.UTC().Format("200601")
	}
	return t.UTC().Format("2006")
}

func (d *DateTimeScheme) nextBin(t time.Time) time.Time {
	if d.Bin == common.BinMonth {
		return t.AddDate(0, 1, 0)
	}
	return t.AddDate(1, 0, 0)
}

// Partition returns the bin key for a single instant.
func (d *DateTimeScheme) Partition(v interface{}) (string, error) {
	t, err := asTime(v)
	if err != nil {
		return "", err
	}
	return d.binKey(t), nil
}

// PartitionsInRange returns the ascending, inclusive sequence of bin keys
// from the start's bin to the end's bin; this is the traversal order used by
// sorted lookups.
func (d *DateTimeScheme) PartitionsInRange(start, end interface{}) ([]string, error) {
	s, err := asTime(start)
	if err != nil {
		return nil, err
	}
	e, err := asTime(end)
	if err != nil {
		return nil, err
	}
	if s.After(e) {
		return nil, fmt.Errorf("partition.DateTimeScheme: start %v is after end %v", s, e)
	}

	var out []string
	cur := d.floorBin(s)
	last := d.floorBin(e)
	for !cur.After(last) {
		out = append(out, d.binKey(cur))
		cur = d.nextBin(cur)
	}
	return out, nil
}

func asTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case *time.Time:
		return *t, nil
	case string:
		// An action replayed from queue persistence carries its timestamp as
		// the RFC3339 string time.Time marshals to.
		tt, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("partition.DateTimeScheme: parsing %q: %w", t, err)
		}
		return tt, nil
	default:
		return time.Time{}, fmt.Errorf("partition.DateTimeScheme: value %v is not a time.Time", v)
	}
}

var (
	_ Scheme      = (*DateTimeScheme)(nil)
	_ RangeScheme = (*DateTimeScheme)(nil)
)
