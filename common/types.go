package common

import (
	"bytes"
	"encoding/json"
)

// GrainRef identifies a grain (virtual actor) addressably: the interface it
// was activated under plus its primary key. The activation/dispatch machinery
// itself lives in the actor runtime; this is just enough identity to key a
// bucket entry or route a lookup.
type GrainRef struct {
	InterfaceType string `json:"interfaceType"`
	Key           string `json:"key"`
}

func (g GrainRef) String() string {
	return g.InterfaceType + "/" + g.Key
}

// Value wraps a property's before/after value. Equality and canonical byte
// encoding both go through a JSON round-trip so that Value can hold any
// JSON-representable Go value (string, number, time.Time via
// encoding.TextMarshaler, etc.) while still supporting the byte-comparable
// canonicalization non-string stable hashing needs.
type Value struct {
	raw interface{}
}

func NewValue(v interface{}) *Value {
	if v == nil {
		return nil
	}
	return &Value{raw: v}
}

func (v *Value) Raw() interface{} {
	if v == nil {
		return nil
	}
	return v.raw
}

// MarshalJSON lets *Value sit directly inside a persisted record (the
// write-ahead queue's actions, a controller's envelope) without a separate
// wrapper type.
func (v *Value) MarshalJSON() ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.raw)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		v.raw = nil
		return nil
	}
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v.raw = raw
	return nil
}

// CanonicalBytes returns the plain JSON encoding that Equal compares. The
// stable hash and sorted-bucket keys use CanonicalEncode instead.
func (v *Value) CanonicalBytes() ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v.raw)
}

// Equal reports whether two (possibly nil) values are the same, by canonical
// byte form — this is what decides Insert/Update/Delete/None in MakeUpdate.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == nil && o == nil
	}
	vb, err1 := v.CanonicalBytes()
	ob, err2 := o.CanonicalBytes()
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(vb, ob)
}

// IndexKind distinguishes hash (equality) indexes from sorted (range)
// indexes.
type IndexKind int

const (
	Hash IndexKind = iota
	Sorted
)

func (k IndexKind) String() string {
	if k == Sorted {
		return "Sorted"
	}
	return "Hash"
}

// Visibility tags how an update participates in uniqueness checking.
type Visibility int

const (
	Tentative Visibility = iota
	NonTentative
	Transactional
)

func (v Visibility) String() string {
	switch v {
	case Tentative:
		return "Tentative"
	case NonTentative:
		return "NonTentative"
	default:
		return "Transactional"
	}
}

// Op is the CRUD operation implied by a (before, after) pair.
type Op int

const (
	OpNone Op = iota
	OpInsert
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "Insert"
	case OpUpdate:
		return "Update"
	case OpDelete:
		return "Delete"
	default:
		return "None"
	}
}

// Reverse returns the CRUD opposite used to undo a tentative write left
// behind by an aborted commit: Insert <-> Delete. Update reverses to itself;
// see PropertyUpdate.Reversed for the before/after swap.
func (o Op) Reverse() Op {
	switch o {
	case OpInsert:
		return OpDelete
	case OpDelete:
		return OpInsert
	default:
		return o
	}
}

// PropertyUpdate is derivable purely from (before, after); see MakeUpdate.
type PropertyUpdate struct {
	Before     *Value
	After      *Value
	Op         Op
	Visibility Visibility
}

// MakeUpdate derives an update's Op purely from the (before, after) pair:
// nil-ness picks Insert/Delete/None, inequality picks Update.
func MakeUpdate(before, after *Value, vis Visibility) PropertyUpdate {
	var op Op
	switch {
	case before == nil && after == nil:
		op = OpNone
	case before == nil && after != nil:
		op = OpInsert
	case before != nil && after == nil:
		op = OpDelete
	case !before.Equal(after):
		op = OpUpdate
	default:
		op = OpNone
	}
	return PropertyUpdate{Before: before, After: after, Op: op, Visibility: vis}
}

// Reversed returns the reverse-CRUD update used to undo an orphaned tentative
// write: Insert becomes Delete (After -> Before=nil), Delete becomes Insert,
// and Update swaps before/after so the grain moves back to its prior key.
func (u PropertyUpdate) Reversed() PropertyUpdate {
	switch u.Op {
	case OpInsert:
		return PropertyUpdate{Before: u.After, After: nil, Op: OpDelete, Visibility: u.Visibility}
	case OpDelete:
		return PropertyUpdate{Before: nil, After: u.Before, Op: OpInsert, Visibility: u.Visibility}
	case OpUpdate:
		return PropertyUpdate{Before: u.After, After: u.Before, Op: OpUpdate, Visibility: u.Visibility}
	default:
		return u
	}
}

// PropertyReaderFunc is a closure bound once at registry-build time reading
// the indexed property off a user state object, so no reflection happens on
// the per-update path.
type PropertyReaderFunc func(state interface{}) *Value

// RangeOverlap describes how a queried range [start,end] relates to a
// bucket's stored key set.
type RangeOverlap int

const (
	LessThan RangeOverlap = iota
	PartialLessThan
	Superset
	Subset
	PartialGreaterThan
	GreaterThan
)

func (r RangeOverlap) String() string {
	switch r {
	case LessThan:
		return "LessThan"
	case PartialLessThan:
		return "PartialLessThan"
	case Superset:
		return "Superset"
	case Subset:
		return "Subset"
	case PartialGreaterThan:
		return "PartialGreaterThan"
	default:
		return "GreaterThan"
	}
}

// IndexDescriptor is the registry-resident, immutable-after-startup
// description of one declared index.
type IndexDescriptor struct {
	InterfaceFullName string
	Name              string
	Kind              IndexKind
	KeyTypeName       string
	Unique            bool
	Eager             bool
	MaxBucketSize     int
	PartitionScheme   string
	Reader            PropertyReaderFunc
}
