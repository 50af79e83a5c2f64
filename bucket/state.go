// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package bucket implements one index partition's storage: the in-memory
// bucket state machine and the addressable bucket actor wrapping it.
package bucket

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/rcrowley/go-metrics"

	"github.com/couchbase/grainidx/common"
)

// Status is one partition bucket's lifecycle state.
type Status int

const (
	UnderConstruction Status = iota
	Available
	Disposed
)

func (s Status) String() string {
	switch s {
	case UnderConstruction:
		return "UnderConstruction"
	case Disposed:
		return "Disposed"
	default:
		return "Available"
	}
}

// Entry is one key's bucket row: the set of grains claiming that key, plus a
// tentative-operation flag used to hide in-flight uniqueness claims and
// deferred deletes from lookups.
type Entry struct {
	Values      map[common.GrainRef]struct{}
	TentativeOp common.Op // None, Insert, or Delete
}

func newEntry() *Entry {
	return &Entry{Values: make(map[common.GrainRef]struct{})}
}

// IsTentative reports whether this entry is currently pending, i.e. should
// be hidden from a NonTentative-visibility reader.
func (e *Entry) IsTentative() bool {
	return e.TentativeOp != common.OpNone
}

// Stats is this bucket's slice of the go-metrics counters a stats manager
// aggregates across the process.
type Stats struct {
	EntryCount     metrics.Counter
	TentativeCount metrics.Counter
	ChainDepth     metrics.Counter
}

func newStats() Stats {
	return Stats{
		EntryCount:     metrics.NewCounter(),
		TentativeCount: metrics.NewCounter(),
		ChainDepth:     metrics.NewCounter(),
	}
}

type sortedItem struct {
	canon []byte
	entry *Entry
}

func sortedLess(a, b sortedItem) bool {
	return bytes.Compare(a.canon, b.canon) < 0
}

// ApplyResult is State.Apply's return value.
type ApplyResult struct {
	// OK is false when the caller (the bucket actor) must forward to the
	// next bucket in the chain — either because this bucket doesn't hold
	// the relevant entry and has a successor to search, or because an
	// insert doesn't fit within MaxBucketSize.
	OK bool

	// FixDeleteOnUnavailable signals that a delete arrived while the
	// bucket was not Available (UnderConstruction or Disposed): the
	// controller should tombstone the
	// key so the construction scan doesn't resurrect it.
	FixDeleteOnUnavailable bool

	// Forward, set only when OK is false, is the update the caller should
	// re-dispatch to the next bucket in the chain. For a plain
	// insert/delete forward this is the original update; for an Update
	// whose before-half was already applied locally, it is just the
	// insert-half, so the before-removal is never duplicated downstream.
	Forward *common.PropertyUpdate
}

// State is the bucket's in-memory dictionary (hash kind) or sorted map
// (sorted kind) of key -> Entry.
type State struct {
	mu sync.RWMutex

	kind       common.IndexKind
	unique     bool
	maxSize    int // 0 = unbounded, chaining disabled
	chainingOn bool
	hasNext    bool // whether this bucket currently has a successor in the chain

	hashEntries map[string]*Entry
	tree        *btree.BTreeG[sortedItem]

	status Status
	stats  Stats
}

// NewState constructs an empty bucket state. maxSize <= 0 means unbounded
// (chaining disabled for this index regardless of the kind argument).
func NewState(kind common.IndexKind, unique bool, maxSize int) *State {
	s := &State{
		kind:       kind,
		unique:     unique,
		maxSize:    maxSize,
		chainingOn: maxSize > 0,
		status:     UnderConstruction,
		stats:      newStats(),
	}
	if kind == common.Hash {
		s.hashEntries = make(map[string]*Entry)
	} else {
		s.tree = btree.NewG(32, sortedLess)
	}
	return s
}

func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

// SetHasNext records whether this bucket currently has a successor in its
// chain. It does not own chain identity (that's the actor's job); it only
// needs to know whether one exists to decide ok=false vs idempotent-ok.
func (s *State) SetHasNext(has bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasNext = has
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len()
}

func (s *State) len() int {
	if s.kind == common.Hash {
		return len(s.hashEntries)
	}
	return s.tree.Len()
}

// canonKey returns the canonical JSON encoding of a value, used both as the
// hash-kind bucket's map key (stringified) and the sorted-kind bucket's
// ordered-tree key.
func canonKey(v *common.Value) ([]byte, error) {
	return common.CanonicalEncode(v.Raw())
}

func (s *State) getHash(key *common.Value) (*Entry, []byte, error) {
	enc, err := canonKey(key)
	if err != nil {
		return nil, nil, err
	}
	return s.hashEntries[string(enc)], enc, nil
}

func (s *State) getSorted(key *common.Value) (*Entry, []byte, error) {
	enc, err := canonKey(key)
	if err != nil {
		return nil, nil, err
	}
	item, ok := s.tree.Get(sortedItem{canon: enc})
	if !ok {
		return nil, enc, nil
	}
	return item.entry, enc, nil
}

func (s *State) get(key *common.Value) (*Entry, []byte, error) {
	if s.kind == common.Hash {
		return s.getHash(key)
	}
	return s.getSorted(key)
}

func (s *State) putEntry(enc []byte, entry *Entry) {
	if s.kind == common.Hash {
		s.hashEntries[string(enc)] = entry
		return
	}
	s.tree.ReplaceOrInsert(sortedItem{canon: enc, entry: entry})
}

func (s *State) removeEntry(enc []byte) {
	if s.kind == common.Hash {
		delete(s.hashEntries, string(enc))
		return
	}
	s.tree.Delete(sortedItem{canon: enc})
}

// ForEach iterates every stored (canonical key, entry) pair in an unspecified
// order; used only for persistence snapshots.
func (s *State) ForEach(fn func(canon []byte, e *Entry)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kind == common.Hash {
		for k, e := range s.hashEntries {
			fn([]byte(k), e)
		}
		return
	}
	s.tree.Ascend(func(it sortedItem) bool {
		fn(it.canon, it.entry)
		return true
	})
}

// Restore repopulates the bucket from a persisted snapshot; callers must
// call this only before the bucket is opened for traffic.
func (s *State) Restore(canon []byte, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putEntry(canon, e)
	s.stats.EntryCount.Inc(1)
}

// TryGet returns the entry stored under key, or nil if absent.
func (s *State) TryGet(key *common.Value) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, _, err := s.get(key)
	return e, err
}

// GetPage returns a page of an entry's values. Negative offset or size is
// rejected; size == 0 or offset >= the entry's value count returns empty.
func (s *State) GetPage(key *common.Value, offset, size int) ([]common.GrainRef, error) {
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("bucket: negative offset/size (%d, %d) rejected", offset, size)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != Available {
		return nil, nil
	}
	e, _, err := s.get(key)
	if err != nil {
		return nil, err
	}
	if e == nil || e.IsTentative() {
		return nil, nil
	}
	return page(valuesOf(e), offset, size), nil
}

func valuesOf(e *Entry) []common.GrainRef {
	out := make([]common.GrainRef, 0, len(e.Values))
	for g := range e.Values {
		out = append(out, g)
	}
	return out
}

func page(vals []common.GrainRef, offset, size int) []common.GrainRef {
	if size == 0 || offset >= len(vals) {
		return nil
	}
	end := offset + size
	if end > len(vals) {
		end = len(vals)
	}
	out := make([]common.GrainRef, end-offset)
	copy(out, vals[offset:end])
	return out
}

// Range returns the grains of all non-tentative entries with keys in
// [start,end], sorted-kind buckets only. Inclusive bounds; start <= end
// required.
func (s *State) Range(start, end *common.Value, offset, size int) ([]common.GrainRef, error) {
	if s.kind != common.Sorted {
		return nil, fmt.Errorf("bucket: Range is only valid on a sorted bucket")
	}
	if offset < 0 || size < 0 {
		return nil, fmt.Errorf("bucket: negative offset/size (%d, %d) rejected", offset, size)
	}

	startEnc, err := canonKey(start)
	if err != nil {
		return nil, err
	}
	endEnc, err := canonKey(end)
	if err != nil {
		return nil, err
	}
	if bytes.Compare(startEnc, endEnc) > 0 {
		return nil, fmt.Errorf("bucket: Range requires start <= end")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.status != Available {
		return nil, nil
	}
	var all []common.GrainRef
	s.tree.AscendRange(
		sortedItem{canon: startEnc},
		sortedItem{canon: append(append([]byte{}, endEnc...), 0x00)}, // AscendRange's hi is exclusive; pad to make end inclusive
		func(it sortedItem) bool {
			if !it.entry.IsTentative() {
				all = append(all, valuesOf(it.entry)...)
			}
			return true
		},
	)
	if size == 0 {
		return nil, nil
	}
	return page(all, offset, size), nil
}

// RangeOverlap relates a queried range to this bucket's stored key extent.
// Categories describe the RANGE relative to the stored keys: LessThan means
// the whole range sits below the smallest stored key, Superset means the
// range strictly contains the stored extent, Subset means the stored extent
// covers the whole range, and the Partial categories tell which side of the
// extent the range sticks out of. An empty bucket always reports GreaterThan
// ("nothing here yet, keep looking forward"): State has no notion of its
// partition's nominal key-space bound (that lives in the partition scheme,
// one layer up), so there is no basis here for ever returning LessThan on an
// empty bucket.
func (s *State) RangeOverlap(start, end *common.Value) (common.RangeOverlap, error) {
	if s.kind != common.Sorted {
		return 0, fmt.Errorf("bucket: RangeOverlap is only valid on a sorted bucket")
	}
	startEnc, err := canonKey(start)
	if err != nil {
		return 0, err
	}
	endEnc, err := canonKey(end)
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.tree.Len() == 0 {
		return common.GreaterThan, nil
	}

	minItem, _ := s.tree.Min()
	maxItem, _ := s.tree.Max()

	switch {
	case bytes.Compare(maxItem.canon, startEnc) < 0:
		return common.GreaterThan, nil
	case bytes.Compare(minItem.canon, endEnc) > 0:
		return common.LessThan, nil
	}

	rangeBelow := bytes.Compare(startEnc, minItem.canon) < 0
	rangeAbove := bytes.Compare(endEnc, maxItem.canon) > 0

	switch {
	case rangeBelow && rangeAbove:
		return common.Superset, nil
	case !rangeBelow && !rangeAbove:
		return common.Subset, nil
	case rangeBelow:
		return common.PartialLessThan, nil
	default:
		return common.PartialGreaterThan, nil
	}
}

// full reports whether inserting one more distinct entry would exceed
// MaxBucketSize; it is only ever consulted when chaining is enabled.
func (s *State) full() bool {
	return s.chainingOn && s.len() >= s.maxSize
}

// setTentative applies the "set/clear tentative flag per visibility" rule
// used on both fresh inserts and inserts merging into an existing entry.
func setTentative(e *Entry, op common.Op, vis common.Visibility) {
	if vis == common.Tentative {
		e.TentativeOp = op
	} else {
		e.TentativeOp = common.OpNone
	}
}

// insertHalf performs the Insert CRUD rule for grain under the key whose
// canonical encoding is enc. existing is the
// entry already stored under enc, or nil. It never mutates on the
// bucket-full path, so the caller can safely treat ok=false as "nothing
// happened here."
func (s *State) insertHalf(enc []byte, existing *Entry, grain common.GrainRef, vis common.Visibility) (bool, error) {
	if existing == nil {
		if s.full() {
			return false, nil
		}
		e := newEntry()
		e.Values[grain] = struct{}{}
		setTentative(e, common.OpInsert, vis)
		s.putEntry(enc, e)
		s.stats.EntryCount.Inc(1)
		return true, nil
	}

	if _, already := existing.Values[grain]; already {
		setTentative(existing, common.OpInsert, vis)
		return true, nil
	}
	if s.unique {
		return false, common.ErrUniquenessViolation(string(enc))
	}
	existing.Values[grain] = struct{}{}
	setTentative(existing, common.OpInsert, vis)
	return true, nil
}

// validateOp rejects updates whose before/after nullity contradicts their
// op, a programmer error surfaced immediately rather than applied.
func validateOp(u common.PropertyUpdate) error {
	switch u.Op {
	case common.OpInsert:
		if u.After == nil || u.Before != nil {
			return common.ErrInvalidUpdate("Insert requires an after value and no before value")
		}
	case common.OpDelete:
		if u.Before == nil || u.After != nil {
			return common.ErrInvalidUpdate("Delete requires a before value and no after value")
		}
	case common.OpUpdate:
		if u.Before == nil || u.After == nil {
			return common.ErrInvalidUpdate("Update requires both a before and an after value")
		}
	}
	return nil
}

// Apply mutates the bucket per update's CRUD op. grain identifies the
// writer; update is the derived (before, after, op, visibility) tuple from
// common.MakeUpdate.
func (s *State) Apply(grain common.GrainRef, update common.PropertyUpdate) (ApplyResult, error) {
	if err := validateOp(update); err != nil {
		return ApplyResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != Available {
		if update.Op == common.OpDelete {
			return ApplyResult{OK: true, FixDeleteOnUnavailable: true}, nil
		}
		return ApplyResult{}, common.ErrIndexUnavailable(s.status.String())
	}

	switch update.Op {
	case common.OpInsert:
		return s.applyInsert(grain, update)
	case common.OpDelete:
		return s.applyDelete(grain, update)
	case common.OpUpdate:
		return s.applyUpdate(grain, update)
	default:
		return ApplyResult{OK: true}, nil
	}
}

func (s *State) applyInsert(grain common.GrainRef, update common.PropertyUpdate) (ApplyResult, error) {
	existing, enc, err := s.get(update.After)
	if err != nil {
		return ApplyResult{}, err
	}
	ok, err := s.insertHalf(enc, existing, grain, update.Visibility)
	if err != nil {
		return ApplyResult{}, err
	}
	if !ok {
		u := update
		return ApplyResult{OK: false, Forward: &u}, nil
	}
	return ApplyResult{OK: true}, nil
}

func (s *State) applyDelete(grain common.GrainRef, update common.PropertyUpdate) (ApplyResult, error) {
	existing, enc, err := s.get(update.Before)
	if err != nil {
		return ApplyResult{}, err
	}
	if existing == nil {
		if s.hasNext {
			u := update
			return ApplyResult{OK: false, Forward: &u}, nil
		}
		return ApplyResult{OK: true}, nil // idempotent at chain tail
	}
	if _, present := existing.Values[grain]; !present {
		if s.hasNext {
			u := update
			return ApplyResult{OK: false, Forward: &u}, nil
		}
		return ApplyResult{OK: true}, nil
	}

	if update.Visibility == common.Tentative {
		existing.TentativeOp = common.OpDelete
		return ApplyResult{OK: true}, nil
	}

	// Unique entries are removed only once their tentative marker is set (the
	// eager tentative pass always runs first for unique indexes) or under
	// transactional visibility; a bare non-tentative delete of a steady-state
	// entry is a replay of work already confirmed.
	if s.unique && update.Visibility == common.NonTentative && existing.TentativeOp == common.OpNone {
		return ApplyResult{OK: true}, nil
	}

	delete(existing.Values, grain)
	if len(existing.Values) == 0 {
		s.removeEntry(enc)
		s.stats.EntryCount.Dec(1)
	} else {
		existing.TentativeOp = common.OpNone
	}
	return ApplyResult{OK: true}, nil
}

// applyUpdate removes grain from the before-key's entry and adds it to the
// after-key's entry. The before-half and
// insert-half are deliberately sequenced so a bucket-full rejection of the
// insert-half never leaves the before-half partially applied (see
// ApplyResult.Forward's doc comment).
func (s *State) applyUpdate(grain common.GrainRef, update common.PropertyUpdate) (ApplyResult, error) {
	beforeEntry, beforeEnc, err := s.get(update.Before)
	if err != nil {
		return ApplyResult{}, err
	}
	afterEntry, afterEnc, err := s.get(update.After)
	if err != nil {
		return ApplyResult{}, err
	}

	if beforeEntry == nil {
		if s.hasNext {
			u := update
			return ApplyResult{OK: false, Forward: &u}, nil
		}
		// Tail of the chain and the before-key was never found anywhere:
		// treat as a pure insert of the after-half (best-effort
		// convergence; see DESIGN.md).
		ok, err := s.insertHalf(afterEnc, afterEntry, grain, update.Visibility)
		if err != nil {
			return ApplyResult{}, err
		}
		if !ok {
			ins := common.PropertyUpdate{After: update.After, Op: common.OpInsert, Visibility: update.Visibility}
			return ApplyResult{OK: false, Forward: &ins}, nil
		}
		return ApplyResult{OK: true}, nil
	}

	// Reserve capacity for the insert-half before mutating anything, so a
	// bucket-full rejection leaves the before-entry untouched.
	if afterEntry == nil && s.full() {
		ins := common.PropertyUpdate{After: update.After, Op: common.OpInsert, Visibility: update.Visibility}
		return ApplyResult{OK: false, Forward: &ins}, nil
	}

	if _, present := beforeEntry.Values[grain]; present {
		delete(beforeEntry.Values, grain)
		if len(beforeEntry.Values) == 0 {
			s.removeEntry(beforeEnc)
			s.stats.EntryCount.Dec(1)
		}
	}

	ok, err := s.insertHalf(afterEnc, afterEntry, grain, update.Visibility)
	if err != nil {
		return ApplyResult{}, err
	}
	if !ok {
		// Capacity was already reserved above, so this should not happen;
		// guard against a race between the check and the mutation under
		// a concurrent Len() observer.
		ins := common.PropertyUpdate{After: update.After, Op: common.OpInsert, Visibility: update.Visibility}
		return ApplyResult{OK: false, Forward: &ins}, nil
	}
	return ApplyResult{OK: true}, nil
}
