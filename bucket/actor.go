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
	"sync"

	"github.com/couchbase/grainidx/actor"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/logging"
	"github.com/couchbase/grainidx/partition"
	"github.com/couchbase/grainidx/storage"
)

// bucketRecordVersion is the persisted record's schema version; bump it when
// the persisted shape changes so older records stay readable.
const bucketRecordVersion = 1

type persistedEntry struct {
	Canon       []byte            `json:"canon"`
	Values      []common.GrainRef `json:"values"`
	TentativeOp common.Op         `json:"tentativeOp"`
}

type persistedState struct {
	Kind    common.IndexKind `json:"kind"`
	Unique  bool             `json:"unique"`
	MaxSize int              `json:"maxSize"`
	Status  Status           `json:"status"`
	NextPK  string           `json:"nextPK"`
	Entries []persistedEntry `json:"entries"`
}

// Directory resolves a bucket's primary key to its running Actor, activating
// a fresh one (status UnderConstruction) the first time a primary key is
// seen. This is the client-facing counterpart of Activator: callers routing
// a lookup or update to the first bucket of a partition go through Directory;
// a bucket chasing its own successor goes through Activator. A single
// concrete implementation typically backs both.
type Directory interface {
	Get(ctx context.Context, primaryKey string) (*Actor, error)
}

// Activator stands in for the actor runtime's grain activation machinery:
// given a bucket's primary key, it returns the running (or newly activated)
// Actor for it, allocating fresh state the first time a primary key is seen.
type Activator func(ctx context.Context, primaryKey string) (*Actor, error)

// Actor is the addressable, single-threaded owner of one bucket's State,
// built on the same gen-server mailbox idiom (actor.Mailbox) as every other
// long-lived component in this codebase.
type Actor struct {
	*actor.Mailbox

	PrimaryKey string
	State      *State

	kv       storage.KV
	cfg      common.Config
	activate Activator

	// nextMu guards nextPK: it is written on the mailbox goroutine (chain
	// allocation) but read by the lock-bypassing lookup paths.
	nextMu sync.RWMutex
	nextPK string

	cas uint64
}

func (a *Actor) next() string {
	a.nextMu.RLock()
	defer a.nextMu.RUnlock()
	return a.nextPK
}

func (a *Actor) setNext(pk string) {
	a.nextMu.Lock()
	a.nextPK = pk
	a.nextMu.Unlock()
}

// NewActor constructs a bucket actor around freshly-built state and starts
// its command loop. kv/cfg drive persistence; activate resolves (or
// allocates) the next bucket in the chain on overflow.
func NewActor(primaryKey string, kind common.IndexKind, unique bool, maxSize int, kv storage.KV, cfg common.Config, activate Activator) *Actor {
	a := &Actor{
		Mailbox:    actor.NewMailbox(int(cfg.Uint32("IndexingSystem.BucketMailboxBuffer"))),
		PrimaryKey: primaryKey,
		State:      NewState(kind, unique, maxSize),
		kv:         kv,
		cfg:        cfg,
		activate:   activate,
	}
	go a.run()
	return a
}

// Recover loads this bucket's persisted record into a freshly-constructed
// actor's state before it serves any traffic, restoring the chain pointer and
// bucket status.
func (a *Actor) Recover(ctx context.Context) error {
	data, _, err := a.kv.Load(ctx, a.PrimaryKey)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var ps persistedState
	if _, err := storage.DecodeRecord(data, &ps); err != nil {
		return fmt.Errorf("bucket: decoding %q: %w", a.PrimaryKey, err)
	}
	for _, pe := range ps.Entries {
		e := &Entry{Values: make(map[common.GrainRef]struct{}), TentativeOp: pe.TentativeOp}
		for _, g := range pe.Values {
			e.Values[g] = struct{}{}
		}
		a.State.Restore(pe.Canon, e)
	}
	a.setNext(ps.NextPK)
	a.State.SetHasNext(ps.NextPK != "")
	a.State.SetStatus(ps.Status)
	return nil
}

func (a *Actor) persist(ctx context.Context) error {
	var entries []persistedEntry
	a.State.ForEach(func(canon []byte, e *Entry) {
		var vals []common.GrainRef
		for g := range e.Values {
			vals = append(vals, g)
		}
		entries = append(entries, persistedEntry{Canon: canon, Values: vals, TentativeOp: e.TentativeOp})
	})
	ps := persistedState{
		Kind:    a.State.kind,
		Unique:  a.State.unique,
		MaxSize: a.State.maxSize,
		Status:  a.State.Status(),
		NextPK:  a.next(),
		Entries: entries,
	}
	data, err := storage.EncodeRecord(bucketRecordVersion, ps)
	if err != nil {
		return err
	}
	newCas, err := storage.RetryingSave(ctx, a.kv, a.cfg, a.PrimaryKey, data, a.cas)
	if err != nil {
		return err
	}
	a.cas = newCas
	return nil
}

// command tags identify the mailbox dispatch. Read-only lookups (TryGet,
// GetPage, Range, RangeOverlap) bypass the mailbox entirely under State's own
// RWMutex and so carry no opcode here.
const (
	cmdApply = iota
	cmdSetStatus
	cmdDispose
)

func (a *Actor) run() {
	defer close(a.Donech())
	for {
		select {
		case cmd := <-a.Reqch():
			args := actor.Args(cmd)
			switch args[0].(int) {
			case cmdApply:
				ctx := args[1].(context.Context)
				grain := args[2].(common.GrainRef)
				update := args[3].(common.PropertyUpdate)
				res, err := a.applyAndChain(ctx, grain, update)
				actor.Reply(cmd, res, err)
			case cmdSetStatus:
				a.State.SetStatus(args[1].(Status))
				actor.Reply(cmd)
			case cmdDispose:
				a.State.SetStatus(Disposed)
				actor.Reply(cmd, a.persist(args[1].(context.Context)))
			default:
				actor.Reply(cmd, fmt.Errorf("bucket.Actor: unknown command %v", args[0]))
			}
		case <-a.Finch():
			return
		}
	}
}

// Apply dispatches a mutation through the mailbox so writes against this
// bucket serialize through its single goroutine, chaining to a
// successor bucket and persisting on success.
func (a *Actor) Apply(ctx context.Context, grain common.GrainRef, update common.PropertyUpdate) (ApplyResult, error) {
	resp, err := a.Send(cmdApply, ctx, grain, update)
	if err != nil {
		return ApplyResult{}, err
	}
	if resp[1] != nil {
		return resp[0].(ApplyResult), resp[1].(error)
	}
	return resp[0].(ApplyResult), nil
}

// applyAndChain runs on the actor's own goroutine: it applies locally, and on
// ok=false either forwards to the already-known next bucket or allocates one
// (its primary key derived deterministically from the chain base) and
// forwards to that instead.
func (a *Actor) applyAndChain(ctx context.Context, grain common.GrainRef, update common.PropertyUpdate) (ApplyResult, error) {
	res, err := a.State.Apply(grain, update)
	if err != nil {
		return res, err
	}
	if res.OK {
		if perr := a.persist(ctx); perr != nil {
			logging.Warnf("bucket %s: persist failed after apply: %v", a.PrimaryKey, perr)
			return res, perr
		}
		return res, nil
	}

	next, err := a.nextActor(ctx)
	if err != nil {
		return ApplyResult{}, err
	}
	return next.Apply(ctx, grain, *res.Forward)
}

// nextActor returns the successor bucket in this bucket's chain, allocating
// one (and persisting the new chain pointer) the first time it's needed.
func (a *Actor) nextActor(ctx context.Context) (*Actor, error) {
	if a.next() == "" {
		parsed, err := common.ParseBucketPrimaryKey(a.PrimaryKey)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: deriving successor: %w", a.PrimaryKey, err)
		}
		base, err := common.ChainBasePrimaryKey(a.PrimaryKey)
		if err != nil {
			return nil, fmt.Errorf("bucket %s: deriving successor: %w", a.PrimaryKey, err)
		}
		a.setNext(common.SuccessorPrimaryKey(base, parsed.ChainN+1))
		a.State.SetHasNext(true)
		if perr := a.persist(ctx); perr != nil {
			return nil, perr
		}
	}
	return a.activate(ctx, a.next())
}

// SetStatus transitions the bucket's lifecycle status through the mailbox so
// it serializes with in-flight Apply calls.
func (a *Actor) SetStatus(st Status) error {
	_, err := a.Send(cmdSetStatus, st)
	return err
}

// Status reports the bucket's lifecycle state, bypassing the mailbox.
func (a *Actor) Status() Status {
	return a.State.Status()
}

// Dispose marks the bucket Disposed and persists the transition. Subsequent
// inserts and updates fail with IndexUnavailable, deletes report
// FixDeleteOnUnavailable, and lookups return empty.
func (a *Actor) Dispose(ctx context.Context) error {
	resp, err := a.Send(cmdDispose, ctx)
	if err != nil {
		return err
	}
	if resp[0] != nil {
		return resp[0].(error)
	}
	return nil
}

// TryGet, GetPage, Range and RangeOverlap are read-only and bypass the
// mailbox under State's own RWMutex; the next-bucket chase below still goes
// through each successor's own bypass in turn.
func (a *Actor) TryGet(ctx context.Context, key *common.Value) (*Entry, error) {
	e, err := a.State.TryGet(key)
	if err != nil || e != nil {
		return e, err
	}
	nextPK := a.next()
	if nextPK == "" {
		return nil, nil
	}
	next, err := a.activate(ctx, nextPK)
	if err != nil {
		return nil, err
	}
	return next.TryGet(ctx, key)
}

func (a *Actor) GetPage(ctx context.Context, key *common.Value, offset, size int) ([]common.GrainRef, error) {
	rows, err := a.State.GetPage(key, offset, size)
	nextPK := a.next()
	if err != nil || len(rows) > 0 || nextPK == "" {
		return rows, err
	}
	next, err := a.activate(ctx, nextPK)
	if err != nil {
		return nil, err
	}
	return next.GetPage(ctx, key, offset, size)
}

// Range satisfies partition.RangeSource, walking the whole bucket chain.
func (a *Actor) Range(ctx context.Context, start, end interface{}, offset, size int) ([]common.GrainRef, error) {
	sv, ev := common.NewValue(start), common.NewValue(end)
	rows, err := a.State.Range(sv, ev, offset, size)
	if err != nil {
		return nil, err
	}
	nextPK := a.next()
	if nextPK == "" {
		return rows, nil
	}
	remaining := 0
	if size > 0 {
		remaining = size - len(rows)
		if remaining <= 0 {
			return rows, nil
		}
	}
	next, err := a.activate(ctx, nextPK)
	if err != nil {
		return nil, err
	}
	more, err := next.Range(ctx, start, end, 0, remaining)
	if err != nil {
		return nil, err
	}
	return append(rows, more...), nil
}

// RangeOverlap satisfies partition.RangeSource. A chained bucket's overlap is
// widened across the whole chain: the chain's key extent is the union of
// every segment's extent.
func (a *Actor) RangeOverlap(ctx context.Context, start, end interface{}) (common.RangeOverlap, error) {
	sv, ev := common.NewValue(start), common.NewValue(end)
	nextPK := a.next()
	if nextPK == "" {
		return a.State.RangeOverlap(sv, ev)
	}
	next, err := a.activate(ctx, nextPK)
	if err != nil {
		return 0, err
	}
	tailOverlap, err := next.RangeOverlap(ctx, start, end)
	if err != nil {
		return 0, err
	}
	headOverlap, err := a.State.RangeOverlap(sv, ev)
	if err != nil {
		return 0, err
	}
	return widenOverlap(headOverlap, tailOverlap), nil
}

// widenOverlap combines two chain segments' overlap reports into the overlap
// of their union, keeping the range-relative convention of State.RangeOverlap:
// the union's min is the smaller segment min, so the range starts below the
// union only when it starts below BOTH segments; likewise the range ends
// above the union only when it ends above both segments' maxes.
func widenOverlap(head, tail common.RangeOverlap) common.RangeOverlap {
	if head == common.LessThan && tail == common.LessThan {
		return common.LessThan
	}
	if head == common.GreaterThan && tail == common.GreaterThan {
		return common.GreaterThan
	}
	startsBelow := func(o common.RangeOverlap) bool {
		return o == common.LessThan || o == common.PartialLessThan || o == common.Superset
	}
	endsAbove := func(o common.RangeOverlap) bool {
		return o == common.GreaterThan || o == common.PartialGreaterThan || o == common.Superset
	}
	rangeBelow := startsBelow(head) && startsBelow(tail)
	rangeAbove := endsAbove(head) && endsAbove(tail)
	switch {
	case rangeBelow && rangeAbove:
		return common.Superset
	case rangeBelow:
		return common.PartialLessThan
	case rangeAbove:
		return common.PartialGreaterThan
	default:
		return common.Subset
	}
}

var _ partition.RangeSource = (*Actor)(nil)
