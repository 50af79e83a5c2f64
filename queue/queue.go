// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package queue implements the write-ahead indexing queue: one durable FIFO
// per declared grain interface, fed by state controllers and drained by a
// background processor that applies forward or reverse updates through the
// index clients depending on whether the owning grain still considers the
// action active.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/couchbase/grainidx/client"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/logging"
	"github.com/couchbase/grainidx/storage"
	"github.com/google/uuid"
)

// GrainDirectory resolves a grain reference to the activation that can
// answer which of its actions are still active and clear processed ones,
// the same activation-by-identity stand-in bucket.Directory provides for
// buckets.
type GrainDirectory interface {
	ActiveActionIDs(ctx context.Context, grain common.GrainRef) (map[uuid.UUID]struct{}, error)
	ClearActionIDs(ctx context.Context, grain common.GrainRef, ids []uuid.UUID) error
}

// Status is a queue's lifecycle state.
type Status int

const (
	Active Status = iota
	Deactivated
)

const queueRecordVersion = 1

type persistedEntry struct {
	Punctuation    bool                             `json:"punctuation,omitempty"`
	ActionID       uuid.UUID                        `json:"actionId,omitempty"`
	Grain          common.GrainRef                  `json:"grain,omitempty"`
	InterfaceType  string                           `json:"interfaceType,omitempty"`
	UpdatesByIndex map[string]common.PropertyUpdate `json:"updatesByIndex,omitempty"`
}

type persistedQueueState struct {
	Status  Status           `json:"status"`
	Entries []persistedEntry `json:"entries"`
}

// Queue is one interface's write-ahead indexing queue. Indexes holds every
// index declared on InterfaceFullName, so the processor can dispatch a
// batched action's per-index updates without a registry lookup on the hot
// path. PrimaryKey is this queue instance's grain identity: the same
// interface's queue reincarnated elsewhere (a migration) carries a different
// primary key, which is what a controller's recovery compares against its
// envelope's recorded queue references.
type Queue struct {
	PrimaryKey        string
	InterfaceFullName string

	kv      storage.KV
	cfg     common.Config
	indexes map[string]*client.Index
	grains  GrainDirectory

	input  chan common.IndexingAction
	stopch chan struct{}
	donech chan struct{}

	mu       sync.Mutex
	status   Status
	lastErr  error
	entries  []common.IndexingAction
	overflow []common.IndexingAction
	cas      uint64
	debounce storage.Debouncer
}

// NewQueue builds a queue and starts its background processor. Call Recover
// first if this queue's durable state might already hold pending actions
// from a prior process lifetime.
func NewQueue(primaryKey, interfaceFullName string, kv storage.KV, cfg common.Config, indexes map[string]*client.Index, grains GrainDirectory) *Queue {
	q := &Queue{
		PrimaryKey:        primaryKey,
		InterfaceFullName: interfaceFullName,
		kv:                kv,
		cfg:               cfg,
		indexes:           indexes,
		grains:            grains,
		input:             make(chan common.IndexingAction, int(cfg.Uint32("IndexingSystem.IndexingQueueInputBufferSize"))),
		stopch:            make(chan struct{}),
		donech:            make(chan struct{}),
	}
	go q.process()
	return q
}

// Identity is the stable reference a controller records in its envelope.
func (q *Queue) Identity() string {
	return q.PrimaryKey
}

// Recover replays every action in this queue's last-persisted state (each
// persist writes the still-pending actions followed by one punctuation), the
// way a controller replays its envelope, and re-feeds them into the
// processor.
func (q *Queue) Recover(ctx context.Context) error {
	data, cas, err := q.kv.Load(ctx, q.storageKey())
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var ps persistedQueueState
	if _, err := storage.DecodeRecord(data, &ps); err != nil {
		return fmt.Errorf("queue %s: decoding: %w", q.InterfaceFullName, err)
	}

	q.mu.Lock()
	q.cas = cas
	q.status = ps.Status
	q.entries = q.entries[:0]
	for _, pe := range ps.Entries {
		if pe.Punctuation {
			continue
		}
		q.entries = append(q.entries, common.IndexingAction{
			ActionID:       pe.ActionID,
			Grain:          pe.Grain,
			InterfaceType:  pe.InterfaceType,
			UpdatesByIndex: pe.UpdatesByIndex,
		})
	}
	pending := append([]common.IndexingAction(nil), q.entries...)
	q.mu.Unlock()

	for _, a := range pending {
		q.offer(a)
	}
	return nil
}

// offer hands an already-persisted action to the processor without ever
// blocking: enqueues must stay re-entrant while a drain is in flight (a
// drain can be waiting on a grain whose own commit is what's enqueueing
// here). A full channel parks the action in overflow, which the processor
// sweeps into its next batch.
func (q *Queue) offer(a common.IndexingAction) {
	select {
	case q.input <- a:
	default:
		q.mu.Lock()
		q.overflow = append(q.overflow, a)
		q.mu.Unlock()
	}
}

func (q *Queue) takeOverflow() []common.IndexingAction {
	q.mu.Lock()
	o := q.overflow
	q.overflow = nil
	q.mu.Unlock()
	return o
}

func (q *Queue) storageKey() string {
	return "queue/" + q.PrimaryKey
}

// PendingActions returns a snapshot of actions this queue has accepted but
// not yet fully processed, the form a controller's Recover uses to intersect
// against its envelope's activeIndexingActionIds.
func (q *Queue) PendingActions() map[uuid.UUID]common.IndexingAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[uuid.UUID]common.IndexingAction, len(q.entries))
	for _, a := range q.entries {
		out[a.ActionID] = a
	}
	return out
}

// Status reports whether the queue is still accepting and processing work.
func (q *Queue) Status() (Status, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status, q.lastErr
}

// Enqueue durably records action before handing it to the background
// processor, so a crash between these two steps still recovers it (write-
// ahead). Returns the freshly stamped action id.
func (q *Queue) Enqueue(ctx context.Context, grain common.GrainRef, updates map[string]common.PropertyUpdate) (uuid.UUID, error) {
	q.mu.Lock()
	if q.status == Deactivated {
		err := q.lastErr
		q.mu.Unlock()
		return uuid.Nil, common.ErrQueueProcessingFailure(err)
	}
	action := common.NewIndexingAction(grain, q.InterfaceFullName, updates)
	q.entries = append(q.entries, action)
	q.mu.Unlock()

	if err := q.persistEntries(ctx); err != nil {
		return uuid.Nil, err
	}
	q.offer(action)
	return action.ActionID, nil
}

// EnqueueBatch enqueues already-stamped actions: a controller's commit path
// (each action's id is already active on the grain) and a controller
// transferring pending work from a previous queue incarnation during
// recovery. Unlike
// Enqueue it preserves each action's ActionID, since the owning grains'
// activeIndexingActionIds still reference them.
func (q *Queue) EnqueueBatch(ctx context.Context, actions []common.IndexingAction) error {
	if len(actions) == 0 {
		return nil
	}
	q.mu.Lock()
	if q.status == Deactivated {
		err := q.lastErr
		q.mu.Unlock()
		return common.ErrQueueProcessingFailure(err)
	}
	q.entries = append(q.entries, actions...)
	q.mu.Unlock()

	if err := q.persistEntries(ctx); err != nil {
		return err
	}
	for _, a := range actions {
		q.offer(a)
	}
	return nil
}

// Dequeue removes ids without processing them, the dequeue-from-old half of
// a recovery transfer.
func (q *Queue) Dequeue(ctx context.Context, ids []uuid.UUID) error {
	drop := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	kept := q.entries[:0]
	for _, a := range q.entries {
		if _, gone := drop[a.ActionID]; !gone {
			kept = append(kept, a)
		}
	}
	q.entries = kept
	q.mu.Unlock()
	return q.persistEntries(ctx)
}

func (q *Queue) persistEntries(ctx context.Context) error {
	q.mu.Lock()
	entries := make([]persistedEntry, 0, len(q.entries)+1)
	for _, a := range q.entries {
		entries = append(entries, persistedEntry{ActionID: a.ActionID, Grain: a.Grain, InterfaceType: a.InterfaceType, UpdatesByIndex: a.UpdatesByIndex})
	}
	entries = append(entries, persistedEntry{Punctuation: true})
	status := q.status
	q.mu.Unlock()

	ps := persistedQueueState{Status: status, Entries: entries}
	data, err := storage.EncodeRecord(queueRecordVersion, ps)
	if err != nil {
		return err
	}

	return q.debounce.Run(func() error {
		q.mu.Lock()
		cas := q.cas
		q.mu.Unlock()
		newCas, err := storage.RetryingSave(ctx, q.kv, q.cfg, q.storageKey(), data, cas)
		if err != nil {
			return err
		}
		q.mu.Lock()
		q.cas = newCas
		q.mu.Unlock()
		return nil
	})
}

func (q *Queue) fail(err error) {
	q.mu.Lock()
	q.status = Deactivated
	q.lastErr = common.ErrInternalFailure(err)
	q.mu.Unlock()
	logging.Errorf("queue %s: deactivated: %v", q.InterfaceFullName, err)
}

// Reactivate resumes processing from the last persisted punctuation after a
// processing failure deactivated the queue.
func (q *Queue) Reactivate(ctx context.Context) error {
	q.mu.Lock()
	q.status = Active
	q.lastErr = nil
	q.mu.Unlock()
	return q.Recover(ctx)
}

// Close stops the background processor.
func (q *Queue) Close() {
	close(q.stopch)
	<-q.donech
}

func (q *Queue) process() {
	defer close(q.donech)

	outSize := int(q.cfg.Uint32("IndexingSystem.IndexingQueueOutputBufferSize"))
	if outSize <= 0 {
		outSize = 1
	}
	timeout := q.cfg.Duration("IndexingSystem.IndexingQueueOutputBufferTimeOut")
	if timeout <= 0 {
		timeout = 100 * time.Millisecond
	}

	var batch []common.IndexingAction
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case a := <-q.input:
			batch = append(batch, a)
			if len(batch) < outSize {
				continue
			}
			batch = append(batch, q.takeOverflow()...)
			q.drain(batch)
			batch = nil
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

		case <-timer.C:
			batch = append(batch, q.takeOverflow()...)
			if len(batch) > 0 {
				q.drain(batch)
				batch = nil
			}
			timer.Reset(timeout)

		case <-q.stopch:
			return
		}
	}
}

// drain is one batch's worth of processing: join by grain, ask
// each grain once which actions are still active, dispatch forward or
// reverse updates per index, ask grains to clear what was processed, then
// persist the dequeue.
func (q *Queue) drain(batch []common.IndexingAction) {
	ctx := context.Background()
	if st, _ := q.Status(); st == Deactivated {
		return
	}

	byGrain := make(map[common.GrainRef][]common.IndexingAction)
	for _, a := range batch {
		byGrain[a.Grain] = append(byGrain[a.Grain], a)
	}

	active := make(map[common.GrainRef]map[uuid.UUID]struct{}, len(byGrain))
	for g := range byGrain {
		ids, err := q.grains.ActiveActionIDs(ctx, g)
		if err != nil {
			q.fail(fmt.Errorf("querying active action ids for %s: %w", g, err))
			return
		}
		active[g] = ids
	}

	perIndex := make(map[string][]indexJob)
	for _, a := range batch {
		stillActive := hasID(active[a.Grain], a.ActionID)
		for name, upd := range a.UpdatesByIndex {
			idx := q.indexes[name]
			if idx == nil {
				continue
			}
			if stillActive {
				perIndex[name] = append(perIndex[name], indexJob{grain: a.Grain, update: upd})
				continue
			}
			if idx.Descriptor.Unique {
				perIndex[name] = append(perIndex[name], indexJob{grain: a.Grain, update: upd.Reversed()})
			}
			// non-unique and no longer active: the commit that produced this
			// action already aborted cleanly (nothing was ever written
			// eagerly for a non-unique update), so there is nothing to undo.
		}
	}

	parallelism := int(q.cfg.Uint32("IndexingSystem.IndexUpdateParallelism"))
	var tasks []func(context.Context) error
	for name, jobs := range perIndex {
		name, jobs := name, jobs
		idx := q.indexes[name]
		tasks = append(tasks, func(ctx context.Context) error {
			for _, j := range jobs {
				if err := idx.Update(ctx, j.grain, j.update); err != nil {
					return fmt.Errorf("index %s: %w", name, err)
				}
			}
			return nil
		})
	}
	if err := common.BoundedParallel(ctx, parallelism, tasks...); err != nil {
		q.fail(fmt.Errorf("applying batch: %w", err))
		return
	}

	for g, actions := range byGrain {
		ids := make([]uuid.UUID, 0, len(actions))
		for _, a := range actions {
			ids = append(ids, a.ActionID)
		}
		if err := q.grains.ClearActionIDs(ctx, g, ids); err != nil {
			q.fail(fmt.Errorf("clearing action ids for %s: %w", g, err))
			return
		}
	}

	processed := make(map[uuid.UUID]struct{}, len(batch))
	for _, a := range batch {
		processed[a.ActionID] = struct{}{}
	}
	q.mu.Lock()
	kept := q.entries[:0]
	for _, a := range q.entries {
		if _, done := processed[a.ActionID]; !done {
			kept = append(kept, a)
		}
	}
	q.entries = kept
	q.mu.Unlock()

	if err := q.persistEntries(ctx); err != nil {
		q.fail(fmt.Errorf("persisting dequeue: %w", err))
	}
}

type indexJob struct {
	grain  common.GrainRef
	update common.PropertyUpdate
}

func hasID(set map[uuid.UUID]struct{}, id uuid.UUID) bool {
	if set == nil {
		return false
	}
	_, ok := set[id]
	return ok
}
