// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package controller implements the indexed-state controller: the
// per-grain owner of a user state value plus every index's before-image,
// mediating every mutation through the commit protocol that keeps the
// write-ahead queue and the eager unique-index check consistent with the
// persisted envelope.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/couchbase/grainidx/actor"
	"github.com/couchbase/grainidx/common"
	"github.com/couchbase/grainidx/logging"
	"github.com/couchbase/grainidx/registry"
	"github.com/couchbase/grainidx/storage"
	"github.com/google/uuid"
)

const envelopeRecordVersion = 1

type persistedEnvelope struct {
	State                   json.RawMessage          `json:"state"`
	ActiveIndexingActionIDs []uuid.UUID              `json:"activeIndexingActionIds"`
	QueuesByInterface       map[string]string        `json:"queuesByInterface"`
	Before                  map[string]*common.Value `json:"before"`
}

// Directory resolves a grain reference to its running Controller,
// activation-by-identity in the same stand-in role as bucket.Directory.
type Directory interface {
	Get(ctx context.Context, grain common.GrainRef) (*Controller, error)
}

// Controller is a grain's indexed-state controller. State is a pointer to
// the caller's indexed-state struct (an instance of the type
// registry.BuildFromStruct reflected over); PerformUpdate mutates it in place via the caller-supplied
// f.
type Controller struct {
	*actor.Mailbox

	Grain common.GrainRef
	Entry *registry.Entry
	State interface{}

	queues     map[string]Queue
	descByName map[string]common.IndexDescriptor

	kv  storage.KV
	cfg common.Config

	mu     sync.RWMutex
	active map[uuid.UUID]struct{}
	before map[string]*common.Value
	cas    uint64
}

// Queue is the subset of queue.Queue's surface a controller needs, kept
// narrow here so this package doesn't have to import queue's GrainDirectory
// wiring. Identity is the queue grain's primary key, recorded in the envelope
// so recovery can tell whether the runtime handed this activation a different
// queue incarnation than the one its pending actions were enqueued into.
// EnqueueBatch carries actions the controller stamped itself, both on the
// commit path (where the action id must be active before the processor can
// see the action) and on the recovery-transfer path;
// PendingActions/Dequeue complete the transfer surface.
type Queue interface {
	Identity() string
	PendingActions() map[uuid.UUID]common.IndexingAction
	EnqueueBatch(ctx context.Context, actions []common.IndexingAction) error
	Dequeue(ctx context.Context, ids []uuid.UUID) error
}

// QueueLocator resolves a previously recorded queue identity back to a live
// queue, the "reincarnated queue" lookup by primary key. Returning an error
// (or a nil Queue) marks the prior queue unreachable; recovery then drops the
// affected action ids rather than blocking (see DESIGN.md's Open Question
// decision).
type QueueLocator func(ctx context.Context, identity string) (Queue, error)

// New builds a controller for one grain's indexed state. queues maps
// interface full name to the queue that interface's indexes are written
// through, ordinarily just entry.InterfaceFullName's own queue; the map
// shape lets more than one declared interface's queue observe the same
// state.
func New(grain common.GrainRef, entry *registry.Entry, state interface{}, queues map[string]Queue, kv storage.KV, cfg common.Config) *Controller {
	descByName := make(map[string]common.IndexDescriptor, len(entry.Descriptors))
	for _, d := range entry.Descriptors {
		descByName[d.Name] = d
	}
	c := &Controller{
		Mailbox:    actor.NewMailbox(int(cfg.Uint32("IndexingSystem.ControllerMailboxBuffer"))),
		Grain:      grain,
		Entry:      entry,
		State:      state,
		queues:     queues,
		descByName: descByName,
		kv:         kv,
		cfg:        cfg,
		active:     make(map[uuid.UUID]struct{}),
		before:     make(map[string]*common.Value),
	}
	go c.run()
	return c
}

func (c *Controller) storageKey() string {
	return "envelope/" + c.Grain.String()
}

// Recover loads the persisted envelope (if any) into State, restores the
// before-image cache, and re-derives activeIndexingActionIds against each
// referenced queue's pending actions. When the envelope references a queue
// incarnation other than the one this activation now holds, the still-active
// pending actions are transferred: enqueue-batch into the current queue,
// dequeue from the old one. locate resolves recorded queue identities; nil
// means no prior incarnation is ever reachable.
func (c *Controller) Recover(ctx context.Context, locate QueueLocator) error {
	data, cas, err := c.kv.Load(ctx, c.storageKey())
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var env persistedEnvelope
	if _, err := storage.DecodeRecord(data, &env); err != nil {
		return fmt.Errorf("controller %s: decoding envelope: %w", c.Grain, err)
	}
	if len(env.State) > 0 {
		if err := json.Unmarshal(env.State, c.State); err != nil {
			return fmt.Errorf("controller %s: decoding state: %w", c.Grain, err)
		}
	}

	active := make(map[uuid.UUID]struct{}, len(env.ActiveIndexingActionIDs))
	for _, id := range env.ActiveIndexingActionIDs {
		active[id] = struct{}{}
	}

	// Everything the current queues already hold.
	pending := make(map[uuid.UUID]struct{})
	for _, q := range c.queues {
		for id := range q.PendingActions() {
			pending[id] = struct{}{}
		}
	}

	// Transfer from any prior incarnation the envelope still references.
	for iface, q := range c.queues {
		prior := env.QueuesByInterface[iface]
		if prior == "" || prior == q.Identity() {
			continue
		}
		if err := c.transferPending(ctx, iface, prior, q, active, pending, locate); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cas = cas
	c.before = env.Before
	if c.before == nil {
		c.before = make(map[string]*common.Value)
	}

	still := make(map[uuid.UUID]struct{}, len(active))
	stale := false
	for id := range active {
		if _, ok := pending[id]; ok {
			still[id] = struct{}{}
		} else {
			// No reachable queue has this action pending (it was processed,
			// or its incarnation is gone); it can't still be active, so it's
			// dropped rather than left to block recovery indefinitely.
			stale = true
			logging.Warnf("controller %s: dropping stale activeIndexingActionId %s", c.Grain, id)
		}
	}
	c.active = still
	if stale || !sameQueueRefs(env.QueuesByInterface, c.queues) {
		return c.persistLocked(ctx)
	}
	return nil
}

// transferPending moves this grain's still-active actions from a prior queue
// incarnation to the current one. An unreachable prior queue is logged and
// skipped; its ids fall out of the active set below.
func (c *Controller) transferPending(ctx context.Context, iface, prior string, cur Queue, active, pending map[uuid.UUID]struct{}, locate QueueLocator) error {
	var old Queue
	if locate != nil {
		var err error
		old, err = locate(ctx, prior)
		if err != nil {
			logging.Warnf("controller %s: prior queue %s for %s unreachable: %v", c.Grain, prior, iface, err)
			return nil
		}
	}
	if old == nil {
		logging.Warnf("controller %s: prior queue %s for %s unreachable", c.Grain, prior, iface)
		return nil
	}

	oldPending := old.PendingActions()
	var transfer []common.IndexingAction
	var ids []uuid.UUID
	for id := range active {
		if a, ok := oldPending[id]; ok {
			transfer = append(transfer, a)
			ids = append(ids, id)
		}
	}
	if len(transfer) == 0 {
		return nil
	}
	if err := cur.EnqueueBatch(ctx, transfer); err != nil {
		return fmt.Errorf("controller %s: transferring %d pending actions from %s: %w", c.Grain, len(transfer), prior, err)
	}
	if err := old.Dequeue(ctx, ids); err != nil {
		// The transfer is already durable on the current queue; a failed
		// dequeue on the old side means at worst an idempotent replay there.
		logging.Warnf("controller %s: dequeue from prior queue %s failed: %v", c.Grain, prior, err)
	}
	for _, id := range ids {
		pending[id] = struct{}{}
	}
	logging.Infof("controller %s: transferred %d pending actions from queue %s to %s", c.Grain, len(transfer), prior, cur.Identity())
	return nil
}

func sameQueueRefs(recorded map[string]string, queues map[string]Queue) bool {
	if len(recorded) != len(queues) {
		return false
	}
	for iface, q := range queues {
		if recorded[iface] != q.Identity() {
			return false
		}
	}
	return true
}

const (
	cmdPerformUpdate = iota
	cmdActiveActionIDs
	cmdClearActionIDs
)

func (c *Controller) run() {
	defer close(c.Donech())
	for {
		select {
		case cmd := <-c.Reqch():
			args := actor.Args(cmd)
			switch args[0].(int) {
			case cmdPerformUpdate:
				ctx := args[1].(context.Context)
				f := args[2].(func(interface{}))
				err := c.performUpdate(ctx, f)
				actor.Reply(cmd, err)
			case cmdActiveActionIDs:
				actor.Reply(cmd, c.activeSnapshot())
			case cmdClearActionIDs:
				ctx := args[1].(context.Context)
				ids := args[2].([]uuid.UUID)
				err := c.clearActionIDs(ctx, ids)
				actor.Reply(cmd, err)
			default:
				actor.Reply(cmd, fmt.Errorf("controller: unknown command %v", args[0]))
			}
		case <-c.Finch():
			return
		}
	}
}

// PerformUpdate runs f against State and drives it through every declared
// index, serialized through this controller's mailbox so one goroutine owns
// the activation's mutable state.
func (c *Controller) PerformUpdate(ctx context.Context, f func(state interface{})) error {
	resp, err := c.Send(cmdPerformUpdate, ctx, f)
	if err != nil {
		return err
	}
	if resp[0] != nil {
		return resp[0].(error)
	}
	return nil
}

type indexJob struct {
	name   string
	update common.PropertyUpdate
}

// performUpdate is the commit protocol, run on this controller's own
// goroutine: diff, enqueue, eager unique check, persist, refresh the
// before-image cache.
func (c *Controller) performUpdate(ctx context.Context, f func(interface{})) error {
	// Apply f in-memory.
	f(c.State)

	// Compute per-index updates from (before-image, current reader value).
	c.mu.RLock()
	var jobs []indexJob
	for _, d := range c.Entry.Descriptors {
		after := d.Reader(c.State)
		before := c.before[d.Name]
		upd := common.MakeUpdate(before, after, common.NonTentative)
		if upd.Op == common.OpNone {
			continue
		}
		jobs = append(jobs, indexJob{name: d.Name, update: upd})
	}
	c.mu.RUnlock()
	if len(jobs) == 0 {
		return nil
	}

	updatesByIndex := make(map[string]common.PropertyUpdate, len(jobs))
	for _, j := range jobs {
		updatesByIndex[j.name] = j.update
	}

	// Stamp one action per queue and mark its id active BEFORE the action
	// can reach the queue processor: a drain racing this commit must see the
	// action as active, never mistake it for an aborted one and reverse the
	// tentative write the eager step below is about to make durable.
	type stampedAction struct {
		q      Queue
		action common.IndexingAction
	}
	stamped := make([]stampedAction, 0, len(c.queues))
	newIDs := make([]uuid.UUID, 0, len(c.queues))
	for iface, q := range c.queues {
		a := common.NewIndexingAction(c.Grain, iface, updatesByIndex)
		stamped = append(stamped, stampedAction{q: q, action: a})
		newIDs = append(newIDs, a.ActionID)
	}
	c.mu.Lock()
	for _, id := range newIDs {
		c.active[id] = struct{}{}
	}
	c.mu.Unlock()
	// release undoes the registration on every abort path, so the processor
	// sees the enqueued actions as inactive and reverses any tentative
	// writes this commit left behind.
	release := func() {
		c.mu.Lock()
		for _, id := range newIDs {
			delete(c.active, id)
		}
		c.mu.Unlock()
	}

	// Concurrently enqueue into every queue this state's indexes are
	// written through, before persisting anything.
	var tasks []func(context.Context) error
	for _, sa := range stamped {
		sa := sa
		tasks = append(tasks, func(ctx context.Context) error {
			return sa.q.EnqueueBatch(ctx, []common.IndexingAction{sa.action})
		})
	}
	parallelism := int(c.cfg.Uint32("IndexingSystem.EnqueueParallelism"))
	if err := common.BoundedParallel(ctx, parallelism, tasks...); err != nil {
		release()
		return err
	}

	// Eagerly apply tentative versions of every unique-index update; a
	// UniquenessViolation aborts before the envelope is persisted, and
	// releasing the ids hands the already-enqueued actions to the queue
	// processor for reverse-CRUD cleanup.
	for _, j := range jobs {
		d := c.descByName[j.name]
		if !d.Unique {
			continue
		}
		idx, ok := c.indexFor(j.name)
		if !ok {
			release()
			return fmt.Errorf("controller %s: no client.Index wired for unique index %q", c.Grain, j.name)
		}
		tentative := j.update
		tentative.Visibility = common.Tentative
		if err := idx.Update(ctx, c.Grain, tentative); err != nil {
			release()
			return err
		}
	}

	c.mu.Lock()
	err := c.persistLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		release()
		return err
	}

	// Update the before-image cache now that the envelope durably reflects
	// this commit.
	c.mu.Lock()
	for _, j := range jobs {
		d := c.descByName[j.name]
		c.before[j.name] = d.Reader(c.State)
	}
	c.mu.Unlock()
	return nil
}

// indexFor finds the client.Index for a unique descriptor in this
// controller's registry.Entry (c.Entry.Indexes) — a controller's queues are
// Queue handles, not client.Index values, so the eager tentative write goes
// through the entry the descriptor came from.
func (c *Controller) indexFor(name string) (interface {
	Update(ctx context.Context, grain common.GrainRef, update common.PropertyUpdate) error
}, bool) {
	idx, ok := c.Entry.Indexes[name]
	return idx, ok
}

func (c *Controller) persistLocked(ctx context.Context) error {
	stateBytes, err := json.Marshal(c.State)
	if err != nil {
		return err
	}
	ids := make([]uuid.UUID, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	refs := make(map[string]string, len(c.queues))
	for iface, q := range c.queues {
		refs[iface] = q.Identity()
	}
	env := persistedEnvelope{State: stateBytes, ActiveIndexingActionIDs: ids, QueuesByInterface: refs, Before: c.before}
	data, err := storage.EncodeRecord(envelopeRecordVersion, env)
	if err != nil {
		return err
	}
	newCas, err := storage.RetryingSave(ctx, c.kv, c.cfg, c.storageKey(), data, c.cas)
	if err != nil {
		return err
	}
	c.cas = newCas
	return nil
}

// ActiveActionIDs answers a queue processor's per-grain query, serialized
// through the mailbox so the processor can never observe a commit mid-turn:
// the reply reflects the final state of whichever PerformUpdate was in
// flight when the query arrived.
func (c *Controller) ActiveActionIDs(ctx context.Context, grain common.GrainRef) (map[uuid.UUID]struct{}, error) {
	if grain != c.Grain {
		return nil, fmt.Errorf("controller %s: ActiveActionIDs called for wrong grain %s", c.Grain, grain)
	}
	resp, err := c.Send(cmdActiveActionIDs)
	if err != nil {
		return nil, err
	}
	return resp[0].(map[uuid.UUID]struct{}), nil
}

func (c *Controller) activeSnapshot() map[uuid.UUID]struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[uuid.UUID]struct{}, len(c.active))
	for id := range c.active {
		out[id] = struct{}{}
	}
	return out
}

// ClearActionIDs removes processed action ids on behalf of the queue
// processor, serialized through the mailbox since it mutates and persists
// the envelope.
func (c *Controller) ClearActionIDs(ctx context.Context, grain common.GrainRef, ids []uuid.UUID) error {
	if grain != c.Grain {
		return fmt.Errorf("controller %s: ClearActionIDs called for wrong grain %s", c.Grain, grain)
	}
	_, err := c.Send(cmdClearActionIDs, ctx, ids)
	return err
}

func (c *Controller) clearActionIDs(ctx context.Context, ids []uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := false
	for _, id := range ids {
		if _, ok := c.active[id]; ok {
			delete(c.active, id)
			removed = true
		}
	}
	// An id this grain never considered active (an aborted commit's action)
	// leaves the envelope untouched.
	if !removed {
		return nil
	}
	return c.persistLocked(ctx)
}
