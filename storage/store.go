// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package storage models the persistence boundary the actor runtime
// ordinarily provides: a narrow KV interface with optimistic-concurrency
// Save, plus an in-memory reference implementation good enough to drive the
// controller/bucket/queue tests end to end without a real storage engine.
package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/couchbase/grainidx/common"
)

// ErrNotFound is returned by Load when key has never been Saved.
var ErrNotFound = fmt.Errorf("storage: key not found")

// KV is the minimal optimistic-concurrency key/value contract every
// persisted record in this package (bucket state, envelope, queue state)
// goes through. cas is the usual "compare-and-swap" token: Save fails with a
// StorageConflict *common.Error when the caller's cas doesn't match the
// currently stored one.
type KV interface {
	Load(ctx context.Context, key string) (data []byte, cas uint64, err error)
	Save(ctx context.Context, key string, data []byte, cas uint64) (newCas uint64, err error)
	Delete(ctx context.Context, key string, cas uint64) error
}

type record struct {
	data []byte
	cas  uint64
}

// MemKV is an in-memory KV with optimistic concurrency, standing in for the
// real persistence backend. Every write bumps cas by one.
type MemKV struct {
	mu   sync.Mutex
	data map[string]record
}

func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string]record)}
}

func (m *MemKV) Load(ctx context.Context, key string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.data[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out, r.cas, nil
}

func (m *MemKV) Save(ctx context.Context, key string, data []byte, cas uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.data[key]
	if exists && cur.cas != cas {
		return 0, common.ErrStorageConflict(fmt.Errorf("cas mismatch on %q: have %d, want %d", key, cur.cas, cas))
	}
	if !exists && cas != 0 {
		return 0, common.ErrStorageConflict(fmt.Errorf("cas mismatch on %q: key does not exist", key))
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	newCas := cur.cas + 1
	m.data[key] = record{data: cp, cas: newCas}
	return newCas, nil
}

func (m *MemKV) Delete(ctx context.Context, key string, cas uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.data[key]
	if !exists {
		return nil
	}
	if cur.cas != cas {
		return common.ErrStorageConflict(fmt.Errorf("cas mismatch deleting %q", key))
	}
	delete(m.data, key)
	return nil
}

// RetryingSave wraps kv.Save with up to 10 attempts at a linearly increasing
// delay, retrying only on StorageConflict and surfacing any other error
// immediately.
func RetryingSave(ctx context.Context, kv KV, cfg common.Config, key string, data []byte, cas uint64) (newCas uint64, err error) {
	maxAttempts := 10
	rh := common.NewRetryHelper(maxAttempts, cfg.Duration("IndexingSystem.StorageRetryBaseDelay"), 1, func(attempt int, lastErr error) error {
		nc, e := kv.Save(ctx, key, data, cas)
		if e != nil {
			if !common.IsCategory(e, common.CategoryStorageConflict) {
				return &common.Permanent{Err: e}
			}
			return e
		}
		newCas = nc
		return nil
	})

	if err := rh.Run(); err != nil {
		return 0, err
	}
	return newCas, nil
}
