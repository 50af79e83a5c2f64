// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package storage

import "sync"

// Debouncer coalesces overlapping persistence writes: every caller's
// prepare step still runs, but when a commit is already in
// flight, later callers just hand it their freshly prepared commit closure
// instead of starting a redundant one; the in-flight commit loops to pick up
// the latest closure until nobody has queued a newer one.
type Debouncer struct {
	mu      sync.Mutex
	running bool
	pending bool
	latest  func() error
}

// Run registers commit as the freshest write to perform. If no commit is
// currently in flight, the calling goroutine drives the loop itself
// (running commit, then re-running with whatever newer commit arrived while
// it was working) and returns the last attempt's error. If a commit is
// already in flight, this call returns nil immediately — its commit closure
// will be picked up by the in-flight loop.
func (d *Debouncer) Run(commit func() error) error {
	d.mu.Lock()
	d.latest = commit
	if d.running {
		d.pending = true
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.mu.Unlock()

	var lastErr error
	for {
		d.mu.Lock()
		fn := d.latest
		d.pending = false
		d.mu.Unlock()

		lastErr = fn()

		d.mu.Lock()
		if !d.pending {
			d.running = false
			d.mu.Unlock()
			return lastErr
		}
		d.mu.Unlock()
	}
}
