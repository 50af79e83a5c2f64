// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package partition implements routing: pure functions mapping a key to a bucket
// identity (hash scheme) or a range to an ordered list of bucket identities
// (date-time sorted scheme). Nothing here talks to an actor or does I/O.
package partition

import "github.com/couchbase/grainidx/common"

// Scheme is a partition scheme's identity and kind; Hash and RangeScheme
// below add the operations specific to their index kind.
type Scheme interface {
	Name() string
	Kind() common.IndexKind
}

// Hash is implemented by hash-index partition schemes: a pure key -> bucket
// identifier function.
type Hash interface {
	Scheme
	Partition(key interface{}) (string, error)
}

// RangeScheme is implemented by sorted-index partition schemes: a pure
// range -> ordered bucket identifiers function, used by the router's
// ascending traversal, plus a single-key Partition so a writer can route one
// value to its owning bucket the same way a Hash scheme does.
type RangeScheme interface {
	Scheme
	Partition(key interface{}) (string, error)
	PartitionsInRange(start, end interface{}) ([]string, error)
}
