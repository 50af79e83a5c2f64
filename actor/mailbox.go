// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

// Package actor is the cooperative gen-server scheduler every activation in
// this codebase runs on: one goroutine owns mutable state, reachable only
// through a command channel, unwound cleanly through the FailsafeOp/finch
// idiom.
package actor

import "github.com/couchbase/grainidx/common"

// Mailbox is embedded by every actor (bucket actor, controller) that
// wants single-threaded-per-activation semantics for its mutating commands.
// Read-only operations may bypass the mailbox under their own lock and
// interleave with in-flight commands.
type Mailbox struct {
	reqch  chan []interface{}
	finch  chan bool
	donech chan bool
}

func NewMailbox(bufsize int) *Mailbox {
	return &Mailbox{
		reqch:  make(chan []interface{}, bufsize),
		finch:  make(chan bool),
		donech: make(chan bool),
	}
}

func (m *Mailbox) Reqch() chan []interface{} { return m.reqch }
func (m *Mailbox) Finch() chan bool          { return m.finch }
func (m *Mailbox) Donech() chan bool         { return m.donech }

// Close signals the owning goroutine to stop at its next command-loop
// iteration and waits for it to exit.
func (m *Mailbox) Close() {
	close(m.finch)
	<-m.donech
}

// Stopped reports whether Close has been called.
func (m *Mailbox) Stopped() bool {
	select {
	case <-m.finch:
		return true
	default:
		return false
	}
}

// Send dispatches cmd synchronously and returns the single-element reply
// channel's contents, the way every gen-server call in this codebase appends
// its own respch as the command's last element.
func (m *Mailbox) Send(cmd ...interface{}) ([]interface{}, error) {
	respch := make(chan []interface{}, 1)
	full := append(append([]interface{}{}, cmd...), respch)
	return common.FailsafeOp(m.reqch, respch, full, m.finch)
}

// SendAsync dispatches cmd without waiting for a reply.
func (m *Mailbox) SendAsync(cmd ...interface{}) error {
	return common.FailsafeOpAsync(m.reqch, cmd, m.finch)
}

// Reply sends resp back on the respch embedded as the last element of cmd by
// Send, matching the call convention above. No-op if cmd carries no respch
// (i.e. it arrived via SendAsync).
func Reply(cmd []interface{}, resp ...interface{}) {
	if len(cmd) == 0 {
		return
	}
	if respch, ok := cmd[len(cmd)-1].(chan []interface{}); ok {
		respch <- resp
	}
}

// Args strips the trailing respch (if any) a Send call appended, returning
// just the caller-supplied arguments to the command loop's dispatch switch.
func Args(cmd []interface{}) []interface{} {
	if len(cmd) == 0 {
		return cmd
	}
	if _, ok := cmd[len(cmd)-1].(chan []interface{}); ok {
		return cmd[:len(cmd)-1]
	}
	return cmd
}
