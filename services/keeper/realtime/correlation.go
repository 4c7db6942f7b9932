// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"sync"
	"time"
)

// Outcome is the terminal result of one in-flight request: either the
// matching response frame or the error that pre-empted it.
type Outcome struct {
	Frame Frame
	Err   error
}

// pendingRequest is one registered correlation slot. The channel is
// buffered so resolution never blocks the resolver.
type pendingRequest struct {
	ch       chan Outcome
	deadline time.Time
}

// CorrelationTable matches responses to requests by monotonic integer
// id and guarantees each request is resolved exactly once.
//
// # Description
//
// Ids start at 1 and never repeat for the lifetime of the table, so a
// late response from before a reconnect can never be mistaken for the
// answer to a newer request. Resolution races (response vs. timeout
// sweep vs. connection drop) are settled under the table mutex: the
// first caller to claim a slot delivers, everyone else finds the slot
// gone.
//
// # Thread Safety
//
// Safe for concurrent use.
type CorrelationTable struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
}

// NewCorrelationTable creates an empty table. The first id issued is 1.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		pending: make(map[int64]*pendingRequest),
	}
}

// Register allocates the next id and a slot that will receive exactly
// one Outcome. A zero deadline means the sweep never expires the slot.
func (t *CorrelationTable) Register(deadline time.Time) (int64, <-chan Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	slot := &pendingRequest{
		ch:       make(chan Outcome, 1),
		deadline: deadline,
	}
	t.pending[id] = slot
	return id, slot.ch
}

// Resolve delivers a response frame to its slot. It reports false when
// no slot exists for the id, which callers treat as an unmatched
// response to be dropped.
func (t *CorrelationTable) Resolve(id int64, frame Frame) bool {
	slot := t.claim(id)
	if slot == nil {
		return false
	}
	slot.ch <- Outcome{Frame: frame}
	return true
}

// Fail delivers an error to a single slot. Reports false when the slot
// was already resolved or never existed.
func (t *CorrelationTable) Fail(id int64, err error) bool {
	slot := t.claim(id)
	if slot == nil {
		return false
	}
	slot.ch <- Outcome{Err: err}
	return true
}

// FailAll resolves every in-flight request with err and empties the
// table in one atomic step. Used on connection drop and shutdown.
func (t *CorrelationTable) FailAll(err error) int {
	t.mu.Lock()
	claimed := t.pending
	t.pending = make(map[int64]*pendingRequest)
	t.mu.Unlock()

	for _, slot := range claimed {
		slot.ch <- Outcome{Err: err}
	}
	return len(claimed)
}

// Sweep fails every slot whose deadline has passed as of now. Returns
// the number of requests timed out.
func (t *CorrelationTable) Sweep(now time.Time) int {
	t.mu.Lock()
	var expired []*pendingRequest
	for id, slot := range t.pending {
		if !slot.deadline.IsZero() && now.After(slot.deadline) {
			expired = append(expired, slot)
			delete(t.pending, id)
		}
	}
	t.mu.Unlock()

	for _, slot := range expired {
		slot.ch <- Outcome{Err: ErrTimeout}
	}
	return len(expired)
}

// Pending returns the number of unresolved requests.
func (t *CorrelationTable) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// claim removes and returns the slot for id, or nil if already taken.
func (t *CorrelationTable) claim(id int64) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	slot, ok := t.pending[id]
	if !ok {
		return nil
	}
	delete(t.pending, id)
	return slot
}
