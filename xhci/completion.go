// xHCI completion event queue
// https://github.com/usbarmory/xhci
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xhci

import "sync"

// CompletionQueueCapacity is the fixed size of a controller's per-instance
// completion queue (spec.md §3 "Completion Entry").
const CompletionQueueCapacity = 64

// Completion is one matched event: a command-completion or transfer event,
// keyed for later retrieval by (Type, TRBPhysical).
type Completion struct {
	TRBPhysical     uint64
	CompletionCode  uint32
	Type            int
	SlotID          uint8
}

// completionQueue is a fixed-capacity FIFO; pushing past capacity evicts
// the oldest entry (spec.md §3, §5 "completions for different rings may
// interleave arbitrarily — drivers must match by trb_physical").
type completionQueue struct {
	mu      sync.Mutex
	entries []Completion
}

func newCompletionQueue() *completionQueue {
	return &completionQueue{entries: make([]Completion, 0, CompletionQueueCapacity)}
}

func (q *completionQueue) push(c Completion) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= CompletionQueueCapacity {
		// drop oldest
		q.entries = q.entries[1:]
	}

	q.entries = append(q.entries, c)
}

// pop removes and returns the first queued entry matching (typ, trbPhys).
func (q *completionQueue) pop(typ int, trbPhys uint64) (Completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, c := range q.entries {
		if c.Type == typ && c.TRBPhysical == trbPhys {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return c, true
		}
	}

	return Completion{}, false
}

func (q *completionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries)
}
