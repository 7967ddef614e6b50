/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package request

import (
	"sort"
	"time"
)

// Strategy selects the ordering discipline of a queue.
type Strategy string

const (
	// StrategyFIFO orders by enqueue time. This is the baseline fairness
	// contract.
	StrategyFIFO Strategy = "fifo"
	// StrategyPriority orders by priority, then enqueue time.
	StrategyPriority Strategy = "priority"
)

// Queue is an ordered set of sequences. A sequence belongs to exactly one
// queue at any time; all transitions go through the scheduler's decision
// loop, so Queue is not safe for concurrent use.
type Queue struct {
	strategy Strategy
	items    []*Sequence

	// enqueued records when each member entered this queue, for the
	// waiting-queue admission timeout.
	enqueued map[int64]time.Time
}

// NewQueue creates an empty queue with the given ordering strategy.
func NewQueue(strategy Strategy) *Queue {
	return &Queue{
		strategy: strategy,
		items:    []*Sequence{},
		enqueued: map[int64]time.Time{},
	}
}

// Len returns the number of queued sequences.
func (q *Queue) Len() int { return len(q.items) }

// Push appends a sequence in strategy order.
func (q *Queue) Push(seq *Sequence) {
	q.enqueued[seq.ID] = time.Now()
	q.items = append(q.items, seq)
	if q.strategy == StrategyPriority {
		q.restore()
	}
}

// PushFront places a sequence ahead of everything else, regardless of
// strategy. Used for preemption victims returning for recompute.
func (q *Queue) PushFront(seq *Sequence) {
	q.enqueued[seq.ID] = time.Now()
	q.items = append([]*Sequence{seq}, q.items...)
}

// Peek returns the head without removing it, or nil when empty.
func (q *Queue) Peek() *Sequence {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Pop removes and returns the head, or nil when empty.
func (q *Queue) Pop() *Sequence {
	if len(q.items) == 0 {
		return nil
	}
	seq := q.items[0]
	q.items = q.items[1:]
	delete(q.enqueued, seq.ID)
	return seq
}

// Remove deletes the sequence with the given id, preserving order. Returns
// false if it is not a member.
func (q *Queue) Remove(id int64) bool {
	for i, seq := range q.items {
		if seq.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			delete(q.enqueued, id)
			return true
		}
	}
	return false
}

// Items returns the members in queue order. The slice is shared; callers
// must not mutate it.
func (q *Queue) Items() []*Sequence { return q.items }

// Expire removes and returns every sequence that has been queued longer than
// timeout as of now.
func (q *Queue) Expire(now time.Time, timeout time.Duration) []*Sequence {
	if timeout <= 0 {
		return nil
	}

	var expired []*Sequence
	kept := q.items[:0]
	for _, seq := range q.items {
		if now.Sub(q.enqueued[seq.ID]) > timeout {
			expired = append(expired, seq)
			delete(q.enqueued, seq.ID)
			continue
		}
		kept = append(kept, seq)
	}
	q.items = kept
	return expired
}

// restore re-sorts the queue under the priority strategy. The sort is stable
// on (priority desc, enqueue time asc) so equal-priority sequences keep FIFO
// order.
func (q *Queue) restore() {
	sort.SliceStable(q.items, func(i, j int) bool {
		a, b := q.items[i], q.items[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return q.enqueued[a.ID].Before(q.enqueued[b.ID])
	})
}
