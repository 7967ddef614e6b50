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

// Package scheduler implements the per-step batch decision function: which
// sequences run, which are admitted, which are preempted, and which are
// evicted to host memory, under hard limits on batch size, token budget and
// device memory.
package scheduler

import (
	"context"
	"errors"
	"sort"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/metrics"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// ErrQueueFull rejects a submission at a full waiting queue. Surfaced to the
// client, never retried internally.
var ErrQueueFull = errors.New("waiting queue is full")

// ErrWaitingTimeout aborts a sequence whose time-to-admission elapsed.
var ErrWaitingTimeout = errors.New("waiting queue timeout elapsed")

// ErrPromptTooLong rejects a prompt at or above max_token_len.
var ErrPromptTooLong = errors.New("prompt exceeds max token length")

// ErrEmptyPrompt rejects a submission with no prompt tokens.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Scheduler owns the waiting/running/swapped state and produces one
// ScheduledBatch per engine step. It is the only mutator of sequence state
// and block tables; all methods must be called from a single decision loop.
type Scheduler struct {
	cfg    Config
	mgr    *kvblock.Manager
	victim VictimPolicy

	waiting *request.Queue
	swapped *request.Queue
	running []*request.Sequence

	// swaps in flight, by sequence id; members are in no queue until the
	// swap pool reports completion.
	pendingOut map[int64]*request.Sequence
	pendingIn  map[int64]*request.Sequence
	// sequences aborted while their swap is in flight; resources release
	// at completion.
	abortPending sets.Set[int64]

	// reservedFor grants the waiting head that forced an admission
	// preemption first claim on the freed blocks, so the victim cannot
	// swap straight back in ahead of it. Zero means no reservation.
	reservedFor int64
}

// New creates a scheduler over the block manager.
func New(cfg *Config, mgr *kvblock.Manager) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Scheduler{
		cfg:          *cfg,
		mgr:          mgr,
		victim:       victimPolicyFor(cfg.ScheduleStrategy),
		waiting:      request.NewQueue(cfg.ScheduleStrategy),
		swapped:      request.NewQueue(cfg.ScheduleStrategy),
		pendingOut:   map[int64]*request.Sequence{},
		pendingIn:    map[int64]*request.Sequence{},
		abortPending: sets.New[int64](),
	}
}

// SetVictimPolicy overrides the preemption victim order.
func (s *Scheduler) SetVictimPolicy(p VictimPolicy) { s.victim = p }

// Enqueue admits a sequence into the waiting queue. A full queue rejects
// immediately; the sequence is not enqueued.
func (s *Scheduler) Enqueue(seq *request.Sequence) error {
	if seq.Len() == 0 {
		seq.Abort(request.ReasonAbort, ErrEmptyPrompt)
		return ErrEmptyPrompt
	}
	if s.cfg.MaxTokenLen > 0 && seq.Len() >= s.cfg.MaxTokenLen {
		seq.Abort(request.ReasonLength, ErrPromptTooLong)
		return ErrPromptTooLong
	}
	if s.cfg.MaxWaitingQueueLen > 0 && s.waiting.Len() >= s.cfg.MaxWaitingQueueLen {
		seq.Abort(request.ReasonQueueFull, ErrQueueFull)
		metrics.Rejections.Inc()
		return ErrQueueFull
	}

	s.waiting.Push(seq)
	return nil
}

// HasWork reports whether any sequence is live in the scheduler.
func (s *Scheduler) HasWork() bool {
	return s.waiting.Len() > 0 || s.swapped.Len() > 0 || len(s.running) > 0 ||
		len(s.pendingOut) > 0 || len(s.pendingIn) > 0
}

// Step runs one scheduling pass: observe finished swaps, expire the waiting
// deadline, secure decode capacity (preempting under pressure), offer
// re-admission to swapped sequences ahead of fresh arrivals, admit from
// waiting, and build the step's batch.
func (s *Scheduler) Step(ctx context.Context) *StepResult {
	res := &StepResult{}

	s.reapSwaps(ctx, res)
	s.expireWaiting(res)
	stalled := s.secureDecodeCapacity(ctx)
	s.admitSwapped(ctx)
	s.admitWaiting(ctx, res)
	res.Batch = s.buildBatch(stalled)

	metrics.DeviceFreeBlocks.Set(float64(s.mgr.DeviceAvailable()))
	metrics.RunningSequences.Set(float64(len(s.running)))
	metrics.WaitingSequences.Set(float64(s.waiting.Len()))
	metrics.SwappedSequences.Set(float64(s.swapped.Len() + len(s.pendingOut)))
	metrics.StepTokens.Observe(float64(res.Batch.TotalTokens))

	klog.FromContext(ctx).V(logging.DEBUG).Info("scheduled step",
		"sequences", len(res.Batch.Sequences), "tokens", res.Batch.TotalTokens,
		"running", len(s.running), "waiting", s.waiting.Len(), "swapped", s.swapped.Len())
	return res
}

// Postprocess commits one executed step: appends emitted tokens, advances
// prefill progress, and finishes sequences that met a stop condition.
// Results for sequences aborted mid-step are discarded. Returns the finished
// sequences.
func (s *Scheduler) Postprocess(ctx context.Context, batch *ScheduledBatch, results map[int64]uint32) []*request.Sequence {
	var finished []*request.Sequence

	for _, ss := range batch.Sequences {
		seq := ss.Seq
		if seq.Status != request.StatusRunning {
			continue // aborted while the step was in flight
		}

		seq.ComputedTokens += ss.NumTokens
		if !ss.ProducesToken {
			continue
		}

		tok, ok := results[ss.Seq.ID]
		if !ok {
			seq.Abort(request.ReasonComputeFailed, errors.New("no result for scheduled sequence"))
			s.mgr.Free(seq)
			s.removeRunning(seq.ID)
			finished = append(finished, seq)
			continue
		}

		seq.AppendToken(tok)
		if reason, done := s.stopCondition(seq, tok); done {
			seq.Finish(reason)
			s.mgr.Free(seq)
			s.removeRunning(seq.ID)
			finished = append(finished, seq)
		}
	}

	if len(finished) > 0 {
		klog.FromContext(ctx).V(logging.DEBUG).Info("finished sequences", "count", len(finished))
	}
	return finished
}

// FailStep aborts every sequence of a batch whose execution failed. Queues
// stay consistent: nothing was committed for the step. Returns the aborted
// sequences.
func (s *Scheduler) FailStep(ctx context.Context, batch *ScheduledBatch, cause error) []*request.Sequence {
	var terminated []*request.Sequence
	for _, ss := range batch.Sequences {
		seq := ss.Seq
		if seq.Status != request.StatusRunning {
			continue
		}
		seq.Abort(request.ReasonComputeFailed, cause)
		s.mgr.Free(seq)
		s.removeRunning(seq.ID)
		terminated = append(terminated, seq)
	}

	klog.FromContext(ctx).Error(cause, "step failed", "sequences", len(terminated))
	return terminated
}

// Abort removes a sequence from whichever queue holds it and releases its
// blocks. A sequence with a swap in flight keeps its resources until the
// copy completes; an in-flight compute step still completes and its result
// is discarded.
func (s *Scheduler) Abort(seq *request.Sequence) {
	if seq.Status.Terminal() {
		return
	}
	seq.Abort(request.ReasonAbort, nil)

	if _, ok := s.pendingOut[seq.ID]; ok {
		s.abortPending.Insert(seq.ID)
		return
	}
	if _, ok := s.pendingIn[seq.ID]; ok {
		s.abortPending.Insert(seq.ID)
		return
	}

	s.waiting.Remove(seq.ID)
	s.swapped.Remove(seq.ID)
	s.removeRunning(seq.ID)
	s.mgr.Free(seq)
}

// sortedSeqIDs returns the map's sequence ids in ascending order. Ids are
// assigned at arrival, so this is arrival order.
func sortedSeqIDs(m map[int64]*request.Sequence) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// reapSwaps finalizes completed swap operations and moves their sequences to
// the next state. Completions are reaped in arrival order so that swapped-out
// sequences enter the swapped queue the same way they entered the system.
func (s *Scheduler) reapSwaps(ctx context.Context, res *StepResult) {
	for _, id := range sortedSeqIDs(s.pendingOut) {
		seq := s.pendingOut[id]
		copyErr, done := s.mgr.Swapper().TakeResult(id)
		if !done {
			continue
		}
		delete(s.pendingOut, id)

		err := s.mgr.FinishSwapOut(ctx, seq, copyErr)
		if s.abortPending.Has(id) {
			s.abortPending.Delete(id)
			s.mgr.Free(seq)
			continue
		}
		if err != nil {
			seq.Abort(request.ReasonSwapFailed, err)
			s.mgr.Free(seq)
			res.Terminated = append(res.Terminated, seq)
			continue
		}

		metrics.SwapOuts.Inc()
		s.swapped.Push(seq)
	}

	for _, id := range sortedSeqIDs(s.pendingIn) {
		seq := s.pendingIn[id]
		copyErr, done := s.mgr.Swapper().TakeResult(id)
		if !done {
			continue
		}
		delete(s.pendingIn, id)

		err := s.mgr.FinishSwapIn(ctx, seq, copyErr)
		if s.abortPending.Has(id) {
			s.abortPending.Delete(id)
			s.mgr.Free(seq)
			continue
		}
		if err != nil {
			seq.Abort(request.ReasonSwapFailed, err)
			s.mgr.Free(seq)
			res.Terminated = append(res.Terminated, seq)
			continue
		}

		metrics.SwapIns.Inc()
		seq.Status = request.StatusRunning
		s.running = append(s.running, seq)
	}
}

// expireWaiting aborts sequences whose admission deadline elapsed.
func (s *Scheduler) expireWaiting(res *StepResult) {
	for _, seq := range s.waiting.Expire(time.Now(), s.cfg.WaitingTimeout) {
		seq.Abort(request.ReasonTimeout, ErrWaitingTimeout)
		metrics.Timeouts.Inc()
		res.Terminated = append(res.Terminated, seq)
	}
}

// secureDecodeCapacity guarantees every decoding sequence a KV slot for this
// step, preempting victims under memory pressure. Returns the ids of
// sequences that could not be secured this step (their swap-mode victims
// free blocks asynchronously).
func (s *Scheduler) secureDecodeCapacity(ctx context.Context) sets.Set[int64] {
	stalled := sets.New[int64]()

	snapshot := make([]*request.Sequence, len(s.running))
	copy(snapshot, s.running)

	for _, seq := range snapshot {
		if !s.isRunning(seq.ID) {
			continue // preempted as a victim earlier in this pass
		}
		if seq.ComputedTokens < seq.Len()-1 {
			continue // mid-prefill; its table was allocated at admission
		}

		for s.decodePressure(seq) {
			vi := s.victim.Select(s.running)
			victim := s.running[vi]
			s.running = append(s.running[:vi], s.running[vi+1:]...)
			asyncFree := s.preempt(ctx, victim)

			if victim.ID == seq.ID {
				break // the sequence itself was the last viable victim
			}
			if asyncFree {
				// blocks return only when the copy completes
				stalled.Insert(seq.ID)
				break
			}
		}

		if !s.isRunning(seq.ID) || stalled.Has(seq.ID) {
			continue
		}
		if err := s.mgr.AppendSlot(seq); err != nil {
			// capacity was secured above; treat residual failure as a stall
			stalled.Insert(seq.ID)
		}
	}

	return stalled
}

// decodePressure reports whether scheduling seq's next decode token would
// exceed the swap-out capacity threshold.
func (s *Scheduler) decodePressure(seq *request.Sequence) bool {
	if !s.isRunning(seq.ID) {
		return false
	}
	requiredNew := 0
	if seq.Len()%s.mgr.BlockTokenNum() == 1 && len(seq.BlockTable) < seq.NumBlocks(s.mgr.BlockTokenNum()) {
		requiredNew = 1
	}
	if requiredNew == 0 {
		return false
	}
	return float64(requiredNew)*s.cfg.SwapoutBlockThreshold > float64(s.mgr.DeviceAvailable())
}

// preempt removes a victim from the batch. Under SWAP with host capacity the
// victim's table moves to host asynchronously (returns true); otherwise its
// blocks are freed immediately and it restarts from the front of waiting
// with its emitted tokens intact, recomputed from scratch.
func (s *Scheduler) preempt(ctx context.Context, victim *request.Sequence) bool {
	logger := klog.FromContext(ctx).V(logging.DEBUG)

	if s.cfg.PreemptMode == PreemptSwap && s.mgr.CanSwapOut(victim) {
		if err := s.mgr.StartSwapOut(ctx, victim); err == nil {
			victim.Status = request.StatusSwapped
			s.pendingOut[victim.ID] = victim
			metrics.Preemptions.WithLabelValues(string(PreemptSwap)).Inc()
			logger.Info("preempted sequence", "seq", victim.ID, "mode", PreemptSwap)
			return true
		}
	}

	s.mgr.Free(victim)
	victim.Status = request.StatusWaiting
	victim.ComputedTokens = 0
	s.waiting.PushFront(victim)
	metrics.Preemptions.WithLabelValues(string(PreemptRecompute)).Inc()
	logger.Info("preempted sequence", "seq", victim.ID, "mode", PreemptRecompute)
	return false
}

// admitSwapped offers re-admission to swapped sequences ahead of fresh
// waiting sequences, bounding total added latency for already-started
// generations.
func (s *Scheduler) admitSwapped(ctx context.Context) {
	reserved := 0
	if s.reservedFor != 0 && s.waiting.Len() > 0 && s.waiting.Peek().ID == s.reservedFor {
		reserved = s.mgr.RequiredFreshBlocks(s.waiting.Peek())
	}

	for s.swapped.Len() > 0 {
		if len(s.running)+len(s.pendingIn) >= s.cfg.MaxBatchSize {
			return
		}

		seq := s.swapped.Peek()
		required := len(seq.HostBlockTable)
		if !s.mgr.CanSwapIn(seq) ||
			float64(required)*s.cfg.SwapinBlockThreshold > float64(s.mgr.DeviceAvailable()-reserved) {
			return
		}

		s.swapped.Pop()
		if err := s.mgr.StartSwapIn(ctx, seq); err != nil {
			s.swapped.PushFront(seq)
			return
		}
		s.pendingIn[seq.ID] = seq
	}
}

// admitWaiting admits from the waiting queue in strategy order while block
// capacity and batch limits hold. Admission stops at the first sequence
// that does not fit, preserving queue-order fairness. Under SWAP a head that
// does not fit evicts one running victim per step to host memory; its
// admission resumes once the copy frees the blocks.
func (s *Scheduler) admitWaiting(ctx context.Context, res *StepResult) {
	for s.waiting.Len() > 0 {
		if len(s.running)+len(s.pendingIn) >= s.cfg.MaxBatchSize {
			return
		}

		seq := s.waiting.Peek()
		fresh := s.mgr.RequiredFreshBlocks(seq)
		if !s.mgr.CanAllocate(seq, seq.Len()) ||
			float64(fresh)*s.cfg.LaunchBlockThreshold > float64(s.mgr.DeviceAvailable()) {
			s.preemptForAdmission(ctx, seq)
			return
		}

		s.waiting.Pop()
		if err := s.mgr.Allocate(ctx, seq); err != nil {
			// CanAllocate held, so this is a bookkeeping bug; fail the
			// sequence rather than the engine
			seq.Abort(request.ReasonComputeFailed, err)
			res.Terminated = append(res.Terminated, seq)
			continue
		}

		seq.Status = request.StatusRunning
		seq.ComputedTokens = utils.Min(seq.CachedTokens, seq.Len()-1)
		s.running = append(s.running, seq)
		if seq.ID == s.reservedFor {
			s.reservedFor = 0
		}

		metrics.Admissions.Inc()
		metrics.PrefixCacheHitTokens.Add(float64(seq.CachedTokens))
		klog.FromContext(ctx).V(logging.TRACE).Info("admitted sequence",
			"seq", seq.ID, "request", seq.RequestID, "cachedTokens", seq.CachedTokens)
	}
}

// preemptForAdmission evicts one running victim to host memory so a waiting
// head that cannot allocate eventually fits. Swap mode only: recompute
// victims re-enter at the front of the waiting queue and would displace the
// head instead of helping it.
func (s *Scheduler) preemptForAdmission(ctx context.Context, head *request.Sequence) {
	if s.cfg.PreemptMode != PreemptSwap || len(s.running) == 0 {
		return
	}
	if head.NumBlocks(s.mgr.BlockTokenNum()) > s.mgr.DeviceCapacity() {
		return // would not fit even on an empty device
	}

	vi := s.victim.Select(s.running)
	victim := s.running[vi]
	if !s.mgr.CanSwapOut(victim) {
		return
	}
	s.running = append(s.running[:vi], s.running[vi+1:]...)
	s.preempt(ctx, victim)
	s.reservedFor = head.ID
}

// buildBatch assembles the step's batch under the token budget: prefill
// chunks first-come in running order, one token per decoding sequence.
func (s *Scheduler) buildBatch(stalled sets.Set[int64]) *ScheduledBatch {
	batch := &ScheduledBatch{}
	budget := s.cfg.MaxStepTokens

	for _, seq := range s.running {
		if budget <= 0 {
			break
		}
		if stalled.Has(seq.ID) {
			continue
		}

		table := make([]int, len(seq.BlockTable))
		copy(table, seq.BlockTable)

		if seq.ComputedTokens < seq.Len()-1 {
			remaining := seq.Len() - seq.ComputedTokens
			chunk := utils.Min(remaining, budget)
			batch.Sequences = append(batch.Sequences, ScheduledSequence{
				Seq:           seq,
				NumTokens:     chunk,
				IsPrefill:     true,
				ProducesToken: chunk == remaining,
				BlockTable:    table,
			})
			batch.TotalTokens += chunk
			budget -= chunk
			continue
		}

		batch.Sequences = append(batch.Sequences, ScheduledSequence{
			Seq:           seq,
			NumTokens:     1,
			IsPrefill:     false,
			ProducesToken: true,
			BlockTable:    table,
		})
		batch.TotalTokens++
		budget--
	}

	return batch
}

// stopCondition checks the terminal conditions after a token append.
func (s *Scheduler) stopCondition(seq *request.Sequence, tok uint32) (request.FinishReason, bool) {
	if !seq.IgnoreEOS && tok == s.cfg.EOS {
		return request.ReasonStop, true
	}
	if seq.MaxNewTokens > 0 && seq.NumOutputTokens() >= seq.MaxNewTokens {
		return request.ReasonLength, true
	}
	if s.cfg.MaxTokenLen > 0 && seq.Len() >= s.cfg.MaxTokenLen {
		return request.ReasonLength, true
	}
	return "", false
}

func (s *Scheduler) isRunning(id int64) bool {
	for _, seq := range s.running {
		if seq.ID == id {
			return true
		}
	}
	return false
}

func (s *Scheduler) removeRunning(id int64) {
	s.running = utils.SliceFilter(s.running, func(seq *request.Sequence) bool {
		return seq.ID != id
	})
}

// RunningLen returns the running batch size.
func (s *Scheduler) RunningLen() int { return len(s.running) }

// WaitingLen returns the waiting queue length.
func (s *Scheduler) WaitingLen() int { return s.waiting.Len() }

// SwappedLen returns the count of swapped sequences, including swaps still
// in flight.
func (s *Scheduler) SwappedLen() int { return s.swapped.Len() + len(s.pendingOut) }
