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

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/blockalloc"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/compute"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvblock"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvevents"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/metrics"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// ErrUnknownRequest is returned for request ids the engine has never seen or
// has already evicted from the output cache.
var ErrUnknownRequest = errors.New("unknown request id")

// SequenceOutput is one sequence's final (or in-progress) generation.
type SequenceOutput struct {
	Tokens       []uint32
	FinishReason request.FinishReason
	Err          error
}

// Result is a request's output snapshot. Finished results are immutable.
type Result struct {
	RequestID string
	Outputs   []SequenceOutput
	Finished  bool
}

// StreamChunk carries incremental tokens for one sequence of a streamed
// request. Done marks the sequence's last chunk.
type StreamChunk struct {
	SequenceIndex int
	Tokens        []uint32
	FinishReason  request.FinishReason
	Done          bool
}

// Engine serves generation requests over the batch scheduler. Submissions
// and polls may come from any goroutine; all scheduler and block-manager
// state is mutated only under the engine mutex, which the decision loop
// holds for the span of each step.
type Engine struct {
	cfg    Config
	mgr    *kvblock.Manager
	sched  *scheduler.Scheduler
	worker compute.Worker
	pub    *kvevents.Publisher

	mu       sync.Mutex
	live     map[string]*request.Request
	streams  map[string][]chan StreamChunk
	finished *lru.Cache[string, *Result]

	wake chan struct{}
}

// New builds an engine over a worker (typically a compute.RankGroup). The
// events sink may be nil when cfg.Events is nil.
func New(ctx context.Context, cfg *Config, worker compute.Worker, eventSink kvevents.Sink) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize(ctx)

	deviceBlocks, err := cfg.Cache.DeviceBlockCount()
	if err != nil {
		return nil, fmt.Errorf("sizing device cache: %w", err)
	}
	hostBlocks := cfg.Cache.HostBlockCount(deviceBlocks)

	device := blockalloc.New(blockalloc.Config{
		Tier:            blockalloc.TierDevice,
		BlockCount:      deviceBlocks,
		BlockBytes:      cfg.Cache.BlockBytes,
		BlockTokenNum:   cfg.Cache.BlockTokenNum,
		ContiguousBytes: cfg.Cache.ContiguousBytes,
	})
	host := blockalloc.New(blockalloc.Config{
		Tier:          blockalloc.TierHost,
		BlockCount:    hostBlocks,
		BlockBytes:    cfg.Cache.BlockBytes,
		BlockTokenNum: cfg.Cache.BlockTokenNum,
	})

	var pub *kvevents.Publisher
	var sink kvblock.EventSink
	if cfg.Events != nil {
		if eventSink == nil {
			return nil, errors.New("events configured without a sink")
		}
		pub = kvevents.NewPublisher(cfg.Events, eventSink)
		sink = pub
	}

	mgr := kvblock.NewManager(cfg.Manager, device, host, sink)
	sched := scheduler.New(cfg.Scheduler, mgr)

	cache, err := lru.New[string, *Result](cfg.OutputCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating output cache: %w", err)
	}

	metrics.Register()
	klog.FromContext(ctx).Info("engine initialized",
		"deviceBlocks", deviceBlocks, "hostBlocks", hostBlocks,
		"blockTokenNum", cfg.Cache.BlockTokenNum, "tensorParaSize", cfg.TensorParaSize)

	return &Engine{
		cfg:      *cfg,
		mgr:      mgr,
		sched:    sched,
		worker:   worker,
		pub:      pub,
		live:     map[string]*request.Request{},
		streams:  map[string][]chan StreamChunk{},
		finished: cache,
		wake:     make(chan struct{}, 1),
	}, nil
}

// Manager exposes the block manager for inspection.
func (e *Engine) Manager() *kvblock.Manager { return e.mgr }

// Scheduler exposes the scheduler for inspection.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// QueueLengths returns a consistent snapshot of the scheduler's queue sizes.
func (e *Engine) QueueLengths() (running, waiting, swapped int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sched.RunningLen(), e.sched.WaitingLen(), e.sched.SwappedLen()
}

// Submit enqueues a request and returns its id. A full waiting queue or an
// over-long prompt rejects the whole request.
func (e *Engine) Submit(prompt []uint32, params request.SamplingParams) (string, error) {
	req := request.New(prompt, params)

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, seq := range req.Sequences {
		if err := e.sched.Enqueue(seq); err != nil {
			for _, enqueued := range req.Sequences[:i] {
				e.sched.Abort(enqueued)
			}
			return "", fmt.Errorf("submitting request %s: %w", req.ID, err)
		}
	}

	e.live[req.ID] = req
	e.signal()
	return req.ID, nil
}

// Poll returns the request's current output snapshot. Finished requests stay
// available until the output cache evicts them.
func (e *Engine) Poll(requestID string) (*Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res, ok := e.finished.Get(requestID); ok {
		return res, nil
	}
	req, ok := e.live[requestID]
	if !ok {
		return nil, ErrUnknownRequest
	}
	return resultOf(req, false), nil
}

// Stream subscribes to a live request's incremental tokens. The channel
// closes once every sequence delivered its Done chunk.
func (e *Engine) Stream(requestID string) (<-chan StreamChunk, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if res, ok := e.finished.Get(requestID); ok {
		// late subscription: replay the final state and close
		ch := make(chan StreamChunk, len(res.Outputs))
		for i, out := range res.Outputs {
			ch <- StreamChunk{SequenceIndex: i, Tokens: out.Tokens, FinishReason: out.FinishReason, Done: true}
		}
		close(ch)
		return ch, nil
	}

	if _, ok := e.live[requestID]; !ok {
		return nil, ErrUnknownRequest
	}
	ch := make(chan StreamChunk, 64)
	e.streams[requestID] = append(e.streams[requestID], ch)
	return ch, nil
}

// Abort cancels a request. Sequences mid-swap release their memory once the
// copy completes; an in-flight compute step completes and its result is
// discarded.
func (e *Engine) Abort(requestID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	req, ok := e.live[requestID]
	if !ok {
		if _, done := e.finished.Get(requestID); done {
			return nil
		}
		return ErrUnknownRequest
	}

	for _, seq := range req.Sequences {
		e.sched.Abort(seq)
	}
	if req.Finished() {
		e.finalizeLocked(req)
	}
	e.signal()
	return nil
}

// Run drives the decision loop until the context is cancelled. Blocking;
// callers run it on its own goroutine.
func (e *Engine) Run(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("engine")
	ctx = klog.NewContext(ctx, logger)

	e.mgr.Swapper().Start(ctx)
	if e.pub != nil {
		e.pub.Start(ctx)
	}

	for {
		e.mu.Lock()
		hasWork := e.sched.HasWork()
		e.mu.Unlock()

		if !hasWork {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.wake:
			}
			continue
		}

		if err := e.step(ctx); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// step executes one scheduling-and-compute iteration.
func (e *Engine) step(ctx context.Context) error {
	start := time.Now()

	e.mu.Lock()
	res := e.sched.Step(ctx)
	e.settleLocked(res.Terminated)

	if res.Batch.Empty() {
		e.mu.Unlock()
		// swaps are still in flight; let the pool make progress
		time.Sleep(time.Millisecond)
		return nil
	}
	e.mu.Unlock()

	// compute runs without the lock so submissions and polls stay live
	results, execErr := e.worker.Execute(ctx, res.Batch)

	e.mu.Lock()
	if execErr != nil {
		terminated := e.sched.FailStep(ctx, res.Batch, execErr)
		e.settleLocked(terminated)
	} else {
		finished := e.sched.Postprocess(ctx, res.Batch, results)
		e.streamBatchLocked(res.Batch)
		e.settleLocked(finished)
	}
	e.mu.Unlock()

	metrics.StepLatency.Observe(time.Since(start).Seconds())
	klog.FromContext(ctx).V(logging.TRACE).Info("step complete",
		"duration", time.Since(start), "failed", execErr != nil)
	return nil
}

// Shutdown drains in-flight swaps, stops the swap pool and the event
// publisher. The Run loop must already be stopped.
func (e *Engine) Shutdown() {
	e.mgr.Swapper().Drain()
	e.mgr.Swapper().Shutdown()
	if e.pub != nil {
		e.pub.Shutdown()
	}
}

// settleLocked finalizes requests whose sequences all terminated.
func (e *Engine) settleLocked(terminated []*request.Sequence) {
	for _, seq := range terminated {
		req, ok := e.live[seq.RequestID]
		if !ok {
			continue
		}
		if req.Finished() {
			e.finalizeLocked(req)
		}
	}
}

// finalizeLocked moves a finished request into the output cache and closes
// its streams.
func (e *Engine) finalizeLocked(req *request.Request) {
	res := resultOf(req, true)
	e.finished.Add(req.ID, res)
	delete(e.live, req.ID)

	for _, ch := range e.streams[req.ID] {
		for i, out := range res.Outputs {
			select {
			case ch <- StreamChunk{SequenceIndex: i, FinishReason: out.FinishReason, Done: true}:
			default:
			}
		}
		close(ch)
	}
	delete(e.streams, req.ID)
}

// streamBatchLocked pushes each token produced this step to the request's
// subscribers.
func (e *Engine) streamBatchLocked(batch *scheduler.ScheduledBatch) {
	for _, ss := range batch.Sequences {
		if !ss.ProducesToken || ss.Seq.Status.Terminal() || ss.Seq.NumOutputTokens() == 0 {
			continue
		}
		subs := e.streams[ss.Seq.RequestID]
		if len(subs) == 0 {
			continue
		}

		req := e.live[ss.Seq.RequestID]
		idx := sequenceIndex(req, ss.Seq.ID)
		for _, ch := range subs {
			select {
			case ch <- StreamChunk{SequenceIndex: idx, Tokens: []uint32{ss.Seq.LastToken()}}:
			default:
				// a slow consumer drops chunks rather than stalling the loop
			}
		}
	}
}

// signal wakes an idle Run loop.
func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func resultOf(req *request.Request, finished bool) *Result {
	return &Result{
		RequestID: req.ID,
		Finished:  finished,
		Outputs: utils.SliceMap(req.Sequences, func(seq *request.Sequence) SequenceOutput {
			return SequenceOutput{
				Tokens:       seq.OutputTokens(),
				FinishReason: seq.FinishReason,
				Err:          seq.Err,
			}
		}),
	}
}

func sequenceIndex(req *request.Request, id int64) int {
	if req == nil {
		return 0
	}
	for i, seq := range req.Sequences {
		if seq.ID == id {
			return i
		}
	}
	return 0
}
