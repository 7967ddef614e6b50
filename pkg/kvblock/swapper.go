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

package kvblock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/blockalloc"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// ErrSwapFailed marks an unrecoverable host/device copy error. The owning
// sequence is aborted; other sequences are unaffected.
var ErrSwapFailed = errors.New("swap copy failed")

// SwapDirection selects the copy direction of a swap job.
type SwapDirection string

const (
	// SwapOut copies device blocks to host blocks.
	SwapOut SwapDirection = "out"
	// SwapIn copies host blocks to device blocks.
	SwapIn SwapDirection = "in"
)

// copyPair maps one source block to one destination block.
type copyPair struct {
	src int
	dst int
}

// swapJob moves one sequence's full block table between tiers. A job is
// atomic per sequence: the result is observed only once every pair copied.
type swapJob struct {
	seqID     int64
	direction SwapDirection
	pairs     []copyPair
}

// SwapperConfig holds the configuration for the swap thread pool.
type SwapperConfig struct {
	// Threads is the number of parallel copy workers.
	Threads int `json:"threads"`
	// MaxAttempts bounds copy retries before the swap is failed.
	MaxAttempts int `json:"maxAttempts"`
}

// DefaultSwapperConfig returns the default swap pool configuration.
func DefaultSwapperConfig() *SwapperConfig {
	return &SwapperConfig{Threads: 8, MaxAttempts: 3}
}

// Swapper executes host/device block copies on a dedicated pool so they do
// not serialize behind the scheduler's decision loop. Jobs are sharded by
// sequence id, keeping per-sequence copy order.
//
// Completion is pull-based: workers record results and the decision loop
// observes them via TakeResult, so all block bookkeeping stays on the loop.
type Swapper struct {
	queues      []workqueue.TypedRateLimitingInterface[*swapJob]
	device      *blockalloc.Allocator
	host        *blockalloc.Allocator
	maxAttempts int
	wg          sync.WaitGroup

	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	results map[int64]error

	// copyHook, when set, runs after each pair's copy and before its
	// verification. Test instrumentation for the failure path.
	copyHook func(direction SwapDirection, dst []byte)
}

// NewSwapper creates a swap pool over the two allocators.
func NewSwapper(cfg *SwapperConfig, device, host *blockalloc.Allocator) *Swapper {
	if cfg == nil {
		cfg = DefaultSwapperConfig()
	}
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}

	s := &Swapper{
		queues:      make([]workqueue.TypedRateLimitingInterface[*swapJob], cfg.Threads),
		device:      device,
		host:        host,
		maxAttempts: cfg.MaxAttempts,
		results:     map[int64]error{},
	}
	s.cond = sync.NewCond(&s.mu)

	for i := range s.queues {
		s.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*swapJob]())
	}

	return s
}

// SetCopyHook installs a function that runs after each pair's copy and
// before its verification. Fault-injection point for testing the failure
// path; call before Start.
func (s *Swapper) SetCopyHook(hook func(direction SwapDirection, dst []byte)) {
	s.copyHook = hook
}

// Start launches one worker per queue shard. Non-blocking.
func (s *Swapper) Start(ctx context.Context) {
	logger := klog.FromContext(ctx)
	logger.V(logging.DEBUG).Info("starting swap pool", "workers", len(s.queues))

	s.wg.Add(len(s.queues))
	for i := range s.queues {
		go s.worker(ctx, i)
	}
}

// Shutdown stops the workers after their queues drain.
func (s *Swapper) Shutdown() {
	for _, q := range s.queues {
		q.ShutDownWithDrain()
	}
	s.wg.Wait()
}

// Submit enqueues one sequence's swap. The same sequence id always lands on
// the same shard.
func (s *Swapper) Submit(seqID int64, direction SwapDirection, src, dst []int) {
	pairs := make([]copyPair, len(src))
	for i := range src {
		pairs[i] = copyPair{src: src[i], dst: dst[i]}
	}

	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	//nolint:gosec // shard count never exceeds int32
	shard := uint64(seqID) % uint64(len(s.queues))
	s.queues[shard].Add(&swapJob{seqID: seqID, direction: direction, pairs: pairs})
}

// TakeResult returns and clears the completed swap result for a sequence.
// The second return is false while the swap is still in flight.
func (s *Swapper) TakeResult(seqID int64) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err, ok := s.results[seqID]
	if ok {
		delete(s.results, seqID)
	}
	return err, ok
}

// Drain blocks until every submitted job has a recorded result.
func (s *Swapper) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.pending > 0 {
		s.cond.Wait()
	}
}

// worker processes jobs from one queue shard. It exits only through queue
// shutdown: every submitted job gets a result even when the run context is
// cancelled, keeping Drain's pending count honest.
func (s *Swapper) worker(ctx context.Context, shard int) {
	defer s.wg.Done()
	queue := s.queues[shard]

	for {
		job, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(job *swapJob) {
			defer queue.Done(job)

			if err := s.runJob(job); err != nil {
				if queue.NumRequeues(job) < s.maxAttempts-1 {
					klog.FromContext(ctx).V(logging.DEBUG).Info("retrying swap",
						"seq", job.seqID, "direction", job.direction, "attempt", queue.NumRequeues(job)+1)
					queue.AddRateLimited(job)
					return
				}
				queue.Forget(job)
				s.finish(job.seqID, fmt.Errorf("%w: seq %d %s: %v", ErrSwapFailed, job.seqID, job.direction, err))
				return
			}

			queue.Forget(job)
			s.finish(job.seqID, nil)
		}(job)
	}
}

// runJob copies every pair and verifies each destination against the source
// checksum.
func (s *Swapper) runJob(job *swapJob) error {
	srcAlloc, dstAlloc := s.device, s.host
	if job.direction == SwapIn {
		srcAlloc, dstAlloc = s.host, s.device
	}

	for _, pair := range job.pairs {
		src := srcAlloc.Payload(pair.src)
		dst := dstAlloc.Payload(pair.dst)

		want := xxhash.Sum64(src)
		copy(dst, src)
		if s.copyHook != nil {
			s.copyHook(job.direction, dst)
		}
		if got := xxhash.Sum64(dst); got != want {
			return fmt.Errorf("checksum mismatch on block %d->%d: %x != %x", pair.src, pair.dst, got, want)
		}
	}

	return nil
}

// finish records a job result and wakes Drain waiters.
func (s *Swapper) finish(seqID int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[seqID] = err
	s.pending--
	s.cond.Broadcast()
}
