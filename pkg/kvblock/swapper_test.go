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

package kvblock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/blockalloc"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvblock"
)

func newTestSwapper(threads int) (*kvblock.Swapper, *blockalloc.Allocator, *blockalloc.Allocator) {
	device := blockalloc.New(blockalloc.Config{
		Tier:          blockalloc.TierDevice,
		BlockCount:    4,
		BlockBytes:    64,
		BlockTokenNum: testBlockTokens,
	})
	host := blockalloc.New(blockalloc.Config{
		Tier:          blockalloc.TierHost,
		BlockCount:    4,
		BlockBytes:    64,
		BlockTokenNum: testBlockTokens,
	})
	sw := kvblock.NewSwapper(&kvblock.SwapperConfig{Threads: threads, MaxAttempts: 3}, device, host)
	return sw, device, host
}

func TestDrainSeesJobsQueuedBehindCancellation(t *testing.T) {
	sw, device, host := newTestSwapper(1)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	sw.SetCopyHook(func(kvblock.SwapDirection, []byte) { cancel() })
	sw.Start(ctx)
	defer sw.Shutdown()

	dev, err := device.Allocate(2)
	require.NoError(t, err)
	hst, err := host.Allocate(2)
	require.NoError(t, err)

	// one shard: the second job waits behind the first, whose copy cancels
	// the run context mid-flight
	sw.Submit(1, kvblock.SwapOut, dev[:1], hst[:1])
	sw.Submit(2, kvblock.SwapOut, dev[1:], hst[1:])

	drained := make(chan struct{})
	go func() {
		sw.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("queued swap job has no result after context cancellation")
	}

	for _, id := range []int64{1, 2} {
		copyErr, ok := sw.TakeResult(id)
		require.True(t, ok, "no result for seq %d", id)
		assert.NoError(t, copyErr)
	}
}
