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

package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/compute"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/engine"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
)

func testConfig(mutate func(*engine.Config)) *engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Cache.DeviceBlockNum = 64
	cfg.Cache.BlockTokenNum = 16
	if mutate != nil {
		mutate(cfg)
	}
	return cfg
}

func startEngine(t *testing.T, cfg *engine.Config, worker compute.Worker) *engine.Engine {
	t.Helper()

	eng, err := engine.New(t.Context(), cfg, worker, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		eng.Shutdown()
	})

	return eng
}

func awaitFinished(t *testing.T, eng *engine.Engine, id string) *engine.Result {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		res, err := eng.Poll(id)
		if err == nil && res.Finished {
			return res
		}
		select {
		case <-deadline:
			t.Fatalf("request %s did not finish", id)
		case <-time.After(time.Millisecond):
		}
	}
}

func prompt(n int) []uint32 {
	toks := make([]uint32, n)
	for i := range toks {
		toks[i] = uint32(i + 10)
	}
	return toks
}

func TestSubmitGeneratesToCompletion(t *testing.T) {
	eng := startEngine(t, testConfig(nil), compute.NewSimWorker(nil))

	id, err := eng.Submit(prompt(20), request.SamplingParams{MaxNewTokens: 8, N: 1, IgnoreEOS: true})
	require.NoError(t, err)

	res := awaitFinished(t, eng, id)
	require.Len(t, res.Outputs, 1)
	assert.Len(t, res.Outputs[0].Tokens, 8)
	assert.Equal(t, request.ReasonLength, res.Outputs[0].FinishReason)

	// all blocks return once nothing is running
	assert.Equal(t, eng.Manager().DeviceCapacity(), eng.Manager().DeviceAvailable())
}

func TestParallelSamplingSharesPrompt(t *testing.T) {
	eng := startEngine(t, testConfig(nil), compute.NewSimWorker(nil))

	id, err := eng.Submit(prompt(32), request.SamplingParams{MaxNewTokens: 4, N: 3, IgnoreEOS: true})
	require.NoError(t, err)

	res := awaitFinished(t, eng, id)
	require.Len(t, res.Outputs, 3)
	for _, out := range res.Outputs {
		assert.Len(t, out.Tokens, 4)
	}
	// identical history yields identical deterministic generations
	assert.Equal(t, res.Outputs[0].Tokens, res.Outputs[1].Tokens)
}

func TestIdenticalPromptsHitPrefixCache(t *testing.T) {
	eng := startEngine(t, testConfig(nil), compute.NewSimWorker(nil))

	first, err := eng.Submit(prompt(32), request.SamplingParams{MaxNewTokens: 2, N: 1, IgnoreEOS: true})
	require.NoError(t, err)
	a := awaitFinished(t, eng, first)

	second, err := eng.Submit(prompt(32), request.SamplingParams{MaxNewTokens: 2, N: 1, IgnoreEOS: true})
	require.NoError(t, err)
	b := awaitFinished(t, eng, second)

	// determinism across requests implies the shared prefix was respected
	assert.Equal(t, a.Outputs[0].Tokens, b.Outputs[0].Tokens)
}

func TestQueueFullSubmitRejected(t *testing.T) {
	cfg := testConfig(func(c *engine.Config) {
		c.Scheduler.MaxWaitingQueueLen = 1
		c.Scheduler.MaxBatchSize = 1
	})
	// a slow worker keeps the queue occupied long enough to overflow it
	slow := compute.NewSimWorker(&compute.SimConfig{VocabSize: 32000, EOS: 2, StepDelay: 20 * time.Millisecond})
	eng := startEngine(t, cfg, slow)

	_, err := eng.Submit(prompt(16), request.SamplingParams{MaxNewTokens: 64, N: 1, IgnoreEOS: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		running, _, _ := eng.QueueLengths()
		return running == 1
	}, 2*time.Second, time.Millisecond)

	_, err = eng.Submit(prompt(16), request.SamplingParams{MaxNewTokens: 64, N: 1, IgnoreEOS: true})
	require.NoError(t, err)

	_, err = eng.Submit(prompt(16), request.SamplingParams{MaxNewTokens: 64, N: 1, IgnoreEOS: true})
	require.ErrorIs(t, err, scheduler.ErrQueueFull)
}

func TestAbortReleasesResources(t *testing.T) {
	slow := compute.NewSimWorker(&compute.SimConfig{VocabSize: 32000, EOS: 2, StepDelay: 5 * time.Millisecond})
	eng := startEngine(t, testConfig(nil), slow)

	id, err := eng.Submit(prompt(16), request.SamplingParams{MaxNewTokens: 10000, N: 1, IgnoreEOS: true})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let it start generating
	require.NoError(t, eng.Abort(id))

	// Abort frees the blocks before the finished result becomes visible
	res := awaitFinished(t, eng, id)
	assert.Equal(t, request.ReasonAbort, res.Outputs[0].FinishReason)
	assert.Equal(t, eng.Manager().DeviceCapacity(), eng.Manager().DeviceAvailable())
}

func TestPollUnknownRequest(t *testing.T) {
	eng := startEngine(t, testConfig(nil), compute.NewSimWorker(nil))

	_, err := eng.Poll("no-such-id")
	assert.ErrorIs(t, err, engine.ErrUnknownRequest)
	assert.ErrorIs(t, eng.Abort("no-such-id"), engine.ErrUnknownRequest)
}

func TestStreamDeliversTokensAndCloses(t *testing.T) {
	eng := startEngine(t, testConfig(nil), compute.NewSimWorker(nil))

	id, err := eng.Submit(prompt(16), request.SamplingParams{MaxNewTokens: 5, N: 1, IgnoreEOS: true})
	require.NoError(t, err)

	stream, err := eng.Stream(id)
	require.NoError(t, err)

	var toks []uint32
	sawDone := false
	for chunk := range stream {
		toks = append(toks, chunk.Tokens...)
		if chunk.Done {
			sawDone = true
			assert.Equal(t, request.ReasonLength, chunk.FinishReason)
		}
	}
	assert.True(t, sawDone)
	assert.NotEmpty(t, toks)
}

type brokenWorker struct{}

func (brokenWorker) Execute(context.Context, *scheduler.ScheduledBatch) (map[int64]uint32, error) {
	return nil, assert.AnError
}

func TestComputeFailureAbortsRequest(t *testing.T) {
	eng := startEngine(t, testConfig(nil), brokenWorker{})

	id, err := eng.Submit(prompt(16), request.SamplingParams{MaxNewTokens: 8, N: 1})
	require.NoError(t, err)

	res := awaitFinished(t, eng, id)
	assert.Equal(t, request.ReasonComputeFailed, res.Outputs[0].FinishReason)
	assert.ErrorIs(t, res.Outputs[0].Err, assert.AnError)
	assert.Equal(t, eng.Manager().DeviceCapacity(), eng.Manager().DeviceAvailable())
}

func TestMemorySizingFromByteBudget(t *testing.T) {
	cache := engine.DefaultCacheConfig()
	cache.TotalDeviceBytes = 1 << 20
	cache.BlockBytes = 1 << 12
	cache.ReservedDeviceMemoryRatio = 0.0
	cache.ModelWeightsBytes = 0

	blocks, err := cache.DeviceBlockCount()
	require.NoError(t, err)
	assert.Equal(t, 256, blocks)
	assert.Equal(t, 2560, cache.HostBlockCount(blocks))

	cache.BlockDeviceMemoryRatio = 0.5
	blocks, err = cache.DeviceBlockCount()
	require.NoError(t, err)
	assert.Equal(t, 128, blocks)
}
