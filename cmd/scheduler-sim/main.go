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

// scheduler-sim drives the batch scheduler against the simulated compute
// worker: it submits a synthetic workload and reports throughput, prefix
// cache hits and preemption behavior.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/compute"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/engine"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvevents"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/metrics"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
)

type simOptions struct {
	requests      int
	promptLen     int
	maxNewTokens  int
	sharedPrefix  int
	deviceBlocks  int
	blockTokenNum int
	maxBatchSize  int
	maxStepTokens int
	tensorPara    int
	preemptMode   string
	strategy      string
	seed          int64
	zmqEndpoint   string
}

func main() {
	opts := &simOptions{}

	cmd := &cobra.Command{
		Use:   "scheduler-sim",
		Short: "Run a synthetic workload through the batch scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSim(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.requests, "requests", 64, "number of requests to submit")
	flags.IntVar(&opts.promptLen, "prompt-len", 128, "tokens per prompt")
	flags.IntVar(&opts.maxNewTokens, "max-new-tokens", 64, "generated tokens per request")
	flags.IntVar(&opts.sharedPrefix, "shared-prefix", 64, "tokens of shared prompt prefix across requests")
	flags.IntVar(&opts.deviceBlocks, "device-blocks", 512, "device KV-cache blocks")
	flags.IntVar(&opts.blockTokenNum, "block-token-num", 16, "tokens per KV-cache block")
	flags.IntVar(&opts.maxBatchSize, "max-batch-size", 8, "running batch size limit")
	flags.IntVar(&opts.maxStepTokens, "max-step-tokens", 4096, "token budget per step")
	flags.IntVar(&opts.tensorPara, "tensor-para-size", 1, "simulated tensor-parallel ranks")
	flags.StringVar(&opts.preemptMode, "preempt-mode", "swap", "preemption mode: swap or recompute")
	flags.StringVar(&opts.strategy, "strategy", "fifo", "queue strategy: fifo or priority")
	flags.Int64Var(&opts.seed, "seed", 1, "workload random seed")
	flags.StringVar(&opts.zmqEndpoint, "zmq-endpoint", "", "publish KV events to this ZMQ endpoint (disabled when empty)")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := cmd.ExecuteContext(ctx); err != nil {
		klog.FromContext(ctx).Error(err, "simulation failed")
		os.Exit(1)
	}
}

func runSim(ctx context.Context, opts *simOptions) error {
	logger := klog.FromContext(ctx)

	cfg := engine.DefaultConfig()
	cfg.TensorParaSize = opts.tensorPara
	cfg.Cache.BlockTokenNum = opts.blockTokenNum
	cfg.Cache.DeviceBlockNum = opts.deviceBlocks
	cfg.Scheduler.MaxBatchSize = opts.maxBatchSize
	cfg.Scheduler.MaxStepTokens = opts.maxStepTokens
	cfg.Scheduler.PreemptMode = scheduler.PreemptMode(opts.preemptMode)
	cfg.Scheduler.ScheduleStrategy = request.Strategy(opts.strategy)

	var sink kvevents.Sink
	if opts.zmqEndpoint != "" {
		zmqSink, err := kvevents.NewZMQSink(opts.zmqEndpoint)
		if err != nil {
			return fmt.Errorf("connecting event sink: %w", err)
		}
		sink = zmqSink
		cfg.Events = kvevents.DefaultConfig()
	}

	ranks := make([]compute.Worker, opts.tensorPara)
	for i := range ranks {
		ranks[i] = compute.NewSimWorker(nil)
	}
	group, err := compute.NewRankGroup(ranks)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, cfg, group, sink)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	metrics.StartMetricsLogging(ctx, 30*time.Second)

	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(runCtx)
	}()

	rng := rand.New(rand.NewSource(opts.seed))
	prefix := randomTokens(rng, opts.sharedPrefix)

	bar := progressbar.Default(int64(opts.requests), "generating")
	ids := make([]string, 0, opts.requests)
	start := time.Now()

	for i := 0; i < opts.requests; i++ {
		prompt := append(append([]uint32{}, prefix...), randomTokens(rng, opts.promptLen-opts.sharedPrefix)...)
		id, err := eng.Submit(prompt, request.SamplingParams{
			MaxNewTokens: opts.maxNewTokens,
			N:            1,
			IgnoreEOS:    true,
		})
		if err != nil {
			logger.Error(err, "submit rejected", "request", i)
			continue
		}
		ids = append(ids, id)
	}

	totalTokens := 0
	for _, id := range ids {
		res := awaitResult(ctx, eng, id)
		if res == nil {
			break
		}
		for _, out := range res.Outputs {
			totalTokens += len(out.Tokens)
		}
		_ = bar.Add(1)
	}

	stop()
	<-runDone
	eng.Shutdown()

	elapsed := time.Since(start)
	fmt.Printf("\ncompleted %d requests, %d tokens in %s (%.1f tok/s)\n",
		len(ids), totalTokens, elapsed.Round(time.Millisecond),
		float64(totalTokens)/elapsed.Seconds())
	return ctx.Err()
}

// awaitResult polls until the request finishes or the context is cancelled.
func awaitResult(ctx context.Context, eng *engine.Engine, id string) *engine.Result {
	for {
		res, err := eng.Poll(id)
		if err == nil && res.Finished {
			return res
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func randomTokens(rng *rand.Rand, n int) []uint32 {
	if n <= 0 {
		return nil
	}
	toks := make([]uint32, n)
	for i := range toks {
		toks[i] = uint32(rng.Intn(32000-3) + 3)
	}
	return toks
}
