// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the scheduler core's prometheus collectors.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// Admissions counts sequences moved from waiting to running.
	Admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "admissions_total",
		Help: "Total number of sequence admissions into the running batch",
	})
	// Preemptions counts running sequences preempted, by mode.
	Preemptions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "preemptions_total",
		Help: "Total number of sequence preemptions",
	}, []string{"mode"})
	// SwapOuts counts completed device-to-host swaps.
	SwapOuts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "swap", Name: "swap_out_total",
		Help: "Total number of completed swap-out operations",
	})
	// SwapIns counts completed host-to-device swaps.
	SwapIns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "swap", Name: "swap_in_total",
		Help: "Total number of completed swap-in operations",
	})
	// Timeouts counts waiting sequences aborted on the admission deadline.
	Timeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "waiting_timeouts_total",
		Help: "Total number of waiting-queue admission timeouts",
	})
	// Rejections counts requests refused at a full waiting queue.
	Rejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "rejections_total",
		Help: "Total number of requests rejected at submission",
	})
	// PrefixCacheHitTokens counts prompt tokens satisfied from the prefix
	// cache instead of recompute.
	PrefixCacheHitTokens = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scheduler", Subsystem: "kvcache", Name: "prefix_hit_tokens_total",
		Help: "Prompt tokens satisfied by prefix-cache hits",
	})

	// DeviceFreeBlocks tracks free device blocks after each step.
	DeviceFreeBlocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "kvcache", Name: "device_free_blocks",
		Help: "Free device KV-cache blocks",
	})
	// RunningSequences tracks the running batch size after each step.
	RunningSequences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "running_sequences",
		Help: "Sequences in the running batch",
	})
	// WaitingSequences tracks the waiting queue length after each step.
	WaitingSequences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "waiting_sequences",
		Help: "Sequences in the waiting queue",
	})
	// SwappedSequences tracks sequences parked in host memory.
	SwappedSequences = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "swapped_sequences",
		Help: "Sequences swapped out to host memory",
	})

	// StepTokens logs scheduled tokens per step.
	StepTokens = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "step_tokens",
		Help:    "Tokens scheduled per engine step",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
	// StepLatency logs wall time per engine step.
	StepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scheduler", Subsystem: "batch", Name: "step_latency_seconds",
		Help:    "Latency of engine steps in seconds",
		Buckets: prometheus.DefBuckets,
	})
)

// Collectors returns a slice of all registered Prometheus collectors.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Admissions, Preemptions, SwapOuts, SwapIns, Timeouts, Rejections,
		PrefixCacheHitTokens,
		DeviceFreeBlocks, RunningSequences, WaitingSequences, SwappedSequences,
		StepTokens, StepLatency,
	}
}

var registerMetricsOnce = sync.Once{}

// Register registers all metrics with the shared registry.
func Register() {
	registerMetricsOnce.Do(func() {
		metrics.Registry.MustRegister(Collectors()...)
	})
}

// StartMetricsLogging spawns a goroutine that logs current metric values
// every interval.
func StartMetricsLogging(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logMetrics(ctx)
			}
		}
	}()
}

func logMetrics(ctx context.Context) {
	var m dto.Metric

	if err := Admissions.Write(&m); err != nil {
		return
	}
	admissions := m.GetCounter().GetValue()

	if err := Timeouts.Write(&m); err != nil {
		return
	}
	timeouts := m.GetCounter().GetValue()

	if err := PrefixCacheHitTokens.Write(&m); err != nil {
		return
	}
	hitTokens := m.GetCounter().GetValue()

	var stepMetric dto.Metric
	if err := StepTokens.Write(&stepMetric); err != nil {
		return
	}
	stepCount := stepMetric.GetHistogram().GetSampleCount()
	tokenSum := stepMetric.GetHistogram().GetSampleSum()

	klog.FromContext(ctx).WithName("metrics").Info("metrics beat",
		"admissions", admissions,
		"timeouts", timeouts,
		"prefix_hit_tokens", hitTokens,
		"steps", stepCount,
		"scheduled_tokens", tokenSum,
	)
}
