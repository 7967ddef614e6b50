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

package scheduler

import (
	"time"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
)

// PreemptMode selects what happens to a preemption victim.
type PreemptMode string

const (
	// PreemptSwap moves the victim's blocks to host memory, preserving
	// generated state. Preferred for long-lived sequences when host
	// memory is configured.
	PreemptSwap PreemptMode = "swap"
	// PreemptRecompute frees the victim's blocks entirely; the sequence
	// restarts prefill over its prompt plus already-emitted tokens.
	// Avoids host-transfer latency for short sequences.
	PreemptRecompute PreemptMode = "recompute"
)

// Config holds the batch scheduler's admission limits and capacity-ratio
// triggers.
type Config struct {
	// ScheduleStrategy selects queue ordering. FIFO is the baseline
	// fairness contract.
	ScheduleStrategy request.Strategy `json:"scheduleStrategy"`
	// WaitingTimeout bounds time-to-admission; a sequence waiting longer
	// is aborted. Zero disables the deadline.
	WaitingTimeout time.Duration `json:"waitingTimeout"`
	// MaxWaitingQueueLen bounds the waiting queue; arrivals beyond it are
	// rejected, not enqueued.
	MaxWaitingQueueLen int `json:"maxWaitingQueueLen"`
	// MaxStepTokens bounds the tokens processed in one step.
	MaxStepTokens int `json:"maxStepTokens"`
	// MaxBatchSize bounds the running batch.
	MaxBatchSize int `json:"maxBatchSize"`
	// MaxTokenLen bounds a sequence's total token count.
	MaxTokenLen int `json:"maxTokenLen"`

	// SwapoutBlockThreshold scales the shortage test that triggers
	// preemption: required*threshold > available means pressure.
	SwapoutBlockThreshold float64 `json:"swapoutBlockThreshold"`
	// SwapinBlockThreshold scales the headroom required to re-admit a
	// swapped sequence: required*threshold <= available.
	SwapinBlockThreshold float64 `json:"swapinBlockThreshold"`
	// LaunchBlockThreshold scales the headroom required to admit a
	// waiting sequence: freshBlocks*threshold <= available.
	LaunchBlockThreshold float64 `json:"launchBlockThreshold"`

	// PreemptMode selects the preemption policy.
	PreemptMode PreemptMode `json:"preemptMode"`

	// EOS is the model's end-of-sequence token id.
	EOS uint32 `json:"eos"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		ScheduleStrategy:      request.StrategyFIFO,
		WaitingTimeout:        600_000 * time.Millisecond,
		MaxWaitingQueueLen:    256,
		MaxStepTokens:         4096,
		MaxBatchSize:          8,
		MaxTokenLen:           2048,
		SwapoutBlockThreshold: 1.0,
		SwapinBlockThreshold:  2.0,
		LaunchBlockThreshold:  2.0,
		PreemptMode:           PreemptSwap,
	}
}
