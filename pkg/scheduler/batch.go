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
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
)

// ScheduledSequence is one running sequence's slice of a step.
type ScheduledSequence struct {
	Seq *request.Sequence
	// NumTokens is the number of tokens processed this step: a prompt
	// chunk during prefill, one during decode.
	NumTokens int
	// IsPrefill marks prompt processing (chunked) versus decode.
	IsPrefill bool
	// ProducesToken marks steps whose execution emits a next token:
	// every decode step, and the prefill chunk that completes the prompt.
	ProducesToken bool
	// BlockTable is a snapshot of the device block table, read-only for
	// the compute worker for the duration of the step.
	BlockTable []int
}

// ScheduledBatch is the scheduler's step output. Transient: rebuilt every
// step, never persisted.
type ScheduledBatch struct {
	Sequences   []ScheduledSequence
	TotalTokens int
}

// Empty reports whether the batch schedules no work.
func (b *ScheduledBatch) Empty() bool {
	return b == nil || len(b.Sequences) == 0
}

// StepResult carries a step's batch plus the sequences that reached a
// terminal status during scheduling (timeouts, failed swaps).
type StepResult struct {
	Batch      *ScheduledBatch
	Terminated []*request.Sequence
}
