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

// Package request holds the entities tracked across the lifetime of a
// generation request: requests, their sequences, and the scheduler queues
// they move through.
package request

import (
	"sync/atomic"
	"time"
)

// SequenceStatus is the lifecycle state of one generation stream.
type SequenceStatus string

const (
	StatusWaiting  SequenceStatus = "waiting"
	StatusRunning  SequenceStatus = "running"
	StatusSwapped  SequenceStatus = "swapped"
	StatusFinished SequenceStatus = "finished"
	StatusAborted  SequenceStatus = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s SequenceStatus) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// FinishReason explains why a sequence reached a terminal status.
type FinishReason string

const (
	// ReasonStop is an EOS token.
	ReasonStop FinishReason = "stop"
	// ReasonLength is a token-count limit (max_token_len or max_new_tokens).
	ReasonLength FinishReason = "length"
	// ReasonAbort is a client-initiated abort.
	ReasonAbort FinishReason = "abort"
	// ReasonTimeout is a waiting-queue admission timeout.
	ReasonTimeout FinishReason = "timeout"
	// ReasonQueueFull is an admission-time rejection.
	ReasonQueueFull FinishReason = "queue_full"
	// ReasonSwapFailed is an unrecoverable host/device copy error.
	ReasonSwapFailed FinishReason = "swap_failed"
	// ReasonComputeFailed is a failed engine step.
	ReasonComputeFailed FinishReason = "compute_failed"
)

var seqCounter atomic.Int64

// Sequence is one generation stream: a prompt plus its continuation. It is
// owned exclusively by its parent Request and mutated only under the
// scheduler's decision loop.
type Sequence struct {
	ID        int64
	RequestID string
	Arrival   time.Time
	Priority  int

	Status       SequenceStatus
	FinishReason FinishReason
	Err          error

	// MaxNewTokens bounds the generated suffix; zero means unbounded
	// below max_token_len. IgnoreEOS keeps generating past EOS.
	MaxNewTokens int
	IgnoreEOS    bool

	// Tokens is the full token history, prompt first.
	Tokens    []uint32
	PromptLen int

	// ComputedTokens counts tokens whose KV entries exist on device,
	// including prefix-cache hits. Prefill is complete when it reaches
	// Len()-1 (the last token's KV materializes with its decode step).
	ComputedTokens int
	// CachedTokens counts tokens satisfied by prefix-cache hits at the
	// most recent allocation.
	CachedTokens int

	// BlockTable lists device block ids covering the token history.
	BlockTable []int
	// HostBlockTable lists host block ids while the sequence is swapped
	// out or a swap is in flight.
	HostBlockTable []int
}

// NewSequence creates a waiting sequence over a copy of the prompt.
func NewSequence(requestID string, prompt []uint32, priority int, arrival time.Time) *Sequence {
	tokens := make([]uint32, len(prompt))
	copy(tokens, prompt)

	return &Sequence{
		ID:        seqCounter.Add(1),
		RequestID: requestID,
		Arrival:   arrival,
		Priority:  priority,
		Status:    StatusWaiting,
		Tokens:    tokens,
		PromptLen: len(prompt),
	}
}

// Len returns the number of tokens in the full history.
func (s *Sequence) Len() int { return len(s.Tokens) }

// NumOutputTokens returns the number of generated tokens.
func (s *Sequence) NumOutputTokens() int { return len(s.Tokens) - s.PromptLen }

// LastToken returns the most recent token.
func (s *Sequence) LastToken() uint32 { return s.Tokens[len(s.Tokens)-1] }

// AppendToken records one generated token.
func (s *Sequence) AppendToken(tok uint32) {
	s.Tokens = append(s.Tokens, tok)
}

// NumBlocks returns the number of blocks needed to cover the history with
// the given block token capacity.
func (s *Sequence) NumBlocks(blockTokenNum int) int {
	return (len(s.Tokens) + blockTokenNum - 1) / blockTokenNum
}

// BlockChunk returns the tokens of the i-th block-sized chunk. The last
// chunk may be short.
func (s *Sequence) BlockChunk(i, blockTokenNum int) []uint32 {
	start := i * blockTokenNum
	end := start + blockTokenNum
	if end > len(s.Tokens) {
		end = len(s.Tokens)
	}
	if start >= end {
		return nil
	}
	return s.Tokens[start:end]
}

// OutputTokens returns the generated suffix.
func (s *Sequence) OutputTokens() []uint32 {
	return s.Tokens[s.PromptLen:]
}

// Finish marks the sequence terminal with the given reason.
func (s *Sequence) Finish(reason FinishReason) {
	s.Status = StatusFinished
	s.FinishReason = reason
}

// Abort marks the sequence aborted with the given reason and error.
func (s *Sequence) Abort(reason FinishReason, err error) {
	s.Status = StatusAborted
	s.FinishReason = reason
	s.Err = err
}
