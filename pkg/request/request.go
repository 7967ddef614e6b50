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

package request

import (
	"time"

	"github.com/google/uuid"
)

// SamplingParams are the client-supplied generation parameters consumed by
// this core. Numerical sampling itself happens in the compute worker.
type SamplingParams struct {
	// Temperature is forwarded to the worker's sampler.
	Temperature float64 `json:"temperature"`
	// MaxNewTokens bounds the generated suffix length. Zero means no
	// per-request bound beyond max_token_len.
	MaxNewTokens int `json:"maxNewTokens"`
	// N is the parallel sampling group size: the number of sequences
	// sharing this request's prompt.
	N int `json:"n"`
	// IgnoreEOS keeps generating past the EOS token (benchmarks).
	IgnoreEOS bool `json:"ignoreEos"`
	// Priority orders sequences under the priority queueing strategy.
	// Higher runs earlier. Ignored under FIFO.
	Priority int `json:"priority"`
}

// DefaultSamplingParams returns the parameters used when a field is unset.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature:  1.0,
		MaxNewTokens: 0,
		N:            1,
	}
}

// Request groups one or more sequences sharing a prompt and sampling
// parameters (a parallel sampling group shares one request id).
type Request struct {
	ID        string
	Arrival   time.Time
	Sampling  SamplingParams
	Sequences []*Sequence
}

// New creates a request with Sampling.N sequences over the prompt. The
// sequences start in the waiting state but are not yet enqueued.
func New(prompt []uint32, params SamplingParams) *Request {
	if params.N <= 0 {
		params.N = 1
	}

	r := &Request{
		ID:       uuid.NewString(),
		Arrival:  time.Now(),
		Sampling: params,
	}
	for i := 0; i < params.N; i++ {
		seq := NewSequence(r.ID, prompt, params.Priority, r.Arrival)
		seq.MaxNewTokens = params.MaxNewTokens
		seq.IgnoreEOS = params.IgnoreEOS
		r.Sequences = append(r.Sequences, seq)
	}

	return r
}

// Finished reports whether every sequence reached a terminal status.
func (r *Request) Finished() bool {
	for _, seq := range r.Sequences {
		if !seq.Status.Terminal() {
			return false
		}
	}
	return true
}
