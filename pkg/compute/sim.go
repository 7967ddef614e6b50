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

package compute

import (
	"context"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
)

// SimConfig tunes the simulated worker.
type SimConfig struct {
	// VocabSize bounds sampled token ids.
	VocabSize uint32 `json:"vocabSize"`
	// EOS is emitted once a sequence has produced EOSAfter tokens, so runs
	// terminate without relying on output-length limits.
	EOS uint32 `json:"eos"`
	// EOSAfter is the output length at which EOS is emitted. Zero disables
	// EOS emission entirely.
	EOSAfter int `json:"eosAfter"`
	// StepDelay adds artificial per-step latency.
	StepDelay time.Duration `json:"stepDelay"`
}

// DefaultSimConfig returns simulation defaults.
func DefaultSimConfig() *SimConfig {
	return &SimConfig{
		VocabSize: 32000,
		EOS:       2,
		EOSAfter:  0,
	}
}

// SimWorker is a deterministic model stand-in. The sampled token is a pure
// function of the sequence's token history, so identical prompts yield
// identical generations across runs and across ranks.
type SimWorker struct {
	cfg SimConfig
}

// NewSimWorker creates a simulated worker.
func NewSimWorker(cfg *SimConfig) *SimWorker {
	if cfg == nil {
		cfg = DefaultSimConfig()
	}
	return &SimWorker{cfg: *cfg}
}

var _ Worker = &SimWorker{}

// Execute samples one token per token-producing sequence.
func (w *SimWorker) Execute(ctx context.Context, batch *scheduler.ScheduledBatch) (map[int64]uint32, error) {
	if w.cfg.StepDelay > 0 {
		select {
		case <-time.After(w.cfg.StepDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := map[int64]uint32{}
	for _, ss := range batch.Sequences {
		if !ss.ProducesToken {
			continue
		}
		if w.cfg.EOSAfter > 0 && ss.Seq.NumOutputTokens()+1 >= w.cfg.EOSAfter {
			out[ss.Seq.ID] = w.cfg.EOS
			continue
		}
		out[ss.Seq.ID] = w.sample(ss.Seq.Tokens)
	}
	return out, nil
}

// sample hashes the token history into the vocabulary, steering clear of the
// EOS id so stop conditions stay under the caller's control.
func (w *SimWorker) sample(history []uint32) uint32 {
	h := xxhash.New()
	var buf [4]byte
	for _, tok := range history {
		buf[0] = byte(tok)
		buf[1] = byte(tok >> 8)
		buf[2] = byte(tok >> 16)
		buf[3] = byte(tok >> 24)
		_, _ = h.Write(buf[:])
	}

	tok := uint32(h.Sum64() % uint64(w.cfg.VocabSize))
	if tok == w.cfg.EOS {
		tok++
	}
	return tok
}
