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

package compute_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/compute"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
)

func decodeBatch(seqs ...*request.Sequence) *scheduler.ScheduledBatch {
	batch := &scheduler.ScheduledBatch{}
	for _, seq := range seqs {
		batch.Sequences = append(batch.Sequences, scheduler.ScheduledSequence{
			Seq: seq, NumTokens: 1, ProducesToken: true,
		})
		batch.TotalTokens++
	}
	return batch
}

func TestSimWorkerIsDeterministic(t *testing.T) {
	w := compute.NewSimWorker(nil)

	a := request.NewSequence("r", []uint32{1, 2, 3}, 0, time.Now())
	b := request.NewSequence("r", []uint32{1, 2, 3}, 0, time.Now())

	ra, err := w.Execute(t.Context(), decodeBatch(a))
	require.NoError(t, err)
	rb, err := w.Execute(t.Context(), decodeBatch(b))
	require.NoError(t, err)

	// same history, same token, regardless of sequence identity
	assert.Equal(t, ra[a.ID], rb[b.ID])
}

func TestSimWorkerEmitsEOSAfterConfiguredLength(t *testing.T) {
	cfg := compute.DefaultSimConfig()
	cfg.EOSAfter = 1
	w := compute.NewSimWorker(cfg)

	seq := request.NewSequence("r", []uint32{1, 2, 3}, 0, time.Now())
	res, err := w.Execute(t.Context(), decodeBatch(seq))
	require.NoError(t, err)
	assert.Equal(t, cfg.EOS, res[seq.ID])
}

func TestSimWorkerSkipsNonProducingSequences(t *testing.T) {
	w := compute.NewSimWorker(nil)

	seq := request.NewSequence("r", []uint32{1, 2, 3}, 0, time.Now())
	batch := &scheduler.ScheduledBatch{
		Sequences: []scheduler.ScheduledSequence{
			{Seq: seq, NumTokens: 3, IsPrefill: true, ProducesToken: false},
		},
		TotalTokens: 3,
	}

	res, err := w.Execute(t.Context(), batch)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestRankGroupMergesIdenticalResults(t *testing.T) {
	ranks := []compute.Worker{compute.NewSimWorker(nil), compute.NewSimWorker(nil)}
	group, err := compute.NewRankGroup(ranks)
	require.NoError(t, err)

	seq := request.NewSequence("r", []uint32{4, 5, 6}, 0, time.Now())
	res, err := group.Execute(t.Context(), decodeBatch(seq))
	require.NoError(t, err)

	single, err := ranks[0].Execute(t.Context(), decodeBatch(seq))
	require.NoError(t, err)
	assert.Equal(t, single[seq.ID], res[seq.ID])
}

type failingWorker struct{ err error }

func (f *failingWorker) Execute(context.Context, *scheduler.ScheduledBatch) (map[int64]uint32, error) {
	return nil, f.err
}

func TestRankGroupFailsWholeStepOnOneRank(t *testing.T) {
	group, err := compute.NewRankGroup([]compute.Worker{
		compute.NewSimWorker(nil),
		&failingWorker{err: assert.AnError},
	})
	require.NoError(t, err)

	seq := request.NewSequence("r", []uint32{1}, 0, time.Now())
	_, err = group.Execute(t.Context(), decodeBatch(seq))
	require.ErrorIs(t, err, compute.ErrStepFailed)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestRankGroupRequiresRanks(t *testing.T) {
	_, err := compute.NewRankGroup(nil)
	assert.Error(t, err)
}
