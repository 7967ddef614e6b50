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

// Package compute abstracts batch execution. The scheduler hands a worker one
// ScheduledBatch per step and expects one sampled token per token-producing
// sequence back.
package compute

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/scheduler"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// ErrStepFailed wraps any rank failure during a step. The whole step is
// failed; partial results are never committed.
var ErrStepFailed = errors.New("batch step execution failed")

// Worker executes one scheduled batch and returns the sampled token for each
// sequence whose step produces one, keyed by sequence id.
type Worker interface {
	Execute(ctx context.Context, batch *scheduler.ScheduledBatch) (map[int64]uint32, error)
}

// RankGroup fans a batch out to all tensor-parallel ranks concurrently and
// merges their sampled tokens. Every rank receives the full batch; rank 0's
// results win on overlap, matching the driver-rank sampling convention.
type RankGroup struct {
	ranks []Worker
}

// NewRankGroup builds a group over the per-rank workers. At least one rank
// is required.
func NewRankGroup(ranks []Worker) (*RankGroup, error) {
	if len(ranks) == 0 {
		return nil, errors.New("rank group requires at least one worker")
	}
	return &RankGroup{ranks: ranks}, nil
}

// Execute runs the batch on every rank. A single rank error fails the step.
func (g *RankGroup) Execute(ctx context.Context, batch *scheduler.ScheduledBatch) (map[int64]uint32, error) {
	results := make([]map[int64]uint32, len(g.ranks))

	grp, gctx := errgroup.WithContext(ctx)
	for i, w := range g.ranks {
		grp.Go(func() error {
			res, err := w.Execute(gctx, batch)
			if err != nil {
				return fmt.Errorf("rank %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		klog.FromContext(ctx).Error(err, "step execution failed", "ranks", len(g.ranks))
		return nil, fmt.Errorf("%w: %w", ErrStepFailed, err)
	}

	merged := map[int64]uint32{}
	for i := len(results) - 1; i >= 0; i-- {
		for id, tok := range results[i] {
			merged[id] = tok
		}
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("executed step",
		"ranks", len(g.ranks), "sequences", len(batch.Sequences), "tokens", batch.TotalTokens)
	return merged, nil
}
