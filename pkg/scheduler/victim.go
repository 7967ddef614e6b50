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

// VictimPolicy picks which running sequence to preempt under memory
// pressure. The running slice is in admission order; implementations return
// an index into it.
type VictimPolicy interface {
	Select(running []*request.Sequence) int
}

// ReverseArrival preempts the most recently admitted sequence first.
// The default policy.
type ReverseArrival struct{}

// Select implements VictimPolicy.
func (ReverseArrival) Select(running []*request.Sequence) int {
	return len(running) - 1
}

// LowestPriority preempts the lowest-priority sequence, breaking ties in
// favor of the most recently admitted. Pairs with the priority queueing
// strategy.
type LowestPriority struct{}

// Select implements VictimPolicy.
func (LowestPriority) Select(running []*request.Sequence) int {
	victim := len(running) - 1
	for i := len(running) - 1; i >= 0; i-- {
		if running[i].Priority < running[victim].Priority {
			victim = i
		}
	}
	return victim
}

// victimPolicyFor returns the policy matching a queue strategy.
func victimPolicyFor(strategy request.Strategy) VictimPolicy {
	if strategy == request.StrategyPriority {
		return LowestPriority{}
	}
	return ReverseArrival{}
}
