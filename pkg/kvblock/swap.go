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

package kvblock

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// Swap moves a sequence's whole block table between tiers as an atomic unit:
// either the full table moves or none of it does. The copy runs on the swap
// pool; the scheduler starts a swap, holds the sequence in its swapped set,
// and finalizes once the pool reports completion. Source blocks are freed
// only after the copies verified.

// CanSwapOut reports whether enough host blocks exist to receive the
// sequence's device table.
func (m *Manager) CanSwapOut(seq *request.Sequence) bool {
	return len(seq.BlockTable) > 0 && m.host.Available() >= len(seq.BlockTable)
}

// StartSwapOut allocates host blocks and submits the device-to-host copy.
// The device table stays referenced until FinishSwapOut.
func (m *Manager) StartSwapOut(ctx context.Context, seq *request.Sequence) error {
	if len(seq.HostBlockTable) != 0 {
		return fmt.Errorf("sequence %d already has a host table", seq.ID)
	}

	hostIDs, err := m.host.Allocate(len(seq.BlockTable))
	if err != nil {
		return fmt.Errorf("swap out of seq %d: %w", seq.ID, err)
	}
	seq.HostBlockTable = hostIDs

	m.swapper.Submit(seq.ID, SwapOut, seq.BlockTable, hostIDs)
	klog.FromContext(ctx).V(logging.DEBUG).Info("swap out started",
		"seq", seq.ID, "blocks", len(seq.BlockTable))
	return nil
}

// FinishSwapOut finalizes a completed swap out. On success the device blocks
// are released (shared prefix blocks only drop a reference). On copy failure
// the host blocks are released and the error returned; the caller aborts the
// sequence and frees its remaining device table through Free.
func (m *Manager) FinishSwapOut(ctx context.Context, seq *request.Sequence, copyErr error) error {
	if copyErr != nil {
		for i := len(seq.HostBlockTable) - 1; i >= 0; i-- {
			m.host.Free(seq.HostBlockTable[i])
		}
		seq.HostBlockTable = nil
		return copyErr
	}

	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		m.device.Free(seq.BlockTable[i])
	}
	seq.BlockTable = nil
	seq.CachedTokens = 0

	klog.FromContext(ctx).V(logging.DEBUG).Info("swap out finished",
		"seq", seq.ID, "hostBlocks", len(seq.HostBlockTable))
	return nil
}

// CanSwapIn reports whether enough device blocks exist to receive the
// sequence's host table.
func (m *Manager) CanSwapIn(seq *request.Sequence) bool {
	return len(seq.HostBlockTable) > 0 && m.device.Available() >= len(seq.HostBlockTable)
}

// StartSwapIn allocates device blocks and submits the host-to-device copy.
func (m *Manager) StartSwapIn(ctx context.Context, seq *request.Sequence) error {
	if len(seq.BlockTable) != 0 {
		return fmt.Errorf("sequence %d already has a device table", seq.ID)
	}

	devIDs, err := m.device.Allocate(len(seq.HostBlockTable))
	if err != nil {
		return fmt.Errorf("swap in of seq %d: %w", seq.ID, err)
	}
	for _, id := range devIDs {
		// fresh blocks may carry stale index entries from a prior life
		if h := m.blockHash[id]; h != 0 {
			if m.prefixIndex[h] == id {
				delete(m.prefixIndex, h)
				if m.sink != nil {
					m.sink.BlockRemoved([]uint64{h})
				}
			}
			m.blockHash[id] = 0
		}
	}
	seq.BlockTable = devIDs

	m.swapper.Submit(seq.ID, SwapIn, seq.HostBlockTable, devIDs)
	klog.FromContext(ctx).V(logging.DEBUG).Info("swap in started",
		"seq", seq.ID, "blocks", len(devIDs))
	return nil
}

// FinishSwapIn finalizes a completed swap in. On success the host blocks are
// released and the sequence's full blocks re-enter the prefix index under
// their new device ids. On copy failure the device blocks are released and
// the error returned; the caller aborts the sequence and frees the host
// table through Free.
func (m *Manager) FinishSwapIn(ctx context.Context, seq *request.Sequence, copyErr error) error {
	if copyErr != nil {
		for i := len(seq.BlockTable) - 1; i >= 0; i-- {
			m.device.Free(seq.BlockTable[i])
		}
		seq.BlockTable = nil
		return copyErr
	}

	for i := len(seq.HostBlockTable) - 1; i >= 0; i-- {
		m.host.Free(seq.HostBlockTable[i])
	}
	seq.HostBlockTable = nil

	chain := m.chainHashes(seq)
	for i := range chain {
		m.registerBlock(seq.BlockTable[i], i, chain, seq)
	}

	klog.FromContext(ctx).V(logging.DEBUG).Info("swap in finished",
		"seq", seq.ID, "blocks", len(seq.BlockTable))
	return nil
}
