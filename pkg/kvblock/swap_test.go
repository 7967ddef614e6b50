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

package kvblock_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/kvblock"
)

// reap polls the swap pool until the sequence's result is recorded.
func reap(t *testing.T, mgr *kvblock.Manager, seqID int64) error {
	t.Helper()
	mgr.Swapper().Drain()
	err, ok := mgr.Swapper().TakeResult(seqID)
	require.True(t, ok, "swap result not recorded after drain")
	return err
}

func TestSwapRoundTrip(t *testing.T) {
	mgr := newTestManager(t, 8, 8)
	mgr.Swapper().Start(t.Context())
	defer mgr.Swapper().Shutdown()

	seq := newSeq(tokenRange(10)...)
	require.NoError(t, mgr.Allocate(t.Context(), seq))
	table := append([]int{}, seq.BlockTable...)

	require.True(t, mgr.CanSwapOut(seq))
	require.NoError(t, mgr.StartSwapOut(t.Context(), seq))
	require.NoError(t, mgr.FinishSwapOut(t.Context(), seq, reap(t, mgr, seq.ID)))

	assert.Empty(t, seq.BlockTable)
	assert.Len(t, seq.HostBlockTable, len(table))
	assert.Equal(t, 8, mgr.DeviceAvailable())

	require.True(t, mgr.CanSwapIn(seq))
	require.NoError(t, mgr.StartSwapIn(t.Context(), seq))
	require.NoError(t, mgr.FinishSwapIn(t.Context(), seq, reap(t, mgr, seq.ID)))

	assert.Len(t, seq.BlockTable, len(table))
	assert.Empty(t, seq.HostBlockTable)
	assert.Equal(t, 8, mgr.HostAvailable())
	assert.Equal(t, 8-len(table), mgr.DeviceAvailable())
}

func TestSwapInRestoresPrefixSharing(t *testing.T) {
	mgr := newTestManager(t, 8, 8)
	mgr.Swapper().Start(t.Context())
	defer mgr.Swapper().Shutdown()

	prompt := tokenRange(8)
	seq := newSeq(prompt...)
	require.NoError(t, mgr.Allocate(t.Context(), seq))

	require.NoError(t, mgr.StartSwapOut(t.Context(), seq))
	require.NoError(t, mgr.FinishSwapOut(t.Context(), seq, reap(t, mgr, seq.ID)))
	require.NoError(t, mgr.StartSwapIn(t.Context(), seq))
	require.NoError(t, mgr.FinishSwapIn(t.Context(), seq, reap(t, mgr, seq.ID)))

	// re-registered hashes make the restored blocks shareable again
	twin := newSeq(prompt...)
	require.NoError(t, mgr.Allocate(t.Context(), twin))
	assert.Equal(t, seq.BlockTable, twin.BlockTable)
	assert.Equal(t, 8, twin.CachedTokens)
}

func TestSwapOutFailureReleasesHostBlocks(t *testing.T) {
	mgr := newTestManager(t, 8, 8)
	mgr.Swapper().SetCopyHook(func(_ kvblock.SwapDirection, dst []byte) {
		dst[0] ^= 0xff // corrupt every copy so all attempts fail
	})
	mgr.Swapper().Start(t.Context())
	defer mgr.Swapper().Shutdown()

	seq := newSeq(tokenRange(10)...)
	require.NoError(t, mgr.Allocate(t.Context(), seq))
	deviceUsed := mgr.DeviceCapacity() - mgr.DeviceAvailable()

	require.NoError(t, mgr.StartSwapOut(t.Context(), seq))
	copyErr := reap(t, mgr, seq.ID)
	require.ErrorIs(t, copyErr, kvblock.ErrSwapFailed)
	require.Error(t, mgr.FinishSwapOut(t.Context(), seq, copyErr))

	// host blocks released, device table intact for the caller to free
	assert.Equal(t, 8, mgr.HostAvailable())
	assert.Equal(t, deviceUsed, mgr.DeviceCapacity()-mgr.DeviceAvailable())
	assert.Len(t, seq.BlockTable, 3)
}

func TestSharedPrefixSwapsOutConcurrently(t *testing.T) {
	mgr := newTestManager(t, 8, 8)
	mgr.Swapper().Start(t.Context())
	defer mgr.Swapper().Shutdown()

	prompt := tokenRange(8) // 2 full blocks, shareable via the prefix index
	a := newSeq(append(append([]uint32{}, prompt...), 100)...)
	b := newSeq(append(append([]uint32{}, prompt...), 200)...)
	require.NoError(t, mgr.Allocate(t.Context(), a))
	require.NoError(t, mgr.Allocate(t.Context(), b))
	require.Equal(t, a.BlockTable[:2], b.BlockTable[:2])

	// both copies read the shared source blocks at the same time, on
	// different shards
	require.NoError(t, mgr.StartSwapOut(t.Context(), a))
	require.NoError(t, mgr.StartSwapOut(t.Context(), b))
	require.NoError(t, mgr.FinishSwapOut(t.Context(), a, reap(t, mgr, a.ID)))
	require.NoError(t, mgr.FinishSwapOut(t.Context(), b, reap(t, mgr, b.ID)))

	assert.Len(t, a.HostBlockTable, 3)
	assert.Len(t, b.HostBlockTable, 3)
	assert.Equal(t, 8, mgr.DeviceAvailable())
	assert.Equal(t, 2, mgr.HostAvailable())
}

func TestCanSwapOutNeedsHostCapacity(t *testing.T) {
	mgr := newTestManager(t, 8, 2)

	seq := newSeq(tokenRange(10)...) // 3 blocks, host has 2
	require.NoError(t, mgr.Allocate(t.Context(), seq))
	assert.False(t, mgr.CanSwapOut(seq))
}
