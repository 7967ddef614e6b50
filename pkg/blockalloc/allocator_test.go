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

package blockalloc_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/blockalloc"
)

func newTestAllocator(blocks int) *blockalloc.Allocator {
	return blockalloc.New(blockalloc.Config{
		Tier:            blockalloc.TierDevice,
		BlockCount:      blocks,
		BlockBytes:      256,
		BlockTokenNum:   16,
		ContiguousBytes: 1024,
	})
}

func TestAllocateAndFree(t *testing.T) {
	a := newTestAllocator(4)
	assert.Equal(t, 4, a.Capacity())
	assert.Equal(t, 4, a.Available())

	ids, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
	assert.Equal(t, 1, a.Available())
	assert.Equal(t, 3, a.Used())

	for _, id := range ids {
		assert.Equal(t, 1, a.RefCount(id))
		a.Free(id)
	}
	assert.Equal(t, 4, a.Available())
}

func TestAllocateFailureHasNoSideEffects(t *testing.T) {
	a := newTestAllocator(2)

	_, err := a.Allocate(3)
	require.ErrorIs(t, err, blockalloc.ErrOutOfBlocks)
	assert.Equal(t, 2, a.Available())

	ids, err := a.Allocate(2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestRetainDelaysFree(t *testing.T) {
	a := newTestAllocator(2)

	ids, err := a.Allocate(1)
	require.NoError(t, err)
	id := ids[0]

	a.Retain(id)
	assert.Equal(t, 2, a.RefCount(id))

	a.Free(id)
	assert.Equal(t, 1, a.Available(), "block with remaining refs must not return to free list")

	a.Free(id)
	assert.Equal(t, 2, a.Available())
}

func TestDoubleFreePanics(t *testing.T) {
	a := newTestAllocator(1)

	ids, err := a.Allocate(1)
	require.NoError(t, err)
	a.Free(ids[0])

	assert.Panics(t, func() { a.Free(ids[0]) })
}

func TestBlockConservation(t *testing.T) {
	a := newTestAllocator(8)

	ids, err := a.Allocate(5)
	require.NoError(t, err)
	a.Retain(ids[0])
	a.Retain(ids[0])

	assert.Equal(t, a.Capacity(), a.Available()+a.Used())

	refs := 0
	for _, id := range ids {
		refs += a.RefCount(id)
	}
	assert.Equal(t, 7, refs)
}

func TestContiguousBudget(t *testing.T) {
	a := newTestAllocator(1)

	id, err := a.AllocateContiguous(768)
	require.NoError(t, err)

	_, err = a.AllocateContiguous(512)
	require.ErrorIs(t, err, blockalloc.ErrOutOfContiguous)

	a.FreeContiguous(id)
	_, err = a.AllocateContiguous(512)
	assert.NoError(t, err)

	// contiguous reservations never touch the paged arena
	assert.Equal(t, 1, a.Available())
}

func TestPayloadsPreallocated(t *testing.T) {
	a := newTestAllocator(4)

	// every buffer exists before any allocation, so handing one to a copy
	// worker never mutates allocator state
	for id := 0; id < 4; id++ {
		assert.Len(t, a.Payload(id), 256)
	}
}

func TestPayloadConcurrentCopiesFromSharedSource(t *testing.T) {
	a := newTestAllocator(4)

	ids, err := a.Allocate(3)
	require.NoError(t, err)
	src := a.Payload(ids[0])
	for i := range src {
		src[i] = byte(i)
	}

	var wg sync.WaitGroup
	for _, dst := range ids[1:] {
		wg.Add(1)
		go func(dst int) {
			defer wg.Done()
			copy(a.Payload(dst), a.Payload(ids[0]))
		}(dst)
	}
	wg.Wait()

	assert.Equal(t, src, a.Payload(ids[1]))
	assert.Equal(t, src, a.Payload(ids[2]))
}

func TestPayloadIsStable(t *testing.T) {
	a := newTestAllocator(2)

	ids, err := a.Allocate(1)
	require.NoError(t, err)

	p := a.Payload(ids[0])
	assert.Len(t, p, 256)
	p[0] = 0xAB
	assert.Equal(t, byte(0xAB), a.Payload(ids[0])[0])
}
