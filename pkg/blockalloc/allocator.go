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

// Package blockalloc implements raw block bookkeeping for one memory tier.
// An allocator owns a flat, preallocated arena of fixed-size blocks indexed
// by small integer ids. It carries no policy: prefix caching, swap
// orchestration and admission decisions live above it.
package blockalloc

import (
	"errors"
	"fmt"
)

// MemoryTier identifies the arena a block lives in.
type MemoryTier string

const (
	// TierDevice is accelerator memory.
	TierDevice MemoryTier = "device"
	// TierHost is pinned host memory used as swap space.
	TierHost MemoryTier = "host"
)

// ErrOutOfBlocks is returned when an allocation cannot be satisfied from the
// free list. The call has no side effects in that case.
var ErrOutOfBlocks = errors.New("out of free blocks")

// ErrOutOfContiguous is returned when a contiguous reservation exceeds the
// remaining non-paged budget.
var ErrOutOfContiguous = errors.New("out of contiguous memory")

// Config sizes one allocator arena.
type Config struct {
	// Tier is the memory tier this allocator manages.
	Tier MemoryTier `json:"tier"`
	// BlockCount is the number of blocks in the arena.
	BlockCount int `json:"blockCount"`
	// BlockBytes is the payload size of one block.
	BlockBytes int `json:"blockBytes"`
	// BlockTokenNum is the token capacity of one block.
	BlockTokenNum int `json:"blockTokenNum"`
	// ContiguousBytes is the budget for non-paged reservations
	// (rotary caches and similar shared buffers).
	ContiguousBytes int `json:"contiguousBytes"`
}

// Allocator is the arena bookkeeper for one tier.
//
// Reference counts are owned here: a block's count is the number of
// block-table entries pointing at it, and the block returns to the free list
// exactly when the count reaches zero. All bookkeeping mutation happens under
// the scheduler's single decision loop; the allocator is not safe for
// concurrent writers. Block payload contents are the exception: they sit in a
// fixed arena and swap workers copy them off the loop.
type Allocator struct {
	cfg Config

	free     []int
	refCount []int
	payloads [][]byte

	contiguousUsed int
	regions        map[int]int // region id -> bytes
	nextRegionID   int
}

// New creates an allocator with all blocks free. The whole payload arena is
// materialized up front; block buffers never move or reallocate afterwards.
func New(cfg Config) *Allocator {
	free := make([]int, cfg.BlockCount)
	for i := range free {
		free[i] = i
	}

	arena := make([]byte, cfg.BlockCount*cfg.BlockBytes)
	payloads := make([][]byte, cfg.BlockCount)
	for i := range payloads {
		payloads[i] = arena[i*cfg.BlockBytes : (i+1)*cfg.BlockBytes : (i+1)*cfg.BlockBytes]
	}

	return &Allocator{
		cfg:      cfg,
		free:     free,
		refCount: make([]int, cfg.BlockCount),
		payloads: payloads,
		regions:  map[int]int{},
	}
}

// Tier returns the allocator's memory tier.
func (a *Allocator) Tier() MemoryTier { return a.cfg.Tier }

// BlockTokenNum returns the token capacity of one block.
func (a *Allocator) BlockTokenNum() int { return a.cfg.BlockTokenNum }

// Capacity returns the total number of blocks in the arena.
func (a *Allocator) Capacity() int { return a.cfg.BlockCount }

// Available returns the number of free blocks.
func (a *Allocator) Available() int { return len(a.free) }

// Used returns the number of blocks currently referenced.
func (a *Allocator) Used() int { return a.cfg.BlockCount - len(a.free) }

// Allocate reserves count free blocks, each with a reference count of one.
// On ErrOutOfBlocks nothing is reserved.
func (a *Allocator) Allocate(count int) ([]int, error) {
	if count > len(a.free) {
		return nil, fmt.Errorf("%w: want %d, have %d on %s", ErrOutOfBlocks, count, len(a.free), a.cfg.Tier)
	}

	ids := make([]int, count)
	for i := 0; i < count; i++ {
		id := a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
		a.refCount[id] = 1
		ids[i] = id
	}

	return ids, nil
}

// AllocateID reserves one specific free block, with a reference count of
// one. Used to revive a block that is on the free list but still holds
// reusable cached content.
func (a *Allocator) AllocateID(id int) error {
	for i, free := range a.free {
		if free == id {
			a.free = append(a.free[:i], a.free[i+1:]...)
			a.refCount[id] = 1
			return nil
		}
	}
	return fmt.Errorf("%w: %s block %d is not free", ErrOutOfBlocks, a.cfg.Tier, id)
}

// Retain adds a reference to an allocated block. Retaining a free block is a
// programming error.
func (a *Allocator) Retain(id int) {
	if a.refCount[id] == 0 {
		panic(fmt.Sprintf("blockalloc: retain of free %s block %d", a.cfg.Tier, id))
	}
	a.refCount[id]++
}

// Free drops one reference from a block, returning it to the free list at
// zero. Freeing an already-free block is a programming error, not a runtime
// condition.
func (a *Allocator) Free(id int) {
	if a.refCount[id] == 0 {
		panic(fmt.Sprintf("blockalloc: double free of %s block %d", a.cfg.Tier, id))
	}

	a.refCount[id]--
	if a.refCount[id] == 0 {
		a.free = append(a.free, id)
	}
}

// RefCount returns the current reference count of a block.
func (a *Allocator) RefCount(id int) int { return a.refCount[id] }

// Payload returns the block's backing buffer. The buffer is carved from the
// preallocated arena at construction, so the swap pool's copy workers can
// read and write block contents without touching allocator state. Callers
// must hold a reference on the block for the duration of the access.
func (a *Allocator) Payload(id int) []byte {
	return a.payloads[id]
}

// AllocateContiguous reserves one non-paged region of the given size, outside
// the block arena. Returns a region id usable with FreeContiguous.
func (a *Allocator) AllocateContiguous(bytes int) (int, error) {
	if a.contiguousUsed+bytes > a.cfg.ContiguousBytes {
		return 0, fmt.Errorf("%w: want %d, have %d on %s",
			ErrOutOfContiguous, bytes, a.cfg.ContiguousBytes-a.contiguousUsed, a.cfg.Tier)
	}

	id := a.nextRegionID
	a.nextRegionID++
	a.regions[id] = bytes
	a.contiguousUsed += bytes
	return id, nil
}

// FreeContiguous releases a region reserved by AllocateContiguous.
func (a *Allocator) FreeContiguous(id int) {
	bytes, ok := a.regions[id]
	if !ok {
		panic(fmt.Sprintf("blockalloc: free of unknown %s region %d", a.cfg.Tier, id))
	}
	delete(a.regions, id)
	a.contiguousUsed -= bytes
}
