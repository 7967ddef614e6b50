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

// Package kvblock implements the paged KV-cache block layer: content hashing
// of full blocks, the prefix-cache index, the block manager that maps token
// growth to block-table mutations, and host/device swap orchestration.
package kvblock

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-batch-scheduler/pkg/blockalloc"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/request"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils"
	"github.com/llm-d/llm-d-batch-scheduler/pkg/utils/logging"
)

// EventSink receives block lifecycle notifications for external locality
// indexers. Implementations must not block the caller.
type EventSink interface {
	// BlockStored reports a full block entering the prefix index.
	BlockStored(hash uint64, parentHash *uint64, tokens []uint32, blockSize int)
	// BlockRemoved reports prefix-index entries whose blocks were reused.
	BlockRemoved(hashes []uint64)
	// AllBlocksCleared reports a manager reset.
	AllBlocksCleared()
}

// ManagerConfig holds the configuration for the block manager.
type ManagerConfig struct {
	// BlockTokenNum is the token capacity of one block.
	BlockTokenNum int `json:"blockTokenNum"`
	// PrefixCacheLen bounds the prompt prefix eligible for cache reuse, in
	// tokens. Zero means no bound beyond full-block granularity. Must be a
	// multiple of BlockTokenNum (the config loader rounds it down).
	PrefixCacheLen int `json:"prefixCacheLen"`

	ChunkHasherConfig *ChunkHasherConfig `json:"chunkHasherConfig"`
	SwapperConfig     *SwapperConfig     `json:"swapperConfig"`
}

// DefaultManagerConfig returns the default block manager configuration.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		BlockTokenNum:     16,
		PrefixCacheLen:    0,
		ChunkHasherConfig: DefaultChunkHasherConfig(),
		SwapperConfig:     DefaultSwapperConfig(),
	}
}

// Manager is the policy layer over one device and one host allocator. It
// owns block tables, the prefix-cache index, and swap orchestration.
//
// The prefix index maps chain hashes to device block ids. Entries of
// unreferenced blocks are retained until the free list reuses the block, so
// cache retention is purely a side effect of reference counting. Shared
// blocks are read-only: a diverging sequence allocates a private block, it
// never mutates a shared one.
//
// All mutation happens under the scheduler's decision loop.
type Manager struct {
	cfg    ManagerConfig
	device *blockalloc.Allocator
	host   *blockalloc.Allocator

	hasher  *ChunkHasher
	swapper *Swapper

	// prefixIndex maps chain hash -> device block id.
	prefixIndex map[uint64]int
	// blockHash maps device block id -> chain hash, 0 when unhashed.
	blockHash []uint64

	sink EventSink
}

// NewManager creates a block manager over the two allocators. sink may be
// nil.
func NewManager(cfg *ManagerConfig, device, host *blockalloc.Allocator, sink EventSink) *Manager {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}

	return &Manager{
		cfg:         *cfg,
		device:      device,
		host:        host,
		hasher:      NewChunkHasher(cfg.ChunkHasherConfig),
		swapper:     NewSwapper(cfg.SwapperConfig, device, host),
		prefixIndex: map[uint64]int{},
		blockHash:   make([]uint64, device.Capacity()),
		sink:        sink,
	}
}

// BlockTokenNum returns the token capacity of one block.
func (m *Manager) BlockTokenNum() int { return m.cfg.BlockTokenNum }

// Swapper returns the swap pool; the engine owns its lifecycle.
func (m *Manager) Swapper() *Swapper { return m.swapper }

// DeviceAvailable returns the number of free device blocks.
func (m *Manager) DeviceAvailable() int { return m.device.Available() }

// DeviceCapacity returns the total number of device blocks.
func (m *Manager) DeviceCapacity() int { return m.device.Capacity() }

// HostAvailable returns the number of free host blocks.
func (m *Manager) HostAvailable() int { return m.host.Available() }

// CanAllocate reports whether the sequence's table can be extended to cover
// nNewTokens additional tokens, accounting for blocks satisfiable by
// in-use prefix-cache hits instead of fresh allocation.
func (m *Manager) CanAllocate(seq *request.Sequence, nNewTokens int) bool {
	btn := m.cfg.BlockTokenNum

	if len(seq.BlockTable) == 0 {
		blocks := utils.CeilDiv(seq.Len(), btn)
		inUseHits := m.countInUseHits(seq, blocks)
		return m.device.Available() >= blocks-inUseHits
	}

	target := seq.Len() + nNewTokens
	required := utils.CeilDiv(target, btn) - len(seq.BlockTable)
	if required <= 0 {
		return true
	}
	return m.device.Available() >= required
}

// Allocate builds the sequence's block table over its full token history.
// Each full-block position is first probed in the prefix index; a hit
// attaches the existing block with no new allocation and no recompute. The
// sequence must have no table; callers must have seen CanAllocate true, an
// ErrOutOfBlocks return here is a scheduling bug.
func (m *Manager) Allocate(ctx context.Context, seq *request.Sequence) error {
	if len(seq.BlockTable) != 0 {
		return fmt.Errorf("sequence %d already has %d blocks allocated", seq.ID, len(seq.BlockTable))
	}

	btn := m.cfg.BlockTokenNum
	blocks := seq.NumBlocks(btn)
	if m.device.Available() < blocks-m.countInUseHits(seq, blocks) {
		return fmt.Errorf("allocating %d blocks for seq %d: %w", blocks, seq.ID, blockalloc.ErrOutOfBlocks)
	}

	chain := m.chainHashes(seq)
	seq.CachedTokens = 0
	cacheMiss := false

	for i := 0; i < blocks; i++ {
		hashable := i < len(chain) && m.withinPrefixLimit(i)

		if !cacheMiss && hashable {
			if id, ok := m.prefixIndex[chain[i]]; ok && m.attachCached(id) {
				seq.BlockTable = append(seq.BlockTable, id)
				seq.CachedTokens += btn
				continue
			}
		}
		cacheMiss = true

		id, err := m.acquireFresh()
		if err != nil {
			return fmt.Errorf("allocating block %d for seq %d: %w", i, seq.ID, err)
		}
		seq.BlockTable = append(seq.BlockTable, id)

		if i < len(chain) {
			m.registerBlock(id, i, chain, seq)
		}
	}

	klog.FromContext(ctx).V(logging.TRACE).Info("allocated block table",
		"seq", seq.ID, "blocks", blocks, "cachedTokens", seq.CachedTokens)
	return nil
}

// CanAppendSlot reports whether one more decode token fits, allocating a new
// block if the last generated token opened one.
func (m *Manager) CanAppendSlot(seq *request.Sequence) bool {
	if seq.Len()%m.cfg.BlockTokenNum == 1 {
		return m.device.Available() >= 1
	}
	return true
}

// AppendSlot extends the table so it covers the sequence's current token
// count, and hashes the last block into the prefix index the moment it
// fills. Called once per decode step, after the previous step's token was
// appended.
func (m *Manager) AppendSlot(seq *request.Sequence) error {
	btn := m.cfg.BlockTokenNum

	switch seq.Len() % btn {
	case 1:
		if len(seq.BlockTable) >= seq.NumBlocks(btn) {
			return nil // already extended; the step stalled before executing
		}
		// last token opened a new block
		id, err := m.acquireFresh()
		if err != nil {
			return fmt.Errorf("appending block for seq %d: %w", seq.ID, err)
		}
		seq.BlockTable = append(seq.BlockTable, id)
	case 0:
		// last block just filled, it becomes shareable now
		i := seq.NumBlocks(btn) - 1
		if m.blockHash[seq.BlockTable[i]] != 0 {
			return nil
		}
		chain := m.chainHashes(seq)
		m.registerBlock(seq.BlockTable[i], i, chain, seq)
	}

	return nil
}

// RequiredFreshBlocks returns the number of free-list blocks an admission of
// this sequence would consume, after in-use prefix-cache hits.
func (m *Manager) RequiredFreshBlocks(seq *request.Sequence) int {
	blocks := seq.NumBlocks(m.cfg.BlockTokenNum)
	return blocks - m.countInUseHits(seq, blocks)
}

// Free releases every block in the sequence's tables. Idempotent per
// sequence: a second call without an intervening allocation is a no-op.
func (m *Manager) Free(seq *request.Sequence) {
	for i := len(seq.BlockTable) - 1; i >= 0; i-- {
		m.device.Free(seq.BlockTable[i])
	}
	seq.BlockTable = nil
	seq.CachedTokens = 0

	for i := len(seq.HostBlockTable) - 1; i >= 0; i-- {
		m.host.Free(seq.HostBlockTable[i])
	}
	seq.HostBlockTable = nil
}

// Reset drops the prefix index. Block ownership is unaffected; sequences
// still release their tables through Free.
func (m *Manager) Reset() {
	m.prefixIndex = map[uint64]int{}
	for i := range m.blockHash {
		m.blockHash[i] = 0
	}
	if m.sink != nil {
		m.sink.AllBlocksCleared()
	}
}

// attachCached adds a reference to a prefix-cache hit. A block still on the
// free list is revived in place; false means the hit is unusable and the
// caller must fall back to a fresh block.
func (m *Manager) attachCached(id int) bool {
	if m.device.RefCount(id) > 0 {
		m.device.Retain(id)
		return true
	}
	return m.device.AllocateID(id) == nil
}

// acquireFresh takes one block off the free list, dropping any stale prefix
// index entry still pointing at it.
func (m *Manager) acquireFresh() (int, error) {
	ids, err := m.device.Allocate(1)
	if err != nil {
		return 0, err
	}
	id := ids[0]

	if h := m.blockHash[id]; h != 0 {
		if m.prefixIndex[h] == id {
			delete(m.prefixIndex, h)
			if m.sink != nil {
				m.sink.BlockRemoved([]uint64{h})
			}
		}
		m.blockHash[id] = 0
	}

	return id, nil
}

// registerBlock records a full block's chain hash and publishes it. Blocks
// beyond the prefix-cache length keep their hash for chaining but are not
// indexed for reuse.
func (m *Manager) registerBlock(id, i int, chain []uint64, seq *request.Sequence) {
	h := chain[i]
	m.blockHash[id] = h

	if !m.withinPrefixLimit(i) {
		return
	}
	m.prefixIndex[h] = id

	if m.sink != nil {
		parent := m.hasher.InitHash()
		if i > 0 {
			parent = chain[i-1]
		}
		m.sink.BlockStored(h, &parent, seq.BlockChunk(i, m.cfg.BlockTokenNum), m.cfg.BlockTokenNum)
	}
}

// chainHashes returns the chain hash of every full block of the sequence.
func (m *Manager) chainHashes(seq *request.Sequence) []uint64 {
	btn := m.cfg.BlockTokenNum
	full := seq.Len() / btn

	chunks := make([][]uint32, full)
	for i := 0; i < full; i++ {
		chunks[i] = seq.BlockChunk(i, btn)
	}
	return m.hasher.ChainHashes(chunks)
}

// countInUseHits counts the leading full-block positions satisfiable by
// referenced prefix-cache blocks. Revivable free-list hits are deliberately
// not counted: they consume free-list slots, so admission must budget for
// them.
func (m *Manager) countInUseHits(seq *request.Sequence, blocks int) int {
	chain := m.chainHashes(seq)
	hits := 0
	for i := 0; i < len(chain) && i < blocks; i++ {
		if !m.withinPrefixLimit(i) {
			break
		}
		id, ok := m.prefixIndex[chain[i]]
		if !ok || m.device.RefCount(id) == 0 {
			break
		}
		hits++
	}
	return hits
}

// withinPrefixLimit reports whether block position i is eligible for prefix
// caching.
func (m *Manager) withinPrefixLimit(i int) bool {
	if m.cfg.PrefixCacheLen <= 0 {
		return true
	}
	return (i+1)*m.cfg.BlockTokenNum <= m.cfg.PrefixCacheLen
}
