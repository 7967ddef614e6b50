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
	"crypto/sha256"
	"encoding/binary"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"
)

// ChunkHasherConfig holds the configuration for block content hashing.
type ChunkHasherConfig struct {
	// HashSeed prefixes the initial chain hash, similarly to vLLM's
	// NONE_HASH. Deployments that share prefix-cache state externally must
	// align this with vLLM's `PYTHONHASHSEED`.
	HashSeed string `json:"hashSeed"`
}

// DefaultChunkHasherConfig returns the default hashing configuration.
func DefaultChunkHasherConfig() *ChunkHasherConfig {
	return &ChunkHasherConfig{HashSeed: ""}
}

// ChunkHasher computes the content hash of full blocks. The key of block i
// is the hash of its token ids chained with the hash of the preceding block,
// so identical prefixes across requests collide to the same chain and
// divergent suffixes never do.
//
// The format, serialization and hashing are aligned with vLLM: the low 64
// bits of sha256 over the canonical CBOR encoding of [parent, tokens, extra].
type ChunkHasher struct {
	cfg      ChunkHasherConfig
	initHash *uint64
}

// NewChunkHasher creates a hasher with the given config.
func NewChunkHasher(cfg *ChunkHasherConfig) *ChunkHasher {
	if cfg == nil {
		cfg = DefaultChunkHasherConfig()
	}
	return &ChunkHasher{cfg: *cfg}
}

// InitHash returns the root parent hash derived from the seed.
func (h *ChunkHasher) InitHash() uint64 {
	if h.initHash != nil {
		return *h.initHash
	}

	val := hashCBOR(h.cfg.HashSeed)
	h.initHash = &val
	return val
}

// Hash returns the chain hash of one full block given its parent's hash.
func (h *ChunkHasher) Hash(parent uint64, tokens []uint32) uint64 {
	return hashCBOR([]interface{}{parent, tokens, nil})
}

// ChainHashes returns the chain hash of every chunk, starting from the init
// hash.
func (h *ChunkHasher) ChainHashes(chunks [][]uint32) []uint64 {
	prefix := h.InitHash()
	hashes := make([]uint64, len(chunks))
	for i, chunk := range chunks {
		prefix = h.Hash(prefix, chunk)
		hashes[i] = prefix
	}
	return hashes
}

// hashCBOR computes the low 64 bits of sha256 over the canonical CBOR
// encoding of the payload.
func hashCBOR(payload interface{}) uint64 {
	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to create CBOR encoder")
		return 0
	}

	b, err := encMode.Marshal(payload)
	if err != nil {
		klog.FromContext(context.Background()).Error(err, "failed to marshal payload to CBOR")
		return 0
	}

	sum := sha256.Sum256(b)
	return binary.BigEndian.Uint64(sum[24:])
}
