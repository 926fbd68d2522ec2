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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"k8s.io/klog/v2"
)

// defaultBlockSize is the default number of tokens per block.
// 16 is the default value used by vLLM.
const defaultBlockSize = 16

// HasherConfig holds the configuration for the block content hasher.
type HasherConfig struct {
	BlockSize int `json:"blockSize"`
	// HashSeed is used to prefix the initial hash chunk, similarly to vLLM's
	// NONE_HASH. Engines that exchange blocks must share the same seed.
	HashSeed string `json:"hashSeed"`
}

// DefaultHasherConfig returns the default configuration for the hasher.
func DefaultHasherConfig() *HasherConfig {
	return &HasherConfig{
		BlockSize: defaultBlockSize,
		HashSeed:  "",
	}
}

// Hasher computes chained content hashes for full blocks of tokens.
type Hasher interface {
	// BlockSize returns the number of tokens per block.
	BlockSize() int
	// RootHash returns the parent hash of the first block.
	RootHash() BlockHash
	// HashBlock hashes one full block given its parent hash.
	HashBlock(parent BlockHash, tokens []uint32, extra string) BlockHash
	// BlockHashes hashes every full block of tokens. A trailing partial block
	// has no hash.
	BlockHashes(tokens []uint32, extra string) []BlockHash
}

// ChainedHasher hashes blocks as the lower 64 bits of SHA-256 over the
// canonical CBOR encoding of [parent, tokens, extra]. The extra key separates
// otherwise identical token blocks, e.g. per LoRA adapter.
type ChainedHasher struct {
	blockSize int
	encMode   cbor.EncMode
	root      BlockHash
}

var _ Hasher = &ChainedHasher{}

// NewChainedHasher creates a ChainedHasher with the given config.
func NewChainedHasher(cfg *HasherConfig) (*ChainedHasher, error) {
	if cfg == nil {
		cfg = DefaultHasherConfig()
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", cfg.BlockSize)
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}

	seed, err := encMode.Marshal(cfg.HashSeed)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal hash seed: %w", err)
	}

	return &ChainedHasher{
		blockSize: cfg.BlockSize,
		encMode:   encMode,
		root:      sum64(seed),
	}, nil
}

// BlockSize returns the number of tokens per block.
func (h *ChainedHasher) BlockSize() int {
	return h.blockSize
}

// RootHash returns the parent hash of the first block.
func (h *ChainedHasher) RootHash() BlockHash {
	return h.root
}

// HashBlock hashes one full block given its parent hash.
func (h *ChainedHasher) HashBlock(parent BlockHash, tokens []uint32, extra string) BlockHash {
	payload := []any{uint64(parent), tokens, extra}

	b, err := h.encMode.Marshal(payload)
	if err != nil {
		klog.Background().Error(err, "failed to marshal block payload to CBOR")
		return 0
	}

	return sum64(b)
}

// BlockHashes hashes every full block of tokens.
func (h *ChainedHasher) BlockHashes(tokens []uint32, extra string) []BlockHash {
	numFull := len(tokens) / h.blockSize
	hashes := make([]BlockHash, numFull)

	parent := h.root
	for i := 0; i < numFull; i++ {
		parent = h.HashBlock(parent, tokens[i*h.blockSize:(i+1)*h.blockSize], extra)
		hashes[i] = parent
	}

	return hashes
}

func sum64(b []byte) BlockHash {
	sum := sha256.Sum256(b)
	return BlockHash(binary.BigEndian.Uint64(sum[24:]))
}
