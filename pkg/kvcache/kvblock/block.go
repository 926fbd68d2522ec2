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
	"fmt"
	"time"
)

// BlockID identifies a physical block inside the pool of one allocator.
// IDs are dense, in [0, NumBlocks).
type BlockID int

// DeviceTier names the device class a block pool lives on.
type DeviceTier string

const (
	// TierGPU is the fast device tier that compute reads from.
	TierGPU DeviceTier = "gpu"
	// TierCPU is the slow tier that preempted sequences are swapped to.
	TierCPU DeviceTier = "cpu"
)

// BlockHash is the content hash of a full block. It is chained: the hash of
// block i covers the hash of block i-1, so equal hashes imply equal prefixes.
type BlockHash uint64

// String returns a string representation of the BlockHash.
func (h BlockHash) String() string {
	return fmt.Sprintf("%016x", uint64(h))
}

// blockState is the allocator partition a block belongs to.
type blockState int

const (
	stateFree blockState = iota
	stateAllocated
	stateEvictable
)

func (s blockState) String() string {
	switch s {
	case stateFree:
		return "free"
	case stateAllocated:
		return "allocated"
	case stateEvictable:
		return "evictable"
	default:
		return "unknown"
	}
}

// StoredBlock describes the content of a full block when it is registered in
// the prefix cache.
type StoredBlock struct {
	Hash       BlockHash
	ParentHash *BlockHash
	Tokens     []uint32
}

// Block is a point-in-time snapshot of a block's bookkeeping.
type Block struct {
	ID         BlockID
	Tier       DeviceTier
	Capacity   int
	RefCount   int
	LastAccess time.Time
	// ContentHash is set while the block holds registered content, including
	// evicted blocks whose memory was not overwritten yet.
	ContentHash *BlockHash
	// State is one of "free", "allocated" or "evictable".
	State string
}

// blockEntry is the arena slot for a block. It is only touched under the
// allocator lock.
type blockEntry struct {
	refCount   int
	lastAccess time.Time
	state      blockState

	hashed bool
	stored StoredBlock
}

// PoolStats reports partition sizes of an allocator pool.
// Free + Allocated + Evictable always equals Total.
type PoolStats struct {
	Total     int
	Free      int
	Allocated int
	Evictable int
}

// Available returns the number of blocks that can be handed out, evicting
// cached blocks if needed.
func (s PoolStats) Available() int {
	return s.Free + s.Evictable
}
