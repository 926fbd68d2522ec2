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
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// AllocatorConfig holds the configuration of a block allocator.
type AllocatorConfig struct {
	// NumBlocks is the number of physical blocks in the pool.
	NumBlocks int `json:"numBlocks"`
	// BlockSize is the token capacity of every block.
	BlockSize int `json:"blockSize"`
	// EvictionPolicy selects the eviction order of cached blocks.
	EvictionPolicy EvictionPolicyKind `json:"evictionPolicy"`
	// EnablePrefixCaching keeps released full blocks as evictable cache
	// entries. When disabled, released blocks return to the free pool.
	EnablePrefixCaching bool `json:"enablePrefixCaching"`
}

// DefaultAllocatorConfig returns a default configuration for the allocator.
func DefaultAllocatorConfig() *AllocatorConfig {
	return &AllocatorConfig{
		NumBlocks:           1024,
		BlockSize:           defaultBlockSize,
		EvictionPolicy:      LRU,
		EnablePrefixCaching: true,
	}
}

// AllocatorOption customizes an Allocator.
type AllocatorOption func(*Allocator)

// WithClock sets the clock used to stamp block accesses.
func WithClock(c clock.PassiveClock) AllocatorOption {
	return func(a *Allocator) {
		a.clock = c
	}
}

// WithEngineLabel sets the engine label of the pool gauges, so allocators of
// several engines sharing a registry report separate series.
func WithEngineLabel(engine string) AllocatorOption {
	return func(a *Allocator) {
		a.engine = engine
	}
}

// WithEventSink sets the sink that receives block lifecycle events.
func WithEventSink(sink EventSink) AllocatorOption {
	return func(a *Allocator) {
		if sink != nil {
			a.sink = sink
		}
	}
}

// Allocator manages a fixed pool of blocks of one device tier.
//
// Every block is in exactly one partition: free, allocated (ref count > 0)
// or evictable (ref count == 0, content registered by hash). Free blocks may
// still carry a stale content hash after eviction; the hash is dropped as
// soon as the block is handed out fresh and overwritten.
//
// All operations are serialized by a single mutex.
type Allocator struct {
	mu sync.Mutex

	tier          DeviceTier
	engine        string
	blockSize     int
	prefixCaching bool

	blocks    []blockEntry
	freeClean *roaring.Bitmap // free, no retained content
	freeStale *roaring.Bitmap // free, content still intact and hashed
	allocated int
	evictable *evictableQueue

	// cached maps content hashes to the block holding that content. Blocks
	// in any partition may be referenced, see freeStale.
	cached map[BlockHash]BlockID

	clock clock.PassiveClock
	sink  EventSink
}

// NewAllocator creates an allocator for the given tier.
func NewAllocator(tier DeviceTier, cfg *AllocatorConfig, opts ...AllocatorOption) (*Allocator, error) {
	if cfg == nil {
		cfg = DefaultAllocatorConfig()
	}
	if cfg.NumBlocks <= 0 || uint64(cfg.NumBlocks) > math.MaxUint32 {
		return nil, fmt.Errorf("invalid number of blocks %d", cfg.NumBlocks)
	}
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d", cfg.BlockSize)
	}

	policy, err := NewEvictionPolicy(cfg.EvictionPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator for tier %s: %w", tier, err)
	}

	a := &Allocator{
		tier:          tier,
		blockSize:     cfg.BlockSize,
		prefixCaching: cfg.EnablePrefixCaching,
		blocks:        make([]blockEntry, cfg.NumBlocks),
		freeClean:     roaring.New(),
		freeStale:     roaring.New(),
		evictable:     newEvictableQueue(policy),
		cached:        make(map[BlockHash]BlockID),
		clock:         clock.RealClock{},
		sink:          nopSink{},
	}
	//nolint:gosec // bounded by the check above
	a.freeClean.AddRange(0, uint64(cfg.NumBlocks))

	for _, opt := range opts {
		opt(a)
	}

	a.updateGauges()
	return a, nil
}

// Tier returns the device tier of the pool.
func (a *Allocator) Tier() DeviceTier {
	return a.tier
}

// BlockSize returns the token capacity of every block.
func (a *Allocator) BlockSize() int {
	return a.blockSize
}

// NumBlocks returns the total number of blocks in the pool.
func (a *Allocator) NumBlocks() int {
	return len(a.blocks)
}

// PrefixCaching reports whether released full blocks are kept as cache.
func (a *Allocator) PrefixCaching() bool {
	return a.prefixCaching
}

// Stats returns the current partition sizes.
func (a *Allocator) Stats() PoolStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.statsLocked()
}

func (a *Allocator) statsLocked() PoolStats {
	return PoolStats{
		Total:     len(a.blocks),
		Free:      a.numFreeLocked(),
		Allocated: a.allocated,
		Evictable: a.evictable.Len(),
	}
}

func (a *Allocator) numFreeLocked() int {
	return int(a.freeClean.GetCardinality() + a.freeStale.GetCardinality()) //nolint:gosec // bounded by NumBlocks
}

// CanAllocate reports whether n fresh blocks could be allocated, counting
// evictable blocks as reclaimable. It does not mutate the pool.
func (a *Allocator) CanAllocate(n int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.statsLocked().Available() >= n
}

// Allocate hands out n fresh blocks with a ref count of 1, evicting cached
// blocks if the free pool is short. It fails with ErrOutOfMemory without
// touching the pool if fewer than n blocks can be reclaimed.
func (a *Allocator) Allocate(ctx context.Context, n int) ([]BlockID, error) {
	if n <= 0 {
		return nil, nil
	}

	a.mu.Lock()
	evicted, err := a.evictIfNeededLocked(n)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}

	now := a.clock.Now()
	ids := make([]BlockID, 0, n)
	for len(ids) < n {
		id := a.takeFreeLocked()
		entry := &a.blocks[id]
		entry.refCount = 1
		entry.lastAccess = now
		entry.state = stateAllocated
		a.allocated++
		ids = append(ids, id)
	}
	a.updateGauges()
	a.mu.Unlock()

	metrics.BlockAllocations.WithLabelValues(string(a.tier)).Add(float64(n))
	a.publishRemoved(ctx, evicted)

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.Allocator.Allocate").
		Info("allocated blocks", "tier", a.tier, "blocks", ids, "evicted", len(evicted))

	return ids, nil
}

// takeFreeLocked removes a block from the free pool, preferring blocks with
// no retained content. A stale block loses its content hash.
func (a *Allocator) takeFreeLocked() BlockID {
	if !a.freeClean.IsEmpty() {
		raw := a.freeClean.Minimum()
		a.freeClean.Remove(raw)
		return BlockID(raw)
	}

	raw := a.freeStale.Minimum()
	a.freeStale.Remove(raw)
	id := BlockID(raw)
	a.dropHashLocked(id)
	return id
}

func (a *Allocator) dropHashLocked(id BlockID) {
	entry := &a.blocks[id]
	if !entry.hashed {
		return
	}
	if owner, ok := a.cached[entry.stored.Hash]; ok && owner == id {
		delete(a.cached, entry.stored.Hash)
	}
	entry.hashed = false
	entry.stored = StoredBlock{}
}

// EvictIfNeeded makes sure at least n blocks are free, evicting cached blocks
// in policy order. It returns the evicted block ids in eviction order.
func (a *Allocator) EvictIfNeeded(ctx context.Context, n int) ([]BlockID, error) {
	a.mu.Lock()
	evicted, err := a.evictIfNeededLocked(n)
	a.updateGauges()
	a.mu.Unlock()

	if err != nil {
		return nil, err
	}
	a.publishRemoved(ctx, evicted)

	ids := make([]BlockID, len(evicted))
	for i, e := range evicted {
		ids[i] = e.id
	}
	return ids, nil
}

type evictedBlock struct {
	id   BlockID
	hash BlockHash
}

func (a *Allocator) evictIfNeededLocked(n int) ([]evictedBlock, error) {
	free := a.numFreeLocked()
	if free >= n {
		return nil, nil
	}

	need := n - free
	if a.evictable.Len() < need {
		return nil, fmt.Errorf("%w: tier %s needs %d blocks, %d free, %d evictable",
			ErrOutOfMemory, a.tier, n, free, a.evictable.Len())
	}

	evicted := make([]evictedBlock, 0, need)
	for i := 0; i < need; i++ {
		id, _ := a.evictable.popVictim()
		entry := &a.blocks[id]
		entry.state = stateFree
		a.freeStale.Add(uint32(id)) //nolint:gosec // ids are bounded by NumBlocks
		evicted = append(evicted, evictedBlock{id: id, hash: entry.stored.Hash})
	}

	metrics.BlockEvictions.WithLabelValues(string(a.tier)).Add(float64(len(evicted)))
	return evicted, nil
}

// Free releases one reference to a block. When the last reference goes
// away, a block with registered content becomes evictable; any other block
// returns to the free pool.
func (a *Allocator) Free(ctx context.Context, id BlockID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, err := a.allocatedEntryLocked(id)
	if err != nil {
		return fmt.Errorf("failed to free block %d: %w", id, err)
	}

	entry.refCount--
	entry.lastAccess = a.clock.Now()
	if entry.refCount > 0 {
		return nil
	}

	a.allocated--
	if a.prefixCaching && entry.hashed {
		entry.state = stateEvictable
		a.evictable.add(id, entry.lastAccess)
	} else {
		a.dropHashLocked(id)
		entry.state = stateFree
		a.freeClean.Add(uint32(id)) //nolint:gosec // ids are bounded by NumBlocks
	}
	a.updateGauges()

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.Allocator.Free").
		Info("released block", "tier", a.tier, "block", id, "state", entry.state)
	return nil
}

// Fork adds a reference to an allocated block for copy-on-write sharing and
// returns the same id.
func (a *Allocator) Fork(id BlockID) (BlockID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, err := a.allocatedEntryLocked(id)
	if err != nil {
		return 0, fmt.Errorf("failed to fork block %d: %w", id, err)
	}
	entry.refCount++
	return id, nil
}

func (a *Allocator) allocatedEntryLocked(id BlockID) (*blockEntry, error) {
	if id < 0 || int(id) >= len(a.blocks) {
		return nil, ErrUnknownBlock
	}
	entry := &a.blocks[id]
	if entry.state != stateAllocated || entry.refCount <= 0 {
		return nil, fmt.Errorf("%w: block is %s", ErrInvalidRefCount, entry.state)
	}
	return entry, nil
}

// Lookup returns the block currently holding the content with the given
// hash, in any partition.
func (a *Allocator) Lookup(hash BlockHash) (BlockID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.prefixCaching {
		return 0, false
	}
	id, ok := a.cached[hash]
	return id, ok
}

// Reuse takes a reference to the block holding the given content. An
// evictable or stale free block is revived with a ref count of 1.
func (a *Allocator) Reuse(ctx context.Context, hash BlockHash) (BlockID, bool) {
	a.mu.Lock()

	if !a.prefixCaching {
		a.mu.Unlock()
		return 0, false
	}
	id, ok := a.cached[hash]
	if !ok {
		a.mu.Unlock()
		return 0, false
	}

	entry := &a.blocks[id]
	var revived *StoredBlock
	switch entry.state {
	case stateAllocated:
		entry.refCount++
	case stateEvictable:
		a.evictable.remove(id)
		entry.refCount = 1
		entry.state = stateAllocated
		a.allocated++
	case stateFree:
		a.freeStale.Remove(uint32(id)) //nolint:gosec // ids are bounded by NumBlocks
		entry.refCount = 1
		entry.state = stateAllocated
		a.allocated++
		stored := entry.stored
		revived = &stored
	}
	entry.lastAccess = a.clock.Now()
	a.updateGauges()
	a.mu.Unlock()

	metrics.PrefixCacheHits.WithLabelValues(string(a.tier)).Inc()
	if revived != nil {
		a.sink.Publish(ctx, Event{Kind: BlocksStored, Tier: a.tier, BlockSize: a.blockSize,
			Stored: []StoredBlock{*revived}})
	}

	klog.FromContext(ctx).V(logging.TRACE).WithName("kvblock.Allocator.Reuse").
		Info("reused cached block", "tier", a.tier, "block", id, "hash", hash)
	return id, true
}

// MarkCached registers the content of a full allocated block so that later
// allocations can reuse it. It returns false when caching is disabled or
// another block already holds the same content.
func (a *Allocator) MarkCached(ctx context.Context, id BlockID, stored StoredBlock) (bool, error) {
	a.mu.Lock()

	entry, err := a.allocatedEntryLocked(id)
	if err != nil {
		a.mu.Unlock()
		return false, fmt.Errorf("failed to cache block %d: %w", id, err)
	}
	if !a.prefixCaching {
		a.mu.Unlock()
		return false, nil
	}
	if entry.hashed && entry.stored.Hash == stored.Hash {
		a.mu.Unlock()
		return true, nil
	}
	if owner, ok := a.cached[stored.Hash]; ok && owner != id {
		a.mu.Unlock()
		return false, nil
	}

	a.dropHashLocked(id)
	entry.hashed = true
	entry.stored = StoredBlock{
		Hash:       stored.Hash,
		ParentHash: stored.ParentHash,
		Tokens:     append([]uint32(nil), stored.Tokens...),
	}
	a.cached[stored.Hash] = id
	a.mu.Unlock()

	a.sink.Publish(ctx, Event{Kind: BlocksStored, Tier: a.tier, BlockSize: a.blockSize,
		Stored: []StoredBlock{stored}})
	return true, nil
}

// Touch refreshes the access time of allocated blocks.
func (a *Allocator) Touch(ids ...BlockID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	for _, id := range ids {
		if id >= 0 && int(id) < len(a.blocks) && a.blocks[id].state == stateAllocated {
			a.blocks[id].lastAccess = now
		}
	}
}

// RefCount returns the reference count of a block, or 0 for unknown ids.
func (a *Allocator) RefCount(id BlockID) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < 0 || int(id) >= len(a.blocks) {
		return 0
	}
	return a.blocks[id].refCount
}

// Block returns a snapshot of a block.
func (a *Allocator) Block(id BlockID) (Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id < 0 || int(id) >= len(a.blocks) {
		return Block{}, ErrUnknownBlock
	}

	entry := a.blocks[id]
	b := Block{
		ID:         id,
		Tier:       a.tier,
		Capacity:   a.blockSize,
		RefCount:   entry.refCount,
		LastAccess: entry.lastAccess,
		State:      entry.state.String(),
	}
	if entry.hashed {
		h := entry.stored.Hash
		b.ContentHash = &h
	}
	return b, nil
}

// ResetPrefixCache drops every evictable block and every stale hint. Blocks
// in use keep their content registration.
func (a *Allocator) ResetPrefixCache(ctx context.Context) {
	a.mu.Lock()
	for {
		id, ok := a.evictable.popVictim()
		if !ok {
			break
		}
		a.dropHashLocked(id)
		a.blocks[id].state = stateFree
		a.freeClean.Add(uint32(id)) //nolint:gosec // ids are bounded by NumBlocks
	}
	it := a.freeStale.Iterator()
	for it.HasNext() {
		a.dropHashLocked(BlockID(it.Next()))
	}
	a.freeClean.Or(a.freeStale)
	a.freeStale.Clear()
	a.updateGauges()
	a.mu.Unlock()

	a.sink.Publish(ctx, Event{Kind: AllBlocksCleared, Tier: a.tier, BlockSize: a.blockSize})
}

// CheckInvariants validates the partition bookkeeping of the pool.
func (a *Allocator) CheckInvariants() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error
	stats := a.statsLocked()
	if stats.Free+stats.Allocated+stats.Evictable != stats.Total {
		errs = append(errs, fmt.Errorf("partitions do not add up: %+v", stats))
	}
	if a.freeClean.Intersects(a.freeStale) {
		errs = append(errs, errors.New("block is both clean and stale"))
	}

	allocated := 0
	for i := range a.blocks {
		id := BlockID(i)
		entry := &a.blocks[i]
		switch entry.state {
		case stateAllocated:
			allocated++
			if entry.refCount <= 0 {
				errs = append(errs, fmt.Errorf("allocated block %d has ref count %d", id, entry.refCount))
			}
		case stateEvictable:
			if entry.refCount != 0 || !entry.hashed {
				errs = append(errs, fmt.Errorf("evictable block %d has ref count %d, hashed=%t",
					id, entry.refCount, entry.hashed))
			}
			if _, ok := a.evictable.byID[id]; !ok {
				errs = append(errs, fmt.Errorf("evictable block %d missing from queue", id))
			}
		case stateFree:
			if entry.refCount != 0 {
				errs = append(errs, fmt.Errorf("free block %d has ref count %d", id, entry.refCount))
			}
			inClean := a.freeClean.Contains(uint32(i)) //nolint:gosec // bounded by NumBlocks
			inStale := a.freeStale.Contains(uint32(i)) //nolint:gosec // bounded by NumBlocks
			if inClean == inStale {
				errs = append(errs, fmt.Errorf("free block %d in clean=%t stale=%t", id, inClean, inStale))
			}
		}
		if entry.hashed {
			if owner, ok := a.cached[entry.stored.Hash]; !ok || owner != id {
				errs = append(errs, fmt.Errorf("block %d hash %s not indexed", id, entry.stored.Hash))
			}
		}
	}
	if allocated != a.allocated {
		errs = append(errs, fmt.Errorf("allocated count %d, expected %d", a.allocated, allocated))
	}

	return errors.Join(errs...)
}

func (a *Allocator) updateGauges() {
	tier := string(a.tier)
	metrics.PoolBlocks.WithLabelValues(a.engine, tier, "free").Set(float64(a.numFreeLocked()))
	metrics.PoolBlocks.WithLabelValues(a.engine, tier, "allocated").Set(float64(a.allocated))
	metrics.PoolBlocks.WithLabelValues(a.engine, tier, "evictable").Set(float64(a.evictable.Len()))
}

func (a *Allocator) publishRemoved(ctx context.Context, evicted []evictedBlock) {
	if len(evicted) == 0 {
		return
	}

	hashes := make([]BlockHash, len(evicted))
	for i, e := range evicted {
		hashes[i] = e.hash
	}
	a.sink.Publish(ctx, Event{Kind: BlocksRemoved, Tier: a.tier, BlockSize: a.blockSize, Removed: hashes})
}
