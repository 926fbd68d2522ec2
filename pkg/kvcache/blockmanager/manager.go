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

// Package blockmanager maps sequences to physical KV-blocks. It owns one
// allocator per device tier and implements prefix sharing with
// copy-on-write on top of them.
package blockmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// Config holds the configuration of the BlockManager.
type Config struct {
	BlockSize    int `json:"blockSize"`
	NumGPUBlocks int `json:"numGPUBlocks"`
	NumCPUBlocks int `json:"numCPUBlocks"`

	EvictionPolicy      kvblock.EvictionPolicyKind `json:"evictionPolicy"`
	EnablePrefixCaching bool                       `json:"enablePrefixCaching"`
	// HashSeed must match across engines that exchange blocks.
	HashSeed string `json:"hashSeed"`

	// Watermark is the fraction of device blocks kept in reserve when
	// admitting sequences, so running sequences can grow without immediate
	// preemption. Zero disables it.
	Watermark float64 `json:"watermark"`
}

// DefaultConfig returns a default configuration for the BlockManager.
func DefaultConfig() *Config {
	return &Config{
		BlockSize:           16,
		NumGPUBlocks:        1024,
		NumCPUBlocks:        1024,
		EvictionPolicy:      kvblock.LRU,
		EnablePrefixCaching: true,
		Watermark:           0.01,
	}
}

// AllocStatus is the result of an admission capacity check.
type AllocStatus int

const (
	// AllocOK means the blocks can be allocated now.
	AllocOK AllocStatus = iota
	// AllocLater means the device is too full right now.
	AllocLater
	// AllocNever means the sequence exceeds the device capacity.
	AllocNever
)

// CacheOperator performs the physical block moves decided by the manager.
type CacheOperator interface {
	Copy(ctx context.Context, mappings []cacheengine.BlockMapping) *cacheengine.Transfer
	SwapIn(ctx context.Context, mappings []cacheengine.BlockMapping) *cacheengine.Transfer
	SwapOut(ctx context.Context, mappings []cacheengine.BlockMapping) *cacheengine.Transfer
}

// Option customizes a BlockManager.
type Option func(*options)

type options struct {
	gpuOpts []kvblock.AllocatorOption
	cpuOpts []kvblock.AllocatorOption
}

// WithGPUAllocatorOptions passes options to the device allocator.
func WithGPUAllocatorOptions(opts ...kvblock.AllocatorOption) Option {
	return func(o *options) {
		o.gpuOpts = append(o.gpuOpts, opts...)
	}
}

// WithCPUAllocatorOptions passes options to the swap allocator.
func WithCPUAllocatorOptions(opts ...kvblock.AllocatorOption) Option {
	return func(o *options) {
		o.cpuOpts = append(o.cpuOpts, opts...)
	}
}

type blockTable struct {
	tier kvblock.DeviceTier
	ids  []kvblock.BlockID
	// hashes of the leading full blocks.
	hashes []kvblock.BlockHash
	// slots is the number of tokens that own a slot.
	slots int
}

// BlockManager keeps the block table of every sequence that holds blocks.
// Block tables are mutated only through its methods.
type BlockManager struct {
	mu sync.Mutex

	gpu    *kvblock.Allocator
	cpu    *kvblock.Allocator
	hasher kvblock.Hasher
	ops    CacheOperator

	blockSize       int
	watermarkBlocks int
	tables          map[SequenceID]*blockTable
}

// NewBlockManager creates a BlockManager and its allocators.
func NewBlockManager(cfg *Config, ops CacheOperator, opts ...Option) (*BlockManager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if ops == nil {
		return nil, fmt.Errorf("a cache operator is required")
	}
	if cfg.Watermark < 0 || cfg.Watermark >= 1 {
		return nil, fmt.Errorf("watermark %v not in [0, 1)", cfg.Watermark)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	gpu, err := kvblock.NewAllocator(kvblock.TierGPU, &kvblock.AllocatorConfig{
		NumBlocks:           cfg.NumGPUBlocks,
		BlockSize:           cfg.BlockSize,
		EvictionPolicy:      cfg.EvictionPolicy,
		EnablePrefixCaching: cfg.EnablePrefixCaching,
	}, o.gpuOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create device allocator: %w", err)
	}

	// swapped blocks are owned by exactly one sequence; the slow tier does
	// not serve prefix hits.
	cpu, err := kvblock.NewAllocator(kvblock.TierCPU, &kvblock.AllocatorConfig{
		NumBlocks:      max(cfg.NumCPUBlocks, 1),
		BlockSize:      cfg.BlockSize,
		EvictionPolicy: cfg.EvictionPolicy,
	}, o.cpuOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create swap allocator: %w", err)
	}

	hasher, err := kvblock.NewChainedHasher(&kvblock.HasherConfig{
		BlockSize: cfg.BlockSize,
		HashSeed:  cfg.HashSeed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create block hasher: %w", err)
	}

	return &BlockManager{
		gpu:             gpu,
		cpu:             cpu,
		hasher:          hasher,
		ops:             ops,
		blockSize:       cfg.BlockSize,
		watermarkBlocks: int(cfg.Watermark * float64(cfg.NumGPUBlocks)),
		tables:          make(map[SequenceID]*blockTable),
	}, nil
}

// GPU returns the device allocator.
func (m *BlockManager) GPU() *kvblock.Allocator {
	return m.gpu
}

// CPU returns the swap allocator.
func (m *BlockManager) CPU() *kvblock.Allocator {
	return m.cpu
}

// BlockSize returns the token capacity of every block.
func (m *BlockManager) BlockSize() int {
	return m.blockSize
}

// Hasher returns the content hasher shared by all sequences.
func (m *BlockManager) Hasher() kvblock.Hasher {
	return m.hasher
}

// AllocationStatus checks, without mutating anything, whether a waiting
// sequence could be allocated on the device.
func (m *BlockManager) AllocationStatus(seq *Sequence) AllocStatus {
	return m.deviceStatus(seq.NumBlocks(m.blockSize))
}

func (m *BlockManager) deviceStatus(need int) AllocStatus {
	if m.gpu.NumBlocks()-need < m.watermarkBlocks {
		return AllocNever
	}
	if m.gpu.Stats().Available()-need >= m.watermarkBlocks {
		return AllocOK
	}
	return AllocLater
}

// CanAllocate reports whether seq can be allocated now.
func (m *BlockManager) CanAllocate(seq *Sequence) bool {
	return m.AllocationStatus(seq) == AllocOK
}

// Allocate builds the block table of a waiting sequence. Leading full blocks
// whose content is cached are shared; the rest are allocated fresh. On
// failure nothing stays allocated and the error wraps ErrAllocationFailure.
func (m *BlockManager) Allocate(ctx context.Context, seq *Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tables[seq.ID]; ok {
		return fmt.Errorf("%s already holds blocks", seq)
	}
	need := seq.NumBlocks(m.blockSize)
	if need == 0 {
		return fmt.Errorf("%s has no tokens", seq)
	}

	hashes := m.hasher.BlockHashes(seq.Tokens(), seq.ExtraKey)
	ids := make([]kvblock.BlockID, 0, need)
	for _, h := range hashes {
		id, ok := m.gpu.Reuse(ctx, h)
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	reused := len(ids)

	fresh, err := m.gpu.Allocate(ctx, need-reused)
	if err != nil {
		_ = m.releaseLocked(ctx, m.gpu, ids)
		return fmt.Errorf("%w: %s needs %d blocks: %w", ErrAllocationFailure, seq, need-reused, err)
	}
	ids = append(ids, fresh...)

	for i := reused; i < len(hashes); i++ {
		m.registerLocked(ctx, ids[i], seq, hashes, i)
	}

	m.tables[seq.ID] = &blockTable{tier: kvblock.TierGPU, ids: ids, hashes: hashes, slots: seq.Len()}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("blockmanager.BlockManager.Allocate").
		Info("allocated sequence", "seq", seq.ID, "blocks", len(ids), "reused", reused)
	return nil
}

// registerLocked publishes the content of full block i of seq.
func (m *BlockManager) registerLocked(ctx context.Context, id kvblock.BlockID, seq *Sequence,
	hashes []kvblock.BlockHash, i int,
) {
	stored := kvblock.StoredBlock{
		Hash:   hashes[i],
		Tokens: seq.Tokens()[i*m.blockSize : (i+1)*m.blockSize],
	}
	if i > 0 {
		parent := hashes[i-1]
		stored.ParentHash = &parent
	}
	if _, err := m.gpu.MarkCached(ctx, id, stored); err != nil {
		klog.FromContext(ctx).Error(err, "failed to register block content", "seq", seq.ID, "block", id)
	}
}

func (m *BlockManager) releaseLocked(ctx context.Context, alloc *kvblock.Allocator, ids []kvblock.BlockID) error {
	var errs []error
	for _, id := range ids {
		if err := alloc.Free(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *BlockManager) allocator(tier kvblock.DeviceTier) *kvblock.Allocator {
	if tier == kvblock.TierCPU {
		return m.cpu
	}
	return m.gpu
}

func (m *BlockManager) deviceTableLocked(seq *Sequence) (*blockTable, error) {
	table, ok := m.tables[seq.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSequence, seq)
	}
	if table.tier != kvblock.TierGPU {
		return nil, fmt.Errorf("%s is swapped out", seq)
	}
	return table, nil
}

// slotNeedsBlockLocked reports whether placing the last token of seq
// requires a fresh device block, either to extend the table or to break
// sharing of the partially filled last block. A token that already owns a
// slot needs nothing.
func (m *BlockManager) slotNeedsBlockLocked(seq *Sequence, table *blockTable) bool {
	if seq.Len() <= table.slots {
		return false
	}
	if seq.NumBlocks(m.blockSize) > len(table.ids) {
		return true
	}
	return m.gpu.RefCount(table.ids[len(table.ids)-1]) > 1
}

// CanAppendSlot reports whether AppendSlot would succeed without
// preempting anything.
func (m *BlockManager) CanAppendSlot(seq *Sequence) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.deviceTableLocked(seq)
	if err != nil {
		return false
	}
	return !m.slotNeedsBlockLocked(seq, table) || m.gpu.CanAllocate(1)
}

// AppendSlot makes room for the last token appended to seq. If the last
// block is shared, it is copied into a private block first; the returned
// transfer must complete before compute writes the slot. A nil transfer
// means no copy was needed.
func (m *BlockManager) AppendSlot(ctx context.Context, seq *Sequence) (*cacheengine.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.deviceTableLocked(seq)
	if err != nil {
		return nil, err
	}

	if seq.Len() <= table.slots {
		m.gpu.Touch(table.ids...)
		return nil, nil
	}
	need := seq.NumBlocks(m.blockSize)
	if seq.Len() > table.slots+1 || need > len(table.ids)+1 {
		return nil, fmt.Errorf("%s has %d tokens for %d slots", seq, seq.Len(), table.slots)
	}

	var transfer *cacheengine.Transfer
	switch {
	case need > len(table.ids):
		ids, err := m.gpu.Allocate(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrAllocationFailure, seq, err)
		}
		table.ids = append(table.ids, ids[0])
	case m.slotNeedsBlockLocked(seq, table):
		last := len(table.ids) - 1
		shared := table.ids[last]
		ids, err := m.gpu.Allocate(ctx, 1)
		if err != nil {
			return nil, fmt.Errorf("%w: copy-on-write for %s: %w", ErrAllocationFailure, seq, err)
		}
		transfer = m.ops.Copy(ctx, []cacheengine.BlockMapping{{Src: shared, Dst: ids[0]}})
		table.ids[last] = ids[0]
		if err := m.gpu.Free(ctx, shared); err != nil {
			return transfer, fmt.Errorf("failed to release shared block: %w", err)
		}
		klog.FromContext(ctx).V(logging.TRACE).WithName("blockmanager.BlockManager.AppendSlot").
			Info("copy-on-write", "seq", seq.ID, "src", shared, "dst", ids[0])
	}
	m.gpu.Touch(table.ids...)
	table.slots = seq.Len()

	if seq.Len()%m.blockSize == 0 && len(table.hashes) == need-1 {
		i := need - 1
		parent := m.hasher.RootHash()
		if i > 0 {
			parent = table.hashes[i-1]
		}
		block := seq.Tokens()[i*m.blockSize:]
		table.hashes = append(table.hashes, m.hasher.HashBlock(parent, block, seq.ExtraKey))
		m.registerLocked(ctx, table.ids[i], seq, table.hashes, i)
	}

	return transfer, nil
}

// Fork shares every block of parent with child.
func (m *BlockManager) Fork(parent, child *Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.tables[parent.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, parent)
	}
	if _, ok := m.tables[child.ID]; ok {
		return fmt.Errorf("%s already holds blocks", child)
	}

	alloc := m.allocator(src.tier)
	ids := make([]kvblock.BlockID, len(src.ids))
	for i, id := range src.ids {
		if _, err := alloc.Fork(id); err != nil {
			for _, forked := range ids[:i] {
				_ = alloc.Free(context.Background(), forked)
			}
			return fmt.Errorf("failed to fork %s: %w", parent, err)
		}
		ids[i] = id
	}

	m.tables[child.ID] = &blockTable{
		tier:   src.tier,
		ids:    ids,
		hashes: append([]kvblock.BlockHash(nil), src.hashes...),
		slots:  src.slots,
	}
	return nil
}

// Free releases every block held by seq. Sequences without blocks are a
// no-op.
func (m *BlockManager) Free(ctx context.Context, seq *Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq.ID]
	if !ok {
		return nil
	}
	delete(m.tables, seq.ID)

	if err := m.releaseLocked(ctx, m.allocator(table.tier), table.ids); err != nil {
		return fmt.Errorf("failed to free %s: %w", seq, err)
	}

	klog.FromContext(ctx).V(logging.DEBUG).WithName("blockmanager.BlockManager.Free").
		Info("freed sequence", "seq", seq.ID, "tier", table.tier, "blocks", len(table.ids))
	return nil
}

// CanSwapOut reports whether the slow tier has room for seq's blocks.
func (m *BlockManager) CanSwapOut(seq *Sequence) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.deviceTableLocked(seq)
	if err != nil {
		return false
	}
	return m.cpu.CanAllocate(len(table.ids))
}

// SwapOut moves seq's blocks to the slow tier and releases its device
// blocks once the copy completed. On failure the sequence keeps its device
// blocks.
func (m *BlockManager) SwapOut(ctx context.Context, seq *Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, err := m.deviceTableLocked(seq)
	if err != nil {
		return err
	}
	return m.moveLocked(ctx, seq, table, m.gpu, m.cpu, m.ops.SwapOut)
}

// SwapInStatus checks whether a swapped sequence could return to the
// device, including room for its next slot.
func (m *BlockManager) SwapInStatus(seq *Sequence) AllocStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq.ID]
	if !ok || table.tier != kvblock.TierCPU {
		return AllocNever
	}
	return m.deviceStatus(len(table.ids) + 1)
}

// SwapIn moves a swapped sequence's blocks back to the device and registers
// their content again.
func (m *BlockManager) SwapIn(ctx context.Context, seq *Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSequence, seq)
	}
	if table.tier != kvblock.TierCPU {
		return fmt.Errorf("%s is not swapped out", seq)
	}
	if err := m.moveLocked(ctx, seq, table, m.cpu, m.gpu, m.ops.SwapIn); err != nil {
		return err
	}

	for i := range table.hashes {
		m.registerLocked(ctx, table.ids[i], seq, table.hashes, i)
	}
	return nil
}

type swapFunc func(context.Context, []cacheengine.BlockMapping) *cacheengine.Transfer

func (m *BlockManager) moveLocked(ctx context.Context, seq *Sequence, table *blockTable,
	from, to *kvblock.Allocator, swap swapFunc,
) error {
	logger := klog.FromContext(ctx).V(logging.DEBUG).WithName("blockmanager.BlockManager.swap")

	dst, err := to.Allocate(ctx, len(table.ids))
	if err != nil {
		return fmt.Errorf("%w: %s to %s: %w", ErrAllocationFailure, seq, to.Tier(), err)
	}

	mappings := make([]cacheengine.BlockMapping, len(dst))
	for i := range dst {
		mappings[i] = cacheengine.BlockMapping{Src: table.ids[i], Dst: dst[i]}
	}

	if err := swap(ctx, mappings).Wait(); err != nil {
		_ = m.releaseLocked(ctx, to, dst)
		return err
	}

	src := table.ids
	table.ids = dst
	table.tier = to.Tier()
	if err := m.releaseLocked(ctx, from, src); err != nil {
		return fmt.Errorf("failed to release %s blocks of %s: %w", from.Tier(), seq, err)
	}

	logger.Info("moved sequence", "seq", seq.ID, "from", from.Tier(), "to", to.Tier(), "blocks", len(dst))
	return nil
}

// ResetPrefixCache drops all cached device blocks not held by a sequence.
func (m *BlockManager) ResetPrefixCache(ctx context.Context) {
	m.gpu.ResetPrefixCache(ctx)
}

// BlockTable returns a copy of seq's block table, or nil.
func (m *BlockManager) BlockTable(seq *Sequence) []kvblock.BlockID {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq.ID]
	if !ok {
		return nil
	}
	return append([]kvblock.BlockID(nil), table.ids...)
}

// Tier returns the tier holding seq's blocks.
func (m *BlockManager) Tier(seq *Sequence) (kvblock.DeviceTier, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	table, ok := m.tables[seq.ID]
	if !ok {
		return "", false
	}
	return table.tier, true
}

// BlockHashes returns the content hashes of seq's full blocks.
func (m *BlockManager) BlockHashes(seq *Sequence) []kvblock.BlockHash {
	m.mu.Lock()
	defer m.mu.Unlock()

	if table, ok := m.tables[seq.ID]; ok {
		return append([]kvblock.BlockHash(nil), table.hashes...)
	}
	return m.hasher.BlockHashes(seq.Tokens(), seq.ExtraKey)
}

// CheckInvariants verifies that every block's ref count equals the number
// of block tables holding it, and the allocators' own bookkeeping.
func (m *BlockManager) CheckInvariants() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	refs := map[kvblock.DeviceTier]map[kvblock.BlockID]int{
		kvblock.TierGPU: {},
		kvblock.TierCPU: {},
	}
	for _, table := range m.tables {
		for _, id := range table.ids {
			refs[table.tier][id]++
		}
	}

	var errs []error
	for tier, counts := range refs {
		alloc := m.allocator(tier)
		for i := 0; i < alloc.NumBlocks(); i++ {
			id := kvblock.BlockID(i)
			if got, want := alloc.RefCount(id), counts[id]; got != want {
				errs = append(errs, fmt.Errorf("%s block %d has ref count %d, held by %d tables", tier, id, got, want))
			}
		}
		if err := alloc.CheckInvariants(); err != nil {
			errs = append(errs, fmt.Errorf("%s allocator: %w", tier, err))
		}
	}
	return errors.Join(errs...)
}
