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

package blockmanager_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockmanager"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

const testBlockBytes = 64

type testEnv struct {
	manager *blockmanager.BlockManager
	engine  *cacheengine.Engine
}

func newTestEnv(t *testing.T, cfg *blockmanager.Config) *testEnv {
	t.Helper()
	engine, err := cacheengine.NewEngine(&cacheengine.Config{
		BlockBytes:   "64",
		NumGPUBlocks: cfg.NumGPUBlocks,
		NumCPUBlocks: cfg.NumCPUBlocks,
		Device:       "gpu:0",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	manager, err := blockmanager.NewBlockManager(cfg, engine)
	require.NoError(t, err)
	return &testEnv{manager: manager, engine: engine}
}

func tokens(n int, offset uint32) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = offset + uint32(i) //nolint:gosec // test data
	}
	return out
}

func newSeq(id blockmanager.SequenceID, prompt []uint32) *blockmanager.Sequence {
	return blockmanager.NewSequence(id, prompt, time.Unix(int64(id), 0))
}

func TestAllocationScenario(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:    16,
		NumGPUBlocks: 4,
		NumCPUBlocks: 4,
	})
	gpu := env.manager.GPU()

	s1 := newSeq(1, tokens(48, 0))
	s2 := newSeq(2, tokens(48, 1000))

	assert.True(t, env.manager.CanAllocate(s1))
	require.NoError(t, env.manager.Allocate(ctx, s1))
	assert.Equal(t, 1, gpu.Stats().Available())

	assert.False(t, env.manager.CanAllocate(s2))
	err := env.manager.Allocate(ctx, s2)
	assert.ErrorIs(t, err, blockmanager.ErrAllocationFailure)
	assert.ErrorIs(t, err, kvblock.ErrOutOfMemory)
	assert.Equal(t, kvblock.PoolStats{Total: 4, Free: 1, Allocated: 3, Evictable: 0}, gpu.Stats())
	assert.Nil(t, env.manager.BlockTable(s2))

	s1Blocks := env.manager.BlockTable(s1)
	require.NoError(t, env.manager.Free(ctx, s1))
	for _, id := range s1Blocks {
		assert.Equal(t, 0, gpu.RefCount(id))
	}
	assert.Equal(t, kvblock.PoolStats{Total: 4, Free: 4}, gpu.Stats())

	require.NoError(t, env.manager.Allocate(ctx, s2))
	assert.Len(t, env.manager.BlockTable(s2), 3)
	require.NoError(t, env.manager.CheckInvariants())
}

func TestCopyOnWriteNeverAliases(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:           16,
		NumGPUBlocks:        8,
		NumCPUBlocks:        8,
		EnablePrefixCaching: true,
	})
	gpu := env.manager.GPU()

	parent := newSeq(1, tokens(20, 0))
	require.NoError(t, env.manager.Allocate(ctx, parent))

	parentBlocks := env.manager.BlockTable(parent)
	require.Len(t, parentBlocks, 2)
	lastContent := bytes.Repeat([]byte{0x5A}, testBlockBytes)
	require.NoError(t, env.engine.Write(parentBlocks[1], lastContent))

	child := parent.Fork(2)
	require.NoError(t, env.manager.Fork(parent, child))
	assert.Equal(t, parentBlocks, env.manager.BlockTable(child))
	assert.Equal(t, 2, gpu.RefCount(parentBlocks[0]))
	assert.Equal(t, 2, gpu.RefCount(parentBlocks[1]))
	require.NoError(t, env.manager.CheckInvariants())

	child.AppendToken(7)
	transfer, err := env.manager.AppendSlot(ctx, child)
	require.NoError(t, err)
	require.NotNil(t, transfer)
	require.NoError(t, transfer.Wait())

	childBlocks := env.manager.BlockTable(child)
	assert.Equal(t, parentBlocks[0], childBlocks[0])
	assert.NotEqual(t, parentBlocks[1], childBlocks[1])
	assert.Equal(t, 1, gpu.RefCount(parentBlocks[1]))
	assert.Equal(t, 1, gpu.RefCount(childBlocks[1]))

	copied := make([]byte, testBlockBytes)
	require.NoError(t, env.engine.Read(childBlocks[1], copied))
	assert.Equal(t, lastContent, copied)

	// the parent now owns its last block alone and writes in place.
	parent.AppendToken(9)
	transfer, err = env.manager.AppendSlot(ctx, parent)
	require.NoError(t, err)
	assert.Nil(t, transfer)
	assert.Equal(t, parentBlocks, env.manager.BlockTable(parent))

	// later appends keep the positions apart.
	for i := 0; i < 12; i++ {
		child.AppendToken(uint32(100 + i)) //nolint:gosec // test data
		_, err := env.manager.AppendSlot(ctx, child)
		require.NoError(t, err)
		parent.AppendToken(uint32(200 + i)) //nolint:gosec // test data
		_, err = env.manager.AppendSlot(ctx, parent)
		require.NoError(t, err)
	}
	childBlocks = env.manager.BlockTable(child)
	parentBlocks = env.manager.BlockTable(parent)
	require.Len(t, childBlocks, len(parentBlocks))
	for i := 1; i < len(childBlocks); i++ {
		assert.NotEqual(t, parentBlocks[i], childBlocks[i], "position %d", i)
	}
	require.NoError(t, env.manager.CheckInvariants())

	require.NoError(t, env.manager.Free(ctx, parent))
	require.NoError(t, env.manager.Free(ctx, child))
	require.NoError(t, env.manager.CheckInvariants())
}

func TestPrefixSharingAcrossSequences(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:           16,
		NumGPUBlocks:        8,
		NumCPUBlocks:        8,
		EnablePrefixCaching: true,
	})
	gpu := env.manager.GPU()

	prompt := tokens(32, 0)
	s1 := newSeq(1, prompt)
	require.NoError(t, env.manager.Allocate(ctx, s1))

	s2 := newSeq(2, append(append([]uint32(nil), prompt...), 1, 2, 3))
	require.NoError(t, env.manager.Allocate(ctx, s2))

	t1 := env.manager.BlockTable(s1)
	t2 := env.manager.BlockTable(s2)
	require.Len(t, t2, 3)
	assert.Equal(t, t1, t2[:2])
	assert.Equal(t, 2, gpu.RefCount(t1[0]))
	assert.Equal(t, 2, gpu.RefCount(t1[1]))
	assert.Equal(t, 1, gpu.RefCount(t2[2]))
	require.NoError(t, env.manager.CheckInvariants())

	// different extra key, different content.
	s3 := newSeq(3, prompt)
	s3.ExtraKey = "lora-a"
	require.NoError(t, env.manager.Allocate(ctx, s3))
	assert.NotEqual(t, t1, env.manager.BlockTable(s3))
	require.NoError(t, env.manager.Free(ctx, s3))

	require.NoError(t, env.manager.Free(ctx, s1))
	require.NoError(t, env.manager.Free(ctx, s2))

	// full blocks stay cached, the partial one is released.
	stats := gpu.Stats()
	assert.Equal(t, 0, stats.Allocated)
	assert.Equal(t, 4, stats.Evictable)

	s4 := newSeq(4, prompt)
	require.NoError(t, env.manager.Allocate(ctx, s4))
	assert.Equal(t, t1, env.manager.BlockTable(s4))
	require.NoError(t, env.manager.CheckInvariants())
}

func TestAppendSlotRegistersFullBlocks(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:           4,
		NumGPUBlocks:        8,
		NumCPUBlocks:        8,
		EnablePrefixCaching: true,
	})

	seq := newSeq(1, tokens(3, 0))
	require.NoError(t, env.manager.Allocate(ctx, seq))
	assert.Empty(t, env.manager.BlockHashes(seq))

	seq.AppendToken(3)
	_, err := env.manager.AppendSlot(ctx, seq)
	require.NoError(t, err)

	hashes := env.manager.BlockHashes(seq)
	require.Len(t, hashes, 1)
	assert.Equal(t, env.manager.Hasher().BlockHashes(tokens(4, 0), ""), hashes)

	id, ok := env.manager.GPU().Lookup(hashes[0])
	require.True(t, ok)
	assert.Equal(t, env.manager.BlockTable(seq)[0], id)

	seq.AppendToken(4)
	_, err = env.manager.AppendSlot(ctx, seq)
	require.NoError(t, err)
	assert.Len(t, env.manager.BlockTable(seq), 2)

	// a slot may only be requested once per appended token.
	for _, tok := range tokens(8, 5) {
		seq.AppendToken(tok)
	}
	_, err = env.manager.AppendSlot(ctx, seq)
	assert.Error(t, err)
}

func TestAppendSlotWithoutNewToken(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:           4,
		NumGPUBlocks:        2,
		NumCPUBlocks:        2,
		EnablePrefixCaching: true,
	})
	gpu := env.manager.GPU()

	s1 := newSeq(1, tokens(4, 0))
	s2 := newSeq(2, tokens(4, 0))
	require.NoError(t, env.manager.Allocate(ctx, s1))
	require.NoError(t, env.manager.Allocate(ctx, s2))
	shared := env.manager.BlockTable(s1)
	require.Equal(t, shared, env.manager.BlockTable(s2))
	require.Equal(t, 2, gpu.RefCount(shared[0]))

	// a full shared block is never written again, so no copy is due.
	for _, seq := range []*blockmanager.Sequence{s1, s2, s1, s2} {
		assert.True(t, env.manager.CanAppendSlot(seq))
		transfer, err := env.manager.AppendSlot(ctx, seq)
		require.NoError(t, err)
		assert.Nil(t, transfer)
	}
	assert.Equal(t, shared, env.manager.BlockTable(s1))
	assert.Equal(t, shared, env.manager.BlockTable(s2))
	assert.Equal(t, 2, gpu.RefCount(shared[0]))
	assert.Equal(t, 1, gpu.Stats().Free)
	require.NoError(t, env.manager.CheckInvariants())

	// a forked partial block is copied once, on the first new token only.
	parent := newSeq(3, tokens(2, 100))
	require.NoError(t, env.manager.Free(ctx, s2))
	require.NoError(t, env.manager.Allocate(ctx, parent))
	child := parent.Fork(4)
	require.NoError(t, env.manager.Fork(parent, child))
	_, err := env.manager.AppendSlot(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, env.manager.BlockTable(parent), env.manager.BlockTable(child))
	require.NoError(t, env.manager.CheckInvariants())
}

func TestAppendSlotOutOfBlocks(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{BlockSize: 4, NumGPUBlocks: 2, NumCPUBlocks: 2})

	seq := newSeq(1, tokens(8, 0))
	require.NoError(t, env.manager.Allocate(ctx, seq))

	seq.AppendToken(8)
	assert.False(t, env.manager.CanAppendSlot(seq))
	_, err := env.manager.AppendSlot(ctx, seq)
	assert.ErrorIs(t, err, blockmanager.ErrAllocationFailure)
	assert.Len(t, env.manager.BlockTable(seq), 2)
}

func TestSwapOutAndIn(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:           4,
		NumGPUBlocks:        4,
		NumCPUBlocks:        4,
		EnablePrefixCaching: true,
	})
	gpu := env.manager.GPU()
	cpu := env.manager.CPU()

	seq := newSeq(1, tokens(6, 0))
	require.NoError(t, env.manager.Allocate(ctx, seq))
	hashes := env.manager.BlockHashes(seq)

	contents := make([][]byte, 0, 2)
	for i, id := range env.manager.BlockTable(seq) {
		data := bytes.Repeat([]byte{byte(i + 1)}, testBlockBytes)
		require.NoError(t, env.engine.Write(id, data))
		contents = append(contents, data)
	}

	assert.True(t, env.manager.CanSwapOut(seq))
	require.NoError(t, env.manager.SwapOut(ctx, seq))

	tier, ok := env.manager.Tier(seq)
	require.True(t, ok)
	assert.Equal(t, kvblock.TierCPU, tier)
	assert.Equal(t, 2, cpu.Stats().Allocated)
	assert.Equal(t, 0, gpu.Stats().Allocated)
	require.NoError(t, env.manager.CheckInvariants())

	// swapped sequences cannot grow.
	_, err := env.manager.AppendSlot(ctx, seq)
	assert.Error(t, err)

	// overwrite the device so the swap-in has to restore content.
	env.manager.ResetPrefixCache(ctx)
	for i := 0; i < gpu.NumBlocks(); i++ {
		require.NoError(t, env.engine.Write(kvblock.BlockID(i), nil))
	}

	assert.Equal(t, blockmanager.AllocOK, env.manager.SwapInStatus(seq))
	require.NoError(t, env.manager.SwapIn(ctx, seq))

	tier, _ = env.manager.Tier(seq)
	assert.Equal(t, kvblock.TierGPU, tier)
	assert.Equal(t, 0, cpu.Stats().Allocated)
	assert.Equal(t, hashes, env.manager.BlockHashes(seq))

	for i, id := range env.manager.BlockTable(seq) {
		got := make([]byte, testBlockBytes)
		require.NoError(t, env.engine.Read(id, got))
		assert.Equal(t, contents[i], got)
	}

	_, ok = gpu.Lookup(hashes[0])
	assert.True(t, ok)
	require.NoError(t, env.manager.CheckInvariants())
}

func TestSwapOutWithoutRoom(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{BlockSize: 4, NumGPUBlocks: 4, NumCPUBlocks: 1})

	seq := newSeq(1, tokens(8, 0))
	require.NoError(t, env.manager.Allocate(ctx, seq))

	assert.False(t, env.manager.CanSwapOut(seq))
	err := env.manager.SwapOut(ctx, seq)
	assert.ErrorIs(t, err, blockmanager.ErrAllocationFailure)

	tier, _ := env.manager.Tier(seq)
	assert.Equal(t, kvblock.TierGPU, tier)
	require.NoError(t, env.manager.CheckInvariants())
}

func TestAllocationStatusWatermark(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{
		BlockSize:    4,
		NumGPUBlocks: 10,
		NumCPUBlocks: 10,
		Watermark:    0.2,
	})

	assert.Equal(t, blockmanager.AllocNever, env.manager.AllocationStatus(newSeq(1, tokens(36, 0))))
	assert.Equal(t, blockmanager.AllocOK, env.manager.AllocationStatus(newSeq(2, tokens(32, 0))))

	first := newSeq(3, tokens(20, 0))
	require.NoError(t, env.manager.Allocate(ctx, first))

	// 5 of 10 free, 2 held back.
	assert.Equal(t, blockmanager.AllocOK, env.manager.AllocationStatus(newSeq(4, tokens(12, 0))))
	assert.Equal(t, blockmanager.AllocLater, env.manager.AllocationStatus(newSeq(5, tokens(16, 0))))
}

func TestUnknownSequence(t *testing.T) {
	ctx := t.Context()
	env := newTestEnv(t, &blockmanager.Config{BlockSize: 4, NumGPUBlocks: 2, NumCPUBlocks: 2})
	seq := newSeq(1, tokens(4, 0))

	_, err := env.manager.AppendSlot(ctx, seq)
	assert.ErrorIs(t, err, blockmanager.ErrUnknownSequence)
	assert.ErrorIs(t, env.manager.Fork(seq, seq.Fork(2)), blockmanager.ErrUnknownSequence)
	assert.ErrorIs(t, env.manager.SwapIn(ctx, seq), blockmanager.ErrUnknownSequence)
	assert.NoError(t, env.manager.Free(ctx, seq))

	require.NoError(t, env.manager.Allocate(ctx, seq))
	assert.Error(t, env.manager.Allocate(ctx, seq))
	assert.Error(t, env.manager.Allocate(ctx, newSeq(3, nil)))
}

func TestNewBlockManagerValidation(t *testing.T) {
	_, err := blockmanager.NewBlockManager(nil, nil)
	assert.Error(t, err)

	engine, err := cacheengine.NewEngine(&cacheengine.Config{BlockBytes: "64", NumGPUBlocks: 1, NumCPUBlocks: 1})
	require.NoError(t, err)
	_, err = blockmanager.NewBlockManager(&blockmanager.Config{BlockSize: 4, NumGPUBlocks: 1, Watermark: 1}, engine)
	assert.Error(t, err)
}

func TestSequenceStatus(t *testing.T) {
	assert.Equal(t, "WAITING", blockmanager.Waiting.String())
	assert.Equal(t, "SWAPPED", blockmanager.Swapped.String())
	assert.True(t, blockmanager.Aborted.IsTerminal())
	assert.True(t, blockmanager.Finished.IsTerminal())
	assert.False(t, blockmanager.Running.IsTerminal())

	seq := newSeq(1, tokens(17, 0))
	assert.Equal(t, 2, seq.NumBlocks(16))
	assert.Equal(t, "seq-1", seq.String())
}
