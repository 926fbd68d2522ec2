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

package cacheengine_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

const testBlockBytes = 1024

func newTestEngine(t *testing.T, cfg *cacheengine.Config) *cacheengine.Engine {
	t.Helper()
	if cfg == nil {
		cfg = &cacheengine.Config{}
	}
	cfg.BlockBytes = "1KiB"
	if cfg.NumGPUBlocks == 0 {
		cfg.NumGPUBlocks = 8
	}
	if cfg.NumCPUBlocks == 0 {
		cfg.NumCPUBlocks = 8
	}
	if cfg.Device == "" {
		cfg.Device = "gpu:0"
	}

	e, err := cacheengine.NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func pattern(b byte) []byte {
	return bytes.Repeat([]byte{b}, testBlockBytes)
}

func readBlock(t *testing.T, e *cacheengine.Engine, id kvblock.BlockID) []byte {
	t.Helper()
	buf := make([]byte, e.BlockBytes())
	require.NoError(t, e.Read(id, buf))
	return buf
}

func TestCopyDuplicatesBlock(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Write(0, pattern(0xAB)))

	tr := e.Copy(t.Context(), []cacheengine.BlockMapping{{Src: 0, Dst: 3}})
	require.NoError(t, tr.Wait())
	assert.Equal(t, "copy", tr.Op())

	assert.Equal(t, pattern(0xAB), readBlock(t, e, 3))

	// the copy is private: writing the source leaves the destination intact.
	require.NoError(t, e.Write(0, pattern(0x01)))
	assert.Equal(t, pattern(0xAB), readBlock(t, e, 3))
}

func TestWriteZeroesRemainder(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Write(1, pattern(0xFF)))
	require.NoError(t, e.Write(1, []byte{1, 2}))

	got := readBlock(t, e, 1)
	assert.Equal(t, []byte{1, 2}, got[:2])
	assert.Equal(t, make([]byte, testBlockBytes-2), got[2:])

	assert.Error(t, e.Write(1, make([]byte, testBlockBytes+1)))
}

func TestSwapRoundTrip(t *testing.T) {
	for _, tier := range []cacheengine.SlowTierKind{cacheengine.MemoryTier, cacheengine.DiskTier} {
		t.Run(string(tier), func(t *testing.T) {
			e := newTestEngine(t, &cacheengine.Config{
				SlowTier:      tier,
				DiskPath:      t.TempDir(),
				SwapBandwidth: "1GB",
				MaxInFlight:   "4KiB",
			})
			ctx := t.Context()

			require.NoError(t, e.Write(0, pattern(0x10)))
			require.NoError(t, e.Write(1, pattern(0x20)))

			out := e.SwapOut(ctx, []cacheengine.BlockMapping{{Src: 0, Dst: 5}, {Src: 1, Dst: 6}})
			require.NoError(t, out.Wait())

			require.NoError(t, e.Write(0, nil))
			require.NoError(t, e.Write(1, nil))

			in := e.SwapIn(ctx, []cacheengine.BlockMapping{{Src: 5, Dst: 2}, {Src: 6, Dst: 3}})
			require.NoError(t, cacheengine.WaitAll(in))

			assert.Equal(t, pattern(0x10), readBlock(t, e, 2))
			assert.Equal(t, pattern(0x20), readBlock(t, e, 3))
		})
	}
}

func TestSwapInMissingBlockFails(t *testing.T) {
	e := newTestEngine(t, nil)

	err := e.SwapIn(t.Context(), []cacheengine.BlockMapping{{Src: 4, Dst: 0}}).Wait()
	assert.ErrorIs(t, err, cacheengine.ErrCacheTransferFailure)
}

func TestSwapInCorruptBlockFails(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, &cacheengine.Config{SlowTier: cacheengine.DiskTier, DiskPath: dir})
	ctx := t.Context()

	require.NoError(t, e.Write(0, pattern(0x33)))
	require.NoError(t, e.SwapOut(ctx, []cacheengine.BlockMapping{{Src: 0, Dst: 1}}).Wait())

	files, err := filepath.Glob(filepath.Join(dir, "*.kvblk"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	raw[0] ^= 0xFF // flip the stored checksum
	require.NoError(t, os.WriteFile(files[0], raw, 0o600))

	require.NoError(t, e.Write(2, pattern(0x77)))
	err = e.SwapIn(ctx, []cacheengine.BlockMapping{{Src: 1, Dst: 2}}).Wait()
	assert.ErrorIs(t, err, cacheengine.ErrCacheTransferFailure)
}

func TestTransferFailureDoesNotTouchUnrelatedBlocks(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.Write(0, pattern(0x01)))
	require.NoError(t, e.Write(7, pattern(0x07)))

	bad := e.Copy(t.Context(), []cacheengine.BlockMapping{{Src: 0, Dst: 99}})
	good := e.Copy(t.Context(), []cacheengine.BlockMapping{{Src: 0, Dst: 1}})

	err := cacheengine.WaitAll(bad, good)
	assert.ErrorIs(t, err, cacheengine.ErrCacheTransferFailure)
	assert.NoError(t, good.Wait())

	assert.Equal(t, pattern(0x01), readBlock(t, e, 1))
	assert.Equal(t, pattern(0x07), readBlock(t, e, 7))
}

func TestSwapOutOfRangeSlowBlock(t *testing.T) {
	e := newTestEngine(t, &cacheengine.Config{NumCPUBlocks: 2})
	err := e.SwapOut(t.Context(), []cacheengine.BlockMapping{{Src: 0, Dst: 2}}).Wait()
	assert.ErrorIs(t, err, cacheengine.ErrCacheTransferFailure)
}

func TestEmptyTransferIsComplete(t *testing.T) {
	e := newTestEngine(t, nil)
	tr := e.Copy(t.Context(), nil)
	select {
	case <-tr.Done():
	default:
		t.Fatal("empty transfer should be complete")
	}
	assert.NoError(t, tr.Wait())

	var nilTransfer *cacheengine.Transfer
	assert.NoError(t, nilTransfer.Wait())
}

func TestDescriptors(t *testing.T) {
	e := newTestEngine(t, &cacheengine.Config{Device: "cuda:1"})

	descs, err := e.Descriptors([]kvblock.BlockID{0, 3})
	require.NoError(t, err)
	assert.Equal(t, []cacheengine.BlockDescriptor{
		{Device: "cuda:1", Offset: 0, Size: testBlockBytes},
		{Device: "cuda:1", Offset: 3 * testBlockBytes, Size: testBlockBytes},
	}, descs)

	_, err = e.Descriptor(8)
	assert.ErrorContains(t, err, "not in [0, 8)")
	_, err = e.Descriptor(-1)
	assert.Error(t, err)
	assert.Error(t, e.Read(8, make([]byte, testBlockBytes)))
}

func TestNewEngineValidation(t *testing.T) {
	_, err := cacheengine.NewEngine(&cacheengine.Config{BlockBytes: "lots", NumGPUBlocks: 1})
	assert.Error(t, err)

	_, err = cacheengine.NewEngine(&cacheengine.Config{BlockBytes: "1KiB", NumGPUBlocks: 0})
	assert.Error(t, err)

	_, err = cacheengine.NewEngine(&cacheengine.Config{BlockBytes: "1KiB", NumGPUBlocks: 1, SlowTier: "tape"})
	assert.Error(t, err)

	_, err = cacheengine.NewEngine(&cacheengine.Config{BlockBytes: "1KiB", NumGPUBlocks: 1, SlowTier: cacheengine.DiskTier})
	assert.Error(t, err)
}
