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

// Package cacheengine owns the physical storage of KV-blocks on the fast
// device tier and the slow swap tier, and moves block contents between
// them asynchronously.
package cacheengine

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	opCopy    = "copy"
	opSwapIn  = "swap_in"
	opSwapOut = "swap_out"
)

// Config holds the configuration of the cache engine.
type Config struct {
	// BlockBytes is the size of one block's KV data across all layers,
	// e.g. "2MiB".
	BlockBytes string `json:"blockBytes"`
	// NumGPUBlocks and NumCPUBlocks must match the allocators' pools.
	NumGPUBlocks int `json:"numGPUBlocks"`
	NumCPUBlocks int `json:"numCPUBlocks"`
	// Device names the fast tier in block descriptors, e.g. "cuda:0".
	Device string `json:"device"`
	// SlowTier selects the swap tier backend.
	SlowTier SlowTierKind `json:"slowTier"`
	// DiskPath is the directory of the disk slow tier.
	DiskPath string `json:"diskPath,omitempty"`
	// MaxConcurrentTransfers bounds per-operation block parallelism.
	MaxConcurrentTransfers int `json:"maxConcurrentTransfers"`
	// SwapBandwidth limits swap throughput, e.g. "8GB". Empty means
	// unlimited.
	SwapBandwidth string `json:"swapBandwidth,omitempty"`
	// MaxInFlight bounds the staging memory of concurrent swaps, e.g.
	// "256MiB". Empty means unbounded.
	MaxInFlight string `json:"maxInFlight,omitempty"`
}

// DefaultConfig returns a default configuration for the cache engine.
func DefaultConfig() *Config {
	return &Config{
		BlockBytes:             "64KiB",
		NumGPUBlocks:           1024,
		NumCPUBlocks:           1024,
		Device:                 "gpu:0",
		SlowTier:               MemoryTier,
		MaxConcurrentTransfers: 8,
	}
}

// Engine performs the physical operations requested by block allocation
// decisions.
type Engine struct {
	fast       *slab
	slow       slowTier
	numCPU     int
	blockBytes int

	concurrency int
	limiter     *rate.Limiter       // nil if unlimited
	inFlight    *semaphore.Weighted // nil if unbounded
}

// NewEngine creates a cache engine with the given configuration.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	blockBytes, err := parseBytes(cfg.BlockBytes)
	if err != nil {
		return nil, fmt.Errorf("invalid block size %q: %w", cfg.BlockBytes, err)
	}
	if blockBytes == 0 {
		return nil, fmt.Errorf("block size must be positive")
	}
	if cfg.NumGPUBlocks <= 0 || cfg.NumCPUBlocks < 0 {
		return nil, fmt.Errorf("invalid block counts gpu=%d cpu=%d", cfg.NumGPUBlocks, cfg.NumCPUBlocks)
	}

	var slow slowTier
	switch cfg.SlowTier {
	case MemoryTier, "":
		slow, err = newMemoryTier()
	case DiskTier:
		slow, err = newDiskTier(cfg.DiskPath)
	default:
		return nil, fmt.Errorf("unsupported slow tier: %s", cfg.SlowTier)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create slow tier: %w", err)
	}

	e := &Engine{
		fast:        newSlab(cfg.Device, cfg.NumGPUBlocks, int(blockBytes)),
		slow:        slow,
		numCPU:      cfg.NumCPUBlocks,
		blockBytes:  int(blockBytes),
		concurrency: max(cfg.MaxConcurrentTransfers, 1),
	}

	if cfg.SwapBandwidth != "" {
		bw, err := parseBytes(cfg.SwapBandwidth)
		if err != nil {
			return nil, fmt.Errorf("invalid swap bandwidth %q: %w", cfg.SwapBandwidth, err)
		}
		e.limiter = rate.NewLimiter(rate.Limit(bw), int(max(bw, blockBytes)))
	}
	if cfg.MaxInFlight != "" {
		limit, err := parseBytes(cfg.MaxInFlight)
		if err != nil {
			return nil, fmt.Errorf("invalid in-flight limit %q: %w", cfg.MaxInFlight, err)
		}
		e.inFlight = semaphore.NewWeighted(max(limit, blockBytes))
	}

	return e, nil
}

func parseBytes(s string) (int64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%s exceeds the supported size", s)
	}
	return int64(n), nil
}

// BlockBytes returns the size of one block in bytes.
func (e *Engine) BlockBytes() int {
	return e.blockBytes
}

// Close releases the slow tier.
func (e *Engine) Close() error {
	return e.slow.close()
}

// Read copies the contents of a fast-tier block into dst.
func (e *Engine) Read(id kvblock.BlockID, dst []byte) error {
	return e.fast.read(id, dst)
}

// Write stores src into a fast-tier block, zeroing the remainder.
func (e *Engine) Write(id kvblock.BlockID, src []byte) error {
	return e.fast.write(id, src)
}

// Descriptor returns the memory location of a fast-tier block.
func (e *Engine) Descriptor(id kvblock.BlockID) (BlockDescriptor, error) {
	if err := e.fast.check(id); err != nil {
		return BlockDescriptor{}, err
	}
	return e.fast.descriptor(id), nil
}

// Descriptors returns the descriptors of the given fast-tier blocks.
func (e *Engine) Descriptors(ids []kvblock.BlockID) ([]BlockDescriptor, error) {
	return utils.SliceMapE(ids, e.Descriptor)
}

// Copy duplicates fast-tier blocks, Src into Dst.
func (e *Engine) Copy(ctx context.Context, mappings []BlockMapping) *Transfer {
	return e.start(ctx, opCopy, mappings, func(_ context.Context, m BlockMapping) error {
		return e.fast.copyBlock(m.Src, m.Dst)
	})
}

// SwapOut moves fast-tier blocks (Src) to slow-tier blocks (Dst).
func (e *Engine) SwapOut(ctx context.Context, mappings []BlockMapping) *Transfer {
	return e.start(ctx, opSwapOut, mappings, func(ctx context.Context, m BlockMapping) error {
		if err := e.checkSlow(m.Dst); err != nil {
			return err
		}
		release, err := e.acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		buf := make([]byte, e.blockBytes)
		if err := e.fast.read(m.Src, buf); err != nil {
			return err
		}
		return e.slow.store(ctx, m.Dst, buf)
	})
}

// SwapIn moves slow-tier blocks (Src) to fast-tier blocks (Dst).
func (e *Engine) SwapIn(ctx context.Context, mappings []BlockMapping) *Transfer {
	return e.start(ctx, opSwapIn, mappings, func(ctx context.Context, m BlockMapping) error {
		if err := e.checkSlow(m.Src); err != nil {
			return err
		}
		release, err := e.acquire(ctx)
		if err != nil {
			return err
		}
		defer release()

		buf := make([]byte, e.blockBytes)
		if err := e.slow.load(ctx, m.Src, buf); err != nil {
			return err
		}
		return e.fast.write(m.Dst, buf)
	})
}

func (e *Engine) checkSlow(id kvblock.BlockID) error {
	if id < 0 || int(id) >= e.numCPU {
		return fmt.Errorf("%w: slow tier block %d not in [0, %d)", errBlockOutOfRange, id, e.numCPU)
	}
	return nil
}

// acquire reserves staging memory and bandwidth for one block.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if e.inFlight != nil {
		if err := e.inFlight.Acquire(ctx, int64(e.blockBytes)); err != nil {
			return nil, err
		}
	}
	release := func() {
		if e.inFlight != nil {
			e.inFlight.Release(int64(e.blockBytes))
		}
	}

	if e.limiter != nil {
		if err := e.limiter.WaitN(ctx, e.blockBytes); err != nil {
			release()
			return nil, err
		}
	}
	return release, nil
}

func (e *Engine) start(ctx context.Context, op string, mappings []BlockMapping,
	fn func(context.Context, BlockMapping) error,
) *Transfer {
	if len(mappings) == 0 {
		return completedTransfer(op, nil)
	}

	t := newTransfer(op, append([]BlockMapping(nil), mappings...))
	logger := klog.FromContext(ctx).V(logging.TRACE).WithName("cacheengine.Engine." + op)

	go func() {
		defer close(t.done)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for _, m := range t.mappings {
			g.Go(func() error {
				if err := fn(gctx, m); err != nil {
					return fmt.Errorf("%w: %s block %d -> %d: %w", ErrCacheTransferFailure, op, m.Src, m.Dst, err)
				}
				return nil
			})
		}

		t.err = g.Wait()
		if t.err != nil {
			metrics.TransferFailures.WithLabelValues(op).Inc()
			logger.Info("transfer failed", "blocks", len(t.mappings), "err", t.err)
			return
		}
		metrics.TransferBlocks.WithLabelValues(op).Add(float64(len(t.mappings)))
		logger.Info("transfer completed", "blocks", len(t.mappings))
	}()

	return t
}
