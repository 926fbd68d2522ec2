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

// Package kvindex tracks which engines hold which KV-blocks. It is fed by
// block lifecycle events and queried to rank peers by cached-prefix length.
package kvindex

import (
	"context"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
)

// Config holds the configuration for the block-locality index.
// If multiple backends are configured, only the first one will be used.
type Config struct {
	// InMemoryConfig holds the configuration for the in-memory index.
	InMemoryConfig *InMemoryIndexConfig `json:"inMemoryConfig"`
	// CostAwareMemoryConfig holds the configuration for the cost-aware memory index.
	CostAwareMemoryConfig *CostAwareMemoryIndexConfig `json:"costAwareMemoryConfig"`
	// RedisConfig holds the configuration for the Redis index.
	RedisConfig *RedisIndexConfig `json:"redisConfig"`

	// EnableMetrics toggles whether admissions/evictions/lookups are recorded.
	EnableMetrics bool `json:"enableMetrics"`
	// MetricsLoggingInterval defines the interval at which metrics are logged.
	// Zero disables the beat. Requires EnableMetrics.
	MetricsLoggingInterval time.Duration `json:"metricsLoggingInterval"`
}

// DefaultConfig returns the in-memory index configuration.
func DefaultConfig() *Config {
	return &Config{
		InMemoryConfig: DefaultInMemoryIndexConfig(),
	}
}

// NewIndex creates a new Index instance.
func NewIndex(ctx context.Context, cfg *Config) (Index, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var idx Index
	var err error

	switch {
	case cfg.InMemoryConfig != nil:
		idx, err = NewInMemoryIndex(cfg.InMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
	case cfg.CostAwareMemoryConfig != nil:
		idx, err = NewCostAwareMemoryIndex(cfg.CostAwareMemoryConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create cost-aware memory index: %w", err)
		}
	case cfg.RedisConfig != nil:
		idx, err = NewRedisIndex(ctx, cfg.RedisConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis index: %w", err)
		}
	default:
		return nil, fmt.Errorf("no valid index configuration provided")
	}

	if cfg.EnableMetrics {
		idx = NewInstrumentedIndex(idx)
		metrics.Register()
		if cfg.MetricsLoggingInterval > 0 {
			metrics.StartMetricsLogging(ctx, cfg.MetricsLoggingInterval, "")
		}
	}

	return idx, nil
}

// Index is a backend aggregating the block placements of a set of engines.
// Lookups walk a chain of consecutive keys and stop at the first key no
// (filtered) engine holds, since the prefix chain breaks there.
//
// Index operations are thread-safe.
type Index interface {
	// Lookup returns, for each key of the unbroken prefix, the engines that
	// hold it. An empty engineSet means no filtering.
	Lookup(ctx context.Context, keys []Key, engineSet sets.Set[string]) (map[Key][]string, error)
	// Add records that the given engines hold all keys.
	Add(ctx context.Context, keys []Key, entries []EngineEntry) error
	// Evict removes the given engines from a key.
	Evict(ctx context.Context, key Key, entries []EngineEntry) error
}

// Key identifies a block by model and content hash.
type Key struct {
	ModelName string
	Hash      kvblock.BlockHash
}

func (k Key) String() string {
	return fmt.Sprintf("%s@%s", k.ModelName, k.Hash)
}

// KeysFor builds the index keys of a hash chain.
func KeysFor(modelName string, hashes []kvblock.BlockHash) []Key {
	keys := make([]Key, len(hashes))
	for i, h := range hashes {
		keys[i] = Key{ModelName: modelName, Hash: h}
	}
	return keys
}

// EngineEntry is one engine's copy of a block.
type EngineEntry struct {
	EngineID   string
	DeviceTier kvblock.DeviceTier
}

func (e EngineEntry) String() string {
	return fmt.Sprintf("%s@%s", e.EngineID, e.DeviceTier)
}

func enginesPerKeyPrintHelper(ks map[Key][]string) string {
	flattened := ""
	for k, v := range ks {
		flattened += fmt.Sprintf("%s: %v\n", k, v)
	}
	return flattened
}
