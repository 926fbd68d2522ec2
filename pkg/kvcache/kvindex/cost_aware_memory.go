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

package kvindex

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/dustin/go-humanize"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	defaultNumCounters = 1e7
	defaultBufferItems = 64
	// per-entry bookkeeping: two string headers, tier padding and map slot.
	entryOverheadBytes = 16 + 16 + 8 + 24
	setOverheadBytes   = 64
)

// CostAwareMemoryIndexConfig holds the configuration for the CostAwareMemoryIndex.
type CostAwareMemoryIndexConfig struct {
	// Size is the memory budget of the index, e.g. "512MiB" or "1GB".
	Size string `json:"size,omitempty"`
}

// DefaultCostAwareMemoryIndexConfig returns a 512MiB budget.
func DefaultCostAwareMemoryIndexConfig() *CostAwareMemoryIndexConfig {
	return &CostAwareMemoryIndexConfig{
		Size: "512MiB",
	}
}

// CostAwareMemoryIndex bounds the index by estimated memory footprint
// rather than key count, using ristretto's cost-based admission.
type CostAwareMemoryIndex struct {
	data *ristretto.Cache[string, *costEngineSet]
	mu   sync.RWMutex
}

var _ Index = &CostAwareMemoryIndex{}

// NewCostAwareMemoryIndex creates a new CostAwareMemoryIndex instance.
func NewCostAwareMemoryIndex(cfg *CostAwareMemoryIndexConfig) (*CostAwareMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultCostAwareMemoryIndexConfig()
	}

	sizeBytes, err := humanize.ParseBytes(cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to parse index size %q: %w", cfg.Size, err)
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *costEngineSet]{
		NumCounters: defaultNumCounters,
		MaxCost:     int64(sizeBytes), // #nosec G115
		BufferItems: defaultBufferItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cost aware index: %w", err)
	}

	return &CostAwareMemoryIndex{data: cache}, nil
}

// MaxCost returns the configured budget in bytes.
func (m *CostAwareMemoryIndex) MaxCost() int64 {
	return m.data.MaxCost()
}

// costEngineSet is guarded by the index lock.
type costEngineSet struct {
	entries map[EngineEntry]struct{}
}

// Cost estimates the memory held by a key's entry.
func (s *costEngineSet) Cost(keyStr string) int64 {
	total := int64(len(keyStr)) + setOverheadBytes
	for e := range s.entries {
		total += int64(len(e.EngineID)+len(e.DeviceTier)) + entryOverheadBytes
	}
	return total
}

// EntryCost estimates the cost of a key holding the given entries.
func EntryCost(key Key, entries ...EngineEntry) int64 {
	set := &costEngineSet{entries: make(map[EngineEntry]struct{}, len(entries))}
	for _, e := range entries {
		set.entries[e] = struct{}{}
	}
	return set.Cost(key.String())
}

// Add implements Index.
func (m *CostAwareMemoryIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvindex.CostAwareMemoryIndex.Add")

	for _, key := range keys {
		keyStr := key.String()
		set, found := m.data.Get(keyStr)
		if !found {
			set = &costEngineSet{entries: make(map[EngineEntry]struct{}, len(entries))}
		}
		for _, entry := range entries {
			set.entries[entry] = struct{}{}
		}

		cost := set.Cost(keyStr)
		m.data.Set(keyStr, set, cost)
		traceLogger.Info("added engines to key", "key", key, "engines", entries, "cost-bytes", cost)
	}
	m.data.Wait()

	return nil
}

// Lookup implements Index.
func (m *CostAwareMemoryIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvindex.CostAwareMemoryIndex.Lookup")

	enginesPerKey := make(map[Key][]string)
	for _, key := range keys {
		set, found := m.data.Get(key.String())
		if !found || len(set.entries) == 0 {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			break
		}

		var engines []string
		for e := range set.entries {
			if engineFilter.Len() == 0 || engineFilter.Has(e.EngineID) {
				engines = append(engines, e.EngineID)
			}
		}
		if len(engines) == 0 {
			traceLogger.Info("no engines found for key, cutting search", "key", key)
			break
		}
		enginesPerKey[key] = engines
	}

	traceLogger.Info("lookup completed", "hits", len(enginesPerKey),
		"engines-per-key", enginesPerKeyPrintHelper(enginesPerKey))

	return enginesPerKey, nil
}

// Evict implements Index.
func (m *CostAwareMemoryIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvindex.CostAwareMemoryIndex.Evict")

	keyStr := key.String()
	set, found := m.data.Get(keyStr)
	if !found {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	before := len(set.entries)
	for _, entry := range entries {
		delete(set.entries, entry)
	}

	switch {
	case len(set.entries) == 0:
		m.data.Del(keyStr)
		traceLogger.Info("evicted key from index as no engines remain", "key", key)
	case len(set.entries) != before:
		m.data.Set(keyStr, set, set.Cost(keyStr))
		traceLogger.Info("evicted engines from key", "key", key, "engines", entries)
	}
	m.data.Wait()

	return nil
}
