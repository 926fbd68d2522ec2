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

	lru "github.com/hashicorp/golang-lru/v2"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const (
	defaultInMemoryIndexSize = 1 << 20
	defaultEnginesPerKey     = 16
)

// InMemoryIndexConfig holds the configuration for the InMemoryIndex.
type InMemoryIndexConfig struct {
	// Size is the maximum number of keys kept in the index.
	Size int `json:"size"`
	// EnginesPerKey bounds the engine entries tracked for a single key.
	EnginesPerKey int `json:"enginesPerKey"`
}

// DefaultInMemoryIndexConfig returns a default configuration for the InMemoryIndex.
func DefaultInMemoryIndexConfig() *InMemoryIndexConfig {
	return &InMemoryIndexConfig{
		Size:          defaultInMemoryIndexSize,
		EnginesPerKey: defaultEnginesPerKey,
	}
}

// InMemoryIndex keeps an LRU of keys, each holding an LRU of engine entries.
type InMemoryIndex struct {
	data          *lru.Cache[Key, *engineSet]
	enginesPerKey int
	// mu orders mutations against lookups so an Add never lands in a set
	// that a concurrent Evict is dropping.
	mu sync.RWMutex
}

var _ Index = &InMemoryIndex{}

type engineSet struct {
	entries *lru.Cache[EngineEntry, struct{}]
}

func (s *engineSet) engineIDs(filter sets.Set[string]) []string {
	ids := utils.SliceMap(s.entries.Keys(), func(e EngineEntry) string { return e.EngineID })
	if filter.Len() == 0 {
		return ids
	}
	return utils.SliceFilter(ids, filter.Has)
}

// NewInMemoryIndex creates a new InMemoryIndex instance.
func NewInMemoryIndex(cfg *InMemoryIndexConfig) (*InMemoryIndex, error) {
	if cfg == nil {
		cfg = DefaultInMemoryIndexConfig()
	}

	cache, err := lru.New[Key, *engineSet](cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize in-memory index: %w", err)
	}

	return &InMemoryIndex{
		data:          cache,
		enginesPerKey: cfg.EnginesPerKey,
	}, nil
}

// Lookup implements Index.
func (m *InMemoryIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("no keys provided for lookup")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvindex.InMemoryIndex.Lookup")

	enginesPerKey := make(map[Key][]string)
	for _, key := range keys {
		set, found := m.data.Get(key)
		if !found {
			traceLogger.Info("key not found in index, cutting search", "key", key)
			break
		}

		engines := set.engineIDs(engineFilter)
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

// Add implements Index.
func (m *InMemoryIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return fmt.Errorf("no keys or entries provided for adding to index")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvindex.InMemoryIndex.Add")

	for _, key := range keys {
		set, err := m.getOrCreate(key)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			set.entries.Add(entry, struct{}{})
		}

		traceLogger.Info("added engines to key", "key", key, "engines", entries)
	}

	return nil
}

func (m *InMemoryIndex) getOrCreate(key Key) (*engineSet, error) {
	if set, found := m.data.Get(key); found {
		return set, nil
	}

	entries, err := lru.New[EngineEntry, struct{}](m.enginesPerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine set for key %s: %w", key, err)
	}
	set := &engineSet{entries: entries}
	m.data.Add(key, set)
	return set, nil
}

// Evict implements Index. A key left without engines is dropped.
func (m *InMemoryIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return fmt.Errorf("no entries provided for eviction from index")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvindex.InMemoryIndex.Evict")

	set, found := m.data.Get(key)
	if !found {
		traceLogger.Info("key not found in index, nothing to evict", "key", key)
		return nil
	}

	for _, entry := range entries {
		set.entries.Remove(entry)
	}

	if set.entries.Len() == 0 {
		m.data.Remove(key)
		traceLogger.Info("evicted key from index as no engines remain", "key", key)
	} else {
		traceLogger.Info("evicted engines from key", "key", key, "engines", entries)
	}

	return nil
}
