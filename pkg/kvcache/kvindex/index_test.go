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

package kvindex_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	. "github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvindex"
)

func TestInMemoryIndexBehavior(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) Index {
		t.Helper()
		index, err := NewInMemoryIndex(nil)
		require.NoError(t, err)
		return index
	})
}

func TestCostAwareIndexBehavior(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) Index {
		t.Helper()
		index, err := NewCostAwareMemoryIndex(DefaultCostAwareMemoryIndexConfig())
		require.NoError(t, err)
		return index
	})
}

func createRedisIndexForTesting(t *testing.T) (*miniredis.Miniredis, Index) {
	t.Helper()
	server := miniredis.RunT(t)

	index, err := NewRedisIndex(t.Context(), &RedisIndexConfig{Address: server.Addr()})
	require.NoError(t, err)
	return server, index
}

func TestRedisIndexBehavior(t *testing.T) {
	testCommonIndexBehavior(t, func(t *testing.T) Index {
		t.Helper()
		_, index := createRedisIndexForTesting(t)
		return index
	})
}

func TestRedisIndexKeyTTL(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	index := NewRedisIndexWithClient(client, time.Minute)
	ctx := t.Context()
	key := Key{ModelName: "test-model", Hash: 7}

	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU}}))
	enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"prefill-0"}, enginesPerKey[key])

	server.FastForward(2 * time.Minute)

	enginesPerKey, err = index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}

func TestNewIndexSelectsBackend(t *testing.T) {
	ctx := t.Context()

	idx, err := NewIndex(ctx, nil)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryIndex{}, idx)

	idx, err = NewIndex(ctx, &Config{CostAwareMemoryConfig: &CostAwareMemoryIndexConfig{Size: "1MiB"}})
	require.NoError(t, err)
	assert.IsType(t, &CostAwareMemoryIndex{}, idx)

	server := miniredis.RunT(t)
	idx, err = NewIndex(ctx, &Config{RedisConfig: &RedisIndexConfig{Address: server.Addr()}})
	require.NoError(t, err)
	assert.IsType(t, &RedisIndex{}, idx)

	_, err = NewIndex(ctx, &Config{})
	assert.Error(t, err)
}

func TestInstrumentedIndex(t *testing.T) {
	base, err := NewInMemoryIndex(nil)
	require.NoError(t, err)

	index := NewInstrumentedIndex(base)
	assert.Implements(t, (*Index)(nil), index)

	key := Key{ModelName: "test-model", Hash: 42}
	require.NoError(t, index.Add(t.Context(), []Key{key}, []EngineEntry{{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU}}))

	enginesPerKey, err := index.Lookup(t.Context(), []Key{key}, sets.New[string]())
	require.NoError(t, err)
	assert.Equal(t, []string{"prefill-0"}, enginesPerKey[key])
}

func TestInMemoryIndexEnginesPerKeyBound(t *testing.T) {
	index, err := NewInMemoryIndex(&InMemoryIndexConfig{Size: 8, EnginesPerKey: 2})
	require.NoError(t, err)

	ctx := t.Context()
	key := Key{ModelName: "test-model", Hash: 1}
	for i := 0; i < 3; i++ {
		entry := EngineEntry{EngineID: fmt.Sprintf("prefill-%d", i), DeviceTier: kvblock.TierGPU}
		require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{entry}))
	}

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prefill-1", "prefill-2"}, enginesPerKey[key])
}

func TestCostAwareIndexSize(t *testing.T) {
	key1 := Key{ModelName: "test-model", Hash: 111}
	entry1 := EngineEntry{EngineID: "prefill-1", DeviceTier: kvblock.TierGPU}
	cost := EntryCost(key1, entry1)

	// room for one key, not two.
	index, err := NewCostAwareMemoryIndex(&CostAwareMemoryIndexConfig{Size: fmt.Sprintf("%d", cost+cost/2)})
	require.NoError(t, err)

	ctx := t.Context()
	require.NoError(t, index.Add(ctx, []Key{key1}, []EngineEntry{entry1}))

	key2 := Key{ModelName: "test-model", Hash: 222}
	require.NoError(t, index.Add(ctx, []Key{key2}, []EngineEntry{{EngineID: "prefill-2", DeviceTier: kvblock.TierGPU}}))

	key3 := Key{ModelName: "test-model", Hash: 333}
	require.NoError(t, index.Add(ctx, []Key{key3}, []EngineEntry{{EngineID: "prefill-3", DeviceTier: kvblock.TierCPU}}))

	enginesPerKey, err := index.Lookup(ctx, []Key{key3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"prefill-3"}, enginesPerKey[key3])

	enginesPerKey, err = index.Lookup(ctx, []Key{key1}, nil)
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}

func TestSizeHumanize(t *testing.T) {
	tests := []struct {
		size     string
		expected int64
	}{
		{"42 MB", 42 * 1000 * 1000},
		{"42M", 42 * 1000 * 1000},
		{"42Mi", 42 * 1024 * 1024},
		{"42", 42},
	}

	for _, tt := range tests {
		t.Run(tt.size, func(t *testing.T) {
			index, err := NewCostAwareMemoryIndex(&CostAwareMemoryIndexConfig{Size: tt.size})
			require.NoError(t, err)
			assert.Equal(t, tt.expected, index.MaxCost())
		})
	}

	_, err := NewCostAwareMemoryIndex(&CostAwareMemoryIndexConfig{Size: "lots"})
	assert.Error(t, err)
}
