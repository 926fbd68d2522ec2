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
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	. "github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvindex"
)

// testCommonIndexBehavior runs the shared behavior suite against a fresh
// index per subtest.
func testCommonIndexBehavior(t *testing.T, indexFactory func(t *testing.T) Index) {
	t.Helper()
	ctx := context.Background()

	t.Run("BasicAddAndLookup", func(t *testing.T) {
		testBasicAddAndLookup(ctx, t, indexFactory(t))
	})

	t.Run("SameEngineOnTwoTiers", func(t *testing.T) {
		testSameEngineOnTwoTiers(ctx, t, indexFactory(t))
	})

	t.Run("FilteredLookup", func(t *testing.T) {
		testFilteredLookup(ctx, t, indexFactory(t))
	})

	t.Run("PrefixChainBreaks", func(t *testing.T) {
		testPrefixChainBreaks(ctx, t, indexFactory(t))
	})

	t.Run("EvictBasic", func(t *testing.T) {
		testEvictBasic(ctx, t, indexFactory(t))
	})

	t.Run("ConcurrentOperations", func(t *testing.T) {
		testConcurrentOperations(ctx, t, indexFactory(t))
	})
}

func testBasicAddAndLookup(ctx context.Context, t *testing.T, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", Hash: 12345}
	entries := []EngineEntry{
		{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-1", DeviceTier: kvblock.TierGPU},
	}

	require.NoError(t, index.Add(ctx, []Key{key}, entries))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.Set[string]{})
	require.NoError(t, err)
	assert.Len(t, enginesPerKey, 1)
	assert.ElementsMatch(t, []string{"prefill-0", "prefill-1"}, enginesPerKey[key])
}

// A block offloaded to CPU while a GPU copy exists is tracked as two entries.
func testSameEngineOnTwoTiers(ctx context.Context, t *testing.T, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", Hash: 54321}

	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{
		{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU},
	}))
	require.NoError(t, index.Add(ctx, []Key{key}, []EngineEntry{
		{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-0", DeviceTier: kvblock.TierCPU},
		{EngineID: "prefill-1", DeviceTier: kvblock.TierGPU},
	}))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prefill-0", "prefill-0", "prefill-1"}, enginesPerKey[key])
}

func testFilteredLookup(ctx context.Context, t *testing.T, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", Hash: 98765}
	entries := []EngineEntry{
		{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-1", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-2", DeviceTier: kvblock.TierGPU},
	}
	require.NoError(t, index.Add(ctx, []Key{key}, entries))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, sets.New("prefill-0"))
	require.NoError(t, err)
	assert.Equal(t, []string{"prefill-0"}, enginesPerKey[key])

	enginesPerKey, err = index.Lookup(ctx, []Key{key}, sets.New("prefill-0", "prefill-2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prefill-0", "prefill-2"}, enginesPerKey[key])

	enginesPerKey, err = index.Lookup(ctx, []Key{key}, sets.New("decode-9"))
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}

func testPrefixChainBreaks(ctx context.Context, t *testing.T, index Index) {
	t.Helper()
	keys := KeysFor("test-model", []kvblock.BlockHash{1, 2, 3})
	entry := []EngineEntry{{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU}}

	require.NoError(t, index.Add(ctx, []Key{keys[0], keys[2]}, entry))

	enginesPerKey, err := index.Lookup(ctx, keys, nil)
	require.NoError(t, err)
	assert.Len(t, enginesPerKey, 1)
	assert.Contains(t, enginesPerKey, keys[0])
	assert.NotContains(t, enginesPerKey, keys[2])
}

func testEvictBasic(ctx context.Context, t *testing.T, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", Hash: 11111}
	entries := []EngineEntry{
		{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-1", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-2", DeviceTier: kvblock.TierGPU},
	}
	require.NoError(t, index.Add(ctx, []Key{key}, entries))

	// eviction matches the tier too, so prefill-2 survives.
	require.NoError(t, index.Evict(ctx, key, []EngineEntry{
		{EngineID: "prefill-0", DeviceTier: kvblock.TierGPU},
		{EngineID: "prefill-2", DeviceTier: kvblock.TierCPU},
	}))

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prefill-1", "prefill-2"}, enginesPerKey[key])

	require.NoError(t, index.Evict(ctx, key, entries))
	enginesPerKey, err = index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}

func testConcurrentOperations(ctx context.Context, t *testing.T, index Index) {
	t.Helper()
	key := Key{ModelName: "test-model", Hash: 1000}

	var wg sync.WaitGroup
	errChan := make(chan error, 1000)

	for id := 0; id < 50; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for op := 0; op < 9; op++ {
				entry := []EngineEntry{{EngineID: fmt.Sprintf("engine-%d-%d", id, op/3), DeviceTier: kvblock.TierGPU}}
				switch op % 3 {
				case 0:
					if err := index.Add(ctx, []Key{key}, entry); err != nil {
						errChan <- err
					}
				case 1:
					if _, err := index.Lookup(ctx, []Key{key}, nil); err != nil {
						errChan <- err
					}
				case 2:
					if err := index.Evict(ctx, key, entry); err != nil {
						errChan <- err
					}
					enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
					if err != nil {
						errChan <- err
					}
					assert.NotContains(t, enginesPerKey[key], entry[0].EngineID)
				}
			}
		}(id)
	}

	wg.Wait()
	close(errChan)

	for err := range errChan {
		require.NoError(t, err)
	}

	enginesPerKey, err := index.Lookup(ctx, []Key{key}, nil)
	require.NoError(t, err)
	assert.Empty(t, enginesPerKey)
}
