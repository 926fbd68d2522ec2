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

package kvevents_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvindex"
)

const testModel = "meta-llama/Llama-3.1-8B"

func startPool(t *testing.T) (*kvevents.Pool, kvindex.Index) {
	t.Helper()
	index, err := kvindex.NewInMemoryIndex(nil)
	require.NoError(t, err)

	pool := kvevents.NewPool(&kvevents.Config{Concurrency: 2}, index)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(func() {
		pool.Shutdown(ctx)
		cancel()
	})
	return pool, index
}

func lookup(t *testing.T, index kvindex.Index, hashes ...kvblock.BlockHash) map[kvindex.Key][]string {
	t.Helper()
	found, err := index.Lookup(context.Background(), kvindex.KeysFor(testModel, hashes), nil)
	require.NoError(t, err)
	return found
}

func TestAllocatorEventsReachIndex(t *testing.T) {
	ctx := t.Context()
	pool, index := startPool(t)

	alloc, err := kvblock.NewAllocator(kvblock.TierGPU, &kvblock.AllocatorConfig{
		NumBlocks:           2,
		BlockSize:           4,
		EvictionPolicy:      kvblock.LRU,
		EnablePrefixCaching: true,
	}, kvblock.WithEventSink(kvevents.NewLocalSink(pool, "engine-a", testModel)))
	require.NoError(t, err)

	ids, err := alloc.Allocate(ctx, 2)
	require.NoError(t, err)
	parent := kvblock.BlockHash(0xA)
	_, err = alloc.MarkCached(ctx, ids[0], kvblock.StoredBlock{Hash: 0xA, Tokens: []uint32{1, 2, 3, 4}})
	require.NoError(t, err)
	_, err = alloc.MarkCached(ctx, ids[1], kvblock.StoredBlock{Hash: 0xB, ParentHash: &parent, Tokens: []uint32{5, 6, 7, 8}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(lookup(t, index, 0xA, 0xB)) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"engine-a"}, lookup(t, index, 0xA)[kvindex.Key{ModelName: testModel, Hash: 0xA}])

	for _, id := range ids {
		require.NoError(t, alloc.Free(ctx, id))
	}
	_, err = alloc.Allocate(ctx, 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(lookup(t, index, 0xA)) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEncodeBatchRoundTrip(t *testing.T) {
	parent := kvblock.BlockHash(1)
	payload, err := kvevents.EncodeBatch(12.5,
		kvblock.Event{
			Kind: kvblock.BlocksStored, Tier: kvblock.TierCPU, BlockSize: 4,
			Stored: []kvblock.StoredBlock{{Hash: 2, ParentHash: &parent, Tokens: []uint32{1, 2, 3, 4}}},
		},
		kvblock.Event{Kind: kvblock.BlocksRemoved, Tier: kvblock.TierGPU, Removed: []kvblock.BlockHash{3, 4}},
		kvblock.Event{Kind: kvblock.AllBlocksCleared, Tier: kvblock.TierGPU},
	)
	require.NoError(t, err)

	var batch kvevents.EventBatch
	require.NoError(t, msgpack.Unmarshal(payload, &batch))
	assert.InDelta(t, 12.5, batch.TS, 1e-9)
	require.Len(t, batch.Events, 3)

	var stored []any
	require.NoError(t, msgpack.Unmarshal(batch.Events[0], &stored))
	require.Len(t, stored, 7)
	assert.Equal(t, kvevents.BlockStoredEventTag, stored[0])
	assert.Equal(t, "cpu", stored[6])

	var removed []any
	require.NoError(t, msgpack.Unmarshal(batch.Events[1], &removed))
	require.Len(t, removed, 3)
	assert.Equal(t, kvevents.BlockRemovedEventTag, removed[0])
}

func rawEvent(t *testing.T, parts ...any) msgpack.RawMessage {
	t.Helper()
	raw, err := msgpack.Marshal(parts)
	require.NoError(t, err)
	return raw
}

func TestPoolDigestsExternalProducers(t *testing.T) {
	pool, index := startPool(t)

	batch := kvevents.EventBatch{
		TS: 1,
		Events: []msgpack.RawMessage{
			// legacy layout without a medium.
			rawEvent(t, kvevents.BlockStoredEventTag, []uint64{10, 11}, nil, []uint32{1, 2}, 1, nil),
			rawEvent(t, "Unknown", 1),
			rawEvent(t, kvevents.BlockRemovedEventTag, []uint64{11}),
			rawEvent(t, kvevents.BlockStoredEventTag, []uint64{12}, uint64(11), []uint32{3}, 1, nil, "cpu"),
		},
	}
	payload, err := msgpack.Marshal(&batch)
	require.NoError(t, err)

	pool.AddTask(&kvevents.Message{Payload: []byte("garbage"), EngineID: "engine-b", ModelName: testModel})
	pool.AddTask(&kvevents.Message{Payload: payload, EngineID: "engine-b", ModelName: testModel})

	require.Eventually(t, func() bool {
		return len(lookup(t, index, 10)) == 1 && len(lookup(t, index, 12)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, lookup(t, index, 11))
}

func TestParseTopic(t *testing.T) {
	tests := []struct {
		topic  string
		engine string
		model  string
		ok     bool
	}{
		{topic: kvevents.Topic("engine-a", "m"), engine: "engine-a", model: "m", ok: true},
		{topic: "kv@engine-a@org/model@rev", engine: "engine-a", model: "org/model@rev", ok: true},
		{topic: "kv@engine-a", ok: false},
		{topic: "kv@@model", ok: false},
		{topic: "other@engine@model", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			engine, model, ok := kvevents.ParseTopic(tt.topic)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.engine, engine)
			assert.Equal(t, tt.model, model)
		})
	}
}
