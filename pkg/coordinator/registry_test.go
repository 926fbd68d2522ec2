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

package coordinator_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/coordinator"
)

func testMetadata(engineID string, rank int) *coordinator.EngineMetadata {
	return &coordinator.EngineMetadata{
		EngineID: engineID,
		Role:     coordinator.Producer,
		Rank:     rank,
		Address:  "tcp://10.0.0.1:5600",
		Transfer: coordinator.TransferCapability{Device: "gpu:0", BlockBytes: 65536, NumBlocks: 128},
	}
}

func TestRegistryKey(t *testing.T) {
	assert.Equal(t, "kv/prefill-0/rank_3", coordinator.RegistryKey("kv", "prefill-0", 3))
	assert.Equal(t, "kv/prefill-0/rank_0", coordinator.RegistryKey("kv/", "prefill-0", 0))
}

func TestMemoryRegistry(t *testing.T) {
	ctx := t.Context()
	clk := clocktesting.NewFakePassiveClock(time.Unix(100, 0))
	registry := coordinator.NewMemoryRegistry("kv", clk)

	meta := testMetadata("prefill-0", 1)
	require.NoError(t, registry.Put(ctx, meta, 10*time.Second))

	got, err := registry.Get(ctx, "prefill-0", 1)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	_, err = registry.Get(ctx, "prefill-0", 0)
	require.ErrorIs(t, err, coordinator.ErrNotRegistered)

	clk.SetTime(clk.Now().Add(10 * time.Second))
	_, err = registry.Get(ctx, "prefill-0", 1)
	require.ErrorIs(t, err, coordinator.ErrNotRegistered)

	require.NoError(t, registry.Put(ctx, meta, time.Minute))
	require.NoError(t, registry.Delete(ctx, "prefill-0", 1))
	_, err = registry.Get(ctx, "prefill-0", 1)
	require.ErrorIs(t, err, coordinator.ErrNotRegistered)
	require.NoError(t, registry.Delete(ctx, "prefill-0", 1))
}

func TestRedisRegistry(t *testing.T) {
	ctx := t.Context()
	server := miniredis.RunT(t)

	registry, err := coordinator.NewRedisRegistry([]string{server.Addr()}, "kv", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	meta := testMetadata("prefill-0", 2)
	require.NoError(t, registry.Put(ctx, meta, 30*time.Second))
	assert.True(t, server.Exists("kv/prefill-0/rank_2"))
	assert.Equal(t, 30*time.Second, server.TTL("kv/prefill-0/rank_2"))

	got, err := registry.Get(ctx, "prefill-0", 2)
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	server.FastForward(31 * time.Second)
	_, err = registry.Get(ctx, "prefill-0", 2)
	require.ErrorIs(t, err, coordinator.ErrNotRegistered)

	require.NoError(t, registry.Put(ctx, meta, 30*time.Second))
	require.NoError(t, registry.Delete(ctx, "prefill-0", 2))
	assert.False(t, server.Exists("kv/prefill-0/rank_2"))
}

func TestRedisRegistryUnavailable(t *testing.T) {
	ctx := t.Context()
	server := miniredis.RunT(t)
	addr := server.Addr()
	server.Close()

	registry, err := coordinator.NewRedisRegistry([]string{addr}, "kv", 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = registry.Close() })

	err = registry.Put(ctx, testMetadata("prefill-0", 0), time.Minute)
	require.ErrorIs(t, err, coordinator.ErrRegistryUnavailable)
	assert.True(t, coordinator.IsRetryable(err))

	_, err = registry.Get(ctx, "prefill-0", 0)
	require.ErrorIs(t, err, coordinator.ErrRegistryUnavailable)
}
