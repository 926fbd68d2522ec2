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

package coordinator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/utils/clock"
)

// TransferCapability describes how a peer can read an engine's blocks.
type TransferCapability struct {
	Device     string `msgpack:"device" json:"device"`
	BlockBytes uint64 `msgpack:"block_bytes" json:"blockBytes"`
	NumBlocks  int    `msgpack:"num_blocks" json:"numBlocks"`
}

// EngineMetadata is a registry entry: how to reach an engine and what it
// can transfer.
type EngineMetadata struct {
	EngineID string             `msgpack:"engine_id" json:"engineID"`
	Role     Role               `msgpack:"role" json:"role"`
	Rank     int                `msgpack:"rank" json:"rank"`
	Address  string             `msgpack:"address" json:"address"`
	Transfer TransferCapability `msgpack:"transfer" json:"transfer"`
}

// RegistryKey returns the key of an engine rank: {namespace}/{engine_id}/rank_{n}.
func RegistryKey(namespace, engineID string, rank int) string {
	return fmt.Sprintf("%s/%s/rank_%d", strings.TrimSuffix(namespace, "/"), engineID, rank)
}

// Registry is a shared store of engine metadata. Entries expire after their
// TTL unless refreshed; expired entries are reported as ErrNotRegistered.
type Registry interface {
	// Put publishes meta with the given TTL, replacing any previous entry.
	Put(ctx context.Context, meta *EngineMetadata, ttl time.Duration) error
	// Get returns the entry of an engine rank.
	Get(ctx context.Context, engineID string, rank int) (*EngineMetadata, error)
	// Delete removes the entry of an engine rank. Absent entries are not an
	// error.
	Delete(ctx context.Context, engineID string, rank int) error
	// Close releases the registry's connections.
	Close() error
}

func encodeMetadata(meta *EngineMetadata) ([]byte, error) {
	return msgpack.Marshal(meta)
}

func decodeMetadata(data []byte) (*EngineMetadata, error) {
	var meta EngineMetadata
	if err := msgpack.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode registry entry: %w", err)
	}
	return &meta, nil
}

// MemoryRegistry is a process-local Registry. It serves single-host
// deployments and tests.
type MemoryRegistry struct {
	namespace string
	clock     clock.PassiveClock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

var _ Registry = &MemoryRegistry{}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry(namespace string, clk clock.PassiveClock) *MemoryRegistry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &MemoryRegistry{
		namespace: namespace,
		clock:     clk,
		entries:   make(map[string]memoryEntry),
	}
}

// Put implements Registry.
func (r *MemoryRegistry) Put(_ context.Context, meta *EngineMetadata, ttl time.Duration) error {
	data, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[RegistryKey(r.namespace, meta.EngineID, meta.Rank)] = memoryEntry{
		data:      data,
		expiresAt: r.clock.Now().Add(ttl),
	}
	return nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, engineID string, rank int) (*EngineMetadata, error) {
	key := RegistryKey(r.namespace, engineID, rank)

	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok && !r.clock.Now().Before(entry.expiresAt) {
		delete(r.entries, key)
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	}
	return decodeMetadata(entry.data)
}

// Delete implements Registry.
func (r *MemoryRegistry) Delete(_ context.Context, engineID string, rank int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, RegistryKey(r.namespace, engineID, rank))
	return nil
}

// Close implements Registry.
func (r *MemoryRegistry) Close() error {
	return nil
}
