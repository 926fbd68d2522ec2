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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRegistry is a Registry backed by redis (standalone, sentinel or
// cluster, depending on the endpoints). Entries are plain keys with an
// expiry, so stale entries vanish without cleanup.
type RedisRegistry struct {
	client    redis.UniversalClient
	namespace string
}

var _ Registry = &RedisRegistry{}

// NewRedisRegistry connects to the given endpoints. Connection and
// per-command timeouts are bounded by timeout so that an unreachable
// registry fails fast.
func NewRedisRegistry(endpoints []string, namespace string, timeout time.Duration) (*RedisRegistry, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no registry endpoints")
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        endpoints,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})

	return NewRedisRegistryWithClient(client, namespace), nil
}

// NewRedisRegistryWithClient wraps an existing client.
func NewRedisRegistryWithClient(client redis.UniversalClient, namespace string) *RedisRegistry {
	return &RedisRegistry{client: client, namespace: namespace}
}

// Put implements Registry.
func (r *RedisRegistry) Put(ctx context.Context, meta *EngineMetadata, ttl time.Duration) error {
	data, err := encodeMetadata(meta)
	if err != nil {
		return err
	}

	key := RegistryKey(r.namespace, meta.EngineID, meta.Rank)
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: failed to set %s: %w", ErrRegistryUnavailable, key, err)
	}
	return nil
}

// Get implements Registry.
func (r *RedisRegistry) Get(ctx context.Context, engineID string, rank int) (*EngineMetadata, error) {
	key := RegistryKey(r.namespace, engineID, rank)

	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, key)
	case err != nil:
		return nil, fmt.Errorf("%w: failed to get %s: %w", ErrRegistryUnavailable, key, err)
	}
	return decodeMetadata(data)
}

// Delete implements Registry.
func (r *RedisRegistry) Delete(ctx context.Context, engineID string, rank int) error {
	key := RegistryKey(r.namespace, engineID, rank)
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %w", ErrRegistryUnavailable, key, err)
	}
	return nil
}

// Close implements Registry.
func (r *RedisRegistry) Close() error {
	return r.client.Close()
}
