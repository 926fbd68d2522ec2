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
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const redisKeyPrefix = "kvindex:"

// RedisIndexConfig holds the configuration for the RedisIndex.
type RedisIndexConfig struct {
	// Address is the Redis URL or host:port.
	Address string `json:"address,omitempty"`
	// KeyTTL expires keys that were not refreshed by a new BlockStored
	// event. Zero keeps keys until evicted.
	KeyTTL time.Duration `json:"keyTTL,omitempty"`
}

// DefaultRedisIndexConfig returns a configuration for a local Redis.
func DefaultRedisIndexConfig() *RedisIndexConfig {
	return &RedisIndexConfig{
		Address: "redis://127.0.0.1:6379",
	}
}

// RedisIndex stores each key as a Redis hash whose fields are engine entries.
// It lets several manager replicas share one view of block placements.
type RedisIndex struct {
	client redis.UniversalClient
	keyTTL time.Duration
}

var _ Index = &RedisIndex{}

// NewRedisIndex connects to Redis and creates a new RedisIndex.
func NewRedisIndex(ctx context.Context, cfg *RedisIndexConfig) (*RedisIndex, error) {
	if cfg == nil {
		cfg = DefaultRedisIndexConfig()
	}

	address := cfg.Address
	if !strings.HasPrefix(address, "redis://") &&
		!strings.HasPrefix(address, "rediss://") &&
		!strings.HasPrefix(address, "unix://") {
		address = "redis://" + address
	}

	opts, err := redis.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisIndexWithClient(client, cfg.KeyTTL), nil
}

// NewRedisIndexWithClient wraps an existing client.
func NewRedisIndexWithClient(client redis.UniversalClient, keyTTL time.Duration) *RedisIndex {
	return &RedisIndex{client: client, keyTTL: keyTTL}
}

func redisKey(key Key) string {
	return redisKeyPrefix + key.String()
}

// engineOf strips the tier suffix from a hash field.
func engineOf(field string) string {
	if i := strings.LastIndex(field, "@"); i >= 0 {
		return field[:i]
	}
	return field
}

// Lookup implements Index. All keys are fetched in a single round trip.
func (r *RedisIndex) Lookup(ctx context.Context, keys []Key,
	engineFilter sets.Set[string],
) (map[Key][]string, error) {
	enginesPerKey := make(map[Key][]string)
	if len(keys) == 0 {
		return enginesPerKey, nil
	}

	logger := klog.FromContext(ctx).WithName("kvindex.RedisIndex.Lookup")

	pipe := r.client.Pipeline()
	results := make([]*redis.StringSliceCmd, len(keys))
	for i, key := range keys {
		results[i] = pipe.HKeys(ctx, redisKey(key))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis pipeline execution failed: %w", err)
	}

	for i, cmd := range results {
		key := keys[i]
		fields, err := cmd.Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				logger.Error(err, "failed to get engines for key", "key", key)
			}
			break
		}

		var engines []string
		for _, f := range fields {
			id := engineOf(f)
			if engineFilter.Len() == 0 || engineFilter.Has(id) {
				engines = append(engines, id)
			}
		}
		if len(engines) == 0 {
			logger.V(logging.TRACE).Info("no engines found for key, cutting search", "key", key)
			break
		}
		enginesPerKey[key] = engines
	}

	return enginesPerKey, nil
}

// Add implements Index.
func (r *RedisIndex) Add(ctx context.Context, keys []Key, entries []EngineEntry) error {
	if len(keys) == 0 || len(entries) == 0 {
		return nil
	}

	now := time.Now().Format(time.RFC3339)
	pipe := r.client.Pipeline()
	for _, key := range keys {
		rk := redisKey(key)
		for _, entry := range entries {
			pipe.HSet(ctx, rk, entry.String(), now)
		}
		if r.keyTTL > 0 {
			pipe.Expire(ctx, rk, r.keyTTL)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add entries to Redis: %w", err)
	}

	return nil
}

// Evict implements Index. Redis drops a hash once its last field is removed.
func (r *RedisIndex) Evict(ctx context.Context, key Key, entries []EngineEntry) error {
	if len(entries) == 0 {
		return nil
	}

	fields := make([]string, len(entries))
	for i, entry := range entries {
		fields[i] = entry.String()
	}

	if err := r.client.HDel(ctx, redisKey(key), fields...).Err(); err != nil {
		return fmt.Errorf("failed to evict entries from Redis: %w", err)
	}

	return nil
}
