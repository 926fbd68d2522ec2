// Copyright 2025 The llm-d Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package kvevents

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvindex"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// Config holds the configuration for the event processing pool.
type Config struct {
	// ZMQEndpoint is the ZMQ address to bind the subscriber to
	// (e.g., "tcp://*:5557"). Empty disables the subscriber; messages then
	// arrive through AddTask only.
	ZMQEndpoint string `json:"zmqEndpoint"`
	// TopicFilter is the ZMQ subscription filter (e.g., "kv@").
	TopicFilter string `json:"topicFilter"`
	// Concurrency is the number of parallel workers to run.
	Concurrency int `json:"concurrency"`
}

// DefaultConfig returns a default configuration for the event processing pool.
func DefaultConfig() *Config {
	return &Config{
		ZMQEndpoint: "tcp://*:5557",
		TopicFilter: topicPrefix,
		Concurrency: 4,
	}
}

// Message represents a message that is read from a ZMQ topic.
type Message struct {
	Topic   string
	Payload []byte
	// Sequence number of the message
	Seq uint64
	// EngineID identifies the engine that sent the event, taken from the topic.
	EngineID string
	// ModelName is the name of the model that is associated with this event.
	ModelName string
}

// Pool is a sharded worker pool that digests block events into a
// block-locality index. Events of one engine are processed in order.
type Pool struct {
	queues     []workqueue.TypedRateLimitingInterface[*Message]
	subscriber *zmqSubscriber
	index      kvindex.Index
	wg         sync.WaitGroup
}

// NewPool creates a Pool with a sharded worker setup.
func NewPool(cfg *Config, index kvindex.Index) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	concurrency := max(cfg.Concurrency, 1)

	p := &Pool{
		queues: make([]workqueue.TypedRateLimitingInterface[*Message], concurrency),
		index:  index,
	}
	for i := range p.queues {
		p.queues[i] = workqueue.NewTypedRateLimitingQueue(workqueue.DefaultTypedControllerRateLimiter[*Message]())
	}
	if cfg.ZMQEndpoint != "" {
		p.subscriber = newZMQSubscriber(p, cfg.ZMQEndpoint, cfg.TopicFilter)
	}

	return p
}

// Start begins the worker pool and the ZMQ subscriber.
// It is non-blocking.
func (p *Pool) Start(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvevents.Pool")
	logger.Info("Starting sharded event processing pool", "workers", len(p.queues))

	p.wg.Add(len(p.queues))
	for i := range p.queues {
		go p.worker(ctx, i)
	}

	if p.subscriber != nil {
		go p.subscriber.Start(ctx)
	}
}

// Shutdown stops the workers once their queues drain.
func (p *Pool) Shutdown(ctx context.Context) {
	logger := klog.FromContext(ctx).WithName("kvevents.Pool")
	logger.Info("Shutting down event processing pool...")

	for _, queue := range p.queues {
		queue.ShutDownWithDrain()
	}
	p.wg.Wait()

	logger.Info("event processing pool shut down.")
}

// AddTask adds a message to the shard of its engine.
func (p *Pool) AddTask(task *Message) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(task.EngineID))

	//nolint:gosec // the number of shards is small
	p.queues[h.Sum32()%uint32(len(p.queues))].Add(task)
}

func (p *Pool) worker(ctx context.Context, workerIndex int) {
	defer p.wg.Done()
	queue := p.queues[workerIndex]

	for {
		task, shutdown := queue.Get()
		if shutdown {
			return
		}

		func(task *Message) {
			defer queue.Done(task)
			p.processEvent(ctx, task)
			queue.Forget(task)
		}(task)
	}
}

// processEvent decodes the message payload and digests its events. Poison
// messages are dropped rather than retried.
func (p *Pool) processEvent(ctx context.Context, msg *Message) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Pool.processEvent")
	debugLogger.Info("Processing event", "topic", msg.Topic, "seq", msg.Seq)

	var eventBatch EventBatch
	if err := msgpack.Unmarshal(msg.Payload, &eventBatch); err != nil {
		debugLogger.Error(err, "Failed to unmarshal event batch, dropping message")
		return
	}

	events := make([]event, 0, len(eventBatch.Events))
	for _, rawEvent := range eventBatch.Events {
		ev, err := decodeEvent(rawEvent)
		if err != nil {
			debugLogger.Error(err, "Skipping event")
			continue
		}
		events = append(events, ev)
	}

	p.digestEvents(ctx, msg.EngineID, msg.ModelName, events)
}

func (p *Pool) digestEvents(ctx context.Context, engineID, modelName string, events []event) {
	debugLogger := klog.FromContext(ctx).V(logging.DEBUG).WithName("kvevents.Pool.digestEvents")
	debugLogger.Info("Digesting events", "count", len(events))

	for _, ev := range events {
		switch ev := ev.(type) {
		case BlockStored:
			p.add(ctx, engineID, modelName, ev.BlockHashes, mediumTier(ev.Medium))
		case LegacyBlockStored:
			p.add(ctx, engineID, modelName, ev.BlockHashes, kvblock.TierGPU)
		case BlockRemoved:
			p.evict(ctx, engineID, modelName, ev.BlockHashes, mediumTier(ev.Medium))
		case LegacyBlockRemoved:
			p.evict(ctx, engineID, modelName, ev.BlockHashes, kvblock.TierGPU)
		case AllBlocksCleared:
			// stale entries age out of the index; lookups only cost a miss.
			continue
		default:
			debugLogger.Info("Unknown event", "engineID", engineID, "event", ev)
		}
	}
}

func (p *Pool) add(ctx context.Context, engineID, modelName string, hashes []uint64, tier kvblock.DeviceTier) {
	keys := utils.SliceMap(hashes, func(hash uint64) kvindex.Key {
		return kvindex.Key{ModelName: modelName, Hash: kvblock.BlockHash(hash)}
	})
	entries := []kvindex.EngineEntry{{EngineID: engineID, DeviceTier: tier}}

	if err := p.index.Add(ctx, keys, entries); err != nil {
		klog.FromContext(ctx).Error(err, "Failed to add blocks to index", "engineID", engineID, "blocks", len(keys))
	}
}

func (p *Pool) evict(ctx context.Context, engineID, modelName string, hashes []uint64, tier kvblock.DeviceTier) {
	entries := []kvindex.EngineEntry{{EngineID: engineID, DeviceTier: tier}}
	for _, hash := range hashes {
		key := kvindex.Key{ModelName: modelName, Hash: kvblock.BlockHash(hash)}
		if err := p.index.Evict(ctx, key, entries); err != nil {
			klog.FromContext(ctx).Error(err, "Failed to remove block from index", "engineID", engineID, "key", key)
		}
	}
}

func mediumTier(medium *string) kvblock.DeviceTier {
	if medium == nil || *medium == "" {
		return kvblock.TierGPU
	}
	return kvblock.DeviceTier(*medium)
}
