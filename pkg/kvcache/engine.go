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

// Package kvcache assembles the paged KV-cache core of one inference engine:
// block allocators, the block manager, the cache engine, the scheduler, the
// block-locality index fed by block events, and the optional distributed
// coordinator.
package kvcache

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/coordinator"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/blockmanager"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvevents"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvindex"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/scheduler"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const localEngineID = "local"

// Config holds the configuration of the Engine. The configuration covers
// the different components found in the Engine.
type Config struct {
	// ModelName scopes block hashes in the locality index.
	ModelName string `json:"modelName"`

	BlockManagerConfig *blockmanager.Config `json:"blockManagerConfig"`
	// CacheEngineConfig block counts are taken from BlockManagerConfig.
	CacheEngineConfig *cacheengine.Config `json:"cacheEngineConfig"`
	SchedulerConfig   *scheduler.Config   `json:"schedulerConfig"`

	IndexConfig     *kvindex.Config         `json:"indexConfig"`
	ScoringStrategy kvindex.ScoringStrategy `json:"scoringStrategy"`
	// EventsConfig configures the pool that digests block events of this
	// and (through its subscriber) other engines.
	EventsConfig *kvevents.Config `json:"eventsConfig"`
	// PublisherConfig, if set, also publishes block events to a remote
	// subscriber.
	PublisherConfig *kvevents.PublisherConfig `json:"publisherConfig,omitempty"`

	// CoordinatorConfig, if set, enables cross-host discovery and
	// handshakes.
	CoordinatorConfig *coordinator.Config `json:"coordinatorConfig,omitempty"`
}

// NewDefaultConfig returns a default configuration for the Engine.
func NewDefaultConfig() *Config {
	events := kvevents.DefaultConfig()
	events.ZMQEndpoint = ""

	return &Config{
		ModelName:          "default",
		BlockManagerConfig: blockmanager.DefaultConfig(),
		CacheEngineConfig:  cacheengine.DefaultConfig(),
		SchedulerConfig:    scheduler.DefaultConfig(),
		IndexConfig:        kvindex.DefaultConfig(),
		ScoringStrategy:    kvindex.LongestPrefixMatch,
		EventsConfig:       events,
	}
}

// Engine is the KV-cache core of one inference engine.
type Engine struct {
	config   *Config
	engineID string

	cacheEngine *cacheengine.Engine
	blocks      *blockmanager.BlockManager
	scheduler   *scheduler.Scheduler

	index     kvindex.Index
	scorer    kvindex.Scorer
	pool      *kvevents.Pool
	publisher *kvevents.Publisher

	coordinator *coordinator.Coordinator
}

// NewEngine creates an Engine given a Config.
func NewEngine(ctx context.Context, config *Config) (*Engine, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	defaults := NewDefaultConfig()
	bmCfg := orDefault(config.BlockManagerConfig, defaults.BlockManagerConfig)
	ceCfg := *orDefault(config.CacheEngineConfig, defaults.CacheEngineConfig)
	ceCfg.NumGPUBlocks = bmCfg.NumGPUBlocks
	ceCfg.NumCPUBlocks = bmCfg.NumCPUBlocks

	e := &Engine{config: config, engineID: localEngineID}
	if config.CoordinatorConfig != nil && config.CoordinatorConfig.EngineID != "" {
		e.engineID = config.CoordinatorConfig.EngineID
	}

	var err error
	e.cacheEngine, err = cacheengine.NewEngine(&ceCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache engine: %w", err)
	}

	e.index, err = kvindex.NewIndex(ctx, orDefault(config.IndexConfig, defaults.IndexConfig))
	if err != nil {
		_ = e.cacheEngine.Close()
		return nil, fmt.Errorf("failed to create block-locality index: %w", err)
	}

	e.scorer, err = kvindex.NewScorer(config.ScoringStrategy)
	if err != nil {
		_ = e.cacheEngine.Close()
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}

	e.pool = kvevents.NewPool(orDefault(config.EventsConfig, defaults.EventsConfig), e.index)
	sinks := []kvblock.EventSink{kvevents.NewLocalSink(e.pool, e.engineID, config.ModelName)}

	if config.PublisherConfig != nil {
		e.publisher, err = kvevents.NewPublisher(config.PublisherConfig)
		if err != nil {
			_ = e.cacheEngine.Close()
			return nil, fmt.Errorf("failed to create event publisher: %w", err)
		}
		sinks = append(sinks, e.publisher)
	}

	e.blocks, err = blockmanager.NewBlockManager(bmCfg, e.cacheEngine,
		blockmanager.WithGPUAllocatorOptions(kvblock.WithEventSink(fanOut(sinks)), kvblock.WithEngineLabel(e.engineID)),
		blockmanager.WithCPUAllocatorOptions(kvblock.WithEngineLabel(e.engineID)))
	if err != nil {
		_ = e.cacheEngine.Close()
		return nil, fmt.Errorf("failed to create block manager: %w", err)
	}

	e.scheduler, err = scheduler.New(orDefault(config.SchedulerConfig, defaults.SchedulerConfig), e.blocks)
	if err != nil {
		_ = e.cacheEngine.Close()
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	if config.CoordinatorConfig != nil {
		transfer := coordinator.TransferCapability{
			Device:     ceCfg.Device,
			BlockBytes: uint64(e.cacheEngine.BlockBytes()), //nolint:gosec // block size is positive
			NumBlocks:  bmCfg.NumGPUBlocks,
		}
		e.coordinator, err = coordinator.New(config.CoordinatorConfig, transfer,
			coordinator.WithReplyFunc(e.replyHandshake))
		if err != nil {
			_ = e.cacheEngine.Close()
			return nil, fmt.Errorf("failed to create coordinator: %w", err)
		}
	}

	return e, nil
}

func orDefault[T any](v, def *T) *T {
	if v == nil {
		return def
	}
	return v
}

func fanOut(sinks []kvblock.EventSink) kvblock.EventSink {
	if len(sinks) == 1 {
		return sinks[0]
	}
	return kvblock.EventSinkFunc(func(ctx context.Context, event kvblock.Event) {
		for _, sink := range sinks {
			sink.Publish(ctx, event)
		}
	})
}

// Run starts the event pool, the publisher and the coordinator. It is
// non-blocking; registry failures do not fail Run.
func (e *Engine) Run(ctx context.Context) error {
	e.pool.Start(ctx)
	if e.publisher != nil {
		go e.publisher.Run(ctx)
	}
	if e.coordinator != nil {
		if err := e.coordinator.Start(ctx); err != nil {
			return fmt.Errorf("failed to start coordinator: %w", err)
		}
	}
	return nil
}

// Close deregisters the engine and releases its resources.
func (e *Engine) Close(ctx context.Context) error {
	var err error
	if e.coordinator != nil {
		err = e.coordinator.Close(ctx)
	}
	e.pool.Shutdown(ctx)
	if closeErr := e.cacheEngine.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// EngineID returns the identifier the engine publishes events under.
func (e *Engine) EngineID() string {
	return e.engineID
}

// Scheduler returns the scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// BlockManager returns the block manager.
func (e *Engine) BlockManager() *blockmanager.BlockManager {
	return e.blocks
}

// CacheEngine returns the cache engine.
func (e *Engine) CacheEngine() *cacheengine.Engine {
	return e.cacheEngine
}

// Index returns the block-locality index.
func (e *Engine) Index() kvindex.Index {
	return e.index
}

// Coordinator returns the coordinator, or nil when disabled.
func (e *Engine) Coordinator() *coordinator.Coordinator {
	return e.coordinator
}

// ScorePeers scores engines by the number of leading blocks of tokens they
// hold. If engineIDs is empty, all engines are relevant.
func (e *Engine) ScorePeers(ctx context.Context, tokens []uint32, extraKey string,
	engineIDs []string,
) (map[string]int, error) {
	traceLogger := klog.FromContext(ctx).V(logging.TRACE).WithName("kvcache.Engine.ScorePeers")

	hashes := e.blocks.Hasher().BlockHashes(tokens, extraKey)
	if len(hashes) == 0 {
		//nolint:nilnil // a prompt shorter than a block matches nothing
		return nil, nil
	}
	keys := kvindex.KeysFor(e.config.ModelName, hashes)

	keyToEngines, err := e.index.Lookup(ctx, keys, sets.New(engineIDs...))
	if err != nil {
		return nil, fmt.Errorf("failed to query block-locality index: %w", err)
	}

	scores := e.scorer.Score(keys, keyToEngines)
	traceLogger.Info("scored engines", "blocks", len(keys), "scores", scores)
	return scores, nil
}

// ConnectPeer discovers a peer engine and establishes a transfer session,
// offering the descriptors of the given local blocks.
func (e *Engine) ConnectPeer(ctx context.Context, engineID string,
	blocks []kvblock.BlockID,
) (*coordinator.Session, error) {
	if e.coordinator == nil {
		return nil, fmt.Errorf("%w: coordinator disabled", coordinator.ErrHandshakeFailure)
	}

	descs, err := e.cacheEngine.Descriptors(blocks)
	if err != nil {
		return nil, err
	}
	return e.coordinator.Connect(ctx, engineID, descs)
}

// replyHandshake offers the descriptors of the whole device pool, matching
// the NumBlocks advertised in the engine's TransferCapability. Peers learn
// which blocks to read from the block index after the session is up, so the
// reply is not narrowed to the blocks of the request.
func (e *Engine) replyHandshake(_ context.Context, _ *coordinator.HandshakeMessage,
) ([]cacheengine.BlockDescriptor, error) {
	ids := make([]kvblock.BlockID, e.blocks.GPU().Stats().Total)
	for i := range ids {
		ids[i] = kvblock.BlockID(i)
	}
	return e.cacheEngine.Descriptors(ids)
}
