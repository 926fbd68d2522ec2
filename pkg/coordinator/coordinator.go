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

// Package coordinator publishes and discovers engine metadata across hosts
// and establishes block-transfer sessions between prefill producers and
// decode consumers. A registry is the primary discovery path; pre-known
// peer addresses are the fallback when the registry is unavailable.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/cacheengine"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

const memoryEndpoint = "memory://"

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRegistry replaces the registry built from the configuration.
func WithRegistry(registry Registry) Option {
	return func(c *Coordinator) {
		c.registry = registry
	}
}

// WithClock sets the clock used for session timestamps and the memory
// registry.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// WithReplyFunc sets how the side channel answers handshake requests.
func WithReplyFunc(reply ReplyFunc) Option {
	return func(c *Coordinator) {
		c.reply = reply
	}
}

// Coordinator registers the local engine, discovers peers and performs
// transfer handshakes. Registry I/O never happens under a lock shared with
// local block allocation.
type Coordinator struct {
	cfg        Config
	clock      clock.Clock
	registry   Registry
	discoverer Discoverer
	reply      ReplyFunc
	transfer   TransferCapability

	side *SideChannel

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Coordinator. transfer describes the local blocks published
// to the registry.
func New(cfg *Config, transfer TransferCapability, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:      *cfg,
		clock:    clock.RealClock{},
		transfer: transfer,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.registry == nil && cfg.RegistryEnabled {
		registry, err := newRegistry(cfg, c.clock)
		if err != nil {
			return nil, err
		}
		c.registry = registry
	}

	direct := NewDirectDiscovery(cfg.PeerAddresses)
	switch {
	case c.registry == nil:
		c.discoverer = direct
	case len(cfg.PeerAddresses) == 0:
		c.discoverer = NewRegistryDiscovery(c.registry, cfg.DiscoveryTimeout, cfg.PollInterval)
	default:
		c.discoverer = NewFallbackDiscovery(
			NewRegistryDiscovery(c.registry, cfg.DiscoveryTimeout, cfg.PollInterval), direct)
	}

	return c, nil
}

func newRegistry(cfg *Config, clk clock.PassiveClock) (Registry, error) {
	if len(cfg.RegistryEndpoints) == 1 && strings.HasPrefix(cfg.RegistryEndpoints[0], memoryEndpoint) {
		return NewMemoryRegistry(cfg.Namespace, clk), nil
	}
	return NewRedisRegistry(cfg.RegistryEndpoints, cfg.Namespace, cfg.DiscoveryTimeout)
}

// Metadata returns the registry entry of the local engine.
func (c *Coordinator) Metadata() *EngineMetadata {
	return &EngineMetadata{
		EngineID: c.cfg.EngineID,
		Role:     c.cfg.Role,
		Rank:     c.cfg.Rank,
		Address:  c.advertiseAddr(),
		Transfer: c.transfer,
	}
}

func (c *Coordinator) advertiseAddr() string {
	if c.cfg.AdvertiseAddr == "" && c.side != nil {
		return c.side.Endpoint()
	}
	return c.cfg.advertiseAddr()
}

// SideChannel returns the handshake server, or nil before Start or when no
// side-channel address is configured.
func (c *Coordinator) SideChannel() *SideChannel {
	return c.side
}

// Start binds the side channel, registers the engine and refreshes the
// registration every TTL/2 until Close. A registry failure is logged and
// retried by the refresh loop; it does not fail Start.
func (c *Coordinator) Start(ctx context.Context) error {
	logger := klog.FromContext(ctx).WithName("coordinator.Coordinator.Start")

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	if c.cfg.SideChannelAddr != "" {
		side, err := ListenSideChannel(c.cfg.SideChannelAddr, c.cfg.EngineID, c.cfg.Role, c.reply)
		if err != nil {
			cancel()
			return err
		}
		c.side = side
		go side.Serve(runCtx)
	}

	c.cancel = cancel
	c.started = true

	if c.registry == nil {
		logger.Info("Registry disabled, peers are resolved from configured addresses",
			"peers", len(c.cfg.PeerAddresses))
		return nil
	}

	if err := c.Register(ctx); err != nil {
		logger.Error(err, "Initial registration failed, will retry")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		wait.UntilWithContext(runCtx, func(ctx context.Context) {
			if err := c.Register(ctx); err != nil {
				klog.FromContext(ctx).Error(err, "Registration refresh failed")
			}
		}, c.cfg.RegistryTTL/2)
	}()

	return nil
}

// Register publishes the local metadata with the configured TTL.
func (c *Coordinator) Register(ctx context.Context) error {
	if c.registry == nil {
		return fmt.Errorf("%w: registry disabled", ErrRegistryUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	defer cancel()

	meta := c.Metadata()
	if err := c.registry.Put(ctx, meta, c.cfg.RegistryTTL); err != nil {
		return err
	}

	klog.FromContext(ctx).V(logging.VERBOSE).WithName("coordinator.Coordinator.Register").
		Info("Registered engine", "key", RegistryKey(c.cfg.Namespace, meta.EngineID, meta.Rank),
			"address", meta.Address, "ttl", c.cfg.RegistryTTL)
	return nil
}

// Discover resolves a peer engine at the local rank. It never blocks
// longer than the discovery timeout.
func (c *Coordinator) Discover(ctx context.Context, engineID string) (*EngineMetadata, error) {
	return c.DiscoverRank(ctx, engineID, c.cfg.Rank)
}

// DiscoverRank resolves a specific rank of a peer engine.
func (c *Coordinator) DiscoverRank(ctx context.Context, engineID string, rank int) (*EngineMetadata, error) {
	logger := klog.FromContext(ctx).WithName("coordinator.Coordinator.Discover")

	ctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
	defer cancel()

	timer := prometheus.NewTimer(metrics.DiscoveryLatency)
	start := c.clock.Now()
	meta, err := c.discoverer.Discover(ctx, engineID, rank)
	timer.ObserveDuration()

	if err != nil {
		logger.Error(err, "Discovery failed", "engineID", engineID, "rank", rank)
		return nil, err
	}

	logger.V(logging.VERBOSE).Info("Discovered peer", "engineID", engineID, "rank", rank,
		"address", meta.Address, "latency", c.clock.Since(start))
	return meta, nil
}

// Handshake establishes a transfer session with a peer, offering the given
// local block descriptors. Failures wrap ErrHandshakeFailure and affect
// this session only.
func (c *Coordinator) Handshake(ctx context.Context, peer *EngineMetadata,
	descriptors []cacheengine.BlockDescriptor,
) (*Session, error) {
	logger := klog.FromContext(ctx).WithName("coordinator.Coordinator.Handshake")

	local := &HandshakeMessage{
		EngineID:         c.cfg.EngineID,
		Role:             c.cfg.Role,
		BlockDescriptors: descriptors,
	}

	reply, err := dialHandshake(ctx, peer, local, c.cfg.DiscoveryTimeout)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		return nil, fmt.Errorf("%w: %s at %s: %w", ErrHandshakeFailure, peer.EngineID, peer.Address, err)
	}

	logger.Info("Handshake completed", "peer", reply.EngineID, "role", reply.Role,
		"descriptors", len(reply.BlockDescriptors))
	return &Session{Peer: *peer, Remote: *reply, EstablishedAt: c.clock.Now()}, nil
}

// Connect discovers a peer and performs the handshake.
func (c *Coordinator) Connect(ctx context.Context, engineID string,
	descriptors []cacheengine.BlockDescriptor,
) (*Session, error) {
	peer, err := c.Discover(ctx, engineID)
	if err != nil {
		return nil, err
	}
	return c.Handshake(ctx, peer, descriptors)
}

// Close stops the refresh loop and the side channel and removes the
// registration.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel()
		c.wg.Wait()
		if c.side != nil {
			<-c.side.Done()
		}
		c.cancel = nil
	}

	if c.registry == nil {
		return nil
	}

	var errs []error
	if c.started {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.DiscoveryTimeout)
		defer cancel()
		if err := c.registry.Delete(ctx, c.cfg.EngineID, c.cfg.Rank); err != nil {
			errs = append(errs, err)
		} else {
			klog.FromContext(ctx).WithName("coordinator.Coordinator.Close").
				Info("Deregistered engine", "engineID", c.cfg.EngineID, "rank", c.cfg.Rank)
		}
		c.started = false
	}
	errs = append(errs, c.registry.Close())
	return errors.Join(errs...)
}

// RetryWithBackoff retries fn with exponential backoff while it fails with
// a retryable coordination error, for at most backoff.Steps attempts.
func RetryWithBackoff[T any](ctx context.Context, backoff wait.Backoff, fn func(context.Context) (T, error)) (T, error) {
	var (
		result  T
		lastErr error
	)
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		result, lastErr = fn(ctx)
		switch {
		case lastErr == nil:
			return true, nil
		case IsRetryable(lastErr):
			return false, nil
		default:
			return false, lastErr
		}
	})
	if err != nil && lastErr != nil {
		return result, lastErr
	}
	return result, err
}
