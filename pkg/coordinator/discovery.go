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

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/metrics"
	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/logging"
)

// Discoverer resolves the metadata of a peer engine rank.
type Discoverer interface {
	Discover(ctx context.Context, engineID string, rank int) (*EngineMetadata, error)
}

// RegistryDiscovery polls a registry until the peer shows up or the timeout
// elapses.
type RegistryDiscovery struct {
	registry Registry
	timeout  time.Duration
	interval time.Duration
}

var _ Discoverer = &RegistryDiscovery{}

// NewRegistryDiscovery creates a RegistryDiscovery.
func NewRegistryDiscovery(registry Registry, timeout, interval time.Duration) *RegistryDiscovery {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &RegistryDiscovery{registry: registry, timeout: timeout, interval: interval}
}

// Discover implements Discoverer. It returns ErrDiscoveryTimeout when the
// peer stays absent or registry lookups run out of time, and
// ErrRegistryUnavailable when the registry cannot be reached.
func (d *RegistryDiscovery) Discover(ctx context.Context, engineID string, rank int) (*EngineMetadata, error) {
	var (
		found   *EngineMetadata
		lastErr error
	)

	err := wait.PollUntilContextTimeout(ctx, d.interval, d.timeout, true, func(ctx context.Context) (bool, error) {
		meta, err := d.registry.Get(ctx, engineID, rank)
		switch {
		case err == nil:
			found = meta
			return true, nil
		case errors.Is(err, ErrNotRegistered):
			lastErr = err
			return false, nil
		case errors.Is(err, context.DeadlineExceeded):
			// slow lookups count against the discovery timeout.
			lastErr = fmt.Errorf("lookup of %s rank %d: %w", engineID, rank, context.DeadlineExceeded)
			return false, nil
		default:
			return false, err
		}
	})

	switch {
	case err == nil:
		return found, nil
	case wait.Interrupted(err):
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		if lastErr == nil {
			lastErr = err
		}
		return nil, fmt.Errorf("%w: %s rank %d after %v: %w", ErrDiscoveryTimeout, engineID, rank, d.timeout, lastErr)
	default:
		return nil, err
	}
}

// DirectDiscovery resolves peers from pre-configured addresses without any
// network I/O. Reachability is checked by the handshake.
type DirectDiscovery struct {
	addresses map[string]string
}

var _ Discoverer = &DirectDiscovery{}

// NewDirectDiscovery creates a DirectDiscovery over engine id -> address.
func NewDirectDiscovery(addresses map[string]string) *DirectDiscovery {
	return &DirectDiscovery{addresses: addresses}
}

// Discover implements Discoverer.
func (d *DirectDiscovery) Discover(_ context.Context, engineID string, rank int) (*EngineMetadata, error) {
	addr, ok := d.addresses[engineID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, engineID)
	}
	return &EngineMetadata{EngineID: engineID, Rank: rank, Address: addr}, nil
}

// FallbackDiscovery tries a primary strategy and falls through to a
// secondary one on any primary failure.
type FallbackDiscovery struct {
	primary  Discoverer
	fallback Discoverer
}

var _ Discoverer = &FallbackDiscovery{}

// NewFallbackDiscovery creates a FallbackDiscovery.
func NewFallbackDiscovery(primary, fallback Discoverer) *FallbackDiscovery {
	return &FallbackDiscovery{primary: primary, fallback: fallback}
}

// Discover implements Discoverer. When both strategies fail, the error
// wraps both causes.
func (d *FallbackDiscovery) Discover(ctx context.Context, engineID string, rank int) (*EngineMetadata, error) {
	meta, primaryErr := d.primary.Discover(ctx, engineID, rank)
	if primaryErr == nil {
		return meta, nil
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, primaryErr
	}

	klog.FromContext(ctx).V(logging.DEFAULT).WithName("coordinator.FallbackDiscovery").
		Info("registry discovery failed, falling back to direct handshake",
			"engineID", engineID, "rank", rank, "reason", primaryErr.Error())
	metrics.DiscoveryFallbacks.Inc()

	meta, err := d.fallback.Discover(ctx, engineID, rank)
	if err != nil {
		return nil, errors.Join(primaryErr, err)
	}
	return meta, nil
}
