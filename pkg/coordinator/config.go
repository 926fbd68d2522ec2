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
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/utils/env"
)

// Role is the part an engine plays in disaggregated serving.
type Role string

const (
	// Producer engines run prefill and serve their blocks to consumers.
	Producer Role = "producer"
	// Consumer engines run decode and read blocks from producers.
	Consumer Role = "consumer"
)

// Environment variables read by ConfigFromEnv.
const (
	EnvRegistryEnabled   = "KV_REGISTRY_ENABLED"
	EnvRegistryEndpoints = "KV_REGISTRY_ENDPOINTS"
	EnvRegistryNamespace = "KV_REGISTRY_NAMESPACE"
	EnvRegistryTTL       = "KV_REGISTRY_TTL"
	EnvDiscoveryTimeout  = "KV_DISCOVERY_TIMEOUT"
	EnvSideChannelAddr   = "KV_SIDE_CHANNEL_ADDR"
	EnvEngineID          = "KV_ENGINE_ID"
	EnvEngineRole        = "KV_ENGINE_ROLE"
	EnvEngineRank        = "KV_ENGINE_RANK"
	EnvPeerAddresses     = "KV_PEER_ADDRESSES"
)

// Config holds the configuration of the Coordinator.
type Config struct {
	EngineID string `json:"engineID"`
	Role     Role   `json:"role"`
	Rank     int    `json:"rank"`

	RegistryEnabled bool `json:"registryEnabled"`
	// RegistryEndpoints lists redis addresses. A single "memory://"
	// endpoint selects a process-local registry.
	RegistryEndpoints []string      `json:"registryEndpoints"`
	Namespace         string        `json:"namespace"`
	RegistryTTL       time.Duration `json:"registryTTL"`

	// DiscoveryTimeout bounds registry discovery and handshakes.
	DiscoveryTimeout time.Duration `json:"discoveryTimeout"`
	// PollInterval is the registry polling period during discovery.
	PollInterval time.Duration `json:"pollInterval"`

	// SideChannelAddr is the ZMQ endpoint the handshake server binds.
	// Empty disables the server.
	SideChannelAddr string `json:"sideChannelAddr"`
	// AdvertiseAddr is the address published to peers. It defaults to
	// SideChannelAddr.
	AdvertiseAddr string `json:"advertiseAddr"`

	// PeerAddresses maps engine ids to side-channel addresses for direct
	// discovery.
	PeerAddresses map[string]string `json:"peerAddresses"`
}

// DefaultConfig returns a default configuration for the Coordinator.
func DefaultConfig() *Config {
	return &Config{
		Role:             Producer,
		Namespace:        "kv",
		RegistryTTL:      30 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
		PollInterval:     100 * time.Millisecond,
	}
}

// ConfigFromEnv overlays the KV_* environment variables on the defaults.
func ConfigFromEnv(logger logr.Logger) *Config {
	cfg := DefaultConfig()

	cfg.RegistryEnabled = env.GetEnvBool(EnvRegistryEnabled, cfg.RegistryEnabled, logger)
	cfg.RegistryEndpoints = env.GetEnvList(EnvRegistryEndpoints, cfg.RegistryEndpoints, logger)
	cfg.Namespace = env.GetEnvString(EnvRegistryNamespace, cfg.Namespace, logger)
	cfg.RegistryTTL = env.GetEnvDuration(EnvRegistryTTL, cfg.RegistryTTL, logger)
	cfg.DiscoveryTimeout = env.GetEnvSeconds(EnvDiscoveryTimeout, cfg.DiscoveryTimeout, logger)
	cfg.SideChannelAddr = env.GetEnvString(EnvSideChannelAddr, cfg.SideChannelAddr, logger)
	cfg.EngineID = env.GetEnvString(EnvEngineID, cfg.EngineID, logger)
	cfg.Role = Role(env.GetEnvString(EnvEngineRole, string(cfg.Role), logger))
	cfg.Rank = env.GetEnvInt(EnvEngineRank, cfg.Rank, logger)
	cfg.PeerAddresses = env.GetEnvMap(EnvPeerAddresses, cfg.PeerAddresses, logger)

	return cfg
}

func (c *Config) validate() error {
	if c.EngineID == "" {
		return fmt.Errorf("engine id is required")
	}
	switch c.Role {
	case Producer, Consumer:
	default:
		return fmt.Errorf("unsupported engine role: %s", c.Role)
	}
	if c.Rank < 0 {
		return fmt.Errorf("invalid rank %d", c.Rank)
	}
	if c.RegistryEnabled {
		if len(c.RegistryEndpoints) == 0 {
			return fmt.Errorf("registry enabled without endpoints")
		}
		if c.RegistryTTL <= 0 {
			return fmt.Errorf("invalid registry ttl %v", c.RegistryTTL)
		}
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("invalid discovery timeout %v", c.DiscoveryTimeout)
	}
	return nil
}

func (c *Config) advertiseAddr() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return c.SideChannelAddr
}
