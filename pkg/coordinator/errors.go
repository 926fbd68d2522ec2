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

import "errors"

var (
	// ErrRegistryUnavailable is returned when the registry cannot be
	// reached. It is not fatal: discovery falls back to a direct address.
	ErrRegistryUnavailable = errors.New("registry unavailable")
	// ErrDiscoveryTimeout is returned when a peer did not show up in the
	// registry within the discovery timeout. Callers may retry with backoff.
	ErrDiscoveryTimeout = errors.New("discovery timed out")
	// ErrHandshakeFailure is returned when a transfer session could not be
	// established. It affects that session only.
	ErrHandshakeFailure = errors.New("handshake failed")
	// ErrNotRegistered is returned by registries for absent or expired
	// entries.
	ErrNotRegistered = errors.New("engine not registered")
	// ErrUnknownPeer is returned by direct discovery for peers without a
	// configured address.
	ErrUnknownPeer = errors.New("no address configured for peer")
)

// IsRetryable reports whether err is a transient coordination failure the
// caller may retry with exponential backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDiscoveryTimeout) || errors.Is(err, ErrRegistryUnavailable)
}
