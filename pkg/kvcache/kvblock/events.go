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

package kvblock

import "context"

// EventKind is the kind of a block lifecycle event.
type EventKind int

const (
	// BlocksStored is emitted when full blocks are registered in the prefix
	// cache and become reusable by content hash.
	BlocksStored EventKind = iota
	// BlocksRemoved is emitted when cached blocks are evicted.
	BlocksRemoved
	// AllBlocksCleared is emitted when the whole prefix cache is reset.
	AllBlocksCleared
)

// Event is a block lifecycle notification of an allocator.
type Event struct {
	Kind      EventKind
	Tier      DeviceTier
	BlockSize int
	// Stored is set for BlocksStored events.
	Stored []StoredBlock
	// Removed is set for BlocksRemoved events.
	Removed []BlockHash
}

// EventSink receives block lifecycle events. Publish must not block on slow
// consumers; it is called outside of allocator locks.
type EventSink interface {
	Publish(ctx context.Context, event Event)
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(ctx context.Context, event Event)

// Publish calls f(ctx, event).
func (f EventSinkFunc) Publish(ctx context.Context, event Event) {
	f(ctx, event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}
