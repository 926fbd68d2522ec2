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

package kvevents

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

const (
	// BlockStoredEventTag is the tag for BlockStored events.
	BlockStoredEventTag = "BlockStored"
	// BlockRemovedEventTag is the tag for BlockRemoved events.
	BlockRemovedEventTag = "BlockRemoved"
	// AllBlocksClearedEventTag is the tag for AllBlocksCleared events.
	AllBlocksClearedEventTag = "AllBlocksCleared"
)

// event is a marker interface for KV-cache events.
type event interface {
	isEvent()
	ToTaggedUnion() []any
}

// EventBatch represents a batch of events.
// It is encoded as an array to match vLLM's format.
type EventBatch struct {
	_                struct{} `msgpack:",array"`
	TS               float64
	Events           []msgpack.RawMessage
	DataParallelRank *int `msgpack:",omitempty"`
}

// BlockStored event.
type BlockStored struct {
	_               struct{} `msgpack:",array"`
	BlockHashes     []uint64
	ParentBlockHash *uint64
	TokenIds        []uint32
	BlockSize       int
	LoraID          *int
	Medium          *string
}

func (bs BlockStored) ToTaggedUnion() []any {
	return []any{
		BlockStoredEventTag,
		bs.BlockHashes,
		bs.ParentBlockHash,
		bs.TokenIds,
		bs.BlockSize,
		bs.LoraID,
		bs.Medium,
	}
}

func (BlockStored) isEvent() {}

// LegacyBlockStored is a BlockStored event without a medium. Producers that
// predate device tiers send it; the blocks are taken to be on the device.
type LegacyBlockStored struct {
	_               struct{} `msgpack:",array"`
	BlockHashes     []uint64
	ParentBlockHash *uint64
	TokenIds        []uint32
	BlockSize       int
	LoraID          *int
}

func (bs LegacyBlockStored) ToTaggedUnion() []any {
	return []any{
		BlockStoredEventTag,
		bs.BlockHashes,
		bs.ParentBlockHash,
		bs.TokenIds,
		bs.BlockSize,
		bs.LoraID,
	}
}

func (LegacyBlockStored) isEvent() {}

// BlockRemoved event.
type BlockRemoved struct {
	_           struct{} `msgpack:",array"`
	BlockHashes []uint64
	Medium      *string
}

func (br BlockRemoved) ToTaggedUnion() []any {
	return []any{
		BlockRemovedEventTag,
		br.BlockHashes,
		br.Medium,
	}
}

func (BlockRemoved) isEvent() {}

// LegacyBlockRemoved is a BlockRemoved event without a medium.
type LegacyBlockRemoved struct {
	_           struct{} `msgpack:",array"`
	BlockHashes []uint64
}

func (br LegacyBlockRemoved) ToTaggedUnion() []any {
	return []any{
		BlockRemovedEventTag,
		br.BlockHashes,
	}
}

func (LegacyBlockRemoved) isEvent() {}

// AllBlocksCleared event.
type AllBlocksCleared struct {
	_ struct{} `msgpack:",array"`
}

func (ac AllBlocksCleared) ToTaggedUnion() []any {
	return []any{
		AllBlocksClearedEventTag,
	}
}

func (AllBlocksCleared) isEvent() {}

// fromBlockEvent converts an allocator event to wire events. Stored blocks
// become one BlockStored each since they need not form a chain.
func fromBlockEvent(ev kvblock.Event) []event {
	medium := string(ev.Tier)

	switch ev.Kind {
	case kvblock.BlocksStored:
		out := make([]event, 0, len(ev.Stored))
		for _, stored := range ev.Stored {
			bs := BlockStored{
				BlockHashes: []uint64{uint64(stored.Hash)},
				TokenIds:    stored.Tokens,
				BlockSize:   ev.BlockSize,
				Medium:      &medium,
			}
			if stored.ParentHash != nil {
				parent := uint64(*stored.ParentHash)
				bs.ParentBlockHash = &parent
			}
			out = append(out, bs)
		}
		return out
	case kvblock.BlocksRemoved:
		hashes := make([]uint64, len(ev.Removed))
		for i, h := range ev.Removed {
			hashes[i] = uint64(h)
		}
		return []event{BlockRemoved{BlockHashes: hashes, Medium: &medium}}
	case kvblock.AllBlocksCleared:
		return []event{AllBlocksCleared{}}
	default:
		return nil
	}
}

// EncodeBatch encodes allocator events as a msgpack EventBatch payload.
func EncodeBatch(ts float64, events ...kvblock.Event) ([]byte, error) {
	batch := EventBatch{TS: ts}
	for _, ev := range events {
		for _, wire := range fromBlockEvent(ev) {
			raw, err := msgpack.Marshal(wire.ToTaggedUnion())
			if err != nil {
				return nil, fmt.Errorf("failed to encode %T: %w", wire, err)
			}
			batch.Events = append(batch.Events, raw)
		}
	}
	return msgpack.Marshal(&batch)
}

var errUnknownTag = errors.New("unknown event tag")

// decodeEvent decodes one tagged union. The payload length selects between
// the current and legacy layouts.
func decodeEvent(raw msgpack.RawMessage) (event, error) {
	var taggedUnion []msgpack.RawMessage
	if err := msgpack.Unmarshal(raw, &taggedUnion); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tagged union: %w", err)
	}
	if len(taggedUnion) < 1 {
		return nil, errors.New("malformed tagged union, no tag element")
	}

	var tag string
	if err := msgpack.Unmarshal(taggedUnion[0], &tag); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tag: %w", err)
	}
	payload, err := msgpack.Marshal(taggedUnion[1:])
	if err != nil {
		return nil, fmt.Errorf("failed to re-marshal payload parts: %w", err)
	}
	parts := len(taggedUnion) - 1

	var ev event
	switch {
	case tag == BlockStoredEventTag && parts == 5:
		var bs LegacyBlockStored
		err = msgpack.Unmarshal(payload, &bs)
		ev = bs
	case tag == BlockStoredEventTag:
		var bs BlockStored
		err = msgpack.Unmarshal(payload, &bs)
		ev = bs
	case tag == BlockRemovedEventTag && parts == 1:
		var br LegacyBlockRemoved
		err = msgpack.Unmarshal(payload, &br)
		ev = br
	case tag == BlockRemovedEventTag:
		var br BlockRemoved
		err = msgpack.Unmarshal(payload, &br)
		ev = br
	case tag == AllBlocksClearedEventTag:
		ev = AllBlocksCleared{}
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownTag, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", tag, err)
	}
	return ev, nil
}
