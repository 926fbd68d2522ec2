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

package cacheengine

import (
	"fmt"
	"sync"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// BlockDescriptor locates a block's memory so a peer can issue a remote read
// without further negotiation.
type BlockDescriptor struct {
	Device string `msgpack:"device"`
	Offset uint64 `msgpack:"offset"`
	Size   uint64 `msgpack:"size"`
}

// slab is the fast-tier backing store: one contiguous region split into
// fixed-size blocks, each guarded by its own lock so transfers on unrelated
// blocks proceed in parallel.
type slab struct {
	device     string
	blockBytes int
	data       []byte
	locks      []sync.RWMutex
}

func newSlab(device string, numBlocks, blockBytes int) *slab {
	return &slab{
		device:     device,
		blockBytes: blockBytes,
		data:       make([]byte, numBlocks*blockBytes),
		locks:      make([]sync.RWMutex, numBlocks),
	}
}

func (s *slab) numBlocks() int {
	return len(s.locks)
}

func (s *slab) check(id kvblock.BlockID) error {
	if n := s.numBlocks(); id < 0 || int(id) >= n {
		return fmt.Errorf("%w: %d not in [0, %d)", errBlockOutOfRange, id, n)
	}
	return nil
}

func (s *slab) region(id kvblock.BlockID) []byte {
	off := int(id) * s.blockBytes
	return s.data[off : off+s.blockBytes]
}

func (s *slab) read(id kvblock.BlockID, dst []byte) error {
	if err := s.check(id); err != nil {
		return err
	}
	s.locks[id].RLock()
	copy(dst, s.region(id))
	s.locks[id].RUnlock()
	return nil
}

func (s *slab) write(id kvblock.BlockID, src []byte) error {
	if err := s.check(id); err != nil {
		return err
	}
	if len(src) > s.blockBytes {
		return fmt.Errorf("payload of %d bytes exceeds block size %d", len(src), s.blockBytes)
	}
	s.locks[id].Lock()
	region := s.region(id)
	n := copy(region, src)
	clear(region[n:])
	s.locks[id].Unlock()
	return nil
}

// copyBlock duplicates src into dst. Locks are taken in id order.
func (s *slab) copyBlock(src, dst kvblock.BlockID) error {
	if err := s.check(src); err != nil {
		return err
	}
	if err := s.check(dst); err != nil {
		return err
	}
	if src == dst {
		return nil
	}

	if src < dst {
		s.locks[src].RLock()
		s.locks[dst].Lock()
	} else {
		s.locks[dst].Lock()
		s.locks[src].RLock()
	}
	copy(s.region(dst), s.region(src))
	s.locks[dst].Unlock()
	s.locks[src].RUnlock()
	return nil
}

func (s *slab) descriptor(id kvblock.BlockID) BlockDescriptor {
	return BlockDescriptor{
		Device: s.device,
		Offset: uint64(id) * uint64(s.blockBytes), //nolint:gosec // ids and sizes are non-negative
		Size:   uint64(s.blockBytes),              //nolint:gosec // positive by construction
	}
}
