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
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/llm-d/llm-d-kv-block-manager/pkg/kvcache/kvblock"
)

// SlowTierKind selects the backing store of the slow tier.
type SlowTierKind string

const (
	// MemoryTier keeps swapped blocks compressed in host memory.
	MemoryTier SlowTierKind = "memory"
	// DiskTier keeps swapped blocks as compressed files in a directory.
	DiskTier SlowTierKind = "disk"
)

// slowTier stores the contents of slow-tier blocks. Every stored payload
// carries a checksum of the uncompressed bytes, verified on load.
type slowTier interface {
	store(ctx context.Context, id kvblock.BlockID, data []byte) error
	load(ctx context.Context, id kvblock.BlockID, dst []byte) error
	close() error
}

type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &codec{encoder: enc, decoder: dec}, nil
}

// decode decompresses payload into dst and verifies it against sum.
func (c *codec) decode(payload []byte, sum uint64, dst []byte) error {
	out, err := c.decoder.DecodeAll(payload, make([]byte, 0, len(dst)))
	if err != nil {
		return fmt.Errorf("failed to decompress block: %w", err)
	}
	if len(out) != len(dst) || xxhash.Sum64(out) != sum {
		return errCorruptBlock
	}
	copy(dst, out)
	return nil
}

func (c *codec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

type memoryRecord struct {
	sum     uint64
	payload []byte
}

type memoryTier struct {
	codec *codec

	mu      sync.RWMutex
	records map[kvblock.BlockID]memoryRecord
}

func newMemoryTier() (*memoryTier, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &memoryTier{codec: c, records: make(map[kvblock.BlockID]memoryRecord)}, nil
}

func (t *memoryTier) store(_ context.Context, id kvblock.BlockID, data []byte) error {
	rec := memoryRecord{
		sum:     xxhash.Sum64(data),
		payload: t.codec.encoder.EncodeAll(data, nil),
	}

	t.mu.Lock()
	t.records[id] = rec
	t.mu.Unlock()
	return nil
}

func (t *memoryTier) load(_ context.Context, id kvblock.BlockID, dst []byte) error {
	t.mu.RLock()
	rec, ok := t.records[id]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %d", errBlockNotPresent, id)
	}
	return t.codec.decode(rec.payload, rec.sum, dst)
}

func (t *memoryTier) close() error {
	t.codec.close()
	return nil
}

// diskTier writes one file per block: an 8-byte big-endian checksum
// followed by the zstd payload. Files are replaced atomically.
type diskTier struct {
	dir   string
	codec *codec
}

func newDiskTier(dir string) (*diskTier, error) {
	if dir == "" {
		return nil, fmt.Errorf("disk tier requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk tier directory: %w", err)
	}
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	return &diskTier{dir: dir, codec: c}, nil
}

func (t *diskTier) path(id kvblock.BlockID) string {
	return filepath.Join(t.dir, fmt.Sprintf("block-%08d.kvblk", id))
}

func (t *diskTier) store(_ context.Context, id kvblock.BlockID, data []byte) error {
	buf := make([]byte, 8, 8+len(data)/2)
	binary.BigEndian.PutUint64(buf, xxhash.Sum64(data))
	buf = t.codec.encoder.EncodeAll(data, buf)

	path := t.path(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("failed to write block %d: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", id, err)
	}
	return nil
}

func (t *diskTier) load(_ context.Context, id kvblock.BlockID, dst []byte) error {
	buf, err := os.ReadFile(t.path(id))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %d", errBlockNotPresent, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read block %d: %w", id, err)
	}
	if len(buf) < 8 {
		return errCorruptBlock
	}
	return t.codec.decode(buf[8:], binary.BigEndian.Uint64(buf[:8]), dst)
}

func (t *diskTier) close() error {
	t.codec.close()
	return nil
}
