// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"sync"
)

// Memory is a BBI implementation backed by an in-memory byte slice. It
// exists for tests and for memory-backed device entries; it is not a
// storage engine, just the simplest possible BBI so the core is
// exercisable without a real disk.
type Memory struct {
	mu                 sync.Mutex
	data               []byte
	blockSz            uint32
	readOnly           bool
	wce                bool
	inserted           bool
	action             ErrorAction
	discardGranularity uint32
}

// NewMemory allocates a Memory backend of the given size in bytes,
// rounded down to a whole number of blockSize blocks.
func NewMemory(sizeBytes int, blockSize uint32) *Memory {
	sectors := sizeBytes / int(blockSize)
	return &Memory{
		data:     make([]byte, sectors*int(blockSize)),
		blockSz:  blockSize,
		inserted: true,
		wce:      true,
	}
}

func (m *Memory) SetReadOnly(v bool)             { m.readOnly = v }
func (m *Memory) SetInserted(v bool)             { m.inserted = v }
func (m *Memory) SetErrorAction(a ErrorAction)   { m.action = a }
func (m *Memory) SetDiscardGranularity(n uint32) { m.discardGranularity = n }

func (m *Memory) Geometry(ctx context.Context) (uint64, error) {
	return uint64(len(m.data)) / 512, nil
}

func (m *Memory) BlockSize() uint32                   { return m.blockSz }
func (m *Memory) ReadOnly() bool                      { return m.readOnly }
func (m *Memory) IsInserted() bool                    { return m.inserted }
func (m *Memory) WriteCacheEnabled() bool             { return m.wce }
func (m *Memory) ErrorAction(isRead bool) ErrorAction { return m.action }
func (m *Memory) DiscardGranularity() uint32          { return m.discardGranularity }

func (m *Memory) byteOffset(sector512 uint64) int64 {
	return int64(sector512) * 512
}

func (m *Memory) ReadAt(ctx context.Context, p []byte, sector512 uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off := m.byteOffset(sector512)
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	copy(p, m.data[off:off+int64(len(p))])
	return len(p), nil
}

func (m *Memory) WriteAt(ctx context.Context, p []byte, sector512 uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readOnly {
		return 0, ErrReadOnly
	}
	off := m.byteOffset(sector512)
	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, ErrOutOfRange
	}
	copy(m.data[off:off+int64(len(p))], p)
	return len(p), nil
}

func (m *Memory) Flush(ctx context.Context) error { return nil }

func (m *Memory) Discard(ctx context.Context, sector512, count512 uint64) error {
	if m.discardGranularity == 0 {
		return ErrDiscardUnsupported
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	off := m.byteOffset(sector512)
	n := int64(count512) * 512
	if off < 0 || off+n > int64(len(m.data)) {
		return ErrOutOfRange
	}
	for i := off; i < off+n; i++ {
		m.data[i] = 0
	}
	return nil
}

func (m *Memory) Eject(locked bool) error      { return nil }
func (m *Memory) LockMedium(locked bool) error { return nil }
func (m *Memory) Close() error                 { return nil }
