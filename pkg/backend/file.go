// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"fmt"
	"os"
	"sync"
)

// File is a BBI implementation backed by a regular file or a raw block
// device node. Construction fails fast if the path doesn't exist or its
// size can't be determined; an absent backing store is a fatal
// construction error, not something discovered lazily on the first
// READ CAPACITY.
type File struct {
	mu                 sync.Mutex
	f                  *os.File
	sizeByte           int64
	blockSz            uint32
	readOnly           bool
	action             ErrorAction
	discardGranularity uint32
}

// FileOpt configures a File backend at construction, the same
// functional-options shape used by pkg/target.DeviceOpt.
type FileOpt func(*File)

func WithReadOnly(v bool) FileOpt             { return func(f *File) { f.readOnly = v } }
func WithErrorAction(a ErrorAction) FileOpt   { return func(f *File) { f.action = a } }
func WithDiscardGranularity(n uint32) FileOpt { return func(f *File) { f.discardGranularity = n } }

// NewFile opens path and determines its size. For a regular file this is
// os.Stat; for a raw block device node (where Stat reports size 0) it
// falls back to the BLKGETSIZE64 ioctl implemented in blkdev_linux.go.
func NewFile(path string, blockSize uint32, opts ...FileOpt) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		f, err = os.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, fmt.Errorf("backend: open %q: %w", path, err)
		}
	}

	fb := &File{f: f, blockSz: blockSize}
	for _, opt := range opts {
		opt(fb)
	}

	size, err := fileSize(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: size %q: %w", path, err)
	}
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("backend: %q reports zero size", path)
	}
	fb.sizeByte = size
	return fb, nil
}

func (f *File) Geometry(ctx context.Context) (uint64, error) {
	return uint64(f.sizeByte) / 512, nil
}

func (f *File) BlockSize() uint32                   { return f.blockSz }
func (f *File) ReadOnly() bool                      { return f.readOnly }
func (f *File) IsInserted() bool                    { return true }
func (f *File) WriteCacheEnabled() bool             { return false }
func (f *File) ErrorAction(isRead bool) ErrorAction { return f.action }
func (f *File) DiscardGranularity() uint32          { return f.discardGranularity }

func (f *File) ReadAt(ctx context.Context, p []byte, sector512 uint64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.ReadAt(p, int64(sector512)*512)
}

func (f *File) WriteAt(ctx context.Context, p []byte, sector512 uint64) (int, error) {
	if f.readOnly {
		return 0, ErrReadOnly
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.WriteAt(p, int64(sector512)*512)
}

func (f *File) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Sync()
}

func (f *File) Discard(ctx context.Context, sector512, count512 uint64) error {
	if f.discardGranularity == 0 {
		return ErrDiscardUnsupported
	}
	// Punching holes in arbitrary files is platform- and filesystem-
	// specific (fallocate FALLOC_FL_PUNCH_HOLE on Linux); left as a
	// best-effort zero-fill, since unmapped contents are undefined
	// anyway.
	f.mu.Lock()
	defer f.mu.Unlock()
	zero := make([]byte, 4096)
	off := int64(sector512) * 512
	remaining := int64(count512) * 512
	for remaining > 0 {
		n := int64(len(zero))
		if n > remaining {
			n = remaining
		}
		if _, err := f.f.WriteAt(zero[:n], off); err != nil {
			return err
		}
		off += n
		remaining -= n
	}
	return nil
}

func (f *File) Eject(locked bool) error      { return nil }
func (f *File) LockMedium(locked bool) error { return nil }

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}
