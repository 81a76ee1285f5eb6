// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package backend implements the Block Backend Interface (BBI) the core
// consumes, plus two reference implementations. The core treats the
// backend as an external collaborator; Backend is the capability
// surface that collaborator must expose to drive any block-addressable
// store.
package backend

import (
	"context"
	"errors"
)

// ErrorAction is the backend's per-direction error policy, consulted by
// the data-path executor on I/O completion.
type ErrorAction int

const (
	ActionReport ErrorAction = iota
	ActionIgnore
	ActionStopENOSPC
	ActionStopAny
	ActionRetry
)

// ErrWouldBlock is returned by an asynchronous op that cannot make
// progress right now; callers treat it like EAGAIN, not a fatal error.
var ErrWouldBlock = errors.New("backend: operation would block")

// Backend is the storage contract the target core consumes.
// Implementations must be safe for the single goroutine a Device uses
// to drive them; under that single-threaded event-loop model no
// additional internal locking is required beyond what a concrete
// backend's own resources demand (e.g. a shared OS file descriptor).
type Backend interface {
	// Geometry returns the device size in 512-byte sectors.
	Geometry(ctx context.Context) (sectors512 uint64, err error)
	// BlockSize is the backend's native block size in bytes.
	BlockSize() uint32
	// ReadOnly reports whether writes must be rejected.
	ReadOnly() bool
	// IsInserted reports whether removable media is present.
	IsInserted() bool
	// WriteCacheEnabled reports the state of the write-back cache flag
	// surfaced in the MODE SENSE CACHING page.
	WriteCacheEnabled() bool
	// ErrorAction returns the configured policy for an I/O direction.
	ErrorAction(isRead bool) ErrorAction
	// DiscardGranularity is the minimum discard unit in bytes, or 0 if
	// discard (WRITE SAME w/ UNMAP) is unsupported.
	DiscardGranularity() uint32

	// ReadAt reads len(p) bytes starting at the given 512-byte sector.
	ReadAt(ctx context.Context, p []byte, sector512 uint64) (n int, err error)
	// WriteAt writes len(p) bytes starting at the given 512-byte sector.
	WriteAt(ctx context.Context, p []byte, sector512 uint64) (n int, err error)
	// Flush commits any write-back cache to stable storage.
	Flush(ctx context.Context) error
	// Discard releases the backing store for a sector range. Backends
	// that do not support discard return ErrDiscardUnsupported; the
	// target's WRITE SAME path calls it without checking
	// DiscardGranularity() first and reports any error as INVALID FIELD.
	Discard(ctx context.Context, sector512, count512 uint64) error

	// Eject toggles tray state on removable media; a no-op for backends
	// with no physical tray.
	Eject(locked bool) error
	// LockMedium records the ALLOW MEDIUM REMOVAL lock state.
	LockMedium(locked bool) error

	// Close releases any resources the backend owns.
	Close() error
}

// ErrDiscardUnsupported is returned by Discard on a backend with no
// discard granularity configured.
var ErrDiscardUnsupported = errors.New("backend: discard not supported")

// ErrReadOnly is returned by WriteAt on a read-only backend.
var ErrReadOnly = errors.New("backend: read-only")

// ErrOutOfRange is returned when an access falls outside the backend's
// geometry.
var ErrOutOfRange = errors.New("backend: access out of range")
