// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"context"
	"testing"

	"github.com/scsitarget/scsi-target-core/pkg/backend"
)

// stubBackend is a geometry-only BBI: reads produce a deterministic
// pattern, writes and flushes are counted, discards recorded. It lets
// capacity tests claim large media without allocating them.
type stubBackend struct {
	sectors  uint64
	blockSz  uint32
	readOnly bool
	inserted bool
	wce      bool
	action   backend.ErrorAction
	discardG uint32

	reads    int
	writes   int
	flushes  int
	discards [][2]uint64
	locked   bool

	readErr  error
	writeErr error
	flushErr error
}

func newStub(sectors uint64, blockSize uint32) *stubBackend {
	return &stubBackend{sectors: sectors, blockSz: blockSize, inserted: true, wce: true}
}

func (b *stubBackend) Geometry(ctx context.Context) (uint64, error) { return b.sectors, nil }
func (b *stubBackend) BlockSize() uint32                            { return b.blockSz }
func (b *stubBackend) ReadOnly() bool                               { return b.readOnly }
func (b *stubBackend) IsInserted() bool                             { return b.inserted }
func (b *stubBackend) WriteCacheEnabled() bool                      { return b.wce }
func (b *stubBackend) ErrorAction(isRead bool) backend.ErrorAction  { return b.action }
func (b *stubBackend) DiscardGranularity() uint32                   { return b.discardG }

func (b *stubBackend) ReadAt(ctx context.Context, p []byte, sector512 uint64) (int, error) {
	if b.readErr != nil {
		return 0, b.readErr
	}
	b.reads++
	for i := range p {
		p[i] = byte(sector512 + uint64(i))
	}
	return len(p), nil
}

func (b *stubBackend) WriteAt(ctx context.Context, p []byte, sector512 uint64) (int, error) {
	if b.writeErr != nil {
		return 0, b.writeErr
	}
	b.writes++
	return len(p), nil
}

func (b *stubBackend) Flush(ctx context.Context) error {
	if b.flushErr != nil {
		return b.flushErr
	}
	b.flushes++
	return nil
}

func (b *stubBackend) Discard(ctx context.Context, sector512, count512 uint64) error {
	b.discards = append(b.discards, [2]uint64{sector512, count512})
	return nil
}

func (b *stubBackend) Eject(locked bool) error      { return nil }
func (b *stubBackend) LockMedium(locked bool) error { b.locked = locked; return nil }
func (b *stubBackend) Close() error                 { return nil }

func newTestDisk(t *testing.T, sectors uint64, opts ...DeviceOpt) (*Device, *stubBackend) {
	t.Helper()
	b := newStub(sectors, 512)
	d, err := NewDevice(PersonalityDisk, append([]DeviceOpt{WithBackend(b)}, opts...)...)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	return d, b
}

func newTestROM(t *testing.T, sectors uint64, opts ...DeviceOpt) (*Device, *stubBackend) {
	t.Helper()
	b := newStub(sectors, 2048)
	d, err := NewDevice(PersonalityROM, append([]DeviceOpt{WithBackend(b)}, opts...)...)
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	return d, b
}

// run sends a CDB and returns the completed (or data-phase-pending)
// request.
func run(t *testing.T, d *Device, raw []byte) *Request {
	t.Helper()
	r, err := NewRequest(d, 1, 0, "test", raw)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if err := d.SendCommand(context.Background(), r); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	return r
}

// payload drains a data-in request through OnData and returns the bytes
// delivered.
func payload(t *testing.T, r *Request) []byte {
	t.Helper()
	ctx := context.Background()
	var out []byte
	r.OnData = func(r *Request, n int) {
		out = append(out, r.Buf()[:n]...)
		r.ReadData(ctx)
	}
	r.ReadData(ctx)
	return out
}

func TestNewDeviceRequiresBackend(t *testing.T) {
	if _, err := NewDevice(PersonalityDisk); err != ErrNoBackend {
		t.Errorf("NewDevice() error = %v, want ErrNoBackend", err)
	}
}

func TestNewDeviceRequiresMediaWhenFixed(t *testing.T) {
	b := newStub(1024, 512)
	b.inserted = false
	if _, err := NewDevice(PersonalityDisk, WithBackend(b)); err != ErrNoMedia {
		t.Errorf("NewDevice() error = %v, want ErrNoMedia", err)
	}
}

func TestNewDeviceLearnsCapacity(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	if d.MaxLBA != 4095 {
		t.Errorf("MaxLBA = %d, want 4095", d.MaxLBA)
	}
	rom, _ := newTestROM(t, 1000000)
	if rom.BlockSize != 2048 {
		t.Errorf("ROM BlockSize = %d, want 2048", rom.BlockSize)
	}
	if rom.MaxLBA != 249999 {
		t.Errorf("ROM MaxLBA = %d, want 249999", rom.MaxLBA)
	}
}

func TestDumpRendersWithoutBackend(t *testing.T) {
	d, _ := newTestROM(t, 1000)
	r := run(t, d, []byte{0x00, 0, 0, 0, 0, 0})
	if d.Dump() == "" || r.Dump() == "" {
		t.Error("Dump() returned empty output")
	}
}

func TestNewDeviceRejectsPassthroughCDBs(t *testing.T) {
	b := newStub(1024, 512)
	d, err := NewDevice(PersonalityBlock, WithBackend(b))
	if err != nil {
		t.Fatalf("NewDevice() error = %v", err)
	}
	if _, err := NewRequest(d, 1, 0, "test", []byte{0x12, 0, 0, 0, 36, 0}); err != ErrPassthrough {
		t.Errorf("NewRequest(INQUIRY) error = %v, want ErrPassthrough", err)
	}
	// Reads stay emulatable only on a no-cache backend; the stub
	// advertises no flags, so they need passthrough too.
	read10 := []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 1, 0}
	if _, err := NewRequest(d, 1, 0, "test", read10); err != ErrPassthrough {
		t.Errorf("NewRequest(READ 10) error = %v, want ErrPassthrough", err)
	}
}
