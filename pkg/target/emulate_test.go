// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"bytes"
	"context"
	"testing"

	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

func TestReadCapacity10ROM(t *testing.T) {
	// 1,000,000 512-byte sectors on a 2048-byte-block ROM: 250,000
	// blocks, last LBA 249,999.
	d, _ := newTestROM(t, 1000000)
	d.MaxLBA = 0 // force re-learning through the command itself

	r := run(t, d, []byte{0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	out := payload(t, r)
	want := []byte{0x00, 0x03, 0xd0, 0x8f, 0x00, 0x00, 0x08, 0x00}
	if !bytes.Equal(out, want) {
		t.Errorf("response = % x, want % x", out, want)
	}
	if d.MaxLBA != 249999 {
		t.Errorf("MaxLBA = %d, want 249999", d.MaxLBA)
	}
}

func TestReadCapacity10Clips2TB(t *testing.T) {
	d, _ := newTestDisk(t, 1<<33) // 2^33 sectors, last LBA > UINT32_MAX
	out := payload(t, run(t, d, []byte{0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0}))
	if !bytes.Equal(out[:4], []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("clipped LBA = % x, want ff ff ff ff", out[:4])
	}
	if d.MaxLBA != 1<<33-1 {
		t.Errorf("MaxLBA = %d, want %d (unclipped)", d.MaxLBA, uint64(1<<33-1))
	}
}

func TestReadCapacity16(t *testing.T) {
	d, _ := newTestDisk(t, 1<<33, WithDiscardGranularity(4096))
	c := make([]byte, 16)
	c[0] = 0x9e
	c[1] = 0x10
	c[13] = 32 // allocation length
	out := payload(t, run(t, d, c))
	if len(out) != 32 {
		t.Fatalf("length = %d, want 32", len(out))
	}
	wantLBA := []byte{0, 0, 0, 0x01, 0xff, 0xff, 0xff, 0xff}
	if !bytes.Equal(out[:8], wantLBA) {
		t.Errorf("last LBA = % x, want % x", out[:8], wantLBA)
	}
	if !bytes.Equal(out[8:12], []byte{0, 0, 0x02, 0}) {
		t.Errorf("block size = % x, want 00 00 02 00", out[8:12])
	}
	if out[14] != 0x80 {
		t.Errorf("TPE byte = %#x, want 0x80", out[14])
	}
}

func TestReadCapacityNoMediaGeometry(t *testing.T) {
	d, b := newTestDisk(t, 4096)
	b.sectors = 0
	r := run(t, d, []byte{0x25, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	if r.SenseCode != sense.LUNNotReady {
		t.Errorf("SenseCode = %v, want LUN_NOT_READY", r.SenseCode)
	}
}

func TestReadOutOfRange(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	// READ(10) at LBA 1,000,000 on a 4096-sector disk.
	r := run(t, d, []byte{0x28, 0, 0x00, 0x0f, 0x42, 0x40, 0, 0, 1, 0})
	if r.Status != sense.StatusCheckCondition {
		t.Fatalf("Status = %#x, want CHECK_CONDITION", r.Status)
	}
	if r.SenseCode != sense.LBAOutOfRange {
		t.Errorf("SenseCode = %v, want LBA_OUT_OF_RANGE", r.SenseCode)
	}
	if r.SenseCode.Key != sense.KeyIllegalRequest || r.SenseCode.ASC != 0x21 || r.SenseCode.ASCQ != 0x00 {
		t.Errorf("sense triple = %v, want (ILLEGAL_REQUEST, 0x21, 0x00)", r.SenseCode)
	}
}

func TestModeSenseCachingPage(t *testing.T) {
	d, _ := newTestDisk(t, 4096, WithDPOFUA(true))
	r := run(t, d, []byte{0x1a, 0, 0x08, 0, 192, 0})
	out := payload(t, r)

	if out[2] != 0x10 {
		t.Errorf("device-specific byte = %#x, want 0x10 (DPOFUA)", out[2])
	}
	if out[3] != 8 {
		t.Fatalf("block descriptor length = %d, want 8", out[3])
	}
	page := out[4+8:]
	if page[0] != 0x08 || page[1] != 0x12 {
		t.Errorf("page header = % x, want 08 12", page[:2])
	}
	if page[2] != 0x04 {
		t.Errorf("page byte 2 = %#x, want 0x04 (WCE)", page[2])
	}
	if int(out[0]) != len(out)-1 {
		t.Errorf("mode data length = %d, want %d", out[0], len(out)-1)
	}
}

func TestModeSenseReadOnlyBit(t *testing.T) {
	d, b := newTestDisk(t, 4096)
	b.readOnly = true
	out := payload(t, run(t, d, []byte{0x1a, 0, 0x08, 0, 192, 0}))
	if out[2] != 0x80 {
		t.Errorf("device-specific byte = %#x, want 0x80 (read-only)", out[2])
	}
}

func TestModeSense10ROMForcesDBD(t *testing.T) {
	d, _ := newTestROM(t, 1000)
	out := payload(t, run(t, d, []byte{0x5a, 0, 0x08, 0, 0, 0, 0, 0, 192, 0}))
	if out[3] != 0 {
		t.Errorf("device-specific byte = %#x, want 0", out[3])
	}
	if out[6] != 0 || out[7] != 0 {
		t.Errorf("block descriptor length = %d, want 0", uint16(out[6])<<8|uint16(out[7]))
	}
	// Page follows the 8-byte header directly.
	if out[8] != 0x08 {
		t.Errorf("first page code = %#x, want 0x08", out[8])
	}
}

func TestModeSenseAllPages(t *testing.T) {
	d, _ := newTestDisk(t, 4096, WithGeometry(Geometry{Cylinders: 1024, Heads: 16, Sectors: 63}))
	out := payload(t, run(t, d, []byte{0x1a, 0, 0x3f, 0, 255, 0}))

	var pages []byte
	p := out[4+8:]
	for len(p) >= 2 {
		pages = append(pages, p[0])
		p = p[int(p[1])+2:]
	}
	want := []byte{modePageRWError, modePageHDGeometry, modePageFlexDisk, modePageCaching}
	if !bytes.Equal(pages, want) {
		t.Errorf("page walk = %v, want %v", pages, want)
	}
}

func TestModeSenseChangeableValuesAreZero(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	out := payload(t, run(t, d, []byte{0x1a, 0, 0x48, 0, 192, 0})) // PC=01, page 8
	page := out[4+8:]
	if page[0] != 0x08 || page[1] != 0x12 {
		t.Fatalf("page header = % x", page[:2])
	}
	for i, v := range page[2 : 2+0x12] {
		if v != 0 {
			t.Errorf("changeable mask byte %d = %#x, want 0", i+2, v)
		}
	}
}

func TestModeSenseSavedValuesUnsupported(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, []byte{0x1a, 0, 0xc8, 0, 192, 0}) // PC=11
	if r.SenseCode != sense.SavingParamsNotSupported {
		t.Errorf("SenseCode = %v, want SAVING_PARAMS_NOT_SUPPORTED", r.SenseCode)
	}
}

func TestModeSenseUnknownPage(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, []byte{0x1a, 0, 0x2a, 0, 192, 0}) // CAPABILITIES is ROM-only
	if r.SenseCode != sense.InvalidField {
		t.Errorf("SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}

func TestWriteSameWithoutUnmapBit(t *testing.T) {
	d, b := newTestDisk(t, 4096, WithDiscardGranularity(4096))
	c := make([]byte, 16)
	c[0] = 0x93
	c[13] = 8 // 8 blocks, unmap bit clear
	r := run(t, d, c)
	if r.SenseCode != sense.InvalidField {
		t.Errorf("SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
	if len(b.discards) != 0 {
		t.Errorf("discard called %d times, want 0", len(b.discards))
	}
}

func TestWriteSameUnmap(t *testing.T) {
	d, b := newTestDisk(t, 4096, WithDiscardGranularity(4096))
	c := make([]byte, 16)
	c[0] = 0x93
	c[1] = 0x08
	c[9] = 16 // LBA 16
	c[13] = 8 // 8 blocks
	r := run(t, d, c)
	if r.Status != sense.StatusGood {
		t.Fatalf("Status = %#x, want GOOD", r.Status)
	}
	if len(b.discards) != 1 || b.discards[0] != [2]uint64{16, 8} {
		t.Errorf("discards = %v, want [[16 8]]", b.discards)
	}
}

func TestModeSelectLengthLimits(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	if r := run(t, d, []byte{0x15, 0, 0, 0, 12, 0}); r.Status != sense.StatusGood {
		t.Errorf("MODE SELECT(6) len 12: Status = %#x, want GOOD", r.Status)
	}
	if r := run(t, d, []byte{0x15, 0, 0, 0, 13, 0}); r.SenseCode != sense.InvalidField {
		t.Errorf("MODE SELECT(6) len 13: SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
	if r := run(t, d, []byte{0x55, 0, 0, 0, 0, 0, 0, 0, 16, 0}); r.Status != sense.StatusGood {
		t.Errorf("MODE SELECT(10) len 16: Status = %#x, want GOOD", r.Status)
	}
	if r := run(t, d, []byte{0x55, 0, 0, 0, 0, 0, 0, 0, 17, 0}); r.SenseCode != sense.InvalidField {
		t.Errorf("MODE SELECT(10) len 17: SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}

func TestSeek10BoundsCheck(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	if r := run(t, d, []byte{0x2b, 0, 0, 0, 0x0f, 0xff, 0, 0, 0, 0}); r.Status != sense.StatusGood {
		t.Errorf("in-range seek: Status = %#x, want GOOD", r.Status)
	}
	if r := run(t, d, []byte{0x2b, 0, 0, 0, 0x10, 0x00, 0, 0, 0, 0}); r.SenseCode != sense.LBAOutOfRange {
		t.Errorf("out-of-range seek: SenseCode = %v, want LBA_OUT_OF_RANGE", r.SenseCode)
	}
}

func TestRequestSenseReportsPendingSense(t *testing.T) {
	d, _ := newTestDisk(t, 4096)

	// Provoke a CHECK_CONDITION, then read it back in fixed format.
	run(t, d, []byte{0x28, 0, 0x00, 0x0f, 0x42, 0x40, 0, 0, 1, 0})
	out := payload(t, run(t, d, []byte{0x03, 0, 0, 0, 64, 0}))
	if len(out) != sense.FixedLen {
		t.Fatalf("length = %d, want %d", len(out), sense.FixedLen)
	}
	if out[0] != 0x70 || out[2] != byte(sense.KeyIllegalRequest) || out[12] != 0x21 {
		t.Errorf("fixed sense = % x", out[:14])
	}

	// The pending sense was consumed; the next REQUEST SENSE is clean.
	out = payload(t, run(t, d, []byte{0x03, 0, 0, 0, 64, 0}))
	if out[2] != byte(sense.KeyNoSense) {
		t.Errorf("second REQUEST SENSE key = %#x, want NO_SENSE", out[2])
	}
}

func TestRequestSenseDescriptorFormat(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	out := payload(t, run(t, d, []byte{0x03, 1, 0, 0, 64, 0}))
	if len(out) != sense.DescriptorLen {
		t.Fatalf("length = %d, want %d", len(out), sense.DescriptorLen)
	}
	if out[0] != 0x72 {
		t.Errorf("response code = %#x, want 0x72", out[0])
	}
}

func TestStartStopEjectsUnlockedTray(t *testing.T) {
	d, _ := newTestROM(t, 1000)
	// START=0, LOEJ=1: open the tray.
	r := run(t, d, []byte{0x1b, 0, 0, 0, 0x02, 0})
	if r.Status != sense.StatusGood {
		t.Fatalf("Status = %#x, want GOOD", r.Status)
	}
	if !d.TrayOpen {
		t.Error("TrayOpen = false after eject")
	}
	// START=1, LOEJ=1: load it again.
	run(t, d, []byte{0x1b, 0, 0, 0, 0x03, 0})
	if d.TrayOpen {
		t.Error("TrayOpen = true after load")
	}
}

func TestStartStopLockedTray(t *testing.T) {
	d, b := newTestROM(t, 1000)
	d.TrayLocked = true
	r := run(t, d, []byte{0x1b, 0, 0, 0, 0x02, 0})
	if r.SenseCode != sense.IllegalReqRemovalPrevented {
		t.Errorf("SenseCode = %v, want ILLEGAL_REQ_REMOVAL_PREVENTED", r.SenseCode)
	}

	b.inserted = false
	r = run(t, d, []byte{0x1b, 0, 0, 0, 0x02, 0})
	if r.SenseCode != sense.NotReadyRemovalPrevented {
		t.Errorf("SenseCode = %v, want NOT_READY_REMOVAL_PREVENTED", r.SenseCode)
	}
}

func TestAllowMediumRemoval(t *testing.T) {
	d, b := newTestROM(t, 1000)
	run(t, d, []byte{0x1e, 0, 0, 0, 1, 0})
	if !d.TrayLocked || !b.locked {
		t.Errorf("TrayLocked = %v, backend locked = %v; want both true", d.TrayLocked, b.locked)
	}
	run(t, d, []byte{0x1e, 0, 0, 0, 0, 0})
	if d.TrayLocked || b.locked {
		t.Errorf("TrayLocked = %v, backend locked = %v; want both false", d.TrayLocked, b.locked)
	}
}

func TestTestUnitReadyNoMedium(t *testing.T) {
	d, b := newTestROM(t, 1000)
	b.inserted = false
	r := run(t, d, []byte{0x00, 0, 0, 0, 0, 0})
	if r.SenseCode != sense.NoMedium {
		t.Errorf("SenseCode = %v, want NO_MEDIUM", r.SenseCode)
	}
}

func TestUnknownOpcode(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, []byte{0x1c, 0, 0, 0, 0, 0}) // RECEIVE DIAGNOSTIC RESULTS
	if r.SenseCode != sense.InvalidOpcode {
		t.Errorf("SenseCode = %v, want INVALID_OPCODE", r.SenseCode)
	}
}

func TestReserveRelease(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	ctx := context.Background()

	reserve := func(initiator string) *Request {
		r, err := NewRequest(d, 1, 0, initiator, []byte{0x16, 0, 0, 0, 0, 0})
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if err := d.SendCommand(ctx, r); err != nil {
			t.Fatalf("SendCommand() error = %v", err)
		}
		return r
	}
	release := func(initiator string) {
		r, err := NewRequest(d, 1, 0, initiator, []byte{0x17, 0, 0, 0, 0, 0})
		if err != nil {
			t.Fatalf("NewRequest() error = %v", err)
		}
		if err := d.SendCommand(ctx, r); err != nil {
			t.Fatalf("SendCommand() error = %v", err)
		}
	}

	if r := reserve("init-a"); r.Status != sense.StatusGood {
		t.Fatalf("RESERVE by init-a: Status = %#x, want GOOD", r.Status)
	}
	if d.ReservedBy() != "init-a" {
		t.Fatalf("ReservedBy = %q, want init-a", d.ReservedBy())
	}
	if r := reserve("init-b"); r.Status != sense.StatusReservationConflict {
		t.Errorf("RESERVE by init-b: Status = %#x, want RESERVATION CONFLICT", r.Status)
	}

	// A data command from another initiator conflicts too.
	rb, _ := NewRequest(d, 1, 0, "init-b", []byte{0x28, 0, 0, 0, 0, 0, 0, 0, 1, 0})
	d.SendCommand(ctx, rb)
	if rb.Status != sense.StatusReservationConflict {
		t.Errorf("READ by init-b: Status = %#x, want RESERVATION CONFLICT", rb.Status)
	}

	// Releasing someone else's reservation is a silent no-op.
	release("init-b")
	if d.ReservedBy() != "init-a" {
		t.Errorf("ReservedBy after foreign release = %q, want init-a", d.ReservedBy())
	}

	release("init-a")
	if d.ReservedBy() != "" {
		t.Errorf("ReservedBy after release = %q, want empty", d.ReservedBy())
	}
}

func TestReserveThirdPartyBitsRejected(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	if r := run(t, d, []byte{0x16, 1, 0, 0, 0, 0}); r.SenseCode != sense.InvalidField {
		t.Errorf("RESERVE(6) 3rd-party: SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
	if r := run(t, d, []byte{0x56, 3, 0, 0, 0, 0, 0, 0, 0, 0}); r.SenseCode != sense.InvalidField {
		t.Errorf("RESERVE(10) bits: SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}
