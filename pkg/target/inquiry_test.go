// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"bytes"
	"testing"

	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

func inquiryCDB(evpd bool, page byte, alloc uint16) []byte {
	c := []byte{0x12, 0, page, byte(alloc >> 8), byte(alloc), 0}
	if evpd {
		c[1] = 1
	}
	return c
}

func TestStandardInquiryDisk(t *testing.T) {
	d, _ := newTestDisk(t, 4096,
		WithSerial("abc"), WithVersion("1.5.0"))

	r := run(t, d, inquiryCDB(false, 0, 0x24))
	if r.XferLen != 36 {
		t.Fatalf("XferLen = %d, want 36", r.XferLen)
	}
	out := payload(t, r)
	if len(out) != 36 {
		t.Fatalf("payload length = %d, want 36", len(out))
	}

	wantHead := []byte{0x00, 0x00, 0x05, 0x02, 0x1f, 0x00, 0x00, 0x10}
	if !bytes.Equal(out[:8], wantHead) {
		t.Errorf("bytes 0-7 = % x, want % x", out[:8], wantHead)
	}
	if got := string(out[8:16]); got != "QEMU    " {
		t.Errorf("vendor = %q", got)
	}
	if got := string(out[16:32]); got != "QEMU HARDDISK   " {
		t.Errorf("product = %q", got)
	}
	if got := string(out[32:36]); got != "1.5." {
		t.Errorf("revision = %q", got)
	}
	if r.Status != sense.StatusGood {
		t.Errorf("Status = %#x, want GOOD", r.Status)
	}
}

func TestStandardInquiryTCQBit(t *testing.T) {
	d, _ := newTestDisk(t, 4096, WithTCQ(true))
	out := payload(t, run(t, d, inquiryCDB(false, 0, 36)))
	if out[7] != 0x12 {
		t.Errorf("byte 7 = %#x, want 0x12", out[7])
	}
}

func TestStandardInquiryRemovableROM(t *testing.T) {
	d, _ := newTestROM(t, 1000)
	out := payload(t, run(t, d, inquiryCDB(false, 0, 36)))
	if out[0] != 0x05 {
		t.Errorf("device type = %#x, want 0x05", out[0])
	}
	if out[1] != 0x80 {
		t.Errorf("RMB byte = %#x, want 0x80", out[1])
	}
	if got := string(out[16:32]); got != "QEMU CD-ROM     " {
		t.Errorf("product = %q", got)
	}
}

func TestStandardInquiryShortAllocation(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, inquiryCDB(false, 0, 5))
	out := payload(t, r)
	if len(out) != 5 {
		t.Fatalf("payload length = %d, want 5", len(out))
	}
	// Additional length is not adjusted for short allocation lengths.
	if out[4] != 31 {
		t.Errorf("additional length = %d, want 31", out[4])
	}
}

func TestStandardInquiryNonzeroPageFails(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, inquiryCDB(false, 0x80, 36))
	if r.SenseCode != sense.InvalidField {
		t.Errorf("SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}

func TestVPDSupportedPages(t *testing.T) {
	d, _ := newTestDisk(t, 4096, WithSerial("abc"))
	out := payload(t, run(t, d, inquiryCDB(true, 0x00, 64)))
	want := []byte{0x00, 0x80, 0x83, 0xb0, 0xb2}
	if int(out[3]) != len(want) {
		t.Fatalf("page list length = %d, want %d", out[3], len(want))
	}
	if !bytes.Equal(out[4:4+len(want)], want) {
		t.Errorf("page list = % x, want % x", out[4:4+len(want)], want)
	}

	// Without a serial the 0x80 page disappears; a ROM loses the block
	// limit pages too.
	rom, _ := newTestROM(t, 1000)
	out = payload(t, run(t, rom, inquiryCDB(true, 0x00, 64)))
	want = []byte{0x00, 0x83}
	if !bytes.Equal(out[4:4+len(want)], want) {
		t.Errorf("ROM page list = % x, want % x", out[4:4+len(want)], want)
	}
}

func TestVPDSerialNumber(t *testing.T) {
	d, _ := newTestDisk(t, 4096, WithSerial("serial-number-that-is-way-too-long"))
	out := payload(t, run(t, d, inquiryCDB(true, 0x80, 64)))
	if int(out[3]) != 20 {
		t.Fatalf("serial length = %d, want 20 (truncated)", out[3])
	}
	if got := string(out[4:24]); got != "serial-number-that-i" {
		t.Errorf("serial = %q", got)
	}
}

func TestVPDSerialNumberAbsent(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, inquiryCDB(true, 0x80, 64))
	if r.SenseCode != sense.InvalidField {
		t.Errorf("SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}

func TestVPDDeviceIdentification(t *testing.T) {
	d, _ := newTestDisk(t, 4096,
		WithSerial("abc"), WithWWN(0x5000c50015ea71ac))
	out := payload(t, run(t, d, inquiryCDB(true, 0x83, 64)))

	if out[4] != 0x2 { // ASCII designator
		t.Fatalf("designator code set = %#x, want 0x2", out[4])
	}
	if int(out[7]) != 3 || string(out[8:11]) != "abc" {
		t.Errorf("ASCII identifier = %q (len %d), want \"abc\"", out[8:8+out[7]], out[7])
	}

	naa := out[11:]
	if naa[0] != 0x1 || naa[1] != 0x3 || naa[3] != 8 {
		t.Fatalf("NAA descriptor header = % x", naa[:4])
	}
	wantWWN := []byte{0x50, 0x00, 0xc5, 0x00, 0x15, 0xea, 0x71, 0xac}
	if !bytes.Equal(naa[4:12], wantWWN) {
		t.Errorf("WWN bytes = % x, want % x", naa[4:12], wantWWN)
	}
}

func TestVPDBlockLimits(t *testing.T) {
	d, _ := newTestDisk(t, 4096,
		WithMinIOSize(4096), WithOptIOSize(65536), WithDiscardGranularity(4096))
	out := payload(t, run(t, d, inquiryCDB(true, 0xb0, 64)))
	if len(out) != 0x40 {
		t.Fatalf("length = %d, want 64", len(out))
	}
	if got := uint16(out[6])<<8 | uint16(out[7]); got != 8 {
		t.Errorf("min IO blocks = %d, want 8", got)
	}
	if got := uint32(out[12])<<24 | uint32(out[13])<<16 | uint32(out[14])<<8 | uint32(out[15]); got != 128 {
		t.Errorf("opt IO blocks = %d, want 128", got)
	}
	if got := uint32(out[28])<<24 | uint32(out[29])<<16 | uint32(out[30])<<8 | uint32(out[31]); got != 8 {
		t.Errorf("unmap granularity blocks = %d, want 8", got)
	}
}

func TestVPDBlockLimitsRejectedForROM(t *testing.T) {
	d, _ := newTestROM(t, 1000)
	r := run(t, d, inquiryCDB(true, 0xb0, 64))
	if r.SenseCode != sense.InvalidField {
		t.Errorf("SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}

func TestVPDThinProvisioning(t *testing.T) {
	d, _ := newTestDisk(t, 4096, WithDiscardGranularity(4096))
	out := payload(t, run(t, d, inquiryCDB(true, 0xb2, 64)))
	if len(out) != 8 {
		t.Fatalf("length = %d, want 8", len(out))
	}
	if out[5] != 0x60 {
		t.Errorf("byte 5 = %#x, want 0x60", out[5])
	}
	if out[6] != 2 {
		t.Errorf("byte 6 = %#x, want 2 (unmap enabled)", out[6])
	}

	plain, _ := newTestDisk(t, 4096)
	out = payload(t, run(t, plain, inquiryCDB(true, 0xb2, 64)))
	if out[6] != 1 {
		t.Errorf("byte 6 without discard = %#x, want 1", out[6])
	}
}

func TestVPDUnknownPage(t *testing.T) {
	d, _ := newTestDisk(t, 4096)
	r := run(t, d, inquiryCDB(true, 0x77, 64))
	if r.SenseCode != sense.InvalidField {
		t.Errorf("SenseCode = %v, want INVALID_FIELD", r.SenseCode)
	}
}
