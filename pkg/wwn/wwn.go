// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wwn models the binary device-identification designator carried
// in SCSI INQUIRY VPD page 0x83 when a device is configured with a World
// Wide Name.
package wwn

import "encoding/binary"

// Designator is the 8-byte IEEE Registered Extended (NAA type 5) binary
// descriptor placed after the ASCII identifier in VPD page 0x83.
type Designator [8]byte

// FromUint64 builds the designator from a 64-bit WWN, setting the NAA type
// field (high nibble of byte 0) to 5 (IEEE Registered Extended) per SPC.
// A zero wwn is not a valid designator; callers must check WithWWN was set
// before calling this.
func FromUint64(wwn uint64) Designator {
	var d Designator
	binary.BigEndian.PutUint64(d[:], wwn)
	d[0] = (d[0] & 0x0f) | 0x50
	return d
}

// Uint64 returns the WWN the designator encodes, with the NAA type nibble
// masked out of byte 0.
func (d Designator) Uint64() uint64 {
	var masked Designator
	copy(masked[:], d[:])
	masked[0] &= 0x0f
	return binary.BigEndian.Uint64(masked[:])
}
