// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sense

// Status bytes, SPC-3 table 27.
const (
	StatusGood                = 0x00
	StatusCheckCondition      = 0x02
	StatusReservationConflict = 0x18
)

// FixedLen is the length of a fixed-format sense payload this target
// emits.
const FixedLen = 18

// DescriptorLen is the length of a descriptor-format sense payload with
// no additional sense descriptors.
const DescriptorLen = 8

// Build fills buf with a sense payload for code, in fixed format unless
// desc is true, and returns the number of bytes written. A nil code
// builds NO_SENSE: REQUEST SENSE on an otherwise-quiescent device
// reports "no sense" rather than failing.
func Build(code *Code, desc bool, buf []byte) int {
	if code == nil {
		code = NoSense
	}
	if desc {
		return buildDescriptor(code, buf)
	}
	return buildFixed(code, buf)
}

func buildFixed(code *Code, buf []byte) int {
	n := FixedLen
	if len(buf) < n {
		n = len(buf)
	}
	for i := range buf[:n] {
		buf[i] = 0
	}
	if n > 0 {
		buf[0] = 0x70 // current errors, fixed format
	}
	if n > 2 {
		buf[2] = uint8(code.Key)
	}
	if n > 7 {
		buf[7] = 10 // additional sense length
	}
	if n > 12 {
		buf[12] = code.ASC
	}
	if n > 13 {
		buf[13] = code.ASCQ
	}
	return n
}

func buildDescriptor(code *Code, buf []byte) int {
	n := DescriptorLen
	if len(buf) < n {
		n = len(buf)
	}
	for i := range buf[:n] {
		buf[i] = 0
	}
	if n > 0 {
		buf[0] = 0x72 // current errors, descriptor format
	}
	if n > 1 {
		buf[1] = uint8(code.Key)
	}
	if n > 2 {
		buf[2] = code.ASC
	}
	if n > 3 {
		buf[3] = code.ASCQ
	}
	return n
}
