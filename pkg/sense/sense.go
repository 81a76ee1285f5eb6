// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sense implements the SCSI sense-key/ASC/ASCQ taxonomy and the
// fixed- and descriptor-format sense response layouts a target returns
// in a REQUEST SENSE or CHECK_CONDITION data-in buffer.
package sense

import "fmt"

// Key is a SCSI sense key (SPC-3 table "Sense key descriptions").
type Key uint8

const (
	KeyNoSense        Key = 0x0
	KeyNotReady       Key = 0x2
	KeyIllegalRequest Key = 0x5
	KeyUnitAttention  Key = 0x6
	KeyMediumError    Key = 0x3
	KeyHardwareError  Key = 0x4
	KeyAborted        Key = 0xb
)

// Code is a (key, ASC, ASCQ) triple plus a human-readable tag.
type Code struct {
	Tag  string
	Key  Key
	ASC  uint8
	ASCQ uint8
}

func (c *Code) String() string {
	if c == nil {
		return "NO_SENSE"
	}
	return fmt.Sprintf("%s (key=%#02x asc=%#02x ascq=%#02x)", c.Tag, c.Key, c.ASC, c.ASCQ)
}

// Predefined sense codes: the well-known SPC/MMC triples a block or
// optical target reports.
var (
	NoSense = &Code{Tag: "NO_SENSE", Key: KeyNoSense, ASC: 0x00, ASCQ: 0x00}
	Reset   = &Code{Tag: "RESET", Key: KeyUnitAttention, ASC: 0x29, ASCQ: 0x00}

	NoMedium                 = &Code{Tag: "NO_MEDIUM", Key: KeyNotReady, ASC: 0x3a, ASCQ: 0x00}
	LUNNotReady              = &Code{Tag: "LUN_NOT_READY", Key: KeyNotReady, ASC: 0x04, ASCQ: 0x00}
	NotReadyRemovalPrevented = &Code{Tag: "NOT_READY_REMOVAL_PREVENTED", Key: KeyNotReady, ASC: 0x53, ASCQ: 0x02}

	UnitAttentionNoMedium = &Code{Tag: "UNIT_ATTENTION_NO_MEDIUM", Key: KeyUnitAttention, ASC: 0x3a, ASCQ: 0x00}
	MediumChanged         = &Code{Tag: "MEDIUM_CHANGED", Key: KeyUnitAttention, ASC: 0x28, ASCQ: 0x00}

	InvalidOpcode              = &Code{Tag: "INVALID_OPCODE", Key: KeyIllegalRequest, ASC: 0x20, ASCQ: 0x00}
	InvalidField               = &Code{Tag: "INVALID_FIELD", Key: KeyIllegalRequest, ASC: 0x24, ASCQ: 0x00}
	LBAOutOfRange              = &Code{Tag: "LBA_OUT_OF_RANGE", Key: KeyIllegalRequest, ASC: 0x21, ASCQ: 0x00}
	IncompatibleFormat         = &Code{Tag: "INCOMPATIBLE_FORMAT", Key: KeyIllegalRequest, ASC: 0x30, ASCQ: 0x00}
	SavingParamsNotSupported   = &Code{Tag: "SAVING_PARAMS_NOT_SUPPORTED", Key: KeyIllegalRequest, ASC: 0x39, ASCQ: 0x00}
	IllegalReqRemovalPrevented = &Code{Tag: "ILLEGAL_REQ_REMOVAL_PREVENTED", Key: KeyIllegalRequest, ASC: 0x53, ASCQ: 0x02}

	IOError       = &Code{Tag: "IO_ERROR", Key: KeyMediumError, ASC: 0x00, ASCQ: 0x00}
	TargetFailure = &Code{Tag: "TARGET_FAILURE", Key: KeyHardwareError, ASC: 0x44, ASCQ: 0x00}
)

// byTriple supports round-tripping a stored (key, asc, ascq) back to a
// tagged code for logs.
type triple struct {
	key, asc, ascq uint8
}

var byTriple = map[triple]*Code{}

func register(codes ...*Code) {
	for _, c := range codes {
		byTriple[triple{uint8(c.Key), c.ASC, c.ASCQ}] = c
	}
}

func init() {
	register(
		NoSense, Reset, NoMedium, LUNNotReady, NotReadyRemovalPrevented,
		UnitAttentionNoMedium, MediumChanged, InvalidOpcode, InvalidField,
		LBAOutOfRange, IncompatibleFormat, SavingParamsNotSupported,
		IllegalReqRemovalPrevented, IOError, TargetFailure,
	)
}

// Lookup returns the registered Code for a stored triple, or nil if none
// is registered (the triple was built ad hoc, e.g. from a passthrough
// backend's raw sense data).
func Lookup(key Key, asc, ascq uint8) *Code {
	return byTriple[triple{uint8(key), asc, ascq}]
}

// FromErrno maps the data-path executor's REPORT error-policy errno
// classes onto sense codes.
func FromErrno(err error) *Code {
	switch {
	case err == nil:
		return NoSense
	case isErrNoMedium(err):
		return NoMedium
	case isErrNoMem(err):
		return TargetFailure
	case isErrInvalid(err):
		return InvalidField
	default:
		return IOError
	}
}
