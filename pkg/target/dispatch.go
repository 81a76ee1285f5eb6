// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"context"

	"github.com/scsitarget/scsi-target-core/pkg/cdb"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

// mediumExempt lists the opcodes serviced even with the tray open or no
// medium inserted.
func mediumExempt(op cdb.Opcode) bool {
	switch op {
	case cdb.OpInquiry, cdb.OpModeSense6, cdb.OpModeSense10,
		cdb.OpReserve6, cdb.OpReserve10, cdb.OpRelease6, cdb.OpRelease10,
		cdb.OpStartStop, cdb.OpAllowMediumRemoval,
		cdb.OpGetConfiguration, cdb.OpGetEventStatus,
		cdb.OpMechanismStatus, cdb.OpRequestSense:
		return true
	}
	return false
}

// uaExempt lists the opcodes a pending unit attention does not intercept.
func uaExempt(op cdb.Opcode) bool {
	switch op {
	case cdb.OpInquiry, cdb.OpRequestSense, cdb.OpReportLUNs:
		return true
	}
	return false
}

// reservationExempt lists the opcodes another initiator's reservation
// does not block.
func reservationExempt(op cdb.Opcode) bool {
	switch op {
	case cdb.OpInquiry, cdb.OpRequestSense, cdb.OpReportLUNs,
		cdb.OpRelease6, cdb.OpRelease10:
		return true
	}
	return false
}

// xferBytes is the declared transfer length of the CDB in bytes: block
// counts scaled by the device block size for reads and writes, the
// allocation length for everything else.
func (d *Device) xferBytes(c *cdb.CDB) uint32 {
	switch c.Opcode {
	case cdb.OpRead6, cdb.OpRead10, cdb.OpRead12, cdb.OpRead16,
		cdb.OpWrite6, cdb.OpWrite10, cdb.OpWrite12, cdb.OpWrite16,
		cdb.OpWriteVerify10, cdb.OpWriteVerify12, cdb.OpWriteVerify16:
		return c.Len * d.BlockSize
	default:
		return c.Alloc
	}
}

// SendCommand decodes and executes the request's CDB. Emulated commands
// complete (or assemble their response payload) before it returns; data
// commands set up the sector cursor and wait for ReadData/WriteData.
// The declared transfer length lands in r.XferLen, negative for data to
// the device. The returned error reports only API misuse; SCSI-level
// failures surface as status and sense on the request.
func (d *Device) SendCommand(ctx context.Context, r *Request) error {
	if r.Dev != d {
		return ErrForeignRequest
	}
	if r.completed {
		return ErrCompleted
	}
	op := r.CDB.Opcode
	d.statCommand(byte(op))

	d.mu.Lock()
	ua := d.unitAttention
	d.mu.Unlock()
	if ua != nil && !uaExempt(op) {
		r.checkCondition(ua)
		d.unitAttentionReported()
		return nil
	}

	if d.reservedBy != "" && d.reservedBy != r.Initiator && !reservationExempt(op) {
		r.complete(sense.StatusReservationConflict)
		return nil
	}

	if !mediumExempt(op) {
		if d.TrayOpen || !d.backend.IsInserted() {
			r.checkCondition(sense.NoMedium)
			return nil
		}
	}

	switch op {
	case cdb.OpTestUnitReady, cdb.OpInquiry,
		cdb.OpModeSense6, cdb.OpModeSense10,
		cdb.OpReserve6, cdb.OpReserve10, cdb.OpRelease6, cdb.OpRelease10,
		cdb.OpStartStop, cdb.OpAllowMediumRemoval,
		cdb.OpReadCapacity10, cdb.OpReadTOC, cdb.OpReadDiscInformation,
		cdb.OpReadDVDStructure, cdb.OpGetConfiguration,
		cdb.OpGetEventStatus, cdb.OpMechanismStatus,
		cdb.OpServiceActionIn16, cdb.OpRequestSense:
		rc := d.emulateCommand(ctx, r)
		if rc < 0 {
			return nil
		}
		r.iovLen = rc

	case cdb.OpSynchronizeCache10:
		r.Ref()
		d.acctStart(false, 0)
		r.submit(func() error { return d.backend.Flush(ctx) },
			func(err error) { r.flushComplete(err) })
		r.XferLen = 0
		return nil

	case cdb.OpRead6, cdb.OpRead10, cdb.OpRead12, cdb.OpRead16,
		cdb.OpVerify10, cdb.OpVerify12, cdb.OpVerify16,
		cdb.OpWrite6, cdb.OpWrite10, cdb.OpWrite12, cdb.OpWrite16,
		cdb.OpWriteVerify10, cdb.OpWriteVerify12, cdb.OpWriteVerify16:
		if r.CDB.LBA > d.MaxLBA {
			r.checkCondition(sense.LBAOutOfRange)
			return nil
		}
		blocks := d.xferBytes(r.CDB) / d.BlockSize
		r.sector = r.CDB.LBA * uint64(d.BlockSize/512)
		r.sectorCount = blocks * (d.BlockSize / 512)

	case cdb.OpModeSelect6:
		// Mode parameter changes are not supported; accept the bare
		// header plus block descriptors and nothing more.
		if r.CDB.Alloc > 12 {
			r.checkCondition(sense.InvalidField)
			return nil
		}

	case cdb.OpModeSelect10:
		if r.CDB.Alloc > 16 {
			r.checkCondition(sense.InvalidField)
			return nil
		}

	case cdb.OpSeek10:
		if r.CDB.LBA > d.MaxLBA {
			r.checkCondition(sense.LBAOutOfRange)
			return nil
		}

	case cdb.OpWriteSame10, cdb.OpWriteSame16:
		if r.CDB.LBA > d.MaxLBA {
			r.checkCondition(sense.LBAOutOfRange)
			return nil
		}
		if r.CDB.Raw[1]&0x08 == 0 {
			// Only WRITE SAME with the unmap bit is supported.
			r.checkCondition(sense.InvalidField)
			return nil
		}
		scale := uint64(d.BlockSize / 512)
		if err := d.backend.Discard(ctx, r.CDB.LBA*scale, uint64(r.CDB.Len)*scale); err != nil {
			r.checkCondition(sense.InvalidField)
			return nil
		}

	default:
		r.checkCondition(sense.InvalidOpcode)
		return nil
	}

	if r.sectorCount == 0 && r.iovLen == 0 && !r.completed {
		r.complete(sense.StatusGood)
	}
	xfer := int64(r.sectorCount)*512 + int64(r.iovLen)
	if r.Direction == cdb.DirToDevice {
		r.XferLen = int32(-xfer)
	} else {
		if r.sectorCount == 0 {
			r.sectorCount = emulatedPayload
		}
		r.XferLen = int32(xfer)
	}
	return nil
}
