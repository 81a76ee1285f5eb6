// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"context"
	"encoding/binary"

	"github.com/scsitarget/scsi-target-core/pkg/cdb"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
	"github.com/scsitarget/scsi-target-core/pkg/wwn"
)

// maxInquiryLen caps a standard INQUIRY response.
const maxInquiryLen = 256

// emulateBufCap rejects CDBs whose allocation length would force an
// oversized synthesized response buffer.
const emulateBufCap = 65536

// emulateCommand synthesizes the response for a non-data-bearing or
// metadata command into the request's bounce buffer and returns its
// length, or a negative value after posting sense.
func (d *Device) emulateCommand(ctx context.Context, r *Request) int {
	if r.buf == nil {
		if r.CDB.Alloc > emulateBufCap {
			r.checkCondition(sense.InvalidField)
			return -1
		}
		r.buflen = 4096
		if int(r.CDB.Alloc) > r.buflen {
			r.buflen = int(r.CDB.Alloc)
		}
		r.buf = make([]byte, r.buflen)
	}

	outbuf := r.buf
	buflen := 0

	switch r.CDB.Opcode {
	case cdb.OpReadTOC, cdb.OpReadDiscInformation, cdb.OpReadDVDStructure,
		cdb.OpGetConfiguration, cdb.OpGetEventStatus, cdb.OpMechanismStatus:
		// The MMC command set exists only on the optical personality.
		if d.Personality != PersonalityROM {
			r.checkCondition(sense.InvalidOpcode)
			return -1
		}
	}

	switch r.CDB.Opcode {
	case cdb.OpTestUnitReady:
		// Medium presence was already enforced at dispatch.

	case cdb.OpInquiry:
		buflen = d.emulateInquiry(r, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpModeSense6, cdb.OpModeSense10:
		buflen = d.emulateModeSense(ctx, r, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpReadTOC:
		buflen = d.emulateReadTOC(ctx, r, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpReserve6:
		if r.CDB.Raw[1]&1 != 0 {
			return r.failInvalidField()
		}
		return d.reserve(r)

	case cdb.OpReserve10:
		if r.CDB.Raw[1]&3 != 0 {
			return r.failInvalidField()
		}
		return d.reserve(r)

	case cdb.OpRelease6:
		if r.CDB.Raw[1]&1 != 0 {
			return r.failInvalidField()
		}
		d.release(r)

	case cdb.OpRelease10:
		if r.CDB.Raw[1]&3 != 0 {
			return r.failInvalidField()
		}
		d.release(r)

	case cdb.OpStartStop:
		if d.emulateStartStop(r) < 0 {
			return -1
		}

	case cdb.OpAllowMediumRemoval:
		locked := r.CDB.Raw[4]&1 != 0
		d.TrayLocked = locked
		d.backend.LockMedium(locked)

	case cdb.OpReadCapacity10:
		buflen = d.emulateReadCapacity10(ctx, r, outbuf)
		if buflen < 0 {
			return -1
		}

	case cdb.OpRequestSense:
		desc := r.CDB.Raw[1]&1 != 0
		buflen = sense.Build(d.pendingSense, desc, outbuf[:r.buflen])
		d.pendingSense = nil

	case cdb.OpMechanismStatus:
		buflen = d.emulateMechanismStatus(outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpGetConfiguration:
		buflen = d.emulateGetConfiguration(ctx, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpGetEventStatus:
		buflen = d.emulateEventStatusNotification(r, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpReadDiscInformation:
		buflen = d.emulateReadDiscInformation(r, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpReadDVDStructure:
		buflen = d.emulateReadDVDStructure(ctx, r, outbuf)
		if buflen < 0 {
			return r.failInvalidField()
		}

	case cdb.OpServiceActionIn16:
		if r.CDB.Raw[1]&0x1f == cdb.SAIReadCapacity16 {
			buflen = d.emulateReadCapacity16(ctx, r, outbuf)
			if buflen < 0 {
				return -1
			}
			break
		}
		return r.failInvalidField()

	default:
		r.checkCondition(sense.InvalidOpcode)
		return -1
	}

	if alloc := int(r.CDB.Alloc); buflen > alloc {
		buflen = alloc
	}
	return buflen
}

// failInvalidField posts INVALID_FIELD unless a more specific sense was
// already recorded deeper in the emulation.
func (r *Request) failInvalidField() int {
	if !r.completed {
		r.checkCondition(sense.InvalidField)
	}
	return -1
}

// reserve takes the whole-LUN reservation for the request's initiator,
// failing with RESERVATION CONFLICT when another initiator holds it.
func (d *Device) reserve(r *Request) int {
	if d.reservedBy != "" && d.reservedBy != r.Initiator {
		r.complete(sense.StatusReservationConflict)
		return -1
	}
	d.reservedBy = r.Initiator
	return 0
}

// release drops the reservation when held by the same initiator.
// Releasing a reservation someone else holds is a successful no-op.
func (d *Device) release(r *Request) {
	if d.reservedBy == r.Initiator {
		d.reservedBy = ""
	}
}

// ReservedBy returns the initiator holding the LUN reservation, or "".
func (d *Device) ReservedBy() string { return d.reservedBy }

func (d *Device) emulateStartStop(r *Request) int {
	start := r.CDB.Raw[4]&1 != 0
	loej := r.CDB.Raw[4]&2 != 0 // load on start, eject on !start

	if d.Personality == PersonalityROM && loej {
		if !start && !d.TrayOpen && d.TrayLocked {
			if d.backend.IsInserted() {
				r.checkCondition(sense.IllegalReqRemovalPrevented)
			} else {
				r.checkCondition(sense.NotReadyRemovalPrevented)
			}
			return -1
		}
		if d.TrayOpen != !start {
			d.backend.Eject(!start)
			d.TrayOpen = !start
		}
	}
	return 0
}

func (d *Device) emulateReadCapacity10(ctx context.Context, r *Request, outbuf []byte) int {
	for i := range outbuf[:8] {
		outbuf[i] = 0
	}
	sectors, err := d.backend.Geometry(ctx)
	if err != nil || sectors == 0 {
		r.checkCondition(sense.LUNNotReady)
		return -1
	}
	// PMI clear requires a zero LBA field.
	if r.CDB.Raw[8]&1 == 0 && r.CDB.LBA != 0 {
		return r.failInvalidField()
	}
	blocks := sectors / uint64(d.BlockSize/512)
	blocks-- // returned value is the address of the last block
	d.MaxLBA = blocks
	if blocks > 0xffffffff {
		blocks = 0xffffffff
	}
	binary.BigEndian.PutUint32(outbuf[0:4], uint32(blocks))
	binary.BigEndian.PutUint32(outbuf[4:8], d.BlockSize)
	return 8
}

func (d *Device) emulateReadCapacity16(ctx context.Context, r *Request, outbuf []byte) int {
	n := int(r.CDB.Alloc)
	if n > len(outbuf) {
		n = len(outbuf)
	}
	for i := range outbuf[:n] {
		outbuf[i] = 0
	}
	sectors, err := d.backend.Geometry(ctx)
	if err != nil || sectors == 0 {
		r.checkCondition(sense.LUNNotReady)
		return -1
	}
	if r.CDB.Raw[14]&1 == 0 && r.CDB.LBA != 0 {
		return r.failInvalidField()
	}
	blocks := sectors / uint64(d.BlockSize/512)
	blocks--
	d.MaxLBA = blocks
	binary.BigEndian.PutUint64(outbuf[0:8], blocks)
	binary.BigEndian.PutUint32(outbuf[8:12], d.BlockSize)
	outbuf[13] = d.physicalBlockExp()
	if d.discardGranularity > 0 {
		outbuf[14] = 0x80 // thin provisioning enabled
	}
	return int(r.CDB.Alloc)
}

// physicalBlockExp reports physical blocks per logical block as a power
// of two; this emulation keeps them equal.
func (d *Device) physicalBlockExp() byte { return 0 }

func (d *Device) emulateInquiry(r *Request, outbuf []byte) int {
	if r.CDB.Raw[1]&0x1 != 0 {
		return d.emulateInquiryVPD(r, outbuf)
	}

	// Standard INQUIRY data; a nonzero page code without EVPD is invalid.
	if r.CDB.Raw[2] != 0 {
		return -1
	}

	buflen := int(r.CDB.Alloc)
	if buflen > maxInquiryLen {
		buflen = maxInquiryLen
	}
	for i := range outbuf[:buflen] {
		outbuf[i] = 0
	}
	if buflen == 0 {
		return 0
	}

	outbuf[0] = d.Personality.scsiType()
	if d.removable {
		outbuf[1] = 0x80
	}
	if d.Personality == PersonalityROM {
		copy(outbuf[16:32], "QEMU CD-ROM     ")
	} else {
		copy(outbuf[16:32], "QEMU HARDDISK   ")
	}
	copy(outbuf[8:16], "QEMU    ")
	v := d.version
	if len(v) > 4 {
		v = v[:4]
	}
	copy(outbuf[32:36], v)
	// SPC-3 conformance, response data format 2: guests then feel safe
	// asking for READ CAPACITY(16) and the block VPD pages.
	outbuf[2] = 5
	outbuf[3] = 2

	if buflen > 36 {
		outbuf[4] = byte(buflen - 5)
	} else {
		// Allocation lengths under the standard 36 bytes do not shrink
		// the advertised additional length.
		outbuf[4] = 36 - 5
	}

	outbuf[7] = 0x10 // sync transfer
	if d.tcq {
		outbuf[7] |= 0x02
	}
	return buflen
}

func (d *Device) emulateInquiryVPD(r *Request, outbuf []byte) int {
	page := r.CDB.Raw[2]

	outbuf[0] = d.Personality.scsiType()
	outbuf[1] = page
	outbuf[2] = 0
	outbuf[3] = 0
	buflen := 4
	start := buflen

	switch page {
	case 0x00: // supported page codes, mandatory
		outbuf[buflen] = 0x00
		buflen++
		if d.Serial != "" {
			outbuf[buflen] = 0x80
			buflen++
		}
		outbuf[buflen] = 0x83
		buflen++
		if d.Personality == PersonalityDisk {
			outbuf[buflen] = 0xb0
			buflen++
			outbuf[buflen] = 0xb2
			buflen++
		}

	case 0x80: // unit serial number, optional
		if d.Serial == "" {
			return -1
		}
		s := d.Serial
		if len(s) > 20 {
			s = s[:20]
		}
		copy(outbuf[buflen:], s)
		buflen += len(s)

	case 0x83: // device identification, mandatory
		str := d.Serial
		maxLen := 20
		if str == "" {
			str = d.Name()
			maxLen = 255 - 8
		}
		if len(str) > maxLen {
			str = str[:maxLen]
		}

		outbuf[buflen] = 0x2 // ASCII
		outbuf[buflen+1] = 0 // not officially assigned
		outbuf[buflen+2] = 0
		outbuf[buflen+3] = byte(len(str))
		buflen += 4
		copy(outbuf[buflen:], str)
		buflen += len(str)

		if d.wwn != 0 {
			outbuf[buflen] = 0x1   // binary
			outbuf[buflen+1] = 0x3 // NAA
			outbuf[buflen+2] = 0
			outbuf[buflen+3] = 8
			buflen += 4
			des := wwn.FromUint64(d.wwn)
			copy(outbuf[buflen:], des[:])
			buflen += 8
		}

	case 0xb0: // block limits
		if d.Personality == PersonalityROM {
			return -1
		}
		buflen = 0x40
		for i := 4; i < buflen; i++ {
			outbuf[i] = 0
		}
		minIO := d.minIOSize / d.BlockSize
		optIO := d.optIOSize / d.BlockSize
		unmapSectors := d.discardGranularity / d.BlockSize
		binary.BigEndian.PutUint16(outbuf[6:8], uint16(minIO))
		binary.BigEndian.PutUint32(outbuf[12:16], optIO)
		binary.BigEndian.PutUint32(outbuf[28:32], unmapSectors)

	case 0xb2: // thin provisioning
		buflen = 8
		outbuf[4] = 0
		outbuf[5] = 0x60 // WRITE SAME 10/16 supported
		if d.discardGranularity > 0 {
			outbuf[6] = 2 // LBPU: unmap enabled
		} else {
			outbuf[6] = 1
		}
		outbuf[7] = 0

	default:
		return -1
	}

	outbuf[start-1] = byte(buflen - start)
	return buflen
}
