// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// MMC command emulation for the optical personality: table of contents,
// disc information, DVD structure, feature configuration and media
// event notification.

package target

import (
	"context"
	"encoding/binary"

	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

// cdMaxSectors is the largest medium still reported as CD rather than
// DVD: 700 MiB in 2048-byte blocks.
const cdMaxSectors = 700 * 1024 * 1024 / 2048

// MMC profile numbers reported by GET CONFIGURATION.
const (
	mmcProfileCDROM  = 0x0008
	mmcProfileDVDROM = 0x0010
)

// GET EVENT STATUS NOTIFICATION media event class and codes.
const (
	gesnMediaClass = 4

	mecNoChange       = 0
	mecEjectRequested = 1
	mecNewMedia       = 2

	msTrayOpen     = 1
	msMediaPresent = 2
)

// mediaBlocks returns the medium size in device blocks.
func (d *Device) mediaBlocks(ctx context.Context) uint64 {
	sectors, err := d.backend.Geometry(ctx)
	if err != nil {
		return 0
	}
	return sectors / uint64(d.BlockSize/512)
}

func (d *Device) mediaIsDVD(ctx context.Context) bool {
	if d.Personality != PersonalityROM || !d.backend.IsInserted() {
		return false
	}
	return d.mediaBlocks(ctx) > cdMaxSectors
}

func (d *Device) mediaIsCD(ctx context.Context) bool {
	if d.Personality != PersonalityROM || !d.backend.IsInserted() {
		return false
	}
	return d.mediaBlocks(ctx) <= cdMaxSectors
}

// lbaToMSF converts a logical block address to the minute/second/frame
// triple used in audio-era TOC entries, including the 2-second lead-in.
func lbaToMSF(p []byte, lba uint64) {
	lba += 150
	p[0] = byte(lba / 75 / 60)
	p[1] = byte(lba / 75 % 60)
	p[2] = byte(lba % 75)
}

// readTOC builds the format-0 table of contents: one data track and the
// lead-out.
func readTOC(blocks uint64, outbuf []byte, msf bool, startTrack int) int {
	if startTrack > 1 && startTrack != 0xaa {
		return -1
	}
	q := 2
	outbuf[q] = 1 // first track
	q++
	outbuf[q] = 1 // last track
	q++
	if startTrack <= 1 {
		outbuf[q] = 0 // reserved
		q++
		outbuf[q] = 0x14 // ADR, control
		q++
		outbuf[q] = 1 // track number
		q++
		outbuf[q] = 0 // reserved
		q++
		if msf {
			outbuf[q] = 0
			q++
			lbaToMSF(outbuf[q:], 0)
			q += 3
		} else {
			binary.BigEndian.PutUint32(outbuf[q:], 0)
			q += 4
		}
	}
	// lead-out track
	outbuf[q] = 0
	q++
	outbuf[q] = 0x16
	q++
	outbuf[q] = 0xaa
	q++
	outbuf[q] = 0
	q++
	if msf {
		outbuf[q] = 0
		q++
		lbaToMSF(outbuf[q:], blocks)
		q += 3
	} else {
		binary.BigEndian.PutUint32(outbuf[q:], uint32(blocks))
		q += 4
	}
	binary.BigEndian.PutUint16(outbuf[0:2], uint16(q-2))
	return q
}

// readTOCRaw builds the format-2 raw TOC: lead-in points A0-A2 plus the
// single track entry of session 1.
func readTOCRaw(blocks uint64, outbuf []byte, msf bool) int {
	q := 2
	outbuf[q] = 1 // first session
	q++
	outbuf[q] = 1 // last session
	q++

	for _, point := range []byte{0xa0, 0xa1} {
		outbuf[q] = 1 // session number
		q++
		outbuf[q] = 0x14 // data track
		q++
		outbuf[q] = 0 // track number
		q++
		outbuf[q] = point
		q++
		q += 4        // min/sec/frame + zero
		outbuf[q] = 1 // first/last track
		q++
		outbuf[q] = 0
		q++
		outbuf[q] = 0
		q++
	}

	// lead-out position
	outbuf[q] = 1
	q++
	outbuf[q] = 0x14
	q++
	outbuf[q] = 0
	q++
	outbuf[q] = 0xa2
	q++
	q += 3 // min/sec/frame
	if msf {
		outbuf[q] = 0
		q++
		lbaToMSF(outbuf[q:], blocks)
		q += 3
	} else {
		binary.BigEndian.PutUint32(outbuf[q:], uint32(blocks))
		q += 4
	}

	// track 1 start
	outbuf[q] = 1
	q++
	outbuf[q] = 0x14
	q++
	outbuf[q] = 0
	q++
	outbuf[q] = 1
	q++
	q += 3
	if msf {
		outbuf[q] = 0
		q++
		lbaToMSF(outbuf[q:], 0)
		q += 3
	} else {
		binary.BigEndian.PutUint32(outbuf[q:], 0)
		q += 4
	}

	binary.BigEndian.PutUint16(outbuf[0:2], uint16(q-2))
	return q
}

func (d *Device) emulateReadTOC(ctx context.Context, r *Request, outbuf []byte) int {
	if d.Personality != PersonalityROM {
		return -1
	}
	msf := r.CDB.Raw[1]&2 != 0
	format := r.CDB.Raw[2] & 0xf
	startTrack := int(r.CDB.Raw[6])
	blocks := d.mediaBlocks(ctx)

	switch format {
	case 0:
		return readTOC(blocks, outbuf, msf, startTrack)
	case 1:
		// Multi session: only a single session defined.
		for i := range outbuf[:12] {
			outbuf[i] = 0
		}
		outbuf[1] = 0x0a
		outbuf[2] = 0x01
		outbuf[3] = 0x01
		return 12
	case 2:
		return readTOCRaw(blocks, outbuf, msf)
	default:
		return -1
	}
}

func (d *Device) emulateReadDiscInformation(r *Request, outbuf []byte) int {
	if d.Personality != PersonalityROM {
		return -1
	}
	// Data types 1/2 are only defined for Blu-Ray.
	if r.CDB.Raw[1]&7 != 0 {
		r.checkCondition(sense.InvalidField)
		return -1
	}

	for i := range outbuf[:34] {
		outbuf[i] = 0
	}
	outbuf[1] = 32
	outbuf[2] = 0xe  // last session complete, disc finalized
	outbuf[3] = 1    // first track on disc
	outbuf[4] = 1    // sessions
	outbuf[5] = 1    // first track of last session
	outbuf[6] = 1    // last track of last session
	outbuf[7] = 0x20 // unrestricted use
	outbuf[8] = 0x00 // CD-ROM or DVD-ROM
	return 34
}

// dvdStructSize maps READ DVD STRUCTURE format codes to response sizes;
// zero marks an unsupported format.
var dvdStructSize = [5]int{
	0: 2048 + 4,
	1: 4 + 4,
	3: 188 + 4,
	4: 2048 + 4,
}

func (d *Device) emulateReadDVDStructure(ctx context.Context, r *Request, outbuf []byte) int {
	if d.Personality != PersonalityROM {
		return -1
	}
	media := r.CDB.Raw[1]
	layer := r.CDB.Raw[6]
	format := r.CDB.Raw[7]

	if media != 0 {
		r.checkCondition(sense.InvalidField)
		return -1
	}

	size := -1
	if format != 0xff {
		if d.TrayOpen || !d.backend.IsInserted() {
			r.checkCondition(sense.NoMedium)
			return -1
		}
		if d.mediaIsCD(ctx) {
			r.checkCondition(sense.IncompatibleFormat)
			return -1
		}
		if int(format) >= len(dvdStructSize) {
			return -1
		}
		size = dvdStructSize[format]
		for i := range outbuf[:size] {
			outbuf[i] = 0
		}
	}

	switch format {
	case 0x00: // physical format information
		if layer != 0 {
			return -1
		}
		blocks := d.mediaBlocks(ctx)
		outbuf[4] = 1   // DVD-ROM, part version 1
		outbuf[5] = 0xf // 120mm disc, minimum rate unspecified
		outbuf[6] = 1   // one layer, read-only
		outbuf[7] = 0   // default densities
		end := uint32(blocks>>2) - 1
		binary.BigEndian.PutUint32(outbuf[12:16], end) // end sector
		binary.BigEndian.PutUint32(outbuf[16:20], end) // l0 end sector

	case 0x01: // DVD copyright information, all zeros

	case 0x03: // BCA information - invalid field for no BCA info
		return -1

	case 0x04: // DVD disc manufacturing information, all zeros

	case 0xff: // list capabilities
		size = 4
		for i, capSize := range dvdStructSize {
			if capSize == 0 {
				continue
			}
			outbuf[size] = byte(i)
			outbuf[size+1] = 0x40 // not writable, readable
			binary.BigEndian.PutUint16(outbuf[size+2:], uint16(capSize))
			size += 4
		}

	default:
		return -1
	}

	// Size of buffer, not including the 2-byte size field.
	binary.BigEndian.PutUint16(outbuf[0:2], uint16(size-2))
	return size
}

func (d *Device) emulateGetConfiguration(ctx context.Context, outbuf []byte) int {
	if d.Personality != PersonalityROM {
		return -1
	}
	current := mmcProfileCDROM
	if d.mediaIsDVD(ctx) {
		current = mmcProfileDVDROM
	}
	for i := range outbuf[:40] {
		outbuf[i] = 0
	}
	binary.BigEndian.PutUint32(outbuf[0:4], 36) // bytes after the data length field
	binary.BigEndian.PutUint16(outbuf[6:8], uint16(current))
	// bytes 8-19: feature 0, profile list
	outbuf[10] = 0x03 // persistent, current
	outbuf[11] = 8    // two profiles
	binary.BigEndian.PutUint16(outbuf[12:14], mmcProfileDVDROM)
	if current == mmcProfileDVDROM {
		outbuf[14] = 1
	}
	binary.BigEndian.PutUint16(outbuf[16:18], mmcProfileCDROM)
	if current == mmcProfileCDROM {
		outbuf[18] = 1
	}
	// bytes 20-31: feature 1, core
	binary.BigEndian.PutUint16(outbuf[20:22], 1)
	outbuf[22] = 0x08 | 0x03 // version 2, persistent, current
	outbuf[23] = 8
	binary.BigEndian.PutUint32(outbuf[24:28], 1) // SCSI
	outbuf[28] = 1                               // DBE, mandatory
	// bytes 32-39: feature 3, removable media
	binary.BigEndian.PutUint16(outbuf[32:34], 3)
	outbuf[34] = 0x08 | 0x03
	outbuf[35] = 4
	outbuf[36] = 0x39 // tray, load=1, eject=1, unlocked at powerup, lock=1
	return 40
}

// eventStatusMedia fills one media event notification descriptor.
func (d *Device) eventStatusMedia(outbuf []byte) int {
	var mediaStatus byte
	if d.TrayOpen {
		mediaStatus = msTrayOpen
	} else if d.backend.IsInserted() {
		mediaStatus = msMediaPresent
	}

	eventCode := byte(mecNoChange)
	if mediaStatus != msTrayOpen {
		if d.mediaEvent {
			eventCode = mecNewMedia
			d.mediaEvent = false
		} else if d.ejectRequest {
			eventCode = mecEjectRequested
			d.ejectRequest = false
		}
	}

	outbuf[0] = eventCode
	outbuf[1] = mediaStatus
	outbuf[2] = 0
	outbuf[3] = 0
	return 4
}

func (d *Device) emulateEventStatusNotification(r *Request, outbuf []byte) int {
	if d.Personality != PersonalityROM {
		return -1
	}
	// Only the polled (immediate) form is supported.
	if r.CDB.Raw[1]&1 == 0 {
		return -1
	}

	size := 4
	outbuf[0] = 0
	outbuf[1] = 0
	outbuf[3] = 1 << gesnMediaClass // supported event classes
	if r.CDB.Raw[4]&(1<<gesnMediaClass) != 0 {
		outbuf[2] = gesnMediaClass
		size += d.eventStatusMedia(outbuf[size:])
	} else {
		outbuf[2] = 0x80
	}
	binary.BigEndian.PutUint16(outbuf[0:2], uint16(size-4))
	return size
}

func (d *Device) emulateMechanismStatus(outbuf []byte) int {
	if d.Personality != PersonalityROM {
		return -1
	}
	for i := range outbuf[:8] {
		outbuf[i] = 0
	}
	outbuf[5] = 1 // CD-ROM
	return 8
}
