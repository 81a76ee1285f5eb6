// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"context"

	"github.com/scsitarget/scsi-target-core/pkg/cdb"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

// MODE SENSE page codes this target synthesizes.
const (
	modePageRWError      = 0x01
	modePageHDGeometry   = 0x04
	modePageFlexDisk     = 0x05
	modePageCaching      = 0x08
	modePageAudioCtl     = 0x0e
	modePageCapabilities = 0x2a
	modePageAll          = 0x3f
)

// modePageValid reports which personalities carry a page.
func (d *Device) modePageValid(page int) bool {
	switch page {
	case modePageHDGeometry, modePageFlexDisk:
		return d.Personality == PersonalityDisk
	case modePageCaching, modePageRWError:
		return d.Personality == PersonalityDisk || d.Personality == PersonalityROM
	case modePageAudioCtl, modePageCapabilities:
		return d.Personality == PersonalityROM
	default:
		return false
	}
}

// modeSensePage appends one page descriptor to p and returns its length,
// or -1 when the page does not exist for this personality. For
// page_control 1 ("changeable values") only the header is filled: no
// parameter is changeable through MODE SELECT, so the mask is all
// zeroes, which the caller's pre-zeroed buffer already provides.
func (d *Device) modeSensePage(p []byte, page, pageControl int) int {
	if !d.modePageValid(page) {
		return -1
	}

	p[0] = byte(page)

	switch page {
	case modePageHDGeometry:
		p[1] = 0x16
		if pageControl == 1 {
			break
		}
		cyls := d.geom.Cylinders
		p[2] = byte(cyls >> 16)
		p[3] = byte(cyls >> 8)
		p[4] = byte(cyls)
		p[5] = byte(d.geom.Heads)
		// Write precomp start cylinder, disabled
		p[6] = byte(cyls >> 16)
		p[7] = byte(cyls >> 8)
		p[8] = byte(cyls)
		// Reduced current start cylinder, disabled
		p[9] = byte(cyls >> 16)
		p[10] = byte(cyls >> 8)
		p[11] = byte(cyls)
		// Device step rate [ns], 200ns
		p[12] = 0
		p[13] = 200
		// Landing zone cylinder
		p[14] = 0xff
		p[15] = 0xff
		p[16] = 0xff
		// Medium rotation rate [rpm], 5400 rpm
		p[20] = byte(5400 >> 8)
		p[21] = byte(5400 & 0xff)

	case modePageFlexDisk:
		p[1] = 0x1e
		if pageControl == 1 {
			break
		}
		cyls := d.geom.Cylinders
		// Transfer rate [kbit/s], 5Mbit/s
		p[2] = byte(5000 >> 8)
		p[3] = byte(5000 & 0xff)
		p[4] = byte(d.geom.Heads)
		p[5] = byte(d.geom.Sectors)
		p[6] = byte(d.BlockSize >> 8)
		p[8] = byte(cyls >> 8)
		p[9] = byte(cyls)
		// Write precomp start cylinder, disabled
		p[10] = byte(cyls >> 8)
		p[11] = byte(cyls)
		// Reduced current start cylinder, disabled
		p[12] = byte(cyls >> 8)
		p[13] = byte(cyls)
		// Device step rate [100us], 100us
		p[14] = 0
		p[15] = 1
		// Device step pulse width [us], 1us
		p[16] = 1
		// Device head settle delay [100us], 100us
		p[17] = 0
		p[18] = 1
		// Motor on delay [0.1s], 0.1s
		p[19] = 1
		// Motor off delay [0.1s], 0.1s
		p[20] = 1
		// Medium rotation rate [rpm], 5400 rpm
		p[28] = byte(5400 >> 8)
		p[29] = byte(5400 & 0xff)

	case modePageCaching:
		p[1] = 0x12
		if pageControl == 1 {
			break
		}
		if d.backend.WriteCacheEnabled() {
			p[2] = 4 // WCE
		}

	case modePageRWError:
		p[1] = 10
		if pageControl == 1 {
			break
		}
		p[2] = 0x80 // automatic write reallocation enabled
		if d.Personality == PersonalityROM {
			p[3] = 0x20 // read retry count
		}

	case modePageAudioCtl:
		p[1] = 14

	case modePageCapabilities:
		p[1] = 0x14
		if pageControl == 1 {
			break
		}
		p[2] = 0x3b // CD-R & CD-RW read
		p[3] = 0    // writing not supported
		p[4] = 0x7f // audio, composite, digital out, mode 2 form 1&2, multi session
		p[5] = 0xff // CD DA, DA accurate, RW supported/corrected, C2, ISRC, UPC, bar code
		p[6] = 0x2d // locking supported, jumper present, eject, tray
		if d.TrayLocked {
			p[6] |= 2
		}
		p[7] = 0                     // no volume & mute control, no changer
		p[8] = byte((50 * 176) >> 8) // 50x read speed
		p[9] = byte(50 * 176 & 0xff)
		p[10] = 0 // two volume levels
		p[11] = 2
		p[12] = byte(2048 >> 8) // 2M buffer
		p[13] = byte(2048 & 0xff)
		p[14] = byte((16 * 176) >> 8) // 16x read speed current
		p[15] = byte(16 * 176 & 0xff)
		p[18] = byte((16 * 176) >> 8) // 16x write speed
		p[19] = byte(16 * 176 & 0xff)
		p[20] = byte((16 * 176) >> 8) // 16x write speed current
		p[21] = byte(16 * 176 & 0xff)
	}

	return int(p[1]) + 2
}

// emulateModeSense builds the MODE SENSE (6 or 10) response: header,
// optional block descriptor, then the requested page or every valid one
// for 0x3f.
func (d *Device) emulateModeSense(ctx context.Context, r *Request, outbuf []byte) int {
	dbd := r.CDB.Raw[1]&0x8 != 0
	page := int(r.CDB.Raw[2] & 0x3f)
	pageControl := int(r.CDB.Raw[2]&0xc0) >> 6
	is6 := r.CDB.Opcode == cdb.OpModeSense6

	zero := int(r.CDB.Alloc)
	if zero > len(outbuf) {
		zero = len(outbuf)
	}
	for i := range outbuf[:zero] {
		outbuf[i] = 0
	}

	var devSpecific byte
	if d.Personality == PersonalityDisk {
		if d.dpofua {
			devSpecific = 0x10
		}
		if d.backend.ReadOnly() {
			devSpecific |= 0x80
		}
	} else {
		// MMC prescribes that CD/DVD drives have no block descriptors
		// and defines no device-specific parameter.
		devSpecific = 0
		dbd = true
	}

	off := 0
	if is6 {
		outbuf[1] = 0 // default media type
		outbuf[2] = devSpecific
		outbuf[3] = 0 // block descriptor length
		off = 4
	} else {
		outbuf[2] = 0
		outbuf[3] = devSpecific
		outbuf[6] = 0
		outbuf[7] = 0
		off = 8
	}

	sectors, _ := d.backend.Geometry(ctx)
	if !dbd && sectors != 0 {
		if is6 {
			outbuf[3] = 8
		} else {
			outbuf[7] = 8
		}
		blocks := sectors / uint64(d.BlockSize/512)
		if blocks > 0xffffff {
			blocks = 0
		}
		p := outbuf[off:]
		p[0] = 0 // media density code
		p[1] = byte(blocks >> 16)
		p[2] = byte(blocks >> 8)
		p[3] = byte(blocks)
		p[4] = 0
		p[5] = 0 // bytes 5-7 are the block size
		p[6] = byte(d.BlockSize >> 8)
		p[7] = 0
		off += 8
	}

	if pageControl == 3 {
		// Saved values are not kept.
		r.checkCondition(sense.SavingParamsNotSupported)
		return -1
	}

	if page == modePageAll {
		for pg := 0; pg <= 0x3e; pg++ {
			if n := d.modeSensePage(outbuf[off:], pg, pageControl); n > 0 {
				off += n
			}
		}
	} else {
		n := d.modeSensePage(outbuf[off:], page, pageControl)
		if n < 0 {
			return -1
		}
		off += n
	}

	// The mode data length counts the bytes that follow it, itself
	// excluded.
	if is6 {
		outbuf[0] = byte(off - 1)
	} else {
		outbuf[0] = byte((off - 2) >> 8)
		outbuf[1] = byte(off - 2)
	}
	return off
}
