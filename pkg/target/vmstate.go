// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/scsitarget/scsi-target-core/pkg/cdb"
)

// ErrBadPayload is returned when a migration payload contradicts itself.
var ErrBadPayload = errors.New("target: malformed migration payload")

// SaveRequest serializes the request's live transfer state, big-endian:
// sector (u64), sector_count (u32), buflen (u32), then — when a bounce
// buffer exists — the current window for data-out requests, or, for
// data-in requests not parked for retry, a u32 length and the buffered
// read payload. The CDB itself travels with the transport's own state.
func (r *Request) SaveRequest(w io.Writer) error {
	var hdr [16]byte
	binary.BigEndian.PutUint64(hdr[0:8], r.sector)
	binary.BigEndian.PutUint32(hdr[8:12], r.sectorCount)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(r.buflen))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if r.buflen == 0 {
		return nil
	}
	if r.Direction == cdb.DirToDevice {
		_, err := w.Write(r.buf[:r.iovLen])
		return err
	}
	if !r.retry {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(r.iovLen))
		if _, err := w.Write(l[:]); err != nil {
			return err
		}
		_, err := w.Write(r.buf[:r.iovLen])
		return err
	}
	return nil
}

// LoadRequest restores the transfer state saved by SaveRequest into a
// freshly allocated request carrying the same CDB, reallocating the
// bounce buffer and its window.
func (r *Request) LoadRequest(rd io.Reader) error {
	var hdr [16]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return err
	}
	r.sector = binary.BigEndian.Uint64(hdr[0:8])
	r.sectorCount = binary.BigEndian.Uint32(hdr[8:12])
	buflen := binary.BigEndian.Uint32(hdr[12:16])
	if buflen == 0 {
		return nil
	}

	r.buf = nil
	r.initIovec(int(buflen))
	if r.Direction == cdb.DirToDevice {
		_, err := io.ReadFull(rd, r.buf[:r.iovLen])
		return err
	}
	if !r.retry {
		var l [4]byte
		if _, err := io.ReadFull(rd, l[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(l[:])
		if int(n) > r.buflen {
			return fmt.Errorf("%w: window %d exceeds buffer %d", ErrBadPayload, n, r.buflen)
		}
		r.iovLen = int(n)
		_, err := io.ReadFull(rd, r.buf[:r.iovLen])
		return err
	}
	return nil
}

// deviceStateVersion guards the device payload layout.
const deviceStateVersion = 1

// SaveState serializes the device's removable-media state: the version
// byte followed by the media_changed, media_event, eject_request,
// tray_open and tray_locked booleans. The embedded transport-level
// device state (tag allocation, in-flight request set) is owned by the
// host adapter and travels separately.
func (d *Device) SaveState(w io.Writer) error {
	buf := [6]byte{deviceStateVersion}
	flags := []bool{d.mediaChanged, d.mediaEvent, d.ejectRequest, d.TrayOpen, d.TrayLocked}
	for i, f := range flags {
		if f {
			buf[1+i] = 1
		}
	}
	_, err := w.Write(buf[:])
	return err
}

// LoadState restores the state saved by SaveState.
func (d *Device) LoadState(rd io.Reader) error {
	var buf [6]byte
	if _, err := io.ReadFull(rd, buf[:]); err != nil {
		return err
	}
	if buf[0] != deviceStateVersion {
		return fmt.Errorf("%w: unsupported device state version %d", ErrBadPayload, buf[0])
	}
	d.mediaChanged = buf[1] != 0
	d.mediaEvent = buf[2] != 0
	d.ejectRequest = buf[3] != 0
	d.TrayOpen = buf[4] != 0
	d.TrayLocked = buf[5] != 0
	return nil
}
