// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"fmt"

	"github.com/scsitarget/scsi-target-core/pkg/cdb"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

// DMABufSize bounds the bounce buffer a request allocates when the
// transport supplies no scatter/gather list.
const DMABufSize = 131072

// emulatedPayload marks a request whose response was synthesized whole
// into the bounce buffer rather than read from the backend in chunks.
const emulatedPayload = ^uint32(0)

// StatusUnset is the Status value of a request that has not completed.
const StatusUnset = -1

// Request is one outstanding CDB against a Device. It is reference
// counted: every asynchronous submission holds one reference, released
// in the submission's completion or by CancelIO, and the request's
// resources are released exactly when the count reaches zero.
type Request struct {
	Dev       *Device
	Tag       uint32
	LUN       uint32
	Initiator string
	CDB       *cdb.CDB
	Direction cdb.Direction

	// XferLen is the transfer length SendCommand declared: negative for
	// data to the device, positive for data from it, zero for none.
	XferLen int32

	// Status is the SCSI status byte once the request completed, or
	// StatusUnset before that.
	Status    int
	SenseCode *sense.Code

	// OnData is invoked with the number of bytes available in Buf (for
	// reads) or wanted in Buf (for writes); the transport consumes or
	// fills the buffer and calls ReadData/WriteData again.
	OnData func(r *Request, n int)
	// OnComplete is invoked exactly once when status is posted.
	OnComplete func(r *Request)

	// sector and sectorCount are in 512-byte units regardless of the
	// device block size.
	sector      uint64
	sectorCount uint32

	buf    []byte
	buflen int
	iovLen int
	sg     [][]byte

	started    bool
	retry      bool
	ioCanceled bool
	enqueued   bool
	completed  bool
	freed      bool

	refcnt int
	aiocb  *AIOCB
}

// NewRequest allocates a request and decodes its CDB. The initiator
// string is the HBA-private identity used for RESERVE/RELEASE
// bookkeeping; it may be empty.
func NewRequest(d *Device, tag, lun uint32, initiator string, raw []byte) (*Request, error) {
	c, err := cdb.Decode(raw)
	if err != nil {
		return nil, err
	}
	if d.Personality == PersonalityBlock {
		if err := checkPassthrough(d, c); err != nil {
			return nil, err
		}
	}
	r := &Request{
		Dev:       d,
		Tag:       tag,
		LUN:       lun,
		Initiator: initiator,
		CDB:       c,
		Direction: direction(c),
		Status:    StatusUnset,
		refcnt:    1,
		enqueued:  true,
	}
	d.outstanding[r] = struct{}{}
	return r, nil
}

// checkPassthrough decides whether a PersonalityBlock device could serve
// this CDB through the emulated data path. Reads and writes qualify only
// when the backend reports FlagNoCache; the medium type is not consulted.
// Everything else needs the SCSI generic path, which this core
// recognizes but does not execute.
func checkPassthrough(d *Device, c *cdb.CDB) error {
	switch c.Opcode {
	case cdb.OpRead6, cdb.OpRead10, cdb.OpRead12, cdb.OpRead16,
		cdb.OpVerify10, cdb.OpVerify12, cdb.OpVerify16,
		cdb.OpWrite6, cdb.OpWrite10, cdb.OpWrite12, cdb.OpWrite16,
		cdb.OpWriteVerify10, cdb.OpWriteVerify12, cdb.OpWriteVerify16:
		if f, ok := d.backend.(Flagser); ok && f.Flags()&FlagNoCache != 0 {
			return nil
		}
		return ErrPassthrough
	default:
		return ErrPassthrough
	}
}

// direction classifies the transfer mode: explicit for reads/writes,
// TO_DEV for MODE SELECT's parameter list, FROM_DEV for any other
// command that declares an allocation length.
func direction(c *cdb.CDB) cdb.Direction {
	if dir := c.Direction(); dir != cdb.DirNone {
		return dir
	}
	switch c.Opcode {
	case cdb.OpModeSelect6, cdb.OpModeSelect10:
		return cdb.DirToDevice
	}
	if c.Alloc > 0 {
		return cdb.DirFromDevice
	}
	return cdb.DirNone
}

// Ref takes an additional reference.
func (r *Request) Ref() {
	if r.freed {
		panic("target: Ref on freed request")
	}
	r.refcnt++
}

// Unref releases a reference; at zero the request's buffers are released
// and its device slot is freed.
func (r *Request) Unref() {
	if r.refcnt <= 0 {
		panic(fmt.Sprintf("target: refcount underflow on tag %#x", r.Tag))
	}
	r.refcnt--
	if r.refcnt == 0 {
		r.free()
	}
}

func (r *Request) free() {
	if r.freed {
		panic("target: double free")
	}
	r.freed = true
	r.buf = nil
	r.iovLen = 0
	if r.enqueued {
		delete(r.Dev.outstanding, r)
		r.enqueued = false
	}
}

// Refs exposes the current reference count for lifecycle assertions.
func (r *Request) Refs() int { return r.refcnt }

// Freed reports whether the reference count reached zero.
func (r *Request) Freed() bool { return r.freed }

// Retrying reports whether a "stop" error policy parked the request for
// replay on resume.
func (r *Request) Retrying() bool { return r.retry }

// SetSG hands the request a caller-owned scatter/gather list; the data
// path then transfers directly into or out of it instead of the bounce
// buffer. The caller retains ownership.
func (r *Request) SetSG(sg [][]byte) { r.sg = sg }

func (r *Request) sgSize() int {
	n := 0
	for _, s := range r.sg {
		n += len(s)
	}
	return n
}

// Buf returns the current bounce-buffer window: the bytes OnData
// announced for a read, or the bytes the transport must fill before
// calling WriteData.
func (r *Request) Buf() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf[:r.iovLen]
}

// initIovec lazily allocates the bounce buffer and sizes the next
// transfer window, returning its length in 512-byte sectors.
func (r *Request) initIovec(size int) uint32 {
	if r.buf == nil {
		r.buflen = size
		r.buf = make([]byte, r.buflen)
	}
	n := int(r.sectorCount) * 512
	if n > r.buflen {
		n = r.buflen
	}
	r.iovLen = n
	return uint32(n / 512)
}

// CancelIO cancels the outstanding asynchronous call, if any, releasing
// the submission reference it held, and marks the request so late
// completions suppress their status path.
func (r *Request) CancelIO() {
	if r.aiocb != nil {
		r.aiocb.Cancel()
		r.aiocb = nil
		r.Unref()
	}
	r.ioCanceled = true
}

// complete posts the final status byte exactly once and notifies the
// transport.
func (r *Request) complete(status int) {
	if r.completed {
		panic(fmt.Sprintf("target: double completion on tag %#x", r.Tag))
	}
	r.completed = true
	r.Status = status
	if status == sense.StatusCheckCondition {
		r.Dev.pendingSense = r.SenseCode
	}
	r.Dev.statSense(r.SenseCode)
	if r.enqueued {
		delete(r.Dev.outstanding, r)
		r.enqueued = false
	}
	if r.OnComplete != nil {
		r.OnComplete(r)
	}
}

// checkCondition stores code into the request and completes it with
// CHECK_CONDITION status.
func (r *Request) checkCondition(code *sense.Code) {
	r.SenseCode = code
	r.complete(sense.StatusCheckCondition)
}

// dataReady hands the transport the current buffer window.
func (r *Request) dataReady(n int) {
	if r.OnData != nil {
		r.OnData(r, n)
	}
}

// submit issues one asynchronous backend call on behalf of the request.
// The caller must already hold the submission reference; the completion
// function owns releasing it.
func (r *Request) submit(op func() error, complete func(error)) {
	if r.aiocb != nil {
		panic(fmt.Sprintf("target: overlapping submission on tag %#x", r.Tag))
	}
	cb := &AIOCB{}
	r.aiocb = cb
	r.Dev.aio.Submit(cb, op, complete)
}
