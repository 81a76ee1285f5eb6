// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"errors"
	"syscall"

	"context"

	"github.com/scsitarget/scsi-target-core/pkg/backend"
	"github.com/scsitarget/scsi-target-core/pkg/cdb"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

var (
	// ErrForeignRequest is returned when a request is sent to a device
	// other than the one it was allocated on.
	ErrForeignRequest = errors.New("target: request belongs to another device")
	// ErrCompleted is returned when a completed request is re-sent.
	ErrCompleted = errors.New("target: request already completed")
)

// isFUA reports whether the command requires committed media before
// completion: an explicit FUA bit on the 10/12/16-byte reads and writes,
// always for the verify family, never for the 6-byte variants.
func isFUA(c *cdb.CDB) bool {
	switch c.Opcode {
	case cdb.OpRead10, cdb.OpRead12, cdb.OpRead16,
		cdb.OpWrite10, cdb.OpWrite12, cdb.OpWrite16:
		return c.FUA
	case cdb.OpVerify10, cdb.OpVerify12, cdb.OpVerify16,
		cdb.OpWriteVerify10, cdb.OpWriteVerify12, cdb.OpWriteVerify16:
		return true
	default:
		return false
	}
}

// handleRWError applies the backend's error policy to a failed transfer.
// It returns false when the error must be ignored and the caller should
// continue its success path, true when the error has been fully handled.
// Reference counts are the caller's concern either way.
func (d *Device) handleRWError(r *Request, err error, isRead bool) bool {
	action := d.backend.ErrorAction(isRead)

	if action == backend.ActionIgnore {
		d.emitError(action, isRead)
		return false
	}

	stop := action == backend.ActionStopAny ||
		(action == backend.ActionStopENOSPC && errors.Is(err, syscall.ENOSPC))
	if stop || action == backend.ActionRetry {
		d.emitError(action, isRead)
		r.retry = true
		d.retryQueue = append(d.retryQueue, r)
		if stop {
			d.stopped = true
			d.iostatus = err
			if d.OnStop != nil {
				d.OnStop(err)
			}
		}
		return true
	}

	r.checkCondition(sense.FromErrno(err))
	d.emitError(backend.ActionReport, isRead)
	return true
}

func (d *Device) emitError(action backend.ErrorAction, isRead bool) {
	if d.OnError != nil {
		d.OnError(action, isRead)
	}
}

// ReadData asks the executor for the next chunk of a data-in transfer.
// The transport calls it once to start the transfer and again after
// consuming each OnData window, until GOOD is posted.
func (r *Request) ReadData(ctx context.Context) {
	d := r.Dev

	if r.sectorCount == emulatedPayload {
		// Synthesized response: deliver the assembled buffer whole.
		r.sectorCount = 0
		r.started = true
		r.dataReady(r.iovLen)
		return
	}
	if r.sectorCount == 0 {
		if !r.completed {
			r.complete(sense.StatusGood)
		}
		return
	}

	if r.aiocb != nil {
		panic("target: ReadData with a transfer in progress")
	}

	// The request backs the submission; hold it across the chunk.
	r.Ref()
	if r.Direction == cdb.DirToDevice {
		r.readComplete(ctx, syscall.EINVAL)
		return
	}
	if d.TrayOpen {
		r.readComplete(ctx, sense.ErrNoMedium)
		return
	}

	first := !r.started
	r.started = true
	if first && isFUA(r.CDB) {
		d.acctStart(false, 0)
		r.submit(func() error { return d.backend.Flush(ctx) },
			func(err error) { r.doRead(ctx, err) })
	} else {
		r.doRead(ctx, nil)
	}
}

// doRead issues the next readv against the backend. It runs directly
// from ReadData or as the completion of the FUA pre-flush.
func (r *Request) doRead(ctx context.Context, err error) {
	d := r.Dev

	if r.aiocb != nil {
		r.aiocb = nil
		d.acctDone(false, 0)
	}
	if err != nil {
		if d.handleRWError(r, err, true) {
			if !r.ioCanceled {
				r.Unref()
			}
			return
		}
	}
	if r.ioCanceled {
		return
	}

	// The new submission holds its own reference.
	r.Ref()
	if r.sg != nil {
		size := r.sgSize()
		d.acctStart(true, size)
		sector := r.sector
		sg := r.sg
		r.submit(func() error { return d.readSG(ctx, sg, sector) },
			func(err error) { r.dmaComplete(ctx, err) })
	} else {
		n := r.initIovec(DMABufSize)
		d.acctStart(true, int(n)*512)
		buf := r.buf[:int(n)*512]
		sector := r.sector
		r.submit(func() error {
			_, err := d.backend.ReadAt(ctx, buf, sector)
			return err
		}, func(err error) { r.readComplete(ctx, err) })
	}

	if !r.ioCanceled {
		r.Unref()
	}
}

// readComplete advances the cursor past the chunk just read and hands
// the filled buffer to the transport.
func (r *Request) readComplete(ctx context.Context, err error) {
	d := r.Dev

	if r.aiocb != nil {
		r.aiocb = nil
		d.acctDone(true, r.iovLen)
	}
	ok := true
	if err != nil {
		ok = !d.handleRWError(r, err, true)
	}
	if ok {
		n := uint32(r.iovLen / 512)
		r.sector += uint64(n)
		r.sectorCount -= n
		r.dataReady(r.iovLen)
	}
	if !r.ioCanceled {
		r.Unref()
	}
}

// WriteData drives a data-out transfer: the first call asks the
// transport to fill the bounce buffer, subsequent calls submit the
// filled window and ask for the next until the cursor is exhausted.
func (r *Request) WriteData(ctx context.Context) {
	d := r.Dev

	if r.aiocb != nil {
		panic("target: WriteData with a transfer in progress")
	}

	r.Ref()
	if r.Direction != cdb.DirToDevice {
		r.writeComplete(ctx, syscall.EINVAL)
		return
	}

	if r.sg == nil && r.iovLen == 0 {
		// First call: size a window and ask the transport for data.
		r.started = true
		r.writeComplete(ctx, nil)
		return
	}
	if d.TrayOpen {
		r.writeComplete(ctx, sense.ErrNoMedium)
		return
	}

	switch r.CDB.Opcode {
	case cdb.OpVerify10, cdb.OpVerify12, cdb.OpVerify16:
		// Medium verification without byte check: swallow the data.
		if r.sg != nil {
			r.dmaComplete(ctx, nil)
		} else {
			r.writeComplete(ctx, nil)
		}
		return
	}

	if r.sg != nil {
		size := r.sgSize()
		d.acctStart(false, size)
		sector := r.sector
		sg := r.sg
		r.submit(func() error { return d.writeSG(ctx, sg, sector) },
			func(err error) { r.dmaComplete(ctx, err) })
	} else {
		d.acctStart(false, r.iovLen)
		buf := r.buf[:r.iovLen]
		sector := r.sector
		r.submit(func() error {
			_, err := d.backend.WriteAt(ctx, buf, sector)
			return err
		}, func(err error) { r.writeComplete(ctx, err) })
	}
}

// writeComplete advances past the window just written, then either
// requests the next window or runs the FUA epilogue.
func (r *Request) writeComplete(ctx context.Context, err error) {
	d := r.Dev

	if r.aiocb != nil {
		r.aiocb = nil
		d.acctDone(false, r.iovLen)
	}
	if err != nil {
		if d.handleRWError(r, err, false) {
			if !r.ioCanceled {
				r.Unref()
			}
			return
		}
	}

	n := uint32(r.iovLen / 512)
	r.sector += uint64(n)
	r.sectorCount -= n
	if r.sectorCount == 0 {
		// The reference held for this window carries into the flush.
		r.writeDoFUA(ctx)
		return
	}

	r.initIovec(DMABufSize)
	r.dataReady(r.iovLen)
	if !r.ioCanceled {
		r.Unref()
	}
}

// writeDoFUA issues the post-write flush required by FUA, or posts GOOD.
// The caller's submission reference is either transferred to the flush
// or released here.
func (r *Request) writeDoFUA(ctx context.Context) {
	d := r.Dev

	if isFUA(r.CDB) {
		d.acctStart(false, 0)
		r.submit(func() error { return d.backend.Flush(ctx) },
			func(err error) { r.flushComplete(err) })
		return
	}

	r.complete(sense.StatusGood)
	if !r.ioCanceled {
		r.Unref()
	}
}

// dmaComplete finishes a scatter/gather transfer: the whole declared
// range moved in one submission.
func (r *Request) dmaComplete(ctx context.Context, err error) {
	d := r.Dev
	isRead := r.Direction == cdb.DirFromDevice

	if r.aiocb != nil {
		r.aiocb = nil
		d.acctDone(isRead, r.sgSize())
	}
	if err != nil {
		if d.handleRWError(r, err, isRead) {
			if !r.ioCanceled {
				r.Unref()
			}
			return
		}
	}

	r.sector += uint64(r.sectorCount)
	r.sectorCount = 0
	if r.Direction == cdb.DirToDevice {
		r.writeDoFUA(ctx)
		return
	}
	r.complete(sense.StatusGood)
	if !r.ioCanceled {
		r.Unref()
	}
}

// flushComplete finishes SYNCHRONIZE CACHE and the FUA epilogue.
func (r *Request) flushComplete(err error) {
	d := r.Dev

	if r.aiocb != nil {
		r.aiocb = nil
	}
	d.acctDone(false, 0)
	if err != nil {
		if d.handleRWError(r, err, false) {
			if !r.ioCanceled {
				r.Unref()
			}
			return
		}
	}

	r.complete(sense.StatusGood)
	if !r.ioCanceled {
		r.Unref()
	}
}

// replay re-issues the request's current chunk after a Resume.
func (r *Request) replay(ctx context.Context) {
	switch {
	case r.Direction == cdb.DirFromDevice:
		r.ReadData(ctx)
	case r.Direction == cdb.DirToDevice && r.sectorCount == 0:
		// The failed operation was the FUA flush after the last window.
		r.Ref()
		r.writeDoFUA(ctx)
	case r.Direction == cdb.DirToDevice:
		r.WriteData(ctx)
	default:
		// SYNCHRONIZE CACHE: re-submit the flush.
		r.Ref()
		r.Dev.acctStart(false, 0)
		r.submit(func() error { return r.Dev.backend.Flush(ctx) },
			func(err error) { r.flushComplete(err) })
	}
}

// readSG and writeSG move a scatter/gather list against consecutive
// 512-byte sectors. Segment lengths must be sector multiples; the
// transport owns the segments.
func (d *Device) readSG(ctx context.Context, sg [][]byte, sector uint64) error {
	for _, seg := range sg {
		if _, err := d.backend.ReadAt(ctx, seg, sector); err != nil {
			return err
		}
		sector += uint64(len(seg)) / 512
	}
	return nil
}

func (d *Device) writeSG(ctx context.Context, sg [][]byte, sector uint64) error {
	for _, seg := range sg {
		if _, err := d.backend.WriteAt(ctx, seg, sector); err != nil {
			return err
		}
		sector += uint64(len(seg)) / 512
	}
	return nil
}
