// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package target

import (
	"github.com/davecgh/go-spew/spew"
)

// dumpConfig keeps spew from chasing the backend and callback fields
// into unbounded depth when a device is dumped for debugging.
var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	MaxDepth:                3,
	DisableMethods:          true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// Dump renders the device state for debugging. Safe to call from
// outside the event loop; in-flight buffers are not rendered.
func (d *Device) Dump() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dumpConfig.Sdump(struct {
		Personality   Personality
		BlockSize     uint32
		MaxLBA        uint64
		TrayOpen      bool
		TrayLocked    bool
		MediaChanged  bool
		MediaEvent    bool
		EjectRequest  bool
		UnitAttention string
		ReservedBy    string
		Outstanding   int
		Stopped       bool
	}{
		Personality:   d.Personality,
		BlockSize:     d.BlockSize,
		MaxLBA:        d.MaxLBA,
		TrayOpen:      d.TrayOpen,
		TrayLocked:    d.TrayLocked,
		MediaChanged:  d.mediaChanged,
		MediaEvent:    d.mediaEvent,
		EjectRequest:  d.ejectRequest,
		UnitAttention: d.unitAttention.String(),
		ReservedBy:    d.reservedBy,
		Outstanding:   len(d.outstanding),
		Stopped:       d.stopped,
	})
}

// Dump renders the request state for debugging.
func (r *Request) Dump() string {
	return dumpConfig.Sdump(struct {
		Tag         uint32
		LUN         uint32
		Opcode      byte
		Direction   int
		Sector      uint64
		SectorCount uint32
		IovLen      int
		Started     bool
		Retry       bool
		IOCanceled  bool
		Refs        int
		Status      int
		Sense       string
	}{
		Tag:         r.Tag,
		LUN:         r.LUN,
		Opcode:      byte(r.CDB.Opcode),
		Direction:   int(r.Direction),
		Sector:      r.sector,
		SectorCount: r.sectorCount,
		IovLen:      r.iovLen,
		Started:     r.started,
		Retry:       r.retry,
		IOCanceled:  r.ioCanceled,
		Refs:        r.refcnt,
		Status:      r.Status,
		Sense:       r.SenseCode.String(),
	})
}
