// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics exposes a prometheus.Collector over a running
// target's per-device command counts, byte totals, and sense events.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

var (
	commandsDesc = prometheus.NewDesc(
		"scsitarget_commands_total",
		"Number of SCSI commands dispatched per device and opcode",
		[]string{"device", "opcode"}, nil,
	)
	bytesDesc = prometheus.NewDesc(
		"scsitarget_bytes_total",
		"Bytes transferred per device and direction",
		[]string{"device", "direction"}, nil,
	)
	senseDesc = prometheus.NewDesc(
		"scsitarget_sense_events_total",
		"CHECK_CONDITION completions per device and sense tag",
		[]string{"device", "sense"}, nil,
	)
	reservationConflictsDesc = prometheus.NewDesc(
		"scsitarget_reservation_conflicts_total",
		"RESERVATION CONFLICT completions per device",
		[]string{"device"}, nil,
	)
)

type deviceStats struct {
	commands             map[byte]uint64
	bytesRead            uint64
	bytesWritten         uint64
	senseEvents          map[string]uint64
	reservationConflicts uint64
}

func newDeviceStats() *deviceStats {
	return &deviceStats{
		commands:    make(map[byte]uint64),
		senseEvents: make(map[string]uint64),
	}
}

// Collector aggregates counters across every Device it is told about and
// implements prometheus.Collector so it can be registered directly with
// a Registry. Zero devices and zero commands both collect cleanly —
// Collect sends no samples rather than a malformed one.
type Collector struct {
	mu      sync.Mutex
	devices map[string]*deviceStats
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{devices: make(map[string]*deviceStats)}
}

func (c *Collector) stats(device string) *deviceStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.devices[device]
	if !ok {
		s = newDeviceStats()
		c.devices[device] = s
	}
	return s
}

// RecordCommand increments the per-opcode counter for device.
func (c *Collector) RecordCommand(device string, opcode byte) {
	s := c.stats(device)
	c.mu.Lock()
	s.commands[opcode]++
	c.mu.Unlock()
}

// RecordBytes adds n to device's read or write byte total.
func (c *Collector) RecordBytes(device string, isRead bool, n int) {
	if n <= 0 {
		return
	}
	s := c.stats(device)
	c.mu.Lock()
	if isRead {
		s.bytesRead += uint64(n)
	} else {
		s.bytesWritten += uint64(n)
	}
	c.mu.Unlock()
}

// RecordSense increments device's count for code's tag. A nil code is
// ignored — GOOD completions carry no sense event.
func (c *Collector) RecordSense(device string, code *sense.Code) {
	if code == nil {
		return
	}
	s := c.stats(device)
	c.mu.Lock()
	s.senseEvents[code.Tag]++
	c.mu.Unlock()
}

// RecordReservationConflict increments device's RESERVATION CONFLICT count.
func (c *Collector) RecordReservationConflict(device string) {
	s := c.stats(device)
	c.mu.Lock()
	s.reservationConflicts++
	c.mu.Unlock()
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- commandsDesc
	ch <- bytesDesc
	ch <- senseDesc
	ch <- reservationConflictsDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for device, s := range c.devices {
		for opcode, n := range s.commands {
			ch <- prometheus.MustNewConstMetric(commandsDesc, prometheus.CounterValue,
				float64(n), device, opcodeLabel(opcode))
		}
		if s.bytesRead > 0 {
			ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue,
				float64(s.bytesRead), device, "read")
		}
		if s.bytesWritten > 0 {
			ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue,
				float64(s.bytesWritten), device, "write")
		}
		for tag, n := range s.senseEvents {
			ch <- prometheus.MustNewConstMetric(senseDesc, prometheus.CounterValue,
				float64(n), device, tag)
		}
		if s.reservationConflicts > 0 {
			ch <- prometheus.MustNewConstMetric(reservationConflictsDesc, prometheus.CounterValue,
				float64(s.reservationConflicts), device)
		}
	}
}

func opcodeLabel(op byte) string {
	const hex = "0123456789abcdef"
	return string([]byte{'0', 'x', hex[op>>4], hex[op&0xf]})
}
