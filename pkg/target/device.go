// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package target implements the core of a SCSI target device emulator:
// the command interpreter, the per-request state machine driving
// asynchronous block I/O, and the data-path executor. It accepts CDBs
// from a host-adapter transport (plain method calls on Device and
// Request), executes them against a backend.Backend, and reports status,
// sense and payload back through the request's callbacks.
package target

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/scsitarget/scsi-target-core/pkg/backend"
	"github.com/scsitarget/scsi-target-core/pkg/sense"
)

// Personality selects the device model a Device emulates.
type Personality int

const (
	// PersonalityDisk is a direct-access block device.
	PersonalityDisk Personality = iota
	// PersonalityROM is a removable read-only optical device.
	PersonalityROM
	// PersonalityBlock passes CDBs through to a real SCSI generic
	// endpoint. It is recognized at the dispatch boundary only; the
	// passthrough execution path itself lives outside this core.
	PersonalityBlock
)

func (p Personality) String() string {
	switch p {
	case PersonalityDisk:
		return "disk"
	case PersonalityROM:
		return "rom"
	case PersonalityBlock:
		return "block"
	default:
		return fmt.Sprintf("personality(%d)", int(p))
	}
}

// scsiType is the peripheral device type reported in INQUIRY byte 0.
func (p Personality) scsiType() byte {
	if p == PersonalityROM {
		return 0x05
	}
	return 0x00
}

// Geometry carries CHS hints surfaced in the MODE SENSE geometry pages.
type Geometry struct {
	Cylinders uint32
	Heads     uint32
	Sectors   uint32
}

// Stats receives the I/O accounting callbacks that bracket every async
// backend submission, plus command and sense events. All methods are
// invoked from the device's event-loop goroutine. Sense fires on every
// completion; c is nil for GOOD and RESERVATION CONFLICT.
type Stats interface {
	Command(opcode byte)
	AcctStart(isRead bool, n int)
	AcctDone(isRead bool, n int)
	Sense(c *sense.Code)
}

// Aligner is implemented by backends with buffer-alignment requirements;
// NewDevice calls it once with the device block size.
type Aligner interface {
	SetBufferAlignment(bytes uint32)
}

// Flagser is implemented by backends that expose open-flag style hints.
// The only flag the dispatch boundary consults is FlagNoCache, which
// decides whether a PersonalityBlock device may route READ/WRITE CDBs
// through the emulated data path instead of passthrough.
type Flagser interface {
	Flags() uint32
}

// FlagNoCache reports that the backend bypasses the host page cache.
const FlagNoCache uint32 = 1 << 0

var (
	// ErrNoBackend is returned by NewDevice when no backend was supplied.
	ErrNoBackend = errors.New("target: drive property not set")
	// ErrNoMedia is returned by NewDevice for a non-removable device
	// whose backend reports no medium.
	ErrNoMedia = errors.New("target: device needs media, but drive is empty")
	// ErrBadBlockSize is returned for block sizes other than 512 or 2048.
	ErrBadBlockSize = errors.New("target: unsupported logical block size")
	// ErrBadGeometry is returned when a CHS hint exceeds the address
	// range the geometry mode pages can express.
	ErrBadGeometry = errors.New("target: cyls/heads/secs hint out of range")
	// ErrPassthrough is returned when a CDB on a PersonalityBlock device
	// would need the SCSI generic passthrough path.
	ErrPassthrough = errors.New("target: passthrough execution not supported")
)

// Device is one emulated SCSI target. Its methods are driven by a single
// event-loop goroutine; only PostUnitAttention, ChangeMedia,
// RequestEject and Dump may be called from other goroutines.
type Device struct {
	Personality Personality
	BlockSize   uint32
	MaxLBA      uint64
	TrayOpen    bool
	TrayLocked  bool
	Serial      string

	backend backend.Backend
	aio     AIO
	stats   Stats

	name    string
	version string
	wwn     uint64

	removable          bool
	dpofua             bool
	tcq                bool
	geom               Geometry
	minIOSize          uint32
	optIOSize          uint32
	discardGranularity uint32

	mediaChanged bool
	mediaEvent   bool
	ejectRequest bool

	unitAttention *sense.Code
	pendingSense  *sense.Code
	reservedBy    string

	outstanding map[*Request]struct{}

	stopped    bool
	iostatus   error
	retryQueue []*Request

	// OnStop is invoked when the error policy stops the VM; the host
	// resumes in-flight requests with Resume.
	OnStop func(err error)
	// OnError is the telemetry hook for every error-policy decision.
	OnError func(action backend.ErrorAction, isRead bool)

	mu sync.Mutex
}

// DeviceOpt configures a Device at construction.
type DeviceOpt func(*Device)

func WithBackend(b backend.Backend) DeviceOpt {
	return func(d *Device) { d.backend = b }
}

func WithName(name string) DeviceOpt {
	return func(d *Device) { d.name = name }
}

func WithSerial(serial string) DeviceOpt {
	return func(d *Device) { d.Serial = serial }
}

func WithVersion(version string) DeviceOpt {
	return func(d *Device) { d.version = version }
}

func WithWWN(wwn uint64) DeviceOpt {
	return func(d *Device) { d.wwn = wwn }
}

func WithRemovable(v bool) DeviceOpt {
	return func(d *Device) { d.removable = v }
}

func WithDPOFUA(v bool) DeviceOpt {
	return func(d *Device) { d.dpofua = v }
}

// WithTCQ advertises tagged command queuing in standard INQUIRY byte 7.
func WithTCQ(v bool) DeviceOpt {
	return func(d *Device) { d.tcq = v }
}

func WithGeometry(g Geometry) DeviceOpt {
	return func(d *Device) { d.geom = g }
}

func WithMinIOSize(bytes uint32) DeviceOpt {
	return func(d *Device) { d.minIOSize = bytes }
}

func WithOptIOSize(bytes uint32) DeviceOpt {
	return func(d *Device) { d.optIOSize = bytes }
}

func WithDiscardGranularity(bytes uint32) DeviceOpt {
	return func(d *Device) { d.discardGranularity = bytes }
}

// WithAIO substitutes the submission engine; tests use a deferred engine
// to hold completions in flight.
func WithAIO(a AIO) DeviceOpt {
	return func(d *Device) { d.aio = a }
}

// WithStats attaches the accounting hook.
func WithStats(s Stats) DeviceOpt {
	return func(d *Device) { d.stats = s }
}

// defaultVersion is reported in INQUIRY when no "ver" property is set.
const defaultVersion = "1.0"

// NewDevice constructs a Device of the given personality. A backend is
// mandatory; an absent one is a fatal construction error for every
// personality, never a lazily-discovered failure.
func NewDevice(p Personality, opts ...DeviceOpt) (*Device, error) {
	d := &Device{
		Personality: p,
		aio:         inlineAIO{},
		version:     defaultVersion,
		outstanding: make(map[*Request]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.version == "" {
		d.version = defaultVersion
	}
	if d.backend == nil {
		return nil, ErrNoBackend
	}

	switch p {
	case PersonalityROM:
		d.BlockSize = 2048
		d.removable = true
	default:
		d.BlockSize = d.backend.BlockSize()
		if d.BlockSize == 0 {
			d.BlockSize = 512
		}
	}
	if d.BlockSize != 512 && d.BlockSize != 2048 {
		return nil, fmt.Errorf("%w: %d", ErrBadBlockSize, d.BlockSize)
	}
	if d.geom.Cylinders > 65535 || d.geom.Heads > 255 || d.geom.Sectors > 255 {
		return nil, ErrBadGeometry
	}
	if !d.removable && !d.backend.IsInserted() {
		return nil, ErrNoMedia
	}
	if d.discardGranularity == 0 {
		d.discardGranularity = d.backend.DiscardGranularity()
	}
	if a, ok := d.backend.(Aligner); ok {
		a.SetBufferAlignment(d.BlockSize)
	}

	d.resetCapacity(context.Background())
	return d, nil
}

// resetCapacity recomputes MaxLBA from the backend geometry, the same
// way a bus reset re-learns the size before the guest's next READ
// CAPACITY.
func (d *Device) resetCapacity(ctx context.Context) {
	sectors, err := d.backend.Geometry(ctx)
	if err != nil {
		sectors = 0
	}
	blocks := sectors / uint64(d.BlockSize/512)
	if blocks > 0 {
		blocks--
	}
	d.MaxLBA = blocks
}

// Backend returns the block backend the device drives.
func (d *Device) Backend() backend.Backend { return d.backend }

// Name returns the device name used in VPD page 0x83 when no serial is
// configured.
func (d *Device) Name() string {
	if d.name == "" {
		return "scsitarget"
	}
	return d.name
}

// SetStats attaches the accounting hook after construction.
func (d *Device) SetStats(s Stats) { d.stats = s }

// Reset cancels every outstanding request with RESET sense and re-learns
// the capacity.
func (d *Device) Reset(ctx context.Context) {
	d.PurgeRequests(sense.Reset)
	d.resetCapacity(ctx)
}

// PurgeRequests cancels all outstanding requests on the device and
// latches code as the pending sense reported by the next REQUEST SENSE.
func (d *Device) PurgeRequests(code *sense.Code) {
	for r := range d.outstanding {
		r.CancelIO()
		delete(d.outstanding, r)
		r.enqueued = false
	}
	d.retryQueue = nil
	d.pendingSense = code
}

// PostUnitAttention latches a unit-attention sense reported on the next
// non-whitelisted command. Safe to call from outside the event loop.
func (d *Device) PostUnitAttention(code *sense.Code) {
	d.mu.Lock()
	d.unitAttention = code
	d.mu.Unlock()
}

// ChangeMedia reports a media change on a removable device: an ejected
// state followed by a loaded one, so initiators that never poll GET
// EVENT STATUS NOTIFICATION still observe tray motion. Safe to call from
// outside the event loop.
func (d *Device) ChangeMedia(load bool) {
	d.mu.Lock()
	d.mediaChanged = load
	d.TrayOpen = !load
	d.unitAttention = sense.UnitAttentionNoMedium
	d.mediaEvent = true
	d.ejectRequest = false
	d.mu.Unlock()
}

// RequestEject records a host-side eject request surfaced through GET
// EVENT STATUS NOTIFICATION; force unlocks the tray first. Safe to call
// from outside the event loop.
func (d *Device) RequestEject(force bool) {
	d.mu.Lock()
	d.ejectRequest = true
	if force {
		d.TrayLocked = false
	}
	d.mu.Unlock()
}

// unitAttentionReported rotates the unit-attention state after one has
// been delivered: an acknowledged media change becomes MEDIUM_CHANGED,
// an acknowledged MEDIUM_CHANGED clears.
func (d *Device) unitAttentionReported() {
	d.mu.Lock()
	if d.mediaChanged {
		d.mediaChanged = false
		d.unitAttention = sense.MediumChanged
	} else {
		d.unitAttention = nil
	}
	d.mu.Unlock()
}

// Stopped reports whether the error policy has halted the VM.
func (d *Device) Stopped() bool { return d.stopped }

// IOStatus returns the backend error that stopped the VM, if any.
func (d *Device) IOStatus() error { return d.iostatus }

// Resume replays every request parked by a "stop" error policy from its
// current sector cursor, then clears the stopped state.
func (d *Device) Resume(ctx context.Context) {
	queue := d.retryQueue
	d.retryQueue = nil
	d.stopped = false
	d.iostatus = nil
	for _, r := range queue {
		if r.ioCanceled {
			continue
		}
		r.retry = false
		r.replay(ctx)
	}
}

func (d *Device) statCommand(op byte) {
	if d.stats != nil {
		d.stats.Command(op)
	}
}

func (d *Device) acctStart(isRead bool, n int) {
	if d.stats != nil {
		d.stats.AcctStart(isRead, n)
	}
}

func (d *Device) acctDone(isRead bool, n int) {
	if d.stats != nil {
		d.stats.AcctDone(isRead, n)
	}
}

func (d *Device) statSense(c *sense.Code) {
	if d.stats != nil {
		d.stats.Sense(c)
	}
}
