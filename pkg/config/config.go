// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads a declarative set of emulated devices from YAML,
// mapping each entry onto the target.DeviceOpt functional options, so
// cmd/scsitargetd can stand up a fleet of devices without one flag per
// option.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/scsitarget/scsi-target-core/pkg/backend"
	"github.com/scsitarget/scsi-target-core/pkg/target"
)

// GeometryConfig mirrors target.Geometry for YAML decoding.
type GeometryConfig struct {
	Cylinders uint32 `yaml:"cylinders"`
	Heads     uint32 `yaml:"heads"`
	Sectors   uint32 `yaml:"sectors"`
}

// BackendConfig selects and configures one of the reference BBI
// implementations in pkg/backend.
type BackendConfig struct {
	Type               string `yaml:"type"` // "memory" or "file"
	Path               string `yaml:"path,omitempty"`
	SizeBytes          int    `yaml:"size_bytes,omitempty"`
	BlockSize          uint32 `yaml:"block_size"`
	ReadOnly           bool   `yaml:"read_only,omitempty"`
	DiscardGranularity uint32 `yaml:"discard_granularity,omitempty"`
}

// DeviceConfig is one entry in a device-set YAML file.
type DeviceConfig struct {
	Name        string          `yaml:"name"`
	Personality string          `yaml:"personality"` // "disk" or "rom"
	Backend     BackendConfig   `yaml:"backend"`
	Serial      string          `yaml:"serial,omitempty"`
	Version     string          `yaml:"version,omitempty"`
	WWN         uint64          `yaml:"wwn,omitempty"`
	Removable   bool            `yaml:"removable,omitempty"`
	DPOFUA      bool            `yaml:"dpofua,omitempty"`
	Geometry    *GeometryConfig `yaml:"geometry,omitempty"`
	MinIOSize   uint32          `yaml:"min_io_size,omitempty"`
	OptIOSize   uint32          `yaml:"opt_io_size,omitempty"`
}

// Set is the top-level YAML document: a named list of devices.
type Set struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadFile reads and parses a device-set YAML file.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return &s, nil
}

// build constructs the BBI this entry's Backend block describes.
func (bc BackendConfig) build() (backend.Backend, error) {
	blockSize := bc.BlockSize
	if blockSize == 0 {
		blockSize = 512
	}
	switch bc.Type {
	case "memory", "":
		m := backend.NewMemory(bc.SizeBytes, blockSize)
		m.SetReadOnly(bc.ReadOnly)
		m.SetDiscardGranularity(bc.DiscardGranularity)
		return m, nil
	case "file":
		if bc.Path == "" {
			return nil, fmt.Errorf("config: file backend requires a path")
		}
		return backend.NewFile(bc.Path, blockSize,
			backend.WithReadOnly(bc.ReadOnly),
			backend.WithDiscardGranularity(bc.DiscardGranularity),
		)
	default:
		return nil, fmt.Errorf("config: unknown backend type %q", bc.Type)
	}
}

// Build constructs the target.Device this entry describes.
func (dc DeviceConfig) Build() (*target.Device, error) {
	b, err := dc.Backend.build()
	if err != nil {
		return nil, fmt.Errorf("config: device %q: %w", dc.Name, err)
	}

	personality := target.PersonalityDisk
	if dc.Personality == "rom" {
		personality = target.PersonalityROM
	}

	opts := []target.DeviceOpt{
		target.WithBackend(b),
		target.WithName(dc.Name),
		target.WithSerial(dc.Serial),
		target.WithVersion(dc.Version),
		target.WithWWN(dc.WWN),
		target.WithRemovable(dc.Removable),
		target.WithDPOFUA(dc.DPOFUA),
		target.WithMinIOSize(dc.MinIOSize),
		target.WithOptIOSize(dc.OptIOSize),
		target.WithDiscardGranularity(dc.Backend.DiscardGranularity),
	}
	if dc.Geometry != nil {
		opts = append(opts, target.WithGeometry(target.Geometry{
			Cylinders: dc.Geometry.Cylinders,
			Heads:     dc.Geometry.Heads,
			Sectors:   dc.Geometry.Sectors,
		}))
	}

	dev, err := target.NewDevice(personality, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: device %q: %w", dc.Name, err)
	}
	return dev, nil
}

// BuildAll constructs every device in the set, keyed by name.
func (s *Set) BuildAll() (map[string]*target.Device, error) {
	devices := make(map[string]*target.Device, len(s.Devices))
	for _, dc := range s.Devices {
		if dc.Name == "" {
			return nil, fmt.Errorf("config: device entry missing a name")
		}
		if _, dup := devices[dc.Name]; dup {
			return nil, fmt.Errorf("config: duplicate device name %q", dc.Name)
		}
		dev, err := dc.Build()
		if err != nil {
			return nil, err
		}
		devices[dc.Name] = dev
	}
	return devices, nil
}
