// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
devices:
  - name: disk0
    personality: disk
    serial: "DISK0001"
    backend:
      type: memory
      size_bytes: 1048576
      block_size: 512
  - name: rom0
    personality: rom
    backend:
      type: memory
      size_bytes: 2097152
      block_size: 2048
`

func writeSample(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileAndBuildAll(t *testing.T) {
	path := writeSample(t)
	set, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(set.Devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(set.Devices))
	}

	devices, err := set.BuildAll()
	if err != nil {
		t.Fatalf("BuildAll: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d built devices, want 2", len(devices))
	}
	if devices["disk0"].Serial != "DISK0001" {
		t.Fatalf("got serial %q, want DISK0001", devices["disk0"].Serial)
	}
}

func TestBuildAllRejectsDuplicateNames(t *testing.T) {
	set := &Set{Devices: []DeviceConfig{
		{Name: "dup", Backend: BackendConfig{Type: "memory", SizeBytes: 4096, BlockSize: 512}},
		{Name: "dup", Backend: BackendConfig{Type: "memory", SizeBytes: 4096, BlockSize: 512}},
	}}
	if _, err := set.BuildAll(); err == nil {
		t.Fatalf("expected error for duplicate device name")
	}
}

func TestBuildUnknownBackendType(t *testing.T) {
	dc := DeviceConfig{Name: "x", Backend: BackendConfig{Type: "nope"}}
	if _, err := dc.Build(); err == nil {
		t.Fatalf("expected error for unknown backend type")
	}
}
