// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package backend

import "os"

// fileSize falls back to Stat on non-Linux platforms; raw block device
// size discovery via BLKGETSIZE64 is Linux-specific (blkdev_linux.go).
func fileSize(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
