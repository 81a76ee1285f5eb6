// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sense

import (
	"errors"
	"os"
	"syscall"
)

// ErrNoMedium is the sentinel a BBI implementation returns when the
// device has no medium inserted, the Go analogue of ENOMEDIUM.
var ErrNoMedium = errors.New("sense: no medium inserted")

func isErrNoMedium(err error) bool {
	return errors.Is(err, ErrNoMedium)
}

func isErrNoMem(err error) bool {
	return errors.Is(err, syscall.ENOMEM)
}

func isErrInvalid(err error) bool {
	if errors.Is(err, syscall.EINVAL) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.EINVAL)
}
