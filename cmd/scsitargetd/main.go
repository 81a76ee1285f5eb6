// Copyright (c) 2021 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"github.com/alecthomas/kong"

	"github.com/scsitarget/scsi-target-core/pkg/cmdutil"
)

const (
	programName = "scsitargetd"
	programDesc = "SCSI target emulator daemon"
)

func main() {
	// Parse kong flags and sub-commands
	ctx := kong.Parse(&cli,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.NamedMapper("accessiblefile", cmdutil.AccessibleFileMapper()),
		kong.Resolvers(cmdutil.ResolveControlToken(false)),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Run the command
	err := ctx.Run(&cmdContext{})
	ctx.FatalIfErrorf(err)
}
