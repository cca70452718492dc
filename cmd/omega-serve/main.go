// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/alecthomas/kong"

	"github.com/antgroup/omega/pkg/version"
)

type App struct {
	Globals
	Serve  Serve  `cmd:"serve" help:"start omega-serve server"`
	Keygen Keygen `cmd:"keygen" help:"Generates a random session signing secret"`
}

func main() {
	var app App
	ctx := kong.Parse(&app,
		kong.Name("omega-serve"),
		kong.Description("Omega - A highly-available versioned configuration store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version.GetVersionString(),
		},
	)
	app.Globals.Apply()
	if err := ctx.Run(&app.Globals); err != nil {
		os.Exit(1)
	}
}
