// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.crabdag.org/crabdag.git/lib/cmd"
	"git.crabdag.org/crabdag.git/lib/config"
	"git.crabdag.org/crabdag.git/lib/crabcli"
	"git.crabdag.org/crabdag.git/lib/privexec"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"config-check": config.CheckCommand,
		"config-dump":  config.DumpCommand,

		"submit":          crabcli.SubmitCommand,
		"status":          crabcli.StatusCommand,
		"outputs":         crabcli.OutputsCommand,
		"kill":            crabcli.KillCommand,
		"resubmit":        crabcli.ResubmitCommand,
		"privileged-exec": privexec.ChildCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
