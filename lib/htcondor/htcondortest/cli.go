// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondortest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"git.crabdag.org/crabdag.git/sdk/go/classad"
)

// RunCLI emulates a condor command line program against s. Paths
// given to condor_submit are passed through resolve.
func (s *Schedd) RunCLI(prog string, args []string, resolve func(string) string) (string, error) {
	ctx := context.Background()
	flags := map[string]string{}
	var positional []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-name", "-pool", "-constraint", "-attributes":
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s: missing argument for %s", prog, args[i])
			}
			flags[args[i]] = args[i+1]
			i++
		case "-json", "-spool", "-terse":
			flags[args[i]] = "true"
		default:
			positional = append(positional, args[i])
		}
	}
	if flags["-name"] == "" {
		return "", fmt.Errorf("%s: no -name given", prog)
	}
	con, err := classad.ParseConstraint(flags["-constraint"])
	if err != nil {
		return "", err
	}
	switch filepath.Base(prog) {
	case "condor_q":
		var attrs []string
		if a := flags["-attributes"]; a != "" {
			attrs = strings.Split(a, ",")
		}
		ads, err := s.Query(ctx, con, attrs)
		if err != nil || len(ads) == 0 {
			return "", err
		}
		buf, err := json.MarshalIndent(ads, "", " ")
		return string(buf) + "\n", err
	case "condor_qedit":
		if len(positional) != 2 {
			return "", fmt.Errorf("condor_qedit: expected attr and value, got %q", positional)
		}
		return "", s.Edit(ctx, con, positional[0], classad.Expr(positional[1]))
	case "condor_hold":
		return "", s.Hold(ctx, con)
	case "condor_release":
		return "", s.Release(ctx, con)
	case "condor_reschedule":
		return "", s.Reschedule(ctx)
	case "condor_submit":
		if len(positional) != 1 {
			return "", fmt.Errorf("condor_submit: expected one submit file, got %q", positional)
		}
		path := positional[0]
		if resolve != nil {
			path = resolve(path)
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		desc, err := classad.ParseSubmitDescription(buf)
		if err != nil {
			return "", err
		}
		id, err := s.Submit(ctx, desc, filepath.Dir(path), flags["-spool"] != "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d.0 - %d.0\n", id, id), nil
	default:
		return "", fmt.Errorf("%s: command not found", prog)
	}
}

// StubCommand returns a function suitable for replacing exec.Command
// when running condor tools. Each command is applied to s, and the
// returned *exec.Cmd just reproduces the emulated output and exit
// status.
func (s *Schedd) StubCommand(logf func(string, ...interface{})) func(string, ...string) *exec.Cmd {
	return func(prog string, args ...string) *exec.Cmd {
		if logf != nil {
			logf("stubCommand: %q %q", prog, args)
		}
		out, err := s.RunCLI(prog, args, nil)
		if err != nil {
			return exec.Command("sh", "-c", `printf '%s\n' "$1" >&2; exit 1`, "sh", err.Error())
		}
		return exec.Command("printf", "%s", out)
	}
}
