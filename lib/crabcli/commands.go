// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package crabcli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"git.crabdag.org/crabdag.git/lib/control"
	"git.crabdag.org/crabdag.git/lib/submit"
	"git.crabdag.org/crabdag.git/lib/taskstatus"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/dustin/go-humanize"
)

var (
	SubmitCommand   submitCommand
	StatusCommand   statusCommand
	OutputsCommand  outputsCommand
	KillCommand     killCommand
	ResubmitCommand resubmitCommand
)

// SubmitRequest is the input of the submit subcommand.
type SubmitRequest struct {
	Task   crab.Task            `json:"task"`
	Groups []crab.WorkUnitGroup `json:"groups"`
}

// OutputsResult is the JSON output of the outputs subcommand.
type OutputsResult struct {
	Result []crab.OutputFile `json:"result"`
}

type submitCommand struct{}

func (submitCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var e env
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	reqPath := flags.String("request", "-", "submit request JSON `file` (- for stdin)")
	proxy := flags.String("proxy", "", "user credential `file` (overrides the request's user_proxy)")
	return e.run(flags, prog, args, "", stdin, stderr, func() error {
		var req SubmitRequest
		var in io.Reader = stdin
		if *reqPath != "-" {
			f, err := os.Open(*reqPath)
			if err != nil {
				return err
			}
			defer f.Close()
			in = f
		}
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return fmt.Errorf("decoding submit request: %w", err)
		}
		if *proxy != "" {
			req.Task.UserProxy = *proxy
		}
		disp := &submit.Dispatcher{
			Cluster:  e.cluster,
			Locator:  e.locator,
			Executor: e.executor,
			Reporter: e.reporter,
			Logger:   e.logger,
			Registry: e.registry,
		}
		id, err := disp.Submit(context.Background(), &req.Task, req.Groups)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "%d\n", id)
		return err
	})
}

type statusCommand struct{}

func (statusCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var e env
	var id identity
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	id.setupFlags(flags)
	return e.run(flags, prog, args, "", stdin, stderr, func() error {
		task, err := id.task()
		if err != nil {
			return err
		}
		agg := &taskstatus.Aggregator{Locator: e.locator, Logger: e.logger}
		summary, err := agg.Status(context.Background(), task)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	})
}

type outputsCommand struct{}

func (outputsCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var e env
	var id identity
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	id.setupFlags(flags)
	maxNum := flags.Int("max", 0, "list at most `N` files (0 means no limit)")
	asJSON := flags.Bool("json", false, "print a JSON array instead of text")
	return e.run(flags, prog, args, "", stdin, stderr, func() error {
		task, err := id.task()
		if err != nil {
			return err
		}
		agg := &taskstatus.Aggregator{Locator: e.locator, Logger: e.logger}
		files, err := agg.Outputs(context.Background(), task, *maxNum)
		if err != nil {
			return err
		}
		if *asJSON {
			if files == nil {
				files = []crab.OutputFile{}
			}
			return json.NewEncoder(stdout).Encode(OutputsResult{Result: files})
		}
		var total int64
		for _, f := range files {
			fmt.Fprintf(stdout, "%s\t%d (%s)\n", f.PFN, f.Size, humanize.IBytes(uint64(f.Size)))
			total += f.Size
		}
		_, err = fmt.Fprintf(stdout, "%d files, %s\n", len(files), humanize.IBytes(uint64(total)))
		return err
	})
}

func newController(e *env) *control.Controller {
	return &control.Controller{
		Cluster:  e.cluster,
		Locator:  e.locator,
		Executor: e.executor,
		Reporter: e.reporter,
		Logger:   e.logger,
		Registry: e.registry,
	}
}

type killCommand struct{}

func (killCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var e env
	var id identity
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	id.setupFlags(flags)
	return e.run(flags, prog, args, "", stdin, stderr, func() error {
		task, err := id.task()
		if err != nil {
			return err
		}
		return newController(&e).Kill(context.Background(), task)
	})
}

type resubmitCommand struct{}

func (resubmitCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var e env
	var id identity
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	id.setupFlags(flags)
	whitelist := flags.String("site-whitelist", "", "comma-separated `sites` to allow")
	blacklist := flags.String("site-blacklist", "", "comma-separated `sites` to exclude")
	jobIDs := flags.String("jobids", "", "comma-separated unit `ids` to resubmit (default all failed units)")
	maxRuntime := flags.Int("max-runtime", 0, "maximum wall time in `minutes`")
	maxMemory := flags.Int("max-memory", 0, "maximum memory in `MB`")
	numCores := flags.Int("cores", 0, "number of `cores`")
	priority := flags.Int("priority", 0, "job `priority`")
	return e.run(flags, prog, args, "", stdin, stderr, func() error {
		task, err := id.task()
		if err != nil {
			return err
		}
		var params crab.ResubmitParams
		var perr error
		flags.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "site-whitelist":
				params.SiteWhitelist = splitList(*whitelist)
			case "site-blacklist":
				params.SiteBlacklist = splitList(*blacklist)
			case "max-runtime":
				params.MaxJobRuntime = maxRuntime
			case "max-memory":
				params.MaxMemory = maxMemory
			case "cores":
				params.NumCores = numCores
			case "priority":
				params.Priority = priority
			case "jobids":
				for _, s := range splitList(*jobIDs) {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 {
						perr = usageError(fmt.Sprintf("invalid unit id %q in -jobids", s))
						return
					}
					params.JobIDs = append(params.JobIDs, n)
				}
			}
		})
		if perr != nil {
			return perr
		}
		return newController(&e).Resubmit(context.Background(), task, &params)
	})
}

// splitList splits a comma-separated list, dropping empty items. The
// result is non-nil, so an empty flag value clears the list.
func splitList(s string) []string {
	items := []string{}
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
