// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/sirupsen/logrus"
)

// An execer runs condor command line programs somewhere: on this
// host, or on a remote gateway.
type execer interface {
	// Exec runs prog in dir with extra environment variables and
	// returns its stdout.
	Exec(ctx context.Context, env []string, dir string, stdin io.Reader, prog string, args ...string) ([]byte, error)
	// Stage makes the local file available in dir, as seen by
	// Exec, and returns its path there.
	Stage(ctx context.Context, dir string, localPath string, mode os.FileMode) (string, error)
	// WorkDir returns the directory, as seen by Exec, where files
	// for the named task are staged from localDir.
	WorkDir(name, localDir string) string
	// StageCredential makes the credential at localPath available
	// to Exec at a path private to this call, and returns that
	// path and a function that removes it.
	StageCredential(ctx context.Context, localPath string) (string, func(context.Context) error, error)
	Close() error
}

// CLI is a Schedd that runs condor_q, condor_qedit, condor_hold,
// condor_release, condor_submit, and condor_reschedule.
type CLI struct {
	Scheduler crab.SchedulerConfig
	Logger    logrus.FieldLogger

	exec    execer
	metrics *metrics

	mtx       sync.Mutex
	proxy     string
	dropProxy func(context.Context) error
}

func (cli *CLI) commonArgs() []string {
	args := []string{"-name", cli.Scheduler.Name}
	if cli.Scheduler.Pool != "" {
		args = append(args, "-pool", cli.Scheduler.Pool)
	}
	return args
}

func (cli *CLI) credentialEnv() []string {
	cli.mtx.Lock()
	defer cli.mtx.Unlock()
	if cli.proxy == "" {
		return nil
	}
	return []string{"X509_USER_PROXY=" + cli.proxy}
}

func (cli *CLI) run(ctx context.Context, dir string, prog string, args ...string) ([]byte, error) {
	if t := cli.Scheduler.Timeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	t0 := time.Now()
	cli.Logger.WithFields(logrus.Fields{
		"Scheduler": cli.Scheduler.Name,
		"Command":   prog,
	}).Debugf("run %q", args)
	out, err := cli.exec.Exec(ctx, cli.credentialEnv(), dir, nil, prog, args...)
	cli.metrics.observeCommand(prog, err, time.Since(t0))
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%s: %w (%s)", prog, ctx.Err(), err)
		} else {
			err = fmt.Errorf("%s: %w", prog, err)
		}
	}
	return out, err
}

func (cli *CLI) Query(ctx context.Context, con classad.Constraint, attrs []string) ([]classad.Result, error) {
	args := append(cli.commonArgs(), "-constraint", con.String(), "-json")
	if len(attrs) > 0 {
		args = append(args, "-attributes", strings.Join(attrs, ","))
	}
	out, err := cli.run(ctx, "", "condor_q", args...)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(out)) == 0 {
		// condor_q -json prints nothing at all when no ads
		// match.
		return nil, nil
	}
	var ads []classad.Result
	err = json.Unmarshal(out, &ads)
	if err != nil {
		return nil, fmt.Errorf("condor_q: error decoding output: %w", err)
	}
	return ads, nil
}

func (cli *CLI) Edit(ctx context.Context, con classad.Constraint, attr string, value classad.Expr) error {
	args := append(cli.commonArgs(), "-constraint", con.String(), attr, string(value))
	_, err := cli.run(ctx, "", "condor_qedit", args...)
	return err
}

func (cli *CLI) Hold(ctx context.Context, con classad.Constraint) error {
	_, err := cli.run(ctx, "", "condor_hold", append(cli.commonArgs(), "-constraint", con.String())...)
	return err
}

func (cli *CLI) Release(ctx context.Context, con classad.Constraint) error {
	_, err := cli.run(ctx, "", "condor_release", append(cli.commonArgs(), "-constraint", con.String())...)
	return err
}

func (cli *CLI) Submit(ctx context.Context, desc *classad.SubmitDescription, dir string, spool bool) (int, error) {
	jdl := filepath.Join(dir, "submit.jdl")
	err := os.WriteFile(jdl, desc.Render(), 0644)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	workdir := cli.exec.WorkDir(filepath.Base(dir), dir)
	for _, ent := range entries {
		if !ent.Type().IsRegular() || ent.Name() == "submit.jdl" {
			continue
		}
		if _, err := cli.exec.Stage(ctx, workdir, filepath.Join(dir, ent.Name()), 0644); err != nil {
			return 0, fmt.Errorf("staging %s: %w", ent.Name(), err)
		}
	}
	staged, err := cli.exec.Stage(ctx, workdir, jdl, 0644)
	if err != nil {
		return 0, err
	}
	return cli.submit(ctx, workdir, staged, spool)
}

func (cli *CLI) SubmitRaw(ctx context.Context, task, jdlPath, proxy string, inputFiles []string) (int, error) {
	dir := cli.exec.WorkDir(task, filepath.Dir(jdlPath))
	for _, fnm := range inputFiles {
		if _, err := cli.exec.Stage(ctx, dir, fnm, 0644); err != nil {
			return 0, fmt.Errorf("staging %s: %w", filepath.Base(fnm), err)
		}
	}
	if proxy != "" {
		staged, err := cli.exec.Stage(ctx, dir, proxy, 0600)
		if err != nil {
			return 0, fmt.Errorf("staging proxy: %w", err)
		}
		cli.mtx.Lock()
		cli.proxy = staged
		cli.mtx.Unlock()
	}
	staged, err := cli.exec.Stage(ctx, dir, jdlPath, 0644)
	if err != nil {
		return 0, err
	}
	return cli.submit(ctx, dir, staged, true)
}

func (cli *CLI) submit(ctx context.Context, dir, jdl string, spool bool) (int, error) {
	args := cli.commonArgs()
	if spool {
		args = append(args, "-spool")
	}
	args = append(args, "-terse", jdl)
	out, err := cli.run(ctx, dir, "condor_submit", args...)
	if err != nil {
		return 0, err
	}
	return parseTerseSubmit(out)
}

// parseTerseSubmit parses "condor_submit -terse" output, like
// "1234.0 - 1234.0", and returns the cluster ID.
func parseTerseSubmit(out []byte) (int, error) {
	fields := strings.Fields(string(out))
	if len(fields) == 0 {
		return 0, fmt.Errorf("condor_submit: no job ID in output")
	}
	id, err := strconv.Atoi(strings.SplitN(fields[0], ".", 2)[0])
	if err != nil {
		return 0, fmt.Errorf("condor_submit: cannot parse job ID in output %q", out)
	}
	return id, nil
}

func (cli *CLI) Reschedule(ctx context.Context) error {
	_, err := cli.run(ctx, "", "condor_reschedule", cli.commonArgs()...)
	return err
}

// InvalidateSessions forgets the current credential, removes its
// staged copy, and closes any connection to a gateway, so the next
// command starts a fresh authenticated session.
func (cli *CLI) InvalidateSessions(ctx context.Context) error {
	err := cli.dropCredential(ctx)
	if cerr := cli.exec.Close(); err == nil {
		err = cerr
	}
	return err
}

func (cli *CLI) dropCredential(ctx context.Context) error {
	cli.mtx.Lock()
	drop := cli.dropProxy
	cli.proxy, cli.dropProxy = "", nil
	cli.mtx.Unlock()
	if drop == nil {
		return nil
	}
	if t := cli.Scheduler.Timeout.Duration(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	if err := drop(ctx); err != nil {
		return fmt.Errorf("removing staged credential: %w", err)
	}
	return nil
}

func (cli *CLI) SetCredential(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("credential: %w", err)
	}
	if err := cli.dropCredential(ctx); err != nil {
		return err
	}
	staged, drop, err := cli.exec.StageCredential(ctx, path)
	if err != nil {
		return fmt.Errorf("staging credential: %w", err)
	}
	cli.mtx.Lock()
	cli.proxy, cli.dropProxy = staged, drop
	cli.mtx.Unlock()
	return nil
}

// Close removes the staged credential, if any, and closes the
// connection.
func (cli *CLI) Close() error {
	err := cli.dropCredential(context.Background())
	if cerr := cli.exec.Close(); err == nil {
		err = cerr
	}
	return err
}
