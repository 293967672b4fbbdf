// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package privexec runs scheduler operations under a user credential
// in a separate child process, so the caller's own credential and
// scheduler sessions are never touched.
package privexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/google/shlex"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SuccessToken is the entire result written by a child that applied
// all of its operations.
const SuccessToken = "OK"

// CredentialEnv is the environment variable carrying the credential
// path to the child.
const CredentialEnv = "X509_USER_PROXY"

const defaultTimeout = 5 * time.Minute

// maxResult limits how much of the result pipe is kept.
const maxResult = 1 << 20

// Request is sent to the child on stdin.
type Request struct {
	Scheduler         crab.SchedulerConfig `json:"scheduler"`
	RemoteCondorSetup string               `json:"remote_condor_setup,omitempty"`
	Ops               []htcondor.Op        `json:"ops"`
}

// Executor runs ops in a child process. The zero value is not usable:
// Cluster must be set.
type Executor struct {
	Cluster  *crab.Cluster
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	setupOnce sync.Once
	metrics   *metrics
}

func (e *Executor) setup() {
	e.metrics = newMetrics(e.Registry)
	if e.Logger == nil {
		e.Logger = logrus.StandardLogger()
	}
}

// command returns the child argv.
func (e *Executor) command() ([]string, error) {
	if cmdline := e.Cluster.PrivilegedExec.Command; cmdline != "" {
		argv, err := shlex.Split(cmdline)
		if err != nil {
			return nil, fmt.Errorf("PrivilegedExec.Command: %w", err)
		}
		if len(argv) == 0 {
			return nil, errors.New("PrivilegedExec.Command: no words")
		}
		return argv, nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return []string{self, "privileged-exec"}, nil
}

func (e *Executor) timeout() time.Duration {
	if t := e.Cluster.PrivilegedExec.Timeout.Duration(); t > 0 {
		return t
	}
	return defaultTimeout
}

// childEnv returns the current environment with the credential
// variable replaced.
func childEnv(proxy string) []string {
	var env []string
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, CredentialEnv+"=") {
			env = append(env, kv)
		}
	}
	return append(env, CredentialEnv+"="+proxy)
}

// Run applies ops to the scheduler sc in a child process that
// authenticates with the credential at proxy. It returns nil only if
// the child reports success.
func (e *Executor) Run(ctx context.Context, proxy string, sc crab.SchedulerConfig, ops []htcondor.Op) error {
	e.setupOnce.Do(e.setup)
	t0 := time.Now()
	err := e.run(ctx, proxy, sc, ops)
	e.metrics.observe(err, time.Since(t0))
	if err != nil {
		var cerr *crab.Error
		if !errors.As(err, &cerr) {
			err = crab.Wrap(crab.PrivilegedActionFailure, "", err, "privileged action failed")
		}
	}
	return err
}

func (e *Executor) run(ctx context.Context, proxy string, sc crab.SchedulerConfig, ops []htcondor.Op) error {
	logger := e.Logger.WithFields(logrus.Fields{
		"Scheduler": sc.Name,
		"Ops":       len(ops),
	})
	if proxy == "" {
		return errors.New("no credential given")
	}
	argv, err := e.command()
	if err != nil {
		return err
	}
	req, err := json.Marshal(Request{
		Scheduler:         sc,
		RemoteCondorSetup: e.Cluster.RemoteCondorSetup,
		Ops:               ops,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return err
	}
	defer pr.Close()

	var childLog bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(req)
	cmd.Stdout = &childLog
	cmd.Stderr = &childLog
	cmd.Env = childEnv(proxy)
	cmd.ExtraFiles = []*os.File{pw}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second
	logger.Debugf("starting privileged child %q", argv)
	err = cmd.Start()
	pw.Close()
	if err != nil {
		return fmt.Errorf("starting privileged child: %w", err)
	}
	pid := cmd.Process.Pid

	type readResult struct {
		buf []byte
		err error
	}
	readDone := make(chan readResult, 1)
	go func() {
		buf, err := io.ReadAll(io.LimitReader(pr, maxResult))
		readDone <- readResult{buf, err}
	}()
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var result readResult
	var waitErr error
	for haveResult, exited := false, false; !haveResult || !exited; {
		select {
		case result = <-readDone:
			haveResult = true
		case waitErr = <-waitDone:
			exited = true
		case <-ctx.Done():
			logger.WithField("PID", pid).Warn("privileged child timed out, killing process group")
			// Negative pid signals the whole process group.
			unix.Kill(-pid, unix.SIGKILL)
			pr.Close()
			if !haveResult {
				<-readDone
			}
			if !exited {
				<-waitDone
			}
			return fmt.Errorf("privileged child did not finish: %w", ctx.Err())
		}
	}
	logger.WithField("PID", pid).Debugf("privileged child exited (%v), output %q", waitErr, childLog.Bytes())
	if result.err != nil {
		return fmt.Errorf("reading result from privileged child: %w", result.err)
	}
	if string(result.buf) == SuccessToken {
		return nil
	}
	msg := strings.TrimSpace(string(result.buf))
	if msg == "" {
		msg = fmt.Sprintf("privileged child exited without a result (%v)", waitErr)
		if tail := bytes.TrimSpace(childLog.Bytes()); len(tail) > 0 {
			if len(tail) > 1000 {
				tail = tail[len(tail)-1000:]
			}
			msg += fmt.Sprintf(": %q", tail)
		}
	}
	logger.WithField("Result", msg).Warn("privileged action failed")
	return &crab.Error{Kind: crab.PrivilegedActionFailure, Message: msg}
}
