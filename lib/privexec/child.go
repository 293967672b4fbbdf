// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package privexec

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"git.crabdag.org/crabdag.git/lib/cmd"
	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"git.crabdag.org/crabdag.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ChildCommand is the "privileged-exec" subcommand: it reads a
// Request on stdin, applies it with the credential named in the
// environment, and writes the result to the result file descriptor.
var ChildCommand cmd.Handler = childCommand{}

// Dial connects to the scheduler from the child process.
var Dial = func(logger logrus.FieldLogger, sc crab.SchedulerConfig, remoteCondorSetup string) (htcondor.Schedd, error) {
	loc := &htcondor.Locator{
		Cluster: &crab.Cluster{RemoteCondorSetup: remoteCondorSetup},
		Logger:  logger,
	}
	return loc.Dial(sc)
}

type childCommand struct{}

func (childCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet(prog, flag.ContinueOnError)
	resultFD := flags.Int("result-fd", 3, "write result to file descriptor `fd`")
	logLevel := flags.String("log-level", "info", "logging `level` (debug, info, ...)")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", *logLevel)

	// The result pipe must not leak into condor tools started
	// below, or the parent would not see EOF until they exit.
	if _, err := unix.FcntlInt(uintptr(*resultFD), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		fmt.Fprintf(stderr, "result fd %d: %s\n", *resultFD, err)
		return 1
	}
	result := os.NewFile(uintptr(*resultFD), "result")
	defer result.Close()

	err := runChild(context.Background(), logger, stdin, os.Getenv(CredentialEnv))
	if err != nil {
		logger.WithError(err).Error("privileged action failed")
		fmt.Fprintf(result, "%s", err)
		return 1
	}
	if _, err := io.WriteString(result, SuccessToken); err != nil {
		logger.WithError(err).Error("writing result")
		return 1
	}
	return 0
}

func runChild(ctx context.Context, logger logrus.FieldLogger, stdin io.Reader, proxy string) error {
	var req Request
	if err := json.NewDecoder(stdin).Decode(&req); err != nil {
		return fmt.Errorf("decoding request: %w", err)
	}
	if proxy == "" {
		return errors.New("no credential in " + CredentialEnv)
	}
	logger = logger.WithField("Scheduler", req.Scheduler.Name)
	schedd, err := Dial(logger, req.Scheduler, req.RemoteCondorSetup)
	if err != nil {
		return err
	}
	defer schedd.Close()
	if err := schedd.InvalidateSessions(ctx); err != nil {
		return fmt.Errorf("invalidating sessions: %w", err)
	}
	if err := schedd.SetCredential(ctx, proxy); err != nil {
		return fmt.Errorf("installing credential: %w", err)
	}
	for _, op := range req.Ops {
		err := op.Apply(ctx, schedd)
		if err == nil {
			logger.Debugf("%s: ok", op)
		} else if op.Optional {
			logger.WithError(err).Infof("%s: ignoring failure of optional operation", op)
		} else {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}
