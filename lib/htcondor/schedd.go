// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package htcondor talks to HTCondor schedulers, either with local
// condor command line tools or through an SSH submit gateway.
package htcondor

import (
	"context"

	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
)

// Schedd is the set of scheduler operations used to submit and
// control tasks.
type Schedd interface {
	// Query returns the ads matching con, restricted to attrs.
	Query(ctx context.Context, con classad.Constraint, attrs []string) ([]classad.Result, error)
	// Edit sets attr to value on every matching ad.
	Edit(ctx context.Context, con classad.Constraint, attr string, value classad.Expr) error
	Hold(ctx context.Context, con classad.Constraint) error
	Release(ctx context.Context, con classad.Constraint) error
	// Submit submits desc from the local directory dir, spooling
	// its input files if spool is true, and returns the new
	// cluster ID.
	Submit(ctx context.Context, desc *classad.SubmitDescription, dir string, spool bool) (int, error)
	// SubmitRaw submits a rendered submit file together with its
	// input files and proxy on behalf of the named task.
	SubmitRaw(ctx context.Context, task, jdlPath, proxy string, inputFiles []string) (int, error)
	Reschedule(ctx context.Context) error
	// InvalidateSessions drops any cached authentication state, so
	// the next command authenticates with the current credential.
	InvalidateSessions(ctx context.Context) error
	// SetCredential makes subsequent commands authenticate with
	// the proxy file at path.
	SetCredential(ctx context.Context, path string) error
	Close() error
}

// Mode is the submission mode for a scheduler.
type Mode string

const (
	// ModeDirect submits with local tools, under the user's
	// credential, through the privileged executor.
	ModeDirect Mode = "direct"
	// ModeRemote hands a rendered submit file to a remote
	// gateway.
	ModeRemote Mode = "remote"
)

// SchedulerLocator picks a scheduler for a task and connects to it.
type SchedulerLocator interface {
	Locate(name string) (crab.SchedulerConfig, Mode, error)
	Dial(sc crab.SchedulerConfig) (Schedd, error)
}
