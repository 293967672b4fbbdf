// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package privexectest provides an in-process stand-in for the
// privileged executor.
package privexectest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
)

// Run records one Executor.Run call.
type Run struct {
	Proxy     string
	Scheduler string
	Ops       []htcondor.Op
}

// Executor applies ops to Schedd in the calling process, the same
// way the privileged child does. Ops are passed through a JSON round
// trip first, so anything that would not survive the trip to a real
// child fails here too.
type Executor struct {
	Schedd htcondor.Schedd
	Runs   []Run

	mtx sync.Mutex
}

func (e *Executor) Run(ctx context.Context, proxy string, sc crab.SchedulerConfig, ops []htcondor.Op) error {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	buf, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	var decoded []htcondor.Op
	if err := json.Unmarshal(buf, &decoded); err != nil {
		return err
	}
	e.Runs = append(e.Runs, Run{Proxy: proxy, Scheduler: sc.Name, Ops: decoded})
	if proxy == "" {
		return crab.Errorf(crab.PrivilegedActionFailure, "", "no credential given")
	}
	if err := e.apply(ctx, proxy, decoded); err != nil {
		return &crab.Error{Kind: crab.PrivilegedActionFailure, Message: err.Error()}
	}
	return nil
}

func (e *Executor) apply(ctx context.Context, proxy string, ops []htcondor.Op) error {
	if err := e.Schedd.InvalidateSessions(ctx); err != nil {
		return fmt.Errorf("invalidating sessions: %w", err)
	}
	if err := e.Schedd.SetCredential(ctx, proxy); err != nil {
		return fmt.Errorf("installing credential: %w", err)
	}
	for _, op := range ops {
		if err := op.Apply(ctx, e.Schedd); err != nil && !op.Optional {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// Ops returns the ops of every recorded run, in order.
func (e *Executor) Ops() []htcondor.Op {
	e.mtx.Lock()
	defer e.mtx.Unlock()
	var ops []htcondor.Op
	for _, run := range e.Runs {
		ops = append(ops, run.Ops...)
	}
	return ops
}
