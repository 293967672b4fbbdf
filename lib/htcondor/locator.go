// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"os/exec"
	"sync"

	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Locator chooses schedulers from the cluster config and connects to
// them.
type Locator struct {
	Cluster  *crab.Cluster
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	// (for testing) if non-nil, local schedulers run
	// stubCommand() instead of condor tools.
	stubCommand func(string, ...string) *exec.Cmd
	// (for testing) if non-nil, remote schedulers use these
	// instead of the configured key files.
	signers         []ssh.Signer
	hostKeyCallback ssh.HostKeyCallback

	setupOnce sync.Once
	metrics   *metrics
}

func (loc *Locator) setup() {
	loc.metrics = newMetrics(loc.Registry)
	if loc.Logger == nil {
		loc.Logger = logrus.StandardLogger()
	}
}

// Locate returns the config of the named scheduler (or the default
// scheduler, if name is empty) and the submission mode to use with
// it.
func (loc *Locator) Locate(name string) (crab.SchedulerConfig, Mode, error) {
	sc, err := loc.Cluster.Scheduler(name)
	if err != nil {
		return sc, "", err
	}
	if sc.IsLocal() {
		return sc, ModeDirect, nil
	}
	return sc, ModeRemote, nil
}

// Dial returns a Schedd for the given scheduler. Remote connections
// are set up lazily by the first command.
func (loc *Locator) Dial(sc crab.SchedulerConfig) (Schedd, error) {
	return loc.NewCLI(sc), nil
}

// NewCLI returns a CLI for the given scheduler.
func (loc *Locator) NewCLI(sc crab.SchedulerConfig) *CLI {
	loc.setupOnce.Do(loc.setup)
	logger := loc.Logger.WithField("Scheduler", sc.Name)
	var exr execer
	if sc.IsLocal() {
		exr = &localExec{stubCommand: loc.stubCommand}
	} else {
		exr = &sshExec{
			cfg:             sc,
			setup:           loc.Cluster.RemoteCondorSetup,
			logger:          logger,
			signers:         loc.signers,
			hostKeyCallback: loc.hostKeyCallback,
		}
	}
	return &CLI{
		Scheduler: sc,
		Logger:    logger,
		exec:      exr,
		metrics:   loc.metrics,
	}
}
