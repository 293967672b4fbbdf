// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package crabcli implements the crabdag task subcommands: submit,
// status, outputs, kill, and resubmit.
package crabcli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"git.crabdag.org/crabdag.git/lib/cmd"
	"git.crabdag.org/crabdag.git/lib/config"
	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/lib/privexec"
	"git.crabdag.org/crabdag.git/lib/report"
	"git.crabdag.org/crabdag.git/lib/submit"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"git.crabdag.org/crabdag.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/sirupsen/logrus"
)

var (
	// (for testing) constructors for the scheduler locator and
	// the privileged executor.
	newLocator = func(cluster *crab.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) htcondor.SchedulerLocator {
		return &htcondor.Locator{Cluster: cluster, Logger: logger, Registry: reg}
	}
	newExecutor = func(cluster *crab.Cluster, logger logrus.FieldLogger, reg *prometheus.Registry) submit.Executor {
		return &privexec.Executor{Cluster: cluster, Logger: logger, Registry: reg}
	}
)

// env holds what every subcommand needs once flags are parsed and
// the cluster config is loaded.
type env struct {
	loader      *config.Loader
	clusterID   string
	logLevel    string
	metricsFile string

	cluster  *crab.Cluster
	logger   *logrus.Logger
	registry *prometheus.Registry
	locator  htcondor.SchedulerLocator
	executor submit.Executor
	reporter report.Reporter
}

// setupFlags adds the flags shared by all subcommands.
func (e *env) setupFlags(flags *flag.FlagSet, stdin io.Reader, stderr io.Writer) {
	e.loader = config.NewLoader(stdin, ctxlog.New(stderr, "text", "info"))
	e.loader.SetupFlags(flags)
	flags.StringVar(&e.clusterID, "cluster", "", "cluster `id` to use, if the config file has more than one")
	flags.StringVar(&e.logLevel, "log-level", "", "logging `level` (default from SystemLogs.Level)")
	flags.StringVar(&e.metricsFile, "metrics-textfile", "", "write metrics to `file` in text exposition format on exit")
}

// load reads the cluster config and builds the shared components.
func (e *env) load(stderr io.Writer) error {
	cfg, err := e.loader.Load()
	if err != nil {
		return err
	}
	e.cluster, err = cfg.GetCluster(e.clusterID)
	if err != nil {
		return err
	}
	level := e.logLevel
	if level == "" {
		level = e.cluster.SystemLogs.Level
	}
	e.logger = ctxlog.New(stderr, e.cluster.SystemLogs.Format, level)
	e.registry = prometheus.NewRegistry()
	e.locator = newLocator(e.cluster, e.logger, e.registry)
	e.executor = newExecutor(e.cluster, e.logger, e.registry)
	if e.cluster.TaskDB.URL != "" {
		e.reporter, err = report.NewClient(e.cluster, e.logger)
		if err != nil {
			return err
		}
	} else {
		e.reporter = report.LogReporter{Logger: e.logger}
	}
	return nil
}

// writeMetrics writes the registry to the -metrics-textfile file, if
// one was given. The file is replaced by rename.
func (e *env) writeMetrics() error {
	if e.metricsFile == "" || e.registry == nil {
		return nil
	}
	mfs, err := e.registry.Gather()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(e.metricsFile), "."+filepath.Base(e.metricsFile)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(f.Name())
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			return err
		}
	}
	if err := f.Chmod(0644); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), e.metricsFile)
}

// run parses flags, loads the config, calls fn, and writes metrics.
// It returns the process exit code.
func (e *env) run(flags *flag.FlagSet, prog string, args []string, positional string, stdin io.Reader, stderr io.Writer, fn func() error) int {
	e.setupFlags(flags, stdin, stderr)
	if ok, code := cmd.ParseFlags(flags, prog, args, positional, stderr); !ok {
		return code
	}
	if err := e.load(stderr); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	err := fn()
	if merr := e.writeMetrics(); merr != nil {
		e.logger.WithError(merr).Warn("error writing metrics file")
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		if errors.As(err, new(usageError)) {
			return cmd.EXIT_INVALIDARGUMENT
		}
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) + " (try -help)" }

// identity holds the flags that name an existing task.
type identity struct {
	name      string
	userDN    string
	scheduler string
	proxy     string
}

func (id *identity) setupFlags(flags *flag.FlagSet) {
	flags.StringVar(&id.name, "task", "", "task `name`")
	flags.StringVar(&id.userDN, "dn", "", "task owner's certificate `DN`")
	flags.StringVar(&id.scheduler, "scheduler", "", "scheduler `name` (default from config)")
	flags.StringVar(&id.proxy, "proxy", os.Getenv(privexec.CredentialEnv), "user credential `file`")
}

// task returns the identified task, or a usage error.
func (id *identity) task() (*crab.Task, error) {
	if id.name == "" {
		return nil, usageError("missing required -task flag")
	}
	return &crab.Task{
		Name:      id.name,
		UserDN:    id.userDN,
		Scheduler: id.scheduler,
		UserProxy: id.proxy,
	}, nil
}
