// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package submit compiles tasks and hands them to a scheduler.
package submit

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.crabdag.org/crabdag.git/lib/dagman"
	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/lib/report"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Executor runs scheduler operations under a user credential.
type Executor interface {
	Run(ctx context.Context, proxy string, sc crab.SchedulerConfig, ops []htcondor.Op) error
}

// Dispatcher submits compiled tasks. Exported fields must be set
// before the first call to Submit.
type Dispatcher struct {
	Cluster  *crab.Cluster
	Locator  htcondor.SchedulerLocator
	Executor Executor
	Reporter report.Reporter
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	setupOnce sync.Once
	metrics   *metrics
}

func (d *Dispatcher) setup() {
	d.metrics = newMetrics(d.Registry)
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	if d.Reporter == nil {
		d.Reporter = report.LogReporter{Logger: d.Logger}
	}
}

// Submit compiles task into a job graph and submits the graph's root
// node to the task's scheduler. It returns the root node's cluster
// ID.
//
// Failures are reported to the Reporter before they are returned.
func (d *Dispatcher) Submit(ctx context.Context, task *crab.Task, groups []crab.WorkUnitGroup) (int, error) {
	d.setupOnce.Do(d.setup)
	logger := d.Logger.WithField("Task", task.Name)
	t0 := time.Now()
	mode, clusterID, err := d.submit(ctx, logger, task, groups)
	d.metrics.observe(mode, err, time.Since(t0))
	if err != nil {
		logger.WithError(err).Error("submission failed")
		if rerr := d.Reporter.ReportFailure(ctx, task.Name, err); rerr != nil {
			logger.WithError(rerr).Warn("error reporting submission failure")
		}
		return 0, err
	}
	logger.WithField("ClusterID", clusterID).Info("task submitted")
	if rerr := d.Reporter.ReportSubmitted(ctx, task.Name); rerr != nil {
		logger.WithError(rerr).Warn("error reporting submission")
	}
	return clusterID, nil
}

func (d *Dispatcher) submit(ctx context.Context, logger logrus.FieldLogger, task *crab.Task, groups []crab.WorkUnitGroup) (htcondor.Mode, int, error) {
	if err := crab.ValidateTaskName(task.Name); err != nil {
		return "", 0, err
	}
	sc, mode, err := d.Locator.Locate(task.Scheduler)
	if err != nil {
		return "", 0, crab.ContactFailure(task.Name, err)
	}
	logger = logger.WithFields(logrus.Fields{"Scheduler": sc.Name, "Mode": mode})

	g, err := dagman.Compile(task, groups, 0)
	if err != nil {
		return mode, 0, err
	}
	scratch, err := d.prepareScratch(task.Name)
	if err != nil {
		return mode, 0, fmt.Errorf("preparing scratch directory: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"ScratchDir": scratch,
		"Units":      len(g.Units),
	}).Info("compiled task")
	opts := dagman.Options{
		ScratchDir:            scratch,
		InputFiles:            dagman.InputFiles(d.Cluster.BootstrapFiles),
		AdditionalEnvironment: d.Cluster.AdditionalEnvironment,
		RemoteCondorSetup:     d.Cluster.RemoteCondorSetup,
		Proxy:                 task.UserProxy,
	}
	if err := g.WriteFiles(scratch, opts); err != nil {
		return mode, 0, fmt.Errorf("writing compiled files: %w", err)
	}

	var clusterID int
	switch mode {
	case htcondor.ModeDirect:
		clusterID, err = d.submitDirect(ctx, logger, g, sc, opts)
	case htcondor.ModeRemote:
		clusterID, err = d.submitRemote(ctx, g, sc, opts)
	default:
		err = fmt.Errorf("unsupported submission mode %q", mode)
	}
	return mode, clusterID, err
}

// submitDirect submits the root node through the privileged executor
// under the user's credential, then asks the scheduler to start
// negotiating.
func (d *Dispatcher) submitDirect(ctx context.Context, logger logrus.FieldLogger, g *dagman.Graph, sc crab.SchedulerConfig, opts dagman.Options) (int, error) {
	task := g.Task
	desc := g.RootSubmit(htcondor.ModeDirect, opts)
	err := d.Executor.Run(ctx, task.UserProxy, sc, []htcondor.Op{
		htcondor.SubmitOp(desc, opts.ScratchDir, true),
	})
	if err != nil {
		return 0, err
	}
	schedd, err := d.Locator.Dial(sc)
	if err != nil {
		return 0, crab.ContactFailure(task.Name, err)
	}
	defer schedd.Close()
	if err := schedd.Reschedule(ctx); err != nil {
		logger.WithError(err).Warn("reschedule failed")
	}
	scope := htcondor.TaskScope{Name: task.Name, UserDN: task.UserDN}
	ads, err := schedd.Query(ctx, scope.Root(), []string{htcondor.AttrClusterID})
	if err != nil {
		return 0, crab.ContactFailure(task.Name, err)
	}
	if len(ads) == 0 {
		return 0, crab.Errorf(crab.SchedulerContactFailure, task.Name, "submitted task %s is not in the scheduler queue", task.Name)
	}
	id, ok := ads[0].Int(htcondor.AttrClusterID)
	if !ok {
		return 0, crab.Errorf(crab.SchedulerContactFailure, task.Name, "root node of task %s has no %s", task.Name, htcondor.AttrClusterID)
	}
	return id, nil
}

// submitRemote writes the root submit file into the scratch
// directory and hands it, with its inputs and the user's proxy, to
// the remote gateway.
func (d *Dispatcher) submitRemote(ctx context.Context, g *dagman.Graph, sc crab.SchedulerConfig, opts dagman.Options) (int, error) {
	task := g.Task
	jdl := filepath.Join(opts.ScratchDir, dagman.RootSubmitFile)
	err := os.WriteFile(jdl, g.RootSubmit(htcondor.ModeRemote, opts).Render(), 0644)
	if err != nil {
		return 0, fmt.Errorf("writing %s: %w", dagman.RootSubmitFile, err)
	}
	files := []string{filepath.Join(opts.ScratchDir, dagman.StartupScript)}
	for _, fnm := range opts.InputFiles {
		files = append(files, filepath.Join(opts.ScratchDir, fnm))
	}
	schedd, err := d.Locator.Dial(sc)
	if err != nil {
		return 0, crab.ContactFailure(task.Name, err)
	}
	defer schedd.Close()
	id, err := schedd.SubmitRaw(ctx, task.Name, jdl, task.UserProxy, files)
	if err != nil {
		return 0, crab.ContactFailure(task.Name, err)
	}
	return id, nil
}

// prepareScratch creates a fresh scratch directory for the task and
// copies the bootstrap files into it.
func (d *Dispatcher) prepareScratch(task string) (string, error) {
	if err := os.MkdirAll(d.Cluster.ScratchDir, 0755); err != nil {
		return "", err
	}
	dir, err := os.MkdirTemp(d.Cluster.ScratchDir, "_"+task)
	if err != nil {
		return "", err
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return "", err
	}
	for _, fnm := range d.Cluster.BootstrapFiles {
		if err := copyFile(filepath.Join(d.Cluster.BinDir, fnm), filepath.Join(dir, filepath.Base(fnm))); err != nil {
			return "", err
		}
	}
	return dir, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, fi.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
