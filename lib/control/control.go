// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package control kills and resubmits tasks.
package control

import (
	"context"
	"fmt"
	"sync"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/lib/report"
	"git.crabdag.org/crabdag.git/lib/taskstatus"
	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Default ceilings for resubmission overrides.
const (
	DefaultMaxWallTimeMins = 2800
	DefaultMaxMemoryMB     = 2500
)

// Executor runs scheduler operations under a user credential.
type Executor interface {
	Run(ctx context.Context, proxy string, sc crab.SchedulerConfig, ops []htcondor.Op) error
}

// Controller kills and resubmits tasks. Exported fields must be set
// before the first call to Kill or Resubmit.
type Controller struct {
	Cluster  *crab.Cluster
	Locator  htcondor.SchedulerLocator
	Executor Executor
	Reporter report.Reporter
	Logger   logrus.FieldLogger
	Registry *prometheus.Registry

	setupOnce sync.Once
	metrics   *metrics
}

func (ctl *Controller) setup() {
	ctl.metrics = newMetrics(ctl.Registry)
	if ctl.Cluster == nil {
		ctl.Cluster = &crab.Cluster{}
	}
	if ctl.Logger == nil {
		ctl.Logger = logrus.StandardLogger()
	}
	if ctl.Reporter == nil {
		ctl.Reporter = report.LogReporter{Logger: ctl.Logger}
	}
}

// target is a task's root node and, if it exists, the DAGMan job
// running its stage-out sub-graph.
type target struct {
	scheduler crab.SchedulerConfig
	scope     htcondor.TaskScope
	root      crab.RootRecord
	// subGraph is the cluster ID of the sub-graph DAGMan job, or
	// 0 if there is none.
	subGraph int
}

func (ctl *Controller) resolve(ctx context.Context, task *crab.Task) (*target, error) {
	if err := crab.ValidateTaskName(task.Name); err != nil {
		return nil, err
	}
	sc, _, err := ctl.Locator.Locate(task.Scheduler)
	if err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	schedd, err := ctl.Locator.Dial(sc)
	if err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	defer schedd.Close()
	t := &target{
		scheduler: sc,
		scope:     htcondor.TaskScope{Name: task.Name, UserDN: task.UserDN},
	}
	t.root, err = taskstatus.FindRoot(ctx, schedd, t.scope)
	if err != nil {
		return nil, err
	}
	ads, err := schedd.Query(ctx, htcondor.SubGraph(t.root.ClusterID), []string{htcondor.AttrClusterID})
	if err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	if len(ads) > 0 {
		t.subGraph, _ = ads[0].Int(htcondor.AttrClusterID)
	}
	return t, nil
}

// Kill holds the task's root node and its stage-out sub-graph.
func (ctl *Controller) Kill(ctx context.Context, task *crab.Task) error {
	ctl.setupOnce.Do(ctl.setup)
	logger := ctl.Logger.WithField("Task", task.Name)
	err := ctl.kill(ctx, logger, task)
	ctl.metrics.observe("kill", err)
	if err != nil {
		logger.WithError(err).Error("kill failed")
		return err
	}
	logger.Info("task killed")
	if rerr := ctl.Reporter.SetStatus(ctx, task.Name, report.StatusKilled); rerr != nil {
		logger.WithError(rerr).Warn("error reporting kill")
	}
	return nil
}

func (ctl *Controller) kill(ctx context.Context, logger logrus.FieldLogger, task *crab.Task) error {
	t, err := ctl.resolve(ctx, task)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"RootCluster":     t.root.ClusterID,
		"SubGraphCluster": t.subGraph,
	}).Debug("killing task")
	return ctl.Executor.Run(ctx, task.UserProxy, t.scheduler, KillOps(t.scope, t.root.ClusterID, t.subGraph))
}

// Resubmit releases the task's root node and stage-out sub-graph,
// applying params first if any are given. Requested wall time and
// memory above the configured ceilings are lowered, and the user is
// warned.
func (ctl *Controller) Resubmit(ctx context.Context, task *crab.Task, params *crab.ResubmitParams) error {
	ctl.setupOnce.Do(ctl.setup)
	logger := ctl.Logger.WithField("Task", task.Name)
	err := ctl.resubmit(ctx, logger, task, params)
	ctl.metrics.observe("resubmit", err)
	if err != nil {
		logger.WithError(err).Error("resubmit failed")
		return err
	}
	logger.Info("task resubmitted")
	if rerr := ctl.Reporter.SetStatus(ctx, task.Name, report.StatusSubmitted); rerr != nil {
		logger.WithError(rerr).Warn("error reporting resubmission")
	}
	return nil
}

func (ctl *Controller) resubmit(ctx context.Context, logger logrus.FieldLogger, task *crab.Task, params *crab.ResubmitParams) error {
	t, err := ctl.resolve(ctx, task)
	if err != nil {
		return err
	}
	var warnings []string
	if !params.IsZero() {
		var clamped crab.ResubmitParams
		clamped, warnings = Clamp(*params, ctl.Cluster.Resubmit.MaxWallTimeMins, ctl.Cluster.Resubmit.MaxMemoryMB)
		params = &clamped
	}
	for _, msg := range warnings {
		logger.Warn(msg)
		if rerr := ctl.Reporter.UploadWarning(ctx, task.Name, msg); rerr != nil {
			logger.WithError(rerr).Warn("error uploading warning")
		}
	}
	return ctl.Executor.Run(ctx, task.UserProxy, t.scheduler, ResubmitOps(t.scope, t.root.ClusterID, t.subGraph, params))
}

// Clamp lowers the wall time and memory in params to the given
// ceilings (or the defaults, if a ceiling is zero), and returns a
// warning for each value it changed.
func Clamp(params crab.ResubmitParams, maxWallTimeMins, maxMemoryMB int) (crab.ResubmitParams, []string) {
	if maxWallTimeMins <= 0 {
		maxWallTimeMins = DefaultMaxWallTimeMins
	}
	if maxMemoryMB <= 0 {
		maxMemoryMB = DefaultMaxMemoryMB
	}
	var warnings []string
	if params.MaxJobRuntime != nil && *params.MaxJobRuntime > maxWallTimeMins {
		warnings = append(warnings, fmt.Sprintf("Task requests %d minutes of walltime, but only %d are guaranteed to be available. "+
			"Jobs may not find a site where to run. CRAB has changed this value to %d minutes.",
			*params.MaxJobRuntime, maxWallTimeMins, maxWallTimeMins))
		v := maxWallTimeMins
		params.MaxJobRuntime = &v
	}
	if params.MaxMemory != nil && *params.MaxMemory > maxMemoryMB {
		warnings = append(warnings, fmt.Sprintf("Task requests %d MB of memory, but only %d MB are guaranteed to be available. "+
			"Jobs may not find a site where to run and stay idle forever. CRAB has changed this value to %d MB.",
			*params.MaxMemory, maxMemoryMB, maxMemoryMB))
		v := maxMemoryMB
		params.MaxMemory = &v
	}
	return params, warnings
}

// KillOps returns the operations that kill a task. subGraph is the
// cluster ID of the stage-out sub-graph DAGMan job, or 0.
func KillOps(scope htcondor.TaskScope, rootCluster, subGraph int) []htcondor.Op {
	root := scope.Root()
	reason := classad.String(htcondor.KillHoldReason)
	ops := []htcondor.Op{
		htcondor.EditOp(root, htcondor.AttrHoldReason, reason),
		htcondor.HoldOp(root),
		// Holding replaces the reason.
		htcondor.EditOp(root, htcondor.AttrHoldReason, reason),
	}
	if subGraph == 0 {
		return ops
	}
	sub := htcondor.SubGraph(rootCluster)
	finished := htcondor.Cluster(subGraph).And(classad.Is(htcondor.AttrExitCode, classad.Int(0)))
	return append(ops,
		htcondor.EditOp(sub, htcondor.AttrHoldKillSig, classad.String("SIGUSR1")),
		htcondor.HoldOp(sub),
		// Detach finished stage-out nodes from the sub-graph.
		htcondor.EditOp(finished, htcondor.AttrDAGManJobID, classad.Int(-1)).AsOptional(),
	)
}

// Resubmission attributes written on the root node.
const (
	AttrResubmitList  = "CRAB_ResubmitList"
	AttrSiteBlacklist = "CRAB_SiteBlacklist"
	AttrSiteWhitelist = "CRAB_SiteWhitelist"
	AttrMaxWallTime   = "MaxWallTimeMins"
	AttrRequestMemory = "RequestMemory"
	AttrRequestCpus   = "RequestCpus"
	AttrJobPrio       = "JobPrio"
)

func paramOps(root classad.Constraint, params *crab.ResubmitParams) []htcondor.Op {
	var ops []htcondor.Op
	edit := func(attr string, value classad.Expr) {
		ops = append(ops, htcondor.EditOp(root, attr, value))
	}
	if len(params.JobIDs) > 0 {
		edit(AttrResubmitList, classad.IntList(params.JobIDs))
	} else {
		edit(AttrResubmitList, classad.True)
	}
	if params.SiteBlacklist != nil {
		edit(AttrSiteBlacklist, classad.List(params.SiteBlacklist))
	}
	if params.SiteWhitelist != nil {
		edit(AttrSiteWhitelist, classad.List(params.SiteWhitelist))
	}
	for _, p := range []struct {
		attr  string
		value *int
	}{
		{AttrMaxWallTime, params.MaxJobRuntime},
		{AttrRequestMemory, params.MaxMemory},
		{AttrRequestCpus, params.NumCores},
		{AttrJobPrio, params.Priority},
	} {
		if p.value != nil {
			edit(p.attr, classad.Int(*p.value))
		}
	}
	return ops
}

// ResubmitOps returns the operations that resubmit a task. subGraph
// is the cluster ID of the stage-out sub-graph DAGMan job, or 0.
// params may be nil.
func ResubmitOps(scope htcondor.TaskScope, rootCluster, subGraph int, params *crab.ResubmitParams) []htcondor.Op {
	root := scope.Root()
	sub := htcondor.SubGraph(rootCluster)
	var ops []htcondor.Op
	if !params.IsZero() {
		if len(params.JobIDs) > 0 {
			// DAGMan only reads the new list when it
			// restarts, and must not be allowed to clean up
			// its nodes on the way down.
			ops = append(ops, htcondor.EditOp(root, htcondor.AttrHoldKillSig, classad.String("SIGKILL")))
			ops = append(ops, paramOps(root, params)...)
			ops = append(ops,
				htcondor.HoldOp(root),
				htcondor.EditOp(root, htcondor.AttrHoldKillSig, classad.String("SIGUSR1")))
		} else {
			ops = append(ops, paramOps(root, params)...)
		}
	}
	release := func() {
		if subGraph != 0 {
			ops = append(ops, htcondor.ReleaseOp(sub).AsOptional())
		}
		ops = append(ops, htcondor.ReleaseOp(root).AsOptional())
	}
	release()
	ops = append(ops, htcondor.EditOp(root, htcondor.AttrHoldReason, classad.String(htcondor.ResubmitHoldReason)))
	if subGraph != 0 {
		ops = append(ops, htcondor.EditOp(sub, htcondor.AttrHoldReason, classad.String(htcondor.ResubmitHoldReason)).AsOptional())
	}
	// Releasing and editing can put nodes back on hold.
	release()
	return ops
}
