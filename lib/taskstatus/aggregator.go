// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package taskstatus reports the state of a submitted task from the
// scheduler's view of its nodes.
package taskstatus

import (
	"context"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var (
	rootAttrs = []string{
		htcondor.AttrJobStatus,
		htcondor.AttrExitCode,
		htcondor.AttrJobCount,
		htcondor.AttrHoldReason,
		htcondor.AttrClusterID,
	}
	recordAttrs = []string{
		htcondor.AttrUnitID,
		htcondor.AttrJobStatus,
		htcondor.AttrExitCode,
		htcondor.AttrClusterID,
		htcondor.AttrProcID,
	}
	stageOutAttrs = append(append([]string(nil), recordAttrs...),
		htcondor.AttrOutputSizes,
		htcondor.AttrOutputPFNs)
)

// Aggregator answers status and output-location queries.
type Aggregator struct {
	Locator htcondor.SchedulerLocator
	Logger  logrus.FieldLogger
}

func (agg *Aggregator) logger() logrus.FieldLogger {
	if agg.Logger == nil {
		return logrus.StandardLogger()
	}
	return agg.Logger
}

func (agg *Aggregator) dial(task *crab.Task) (htcondor.Schedd, error) {
	if err := crab.ValidateTaskName(task.Name); err != nil {
		return nil, err
	}
	sc, _, err := agg.Locator.Locate(task.Scheduler)
	if err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	schedd, err := agg.Locator.Dial(sc)
	if err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	return schedd, nil
}

// Status returns the status summary of task. Only the task's Name,
// UserDN, and Scheduler are used.
func (agg *Aggregator) Status(ctx context.Context, task *crab.Task) (*crab.TaskStatusSummary, error) {
	schedd, err := agg.dial(task)
	if err != nil {
		return nil, err
	}
	defer schedd.Close()
	logger := agg.logger().WithField("Task", task.Name)
	scope := htcondor.TaskScope{Name: task.Name, UserDN: task.UserDN}

	root, err := FindRoot(ctx, schedd, scope)
	if err != nil {
		return nil, err
	}

	var primaryAds, stageOutAds []classad.Result
	eg, ectx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		primaryAds, err = schedd.Query(ectx, scope.Primary(), recordAttrs)
		return err
	})
	eg.Go(func() error {
		ads, err := schedd.Query(ectx, scope.StageOut(), stageOutAttrs)
		if err != nil {
			logger.WithError(err).Warn("stage-out query failed, reporting no stage-out data")
			return nil
		}
		stageOutAds = ads
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	primaries, err := Records(task.Name, primaryAds)
	if err != nil {
		return nil, err
	}
	stageouts, err := Records(task.Name, stageOutAds)
	if err != nil {
		return nil, err
	}
	summary := Reduce(task.Name, root, primaries, stageouts)
	logger.WithFields(logrus.Fields{
		"Status":        summary.Status,
		"JobsPerStatus": summary.JobsPerStatus,
	}).Debug("status")
	return &summary, nil
}

// Outputs returns the locations of the task's staged-out output
// files. If maxNum > 0, at most maxNum files are returned.
func (agg *Aggregator) Outputs(ctx context.Context, task *crab.Task, maxNum int) ([]crab.OutputFile, error) {
	schedd, err := agg.dial(task)
	if err != nil {
		return nil, err
	}
	defer schedd.Close()
	scope := htcondor.TaskScope{Name: task.Name, UserDN: task.UserDN}
	ads, err := schedd.Query(ctx, scope.StageOut(), stageOutAttrs)
	if err != nil {
		return nil, crab.ContactFailure(task.Name, err)
	}
	stageouts, err := Records(task.Name, ads)
	if err != nil {
		return nil, err
	}
	return OutputLocations(task.Name, stageouts, maxNum)
}

// FindRoot returns the task's root node record. It returns a
// TaskNotFound error if the scheduler has no root node for the task.
func FindRoot(ctx context.Context, schedd htcondor.Schedd, scope htcondor.TaskScope) (crab.RootRecord, error) {
	ads, err := schedd.Query(ctx, scope.Root(), rootAttrs)
	if err != nil {
		return crab.RootRecord{}, crab.ContactFailure(scope.Name, err)
	}
	if len(ads) == 0 {
		return crab.RootRecord{}, crab.Errorf(crab.TaskNotFound, scope.Name,
			"task %s was not found in the scheduler queue; it may have been too long since it finished", scope.Name)
	}
	ad := ads[len(ads)-1]
	root := crab.RootRecord{HoldReason: ad.String(htcondor.AttrHoldReason)}
	var ok bool
	if root.ClusterID, ok = ad.Int(htcondor.AttrClusterID); !ok {
		return root, crab.Errorf(crab.InvalidPersistedState, scope.Name, "root node has no valid %s", htcondor.AttrClusterID)
	}
	if root.Status, ok = ad.Int(htcondor.AttrJobStatus); !ok {
		return root, crab.Errorf(crab.InvalidPersistedState, scope.Name, "root node has no valid %s", htcondor.AttrJobStatus)
	}
	root.JobCount, _ = ad.Int(htcondor.AttrJobCount)
	if code, ok := ad.Int(htcondor.AttrExitCode); ok {
		root.ExitCode = &code
	}
	return root, nil
}

// Records converts query results into job records, keeping their
// order.
func Records(task string, ads []classad.Result) ([]crab.JobRecord, error) {
	records := make([]crab.JobRecord, 0, len(ads))
	for _, ad := range ads {
		var rec crab.JobRecord
		var ok bool
		if rec.UnitID, ok = ad.Int(htcondor.AttrUnitID); !ok {
			return nil, crab.Errorf(crab.InvalidPersistedState, task, "node has no valid %s: %v", htcondor.AttrUnitID, ad[htcondor.AttrUnitID])
		}
		if rec.Status, ok = ad.Int(htcondor.AttrJobStatus); !ok {
			return nil, crab.Errorf(crab.InvalidPersistedState, task, "node %d has no valid %s", rec.UnitID, htcondor.AttrJobStatus)
		}
		rec.ClusterID, _ = ad.Int(htcondor.AttrClusterID)
		rec.ProcID, _ = ad.Int(htcondor.AttrProcID)
		if code, ok := ad.Int(htcondor.AttrExitCode); ok {
			rec.ExitCode = &code
		}
		rec.OutputSizes = ad.String(htcondor.AttrOutputSizes)
		rec.OutputPFNs = ad.String(htcondor.AttrOutputPFNs)
		records = append(records, rec)
	}
	return records, nil
}
