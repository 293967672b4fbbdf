// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package taskstatus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
)

// Task and unit status names.
const (
	StatusIdle          = "Idle"
	StatusRunning       = "Running"
	StatusCompleted     = "Completed"
	StatusKilled        = "Killed"
	StatusUnknown       = "Unknown"
	StatusInTransition  = "InTransition"
	StatusRunningNoJobs = "Running (jobs not submitted)"
	StatusUnsubmitted   = "Unsubmitted"
)

// Stage-out status names.
const (
	StatusStageOutQueued   = "Queued"
	StatusStageOutRunning  = "Running"
	StatusStageOutComplete = "Complete"
)

const (
	failedPrefix           = "Failed"
	failedPrimaryTemplate  = "Failed(%d)"
	failedStageOutTemplate = "Failed Stage-Out(%d)"
)

var statusNames = map[int]string{
	crab.JobStatusIdle:      StatusIdle,
	crab.JobStatusRunning:   StatusRunning,
	crab.JobStatusCompleted: StatusCompleted,
	crab.JobStatusHeld:      StatusKilled,
}

var stageOutStatusNames = map[int]string{
	crab.JobStatusIdle:      StatusStageOutQueued,
	crab.JobStatusRunning:   StatusStageOutRunning,
	crab.JobStatusCompleted: StatusStageOutComplete,
}

func statusName(table map[int]string, code int) string {
	if name, ok := table[code]; ok {
		return name
	}
	return StatusUnknown
}

// TaskStatus returns the task-level status for a root record.
func TaskStatus(root crab.RootRecord) string {
	status := statusName(statusNames, root.Status)
	if status == StatusKilled && root.HoldReason != htcondor.KillHoldReason {
		return StatusInTransition
	}
	return status
}

// lastByID returns the last record for each unit id.
func lastByID(records []crab.JobRecord) map[int]*crab.JobRecord {
	m := make(map[int]*crab.JobRecord, len(records))
	for i := range records {
		m[records[i].UnitID] = &records[i]
	}
	return m
}

// UnitStatus returns the status of one unit given its latest primary
// and stage-out records (either may be nil) and the task status.
func UnitStatus(primary, stageout *crab.JobRecord, taskStatus string) string {
	switch {
	case primary != nil && primary.Failed():
		return fmt.Sprintf(failedPrimaryTemplate, *primary.ExitCode)
	case stageout != nil && stageout.Failed():
		return fmt.Sprintf(failedStageOutTemplate, *stageout.ExitCode)
	case stageout != nil:
		return statusName(stageOutStatusNames, stageout.Status)
	case primary != nil:
		return statusName(statusNames, primary.Status)
	case taskStatus == StatusKilled:
		return StatusKilled
	default:
		return StatusUnsubmitted
	}
}

// Reduce derives the status summary of a task from its scheduler
// records. Records are given in scheduler order; for each unit id
// and node kind the last record wins. Units 1..root.JobCount are
// always listed, along with any other id seen in a record.
//
// A unit counts as failed if its derived status is a failure.
func Reduce(task string, root crab.RootRecord, primaries, stageouts []crab.JobRecord) crab.TaskStatusSummary {
	taskStatus := TaskStatus(root)
	primary := lastByID(primaries)
	stageout := lastByID(stageouts)

	idset := map[int]bool{}
	for id := 1; id <= root.JobCount; id++ {
		idset[id] = true
	}
	for id := range primary {
		idset[id] = true
	}
	for id := range stageout {
		idset[id] = true
	}
	ids := make([]int, 0, len(idset))
	for id := range idset {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	summary := crab.TaskStatusSummary{
		Status:        taskStatus,
		JobSetID:      task,
		JobsPerStatus: map[string]int{},
		JobList:       []crab.JobListEntry{},
		JobdefErrors:  []string{},
	}
	for _, id := range ids {
		status := UnitStatus(primary[id], stageout[id], taskStatus)
		summary.JobsPerStatus[status]++
		summary.JobList = append(summary.JobList, crab.JobListEntry{Status: status, UnitID: id})
		if strings.HasPrefix(status, failedPrefix) {
			summary.FailedJobdefs++
		}
	}
	summary.TotalJobdefs = len(ids)
	if len(ids) == 0 && root.JobCount == 0 && root.Status == crab.JobStatusRunning {
		summary.Status = StatusRunningNoJobs
	}
	return summary
}

// OutputLocations lists the output files reported by stage-out
// records, in record order. Each record's comma-separated
// OutputSizes and OutputPFNs are paired up to the shorter of the
// two. If maxNum > 0, at most maxNum files are returned.
func OutputLocations(task string, stageouts []crab.JobRecord, maxNum int) ([]crab.OutputFile, error) {
	files := []crab.OutputFile{}
	for _, rec := range stageouts {
		var sizes []int64
		for _, s := range strings.Split(rec.OutputSizes, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			size, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return nil, crab.Errorf(crab.InvalidPersistedState, task, "internal state had invalid OutputSizes %q", rec.OutputSizes)
			}
			sizes = append(sizes, size)
		}
		var pfns []string
		for _, pfn := range strings.Split(rec.OutputPFNs, ",") {
			pfns = append(pfns, strings.TrimSpace(pfn))
		}
		for i := 0; i < len(sizes) && i < len(pfns); i++ {
			files = append(files, crab.OutputFile{PFN: pfns[i], Size: sizes[i]})
		}
	}
	if maxNum > 0 && len(files) > maxNum {
		files = files[:maxNum]
	}
	return files, nil
}
