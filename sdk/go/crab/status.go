// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package crab

import (
	"encoding/json"
	"fmt"
)

// Scheduler job status codes.
const (
	JobStatusIdle      = 1
	JobStatusRunning   = 2
	JobStatusRemoved   = 3
	JobStatusCompleted = 4
	JobStatusHeld      = 5
)

// JobRecord is one scheduler-reported node.
type JobRecord struct {
	ClusterID int
	ProcID    int
	UnitID    int
	Status    int
	ExitCode  *int

	// Stage-out nodes only, as reported (comma-separated).
	OutputSizes string
	OutputPFNs  string
}

// Failed reports whether the record is a completed node with a
// nonzero exit code.
func (r *JobRecord) Failed() bool {
	return r.Status == JobStatusCompleted && r.ExitCode != nil && *r.ExitCode != 0
}

// RootRecord is the scheduler view of a task's root node.
type RootRecord struct {
	ClusterID  int
	Status     int
	ExitCode   *int
	HoldReason string
	JobCount   int
}

// TaskStatusSummary is the status document returned for a task.
type TaskStatusSummary struct {
	Status         string         `json:"status"`
	TaskFailureMsg string         `json:"taskFailureMsg"`
	JobSetID       string         `json:"jobSetID"`
	JobsPerStatus  map[string]int `json:"jobsPerStatus"`
	JobList        []JobListEntry `json:"jobList"`
	FailedJobdefs  int            `json:"failedJobdefs"`
	TotalJobdefs   int            `json:"totalJobdefs"`
	JobdefErrors   []string       `json:"jobdefErrors"`
}

// JobListEntry is a (status, unit id) pair. It is encoded as a
// two-element JSON array.
type JobListEntry struct {
	Status string
	UnitID int
}

func (e JobListEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{e.Status, e.UnitID})
}

func (e *JobListEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("job list entry must have 2 elements, got %d", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Status); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.UnitID)
}

// OutputFile is one entry of an output-location listing.
type OutputFile struct {
	PFN  string `json:"pfn"`
	Size int64  `json:"size"`
}
