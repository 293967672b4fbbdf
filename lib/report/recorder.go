// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package report

import (
	"context"
	"sync"
)

// Event is one call recorded by a Recorder.
type Event struct {
	Task    string
	Kind    string // "failure", "success", "state", or "addwarning"
	Status  string
	Message string
}

// Recorder is a Reporter that remembers every call. If Err is not
// nil, every call returns it (after recording the event).
type Recorder struct {
	Events []Event
	Err    error

	mtx sync.Mutex
}

func (r *Recorder) record(ev Event) error {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.Events = append(r.Events, ev)
	return r.Err
}

func (r *Recorder) ReportFailure(ctx context.Context, task string, err error) error {
	return r.record(Event{Task: task, Kind: "failure", Status: StatusFailed, Message: err.Error()})
}

func (r *Recorder) ReportSubmitted(ctx context.Context, task string) error {
	return r.record(Event{Task: task, Kind: "success", Status: StatusSubmitted})
}

func (r *Recorder) SetStatus(ctx context.Context, task, status string) error {
	return r.record(Event{Task: task, Kind: "state", Status: status})
}

func (r *Recorder) UploadWarning(ctx context.Context, task, msg string) error {
	return r.record(Event{Task: task, Kind: "addwarning", Message: msg})
}
