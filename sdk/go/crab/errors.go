// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package crab

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	InvalidTaskIdentity     ErrorKind = "InvalidTaskIdentity"
	InvalidTask             ErrorKind = "InvalidTask"
	NoAvailableSite         ErrorKind = "NoAvailableSite"
	SchedulerContactFailure ErrorKind = "SchedulerContactFailure"
	PrivilegedActionFailure ErrorKind = "PrivilegedActionFailure"
	TaskNotFound            ErrorKind = "TaskNotFound"
	InvalidPersistedState   ErrorKind = "InvalidPersistedState"
)

// Sentinels for use with errors.Is.
var (
	ErrInvalidTaskIdentity = &Error{Kind: InvalidTaskIdentity}
	ErrInvalidTask         = &Error{Kind: InvalidTask}
	ErrNoAvailableSite     = &Error{Kind: NoAvailableSite}
	ErrSchedulerContact    = &Error{Kind: SchedulerContactFailure}
	ErrPrivilegedAction    = &Error{Kind: PrivilegedActionFailure}
	ErrTaskNotFound        = &Error{Kind: TaskNotFound}
	ErrInvalidState        = &Error{Kind: InvalidPersistedState}
)

// Error is the error type returned by public operations.
type Error struct {
	Kind    ErrorKind
	Task    string
	Message string
	Err     error
}

func Errorf(kind ErrorKind, task string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Task: task, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error of the given kind whose cause is err.
func Wrap(kind ErrorKind, task string, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Task: task, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind. A PrivilegedActionFailure also
// matches ErrSchedulerContact, because the privileged child failed
// while talking to the scheduler.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Task != "" || t.Message != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind ||
		(t.Kind == SchedulerContactFailure && e.Kind == PrivilegedActionFailure)
}

// KindOf returns the kind of the first *Error in err's chain, or ""
// if there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ContactFailure wraps a transport/auth failure with a message the
// user can act on.
func ContactFailure(task string, err error) *Error {
	return Wrap(SchedulerContactFailure, task, err,
		"the backend was not able to contact the Grid scheduler; please try again later")
}
