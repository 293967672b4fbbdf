// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"context"
	"fmt"

	"git.crabdag.org/crabdag.git/sdk/go/classad"
)

type OpKind string

const (
	OpEdit       OpKind = "edit"
	OpHold       OpKind = "hold"
	OpRelease    OpKind = "release"
	OpSubmit     OpKind = "submit"
	OpReschedule OpKind = "reschedule"
)

// Op is a single scheduler operation. Ops are serializable so they
// can be handed to a privileged child process.
type Op struct {
	Kind       OpKind                     `json:"kind"`
	Constraint classad.Constraint         `json:"constraint,omitempty"`
	Attr       string                     `json:"attr,omitempty"`
	Value      classad.Expr               `json:"value,omitempty"`
	Submit     *classad.SubmitDescription `json:"submit,omitempty"`
	Dir        string                     `json:"dir,omitempty"`
	Spool      bool                       `json:"spool,omitempty"`

	// If Optional is true, failure of this op is logged and
	// ignored.
	Optional bool `json:"optional,omitempty"`
}

func EditOp(con classad.Constraint, attr string, value classad.Expr) Op {
	return Op{Kind: OpEdit, Constraint: con, Attr: attr, Value: value}
}

func HoldOp(con classad.Constraint) Op {
	return Op{Kind: OpHold, Constraint: con}
}

func ReleaseOp(con classad.Constraint) Op {
	return Op{Kind: OpRelease, Constraint: con}
}

func SubmitOp(desc *classad.SubmitDescription, dir string, spool bool) Op {
	return Op{Kind: OpSubmit, Submit: desc, Dir: dir, Spool: spool}
}

func RescheduleOp() Op {
	return Op{Kind: OpReschedule}
}

// AsOptional returns a copy of op with Optional set.
func (op Op) AsOptional() Op {
	op.Optional = true
	return op
}

func (op Op) String() string {
	switch op.Kind {
	case OpEdit:
		return fmt.Sprintf("edit [%s] %s = %s", op.Constraint, op.Attr, op.Value)
	case OpHold, OpRelease:
		return fmt.Sprintf("%s [%s]", op.Kind, op.Constraint)
	case OpSubmit:
		return fmt.Sprintf("submit %s (spool=%v)", op.Dir, op.Spool)
	default:
		return string(op.Kind)
	}
}

// Apply performs op on s.
func (op Op) Apply(ctx context.Context, s Schedd) error {
	switch op.Kind {
	case OpEdit:
		return s.Edit(ctx, op.Constraint, op.Attr, op.Value)
	case OpHold:
		return s.Hold(ctx, op.Constraint)
	case OpRelease:
		return s.Release(ctx, op.Constraint)
	case OpSubmit:
		if op.Submit == nil {
			return fmt.Errorf("submit op has no submit description")
		}
		_, err := s.Submit(ctx, op.Submit, op.Dir, op.Spool)
		return err
	case OpReschedule:
		return s.Reschedule(ctx)
	default:
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
}
