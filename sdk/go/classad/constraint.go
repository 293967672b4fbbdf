// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package classad

import (
	"strings"
)

// Term is a single comparison in a Constraint.
type Term struct {
	Attr  string
	Value Expr
	// Meta uses the "=?=" operator (identical, undefined-safe).
	// Otherwise "==".
	Meta bool
	// UndefinedOr also accepts ads where Attr is undefined.
	UndefinedOr bool
}

// Is returns a term "attr =?= value".
func Is(attr string, value Expr) Term {
	return Term{Attr: attr, Value: value, Meta: true}
}

// UndefinedOrEquals returns a term
// "(isUndefined(attr) || attr == value)".
func UndefinedOrEquals(attr string, value Expr) Term {
	return Term{Attr: attr, Value: value, UndefinedOr: true}
}

func (t Term) String() string {
	op := "=="
	if t.Meta {
		op = "=?="
	}
	cmp := t.Attr + " " + op + " " + string(t.Value)
	if t.UndefinedOr {
		return "(isUndefined(" + t.Attr + ") || " + cmp + ")"
	}
	return cmp
}

// Match reports whether the term holds for r.
func (t Term) Match(r Result) bool {
	v, ok := r.Lookup(t.Attr)
	if !ok || v == nil {
		return t.UndefinedOr || (t.Meta && t.Value == Undefined)
	}
	return ValueOf(v) == t.Value
}

// Constraint is a conjunction of terms.
type Constraint []Term

// And returns a new constraint with additional terms.
func (c Constraint) And(terms ...Term) Constraint {
	out := make(Constraint, 0, len(c)+len(terms))
	out = append(out, c...)
	return append(out, terms...)
}

// String renders the constraint for "-constraint" arguments.
func (c Constraint) String() string {
	if len(c) == 0 {
		return "true"
	}
	parts := make([]string, len(c))
	for i, t := range c {
		parts[i] = t.String()
	}
	return strings.Join(parts, " && ")
}

// Match reports whether every term holds for r.
func (c Constraint) Match(r Result) bool {
	for _, t := range c {
		if !t.Match(r) {
			return false
		}
	}
	return true
}
