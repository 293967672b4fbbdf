// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package classad renders typed attribute values, ads, submit
// descriptions, and query constraints in the text form understood by
// HTCondor tools.
package classad

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Expr is the text of a ClassAd expression.
type Expr string

const (
	Undefined Expr = "undefined"
	True      Expr = "true"
	False     Expr = "false"
)

var quoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// Quote returns s as a ClassAd string literal.
func Quote(s string) string {
	return `"` + quoter.Replace(s) + `"`
}

// String returns a string literal expression.
func String(s string) Expr {
	return Expr(Quote(s))
}

// Int returns an integer literal expression.
func Int(i int) Expr {
	return Expr(strconv.Itoa(i))
}

// Bool returns a boolean literal expression.
func Bool(b bool) Expr {
	if b {
		return True
	}
	return False
}

// IntBool returns 1 or 0.
func IntBool(b bool) Expr {
	if b {
		return Int(1)
	}
	return Int(0)
}

// List returns a list literal of strings, like {"a","b"}. A nil or
// empty list is rendered as {}.
func List(items []string) Expr {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = Quote(s)
	}
	return Expr("{" + strings.Join(quoted, ",") + "}")
}

// IntList returns a list literal of integers, like {1,2}.
func IntList(items []int) Expr {
	strs := make([]string, len(items))
	for i, n := range items {
		strs[i] = strconv.Itoa(n)
	}
	return Expr("{" + strings.Join(strs, ",") + "}")
}

// StringOrUndefined returns a string literal, or Undefined if s is
// empty.
func StringOrUndefined(s string) Expr {
	if s == "" {
		return Undefined
	}
	return String(s)
}

// JSON returns a string literal holding the JSON encoding of v.
func JSON(v interface{}) (Expr, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return String(string(buf)), nil
}

// Raw returns an expression from a preformatted string, like
// `DAGManJobId =?= ClusterId`.
func Raw(s string) Expr {
	return Expr(s)
}

// ValueOf returns the literal expression for a value decoded from a
// "condor_q -json" result.
func ValueOf(v interface{}) Expr {
	switch v := v.(type) {
	case nil:
		return Undefined
	case Expr:
		return v
	case string:
		return String(v)
	case bool:
		return Bool(v)
	case int:
		return Int(v)
	case int64:
		return Expr(strconv.FormatInt(v, 10))
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1<<53 {
			return Expr(strconv.FormatInt(int64(v), 10))
		}
		return Expr(strconv.FormatFloat(v, 'g', -1, 64))
	case json.Number:
		return Expr(v.String())
	case []string:
		return List(v)
	default:
		return Expr(fmt.Sprintf("%v", v))
	}
}

// Literal returns the Go value of a literal expression (string, int,
// bool, or nil for undefined). ok is false if e is not a simple
// literal.
func (e Expr) Literal() (v interface{}, ok bool) {
	s := strings.TrimSpace(string(e))
	switch strings.ToLower(s) {
	case "undefined":
		return nil, true
	case "true":
		return true, true
	case "false":
		return false, true
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var b strings.Builder
		esc := false
		for _, r := range s[1 : len(s)-1] {
			if esc {
				b.WriteRune(r)
				esc = false
			} else if r == '\\' {
				esc = true
			} else if r == '"' {
				return nil, false
			} else {
				b.WriteRune(r)
			}
		}
		return b.String(), !esc
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i, true
	}
	return nil, false
}
