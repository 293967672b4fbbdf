// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package classad

import (
	"bufio"
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// splitTopLevel splits s on sep, ignoring occurrences of sep inside
// string literals and parentheses.
func splitTopLevel(s, sep string) []string {
	var parts []string
	depth, start := 0, 0
	inString, esc := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case esc:
			esc = false
		case inString && ch == '\\':
			esc = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '(':
			depth++
		case ch == ')':
			depth--
		case depth == 0 && strings.HasPrefix(s[i:], sep):
			parts = append(parts, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(parts, s[start:])
}

var (
	undefinedOrRe = regexp.MustCompile(`^\(isUndefined\((\w+)\) \|\| (\w+) == (.+)\)$`)
	comparisonRe  = regexp.MustCompile(`^(\w+) (=\?=|==) (.+)$`)
)

// ParseConstraint parses text produced by Constraint.String.
func ParseConstraint(s string) (Constraint, error) {
	s = strings.TrimSpace(s)
	if s == "true" || s == "" {
		return nil, nil
	}
	var con Constraint
	for _, part := range splitTopLevel(s, " && ") {
		part = strings.TrimSpace(part)
		if m := undefinedOrRe.FindStringSubmatch(part); m != nil {
			if m[1] != m[2] {
				return nil, fmt.Errorf("unsupported constraint term %q", part)
			}
			con = append(con, Term{Attr: m[1], Value: Expr(m[3]), UndefinedOr: true})
		} else if m := comparisonRe.FindStringSubmatch(part); m != nil {
			con = append(con, Term{Attr: m[1], Value: Expr(m[3]), Meta: m[2] == "=?="})
		} else {
			return nil, fmt.Errorf("unsupported constraint term %q", part)
		}
	}
	return con, nil
}

var (
	attrLineRe    = regexp.MustCompile(`^\+(\w+)\s*=\s*(.*)$`)
	commandLineRe = regexp.MustCompile(`^(\w+)\s*=\s*(.*)$`)
	queueLineRe   = regexp.MustCompile(`^(?i)queue(?:\s+(\d+))?$`)
)

// ParseSubmitDescription parses submit file text of the form produced
// by SubmitDescription.Render. Comments and blank lines are ignored.
func ParseSubmitDescription(text []byte) (*SubmitDescription, error) {
	sd := &SubmitDescription{}
	scanner := bufio.NewScanner(bytes.NewReader(text))
	lineno := 0
	queued := false
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if queued {
			return nil, fmt.Errorf("line %d: unexpected text after queue statement", lineno)
		}
		if m := attrLineRe.FindStringSubmatch(line); m != nil {
			sd.Attrs.Set(m[1], Expr(m[2]))
		} else if m := queueLineRe.FindStringSubmatch(line); m != nil {
			queued = true
			if m[1] != "" {
				sd.Queue, _ = strconv.Atoi(m[1])
			}
		} else if m := commandLineRe.FindStringSubmatch(line); m != nil {
			sd.Set(m[1], m[2])
		} else {
			return nil, fmt.Errorf("line %d: cannot parse %q", lineno, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !queued {
		return nil, fmt.Errorf("missing queue statement")
	}
	return sd, nil
}
