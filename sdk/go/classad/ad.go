// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package classad

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Attr is a single named attribute.
type Attr struct {
	Name  string
	Value Expr
}

// Ad is an ordered list of attributes. Names are compared
// case-insensitively, as HTCondor does.
type Ad []Attr

// Set replaces the value of an existing attribute, or appends a new
// one.
func (ad *Ad) Set(name string, value Expr) {
	for i := range *ad {
		if strings.EqualFold((*ad)[i].Name, name) {
			(*ad)[i].Value = value
			return
		}
	}
	*ad = append(*ad, Attr{Name: name, Value: value})
}

// Get returns the value of the named attribute.
func (ad Ad) Get(name string) (Expr, bool) {
	for _, a := range ad {
		if strings.EqualFold(a.Name, name) {
			return a.Value, true
		}
	}
	return "", false
}

// Names returns attribute names in order.
func (ad Ad) Names() []string {
	names := make([]string, len(ad))
	for i, a := range ad {
		names[i] = a.Name
	}
	return names
}

// Command is a submit-file command like "universe = local".
type Command struct {
	Name  string
	Value string
}

// SubmitDescription is a typed condor_submit description: ad
// attributes (rendered as "+Name = expr"), submit commands, and a
// queue count.
type SubmitDescription struct {
	Attrs    Ad
	Commands []Command
	Queue    int
}

// Set replaces the value of an existing command or appends a new
// one.
func (sd *SubmitDescription) Set(name, value string) {
	for i := range sd.Commands {
		if strings.EqualFold(sd.Commands[i].Name, name) {
			sd.Commands[i].Value = value
			return
		}
	}
	sd.Commands = append(sd.Commands, Command{Name: name, Value: value})
}

// Command returns the value of the named command.
func (sd *SubmitDescription) Command(name string) (string, bool) {
	for _, cmd := range sd.Commands {
		if strings.EqualFold(cmd.Name, name) {
			return cmd.Value, true
		}
	}
	return "", false
}

// Render returns the submit file text.
func (sd *SubmitDescription) Render() []byte {
	var buf bytes.Buffer
	for _, a := range sd.Attrs {
		fmt.Fprintf(&buf, "+%s = %s\n", a.Name, a.Value)
	}
	for _, cmd := range sd.Commands {
		fmt.Fprintf(&buf, "%s = %s\n", cmd.Name, cmd.Value)
	}
	if sd.Queue > 0 {
		fmt.Fprintf(&buf, "queue %d\n", sd.Queue)
	} else {
		buf.WriteString("queue\n")
	}
	return buf.Bytes()
}

// Result is one ad as reported by "condor_q -json".
type Result map[string]interface{}

// Lookup returns the named attribute, matching case-insensitively.
func (r Result) Lookup(name string) (interface{}, bool) {
	if v, ok := r[name]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

// Int returns the named attribute as an int. ok is false if the
// attribute is missing or not an integer.
func (r Result) Int(name string) (int, bool) {
	v, ok := r.Lookup(name)
	if !ok {
		return 0, false
	}
	switch v := v.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v != float64(int(v)) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(v)
		return i, err == nil
	}
	return 0, false
}

// String returns the named attribute as a string, or "" if it is
// missing.
func (r Result) String(name string) string {
	v, ok := r.Lookup(name)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
