// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package htcondortest provides an in-memory scheduler and a fake
// SSH submit gateway for tests.
package htcondortest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"git.crabdag.org/crabdag.git/sdk/go/classad"
)

// Submission records one submit call.
type Submission struct {
	ClusterID  int
	Desc       *classad.SubmitDescription
	Dir        string
	Spool      bool
	Raw        bool
	Task       string
	InputFiles []string
	Credential string
}

// Schedd is an in-memory scheduler. Constraints are evaluated with
// classad.Constraint.Match. The zero value is ready to use.
//
// Edit, Hold, and Release fail when no ad matches, as the condor
// tools do.
type Schedd struct {
	Ads         []classad.Result
	NextCluster int
	Credential  string
	Calls       []string
	Submitted   []Submission
	// FailOn maps a method name ("Query", "Edit", "Hold",
	// "Release", "Submit", "SubmitRaw", "Reschedule",
	// "InvalidateSessions", "SetCredential") to an error message
	// the method should fail with.
	FailOn map[string]string
	// FailEdit maps an attribute name to an error message Edit
	// should fail with when setting that attribute.
	FailEdit map[string]string

	mtx sync.Mutex
}

func (s *Schedd) call(method string, detail string) error {
	s.Calls = append(s.Calls, strings.TrimSpace(method+" "+detail))
	if msg, ok := s.FailOn[method]; ok {
		return fmt.Errorf("%s", msg)
	}
	return nil
}

// AddAd adds an ad to the queue.
func (s *Schedd) AddAd(ad classad.Result) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.Ads = append(s.Ads, ad)
}

// Find returns the ads matching con, without recording a call.
func (s *Schedd) Find(con classad.Constraint) []classad.Result {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	var found []classad.Result
	for _, ad := range s.Ads {
		if con.Match(ad) {
			found = append(found, ad)
		}
	}
	return found
}

// CallLog returns a copy of the recorded calls.
func (s *Schedd) CallLog() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.Calls...)
}

func (s *Schedd) Query(ctx context.Context, con classad.Constraint, attrs []string) ([]classad.Result, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("Query", con.String()); err != nil {
		return nil, err
	}
	var found []classad.Result
	for _, ad := range s.Ads {
		if !con.Match(ad) {
			continue
		}
		out := classad.Result{}
		if len(attrs) == 0 {
			for k, v := range ad {
				out[k] = v
			}
		}
		for _, attr := range attrs {
			if v, ok := ad.Lookup(attr); ok {
				out[attr] = v
			}
		}
		found = append(found, out)
	}
	return found, nil
}

func (s *Schedd) matching(con classad.Constraint) ([]classad.Result, error) {
	var found []classad.Result
	for _, ad := range s.Ads {
		if con.Match(ad) {
			found = append(found, ad)
		}
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("no matching jobs for constraint [%s]", con)
	}
	return found, nil
}

func setAttr(ad classad.Result, attr string, value classad.Expr) {
	for k := range ad {
		if strings.EqualFold(k, attr) {
			delete(ad, k)
		}
	}
	if v, ok := value.Literal(); ok {
		if v != nil {
			ad[attr] = v
		}
	} else {
		ad[attr] = string(value)
	}
}

func (s *Schedd) Edit(ctx context.Context, con classad.Constraint, attr string, value classad.Expr) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("Edit", fmt.Sprintf("[%s] %s = %s", con, attr, value)); err != nil {
		return err
	}
	if msg, ok := s.FailEdit[attr]; ok {
		return fmt.Errorf("%s", msg)
	}
	ads, err := s.matching(con)
	if err != nil {
		return err
	}
	for _, ad := range ads {
		setAttr(ad, attr, value)
	}
	return nil
}

func (s *Schedd) Hold(ctx context.Context, con classad.Constraint) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("Hold", "["+con.String()+"]"); err != nil {
		return err
	}
	ads, err := s.matching(con)
	if err != nil {
		return err
	}
	for _, ad := range ads {
		setAttr(ad, "JobStatus", classad.Int(5))
	}
	return nil
}

func (s *Schedd) Release(ctx context.Context, con classad.Constraint) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("Release", "["+con.String()+"]"); err != nil {
		return err
	}
	ads, err := s.matching(con)
	if err != nil {
		return err
	}
	for _, ad := range ads {
		if st, _ := ad.Int("JobStatus"); st == 5 {
			setAttr(ad, "JobStatus", classad.Int(1))
		}
	}
	return nil
}

func (s *Schedd) submit(sub Submission) int {
	if s.NextCluster == 0 {
		s.NextCluster = 1000
	}
	id := s.NextCluster
	s.NextCluster++
	ad := classad.Result{}
	for _, attr := range sub.Desc.Attrs {
		setAttr(ad, attr.Name, attr.Value)
	}
	ad["ClusterId"] = id
	ad["ProcId"] = 0
	ad["JobStatus"] = 1
	s.Ads = append(s.Ads, ad)
	sub.ClusterID = id
	s.Submitted = append(s.Submitted, sub)
	return id
}

func (s *Schedd) Submit(ctx context.Context, desc *classad.SubmitDescription, dir string, spool bool) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("Submit", dir); err != nil {
		return 0, err
	}
	return s.submit(Submission{Desc: desc, Dir: dir, Spool: spool, Credential: s.Credential}), nil
}

func (s *Schedd) SubmitRaw(ctx context.Context, task, jdlPath, proxy string, inputFiles []string) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("SubmitRaw", task); err != nil {
		return 0, err
	}
	buf, err := os.ReadFile(jdlPath)
	if err != nil {
		return 0, err
	}
	desc, err := classad.ParseSubmitDescription(buf)
	if err != nil {
		return 0, err
	}
	return s.submit(Submission{
		Desc:       desc,
		Dir:        filepath.Dir(jdlPath),
		Spool:      true,
		Raw:        true,
		Task:       task,
		InputFiles: inputFiles,
		Credential: proxy,
	}), nil
}

func (s *Schedd) Reschedule(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.call("Reschedule", "")
}

func (s *Schedd) InvalidateSessions(ctx context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("InvalidateSessions", ""); err != nil {
		return err
	}
	s.Credential = ""
	return nil
}

func (s *Schedd) SetCredential(ctx context.Context, path string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := s.call("SetCredential", path); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	s.Credential = path
	return nil
}

func (s *Schedd) Close() error {
	return nil
}

// Save writes the scheduler state to a JSON file.
func (s *Schedd) Save(path string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	buf, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0600)
}

// Load returns a Schedd with the state saved in a JSON file.
func Load(path string) (*Schedd, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Schedd
	err = json.Unmarshal(buf, &s)
	return &s, err
}
