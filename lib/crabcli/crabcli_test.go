// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package crabcli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"git.crabdag.org/crabdag.git/lib/htcondor"
	"git.crabdag.org/crabdag.git/lib/htcondor/htcondortest"
	"git.crabdag.org/crabdag.git/lib/privexec/privexectest"
	"git.crabdag.org/crabdag.git/lib/submit"
	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

const (
	testTask = "sched_140101_000000_user_wf"
	testDN   = "/DC=ch/CN=user"
)

type fakeLocator struct {
	schedd htcondor.Schedd
}

func (l *fakeLocator) Locate(name string) (crab.SchedulerConfig, htcondor.Mode, error) {
	if name == "" {
		name = "local"
	}
	return crab.SchedulerConfig{Name: name}, htcondor.ModeDirect, nil
}

func (l *fakeLocator) Dial(sc crab.SchedulerConfig) (htcondor.Schedd, error) {
	return l.schedd, nil
}

type suite struct {
	fake       *htcondortest.Schedd
	configFile string
	binDir     string
	proxy      string

	origLocator  func(*crab.Cluster, logrus.FieldLogger, *prometheus.Registry) htcondor.SchedulerLocator
	origExecutor func(*crab.Cluster, logrus.FieldLogger, *prometheus.Registry) submit.Executor
}

func (s *suite) SetUpTest(c *check.C) {
	s.fake = &htcondortest.Schedd{}
	s.origLocator, s.origExecutor = newLocator, newExecutor
	newLocator = func(*crab.Cluster, logrus.FieldLogger, *prometheus.Registry) htcondor.SchedulerLocator {
		return &fakeLocator{schedd: s.fake}
	}
	newExecutor = func(*crab.Cluster, logrus.FieldLogger, *prometheus.Registry) submit.Executor {
		return &privexectest.Executor{Schedd: s.fake}
	}

	tmp := c.MkDir()
	s.binDir = filepath.Join(tmp, "bin")
	c.Assert(os.Mkdir(s.binDir, 0755), check.IsNil)
	for _, fnm := range []string{"dag_bootstrap.sh", "dag_bootstrap_startup.sh"} {
		c.Assert(os.WriteFile(filepath.Join(s.binDir, fnm), []byte("#!/bin/sh\n"), 0755), check.IsNil)
	}
	s.proxy = filepath.Join(tmp, "x509up_u1000")
	c.Assert(os.WriteFile(s.proxy, []byte("proxy"), 0600), check.IsNil)
	s.configFile = filepath.Join(tmp, "config.yml")
	c.Assert(os.WriteFile(s.configFile, []byte(fmt.Sprintf(`
Clusters:
  zzzzz:
    SystemLogs:
      Format: text
      Level: debug
    ScratchDir: %s
    BinDir: %s
    BootstrapFiles: [dag_bootstrap.sh, dag_bootstrap_startup.sh]
    DefaultScheduler: local
    Schedulers:
      local: {}
`, filepath.Join(tmp, "scratch"), s.binDir)), 0644), check.IsNil)
}

func (s *suite) TearDownTest(c *check.C) {
	newLocator, newExecutor = s.origLocator, s.origExecutor
}

func (s *suite) addRoot() {
	s.fake.AddAd(classad.Result{
		"TaskType":      "ROOT",
		"CRAB_ReqName":  testTask,
		"CRAB_UserDN":   testDN,
		"ClusterId":     100,
		"JobStatus":     2,
		"CRAB_JobCount": 2,
	})
}

func (s *suite) TestStatus(c *check.C) {
	s.addRoot()
	s.fake.AddAd(classad.Result{"TaskType": "Job", "CRAB_ReqName": testTask, "CRAB_UserDN": testDN, "CRAB_Id": 1, "JobStatus": 2})
	var stdout, stderr bytes.Buffer
	code := StatusCommand.RunCommand("crabdag status", []string{"-config", s.configFile, "-task", testTask, "-dn", testDN}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	var summary crab.TaskStatusSummary
	c.Assert(json.Unmarshal(stdout.Bytes(), &summary), check.IsNil)
	c.Check(summary.Status, check.Equals, "Running")
	c.Check(summary.JobsPerStatus, check.DeepEquals, map[string]int{"Running": 1, "Unsubmitted": 1})
	c.Check(summary.JobList, check.DeepEquals, []crab.JobListEntry{{Status: "Running", UnitID: 1}, {Status: "Unsubmitted", UnitID: 2}})
}

func (s *suite) TestStatusTaskNotFound(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := StatusCommand.RunCommand("crabdag status", []string{"-config", s.configFile, "-task", testTask, "-dn", testDN}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*task `+testTask+` was not found in the scheduler queue.*`)
	c.Check(stdout.String(), check.Equals, "")
}

func (s *suite) TestMissingTaskFlag(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := KillCommand.RunCommand("crabdag kill", []string{"-config", s.configFile}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*missing required -task flag.*`)
}

func (s *suite) TestBadConfig(c *check.C) {
	var stdout, stderr bytes.Buffer
	code := StatusCommand.RunCommand("crabdag status", []string{"-config", filepath.Join(c.MkDir(), "missing.yml"), "-task", testTask}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*no such file or directory.*`)
}

func (s *suite) TestOutputs(c *check.C) {
	s.fake.AddAd(classad.Result{
		"TaskType": "ASO", "CRAB_ReqName": testTask, "CRAB_UserDN": testDN,
		"CRAB_Id": 1, "JobStatus": 4, "ExitCode": 0,
		"OutputSizes": "1048576,2048",
		"OutputPFNs":  "srm://se.example/store/out_1.root,srm://se.example/store/log_1.tar.gz",
	})
	var stdout, stderr bytes.Buffer
	code := OutputsCommand.RunCommand("crabdag outputs", []string{"-config", s.configFile, "-task", testTask, "-dn", testDN}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	c.Check(stdout.String(), check.Equals, ""+
		"srm://se.example/store/out_1.root\t1048576 (1.0 MiB)\n"+
		"srm://se.example/store/log_1.tar.gz\t2048 (2.0 KiB)\n"+
		"2 files, 1.0 MiB\n")

	stdout.Reset()
	code = OutputsCommand.RunCommand("crabdag outputs", []string{"-config", s.configFile, "-task", testTask, "-dn", testDN, "-max", "1", "-json"}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, `{"result":[{"pfn":"srm://se.example/store/out_1.root","size":1048576}]}`+"\n")
	var result OutputsResult
	c.Assert(json.Unmarshal(stdout.Bytes(), &result), check.IsNil)
	c.Check(result.Result, check.DeepEquals, []crab.OutputFile{{PFN: "srm://se.example/store/out_1.root", Size: 1048576}})

	stdout.Reset()
	code = OutputsCommand.RunCommand("crabdag outputs", []string{"-config", s.configFile, "-task", "sched_140101_000000_user_other", "-dn", testDN, "-json"}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, `{"result":[]}`+"\n")
}

func (s *suite) TestKillWithMetrics(c *check.C) {
	s.addRoot()
	metricsFile := filepath.Join(c.MkDir(), "crabdag.prom")
	var stdout, stderr bytes.Buffer
	code := KillCommand.RunCommand("crabdag kill", []string{"-config", s.configFile, "-task", testTask, "-dn", testDN, "-proxy", s.proxy, "-metrics-textfile", metricsFile}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	root := s.fake.Find(htcondor.ClusterID(100))
	c.Assert(root, check.HasLen, 1)
	c.Check(root[0]["JobStatus"], check.Equals, 5)
	c.Check(root[0]["HoldReason"], check.Equals, htcondor.KillHoldReason)

	buf, err := os.ReadFile(metricsFile)
	c.Assert(err, check.IsNil)
	c.Check(string(buf), check.Matches, `(?ms).*crabdag_control_operations_total\{op="kill",result="success"\} 1\n.*`)
}

func (s *suite) TestResubmitFlags(c *check.C) {
	s.addRoot()
	var stdout, stderr bytes.Buffer
	code := ResubmitCommand.RunCommand("crabdag resubmit", []string{
		"-config", s.configFile, "-task", testTask, "-dn", testDN, "-proxy", s.proxy,
		"-jobids", "1,3", "-site-blacklist", "T2_X, T2_Y", "-site-whitelist", "", "-max-memory", "3000",
	}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	root := s.fake.Find(htcondor.ClusterID(100))
	c.Assert(root, check.HasLen, 1)
	c.Check(root[0]["CRAB_ResubmitList"], check.Equals, "{1,3}")
	c.Check(root[0]["CRAB_SiteBlacklist"], check.Equals, `{"T2_X","T2_Y"}`)
	c.Check(root[0]["CRAB_SiteWhitelist"], check.Equals, `{}`)
	c.Check(root[0]["RequestMemory"], check.Equals, 2500)
	_, hasRuntime := root[0]["MaxWallTimeMins"]
	c.Check(hasRuntime, check.Equals, false)
	c.Check(stderr.String(), check.Matches, `(?ms).*Task requests 3000 MB of memory.*`)
}

func (s *suite) TestResubmitBadJobIDs(c *check.C) {
	s.addRoot()
	var stdout, stderr bytes.Buffer
	code := ResubmitCommand.RunCommand("crabdag resubmit", []string{"-config", s.configFile, "-task", testTask, "-dn", testDN, "-proxy", s.proxy, "-jobids", "1,x"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `(?ms).*invalid unit id "x" in -jobids.*`)
	c.Check(s.fake.CallLog(), check.HasLen, 0)
}

func (s *suite) TestSubmit(c *check.C) {
	req := SubmitRequest{
		Task: crab.Task{
			Name:                  testTask,
			UserDN:                testDN,
			UserHN:                "user",
			JobSW:                 "CMSSW_7_0_0",
			JobArch:               "slc6_amd64_gcc481",
			SplitAlgo:             crab.SplitFileBased,
			SplitArgs:             1,
			AdditionalOutputFiles: []string{"out.root"},
			PublishName:           "pub",
			AsyncDest:             "T2_US_Nebraska",
		},
		Groups: []crab.WorkUnitGroup{{
			Locations: []string{"T2_A"},
			Units:     []crab.WorkUnit{{InputFiles: []crab.InputFile{{LFN: "/store/a.root"}}}},
		}},
	}
	buf, err := json.Marshal(req)
	c.Assert(err, check.IsNil)
	reqFile := filepath.Join(c.MkDir(), "request.json")
	c.Assert(os.WriteFile(reqFile, buf, 0644), check.IsNil)

	var stdout, stderr bytes.Buffer
	code := SubmitCommand.RunCommand("crabdag submit", []string{"-config", s.configFile, "-request", reqFile, "-proxy", s.proxy}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("stderr: %s", stderr.String()))
	c.Check(stdout.String(), check.Equals, "1000\n")
	c.Assert(s.fake.Submitted, check.HasLen, 1)
	c.Check(s.fake.Submitted[0].Credential, check.Equals, s.proxy)
}

func (s *suite) TestSubmitFromStdin(c *check.C) {
	stdin := bytes.NewBufferString(`{"task": {"tm_taskname": "bad name"}, "groups": []}`)
	var stdout, stderr bytes.Buffer
	code := SubmitCommand.RunCommand("crabdag submit", []string{"-config", s.configFile}, stdin, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(s.fake.Submitted, check.HasLen, 0)
}

func (s *suite) TestSplitList(c *check.C) {
	c.Check(splitList(""), check.DeepEquals, []string{})
	c.Check(splitList(" a, ,b "), check.DeepEquals, []string{"a", "b"})
}
