// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"git.crabdag.org/crabdag.git/lib/htcondor/htcondortest"
	"git.crabdag.org/crabdag.git/sdk/go/classad"
	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"git.crabdag.org/crabdag.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&localSuite{})
var _ = check.Suite(&remoteSuite{})
var _ = check.Suite(&opsSuite{})

func testDesc() *classad.SubmitDescription {
	desc := &classad.SubmitDescription{Queue: 1}
	desc.Attrs.Set(AttrTaskType, classad.String(TaskTypeRoot))
	desc.Attrs.Set(AttrReqName, classad.String("sched_140101_000000_user_wf"))
	desc.Attrs.Set(AttrUserDN, classad.String("/CN=user"))
	desc.Set("universe", "local")
	desc.Set("executable", "dag_bootstrap_startup.sh")
	return desc
}

type localSuite struct {
	fake    *htcondortest.Schedd
	cluster crab.Cluster
	loc     *Locator
	reg     *prometheus.Registry
}

func (s *localSuite) SetUpTest(c *check.C) {
	s.fake = &htcondortest.Schedd{}
	s.cluster = crab.Cluster{
		DefaultScheduler: "local",
		Schedulers: map[string]crab.SchedulerConfig{
			"local": {Name: "schedd.local", Timeout: crab.Duration(10 * time.Second)},
		},
	}
	s.reg = prometheus.NewRegistry()
	s.loc = &Locator{
		Cluster:     &s.cluster,
		Logger:      ctxlog.TestLogger(c),
		Registry:    s.reg,
		stubCommand: s.fake.StubCommand(c.Logf),
	}
}

func (s *localSuite) dial(c *check.C) Schedd {
	sc, mode, err := s.loc.Locate("")
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeDirect)
	c.Check(sc.Name, check.Equals, "schedd.local")
	schedd, err := s.loc.Dial(sc)
	c.Assert(err, check.IsNil)
	return schedd
}

func (s *localSuite) TestLocateUnknown(c *check.C) {
	_, _, err := s.loc.Locate("nonexistent")
	c.Check(err, check.ErrorMatches, `scheduler "nonexistent" is not configured.*`)
}

func (s *localSuite) TestSubmitAndQuery(c *check.C) {
	ctx := context.Background()
	schedd := s.dial(c)
	dir := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(dir, "RunJobs.dag"), []byte("JOB Job1 Job.submit\n"), 0644), check.IsNil)

	id, err := schedd.Submit(ctx, testDesc(), dir, true)
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, 1000)
	_, err = os.Stat(filepath.Join(dir, "submit.jdl"))
	c.Check(err, check.IsNil)

	scope := TaskScope{Name: "sched_140101_000000_user_wf", UserDN: "/CN=user"}
	ads, err := schedd.Query(ctx, scope.Root(), []string{AttrClusterID, AttrJobStatus})
	c.Assert(err, check.IsNil)
	c.Assert(ads, check.HasLen, 1)
	cluster, ok := ads[0].Int(AttrClusterID)
	c.Check(ok, check.Equals, true)
	c.Check(cluster, check.Equals, 1000)
	_, ok = ads[0].Lookup(AttrTaskType)
	c.Check(ok, check.Equals, false)

	// Another owner's task with the same name is invisible.
	other := TaskScope{Name: scope.Name, UserDN: "/CN=someone-else"}
	ads, err = schedd.Query(ctx, other.Root(), nil)
	c.Check(err, check.IsNil)
	c.Check(ads, check.HasLen, 0)

	c.Check(s.fake.CallLog(), check.DeepEquals, []string{
		"Submit " + dir,
		"Query " + scope.Root().String(),
		"Query " + other.Root().String(),
	})
}

func (s *localSuite) TestEditHoldRelease(c *check.C) {
	ctx := context.Background()
	schedd := s.dial(c)
	id, err := schedd.Submit(ctx, testDesc(), c.MkDir(), false)
	c.Assert(err, check.IsNil)
	con := ClusterID(id)

	c.Check(schedd.Edit(ctx, con, AttrHoldReason, classad.String("Killed by CRAB3 client")), check.IsNil)
	c.Check(schedd.Hold(ctx, con), check.IsNil)
	ads := s.fake.Find(con)
	c.Assert(ads, check.HasLen, 1)
	c.Check(ads[0].String(AttrHoldReason), check.Equals, "Killed by CRAB3 client")
	st, _ := ads[0].Int(AttrJobStatus)
	c.Check(st, check.Equals, crab.JobStatusHeld)

	c.Check(schedd.Release(ctx, con), check.IsNil)
	st, _ = s.fake.Find(con)[0].Int(AttrJobStatus)
	c.Check(st, check.Equals, crab.JobStatusIdle)

	err = schedd.Hold(ctx, ClusterID(id+1))
	c.Check(err, check.ErrorMatches, `condor_hold: .*no matching jobs.*`)
}

func (s *localSuite) TestCommandLine(c *check.C) {
	var got [][]string
	s.cluster.Schedulers["pooled"] = crab.SchedulerConfig{Name: "schedd.pooled", Pool: "collector.example:9618"}
	s.loc.stubCommand = func(prog string, args ...string) *exec.Cmd {
		got = append(got, append([]string{prog}, args...))
		return exec.Command("true")
	}
	sc, _, err := s.loc.Locate("pooled")
	c.Assert(err, check.IsNil)
	schedd, _ := s.loc.Dial(sc)
	ads, err := schedd.Query(context.Background(), ClusterID(12), []string{"JobStatus", "ExitCode"})
	c.Check(err, check.IsNil)
	c.Check(ads, check.HasLen, 0)
	c.Check(schedd.Edit(context.Background(), ClusterID(12), "HoldKillSig", classad.String("SIGUSR1")), check.IsNil)
	c.Check(schedd.Reschedule(context.Background()), check.IsNil)
	c.Check(got, check.DeepEquals, [][]string{
		{"condor_q", "-name", "schedd.pooled", "-pool", "collector.example:9618", "-constraint", "ClusterId =?= 12", "-json", "-attributes", "JobStatus,ExitCode"},
		{"condor_qedit", "-name", "schedd.pooled", "-pool", "collector.example:9618", "-constraint", "ClusterId =?= 12", "HoldKillSig", `"SIGUSR1"`},
		{"condor_reschedule", "-name", "schedd.pooled", "-pool", "collector.example:9618"},
	})
}

func (s *localSuite) TestCredentialEnvironment(c *check.C) {
	proxy := filepath.Join(c.MkDir(), "x509up")
	c.Assert(os.WriteFile(proxy, []byte("proxy"), 0600), check.IsNil)
	s.loc.stubCommand = func(prog string, args ...string) *exec.Cmd {
		return exec.Command("sh", "-c", `printf %s "$X509_USER_PROXY" >&2; exit 1`)
	}
	schedd := s.dial(c)
	c.Assert(schedd.SetCredential(context.Background(), proxy), check.IsNil)
	err := schedd.Reschedule(context.Background())
	c.Check(err, check.ErrorMatches, `condor_reschedule: .*`+proxy+`.*`)

	c.Assert(schedd.InvalidateSessions(context.Background()), check.IsNil)
	err = schedd.Reschedule(context.Background())
	c.Check(err, check.Not(check.ErrorMatches), `.*x509up.*`)

	c.Check(schedd.SetCredential(context.Background(), proxy+".missing"), check.ErrorMatches, `credential: .*no such file.*`)
}

func (s *localSuite) TestTimeout(c *check.C) {
	sc := s.cluster.Schedulers["local"]
	sc.Timeout = crab.Duration(100 * time.Millisecond)
	s.cluster.Schedulers["local"] = sc
	s.loc.stubCommand = func(string, ...string) *exec.Cmd {
		return exec.Command("sleep", "10")
	}
	schedd := s.dial(c)
	t0 := time.Now()
	_, err := schedd.Query(context.Background(), ClusterID(1), nil)
	c.Check(err, check.ErrorMatches, `condor_q: context deadline exceeded.*`)
	c.Check(time.Since(t0) < 5*time.Second, check.Equals, true)
}

func (s *localSuite) TestMetrics(c *check.C) {
	schedd := s.dial(c)
	schedd.Reschedule(context.Background())
	s.fake.FailOn = map[string]string{"Reschedule": "schedd is down"}
	err := schedd.Reschedule(context.Background())
	c.Check(err, check.ErrorMatches, `condor_reschedule: .*schedd is down.*`)

	mfs, err := s.reg.Gather()
	c.Assert(err, check.IsNil)
	results := map[string]uint64{}
	for _, mf := range mfs {
		if mf.GetName() != "crabdag_scheduler_command_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" {
					results[lp.GetValue()] += m.GetSummary().GetSampleCount()
				}
			}
		}
	}
	c.Check(results, check.DeepEquals, map[string]uint64{"success": 1, "error": 1})
}

func (s *localSuite) TestParseTerseSubmit(c *check.C) {
	id, err := parseTerseSubmit([]byte("1234.0 - 1234.0\n"))
	c.Check(err, check.IsNil)
	c.Check(id, check.Equals, 1234)
	_, err = parseTerseSubmit([]byte("\n"))
	c.Check(err, check.ErrorMatches, `.*no job ID.*`)
	_, err = parseTerseSubmit([]byte("ERROR: foo\n"))
	c.Check(err, check.ErrorMatches, `.*cannot parse job ID.*`)
}

type remoteSuite struct {
	fake    *htcondortest.Schedd
	gw      *htcondortest.Gateway
	cluster crab.Cluster
	loc     *Locator
}

func (s *remoteSuite) SetUpTest(c *check.C) {
	hostpub, hostpriv := htcondortest.GenerateKey(c)
	clientpub, clientpriv := htcondortest.GenerateKey(c)
	s.fake = &htcondortest.Schedd{}
	s.gw = &htcondortest.Gateway{
		Schedd:         s.fake,
		Root:           c.MkDir(),
		HostKey:        hostpriv,
		AuthorizedUser: "crab3",
		AuthorizedKeys: []ssh.PublicKey{clientpub},
	}
	c.Assert(s.gw.Start(), check.IsNil)
	host, port := s.gw.HostPort()

	var sc crab.SchedulerConfig
	sc.Name = "schedd.remote"
	sc.Timeout = crab.Duration(10 * time.Second)
	sc.Remote.Host = host
	sc.Remote.Port = port
	sc.Remote.User = "crab3"
	sc.Remote.WorkDir = "/var/lib/crabdag/spool"
	sc.Remote.DialTimeout = crab.Duration(5 * time.Second)
	s.cluster = crab.Cluster{
		DefaultScheduler:  "remote",
		Schedulers:        map[string]crab.SchedulerConfig{"remote": sc},
		RemoteCondorSetup: "source /etc/condor/condor_setup.sh",
	}
	s.loc = &Locator{
		Cluster:         &s.cluster,
		Logger:          ctxlog.TestLogger(c),
		signers:         []ssh.Signer{clientpriv},
		hostKeyCallback: ssh.FixedHostKey(hostpub),
	}
}

func (s *remoteSuite) TearDownTest(c *check.C) {
	s.gw.Close()
}

func (s *remoteSuite) dial(c *check.C) Schedd {
	sc, mode, err := s.loc.Locate("")
	c.Assert(err, check.IsNil)
	c.Check(mode, check.Equals, ModeRemote)
	schedd, err := s.loc.Dial(sc)
	c.Assert(err, check.IsNil)
	return schedd
}

func (s *remoteSuite) TestSubmitRaw(c *check.C) {
	ctx := context.Background()
	schedd := s.dial(c)
	defer schedd.Close()

	dir := c.MkDir()
	for _, fnm := range []string{"RunJobs.dag", "Job.submit", "ASO.submit"} {
		c.Assert(os.WriteFile(filepath.Join(dir, fnm), []byte(fnm+" content\n"), 0644), check.IsNil)
	}
	jdl := filepath.Join(dir, "submit.jdl")
	c.Assert(os.WriteFile(jdl, testDesc().Render(), 0644), check.IsNil)
	proxy := filepath.Join(c.MkDir(), "x509up")
	c.Assert(os.WriteFile(proxy, []byte("proxy"), 0600), check.IsNil)

	task := "sched_140101_000000_user_wf"
	id, err := schedd.SubmitRaw(ctx, task, jdl, proxy, []string{
		filepath.Join(dir, "RunJobs.dag"),
		filepath.Join(dir, "Job.submit"),
		filepath.Join(dir, "ASO.submit"),
	})
	c.Assert(err, check.IsNil)
	c.Check(id, check.Equals, 1000)

	remoteDir := filepath.Join(s.gw.Root, "var/lib/crabdag/spool", task)
	buf, err := os.ReadFile(filepath.Join(remoteDir, "Job.submit"))
	c.Check(err, check.IsNil)
	c.Check(string(buf), check.Equals, "Job.submit content\n")
	fi, err := os.Stat(filepath.Join(remoteDir, "x509up"))
	c.Assert(err, check.IsNil)
	c.Check(fi.Mode().Perm(), check.Equals, os.FileMode(0600))

	c.Assert(s.fake.Submitted, check.HasLen, 1)
	c.Check(s.fake.Submitted[0].Spool, check.Equals, true)
	reqname, _ := s.fake.Submitted[0].Desc.Attrs.Get(AttrReqName)
	c.Check(reqname, check.Equals, classad.String(task))

	cmds := s.gw.Commands()
	last := cmds[len(cmds)-1]
	c.Check(last, check.Matches, `cd /var/lib/crabdag/spool/`+task+` && source /etc/condor/condor_setup.sh && env X509_USER_PROXY=/var/lib/crabdag/spool/`+task+`/x509up condor_submit -name schedd.remote -spool -terse /var/lib/crabdag/spool/`+task+`/submit.jdl`)
	// All commands share one connection.
	c.Check(s.gw.Connections(), check.Equals, 1)
}

func (s *remoteSuite) TestQueryAndEdit(c *check.C) {
	ctx := context.Background()
	s.fake.AddAd(classad.Result{
		AttrTaskType:  TaskTypeRoot,
		AttrReqName:   "task's name",
		AttrUserDN:    "/CN=user",
		AttrClusterID: 55,
		AttrJobStatus: 2,
	})
	schedd := s.dial(c)
	defer schedd.Close()
	scope := TaskScope{Name: "task's name", UserDN: "/CN=user"}
	ads, err := schedd.Query(ctx, scope.Root(), []string{AttrClusterID})
	c.Assert(err, check.IsNil)
	c.Assert(ads, check.HasLen, 1)
	id, _ := ads[0].Int(AttrClusterID)
	c.Check(id, check.Equals, 55)

	c.Check(schedd.Edit(ctx, scope.Root(), AttrHoldReason, classad.String("Restarted by CRAB3 client")), check.IsNil)
	c.Check(s.fake.Find(scope.Root())[0].String(AttrHoldReason), check.Equals, "Restarted by CRAB3 client")

	err = schedd.Release(ctx, ClusterID(56))
	c.Check(err, check.ErrorMatches, `condor_release: .*no matching jobs.*`)
}

func (s *remoteSuite) TestSessionInvalidation(c *check.C) {
	ctx := context.Background()
	schedd := s.dial(c)
	defer schedd.Close()
	proxy := filepath.Join(c.MkDir(), "x509up")
	c.Assert(os.WriteFile(proxy, []byte("proxy"), 0600), check.IsNil)

	c.Assert(schedd.SetCredential(ctx, proxy), check.IsNil)
	c.Check(schedd.Reschedule(ctx), check.IsNil)
	cmds := s.gw.Commands()
	c.Check(cmds[len(cmds)-1], check.Matches, `.* X509_USER_PROXY=/var/lib/crabdag/spool/\.credentials/cred\.[^/ ]+/x509up condor_reschedule .*`)
	staged := s.staged(c, schedd)
	_, err := os.Stat(staged)
	c.Check(err, check.IsNil)

	c.Assert(schedd.InvalidateSessions(ctx), check.IsNil)
	_, err = os.Stat(staged)
	c.Check(os.IsNotExist(err), check.Equals, true)
	c.Check(schedd.Reschedule(ctx), check.IsNil)
	cmds = s.gw.Commands()
	c.Check(strings.Contains(cmds[len(cmds)-1], "X509_USER_PROXY"), check.Equals, false)
	c.Check(s.gw.Connections(), check.Equals, 2)
}

// staged returns the gateway-side copy of the credential schedd
// currently uses, as a path under the gateway root.
func (s *remoteSuite) staged(c *check.C, schedd Schedd) string {
	cli := schedd.(*CLI)
	cli.mtx.Lock()
	defer cli.mtx.Unlock()
	c.Assert(cli.proxy, check.Not(check.Equals), "")
	return filepath.Join(s.gw.Root, cli.proxy)
}

func (s *remoteSuite) TestCredentialsPrivatePerSession(c *check.C) {
	ctx := context.Background()
	alice, bob := s.dial(c), s.dial(c)
	aliceProxy := filepath.Join(c.MkDir(), "x509up")
	bobProxy := filepath.Join(c.MkDir(), "x509up")
	c.Assert(os.WriteFile(aliceProxy, []byte("alice proxy"), 0600), check.IsNil)
	c.Assert(os.WriteFile(bobProxy, []byte("bob proxy"), 0600), check.IsNil)

	c.Assert(alice.SetCredential(ctx, aliceProxy), check.IsNil)
	c.Assert(bob.SetCredential(ctx, bobProxy), check.IsNil)
	aliceStaged, bobStaged := s.staged(c, alice), s.staged(c, bob)
	c.Check(aliceStaged, check.Not(check.Equals), bobStaged)
	for fnm, want := range map[string]string{aliceStaged: "alice proxy", bobStaged: "bob proxy"} {
		buf, err := os.ReadFile(fnm)
		c.Check(err, check.IsNil)
		c.Check(string(buf), check.Equals, want)
		fi, err := os.Stat(filepath.Dir(fnm))
		c.Assert(err, check.IsNil)
		c.Check(fi.Mode().Perm(), check.Equals, os.FileMode(0700))
	}

	// Replacing a credential removes the previous copy.
	c.Assert(alice.SetCredential(ctx, aliceProxy), check.IsNil)
	_, err := os.Stat(aliceStaged)
	c.Check(os.IsNotExist(err), check.Equals, true)
	aliceStaged = s.staged(c, alice)

	c.Check(alice.Close(), check.IsNil)
	c.Check(bob.Close(), check.IsNil)
	for _, fnm := range []string{aliceStaged, bobStaged} {
		_, err := os.Stat(filepath.Dir(fnm))
		c.Check(os.IsNotExist(err), check.Equals, true)
	}
}

func (s *remoteSuite) TestCommandTimeout(c *check.C) {
	schedd := s.dial(c)
	defer schedd.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	t0 := time.Now()
	_, err := schedd.(*CLI).exec.Exec(ctx, nil, "", nil, "sleep", "5")
	c.Check(err, check.ErrorMatches, `context deadline exceeded.*`)
	c.Check(time.Since(t0) < 4*time.Second, check.Equals, true)
}

func (s *remoteSuite) TestBadHostKey(c *check.C) {
	otherpub, _ := htcondortest.GenerateKey(c)
	s.loc.hostKeyCallback = ssh.FixedHostKey(otherpub)
	schedd := s.dial(c)
	err := schedd.Reschedule(context.Background())
	c.Check(err, check.ErrorMatches, `condor_reschedule: .*host key mismatch.*`)
	c.Check(s.gw.Commands(), check.HasLen, 0)
}

func (s *remoteSuite) TestShellQuote(c *check.C) {
	for _, trial := range []struct {
		in  string
		out string
	}{
		{"plain", "plain"},
		{"/a/b.c=d:e,f@g+h", "/a/b.c=d:e,f@g+h"},
		{"", "''"},
		{"two words", "'two words'"},
		{`TaskType =?= "ROOT"`, `'TaskType =?= "ROOT"'`},
		{"it's", `'it'\''s'`},
		{"$(reboot)", "'$(reboot)'"},
	} {
		c.Check(shellQuote(trial.in), check.Equals, trial.out)
	}
}

type opsSuite struct{}

func (s *opsSuite) TestApplyAndSerialize(c *check.C) {
	ctx := context.Background()
	fake := &htcondortest.Schedd{}
	scope := TaskScope{Name: "t1", UserDN: "/CN=user"}
	ops := []Op{
		SubmitOp(testDesc(), "/scratch/t1", true),
		EditOp(ClusterID(1000), AttrReqName, classad.String("t1")),
		EditOp(ClusterID(1000), AttrUserDN, classad.String("/CN=user")),
		HoldOp(scope.Root()),
		ReleaseOp(SubGraph(1000)).AsOptional(),
		RescheduleOp(),
	}
	buf, err := json.Marshal(ops)
	c.Assert(err, check.IsNil)
	var decoded []Op
	c.Assert(json.Unmarshal(buf, &decoded), check.IsNil)
	c.Check(decoded, check.DeepEquals, ops)

	for _, op := range decoded {
		err := op.Apply(ctx, fake)
		if op.Optional {
			c.Check(err, check.NotNil)
		} else {
			c.Check(err, check.IsNil, check.Commentf("%s", op))
		}
	}
	st, _ := fake.Find(scope.Root())[0].Int(AttrJobStatus)
	c.Check(st, check.Equals, crab.JobStatusHeld)
	c.Check(fake.CallLog()[len(fake.CallLog())-1], check.Equals, "Reschedule")
	c.Check(Op{Kind: "bogus"}.Apply(ctx, fake), check.ErrorMatches, `unknown op kind "bogus"`)
}

func (s *opsSuite) TestScopes(c *check.C) {
	scope := TaskScope{Name: "t1", UserDN: "/CN=user"}
	c.Check(scope.Root().String(), check.Equals,
		`TaskType =?= "ROOT" && CRAB_ReqName =?= "t1" && CRAB_UserDN =?= "/CN=user" && (isUndefined(CRAB_Attempt) || CRAB_Attempt == 0)`)
	c.Check(scope.Primary().String(), check.Equals,
		`TaskType =?= "Job" && CRAB_ReqName =?= "t1" && CRAB_UserDN =?= "/CN=user"`)
	c.Check(SubGraph(42).String(), check.Equals,
		`DAGManJobId =?= 42 && DAGParentNodeNames =?= "JobSplitting"`)
}
