// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package classad

import (
	"encoding/json"
	"testing"

	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&suite{})

type suite struct{}

func (s *suite) TestLiterals(c *check.C) {
	c.Check(String(`a "quoted" \ path`), check.Equals, Expr(`"a \"quoted\" \\ path"`))
	c.Check(Int(-3), check.Equals, Expr("-3"))
	c.Check(Bool(true), check.Equals, True)
	c.Check(IntBool(false), check.Equals, Expr("0"))
	c.Check(List(nil), check.Equals, Expr("{}"))
	c.Check(List([]string{"T2_A", "T2_B"}), check.Equals, Expr(`{"T2_A","T2_B"}`))
	c.Check(IntList([]int{3, 17}), check.Equals, Expr("{3,17}"))
	c.Check(StringOrUndefined(""), check.Equals, Undefined)
	j, err := JSON(map[string]int{"a": 1})
	c.Check(err, check.IsNil)
	c.Check(j, check.Equals, Expr(`"{\"a\":1}"`))
}

func (s *suite) TestLiteralRoundTrip(c *check.C) {
	for _, v := range []interface{}{"plain", `with "quotes" and \`, 42, true, false} {
		got, ok := ValueOf(v).Literal()
		c.Check(ok, check.Equals, true)
		c.Check(got, check.Equals, v)
	}
	v, ok := Undefined.Literal()
	c.Check(ok, check.Equals, true)
	c.Check(v, check.IsNil)
	_, ok = Raw("DAGManJobId =?= ClusterId").Literal()
	c.Check(ok, check.Equals, false)
	_, ok = Raw(`"a"b"`).Literal()
	c.Check(ok, check.Equals, false)
}

func (s *suite) TestAdSet(c *check.C) {
	var ad Ad
	ad.Set("TaskType", String("ROOT"))
	ad.Set("JobPrio", Int(10))
	ad.Set("tasktype", String("Job"))
	c.Check(ad.Names(), check.DeepEquals, []string{"TaskType", "JobPrio"})
	v, ok := ad.Get("TASKTYPE")
	c.Check(ok, check.Equals, true)
	c.Check(v, check.Equals, String("Job"))
	_, ok = ad.Get("missing")
	c.Check(ok, check.Equals, false)
}

func (s *suite) TestRender(c *check.C) {
	sd := SubmitDescription{Queue: 1}
	sd.Attrs.Set("CRAB_ReqName", String("task1"))
	sd.Attrs.Set("CRAB_JobCount", Int(2))
	sd.Set("universe", "local")
	sd.Set("executable", "run.sh")
	sd.Set("Universe", "vanilla")
	c.Check(string(sd.Render()), check.Equals, `+CRAB_ReqName = "task1"
+CRAB_JobCount = 2
universe = vanilla
executable = run.sh
queue 1
`)
	v, ok := sd.Command("EXECUTABLE")
	c.Check(ok, check.Equals, true)
	c.Check(v, check.Equals, "run.sh")
	c.Check(string((&SubmitDescription{}).Render()), check.Equals, "queue\n")
}

func (s *suite) TestConstraint(c *check.C) {
	con := Constraint{
		Is("TaskType", String("ROOT")),
		Is("CRAB_ReqName", String("t1")),
	}.And(UndefinedOrEquals("CRAB_Attempt", Int(0)))
	c.Check(con.String(), check.Equals,
		`TaskType =?= "ROOT" && CRAB_ReqName =?= "t1" && (isUndefined(CRAB_Attempt) || CRAB_Attempt == 0)`)
	c.Check(Constraint(nil).String(), check.Equals, "true")

	var r Result
	c.Assert(json.Unmarshal([]byte(`{"TaskType":"ROOT","CRAB_ReqName":"t1","ClusterId":12}`), &r), check.IsNil)
	c.Check(con.Match(r), check.Equals, true)
	r["CRAB_Attempt"] = float64(0)
	c.Check(con.Match(r), check.Equals, true)
	r["CRAB_Attempt"] = float64(1)
	c.Check(con.Match(r), check.Equals, false)
	r["CRAB_Attempt"] = float64(0)
	r["CRAB_ReqName"] = "t2"
	c.Check(con.Match(r), check.Equals, false)

	c.Check(Constraint{Is("ExitCode", Int(0))}.Match(Result{"exitcode": float64(0)}), check.Equals, true)
	c.Check(Constraint{Is("ExitCode", Int(0))}.Match(Result{}), check.Equals, false)
	c.Check(Constraint{Is("ExitCode", Undefined)}.Match(Result{}), check.Equals, true)
}

func (s *suite) TestResultAccessors(c *check.C) {
	r := Result{"ClusterId": float64(7), "HoldReason": "x", "Sizes": "1,2", "Bad": 1.5, "Str": "12"}
	i, ok := r.Int("clusterid")
	c.Check(ok, check.Equals, true)
	c.Check(i, check.Equals, 7)
	_, ok = r.Int("Bad")
	c.Check(ok, check.Equals, false)
	i, ok = r.Int("Str")
	c.Check(ok && i == 12, check.Equals, true)
	_, ok = r.Int("Missing")
	c.Check(ok, check.Equals, false)
	c.Check(r.String("holdreason"), check.Equals, "x")
	c.Check(r.String("missing"), check.Equals, "")
}

func (s *suite) TestParseConstraint(c *check.C) {
	for _, con := range []Constraint{
		nil,
		{Is("TaskType", String("ROOT"))},
		{
			Is("TaskType", String("Job")),
			Is("CRAB_UserDN", String(`/DC=ch/CN=a && b "quoted"`)),
			UndefinedOrEquals("CRAB_Attempt", Int(0)),
		},
		{Is("DAGManJobId", Int(12)), Is("ExitCode", Int(0))},
	} {
		got, err := ParseConstraint(con.String())
		c.Check(err, check.IsNil)
		c.Check(got, check.DeepEquals, con)
	}
	_, err := ParseConstraint(`foo(bar)`)
	c.Check(err, check.ErrorMatches, `unsupported constraint term.*`)
	_, err = ParseConstraint(`(isUndefined(A) || B == 1)`)
	c.Check(err, check.NotNil)
}

func (s *suite) TestParseSubmitDescription(c *check.C) {
	sd := SubmitDescription{Queue: 1}
	sd.Attrs.Set("CRAB_ReqName", String("task1"))
	sd.Attrs.Set("Environment", Raw(`strcat("CONDOR_ID=", ClusterId, ".", ProcId)`))
	sd.Set("universe", "local")
	sd.Set("on_exit_hold", "(ExitCode =!= UNDEFINED && ExitCode != 0)")
	got, err := ParseSubmitDescription(sd.Render())
	c.Assert(err, check.IsNil)
	c.Check(got, check.DeepEquals, &sd)

	got, err = ParseSubmitDescription([]byte("# comment\n\nuniverse = vanilla\nqueue\n"))
	c.Assert(err, check.IsNil)
	c.Check(got.Queue, check.Equals, 0)

	_, err = ParseSubmitDescription([]byte("universe = vanilla\n"))
	c.Check(err, check.ErrorMatches, `missing queue statement`)
	_, err = ParseSubmitDescription([]byte("queue\nuniverse = vanilla\n"))
	c.Check(err, check.ErrorMatches, `line 2: unexpected text.*`)
	_, err = ParseSubmitDescription([]byte("!!!\nqueue\n"))
	c.Check(err, check.ErrorMatches, `line 1: cannot parse.*`)
}
