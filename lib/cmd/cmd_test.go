// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&CmdSuite{})

type CmdSuite struct{}

var testCmd = Multi(map[string]Handler{
	"echo": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
		fmt.Fprintln(stdout, strings.Join(args, " "))
		return 0
	}),
	"kill": Multi(map[string]Handler{
		"now": HandlerFunc(func(prog string, args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
			fmt.Fprintln(stdout, prog)
			return 0
		}),
	}),
	"--version": Version,
})

func (s *CmdSuite) TestHello(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"echo", "hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestHelloViaProg(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("/usr/local/bin/crabdag-echo", []string{"hello", "world"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "hello world\n")
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CmdSuite) TestNested(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"kill", "now"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Equals, "prog kill now\n")
}

func (s *CmdSuite) TestUsage(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	stderr := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"nosuchcommand", "hi"}, bytes.NewReader(nil), stdout, stderr)
	c.Check(exited, check.Equals, 2)
	c.Check(stdout.String(), check.Equals, "")
	c.Check(stderr.String(), check.Matches, `(?ms)^prog: unrecognized command "nosuchcommand"\n.*echo.*\n.*kill now.*`)
	c.Check(stderr.String(), check.Not(check.Matches), `(?ms).*--version.*`)
}

func (s *CmdSuite) TestVersion(c *check.C) {
	stdout := bytes.NewBuffer(nil)
	exited := testCmd.RunCommand("prog", []string{"--version"}, bytes.NewReader(nil), stdout, io.Discard)
	c.Check(exited, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `prog dev \(go.*\)\n`)
}

func (s *CmdSuite) TestSubcommandToFront(c *check.C) {
	defaultFlags := flag.NewFlagSet("", flag.ContinueOnError)
	defaultFlags.String("format", "text", "")
	defaultFlags.Bool("n", false, "")
	args := SubcommandToFront([]string{"--format=yaml", "-n", "-format", "beep", "echo", "hi"}, defaultFlags)
	c.Check(args, check.DeepEquals, []string{"echo", "--format=yaml", "-n", "-format", "beep", "hi"})
	args = SubcommandToFront([]string{"-n"}, defaultFlags)
	c.Check(args, check.DeepEquals, []string{"-n"})
}

func (s *CmdSuite) TestParseFlags(c *check.C) {
	var stderr bytes.Buffer
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.Bool("v", false, "verbose")
	ok, code := ParseFlags(fs, "prog", []string{"-v"}, "", &stderr)
	c.Check(ok, check.Equals, true)
	c.Check(code, check.Equals, 0)

	ok, code = ParseFlags(fs, "prog", []string{"-v", "extra"}, "", &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, EXIT_INVALIDARGUMENT)
	c.Check(stderr.String(), check.Matches, `unrecognized command line arguments.*\n`)

	stderr.Reset()
	ok, code = ParseFlags(fs, "prog", []string{"-help"}, "taskname", &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 0)

	stderr.Reset()
	ok, code = ParseFlags(fs, "prog", []string{"-bogus"}, "", &stderr)
	c.Check(ok, check.Equals, false)
	c.Check(code, check.Equals, 2)
	c.Check(stderr.String(), check.Matches, `error parsing command line arguments.*\n`)
}

func (s *CmdSuite) TestNoPrefixFormatter(c *check.C) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.Out = &buf
	logger.Formatter = NoPrefixFormatter{}
	logger.WithField("x", 1).Info("hello")
	c.Check(buf.String(), check.Equals, "hello\n")
}
