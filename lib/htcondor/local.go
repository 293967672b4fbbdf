// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// localExec runs condor tools on this host.
type localExec struct {
	// (for testing) if non-nil, call stubCommand() instead of
	// exec.Command() when running condor command line programs.
	stubCommand func(string, ...string) *exec.Cmd
}

func (le *localExec) command(prog string, args ...string) *exec.Cmd {
	if f := le.stubCommand; f != nil {
		return f(prog, args...)
	} else {
		return exec.Command(prog, args...)
	}
}

func (le *localExec) Exec(ctx context.Context, env []string, dir string, stdin io.Reader, prog string, args ...string) ([]byte, error) {
	cmd := le.command(prog, args...)
	cmd.Env = append(append([]string(nil), os.Environ()...), env...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Start()
	if err != nil {
		return nil, err
	}
	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case err = <-waited:
	case <-ctx.Done():
		cmd.Process.Kill()
		err = <-waited
		if err == nil {
			err = ctx.Err()
		}
	}
	return stdout.Bytes(), errWithStderr(err, stderr.Bytes())
}

func (le *localExec) Stage(ctx context.Context, dir string, localPath string, mode os.FileMode) (string, error) {
	if filepath.Clean(filepath.Dir(localPath)) == filepath.Clean(dir) {
		return localPath, nil
	}
	dst := filepath.Join(dir, filepath.Base(localPath))
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return "", err
	}
	_, err = io.Copy(f, src)
	if err != nil {
		f.Close()
		return "", err
	}
	return dst, f.Close()
}

func (le *localExec) WorkDir(name, localDir string) string {
	return localDir
}

// StageCredential returns localPath itself: commands run on this
// host in the child that owns the credential.
func (le *localExec) StageCredential(ctx context.Context, localPath string) (string, func(context.Context) error, error) {
	return localPath, nil, nil
}

func (le *localExec) Close() error {
	return nil
}

func errWithStderr(err error, stderr []byte) error {
	if err == nil {
		return nil
	}
	if stderr = bytes.TrimSpace(stderr); len(stderr) > 0 {
		return fmt.Errorf("%w (%q)", err, stderr)
	}
	return err
}
