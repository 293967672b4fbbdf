// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"git.crabdag.org/crabdag.git/sdk/go/crab"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

var errNoHost = errors.New("scheduler has no remote host")

// sshExec runs condor tools on a remote submit gateway using a
// long-lived multiplexed SSH connection. It reconnects after errors.
type sshExec struct {
	cfg    crab.SchedulerConfig
	setup  string
	logger logrus.FieldLogger

	// (for testing) if non-nil, used instead of the configured
	// key file and known_hosts file.
	signers         []ssh.Signer
	hostKeyCallback ssh.HostKeyCallback

	mtx    sync.Mutex
	client *ssh.Client
}

func (se *sshExec) addr() string {
	port := se.cfg.Remote.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(se.cfg.Remote.Host, strconv.Itoa(port))
}

func (se *sshExec) clientConfig() (*ssh.ClientConfig, error) {
	signers := se.signers
	if signers == nil {
		buf, err := os.ReadFile(se.cfg.Remote.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(buf)
		if err != nil {
			return nil, fmt.Errorf("parsing private key %s: %w", se.cfg.Remote.PrivateKeyFile, err)
		}
		signers = []ssh.Signer{signer}
	}
	hostKeyCallback := se.hostKeyCallback
	if hostKeyCallback == nil {
		cb, err := knownhosts.New(se.cfg.Remote.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("loading known hosts: %w", err)
		}
		hostKeyCallback = cb
	}
	timeout := se.cfg.Remote.DialTimeout.Duration()
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ssh.ClientConfig{
		User:            se.cfg.Remote.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}, nil
}

// Get the current SSH client, setting up a new one if needed.
func (se *sshExec) sshClient(create bool) (*ssh.Client, error) {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	if se.client != nil && !create {
		return se.client, nil
	}
	if se.cfg.Remote.Host == "" {
		return nil, errNoHost
	}
	config, err := se.clientConfig()
	if err != nil {
		return nil, err
	}
	client, err := ssh.Dial("tcp", se.addr(), config)
	if err != nil {
		return nil, err
	}
	if se.client != nil {
		// Hang up the previous (non-working) client
		go se.client.Close()
	}
	se.client = client
	return client, nil
}

// Create a new SSH session. If session setup fails or the SSH client
// hasn't been setup yet, setup a new SSH client and try again.
func (se *sshExec) newSession() (*ssh.Session, error) {
	try := func(create bool) (*ssh.Session, error) {
		client, err := se.sshClient(create)
		if err != nil {
			return nil, err
		}
		return client.NewSession()
	}
	session, err := try(false)
	if err != nil {
		session, err = try(true)
	}
	return session, err
}

func (se *sshExec) runSession(ctx context.Context, cmdline string, stdin io.Reader) ([]byte, error) {
	session, err := se.newSession()
	if err != nil {
		return nil, err
	}
	defer session.Close()
	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	se.logger.WithField("Host", se.cfg.Remote.Host).Debugf("ssh exec %q", cmdline)
	err = session.Start(cmdline)
	if err != nil {
		return nil, err
	}
	waited := make(chan error, 1)
	go func() { waited <- session.Wait() }()
	select {
	case err = <-waited:
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		// The output buffers are not ours again until Wait
		// returns.
		<-waited
		err = ctx.Err()
	}
	return stdout.Bytes(), errWithStderr(err, stderr.Bytes())
}

func (se *sshExec) Exec(ctx context.Context, env []string, dir string, stdin io.Reader, prog string, args ...string) ([]byte, error) {
	return se.runSession(ctx, se.commandLine(env, dir, prog, args...), stdin)
}

func (se *sshExec) commandLine(env []string, dir string, prog string, args ...string) string {
	var b strings.Builder
	if dir != "" {
		b.WriteString("cd " + shellQuote(dir) + " && ")
	}
	if se.setup != "" {
		b.WriteString(se.setup + " && ")
	}
	if len(env) > 0 {
		b.WriteString("env")
		for _, kv := range env {
			b.WriteString(" " + shellQuote(kv))
		}
		b.WriteString(" ")
	}
	b.WriteString(shellQuote(prog))
	for _, arg := range args {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}

func (se *sshExec) Stage(ctx context.Context, dir string, localPath string, mode os.FileMode) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()
	dst := path.Join(dir, filepath.Base(localPath))
	cmdline := fmt.Sprintf("mkdir -p %s && umask 077 && cat > %s && chmod %04o %s",
		shellQuote(dir), shellQuote(dst), mode.Perm(), shellQuote(dst))
	_, err = se.runSession(ctx, cmdline, f)
	if err != nil {
		return "", err
	}
	return dst, nil
}

func (se *sshExec) WorkDir(name, localDir string) string {
	return path.Join(se.cfg.Remote.WorkDir, name)
}

// StageCredential copies the credential into a new directory under
// <WorkDir>/.credentials, readable only by the gateway account.
func (se *sshExec) StageCredential(ctx context.Context, localPath string) (string, func(context.Context) error, error) {
	parent := path.Join(se.cfg.Remote.WorkDir, ".credentials")
	cmdline := fmt.Sprintf("umask 077 && mkdir -p %s && mktemp -d %s",
		shellQuote(parent), shellQuote(path.Join(parent, "cred.XXXXXXXX")))
	out, err := se.runSession(ctx, cmdline, nil)
	if err != nil {
		return "", nil, err
	}
	dir := strings.TrimSpace(string(out))
	if path.Dir(dir) != parent || !strings.HasPrefix(path.Base(dir), "cred.") {
		return "", nil, fmt.Errorf("mktemp: unexpected output %q", out)
	}
	remove := func(ctx context.Context) error {
		_, err := se.runSession(ctx, "rm -rf "+shellQuote(dir), nil)
		return err
	}
	staged, err := se.Stage(ctx, dir, localPath, 0600)
	if err != nil {
		remove(ctx)
		return "", nil, err
	}
	return staged, remove, nil
}

// Close shuts down the active connection, if any. A connection that
// was already broken is not an error.
func (se *sshExec) Close() error {
	se.mtx.Lock()
	defer se.mtx.Unlock()
	if se.client == nil {
		return nil
	}
	err := se.client.Close()
	se.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// shellQuote returns s quoted for a POSIX shell.
func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,@+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
