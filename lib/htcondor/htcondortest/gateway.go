// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package htcondortest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/shlex"
	"golang.org/x/crypto/ssh"
	check "gopkg.in/check.v1"
)

// GenerateKey returns a new ed25519 keypair for use as a host or
// client key.
func GenerateKey(c *check.C) (ssh.PublicKey, ssh.Signer) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	c.Assert(err, check.IsNil)
	signer, err := ssh.NewSignerFromKey(priv)
	c.Assert(err, check.IsNil)
	return signer.PublicKey(), signer
}

// A Gateway accepts SSH connections on an available TCP port and
// emulates a submit gateway: the shell commands sent by the remote
// scheduler client are interpreted against Schedd, with remote paths
// mapped under Root.
type Gateway struct {
	Schedd         *Schedd
	Root           string
	HostKey        ssh.Signer
	AuthorizedUser string
	AuthorizedKeys []ssh.PublicKey

	mtx      sync.Mutex
	commands []string
	conns    int

	listener net.Listener
	setup    sync.Once
	started  chan bool
	closed   bool
	err      error
}

// Address returns the host:port where the SSH server is listening.
func (gw *Gateway) Address() string {
	gw.Start()
	gw.mtx.Lock()
	defer gw.mtx.Unlock()
	if gw.listener == nil {
		return ""
	}
	return gw.listener.Addr().String()
}

// HostPort returns the listening host and port.
func (gw *Gateway) HostPort() (string, int) {
	h, p, err := net.SplitHostPort(gw.Address())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(p)
	return h, port
}

// Commands returns the command lines received so far.
func (gw *Gateway) Commands() []string {
	gw.mtx.Lock()
	defer gw.mtx.Unlock()
	return append([]string(nil), gw.commands...)
}

// Connections returns the number of SSH connections accepted.
func (gw *Gateway) Connections() int {
	gw.mtx.Lock()
	defer gw.mtx.Unlock()
	return gw.conns
}

// Close shuts down the server and releases resources. Established
// connections are unaffected.
func (gw *Gateway) Close() {
	gw.Start()
	gw.mtx.Lock()
	ln := gw.listener
	gw.closed = true
	gw.mtx.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// Start returns when the server is ready to accept connections.
func (gw *Gateway) Start() error {
	gw.setup.Do(func() {
		gw.started = make(chan bool)
		go gw.run()
	})
	<-gw.started
	return gw.err
}

func (gw *Gateway) run() {
	defer close(gw.started)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			if c.User() != gw.AuthorizedUser {
				return nil, fmt.Errorf("unknown user %q", c.User())
			}
			for _, ak := range gw.AuthorizedKeys {
				if bytes.Equal(ak.Marshal(), pubKey.Marshal()) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	config.AddHostKey(gw.HostKey)

	listener, err := net.Listen("tcp", "127.0.0.1:")
	if err != nil {
		gw.err = err
		return
	}

	gw.mtx.Lock()
	gw.listener = listener
	gw.mtx.Unlock()

	go func() {
		for {
			nConn, err := listener.Accept()
			gw.mtx.Lock()
			closed := gw.closed
			gw.mtx.Unlock()
			if err != nil && closed {
				return
			} else if err != nil {
				log.Printf("accept: %s", err)
				return
			}
			go gw.serveConn(nConn, config)
		}
	}()
}

func (gw *Gateway) serveConn(nConn net.Conn, config *ssh.ServerConfig) {
	defer nConn.Close()
	conn, newchans, reqs, err := ssh.NewServerConn(nConn, config)
	if err != nil {
		log.Printf("ssh.NewServerConn: %s", err)
		return
	}
	defer conn.Close()
	gw.mtx.Lock()
	gw.conns++
	gw.mtx.Unlock()
	go ssh.DiscardRequests(reqs)
	for newch := range newchans {
		if newch.ChannelType() != "session" {
			newch.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, reqs, err := newch.Accept()
		if err != nil {
			log.Printf("accept channel: %s", err)
			return
		}
		didExec := false
		go func() {
			for req := range reqs {
				switch {
				case didExec:
					// Reject anything after exec
					req.Reply(false, nil)
				case req.Type == "exec":
					var execReq struct {
						Command string
					}
					req.Reply(true, nil)
					ssh.Unmarshal(req.Payload, &execReq)
					go func() {
						var resp struct {
							Status uint32
						}
						resp.Status = gw.exec(execReq.Command, ch, ch, ch.Stderr())
						ch.CloseWrite()
						ch.SendRequest("exit-status", false, ssh.Marshal(&resp))
						ch.Close()
					}()
					didExec = true
				default:
					req.Reply(false, nil)
				}
			}
		}()
	}
}

// local maps a remote path to a path under Root.
func (gw *Gateway) local(cwd, p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(cwd, p)
	}
	return filepath.Join(gw.Root, filepath.Clean("/"+p))
}

// exec interprets a command line of the form
// "cmd1 args && cmd2 args && ...".
func (gw *Gateway) exec(cmdline string, stdin io.Reader, stdout, stderr io.Writer) uint32 {
	gw.mtx.Lock()
	gw.commands = append(gw.commands, cmdline)
	gw.mtx.Unlock()

	words, err := shlex.Split(cmdline)
	if err != nil {
		fmt.Fprintf(stderr, "parse error: %s\n", err)
		return 2
	}
	var segments [][]string
	var cur []string
	for _, w := range words {
		if w == "&&" {
			segments = append(segments, cur)
			cur = nil
		} else {
			cur = append(cur, w)
		}
	}
	segments = append(segments, cur)

	cwd := "/"
	for _, argv := range segments {
		if len(argv) == 0 {
			fmt.Fprintln(stderr, "syntax error")
			return 2
		}
		for argv[0] == "env" && len(argv) > 1 {
			argv = argv[1:]
			for len(argv) > 0 && strings.Contains(argv[0], "=") {
				argv = argv[1:]
			}
			if len(argv) == 0 {
				fmt.Fprintln(stderr, "env: no command")
				return 2
			}
		}
		switch argv[0] {
		case "true", ":", "source", ".", "umask":
		case "cd":
			if len(argv) != 2 {
				fmt.Fprintln(stderr, "cd: wrong number of arguments")
				return 2
			}
			if filepath.IsAbs(argv[1]) {
				cwd = filepath.Clean(argv[1])
			} else {
				cwd = filepath.Join(cwd, argv[1])
			}
			if fi, err := os.Stat(gw.local(cwd, ".")); err != nil || !fi.IsDir() {
				fmt.Fprintf(stderr, "cd: %s: no such directory\n", argv[1])
				return 1
			}
		case "mkdir":
			for _, p := range argv[1:] {
				if p == "-p" {
					continue
				}
				if err := os.MkdirAll(gw.local(cwd, p), 0700); err != nil {
					fmt.Fprintln(stderr, err)
					return 1
				}
			}
		case "cat":
			if len(argv) != 3 || argv[1] != ">" {
				fmt.Fprintf(stderr, "cat: unsupported usage %q\n", argv)
				return 2
			}
			f, err := os.OpenFile(gw.local(cwd, argv[2]), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			_, err = io.Copy(f, stdin)
			f.Close()
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
		case "sleep":
			secs, err := strconv.ParseFloat(argv[len(argv)-1], 64)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			time.Sleep(time.Duration(secs * float64(time.Second)))
		case "mktemp":
			if len(argv) != 3 || argv[1] != "-d" {
				fmt.Fprintf(stderr, "mktemp: unsupported usage %q\n", argv)
				return 2
			}
			tmpl := argv[2]
			if !filepath.IsAbs(tmpl) {
				tmpl = filepath.Join(cwd, tmpl)
			}
			dir, err := os.MkdirTemp(gw.local(cwd, filepath.Dir(tmpl)), strings.TrimRight(filepath.Base(tmpl), "X")+"*")
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			fmt.Fprintln(stdout, filepath.Join(filepath.Dir(tmpl), filepath.Base(dir)))
		case "rm":
			for _, p := range argv[1:] {
				if strings.HasPrefix(p, "-") {
					continue
				}
				if err := os.RemoveAll(gw.local(cwd, p)); err != nil {
					fmt.Fprintln(stderr, err)
					return 1
				}
			}
		case "chmod":
			mode, err := strconv.ParseUint(argv[1], 8, 32)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			if err := os.Chmod(gw.local(cwd, argv[2]), os.FileMode(mode)); err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
		default:
			out, err := gw.Schedd.RunCLI(argv[0], argv[1:], func(p string) string { return gw.local(cwd, p) })
			io.WriteString(stdout, out)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
		}
	}
	return 0
}
