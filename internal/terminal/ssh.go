// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConfig describes how to reach the target shell.
type SSHConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string

	// KnownHosts is the known_hosts file used to verify the host key.
	// Empty means ~/.ssh/known_hosts.
	KnownHosts string

	// InsecureHostKey skips host key verification. Lab use only.
	InsecureHostKey bool

	DialTimeout time.Duration
}

// SSHChannel is a Channel over an SSH shell with a pseudo-terminal. A single
// goroutine copies remote output into an in-memory queue so reads never block.
type SSHChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	mu      sync.Mutex
	buf     []byte
	readErr error
	timeout time.Duration

	writeMu sync.Mutex
}

// DialSSH connects, requests a PTY and starts an interactive shell.
func DialSSH(ctx context.Context, cfg SSHConfig) (*SSHChannel, error) {
	if cfg.Host == "" {
		return nil, errors.New("ssh: host not configured")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 15 * time.Second
	}

	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         cfg.DialTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)

	ch, err := startShell(client)
	if err != nil {
		client.Close()
		return nil, err
	}
	return ch, nil
}

func startShell(client *ssh.Client) (*SSHChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", 50, 200, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh stdin: %w", err)
	}

	// stdout and stderr share one stream, as on a real terminal.
	pr, pw := io.Pipe()
	session.Stdout = pw
	session.Stderr = pw

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh shell: %w", err)
	}

	ch := &SSHChannel{
		client:  client,
		session: session,
		stdin:   stdin,
		timeout: DefaultCommandTimeout,
	}
	go func() {
		pw.CloseWithError(session.Wait())
	}()
	go ch.readLoop(pr)
	return ch, nil
}

func authMethods(cfg SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if cfg.KeyFile != "" {
		key, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
		methods = append(methods, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = cfg.Password
				}
				return answers, nil
			}))
	}
	if len(methods) == 0 {
		return nil, errors.New("ssh: no password or key file configured")
	}
	return methods, nil
}

func hostKeyCallback(cfg SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.InsecureHostKey {
		// SECURITY: Accepts any host key. Only for disposable lab targets.
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate known_hosts: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	return cb, nil
}

// readLoop copies remote output into the queue until the stream ends.
func (c *SSHChannel) readLoop(r io.Reader) {
	chunk := make([]byte, ReadChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			c.mu.Lock()
			if errors.Is(err, io.EOF) {
				c.readErr = ErrSessionClosed
			} else {
				c.readErr = fmt.Errorf("%w: %v", ErrSessionClosed, err)
			}
			c.mu.Unlock()
			return
		}
	}
}

// Send implements Channel.
func (c *SSHChannel) Send(data string) error {
	c.mu.Lock()
	timeout := c.timeout
	closed := c.readErr
	c.mu.Unlock()
	if closed != nil {
		return closed
	}

	errc := make(chan error, 1)
	go func() {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, err := io.WriteString(c.stdin, data)
		errc <- err
	}()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-errc:
		return err
	case <-t.C:
		return ErrSendTimeout
	}
}

// Recv implements Channel.
func (c *SSHChannel) Recv(max int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) == 0 {
		if c.readErr != nil {
			return nil, c.readErr
		}
		return nil, nil
	}
	n := min(max, len(c.buf))
	out := make([]byte, n)
	copy(out, c.buf[:n])
	c.buf = c.buf[n:]
	return out, nil
}

// RecvReady implements Channel.
func (c *SSHChannel) RecvReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf) > 0 || c.readErr != nil
}

// Interrupt implements Channel.
func (c *SSHChannel) Interrupt() error {
	return c.Send(interruptByte)
}

// SetTimeout implements Channel.
func (c *SSHChannel) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Close implements Channel.
func (c *SSHChannel) Close() error {
	c.session.Close()
	return c.client.Close()
}
