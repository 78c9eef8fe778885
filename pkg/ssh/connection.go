/*
Copyright 2025 The OpenStack CI Runner Manager Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package ssh wraps golang.org/x/crypto/ssh and go-scp into a small client
// for probing runner VMs and pulling metric files off them. Host keys are
// not verified: each VM is ephemeral, its host key is generated at boot and
// never reused.
package ssh

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"time"

	scp "github.com/bramvdbogaerde/go-scp"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"

	"github.com/openstack-ci/runner-manager/pkg/rmerrors"
)

const (
	// DefaultUser is the login user baked into runner images.
	DefaultUser = "ubuntu"

	// DefaultCommandTimeout bounds a single remote command.
	DefaultCommandTimeout = 30 * time.Second
)

// Connection is an established SSH connection to one VM.
type Connection struct {
	client *ssh.Client
	addr   string

	// CommandTimeout bounds each Run call; defaults to DefaultCommandTimeout.
	CommandTimeout time.Duration
}

// Dial connects to addr (host or host:port) with the given private key.
func Dial(ctx context.Context, addr, user string, privateKey []byte, timeout time.Duration) (*Connection, error) {
	signer, err := ssh.ParsePrivateKey(privateKey)
	if err != nil {
		return nil, &rmerrors.SSHError{Addr: addr, Err: errors.Wrap(err, "parsing private key")}
	}
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "22")
	}

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // ephemeral VMs, key never reused
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	tcpConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &rmerrors.SSHError{Addr: addr, Err: err}
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, config)
	if err != nil {
		_ = tcpConn.Close()
		return nil, &rmerrors.SSHError{Addr: addr, Err: err}
	}

	return &Connection{
		client:         ssh.NewClient(conn, chans, reqs),
		addr:           addr,
		CommandTimeout: DefaultCommandTimeout,
	}, nil
}

// Addr returns the address the connection was established on.
func (c *Connection) Addr() string {
	return c.addr
}

// Run executes command on the remote host and returns its stdout. The call
// is bounded by CommandTimeout; on timeout the session is torn down and an
// SSHError returned.
func (c *Connection) Run(ctx context.Context, command string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", &rmerrors.SSHError{Addr: c.addr, Err: errors.Wrap(err, "opening session")}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, c.CommandTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case err := <-done:
		if err != nil {
			return "", &rmerrors.SSHError{
				Addr: c.addr,
				Err:  errors.Wrapf(err, "running %q (stderr: %s)", command, strings.TrimSpace(stderr.String())),
			}
		}
		return stdout.String(), nil
	case <-ctx.Done():
		// Closing the session unblocks the Run goroutine.
		_ = session.Close()
		return "", &rmerrors.SSHError{Addr: c.addr, Err: errors.Wrapf(ctx.Err(), "running %q", command)}
	}
}

// PullFile copies a remote file into memory, refusing files above maxBytes.
func (c *Connection) PullFile(ctx context.Context, remotePath string, maxBytes int64) ([]byte, error) {
	scpClient, err := scp.NewClientBySSH(c.client)
	if err != nil {
		return nil, &rmerrors.SSHError{Addr: c.addr, Err: errors.Wrap(err, "creating scp client")}
	}
	defer scpClient.Close()

	ctx, cancel := context.WithTimeout(ctx, c.CommandTimeout)
	defer cancel()

	var buf bytes.Buffer
	w := &cappedWriter{w: &buf, remaining: maxBytes}
	if err := scpClient.CopyFromRemotePassThru(ctx, w, remotePath, nil); err != nil {
		if errors.Is(err, errTooLarge) {
			return nil, errTooLarge
		}
		return nil, &rmerrors.SSHError{Addr: c.addr, Err: errors.Wrapf(err, "pulling %q", remotePath)}
	}
	return buf.Bytes(), nil
}

// Close tears down the underlying connection.
func (c *Connection) Close() error {
	return c.client.Close()
}

var errTooLarge = errors.New("remote file exceeds size cap")

// IsTooLarge reports whether a PullFile failure was the size cap.
func IsTooLarge(err error) bool {
	return errors.Is(err, errTooLarge)
}

type cappedWriter struct {
	w         io.Writer
	remaining int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > c.remaining {
		return 0, errTooLarge
	}
	c.remaining -= int64(len(p))
	return c.w.Write(p)
}
