// Pvcbootstrapd is the bootstrap controller for PVC clusters.
// Copyright (C) 2025 The Parallel Virtual Cluster contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const sshPort = "22"

const sshDialTimeout = 30 * time.Second

// nodeConn is one connection to a node's deploy account. Tests
// substitute an in-memory fake through the Runner's dial field.
type nodeConn interface {
	// Exec runs a command and returns its combined output.
	Exec(command string) (string, error)

	// Upload places a local file on the node with the given mode.
	Upload(localPath, remotePath string, mode os.FileMode) error

	// UploadBytes places literal content on the node with the given mode.
	UploadBytes(content []byte, remotePath string, mode os.FileMode) error

	Close() error
}

type dialFunc func(ctx context.Context, addr string) (nodeConn, error)

func (r *Runner) dialSSH(ctx context.Context, addr string) (nodeConn, error) {
	key, err := os.ReadFile(r.keyFile)
	if err != nil {
		return nil, fmt.Errorf("read deploy key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse deploy key: %w", err)
	}

	cfg := &ssh.ClientConfig{
		User: r.deployUser,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Targets are freshly installed; there is no known_hosts entry
		// to verify against yet.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         sshDialTimeout,
	}

	dialer := &net.Dialer{Timeout: sshDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, sshPort))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &sshNode{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshNode struct {
	client *ssh.Client
}

func (n *sshNode) Exec(command string) (string, error) {
	session, err := n.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()
	output, err := session.CombinedOutput(command)
	return string(output), err
}

func (n *sshNode) Upload(localPath, remotePath string, mode os.FileMode) error {
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer local.Close()
	return n.upload(local, remotePath, mode)
}

func (n *sshNode) UploadBytes(content []byte, remotePath string, mode os.FileMode) error {
	return n.upload(bytes.NewReader(content), remotePath, mode)
}

func (n *sshNode) upload(content io.Reader, remotePath string, mode os.FileMode) error {
	sc, err := sftp.NewClient(n.client)
	if err != nil {
		return fmt.Errorf("open sftp: %w", err)
	}
	defer sc.Close()

	remote, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", remotePath, err)
	}
	if _, err := io.Copy(remote, content); err != nil {
		remote.Close()
		return fmt.Errorf("write %s: %w", remotePath, err)
	}
	if err := remote.Close(); err != nil {
		return fmt.Errorf("close %s: %w", remotePath, err)
	}
	return sc.Chmod(remotePath, mode)
}

func (n *sshNode) Close() error {
	return n.client.Close()
}
