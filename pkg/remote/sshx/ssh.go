// Package sshx implements remote sessions over SSH with SFTP file transfer.
package sshx

import (
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

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/quatton/qbench/pkg/fleet"
	"github.com/quatton/qbench/pkg/remote"
)

// Dialer opens SSH sessions using the handle's private key.
type Dialer struct {
	Port int
	// Timeout bounds the TCP connect and the SSH handshake.
	Timeout time.Duration
	// KeepAlive is the interval between keepalive requests. A session whose
	// server misses one reply is closed. Zero disables keepalives.
	KeepAlive time.Duration
	// KnownHostsFile enables host key verification. Freshly provisioned
	// instances have unknown keys, so it is empty by default.
	KnownHostsFile string
}

// NewDialer returns a Dialer for port 22.
func NewDialer() *Dialer {
	return &Dialer{Port: 22, Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(d.KnownHostsFile)
}

// Dial connects to h.Host as h.User.
func (d *Dialer) Dial(ctx context.Context, h fleet.Handle) (remote.Session, error) {
	if h.Host == "" {
		return nil, remote.Permanent(fmt.Errorf("instance %s has no address", h.InstanceID))
	}
	key, err := os.ReadFile(h.KeyPath)
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("failed to read private key: %w", err))
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("failed to parse private key %s: %w", h.KeyPath, err))
	}
	hostKeys, err := d.hostKeyCallback()
	if err != nil {
		return nil, remote.Permanent(fmt.Errorf("failed to load known hosts: %w", err))
	}

	port := d.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(h.Host, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            h.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         d.Timeout,
	}

	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := d.handshake(ctx, conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}

	client := ssh.NewClient(c, chans, reqs)
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to start sftp: %w", err)
	}
	conn.SetDeadline(time.Time{})
	s := &Session{client: client, sftp: sftpClient, done: make(chan struct{})}
	if d.KeepAlive > 0 {
		go s.keepAlive(d.KeepAlive)
	}
	return s, nil
}

// handshake runs the SSH handshake on conn under the dial timeout or the
// context deadline, whichever comes first. A server that accepts the
// connection but never speaks fails once the deadline passes. The deadline
// stays set until the caller clears it.
func (d *Dialer) handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	var deadline time.Time
	if d.Timeout > 0 {
		deadline = time.Now().Add(d.Timeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	if !deadline.IsZero() {
		conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, nil, ctx.Err()
		}
		return nil, nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return c, chans, reqs, nil
}

var _ remote.Dialer = (*Dialer)(nil)

// Session is one SSH connection plus an SFTP subsystem on it.
type Session struct {
	client *ssh.Client
	sftp   *sftp.Client

	done      chan struct{}
	closeOnce sync.Once
}

// keepAlive closes the connection when the server stops answering, which
// unblocks every channel and SFTP transfer on it.
func (s *Session) keepAlive(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		reply := make(chan error, 1)
		go func() {
			_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
			reply <- err
		}()
		select {
		case <-s.done:
			return
		case err := <-reply:
			if err != nil {
				s.client.Close()
				return
			}
		case <-time.After(interval):
			s.client.Close()
			return
		}
	}
}

// Run executes cmd in a new SSH channel. Cancelling ctx closes the channel.
func (s *Session) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", err
	}
	defer sess.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			sess.Close()
		case <-done:
		}
	}()

	out, err := sess.CombinedOutput(cmd)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return string(out), &remote.ExitError{Code: exitErr.ExitStatus(), Output: string(out)}
		}
		if ctx.Err() != nil {
			return string(out), ctx.Err()
		}
		return string(out), err
	}
	return string(out), nil
}

// Write uploads r to remotePath over SFTP.
func (s *Session) Write(ctx context.Context, remotePath string, r io.Reader, mode os.FileMode) error {
	if err := s.sftp.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create %s: %w", path.Dir(remotePath), err)
	}
	f, err := s.sftp.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, contextReader{ctx: ctx, r: r}); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return s.sftp.Chmod(remotePath, mode)
}

// Download copies a remote file or directory tree into localDir, keeping
// the base name of remotePath as the top-level entry.
func (s *Session) Download(ctx context.Context, remotePath, localDir string) ([]string, error) {
	info, err := s.sftp.Stat(remotePath)
	if err != nil {
		return nil, err
	}
	parent := path.Dir(remotePath)
	if !info.IsDir() {
		local := filepath.Join(localDir, path.Base(remotePath))
		if err := s.copyFile(ctx, remotePath, local); err != nil {
			return nil, err
		}
		return []string{local}, nil
	}

	var written []string
	walker := s.sftp.Walk(remotePath)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return written, err
		}
		if err := ctx.Err(); err != nil {
			return written, err
		}
		if walker.Stat().IsDir() {
			continue
		}
		rel := strings.TrimPrefix(walker.Path(), parent+"/")
		local := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := s.copyFile(ctx, walker.Path(), local); err != nil {
			return written, err
		}
		written = append(written, local)
	}
	return written, nil
}

func (s *Session) copyFile(ctx context.Context, remotePath, local string) error {
	src, err := s.sftp.Open(remotePath)
	if err != nil {
		return err
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, contextReader{ctx: ctx, r: src}); err != nil {
		dst.Close()
		return fmt.Errorf("failed to download %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Close closes SFTP and the SSH connection.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.done != nil {
			close(s.done)
		}
	})
	return errors.Join(s.sftp.Close(), s.client.Close())
}

var _ remote.Session = (*Session)(nil)

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
