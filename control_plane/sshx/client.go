// Package sshx wraps golang.org/x/crypto/ssh and github.com/pkg/sftp
// behind the small surface the control plane needs: run a command,
// and read/write/list files over an SFTP subchannel of the same session.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// DefaultTimeout bounds connection setup when the dialer has none configured.
const DefaultTimeout = 15 * time.Second

// Credentials identify an SSH endpoint with password auth.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Addr returns host:port, defaulting the port to 22.
func (c Credentials) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Conn is an open SSH session with lazy SFTP access.
type Conn interface {
	// Run executes cmd and returns combined stdout/stderr.
	Run(ctx context.Context, cmd string) (string, error)
	ReadDir(p string) ([]os.FileInfo, error)
	ReadFile(p string) ([]byte, error)
	WriteFile(p string, data []byte, perm os.FileMode) error
	MkdirAll(p string) error
	Close() error
}

// Dialer opens SSH connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials) (Conn, error)
}

// SSHDialer dials real SSH servers.
type SSHDialer struct {
	Timeout time.Duration
}

// NewDialer returns an SSHDialer with the given connection-ready timeout.
func NewDialer(timeout time.Duration) *SSHDialer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &SSHDialer{Timeout: timeout}
}

func (d *SSHDialer) Dial(ctx context.Context, creds Credentials) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	password := creds.Password
	config := &ssh.ClientConfig{
		User: creds.User,
		Auth: []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		},
		// Nodes are registered by address and password only; no host key is recorded.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := creds.Addr()
	var nd net.Dialer
	netConn, err := nd.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}
	sc, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return &client{ssh: ssh.NewClient(sc, chans, reqs)}, nil
}

type client struct {
	ssh *ssh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

func (c *client) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.ssh.NewSession()
	if err != nil {
		return "", fmt.Errorf("ssh session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(cmd)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", ctx.Err()
	case r := <-done:
		return string(r.out), r.err
	}
}

func (c *client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(c.ssh)
	if err != nil {
		return nil, fmt.Errorf("sftp subsystem: %w", err)
	}
	c.sftp = sc
	return sc, nil
}

func (c *client) ReadDir(p string) ([]os.FileInfo, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	return sc.ReadDir(p)
}

func (c *client) ReadFile(p string) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (c *client) WriteFile(p string, data []byte, perm os.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	if dir := path.Dir(p); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	f, err := sc.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return sc.Chmod(p, perm)
}

func (c *client) MkdirAll(p string) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}
	return sc.MkdirAll(p)
}

func (c *client) Close() error {
	c.mu.Lock()
	if c.sftp != nil {
		c.sftp.Close()
		c.sftp = nil
	}
	c.mu.Unlock()
	return c.ssh.Close()
}

// PortOpen reports whether a TCP connection to host:port succeeds within timeout.
func PortOpen(ctx context.Context, host string, port int, timeout time.Duration) bool {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ExitStatus extracts the remote exit code from a Run error.
func ExitStatus(err error) (int, bool) {
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), true
	}
	return 0, false
}
