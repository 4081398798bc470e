package bridge

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SSHConnector dials remote hosts over SSH with password auth.
type SSHConnector struct {
	// KnownHostsPath points at an OpenSSH known_hosts file used to
	// verify host keys. Empty means no file is consulted.
	KnownHostsPath string

	// RequireHostKey rejects connections when the known_hosts file is
	// missing or unreadable instead of falling back to accepting any key.
	RequireHostKey bool

	// DialTimeout bounds the TCP+handshake phase. Zero means 10s.
	DialTimeout time.Duration
}

func (c *SSHConnector) Connect(ctx context.Context, cfg ClientConfig) (Transport, error) {
	hostKeyCallback, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}

	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	sshConfig := &ssh.ClientConfig{
		User: cfg.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(cfg.Password),
		},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	// Dial in a goroutine so a cancelled context does not leave the
	// caller stuck behind a slow handshake.
	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", addr, sshConfig)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.client != nil {
				res.client.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("ssh dial %s: %w", addr, res.err)
		}
		return &sshTransport{client: res.client}, nil
	}
}

func (c *SSHConnector) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		if c.RequireHostKey {
			return nil, fmt.Errorf("host key verification required but no known_hosts path configured")
		}
		return ssh.InsecureIgnoreHostKey(), nil
	}

	callback, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		if c.RequireHostKey {
			return nil, fmt.Errorf("load known_hosts %s: %w", c.KnownHostsPath, err)
		}
		log.Warn().Err(err).Str("path", c.KnownHostsPath).
			Msg("known_hosts unavailable, host key verification disabled")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return callback, nil
}

// sshTransport wraps an established *ssh.Client. Each shell, exec and
// file transfer opens its own session/subsystem over the multiplexed
// connection.
type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) Shell(term string, cols, rows int) (ShellStream, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if term == "" {
		term = "xterm-256color"
	}
	if err := sess.RequestPty(term, rows, cols, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &sshShell{sess: sess, stdin: stdin, stdout: stdout}, nil
}

func (t *sshTransport) StartExec(command string) (ExecStream, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}

	e := &sshExec{sess: sess, done: make(chan struct{})}
	sess.Stdout = &e.stdout
	sess.Stderr = &e.stderr

	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}

	go e.run()
	return e, nil
}

func (t *sshTransport) Close() error {
	return t.client.Close()
}

type sshShell struct {
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader

	closeOnce sync.Once
}

func (s *sshShell) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *sshShell) Write(p []byte) (int, error) { return s.stdin.Write(p) }

func (s *sshShell) Resize(cols, rows int) error {
	return s.sess.WindowChange(rows, cols)
}

func (s *sshShell) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		s.sess.Close()
	})
	return nil
}

// sshExec runs one remote command and collects its output. Output
// buffers are only read after Wait returns, when the session has
// stopped writing to them.
type sshExec struct {
	sess      *ssh.Session
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	destroyed atomic.Bool

	done chan struct{}
	res  ExecResult
}

func (e *sshExec) run() {
	err := e.sess.Wait()
	e.sess.Close()

	res := ExecResult{}
	switch werr := err.(type) {
	case nil:
		res.Code = intPtr(0)
	case *ssh.ExitError:
		if sig := werr.Signal(); sig != "" {
			// Killed by a signal, no numeric status to report.
			res.Signal = sig
		} else {
			res.Code = intPtr(werr.ExitStatus())
		}
	case *ssh.ExitMissingError:
		// Stream closed without an exit status. Leave Code nil so the
		// consumer can tell a torn-down command from a completed one.
	default:
		if e.destroyed.Load() {
			// Torn down locally, treat like a missing status.
			break
		}
		res.Code = intPtr(1)
		res.Stderr = err.Error()
	}

	res.Stdout = e.stdout.String()
	if res.Stderr == "" {
		res.Stderr = e.stderr.String()
	}

	e.res = res
	close(e.done)
}

func (e *sshExec) Wait() ExecResult {
	<-e.done
	return e.res
}

func (e *sshExec) Destroy() {
	e.destroyed.Store(true)
	e.sess.Close()
}
