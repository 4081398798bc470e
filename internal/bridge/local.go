package bridge

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"

	"github.com/slurmdeck/backend/internal/fileutil"
)

// LocalConnector serves sessions from the gateway's own host instead of
// dialing out. It exists for development and demo setups where no SSH
// target is reachable; file operations are jailed under Root.
type LocalConnector struct {
	// Shell is the program started for interactive sessions and used
	// via -c for one-shot commands. Empty means /bin/bash.
	Shell string

	// Root jails upload and download paths. Required.
	Root string
}

func (c *LocalConnector) Connect(_ context.Context, cfg ClientConfig) (Transport, error) {
	if c.Root == "" {
		return nil, fmt.Errorf("local shell root not configured")
	}
	if _, err := os.Stat(c.Root); err != nil {
		return nil, fmt.Errorf("local shell root: %w", err)
	}
	shell := c.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	return &localTransport{shell: shell, root: c.Root}, nil
}

type localTransport struct {
	shell string
	root  string
}

func (t *localTransport) Shell(term string, cols, rows int) (ShellStream, error) {
	cmd := exec.Command(t.shell)
	cmd.Dir = t.root
	cmd.Env = append(os.Environ(), "TERM="+term)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	return &localShell{cmd: cmd, ptmx: ptmx}, nil
}

func (t *localTransport) StartExec(command string) (ExecStream, error) {
	cmd := exec.Command(t.shell, "-c", command)
	cmd.Dir = t.root

	e := &localExec{cmd: cmd, done: make(chan struct{})}
	cmd.Stdout = &e.stdout
	cmd.Stderr = &e.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	go e.run()
	return e, nil
}

func (t *localTransport) Upload(path string, data []byte, mode os.FileMode) error {
	abs, err := fileutil.ResolveUnderRoot(t.root, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	return os.WriteFile(abs, data, mode)
}

func (t *localTransport) Download(path string) ([]byte, error) {
	abs, err := fileutil.ResolveUnderRoot(t.root, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

func (t *localTransport) Close() error { return nil }

type localShell struct {
	cmd  *exec.Cmd
	ptmx *os.File

	closeOnce sync.Once
}

func (s *localShell) Read(p []byte) (int, error)  { return s.ptmx.Read(p) }
func (s *localShell) Write(p []byte) (int, error) { return s.ptmx.Write(p) }

func (s *localShell) Resize(cols, rows int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
}

func (s *localShell) Close() error {
	s.closeOnce.Do(func() {
		s.ptmx.Close()
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
			s.cmd.Wait()
		}
	})
	return nil
}

type localExec struct {
	cmd       *exec.Cmd
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	destroyed atomic.Bool

	done chan struct{}
	res  ExecResult
}

func (e *localExec) run() {
	err := e.cmd.Wait()

	res := ExecResult{}
	switch {
	case err == nil:
		res.Code = intPtr(0)
	case e.destroyed.Load():
		// Killed locally, report no exit status.
	default:
		if exitErr, ok := err.(*exec.ExitError); ok {
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				res.Signal = ws.Signal().String()
			} else {
				res.Code = intPtr(exitErr.ExitCode())
			}
		} else {
			res.Code = intPtr(1)
			res.Stderr = err.Error()
		}
	}

	res.Stdout = e.stdout.String()
	if res.Stderr == "" {
		res.Stderr = e.stderr.String()
	}

	e.res = res
	close(e.done)
}

func (e *localExec) Wait() ExecResult {
	<-e.done
	return e.res
}

func (e *localExec) Destroy() {
	e.destroyed.Store(true)
	if e.cmd.Process != nil {
		e.cmd.Process.Kill()
	}
}
