// Package bridge relays a single browser connection onto a remote (or
// local) shell. A Session owns at most one Transport at a time; the
// Transport abstracts where the shell, exec and file operations actually
// run so the gateway never touches SSH directly.
package bridge

import (
	"context"
	"errors"
	"io"
	"os"
)

var (
	// ErrNoSession is returned by Session operations that require an
	// established transport when none is attached.
	ErrNoSession = errors.New("no active SSH session")

	// ErrShellPending is returned by WriteStdin when the transport is
	// connected but the interactive shell has not been opened yet. The
	// input has been queued and will be flushed once the shell is up.
	ErrShellPending = errors.New("shell not ready, input queued")
)

// ClientConfig carries the credentials and target for one login attempt.
type ClientConfig struct {
	Username string
	Password string
	Host     string
	Port     int
	Term     string
}

// ShellStream is an interactive shell attached to a PTY. Reads return
// terminal output, writes feed the terminal's stdin.
type ShellStream interface {
	io.ReadWriteCloser

	// Resize changes the PTY window size.
	Resize(cols, rows int) error
}

// ExecResult is the outcome of a one-shot command.
//
// Code is nil when the stream closed without reporting an exit status,
// which happens when the command was torn down before completion.
type ExecResult struct {
	Stdout string
	Stderr string
	Code   *int
	Signal string
}

// ExecStream is a running one-shot command. Wait blocks until the
// command finishes (or is destroyed) and returns its result. Destroy
// tears the command down early; a destroyed stream still settles Wait,
// with a nil exit code and whatever output was buffered so far.
type ExecStream interface {
	Wait() ExecResult
	Destroy()
}

// Transport is an established connection capable of hosting a shell,
// one-shot commands and file transfers.
type Transport interface {
	Shell(term string, cols, rows int) (ShellStream, error)
	StartExec(command string) (ExecStream, error)
	Upload(path string, data []byte, mode os.FileMode) error
	Download(path string) ([]byte, error)
	Close() error
}

// Connector establishes a Transport from login credentials.
type Connector interface {
	Connect(ctx context.Context, cfg ClientConfig) (Transport, error)
}

func intPtr(v int) *int { return &v }
