package sshclient

import (
	"encoding/base64"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type execFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data string `json:"data"`
}

type uploadFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Path    string `json:"path"`
	DataB64 string `json:"dataB64"`
	Mode    int    `json:"mode,omitempty"`
}

type downloadFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Path string `json:"path"`
}

// Exec runs one command over the shared connection and returns its
// stdout. At most MaxParallelExec commands are in flight; extras wait
// in a FIFO queue and dispatch as slots free up. The timeout clock
// starts at dispatch, not at enqueue.
func (c *Conn) Exec(command string) (string, error) {
	return c.ExecWithTimeout(command, c.opts.ExecTimeout)
}

func (c *Conn) ExecWithTimeout(command string, timeout time.Duration) (string, error) {
	// The leading space keeps shells with HISTCONTROL=ignorespace from
	// recording panel-generated traffic in the user's history.
	command = " " + strings.TrimSpace(command)
	if timeout <= 0 {
		timeout = c.opts.ExecTimeout
	}

	p := &pendingRequest{kind: kindExec, ch: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	if c.running < c.opts.MaxParallelExec {
		c.dispatchLocked(command, timeout, p)
	} else {
		c.queue = append(c.queue, &queuedExec{command: command, timeout: timeout, p: p})
	}
	c.mu.Unlock()

	out := <-p.ch
	return out.value, out.err
}

// dispatchLocked registers the pending request, starts its timer and
// sends the frame. Caller holds c.mu.
func (c *Conn) dispatchLocked(command string, timeout time.Duration, p *pendingRequest) {
	id := uuid.NewString()
	c.pending[id] = p
	c.running++
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, "", ErrExecTimeout)
	})

	// The write happens off the lock; the request is already
	// registered, so a fast response cannot be lost.
	go func() {
		if err := c.writeJSON(execFrame{Type: "fetch-exec", ID: id, Data: command}); err != nil {
			c.settle(id, "", err)
		}
	}()
}

// drainQueueLocked dispatches queued commands into freed slots, oldest
// first. Caller holds c.mu.
func (c *Conn) drainQueueLocked() {
	for !c.closed && c.running < c.opts.MaxParallelExec && len(c.queue) > 0 {
		q := c.queue[0]
		c.queue = c.queue[1:]
		c.dispatchLocked(q.command, q.timeout, q.p)
	}
}

// Upload writes data to path on the session's remote host. Transfers
// bypass the exec concurrency cap; they ride their own SFTP channel
// server-side.
func (c *Conn) Upload(path string, data []byte, mode os.FileMode) error {
	_, err := c.roundTrip(kindTransfer, c.opts.TransferTimeout, ErrTransferTimeout, func(id string) any {
		return uploadFrame{
			Type:    "sftp-upload",
			ID:      id,
			Path:    path,
			DataB64: base64.StdEncoding.EncodeToString(data),
			Mode:    int(mode),
		}
	})
	return err
}

// Download reads the full contents of path from the session's remote host.
func (c *Conn) Download(path string) ([]byte, error) {
	encoded, err := c.roundTrip(kindTransfer, c.opts.TransferTimeout, ErrTransferTimeout, func(id string) any {
		return downloadFrame{Type: "sftp-download", ID: id, Path: path}
	})
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (c *Conn) roundTrip(kind pendingKind, timeout time.Duration, timeoutErr error, build func(id string) any) (string, error) {
	p := &pendingRequest{kind: kind, ch: make(chan outcome, 1)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrNotConnected
	}
	id := uuid.NewString()
	c.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() {
		c.settle(id, "", timeoutErr)
	})
	c.mu.Unlock()

	if err := c.writeJSON(build(id)); err != nil {
		c.settle(id, "", err)
	}

	out := <-p.ch
	return out.value, out.err
}
