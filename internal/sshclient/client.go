// Package sshclient is the Go-side facade for the session gateway. It
// speaks the same WebSocket protocol as the browser terminal: binary
// frames are live shell traffic, JSON frames carry one-shot commands
// and file transfers correlated by request id.
package sshclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrNotConnected is returned by calls made while no connection is live.
	ErrNotConnected = errors.New("ssh connection not established")

	// ErrExecTimeout rejects a command whose response never arrived.
	// The remote process is not killed, only the local wait gives up.
	ErrExecTimeout = errors.New("command timed out")

	// ErrTransferTimeout rejects a file transfer whose response never arrived.
	ErrTransferTimeout = errors.New("file transfer timed out")
)

// ControlMessage is a lifecycle notification from the gateway.
type ControlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Callbacks receive asynchronous events. All of them are optional and
// are invoked from the connection's read goroutine, so they must not
// block.
type Callbacks struct {
	OnReady  func(ControlMessage)
	OnError  func(ControlMessage)
	OnClose  func(ControlMessage)
	OnStdout func(string)
}

// Options tunes one connection. Zero values take the defaults below.
type Options struct {
	// MaxParallelExec caps commands in flight; extras queue FIFO. Default 2.
	MaxParallelExec int

	// ExecTimeout bounds each dispatched command. Default 5s.
	ExecTimeout time.Duration

	// TransferTimeout bounds each file transfer. Default 60s.
	TransferTimeout time.Duration

	// PipeOKCode is an exit code treated as success. Default 141,
	// SIGPIPE from intentionally truncated pipelines (head, tail).
	PipeOKCode int

	// HandshakeTimeout bounds the WebSocket dial. Default 10s.
	HandshakeTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxParallelExec <= 0 {
		o.MaxParallelExec = 2
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 5 * time.Second
	}
	if o.TransferTimeout <= 0 {
		o.TransferTimeout = 60 * time.Second
	}
	if o.PipeOKCode == 0 {
		o.PipeOKCode = 141
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	return o
}

// serverMessage is the union of all JSON frames the gateway emits.
type serverMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
	ID      string `json:"id"`
	Stdout  string `json:"stdout"`
	Stderr  string `json:"stderr"`
	Code    *int   `json:"code"`
	Signal  string `json:"signal"`
	OK      bool   `json:"ok"`
	DataB64 string `json:"dataB64"`
	Error   string `json:"error"`
}

type pendingKind int

const (
	kindExec pendingKind = iota
	kindTransfer
)

type pendingRequest struct {
	kind  pendingKind
	ch    chan outcome
	timer *time.Timer
}

type outcome struct {
	value string
	err   error
}

type queuedExec struct {
	command string
	timeout time.Duration
	p       *pendingRequest
}

// Conn is one live facade connection. Safe for concurrent use.
type Conn struct {
	ws   *websocket.Conn
	opts Options
	cbs  Callbacks
	log  zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingRequest
	queue   []*queuedExec
	running int
	closed  bool

	listenerMu   sync.Mutex
	listeners    map[int]func(string)
	nextListener int
}

func newConn(ws *websocket.Conn, opts Options, cbs Callbacks, log zerolog.Logger) *Conn {
	c := &Conn{
		ws:        ws,
		opts:      opts.withDefaults(),
		cbs:       cbs,
		log:       log,
		pending:   make(map[string]*pendingRequest),
		listeners: make(map[int]func(string)),
	}
	go c.readLoop()
	return c
}

// IsConnected reports whether the underlying socket is still open. A
// closing or closed connection never reports connected.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// SendBinary writes one raw frame of shell stdin.
func (c *Conn) SendBinary(p []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

// SendJSON writes one control frame.
func (c *Conn) SendJSON(v any) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.writeJSON(v)
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(v)
}

// AddStdoutListener registers an extra consumer of shell output beyond
// the OnStdout callback. The returned function removes it.
func (c *Conn) AddStdoutListener(fn func(string)) func() {
	c.listenerMu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Conn) emitStdout(text string) {
	if c.cbs.OnStdout != nil {
		c.cbs.OnStdout(text)
	}
	c.listenerMu.Lock()
	fns := make([]func(string), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()
	for _, fn := range fns {
		fn(text)
	}
}

// Close tears the connection down and rejects everything in flight.
// Idempotent.
func (c *Conn) Close() {
	c.teardown()
}

func (c *Conn) readLoop() {
	defer c.teardown()

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if mt == websocket.BinaryMessage {
			c.emitStdout(string(data))
			continue
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Not a control frame, treat it as shell output.
			c.emitStdout(string(data))
			continue
		}

		switch msg.Type {
		case "ssh-ready":
			if c.cbs.OnReady != nil {
				c.cbs.OnReady(control(msg))
			}
		case "ssh-error":
			if c.cbs.OnError != nil {
				c.cbs.OnError(control(msg))
			}
		case "ssh-closed":
			if c.cbs.OnClose != nil {
				c.cbs.OnClose(control(msg))
			}
		case "exec-response":
			c.handleExecResponse(msg)
		case "sftp-upload-response":
			if msg.OK {
				c.settle(msg.ID, "", nil)
			} else {
				c.settle(msg.ID, "", errors.New(msg.Error))
			}
		case "sftp-download-response":
			if msg.OK {
				c.settle(msg.ID, msg.DataB64, nil)
			} else {
				c.settle(msg.ID, "", errors.New(msg.Error))
			}
		default:
			c.emitStdout(string(data))
		}
	}
}

func control(msg serverMessage) ControlMessage {
	return ControlMessage{Type: msg.Type, Message: msg.Message, Detail: msg.Detail}
}

// handleExecResponse applies the exit code policy: no code means the
// stream closed cleanly, zero and the SIGPIPE sentinel are successes,
// anything else rejects with stderr as the message.
func (c *Conn) handleExecResponse(msg serverMessage) {
	if msg.Code == nil || *msg.Code == 0 || *msg.Code == c.opts.PipeOKCode {
		c.settle(msg.ID, msg.Stdout, nil)
		return
	}
	reason := strings.TrimSpace(msg.Stderr)
	if reason == "" {
		reason = fmt.Sprintf("command exited with code %d", *msg.Code)
	}
	c.settle(msg.ID, "", errors.New(reason))
}

// settle resolves or rejects one pending request. Settling the same id
// twice is a no-op, so a timeout racing a late response is harmless.
func (c *Conn) settle(id, value string, err error) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	if p.kind == kindExec {
		c.running--
		c.drainQueueLocked()
	}
	c.mu.Unlock()

	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- outcome{value: value, err: err}
}

func (c *Conn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pend := c.pending
	c.pending = make(map[string]*pendingRequest)
	queued := c.queue
	c.queue = nil
	c.running = 0
	c.mu.Unlock()

	c.ws.Close()

	for _, p := range pend {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- outcome{err: fmt.Errorf("connection closed before response")}
	}
	for _, q := range queued {
		q.p.ch <- outcome{err: fmt.Errorf("connection closed before dispatch")}
	}

	if c.cbs.OnClose != nil {
		c.cbs.OnClose(ControlMessage{Type: "connection-closed"})
	}
}
