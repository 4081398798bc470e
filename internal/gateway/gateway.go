// Package gateway terminates browser WebSocket connections and routes
// their frames onto bridge sessions: binary frames are interactive
// shell stdin, JSON frames select one of the control operations.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/slurmdeck/backend/internal/audit"
	"github.com/slurmdeck/backend/internal/bridge"
)

// Options configures a Gateway.
type Options struct {
	// Connector establishes remote SSH transports.
	Connector bridge.Connector

	// Local, when non-nil, serves logins with host "local" from the
	// gateway's own machine. Development aid, nil in production.
	Local bridge.Connector

	// Registry tracks live sessions. Required.
	Registry *bridge.Registry

	// ConnRate caps WebSocket upgrades per second. Zero disables the cap.
	ConnRate float64

	// Term is the PTY terminal type used when the client does not send one.
	Term string

	// MaxTransferBytes caps decoded upload and download sizes. Zero
	// disables the cap.
	MaxTransferBytes int64

	// CheckOrigin overrides the upgrade origin check. Nil allows all
	// origins; cross-origin policy is enforced at the router layer.
	CheckOrigin func(r *http.Request) bool
}

type Gateway struct {
	connector   bridge.Connector
	local       bridge.Connector
	registry    *bridge.Registry
	limiter     *rate.Limiter
	upgrader    websocket.Upgrader
	log         zerolog.Logger
	term        string
	maxTransfer int64
	active      atomic.Int64
}

func New(opts Options, log zerolog.Logger) *Gateway {
	g := &Gateway{
		connector:   opts.Connector,
		local:       opts.Local,
		registry:    opts.Registry,
		log:         log,
		term:        opts.Term,
		maxTransfer: opts.MaxTransferBytes,
	}
	if g.term == "" {
		g.term = "xterm-256color"
	}
	if opts.ConnRate > 0 {
		burst := int(opts.ConnRate)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(opts.ConnRate), burst)
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}
	return g
}

// ActiveConnections reports how many client sockets are currently open.
func (g *Gateway) ActiveConnections() int64 {
	return g.active.Load()
}

// Handle upgrades the request and serves the connection until the
// socket closes. Mounted as a plain chi handler.
func (g *Gateway) Handle(w http.ResponseWriter, r *http.Request) {
	if g.limiter != nil && !g.limiter.Allow() {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	conn := &wsConn{ws: ws}
	sess := bridge.NewSession(id, conn, g.log)
	g.registry.Register(id, sess)

	// The session must not outlive its socket's serving goroutine.
	ctx, cancel := context.WithCancel(context.Background())

	n := g.active.Add(1)
	g.log.Info().Str("session", id).Str("remote", r.RemoteAddr).
		Int64("active", n).Msg("client connected")

	defer func() {
		cancel()
		g.registry.Unregister(id)
		sess.Close()
		ws.Close()
		left := g.active.Add(-1)
		g.log.Info().Str("session", id).Int64("active", left).Msg("client disconnected")
	}()

	g.readLoop(ctx, sess, conn, r)
}

func (g *Gateway) readLoop(ctx context.Context, sess *bridge.Session, conn *wsConn, r *http.Request) {
	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		g.registry.Touch(sess.ID())

		switch mt {
		case websocket.BinaryMessage:
			g.guard(conn, func() { g.stdin(sess, conn, data) })
		case websocket.TextMessage:
			g.dispatch(ctx, sess, conn, data, r)
		}
	}
}

func (g *Gateway) dispatch(ctx context.Context, sess *bridge.Session, conn *wsConn, raw []byte, r *http.Request) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		conn.SendControl(protocolError("invalid-json"))
		return
	}

	switch msg.Type {
	case "ssh-login":
		g.guard(conn, func() { g.login(ctx, sess, conn, msg, r) })
	case "stdin":
		g.guard(conn, func() { g.stdin(sess, conn, []byte(msg.Data)) })
	case "resize":
		g.guard(conn, func() { sess.Resize(msg.Cols, msg.Rows) })
	case "fetch-exec":
		go g.guard(conn, func() { g.exec(sess, conn, msg) })
	case "sftp-upload":
		go g.guard(conn, func() { g.upload(sess, conn, msg) })
	case "sftp-download":
		go g.guard(conn, func() { g.download(sess, conn, msg) })
	default:
		conn.SendControl(protocolError("unknown-message-type"))
	}
}

// guard keeps a panicking handler from tearing the whole socket down.
func (g *Gateway) guard(conn *wsConn, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			g.log.Error().Interface("panic", rec).Msg("handler panicked")
			conn.SendControl(protocolError("internal-server-error"))
		}
	}()
	fn()
}

func (g *Gateway) login(ctx context.Context, sess *bridge.Session, conn *wsConn, msg clientMessage, r *http.Request) {
	if msg.Username == "" || msg.Password == "" || msg.Host == "" {
		conn.SendControl(statusMessage{Type: "ssh-error", Message: "missing-credentials"})
		return
	}

	connector := g.connector
	if msg.Host == "local" && g.local != nil {
		connector = g.local
	}

	port := msg.Port
	if port == 0 {
		port = 22
	}
	term := msg.Term
	if term == "" {
		term = g.term
	}

	audit.Write(audit.Entry{
		SessionID: sess.ID(),
		Action:    "ssh.login",
		Host:      msg.Host,
		User:      msg.Username,
		Status:    audit.StatusPending,
		IP:        r.RemoteAddr,
	})

	go sess.Login(ctx, connector, bridge.ClientConfig{
		Username: msg.Username,
		Password: msg.Password,
		Host:     msg.Host,
		Port:     port,
		Term:     term,
	})
}

func (g *Gateway) stdin(sess *bridge.Session, conn *wsConn, data []byte) {
	switch err := sess.WriteStdin(data); err {
	case nil:
	case bridge.ErrShellPending:
		conn.SendControl(statusMessage{Type: "ssh-info", Message: "input-queued"})
	case bridge.ErrNoSession:
		conn.SendControl(statusMessage{Type: "ssh-error", Message: "no-session"})
	default:
		conn.SendControl(statusMessage{Type: "ssh-error", Message: err.Error()})
	}
}

func (g *Gateway) exec(sess *bridge.Session, conn *wsConn, msg clientMessage) {
	if msg.Data == "" {
		conn.SendControl(execResponse{
			Type: "exec-response", ID: msg.ID,
			Stderr: "missing command", Code: intPtr(1),
		})
		return
	}

	res, err := sess.Exec(msg.Data)
	if err != nil {
		conn.SendControl(execResponse{
			Type: "exec-response", ID: msg.ID,
			Stderr: "no active SSH session", Code: intPtr(1),
		})
		return
	}

	conn.SendControl(execResponse{
		Type:   "exec-response",
		ID:     msg.ID,
		Stdout: res.Stdout,
		Stderr: res.Stderr,
		Code:   res.Code,
		Signal: res.Signal,
	})
}

func (g *Gateway) upload(sess *bridge.Session, conn *wsConn, msg clientMessage) {
	fail := func(reason string) {
		conn.SendControl(uploadResponse{Type: "sftp-upload-response", ID: msg.ID, Error: reason})
	}

	if msg.Path == "" || msg.DataB64 == "" {
		fail("missing-path-or-data")
		return
	}
	data, err := base64.StdEncoding.DecodeString(msg.DataB64)
	if err != nil {
		fail("invalid base64 payload")
		return
	}
	if g.maxTransfer > 0 && int64(len(data)) > g.maxTransfer {
		fail(fmt.Sprintf("file exceeds transfer limit of %d bytes", g.maxTransfer))
		return
	}

	mode := fs.FileMode(msg.Mode)
	if mode == 0 {
		mode = 0o644
	}

	status := audit.StatusSuccess
	if err := sess.Upload(msg.Path, data, mode); err != nil {
		status = audit.StatusFailed
		fail(err.Error())
	} else {
		conn.SendControl(uploadResponse{Type: "sftp-upload-response", ID: msg.ID, OK: true})
	}

	audit.Write(audit.Entry{
		SessionID: sess.ID(),
		Action:    "sftp.upload",
		Status:    status,
		Detail:    map[string]any{"path": msg.Path, "bytes": len(data)},
	})
}

func (g *Gateway) download(sess *bridge.Session, conn *wsConn, msg clientMessage) {
	fail := func(reason string) {
		conn.SendControl(downloadResponse{Type: "sftp-download-response", ID: msg.ID, Error: reason})
	}

	if msg.Path == "" {
		fail("missing-path")
		return
	}

	data, err := sess.Download(msg.Path)
	if err != nil {
		fail(err.Error())
		audit.Write(audit.Entry{
			SessionID: sess.ID(),
			Action:    "sftp.download",
			Status:    audit.StatusFailed,
			Detail:    map[string]any{"path": msg.Path},
		})
		return
	}
	if g.maxTransfer > 0 && int64(len(data)) > g.maxTransfer {
		fail(fmt.Sprintf("file exceeds transfer limit of %d bytes", g.maxTransfer))
		return
	}

	conn.SendControl(downloadResponse{
		Type:    "sftp-download-response",
		ID:      msg.ID,
		OK:      true,
		DataB64: base64.StdEncoding.EncodeToString(data),
	})
	audit.Write(audit.Entry{
		SessionID: sess.ID(),
		Action:    "sftp.download",
		Status:    audit.StatusSuccess,
		Detail:    map[string]any{"path": msg.Path, "bytes": len(data)},
	})
}

// wsConn serializes writes to one WebSocket. gorilla/websocket allows
// only a single concurrent writer, and the shell relay, exec handlers
// and read loop all send frames.
type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) SendBinary(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *wsConn) SendControl(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

var _ bridge.Sender = (*wsConn)(nil)

func intPtr(v int) *int { return &v }
