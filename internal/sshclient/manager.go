package sshclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// LoginPayload is the credential set sent as the connection's first
// frame.
type LoginPayload struct {
	Type     string `json:"type"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Term     string `json:"term,omitempty"`
}

// Manager owns at most one facade connection at a time. Connect is
// idempotent: while a connection is live, further calls return it
// instead of opening a second socket. The zero value is not usable,
// construct with NewManager.
type Manager struct {
	opts  Options
	store *LoginStore
	log   zerolog.Logger

	mu   sync.Mutex
	conn *Conn
}

// NewManager builds a Manager. store may be nil to disable credential
// persistence.
func NewManager(opts Options, store *LoginStore, log zerolog.Logger) *Manager {
	return &Manager{opts: opts.withDefaults(), store: store, log: log}
}

// Connect dials the gateway, sends the login payload as the first
// frame and returns the live connection. If one is already active it
// is returned unchanged and no frame is sent.
func (m *Manager) Connect(ctx context.Context, url string, login LoginPayload, cbs Callbacks) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil && m.conn.IsConnected() {
		return m.conn, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: m.opts.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	conn := newConn(ws, m.opts, cbs, m.log)

	login.Type = "ssh-login"
	if login.Port == 0 {
		login.Port = 22
	}
	if err := conn.SendJSON(login); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send login: %w", err)
	}

	if m.store != nil {
		if err := m.store.Save(login); err != nil {
			m.log.Warn().Err(err).Msg("persisting login payload failed")
		}
	}

	m.conn = conn
	return conn, nil
}

// Active returns the live connection, or nil when there is none.
func (m *Manager) Active() *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil && m.conn.IsConnected() {
		return m.conn
	}
	return nil
}

// Disconnect closes the current connection, if any. Idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
