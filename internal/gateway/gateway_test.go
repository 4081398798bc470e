package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/slurmdeck/backend/internal/bridge"
)

// ---- fakes ----

type fakeShell struct {
	mu      sync.Mutex
	written bytes.Buffer
	out     chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeShell() *fakeShell {
	return &fakeShell{out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (s *fakeShell) Read(p []byte) (int, error) {
	select {
	case chunk := <-s.out:
		return copy(p, chunk), nil
	case <-s.closed:
		return 0, io.EOF
	}
}

func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Write(p)
}

func (s *fakeShell) Resize(cols, rows int) error { return nil }

func (s *fakeShell) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeShell) writtenString() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

type fakeExec struct{ res bridge.ExecResult }

func (e *fakeExec) Wait() bridge.ExecResult { return e.res }
func (e *fakeExec) Destroy()                {}

type fakeTransport struct {
	mu        sync.Mutex
	shell     *fakeShell
	shellGate chan struct{}
	execs     map[string]bridge.ExecResult
	files     map[string][]byte
	closed    bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		shell: newFakeShell(),
		execs: make(map[string]bridge.ExecResult),
		files: make(map[string][]byte),
	}
}

func (t *fakeTransport) Shell(term string, cols, rows int) (bridge.ShellStream, error) {
	if t.shellGate != nil {
		<-t.shellGate
	}
	return t.shell, nil
}

func (t *fakeTransport) StartExec(command string) (bridge.ExecStream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	res, ok := t.execs[command]
	if !ok {
		code := 127
		res = bridge.ExecResult{Stderr: "command not found\n", Code: &code}
	}
	return &fakeExec{res: res}, nil
}

func (t *fakeTransport) Upload(path string, data []byte, mode os.FileMode) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.Contains(path, "missing-parent") {
		return errors.New("no such file or directory")
	}
	t.files[path] = data
	return nil
}

func (t *fakeTransport) Download(path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, ok := t.files[path]
	if !ok {
		return nil, errors.New("file does not exist")
	}
	return data, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeConnector struct {
	transport *fakeTransport
	err       error
}

func (c *fakeConnector) Connect(_ context.Context, _ bridge.ClientConfig) (bridge.Transport, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.transport, nil
}

// ---- harness ----

type harness struct {
	t         *testing.T
	gw        *Gateway
	registry  *bridge.Registry
	transport *fakeTransport
	ws        *websocket.Conn
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	transport := newFakeTransport()
	registry := bridge.NewRegistry(0)
	t.Cleanup(registry.Close)

	opts.Registry = registry
	if opts.Connector == nil {
		opts.Connector = &fakeConnector{transport: transport}
	}
	gw := New(opts, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(gw.Handle))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	return &harness{t: t, gw: gw, registry: registry, transport: transport, ws: ws}
}

func (h *harness) send(v any) {
	h.t.Helper()
	if err := h.ws.WriteJSON(v); err != nil {
		h.t.Fatalf("send: %v", err)
	}
}

func (h *harness) sendRaw(data string) {
	h.t.Helper()
	if err := h.ws.WriteMessage(websocket.TextMessage, []byte(data)); err != nil {
		h.t.Fatalf("send raw: %v", err)
	}
}

func (h *harness) sendBinary(data []byte) {
	h.t.Helper()
	if err := h.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		h.t.Fatalf("send binary: %v", err)
	}
}

// readJSON skips binary frames and decodes the next text frame.
func (h *harness) readJSON() map[string]any {
	h.t.Helper()
	h.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := h.ws.ReadMessage()
		if err != nil {
			h.t.Fatalf("read: %v", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			h.t.Fatalf("decode %q: %v", data, err)
		}
		return m
	}
}

// readBinary skips text frames and returns the next binary frame.
func (h *harness) readBinary() []byte {
	h.t.Helper()
	h.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		mt, data, err := h.ws.ReadMessage()
		if err != nil {
			h.t.Fatalf("read: %v", err)
		}
		if mt == websocket.BinaryMessage {
			return data
		}
	}
}

func (h *harness) login() {
	h.t.Helper()
	h.send(map[string]any{
		"type": "ssh-login", "username": "alice", "password": "secret",
		"host": "hpc.example.edu", "port": 22,
	})
	if m := h.readJSON(); m["type"] != "ssh-ready" {
		h.t.Fatalf("expected ssh-ready, got %v", m)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}

// ---- protocol errors ----

func TestGateway_InvalidJSON(t *testing.T) {
	h := newHarness(t, Options{})

	h.sendRaw("{not json")
	m := h.readJSON()
	if m["type"] != "error" || m["message"] != "invalid-json" {
		t.Errorf("unexpected response %v", m)
	}
}

func TestGateway_UnknownMessageType(t *testing.T) {
	h := newHarness(t, Options{})

	h.send(map[string]any{"type": "teleport"})
	m := h.readJSON()
	if m["type"] != "error" || m["message"] != "unknown-message-type" {
		t.Errorf("unexpected response %v", m)
	}
}

// ---- login ----

func TestGateway_LoginMissingCredentials(t *testing.T) {
	h := newHarness(t, Options{})

	// Host is required too; there is no loopback fallback.
	cases := []map[string]any{
		{"type": "ssh-login", "username": "alice", "host": "h"},
		{"type": "ssh-login", "username": "alice", "password": "pw"},
	}
	for _, c := range cases {
		h.send(c)
		m := h.readJSON()
		if m["type"] != "ssh-error" || m["message"] != "missing-credentials" {
			t.Errorf("login %v: unexpected response %v", c, m)
		}
	}
}

func TestGateway_LoginFailure(t *testing.T) {
	h := newHarness(t, Options{Connector: &fakeConnector{err: errors.New("auth failed")}})

	h.send(map[string]any{
		"type": "ssh-login", "username": "alice", "password": "bad", "host": "h",
	})
	m := h.readJSON()
	if m["type"] != "ssh-error" || m["message"] != "auth failed" {
		t.Errorf("unexpected response %v", m)
	}
}

// ---- shell relay ----

func TestGateway_ShellRelay(t *testing.T) {
	h := newHarness(t, Options{})
	h.login()

	h.sendBinary([]byte("sinfo\n"))
	waitFor(t, func() bool { return h.transport.shell.writtenString() == "sinfo\n" })

	h.transport.shell.out <- []byte("PARTITION AVAIL\n")
	if got := h.readBinary(); string(got) != "PARTITION AVAIL\n" {
		t.Errorf("unexpected shell output %q", got)
	}
}

func TestGateway_StdinQueuedBeforeShell(t *testing.T) {
	transport := newFakeTransport()
	transport.shellGate = make(chan struct{})
	h := newHarness(t, Options{Connector: &fakeConnector{transport: transport}})

	h.send(map[string]any{
		"type": "ssh-login", "username": "alice", "password": "secret", "host": "h",
	})
	if m := h.readJSON(); m["type"] != "ssh-ready" {
		t.Fatalf("expected ssh-ready, got %v", m)
	}

	h.send(map[string]any{"type": "stdin", "data": "module load gcc\n"})
	m := h.readJSON()
	if m["type"] != "ssh-info" || m["message"] != "input-queued" {
		t.Fatalf("expected input-queued, got %v", m)
	}

	close(transport.shellGate)
	waitFor(t, func() bool { return transport.shell.writtenString() == "module load gcc\n" })
}

func TestGateway_StdinWithoutSession(t *testing.T) {
	h := newHarness(t, Options{})

	h.sendBinary([]byte("ls\n"))
	m := h.readJSON()
	if m["type"] != "ssh-error" || m["message"] != "no-session" {
		t.Errorf("unexpected response %v", m)
	}
}

// ---- exec ----

func TestGateway_ExecWithoutSession(t *testing.T) {
	h := newHarness(t, Options{})

	h.send(map[string]any{"type": "fetch-exec", "id": "r1", "data": "squeue"})
	m := h.readJSON()
	if m["type"] != "exec-response" || m["id"] != "r1" {
		t.Fatalf("unexpected response %v", m)
	}
	if m["code"] != float64(1) || m["stderr"] != "no active SSH session" {
		t.Errorf("unexpected response %v", m)
	}
}

func TestGateway_ExecSuccess(t *testing.T) {
	h := newHarness(t, Options{})
	code := 0
	h.transport.execs["echo hi"] = bridge.ExecResult{Stdout: "hi\n", Code: &code}
	h.login()

	h.send(map[string]any{"type": "fetch-exec", "id": "x1", "data": "echo hi"})
	m := h.readJSON()
	if m["type"] != "exec-response" || m["id"] != "x1" {
		t.Fatalf("unexpected response %v", m)
	}
	if m["stdout"] != "hi\n" || m["code"] != float64(0) {
		t.Errorf("unexpected response %v", m)
	}
}

func TestGateway_ExecNoCodeOmitted(t *testing.T) {
	h := newHarness(t, Options{})
	h.transport.execs["vanish"] = bridge.ExecResult{Stdout: "partial"}
	h.login()

	h.send(map[string]any{"type": "fetch-exec", "id": "x2", "data": "vanish"})
	m := h.readJSON()
	if _, present := m["code"]; present {
		t.Errorf("code should be omitted, got %v", m)
	}
	if m["stdout"] != "partial" {
		t.Errorf("unexpected response %v", m)
	}
}

func TestGateway_ExecMissingCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.login()

	h.send(map[string]any{"type": "fetch-exec", "id": "x3"})
	m := h.readJSON()
	if m["code"] != float64(1) || m["stderr"] != "missing command" {
		t.Errorf("unexpected response %v", m)
	}
}

// ---- sftp ----

func TestGateway_UploadDownloadRoundTrip(t *testing.T) {
	h := newHarness(t, Options{})
	h.login()

	contents := []byte("#SBATCH --time=01:00:00\n")
	h.send(map[string]any{
		"type": "sftp-upload", "id": "u1",
		"path":    "/home/alice/job.sbatch",
		"dataB64": base64.StdEncoding.EncodeToString(contents),
		"mode":    0o644,
	})
	m := h.readJSON()
	if m["type"] != "sftp-upload-response" || m["id"] != "u1" || m["ok"] != true {
		t.Fatalf("unexpected response %v", m)
	}

	h.send(map[string]any{"type": "sftp-download", "id": "d1", "path": "/home/alice/job.sbatch"})
	m = h.readJSON()
	if m["type"] != "sftp-download-response" || m["ok"] != true {
		t.Fatalf("unexpected response %v", m)
	}
	data, err := base64.StdEncoding.DecodeString(m["dataB64"].(string))
	if err != nil || string(data) != string(contents) {
		t.Errorf("round trip mismatch: %q (%v)", data, err)
	}
}

func TestGateway_UploadErrors(t *testing.T) {
	h := newHarness(t, Options{MaxTransferBytes: 8})
	h.login()

	h.send(map[string]any{"type": "sftp-upload", "id": "u1", "path": "/tmp/x"})
	if m := h.readJSON(); m["ok"] == true || m["error"] != "missing-path-or-data" {
		t.Errorf("unexpected response %v", m)
	}

	h.send(map[string]any{"type": "sftp-upload", "id": "u2", "path": "/tmp/x", "dataB64": "!!!"})
	if m := h.readJSON(); m["error"] != "invalid base64 payload" {
		t.Errorf("unexpected response %v", m)
	}

	big := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("a"), 9))
	h.send(map[string]any{"type": "sftp-upload", "id": "u3", "path": "/tmp/x", "dataB64": big})
	if m := h.readJSON(); m["ok"] == true || !strings.Contains(m["error"].(string), "transfer limit") {
		t.Errorf("unexpected response %v", m)
	}

	payload := base64.StdEncoding.EncodeToString([]byte("x"))
	h.send(map[string]any{"type": "sftp-upload", "id": "u4", "path": "/missing-parent/x", "dataB64": payload})
	m := h.readJSON()
	if m["ok"] == true || m["error"] != "no such file or directory" {
		t.Errorf("unexpected response %v", m)
	}
}

func TestGateway_DownloadErrors(t *testing.T) {
	h := newHarness(t, Options{})
	h.login()

	h.send(map[string]any{"type": "sftp-download", "id": "d1"})
	if m := h.readJSON(); m["error"] != "missing-path" {
		t.Errorf("unexpected response %v", m)
	}

	h.send(map[string]any{"type": "sftp-download", "id": "d2", "path": "/nope"})
	if m := h.readJSON(); m["ok"] == true || m["error"] != "file does not exist" {
		t.Errorf("unexpected response %v", m)
	}
}

// ---- lifecycle ----

func TestGateway_TeardownOnSocketClose(t *testing.T) {
	h := newHarness(t, Options{})
	h.login()

	if h.registry.Count() != 1 {
		t.Fatalf("registry count = %d, want 1", h.registry.Count())
	}

	h.ws.Close()

	waitFor(t, func() bool { return h.registry.Count() == 0 })
	waitFor(t, h.transport.isClosed)
	waitFor(t, func() bool { return h.gw.ActiveConnections() == 0 })
}

func TestGateway_ConnectionRateLimit(t *testing.T) {
	transport := newFakeTransport()
	registry := bridge.NewRegistry(0)
	defer registry.Close()

	gw := New(Options{
		Connector: &fakeConnector{transport: transport},
		Registry:  registry,
		ConnRate:  1,
	}, zerolog.Nop())

	srv := httptest.NewServer(http.HandlerFunc(gw.Handle))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("first dial should pass: %v", err)
	}
	defer ws.Close()

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil {
		t.Error("second immediate dial should be rejected")
	} else if resp != nil && resp.StatusCode != 429 {
		t.Errorf("status = %d, want 429", resp.StatusCode)
	}
}
