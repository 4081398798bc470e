package bridge

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sender delivers frames back to the browser client that owns the
// session. Implementations must be safe for concurrent use.
type Sender interface {
	SendBinary(p []byte) error
	SendControl(v any) error
}

// controlMessage is the shape of lifecycle notifications emitted by the
// session itself (connection up, connection lost, input queued).
type controlMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Session binds one browser connection to at most one Transport. All
// methods are safe for concurrent use; the gateway calls them from the
// socket read loop and from per-operation goroutines.
type Session struct {
	id     string
	sender Sender
	log    zerolog.Logger

	mu         sync.Mutex
	transport  Transport
	shell      ShellStream
	inputQueue [][]byte
	exec       ExecStream
	loginGen   uint64
	closed     bool
}

func NewSession(id string, sender Sender, log zerolog.Logger) *Session {
	return &Session{
		id:     id,
		sender: sender,
		log:    log.With().Str("session", id).Logger(),
	}
}

func (s *Session) ID() string { return s.id }

// Connected reports whether a transport is currently attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil && !s.closed
}

// Login establishes a transport and opens the interactive shell. A
// repeat login replaces whatever connection the session held before;
// the most recent login always wins. Intended to run in its own
// goroutine, errors are reported to the client rather than returned.
func (s *Session) Login(ctx context.Context, connector Connector, cfg ClientConfig) {
	// Tear down any previous connection first.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.loginGen++
	gen := s.loginGen
	prevShell, prevExec, prevTransport := s.shell, s.exec, s.transport
	s.shell, s.exec, s.transport = nil, nil, nil
	s.mu.Unlock()
	teardown(prevShell, prevExec, prevTransport)

	transport, err := connector.Connect(ctx, cfg)
	if err != nil {
		s.log.Warn().Err(err).Str("host", cfg.Host).Msg("ssh login failed")
		s.sender.SendControl(controlMessage{Type: "ssh-error", Message: err.Error()})
		return
	}

	s.mu.Lock()
	// A newer login may have started while this one was dialing; it
	// owns the session now, whatever order the dials finish in.
	if s.closed || s.loginGen != gen {
		s.mu.Unlock()
		transport.Close()
		return
	}
	s.transport = transport
	s.mu.Unlock()

	s.log.Info().Str("host", cfg.Host).Str("user", cfg.Username).Msg("ssh connected")
	s.sender.SendControl(controlMessage{Type: "ssh-ready", Message: "SSH connection established"})

	shell, err := transport.Shell(cfg.Term, 80, 24)
	if err != nil {
		s.log.Warn().Err(err).Msg("shell start failed")
		s.sender.SendControl(controlMessage{
			Type:    "ssh-error",
			Message: "shell-failed",
			Detail:  err.Error(),
		})
		s.mu.Lock()
		if s.transport == transport {
			s.transport = nil
		}
		s.mu.Unlock()
		transport.Close()
		return
	}

	s.mu.Lock()
	if s.closed || s.transport != transport {
		s.mu.Unlock()
		shell.Close()
		return
	}
	s.shell = shell
	queued := s.inputQueue
	s.inputQueue = nil
	for _, chunk := range queued {
		shell.Write(chunk)
	}
	s.mu.Unlock()

	go s.relay(transport, shell)
}

// relay pumps shell output to the client until the stream ends, then
// tears the whole connection down.
func (s *Session) relay(transport Transport, shell ShellStream) {
	buf := make([]byte, 4096)
	for {
		n, err := shell.Read(buf)
		if n > 0 {
			if serr := s.sender.SendBinary(buf[:n]); serr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	owned := s.shell == shell && !s.closed
	var exec ExecStream
	if owned {
		s.shell = nil
		s.transport = nil
		exec, s.exec = s.exec, nil
	}
	s.mu.Unlock()

	if !owned {
		return
	}
	teardown(shell, exec, transport)
	s.log.Info().Msg("shell stream closed")
	s.sender.SendControl(controlMessage{Type: "ssh-closed"})
}

// WriteStdin feeds data to the interactive shell. Before the shell is
// up the data is queued and flushed in arrival order once it opens.
func (s *Session) WriteStdin(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transport == nil || s.closed {
		return ErrNoSession
	}
	if s.shell == nil {
		buf := make([]byte, len(data))
		copy(buf, data)
		s.inputQueue = append(s.inputQueue, buf)
		return ErrShellPending
	}
	_, err := s.shell.Write(data)
	return err
}

// Resize adjusts the PTY window. Zero or negative dimensions fall back
// to 80x24. A resize with no shell attached is a no-op.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	s.mu.Lock()
	shell := s.shell
	s.mu.Unlock()

	if shell == nil {
		return nil
	}
	return shell.Resize(cols, rows)
}

// Exec runs one command and blocks until it settles. The session keeps
// a single live exec stream; starting a new command destroys the
// previous one, whose result then carries no exit code.
func (s *Session) Exec(command string) (ExecResult, error) {
	s.mu.Lock()
	if s.transport == nil || s.closed {
		s.mu.Unlock()
		return ExecResult{}, ErrNoSession
	}
	if prev := s.exec; prev != nil {
		prev.Destroy()
		s.exec = nil
	}
	stream, err := s.transport.StartExec(command)
	if err != nil {
		s.mu.Unlock()
		return ExecResult{Code: intPtr(1), Stderr: err.Error()}, nil
	}
	s.exec = stream
	s.mu.Unlock()

	res := stream.Wait()

	s.mu.Lock()
	if s.exec == stream {
		s.exec = nil
	}
	s.mu.Unlock()
	return res, nil
}

// Upload writes a file through the attached transport.
func (s *Session) Upload(path string, data []byte, mode os.FileMode) error {
	s.mu.Lock()
	transport := s.transport
	closed := s.closed
	s.mu.Unlock()

	if transport == nil || closed {
		return ErrNoSession
	}
	return transport.Upload(path, data, mode)
}

// Download reads a file through the attached transport.
func (s *Session) Download(path string) ([]byte, error) {
	s.mu.Lock()
	transport := s.transport
	closed := s.closed
	s.mu.Unlock()

	if transport == nil || closed {
		return nil, ErrNoSession
	}
	return transport.Download(path)
}

// Close releases everything the session holds. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	shell, exec, transport := s.shell, s.exec, s.transport
	s.shell, s.exec, s.transport = nil, nil, nil
	s.inputQueue = nil
	s.mu.Unlock()

	teardown(shell, exec, transport)
}

func teardown(shell ShellStream, exec ExecStream, transport Transport) {
	if exec != nil {
		exec.Destroy()
	}
	if shell != nil {
		shell.Close()
	}
	if transport != nil {
		transport.Close()
	}
}

// Registry tracks live sessions by connection id. When idleTimeout is
// positive a janitor closes sessions that have not seen traffic for
// that long; by default sessions live until their socket goes away.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

type entry struct {
	sess     *Session
	lastSeen time.Time
}

func NewRegistry(idleTimeout time.Duration) *Registry {
	r := &Registry{
		sessions:    make(map[string]*entry),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go r.janitor()
	}
	return r
}

func (r *Registry) Register(id string, s *Session) {
	r.mu.Lock()
	r.sessions[id] = &entry{sess: s, lastSeen: time.Now()}
	r.mu.Unlock()
}

// Touch records activity on a session, deferring idle collection.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	if e, ok := r.sessions[id]; ok {
		e.lastSeen = time.Now()
	}
	r.mu.Unlock()
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops the janitor and closes every remaining session.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.mu.Lock()
	entries := make([]*entry, 0, len(r.sessions))
	for id, e := range r.sessions {
		entries = append(entries, e)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.sess.Close()
	}
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(r.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.idleTimeout)

			r.mu.Lock()
			var stale []*entry
			for id, e := range r.sessions {
				if e.lastSeen.Before(cutoff) {
					stale = append(stale, e)
					delete(r.sessions, id)
				}
			}
			r.mu.Unlock()

			for _, e := range stale {
				e.sess.log.Info().Msg("closing idle session")
				e.sess.Close()
			}
		}
	}
}
