package bridge

// In-process SSH server used by the transport tests. It accepts one
// password, echoes shell input back, runs exec requests against a
// scripted command table and serves the real filesystem over SFTP.

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "alice"
	testPassword = "secret"
)

type execOutcome struct {
	stdout   string
	stderr   string
	code     int
	noStatus bool // close the channel without reporting an exit status
	hang     bool // block until the client tears the channel down
}

type testSSHServer struct {
	ln       net.Listener
	hostKey  ssh.PublicKey
	commands map[string]execOutcome
}

func startTestSSHServer(t *testing.T, commands map[string]execOutcome) *testSSHServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("access denied for %q", meta.User())
		},
	}
	config.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	s := &testSSHServer{ln: ln, hostKey: signer.PublicKey(), commands: commands}
	go s.acceptLoop(config)
	return s
}

func (s *testSSHServer) host() string {
	return "127.0.0.1"
}

func (s *testSSHServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *testSSHServer) acceptLoop(config *ssh.ServerConfig) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn, config)
	}
}

func (s *testSSHServer) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *testSSHServer) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req":
			req.Reply(true, nil)
		case "shell":
			req.Reply(true, nil)
			go func() {
				// Echo everything the client types.
				io.Copy(ch, ch)
				ch.Close()
			}()
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			req.Reply(true, nil)
			go s.runExec(ch, payload.Command)
		case "subsystem":
			var payload struct{ Name string }
			ssh.Unmarshal(req.Payload, &payload)
			if payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			go func() {
				srv, err := sftp.NewServer(ch)
				if err == nil {
					srv.Serve()
				}
				ch.Close()
			}()
		case "window-change":
			// No reply wanted.
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (s *testSSHServer) runExec(ch ssh.Channel, command string) {
	defer ch.Close()

	out, ok := s.commands[strings.TrimSpace(command)]
	if !ok {
		out = execOutcome{stderr: "command not found\n", code: 127}
	}

	if out.hang {
		// Wait for the client to tear the channel down.
		io.Copy(io.Discard, ch)
		return
	}

	io.WriteString(ch, out.stdout)
	ch.Stderr().Write([]byte(out.stderr))

	if !out.noStatus {
		status := struct{ Status uint32 }{uint32(out.code)}
		ch.SendRequest("exit-status", false, ssh.Marshal(&status))
	}
}
