package sshclient

// StreamController drives a long-running command through the
// interactive shell instead of the one-shot exec path, for producers
// like `tail -f` or `top` whose output should flow to OnStdout.
type StreamController struct {
	conn *Conn
}

// StreamExec types the command into the interactive shell and returns
// a controller for it. Output arrives via OnStdout and any registered
// stdout listeners.
func (c *Conn) StreamExec(command string) (*StreamController, error) {
	if err := c.SendBinary([]byte(command + "\n")); err != nil {
		return nil, err
	}
	return &StreamController{conn: c}, nil
}

// Send feeds additional input to the running command.
func (s *StreamController) Send(data string) error {
	return s.conn.SendBinary([]byte(data))
}

// Stop interrupts the command with ETX (Ctrl-C).
func (s *StreamController) Stop() error {
	return s.conn.SendBinary([]byte{0x03})
}
