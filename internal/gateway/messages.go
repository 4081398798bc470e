package gateway

// Wire types for the browser-facing WebSocket protocol. Binary frames
// carry raw shell bytes in both directions; everything else is JSON
// dispatched by the type field.

// clientMessage is the union of all inbound JSON frames.
type clientMessage struct {
	Type string `json:"type"`

	// ssh-login
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Term     string `json:"term,omitempty"`

	// stdin (data = raw input), fetch-exec (data = command text)
	Data string `json:"data,omitempty"`

	// fetch-exec, sftp-upload, sftp-download
	ID string `json:"id,omitempty"`

	// resize
	Cols int `json:"cols,omitempty"`
	Rows int `json:"rows,omitempty"`

	// sftp-upload, sftp-download
	Path    string `json:"path,omitempty"`
	DataB64 string `json:"dataB64,omitempty"`
	Mode    int    `json:"mode,omitempty"`
}

// errorMessage reports a protocol-level problem with the frame itself.
type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func protocolError(reason string) errorMessage {
	return errorMessage{Type: "error", Message: reason}
}

// statusMessage covers the ssh-error / ssh-info notifications the
// gateway emits on its own (the session emits its lifecycle ones).
type statusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// execResponse settles one fetch-exec request. Code is omitted entirely
// when the command stream closed without reporting an exit status.
type execResponse struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
}

type uploadResponse struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type downloadResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	DataB64 string `json:"dataB64,omitempty"`
	Error   string `json:"error,omitempty"`
}
