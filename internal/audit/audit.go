// Package audit provides a unified helper for writing operation audit
// records. Records go to the structured log under a fixed marker so
// they can be filtered out of the regular application stream.
package audit

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
// Using a named struct avoids the swap-bug risk of consecutive string parameters.
type Entry struct {
	// SessionID identifies the client connection the action belongs to.
	SessionID string
	// Action is a dot-namespaced verb, e.g. "ssh.login", "sftp.upload".
	Action string
	// Host is the SSH target of the session, when one is involved.
	Host string
	// User is the SSH username supplied by the client. Never log the password.
	User string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's source IP address (from RealIP / trusted proxy headers).
	IP string
	// Detail holds optional structured context (error message, file path, etc.).
	Detail map[string]any
}

// Write emits one audit record. Errors never surface — an audit failure
// must not break the calling operation.
func Write(entry Entry) {
	if !validStatuses[entry.Status] {
		log.Warn().Str("status", entry.Status).Str("action", entry.Action).
			Msg("audit: invalid status, skipping")
		return
	}

	ev := log.Info().
		Str("audit", entry.Action).
		Str("status", entry.Status)
	if entry.SessionID != "" {
		ev = ev.Str("session", entry.SessionID)
	}
	if entry.Host != "" {
		ev = ev.Str("host", entry.Host)
	}
	if entry.User != "" {
		ev = ev.Str("user", entry.User)
	}
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if len(entry.Detail) > 0 {
		ev = ev.Dict("detail", detailDict(entry.Detail))
	}
	ev.Msg("audit event")
}

func detailDict(detail map[string]any) *zerolog.Event {
	d := zerolog.Dict()
	for k, v := range detail {
		d = d.Interface(k, v)
	}
	return d
}
