// Package protocol implements the typed message model shared by the
// clipssh/1 and gitssh/2 wire protocols: canonical JSON encoding, strict
// decoding, and the per-protocol valid-kind sets.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Name identifies one of the two wire protocols this module speaks.
type Name string

const (
	ClipSSH Name = "clipssh/1"
	GitSSH  Name = "gitssh/2"
)

// WirePrefix returns the literal bytes that must precede the JSON payload
// on the wire for this protocol. gitssh/2 (and every other streaming
// transport) uses an empty prefix; clipssh/1 requires "CLIPSSH/1 ".
func (n Name) WirePrefix() string {
	if n == ClipSSH {
		return "CLIPSSH/1 "
	}
	return ""
}

// validKinds returns the closed kind set for a protocol name.
func (n Name) validKinds() map[string]struct{} {
	switch n {
	case ClipSSH:
		return clipSSHKinds
	case GitSSH:
		return gitSSHKinds
	default:
		return nil
	}
}

var clipSSHKinds = setOf(
	"connect_req", "connect_ack", "cmd", "stdout", "stderr",
	"exit", "heartbeat", "disconnect", "error", "busy",
)

var gitSSHKinds = setOf(
	"connect_req", "connect_ack", "pty_input", "pty_output", "pty_resize",
	"pty_signal", "pty_closed", "disconnect", "error", "busy", "diag_ping",
)

func setOf(items ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

// Endpoint is one of the two fixed peer roles in a session.
type Endpoint string

const (
	Client Endpoint = "client"
	Server Endpoint = "server"
)

func (e Endpoint) valid() bool {
	return e == Client || e == Server
}

// Message is the immutable wire record carried by every transport.
type Message struct {
	Protocol  Name            `json:"protocol"`
	Kind      string          `json:"kind"`
	SessionID string          `json:"session_id"`
	MsgID     string          `json:"msg_id"`
	TS        string          `json:"ts"`
	Source    Endpoint        `json:"source"`
	Target    Endpoint        `json:"target"`
	Seq       int             `json:"seq"`
	Body      json.RawMessage `json:"body"`
}

// InvalidMessageError reports why Build rejected a set of fields.
type InvalidMessageError struct {
	Reason string
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// UTCTimestamp returns the current instant formatted the way the original
// protocol does: ISO-8601 with a literal "Z" in place of "+00:00".
func UTCTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.999999Z")
}

// BuildParams carries the optional/defaulted fields accepted by Build.
type BuildParams struct {
	Protocol  Name
	Kind      string
	SessionID string
	Source    Endpoint
	Target    Endpoint
	Seq       int
	Body      any
	MsgID     string // optional, defaults to a fresh uuid4
	TS        string // optional, defaults to UTCTimestamp()
}

// Build validates and constructs a Message, matching build_message in the
// original protocol module: it assigns defaults for msg_id/ts, validates
// kind against the protocol's closed set, validates UUID shape, and
// requires seq >= 1.
func Build(p BuildParams) (*Message, error) {
	if _, ok := p.Protocol.validKinds()[p.Kind]; !ok {
		return nil, &InvalidMessageError{Reason: fmt.Sprintf("kind %q is not valid for protocol %q", p.Kind, p.Protocol)}
	}
	if !p.Source.valid() || !p.Target.valid() {
		return nil, &InvalidMessageError{Reason: "source/target must each be \"client\" or \"server\""}
	}
	if _, err := uuid.Parse(p.SessionID); err != nil {
		return nil, &InvalidMessageError{Reason: "session_id must be a UUID"}
	}
	if p.Seq < 1 {
		return nil, &InvalidMessageError{Reason: "seq must be >= 1"}
	}

	msgID := p.MsgID
	if msgID == "" {
		msgID = uuid.NewString()
	} else if _, err := uuid.Parse(msgID); err != nil {
		return nil, &InvalidMessageError{Reason: "msg_id must be a UUID"}
	}

	ts := p.TS
	if ts == "" {
		ts = UTCTimestamp()
	}

	body, err := json.Marshal(p.Body)
	if err != nil {
		return nil, &InvalidMessageError{Reason: fmt.Sprintf("body not serializable: %v", err)}
	}

	return &Message{
		Protocol:  p.Protocol,
		Kind:      p.Kind,
		SessionID: p.SessionID,
		MsgID:     msgID,
		TS:        ts,
		Source:    p.Source,
		Target:    p.Target,
		Seq:       p.Seq,
		Body:      body,
	}, nil
}

// Encode serializes a Message as canonical, ASCII-safe, tight-separator
// JSON and prepends the protocol's wire prefix.
func Encode(m *Message) (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	escaped, err := asciiSafe(payload)
	if err != nil {
		return "", err
	}
	return m.Protocol.WirePrefix() + escaped, nil
}

// asciiSafe re-escapes any non-ASCII runes json.Marshal already encoded as
// UTF-8 literal bytes, matching json.dumps(..., ensure_ascii=True).
func asciiSafe(data []byte) (string, error) {
	var buf []byte
	for _, r := range string(data) {
		if r < 0x80 {
			buf = append(buf, byte(r))
			continue
		}
		escaped, err := json.Marshal(string(r))
		if err != nil {
			return "", err
		}
		// escaped is `"\uXXXX"`; strip the surrounding quotes.
		buf = append(buf, escaped[1:len(escaped)-1]...)
	}
	return string(buf), nil
}

// Decode is total and non-throwing: any malformed input yields (nil, false)
// rather than an error, so lossy transports can discard ambient noise
// without exception-handling ceremony.
func Decode(protocol Name, text string) (*Message, bool) {
	prefix := protocol.WirePrefix()
	if text == "" || len(text) < len(prefix) || text[:len(prefix)] != prefix {
		return nil, false
	}
	raw := text[len(prefix):]

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, false
	}

	required := []string{"protocol", "kind", "session_id", "msg_id", "ts", "source", "target", "seq", "body"}
	for _, key := range required {
		if _, ok := fields[key]; !ok {
			return nil, false
		}
	}

	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, false
	}

	if m.Protocol != protocol {
		return nil, false
	}
	if _, ok := protocol.validKinds()[m.Kind]; !ok {
		return nil, false
	}
	if !m.Source.valid() || !m.Target.valid() {
		return nil, false
	}
	if _, err := uuid.Parse(m.SessionID); err != nil {
		return nil, false
	}
	if _, err := uuid.Parse(m.MsgID); err != nil {
		return nil, false
	}
	if m.Seq < 1 {
		return nil, false
	}
	var ts string
	if err := json.Unmarshal(fields["ts"], &ts); err != nil {
		return nil, false
	}

	return &m, true
}

// DecodeBody unmarshals the message body into v, mirroring how each
// session-core handler narrows the generic body to a kind-specific shape.
func DecodeBody(m *Message, v any) error {
	return json.Unmarshal(m.Body, v)
}
