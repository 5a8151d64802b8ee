// Package transport defines the uniform capability every side-channel
// backend (clipboard, git, drive, serial, audio-modem) implements, plus
// the shared TransportError taxonomy.
package transport

import (
	"fmt"

	"github.com/sidechannel-ssh/gitssh/internal/protocol"
)

// ErrorKind enumerates the TransportError variants from the error
// handling design.
type ErrorKind int

const (
	// Unavailable means the medium or peer is absent (tool missing,
	// binary missing, port missing).
	Unavailable ErrorKind = iota
	// EncodeOversize means a payload exceeded the transport's frame limit.
	EncodeOversize
	// PeerTimeout means ARQ retries were exhausted or a handshake deadline
	// elapsed.
	PeerTimeout
	// IntegrityFailure means repeated CRC failures on a given seq after
	// all retries; surfaced indirectly as PeerTimeout by ARQ transports.
	IntegrityFailure
	// Closed means an operation was attempted after Close().
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case Unavailable:
		return "Unavailable"
	case EncodeOversize:
		return "EncodeOversize"
	case PeerTimeout:
		return "PeerTimeout"
	case IntegrityFailure:
		return "IntegrityFailure"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error is the concrete TransportError type returned by every backend.
type Error struct {
	Kind    ErrorKind
	Backend string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s transport: %s: %s: %v", e.Backend, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s transport: %s: %s", e.Backend, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, &transport.Error{Kind: X}) style matching on
// kind alone.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

// NewError builds a transport Error.
func NewError(backend string, kind ErrorKind, message string, cause error) *Error {
	return &Error{Backend: backend, Kind: kind, Message: message, Cause: cause}
}

// Backend is the uniform contract every side-channel implements. The
// session core and background sync workers (internal/syncworker) depend
// only on this interface, never on a concrete transport type.
type Backend interface {
	// Name returns a diagnostics-only identifier.
	Name() string

	// SnapshotInboundCursor returns an opaque position marker used by
	// clients to skip history at connect time. A nil cursor means "start
	// of history".
	SnapshotInboundCursor() *string

	// ReadInboundMessages returns every message observed since cursor and
	// the new cursor to resume from. It never blocks longer than a bounded
	// poll slice and never re-returns an already-returned message.
	ReadInboundMessages(cursor *string) ([]*protocol.Message, *string, error)

	// FetchInbound advances the local view of the medium (git fetch,
	// drive download). Backends that read the medium directly in
	// ReadInboundMessages or in a reader goroutine (clipboard, serial,
	// audio) implement it as a no-op.
	FetchInbound() error

	// WriteOutboundMessage enqueues a message for delivery and returns its
	// msg_id. It may return a transport Error for an unusable medium,
	// oversized payload, or local resource exhaustion.
	WriteOutboundMessage(m *protocol.Message) (string, error)

	// PushOutbound attempts to flush enqueued frames to the medium. It may
	// return a transport Error after exhausting retries.
	PushOutbound() error

	// Close releases all resources. Idempotent.
	Close() error
}
