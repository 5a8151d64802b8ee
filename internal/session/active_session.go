package session

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ActiveSession pairs an EndpointState with a live PTY handle on the
// server: a generated stream id, a buffered outbound byte queue, and the
// timestamp of the last flush. PTY is left generic (any) so this
// package does not depend on internal/ptyshell; the server session core
// narrows it to a concrete type.
type ActiveSession struct {
	Endpoint *EndpointState
	StreamID string
	PTY      any

	mu         sync.Mutex
	pending    bytes.Buffer
	lastFlush  time.Time
}

// NewActiveSession creates a session for a freshly accepted connect_req.
func NewActiveSession(sessionID string, pty any) *ActiveSession {
	return &ActiveSession{
		Endpoint:  NewEndpointState(sessionID),
		StreamID:  uuid.NewString(),
		PTY:       pty,
		lastFlush: time.Now(),
	}
}

// AppendOutput buffers PTY output bytes awaiting a flush.
func (s *ActiveSession) AppendOutput(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending.Write(b)
}

// DrainOutput returns and clears the buffered output if it has reached
// maxChunk bytes or flushInterval has elapsed since the last flush,
// updating the last-flush time. Returns ok=false when neither condition holds and
// there is nothing to force out.
func (s *ActiveSession) DrainOutput(maxChunk int, flushInterval time.Duration) (chunk []byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 {
		return nil, false
	}
	due := time.Since(s.lastFlush) >= flushInterval
	if s.pending.Len() < maxChunk && !due {
		return nil, false
	}

	if s.pending.Len() <= maxChunk {
		chunk = append([]byte(nil), s.pending.Bytes()...)
		s.pending.Reset()
	} else {
		b := s.pending.Bytes()
		chunk = append([]byte(nil), b[:maxChunk]...)
		remainder := append([]byte(nil), b[maxChunk:]...)
		s.pending.Reset()
		s.pending.Write(remainder)
	}
	s.lastFlush = time.Now()
	return chunk, true
}

// FlushAll forces out any remaining buffered output regardless of size or
// timing, used when the PTY exits and a final flush must precede
// pty_closed.
func (s *ActiveSession) FlushAll() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), s.pending.Bytes()...)
	s.pending.Reset()
	s.lastFlush = time.Now()
	return out
}
