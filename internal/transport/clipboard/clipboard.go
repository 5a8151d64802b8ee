// Package clipboard implements the single-slot poll-sync transport
// backend (C4): both peers read and write the same shared text slot,
// filtering out anything that doesn't parse as a clipssh/1 frame.
package clipboard

import (
	"sync"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// Slot is the thin external adapter over a real clipboard tool
// (wl-copy/wl-paste, xclip, xsel, pbcopy/pbpaste). It is treated as an
// out-of-scope collaborator per the purpose/scope carve-out; this package
// only depends on its two-method shape.
type Slot interface {
	Read() (string, error)
	Write(text string) error
}

// Config configures the clipboard backend.
type Config struct {
	Slot      Slot
	Name      string // diagnostics label, e.g. "clipboard:wl-clipboard"
	MaxFrames int    // bounded noise-tolerant history of distinct slot reads per poll
}

// Backend implements transport.Backend over a single shared clipboard
// slot. There is no cursor concept; callers rely entirely on msg_id
// deduplication, matching the original clipboard transport's design.
type Backend struct {
	cfg Config

	mu     sync.Mutex
	closed bool
	recent []string // bounded ring of the last cfg.MaxFrames distinct slot texts seen
	outbox []string // encoded frames waiting to be written to the slot
}

// New builds a clipboard Backend.
func New(cfg Config) *Backend {
	if cfg.Name == "" {
		cfg.Name = "clipboard"
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 1
	}
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return b.cfg.Name }

// SnapshotInboundCursor always returns nil: the clipboard transport has no
// cursor, per §4.4.
func (b *Backend) SnapshotInboundCursor() *string { return nil }

// ReadInboundMessages polls the slot once. A slot read that was seen
// within the last cfg.MaxFrames distinct reads, or that does not decode as
// a clipssh/1 message, yields no messages; the target field is not checked
// here — ambient clipboard noise
// is tolerated, not an error. Remembering more than the single prior read
// guards against noise that happens to bounce back to a value already
// delivered, not just the immediately preceding one.
func (b *Backend) ReadInboundMessages(cursor *string) ([]*protocol.Message, *string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, transport.NewError(b.cfg.Name, transport.Closed, "read after close", nil)
	}

	text, err := b.cfg.Slot.Read()
	if err != nil {
		logger.Debug("clipboard read failed, tolerating", "err", err)
		return nil, nil, nil
	}
	if text == "" || b.seenRecentlyLocked(text) {
		return nil, nil, nil
	}
	b.rememberLocked(text)

	m, ok := protocol.Decode(protocol.ClipSSH, text)
	if !ok {
		// Non-protocol clipboard contents: normal, ignored.
		return nil, nil, nil
	}
	return []*protocol.Message{m}, nil, nil
}

func (b *Backend) seenRecentlyLocked(text string) bool {
	for _, t := range b.recent {
		if t == text {
			return true
		}
	}
	return false
}

func (b *Backend) rememberLocked(text string) {
	b.recent = append(b.recent, text)
	if len(b.recent) > b.cfg.MaxFrames {
		b.recent = b.recent[len(b.recent)-b.cfg.MaxFrames:]
	}
}

// FetchInbound is a no-op for clipboard: ReadInboundMessages already polls
// the slot directly, there is no separate local mirror to advance.
func (b *Backend) FetchInbound() error { return nil }

// WriteOutboundMessage encodes the message and enqueues it for the next
// PushOutbound tick.
func (b *Backend) WriteOutboundMessage(m *protocol.Message) (string, error) {
	encoded, err := protocol.Encode(m)
	if err != nil {
		return "", transport.NewError(b.cfg.Name, transport.EncodeOversize, "failed to encode message", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", transport.NewError(b.cfg.Name, transport.Closed, "write after close", nil)
	}
	b.outbox = append(b.outbox, encoded)
	return m.MsgID, nil
}

// PushOutbound overwrites the shared slot with the oldest queued frame.
// Because writes race with the peer's reads, retransmission of
// connect_req/cmd on a retry interval is the session core's
// responsibility, not this transport's.
func (b *Backend) PushOutbound() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.NewError(b.cfg.Name, transport.Closed, "push after close", nil)
	}
	if len(b.outbox) == 0 {
		b.mu.Unlock()
		return nil
	}
	frame := b.outbox[0]
	b.outbox = b.outbox[1:]
	b.mu.Unlock()

	if err := b.cfg.Slot.Write(frame); err != nil {
		return transport.NewError(b.cfg.Name, transport.Unavailable, "clipboard write failed", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.outbox = nil
	return nil
}
