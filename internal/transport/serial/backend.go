package serial

import (
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// Port is the duck-typed transport dependency: a full-duplex byte stream.
// *serial.Port from github.com/tarm/serial, a socketpair fd, or a
// net.Conn all satisfy it.
type Port interface {
	io.ReadWriteCloser
}

// Config configures the serial ARQ backend. Defaults mirror the original
// reference implementation's constants.
type Config struct {
	Port Port
	Name string

	FrameMaxBytes int           // default 65536
	AckTimeout    time.Duration // default 150ms
	MaxRetries    int           // default 20
	SeenSeqWindow int           // default 4096
}

func (c *Config) applyDefaults() {
	if c.FrameMaxBytes <= 0 {
		c.FrameMaxBytes = 65536
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 150 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 20
	}
	if c.SeenSeqWindow <= 0 {
		c.SeenSeqWindow = 4096
	}
	if c.Name == "" {
		c.Name = "usb-serial"
	}
}

type pendingFrame struct {
	seq         uint32
	frame       []byte
	attempts    int
	nextRetryAt time.Time
}

// Backend implements transport.Backend over a framed ARQ protocol on a
// full-duplex byte stream. A dedicated reader goroutine continuously
// drains the port (the idiomatic Go replacement for the original's
// single-threaded non-blocking-fd/select loop); PushOutbound drives
// writes and retransmission from the caller's goroutine.
type Backend struct {
	cfg Config

	mu         sync.Mutex
	closed     bool
	nextOutSeq uint32
	pending    map[uint32]*pendingFrame
	ackQueue   [][]byte
	incoming   []*protocol.Message
	cursor     int

	seenOrder []uint32
	seenSet   map[uint32]struct{}

	rxBuf []byte

	readErr chan error
}

// New builds a Backend and starts its background reader goroutine.
func New(cfg Config) *Backend {
	cfg.applyDefaults()
	b := &Backend{
		cfg:     cfg,
		pending: make(map[uint32]*pendingFrame),
		seenSet: make(map[uint32]struct{}),
		readErr: make(chan error, 1),
	}
	go b.readLoop()
	return b
}

func (b *Backend) Name() string { return "usb-serial:" + b.cfg.Name }

func (b *Backend) readLoop() {
	buf := make([]byte, 4096)
	for {
		n, err := b.cfg.Port.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.rxBuf = append(b.rxBuf, buf[:n]...)
			b.parseLocked()
			b.mu.Unlock()
		}
		if err != nil {
			if !b.isClosed() {
				logger.Debug("serial read loop exiting", "backend", b.cfg.Name, "err", err)
			}
			return
		}
	}
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// parseLocked must be called with mu held.
func (b *Backend) parseLocked() {
	frames, remainder := parseFrames(b.rxBuf, b.cfg.FrameMaxBytes)
	b.rxBuf = remainder

	for _, f := range frames {
		switch f.frameType {
		case typeAck:
			delete(b.pending, f.seq)
		case typeData:
			b.ackQueue = append(b.ackQueue, buildFrame(typeAck, f.seq, nil))
			if b.markSeenLocked(f.seq) {
				continue // duplicate: ack already queued, don't redeliver
			}
			m, ok := protocol.Decode(protocol.GitSSH, string(f.payload))
			if !ok {
				continue
			}
			b.incoming = append(b.incoming, m)
		}
	}
}

// markSeenLocked returns true if seq was already seen.
func (b *Backend) markSeenLocked(seq uint32) bool {
	if _, ok := b.seenSet[seq]; ok {
		return true
	}
	b.seenSet[seq] = struct{}{}
	b.seenOrder = append(b.seenOrder, seq)
	if len(b.seenOrder) > b.cfg.SeenSeqWindow {
		evict := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seenSet, evict)
	}
	return false
}

func (b *Backend) SnapshotInboundCursor() *string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strconv.Itoa(b.cursor)
	return &s
}

func (b *Backend) ReadInboundMessages(cursor *string) ([]*protocol.Message, *string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.incoming
	b.incoming = nil
	b.cursor += len(msgs)
	s := strconv.Itoa(b.cursor)
	return msgs, &s, nil
}

// FetchInbound is a no-op: the background reader goroutine continuously
// advances the local view of the medium.
func (b *Backend) FetchInbound() error { return nil }

func (b *Backend) WriteOutboundMessage(m *protocol.Message) (string, error) {
	encoded, err := protocol.Encode(m)
	if err != nil {
		return "", transport.NewError(b.Name(), transport.EncodeOversize, "encode failed", err)
	}
	payload := []byte(encoded)
	if len(payload) > b.cfg.FrameMaxBytes {
		return "", transport.NewError(b.Name(), transport.EncodeOversize, "payload exceeds frame_max_bytes", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", transport.NewError(b.Name(), transport.Closed, "write after close", nil)
	}
	b.nextOutSeq++
	seq := b.nextOutSeq
	b.pending[seq] = &pendingFrame{seq: seq, frame: buildFrame(typeData, seq, payload)}
	return m.MsgID, nil
}

// PushOutbound flushes queued ACKs (priority) and any pending/due DATA
// frames, advancing each due frame's retry schedule. Frames that exceed
// max_retries fail the whole push with a PeerTimeout error.
func (b *Backend) PushOutbound() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.NewError(b.Name(), transport.Closed, "push after close", nil)
	}

	toSend := make([][]byte, 0, len(b.ackQueue)+len(b.pending))
	toSend = append(toSend, b.ackQueue...)
	b.ackQueue = nil

	now := time.Now()
	var failErr error
	for _, p := range b.pending {
		if now.Before(p.nextRetryAt) {
			continue
		}
		if !p.nextRetryAt.IsZero() {
			p.attempts++
			if p.attempts > b.cfg.MaxRetries {
				failErr = transport.NewError(b.Name(), transport.PeerTimeout,
					"frame was not acknowledged after max retransmissions", nil)
				continue
			}
		}
		p.nextRetryAt = now.Add(b.cfg.AckTimeout)
		toSend = append(toSend, p.frame)
	}
	b.mu.Unlock()

	for _, frame := range toSend {
		if _, err := b.cfg.Port.Write(frame); err != nil {
			return transport.NewError(b.Name(), transport.Unavailable, "serial write failed", err)
		}
	}
	return failErr
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.cfg.Port.Close()
}
