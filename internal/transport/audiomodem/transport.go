package audiomodem

import (
	"strconv"
	"sync"
	"time"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// Modulation selects the codec's FEC/marker profile. "robust" trades
// throughput for noise tolerance; "legacy" is the original's
// lower-redundancy default.
type Modulation string

const (
	ModulationRobust Modulation = "robust"
	ModulationLegacy Modulation = "legacy"
)

// Config configures the audio-modem ARQ backend.
type Config struct {
	Device     Device
	Name       string
	Modulation Modulation

	FrameMaxBytes int           // default 4096, audio links are narrowband
	AckTimeout    time.Duration // default 400ms, generous vs. serial
	MaxRetries    int           // default 20
	SeenSeqWindow int           // default 4096
	SampleRate    float64       // default 48000, used for inter-frame pacing
}

func (c *Config) applyDefaults() {
	if c.FrameMaxBytes <= 0 {
		c.FrameMaxBytes = 4096
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 400 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 20
	}
	if c.SeenSeqWindow <= 0 {
		c.SeenSeqWindow = 4096
	}
	if c.Name == "" {
		c.Name = "audio-modem"
	}
	if c.Modulation == "" {
		c.Modulation = ModulationRobust
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 48000
	}
}

func codecFor(mod Modulation) *FrameCodec {
	switch mod {
	case ModulationLegacy:
		return NewFrameCodec(1, 16)
	default:
		return NewFrameCodec(3, 16)
	}
}

type pendingFrame struct {
	seq         uint32
	frame       []byte
	attempts    int
	nextRetryAt time.Time
}

// Backend implements transport.Backend over a PCM duplex Device: link
// frames (AUDM header + CRC32) are symbol-encoded by FrameCodec into
// marker-bracketed PCM, played out through Device.WritePCM, and recovered
// from Device.ReadPCM on a background goroutine, mirroring the serial
// backend's reader-goroutine/PushOutbound split.
type Backend struct {
	cfg   Config
	codec *FrameCodec

	mu         sync.Mutex
	closed     bool
	nextOutSeq uint32
	pending    map[uint32]*pendingFrame
	ackQueue   [][]byte
	incoming   []*protocol.Message
	cursor     int

	seenOrder []uint32
	seenSet   map[uint32]struct{}

	sendMu     sync.Mutex
	nextSendAt time.Time
}

// New builds a Backend and starts its background capture goroutine.
func New(cfg Config) *Backend {
	cfg.applyDefaults()
	b := &Backend{
		cfg:     cfg,
		codec:   codecFor(cfg.Modulation),
		pending: make(map[uint32]*pendingFrame),
		seenSet: make(map[uint32]struct{}),
	}
	go b.captureLoop()
	return b
}

func (b *Backend) Name() string { return "audio-modem:" + b.cfg.Name }

func (b *Backend) captureLoop() {
	for {
		pcm, err := b.cfg.Device.ReadPCM()
		if err != nil {
			if !b.isClosed() {
				logger.Debug("audio capture loop exiting", "backend", b.cfg.Name, "err", err)
			}
			return
		}
		frames := b.codec.FeedPCM(pcm)
		if len(frames) == 0 {
			continue
		}
		b.mu.Lock()
		for _, raw := range frames {
			b.handleDecodedFrameLocked(raw)
		}
		b.mu.Unlock()
	}
}

func (b *Backend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// handleDecodedFrameLocked must be called with mu held.
func (b *Backend) handleDecodedFrameLocked(raw []byte) {
	f, ok := parseLinkFrame(raw)
	if !ok {
		return
	}
	switch f.frameType {
	case linkTypeAck:
		delete(b.pending, f.seq)
	case linkTypeData:
		b.ackQueue = append(b.ackQueue, buildLinkFrame(linkTypeAck, f.seq, nil))
		if b.markSeenLocked(f.seq) {
			return
		}
		m, ok := protocol.Decode(protocol.GitSSH, string(f.payload))
		if !ok {
			return
		}
		b.incoming = append(b.incoming, m)
	}
}

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

// FetchInbound is a no-op: the capture goroutine continuously advances
// the local view of the medium.
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
	b.pending[seq] = &pendingFrame{seq: seq, frame: buildLinkFrame(linkTypeData, seq, payload)}
	return m.MsgID, nil
}

// PushOutbound plays queued ACKs and due/pending DATA frames out through
// the codec, same retry semantics as the serial backend's PushOutbound.
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
		pcm := b.codec.EncodeFrame(frame)
		b.paceSend(len(pcm) / 2)
		if err := b.cfg.Device.WritePCM(pcm); err != nil {
			return transport.NewError(b.Name(), transport.Unavailable, "audio write failed", err)
		}
	}
	return failErr
}

// paceSend blocks until at least frame_samples/sample_rate has elapsed
// since the previous send on this writer, per §4.10's backpressure rule,
// and reserves the next window for the frame about to be sent. This is
// the transport's own pacing floor; it does not depend on Device.WritePCM
// blocking for playback duration, since fake/in-memory devices don't.
func (b *Backend) paceSend(samples int) {
	b.sendMu.Lock()
	wait := time.Until(b.nextSendAt)
	b.sendMu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	frameDuration := time.Duration(float64(samples) / b.cfg.SampleRate * float64(time.Second))
	b.sendMu.Lock()
	b.nextSendAt = time.Now().Add(frameDuration)
	b.sendMu.Unlock()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.cfg.Device.Close()
}
