package serial

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePort wires an io.Pipe read/write pair into a Port, simulating a
// full-duplex serial link (the socketpair the end-to-end scenario in the
// spec describes).
type pipePort struct {
	r      *io.PipeReader
	w      *io.PipeWriter
	closed bool
}

func (p *pipePort) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipePort) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipePort) Close() error {
	p.r.Close()
	p.w.Close()
	return nil
}

// newLinkedPorts returns two Ports, each other's peer, like a socketpair.
func newLinkedPorts() (Port, Port) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a := &pipePort{r: r1, w: w2}
	b := &pipePort{r: r2, w: w1}
	return a, b
}

func buildMsg(t *testing.T) *protocol.Message {
	t.Helper()
	m, err := protocol.Build(protocol.BuildParams{
		Protocol:  protocol.GitSSH,
		Kind:      protocol.KindDisconnect,
		SessionID: uuid.NewString(),
		Source:    protocol.Client,
		Target:    protocol.Server,
		Seq:       1,
	})
	require.NoError(t, err)
	return m
}

func TestSerialRoundTripDeliversExactlyOnce(t *testing.T) {
	portA, portB := newLinkedPorts()
	sender := New(Config{Port: portA, Name: "A", AckTimeout: 20 * time.Millisecond})
	receiver := New(Config{Port: portB, Name: "B", AckTimeout: 20 * time.Millisecond})
	defer sender.Close()
	defer receiver.Close()

	msg := buildMsg(t)
	_, err := sender.WriteOutboundMessage(msg)
	require.NoError(t, err)
	require.NoError(t, sender.PushOutbound())

	var got []*protocol.Message
	require.Eventually(t, func() bool {
		msgs, _, _ := receiver.ReadInboundMessages(nil)
		got = append(got, msgs...)
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, receiver.PushOutbound()) // flush ACK back to sender

	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		return len(sender.pending) == 0
	}, time.Second, 5*time.Millisecond)

	assert.Len(t, got, 1)
	assert.Equal(t, msg.MsgID, got[0].MsgID)

	more, _, _ := receiver.ReadInboundMessages(nil)
	assert.Empty(t, more, "no message should ever be returned twice")
}

func TestSerialPushOutboundFailsAfterMaxRetriesWithoutAcks(t *testing.T) {
	portA, portB := newLinkedPorts()
	sender := New(Config{Port: portA, Name: "A", AckTimeout: time.Millisecond, MaxRetries: 3})
	receiver := New(Config{Port: portB, Name: "B"}) // never pushes ACKs back
	defer sender.Close()
	defer receiver.Close()

	msg := buildMsg(t)
	_, err := sender.WriteOutboundMessage(msg)
	require.NoError(t, err)

	var lastErr error
	require.Eventually(t, func() bool {
		lastErr = sender.PushOutbound()
		return lastErr != nil
	}, time.Second, time.Millisecond)

	var terr *transport.Error
	require.True(t, errors.As(lastErr, &terr))
	assert.Equal(t, transport.PeerTimeout, terr.Kind)

	var got []*protocol.Message
	require.Eventually(t, func() bool {
		msgs, _, _ := receiver.ReadInboundMessages(nil)
		got = append(got, msgs...)
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, got, 1, "receiver should still report the message exactly once")
}

func TestSerialRejectsOversizePayload(t *testing.T) {
	portA, portB := newLinkedPorts()
	defer portB.Close()
	b := New(Config{Port: portA, FrameMaxBytes: 4})
	defer b.Close()

	_, err := b.WriteOutboundMessage(buildMsg(t))
	require.Error(t, err)
	var terr *transport.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, transport.EncodeOversize, terr.Kind)
}
