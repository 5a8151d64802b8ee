package clipboard

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSlot is an in-memory shared slot used to test the transport without
// any real clipboard tool, modeling two peers sharing one medium.
type memSlot struct {
	mu   sync.Mutex
	text string
}

func (s *memSlot) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text, nil
}

func (s *memSlot) Write(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	return nil
}

func buildMsg(t *testing.T, sessionID, kind string, seq int) *protocol.Message {
	t.Helper()
	m, err := protocol.Build(protocol.BuildParams{
		Protocol:  protocol.ClipSSH,
		Kind:      kind,
		SessionID: sessionID,
		Source:    protocol.Client,
		Target:    protocol.Server,
		Seq:       seq,
		Body:      protocol.CmdBody{Command: "echo hi", CmdID: uuid.NewString()},
	})
	require.NoError(t, err)
	return m
}

func TestClipboardRoundTrip(t *testing.T) {
	slot := &memSlot{}
	writer := New(Config{Slot: slot, Name: "writer"})
	reader := New(Config{Slot: slot, Name: "reader"})

	sessionID := uuid.NewString()
	msg := buildMsg(t, sessionID, protocol.KindCmd, 1)

	_, err := writer.WriteOutboundMessage(msg)
	require.NoError(t, err)
	require.NoError(t, writer.PushOutbound())

	got, _, err := reader.ReadInboundMessages(nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, msg.MsgID, got[0].MsgID)

	// A second read without a new write must not redeliver the same slot
	// contents.
	got2, _, err := reader.ReadInboundMessages(nil)
	require.NoError(t, err)
	assert.Empty(t, got2)
}

func TestClipboardToleratesNoise(t *testing.T) {
	slot := &memSlot{}
	reader := New(Config{Slot: slot, Name: "reader"})

	require.NoError(t, slot.Write("this is normal copy/paste data"))
	got, _, err := reader.ReadInboundMessages(nil)
	require.NoError(t, err)
	assert.Empty(t, got, "non-protocol clipboard contents must be silently ignored")
}

func TestClipboardCloseIsIdempotent(t *testing.T) {
	b := New(Config{Slot: &memSlot{}})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.WriteOutboundMessage(buildMsg(t, uuid.NewString(), protocol.KindHeartbeat, 1))
	assert.Error(t, err)
}
