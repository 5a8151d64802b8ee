package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sidechannel-ssh/gitssh/internal/protocol"
)

// silentBackend never delivers any inbound message, forcing Connect to
// retry connect_req until ConnectTimeout. It records every message
// written so the test can inspect msg_id/seq uniqueness across retries.
type silentBackend struct {
	mu      sync.Mutex
	written []*protocol.Message
}

func (b *silentBackend) Name() string                       { return "silent" }
func (b *silentBackend) SnapshotInboundCursor() *string      { return nil }
func (b *silentBackend) FetchInbound() error                 { return nil }
func (b *silentBackend) PushOutbound() error                 { return nil }
func (b *silentBackend) Close() error                        { return nil }
func (b *silentBackend) ReadInboundMessages(cursor *string) ([]*protocol.Message, *string, error) {
	return nil, cursor, nil
}

func (b *silentBackend) WriteOutboundMessage(m *protocol.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.written = append(b.written, m)
	return m.MsgID, nil
}

// TestConnectRetriesWithDistinctMsgIDsAndIncreasingSeq exercises §8
// scenario 8: a client that never hears back from connect_ack must keep
// retransmitting connect_req, each with a fresh msg_id and strictly
// increasing seq, until it finally times out.
func TestConnectRetriesWithDistinctMsgIDsAndIncreasingSeq(t *testing.T) {
	backend := &silentBackend{}
	c := New(Config{
		Protocol:       protocol.GitSSH,
		ConnectTimeout: 120 * time.Millisecond,
		RetryInterval:  20 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, backend)

	err := c.Connect(80, 24)
	require.Error(t, err)
	_, isTimeout := err.(*ErrTimeout)
	require.True(t, isTimeout, "expected ErrTimeout, got %T: %v", err, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()

	require.GreaterOrEqual(t, len(backend.written), 2, "expected more than one connect_req retry")

	seenIDs := make(map[string]bool)
	lastSeq := -1
	for _, m := range backend.written {
		require.Equal(t, protocol.KindConnectReq, m.Kind)
		require.False(t, seenIDs[m.MsgID], "msg_id %s was reused across retries", m.MsgID)
		seenIDs[m.MsgID] = true
		require.Greater(t, m.Seq, lastSeq, "seq must strictly increase across retries")
		lastSeq = m.Seq
	}
}
