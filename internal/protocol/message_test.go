package protocol

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T, proto Name, kind string, seq int) *Message {
	t.Helper()
	m, err := Build(BuildParams{
		Protocol:  proto,
		Kind:      kind,
		SessionID: uuid.NewString(),
		Source:    Client,
		Target:    Server,
		Seq:       seq,
		Body:      map[string]any{"host": "box"},
	})
	require.NoError(t, err)
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, proto := range []Name{ClipSSH, GitSSH} {
		m := buildSample(t, proto, KindConnectReq, 1)
		encoded, err := Encode(m)
		require.NoError(t, err)

		decoded, ok := Decode(proto, encoded)
		require.True(t, ok)
		assert.Equal(t, m.Protocol, decoded.Protocol)
		assert.Equal(t, m.Kind, decoded.Kind)
		assert.Equal(t, m.SessionID, decoded.SessionID)
		assert.Equal(t, m.MsgID, decoded.MsgID)
		assert.Equal(t, m.Seq, decoded.Seq)
	}
}

func TestClipSSHWirePrefixRequired(t *testing.T) {
	m := buildSample(t, ClipSSH, KindHeartbeat, 1)
	encoded, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, "CLIPSSH/1 ", encoded[:10])

	withoutPrefix := encoded[10:]
	_, ok := Decode(ClipSSH, withoutPrefix)
	assert.False(t, ok, "decode must reject payloads missing the wire prefix")
}

func TestGitSSHEmptyPrefix(t *testing.T) {
	assert.Equal(t, "", GitSSH.WirePrefix())
}

func TestDecodeNeverPanicsOnGarbage(t *testing.T) {
	inputs := []string{
		"",
		"garbage",
		"CLIPSSH/1 not json",
		"CLIPSSH/1 {}",
		"CLIPSSH/1 {\"protocol\":\"clipssh/1\"}",
		"CLIPSSH/1 null",
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() {
			_, ok := Decode(ClipSSH, in)
			assert.False(t, ok)
		})
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	m := buildSample(t, GitSSH, KindConnectReq, 1)
	m.Kind = "not_a_real_kind"
	encoded, err := Encode(m)
	require.NoError(t, err)
	_, ok := Decode(GitSSH, encoded)
	assert.False(t, ok)
}

func TestDecodeRejectsBadSeq(t *testing.T) {
	m := buildSample(t, GitSSH, KindConnectReq, 1)
	m.Seq = 0
	encoded, err := Encode(m)
	require.NoError(t, err)
	_, ok := Decode(GitSSH, encoded)
	assert.False(t, ok)
}

func TestBuildRejectsInvalidKindForProtocol(t *testing.T) {
	_, err := Build(BuildParams{
		Protocol:  ClipSSH,
		Kind:      KindPTYInput, // valid for gitssh/2, not clipssh/1
		SessionID: uuid.NewString(),
		Source:    Client,
		Target:    Server,
		Seq:       1,
	})
	assert.Error(t, err)
}

func TestBuildAssignsDefaults(t *testing.T) {
	m, err := Build(BuildParams{
		Protocol:  GitSSH,
		Kind:      KindDisconnect,
		SessionID: uuid.NewString(),
		Source:    Server,
		Target:    Client,
		Seq:       1,
	})
	require.NoError(t, err)
	_, err = uuid.Parse(m.MsgID)
	assert.NoError(t, err)
	assert.NotEmpty(t, m.TS)
}

func TestGitSSHIncludesDiagPing(t *testing.T) {
	_, err := Build(BuildParams{
		Protocol:  GitSSH,
		Kind:      KindDiagPing,
		SessionID: uuid.NewString(),
		Source:    Server,
		Target:    Client,
		Seq:       1,
	})
	assert.NoError(t, err, "gitssh/2 must accept diag_ping per the external wire contract")
}
