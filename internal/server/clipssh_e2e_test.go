package server_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sidechannel-ssh/gitssh/internal/client"
	"github.com/sidechannel-ssh/gitssh/internal/server"
	"github.com/sidechannel-ssh/gitssh/internal/transport/clipboard"
)

// memSlot is an in-memory clipboard.Slot shared between a clipssh/1
// server and one or more clients in these end-to-end tests, mirroring the
// clipboard package's own unexported test fake.
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

func newClipsshPair(t *testing.T, slot *memSlot) (*server.Server, func()) {
	t.Helper()
	serverBackend := clipboard.New(clipboard.Config{Slot: slot, Name: "clipboard:server"})
	srv := server.New(server.Config{Shell: "/bin/sh"})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Run(serverBackend, 5*time.Millisecond, stop)
	}()

	cleanup := func() {
		close(stop)
		<-done
		serverBackend.Close()
	}
	return srv, cleanup
}

func newClipsshClient(slot *memSlot) *client.CommandClient {
	backend := clipboard.New(clipboard.Config{Slot: slot, Name: "clipboard:client"})
	return client.NewCommandClient(client.CommandConfig{
		ConnectTimeout: 3 * time.Second,
		RetryInterval:  30 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, backend)
}

// TestClipsshEndToEndEchoesStdoutAndExitsZero covers §8 scenario 1: a
// client connects, runs a command, and observes its stdout and a zero
// exit code over the shared clipboard slot.
func TestClipsshEndToEndEchoesStdoutAndExitsZero(t *testing.T) {
	slot := &memSlot{}
	_, cleanup := newClipsshPair(t, slot)
	defer cleanup()

	c := newClipsshClient(slot)
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	result, err := c.Run("echo hello-clipssh")
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)
	require.Contains(t, result.Stdout, "hello-clipssh")
	require.Empty(t, result.Stderr)
}

// TestClipsshEndToEndCapturesStderrAndNonZeroExit covers §8 scenario 2: a
// command that writes to stderr and exits non-zero.
func TestClipsshEndToEndCapturesStderrAndNonZeroExit(t *testing.T) {
	slot := &memSlot{}
	_, cleanup := newClipsshPair(t, slot)
	defer cleanup()

	c := newClipsshClient(slot)
	require.NoError(t, c.Connect())
	defer c.Disconnect()

	result, err := c.Run("echo oops 1>&2; exit 3")
	require.NoError(t, err)
	require.Equal(t, 3, result.ExitCode)
	require.Contains(t, result.Stderr, "oops")
}

// TestClipsshEndToEndRejectsSecondSessionAsBusy covers §8 scenario 3: a
// second client attempting to connect while one session is already active
// must observe a busy reply, not a silent hang or a stolen session.
func TestClipsshEndToEndRejectsSecondSessionAsBusy(t *testing.T) {
	slot := &memSlot{}
	_, cleanup := newClipsshPair(t, slot)
	defer cleanup()

	first := newClipsshClient(slot)
	require.NoError(t, first.Connect())
	defer first.Disconnect()

	second := newClipsshClient(slot)
	err := second.Connect()
	require.Error(t, err)
	_, isBusy := err.(*client.ErrBusy)
	require.True(t, isBusy, "expected ErrBusy, got %T: %v", err, err)
}
