// Package client implements the client-side session core (C12): connect
// with retry, a raw-mode terminal bridge to the remote PTY, SIGWINCH
// handling, stdin batching, and an idle-session watchdog. Grounded on
// sshcore/pty_shell.py's companion client semantics and the teacher's
// cmd/wt terminal-facing CLI conventions, adapted from a gRPC stream to a
// polling message-bus loop.
package client

import (
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/google/uuid"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/session"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// Config configures the client session core.
type Config struct {
	Protocol protocol.Name

	ConnectTimeout    time.Duration // default 20s
	RetryInterval     time.Duration // default 500ms
	SessionTimeout    time.Duration // default 0 (disabled)
	ResizeDebounce    time.Duration // default 100ms
	InputChunkBytes   int           // default 512
	StdinBatchInterval time.Duration // default 20ms
	PollInterval      time.Duration // default 50ms
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.ResizeDebounce <= 0 {
		c.ResizeDebounce = 100 * time.Millisecond
	}
	if c.InputChunkBytes <= 0 {
		c.InputChunkBytes = 512
	}
	if c.StdinBatchInterval <= 0 {
		c.StdinBatchInterval = 20 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// ErrBusy and ErrTimeout report the two non-transport connect failures
// called out in §4.12.
type ErrBusy struct{ Reason string }

func (e *ErrBusy) Error() string { return fmt.Sprintf("server is busy: %s", e.Reason) }

type ErrTimeout struct{}

func (e *ErrTimeout) Error() string { return "connect timed out" }

// Client drives one interactive session against a transport.Backend.
type Client struct {
	cfg      Config
	backend  transport.Backend
	endpoint *session.EndpointState

	sessionID string
	streamID  string

	mu           sync.Mutex
	lastActivity time.Time
	diagCount    int
}

// New builds an unconnected Client bound to backend.
func New(cfg Config, backend transport.Backend) *Client {
	cfg.applyDefaults()
	sessionID := uuid.NewString()
	return &Client{
		cfg:       cfg,
		backend:   backend,
		endpoint:  session.NewEndpointState(sessionID),
		sessionID: sessionID,
	}
}

// Connect retries connect_req with a fresh msg_id and increasing seq until
// connect_ack, busy, error, or ConnectTimeout, matching §4.12's Connect.
func (c *Client) Connect(cols, rows int) error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	var cursor *string

	for {
		req, err := protocol.Build(protocol.BuildParams{
			Protocol: c.cfg.Protocol, Kind: protocol.KindConnectReq, SessionID: c.sessionID,
			Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(),
			Body: protocol.ConnectReqBody{PTY: &protocol.PTYSize{Cols: cols, Rows: rows}},
		})
		if err != nil {
			return err
		}
		if _, err := c.backend.WriteOutboundMessage(req); err != nil {
			logger.Debug("connect_req write failed", "err", err)
		}
		c.backend.PushOutbound()

		respDeadline := time.Now().Add(c.cfg.RetryInterval)
		for time.Now().Before(respDeadline) {
			msgs, next, err := c.backend.ReadInboundMessages(cursor)
			if err == nil {
				cursor = next
				for _, m := range msgs {
					if m.SessionID != c.sessionID || m.Source != protocol.Server || m.Target != protocol.Client {
						continue
					}
					if !c.endpoint.MarkSeen(m.MsgID) {
						continue
					}
					switch m.Kind {
					case protocol.KindConnectAck:
						var body protocol.ConnectAckBody
						if protocol.DecodeBody(m, &body) == nil {
							c.streamID = body.StreamID
							c.touch()
							return nil
						}
					case protocol.KindBusy:
						var body protocol.BusyBody
						protocol.DecodeBody(m, &body)
						return &ErrBusy{Reason: body.Reason}
					case protocol.KindError:
						var body protocol.ErrorBody
						protocol.DecodeBody(m, &body)
						return &transport.Error{Message: body.Error}
					}
				}
			}
			if time.Now().After(deadline) {
				return &ErrTimeout{}
			}
			time.Sleep(20 * time.Millisecond)
		}
		if time.Now().After(deadline) {
			return &ErrTimeout{}
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Client) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Run drives the interactive loop: reads local stdin in raw mode and
// forwards it as pty_input, applies pty_output/pty_closed from the
// server, handles SIGWINCH and Ctrl-C, and returns the remote exit code
// once pty_closed arrives or the session times out.
func (c *Client) Run() (exitCode int, err error) {
	stdinFD := int(os.Stdin.Fd())
	isTTY := term.IsTerminal(stdinFD)

	var oldState *term.State
	if isTTY {
		oldState, err = term.MakeRaw(stdinFD)
		if err != nil {
			return 0, fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer term.Restore(stdinFD, oldState)
	}

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)

	stdinCh := make(chan []byte, 64)
	go readStdinLoop(stdinCh)

	var cursor *string
	var pending []byte
	lastFlush := time.Now()
	lastResize := time.Time{}
	exited := false
	code := 0

	flushInput := func() {
		if len(pending) == 0 {
			return
		}
		data := pending
		pending = nil
		lastFlush = time.Now()
		m, buildErr := protocol.Build(protocol.BuildParams{
			Protocol: c.cfg.Protocol, Kind: protocol.KindPTYInput, SessionID: c.sessionID,
			Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(),
			Body: protocol.PTYInputBody{StreamID: c.streamID, DataB64: base64.StdEncoding.EncodeToString(data)},
		})
		if buildErr != nil {
			return
		}
		c.backend.WriteOutboundMessage(m)
	}

	sendResize := func() {
		if time.Since(lastResize) < c.cfg.ResizeDebounce {
			return
		}
		lastResize = time.Now()
		cols, rows := 80, 24
		if w, h, err := term.GetSize(stdinFD); err == nil {
			cols, rows = w, h
		}
		m, err := protocol.Build(protocol.BuildParams{
			Protocol: c.cfg.Protocol, Kind: protocol.KindPTYResize, SessionID: c.sessionID,
			Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(),
			Body: protocol.PTYResizeBody{StreamID: c.streamID, Cols: cols, Rows: rows},
		})
		if err != nil {
			return
		}
		c.backend.WriteOutboundMessage(m)
	}
	sendResize()

	for !exited {
		select {
		case data, ok := <-stdinCh:
			if !ok {
				// A nil channel is never selected, so this case stops
				// firing instead of busy-spinning once stdin hits EOF.
				stdinCh = nil
				break
			}
			for _, b := range data {
				if b == 0x03 { // Ctrl-C
					flushInput()
					c.sendSignal(protocol.SignalINT)
					continue
				}
				pending = append(pending, b)
			}
			if len(pending) >= c.cfg.InputChunkBytes {
				flushInput()
			}
		case <-winch:
			sendResize()
		case <-time.After(c.cfg.StdinBatchInterval):
			if len(pending) > 0 && time.Since(lastFlush) >= c.cfg.StdinBatchInterval {
				flushInput()
			}
		}

		msgs, next, readErr := c.backend.ReadInboundMessages(cursor)
		if readErr == nil {
			cursor = next
			for _, m := range msgs {
				if m.SessionID != c.sessionID || m.Source != protocol.Server || m.Target != protocol.Client {
					continue
				}
				if !c.endpoint.MarkSeen(m.MsgID) {
					continue
				}
				c.touch()
				switch m.Kind {
				case protocol.KindPTYOutput:
					var body protocol.PTYOutputBody
					if protocol.DecodeBody(m, &body) == nil && body.StreamID == c.streamID {
						if data, decErr := base64.StdEncoding.DecodeString(body.DataB64); decErr == nil {
							os.Stdout.Write(data)
						}
					}
				case protocol.KindPTYClosed:
					var body protocol.PTYClosedBody
					if protocol.DecodeBody(m, &body) == nil && body.StreamID == c.streamID {
						code = body.ExitCode
						exited = true
					}
				case protocol.KindError:
					var body protocol.ErrorBody
					protocol.DecodeBody(m, &body)
					err = &transport.Error{Message: body.Error}
					exited = true
				case protocol.KindDiagPing:
					c.mu.Lock()
					c.diagCount++
					c.mu.Unlock()
				}
			}
		}

		if c.cfg.SessionTimeout > 0 && c.idleFor() >= c.cfg.SessionTimeout {
			err = fmt.Errorf("session timed out after %s of inactivity", c.cfg.SessionTimeout)
			exited = true
		}

		c.backend.PushOutbound()
	}

	flushInput()
	c.Disconnect()
	return code, err
}

func (c *Client) sendSignal(name string) {
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: c.cfg.Protocol, Kind: protocol.KindPTYSignal, SessionID: c.sessionID,
		Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(),
		Body: protocol.PTYSignalBody{StreamID: c.streamID, Signal: name},
	})
	if err != nil {
		return
	}
	c.backend.WriteOutboundMessage(m)
}

// Disconnect makes a best-effort attempt to notify the server, matching
// §4.12's Disconnect: emit disconnect, then stop.
func (c *Client) Disconnect() {
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: c.cfg.Protocol, Kind: protocol.KindDisconnect, SessionID: c.sessionID,
		Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(), Body: struct{}{},
	})
	if err != nil {
		return
	}
	c.backend.WriteOutboundMessage(m)
	c.backend.PushOutbound()
}

// readStdinLoop forwards raw stdin reads to ch until EOF, closing ch on
// exit; the interactive loop treats a closed channel as "no more input".
func readStdinLoop(ch chan<- []byte) {
	defer close(ch)
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ch <- chunk
		}
		if err != nil {
			return
		}
	}
}
