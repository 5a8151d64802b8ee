package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/session"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// CommandResult is the outcome of one clipssh/1 request/response round
// trip, matching the CommandResult shape named throughout §8's
// end-to-end scenarios.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandConfig configures a one-shot clipssh/1 client.
type CommandConfig struct {
	ConnectTimeout time.Duration // default 20s
	RetryInterval  time.Duration // default 500ms
	CommandTimeout time.Duration // default 0 (disabled)
	PollInterval   time.Duration // default 50ms
}

func (c *CommandConfig) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 20 * time.Second
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
}

// CommandClient drives the clipssh/1 request/response flow: connect_req
// (retried until connect_ack/busy/error), then cmd (retried the same
// way) collecting stdout/stderr chunks until exit.
type CommandClient struct {
	cfg       CommandConfig
	backend   transport.Backend
	endpoint  *session.EndpointState
	sessionID string
	cursor    *string
}

// NewCommandClient builds a CommandClient bound to backend.
func NewCommandClient(cfg CommandConfig, backend transport.Backend) *CommandClient {
	cfg.applyDefaults()
	sessionID := uuid.NewString()
	return &CommandClient{
		cfg:       cfg,
		backend:   backend,
		endpoint:  session.NewEndpointState(sessionID),
		sessionID: sessionID,
	}
}

// Connect retries connect_req until connect_ack, busy, or error, matching
// §4.12's Connect adapted to the clipssh/1 kind set (no PTY size is
// meaningful here, so the request carries no pty field).
func (c *CommandClient) Connect() error {
	deadline := time.Now().Add(c.cfg.ConnectTimeout)

	for {
		req, err := protocol.Build(protocol.BuildParams{
			Protocol: protocol.ClipSSH, Kind: protocol.KindConnectReq, SessionID: c.sessionID,
			Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(),
			Body: protocol.ConnectReqBody{Host: "clipssh"},
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
			if done, err := c.pollConnect(); done {
				return err
			}
			if time.Now().After(deadline) {
				return &ErrTimeout{}
			}
			time.Sleep(c.cfg.PollInterval)
		}
		if time.Now().After(deadline) {
			return &ErrTimeout{}
		}
	}
}

func (c *CommandClient) pollConnect() (done bool, err error) {
	msgs, next, readErr := c.backend.ReadInboundMessages(c.cursor)
	if readErr != nil {
		return false, nil
	}
	c.cursor = next
	for _, m := range msgs {
		if m.SessionID != c.sessionID || m.Source != protocol.Server || m.Target != protocol.Client {
			continue
		}
		if !c.endpoint.MarkSeen(m.MsgID) {
			continue
		}
		switch m.Kind {
		case protocol.KindConnectAck:
			return true, nil
		case protocol.KindBusy:
			var body protocol.BusyBody
			protocol.DecodeBody(m, &body)
			return true, &ErrBusy{Reason: body.Reason}
		case protocol.KindError:
			var body protocol.ErrorBody
			protocol.DecodeBody(m, &body)
			return true, &transport.Error{Message: body.Error}
		}
	}
	return false, nil
}

// Run sends command as a cmd message, retrying every RetryInterval with a
// fresh msg_id and seq but the same cmd_id (the key of the server's reply
// cache) until exit is observed, and collects stdout/stderr until exit.
func (c *CommandClient) Run(command string) (CommandResult, error) {
	cmdID := uuid.NewString()
	var result CommandResult
	var stdout, stderr []byte
	exited := false

	var deadline time.Time
	if c.cfg.CommandTimeout > 0 {
		deadline = time.Now().Add(c.cfg.CommandTimeout)
	}

	for !exited {
		req, err := protocol.Build(protocol.BuildParams{
			Protocol: protocol.ClipSSH, Kind: protocol.KindCmd, SessionID: c.sessionID,
			Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(),
			Body: protocol.CmdBody{Command: command, CmdID: cmdID},
		})
		if err != nil {
			return result, err
		}
		c.backend.WriteOutboundMessage(req)
		c.backend.PushOutbound()

		tickDeadline := time.Now().Add(c.cfg.RetryInterval)
		for time.Now().Before(tickDeadline) && !exited {
			msgs, next, readErr := c.backend.ReadInboundMessages(c.cursor)
			if readErr == nil {
				c.cursor = next
				for _, m := range msgs {
					if m.SessionID != c.sessionID || m.Source != protocol.Server || m.Target != protocol.Client {
						continue
					}
					if !c.endpoint.MarkSeen(m.MsgID) {
						continue
					}
					switch m.Kind {
					case protocol.KindStdout:
						var body protocol.StdoutBody
						if protocol.DecodeBody(m, &body) == nil && body.CmdID == cmdID {
							stdout = append(stdout, body.Data...)
						}
					case protocol.KindStderr:
						var body protocol.StderrBody
						if protocol.DecodeBody(m, &body) == nil && body.CmdID == cmdID {
							stderr = append(stderr, body.Data...)
						}
					case protocol.KindExit:
						var body protocol.ExitBody
						if protocol.DecodeBody(m, &body) == nil && body.CmdID == cmdID {
							result.ExitCode = body.ExitCode
							exited = true
						}
					case protocol.KindError:
						var body protocol.ErrorBody
						protocol.DecodeBody(m, &body)
						return result, &transport.Error{Message: body.Error}
					}
				}
			}
			if !exited {
				time.Sleep(c.cfg.PollInterval)
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return result, fmt.Errorf("command timed out after %s", c.cfg.CommandTimeout)
			}
		}
	}

	result.Stdout = string(stdout)
	result.Stderr = string(stderr)
	return result, nil
}

// Disconnect best-effort notifies the server the session is over.
func (c *CommandClient) Disconnect() {
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: protocol.ClipSSH, Kind: protocol.KindDisconnect, SessionID: c.sessionID,
		Source: protocol.Client, Target: protocol.Server, Seq: c.endpoint.NextSeq(), Body: struct{}{},
	})
	if err != nil {
		return
	}
	c.backend.WriteOutboundMessage(m)
	c.backend.PushOutbound()
}
