// Package server implements the server-side session core (C11): accepts
// connect_req, enforces the single-active-session invariant, drives a
// PTY-backed shell (gitssh/2) or one-shot command execution (clipssh/1),
// drains output on a flush cadence, and emits the periodic diagnostic
// heartbeat. Grounded on the teacher's egg.Server/egg.Session request
// dispatch shape and on sshcore/pty_shell.py's PTY lifecycle, adapted from
// a gRPC service to a message-bus dispatch loop.
package server

import (
	"encoding/base64"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidechannel-ssh/gitssh/internal/logger"
	"github.com/sidechannel-ssh/gitssh/internal/protocol"
	"github.com/sidechannel-ssh/gitssh/internal/ptyshell"
	"github.com/sidechannel-ssh/gitssh/internal/session"
	"github.com/sidechannel-ssh/gitssh/internal/transport"
)

// Config configures the server session core.
type Config struct {
	Shell   string // default "/bin/sh"
	Backend string // reported in connect_ack.backend

	MaxOutputChunk   int           // default 4096
	IOFlushInterval  time.Duration // default 40ms
	DiagInterval     time.Duration // 0 disables the heartbeat
	CmdCacheCapacity int           // default 256, LRU by (session_id, cmd_id)
}

func (c *Config) applyDefaults() {
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.MaxOutputChunk <= 0 {
		c.MaxOutputChunk = 4096
	}
	if c.IOFlushInterval <= 0 {
		c.IOFlushInterval = 40 * time.Millisecond
	}
	if c.CmdCacheCapacity <= 0 {
		c.CmdCacheCapacity = 256
	}
}

// clipsshSeq hands out sequence numbers for clipssh/1 replies, which are
// not tied to a persistent ActiveSession's EndpointState since clipssh/1
// has no long-lived PTY session. reservedIdleSessionID tags diag_ping
// heartbeats emitted while no session is active.
var (
	clipsshSeq            session.SequenceCounter
	reservedIdleSessionID = uuid.NewString()
)

// cmdCacheEntry is the cached clipssh/1 response list for one (session_id,
// cmd_id), replayed verbatim when the request is retransmitted, matching
// the LRU-capped cache the Open Questions section calls for in place of
// the original's unbounded per-msg_id cache.
type cmdCacheEntry struct {
	key       string
	responses []*protocol.Message
}

// Server dispatches inbound messages from a transport.Backend onto a
// single active session. It owns no transport itself: Run pulls messages
// through the given backend and pushes replies back through it.
type Server struct {
	cfg Config

	mu            sync.Mutex
	active        *ActiveSession
	diagCounter   int
	cmdCacheOrder []string
	cmdCache      map[string]*cmdCacheEntry
}

// ActiveSession pairs the shared session.ActiveSession bookkeeping with a
// concrete PTY handle (gitssh/2) or nothing (clipssh/1 runs commands to
// completion and holds no persistent PTY).
type ActiveSession struct {
	shared *session.ActiveSession
	shell  *ptyshell.Session
}

// New builds a Server with defaults applied.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		cmdCache: make(map[string]*cmdCacheEntry),
	}
}

// Run pulls inbound messages from backend in a loop, dispatches each, and
// pushes outbound replies until stop is closed, then returns nil. Read and
// push errors from the backend are logged and do not end the loop.
func (s *Server) Run(backend transport.Backend, pollInterval time.Duration, stop <-chan struct{}) error {
	var cursor *string
	lastDiag := time.Now()

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		msgs, next, err := backend.ReadInboundMessages(cursor)
		if err != nil {
			logger.Warn("server read failed", "backend", backend.Name(), "err", err)
		} else {
			cursor = next
			for _, m := range msgs {
				s.dispatch(backend, m)
			}
		}

		s.drainOutput(backend)

		if s.cfg.DiagInterval > 0 && time.Since(lastDiag) >= s.cfg.DiagInterval {
			lastDiag = time.Now()
			s.emitDiag(backend)
		}

		if err := backend.PushOutbound(); err != nil {
			logger.Debug("server push failed", "backend", backend.Name(), "err", err)
		}

		select {
		case <-stop:
			return nil
		case <-time.After(pollInterval):
		}
	}
}

func (s *Server) dispatch(backend transport.Backend, m *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && !s.active.shared.Endpoint.MarkSeen(m.MsgID) && m.Kind != protocol.KindCmd {
		return
	}

	switch m.Kind {
	case protocol.KindConnectReq:
		s.handleConnectReq(backend, m)
	case protocol.KindPTYInput:
		s.handlePTYInput(backend, m)
	case protocol.KindPTYResize:
		s.handlePTYResize(backend, m)
	case protocol.KindPTYSignal:
		s.handlePTYSignal(backend, m)
	case protocol.KindCmd:
		s.handleCmd(backend, m)
	case protocol.KindDisconnect:
		s.teardownLocked("client disconnected")
	default:
		// diag_ping/heartbeat/error/busy/ack are not server inbound kinds.
	}
}

func (s *Server) handleConnectReq(backend transport.Backend, m *protocol.Message) {
	var body protocol.ConnectReqBody
	if err := protocol.DecodeBody(m, &body); err != nil {
		s.sendError(backend, m, "malformed connect_req body")
		return
	}

	if s.active != nil {
		if s.active.shared.Endpoint.SessionID == m.SessionID {
			s.sendConnectAck(backend, m)
			return
		}
		s.send(backend, m, protocol.KindBusy, protocol.BusyBody{Reason: "a session is already active"})
		return
	}

	if m.Protocol == protocol.ClipSSH {
		// clipssh/1 sessions are request/response: connect_req only
		// reserves the single-session slot for busy-checking, since each
		// cmd runs a shell invocation to completion rather than driving a
		// persistent PTY.
		shared := session.NewActiveSession(m.SessionID, nil)
		s.active = &ActiveSession{shared: shared}
		s.active.shared.Endpoint.MarkSeen(m.MsgID)
		s.sendConnectAck(backend, m)
		return
	}

	cols, rows := 80, 24
	if body.PTY != nil {
		if body.PTY.Cols > 0 {
			cols = body.PTY.Cols
		}
		if body.PTY.Rows > 0 {
			rows = body.PTY.Rows
		}
	}

	shell, err := ptyshell.Start(s.cfg.Shell, cols, rows)
	if err != nil {
		s.sendError(backend, m, "failed to start shell: "+err.Error())
		return
	}

	shared := session.NewActiveSession(m.SessionID, nil)
	s.active = &ActiveSession{shared: shared, shell: shell}
	s.active.shared.Endpoint.MarkSeen(m.MsgID)

	s.sendConnectAck(backend, m)
}

func (s *Server) sendConnectAck(backend transport.Backend, m *protocol.Message) {
	body := protocol.ConnectAckBody{
		Shell:    s.cfg.Shell,
		Backend:  s.cfg.Backend,
		StreamID: s.active.shared.StreamID,
		Prompt:   protocol.Prompt{Host: s.cfg.Backend},
	}
	s.send(backend, m, protocol.KindConnectAck, body)
}

func (s *Server) handlePTYInput(backend transport.Backend, m *protocol.Message) {
	if s.active == nil {
		return
	}
	var body protocol.PTYInputBody
	if err := protocol.DecodeBody(m, &body); err != nil || body.StreamID != s.active.shared.StreamID {
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.DataB64)
	if err != nil {
		return
	}
	if err := s.active.shell.WriteInput(data); err != nil {
		logger.Debug("pty write failed", "err", err)
	}
}

func (s *Server) handlePTYResize(backend transport.Backend, m *protocol.Message) {
	if s.active == nil {
		return
	}
	var body protocol.PTYResizeBody
	if err := protocol.DecodeBody(m, &body); err != nil || body.StreamID != s.active.shared.StreamID {
		return
	}
	s.active.shell.Resize(body.Cols, body.Rows)
}

func (s *Server) handlePTYSignal(backend transport.Backend, m *protocol.Message) {
	if s.active == nil {
		return
	}
	var body protocol.PTYSignalBody
	if err := protocol.DecodeBody(m, &body); err != nil || body.StreamID != s.active.shared.StreamID {
		return
	}
	if err := s.active.shell.SendSignal(body.Signal); err != nil {
		logger.Debug("pty signal failed", "signal", body.Signal, "err", err)
	}
}

// handleCmd implements the clipssh/1 request/response shell: runs command
// to completion (non-interactively) and replies with a stdout/stderr/exit
// sequence, replaying a cached response list on retransmission.
func (s *Server) handleCmd(backend transport.Backend, m *protocol.Message) {
	var body protocol.CmdBody
	if err := protocol.DecodeBody(m, &body); err != nil {
		s.sendError(backend, m, "malformed cmd body")
		return
	}

	cacheKey := m.SessionID + "/" + body.CmdID
	if entry, ok := s.cmdCache[cacheKey]; ok {
		// Refresh recency so eviction drops the least recently used entry.
		for i, k := range s.cmdCacheOrder {
			if k == cacheKey {
				s.cmdCacheOrder = append(append(s.cmdCacheOrder[:i:i], s.cmdCacheOrder[i+1:]...), cacheKey)
				break
			}
		}
		for _, resp := range entry.responses {
			backend.WriteOutboundMessage(resp)
		}
		return
	}

	result, _ := runCommand(s.cfg.Shell, body.Command)

	var responses []*protocol.Message
	addResponse := func(kind string, b any) {
		built, err := protocol.Build(protocol.BuildParams{
			Protocol: m.Protocol, Kind: kind, SessionID: m.SessionID,
			Source: protocol.Server, Target: protocol.Client, Seq: s.nextOutSeqForCache(), Body: b,
		})
		if err != nil {
			return
		}
		responses = append(responses, built)
		backend.WriteOutboundMessage(built)
	}

	if len(result.stdout) > 0 {
		addResponse(protocol.KindStdout, protocol.StdoutBody{CmdID: body.CmdID, Data: string(result.stdout)})
	}
	if len(result.stderr) > 0 {
		addResponse(protocol.KindStderr, protocol.StderrBody{CmdID: body.CmdID, Data: string(result.stderr)})
	}
	addResponse(protocol.KindExit, protocol.ExitBody{CmdID: body.CmdID, ExitCode: result.exitCode})

	s.cacheResponses(cacheKey, responses)
}

func (s *Server) nextOutSeqForCache() int { return clipsshSeq.Next() }

type cmdResult struct {
	stdout   []byte
	stderr   []byte
	exitCode int
}

func runCommand(shell, commandLine string) (cmdResult, bool) {
	cmd := exec.Command(shell, "-c", commandLine)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return cmdResult{}, false
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return cmdResult{}, false
	}
	if err := cmd.Start(); err != nil {
		return cmdResult{exitCode: 127, stderr: []byte(err.Error())}, true
	}
	stdoutBuf := readAll(outPipe)
	stderrBuf := readAll(errPipe)
	code := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = 1
		}
	}
	return cmdResult{stdout: stdoutBuf, stderr: stderrBuf, exitCode: code}, true
}

func readAll(r io.Reader) []byte {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf
}

func (s *Server) cacheResponses(key string, responses []*protocol.Message) {
	if _, exists := s.cmdCache[key]; exists {
		return
	}
	s.cmdCache[key] = &cmdCacheEntry{key: key, responses: responses}
	s.cmdCacheOrder = append(s.cmdCacheOrder, key)
	if len(s.cmdCacheOrder) > s.cfg.CmdCacheCapacity {
		evict := s.cmdCacheOrder[0]
		s.cmdCacheOrder = s.cmdCacheOrder[1:]
		delete(s.cmdCache, evict)
	}
}

// drainOutput flushes buffered PTY output for gitssh/2 sessions and tears
// down the session once the shell exits, matching the output-draining
// loop in §4.11.
func (s *Server) drainOutput(backend transport.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.shell == nil {
		return
	}

	out, err := s.active.shell.ReadOutput(65536)
	if err == nil && len(out) > 0 {
		s.active.shared.AppendOutput(out)
	}

	if chunk, ok := s.active.shared.DrainOutput(s.cfg.MaxOutputChunk, s.cfg.IOFlushInterval); ok {
		s.emitPTYOutput(backend, chunk)
	}

	if code, exited := s.active.shell.Done(); exited {
		if final := s.active.shared.FlushAll(); len(final) > 0 {
			s.emitPTYOutput(backend, final)
		}
		s.emitPTYClosed(backend, code)
		s.teardownLocked("shell exited")
	}
}

func (s *Server) emitPTYOutput(backend transport.Backend, data []byte) {
	body := protocol.PTYOutputBody{StreamID: s.active.shared.StreamID, DataB64: base64.StdEncoding.EncodeToString(data)}
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: protocol.GitSSH, Kind: protocol.KindPTYOutput, SessionID: s.active.shared.Endpoint.SessionID,
		Source: protocol.Server, Target: protocol.Client, Seq: s.active.shared.Endpoint.NextSeq(), Body: body,
	})
	if err != nil {
		return
	}
	backend.WriteOutboundMessage(m)
}

func (s *Server) emitPTYClosed(backend transport.Backend, code int) {
	body := protocol.PTYClosedBody{StreamID: s.active.shared.StreamID, ExitCode: code}
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: protocol.GitSSH, Kind: protocol.KindPTYClosed, SessionID: s.active.shared.Endpoint.SessionID,
		Source: protocol.Server, Target: protocol.Client, Seq: s.active.shared.Endpoint.NextSeq(), Body: body,
	})
	if err != nil {
		return
	}
	backend.WriteOutboundMessage(m)
}

func (s *Server) emitDiag(backend transport.Backend) {
	s.mu.Lock()
	s.diagCounter++
	activeID := "idle-" + reservedIdleSessionID
	streamID := ""
	sessionID := reservedIdleSessionID
	if s.active != nil {
		activeID = s.active.shared.Endpoint.SessionID
		sessionID = activeID
		streamID = s.active.shared.StreamID
	}
	counter := s.diagCounter
	s.mu.Unlock()

	body := protocol.DiagPingBody{Phase: "server", DiagCounter: counter, ActiveSession: activeID, StreamID: streamID}
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: protocol.GitSSH, Kind: protocol.KindDiagPing, SessionID: sessionID,
		Source: protocol.Server, Target: protocol.Client, Seq: counter, Body: body,
	})
	if err != nil {
		return
	}
	backend.WriteOutboundMessage(m)
}


func (s *Server) sendError(backend transport.Backend, m *protocol.Message, text string) {
	s.send(backend, m, protocol.KindError, protocol.ErrorBody{Error: text})
}

func (s *Server) send(backend transport.Backend, reply *protocol.Message, kind string, body any) {
	seq := 1
	if s.active != nil {
		seq = s.active.shared.Endpoint.NextSeq()
	}
	m, err := protocol.Build(protocol.BuildParams{
		Protocol: reply.Protocol, Kind: kind, SessionID: reply.SessionID,
		Source: protocol.Server, Target: protocol.Client, Seq: seq, Body: body,
	})
	if err != nil {
		logger.Debug("failed to build reply", "kind", kind, "err", err)
		return
	}
	backend.WriteOutboundMessage(m)
}

func (s *Server) teardownLocked(reason string) {
	if s.active == nil {
		return
	}
	logger.Info("tearing down session", "session_id", s.active.shared.Endpoint.SessionID, "reason", reason)
	if s.active.shell != nil {
		s.active.shell.Close()
	}
	s.active = nil
}

// Close tears down any active session, for use on process shutdown.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked("server shutting down")
}
