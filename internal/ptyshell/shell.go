// Package ptyshell manages the persistent PTY-backed shell process driven
// by the server session core (C11): spawn, input/output, resize, signal
// delivery, and scoped teardown-on-all-exit-paths, grounded on
// sshcore/pty_shell.py and the teacher's egg.Session PTY mechanics.
package ptyshell

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Error reports a PTY shell failure (spawn, I/O, signal dispatch).
type Error struct {
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("pty shell: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("pty shell: %s", e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// signalMapping matches pty_shell.py's INT/TERM/HUP/QUIT -> signal.Signal.
var signalMapping = map[string]syscall.Signal{
	"INT":  syscall.SIGINT,
	"TERM": syscall.SIGTERM,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
}

// Session is a persistent PTY-backed shell process: one shell, one PTY
// master, started at construction and torn down by Close.
type Session struct {
	ShellPath string

	mu     sync.Mutex
	cmd    *exec.Cmd
	master *os.File
	closed bool
}

// Start spawns shellPath attached to a freshly opened PTY of the given
// size, in its own session (so signals can be delivered to the whole
// foreground process group), matching PtyShellSession.start.
func Start(shellPath string, cols, rows int) (*Session, error) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	cmd := exec.Command(shellPath)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, &Error{Message: "failed to start PTY shell", Cause: err}
	}

	return &Session{ShellPath: shellPath, cmd: cmd, master: master}, nil
}

// WriteInput writes data to the PTY master, matching write_input's
// already-exited check.
func (s *Session) WriteInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Error{Message: "PTY shell is closed"}
	}
	if !s.isAliveLocked() {
		return &Error{Message: "PTY shell has already exited"}
	}
	if _, err := s.master.Write(data); err != nil {
		return &Error{Message: "failed to write to PTY", Cause: err}
	}
	return nil
}

// ReadOutput performs a single nonblocking-ish read of up to maxBytes from
// the PTY master, returning (nil, nil) when nothing is currently
// available rather than blocking, mirroring read_output's select-based
// polling with the server's drain loop supplying the poll cadence.
func (s *Session) ReadOutput(maxBytes int) ([]byte, error) {
	if maxBytes < 1 {
		maxBytes = 65536
	}
	s.mu.Lock()
	master := s.master
	closed := s.closed
	s.mu.Unlock()
	if closed || master == nil {
		return nil, nil
	}

	master.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	buf := make([]byte, maxBytes)
	n, err := master.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		if isTimeout(err) || err.Error() == "EOF" {
			return nil, nil
		}
		if pathErr, ok := err.(*os.PathError); ok && pathErr.Err == syscall.EIO {
			return nil, nil
		}
		return nil, &Error{Message: "failed to read from PTY", Cause: err}
	}
	return nil, nil
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

// Resize applies a new PTY window size.
func (s *Session) Resize(cols, rows int) error {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &Error{Message: "PTY shell is closed"}
	}
	if err := pty.Setsize(s.master, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return &Error{Message: "failed to resize PTY", Cause: err}
	}
	return nil
}

// SendSignal delivers the named signal to the shell's process group,
// matching send_signal's INT/TERM/HUP/QUIT mapping. A dead process is a
// silent no-op, as in the original.
func (s *Session) SendSignal(name string) error {
	sig, ok := signalMapping[name]
	if !ok {
		return &Error{Message: fmt.Sprintf("unsupported signal: %s", name)}
	}

	s.mu.Lock()
	cmd := s.cmd
	alive := s.isAliveLocked()
	s.mu.Unlock()
	if !alive {
		return nil
	}

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		return &Error{Message: "failed to resolve PTY shell process group", Cause: err}
	}
	if err := syscall.Kill(-pgid, sig); err != nil {
		return &Error{Message: "failed to send signal to PTY shell", Cause: err}
	}
	return nil
}

// IsAlive reports whether the shell process has not yet exited.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAliveLocked()
}

func (s *Session) isAliveLocked() bool {
	if s.cmd == nil || s.cmd.Process == nil {
		return false
	}
	if s.cmd.ProcessState != nil {
		return false
	}
	return true
}

// WaitExit blocks (with a bounded poll, never unboundedly) until the
// shell process exits or timeout elapses, returning its exit code.
// ok=false means it is still running.
func (s *Session) WaitExit(timeout time.Duration) (code int, ok bool) {
	deadline := time.Now().Add(timeout)
	for {
		if code, exited := s.Done(); exited {
			return code, true
		}
		if time.Now().After(deadline) {
			return 0, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Done returns whether the shell has exited, and if so its exit code.
// Unlike WaitExit it never sleeps: it's meant for the output-drain loop's
// per-tick exit check.
func (s *Session) Done() (code int, exited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd.ProcessState != nil {
		return s.cmd.ProcessState.ExitCode(), true
	}
	// Non-blocking reap attempt so a child that exited between drain ticks
	// is observed promptly instead of waiting for a future Wait() call.
	var ws syscall.WaitStatus
	pid, err := syscall.Wait4(s.cmd.Process.Pid, &ws, syscall.WNOHANG, nil)
	if err != nil || pid == 0 {
		return 0, false
	}
	if ws.Exited() {
		return ws.ExitStatus(), true
	}
	if ws.Signaled() {
		return 128 + int(ws.Signal()), true
	}
	return 0, false
}

// Close releases the PTY master and shell process on all exit paths:
// SIGTERM the process group, wait briefly, SIGKILL if still alive, then
// close the master fd. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	master := s.master
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil && cmd.ProcessState == nil {
		if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
			syscall.Kill(-pgid, syscall.SIGTERM)
			done := make(chan struct{})
			go func() { cmd.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(time.Second):
				syscall.Kill(-pgid, syscall.SIGKILL)
				<-done
			}
		}
	}

	if master != nil {
		return master.Close()
	}
	return nil
}
