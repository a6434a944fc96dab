//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mattn/go-shellwords"
	"golang.org/x/sys/unix"
)

// TerminalSession is the PTY-hosted backend kind (C5). It forks/execs the
// configured command under a pseudo-terminal and pumps the master fd
// through a shared Poller, feeding every chunk of output to the emulator,
// the replay buffer, and the connector, in that order, so all three sinks
// see the identical byte sequence (invariant 1, §8).
//
// Grounded on ehrlich-b-wingthing/internal/egg/server.go's
// pty.StartWithSize/pty.Setsize usage and the teacher's PTYManager shape
// (mutex-guarded fields, onOutput-style fan-out, dedicated goroutine),
// generalized from "attach to an existing tmux pane" to "own a freshly
// spawned child."
type TerminalSession struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	ptmx      *os.File
	emulator  *Emulator
	replay    *ReplayBuffer
	connector Connector
	poller    *Poller
	state     ProcessState
	cancel    context.CancelFunc
	logger    *slog.Logger

	closeOnce sync.Once
	doneCh    chan struct{}
	reaped    chan struct{}
}

// NewTerminalSession allocates a PTY, spawns the command, and registers the
// master fd with the shared poller. The command is parsed by POSIX
// shell-style word splitting (§4.5); an empty command falls back to $SHELL,
// then /bin/sh.
func NewTerminalSession(poller *Poller, entry AppEntry, cols, rows int, connector Connector, logger *slog.Logger) (*TerminalSession, error) {
	argv, err := commandArgv(entry.Command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = entry.WorkingDirectory
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("COLUMNS=%d", cols),
		fmt.Sprintf("ROWS=%d", rows),
		ganglionMarkerEnv,
	)
	// Cancellation sends SIGHUP; if the child hasn't exited within
	// WaitDelay, os/exec force-kills it. This is the Close() bounded
	// timeout-then-SIGKILL path named in §4.5.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGHUP) }
	cmd.WaitDelay = 5 * time.Second

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start pty: %w", err)
	}
	if err := unix.SetNonblock(int(ptmx.Fd()), true); err != nil {
		ptmx.Close()
		cancel()
		return nil, fmt.Errorf("set nonblocking: %w", err)
	}

	ts := &TerminalSession{
		cmd:       cmd,
		ptmx:      ptmx,
		emulator:  NewEmulator(cols, rows),
		replay:    NewReplayBuffer(),
		connector: connector,
		poller:    poller,
		state:     StateRunning,
		cancel:    cancel,
		logger:    logger,
		doneCh:    make(chan struct{}),
		reaped:    make(chan struct{}),
	}

	if err := poller.Register(int(ptmx.Fd()), ts.onReadable); err != nil {
		ptmx.Close()
		cancel()
		return nil, fmt.Errorf("register poller: %w", err)
	}

	go ts.waitLoop()

	return ts, nil
}

// commandArgv parses cmdline with POSIX shell-style word splitting,
// falling back to $SHELL then /bin/sh when cmdline is empty.
func commandArgv(cmdline string) ([]string, error) {
	if cmdline == "" {
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		return []string{shell}, nil
	}
	argv, err := shellwords.Parse(cmdline)
	if err != nil {
		return nil, err
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	return argv, nil
}

// onReadable is invoked by the shared Poller's goroutine whenever the
// master fd has data available. It drains the fd (the fd is
// edge-triggered-friendly here since we loop until EAGAIN) 64 KiB at a
// time, per §4.5.
func (ts *TerminalSession) onReadable() {
	buf := make([]byte, 64*1024)
	for {
		n, err := ts.ptmx.Read(buf)
		if n > 0 {
			ts.handleOutput(buf[:n])
		}
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				return
			}
			// EOF or any other read error means the child is gone; the
			// waitLoop goroutine drives the orderly close.
			return
		}
		if n == 0 {
			return
		}
	}
}

// handleOutput applies the partial-clear pre-processor, then delivers the
// resulting bytes to the emulator, the replay buffer, and the connector in
// that fixed order, satisfying invariant 1 (§8): all three sinks observe
// the same byte sequence in the same order.
func (ts *TerminalSession) handleOutput(data []byte) {
	cursorRow := ts.emulator.CursorRow()
	processed := ExpandClearRuns(data, cursorRow)

	ts.emulator.Write(processed)
	ts.replay.Append(processed)

	ts.mu.Lock()
	connector := ts.connector
	ts.mu.Unlock()
	if connector != nil {
		connector.OnData(processed)
	}
}

func (ts *TerminalSession) waitLoop() {
	err := ts.cmd.Wait()
	close(ts.reaped)
	if err != nil {
		ts.logger.Info("terminal session child exited", "error", err)
	} else {
		ts.logger.Info("terminal session child exited")
	}
	ts.Close()
}

// SendInput writes data to the master fd. Short writes loop; EAGAIN
// retries. A hard write error marks the session for closure.
func (ts *TerminalSession) SendInput(data []byte) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state != StateRunning {
		return
	}
	for len(data) > 0 {
		n, err := ts.ptmx.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				continue
			}
			ts.logger.Warn("pty write error", "error", err)
			go ts.Close()
			return
		}
	}
}

// SendMeta is a no-op for PTY sessions: raw shells have no meta channel.
func (ts *TerminalSession) SendMeta(meta map[string]any) {}

// SetTerminalSize resizes both the PTY and the emulator.
func (ts *TerminalSession) SetTerminalSize(cols, rows int) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.state != StateRunning {
		return
	}
	if err := pty.Setsize(ts.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		ts.logger.Warn("pty resize error", "error", err)
	}
	ts.emulator.Resize(cols, rows)
}

// ReplayBuffer returns the current snapshot of recent raw output.
func (ts *TerminalSession) ReplayBuffer() []byte {
	return ts.replay.Snapshot()
}

// UpdateConnector atomically swaps the output sink. In-flight OnData calls
// continue to their original target since handleOutput reads the field
// under the mutex once per chunk, not once for the whole call.
func (ts *TerminalSession) UpdateConnector(c Connector) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.connector = c
}

// State reports the current lifecycle state.
func (ts *TerminalSession) State() ProcessState {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.state
}

// Close cancels the read registration, closes the master fd, and signals
// the child to terminate. Safe to call more than once; on_close fires
// exactly once.
func (ts *TerminalSession) Close() {
	ts.closeOnce.Do(func() {
		ts.mu.Lock()
		ts.state = StateClosing
		ts.mu.Unlock()

		ts.poller.Unregister(int(ts.ptmx.Fd()))
		ts.ptmx.Close()
		ts.cancel()
		<-ts.reaped

		ts.mu.Lock()
		ts.state = StateClosed
		connector := ts.connector
		ts.mu.Unlock()

		if connector != nil {
			connector.OnClose()
		}
		close(ts.doneCh)
	})
}

// Wait blocks until the session has fully closed.
func (ts *TerminalSession) Wait() {
	<-ts.doneCh
}
