// Package sshterminal provides interactive PTY sessions over SSH.
//
// It wraps golang.org/x/crypto/ssh to start a login shell under a PTY
// and relays bytes between that shell and a WebSocket connection. The
// terminal handler owns the WebSocket; this package owns the SSH side
// and the relay loop.
package sshterminal

import (
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
)

// MaxInputMessageSize bounds a single terminal input message. Anything
// larger is dropped.
const MaxInputMessageSize = 64 * 1024

// Resize requests beyond these bounds are clamped.
const (
	MaxResizeCols uint16 = 500
	MaxResizeRows uint16 = 500
)

// TerminalSession wraps an SSH session with PTY support.
type TerminalSession struct {
	Stdin   io.WriteCloser
	Stdout  io.Reader
	Session *ssh.Session
}

// Resize changes the PTY dimensions, clamped to the package bounds.
func (ts *TerminalSession) Resize(cols, rows uint16) error {
	cols, rows = clampResize(cols, rows)
	return ts.Session.WindowChange(int(rows), int(cols))
}

func clampResize(cols, rows uint16) (uint16, uint16) {
	if cols > MaxResizeCols {
		cols = MaxResizeCols
	}
	if rows > MaxResizeRows {
		rows = MaxResizeRows
	}
	return cols, rows
}

// Close terminates the SSH session.
func (ts *TerminalSession) Close() error {
	if ts.Session == nil {
		return nil
	}
	return ts.Session.Close()
}

// CreateInteractiveSession opens a new SSH session with a PTY and
// starts the user's login shell.
func CreateInteractiveSession(client *ssh.Client, cols, rows uint16) (*TerminalSession, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &TerminalSession{
		Stdin:   stdin,
		Stdout:  stdout,
		Session: session,
	}, nil
}
