// Package sshfiles implements remote file management over per-session
// SSH connections.
//
// Each browser file-manager window owns one session, addressed by a
// caller-chosen session id. Operations go through SFTP when the server
// supports it and fall back to shell commands on any SFTP error, so
// minimal sshds without the sftp subsystem still work.
package sshfiles

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"github.com/scjtqs2/Termix-sub002/internal/sshpool"
	"golang.org/x/crypto/ssh"
)

// sftpAPI is the slice of *sftp.Client used by the operations. An
// interface so tests can force the shell fallback without a server.
type sftpAPI interface {
	ReadDir(path string) ([]os.FileInfo, error)
	Open(path string) (*sftp.File, error)
	Create(path string) (*sftp.File, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldname, newname string) error
	Stat(path string) (os.FileInfo, error)
	Close() error
}

// Session is one live file-manager connection.
type Session struct {
	ID          string
	UserID      uint
	HostID      uint
	ConnectedAt time.Time

	mu         sync.Mutex
	client     *ssh.Client
	sftpc      sftpAPI
	lastActive time.Time
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// LastActive returns the time of the session's most recent operation.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// dialFunc and newSFTPClient are package-level vars so tests can
// substitute fakes.
var dialFunc = sshpool.Dial

var newSFTPClient = func(client *ssh.Client) (sftpAPI, error) {
	return sftp.NewClient(client)
}

// Manager tracks file sessions by id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Session)}
}

// Connect opens a new session. An existing session with the same id is
// replaced.
func (m *Manager) Connect(ctx context.Context, sessionID string, userID, hostID uint, cfg *credentials.ConnectConfig) (*Session, error) {
	client, err := dialFunc(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("file session %s: %w", sessionID, err)
	}

	s := &Session{
		ID:          sessionID,
		UserID:      userID,
		HostID:      hostID,
		ConnectedAt: time.Now(),
		client:      client,
		lastActive:  time.Now(),
	}
	// SFTP is best effort. Without it every operation shells out.
	if sftpc, err := newSFTPClient(client); err == nil {
		s.sftpc = sftpc
	} else {
		log.Printf("[files] session %s: sftp unavailable, using shell fallback: %v", sessionID, err)
	}

	m.mu.Lock()
	old := m.sessions[sessionID]
	m.sessions[sessionID] = s
	m.mu.Unlock()
	if old != nil {
		old.close()
	}
	return s, nil
}

// Get returns the session for id, or nil.
func (m *Manager) Get(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// Disconnect closes and removes the session.
func (m *Manager) Disconnect(sessionID string) error {
	m.mu.Lock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if s == nil {
		return fmt.Errorf("unknown file session %q", sessionID)
	}
	s.close()
	return nil
}

// SessionStatus is the wire shape for the status endpoint.
type SessionStatus struct {
	SessionID   string    `json:"sessionId"`
	HostID      uint      `json:"hostId"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastActive  time.Time `json:"lastActive"`
}

// Status reports all live sessions for a user.
func (m *Manager) Status(userID uint) []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []SessionStatus{}
	for _, s := range m.sessions {
		if s.UserID != userID {
			continue
		}
		out = append(out, SessionStatus{
			SessionID:   s.ID,
			HostID:      s.HostID,
			Connected:   true,
			ConnectedAt: s.ConnectedAt,
			LastActive:  s.LastActive(),
		})
	}
	return out
}

// CloseAll tears down every session. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftpc != nil {
		s.sftpc.Close()
		s.sftpc = nil
	}
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

func (s *Session) sftpClient() sftpAPI {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sftpc
}

// readAll drains an sftp file handle.
func readAll(f *sftp.File) ([]byte, error) {
	defer f.Close()
	return io.ReadAll(f)
}
