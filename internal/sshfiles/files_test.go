package sshfiles

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// failingSFTP errors on every call, forcing the shell fallback.
type failingSFTP struct{}

var errNoSFTP = errors.New("sftp subsystem unavailable")

func (failingSFTP) ReadDir(string) ([]os.FileInfo, error) { return nil, errNoSFTP }
func (failingSFTP) Open(string) (*sftp.File, error)       { return nil, errNoSFTP }
func (failingSFTP) Create(string) (*sftp.File, error)     { return nil, errNoSFTP }
func (failingSFTP) Mkdir(string) error                    { return errNoSFTP }
func (failingSFTP) Remove(string) error                   { return errNoSFTP }
func (failingSFTP) Rename(string, string) error           { return errNoSFTP }
func (failingSFTP) Stat(string) (os.FileInfo, error)      { return nil, errNoSFTP }
func (failingSFTP) Close() error                          { return nil }

// stubShell replaces runShell, capturing commands and replaying canned
// responses.
type stubShell struct {
	cmds   []string
	stdout string
	stderr string
	exit   int
}

func (st *stubShell) install(t *testing.T) {
	t.Helper()
	orig := runShell
	runShell = func(client *ssh.Client, cmd string) (string, string, int, error) {
		st.cmds = append(st.cmds, cmd)
		return st.stdout, st.stderr, st.exit, nil
	}
	t.Cleanup(func() { runShell = orig })
}

func testSession() *Session {
	return &Session{ID: "sess1", client: &ssh.Client{}, sftpc: failingSFTP{}}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/tmp/plain", "'/tmp/plain'", false},
		{"/tmp/with space", "'/tmp/with space'", false},
		{"/tmp/it's", `'/tmp/it'"'"'s'`, false},
		{"'; rm -rf /", `''"'"'; rm -rf /'`, false},
		{"/tmp/nul\x00byte", "", true},
	}
	for _, tt := range tests {
		got, err := shellQuote(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("shellQuote(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestList_FallbackParsesLs(t *testing.T) {
	st := &stubShell{stdout: `total 16
drwxr-xr-x  2 root root 4096 Jan  2 10:00 .
drwxr-xr-x 14 root root 4096 Jan  2 10:00 ..
-rw-r--r--  1 root root  220 Jan  2 10:00 .bashrc
drwxr-xr-x  3 root root 4096 Jan  2 10:01 my docs
lrwxrwxrwx  1 root root    7 Jan  2 10:02 link -> target
`}
	st.install(t)

	entries, err := testSession().List("/root")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(st.cmds) != 1 || !strings.HasPrefix(st.cmds[0], "ls -la '/root'") {
		t.Errorf("commands = %v", st.cmds)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}

	byName := map[string]FileEntry{}
	for _, e := range entries {
		byName[e.Name] = e
	}
	if e := byName[".bashrc"]; e.Type != "file" || e.Size != 220 || e.Path != "/root/.bashrc" {
		t.Errorf(".bashrc = %+v", e)
	}
	if e := byName["my docs"]; e.Type != "directory" {
		t.Errorf("space-bearing dir = %+v", e)
	}
	if e := byName["link"]; e.Type != "link" {
		t.Errorf("symlink = %+v", e)
	}
}

func TestRead_Fallback(t *testing.T) {
	st := &stubShell{stdout: "file body\n"}
	st.install(t)

	data, err := testSession().Read("/etc/motd")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != "file body\n" {
		t.Errorf("data = %q", data)
	}
	if !strings.HasPrefix(st.cmds[0], "cat '/etc/motd'") {
		t.Errorf("command = %q", st.cmds[0])
	}
}

func TestWrite_FallbackUsesBase64Sentinel(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)

	if err := testSession().Write("/tmp/out", []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(st.cmds) != 1 {
		t.Fatalf("commands = %v", st.cmds)
	}
	cmd := st.cmds[0]
	if !strings.Contains(cmd, "base64 -d") || !strings.Contains(cmd, "> '/tmp/out'") {
		t.Errorf("command = %q", cmd)
	}
	if !strings.Contains(cmd, "aGVsbG8=") {
		t.Errorf("payload not base64 encoded: %q", cmd)
	}
	if !strings.HasSuffix(cmd, "echo SUCCESS") {
		t.Errorf("missing sentinel: %q", cmd)
	}
}

func TestWrite_LargePayloadChunks(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)

	data := make([]byte, chunkSize+1024)
	if err := testSession().Write("/tmp/big", data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(st.cmds) != 2 {
		t.Fatalf("chunk count = %d, want 2", len(st.cmds))
	}
	if !strings.Contains(st.cmds[0], "> '/tmp/big'") {
		t.Errorf("first chunk must truncate: %q", truncateForLog(st.cmds[0]))
	}
	if !strings.Contains(st.cmds[1], ">> '/tmp/big'") {
		t.Errorf("later chunks must append: %q", truncateForLog(st.cmds[1]))
	}
}

func TestWrite_MissingSentinelFails(t *testing.T) {
	st := &stubShell{stdout: "", stderr: "disk full"}
	st.install(t)

	err := testSession().Write("/tmp/out", []byte("x"))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Errorf("err = %v, want disk full", err)
	}
}

func TestCreateFile_Fallback(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)

	if err := testSession().CreateFile("/tmp/new"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if !strings.HasPrefix(st.cmds[0], "touch '/tmp/new'") {
		t.Errorf("command = %q", st.cmds[0])
	}
}

func TestCreateDirectory_Fallback(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)

	if err := testSession().CreateDirectory("/tmp/a/b"); err != nil {
		t.Fatalf("CreateDirectory: %v", err)
	}
	if !strings.HasPrefix(st.cmds[0], "mkdir -p '/tmp/a/b'") {
		t.Errorf("command = %q", st.cmds[0])
	}
}

func TestDelete_FileVsDirectory(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)
	s := testSession()

	if err := s.Delete("/tmp/f", false); err != nil {
		t.Fatalf("Delete file: %v", err)
	}
	if err := s.Delete("/tmp/d", true); err != nil {
		t.Fatalf("Delete dir: %v", err)
	}
	if !strings.HasPrefix(st.cmds[0], "rm -f '/tmp/f'") {
		t.Errorf("file delete = %q", st.cmds[0])
	}
	if !strings.HasPrefix(st.cmds[1], "rm -rf '/tmp/d'") {
		t.Errorf("dir delete = %q", st.cmds[1])
	}
}

func TestRename_Fallback(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)

	if err := testSession().Rename("/tmp/a", "/tmp/b"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if !strings.HasPrefix(st.cmds[0], "mv '/tmp/a' '/tmp/b'") {
		t.Errorf("command = %q", st.cmds[0])
	}
}

func TestOps_RejectNULPaths(t *testing.T) {
	st := &stubShell{stdout: "SUCCESS\n"}
	st.install(t)
	s := testSession()

	bad := "/tmp/\x00evil"
	if _, err := s.List(bad); err == nil {
		t.Error("List accepted NUL path")
	}
	if _, err := s.Read(bad); err == nil {
		t.Error("Read accepted NUL path")
	}
	if err := s.Delete(bad, false); err == nil {
		t.Error("Delete accepted NUL path")
	}
	if len(st.cmds) != 0 {
		t.Errorf("NUL paths reached the shell: %v", st.cmds)
	}
}

func TestManager_SessionLifecycle(t *testing.T) {
	m := NewManager()
	s := &Session{ID: "a", UserID: 1, HostID: 4}
	m.mu.Lock()
	m.sessions["a"] = s
	m.mu.Unlock()

	if got := m.Get("a"); got != s {
		t.Error("Get did not return the stored session")
	}
	status := m.Status(1)
	if len(status) != 1 || status[0].HostID != 4 {
		t.Errorf("Status = %+v", status)
	}
	if got := m.Status(2); len(got) != 0 {
		t.Errorf("other user sees sessions: %+v", got)
	}

	if err := m.Disconnect("a"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if m.Get("a") != nil {
		t.Error("session survived Disconnect")
	}
	if err := m.Disconnect("a"); err == nil {
		t.Error("second Disconnect should fail")
	}
}

func truncateForLog(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
