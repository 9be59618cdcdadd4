package sshterminal

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

type wsFrame struct {
	typ  websocket.MessageType
	data []byte
}

// fakeWS implements wsConn in memory.
type fakeWS struct {
	in chan wsFrame

	mu         sync.Mutex
	written    [][]byte
	blockWrite bool
}

func newFakeWS() *fakeWS {
	return &fakeWS{in: make(chan wsFrame, 16)}
}

func (f *fakeWS) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case fr, ok := <-f.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return fr.typ, fr.data, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (f *fakeWS) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	block := f.blockWrite
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	data := make([]byte, len(p))
	copy(data, p)
	f.mu.Lock()
	f.written = append(f.written, data)
	f.mu.Unlock()
	return nil
}

func (f *fakeWS) allWritten() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.written {
		out = append(out, w...)
	}
	return out
}

// recordingWriter captures shell input.
type recordingWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *recordingWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(p)
}

func (r *recordingWriter) Close() error { return nil }

func (r *recordingWriter) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func TestPipe_InputReachesShell(t *testing.T) {
	ws := newFakeWS()
	stdin := &recordingWriter{}
	term := &TerminalSession{Stdin: stdin, Stdout: &blockedReader{}}

	ws.in <- wsFrame{websocket.MessageBinary, []byte("ls -la\n")}
	close(ws.in)

	done := make(chan struct{})
	go func() {
		Pipe(context.Background(), ws, term)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after client EOF")
	}

	if got := stdin.String(); got != "ls -la\n" {
		t.Errorf("stdin = %q", got)
	}
}

func TestPipe_OversizedInputDropped(t *testing.T) {
	ws := newFakeWS()
	stdin := &recordingWriter{}
	term := &TerminalSession{Stdin: stdin, Stdout: &blockedReader{}}

	ws.in <- wsFrame{websocket.MessageBinary, make([]byte, MaxInputMessageSize+1)}
	ws.in <- wsFrame{websocket.MessageBinary, []byte("ok")}
	close(ws.in)

	Pipe(context.Background(), ws, term)

	if got := stdin.String(); got != "ok" {
		t.Errorf("stdin = %q, oversized frame should be dropped", got)
	}
}

func TestPipe_StdoutReachesClient(t *testing.T) {
	ws := newFakeWS()
	outR, outW := io.Pipe()
	term := &TerminalSession{Stdin: &recordingWriter{}, Stdout: outR}

	go func() {
		outW.Write([]byte("motd\n$ "))
		outW.Close()
	}()

	done := make(chan struct{})
	go func() {
		Pipe(context.Background(), ws, term)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not return after stdout EOF")
	}

	if got := string(ws.allWritten()); got != "motd\n$ " {
		t.Errorf("client received %q", got)
	}
}

func TestPipe_SlowClientDisconnected(t *testing.T) {
	orig := wsWriteTimeout
	wsWriteTimeout = 20 * time.Millisecond
	t.Cleanup(func() { wsWriteTimeout = orig })

	ws := newFakeWS()
	ws.blockWrite = true
	outR, outW := io.Pipe()
	term := &TerminalSession{Stdin: &recordingWriter{}, Stdout: outR}
	defer outW.Close()

	go outW.Write([]byte("output the client never drains"))

	done := make(chan struct{})
	go func() {
		Pipe(context.Background(), ws, term)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Pipe did not disconnect the stalled client")
	}
}

func TestPipe_MalformedControlFrameIgnored(t *testing.T) {
	ws := newFakeWS()
	stdin := &recordingWriter{}
	term := &TerminalSession{Stdin: stdin, Stdout: &blockedReader{}}

	ws.in <- wsFrame{websocket.MessageText, []byte("{not json")}
	ws.in <- wsFrame{websocket.MessageBinary, []byte("x")}
	close(ws.in)

	Pipe(context.Background(), ws, term)

	if got := stdin.String(); got != "x" {
		t.Errorf("stdin = %q", got)
	}
}

func TestClampResize(t *testing.T) {
	tests := []struct {
		cols, rows         uint16
		wantCols, wantRows uint16
	}{
		{80, 24, 80, 24},
		{500, 500, 500, 500},
		{501, 24, 500, 24},
		{80, 9999, 80, 500},
	}
	for _, tt := range tests {
		cols, rows := clampResize(tt.cols, tt.rows)
		if cols != tt.wantCols || rows != tt.wantRows {
			t.Errorf("clampResize(%d, %d) = (%d, %d), want (%d, %d)",
				tt.cols, tt.rows, cols, rows, tt.wantCols, tt.wantRows)
		}
	}
}

func TestTokenBucket(t *testing.T) {
	tb := newTokenBucket(3, 1)
	for i := 0; i < 3; i++ {
		if !tb.allow() {
			t.Fatalf("message %d denied within burst", i)
		}
	}
	if tb.allow() {
		t.Error("message allowed past burst with no refill")
	}

	tb.lastRefill = time.Now().Add(-2 * time.Second)
	if !tb.allow() {
		t.Error("message denied after refill window")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	s := &Session{ID: "term1", UserID: 1, HostID: 2, Terminal: &TerminalSession{}}
	r.Add(s)

	if r.Get("term1") != s {
		t.Error("Get did not return stored session")
	}
	if n := r.Count(); n != 1 {
		t.Errorf("Count = %d", n)
	}
	if got := r.ListForUser(1); len(got) != 1 {
		t.Errorf("ListForUser(1) = %d sessions", len(got))
	}
	if got := r.ListForUser(9); len(got) != 0 {
		t.Errorf("ListForUser(9) = %d sessions", len(got))
	}

	if err := r.Remove("term1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if r.Get("term1") != nil {
		t.Error("session survived Remove")
	}
	if err := r.Remove("term1"); err == nil {
		t.Error("second Remove should fail")
	}

	r.Add(&Session{ID: "a", Terminal: &TerminalSession{}})
	r.Add(&Session{ID: "b", Terminal: &TerminalSession{}})
	r.CloseAll()
	if r.Count() != 0 {
		t.Error("sessions survived CloseAll")
	}
}

// blockedReader blocks forever, standing in for a quiet shell.
type blockedReader struct{}

func (blockedReader) Read(p []byte) (int, error) {
	select {}
}
