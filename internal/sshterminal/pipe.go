package sshterminal

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/coder/websocket"
)

// Rate limits for terminal input. The burst allows pastes while the
// sustained rate caps runaway clients.
const (
	inputRateLimit = 200
	inputRateBurst = 200
)

// wsWriteTimeout bounds each stdout write to the WebSocket. A client
// that stops draining gets disconnected instead of stalling the shell
// relay forever.
var wsWriteTimeout = 10 * time.Second

// wsConn is the slice of *websocket.Conn the relay uses. An interface
// so the relay loops are testable without a network.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

type resizeMsg struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Pipe relays bytes between the PTY and the WebSocket until either
// side closes. Binary messages are shell input; text messages carry
// JSON control frames (currently only resize).
func Pipe(ctx context.Context, conn wsConn, term *TerminalSession) {
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		defer cancel()
		relayStdout(relayCtx, conn, term)
	}()

	relayInput(relayCtx, conn, term)
	cancel()
}

// relayStdout pumps shell output to the client with a per-write
// timeout.
func relayStdout(ctx context.Context, conn wsConn, term *TerminalSession) {
	buf := make([]byte, 32*1024)
	for {
		n, err := term.Stdout.Read(buf)
		if n > 0 {
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			werr := conn.Write(writeCtx, websocket.MessageBinary, buf[:n])
			cancel()
			if werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// relayInput pumps client messages to the shell.
func relayInput(ctx context.Context, conn wsConn, term *TerminalSession) {
	limiter := newTokenBucket(inputRateBurst, inputRateLimit)
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if !limiter.allow() {
			continue
		}

		if msgType == websocket.MessageBinary {
			if len(data) > MaxInputMessageSize {
				log.Printf("[terminal] dropping oversized input message (%d bytes)", len(data))
				continue
			}
			if _, err := term.Stdin.Write(data); err != nil {
				return
			}
			continue
		}

		var msg resizeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "resize" && msg.Cols > 0 && msg.Rows > 0 {
			term.Resize(msg.Cols, msg.Rows)
		}
	}
}

// tokenBucket is a minimal rate limiter for input messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
