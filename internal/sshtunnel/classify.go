package sshtunnel

import (
	"errors"
	"strings"
)

// Error kinds broadcast with failed tunnels. AUTHENTICATION_FAILED and
// CONNECTION_FAILED are permanent: retrying with the same config cannot
// succeed. The rest are transient and retried.
const (
	ErrKindAuth    = "AUTHENTICATION_FAILED"
	ErrKindConn    = "CONNECTION_FAILED"
	ErrKindNetwork = "NETWORK_ERROR"
	ErrKindTimeout = "TIMEOUT"
	ErrKindUnknown = "UNKNOWN"
)

var (
	errExitedEarly = errors.New("remote forward process exited during startup")
	errControlLost = errors.New("control connection lost")
)

// classify maps an error to one of the broadcast kinds by inspecting
// the message, since the interesting details arrive as remote stderr
// text rather than typed errors.
func classify(err error) string {
	if err == nil {
		return ErrKindUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "authentication failed"),
		strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "incorrect password"),
		strings.Contains(msg, "host key verification failed"):
		return ErrKindAuth

	case strings.Contains(msg, "address already in use"),
		strings.Contains(msg, "port forwarding failed"),
		strings.Contains(msg, "remote port forwarding"),
		strings.Contains(msg, "administratively prohibited"),
		strings.Contains(msg, "open failed"):
		return ErrKindConn

	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return ErrKindTimeout

	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "no route to host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection lost"),
		strings.Contains(msg, "name or service not known"),
		strings.Contains(msg, "could not resolve"):
		return ErrKindNetwork

	default:
		return ErrKindUnknown
	}
}

// retryable reports whether the engine should schedule a reconnect for
// an error of the given kind.
func retryable(kind string) bool {
	switch kind {
	case ErrKindNetwork, ErrKindTimeout, ErrKindUnknown:
		return true
	}
	return false
}
