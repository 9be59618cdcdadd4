// Package sshtunnel maintains reverse SSH tunnels between remote hosts.
//
// For each tunnel the engine opens a control SSH connection to the
// source host and spawns a remote ssh process that reverse-forwards the
// endpoint port back to the source. Every tunnel is driven by its own
// actor goroutine, so state transitions for a given tunnel are totally
// ordered without shared locks.
package sshtunnel

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Tunnel states as broadcast to clients.
const (
	StateIdle         = "idle"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateWaiting      = "waiting"
	StateRetrying     = "retrying"
	StateFailed       = "failed"
	StateDisconnected = "disconnected"
)

const (
	defaultMaxRetries      = 3
	defaultRetryIntervalMs = 5000
)

// Timer defaults. Package-level vars so tests can shrink them.
var (
	connectTimeout   = 60 * time.Second
	connectGrace     = 2 * time.Second
	pingInterval     = 120 * time.Second
	manualClearDelay = 5 * time.Second
	countdownTick    = time.Second
	reapSettle       = time.Second
)

// Config describes one reverse tunnel. retryInterval is accepted in
// seconds at the API boundary and converted to milliseconds internally.
type Config struct {
	Name string `json:"name"`

	SourceIP            string `json:"sourceIP"`
	SourceSSHPort       int    `json:"sourceSSHPort"`
	SourceUsername      string `json:"sourceUsername"`
	SourceAuthMethod    string `json:"sourceAuthMethod"`
	SourcePassword      string `json:"sourcePassword,omitempty"`
	SourceKey           string `json:"sourceKey,omitempty"`
	SourceKeyPassphrase string `json:"sourceKeyPassphrase,omitempty"`
	SourcePort          int    `json:"sourcePort"`

	EndpointIP         string `json:"endpointIP"`
	EndpointSSHPort    int    `json:"endpointSSHPort"`
	EndpointPort       int    `json:"endpointPort"`
	EndpointUsername   string `json:"endpointUsername"`
	EndpointAuthMethod string `json:"endpointAuthMethod"`
	EndpointPassword   string `json:"endpointPassword,omitempty"`
	EndpointKey        string `json:"endpointKey,omitempty"`

	// MaxRetries nil means unset and falls back to the default. An
	// explicit 0 disables retries: the first failure is terminal.
	MaxRetries       *int `json:"maxRetries,omitempty"`
	RetryIntervalSec int  `json:"retryInterval"`
	AutoStart        bool `json:"autoStart"`
}

// TunnelName derives the stable tunnel name from a host name and the
// two forwarded ports.
func TunnelName(hostName string, sourcePort, endpointPort int) string {
	return fmt.Sprintf("%s_%d_%d", hostName, sourcePort, endpointPort)
}

func (c *Config) normalize() {
	if c.Name == "" {
		c.Name = TunnelName(c.SourceIP, c.SourcePort, c.EndpointPort)
	}
	if c.SourceSSHPort == 0 {
		c.SourceSSHPort = 22
	}
	if c.EndpointSSHPort == 0 {
		c.EndpointSSHPort = 22
	}
}

// maxRetries resolves the retry cap, defaulting only when the field
// was never set. Negative values are treated as unset.
func (c *Config) maxRetries() int {
	if c.MaxRetries == nil || *c.MaxRetries < 0 {
		return defaultMaxRetries
	}
	return *c.MaxRetries
}

// retryIntervalMs returns the retry delay in milliseconds.
func (c *Config) retryIntervalMs() int {
	if c.RetryIntervalSec <= 0 {
		return defaultRetryIntervalMs
	}
	return c.RetryIntervalSec * 1000
}

// Status is the broadcast record for one tunnel.
type Status struct {
	Name        string    `json:"name"`
	Connected   bool      `json:"connected"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	ErrorType   string    `json:"errorType,omitempty"`
	RetryCount  int       `json:"retryCount,omitempty"`
	MaxRetries  int       `json:"maxRetries,omitempty"`
	NextRetryIn int       `json:"nextRetryIn,omitempty"`
	// RetryExhausted marks a failure that burned through the retry
	// budget, as opposed to a fatal error on the first attempt.
	RetryExhausted bool      `json:"retryExhausted,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Engine owns all tunnel actors and the shared status map.
type Engine struct {
	mu      sync.Mutex
	actors  map[string]*actor
	status  map[string]Status
	manual  map[string]bool
	closed  bool
	actorWG sync.WaitGroup
}

func NewEngine() *Engine {
	return &Engine{
		actors: make(map[string]*actor),
		status: make(map[string]Status),
		manual: make(map[string]bool),
	}
}

// Connect starts (or restarts) the tunnel described by cfg. A second
// call for the same name tears down the running attempt and starts
// over.
func (e *Engine) Connect(cfg Config) (string, error) {
	cfg.normalize()
	if err := validate(&cfg); err != nil {
		return "", err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("tunnel engine is shut down")
	}
	delete(e.manual, cfg.Name)
	a, ok := e.actors[cfg.Name]
	if !ok {
		a = newActor(e, cfg.Name)
		e.actors[cfg.Name] = a
		e.actorWG.Add(1)
		go func() {
			defer e.actorWG.Done()
			a.loop()
		}()
	}
	e.mu.Unlock()

	a.post(evConnect{cfg: &cfg})
	return cfg.Name, nil
}

// Disconnect manually tears down the tunnel. The manual flag blocks
// reconnects for a short window so in-flight retries cannot resurrect
// the tunnel the user just killed.
func (e *Engine) Disconnect(name string) error {
	a := e.actor(name)
	if a == nil {
		return fmt.Errorf("unknown tunnel %q", name)
	}
	a.post(evDisconnect{manual: true})
	return nil
}

// Cancel aborts a connect attempt or a pending retry. Same path as
// Disconnect; the distinction only matters to the caller.
func (e *Engine) Cancel(name string) error {
	return e.Disconnect(name)
}

// StatusAll returns a copy of the status map.
func (e *Engine) StatusAll() map[string]Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Status, len(e.status))
	for k, v := range e.status {
		out[k] = v
	}
	return out
}

// StatusFor returns the broadcast record for one tunnel.
func (e *Engine) StatusFor(name string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.status[name]
	return s, ok
}

// Shutdown disconnects every tunnel and waits for the actors to finish,
// bounded by ctx.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	actors := make([]*actor, 0, len(e.actors))
	for _, a := range e.actors {
		actors = append(actors, a)
	}
	e.mu.Unlock()

	for _, a := range actors {
		a.post(evShutdown{})
	}

	done := make(chan struct{})
	go func() {
		e.actorWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Printf("[tunnel] shutdown timed out with actors still draining")
	}
}

func (e *Engine) actor(name string) *actor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.actors[name]
}

func (e *Engine) setStatus(s Status) {
	s.UpdatedAt = time.Now()
	e.mu.Lock()
	e.status[s.Name] = s
	e.mu.Unlock()
}

func (e *Engine) manualBlocked(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manual[name]
}

func (e *Engine) markManual(name string) {
	e.mu.Lock()
	e.manual[name] = true
	e.mu.Unlock()
	time.AfterFunc(manualClearDelay, func() {
		e.mu.Lock()
		delete(e.manual, name)
		e.mu.Unlock()
	})
}

func validate(cfg *Config) error {
	if cfg.SourceIP == "" || cfg.SourceUsername == "" {
		return fmt.Errorf("tunnel %q: source host and username are required", cfg.Name)
	}
	if cfg.EndpointIP == "" || cfg.EndpointUsername == "" {
		return fmt.Errorf("tunnel %q: endpoint host and username are required", cfg.Name)
	}
	if cfg.SourcePort <= 0 || cfg.EndpointPort <= 0 {
		return fmt.Errorf("tunnel %q: source and endpoint ports are required", cfg.Name)
	}
	switch cfg.EndpointAuthMethod {
	case "password":
		if cfg.EndpointPassword == "" {
			return fmt.Errorf("tunnel %q: endpoint password auth with no password", cfg.Name)
		}
	case "key":
		if cfg.EndpointKey == "" {
			return fmt.Errorf("tunnel %q: endpoint key auth with no key", cfg.Name)
		}
	default:
		return fmt.Errorf("tunnel %q: unsupported endpoint auth method %q", cfg.Name, cfg.EndpointAuthMethod)
	}
	return nil
}
