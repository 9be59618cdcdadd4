// Package sshpool maintains bounded per-host pools of ready SSH clients.
//
// Clients are keyed by (ip, port, username). Each bucket holds up to
// maxPerHost clients; Acquire hands out an idle client, creates one when
// the bucket has room, or queues FIFO behind other waiters until a release
// or a failed creation frees a slot. A janitor evicts clients idle beyond
// the TTL. Connections are not health-pinged on acquire; transient
// failures surface on first command and are handled by the caller.
package sshpool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/scjtqs2/Termix-sub002/internal/credentials"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultMaxPerHost = 3

	createTimeout = 30 * time.Second
)

// idleTTL is how long an idle client survives between janitor runs.
// Package-level var so tests can shorten it.
var idleTTL = 10 * time.Minute

var ErrPoolClosed = errors.New("ssh pool is shut down")

// Package-level seams so tests can substitute connection handling.
var (
	dialFunc    = Dial
	closeClient = func(c *ssh.Client) { c.Close() }
)

type pooledClient struct {
	client   *ssh.Client
	inUse    bool
	lastUsed time.Time
}

type bucket struct {
	clients []*pooledClient
	// creating counts in-flight dials so the bucket cap covers half-open
	// connections too.
	creating int
	// waiters are served FIFO. A waiter receives a ready client from a
	// release, or nil when a slot freed up and it should try creating.
	waiters []chan *ssh.Client
}

// Pool is the process-wide SSH client pool.
type Pool struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	maxPerHost int
	closed     bool
}

func New(maxPerHost int) *Pool {
	if maxPerHost <= 0 {
		maxPerHost = DefaultMaxPerHost
	}
	return &Pool{
		buckets:    make(map[string]*bucket),
		maxPerHost: maxPerHost,
	}
}

func bucketKey(cfg *credentials.ConnectConfig) string {
	return fmt.Sprintf("%s:%d:%s", cfg.Host, cfg.Port, cfg.Username)
}

// Acquire returns a ready SSH client for the given connect config. It
// prefers an idle pooled client, creates one when the bucket is under the
// cap, and otherwise waits FIFO for a release.
func (p *Pool) Acquire(ctx context.Context, cfg *credentials.ConnectConfig) (*ssh.Client, error) {
	key := bucketKey(cfg)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		b, ok := p.buckets[key]
		if !ok {
			b = &bucket{}
			p.buckets[key] = b
		}

		// Idle client available?
		for _, pc := range b.clients {
			if !pc.inUse {
				pc.inUse = true
				pc.lastUsed = time.Now()
				p.mu.Unlock()
				return pc.client, nil
			}
		}

		// Room to create one?
		if len(b.clients)+b.creating < p.maxPerHost {
			b.creating++
			p.mu.Unlock()

			client, err := dialFunc(ctx, cfg)

			p.mu.Lock()
			b.creating--
			if err != nil {
				// A failed creation frees a slot; wake the next waiter so
				// it can try again.
				p.wakeLocked(b, nil)
				p.mu.Unlock()
				return nil, err
			}
			if p.closed {
				p.mu.Unlock()
				closeClient(client)
				return nil, ErrPoolClosed
			}
			b.clients = append(b.clients, &pooledClient{client: client, inUse: true, lastUsed: time.Now()})
			p.mu.Unlock()
			return client, nil
		}

		// Bucket saturated, wait FIFO for a release.
		ch := make(chan *ssh.Client, 1)
		b.waiters = append(b.waiters, ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.removeWaiter(key, ch)
			return nil, ctx.Err()
		case client := <-ch:
			if client != nil {
				return client, nil
			}
			// nil means a slot freed; loop and try to create.
		}
	}
}

// Release marks a client idle again and serves the oldest waiter, if any.
func (p *Pool) Release(client *ssh.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, b := range p.buckets {
		for _, pc := range b.clients {
			if pc.client == client {
				pc.lastUsed = time.Now()
				if len(b.waiters) > 0 {
					// Hand the client straight to the next waiter.
					p.wakeLocked(b, client)
					return
				}
				pc.inUse = false
				return
			}
		}
	}
}

// Discard removes a broken client from the pool and closes it. Callers use
// this instead of Release when a command failed at the transport level.
func (p *Pool) Discard(client *ssh.Client) {
	p.mu.Lock()
	for key, b := range p.buckets {
		for i, pc := range b.clients {
			if pc.client == client {
				b.clients = append(b.clients[:i], b.clients[i+1:]...)
				p.wakeLocked(b, nil)
				if len(b.clients) == 0 && b.creating == 0 && len(b.waiters) == 0 {
					delete(p.buckets, key)
				}
				p.mu.Unlock()
				closeClient(client)
				return
			}
		}
	}
	p.mu.Unlock()
	closeClient(client)
}

// wakeLocked pops the oldest waiter and delivers a client (or nil, meaning
// "a slot freed, try creating"). Caller holds p.mu.
func (p *Pool) wakeLocked(b *bucket, client *ssh.Client) {
	if len(b.waiters) == 0 {
		return
	}
	ch := b.waiters[0]
	b.waiters = b.waiters[1:]
	ch <- client
}

func (p *Pool) removeWaiter(key string, ch chan *ssh.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.buckets[key]
	if !ok {
		return
	}
	for i, w := range b.waiters {
		if w == ch {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
	// Already woken. Whatever was handed over must keep moving: pass a
	// client or a freed-slot signal on to the next waiter, or mark the
	// client idle when nobody is queued.
	select {
	case client := <-ch:
		if client == nil {
			p.wakeLocked(b, nil)
			return
		}
		if len(b.waiters) > 0 {
			p.wakeLocked(b, client)
			return
		}
		for _, pc := range b.clients {
			if pc.client == client {
				pc.inUse = false
				pc.lastUsed = time.Now()
			}
		}
	default:
	}
}

// Janitor evicts clients idle beyond the TTL and drops empty buckets.
// Wired to the cron scheduler (every 5 minutes).
func (p *Pool) Janitor() {
	now := time.Now()

	p.mu.Lock()
	var evict []*ssh.Client
	for key, b := range p.buckets {
		kept := b.clients[:0]
		for _, pc := range b.clients {
			if !pc.inUse && now.Sub(pc.lastUsed) > idleTTL {
				evict = append(evict, pc.client)
				continue
			}
			kept = append(kept, pc)
		}
		b.clients = kept
		if len(b.clients) == 0 && b.creating == 0 && len(b.waiters) == 0 {
			delete(p.buckets, key)
		}
	}
	p.mu.Unlock()

	for _, c := range evict {
		closeClient(c)
	}
	if len(evict) > 0 {
		log.Printf("[sshpool] janitor evicted %d idle client(s)", len(evict))
	}
}

// Destroy closes every client and rejects future acquires. Idempotent.
func (p *Pool) Destroy() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var all []*ssh.Client
	for _, b := range p.buckets {
		for _, pc := range b.clients {
			all = append(all, pc.client)
		}
		for _, ch := range b.waiters {
			close(ch)
		}
		b.waiters = nil
	}
	p.buckets = make(map[string]*bucket)
	p.mu.Unlock()

	for _, c := range all {
		closeClient(c)
	}
	log.Printf("[sshpool] destroyed (%d client(s) closed)", len(all))
}

// Stats returns the bucket sizes, for the status endpoint.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.buckets))
	for key, b := range p.buckets {
		out[key] = len(b.clients)
	}
	return out
}

// Dial opens a single SSH connection for the given connect config.
// Creation timeouts always close the half-open TCP connection.
func Dial(ctx context.Context, cfg *credentials.ConnectConfig) (*ssh.Client, error) {
	authMethods, err := authMethodsFor(cfg)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         createTimeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, createTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: createTimeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func authMethodsFor(cfg *credentials.ConnectConfig) ([]ssh.AuthMethod, error) {
	switch cfg.AuthMode {
	case "password":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	case "key":
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}
