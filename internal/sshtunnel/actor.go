package sshtunnel

import (
	"context"
	"log"
	"time"
)

// Actor events. External API calls and internal timers all funnel into
// the same channel so the run loop is the only writer of tunnel state.
type event interface{}

type evConnect struct{ cfg *Config }

type evDisconnect struct{ manual bool }

type evDialDone struct {
	gen    uint64
	ctl    controlSession
	exited <-chan error
	err    error
}

type evExited struct {
	gen uint64
	err error
}

type evCountdown struct {
	gen  uint64
	left int
}

type evRetryFire struct{ gen uint64 }

type evShutdown struct{}

type actor struct {
	engine *Engine
	name   string
	events chan event
	done   chan struct{}

	// Loop-owned state. Never touched outside loop().
	cfg        *Config
	gen        uint64
	retries    int
	control    controlSession
	retryArmed bool
}

func newActor(e *Engine, name string) *actor {
	return &actor{
		engine: e,
		name:   name,
		events: make(chan event, 16),
		done:   make(chan struct{}),
	}
}

// post delivers an event to the run loop. Once the loop has exited the
// event is discarded so dial, watch and countdown goroutines that
// outlive a shutdown never block on a full channel.
func (a *actor) post(ev event) {
	select {
	case a.events <- ev:
	case <-a.done:
	}
}

func (a *actor) loop() {
	defer close(a.done)
	for ev := range a.events {
		switch ev := ev.(type) {
		case evConnect:
			a.handleConnect(ev.cfg)
		case evDisconnect:
			a.handleDisconnect(ev.manual)
		case evDialDone:
			a.handleDialDone(ev)
		case evExited:
			a.handleExited(ev)
		case evCountdown:
			if ev.gen == a.gen && a.retryArmed {
				a.broadcastWaiting(ev.left)
			}
		case evRetryFire:
			a.handleRetryFire(ev.gen)
		case evShutdown:
			a.teardown()
			return
		}
	}
}

// handleConnect tears down any prior runtime and starts a fresh
// attempt. Called both for user connects and for retry fires.
func (a *actor) handleConnect(cfg *Config) {
	a.teardown()
	a.cfg = cfg
	a.retries = 0
	a.startAttempt()
}

func (a *actor) startAttempt() {
	a.gen++
	a.retryArmed = false
	a.engine.setStatus(Status{
		Name:       a.name,
		Status:     StateConnecting,
		RetryCount: a.retries,
		MaxRetries: a.cfg.maxRetries(),
	})
	go a.dial(a.gen, a.cfg)
}

// dial runs off-loop: open the control connection, spawn the remote
// forward process and wait out the grace period. The result comes back
// as an event tagged with the attempt generation so stale outcomes are
// dropped.
func (a *actor) dial(gen uint64, cfg *Config) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	ctl, err := openControl(ctx, cfg)
	if err != nil {
		a.post(evDialDone{gen: gen, err: err})
		return
	}

	exited, err := ctl.Start(buildTunnelCommand(cfg))
	if err != nil {
		ctl.Close()
		a.post(evDialDone{gen: gen, err: err})
		return
	}

	// The remote ssh needs a moment to fail fast on bad auth or a
	// busy port. Only after the grace period do we call it connected.
	select {
	case err := <-exited:
		ctl.Close()
		if err == nil {
			err = errExitedEarly
		}
		a.post(evDialDone{gen: gen, err: err})
	case <-time.After(connectGrace):
		a.post(evDialDone{gen: gen, ctl: ctl, exited: exited})
	}
}

func (a *actor) handleDialDone(ev evDialDone) {
	if ev.gen != a.gen {
		if ev.ctl != nil {
			ev.ctl.Close()
		}
		return
	}
	if ev.err != nil {
		a.failOrRetry(ev.err)
		return
	}

	a.control = ev.ctl

	// A reconnect that lands while a retry timer is armed must not
	// mask a cancel that fired in between.
	if a.retryArmed {
		ev.ctl.Close()
		return
	}

	a.engine.setStatus(Status{
		Name:       a.name,
		Connected:  true,
		Status:     StateConnected,
		RetryCount: a.retries,
		MaxRetries: a.cfg.maxRetries(),
	})
	log.Printf("[tunnel] %s: connected", a.name)

	go a.watch(a.gen, ev.ctl, ev.exited)
}

// watch runs off-loop: it reports remote process exit and periodically
// verifies the control connection is still alive.
func (a *actor) watch(gen uint64, ctl controlSession, exited <-chan error) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			a.post(evExited{gen: gen, err: err})
			return
		case <-ticker.C:
			if !ctl.Alive() {
				a.post(evExited{gen: gen, err: errControlLost})
				return
			}
		}
	}
}

func (a *actor) handleExited(ev evExited) {
	if ev.gen != a.gen {
		return
	}
	log.Printf("[tunnel] %s: remote process ended: %v", a.name, ev.err)
	a.closeControl()
	a.failOrRetry(ev.err)
}

func (a *actor) failOrRetry(err error) {
	kind := classify(err)

	if a.engine.manualBlocked(a.name) {
		a.broadcastDisconnected()
		return
	}
	if !retryable(kind) {
		a.gen++
		a.engine.setStatus(Status{
			Name:       a.name,
			Status:     StateFailed,
			Reason:     err.Error(),
			ErrorType:  kind,
			RetryCount: a.retries,
			MaxRetries: a.cfg.maxRetries(),
		})
		log.Printf("[tunnel] %s: fatal %s: %v", a.name, kind, err)
		return
	}

	a.retries++
	if a.retries > a.cfg.maxRetries() {
		a.gen++
		a.engine.setStatus(Status{
			Name:           a.name,
			Status:         StateFailed,
			Reason:         "Max retries exhausted",
			ErrorType:      kind,
			RetryCount:     a.retries - 1,
			MaxRetries:     a.cfg.maxRetries(),
			RetryExhausted: true,
		})
		log.Printf("[tunnel] %s: max retries exhausted (%s)", a.name, kind)
		return
	}

	a.gen++
	a.retryArmed = true
	seconds := a.cfg.retryIntervalMs() / 1000
	if seconds < 1 {
		seconds = 1
	}
	a.broadcastWaiting(seconds)
	log.Printf("[tunnel] %s: %s, retry %d/%d in %ds", a.name, kind, a.retries, a.cfg.maxRetries(), seconds)
	go a.countdown(a.gen, seconds)
}

// countdown runs off-loop: one event per second so clients see a live
// counter, then the retry trigger.
func (a *actor) countdown(gen uint64, seconds int) {
	for left := seconds - 1; left > 0; left-- {
		time.Sleep(countdownTick)
		a.post(evCountdown{gen: gen, left: left})
	}
	time.Sleep(countdownTick)
	a.post(evRetryFire{gen: gen})
}

func (a *actor) handleRetryFire(gen uint64) {
	if gen != a.gen || !a.retryArmed {
		return
	}
	a.retryArmed = false
	a.engine.setStatus(Status{
		Name:       a.name,
		Status:     StateRetrying,
		RetryCount: a.retries,
		MaxRetries: a.cfg.maxRetries(),
	})
	a.startAttempt()
}

func (a *actor) handleDisconnect(manual bool) {
	if manual {
		a.engine.markManual(a.name)
	}
	a.teardown()
	a.broadcastDisconnected()
	log.Printf("[tunnel] %s: disconnected", a.name)
}

// teardown invalidates in-flight events, closes the control connection
// and reaps any orphaned remote process.
func (a *actor) teardown() {
	a.gen++
	a.retryArmed = false
	a.closeControl()
	if a.cfg != nil {
		go reapRemote(a.cfg)
	}
}

func (a *actor) closeControl() {
	if a.control != nil {
		a.control.Close()
		a.control = nil
	}
}

func (a *actor) broadcastWaiting(left int) {
	a.engine.setStatus(Status{
		Name:        a.name,
		Status:      StateWaiting,
		RetryCount:  a.retries,
		MaxRetries:  a.cfg.maxRetries(),
		NextRetryIn: left,
	})
}

func (a *actor) broadcastDisconnected() {
	maxRetries := 0
	if a.cfg != nil {
		maxRetries = a.cfg.maxRetries()
	}
	a.engine.setStatus(Status{
		Name:       a.name,
		Status:     StateDisconnected,
		MaxRetries: maxRetries,
	})
}
