// sessions.go implements the in-memory unlock table: userID -> unwrapped DEK.
//
// Sessions are created on successful login and removed on logout or after
// the idle TTL elapses. The sweep is driven by the cron scheduler in main.

package crypto

import (
	"log"
	"sync"
	"time"
)

type unlockEntry struct {
	dek      []byte
	lastUsed time.Time
}

// UnlockTable holds unwrapped DEKs keyed by user ID. All access bumps the
// idle timestamp, so a user actively decrypting fields never expires.
type UnlockTable struct {
	mu      sync.RWMutex
	entries map[uint]*unlockEntry
	ttl     time.Duration
}

func NewUnlockTable(ttl time.Duration) *UnlockTable {
	return &UnlockTable{
		entries: make(map[uint]*unlockEntry),
		ttl:     ttl,
	}
}

func (t *UnlockTable) put(userID uint, dek []byte) {
	t.mu.Lock()
	t.entries[userID] = &unlockEntry{dek: dek, lastUsed: time.Now()}
	t.mu.Unlock()
}

func (t *UnlockTable) get(userID uint) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return nil, false
	}
	if time.Since(e.lastUsed) > t.ttl {
		delete(t.entries, userID)
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.dek, true
}

func (t *UnlockTable) has(userID uint) bool {
	_, ok := t.get(userID)
	return ok
}

func (t *UnlockTable) remove(userID uint) {
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

// Sweep removes sessions idle beyond the TTL and returns the number evicted.
func (t *UnlockTable) Sweep() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, e := range t.entries {
		if now.Sub(e.lastUsed) > t.ttl {
			delete(t.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Printf("[crypto] evicted %d idle unlock session(s)", evicted)
	}
	return evicted
}

// Count returns the number of live unlock sessions.
func (t *UnlockTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
