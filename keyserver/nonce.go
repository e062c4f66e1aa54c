package keyserver

import (
	"sync"
	"time"

	"xdao.co/sealgate/ledger"
)

// NonceCache tracks recently seen request nonces to reject replays.
// Expired entries are evicted inline during Record.
type NonceCache struct {
	mu      sync.Mutex
	entries map[[NonceSize]byte]time.Time
	ttl     time.Duration
	clock   ledger.Clock
}

// NewNonceCache creates a NonceCache with the given TTL and clock.
func NewNonceCache(ttl time.Duration, clock ledger.Clock) *NonceCache {
	if clock == nil {
		clock = ledger.SystemClock()
	}
	return &NonceCache{
		entries: make(map[[NonceSize]byte]time.Time),
		ttl:     ttl,
		clock:   clock,
	}
}

// Record stores nonce and returns true if it was fresh. It returns false
// for a replay or the zero nonce.
func (nc *NonceCache) Record(nonce [NonceSize]byte) bool {
	if nonce == [NonceSize]byte{} {
		return false
	}

	nc.mu.Lock()
	defer nc.mu.Unlock()

	nc.cleanup()

	if _, exists := nc.entries[nonce]; exists {
		return false
	}
	nc.entries[nonce] = nc.clock.Now()
	return true
}

// Forget drops nonce so a request that failed transiently can be retried.
func (nc *NonceCache) Forget(nonce [NonceSize]byte) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	delete(nc.entries, nonce)
}

// Len is the number of live entries.
func (nc *NonceCache) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.entries)
}

// cleanup evicts expired entries. Must be called with mu held.
func (nc *NonceCache) cleanup() {
	cutoff := nc.clock.Now().Add(-nc.ttl)
	for k, v := range nc.entries {
		if v.Before(cutoff) {
			delete(nc.entries, k)
		}
	}
}
