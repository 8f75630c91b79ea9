package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// dedupEntry records the first sighting of a trade ID.
type dedupEntry struct {
	hash string
	seen time.Time
}

// Dedup suppresses trades redelivered by the log's at-least-once guarantee.
// It maps tradeID to a payload hash with a bounded retention window; entries
// are created on first sighting, never mutated, and expire after the TTL.
// It is safe for concurrent use, though the ingestion loop is its only
// writer.
type Dedup struct {
	seen map[string]dedupEntry
	ttl  time.Duration
	mu   sync.Mutex
}

// NewDedup creates a Dedup instance that considers a trade a duplicate if
// its ID has been seen within the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]dedupEntry),
		ttl:  ttl,
	}
}

// Hash returns the dedup hash for a raw trade payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Seen returns true if the tradeID has been recorded within the TTL window.
// If it has not (or its record has expired), the sighting is recorded under
// the same lock and false is returned, so insert-if-absent is atomic.
func (d *Dedup) Seen(tradeID, hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if e, ok := d.seen[tradeID]; ok {
		if now.Sub(e.seen) < d.ttl {
			return true
		}
	}

	d.seen[tradeID] = dedupEntry{hash: hash, seen: now}
	return false
}

// Len returns the number of retained entries.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// Cleanup removes entries that have expired beyond the TTL. This should be
// called periodically to prevent unbounded memory growth.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for id, e := range d.seen {
		if now.Sub(e.seen) >= d.ttl {
			delete(d.seen, id)
		}
	}
}
