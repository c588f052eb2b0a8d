package httpapi

import (
	"sync"
	"time"
)

// Deduper remembers recently seen webhook update IDs so delivery retries are
// acknowledged without being processed twice. The Bot API redelivers an
// update until it receives a 200, so a slow turn can race a retry of the
// same update.
//
// Entries expire after a TTL; expired entries are evicted opportunistically
// on insert. Process-local by design, matching the single-writer SQLite
// deployment.
type Deduper struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[int64]time.Time
	n    int
}

// NewDeduper returns a Deduper whose entries live for ttl; a non-positive
// ttl defaults to 10 minutes.
func NewDeduper(ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduper{ttl: ttl, seen: make(map[int64]time.Time)}
}

// Seen records updateID and reports whether it was already present and
// unexpired. The first caller for an ID gets false and owns processing it.
func (d *Deduper) Seen(updateID int64) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.n++
	if d.n >= 1000 {
		for id, ts := range d.seen {
			if now.Sub(ts) >= d.ttl {
				delete(d.seen, id)
			}
		}
		d.n = 0
	}

	if ts, ok := d.seen[updateID]; ok && now.Sub(ts) < d.ttl {
		return true
	}
	d.seen[updateID] = now
	return false
}
