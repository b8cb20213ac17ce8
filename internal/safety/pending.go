package safety

import (
	"sync"
	"time"

	"github.com/edvin/agentvm/internal/model"
)

// Pending-request states.
const (
	PendingAwaiting = "awaiting_confirmation"
	PendingExecuted = "executed"
)

// PendingEntry tracks one idempotency key through the confirmation handshake.
// An executed entry stores the original result so a retried request replays
// it instead of committing a second spend.
type PendingEntry struct {
	State   string
	Result  *model.CreateResult
	Created time.Time
}

// PendingCache is the short-lived idempotency-key cache shared by all
// mutating operations. Access is synchronized the same way as the ledger:
// callers hold it only for the duration of a lookup or store.
type PendingCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]PendingEntry
	now     func() time.Time
}

// NewPendingCache creates a cache whose entries expire after ttl.
func NewPendingCache(ttl time.Duration) *PendingCache {
	return &PendingCache{
		ttl:     ttl,
		entries: make(map[string]PendingEntry),
		now:     time.Now,
	}
}

// Lookup returns the live entry for a key, evicting it first if expired.
func (c *PendingCache) Lookup(key string) (PendingEntry, bool) {
	if key == "" {
		return PendingEntry{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return PendingEntry{}, false
	}
	if c.now().Sub(e.Created) > c.ttl {
		delete(c.entries, key)
		return PendingEntry{}, false
	}
	return e, true
}

// MarkAwaiting records that a key returned NEEDS_CONFIRMATION and is waiting
// for the confirmed resubmission.
func (c *PendingCache) MarkAwaiting(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = PendingEntry{State: PendingAwaiting, Created: c.now()}
}

// MarkExecuted records the result of a completed create so retries with the
// same key replay it.
func (c *PendingCache) MarkExecuted(key string, result *model.CreateResult) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = PendingEntry{State: PendingExecuted, Result: result, Created: c.now()}
}
