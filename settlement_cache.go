package checkout

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultSettlementTTL is how long a validated settlement stays cached
const DefaultSettlementTTL = 10 * time.Minute

// SettlementStatus is the result of SettlementCache.CheckAndMark
type SettlementStatus int

const (
	// StatusNotFound: the caller now owns validation of the key
	StatusNotFound SettlementStatus = iota
	// StatusCached: a terminal outcome is cached
	StatusCached
	// StatusInFlight: another watcher is validating; wait on the returned channel
	StatusInFlight
)

type cachedOutcome struct {
	outcome Outcome
	expires time.Time
}

// SettlementCache shares validation results between watchers of one reference.
// The first watcher to detect a transaction validates it; the others wait for and
// reuse that outcome. Only Valid and Invalid outcomes are cached.
type SettlementCache struct {
	ttl time.Duration

	mu       sync.Mutex
	outcomes map[string]cachedOutcome
	pending  map[string]chan struct{}
}

// NewSettlementCache creates a cache; a non-positive ttl uses DefaultSettlementTTL
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	if ttl <= 0 {
		ttl = DefaultSettlementTTL
	}
	return &SettlementCache{
		ttl:      ttl,
		outcomes: make(map[string]cachedOutcome),
		pending:  make(map[string]chan struct{}),
	}
}

// SettlementKey identifies one detected transaction checked against one expectation.
// Watchers of the same reference that expect different terms never share a result.
func SettlementKey(expect Expectation, txID TxID) string {
	return strings.Join([]string{
		string(expect.Reference),
		string(txID),
		string(expect.Recipient),
		string(expect.Mint),
		expect.Amount.String(),
	}, "/")
}

// CheckAndMark looks key up and, when nothing is cached or pending, marks it pending
// for the caller. The caller must then call Complete or Fail with the returned channel.
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, Outcome, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.lookupLocked(key, time.Now()); ok {
		return StatusCached, entry.outcome, nil
	}
	if done, ok := c.pending[key]; ok {
		return StatusInFlight, Outcome{}, done
	}

	done := make(chan struct{})
	c.pending[key] = done
	return StatusNotFound, Outcome{}, done
}

// WaitForResult blocks until the pending validation of key ends or ctx is done.
// ok is false when the validating watcher gave up without an outcome.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (Outcome, bool, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, false, ctx.Err()
	case <-done:
	}
	outcome, ok := c.Get(key)
	return outcome, ok, nil
}

// Get returns the cached outcome for key
func (c *SettlementCache) Get(key string) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lookupLocked(key, time.Now())
	return entry.outcome, ok
}

// Complete caches outcome and releases waiters
func (c *SettlementCache) Complete(key string, outcome Outcome, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.outcomes[key] = cachedOutcome{outcome: outcome, expires: now.Add(c.ttl)}
	c.release(key, done)

	for k, entry := range c.outcomes {
		if now.After(entry.expires) {
			delete(c.outcomes, k)
		}
	}
}

// Fail releases waiters without caching anything, so the next watcher validates itself
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.release(key, done)
}

func (c *SettlementCache) release(key string, done chan struct{}) {
	if c.pending[key] == done {
		delete(c.pending, key)
	}
	close(done)
}

// lookupLocked returns the live entry for key, dropping it when expired
func (c *SettlementCache) lookupLocked(key string, now time.Time) (cachedOutcome, bool) {
	entry, ok := c.outcomes[key]
	if !ok {
		return cachedOutcome{}, false
	}
	if now.After(entry.expires) {
		delete(c.outcomes, key)
		return cachedOutcome{}, false
	}
	return entry, true
}
