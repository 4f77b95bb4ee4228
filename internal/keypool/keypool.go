// Package keypool manages the rotating credential pool for the decision
// service. Each credential carries an independent request budget over a
// rolling window; the pool hands out the active credential round-robin and
// reports exhaustion once every credential is out of budget or cooling down.
package keypool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrExhausted is returned by Acquire when no credential in the pool has
// remaining budget. Callers should treat this as a graceful stop signal, not
// a retryable condition.
var ErrExhausted = errors.New("keypool: all credentials exhausted")

// credential is the pool's internal bookkeeping for one API key.
type credential struct {
	id            string
	key           string
	used          int
	windowStart   time.Time
	cooldownUntil time.Time
}

// Status is a read-only snapshot of one credential's state.
type Status struct {
	ID          string    `json:"id"`
	Used        int       `json:"used"`
	WindowStart time.Time `json:"window_start"`
	CoolingDown bool      `json:"cooling_down"`
}

// Pool is a round-robin credential pool with per-key rolling window budgets.
// All methods are safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	creds     []*credential
	active    int
	perWindow int
	window    time.Duration
	logger    *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// New builds a pool over the given ordered keys. perWindow is the request
// budget each key has within one rolling window.
func New(keys []string, perWindow int, window time.Duration, logger *zap.Logger) (*Pool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: at least one credential is required")
	}
	if perWindow <= 0 {
		return nil, fmt.Errorf("keypool: per-window budget must be positive, got %d", perWindow)
	}
	if window <= 0 {
		return nil, fmt.Errorf("keypool: window must be a positive duration, got %s", window)
	}

	p := &Pool{
		perWindow: perWindow,
		window:    window,
		logger:    logger.Named("keypool"),
		now:       time.Now,
	}
	for i, k := range keys {
		p.creds = append(p.creds, &credential{
			id:  fmt.Sprintf("key-%d", i+1),
			key: k,
		})
	}
	return p, nil
}

// Acquire returns the id and key material of a credential with remaining
// budget, charging one request against it. The active credential is preferred;
// when it is out of budget or cooling down, the pool rotates forward. When no
// credential can serve, ErrExhausted is returned.
func (p *Pool) Acquire() (id, key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i := 0; i < len(p.creds); i++ {
		c := p.creds[(p.active+i)%len(p.creds)]
		p.resetIfElapsed(c, now)
		if now.Before(c.cooldownUntil) {
			continue
		}
		if c.used >= p.perWindow {
			continue
		}
		if i != 0 {
			p.active = (p.active + i) % len(p.creds)
			p.logger.Info("Rotated to next credential", zap.String("credential", c.id))
		}
		c.used++
		return c.id, c.key, nil
	}
	return "", "", ErrExhausted
}

// Rotate advances the active credential round-robin without charging a
// request, skipping credentials still in cooldown. Used after a throttling
// response to move load off the hot key.
func (p *Pool) Rotate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for i := 1; i <= len(p.creds); i++ {
		idx := (p.active + i) % len(p.creds)
		if now.Before(p.creds[idx].cooldownUntil) {
			continue
		}
		p.active = idx
		p.logger.Debug("Credential rotation requested", zap.String("credential", p.creds[idx].id))
		return
	}
	// Everything is cooling down; advance one position anyway so repeated
	// rotations still cycle the pool.
	p.active = (p.active + 1) % len(p.creds)
}

// MarkThrottled places the named credential into cooldown so Acquire skips it
// until the cooldown elapses.
func (p *Pool) MarkThrottled(id string, cooldown time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		if c.id == id {
			c.cooldownUntil = p.now().Add(cooldown)
			p.logger.Warn("Credential throttled by provider",
				zap.String("credential", id),
				zap.Duration("cooldown", cooldown))
			return
		}
	}
}

// Snapshot reports the current state of every credential, in pool order.
func (p *Pool) Snapshot() []Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Status, 0, len(p.creds))
	for _, c := range p.creds {
		out = append(out, Status{
			ID:          c.id,
			Used:        c.used,
			WindowStart: c.windowStart,
			CoolingDown: now.Before(c.cooldownUntil),
		})
	}
	return out
}

// resetIfElapsed restores a credential's budget when its window has passed.
// Caller holds the lock.
func (p *Pool) resetIfElapsed(c *credential, now time.Time) {
	if c.windowStart.IsZero() {
		c.windowStart = now
		return
	}
	if now.Sub(c.windowStart) >= p.window {
		c.used = 0
		c.windowStart = now
	}
}
