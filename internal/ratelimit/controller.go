// Package ratelimit adapts per-provider concurrency to live call outcomes and
// bounds in-flight calls per provider and globally.
//
// A Controller follows an additive-increase, multiplicative-decrease policy:
// a run of successes raises the permit count by one, a throttle response cuts
// it by the profile's decrease factor and starts a cool-down during which no
// increase happens. The permit count always stays within the profile's
// [min, max] bounds.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/everstacklabs/evalcore/internal/provider"
)

// State is a point-in-time snapshot of a Controller.
type State struct {
	Provider             string    `json:"provider"`
	CurrentConcurrency   int       `json:"current_concurrency"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	CoolDownUntil        time.Time `json:"cool_down_until"`
	NextDispatchAt       time.Time `json:"next_dispatch_at"`
}

// Controller tracks the adaptive concurrency of a single provider.
type Controller struct {
	mu             sync.Mutex
	profile        provider.Profile
	current        int
	streak         int
	coolDownUntil  time.Time
	nextDispatchAt time.Time
	changed        chan struct{}

	now      func() time.Time
	onChange func(provider string, n int)
	logger   *slog.Logger
}

func newController(p provider.Profile, now func() time.Time, onChange func(string, int), logger *slog.Logger) *Controller {
	c := &Controller{
		profile:  p,
		current:  clampInt(p.BaseConcurrency, p.MinConcurrency, p.MaxConcurrency),
		changed:  make(chan struct{}),
		now:      now,
		onChange: onChange,
		logger:   logger,
	}
	if c.onChange != nil {
		c.onChange(p.Provider, c.current)
	}
	return c
}

// Provider returns the provider this controller governs.
func (c *Controller) Provider() string { return c.profile.Provider }

// CurrentConcurrency returns the live permit count.
func (c *Controller) CurrentConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// OnSuccess extends the success streak and steps concurrency up by one once
// the streak reaches the profile's threshold outside of a cool-down.
func (c *Controller) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streak++
	if c.streak < c.profile.SuccessStreak {
		return
	}
	c.streak = 0
	if c.now().Before(c.coolDownUntil) {
		return
	}
	if c.current < c.profile.MaxConcurrency {
		c.setLocked(c.current + 1)
	}
}

// OnError resets the success streak without changing concurrency.
func (c *Controller) OnError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streak = 0
}

// OnRateLimit cuts concurrency, starts a cool-down and, when retryAfter is
// positive, holds back the next dispatch for that long.
func (c *Controller) OnRateLimit(retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.streak = 0
	c.coolDownUntil = now.Add(c.profile.CoolDown)
	if retryAfter > 0 {
		if at := now.Add(retryAfter); at.After(c.nextDispatchAt) {
			c.nextDispatchAt = at
		}
	}

	next := int(math.Floor(float64(c.current) * c.profile.DecreaseFactor))
	if next >= c.current {
		next = c.current - 1
	}
	next = clampInt(next, c.profile.MinConcurrency, c.profile.MaxConcurrency)
	if next != c.current {
		c.logger.Warn("provider throttled, reducing concurrency",
			"provider", c.profile.Provider, "from", c.current, "to", next, "retry_after", retryAfter)
		c.setLocked(next)
	}
}

// WaitForDispatch blocks until any provider-supplied retry hint has elapsed.
func (c *Controller) WaitForDispatch(ctx context.Context) error {
	delay := c.dispatchDelay()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// dispatchDelay returns how much longer the retry hint holds dispatches back.
func (c *Controller) dispatchDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextDispatchAt.Sub(c.now())
}

// Changed returns a channel that is closed the next time concurrency changes.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// Snapshot returns the controller's current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Provider:             c.profile.Provider,
		CurrentConcurrency:   c.current,
		ConsecutiveSuccesses: c.streak,
		CoolDownUntil:        c.coolDownUntil,
		NextDispatchAt:       c.nextDispatchAt,
	}
}

func (c *Controller) setLocked(n int) {
	c.current = n
	close(c.changed)
	c.changed = make(chan struct{})
	if c.onChange != nil {
		c.onChange(c.profile.Provider, n)
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
