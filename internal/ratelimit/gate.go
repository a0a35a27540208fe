package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Gate bounds in-flight calls per provider, sized live by the provider's
// Controller, and globally by a fixed-size semaphore.
type Gate struct {
	limiters *Registry
	global   *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	mu       sync.Mutex
	inFlight int
	released chan struct{}
	pacer    *rate.Limiter
}

// NewGate creates a gate admitting at most globalLimit calls across all providers.
func NewGate(limiters *Registry, globalLimit int) *Gate {
	if globalLimit < 1 {
		globalLimit = 1
	}
	return &Gate{
		limiters: limiters,
		global:   semaphore.NewWeighted(int64(globalLimit)),
		slots:    make(map[string]*slot),
	}
}

// Acquire waits for a permit for providerName. The returned release function
// must be called exactly once when the call completes; extra calls are no-ops.
func (g *Gate) Acquire(ctx context.Context, providerName string) (func(), error) {
	ctrl := g.limiters.Controller(providerName)
	s := g.slot(providerName)

	if s.pacer != nil {
		if err := s.pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	for {
		// Hints set by other calls while this one was queued apply too.
		if err := ctrl.WaitForDispatch(ctx); err != nil {
			return nil, fmt.Errorf("waiting for retry hint: %w", err)
		}
		changed := ctrl.Changed()
		s.mu.Lock()
		if s.inFlight < ctrl.CurrentConcurrency() {
			s.inFlight++
			s.mu.Unlock()
			if ctrl.dispatchDelay() > 0 {
				s.release()
				continue
			}
			break
		}
		released := s.released
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		case <-changed:
		}
	}

	if err := g.global.Acquire(ctx, 1); err != nil {
		s.release()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.global.Release(1)
			s.release()
		})
	}, nil
}

// Controller returns the adaptive controller sizing providerName's permits.
func (g *Gate) Controller(providerName string) *Controller {
	return g.limiters.Controller(providerName)
}

// InFlight reports the number of admitted calls for a provider.
func (g *Gate) InFlight(providerName string) int {
	s := g.slot(providerName)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (g *Gate) slot(providerName string) *slot {
	g.mu.Lock()
	defer g.mu.Unlock()

	if s, ok := g.slots[providerName]; ok {
		return s
	}
	s := &slot{released: make(chan struct{})}
	if rps := g.limiters.profiles.Get(providerName).RequestsPerSecond; rps > 0 {
		s.pacer = rate.NewLimiter(rate.Limit(rps), 1)
	}
	g.slots[providerName] = s
	return s
}

func (s *slot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	close(s.released)
	s.released = make(chan struct{})
}
