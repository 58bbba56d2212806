package utils

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces out requests to the source: a token bucket caps the request
// rate and every call adds a random human-like pause on top.
type Pacer struct {
	limiter  *rate.Limiter
	minDelay time.Duration
	maxDelay time.Duration

	mu     sync.Mutex
	random func() float64
}

// NewPacer allows requests per period and a random pause in [minDelay, maxDelay).
// requests <= 0 disables the token bucket.
func NewPacer(requests int, period, minDelay, maxDelay time.Duration) *Pacer {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if requests > 0 && period > 0 {
		limiter = rate.NewLimiter(rate.Every(period/time.Duration(requests)), requests)
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Pacer{limiter: limiter, minDelay: minDelay, maxDelay: maxDelay, random: rand.Float64}
}

// Wait blocks for a rate-limit token and then for the human pause.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	return Sleep(ctx, p.NextDelay())
}

// NextDelay draws the next human pause.
func (p *Pacer) NextDelay() time.Duration {
	span := p.maxDelay - p.minDelay
	if span <= 0 {
		return p.minDelay
	}
	p.mu.Lock()
	r := p.random()
	p.mu.Unlock()
	return p.minDelay + time.Duration(float64(span)*r)
}

// URLSet is a thread-safe set for tracking visited URLs.
type URLSet struct {
	mu   sync.RWMutex
	seen map[string]struct{}
}

// NewURLSet creates an empty URLSet.
func NewURLSet() *URLSet {
	return &URLSet{seen: make(map[string]struct{})}
}

// Add returns true if the URL was newly added, false if already present.
func (s *URLSet) Add(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.seen[url]; exists {
		return false
	}
	s.seen[url] = struct{}{}
	return true
}

// Contains returns true if the URL has already been visited.
func (s *URLSet) Contains(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.seen[url]
	return exists
}

// Size returns the number of unique URLs tracked.
func (s *URLSet) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
