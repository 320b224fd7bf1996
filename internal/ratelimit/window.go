// Package ratelimit holds the process-wide limiter shared by every call to the
// generation service.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window admits at most Limit calls in any rolling Period. Callers that find
// the window full wait for the oldest admission to age out instead of being
// rejected.
type Window struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu     sync.Mutex
	stamps []time.Time
}

// NewWindow returns a limiter admitting limit calls per period. Non-positive
// values disable limiting.
func NewWindow(limit int, period time.Duration) *Window {
	return &Window{
		limit:  limit,
		period: period,
		now:    time.Now,
	}
}

// Wait blocks until a slot is free or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	if w == nil || w.limit <= 0 || w.period <= 0 {
		return ctx.Err()
	}
	for {
		delay, ok := w.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records an admission if the window has room, otherwise returns how
// long until the oldest admission leaves the window.
func (w *Window) reserve() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.period)
	keep := 0
	for keep < len(w.stamps) && !w.stamps[keep].After(cutoff) {
		keep++
	}
	w.stamps = w.stamps[keep:]

	if len(w.stamps) < w.limit {
		w.stamps = append(w.stamps, now)
		return 0, true
	}
	delay := w.stamps[0].Add(w.period).Sub(now)
	if delay <= 0 {
		delay = time.Millisecond
	}
	return delay, false
}

// InFlight reports how many admissions are inside the current window.
func (w *Window) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := w.now().Add(-w.period)
	n := 0
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}
