// Package ratelimit decides admit/deny per caller key with a fixed window
// counter held in a rate-limit actor. Each key's window lives in its own
// actor, so unrelated keys never contend. The actor's cleanup alarm is set to
// the window reset, so idle windows erase themselves once they roll over.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/flare-worker/internal/actor"
	"github.com/phrazzld/flare-worker/internal/metrics"
)

// ErrInvalidLimit is returned for non-positive limits or windows.
var ErrInvalidLimit = errors.New("rate limit and window must be positive")

const stateName = "window"

// Decision is the result of a Check.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

type window struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
	// Seen maps tokens counted in this window to the decision they got.
	Seen map[string]bool `json:"seen,omitempty"`
}

// Limiter runs checks on a rate-limit actor host.
type Limiter struct {
	host    *actor.Host
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics records decisions on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = c }
}

// New creates a Limiter.
func New(host *actor.Host, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{host: host, now: time.Now, logger: logger.With("component", "ratelimit")}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check counts one request against key and reports whether it is within
// limit requests per windowSeconds. Denied requests are counted too.
func (l *Limiter) Check(ctx context.Context, key string, limit, windowSeconds int) (Decision, error) {
	return l.CheckOnce(ctx, key, "", limit, windowSeconds)
}

// CheckOnce is Check for requests that may be repeated, such as redelivered
// queue messages. A token already counted in the current window is not
// counted again and gets the decision it got the first time. An empty token
// behaves like Check.
func (l *Limiter) CheckOnce(ctx context.Context, key, token string, limit, windowSeconds int) (Decision, error) {
	if limit <= 0 || windowSeconds <= 0 {
		return Decision{}, fmt.Errorf("%w: limit=%d window=%ds", ErrInvalidLimit, limit, windowSeconds)
	}
	size := time.Duration(windowSeconds) * time.Second

	var d Decision
	err := l.host.Do(ctx, key, func(ctx context.Context, st *actor.State) error {
		now := l.now()

		var w window
		found, err := st.GetJSON(ctx, stateName, &w)
		if err != nil {
			return err
		}
		if !found || !now.Before(w.WindowStart.Add(size)) {
			w = window{WindowStart: now}
		}
		resetAt := w.WindowStart.Add(size)

		if allowed, seen := w.Seen[token]; token != "" && seen {
			d = Decision{Allowed: allowed, Remaining: max(0, limit-w.Count), ResetAt: resetAt}
			st.ScheduleCleanup(resetAt.Sub(now))
			return nil
		}
		w.Count++
		if token != "" {
			if w.Seen == nil {
				w.Seen = make(map[string]bool)
			}
			w.Seen[token] = w.Count <= limit
		}

		if err := st.PutJSON(ctx, stateName, w); err != nil {
			return err
		}

		d = Decision{
			Allowed:   w.Count <= limit,
			Remaining: max(0, limit-w.Count),
			ResetAt:   resetAt,
		}
		st.ScheduleCleanup(resetAt.Sub(now))
		return nil
	})
	if err != nil {
		l.logger.Error("rate limit check failed", "actor_key", key, "error", err)
		return Decision{}, err
	}

	l.metrics.RateLimitDecision(d.Allowed)
	if !d.Allowed {
		l.logger.Debug("rate limit exceeded", "actor_key", key, "reset_at", d.ResetAt)
	}
	return d, nil
}
