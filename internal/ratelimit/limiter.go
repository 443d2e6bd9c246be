// Package ratelimit enforces per-source daily ceilings on uploads and
// downloads.
//
// Counts are not kept in memory: each admission asks a Counter (backed by the
// catalog) how many actions the source performed since local midnight, adds
// the reservations still in flight, and compares against the policy limit.
// Admission and the caller's final write for the same (action, source) pair
// are serialized, so two concurrent requests can never both take the last slot.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/maneesh/filerelay/internal/apperr"
)

var tracer = otel.Tracer("filerelay-ratelimit")

var rejectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "filerelay_rate_limit_rejections_total",
		Help: "Requests rejected because the source exhausted its daily allowance",
	},
	[]string{"action"},
)

// Action names a rate-limited operation
type Action string

const (
	ActionUpload   Action = "upload"
	ActionDownload Action = "download"
)

// ErrSettled is returned by Commit on a reservation that was already
// committed or released.
var ErrSettled = errors.New("reservation already settled")

// Counter reports how many actions source performed at or after since
type Counter func(ctx context.Context, source string, since time.Time) (int, error)

// Policy is the daily ceiling for one action
type Policy struct {
	Limit int
	Count Counter
}

// Limiter admits or rejects actions per source and calendar day
type Limiter struct {
	policies map[Action]Policy
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// entry serializes one (action, source) pair and tracks its open reservations
type entry struct {
	mu       sync.Mutex
	inflight int
	refs     int
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests that need to cross midnight
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter for the given policies
func New(policies map[Action]Policy, opts ...Option) *Limiter {
	l := &Limiter{
		policies: policies,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// StartOfDay returns local midnight of the day containing t
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// LimitError is the rejection returned by Admit. It matches
// apperr.ErrRateLimited under errors.Is.
type LimitError struct {
	Action Action
	Limit  int
	// RetryAfter is the time left until the window resets, on the limiter's clock
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s limit of %d per day reached", apperr.ErrRateLimited, e.Action, e.Limit)
}

func (e *LimitError) Unwrap() error { return apperr.ErrRateLimited }

// ResetAt returns the next local midnight on the limiter's clock
func (l *Limiter) ResetAt() time.Time {
	return resetAt(l.now())
}

func resetAt(now time.Time) time.Time {
	return StartOfDay(now).AddDate(0, 0, 1)
}

// Admit checks the source's allowance for action and, when there is room,
// returns a reservation that holds one slot until it is committed or
// released. A rejection wraps apperr.ErrRateLimited and changes nothing.
func (l *Limiter) Admit(ctx context.Context, action Action, source string) (*Reservation, error) {
	ctx, span := tracer.Start(ctx, "ratelimit.admit",
		trace.WithAttributes(attribute.String("action", string(action))),
	)
	defer span.End()

	policy, ok := l.policies[action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", apperr.ErrValidation, action)
	}
	if source == "" {
		return nil, fmt.Errorf("%w: missing source identifier", apperr.ErrValidation)
	}

	key := string(action) + "|" + source
	e := l.acquire(key)
	e.mu.Lock()

	now := l.now()
	since := StartOfDay(now)
	used, err := policy.Count(ctx, source, since)
	if err != nil {
		e.mu.Unlock()
		l.release(key)
		span.RecordError(err)
		return nil, fmt.Errorf("failed to count %s actions: %w", action, err)
	}
	used += e.inflight

	span.SetAttributes(
		attribute.Int("used", used),
		attribute.Int("limit", policy.Limit),
	)

	if used >= policy.Limit {
		e.mu.Unlock()
		l.release(key)
		rejectionsTotal.WithLabelValues(string(action)).Inc()
		span.SetAttributes(attribute.Bool("admitted", false))
		return nil, &LimitError{
			Action:     action,
			Limit:      policy.Limit,
			RetryAfter: resetAt(now).Sub(now),
		}
	}

	e.inflight++
	e.mu.Unlock()

	span.SetAttributes(attribute.Bool("admitted", true))
	return &Reservation{limiter: l, key: key, entry: e}, nil
}

func (l *Limiter) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Limiter) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Reservation is one admitted slot. Exactly one of Commit or Release takes
// effect; later calls are no-ops (Release) or return ErrSettled (Commit).
type Reservation struct {
	limiter *Limiter
	key     string
	entry   *entry
	settled bool // guarded by entry.mu
}

// Commit runs fn, the write that makes the action visible to the Counter,
// while holding the (action, source) lock, then frees the reservation. The
// slot is freed whether or not fn succeeds.
func (r *Reservation) Commit(fn func(at time.Time) error) error {
	r.entry.mu.Lock()
	if r.settled {
		r.entry.mu.Unlock()
		return ErrSettled
	}
	err := fn(r.limiter.now())
	r.settled = true
	r.entry.inflight--
	r.entry.mu.Unlock()

	r.limiter.release(r.key)
	return err
}

// Release frees the reservation without recording anything
func (r *Reservation) Release() {
	r.entry.mu.Lock()
	if r.settled {
		r.entry.mu.Unlock()
		return
	}
	r.settled = true
	r.entry.inflight--
	r.entry.mu.Unlock()

	r.limiter.release(r.key)
}
