// Package ratelimit enforces per-minute and per-day call ceilings for
// each resource class. Counters are rolling windows of call timestamps
// held in process memory; nothing is shared across processes.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Class is a resource class with its own ceilings.
type Class string

const (
	// LLM counts chat/completion calls to any backend.
	LLM Class = "llm"

	// Embedding counts embedding-service calls.
	Embedding Class = "embedding"
)

// ErrDailyLimit is returned when a class has used its daily allowance.
// Waiting does not help within the current run, so callers treat it as
// terminal.
var ErrDailyLimit = errors.New("daily call limit reached")

// Limits are the ceilings for one class. Zero disables a ceiling.
type Limits struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

// Usage is a snapshot of one class's rolling counters.
type Usage struct {
	LastMinute int `json:"last_minute"`
	LastDay    int `json:"last_day"`
}

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Limiter tracks call timestamps per class.
type Limiter struct {
	mu     sync.Mutex
	limits map[Class]Limits
	minute map[Class][]time.Time
	day    map[Class][]time.Time

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// New creates a limiter with the given ceilings. Classes without an
// entry are unlimited.
func New(limits map[Class]Limits, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		limits: make(map[Class]Limits, len(limits)),
		minute: make(map[Class][]time.Time),
		day:    make(map[Class][]time.Time),
		now:    time.Now,
		sleep:  sleepContext,
		logger: logger.With("component", "ratelimit"),
	}
	for c, lim := range limits {
		l.limits[c] = lim
	}
	return l
}

// Acquire records one call for class. It blocks until the per-minute
// window has room and returns an error wrapping [ErrDailyLimit] when
// the daily ceiling is already reached.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	for {
		wait, err := l.tryAcquire(class)
		if err != nil || wait == 0 {
			return err
		}
		l.logger.Debug("per-minute ceiling reached, waiting",
			"class", class,
			"wait", wait.Round(time.Millisecond),
		)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryAcquire records a call and returns zero, or returns how long to
// wait before the minute window has room.
func (l *Limiter) tryAcquire(class Class) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	lim := l.limits[class]
	minute := prune(l.minute[class], now.Add(-minuteWindow))
	day := prune(l.day[class], now.Add(-dayWindow))
	l.minute[class] = minute
	l.day[class] = day

	if lim.PerDay > 0 && len(day) >= lim.PerDay {
		return 0, fmt.Errorf("%s: %d calls in the last 24h: %w", class, len(day), ErrDailyLimit)
	}
	if lim.PerMinute > 0 && len(minute) >= lim.PerMinute {
		wait := minute[0].Add(minuteWindow).Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
		return wait, nil
	}

	// The minute window is only kept when it is enforced; the day
	// window always is so Usage can report it.
	if lim.PerMinute > 0 {
		l.minute[class] = append(minute, now)
	}
	l.day[class] = append(day, now)
	return 0, nil
}

// Usage reports the rolling counters for class.
func (l *Limiter) Usage(class Class) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var minute int
	for _, ts := range l.day[class] {
		if ts.After(now.Add(-minuteWindow)) {
			minute++
		}
	}
	return Usage{
		LastMinute: minute,
		LastDay:    len(prune(l.day[class], now.Add(-dayWindow))),
	}
}

// Limits returns the configured ceilings for class.
func (l *Limiter) Limits(class Class) Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits[class]
}

// Gate binds the limiter to one class. It satisfies the gate interface
// the backend adapters consult before each call.
func (l *Limiter) Gate(class Class) Gate {
	return Gate{limiter: l, class: class}
}

// Gate acquires a fixed class on each call.
type Gate struct {
	limiter *Limiter
	class   Class
}

// Acquire records one call for the gate's class.
func (g Gate) Acquire(ctx context.Context) error {
	return g.limiter.Acquire(ctx, g.class)
}

// prune drops timestamps at or before cutoff. Timestamps are appended
// in order, so the kept entries are a suffix.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
