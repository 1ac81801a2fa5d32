package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/config"
	"github.com/provident/provident-backend/pkg/logger"
)

// Default token bucket for sources without an explicit limit
const (
	defaultRate  = 5.0
	defaultBurst = 5
)

// sourceState is the per-source token bucket plus backoff bookkeeping
type sourceState struct {
	limiter      *rate.Limiter
	backoffUntil time.Time
	consecutive  int
}

// SourceLimiter enforces a per-source token bucket and an exponential
// backoff window after rate-limited responses. The backoff doubles with
// each consecutive rejection, is capped at a maximum, and resets on the
// first successful call.
type SourceLimiter struct {
	mu     sync.Mutex
	states map[domain.Source]*sourceState

	limits      map[string]config.SourceLimitConfig
	backoffBase time.Duration
	backoffMax  time.Duration
	logger      *logger.Logger

	// now is replaceable in tests
	now func() time.Time
}

// New creates a SourceLimiter from the validation configuration
func New(cfg *config.ValidationConfig, log *logger.Logger) *SourceLimiter {
	base := cfg.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	ceiling := cfg.BackoffMax
	if ceiling < base {
		ceiling = 60 * time.Second
	}
	return &SourceLimiter{
		states:      make(map[domain.Source]*sourceState),
		limits:      cfg.SourceLimits,
		backoffBase: base,
		backoffMax:  ceiling,
		logger:      log.WithComponent("ratelimit"),
		now:         time.Now,
	}
}

func (l *SourceLimiter) state(source domain.Source) *sourceState {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s, ok := l.states[source]; ok {
		return s
	}

	r, b := defaultRate, defaultBurst
	if lim, ok := l.limits[string(source)]; ok {
		if lim.RequestsPerSecond > 0 {
			r = lim.RequestsPerSecond
		}
		if lim.Burst > 0 {
			b = lim.Burst
		}
	}
	s := &sourceState{limiter: rate.NewLimiter(rate.Limit(r), b)}
	l.states[source] = s
	return s
}

// Acquire blocks until the source may issue a request. It honors both the
// token bucket and any active backoff window, and returns early if the
// context is cancelled.
func (l *SourceLimiter) Acquire(ctx context.Context, source domain.Source) error {
	s := l.state(source)

	l.mu.Lock()
	until := s.backoffUntil
	l.mu.Unlock()

	if wait := until.Sub(l.now()); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	return s.limiter.Wait(ctx)
}

// OnSuccess clears the backoff window for the source
func (l *SourceLimiter) OnSuccess(source domain.Source) {
	s := l.state(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	s.consecutive = 0
	s.backoffUntil = time.Time{}
}

// OnRateLimited records a rejected call and extends the backoff window.
// The delay doubles per consecutive rejection up to the configured cap.
func (l *SourceLimiter) OnRateLimited(source domain.Source) {
	s := l.state(source)
	l.mu.Lock()
	defer l.mu.Unlock()

	delay := l.backoffBase << uint(s.consecutive)
	if delay > l.backoffMax || delay <= 0 {
		delay = l.backoffMax
	}
	s.consecutive++
	s.backoffUntil = l.now().Add(delay)

	l.logger.Warn().
		Str("source", string(source)).
		Dur("backoff", delay).
		Int("consecutive", s.consecutive).
		Msg("source rate limited, backing off")
}

// BackoffUntil returns the end of the current backoff window for a source.
// A zero time means no backoff is active.
func (l *SourceLimiter) BackoffUntil(source domain.Source) time.Time {
	s := l.state(source)
	l.mu.Lock()
	defer l.mu.Unlock()
	return s.backoffUntil
}
