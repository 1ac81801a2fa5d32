package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
)

// Decision is what the guard tells a caller to do with a validation request
type Decision string

const (
	// DecisionProceed means no duplicate work is known; run the validation.
	DecisionProceed Decision = "proceed"
	// DecisionInFlight means another run for the same key is in progress.
	DecisionInFlight Decision = "in_flight"
	// DecisionCached means a recent report exists and can be reused.
	DecisionCached Decision = "cached"
)

// Store persists in-flight markers and recent reports with TTLs
type Store interface {
	// AcquireInFlight atomically records an in-flight marker. It returns
	// false when a live marker already exists for the key.
	AcquireInFlight(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// GetReport returns the cached report for the key, or nil.
	GetReport(ctx context.Context, key string) (*domain.ValidationReport, error)

	// SaveReport caches the report under the key and clears the in-flight
	// marker.
	SaveReport(ctx context.Context, key string, report *domain.ValidationReport, ttl time.Duration) error

	// Release clears the in-flight marker without caching anything.
	Release(ctx context.Context, key string) error
}

// Acquisition is the result of Guard.Acquire
type Acquisition struct {
	Decision Decision
	Key      string
	// Cached holds the reusable report when Decision is DecisionCached.
	Cached *domain.ValidationReport
	// Seq orders runs for the same key. A run whose Seq is older than the
	// last completed one must not overwrite the cache.
	Seq uint64
	// Degraded is set when the store failed and deduplication is disabled
	// for this request. Validation still proceeds.
	Degraded bool
}

// Guard deduplicates concurrent and repeated validation requests. A store
// failure never blocks validation: the guard degrades to proceed-without-
// dedup and says so.
type Guard struct {
	store       Store
	resultTTL   time.Duration
	inFlightTTL time.Duration
	logger      *logger.Logger

	mu        sync.Mutex
	seq       uint64
	completed map[string]completion
	now       func() time.Time
}

// completion records the newest finished run for a key so a slower older
// run cannot overwrite its cached report.
type completion struct {
	seq uint64
	at  time.Time
}

// NewGuard creates an idempotency guard
func NewGuard(store Store, resultTTL, inFlightTTL time.Duration, log *logger.Logger) *Guard {
	return &Guard{
		store:       store,
		resultTTL:   resultTTL,
		inFlightTTL: inFlightTTL,
		logger:      log.WithComponent("idempotency"),
		completed:   make(map[string]completion),
		now:         time.Now,
	}
}

// Key derives the idempotency key from the provider identity, the exact
// input values being validated and an optional requested-field scope.
// Neither field order nor scope order matters.
func Key(providerID string, fields map[string]string, requested ...string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	h.Write([]byte(providerID))
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(fields[name]))
	}

	if len(requested) > 0 {
		scope := make([]string, len(requested))
		copy(scope, requested)
		sort.Strings(scope)
		for _, name := range scope {
			h.Write([]byte{1})
			h.Write([]byte(name))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Acquire decides whether a validation request should run, wait, or reuse
// a cached report. With force set, a cached report is ignored but the
// in-flight dedup still applies.
func (g *Guard) Acquire(ctx context.Context, key string, force bool) (*Acquisition, error) {
	if !force {
		cached, err := g.store.GetReport(ctx, key)
		if err != nil {
			g.logger.Warn().Err(err).Msg("idempotency store unavailable, proceeding without dedup")
			return &Acquisition{Decision: DecisionProceed, Key: key, Seq: g.nextSeq(), Degraded: true}, nil
		}
		if cached != nil {
			return &Acquisition{Decision: DecisionCached, Key: key, Cached: cached}, nil
		}
	}

	acquired, err := g.store.AcquireInFlight(ctx, key, g.inFlightTTL)
	if err != nil {
		g.logger.Warn().Err(err).Msg("idempotency store unavailable, proceeding without dedup")
		return &Acquisition{Decision: DecisionProceed, Key: key, Seq: g.nextSeq(), Degraded: true}, nil
	}
	if !acquired {
		return &Acquisition{Decision: DecisionInFlight, Key: key}, nil
	}

	return &Acquisition{Decision: DecisionProceed, Key: key, Seq: g.nextSeq()}, nil
}

// Complete caches the finished report and releases the in-flight marker.
// A stale run (one that started before a newer run already completed for
// the same key) releases its marker but leaves the cache alone.
func (g *Guard) Complete(ctx context.Context, acq *Acquisition, report *domain.ValidationReport) error {
	if g.isStale(acq) {
		g.logger.Debug().Str("key", acq.Key).Uint64("seq", acq.Seq).Msg("stale run, not caching result")
		return g.store.Release(ctx, acq.Key)
	}
	g.markCompleted(acq)

	if err := g.store.SaveReport(ctx, acq.Key, report, g.resultTTL); err != nil {
		g.logger.Warn().Err(err).Msg("failed to cache validation report")
		return g.store.Release(ctx, acq.Key)
	}
	return nil
}

// Abort releases the in-flight marker after a run that produced no report
func (g *Guard) Abort(ctx context.Context, acq *Acquisition) error {
	return g.store.Release(ctx, acq.Key)
}

func (g *Guard) nextSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.seq
}

func (g *Guard) isStale(acq *Acquisition) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return acq.Seq < g.completed[acq.Key].seq
}

func (g *Guard) markCompleted(acq *Acquisition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if acq.Seq > g.completed[acq.Key].seq {
		g.completed[acq.Key] = completion{seq: acq.Seq, at: now}
	}
	g.pruneCompletedLocked(now)
}

// pruneCompletedLocked drops completion records whose cached report has
// expired; the stale-run check is meaningless past the result TTL. Caller
// holds the mutex.
func (g *Guard) pruneCompletedLocked(now time.Time) {
	if g.resultTTL <= 0 {
		return
	}
	for key, c := range g.completed {
		if now.Sub(c.at) > g.resultTTL {
			delete(g.completed, key)
		}
	}
}
