package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/provident/provident-backend/internal/validation/aggregator"
	"github.com/provident/provident-backend/internal/validation/connector"
	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/internal/validation/idempotency"
	"github.com/provident/provident-backend/pkg/config"
	apperrors "github.com/provident/provident-backend/pkg/errors"
	"github.com/provident/provident-backend/pkg/logger"
)

// Result is the outcome of one orchestrated validation run
type Result struct {
	Report *domain.ValidationReport
	// FromCache is true when a recent identical request was served from
	// the idempotency cache and no external source was called.
	FromCache bool
}

// Options tune a single run
type Options struct {
	// Force skips the cached-report reuse (a fresh run still goes through
	// the in-flight dedup).
	Force bool
	// Fields scopes the run to these fields when non-empty: only sources
	// covering at least one of them are called, the report holds exactly
	// these fields, and the scope is part of the idempotency key.
	Fields []string
	// Context carries caller-known facts for flagging.
	Context aggregator.Context
}

// Orchestrator fans a provider out to every enabled source, absorbs partial
// failures into zero-score data, and hands the merged findings to the
// aggregator. Source failures degrade the report; only configuration and
// programmer errors abort a run.
type Orchestrator struct {
	registry   *connector.Registry
	guard      *idempotency.Guard
	aggregator *aggregator.Aggregator
	cfg        *config.ValidationConfig
	logger     *logger.Logger

	mu   sync.Mutex
	sems map[domain.Source]chan struct{}
}

// New creates an orchestrator
func New(registry *connector.Registry, guard *idempotency.Guard, agg *aggregator.Aggregator, cfg *config.ValidationConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   registry,
		guard:      guard,
		aggregator: agg,
		cfg:        cfg,
		logger:     log.WithComponent("orchestrator"),
		sems:       make(map[domain.Source]chan struct{}),
	}
}

// ValidateProvider runs one validation for the provider. Identical repeated
// requests inside the result TTL are served from cache with the original
// generated_at; a concurrent identical request is rejected as in flight.
func (o *Orchestrator) ValidateProvider(ctx context.Context, p *domain.Provider, opts Options) (*Result, error) {
	if p == nil || p.ID == "" {
		return nil, apperrors.BadRequest("provider id is required")
	}

	validators, err := o.registry.ForSources(o.cfg.EnabledSources)
	if err != nil {
		return nil, apperrors.Configuration(err.Error())
	}

	requested := normalizeFields(opts.Fields)
	if len(requested) > 0 {
		validators = scopeValidators(validators, p, requested)
	}
	vctx := opts.Context
	vctx.RequestedFields = requested

	key := idempotency.Key(p.ID, p.Fields, requested...)
	acq, err := o.guard.Acquire(ctx, key, opts.Force)
	if err != nil {
		return nil, apperrors.Orchestration(err, "idempotency acquire failed")
	}

	switch acq.Decision {
	case idempotency.DecisionCached:
		o.logger.Debug().Str("provider_id", p.ID).Msg("serving cached validation report")
		return &Result{Report: acq.Cached, FromCache: true}, nil
	case idempotency.DecisionInFlight:
		return nil, apperrors.Conflict("a validation run for this input is already in progress")
	}

	report, err := o.run(ctx, p, validators, vctx)
	if err != nil {
		if abortErr := o.guard.Abort(ctx, acq); abortErr != nil {
			o.logger.Warn().Err(abortErr).Msg("failed to release in-flight marker")
		}
		return nil, err
	}

	if err := o.guard.Complete(ctx, acq, report); err != nil {
		// Caching is best effort; the report is still valid.
		o.logger.Warn().Err(err).Msg("failed to cache completed report")
	}

	return &Result{Report: report}, nil
}

// run executes the fan-out and aggregation for one provider
func (o *Orchestrator) run(ctx context.Context, p *domain.Provider, validators []connector.SourceValidator, vctx aggregator.Context) (*domain.ValidationReport, error) {
	started := time.Now()
	results := make([]*connector.Result, len(validators))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range validators {
		i, v := i, v
		g.Go(func() error {
			res, err := o.callValidator(gctx, v, p)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apperrors.IsConfiguration(err) {
			return nil, err
		}
		return nil, apperrors.Orchestration(err, "validation run aborted")
	}

	report := o.aggregator.Aggregate(p, results, vctx, time.Now().UTC())
	report.ID = uuid.New().String()

	o.logger.Info().
		Str("provider_id", p.ID).
		Str("report_id", report.ID).
		Float64("overall_confidence", report.OverallConfidence).
		Str("status", string(report.ValidationStatus)).
		Dur("duration", time.Since(started)).
		Msg("validation run completed")

	return report, nil
}

// callValidator invokes one source with its concurrency bound, timeout and
// panic absorption. Whatever goes wrong short of a programmer error comes
// back as zero-score findings so the aggregator still sees the source.
func (o *Orchestrator) callValidator(ctx context.Context, v connector.SourceValidator, p *domain.Provider) (res *connector.Result, err error) {
	sem := o.semaphore(v.Source())
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	callCtx := ctx
	if o.cfg.ValidatorTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.ValidatorTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.Orchestration(fmt.Errorf("validator %s panicked: %v", v.Source(), r), "validator panic")
		}
	}()

	res, err = v.Validate(callCtx, p)
	if err != nil {
		// The parent is still alive: a per-validator timeout degrades to
		// zero-score data instead of killing the whole run.
		if callCtx.Err() != nil && ctx.Err() == nil {
			o.logger.Warn().Str("source", string(v.Source())).Msg("validator timed out")
			return connector.Failed(v.Source(), connector.OutcomeSourceError, "validator timed out", p, v.Fields(p)), nil
		}
		return nil, err
	}

	if res.Outcome == connector.OutcomeRobotDetected {
		o.logger.Warn().Str("source", string(v.Source())).Str("reason", res.Err).Msg("robot detection, source skipped without retry")
	}
	return res, nil
}

// normalizeFields dedupes and sorts a requested field scope so equivalent
// scopes produce the same validator selection and idempotency key.
func normalizeFields(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// scopeValidators keeps only validators covering at least one requested field
func scopeValidators(validators []connector.SourceValidator, p *domain.Provider, requested []string) []connector.SourceValidator {
	scope := make(map[string]bool, len(requested))
	for _, f := range requested {
		scope[f] = true
	}
	out := make([]connector.SourceValidator, 0, len(validators))
	for _, v := range validators {
		for _, field := range v.Fields(p) {
			if scope[field] {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func (o *Orchestrator) semaphore(source domain.Source) chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if sem, ok := o.sems[source]; ok {
		return sem
	}
	n := o.cfg.MaxInFlightPerSource
	if n < 1 {
		n = 1
	}
	sem := make(chan struct{}, n)
	o.sems[source] = sem
	return sem
}
