package service

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/provident/provident-backend/internal/validation/aggregator"
	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/internal/validation/events"
	"github.com/provident/provident-backend/internal/validation/orchestrator"
	"github.com/provident/provident-backend/internal/validation/report"
	"github.com/provident/provident-backend/internal/validation/repository"
	"github.com/provident/provident-backend/pkg/errors"
	"github.com/provident/provident-backend/pkg/logger"
)

// finishedRunRetention is how long completed and failed run records stay
// queryable before they are pruned.
const finishedRunRetention = 24 * time.Hour

// ValidationService coordinates validation runs: it loads provider fields,
// drives the orchestrator, persists the resulting report and publishes
// lifecycle events. Run records are kept in memory; reports are the durable
// artifact.
type ValidationService struct {
	repo      *repository.ReportRepository
	orch      *orchestrator.Orchestrator
	generator *report.Generator
	publisher *events.ValidationEventPublisher
	logger    *logger.Logger

	mu   sync.RWMutex
	runs map[string]*domain.ValidationRun
}

// NewValidationService creates a new validation service
func NewValidationService(
	repo *repository.ReportRepository,
	orch *orchestrator.Orchestrator,
	generator *report.Generator,
	publisher *events.ValidationEventPublisher,
	log *logger.Logger,
) *ValidationService {
	return &ValidationService{
		repo:      repo,
		orch:      orch,
		generator: generator,
		publisher: publisher,
		logger:    log,
		runs:      make(map[string]*domain.ValidationRun),
	}
}

// StartValidation begins a validation run for a stored provider. The run
// executes in the background; callers poll GetRun for the outcome. An
// optional field list scopes the run to just those fields.
func (s *ValidationService) StartValidation(ctx context.Context, providerID string, force bool, fields ...string) (*domain.ValidationRun, error) {
	provider, err := s.repo.GetProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return s.StartValidationForProvider(ctx, provider, force, fields...)
}

// StartValidationForProvider begins a run for an already loaded provider.
// Consumers use this when the triggering event carries the field values.
func (s *ValidationService) StartValidationForProvider(ctx context.Context, provider *domain.Provider, force bool, fields ...string) (*domain.ValidationRun, error) {
	if provider == nil || provider.ID == "" {
		return nil, errors.BadRequest("provider id is required")
	}

	run := &domain.ValidationRun{
		ID:         uuid.New().String(),
		ProviderID: provider.ID,
		Status:     domain.RunPending,
		StartedAt:  time.Now().UTC(),
	}
	s.storeRun(run)

	// The run outlives the request; detach from the caller's cancellation
	// but keep its values (correlation ID).
	go s.executeRun(context.WithoutCancel(ctx), run, provider, force, fields)

	return run.Clone(), nil
}

// ValidateBatch starts a run for each provider. Providers that cannot be
// loaded are skipped with a log entry rather than failing the batch.
func (s *ValidationService) ValidateBatch(ctx context.Context, providerIDs []string, force bool, fields ...string) []*domain.ValidationRun {
	runs := make([]*domain.ValidationRun, 0, len(providerIDs))
	for _, id := range providerIDs {
		run, err := s.StartValidation(ctx, id, force, fields...)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider_id", id).Msg("skipping provider in batch validation")
			continue
		}
		runs = append(runs, run)
	}
	return runs
}

// executeRun drives one validation run to completion
func (s *ValidationService) executeRun(ctx context.Context, run *domain.ValidationRun, provider *domain.Provider, force bool, fields []string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Str("run_id", run.ID).Interface("panic", r).Msg("validation run panicked")
			s.finishRunFailed(ctx, run, "ORCHESTRATION_ERROR", "internal error during validation")
		}
	}()

	log := s.logger.WithRun(run.ID).WithProvider(provider.ID)

	s.updateRun(run.ID, func(r *domain.ValidationRun) {
		r.Status = domain.RunRunning
	})
	s.publisher.PublishValidationStarted(ctx, run)
	log.Info().Msg("validation run started")

	vctx, err := s.buildContext(ctx, provider, fields)
	if err != nil {
		log.Warn().Err(err).Msg("duplicate NPI check failed, continuing without it")
	}

	result, err := s.orch.ValidateProvider(ctx, provider, orchestrator.Options{
		Force:   force,
		Fields:  fields,
		Context: vctx,
	})
	if err != nil {
		code := "ORCHESTRATION_ERROR"
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			code = appErr.Code
		}
		log.Error().Err(err).Msg("validation run failed")
		s.finishRunFailed(ctx, run, code, err.Error())
		return
	}

	rep := result.Report
	if !result.FromCache {
		if err := s.repo.SaveReport(ctx, rep); err != nil {
			log.Error().Err(err).Str("report_id", rep.ID).Msg("failed to persist validation report")
			s.finishRunFailed(ctx, run, "REPORT_SAVE_FAILED", err.Error())
			return
		}
	}

	finished := s.updateRun(run.ID, func(r *domain.ValidationRun) {
		r.Status = domain.RunCompleted
		r.ReportID = rep.ID
		r.FinishedAt = time.Now().UTC()
	})

	s.publisher.PublishValidationCompleted(ctx, finished, rep)
	if rep.HasBlockingFlag() {
		s.publisher.PublishValidationFlagged(ctx, finished, rep)
	}

	log.Info().
		Str("report_id", rep.ID).
		Float64("overall_confidence", rep.OverallConfidence).
		Str("status", string(rep.ValidationStatus)).
		Bool("from_cache", result.FromCache).
		Msg("validation run completed")
}

// buildContext gathers caller-known facts the sources cannot see, currently
// only whether another provider record claims the same NPI. A field scope
// that excludes the NPI skips the cross-provider lookup.
func (s *ValidationService) buildContext(ctx context.Context, provider *domain.Provider, fields []string) (aggregator.Context, error) {
	vctx := aggregator.Context{}
	npi := provider.Fields[domain.FieldNPINumber]
	if npi == "" || (len(fields) > 0 && !containsField(fields, domain.FieldNPINumber)) {
		return vctx, nil
	}
	count, err := s.repo.CountProvidersWithNPI(ctx, npi, provider.ID)
	if err != nil {
		return vctx, err
	}
	vctx.DuplicateNPI = count > 0
	return vctx, nil
}

func containsField(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func (s *ValidationService) finishRunFailed(ctx context.Context, run *domain.ValidationRun, code, reason string) {
	finished := s.updateRun(run.ID, func(r *domain.ValidationRun) {
		r.Status = domain.RunFailed
		r.Error = reason
		r.FinishedAt = time.Now().UTC()
	})
	s.publisher.PublishValidationFailed(ctx, finished, code, reason)
}

// GetRun returns a run record by ID
func (s *ValidationService) GetRun(runID string) (*domain.ValidationRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.NotFound("validation run")
	}
	return run.Clone(), nil
}

// ListRuns returns run records for a provider, newest first. An empty
// providerID returns all known runs.
func (s *ValidationService) ListRuns(providerID string) []*domain.ValidationRun {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*domain.ValidationRun, 0, len(s.runs))
	for _, run := range s.runs {
		if providerID != "" && run.ProviderID != providerID {
			continue
		}
		runs = append(runs, run.Clone())
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs
}

// GetLatestReport returns the newest report for a provider, enriched with
// summary statistics and recommendations.
func (s *ValidationService) GetLatestReport(ctx context.Context, providerID string) (*report.Enriched, error) {
	rep, err := s.repo.GetLatestReport(ctx, providerID)
	if err != nil {
		return nil, err
	}
	return s.generator.Enrich(rep), nil
}

// ListReports returns a provider's report history, newest first
func (s *ValidationService) ListReports(ctx context.Context, providerID string, limit int) ([]*domain.ValidationReport, error) {
	return s.repo.ListReports(ctx, providerID, limit)
}

func (s *ValidationService) storeRun(run *domain.ValidationRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	s.runs[run.ID] = run
}

// updateRun mutates a run under the lock and returns a snapshot of it
func (s *ValidationService) updateRun(runID string, fn func(*domain.ValidationRun)) *domain.ValidationRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return &domain.ValidationRun{ID: runID}
	}
	fn(run)
	return run.Clone()
}

// pruneLocked drops finished runs past the retention window. Caller holds
// the write lock.
func (s *ValidationService) pruneLocked() {
	cutoff := time.Now().Add(-finishedRunRetention)
	for id, run := range s.runs {
		if run.Status != domain.RunCompleted && run.Status != domain.RunFailed {
			continue
		}
		if run.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
		}
	}
}
