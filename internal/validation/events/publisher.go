package events

import (
	"context"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/pkg/logger"
	"github.com/provident/provident-backend/pkg/messaging"
)

// publisher is the subset of messaging.Publisher the event layer needs.
// Tests substitute a capture implementation.
type publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// ValidationEventPublisher publishes validation lifecycle events
type ValidationEventPublisher struct {
	publisher publisher
	logger    *logger.Logger
}

// NewValidationEventPublisher creates a new validation event publisher
func NewValidationEventPublisher(rmq *messaging.RabbitMQ, log *logger.Logger) (*ValidationEventPublisher, error) {
	pub, err := messaging.NewPublisher(rmq, messaging.ExchangeValidationEvents, "validation-service", log)
	if err != nil {
		return nil, err
	}

	return &ValidationEventPublisher{
		publisher: pub,
		logger:    log,
	}, nil
}

// NewWithPublisher wires an alternate publisher implementation. Used in tests.
func NewWithPublisher(pub publisher, log *logger.Logger) *ValidationEventPublisher {
	return &ValidationEventPublisher{publisher: pub, logger: log}
}

// PublishValidationStarted publishes a validation started event
func (p *ValidationEventPublisher) PublishValidationStarted(ctx context.Context, run *domain.ValidationRun) {
	if p == nil {
		return
	}

	data := messaging.ValidationStartedEvent{
		RunID:      run.ID,
		ProviderID: run.ProviderID,
	}

	if err := p.publisher.Publish(ctx, messaging.EventValidationStarted, data); err != nil {
		p.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish validation started event")
	}
}

// PublishValidationCompleted publishes a validation completed event
func (p *ValidationEventPublisher) PublishValidationCompleted(ctx context.Context, run *domain.ValidationRun, report *domain.ValidationReport) {
	if p == nil {
		return
	}

	data := messaging.ValidationCompletedEvent{
		RunID:             run.ID,
		ProviderID:        report.ProviderID,
		ReportID:          report.ID,
		OverallConfidence: report.OverallConfidence,
		ValidationStatus:  string(report.ValidationStatus),
		FlagCodes:         report.FlagCodes(),
		GeneratedAt:       report.GeneratedAt,
	}

	if err := p.publisher.Publish(ctx, messaging.EventValidationCompleted, data); err != nil {
		p.logger.Error().Err(err).Str("report_id", report.ID).Msg("failed to publish validation completed event")
	}
}

// PublishValidationFailed publishes a validation failed event
func (p *ValidationEventPublisher) PublishValidationFailed(ctx context.Context, run *domain.ValidationRun, errorCode, reason string) {
	if p == nil {
		return
	}

	data := messaging.ValidationFailedEvent{
		RunID:      run.ID,
		ProviderID: run.ProviderID,
		ErrorCode:  errorCode,
		Reason:     reason,
	}

	if err := p.publisher.Publish(ctx, messaging.EventValidationFailed, data); err != nil {
		p.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to publish validation failed event")
	}
}

// PublishValidationFlagged publishes a flagged event when a report carries
// blocking flags that need human review
func (p *ValidationEventPublisher) PublishValidationFlagged(ctx context.Context, run *domain.ValidationRun, report *domain.ValidationReport) {
	if p == nil {
		return
	}

	data := messaging.ValidationFlaggedEvent{
		RunID:      run.ID,
		ProviderID: report.ProviderID,
		ReportID:   report.ID,
		FlagCodes:  report.FlagCodes(),
	}

	if err := p.publisher.Publish(ctx, messaging.EventValidationFlagged, data); err != nil {
		p.logger.Error().Err(err).Str("report_id", report.ID).Msg("failed to publish validation flagged event")
	}
}
