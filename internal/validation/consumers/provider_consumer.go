package consumers

import (
	"context"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/internal/validation/service"
	"github.com/provident/provident-backend/pkg/logger"
	"github.com/provident/provident-backend/pkg/messaging"
)

// ProviderEventConsumer listens for provider lifecycle and validation request
// events and kicks off validation runs
type ProviderEventConsumer struct {
	consumer *messaging.Consumer
	service  *service.ValidationService
	logger   *logger.Logger
}

// NewProviderEventConsumer creates a new provider event consumer
func NewProviderEventConsumer(rmq *messaging.RabbitMQ, svc *service.ValidationService, log *logger.Logger) (*ProviderEventConsumer, error) {
	consumer, err := messaging.NewConsumer(rmq, "validation-service.provider-events", log)
	if err != nil {
		return nil, err
	}

	if err := consumer.Subscribe(messaging.ExchangeProviderEvents, "provider.#"); err != nil {
		return nil, err
	}
	if err := consumer.Subscribe(messaging.ExchangeValidationEvents, messaging.EventValidationRequested); err != nil {
		return nil, err
	}

	c := &ProviderEventConsumer{
		consumer: consumer,
		service:  svc,
		logger:   log,
	}

	consumer.RegisterHandler(messaging.EventProviderCreated, c.handleProviderCreated)
	consumer.RegisterHandler(messaging.EventProviderUpdated, c.handleProviderUpdated)
	consumer.RegisterHandler(messaging.EventValidationRequested, c.handleValidationRequested)

	return c, nil
}

// Start starts consuming messages
func (c *ProviderEventConsumer) Start(ctx context.Context) error {
	return c.consumer.Start(ctx)
}

func (c *ProviderEventConsumer) handleProviderCreated(ctx context.Context, event *messaging.Event) error {
	var data messaging.ProviderCreatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("provider_id", data.ProviderID).
		Msg("received provider created event")

	// New records carry their fields in the event; no need to re-read them.
	provider := &domain.Provider{ID: data.ProviderID, Fields: data.Fields}
	if len(provider.Fields) == 0 {
		_, err := c.service.StartValidation(ctx, data.ProviderID, false)
		return err
	}

	_, err := c.service.StartValidationForProvider(ctx, provider, false)
	return err
}

func (c *ProviderEventConsumer) handleProviderUpdated(ctx context.Context, event *messaging.Event) error {
	var data messaging.ProviderUpdatedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("provider_id", data.ProviderID).
		Int("changed_fields", len(data.ChangedFields)).
		Msg("received provider updated event")

	// Field values changed, so the previous report is stale. Load the full
	// record and re-validate; the changed input produces a fresh idempotency
	// key, no force needed.
	_, err := c.service.StartValidation(ctx, data.ProviderID, false)
	return err
}

func (c *ProviderEventConsumer) handleValidationRequested(ctx context.Context, event *messaging.Event) error {
	var data messaging.ValidationRequestedEvent
	if err := event.UnmarshalData(&data); err != nil {
		return err
	}

	c.logger.Info().
		Str("provider_id", data.ProviderID).
		Bool("force", data.Force).
		Msg("received validation requested event")

	if len(data.Fields) > 0 {
		provider := &domain.Provider{ID: data.ProviderID, Fields: data.Fields}
		_, err := c.service.StartValidationForProvider(ctx, provider, data.Force)
		return err
	}

	_, err := c.service.StartValidation(ctx, data.ProviderID, data.Force)
	return err
}
