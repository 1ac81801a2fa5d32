package messaging

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types
const (
	// Provider events (emitted by the intake service)
	EventProviderCreated = "provider.created"
	EventProviderUpdated = "provider.updated"
	EventProviderDeleted = "provider.deleted"

	// Validation events
	EventValidationRequested = "validation.requested"
	EventValidationStarted   = "validation.started"
	EventValidationCompleted = "validation.completed"
	EventValidationFailed    = "validation.failed"
	EventValidationFlagged   = "validation.flagged"
)

// Exchange names
const (
	ExchangeProviderEvents   = "provider.events"
	ExchangeValidationEvents = "validation.events"
)

// Event is the base event structure
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event with the given type and data
func NewEvent(eventType, source, correlationID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            GenerateEventID(),
		Type:          eventType,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Data:          dataBytes,
	}, nil
}

// UnmarshalData unmarshals the event data into the provided struct
func (e *Event) UnmarshalData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Provider Events

// ProviderCreatedEvent is published when a provider record enters the system.
// The validation service consumes it to kick off a validation run.
type ProviderCreatedEvent struct {
	ProviderID string            `json:"provider_id"`
	Fields     map[string]string `json:"fields"`
}

// ProviderUpdatedEvent is published when a provider's fields change.
// Any change to validated fields triggers re-validation.
type ProviderUpdatedEvent struct {
	ProviderID    string            `json:"provider_id"`
	ChangedFields map[string]string `json:"changed_fields"`
}

// ProviderDeletedEvent is published when a provider is removed
type ProviderDeletedEvent struct {
	ProviderID string `json:"provider_id"`
}

// Validation Events

// ValidationRequestedEvent asks the validation service to validate a provider
type ValidationRequestedEvent struct {
	ProviderID string            `json:"provider_id"`
	Fields     map[string]string `json:"fields"`
	Force      bool              `json:"force,omitempty"`
}

// ValidationStartedEvent is published when a validation run begins
type ValidationStartedEvent struct {
	RunID      string `json:"run_id"`
	ProviderID string `json:"provider_id"`
}

// ValidationCompletedEvent is published when a validation run produces a report
type ValidationCompletedEvent struct {
	RunID             string    `json:"run_id"`
	ProviderID        string    `json:"provider_id"`
	ReportID          string    `json:"report_id"`
	OverallConfidence float64   `json:"overall_confidence"`
	ValidationStatus  string    `json:"validation_status"`
	FlagCodes         []string  `json:"flag_codes,omitempty"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// ValidationFailedEvent is published when a run aborts before producing a report
type ValidationFailedEvent struct {
	RunID      string `json:"run_id"`
	ProviderID string `json:"provider_id"`
	ErrorCode  string `json:"error_code"`
	Reason     string `json:"reason"`
}

// ValidationFlaggedEvent is published when a report carries blocking flags
// that need human review.
type ValidationFlaggedEvent struct {
	RunID      string   `json:"run_id"`
	ProviderID string   `json:"provider_id"`
	ReportID   string   `json:"report_id"`
	FlagCodes  []string `json:"flag_codes"`
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), time.Now().Nanosecond()%10000)
}
