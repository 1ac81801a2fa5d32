package events_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/provident/provident-backend/internal/validation/domain"
	"github.com/provident/provident-backend/internal/validation/events"
	"github.com/provident/provident-backend/pkg/logger"
	"github.com/provident/provident-backend/pkg/messaging"
)

// MockPublisher captures published events for testing
type MockPublisher struct {
	events []PublishedEvent
}

type PublishedEvent struct {
	EventType string
	Data      []byte
}

func (m *MockPublisher) Publish(ctx context.Context, eventType string, data interface{}) error {
	jsonData, _ := json.Marshal(data)
	m.events = append(m.events, PublishedEvent{
		EventType: eventType,
		Data:      jsonData,
	})
	return nil
}

func testRun() *domain.ValidationRun {
	return &domain.ValidationRun{
		ID:         "run-1",
		ProviderID: "prov-1",
		Status:     domain.RunRunning,
		StartedAt:  time.Now().UTC(),
	}
}

func TestPublishValidationStarted(t *testing.T) {
	mock := &MockPublisher{}
	pub := events.NewWithPublisher(mock, logger.Nop())

	pub.PublishValidationStarted(context.Background(), testRun())

	require.Len(t, mock.events, 1)
	assert.Equal(t, messaging.EventValidationStarted, mock.events[0].EventType)

	var event messaging.ValidationStartedEvent
	require.NoError(t, json.Unmarshal(mock.events[0].Data, &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, "prov-1", event.ProviderID)
}

func TestPublishValidationCompleted(t *testing.T) {
	mock := &MockPublisher{}
	pub := events.NewWithPublisher(mock, logger.Nop())

	generatedAt := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	report := &domain.ValidationReport{
		ID:                "rep-1",
		ProviderID:        "prov-1",
		OverallConfidence: 0.87,
		ValidationStatus:  domain.StatusValid,
		Flags:             []domain.Flag{{Code: domain.FlagLicenseSuspended, Reason: "board lists suspension"}},
		GeneratedAt:       generatedAt,
	}

	pub.PublishValidationCompleted(context.Background(), testRun(), report)

	require.Len(t, mock.events, 1)
	assert.Equal(t, messaging.EventValidationCompleted, mock.events[0].EventType)

	var event messaging.ValidationCompletedEvent
	require.NoError(t, json.Unmarshal(mock.events[0].Data, &event))
	assert.Equal(t, "run-1", event.RunID)
	assert.Equal(t, "rep-1", event.ReportID)
	assert.InDelta(t, 0.87, event.OverallConfidence, 1e-9)
	assert.Equal(t, "valid", event.ValidationStatus)
	assert.Equal(t, []string{domain.FlagLicenseSuspended}, event.FlagCodes)
	assert.True(t, generatedAt.Equal(event.GeneratedAt))
}

func TestPublishValidationFailed(t *testing.T) {
	mock := &MockPublisher{}
	pub := events.NewWithPublisher(mock, logger.Nop())

	pub.PublishValidationFailed(context.Background(), testRun(), "ORCHESTRATION_ERROR", "validator misconfigured")

	require.Len(t, mock.events, 1)
	assert.Equal(t, messaging.EventValidationFailed, mock.events[0].EventType)

	var event messaging.ValidationFailedEvent
	require.NoError(t, json.Unmarshal(mock.events[0].Data, &event))
	assert.Equal(t, "ORCHESTRATION_ERROR", event.ErrorCode)
	assert.Equal(t, "validator misconfigured", event.Reason)
}

func TestPublishValidationFlagged(t *testing.T) {
	mock := &MockPublisher{}
	pub := events.NewWithPublisher(mock, logger.Nop())

	report := &domain.ValidationReport{
		ID:         "rep-1",
		ProviderID: "prov-1",
		Flags: []domain.Flag{
			{Code: domain.FlagNPINotFound, Reason: "no registry record"},
			{Code: domain.FlagLicenseExpired, Reason: "expired 2024-01-01"},
		},
	}

	pub.PublishValidationFlagged(context.Background(), testRun(), report)

	require.Len(t, mock.events, 1)
	assert.Equal(t, messaging.EventValidationFlagged, mock.events[0].EventType)

	var event messaging.ValidationFlaggedEvent
	require.NoError(t, json.Unmarshal(mock.events[0].Data, &event))
	assert.Equal(t, "rep-1", event.ReportID)
	assert.Equal(t, []string{domain.FlagNPINotFound, domain.FlagLicenseExpired}, event.FlagCodes)
}

func TestNilPublisherIsSafe(t *testing.T) {
	var pub *events.ValidationEventPublisher

	pub.PublishValidationStarted(context.Background(), testRun())
	pub.PublishValidationFailed(context.Background(), testRun(), "X", "y")
}
