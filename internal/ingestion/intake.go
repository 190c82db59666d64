package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

var detectionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "detection_events_processed_total",
	Help: "Detection events consumed from the pipeline, by outcome.",
}, []string{"outcome"})

// InvalidEventError marks a detection event that can never become an alert.
// Consumers commit these instead of retrying; retrying cannot fix the event.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid detection event: %s: %s", e.Field, e.Reason)
}

// AlertStore is the slice of the alert store intake needs.
type AlertStore interface {
	Create(ctx context.Context, alert *models.FraudAlert, entry *models.AuditLogEntry) error
	GetBySourceEventID(ctx context.Context, sourceEventID string) (*models.FraudAlert, error)
}

// EventPublisher publishes alert lifecycle events to the outbound stream.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.AlertEvent) (string, error)
}

// IntakeService turns detection pipeline events into NEW fraud alerts.
// Intake is idempotent by source event ID: a replayed event returns the
// alert it originally created without writing anything.
type IntakeService struct {
	store     AlertStore
	publisher EventPublisher
}

// NewIntakeService creates a new intake service
func NewIntakeService(store AlertStore, publisher EventPublisher) *IntakeService {
	return &IntakeService{
		store:     store,
		publisher: publisher,
	}
}

// ProcessDetection validates a detection event and opens an alert for it.
// The returned bool reports whether a new alert was created.
func (s *IntakeService) ProcessDetection(ctx context.Context, event *models.DetectionEvent) (*models.FraudAlert, bool, error) {
	startTime := time.Now()

	userID, pattern, severity, err := validateEvent(event)
	if err != nil {
		detectionEvents.WithLabelValues("invalid").Inc()
		return nil, false, err
	}

	// Check for a replayed event before inserting
	existing, err := s.store.GetBySourceEventID(ctx, event.EventID)
	if err == nil {
		detectionEvents.WithLabelValues("duplicate").Inc()
		log.Debug().
			Str("source_event_id", event.EventID).
			Str("alert_id", existing.ID.String()).
			Msg("Duplicate detection event")
		return existing, false, nil
	}
	if !errors.Is(err, repositories.ErrAlertNotFound) {
		detectionEvents.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("failed to check for existing alert: %w", err)
	}

	detectedAt := event.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = startTime
	}

	alert := &models.FraudAlert{
		ID:             uuid.New(),
		UserID:         userID,
		Username:       event.Username,
		PatternType:    pattern,
		Severity:       severity,
		Status:         models.AlertStatusNew,
		Description:    event.Description,
		Evidence:       event.Evidence,
		RelatedUserIDs: event.RelatedUserIDs,
		ExposureAmount: event.ExposureAmount,
		SourceEventID:  event.EventID,
		Version:        1,
		CreatedAt:      startTime,
		UpdatedAt:      startTime,
	}

	entry := &models.AuditLogEntry{
		AlertID:   alert.ID,
		EntryType: models.AuditEntryAlertCreated,
		ToStatus:  models.AlertStatusNew,
		Payload: models.JSONB{
			"source":          "detection-pipeline",
			"source_event_id": event.EventID,
			"detected_at":     detectedAt.Format(time.RFC3339),
		},
		CreatedAt: startTime,
	}

	if err := s.store.Create(ctx, alert, entry); err != nil {
		if errors.Is(err, repositories.ErrDuplicateAlert) {
			// Lost the insert race to a concurrent consumer
			existing, getErr := s.store.GetBySourceEventID(ctx, event.EventID)
			if getErr != nil {
				detectionEvents.WithLabelValues("error").Inc()
				return nil, false, getErr
			}
			detectionEvents.WithLabelValues("duplicate").Inc()
			return existing, false, nil
		}
		detectionEvents.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("failed to create alert: %w", err)
	}

	// Publish to the event stream. The alert is saved either way; the feed
	// is best effort.
	if s.publisher != nil {
		streamEvent := &models.AlertEvent{
			EventType:   models.EventAlertCreated,
			AlertID:     alert.ID.String(),
			UserID:      alert.UserID.String(),
			PatternType: string(alert.PatternType),
			Severity:    string(alert.Severity),
			ToStatus:    string(alert.Status),
			Timestamp:   alert.CreatedAt,
		}
		if _, err := s.publisher.Publish(ctx, streamEvent); err != nil {
			log.Error().Err(err).
				Str("alert_id", alert.ID.String()).
				Msg("Failed to publish alert created event")
		}
	}

	detectionEvents.WithLabelValues("created").Inc()

	log.Info().
		Str("alert_id", alert.ID.String()).
		Str("user_id", alert.UserID.String()).
		Str("pattern_type", string(alert.PatternType)).
		Str("severity", string(alert.Severity)).
		Dur("processing_time", time.Since(startTime)).
		Msg("Fraud alert created from detection event")

	return alert, true, nil
}

func validateEvent(event *models.DetectionEvent) (uuid.UUID, models.PatternType, models.Severity, error) {
	if event.EventID == "" {
		return uuid.Nil, "", "", &InvalidEventError{Field: "event_id", Reason: "required"}
	}

	userID, err := uuid.Parse(event.UserID)
	if err != nil {
		return uuid.Nil, "", "", &InvalidEventError{Field: "user_id", Reason: "must be a UUID"}
	}

	pattern, err := models.ParsePatternType(event.PatternType)
	if err != nil {
		return uuid.Nil, "", "", &InvalidEventError{Field: "pattern_type", Reason: err.Error()}
	}

	severity, err := models.ParseSeverity(event.Severity)
	if err != nil {
		return uuid.Nil, "", "", &InvalidEventError{Field: "severity", Reason: err.Error()}
	}

	if event.Description == "" {
		return uuid.Nil, "", "", &InvalidEventError{Field: "description", Reason: "required"}
	}

	if event.ExposureAmount.IsNegative() {
		return uuid.Nil, "", "", &InvalidEventError{Field: "exposure_amount", Reason: "must not be negative"}
	}

	return userID, pattern, severity, nil
}
