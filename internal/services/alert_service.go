package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sportsedge/integrity-engine/internal/actions"
	"github.com/sportsedge/integrity-engine/internal/lifecycle"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// ValidationError marks client input rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AlertStore is the slice of the alert store the facade reads and creates
// through. Status changes and actions go through the controller and
// executor instead.
type AlertStore interface {
	Create(ctx context.Context, alert *models.FraudAlert, entry *models.AuditLogEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error)
	List(ctx context.Context, filter repositories.AlertFilter, page, pageSize int) ([]*models.FraudAlert, int, error)
}

// AuditTrail reads an alert's audit history.
type AuditTrail interface {
	ListByAlert(ctx context.Context, alertID uuid.UUID) ([]*models.AuditLogEntry, error)
}

// Transitioner performs validated alert status changes.
type Transitioner interface {
	Transition(ctx context.Context, req *lifecycle.TransitionRequest) (*models.FraudAlert, *models.AuditLogEntry, error)
	Reopen(ctx context.Context, req *lifecycle.ReopenRequest) (*models.FraudAlert, *models.AuditLogEntry, error)
}

// ActionRunner executes account actions against an alert.
type ActionRunner interface {
	Execute(ctx context.Context, req *actions.ActionRequest) (*models.FraudAlert, *models.AccountActionRecord, error)
}

// EventPublisher publishes alert lifecycle events to the outbound stream.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.AlertEvent) (string, error)
}

// SummaryInvalidator drops cached dashboard aggregates after a write.
type SummaryInvalidator interface {
	InvalidateSummary(ctx context.Context)
}

// AlertService is the operation surface the HTTP handlers call. It validates
// input and hands writes to the lifecycle controller and action executor.
// Events publish after the write commits; publishing is best effort and never
// fails the operation.
type AlertService struct {
	store      AlertStore
	audit      AuditTrail
	controller Transitioner
	executor   ActionRunner
	publisher  EventPublisher
	summaries  SummaryInvalidator
}

// NewAlertService creates a new alert service
func NewAlertService(store AlertStore, audit AuditTrail, controller Transitioner, executor ActionRunner, publisher EventPublisher, summaries SummaryInvalidator) *AlertService {
	return &AlertService{
		store:      store,
		audit:      audit,
		controller: controller,
		executor:   executor,
		publisher:  publisher,
		summaries:  summaries,
	}
}

// CreateAlertRequest represents a manual alert creation request
type CreateAlertRequest struct {
	UserID         string          `json:"user_id" binding:"required,uuid"`
	Username       string          `json:"username"`
	PatternType    string          `json:"pattern_type" binding:"required"`
	Severity       string          `json:"severity" binding:"required"`
	Description    string          `json:"description" binding:"required"`
	ExposureAmount decimal.Decimal `json:"exposure_amount"`
	RelatedUserIDs []string        `json:"related_user_ids"`
	Evidence       models.JSONB    `json:"evidence"`
}

// UpdateStatusRequest represents a status transition request
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Notes  string `json:"notes"`
}

// TakeActionRequest represents an account action request. TakenAt is the
// client's timestamp for the action; a retry repeats it so the executor
// recognizes the request.
type TakeActionRequest struct {
	Action         string     `json:"action" binding:"required"`
	Notes          string     `json:"notes"`
	TakenAt        *time.Time `json:"taken_at"`
	IdempotencyKey string     `json:"idempotency_key"`
}

// ReopenAlertRequest represents a reopen request
type ReopenAlertRequest struct {
	Notes string `json:"notes"`
}

// ListAlertsQuery carries the list endpoint's filters, all optional.
type ListAlertsQuery struct {
	Status      string
	Severity    string
	PatternType string
	UserID      string
	Page        int
	PageSize    int
}

// CreateAlert creates an alert opened by an admin rather than the detection
// pipeline. The alert starts in NEW at version 1.
func (s *AlertService) CreateAlert(ctx context.Context, req *CreateAlertRequest, adminID, adminName string) (*models.FraudAlert, error) {
	if err := requireAdmin(adminID, adminName); err != nil {
		return nil, err
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		return nil, &ValidationError{Field: "user_id", Reason: "must be a UUID"}
	}
	pattern, err := models.ParsePatternType(req.PatternType)
	if err != nil {
		return nil, &ValidationError{Field: "pattern_type", Reason: err.Error()}
	}
	severity, err := models.ParseSeverity(req.Severity)
	if err != nil {
		return nil, &ValidationError{Field: "severity", Reason: err.Error()}
	}

	now := time.Now()
	alert := &models.FraudAlert{
		ID:             uuid.New(),
		UserID:         userID,
		Username:       req.Username,
		PatternType:    pattern,
		Severity:       severity,
		Status:         models.AlertStatusNew,
		Description:    req.Description,
		Evidence:       req.Evidence,
		RelatedUserIDs: req.RelatedUserIDs,
		ExposureAmount: req.ExposureAmount,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	entry := &models.AuditLogEntry{
		AlertID:   alert.ID,
		EntryType: models.AuditEntryAlertCreated,
		ToStatus:  models.AlertStatusNew,
		AdminID:   adminID,
		Payload: models.JSONB{
			"admin_name": adminName,
			"source":     "manual",
		},
		CreatedAt: now,
	}

	if err := s.store.Create(ctx, alert, entry); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, &models.AlertEvent{
		EventType:   models.EventAlertCreated,
		AlertID:     alert.ID.String(),
		UserID:      alert.UserID.String(),
		PatternType: string(alert.PatternType),
		Severity:    string(alert.Severity),
		ToStatus:    string(alert.Status),
		AdminID:     adminID,
		Timestamp:   now,
	})
	s.invalidateSummary(ctx)

	return alert, nil
}

// GetAlert retrieves a single alert with its action history.
func (s *AlertService) GetAlert(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	return s.store.GetByID(ctx, id)
}

// ListAlerts returns a filtered page of alerts, newest first.
func (s *AlertService) ListAlerts(ctx context.Context, query *ListAlertsQuery) (*models.PaginatedResponse, error) {
	filter := repositories.AlertFilter{}

	if query.Status != "" {
		status, err := models.ParseAlertStatus(query.Status)
		if err != nil {
			return nil, &ValidationError{Field: "status", Reason: err.Error()}
		}
		filter.Status = &status
	}
	if query.Severity != "" {
		severity, err := models.ParseSeverity(query.Severity)
		if err != nil {
			return nil, &ValidationError{Field: "severity", Reason: err.Error()}
		}
		filter.Severity = &severity
	}
	if query.PatternType != "" {
		pattern, err := models.ParsePatternType(query.PatternType)
		if err != nil {
			return nil, &ValidationError{Field: "pattern_type", Reason: err.Error()}
		}
		filter.PatternType = &pattern
	}
	if query.UserID != "" {
		userID, err := uuid.Parse(query.UserID)
		if err != nil {
			return nil, &ValidationError{Field: "user_id", Reason: "must be a UUID"}
		}
		filter.UserID = &userID
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	alerts, total, err := s.store.List(ctx, filter, page, pageSize)
	if err != nil {
		return nil, err
	}

	return &models.PaginatedResponse{
		Data: alerts,
		Pagination: models.Pagination{
			Page:     page,
			PageSize: pageSize,
			Total:    total,
		},
	}, nil
}

// UpdateStatus transitions an alert to the requested status.
func (s *AlertService) UpdateStatus(ctx context.Context, alertID uuid.UUID, req *UpdateStatusRequest, adminID, adminName string) (*models.FraudAlert, error) {
	if err := requireAdmin(adminID, adminName); err != nil {
		return nil, err
	}

	target, err := models.ParseAlertStatus(req.Status)
	if err != nil {
		return nil, &ValidationError{Field: "status", Reason: err.Error()}
	}

	alert, entry, err := s.controller.Transition(ctx, &lifecycle.TransitionRequest{
		AlertID:   alertID,
		Target:    target,
		AdminID:   adminID,
		AdminName: adminName,
		Notes:     req.Notes,
	})
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, &models.AlertEvent{
		EventType:   models.EventStatusChanged,
		AlertID:     alert.ID.String(),
		UserID:      alert.UserID.String(),
		PatternType: string(alert.PatternType),
		Severity:    string(alert.Severity),
		FromStatus:  string(entry.FromStatus),
		ToStatus:    string(entry.ToStatus),
		AdminID:     adminID,
		Timestamp:   entry.CreatedAt,
	})
	s.invalidateSummary(ctx)

	return alert, nil
}

// TakeAction executes an account action against the alert's user. A CLEAR
// also closes the alert as FALSE_POSITIVE before the action is recorded.
func (s *AlertService) TakeAction(ctx context.Context, alertID uuid.UUID, req *TakeActionRequest, adminID, adminName string) (*models.FraudAlert, *models.AccountActionRecord, error) {
	if err := requireAdmin(adminID, adminName); err != nil {
		return nil, nil, err
	}

	action, err := models.ParseAccountAction(req.Action)
	if err != nil {
		return nil, nil, &ValidationError{Field: "action", Reason: err.Error()}
	}

	execReq := &actions.ActionRequest{
		AlertID:        alertID,
		Action:         action,
		AdminID:        adminID,
		AdminName:      adminName,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.TakenAt != nil {
		execReq.TakenAt = *req.TakenAt
	}

	alert, record, err := s.executor.Execute(ctx, execReq)
	if err != nil {
		return nil, nil, err
	}

	s.publishEvent(ctx, &models.AlertEvent{
		EventType:   models.EventActionTaken,
		AlertID:     alert.ID.String(),
		UserID:      alert.UserID.String(),
		PatternType: string(alert.PatternType),
		Severity:    string(alert.Severity),
		ToStatus:    string(alert.Status),
		Action:      string(record.Action),
		AdminID:     adminID,
		Timestamp:   record.TakenAt,
	})
	s.invalidateSummary(ctx)

	return alert, record, nil
}

// ReopenAlert moves a terminal alert back to INVESTIGATING.
func (s *AlertService) ReopenAlert(ctx context.Context, alertID uuid.UUID, req *ReopenAlertRequest, adminID, adminName string) (*models.FraudAlert, error) {
	if err := requireAdmin(adminID, adminName); err != nil {
		return nil, err
	}

	alert, entry, err := s.controller.Reopen(ctx, &lifecycle.ReopenRequest{
		AlertID:   alertID,
		AdminID:   adminID,
		AdminName: adminName,
		Notes:     req.Notes,
	})
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, &models.AlertEvent{
		EventType:   models.EventAlertReopened,
		AlertID:     alert.ID.String(),
		UserID:      alert.UserID.String(),
		PatternType: string(alert.PatternType),
		Severity:    string(alert.Severity),
		FromStatus:  string(entry.FromStatus),
		ToStatus:    string(entry.ToStatus),
		AdminID:     adminID,
		Timestamp:   entry.CreatedAt,
	})
	s.invalidateSummary(ctx)

	return alert, nil
}

// GetAuditTrail returns an alert's audit entries in sequence order. Unknown
// alerts return repositories.ErrAlertNotFound rather than an empty trail.
func (s *AlertService) GetAuditTrail(ctx context.Context, alertID uuid.UUID) ([]*models.AuditLogEntry, error) {
	if _, err := s.store.GetByID(ctx, alertID); err != nil {
		return nil, err
	}
	return s.audit.ListByAlert(ctx, alertID)
}

func (s *AlertService) publishEvent(ctx context.Context, event *models.AlertEvent) {
	if s.publisher == nil {
		return
	}
	if _, err := s.publisher.Publish(ctx, event); err != nil {
		log.Warn().
			Err(err).
			Str("event_type", event.EventType).
			Str("alert_id", event.AlertID).
			Msg("Failed to publish alert event")
	}
}

func (s *AlertService) invalidateSummary(ctx context.Context) {
	if s.summaries != nil {
		s.summaries.InvalidateSummary(ctx)
	}
}

func requireAdmin(adminID, adminName string) error {
	if adminID == "" {
		return &ValidationError{Field: "admin_id", Reason: "required"}
	}
	if adminName == "" {
		return &ValidationError{Field: "admin_name", Reason: "required"}
	}
	return nil
}
