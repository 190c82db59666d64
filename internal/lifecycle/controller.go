package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fraud_alert_transitions_total",
		Help: "Successful alert status transitions.",
	}, []string{"from", "to"})

	transitionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraud_alert_transition_conflicts_total",
		Help: "Status writes lost to a concurrent version bump.",
	})

	alertsReopened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fraud_alerts_reopened_total",
		Help: "Alerts explicitly reopened from a terminal status.",
	})
)

// InvalidTransitionError reports a status change the state machine forbids.
type InvalidTransitionError struct {
	From models.AlertStatus
	To   models.AlertStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// AlertStore is the slice of the alert store the controller writes through.
// Implementations must persist the update and its audit entry atomically and
// reject writes whose expected version no longer matches.
type AlertStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error)
	UpdateIfVersion(ctx context.Context, alert *models.FraudAlert, expectedVersion int64, entry *models.AuditLogEntry) error
}

// Controller owns the alert lifecycle state machine. All status changes
// anywhere in the system go through it.
type Controller struct {
	store        AlertStore
	opTimeout    time.Duration
	writeRetries int
	retryBackoff time.Duration
}

// NewController creates a new lifecycle controller
func NewController(store AlertStore, cfg configs.StoreConfig) *Controller {
	return &Controller{
		store:        store,
		opTimeout:    cfg.OpTimeout,
		writeRetries: cfg.WriteRetries,
		retryBackoff: cfg.RetryBackoff,
	}
}

// TransitionRequest describes one requested status change.
type TransitionRequest struct {
	AlertID   uuid.UUID
	Target    models.AlertStatus
	AdminID   string
	AdminName string
	Notes     string
	// ActionTaken overrides the resolution's action_taken when the
	// transition is the side effect of an in-flight account action.
	ActionTaken *models.AccountAction
}

// ReopenRequest describes an explicit reopen of a terminal alert.
type ReopenRequest struct {
	AlertID   uuid.UUID
	AdminID   string
	AdminName string
	Notes     string
}

// Transition validates the requested status change against the transition
// table and persists it under the version read at the start. Validation
// failures never write. A version conflict is returned as
// repositories.ErrVersionConflict and is safe for the caller to retry after
// re-reading. On success the written audit entry is returned alongside the
// updated alert.
func (c *Controller) Transition(ctx context.Context, req *TransitionRequest) (*models.FraudAlert, *models.AuditLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	alert, err := c.store.GetByID(ctx, req.AlertID)
	if err != nil {
		return nil, nil, err
	}

	if !req.Target.Valid() || !alert.Status.CanTransitionTo(req.Target) {
		return nil, nil, &InvalidTransitionError{From: alert.Status, To: req.Target}
	}

	now := time.Now()
	from := alert.Status

	alert.Status = req.Target
	alert.UpdatedAt = now

	if req.Target.Terminal() {
		actionTaken := req.ActionTaken
		if actionTaken == nil {
			if last := alert.LastAction(); last != nil {
				actionTaken = &last.Action
			}
		}
		alert.Resolution = &models.Resolution{
			AdminID:     req.AdminID,
			AdminName:   req.AdminName,
			Status:      req.Target,
			ActionTaken: actionTaken,
			Notes:       req.Notes,
			ResolvedAt:  now,
		}
	}

	entry := &models.AuditLogEntry{
		AlertID:    alert.ID,
		EntryType:  models.AuditEntryStatusTransition,
		FromStatus: from,
		ToStatus:   req.Target,
		AdminID:    req.AdminID,
		Payload: models.JSONB{
			"admin_name": req.AdminName,
			"notes":      req.Notes,
		},
		CreatedAt: now,
	}

	if err := c.writeWithRetry(ctx, alert, alert.Version, entry); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			transitionConflicts.Inc()
		}
		return nil, nil, err
	}

	transitionsTotal.WithLabelValues(string(from), string(req.Target)).Inc()

	log.Info().
		Str("alert_id", alert.ID.String()).
		Str("from", string(from)).
		Str("to", string(req.Target)).
		Str("admin_id", req.AdminID).
		Int64("version", alert.Version).
		Msg("Alert status updated")

	return alert, entry, nil
}

// Reopen moves a terminal alert back to INVESTIGATING. The live resolution
// is cleared; its snapshot survives in the audit entry payload.
func (c *Controller) Reopen(ctx context.Context, req *ReopenRequest) (*models.FraudAlert, *models.AuditLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
	defer cancel()

	alert, err := c.store.GetByID(ctx, req.AlertID)
	if err != nil {
		return nil, nil, err
	}

	if !alert.Status.Terminal() {
		return nil, nil, &InvalidTransitionError{From: alert.Status, To: models.AlertStatusInvestigating}
	}

	now := time.Now()
	from := alert.Status
	prior := alert.Resolution

	alert.Status = models.AlertStatusInvestigating
	alert.Resolution = nil
	alert.UpdatedAt = now

	payload := models.JSONB{
		"admin_name": req.AdminName,
		"notes":      req.Notes,
	}
	if prior != nil {
		priorResolution := models.JSONB{
			"admin_id":    prior.AdminID,
			"admin_name":  prior.AdminName,
			"status":      string(prior.Status),
			"notes":       prior.Notes,
			"resolved_at": prior.ResolvedAt.Format(time.RFC3339),
		}
		if prior.ActionTaken != nil {
			priorResolution["action_taken"] = string(*prior.ActionTaken)
		}
		payload["prior_resolution"] = priorResolution
	}

	entry := &models.AuditLogEntry{
		AlertID:    alert.ID,
		EntryType:  models.AuditEntryAlertReopened,
		FromStatus: from,
		ToStatus:   models.AlertStatusInvestigating,
		AdminID:    req.AdminID,
		Payload:    payload,
		CreatedAt:  now,
	}

	if err := c.writeWithRetry(ctx, alert, alert.Version, entry); err != nil {
		if errors.Is(err, repositories.ErrVersionConflict) {
			transitionConflicts.Inc()
		}
		return nil, nil, err
	}

	alertsReopened.Inc()

	log.Info().
		Str("alert_id", alert.ID.String()).
		Str("from", string(from)).
		Str("admin_id", req.AdminID).
		Msg("Alert reopened")

	return alert, entry, nil
}

// writeWithRetry retries transient store failures with linear backoff.
// Version conflicts and missing alerts surface immediately; retrying a
// conflict without re-reading would just lose the same race again.
func (c *Controller) writeWithRetry(ctx context.Context, alert *models.FraudAlert, expectedVersion int64, entry *models.AuditLogEntry) error {
	var err error
	for attempt := 0; attempt <= c.writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff * time.Duration(attempt)):
			}
			log.Warn().
				Str("alert_id", alert.ID.String()).
				Int("attempt", attempt).
				Msg("Retrying alert status write")
		}

		err = c.store.UpdateIfVersion(ctx, alert, expectedVersion, entry)
		if err == nil ||
			errors.Is(err, repositories.ErrVersionConflict) ||
			errors.Is(err, repositories.ErrAlertNotFound) {
			return err
		}
	}
	return err
}
