package actions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/lifecycle"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_actions_total",
		Help: "Account actions dispatched and recorded.",
	}, []string{"action"})

	actionReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "account_action_replays_total",
		Help: "Action requests answered from an existing idempotency key.",
	})

	actionDispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "account_action_dispatch_failures_total",
		Help: "Account service dispatch failures after retries.",
	}, []string{"action"})

	partialFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "account_action_partial_failures_total",
		Help: "CLEAR actions whose status transition committed but whose record write failed.",
	})
)

// ErrAlertResolved rejects an action against an alert that already carries a
// resolution. Reopen the alert first, or retry a CLEAR that stopped short of
// its action record.
var ErrAlertResolved = errors.New("alert is already resolved")

// PartialFailureError reports a CLEAR whose FALSE_POSITIVE transition
// committed but whose action record did not. The account service call
// succeeded. Retrying the same CLEAR completes the record without repeating
// the transition.
type PartialFailureError struct {
	AlertID        uuid.UUID
	Status         models.AlertStatus
	Action         models.AccountAction
	IdempotencyKey string
	Err            error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("action %s on alert %s partially applied: status committed as %s but the action record failed: %v",
		e.Action, e.AlertID, e.Status, e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// AlertStore is the slice of the alert store the executor needs.
type AlertStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error)
	AppendAction(ctx context.Context, alert *models.FraudAlert, record *models.AccountActionRecord, expectedVersion int64, entry *models.AuditLogEntry) error
}

// AccountGateway applies enforcement actions to user accounts.
type AccountGateway interface {
	ApplyAction(ctx context.Context, userID uuid.UUID, action models.AccountAction, idempotencyKey, reason string) error
}

// StatusTransitioner performs validated alert status changes.
type StatusTransitioner interface {
	Transition(ctx context.Context, req *lifecycle.TransitionRequest) (*models.FraudAlert, *models.AuditLogEntry, error)
}

// Executor carries out account actions against the account service and
// records them on the alert. CLEAR additionally closes the alert as a
// false positive; the transition commits before the action record, so a
// crash between the two leaves a resumable partial state, never a recorded
// action without its dispatch.
type Executor struct {
	store           AlertStore
	gateway         AccountGateway
	lifecycle       StatusTransitioner
	opTimeout       time.Duration
	writeRetries    int
	storeBackoff    time.Duration
	dispatchRetries int
	retryBackoff    time.Duration
}

// NewExecutor creates a new action executor
func NewExecutor(store AlertStore, gateway AccountGateway, transitioner StatusTransitioner, cfg configs.AccountServiceConfig, storeCfg configs.StoreConfig) *Executor {
	return &Executor{
		store:           store,
		gateway:         gateway,
		lifecycle:       transitioner,
		opTimeout:       storeCfg.OpTimeout,
		writeRetries:    storeCfg.WriteRetries,
		storeBackoff:    storeCfg.RetryBackoff,
		dispatchRetries: cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
	}
}

func (e *Executor) getAlert(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()
	return e.store.GetByID(ctx, id)
}

// appendWithRetry retries transient store failures. Conflicts, duplicate
// keys and missing alerts return immediately; the record's unique key keeps
// a retry after an ambiguous timeout from inserting twice.
func (e *Executor) appendWithRetry(ctx context.Context, alert *models.FraudAlert, record *models.AccountActionRecord, expectedVersion int64, entry *models.AuditLogEntry) error {
	ctx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	var err error
	for attempt := 0; attempt <= e.writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.storeBackoff * time.Duration(attempt)):
			}
			log.Warn().
				Str("alert_id", alert.ID.String()).
				Int("attempt", attempt).
				Msg("Retrying action record write")
		}

		err = e.store.AppendAction(ctx, alert, record, expectedVersion, entry)
		if err == nil ||
			errors.Is(err, repositories.ErrVersionConflict) ||
			errors.Is(err, repositories.ErrDuplicateAction) ||
			errors.Is(err, repositories.ErrAlertNotFound) {
			return err
		}
	}
	return err
}

// ActionRequest describes one requested account action.
type ActionRequest struct {
	AlertID   uuid.UUID
	Action    models.AccountAction
	AdminID   string
	AdminName string
	Notes     string
	// TakenAt stamps when the admin took the action. Zero means now.
	TakenAt time.Time
	// IdempotencyKey deduplicates retries of the same logical request.
	// When empty it is derived from (alert, action, admin, TakenAt), so
	// a retry carrying the same TakenAt lands on the existing record.
	IdempotencyKey string
}

// Execute dispatches the action to the account service and appends the
// record to the alert. A request whose idempotency key already produced a
// record returns that record without dispatching again.
func (e *Executor) Execute(ctx context.Context, req *ActionRequest) (*models.FraudAlert, *models.AccountActionRecord, error) {
	if !req.Action.Valid() {
		return nil, nil, fmt.Errorf("unknown account action %q", req.Action)
	}

	alert, err := e.getAlert(ctx, req.AlertID)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	takenAt := req.TakenAt
	if takenAt.IsZero() {
		takenAt = now
	}
	key := req.IdempotencyKey
	if key == "" {
		key = deriveIdempotencyKey(req.AlertID, req.Action, req.AdminID, takenAt)
	}

	if prior := alert.ActionByKey(key); prior != nil {
		actionReplays.Inc()
		log.Info().
			Str("alert_id", alert.ID.String()).
			Str("action", string(req.Action)).
			Str("idempotency_key", key).
			Msg("Action replay detected, returning recorded action")
		return alert, prior, nil
	}

	resuming := resumingClear(alert, req.Action)
	if alert.IsResolved() && !resuming {
		return nil, nil, ErrAlertResolved
	}

	reason := fmt.Sprintf("fraud alert %s (%s)", alert.ID, alert.PatternType)
	if err := e.dispatchWithRetry(ctx, alert.UserID, req.Action, key, reason); err != nil {
		actionDispatchFailures.WithLabelValues(string(req.Action)).Inc()
		return nil, nil, err
	}

	// CLEAR closes the alert before its record is written. The order is
	// fixed: a failure here leaves no trace of the action, a failure after
	// leaves a resumable FALSE_POSITIVE alert.
	if req.Action == models.ActionClear && !resuming {
		cleared := models.ActionClear
		updated, _, err := e.lifecycle.Transition(ctx, &lifecycle.TransitionRequest{
			AlertID:     alert.ID,
			Target:      models.AlertStatusFalsePositive,
			AdminID:     req.AdminID,
			AdminName:   req.AdminName,
			Notes:       req.Notes,
			ActionTaken: &cleared,
		})
		if err != nil {
			return nil, nil, err
		}
		alert = updated
	}

	record := &models.AccountActionRecord{
		ID:             uuid.New(),
		AlertID:        alert.ID,
		Action:         req.Action,
		AdminID:        req.AdminID,
		AdminName:      req.AdminName,
		Notes:          req.Notes,
		IdempotencyKey: key,
		TakenAt:        takenAt,
		CreatedAt:      now,
	}

	action := req.Action
	entry := &models.AuditLogEntry{
		AlertID:    alert.ID,
		EntryType:  models.AuditEntryAccountAction,
		FromStatus: alert.Status,
		ToStatus:   alert.Status,
		Action:     &action,
		AdminID:    req.AdminID,
		Payload: models.JSONB{
			"admin_name":      req.AdminName,
			"notes":           req.Notes,
			"idempotency_key": key,
		},
		CreatedAt: now,
	}

	if err := e.appendWithRetry(ctx, alert, record, alert.Version, entry); err != nil {
		if errors.Is(err, repositories.ErrDuplicateAction) {
			// A concurrent call with the same key won the insert.
			fresh, getErr := e.getAlert(ctx, req.AlertID)
			if getErr != nil {
				return nil, nil, getErr
			}
			if prior := fresh.ActionByKey(key); prior != nil {
				actionReplays.Inc()
				return fresh, prior, nil
			}
			return nil, nil, err
		}
		if req.Action == models.ActionClear {
			partialFailures.Inc()
			log.Error().
				Err(err).
				Str("alert_id", alert.ID.String()).
				Str("idempotency_key", key).
				Msg("CLEAR transition committed but action record failed")
			return alert, nil, &PartialFailureError{
				AlertID:        alert.ID,
				Status:         alert.Status,
				Action:         req.Action,
				IdempotencyKey: key,
				Err:            err,
			}
		}
		return nil, nil, err
	}

	actionsTotal.WithLabelValues(string(req.Action)).Inc()

	log.Info().
		Str("alert_id", alert.ID.String()).
		Str("user_id", alert.UserID.String()).
		Str("action", string(req.Action)).
		Str("admin_id", req.AdminID).
		Msg("Account action recorded")

	return alert, record, nil
}

// resumingClear reports whether this CLEAR completes an earlier one whose
// FALSE_POSITIVE transition committed but whose record write failed.
func resumingClear(alert *models.FraudAlert, action models.AccountAction) bool {
	if action != models.ActionClear || alert.Status != models.AlertStatusFalsePositive {
		return false
	}
	if alert.Resolution == nil || alert.Resolution.ActionTaken == nil ||
		*alert.Resolution.ActionTaken != models.ActionClear {
		return false
	}
	for i := range alert.Actions {
		if alert.Actions[i].Action == models.ActionClear {
			return false
		}
	}
	return true
}

// dispatchWithRetry re-sends retryable dispatch failures with linear
// backoff under the same idempotency key.
func (e *Executor) dispatchWithRetry(ctx context.Context, userID uuid.UUID, action models.AccountAction, key, reason string) error {
	var err error
	for attempt := 0; attempt <= e.dispatchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.retryBackoff * time.Duration(attempt)):
			}
			log.Warn().
				Str("user_id", userID.String()).
				Str("action", string(action)).
				Int("attempt", attempt).
				Msg("Retrying account action dispatch")
		}

		err = e.gateway.ApplyAction(ctx, userID, action, key, reason)
		if err == nil {
			return nil
		}

		var dispatchErr *ActionDispatchError
		if errors.As(err, &dispatchErr) && !dispatchErr.Retryable {
			return err
		}
	}
	return err
}

func deriveIdempotencyKey(alertID uuid.UUID, action models.AccountAction, adminID string, takenAt time.Time) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d", alertID, action, adminID, takenAt.UnixNano())
	return hex.EncodeToString(h.Sum(nil))[:32]
}
