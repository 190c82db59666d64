package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"github.com/sportsedge/integrity-engine/internal/models"
)

var (
	ErrAlertNotFound   = errors.New("alert not found")
	ErrDuplicateAlert  = errors.New("duplicate alert (source event already ingested)")
	ErrVersionConflict = errors.New("alert version conflict")
	ErrDuplicateAction = errors.New("duplicate action (idempotency key exists)")
)

// AlertRepository handles fraud alert database operations. Every write that
// changes alert state carries its audit entry in the same transaction.
type AlertRepository struct {
	db *Database
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *Database) *AlertRepository {
	return &AlertRepository{db: db}
}

// AlertFilter narrows List results. Nil fields are ignored.
type AlertFilter struct {
	Status      *models.AlertStatus
	Severity    *models.Severity
	PatternType *models.PatternType
	UserID      *uuid.UUID
}

// Create inserts a NEW alert together with its ALERT_CREATED audit entry.
// A repeated source_event_id returns ErrDuplicateAlert and writes nothing.
func (r *AlertRepository) Create(ctx context.Context, alert *models.FraudAlert, entry *models.AuditLogEntry) error {
	query := `
		INSERT INTO fraud_alerts (
			id, user_id, username, pattern_type, severity, status, description,
			evidence, related_user_ids, exposure_amount, source_event_id,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	evidenceBytes, _ := alert.Evidence.Value()

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, query,
			alert.ID,
			alert.UserID,
			alert.Username,
			string(alert.PatternType),
			string(alert.Severity),
			string(alert.Status),
			alert.Description,
			evidenceBytes,
			pq.Array(alert.RelatedUserIDs),
			alert.ExposureAmount,
			nullIfEmpty(alert.SourceEventID),
			alert.Version,
			alert.CreatedAt,
			alert.UpdatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateAlert
			}
			return err
		}

		return insertAuditEntryTx(ctx, tx, entry)
	})
}

// GetByID retrieves an alert with its ordered action list
func (r *AlertRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	query := `
		SELECT id, user_id, username, pattern_type, severity, status, description,
			   evidence, related_user_ids, exposure_amount, source_event_id, version,
			   resolution_admin_id, resolution_admin_name, resolution_status,
			   resolution_action, resolution_notes, resolved_at,
			   created_at, updated_at
		FROM fraud_alerts
		WHERE id = $1
	`

	alert, err := r.scanAlert(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}

	actions, err := r.getActions(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	alert.Actions = actions[id]

	return alert, nil
}

// GetBySourceEventID retrieves the alert created for a detection event.
func (r *AlertRepository) GetBySourceEventID(ctx context.Context, sourceEventID string) (*models.FraudAlert, error) {
	query := `
		SELECT id, user_id, username, pattern_type, severity, status, description,
			   evidence, related_user_ids, exposure_amount, source_event_id, version,
			   resolution_admin_id, resolution_admin_name, resolution_status,
			   resolution_action, resolution_notes, resolved_at,
			   created_at, updated_at
		FROM fraud_alerts
		WHERE source_event_id = $1
	`

	alert, err := r.scanAlert(r.db.Pool.QueryRow(ctx, query, sourceEventID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}

	actions, err := r.getActions(ctx, []uuid.UUID{alert.ID})
	if err != nil {
		return nil, err
	}
	alert.Actions = actions[alert.ID]

	return alert, nil
}

// List retrieves alerts matching the filter, newest first, with pagination
func (r *AlertRepository) List(ctx context.Context, filter AlertFilter, page, pageSize int) ([]*models.FraudAlert, int, error) {
	offset := (page - 1) * pageSize

	countQuery := `
		SELECT COUNT(*) FROM fraud_alerts
		WHERE ($1::text IS NULL OR status = $1)
		AND ($2::text IS NULL OR severity = $2)
		AND ($3::text IS NULL OR pattern_type = $3)
		AND ($4::uuid IS NULL OR user_id = $4)
	`

	statusArg := (*string)(filter.Status)
	severityArg := (*string)(filter.Severity)
	patternArg := (*string)(filter.PatternType)

	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, statusArg, severityArg, patternArg, filter.UserID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, username, pattern_type, severity, status, description,
			   evidence, related_user_ids, exposure_amount, source_event_id, version,
			   resolution_admin_id, resolution_admin_name, resolution_status,
			   resolution_action, resolution_notes, resolved_at,
			   created_at, updated_at
		FROM fraud_alerts
		WHERE ($1::text IS NULL OR status = $1)
		AND ($2::text IS NULL OR severity = $2)
		AND ($3::text IS NULL OR pattern_type = $3)
		AND ($4::uuid IS NULL OR user_id = $4)
		ORDER BY created_at DESC
		LIMIT $5 OFFSET $6
	`

	rows, err := r.db.Pool.Query(ctx, query, statusArg, severityArg, patternArg, filter.UserID, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	alerts, err := r.scanAlerts(rows)
	if err != nil {
		return nil, 0, err
	}

	if err := r.attachActions(ctx, alerts); err != nil {
		return nil, 0, err
	}

	return alerts, total, nil
}

// UpdateIfVersion persists the alert's status, resolution and bumped version,
// conditioned on the version the caller read. The audit entry is written in
// the same transaction; if it cannot be written the whole update rolls back.
func (r *AlertRepository) UpdateIfVersion(ctx context.Context, alert *models.FraudAlert, expectedVersion int64, entry *models.AuditLogEntry) error {
	query := `
		UPDATE fraud_alerts
		SET status = $3,
			resolution_admin_id = $4,
			resolution_admin_name = $5,
			resolution_status = $6,
			resolution_action = $7,
			resolution_notes = $8,
			resolved_at = $9,
			version = version + 1,
			updated_at = $10
		WHERE id = $1 AND version = $2
	`

	var resAdminID, resAdminName, resStatus, resAction, resNotes *string
	var resolvedAt *time.Time
	if res := alert.Resolution; res != nil {
		resAdminID = &res.AdminID
		resAdminName = &res.AdminName
		resStatus = (*string)(&res.Status)
		resAction = (*string)(res.ActionTaken)
		resNotes = &res.Notes
		resolvedAt = &res.ResolvedAt
	}

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query,
			alert.ID,
			expectedVersion,
			string(alert.Status),
			resAdminID,
			resAdminName,
			resStatus,
			resAction,
			resNotes,
			resolvedAt,
			alert.UpdatedAt,
		)
		if err != nil {
			return err
		}

		if result.RowsAffected() == 0 {
			return r.classifyMissedWrite(ctx, tx, alert.ID)
		}

		return insertAuditEntryTx(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	alert.Version = expectedVersion + 1
	return nil
}

// AppendAction records an account action against the alert, bumping the
// alert version under the same optimistic condition as status writes. The
// action row, version bump and audit entry commit or roll back together.
func (r *AlertRepository) AppendAction(ctx context.Context, alert *models.FraudAlert, record *models.AccountActionRecord, expectedVersion int64, entry *models.AuditLogEntry) error {
	bumpQuery := `
		UPDATE fraud_alerts
		SET version = version + 1, updated_at = $3
		WHERE id = $1 AND version = $2
	`
	insertQuery := `
		INSERT INTO account_actions (
			id, alert_id, action, admin_id, admin_name, notes,
			idempotency_key, taken_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, bumpQuery, alert.ID, expectedVersion, record.CreatedAt)
		if err != nil {
			return err
		}
		if result.RowsAffected() == 0 {
			return r.classifyMissedWrite(ctx, tx, alert.ID)
		}

		_, err = tx.Exec(ctx, insertQuery,
			record.ID,
			record.AlertID,
			string(record.Action),
			record.AdminID,
			record.AdminName,
			record.Notes,
			record.IdempotencyKey,
			record.TakenAt,
			record.CreatedAt,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
				return ErrDuplicateAction
			}
			return err
		}

		return insertAuditEntryTx(ctx, tx, entry)
	})
	if err != nil {
		return err
	}

	alert.Version = expectedVersion + 1
	alert.UpdatedAt = record.CreatedAt
	alert.Actions = append(alert.Actions, *record)
	return nil
}

// CountByStatuses returns the number of alerts in any of the given statuses
func (r *AlertRepository) CountByStatuses(ctx context.Context, statuses ...models.AlertStatus) (int, error) {
	vals := make([]string, len(statuses))
	for i, s := range statuses {
		vals[i] = string(s)
	}

	query := `SELECT COUNT(*) FROM fraud_alerts WHERE status = ANY($1)`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, pq.Array(vals)).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// classifyMissedWrite decides whether a zero-row conditional write means the
// alert is gone or another writer advanced the version first.
func (r *AlertRepository) classifyMissedWrite(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM fraud_alerts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrAlertNotFound
	}
	return ErrVersionConflict
}

func (r *AlertRepository) getActions(ctx context.Context, alertIDs []uuid.UUID) (map[uuid.UUID][]models.AccountActionRecord, error) {
	if len(alertIDs) == 0 {
		return map[uuid.UUID][]models.AccountActionRecord{}, nil
	}

	ids := make([]string, len(alertIDs))
	for i, id := range alertIDs {
		ids[i] = id.String()
	}

	query := `
		SELECT id, alert_id, action, admin_id, admin_name, notes,
			   idempotency_key, taken_at, created_at
		FROM account_actions
		WHERE alert_id = ANY($1::uuid[])
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	actions := make(map[uuid.UUID][]models.AccountActionRecord)
	for rows.Next() {
		var rec models.AccountActionRecord
		var action string

		if err := rows.Scan(
			&rec.ID,
			&rec.AlertID,
			&action,
			&rec.AdminID,
			&rec.AdminName,
			&rec.Notes,
			&rec.IdempotencyKey,
			&rec.TakenAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		rec.Action = models.AccountAction(action)
		actions[rec.AlertID] = append(actions[rec.AlertID], rec)
	}

	return actions, rows.Err()
}

func (r *AlertRepository) attachActions(ctx context.Context, alerts []*models.FraudAlert) error {
	ids := make([]uuid.UUID, len(alerts))
	for i, a := range alerts {
		ids[i] = a.ID
	}

	actions, err := r.getActions(ctx, ids)
	if err != nil {
		return err
	}

	for _, a := range alerts {
		a.Actions = actions[a.ID]
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (r *AlertRepository) scanAlert(row rowScanner) (*models.FraudAlert, error) {
	alert := &models.FraudAlert{}
	var patternType, severity, status string
	var evidenceBytes []byte
	var sourceEventID *string
	var resAdminID, resAdminName, resStatus, resAction, resNotes *string
	var resolvedAt *time.Time

	err := row.Scan(
		&alert.ID,
		&alert.UserID,
		&alert.Username,
		&patternType,
		&severity,
		&status,
		&alert.Description,
		&evidenceBytes,
		pq.Array(&alert.RelatedUserIDs),
		&alert.ExposureAmount,
		&sourceEventID,
		&alert.Version,
		&resAdminID,
		&resAdminName,
		&resStatus,
		&resAction,
		&resNotes,
		&resolvedAt,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.PatternType = models.PatternType(patternType)
	alert.Severity = models.Severity(severity)
	alert.Status = models.AlertStatus(status)
	alert.Evidence.Scan(evidenceBytes)
	if sourceEventID != nil {
		alert.SourceEventID = *sourceEventID
	}

	if resAdminID != nil && resolvedAt != nil {
		res := &models.Resolution{
			AdminID:    *resAdminID,
			ResolvedAt: *resolvedAt,
		}
		if resAdminName != nil {
			res.AdminName = *resAdminName
		}
		if resStatus != nil {
			res.Status = models.AlertStatus(*resStatus)
		}
		if resAction != nil {
			action := models.AccountAction(*resAction)
			res.ActionTaken = &action
		}
		if resNotes != nil {
			res.Notes = *resNotes
		}
		alert.Resolution = res
	}

	return alert, nil
}

func (r *AlertRepository) scanAlerts(rows pgx.Rows) ([]*models.FraudAlert, error) {
	var alerts []*models.FraudAlert
	for rows.Next() {
		alert, err := r.scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDuplicateKeyError reports whether err is a PostgreSQL unique violation
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
