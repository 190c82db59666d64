package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sportsedge/integrity-engine/internal/models"
)

// AuditRepository reads an alert's append-only audit trail. Inserts happen
// only through insertAuditEntryTx inside the transaction of the state change
// they record; the table has no update or delete path.
type AuditRepository struct {
	db *Database
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *Database) *AuditRepository {
	return &AuditRepository{db: db}
}

// insertAuditEntryTx appends an entry for the alert, assigning the next
// per-alert sequence number. The row lock taken by the caller's conditional
// alert update serializes same-alert writers, so MAX+1 cannot race.
func insertAuditEntryTx(ctx context.Context, tx pgx.Tx, entry *models.AuditLogEntry) error {
	query := `
		INSERT INTO alert_audit_log (
			alert_id, sequence_number, entry_type, from_status, to_status,
			action, admin_id, payload, created_at
		)
		SELECT $1, COALESCE(MAX(sequence_number), 0) + 1, $2, $3, $4, $5, $6, $7, $8
		FROM alert_audit_log
		WHERE alert_id = $1
		RETURNING sequence_number
	`

	payloadBytes, _ := entry.Payload.Value()

	var action *string
	if entry.Action != nil {
		action = (*string)(entry.Action)
	}

	return tx.QueryRow(ctx, query,
		entry.AlertID,
		entry.EntryType,
		string(entry.FromStatus),
		string(entry.ToStatus),
		action,
		entry.AdminID,
		payloadBytes,
		entry.CreatedAt,
	).Scan(&entry.SequenceNumber)
}

// ListByAlert retrieves an alert's audit trail in sequence order
func (r *AuditRepository) ListByAlert(ctx context.Context, alertID uuid.UUID) ([]*models.AuditLogEntry, error) {
	query := `
		SELECT alert_id, sequence_number, entry_type, from_status, to_status,
			   action, admin_id, payload, created_at
		FROM alert_audit_log
		WHERE alert_id = $1
		ORDER BY sequence_number ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, alertID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// GetRecent retrieves the latest audit entries across all alerts
func (r *AuditRepository) GetRecent(ctx context.Context, limit int) ([]*models.AuditLogEntry, error) {
	query := `
		SELECT alert_id, sequence_number, entry_type, from_status, to_status,
			   action, admin_id, payload, created_at
		FROM alert_audit_log
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

func (r *AuditRepository) scanEntries(rows pgx.Rows) ([]*models.AuditLogEntry, error) {
	var entries []*models.AuditLogEntry
	for rows.Next() {
		entry := &models.AuditLogEntry{}
		var fromStatus, toStatus string
		var action *string
		var payloadBytes []byte

		if err := rows.Scan(
			&entry.AlertID,
			&entry.SequenceNumber,
			&entry.EntryType,
			&fromStatus,
			&toStatus,
			&action,
			&entry.AdminID,
			&payloadBytes,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}

		entry.FromStatus = models.AlertStatus(fromStatus)
		entry.ToStatus = models.AlertStatus(toStatus)
		if action != nil {
			a := models.AccountAction(*action)
			entry.Action = &a
		}
		entry.Payload.Scan(payloadBytes)
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}
