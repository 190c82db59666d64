package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AlertStatus is the lifecycle state of a fraud alert. The set is closed:
// unknown values are rejected at every boundary.
type AlertStatus string

const (
	AlertStatusNew           AlertStatus = "NEW"
	AlertStatusInvestigating AlertStatus = "INVESTIGATING"
	AlertStatusConfirmed     AlertStatus = "CONFIRMED"
	AlertStatusResolved      AlertStatus = "RESOLVED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// validTransitions is the full transition table. Statuses absent from the
// outer map are terminal. Self-transitions are never valid.
var validTransitions = map[AlertStatus]map[AlertStatus]bool{
	AlertStatusNew: {
		AlertStatusInvestigating: true,
		AlertStatusConfirmed:     true,
		AlertStatusResolved:      true,
		AlertStatusFalsePositive: true,
	},
	AlertStatusInvestigating: {
		AlertStatusConfirmed:     true,
		AlertStatusResolved:      true,
		AlertStatusFalsePositive: true,
	},
}

func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusNew, AlertStatusInvestigating, AlertStatusConfirmed,
		AlertStatusResolved, AlertStatusFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether s is a final status.
func (s AlertStatus) Terminal() bool {
	switch s {
	case AlertStatusConfirmed, AlertStatusResolved, AlertStatusFalsePositive:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> target is an allowed transition.
func (s AlertStatus) CanTransitionTo(target AlertStatus) bool {
	return validTransitions[s][target]
}

func ParseAlertStatus(s string) (AlertStatus, error) {
	status := AlertStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown alert status %q", s)
	}
	return status, nil
}

// Severity is the detection pipeline's assessment of an alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

func ParseSeverity(s string) (Severity, error) {
	severity := Severity(s)
	if !severity.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return severity, nil
}

// AccountAction is an enforcement action applied to a user account.
type AccountAction string

const (
	ActionMonitor  AccountAction = "MONITOR"
	ActionRestrict AccountAction = "RESTRICT"
	ActionSuspend  AccountAction = "SUSPEND"
	ActionBan      AccountAction = "BAN"
	ActionClear    AccountAction = "CLEAR"
)

func (a AccountAction) Valid() bool {
	switch a {
	case ActionMonitor, ActionRestrict, ActionSuspend, ActionBan, ActionClear:
		return true
	}
	return false
}

func ParseAccountAction(s string) (AccountAction, error) {
	action := AccountAction(s)
	if !action.Valid() {
		return "", fmt.Errorf("unknown account action %q", s)
	}
	return action, nil
}

// PatternType classifies the fraud pattern the detection pipeline flagged.
type PatternType string

const (
	PatternMultiAccount     PatternType = "MULTI_ACCOUNT"
	PatternPaymentFraud     PatternType = "PAYMENT_FRAUD"
	PatternBonusAbuse       PatternType = "BONUS_ABUSE"
	PatternCollusion        PatternType = "COLLUSION"
	PatternOddsManipulation PatternType = "ODDS_MANIPULATION"
	PatternAccountTakeover  PatternType = "ACCOUNT_TAKEOVER"
)

func (p PatternType) Valid() bool {
	switch p {
	case PatternMultiAccount, PatternPaymentFraud, PatternBonusAbuse,
		PatternCollusion, PatternOddsManipulation, PatternAccountTakeover:
		return true
	}
	return false
}

func ParsePatternType(s string) (PatternType, error) {
	pattern := PatternType(s)
	if !pattern.Valid() {
		return "", fmt.Errorf("unknown pattern type %q", s)
	}
	return pattern, nil
}

// FraudAlert is the canonical record of a suspected fraud pattern on a
// betting account. Every successful write increments Version by exactly one.
type FraudAlert struct {
	ID             uuid.UUID             `json:"id"`
	UserID         uuid.UUID             `json:"user_id"`
	Username       string                `json:"username,omitempty"`
	PatternType    PatternType           `json:"pattern_type"`
	Severity       Severity              `json:"severity"`
	Status         AlertStatus           `json:"status"`
	Description    string                `json:"description"`
	Evidence       JSONB                 `json:"evidence,omitempty"`
	RelatedUserIDs []string              `json:"related_user_ids,omitempty"`
	ExposureAmount decimal.Decimal       `json:"exposure_amount"`
	SourceEventID  string                `json:"source_event_id,omitempty"`
	Version        int64                 `json:"version"`
	Resolution     *Resolution           `json:"resolution,omitempty"`
	Actions        []AccountActionRecord `json:"actions"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// IsResolved reports whether the alert has reached a terminal status.
func (a *FraudAlert) IsResolved() bool {
	return a.Resolution != nil
}

// LastAction returns the most recently taken action, or nil.
func (a *FraudAlert) LastAction() *AccountActionRecord {
	if len(a.Actions) == 0 {
		return nil
	}
	return &a.Actions[len(a.Actions)-1]
}

// ActionByKey returns the recorded action with the given idempotency key, or nil.
func (a *FraudAlert) ActionByKey(key string) *AccountActionRecord {
	for i := range a.Actions {
		if a.Actions[i].IdempotencyKey == key {
			return &a.Actions[i]
		}
	}
	return nil
}

// Resolution records how an alert was closed. It is written in the same
// conditional write that moves the alert into a terminal status and is never
// overwritten afterwards; only an explicit reopen clears it.
type Resolution struct {
	AdminID     string         `json:"admin_id"`
	AdminName   string         `json:"admin_name"`
	Status      AlertStatus    `json:"status"`
	ActionTaken *AccountAction `json:"action_taken,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at"`
}

// AccountActionRecord is one enforcement action recorded against an alert.
// The list on an alert is append-only.
type AccountActionRecord struct {
	ID             uuid.UUID     `json:"id"`
	AlertID        uuid.UUID     `json:"alert_id"`
	Action         AccountAction `json:"action"`
	AdminID        string        `json:"admin_id"`
	AdminName      string        `json:"admin_name"`
	Notes          string        `json:"notes,omitempty"`
	IdempotencyKey string        `json:"idempotency_key"`
	TakenAt        time.Time     `json:"taken_at"`
	CreatedAt      time.Time     `json:"created_at"`
}

// AuditLogEntry is one entry in an alert's append-only audit trail, keyed by
// (alert_id, sequence_number). Sequence numbers start at 1 and increase
// strictly with no gaps.
type AuditLogEntry struct {
	AlertID        uuid.UUID      `json:"alert_id"`
	SequenceNumber int64          `json:"sequence_number"`
	EntryType      string         `json:"entry_type"`
	FromStatus     AlertStatus    `json:"from_status,omitempty"`
	ToStatus       AlertStatus    `json:"to_status,omitempty"`
	Action         *AccountAction `json:"action,omitempty"`
	AdminID        string         `json:"admin_id,omitempty"`
	Payload        JSONB          `json:"payload,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditEntryType values
const (
	AuditEntryAlertCreated     = "ALERT_CREATED"
	AuditEntryStatusTransition = "STATUS_TRANSITION"
	AuditEntryAccountAction    = "ACCOUNT_ACTION"
	AuditEntryAlertReopened    = "ALERT_REOPENED"
)

// AdminUser is an operator of the admin tooling.
type AdminUser struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	Name         string     `json:"name"`
	Role         string     `json:"role"`
	IsActive     bool       `json:"is_active"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	LastLoginAt  *time.Time `json:"last_login_at,omitempty"`
}

// AdminRole enum values
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
)

// DetectionEvent is the message the detection pipeline publishes to Kafka.
// Pattern and severity arrive as raw strings and are validated at intake.
type DetectionEvent struct {
	EventID        string          `json:"event_id"`
	UserID         string          `json:"user_id"`
	Username       string          `json:"username,omitempty"`
	PatternType    string          `json:"pattern_type"`
	Severity       string          `json:"severity"`
	Description    string          `json:"description"`
	ExposureAmount decimal.Decimal `json:"exposure_amount"`
	RelatedUserIDs []string        `json:"related_user_ids,omitempty"`
	Evidence       JSONB           `json:"evidence,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
}

// AlertEvent is published to the Redis Stream after a successful write so
// downstream consumers (notifications, warehouse) can react.
type AlertEvent struct {
	EventType   string    `json:"event_type"`
	AlertID     string    `json:"alert_id"`
	UserID      string    `json:"user_id"`
	PatternType string    `json:"pattern_type"`
	Severity    string    `json:"severity"`
	FromStatus  string    `json:"from_status,omitempty"`
	ToStatus    string    `json:"to_status,omitempty"`
	Action      string    `json:"action,omitempty"`
	AdminID     string    `json:"admin_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// AlertEvent type values
const (
	EventAlertCreated  = "alert.created"
	EventStatusChanged = "alert.status_changed"
	EventActionTaken   = "alert.action_taken"
	EventAlertReopened = "alert.reopened"
)

// JSONB is a helper type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// PaginatedResponse wraps paginated results
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// AlertSummary represents aggregated alert statistics for the admin dashboard
type AlertSummary struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	BySeverity      map[string]int `json:"by_severity"`
	ByPattern       map[string]int `json:"by_pattern"`
	OpenCritical    int            `json:"open_critical"`
	ResolvedLast24h int            `json:"resolved_last_24h"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

// PatternCount represents a fraud pattern and its alert count
type PatternCount struct {
	PatternType string          `json:"pattern_type"`
	Count       int             `json:"count"`
	Exposure    decimal.Decimal `json:"exposure"`
}

// SystemMetrics represents system health metrics
type SystemMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	OpenAlerts          int       `json:"open_alerts"`
	EventStreamLength   int64     `json:"event_stream_length"`
	DBConnectionsActive int       `json:"db_connections_active"`
	DBConnectionsIdle   int       `json:"db_connections_idle"`
}
