package lifecycle_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsedge/integrity-engine/configs"
	"github.com/sportsedge/integrity-engine/internal/lifecycle"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/repositories"
)

// --- Mock implementations ---

type updateCall struct {
	ExpectedVersion int64
	Status          models.AlertStatus
	Entry           *models.AuditLogEntry
}

// mockAlertStore implements lifecycle.AlertStore for testing.
type mockAlertStore struct {
	alert       *models.FraudAlert
	getByIDFunc func(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error)
	updateFunc  func(ctx context.Context, alert *models.FraudAlert, expectedVersion int64, entry *models.AuditLogEntry) error
	updates     []updateCall
}

func (m *mockAlertStore) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	if m.getByIDFunc != nil {
		return m.getByIDFunc(ctx, id)
	}
	return m.alert, nil
}

func (m *mockAlertStore) UpdateIfVersion(ctx context.Context, alert *models.FraudAlert, expectedVersion int64, entry *models.AuditLogEntry) error {
	m.updates = append(m.updates, updateCall{
		ExpectedVersion: expectedVersion,
		Status:          alert.Status,
		Entry:           entry,
	})
	if m.updateFunc != nil {
		return m.updateFunc(ctx, alert, expectedVersion, entry)
	}
	alert.Version = expectedVersion + 1
	return nil
}

// --- Tests ---

func testStoreConfig() configs.StoreConfig {
	return configs.StoreConfig{
		OpTimeout:    time.Second,
		WriteRetries: 2,
		RetryBackoff: time.Millisecond,
	}
}

func openAlert(status models.AlertStatus) *models.FraudAlert {
	return &models.FraudAlert{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		PatternType: models.PatternMultiAccount,
		Severity:    models.SeverityHigh,
		Status:      status,
		Description: "suspicious account cluster",
		Version:     3,
		CreatedAt:   time.Now().Add(-time.Hour),
		UpdatedAt:   time.Now().Add(-time.Hour),
	}
}

func TestTransition_NewToInvestigating(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusNew)}
	controller := lifecycle.NewController(store, testStoreConfig())

	alert, entry, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID:   store.alert.ID,
		Target:    models.AlertStatusInvestigating,
		AdminID:   "admin-1",
		AdminName: "Dana",
		Notes:     "picking this up",
	})

	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusInvestigating, alert.Status)
	assert.Nil(t, alert.Resolution)
	assert.Equal(t, int64(4), alert.Version)

	require.NotNil(t, entry)
	assert.Equal(t, models.AuditEntryStatusTransition, entry.EntryType)
	assert.Equal(t, models.AlertStatusNew, entry.FromStatus)
	assert.Equal(t, models.AlertStatusInvestigating, entry.ToStatus)
	assert.Equal(t, "admin-1", entry.AdminID)
	assert.Equal(t, "Dana", entry.Payload["admin_name"])

	require.Len(t, store.updates, 1)
	assert.Equal(t, int64(3), store.updates[0].ExpectedVersion)
}

func TestTransition_ToTerminalSetsResolution(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusInvestigating)}
	store.alert.Actions = []models.AccountActionRecord{
		{Action: models.ActionMonitor, IdempotencyKey: "k1"},
		{Action: models.ActionSuspend, IdempotencyKey: "k2"},
	}
	controller := lifecycle.NewController(store, testStoreConfig())

	alert, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID:   store.alert.ID,
		Target:    models.AlertStatusConfirmed,
		AdminID:   "admin-1",
		AdminName: "Dana",
		Notes:     "confirmed multi-accounting",
	})

	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusConfirmed, alert.Status)

	require.NotNil(t, alert.Resolution)
	assert.Equal(t, "admin-1", alert.Resolution.AdminID)
	assert.Equal(t, "Dana", alert.Resolution.AdminName)
	assert.Equal(t, models.AlertStatusConfirmed, alert.Resolution.Status)
	assert.Equal(t, "confirmed multi-accounting", alert.Resolution.Notes)
	assert.False(t, alert.Resolution.ResolvedAt.IsZero())

	// With no explicit override, the resolution carries the last action taken.
	require.NotNil(t, alert.Resolution.ActionTaken)
	assert.Equal(t, models.ActionSuspend, *alert.Resolution.ActionTaken)
}

func TestTransition_ActionTakenOverride(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusInvestigating)}
	controller := lifecycle.NewController(store, testStoreConfig())

	cleared := models.ActionClear
	alert, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID:     store.alert.ID,
		Target:      models.AlertStatusFalsePositive,
		AdminID:     "admin-1",
		AdminName:   "Dana",
		ActionTaken: &cleared,
	})

	require.NoError(t, err)
	require.NotNil(t, alert.Resolution)
	require.NotNil(t, alert.Resolution.ActionTaken)
	assert.Equal(t, models.ActionClear, *alert.Resolution.ActionTaken)
}

func TestTransition_SelfTransitionRejected(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusInvestigating)}
	controller := lifecycle.NewController(store, testStoreConfig())

	_, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID: store.alert.ID,
		Target:  models.AlertStatusInvestigating,
		AdminID: "admin-1",
	})

	var transitionErr *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Equal(t, models.AlertStatusInvestigating, transitionErr.From)
	assert.Equal(t, models.AlertStatusInvestigating, transitionErr.To)

	// Rejected transitions never reach the store.
	assert.Empty(t, store.updates)
	assert.Equal(t, models.AlertStatusInvestigating, store.alert.Status)
}

func TestTransition_FromTerminalRejected(t *testing.T) {
	tests := []struct {
		name string
		from models.AlertStatus
	}{
		{name: "confirmed", from: models.AlertStatusConfirmed},
		{name: "resolved", from: models.AlertStatusResolved},
		{name: "false positive", from: models.AlertStatusFalsePositive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockAlertStore{alert: openAlert(tt.from)}
			controller := lifecycle.NewController(store, testStoreConfig())

			_, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
				AlertID: store.alert.ID,
				Target:  models.AlertStatusInvestigating,
				AdminID: "admin-1",
			})

			var transitionErr *lifecycle.InvalidTransitionError
			require.ErrorAs(t, err, &transitionErr)
			assert.Equal(t, tt.from, transitionErr.From)
			assert.Empty(t, store.updates)
		})
	}
}

func TestTransition_UnknownTargetRejected(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusNew)}
	controller := lifecycle.NewController(store, testStoreConfig())

	_, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID: store.alert.ID,
		Target:  models.AlertStatus("ARCHIVED"),
		AdminID: "admin-1",
	})

	var transitionErr *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Empty(t, store.updates)
}

func TestTransition_AlertNotFound(t *testing.T) {
	store := &mockAlertStore{
		getByIDFunc: func(_ context.Context, _ uuid.UUID) (*models.FraudAlert, error) {
			return nil, repositories.ErrAlertNotFound
		},
	}
	controller := lifecycle.NewController(store, testStoreConfig())

	_, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID: uuid.New(),
		Target:  models.AlertStatusInvestigating,
		AdminID: "admin-1",
	})

	assert.ErrorIs(t, err, repositories.ErrAlertNotFound)
	assert.Empty(t, store.updates)
}

func TestTransition_VersionConflictNotRetried(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusNew)}
	store.updateFunc = func(_ context.Context, _ *models.FraudAlert, _ int64, _ *models.AuditLogEntry) error {
		return repositories.ErrVersionConflict
	}
	controller := lifecycle.NewController(store, testStoreConfig())

	_, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID: store.alert.ID,
		Target:  models.AlertStatusInvestigating,
		AdminID: "admin-1",
	})

	assert.ErrorIs(t, err, repositories.ErrVersionConflict)
	// A conflict means the read is stale; retrying the same write cannot win.
	assert.Len(t, store.updates, 1)
}

func TestTransition_TransientWriteRetried(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusNew)}
	failures := 2
	store.updateFunc = func(_ context.Context, alert *models.FraudAlert, expectedVersion int64, _ *models.AuditLogEntry) error {
		if failures > 0 {
			failures--
			return fmt.Errorf("connection reset")
		}
		alert.Version = expectedVersion + 1
		return nil
	}
	controller := lifecycle.NewController(store, testStoreConfig())

	alert, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID: store.alert.ID,
		Target:  models.AlertStatusInvestigating,
		AdminID: "admin-1",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(4), alert.Version)
	assert.Len(t, store.updates, 3)
}

func TestTransition_RetriesExhausted(t *testing.T) {
	store := &mockAlertStore{alert: openAlert(models.AlertStatusNew)}
	store.updateFunc = func(_ context.Context, _ *models.FraudAlert, _ int64, _ *models.AuditLogEntry) error {
		return fmt.Errorf("connection reset")
	}
	controller := lifecycle.NewController(store, testStoreConfig())

	_, _, err := controller.Transition(context.Background(), &lifecycle.TransitionRequest{
		AlertID: store.alert.ID,
		Target:  models.AlertStatusInvestigating,
		AdminID: "admin-1",
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	// Initial attempt plus WriteRetries.
	assert.Len(t, store.updates, 3)
}

func TestReopen_FromResolved(t *testing.T) {
	banned := models.ActionBan
	store := &mockAlertStore{alert: openAlert(models.AlertStatusResolved)}
	store.alert.Resolution = &models.Resolution{
		AdminID:     "admin-0",
		AdminName:   "Priya",
		Status:      models.AlertStatusResolved,
		ActionTaken: &banned,
		Notes:       "banned and closed",
		ResolvedAt:  time.Now().Add(-time.Hour),
	}
	controller := lifecycle.NewController(store, testStoreConfig())

	alert, entry, err := controller.Reopen(context.Background(), &lifecycle.ReopenRequest{
		AlertID:   store.alert.ID,
		AdminID:   "admin-1",
		AdminName: "Dana",
		Notes:     "new evidence from payments",
	})

	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusInvestigating, alert.Status)
	assert.Nil(t, alert.Resolution)
	assert.Equal(t, int64(4), alert.Version)

	require.NotNil(t, entry)
	assert.Equal(t, models.AuditEntryAlertReopened, entry.EntryType)
	assert.Equal(t, models.AlertStatusResolved, entry.FromStatus)
	assert.Equal(t, models.AlertStatusInvestigating, entry.ToStatus)

	// The cleared resolution survives as a snapshot in the entry payload.
	prior, ok := entry.Payload["prior_resolution"].(models.JSONB)
	require.True(t, ok)
	assert.Equal(t, "admin-0", prior["admin_id"])
	assert.Equal(t, "RESOLVED", prior["status"])
	assert.Equal(t, "BAN", prior["action_taken"])
}

func TestReopen_FromOpenStatusRejected(t *testing.T) {
	tests := []struct {
		name string
		from models.AlertStatus
	}{
		{name: "new", from: models.AlertStatusNew},
		{name: "investigating", from: models.AlertStatusInvestigating},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &mockAlertStore{alert: openAlert(tt.from)}
			controller := lifecycle.NewController(store, testStoreConfig())

			_, _, err := controller.Reopen(context.Background(), &lifecycle.ReopenRequest{
				AlertID: store.alert.ID,
				AdminID: "admin-1",
			})

			var transitionErr *lifecycle.InvalidTransitionError
			require.ErrorAs(t, err, &transitionErr)
			assert.Equal(t, tt.from, transitionErr.From)
			assert.Equal(t, models.AlertStatusInvestigating, transitionErr.To)
			assert.Empty(t, store.updates)
		})
	}
}
