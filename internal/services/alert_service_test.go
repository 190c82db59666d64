package services_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsedge/integrity-engine/internal/actions"
	"github.com/sportsedge/integrity-engine/internal/lifecycle"
	"github.com/sportsedge/integrity-engine/internal/models"
	"github.com/sportsedge/integrity-engine/internal/repositories"
	"github.com/sportsedge/integrity-engine/internal/services"
)

// --- Mock implementations ---

type createCall struct {
	Alert *models.FraudAlert
	Entry *models.AuditLogEntry
}

type listCall struct {
	Filter   repositories.AlertFilter
	Page     int
	PageSize int
}

// mockFacadeStore implements services.AlertStore for testing.
type mockFacadeStore struct {
	alert      *models.FraudAlert
	createFunc func(ctx context.Context, alert *models.FraudAlert, entry *models.AuditLogEntry) error
	getFunc    func(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error)
	created    []createCall
	listCalls  []listCall
}

func (m *mockFacadeStore) Create(ctx context.Context, alert *models.FraudAlert, entry *models.AuditLogEntry) error {
	m.created = append(m.created, createCall{Alert: alert, Entry: entry})
	if m.createFunc != nil {
		return m.createFunc(ctx, alert, entry)
	}
	return nil
}

func (m *mockFacadeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return m.alert, nil
}

func (m *mockFacadeStore) List(ctx context.Context, filter repositories.AlertFilter, page, pageSize int) ([]*models.FraudAlert, int, error) {
	m.listCalls = append(m.listCalls, listCall{Filter: filter, Page: page, PageSize: pageSize})
	return []*models.FraudAlert{m.alert}, 1, nil
}

// mockAuditTrail implements services.AuditTrail for testing.
type mockAuditTrail struct {
	entries []*models.AuditLogEntry
	calls   int
}

func (m *mockAuditTrail) ListByAlert(_ context.Context, _ uuid.UUID) ([]*models.AuditLogEntry, error) {
	m.calls++
	return m.entries, nil
}

// mockFacadeTransitioner implements services.Transitioner for testing.
type mockFacadeTransitioner struct {
	transitionFunc func(ctx context.Context, req *lifecycle.TransitionRequest) (*models.FraudAlert, *models.AuditLogEntry, error)
	reopenFunc     func(ctx context.Context, req *lifecycle.ReopenRequest) (*models.FraudAlert, *models.AuditLogEntry, error)
	transitions    []*lifecycle.TransitionRequest
	reopens        []*lifecycle.ReopenRequest
}

func (m *mockFacadeTransitioner) Transition(ctx context.Context, req *lifecycle.TransitionRequest) (*models.FraudAlert, *models.AuditLogEntry, error) {
	m.transitions = append(m.transitions, req)
	if m.transitionFunc != nil {
		return m.transitionFunc(ctx, req)
	}
	alert := sampleAlert()
	alert.ID = req.AlertID
	alert.Status = req.Target
	entry := &models.AuditLogEntry{
		AlertID:    req.AlertID,
		EntryType:  models.AuditEntryStatusTransition,
		FromStatus: models.AlertStatusNew,
		ToStatus:   req.Target,
		AdminID:    req.AdminID,
		CreatedAt:  time.Now(),
	}
	return alert, entry, nil
}

func (m *mockFacadeTransitioner) Reopen(ctx context.Context, req *lifecycle.ReopenRequest) (*models.FraudAlert, *models.AuditLogEntry, error) {
	m.reopens = append(m.reopens, req)
	if m.reopenFunc != nil {
		return m.reopenFunc(ctx, req)
	}
	alert := sampleAlert()
	alert.ID = req.AlertID
	alert.Status = models.AlertStatusInvestigating
	entry := &models.AuditLogEntry{
		AlertID:    req.AlertID,
		EntryType:  models.AuditEntryAlertReopened,
		FromStatus: models.AlertStatusResolved,
		ToStatus:   models.AlertStatusInvestigating,
		AdminID:    req.AdminID,
		CreatedAt:  time.Now(),
	}
	return alert, entry, nil
}

// mockActionRunner implements services.ActionRunner for testing.
type mockActionRunner struct {
	executeFunc func(ctx context.Context, req *actions.ActionRequest) (*models.FraudAlert, *models.AccountActionRecord, error)
	requests    []*actions.ActionRequest
}

func (m *mockActionRunner) Execute(ctx context.Context, req *actions.ActionRequest) (*models.FraudAlert, *models.AccountActionRecord, error) {
	m.requests = append(m.requests, req)
	if m.executeFunc != nil {
		return m.executeFunc(ctx, req)
	}
	alert := sampleAlert()
	alert.ID = req.AlertID
	record := &models.AccountActionRecord{
		ID:             uuid.New(),
		AlertID:        req.AlertID,
		Action:         req.Action,
		AdminID:        req.AdminID,
		IdempotencyKey: req.IdempotencyKey,
		TakenAt:        time.Now(),
	}
	return alert, record, nil
}

// mockPublisher implements services.EventPublisher for testing.
type mockPublisher struct {
	publishFunc func(ctx context.Context, event *models.AlertEvent) (string, error)
	events      []*models.AlertEvent
}

func (m *mockPublisher) Publish(ctx context.Context, event *models.AlertEvent) (string, error) {
	m.events = append(m.events, event)
	if m.publishFunc != nil {
		return m.publishFunc(ctx, event)
	}
	return "1-0", nil
}

// mockInvalidator implements services.SummaryInvalidator for testing.
type mockInvalidator struct {
	calls int
}

func (m *mockInvalidator) InvalidateSummary(_ context.Context) {
	m.calls++
}

// --- Tests ---

func sampleAlert() *models.FraudAlert {
	return &models.FraudAlert{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		PatternType: models.PatternCollusion,
		Severity:    models.SeverityMedium,
		Status:      models.AlertStatusNew,
		Description: "synchronized betting across accounts",
		Version:     1,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

type facadeFixture struct {
	store        *mockFacadeStore
	audit        *mockAuditTrail
	transitioner *mockFacadeTransitioner
	runner       *mockActionRunner
	publisher    *mockPublisher
	invalidator  *mockInvalidator
	service      *services.AlertService
}

func newFacadeFixture() *facadeFixture {
	f := &facadeFixture{
		store:        &mockFacadeStore{alert: sampleAlert()},
		audit:        &mockAuditTrail{},
		transitioner: &mockFacadeTransitioner{},
		runner:       &mockActionRunner{},
		publisher:    &mockPublisher{},
		invalidator:  &mockInvalidator{},
	}
	f.service = services.NewAlertService(f.store, f.audit, f.transitioner, f.runner, f.publisher, f.invalidator)
	return f
}

func validCreateRequest() *services.CreateAlertRequest {
	return &services.CreateAlertRequest{
		UserID:         uuid.New().String(),
		Username:       "bettor42",
		PatternType:    "COLLUSION",
		Severity:       "MEDIUM",
		Description:    "synchronized betting across accounts",
		ExposureAmount: decimal.NewFromInt(1200),
	}
}

func TestCreateAlert_Success(t *testing.T) {
	f := newFacadeFixture()

	alert, err := f.service.CreateAlert(context.Background(), validCreateRequest(), "admin-1", "Dana")

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, alert.ID)
	assert.Equal(t, models.AlertStatusNew, alert.Status)
	assert.Equal(t, int64(1), alert.Version)
	assert.Equal(t, models.PatternCollusion, alert.PatternType)

	require.Len(t, f.store.created, 1)
	entry := f.store.created[0].Entry
	assert.Equal(t, models.AuditEntryAlertCreated, entry.EntryType)
	assert.Equal(t, models.AlertStatusNew, entry.ToStatus)
	assert.Equal(t, "manual", entry.Payload["source"])

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, models.EventAlertCreated, event.EventType)
	assert.Equal(t, alert.ID.String(), event.AlertID)
	assert.Equal(t, "admin-1", event.AdminID)

	assert.Equal(t, 1, f.invalidator.calls)
}

func TestCreateAlert_ValidationErrors(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(req *services.CreateAlertRequest)
		wantField string
	}{
		{
			name:      "malformed user id",
			mutate:    func(req *services.CreateAlertRequest) { req.UserID = "not-a-uuid" },
			wantField: "user_id",
		},
		{
			name:      "unknown pattern type",
			mutate:    func(req *services.CreateAlertRequest) { req.PatternType = "WASH_TRADING" },
			wantField: "pattern_type",
		},
		{
			name:      "unknown severity",
			mutate:    func(req *services.CreateAlertRequest) { req.Severity = "critical" },
			wantField: "severity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFacadeFixture()
			req := validCreateRequest()
			tt.mutate(req)

			_, err := f.service.CreateAlert(context.Background(), req, "admin-1", "Dana")

			var validationErr *services.ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantField, validationErr.Field)
			assert.Empty(t, f.store.created)
			assert.Empty(t, f.publisher.events)
		})
	}
}

func TestCreateAlert_RequiresAdminIdentity(t *testing.T) {
	f := newFacadeFixture()

	_, err := f.service.CreateAlert(context.Background(), validCreateRequest(), "", "Dana")
	var validationErr *services.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "admin_id", validationErr.Field)

	_, err = f.service.CreateAlert(context.Background(), validCreateRequest(), "admin-1", "")
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "admin_name", validationErr.Field)
}

func TestCreateAlert_StoreErrorPropagates(t *testing.T) {
	f := newFacadeFixture()
	f.store.createFunc = func(_ context.Context, _ *models.FraudAlert, _ *models.AuditLogEntry) error {
		return fmt.Errorf("insert failed")
	}

	_, err := f.service.CreateAlert(context.Background(), validCreateRequest(), "admin-1", "Dana")

	require.Error(t, err)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 0, f.invalidator.calls)
}

func TestCreateAlert_PublishFailureDoesNotFailWrite(t *testing.T) {
	f := newFacadeFixture()
	f.publisher.publishFunc = func(_ context.Context, _ *models.AlertEvent) (string, error) {
		return "", fmt.Errorf("stream unavailable")
	}

	alert, err := f.service.CreateAlert(context.Background(), validCreateRequest(), "admin-1", "Dana")

	require.NoError(t, err)
	assert.NotNil(t, alert)
	assert.Equal(t, 1, f.invalidator.calls)
}

func TestUpdateStatus_PublishesTransition(t *testing.T) {
	f := newFacadeFixture()
	alertID := uuid.New()

	alert, err := f.service.UpdateStatus(context.Background(), alertID, &services.UpdateStatusRequest{
		Status: "INVESTIGATING",
		Notes:  "looking into it",
	}, "admin-1", "Dana")

	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusInvestigating, alert.Status)

	require.Len(t, f.transitioner.transitions, 1)
	req := f.transitioner.transitions[0]
	assert.Equal(t, alertID, req.AlertID)
	assert.Equal(t, models.AlertStatusInvestigating, req.Target)
	assert.Equal(t, "looking into it", req.Notes)

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, models.EventStatusChanged, event.EventType)
	assert.Equal(t, "NEW", event.FromStatus)
	assert.Equal(t, "INVESTIGATING", event.ToStatus)

	assert.Equal(t, 1, f.invalidator.calls)
}

func TestUpdateStatus_UnknownStatusRejected(t *testing.T) {
	f := newFacadeFixture()

	_, err := f.service.UpdateStatus(context.Background(), uuid.New(), &services.UpdateStatusRequest{
		Status: "CLOSED",
	}, "admin-1", "Dana")

	var validationErr *services.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "status", validationErr.Field)
	assert.Empty(t, f.transitioner.transitions)
}

func TestUpdateStatus_ControllerErrorPropagates(t *testing.T) {
	f := newFacadeFixture()
	f.transitioner.transitionFunc = func(_ context.Context, _ *lifecycle.TransitionRequest) (*models.FraudAlert, *models.AuditLogEntry, error) {
		return nil, nil, &lifecycle.InvalidTransitionError{
			From: models.AlertStatusResolved,
			To:   models.AlertStatusConfirmed,
		}
	}

	_, err := f.service.UpdateStatus(context.Background(), uuid.New(), &services.UpdateStatusRequest{
		Status: "CONFIRMED",
	}, "admin-1", "Dana")

	var transitionErr *lifecycle.InvalidTransitionError
	require.ErrorAs(t, err, &transitionErr)
	assert.Empty(t, f.publisher.events)
	assert.Equal(t, 0, f.invalidator.calls)
}

func TestTakeAction_Success(t *testing.T) {
	f := newFacadeFixture()
	alertID := uuid.New()
	takenAt := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

	alert, record, err := f.service.TakeAction(context.Background(), alertID, &services.TakeActionRequest{
		Action:         "SUSPEND",
		Notes:          "pending review",
		TakenAt:        &takenAt,
		IdempotencyKey: "key-abc",
	}, "admin-1", "Dana")

	require.NoError(t, err)
	assert.NotNil(t, alert)
	assert.Equal(t, models.ActionSuspend, record.Action)

	require.Len(t, f.runner.requests, 1)
	req := f.runner.requests[0]
	assert.Equal(t, alertID, req.AlertID)
	assert.Equal(t, models.ActionSuspend, req.Action)
	assert.Equal(t, "key-abc", req.IdempotencyKey)
	assert.Equal(t, "pending review", req.Notes)
	assert.Equal(t, takenAt, req.TakenAt)

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, models.EventActionTaken, event.EventType)
	assert.Equal(t, "SUSPEND", event.Action)

	assert.Equal(t, 1, f.invalidator.calls)
}

func TestTakeAction_UnknownActionRejected(t *testing.T) {
	f := newFacadeFixture()

	_, _, err := f.service.TakeAction(context.Background(), uuid.New(), &services.TakeActionRequest{
		Action: "suspend",
	}, "admin-1", "Dana")

	var validationErr *services.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "action", validationErr.Field)
	assert.Empty(t, f.runner.requests)
}

func TestReopenAlert_PublishesEvent(t *testing.T) {
	f := newFacadeFixture()
	alertID := uuid.New()

	alert, err := f.service.ReopenAlert(context.Background(), alertID, &services.ReopenAlertRequest{
		Notes: "new chargeback evidence",
	}, "admin-1", "Dana")

	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusInvestigating, alert.Status)

	require.Len(t, f.transitioner.reopens, 1)
	assert.Equal(t, "new chargeback evidence", f.transitioner.reopens[0].Notes)

	require.Len(t, f.publisher.events, 1)
	event := f.publisher.events[0]
	assert.Equal(t, models.EventAlertReopened, event.EventType)
	assert.Equal(t, "RESOLVED", event.FromStatus)
	assert.Equal(t, "INVESTIGATING", event.ToStatus)
}

func TestListAlerts_BuildsFilter(t *testing.T) {
	f := newFacadeFixture()
	userID := uuid.New()

	_, err := f.service.ListAlerts(context.Background(), &services.ListAlertsQuery{
		Status:      "NEW",
		Severity:    "HIGH",
		PatternType: "PAYMENT_FRAUD",
		UserID:      userID.String(),
		Page:        2,
		PageSize:    50,
	})

	require.NoError(t, err)
	require.Len(t, f.store.listCalls, 1)
	call := f.store.listCalls[0]

	require.NotNil(t, call.Filter.Status)
	assert.Equal(t, models.AlertStatusNew, *call.Filter.Status)
	require.NotNil(t, call.Filter.Severity)
	assert.Equal(t, models.SeverityHigh, *call.Filter.Severity)
	require.NotNil(t, call.Filter.PatternType)
	assert.Equal(t, models.PatternPaymentFraud, *call.Filter.PatternType)
	require.NotNil(t, call.Filter.UserID)
	assert.Equal(t, userID, *call.Filter.UserID)
	assert.Equal(t, 2, call.Page)
	assert.Equal(t, 50, call.PageSize)
}

func TestListAlerts_ClampsPagination(t *testing.T) {
	tests := []struct {
		name         string
		page         int
		pageSize     int
		wantPage     int
		wantPageSize int
	}{
		{name: "defaults", page: 0, pageSize: 0, wantPage: 1, wantPageSize: 20},
		{name: "negative page", page: -3, pageSize: 10, wantPage: 1, wantPageSize: 10},
		{name: "oversized page size", page: 1, pageSize: 1000, wantPage: 1, wantPageSize: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFacadeFixture()

			resp, err := f.service.ListAlerts(context.Background(), &services.ListAlertsQuery{
				Page:     tt.page,
				PageSize: tt.pageSize,
			})

			require.NoError(t, err)
			require.Len(t, f.store.listCalls, 1)
			assert.Equal(t, tt.wantPage, f.store.listCalls[0].Page)
			assert.Equal(t, tt.wantPageSize, f.store.listCalls[0].PageSize)
			assert.Equal(t, tt.wantPage, resp.Pagination.Page)
			assert.Equal(t, tt.wantPageSize, resp.Pagination.PageSize)
		})
	}
}

func TestListAlerts_InvalidFilterRejected(t *testing.T) {
	f := newFacadeFixture()

	_, err := f.service.ListAlerts(context.Background(), &services.ListAlertsQuery{Status: "closed"})

	var validationErr *services.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "status", validationErr.Field)
	assert.Empty(t, f.store.listCalls)
}

func TestGetAuditTrail_UnknownAlert(t *testing.T) {
	f := newFacadeFixture()
	f.store.getFunc = func(_ context.Context, _ uuid.UUID) (*models.FraudAlert, error) {
		return nil, repositories.ErrAlertNotFound
	}

	_, err := f.service.GetAuditTrail(context.Background(), uuid.New())

	assert.ErrorIs(t, err, repositories.ErrAlertNotFound)
	assert.Equal(t, 0, f.audit.calls)
}

func TestGetAuditTrail_ReturnsEntries(t *testing.T) {
	f := newFacadeFixture()
	f.audit.entries = []*models.AuditLogEntry{
		{SequenceNumber: 1, EntryType: models.AuditEntryAlertCreated},
		{SequenceNumber: 2, EntryType: models.AuditEntryStatusTransition},
	}

	entries, err := f.service.GetAuditTrail(context.Background(), uuid.New())

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].SequenceNumber)
	assert.Equal(t, 1, f.audit.calls)
}
