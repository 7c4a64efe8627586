package ping

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/bluebandedbee/updateclient/internal/component"
	"github.com/bluebandedbee/updateclient/internal/notify"
)

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Alert(ctx context.Context, subject, message string) error {
	args := m.Called(ctx, subject, message)
	return args.Error(0)
}

func setupMockManager(t *testing.T, notifier *mockNotifier, threshold float64) (*sql.DB, sqlmock.Sqlmock, *Manager) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	var n notify.Notifier
	if notifier != nil {
		n = notifier
	}
	return mockDB, mock, New(mockDB, n, threshold)
}

func TestEnsureSchema(t *testing.T) {
	mockDB, mock, m := setupMockManager(t, nil, 0)
	defer mockDB.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS ping_events").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, m.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendPingWritesEveryEvent(t *testing.T) {
	mockDB, mock, m := setupMockManager(t, nil, 0)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ping_events")
	mock.ExpectExec("INSERT INTO ping_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ping_events").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	events := map[string][]component.Event{
		"comp-a": {
			{EventType: component.EventTypeDownload, EventResult: 1},
			{EventType: component.EventTypeUpdate, EventResult: 1},
		},
	}

	err := m.SendPing(context.Background(), "session-1", events)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSendPingRollsBackOnInsertFailure(t *testing.T) {
	mockDB, mock, m := setupMockManager(t, nil, 0)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ping_events")
	mock.ExpectExec("INSERT INTO ping_events").WillReturnError(errors.New("insert failed"))
	mock.ExpectRollback()

	events := map[string][]component.Event{
		"comp-a": {{EventType: component.EventTypeUpdate, EventResult: 0}},
	}

	err := m.SendPing(context.Background(), "session-1", events)
	assert.Error(t, err)
}

func TestSendPingAlertsWhenFailureRateCrossesThreshold(t *testing.T) {
	notifier := &mockNotifier{}
	notifier.On("Alert", mock.Anything, "update batch failure rate", mock.Anything).Return(nil)

	mockDB, mock, m := setupMockManager(t, notifier, 0.5)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ping_events")
	mock.ExpectExec("INSERT INTO ping_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ping_events").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	events := map[string][]component.Event{
		"comp-a": {{EventType: component.EventTypeUpdate, EventResult: 0}},
		"comp-b": {{EventType: component.EventTypeUpdate, EventResult: 0}},
	}

	err := m.SendPing(context.Background(), "session-1", events)
	require.NoError(t, err)
	notifier.AssertExpectations(t)
}

func TestSendPingSkipsAlertBelowThreshold(t *testing.T) {
	notifier := &mockNotifier{}

	mockDB, mock, m := setupMockManager(t, notifier, 0.9)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ping_events")
	mock.ExpectExec("INSERT INTO ping_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	events := map[string][]component.Event{
		"comp-a": {{EventType: component.EventTypeUpdate, EventResult: 1}},
	}

	err := m.SendPing(context.Background(), "session-1", events)
	require.NoError(t, err)
	notifier.AssertNotCalled(t, "Alert", mock.Anything, mock.Anything, mock.Anything)
}

func TestMaybeAlertSkippedWhenNotifierNil(t *testing.T) {
	mockDB, mock, m := setupMockManager(t, nil, 0.1)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO ping_events")
	mock.ExpectExec("INSERT INTO ping_events").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	events := map[string][]component.Event{
		"comp-a": {{EventType: component.EventTypeUpdate, EventResult: 0}},
	}

	err := m.SendPing(context.Background(), "session-1", events)
	require.NoError(t, err, "a nil notifier must never cause SendPing to fail")
}
