package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

func newMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxdb := sqlx.NewDb(db, "sqlmock")
	return sqlxdb, mock, func() {
		db.Close()
	}
}

func TestHasProcessed(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewProcessingLogRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM sits_bridge_queue_log WHERE message_id = $1 AND status = $2 LIMIT 1")).
		WithArgs("msg-1", models.QueueOutcomeProcessed).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

	seen, err := repo.HasProcessed(context.Background(), "msg-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasProcessedUnknownMessage(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewProcessingLogRepository(db)

	mock.ExpectQuery("SELECT 1 FROM sits_bridge_queue_log").
		WithArgs("msg-2", models.QueueOutcomeProcessed).
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))

	seen, err := repo.HasProcessed(context.Background(), "msg-2")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLatestEventTime(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewProcessingLogRepository(db)

	ts := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT event_time FROM sits_bridge_queue_log").
		WithArgs("12345678", "ED03", models.QueueOutcomeProcessed).
		WillReturnRows(sqlmock.NewRows([]string{"event_time"}).AddRow(ts))

	latest, err := repo.LatestEventTime(context.Background(), "12345678", "ED03")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, ts.Equal(*latest))
}

func TestLatestEventTimeNoHistory(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewProcessingLogRepository(db)

	mock.ExpectQuery("SELECT event_time FROM sits_bridge_queue_log").
		WithArgs("12345678", "ED03", models.QueueOutcomeProcessed).
		WillReturnRows(sqlmock.NewRows([]string{"event_time"}))

	latest, err := repo.LatestEventTime(context.Background(), "12345678", "ED03")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestProcessingLogInsertFillsDefaults(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewProcessingLogRepository(db)

	mock.ExpectExec("INSERT INTO sits_bridge_queue_log").WillReturnResult(sqlmock.NewResult(0, 1))

	log := &models.ProcessingLog{
		MessageID:   "msg-1",
		QueueName:   "sora",
		StudentCode: "12345678",
		AstCode:     "ED03",
		EventTime:   time.Now().UTC(),
		Status:      models.QueueOutcomeProcessed,
	}
	require.NoError(t, repo.Insert(context.Background(), log))
	assert.NotEmpty(t, log.ID)
	assert.False(t, log.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessingLogList(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewProcessingLogRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "message_id", "queue_name", "student_code", "astcode", "event_time", "status", "reason", "payload", "created_at"}).
		AddRow("u1", "msg-1", "sora", "12345678", "ED03", now, models.QueueOutcomeIgnored, "stale", []byte("{}"), now)
	mock.ExpectQuery("SELECT id, message_id, queue_name, student_code, astcode, event_time, status, reason, payload, created_at").
		WithArgs("sora", models.QueueOutcomeIgnored).
		WillReturnRows(rows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM sits_bridge_queue_log WHERE queue_name = $1 AND status = $2")).
		WithArgs("sora", models.QueueOutcomeIgnored).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	logs, total, err := repo.List(context.Background(), models.ProcessingLogFilter{QueueName: "sora", Status: models.QueueOutcomeIgnored})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, "stale", logs[0].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
