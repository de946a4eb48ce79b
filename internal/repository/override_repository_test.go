package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

func overrideRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "mapping_id", "user_id", "ext_type", "module", "cmid", "override_id",
		"group_id", "extension_seconds", "original_override", "restored", "created_at", "updated_at",
	})
}

func TestGetActiveOverride(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewOverrideRepository(db)

	now := time.Now().UTC()
	mock.ExpectQuery("SELECT (.+) FROM sits_bridge_overrides").
		WithArgs(int64(1), int64(7), models.ExtensionSORA).
		WillReturnRows(overrideRows().
			AddRow("rec-1", 1, 7, "SORA", "quiz", 300, 150, 500, 3600, nil, false, now, now))

	rec, err := repo.GetActive(context.Background(), 1, 7, models.ExtensionSORA)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), rec.ExtensionSeconds)
	require.NotNil(t, rec.GroupID)
	assert.Equal(t, int64(500), *rec.GroupID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetActiveOverrideNone(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewOverrideRepository(db)

	mock.ExpectQuery("SELECT (.+) FROM sits_bridge_overrides").
		WithArgs(int64(1), int64(7), models.ExtensionEC).
		WillReturnRows(overrideRows())

	_, err := repo.GetActive(context.Background(), 1, 7, models.ExtensionEC)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestInsertOverrideRecordAssignsID(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewOverrideRepository(db)

	mock.ExpectExec("INSERT INTO sits_bridge_overrides").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := &models.OverrideRecord{
		MappingID:        1,
		UserID:           7,
		Type:             models.ExtensionSORA,
		Module:           "quiz",
		CMID:             300,
		OverrideID:       150,
		ExtensionSeconds: 3600,
	}
	require.NoError(t, repo.Insert(context.Background(), rec))
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRestored(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewOverrideRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE sits_bridge_overrides SET restored = true, updated_at = $2 WHERE id = $1")).
		WithArgs("rec-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkRestored(context.Background(), "rec-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOverridesFiltersRestored(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewOverrideRepository(db)

	now := time.Now().UTC()
	restored := false
	mock.ExpectQuery("SELECT (.+) FROM sits_bridge_overrides WHERE mapping_id = (.+) AND restored = (.+) ORDER BY updated_at DESC").
		WithArgs(int64(1), false).
		WillReturnRows(overrideRows().
			AddRow("rec-1", 1, 7, "SORA", "quiz", 300, 150, nil, 3600, nil, false, now, now))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM sits_bridge_overrides")).
		WithArgs(int64(1), false).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	recs, total, err := repo.List(context.Background(), models.OverrideFilter{MappingID: 1, Restored: &restored})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, 1, total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
