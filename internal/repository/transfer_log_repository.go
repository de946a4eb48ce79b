package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// TransferLogRepository persists mark transfer attempts.
type TransferLogRepository struct {
	db *sqlx.DB
}

// NewTransferLogRepository constructs the repository.
func NewTransferLogRepository(db *sqlx.DB) *TransferLogRepository {
	return &TransferLogRepository{db: db}
}

// Insert appends one transfer attempt.
func (r *TransferLogRepository) Insert(ctx context.Context, log *models.TransferLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO sits_bridge_transfer_log (id, mapping_id, user_id, spr_code, mark, grade, status, error, created_at)
        VALUES (:id, :mapping_id, :user_id, :spr_code, :mark, :grade, :status, :error, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("insert transfer log: %w", err)
	}
	return nil
}

// LastSent returns the newest successful transfer for (mapping, user), or
// nil when the mark was never sent.
func (r *TransferLogRepository) LastSent(ctx context.Context, mappingID, userID int64) (*models.TransferLog, error) {
	const query = `SELECT id, mapping_id, user_id, spr_code, mark, grade, status, error, created_at
        FROM sits_bridge_transfer_log
        WHERE mapping_id = $1 AND user_id = $2 AND status = $3
        ORDER BY created_at DESC LIMIT 1`
	var log models.TransferLog
	err := r.db.GetContext(ctx, &log, query, mappingID, userID, models.TransferStatusSent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last sent transfer for %d/%d: %w", mappingID, userID, err)
	}
	return &log, nil
}

// ListByMapping returns transfer attempts for one mapping, newest first.
func (r *TransferLogRepository) ListByMapping(ctx context.Context, mappingID int64, limit int) ([]models.TransferLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT id, mapping_id, user_id, spr_code, mark, grade, status, error, created_at
        FROM sits_bridge_transfer_log WHERE mapping_id = $1
        ORDER BY created_at DESC LIMIT %d`, limit)
	var logs []models.TransferLog
	if err := r.db.SelectContext(ctx, &logs, query, mappingID); err != nil {
		return nil, fmt.Errorf("list transfers for mapping %d: %w", mappingID, err)
	}
	return logs, nil
}
