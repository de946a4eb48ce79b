package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// ProcessingLogRepository persists the append-only queue processing log used
// for message deduplication and the out-of-order guard.
type ProcessingLogRepository struct {
	db *sqlx.DB
}

// NewProcessingLogRepository constructs the repository.
func NewProcessingLogRepository(db *sqlx.DB) *ProcessingLogRepository {
	return &ProcessingLogRepository{db: db}
}

// HasProcessed reports whether a message id was already logged as processed.
func (r *ProcessingLogRepository) HasProcessed(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one,
		"SELECT 1 FROM sits_bridge_queue_log WHERE message_id = $1 AND status = $2 LIMIT 1",
		messageID, models.QueueOutcomeProcessed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check processed message %s: %w", messageID, err)
	}
	return true, nil
}

// LatestEventTime returns the newest successfully-processed event timestamp
// for a (student code, assessment-type code) pair, or nil if none exists.
// Different assessment types are ordered independently.
func (r *ProcessingLogRepository) LatestEventTime(ctx context.Context, studentCode, astCode string) (*time.Time, error) {
	var latest time.Time
	err := r.db.GetContext(ctx, &latest,
		`SELECT event_time FROM sits_bridge_queue_log
         WHERE student_code = $1 AND astcode = $2 AND status = $3
         ORDER BY event_time DESC LIMIT 1`,
		studentCode, astCode, models.QueueOutcomeProcessed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest event time for %s/%s: %w", studentCode, astCode, err)
	}
	return &latest, nil
}

// Insert appends one processing-log row.
func (r *ProcessingLogRepository) Insert(ctx context.Context, log *models.ProcessingLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO sits_bridge_queue_log (id, message_id, queue_name, student_code, astcode, event_time, status, reason, payload, created_at)
        VALUES (:id, :message_id, :queue_name, :student_code, :astcode, :event_time, :status, :reason, :payload, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("insert processing log: %w", err)
	}
	return nil
}

// List returns log rows matching the filter, newest first, with a total.
func (r *ProcessingLogRepository) List(ctx context.Context, filter models.ProcessingLogFilter) ([]models.ProcessingLog, int, error) {
	base := "FROM sits_bridge_queue_log"
	var conditions []string
	var args []interface{}

	if filter.QueueName != "" {
		conditions = append(conditions, fmt.Sprintf("queue_name = $%d", len(args)+1))
		args = append(args, filter.QueueName)
	}
	if filter.StudentCode != "" {
		conditions = append(conditions, fmt.Sprintf("student_code = $%d", len(args)+1))
		args = append(args, filter.StudentCode)
	}
	if filter.AstCode != "" {
		conditions = append(conditions, fmt.Sprintf("astcode = $%d", len(args)+1))
		args = append(args, filter.AstCode)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 200 {
		size = 50
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT id, message_id, queue_name, student_code, astcode, event_time, status, reason, payload, created_at
        %s ORDER BY created_at DESC LIMIT %d OFFSET %d`, base+clause, size, offset)
	var logs []models.ProcessingLog
	if err := r.db.SelectContext(ctx, &logs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list processing log: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count processing log: %w", err)
	}
	return logs, total, nil
}
