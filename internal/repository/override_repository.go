package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// OverrideRepository persists the saved-override ledger. One accommodation
// application writes exactly one ledger row, updated in place on
// recomputation and marked restored (never deleted) on revocation.
type OverrideRepository struct {
	q sqlx.ExtContext
}

// NewOverrideRepository constructs the repository.
func NewOverrideRepository(db *sqlx.DB) *OverrideRepository {
	return &OverrideRepository{q: db}
}

// WithTx returns a copy bound to the transaction.
func (r *OverrideRepository) WithTx(tx *sqlx.Tx) *OverrideRepository {
	return &OverrideRepository{q: tx}
}

const overrideColumns = `id, mapping_id, user_id, ext_type, module, cmid, override_id, group_id,
        extension_seconds, original_override, restored, created_at, updated_at`

// GetActive returns the single non-restored ledger row for the
// (mapping, user, type) triple, or sql.ErrNoRows.
func (r *OverrideRepository) GetActive(ctx context.Context, mappingID, userID int64, extType models.ExtensionType) (*models.OverrideRecord, error) {
	const query = `SELECT ` + overrideColumns + ` FROM sits_bridge_overrides
        WHERE mapping_id = $1 AND user_id = $2 AND ext_type = $3 AND restored = false`
	var rec models.OverrideRecord
	if err := sqlx.GetContext(ctx, r.q, &rec, query, mappingID, userID, extType); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListActiveByMapping returns all live accommodations for one mapping.
func (r *OverrideRepository) ListActiveByMapping(ctx context.Context, mappingID int64) ([]models.OverrideRecord, error) {
	const query = `SELECT ` + overrideColumns + ` FROM sits_bridge_overrides
        WHERE mapping_id = $1 AND restored = false`
	var recs []models.OverrideRecord
	if err := sqlx.SelectContext(ctx, r.q, &recs, query, mappingID); err != nil {
		return nil, fmt.Errorf("list active overrides for mapping %d: %w", mappingID, err)
	}
	return recs, nil
}

// Insert persists a new ledger row.
func (r *OverrideRepository) Insert(ctx context.Context, rec *models.OverrideRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	const query = `INSERT INTO sits_bridge_overrides (id, mapping_id, user_id, ext_type, module, cmid, override_id, group_id, extension_seconds, original_override, restored, created_at, updated_at)
        VALUES (:id, :mapping_id, :user_id, :ext_type, :module, :cmid, :override_id, :group_id, :extension_seconds, :original_override, :restored, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, r.q, query, rec); err != nil {
		return fmt.Errorf("insert override record: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing ledger row in place.
func (r *OverrideRepository) Update(ctx context.Context, rec *models.OverrideRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	const query = `UPDATE sits_bridge_overrides
        SET override_id = :override_id, group_id = :group_id, extension_seconds = :extension_seconds,
            original_override = :original_override, restored = :restored, updated_at = :updated_at
        WHERE id = :id`
	if _, err := sqlx.NamedExecContext(ctx, r.q, query, rec); err != nil {
		return fmt.Errorf("update override record %s: %w", rec.ID, err)
	}
	return nil
}

// MarkRestored flags the ledger row as reverted.
func (r *OverrideRepository) MarkRestored(ctx context.Context, id string) error {
	const query = `UPDATE sits_bridge_overrides SET restored = true, updated_at = $2 WHERE id = $1`
	if _, err := r.q.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark override %s restored: %w", id, err)
	}
	return nil
}

// List returns ledger rows matching the filter with a total count.
func (r *OverrideRepository) List(ctx context.Context, filter models.OverrideFilter) ([]models.OverrideRecord, int, error) {
	base := "FROM sits_bridge_overrides"
	var conditions []string
	var args []interface{}

	if filter.MappingID != 0 {
		conditions = append(conditions, fmt.Sprintf("mapping_id = $%d", len(args)+1))
		args = append(args, filter.MappingID)
	}
	if filter.UserID != 0 {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", len(args)+1))
		args = append(args, filter.UserID)
	}
	if filter.Type != "" {
		conditions = append(conditions, fmt.Sprintf("ext_type = $%d", len(args)+1))
		args = append(args, filter.Type)
	}
	if filter.Restored != nil {
		conditions = append(conditions, fmt.Sprintf("restored = $%d", len(args)+1))
		args = append(args, *filter.Restored)
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

	query := fmt.Sprintf("SELECT %s %s ORDER BY updated_at DESC LIMIT %d OFFSET %d", overrideColumns, base+clause, size, offset)
	var recs []models.OverrideRecord
	if err := sqlx.SelectContext(ctx, r.q, &recs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list override records: %w", err)
	}

	var total int
	if err := sqlx.GetContext(ctx, r.q, &total, "SELECT COUNT(*) "+base+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count override records: %w", err)
	}
	return recs, total, nil
}
