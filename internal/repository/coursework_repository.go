package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// CourseworkRepository maps the normalized override shape onto the coursework
// plugin tables. Coursework has no group overrides; extensions are personal
// deadline rows keyed by user, so the group accessors report no rows.
type CourseworkRepository struct {
	q      sqlx.ExtContext
	prefix string
}

// NewCourseworkRepository constructs the repository.
func NewCourseworkRepository(db *sqlx.DB, prefix string) *CourseworkRepository {
	return &CourseworkRepository{q: db, prefix: prefix}
}

// WithTx returns a copy bound to the transaction.
func (r *CourseworkRepository) WithTx(tx *sqlx.Tx) *CourseworkRepository {
	return &CourseworkRepository{q: tx, prefix: r.prefix}
}

// Instance resolves the coursework behind a course module.
func (r *CourseworkRepository) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	query := fmt.Sprintf(`SELECT c.id AS instanceid, cm.id AS cmid, c.course AS courseid, c.name,
            NULLIF(c.startdate, 0) AS startdate,
            NULLIF(c.deadline, 0) AS enddate,
            NULL::bigint AS cutoffdate,
            NULL::bigint AS timelimit
        FROM %scoursework c
        JOIN %scourse_modules cm ON cm.instance = c.id
        JOIN %smodules md ON md.id = cm.module AND md.name = 'coursework'
        WHERE cm.id = $1`, r.prefix, r.prefix, r.prefix)
	var inst models.ActivityInstance
	if err := sqlx.GetContext(ctx, r.q, &inst, query, cmid); err != nil {
		return nil, err
	}
	return &inst, nil
}

const courseworkExtensionColumns = `e.id, e.courseworkid AS instanceid, e.allocatableid AS userid,
        NULL::bigint AS groupid, NULL::bigint AS startdate, e.extended_deadline AS enddate,
        NULL::bigint AS cutoffdate, NULL::bigint AS timelimit`

// OverrideByID fetches one extension row.
func (r *CourseworkRepository) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf(`SELECT `+courseworkExtensionColumns+` FROM %scoursework_extensions e
        WHERE e.id = $1 AND e.allocatabletype = 'user'`, r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, id); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByGroup always reports no rows. Coursework extensions are
// per-user only.
func (r *CourseworkRepository) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	return nil, sql.ErrNoRows
}

// OverrideByUser fetches the user's extension row for the coursework.
func (r *CourseworkRepository) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf(`SELECT `+courseworkExtensionColumns+` FROM %scoursework_extensions e
        WHERE e.courseworkid = $1 AND e.allocatableid = $2 AND e.allocatabletype = 'user'`, r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, userID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverridesForGroups always returns nothing for coursework.
func (r *CourseworkRepository) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	return nil, nil
}

// Insert creates a user extension row and returns its id.
func (r *CourseworkRepository) Insert(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	if ov.UserID == nil {
		return 0, fmt.Errorf("insert coursework extension: user id required")
	}
	now := time.Now().Unix()
	query := fmt.Sprintf(`INSERT INTO %scoursework_extensions (courseworkid, allocatableid, allocatabletype, extended_deadline, createdbyid, timecreated, timemodified)
        VALUES ($1, $2, 'user', $3, 0, $4, $4) RETURNING id`, r.prefix)
	var id int64
	if err := sqlx.GetContext(ctx, r.q, &id, query, ov.InstanceID, *ov.UserID, ov.EndDate, now); err != nil {
		return 0, fmt.Errorf("insert coursework extension: %w", err)
	}
	ov.ID = id
	return id, nil
}

// Update rewrites the extended deadline of an extension row.
func (r *CourseworkRepository) Update(ctx context.Context, ov *models.ModuleOverride) error {
	query := fmt.Sprintf(`UPDATE %scoursework_extensions SET extended_deadline = $2, timemodified = $3 WHERE id = $1`, r.prefix)
	if _, err := r.q.ExecContext(ctx, query, ov.ID, ov.EndDate, time.Now().Unix()); err != nil {
		return fmt.Errorf("update coursework extension %d: %w", ov.ID, err)
	}
	return nil
}

// Delete removes an extension row.
func (r *CourseworkRepository) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %scoursework_extensions WHERE id = $1", r.prefix)
	if _, err := r.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete coursework extension %d: %w", id, err)
	}
	return nil
}
