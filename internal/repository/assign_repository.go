package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// AssignRepository maps the normalized override shape onto the
// assign/assign_overrides tables. Assignments carry start, due and cutoff
// dates but no time limit.
type AssignRepository struct {
	q      sqlx.ExtContext
	prefix string
}

// NewAssignRepository constructs the repository.
func NewAssignRepository(db *sqlx.DB, prefix string) *AssignRepository {
	return &AssignRepository{q: db, prefix: prefix}
}

// WithTx returns a copy bound to the transaction.
func (r *AssignRepository) WithTx(tx *sqlx.Tx) *AssignRepository {
	return &AssignRepository{q: tx, prefix: r.prefix}
}

// Instance resolves the assignment behind a course module, normalizing zero
// dates to NULL.
func (r *AssignRepository) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	query := fmt.Sprintf(`SELECT a.id AS instanceid, cm.id AS cmid, a.course AS courseid, a.name,
            NULLIF(a.allowsubmissionsfromdate, 0) AS startdate,
            NULLIF(a.duedate, 0) AS enddate,
            NULLIF(a.cutoffdate, 0) AS cutoffdate,
            NULL::bigint AS timelimit
        FROM %sassign a
        JOIN %scourse_modules cm ON cm.instance = a.id
        JOIN %smodules md ON md.id = cm.module AND md.name = 'assign'
        WHERE cm.id = $1`, r.prefix, r.prefix, r.prefix)
	var inst models.ActivityInstance
	if err := sqlx.GetContext(ctx, r.q, &inst, query, cmid); err != nil {
		return nil, err
	}
	return &inst, nil
}

const assignOverrideColumns = `o.id, o.assignid AS instanceid, o.userid, o.groupid,
        o.allowsubmissionsfromdate AS startdate, o.duedate AS enddate, o.cutoffdate,
        NULL::bigint AS timelimit`

// OverrideByID fetches one override row.
func (r *AssignRepository) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+assignOverrideColumns+" FROM %sassign_overrides o WHERE o.id = $1", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, id); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByGroup fetches the group-level override for the assignment.
func (r *AssignRepository) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+assignOverrideColumns+" FROM %sassign_overrides o WHERE o.assignid = $1 AND o.groupid = $2", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, groupID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByUser fetches the user-level override for the assignment.
func (r *AssignRepository) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+assignOverrideColumns+" FROM %sassign_overrides o WHERE o.assignid = $1 AND o.userid = $2", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, userID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverridesForGroups returns group overrides for any of the given groups,
// ordered by sortorder so callers can apply Moodle's precedence.
func (r *AssignRepository) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+assignOverrideColumns+` FROM %sassign_overrides o
        WHERE o.assignid = $1 AND o.groupid = ANY($2) ORDER BY o.sortorder`, r.prefix)
	var overrides []models.ModuleOverride
	if err := sqlx.SelectContext(ctx, r.q, &overrides, query, instanceID, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("assign overrides for groups: %w", err)
	}
	return overrides, nil
}

// Insert creates an override row and returns its id. Group overrides are
// appended to the sort order.
func (r *AssignRepository) Insert(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %sassign_overrides (assignid, groupid, userid, allowsubmissionsfromdate, duedate, cutoffdate, sortorder)
        VALUES ($1, $2, $3, $4, $5, $6,
            CASE WHEN $2::bigint IS NULL THEN NULL
                 ELSE (SELECT COALESCE(MAX(sortorder), 0) + 1 FROM %sassign_overrides WHERE assignid = $1) END)
        RETURNING id`, r.prefix, r.prefix)
	var id int64
	if err := sqlx.GetContext(ctx, r.q, &id, query, ov.InstanceID, ov.GroupID, ov.UserID, ov.StartDate, ov.EndDate, ov.CutoffDate); err != nil {
		return 0, fmt.Errorf("insert assign override: %w", err)
	}
	ov.ID = id
	return id, nil
}

// Update rewrites the date fields of an override row.
func (r *AssignRepository) Update(ctx context.Context, ov *models.ModuleOverride) error {
	query := fmt.Sprintf(`UPDATE %sassign_overrides
        SET allowsubmissionsfromdate = $2, duedate = $3, cutoffdate = $4 WHERE id = $1`, r.prefix)
	if _, err := r.q.ExecContext(ctx, query, ov.ID, ov.StartDate, ov.EndDate, ov.CutoffDate); err != nil {
		return fmt.Errorf("update assign override %d: %w", ov.ID, err)
	}
	return nil
}

// Delete removes an override row.
func (r *AssignRepository) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %sassign_overrides WHERE id = $1", r.prefix)
	if _, err := r.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete assign override %d: %w", id, err)
	}
	return nil
}
