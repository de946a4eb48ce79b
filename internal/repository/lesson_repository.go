package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// LessonRepository maps the normalized override shape onto the
// lesson/lesson_overrides tables. Lessons carry available/deadline dates and
// a time limit but no cutoff.
type LessonRepository struct {
	q      sqlx.ExtContext
	prefix string
}

// NewLessonRepository constructs the repository.
func NewLessonRepository(db *sqlx.DB, prefix string) *LessonRepository {
	return &LessonRepository{q: db, prefix: prefix}
}

// WithTx returns a copy bound to the transaction.
func (r *LessonRepository) WithTx(tx *sqlx.Tx) *LessonRepository {
	return &LessonRepository{q: tx, prefix: r.prefix}
}

// Instance resolves the lesson behind a course module.
func (r *LessonRepository) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	query := fmt.Sprintf(`SELECT l.id AS instanceid, cm.id AS cmid, l.course AS courseid, l.name,
            NULLIF(l.available, 0) AS startdate,
            NULLIF(l.deadline, 0) AS enddate,
            NULL::bigint AS cutoffdate,
            NULLIF(l.timelimit, 0) AS timelimit
        FROM %slesson l
        JOIN %scourse_modules cm ON cm.instance = l.id
        JOIN %smodules md ON md.id = cm.module AND md.name = 'lesson'
        WHERE cm.id = $1`, r.prefix, r.prefix, r.prefix)
	var inst models.ActivityInstance
	if err := sqlx.GetContext(ctx, r.q, &inst, query, cmid); err != nil {
		return nil, err
	}
	return &inst, nil
}

const lessonOverrideColumns = `o.id, o.lessonid AS instanceid, o.userid, o.groupid,
        o.available AS startdate, o.deadline AS enddate, NULL::bigint AS cutoffdate,
        o.timelimit`

// OverrideByID fetches one override row.
func (r *LessonRepository) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+lessonOverrideColumns+" FROM %slesson_overrides o WHERE o.id = $1", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, id); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByGroup fetches the group-level override for the lesson.
func (r *LessonRepository) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+lessonOverrideColumns+" FROM %slesson_overrides o WHERE o.lessonid = $1 AND o.groupid = $2", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, groupID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByUser fetches the user-level override for the lesson.
func (r *LessonRepository) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+lessonOverrideColumns+" FROM %slesson_overrides o WHERE o.lessonid = $1 AND o.userid = $2", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, userID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverridesForGroups returns group overrides for any of the given groups.
func (r *LessonRepository) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+lessonOverrideColumns+` FROM %slesson_overrides o
        WHERE o.lessonid = $1 AND o.groupid = ANY($2) ORDER BY o.id`, r.prefix)
	var overrides []models.ModuleOverride
	if err := sqlx.SelectContext(ctx, r.q, &overrides, query, instanceID, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("lesson overrides for groups: %w", err)
	}
	return overrides, nil
}

// Insert creates an override row and returns its id.
func (r *LessonRepository) Insert(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %slesson_overrides (lessonid, groupid, userid, available, deadline, timelimit)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, r.prefix)
	var id int64
	if err := sqlx.GetContext(ctx, r.q, &id, query, ov.InstanceID, ov.GroupID, ov.UserID, ov.StartDate, ov.EndDate, ov.TimeLimit); err != nil {
		return 0, fmt.Errorf("insert lesson override: %w", err)
	}
	ov.ID = id
	return id, nil
}

// Update rewrites the date and time-limit fields of an override row.
func (r *LessonRepository) Update(ctx context.Context, ov *models.ModuleOverride) error {
	query := fmt.Sprintf(`UPDATE %slesson_overrides SET available = $2, deadline = $3, timelimit = $4 WHERE id = $1`, r.prefix)
	if _, err := r.q.ExecContext(ctx, query, ov.ID, ov.StartDate, ov.EndDate, ov.TimeLimit); err != nil {
		return fmt.Errorf("update lesson override %d: %w", ov.ID, err)
	}
	return nil
}

// Delete removes an override row.
func (r *LessonRepository) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %slesson_overrides WHERE id = $1", r.prefix)
	if _, err := r.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete lesson override %d: %w", id, err)
	}
	return nil
}
