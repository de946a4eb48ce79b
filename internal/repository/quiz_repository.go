package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// QuizRepository maps the normalized override shape onto the
// quiz/quiz_overrides tables. Quizzes carry open/close dates and a time
// limit but no cutoff.
type QuizRepository struct {
	q      sqlx.ExtContext
	prefix string
}

// NewQuizRepository constructs the repository.
func NewQuizRepository(db *sqlx.DB, prefix string) *QuizRepository {
	return &QuizRepository{q: db, prefix: prefix}
}

// WithTx returns a copy bound to the transaction.
func (r *QuizRepository) WithTx(tx *sqlx.Tx) *QuizRepository {
	return &QuizRepository{q: tx, prefix: r.prefix}
}

// Instance resolves the quiz behind a course module.
func (r *QuizRepository) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	query := fmt.Sprintf(`SELECT q.id AS instanceid, cm.id AS cmid, q.course AS courseid, q.name,
            NULLIF(q.timeopen, 0) AS startdate,
            NULLIF(q.timeclose, 0) AS enddate,
            NULL::bigint AS cutoffdate,
            NULLIF(q.timelimit, 0) AS timelimit
        FROM %squiz q
        JOIN %scourse_modules cm ON cm.instance = q.id
        JOIN %smodules md ON md.id = cm.module AND md.name = 'quiz'
        WHERE cm.id = $1`, r.prefix, r.prefix, r.prefix)
	var inst models.ActivityInstance
	if err := sqlx.GetContext(ctx, r.q, &inst, query, cmid); err != nil {
		return nil, err
	}
	return &inst, nil
}

const quizOverrideColumns = `o.id, o.quiz AS instanceid, o.userid, o.groupid,
        o.timeopen AS startdate, o.timeclose AS enddate, NULL::bigint AS cutoffdate,
        o.timelimit`

// OverrideByID fetches one override row.
func (r *QuizRepository) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+quizOverrideColumns+" FROM %squiz_overrides o WHERE o.id = $1", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, id); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByGroup fetches the group-level override for the quiz.
func (r *QuizRepository) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+quizOverrideColumns+" FROM %squiz_overrides o WHERE o.quiz = $1 AND o.groupid = $2", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, groupID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverrideByUser fetches the user-level override for the quiz.
func (r *QuizRepository) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	query := fmt.Sprintf("SELECT "+quizOverrideColumns+" FROM %squiz_overrides o WHERE o.quiz = $1 AND o.userid = $2", r.prefix)
	var ov models.ModuleOverride
	if err := sqlx.GetContext(ctx, r.q, &ov, query, instanceID, userID); err != nil {
		return nil, err
	}
	return &ov, nil
}

// OverridesForGroups returns group overrides for any of the given groups.
func (r *QuizRepository) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT `+quizOverrideColumns+` FROM %squiz_overrides o
        WHERE o.quiz = $1 AND o.groupid = ANY($2) ORDER BY o.id`, r.prefix)
	var overrides []models.ModuleOverride
	if err := sqlx.SelectContext(ctx, r.q, &overrides, query, instanceID, pq.Array(groupIDs)); err != nil {
		return nil, fmt.Errorf("quiz overrides for groups: %w", err)
	}
	return overrides, nil
}

// Insert creates an override row and returns its id.
func (r *QuizRepository) Insert(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	query := fmt.Sprintf(`INSERT INTO %squiz_overrides (quiz, groupid, userid, timeopen, timeclose, timelimit)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`, r.prefix)
	var id int64
	if err := sqlx.GetContext(ctx, r.q, &id, query, ov.InstanceID, ov.GroupID, ov.UserID, ov.StartDate, ov.EndDate, ov.TimeLimit); err != nil {
		return 0, fmt.Errorf("insert quiz override: %w", err)
	}
	ov.ID = id
	return id, nil
}

// Update rewrites the date and time-limit fields of an override row.
func (r *QuizRepository) Update(ctx context.Context, ov *models.ModuleOverride) error {
	query := fmt.Sprintf(`UPDATE %squiz_overrides SET timeopen = $2, timeclose = $3, timelimit = $4 WHERE id = $1`, r.prefix)
	if _, err := r.q.ExecContext(ctx, query, ov.ID, ov.StartDate, ov.EndDate, ov.TimeLimit); err != nil {
		return fmt.Errorf("update quiz override %d: %w", ov.ID, err)
	}
	return nil
}

// Delete removes an override row.
func (r *QuizRepository) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %squiz_overrides WHERE id = $1", r.prefix)
	if _, err := r.q.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete quiz override %d: %w", id, err)
	}
	return nil
}
