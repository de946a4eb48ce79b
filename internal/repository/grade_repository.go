package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// GradeRepository reads final marks out of the Moodle gradebook.
type GradeRepository struct {
	db     *sqlx.DB
	prefix string
}

// NewGradeRepository constructs the repository.
func NewGradeRepository(db *sqlx.DB, prefix string) *GradeRepository {
	return &GradeRepository{db: db, prefix: prefix}
}

// FinalGrades returns every finalised mark for the activity behind a course
// module, joined with the students' SITS codes. Users without a code or
// without a final grade are excluded.
func (r *GradeRepository) FinalGrades(ctx context.Context, cmid int64, module string) ([]models.FinalGrade, error) {
	query := fmt.Sprintf(`SELECT gg.userid, u.idnumber, gg.finalgrade
        FROM %sgrade_grades gg
        JOIN %sgrade_items gi ON gi.id = gg.itemid
        JOIN %scourse_modules cm ON cm.instance = gi.iteminstance AND cm.course = gi.courseid
        JOIN %smodules md ON md.id = cm.module AND md.name = gi.itemmodule
        JOIN %suser u ON u.id = gg.userid AND u.deleted = false AND u.idnumber <> ''
        WHERE cm.id = $1 AND gi.itemmodule = $2 AND gi.itemtype = 'mod'
          AND gg.finalgrade IS NOT NULL`,
		r.prefix, r.prefix, r.prefix, r.prefix, r.prefix)
	var grades []models.FinalGrade
	if err := r.db.SelectContext(ctx, &grades, query, cmid, module); err != nil {
		return nil, fmt.Errorf("final grades for cmid %d: %w", cmid, err)
	}
	return grades, nil
}
