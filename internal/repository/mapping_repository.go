package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// MappingRepository resolves assessment mappings (course module ↔ SITS
// component grade) and manages their lifecycle.
type MappingRepository struct {
	db     *sqlx.DB
	prefix string
}

// NewMappingRepository constructs the repository.
func NewMappingRepository(db *sqlx.DB, prefix string) *MappingRepository {
	return &MappingRepository{db: db, prefix: prefix}
}

const mappingDetailColumns = `m.id, m.courseid, m.sourcetype, m.cmid, m.moduletype, m.mabid,
        m.reassess, m.enableextension, m.timecreated, m.timemodified,
        cg.mapcode, cg.mabseq, cg.astcode, cg.mabname`

// GetByMab returns all enabled, extension-eligible mappings for one
// component grade across the supported activity types.
func (r *MappingRepository) GetByMab(ctx context.Context, mapCode string, mabSeq int) ([]models.MappingDetail, error) {
	const query = `SELECT ` + mappingDetailColumns + `
        FROM sits_bridge_mappings m
        JOIN sits_bridge_mabs cg ON cg.id = m.mabid
        WHERE cg.mapcode = $1 AND cg.mabseq = $2
          AND m.sourcetype = $3 AND m.enableextension = true
          AND m.moduletype = ANY($4)`
	var mappings []models.MappingDetail
	if err := r.db.SelectContext(ctx, &mappings, query, mapCode, mabSeq, models.SourceTypeModule, pq.Array(models.SupportedModules)); err != nil {
		return nil, fmt.Errorf("get mappings for %s-%d: %w", mapCode, mabSeq, err)
	}
	return mappings, nil
}

// GetByUser returns the mappings eligible for accommodation processing for
// one student: courses the student is actively enrolled in and that are in
// the current academic year (course date window), restricted to an
// assessment-type code when given and excluding the configured ineligible
// codes.
func (r *MappingRepository) GetByUser(ctx context.Context, userID int64, astCode string, ineligible []string) ([]models.MappingDetail, error) {
	now := time.Now().Unix()
	query := fmt.Sprintf(`SELECT `+mappingDetailColumns+`
        FROM sits_bridge_mappings m
        JOIN sits_bridge_mabs cg ON cg.id = m.mabid
        JOIN %scourse c ON c.id = m.courseid
        JOIN %senrol e ON e.courseid = m.courseid
        JOIN %suser_enrolments ue ON ue.enrolid = e.id AND ue.userid = $1 AND ue.status = 0
        WHERE m.sourcetype = $2 AND m.enableextension = true
          AND m.moduletype = ANY($3)
          AND c.startdate <= $4 AND (c.enddate = 0 OR c.enddate >= $4)`,
		r.prefix, r.prefix, r.prefix)
	args := []interface{}{userID, models.SourceTypeModule, pq.Array(models.SupportedModules), now}

	if astCode != "" {
		query += fmt.Sprintf(" AND cg.astcode = $%d", len(args)+1)
		args = append(args, astCode)
	}
	if len(ineligible) > 0 {
		query += fmt.Sprintf(" AND NOT (cg.astcode = ANY($%d))", len(args)+1)
		args = append(args, pq.Array(ineligible))
	}

	var mappings []models.MappingDetail
	if err := r.db.SelectContext(ctx, &mappings, query, args...); err != nil {
		return nil, fmt.Errorf("get mappings for user %d: %w", userID, err)
	}
	return mappings, nil
}

// GetDetailByID returns one mapping with its component grade.
func (r *MappingRepository) GetDetailByID(ctx context.Context, id int64) (*models.MappingDetail, error) {
	const query = `SELECT ` + mappingDetailColumns + `
        FROM sits_bridge_mappings m
        JOIN sits_bridge_mabs cg ON cg.id = m.mabid
        WHERE m.id = $1`
	var detail models.MappingDetail
	if err := r.db.GetContext(ctx, &detail, query, id); err != nil {
		return nil, err
	}
	return &detail, nil
}

// List returns mappings matching the filter with a total count.
func (r *MappingRepository) List(ctx context.Context, filter models.MappingFilter) ([]models.MappingDetail, int, error) {
	base := `FROM sits_bridge_mappings m JOIN sits_bridge_mabs cg ON cg.id = m.mabid`
	var conditions []string
	var args []interface{}

	if filter.CourseID != 0 {
		conditions = append(conditions, fmt.Sprintf("m.courseid = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.ModuleName != "" {
		conditions = append(conditions, fmt.Sprintf("m.moduletype = $%d", len(args)+1))
		args = append(args, filter.ModuleName)
	}
	if filter.AstCode != "" {
		conditions = append(conditions, fmt.Sprintf("cg.astcode = $%d", len(args)+1))
		args = append(args, filter.AstCode)
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
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf("SELECT %s %s ORDER BY m.id LIMIT %d OFFSET %d", mappingDetailColumns, base+clause, size, offset)
	var mappings []models.MappingDetail
	if err := r.db.SelectContext(ctx, &mappings, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list mappings: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) "+base+clause, args...); err != nil {
		return nil, 0, fmt.Errorf("count mappings: %w", err)
	}
	return mappings, total, nil
}

// GetMab looks up a component grade by (mapcode, mabseq).
func (r *MappingRepository) GetMab(ctx context.Context, mapCode string, mabSeq int) (*models.ComponentGrade, error) {
	const query = `SELECT id, mapcode, mabseq, astcode, mabname FROM sits_bridge_mabs WHERE mapcode = $1 AND mabseq = $2`
	var mab models.ComponentGrade
	if err := r.db.GetContext(ctx, &mab, query, mapCode, mabSeq); err != nil {
		return nil, err
	}
	return &mab, nil
}

// MabMapped reports whether a component grade already has a mapping. A MAB
// maps to at most one activity.
func (r *MappingRepository) MabMapped(ctx context.Context, mabID int64) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, "SELECT 1 FROM sits_bridge_mappings WHERE mabid = $1 LIMIT 1", mabID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check mab mapped: %w", err)
	}
	return true, nil
}

// Create persists a new mapping.
func (r *MappingRepository) Create(ctx context.Context, mapping *models.Mapping) error {
	now := time.Now().Unix()
	if mapping.TimeCreated == 0 {
		mapping.TimeCreated = now
	}
	mapping.TimeModified = now
	const query = `INSERT INTO sits_bridge_mappings (courseid, sourcetype, cmid, moduletype, mabid, reassess, enableextension, timecreated, timemodified)
        VALUES (:courseid, :sourcetype, :cmid, :moduletype, :mabid, :reassess, :enableextension, :timecreated, :timemodified)
        RETURNING id`
	rows, err := r.db.NamedQueryContext(ctx, query, mapping)
	if err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&mapping.ID); err != nil {
			return fmt.Errorf("scan mapping id: %w", err)
		}
	}
	return nil
}

// Delete removes a mapping row. Accommodation cleanup is the caller's job.
func (r *MappingRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM sits_bridge_mappings WHERE id = $1", id); err != nil {
		return fmt.Errorf("delete mapping: %w", err)
	}
	return nil
}

// GradesPushed reports whether any grade has ever been transferred for the
// mapping; such mappings may not be removed.
func (r *MappingRepository) GradesPushed(ctx context.Context, mappingID int64) (bool, error) {
	var one int
	err := r.db.GetContext(ctx, &one, "SELECT 1 FROM sits_bridge_transfer_log WHERE mapping_id = $1 LIMIT 1", mappingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check transfer log: %w", err)
	}
	return true, nil
}

// EnrolledUserIDs returns the ids of users actively enrolled on a course.
func (r *MappingRepository) EnrolledUserIDs(ctx context.Context, courseID int64) ([]int64, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ue.userid
        FROM %suser_enrolments ue
        JOIN %senrol e ON e.id = ue.enrolid
        WHERE e.courseid = $1 AND ue.status = 0`, r.prefix, r.prefix)
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, courseID); err != nil {
		return nil, fmt.Errorf("list enrolled users for course %d: %w", courseID, err)
	}
	return ids, nil
}
