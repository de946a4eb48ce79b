package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// GroupRepository manages Moodle course groups and memberships. It both
// reads teacher-created deadline groups (DLG) and owns the system-managed
// accommodation groups.
type GroupRepository struct {
	q      sqlx.ExtContext
	prefix string
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *sqlx.DB, prefix string) *GroupRepository {
	return &GroupRepository{q: db, prefix: prefix}
}

// WithTx returns a copy bound to the transaction.
func (r *GroupRepository) WithTx(tx *sqlx.Tx) *GroupRepository {
	return &GroupRepository{q: tx, prefix: r.prefix}
}

// FindByName returns the group with the exact name in a course, or
// sql.ErrNoRows.
func (r *GroupRepository) FindByName(ctx context.Context, courseID int64, name string) (*models.Group, error) {
	query := fmt.Sprintf(`SELECT id, courseid, name, idnumber, timecreated, timemodified
        FROM %sgroups WHERE courseid = $1 AND name = $2`, r.prefix)
	var group models.Group
	if err := sqlx.GetContext(ctx, r.q, &group, query, courseID, name); err != nil {
		return nil, err
	}
	return &group, nil
}

// Create inserts a group and sets its id.
func (r *GroupRepository) Create(ctx context.Context, group *models.Group) error {
	now := time.Now().Unix()
	group.TimeCreated = now
	group.TimeModified = now
	query := fmt.Sprintf(`INSERT INTO %sgroups (courseid, name, idnumber, timecreated, timemodified)
        VALUES ($1, $2, $3, $4, $5) RETURNING id`, r.prefix)
	if err := sqlx.GetContext(ctx, r.q, &group.ID, query, group.CourseID, group.Name, group.IDNumber, now, now); err != nil {
		return fmt.Errorf("create group %q: %w", group.Name, err)
	}
	return nil
}

// Delete removes a group and its memberships.
func (r *GroupRepository) Delete(ctx context.Context, groupID int64) error {
	if _, err := r.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %sgroups_members WHERE groupid = $1", r.prefix), groupID); err != nil {
		return fmt.Errorf("delete group %d members: %w", groupID, err)
	}
	if _, err := r.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %sgroups WHERE id = $1", r.prefix), groupID); err != nil {
		return fmt.Errorf("delete group %d: %w", groupID, err)
	}
	return nil
}

// HasMember reports group membership.
func (r *GroupRepository) HasMember(ctx context.Context, groupID, userID int64) (bool, error) {
	var one int
	query := fmt.Sprintf("SELECT 1 FROM %sgroups_members WHERE groupid = $1 AND userid = $2 LIMIT 1", r.prefix)
	err := sqlx.GetContext(ctx, r.q, &one, query, groupID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// AddMember inserts a membership if it does not already exist.
func (r *GroupRepository) AddMember(ctx context.Context, groupID, userID int64) error {
	exists, err := r.HasMember(ctx, groupID, userID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	query := fmt.Sprintf(`INSERT INTO %sgroups_members (groupid, userid, timeadded) VALUES ($1, $2, $3)`, r.prefix)
	if _, err := r.q.ExecContext(ctx, query, groupID, userID, time.Now().Unix()); err != nil {
		return fmt.Errorf("add user %d to group %d: %w", userID, groupID, err)
	}
	return nil
}

// RemoveMember deletes a membership.
func (r *GroupRepository) RemoveMember(ctx context.Context, groupID, userID int64) error {
	query := fmt.Sprintf("DELETE FROM %sgroups_members WHERE groupid = $1 AND userid = $2", r.prefix)
	if _, err := r.q.ExecContext(ctx, query, groupID, userID); err != nil {
		return fmt.Errorf("remove user %d from group %d: %w", userID, groupID, err)
	}
	return nil
}

// UserGroupsWithPrefix returns the course groups a user belongs to whose
// name starts with the prefix. Used for both DLG resolution and finding a
// student's current accommodation group.
func (r *GroupRepository) UserGroupsWithPrefix(ctx context.Context, courseID, userID int64, namePrefix string) ([]models.Group, error) {
	query := fmt.Sprintf(`SELECT g.id, g.courseid, g.name, g.idnumber, g.timecreated, g.timemodified
        FROM %sgroups g
        JOIN %sgroups_members gm ON gm.groupid = g.id
        WHERE g.courseid = $1 AND gm.userid = $2 AND g.name LIKE $3
        ORDER BY g.id`, r.prefix, r.prefix)
	var groups []models.Group
	if err := sqlx.SelectContext(ctx, r.q, &groups, query, courseID, userID, namePrefix+"%"); err != nil {
		return nil, fmt.Errorf("user groups with prefix %q: %w", namePrefix, err)
	}
	return groups, nil
}

// GroupsWithPrefix returns all course groups whose name starts with the
// prefix.
func (r *GroupRepository) GroupsWithPrefix(ctx context.Context, courseID int64, namePrefix string) ([]models.Group, error) {
	query := fmt.Sprintf(`SELECT id, courseid, name, idnumber, timecreated, timemodified
        FROM %sgroups WHERE courseid = $1 AND name LIKE $2 ORDER BY id`, r.prefix)
	var groups []models.Group
	if err := sqlx.SelectContext(ctx, r.q, &groups, query, courseID, namePrefix+"%"); err != nil {
		return nil, fmt.Errorf("groups with prefix %q: %w", namePrefix, err)
	}
	return groups, nil
}

// MemberCount returns the number of members in a group.
func (r *GroupRepository) MemberCount(ctx context.Context, groupID int64) (int, error) {
	var count int
	query := fmt.Sprintf("SELECT COUNT(*) FROM %sgroups_members WHERE groupid = $1", r.prefix)
	if err := sqlx.GetContext(ctx, r.q, &count, query, groupID); err != nil {
		return 0, fmt.Errorf("count members of group %d: %w", groupID, err)
	}
	return count, nil
}
