package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// UserRepository reads Moodle users and persists ops audit logs.
type UserRepository struct {
	db     *sqlx.DB
	prefix string
}

// NewUserRepository constructs the repository. prefix is the Moodle table
// prefix, normally "mdl_".
func NewUserRepository(db *sqlx.DB, prefix string) *UserRepository {
	return &UserRepository{db: db, prefix: prefix}
}

// FindByStudentCode resolves a SITS student code (stored in the Moodle
// idnumber field) to a user.
func (r *UserRepository) FindByStudentCode(ctx context.Context, code string) (*models.User, error) {
	query := fmt.Sprintf(`SELECT id, username, idnumber, email, deleted, suspended
        FROM %suser WHERE idnumber = $1 AND deleted = false`, r.prefix)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, code); err != nil {
		return nil, err
	}
	return &user, nil
}

// FindByID returns a user by its Moodle id.
func (r *UserRepository) FindByID(ctx context.Context, id int64) (*models.User, error) {
	query := fmt.Sprintf(`SELECT id, username, idnumber, email, deleted, suspended
        FROM %suser WHERE id = $1`, r.prefix)
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateAuditLog appends an ops audit record.
func (r *UserRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO sits_bridge_audit_log (id, user_id, action, resource, resource_id, new_values, ip_address, user_agent, created_at)
        VALUES (:id, :user_id, :action, :resource, :resource_id, :new_values, :ip_address, :user_agent, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}
