package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/repository"
)

// GroupStore abstracts course group persistence for the extension engine.
type GroupStore interface {
	FindByName(ctx context.Context, courseID int64, name string) (*models.Group, error)
	Create(ctx context.Context, group *models.Group) error
	Delete(ctx context.Context, groupID int64) error
	HasMember(ctx context.Context, groupID, userID int64) (bool, error)
	AddMember(ctx context.Context, groupID, userID int64) error
	RemoveMember(ctx context.Context, groupID, userID int64) error
	UserGroupsWithPrefix(ctx context.Context, courseID, userID int64, namePrefix string) ([]models.Group, error)
	GroupsWithPrefix(ctx context.Context, courseID int64, namePrefix string) ([]models.Group, error)
	MemberCount(ctx context.Context, groupID int64) (int, error)
	WithTx(tx *sqlx.Tx) GroupStore
}

// OverrideStore abstracts the saved-override ledger.
type OverrideStore interface {
	GetActive(ctx context.Context, mappingID, userID int64, extType models.ExtensionType) (*models.OverrideRecord, error)
	ListActiveByMapping(ctx context.Context, mappingID int64) ([]models.OverrideRecord, error)
	Insert(ctx context.Context, rec *models.OverrideRecord) error
	Update(ctx context.Context, rec *models.OverrideRecord) error
	MarkRestored(ctx context.Context, id string) error
	List(ctx context.Context, filter models.OverrideFilter) ([]models.OverrideRecord, int, error)
	WithTx(tx *sqlx.Tx) OverrideStore
}

type groupStore struct {
	*repository.GroupRepository
}

// NewGroupStore wraps the repository so WithTx satisfies the interface.
func NewGroupStore(repo *repository.GroupRepository) GroupStore {
	return groupStore{repo}
}

func (s groupStore) WithTx(tx *sqlx.Tx) GroupStore {
	return groupStore{s.GroupRepository.WithTx(tx)}
}

type overrideStore struct {
	*repository.OverrideRepository
}

// NewOverrideStore wraps the repository so WithTx satisfies the interface.
func NewOverrideStore(repo *repository.OverrideRepository) OverrideStore {
	return overrideStore{repo}
}

func (s overrideStore) WithTx(tx *sqlx.Tx) OverrideStore {
	return overrideStore{s.OverrideRepository.WithTx(tx)}
}
