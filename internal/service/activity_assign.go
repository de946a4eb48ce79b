package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/repository"
)

type assignAdapter struct {
	repo *repository.AssignRepository
}

// NewAssignAdapter drives assign_overrides rows.
func NewAssignAdapter(repo *repository.AssignRepository) ModuleAdapter {
	return assignAdapter{repo: repo}
}

func (a assignAdapter) Module() string       { return models.ModuleAssign }
func (a assignAdapter) SupportsGroups() bool { return true }

func (a assignAdapter) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	return a.repo.Instance(ctx, cmid)
}

func (a assignAdapter) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByID(ctx, id)
}

func (a assignAdapter) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByGroup(ctx, instanceID, groupID)
}

func (a assignAdapter) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByUser(ctx, instanceID, userID)
}

func (a assignAdapter) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	return a.repo.OverridesForGroups(ctx, instanceID, groupIDs)
}

func (a assignAdapter) InsertOverride(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	return a.repo.Insert(ctx, ov)
}

func (a assignAdapter) UpdateOverride(ctx context.Context, ov *models.ModuleOverride) error {
	return a.repo.Update(ctx, ov)
}

func (a assignAdapter) DeleteOverride(ctx context.Context, id int64) error {
	return a.repo.Delete(ctx, id)
}

func (a assignAdapter) WithTx(tx *sqlx.Tx) ModuleAdapter {
	return assignAdapter{repo: a.repo.WithTx(tx)}
}
