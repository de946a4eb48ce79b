package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/repository"
)

type courseworkAdapter struct {
	repo *repository.CourseworkRepository
}

// NewCourseworkAdapter drives coursework personal-deadline rows. Coursework
// has no group overrides, so every accommodation is a per-user row.
func NewCourseworkAdapter(repo *repository.CourseworkRepository) ModuleAdapter {
	return courseworkAdapter{repo: repo}
}

func (a courseworkAdapter) Module() string       { return models.ModuleCoursework }
func (a courseworkAdapter) SupportsGroups() bool { return false }

func (a courseworkAdapter) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	return a.repo.Instance(ctx, cmid)
}

func (a courseworkAdapter) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByID(ctx, id)
}

func (a courseworkAdapter) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByGroup(ctx, instanceID, groupID)
}

func (a courseworkAdapter) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByUser(ctx, instanceID, userID)
}

func (a courseworkAdapter) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	return a.repo.OverridesForGroups(ctx, instanceID, groupIDs)
}

func (a courseworkAdapter) InsertOverride(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	return a.repo.Insert(ctx, ov)
}

func (a courseworkAdapter) UpdateOverride(ctx context.Context, ov *models.ModuleOverride) error {
	return a.repo.Update(ctx, ov)
}

func (a courseworkAdapter) DeleteOverride(ctx context.Context, id int64) error {
	return a.repo.Delete(ctx, id)
}

func (a courseworkAdapter) WithTx(tx *sqlx.Tx) ModuleAdapter {
	return courseworkAdapter{repo: a.repo.WithTx(tx)}
}
