package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/repository"
)

type lessonAdapter struct {
	repo *repository.LessonRepository
}

// NewLessonAdapter drives lesson_overrides rows.
func NewLessonAdapter(repo *repository.LessonRepository) ModuleAdapter {
	return lessonAdapter{repo: repo}
}

func (a lessonAdapter) Module() string       { return models.ModuleLesson }
func (a lessonAdapter) SupportsGroups() bool { return true }

func (a lessonAdapter) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	return a.repo.Instance(ctx, cmid)
}

func (a lessonAdapter) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByID(ctx, id)
}

func (a lessonAdapter) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByGroup(ctx, instanceID, groupID)
}

func (a lessonAdapter) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByUser(ctx, instanceID, userID)
}

func (a lessonAdapter) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	return a.repo.OverridesForGroups(ctx, instanceID, groupIDs)
}

func (a lessonAdapter) InsertOverride(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	return a.repo.Insert(ctx, ov)
}

func (a lessonAdapter) UpdateOverride(ctx context.Context, ov *models.ModuleOverride) error {
	return a.repo.Update(ctx, ov)
}

func (a lessonAdapter) DeleteOverride(ctx context.Context, id int64) error {
	return a.repo.Delete(ctx, id)
}

func (a lessonAdapter) WithTx(tx *sqlx.Tx) ModuleAdapter {
	return lessonAdapter{repo: a.repo.WithTx(tx)}
}
