package service

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/internal/repository"
)

type quizAdapter struct {
	repo *repository.QuizRepository
}

// NewQuizAdapter drives quiz_overrides rows.
func NewQuizAdapter(repo *repository.QuizRepository) ModuleAdapter {
	return quizAdapter{repo: repo}
}

func (a quizAdapter) Module() string       { return models.ModuleQuiz }
func (a quizAdapter) SupportsGroups() bool { return true }

func (a quizAdapter) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	return a.repo.Instance(ctx, cmid)
}

func (a quizAdapter) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByID(ctx, id)
}

func (a quizAdapter) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByGroup(ctx, instanceID, groupID)
}

func (a quizAdapter) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	return a.repo.OverrideByUser(ctx, instanceID, userID)
}

func (a quizAdapter) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	return a.repo.OverridesForGroups(ctx, instanceID, groupIDs)
}

func (a quizAdapter) InsertOverride(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	return a.repo.Insert(ctx, ov)
}

func (a quizAdapter) UpdateOverride(ctx context.Context, ov *models.ModuleOverride) error {
	return a.repo.Update(ctx, ov)
}

func (a quizAdapter) DeleteOverride(ctx context.Context, id int64) error {
	return a.repo.Delete(ctx, id)
}

func (a quizAdapter) WithTx(tx *sqlx.Tx) ModuleAdapter {
	return quizAdapter{repo: a.repo.WithTx(tx)}
}
