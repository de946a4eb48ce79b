package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/dto"
	"github.com/noah-isme/sits-bridge-api/internal/models"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
)

// MappingStore is the persistence surface of the mapping lifecycle.
type MappingStore interface {
	GetMab(ctx context.Context, mapCode string, mabSeq int) (*models.ComponentGrade, error)
	MabMapped(ctx context.Context, mabID int64) (bool, error)
	Create(ctx context.Context, mapping *models.Mapping) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter models.MappingFilter) ([]models.MappingDetail, int, error)
	GetDetailByID(ctx context.Context, id int64) (*models.MappingDetail, error)
	GradesPushed(ctx context.Context, mappingID int64) (bool, error)
}

// ExtensionCleaner tears down accommodations ahead of mapping removal.
type ExtensionCleaner interface {
	RemoveAllForMapping(ctx context.Context, mapping models.MappingDetail) error
}

// MappingSyncer applies existing accommodations to a fresh mapping.
type MappingSyncer interface {
	ResyncMapping(ctx context.Context, mappingID int64) (int, error)
}

// MappingService manages course-module ↔ component-grade links.
type MappingService struct {
	store  MappingStore
	ext    ExtensionCleaner
	syncer MappingSyncer
	logger *zap.Logger
}

// NewMappingService constructs the service.
func NewMappingService(store MappingStore, ext ExtensionCleaner, syncer MappingSyncer, logger *zap.Logger) *MappingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MappingService{store: store, ext: ext, syncer: syncer, logger: logger}
}

// Create registers a mapping. A component grade maps to at most one
// activity; newly mapped extension-enabled activities immediately pick up
// the accommodations of registered students.
func (s *MappingService) Create(ctx context.Context, req dto.CreateMappingRequest) (*models.MappingDetail, error) {
	mab, err := s.store.GetMab(ctx, req.MapCode, req.MabSeq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("component grade %s-%d not found", req.MapCode, req.MabSeq))
		}
		return nil, err
	}

	mapped, err := s.store.MabMapped(ctx, mab.ID)
	if err != nil {
		return nil, err
	}
	if mapped {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("component grade %s-%d is already mapped", req.MapCode, req.MabSeq))
	}

	mapping := &models.Mapping{
		CourseID:        req.CourseID,
		SourceType:      models.SourceTypeModule,
		CMID:            req.CMID,
		ModuleName:      req.Module,
		MabID:           mab.ID,
		Reassessment:    req.Reassessment,
		EnableExtension: req.EnableExtension,
	}
	if err := s.store.Create(ctx, mapping); err != nil {
		return nil, err
	}

	if mapping.EnableExtension && s.syncer != nil {
		if applied, err := s.syncer.ResyncMapping(ctx, mapping.ID); err != nil {
			s.logger.Warn("initial accommodation sync failed",
				zap.Int64("mapping", mapping.ID), zap.Error(err))
		} else if applied > 0 {
			s.logger.Info("applied accommodations to new mapping",
				zap.Int64("mapping", mapping.ID), zap.Int("applied", applied))
		}
	}

	return s.store.GetDetailByID(ctx, mapping.ID)
}

// List returns mappings with pagination.
func (s *MappingService) List(ctx context.Context, filter models.MappingFilter) ([]models.MappingDetail, *models.Pagination, error) {
	mappings, total, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, nil, err
	}
	return mappings, models.NewPagination(filter.Page, filter.PageSize, total), nil
}

// Get returns one mapping.
func (s *MappingService) Get(ctx context.Context, id int64) (*models.MappingDetail, error) {
	detail, err := s.store.GetDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, err
	}
	return detail, nil
}

// Delete removes a mapping. Mappings with transferred grades are
// immutable; live accommodations are torn down first so no bridge-owned
// overrides or groups outlive the link.
func (s *MappingService) Delete(ctx context.Context, id int64) error {
	detail, err := s.store.GetDetailByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.ErrNotFound
		}
		return err
	}

	pushed, err := s.store.GradesPushed(ctx, id)
	if err != nil {
		return err
	}
	if pushed {
		return appErrors.ErrMappingInUse
	}

	if s.ext != nil {
		if err := s.ext.RemoveAllForMapping(ctx, *detail); err != nil {
			return fmt.Errorf("tear down accommodations: %w", err)
		}
	}

	return s.store.Delete(ctx, id)
}
