package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/sits"
)

// ComponentMappingStore resolves mappings from both directions used by the
// resync paths.
type ComponentMappingStore interface {
	MappingResolver
	GetByMab(ctx context.Context, mapCode string, mabSeq int) ([]models.MappingDetail, error)
	GetDetailByID(ctx context.Context, id int64) (*models.MappingDetail, error)
}

// MoodleUserStore resolves users by code and id.
type MoodleUserStore interface {
	UserStore
	FindByID(ctx context.Context, id int64) (*models.User, error)
}

// StudentSource lists the students registered on a component grade together
// with their current accommodation rates.
type StudentSource interface {
	GetStudents(ctx context.Context, mapCode string, mabSeq int) ([]sits.Student, error)
}

// SyncService pulls authoritative accommodation data from the student
// records API and replays it through the extension engine. It backs the
// admin resync endpoint and the Moodle-side enrolment and mapping hooks, so
// students who joined after an event was consumed still get their
// accommodations.
type SyncService struct {
	users    MoodleUserStore
	mappings ComponentMappingStore
	students StudentSource
	ext      ExtensionProcessor
	cache    *CacheService
	sitsCfg  config.SITSConfig
	extCfg   config.ExtensionConfig
	logger   *zap.Logger
}

// NewSyncService constructs the service.
func NewSyncService(users MoodleUserStore, mappings ComponentMappingStore, students StudentSource, ext ExtensionProcessor, cache *CacheService, sitsCfg config.SITSConfig, extCfg config.ExtensionConfig, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{users: users, mappings: mappings, students: students, ext: ext, cache: cache, sitsCfg: sitsCfg, extCfg: extCfg, logger: logger}
}

// ResyncComponent reapplies accommodations for every student registered on
// one component grade, across all mappings bound to it.
func (s *SyncService) ResyncComponent(ctx context.Context, mapCode string, mabSeq int) (int, error) {
	mappings, err := s.mappings.GetByMab(ctx, mapCode, mabSeq)
	if err != nil {
		return 0, err
	}
	if len(mappings) == 0 {
		return 0, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("no extension-enabled mappings for %s-%d", mapCode, mabSeq))
	}

	students, err := s.componentStudents(ctx, mapCode, mabSeq)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, student := range students {
		user, err := s.users.FindByStudentCode(ctx, student.Code)
		if err != nil {
			s.logger.Debug("skipping student without moodle account", zap.String("student", student.Code))
			continue
		}
		for i := range mappings {
			req := s.buildRequest(user.ID, student, mappings[i].AstCode)
			if err := s.ext.ProcessExtension(ctx, req, mappings[i:i+1]); err != nil {
				s.logger.Error("resync failed",
					zap.String("student", student.Code),
					zap.Int64("mapping", mappings[i].ID),
					zap.Error(err))
				continue
			}
			applied++
		}
	}
	return applied, nil
}

// ResyncStudent reapplies accommodations on every eligible mapping for one
// student.
func (s *SyncService) ResyncStudent(ctx context.Context, studentCode string) (int, error) {
	user, err := s.users.FindByStudentCode(ctx, studentCode)
	if err != nil {
		return 0, appErrors.Clone(appErrors.ErrStudentNotFound, "no user matches student code "+studentCode)
	}
	mappings, err := s.mappings.GetByUser(ctx, user.ID, "", s.extCfg.IneligibleAstCodes)
	if err != nil {
		return 0, err
	}
	return s.applyForUser(ctx, user, studentCode, mappings)
}

// ResyncEnrolment is the enrolment-hook path: a student joined a course, so
// the course's mappings may owe them accommodations.
func (s *SyncService) ResyncEnrolment(ctx context.Context, userID, courseID int64) (int, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	if user.IDNumber == "" {
		return 0, nil
	}
	mappings, err := s.mappings.GetByUser(ctx, userID, "", s.extCfg.IneligibleAstCodes)
	if err != nil {
		return 0, err
	}
	var scoped []models.MappingDetail
	for _, m := range mappings {
		if m.CourseID == courseID {
			scoped = append(scoped, m)
		}
	}
	return s.applyForUser(ctx, user, user.IDNumber, scoped)
}

// ResyncMapping is the mapping-hook path: a newly mapped (or re-enabled)
// activity picks up the accommodations of everyone already registered.
func (s *SyncService) ResyncMapping(ctx context.Context, mappingID int64) (int, error) {
	mapping, err := s.mappings.GetDetailByID(ctx, mappingID)
	if err != nil {
		return 0, err
	}
	if !mapping.EnableExtension {
		return 0, nil
	}
	students, err := s.componentStudents(ctx, mapping.MapCode, mapping.MabSeq)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, student := range students {
		user, err := s.users.FindByStudentCode(ctx, student.Code)
		if err != nil {
			continue
		}
		req := s.buildRequest(user.ID, student, mapping.AstCode)
		if err := s.ext.ProcessExtension(ctx, req, []models.MappingDetail{*mapping}); err != nil {
			s.logger.Error("mapping resync failed",
				zap.String("student", student.Code),
				zap.Int64("mapping", mapping.ID),
				zap.Error(err))
			continue
		}
		applied++
	}
	return applied, nil
}

func (s *SyncService) applyForUser(ctx context.Context, user *models.User, studentCode string, mappings []models.MappingDetail) (int, error) {
	applied := 0
	for i := range mappings {
		mapping := mappings[i]
		students, err := s.componentStudents(ctx, mapping.MapCode, mapping.MabSeq)
		if err != nil {
			return applied, err
		}
		var match *sits.Student
		for j := range students {
			if students[j].Code == studentCode {
				match = &students[j]
				break
			}
		}
		if match == nil {
			continue
		}
		req := s.buildRequest(user.ID, *match, mapping.AstCode)
		if err := s.ext.ProcessExtension(ctx, req, mappings[i:i+1]); err != nil {
			s.logger.Error("student resync failed",
				zap.String("student", studentCode),
				zap.Int64("mapping", mapping.ID),
				zap.Error(err))
			continue
		}
		applied++
	}
	return applied, nil
}

// buildRequest converts an API student row into an extension request. Zero
// rates mean the student currently has no accommodation: any existing one is
// removed.
func (s *SyncService) buildRequest(userID int64, student sits.Student, astCode string) models.ExtensionRequest {
	req := models.ExtensionRequest{
		Type:            models.ExtensionSORA,
		Source:          models.SourceAPI,
		UserID:          userID,
		StudentCode:     student.Code,
		AstCode:         astCode,
		EventTime:       time.Now().UTC(),
		ExamRateMinutes: student.Assessment.SoraAssessmentDuration,
		RestRateMinutes: student.Assessment.SoraRestDuration,
	}
	if req.ExamRateMinutes == 0 && req.RestRateMinutes == 0 {
		req.Remove = true
	}
	return req
}

func (s *SyncService) componentStudents(ctx context.Context, mapCode string, mabSeq int) ([]sits.Student, error) {
	cacheKey := fmt.Sprintf("sits:students:%s-%d", mapCode, mabSeq)
	var students []sits.Student
	if s.cache != nil {
		if hit, err := s.cache.Get(ctx, cacheKey, &students); err == nil && hit {
			return students, nil
		}
	}
	students, err := s.students.GetStudents(ctx, mapCode, mabSeq)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, students, s.sitsCfg.StudentCacheTTL)
	}
	return students, nil
}
