package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	"github.com/noah-isme/sits-bridge-api/pkg/jobs"
	"github.com/noah-isme/sits-bridge-api/pkg/sits"
)

// MappingDetailStore resolves a mapping with its component grade.
type MappingDetailStore interface {
	GetDetailByID(ctx context.Context, id int64) (*models.MappingDetail, error)
}

// GradeStore reads final marks from the gradebook.
type GradeStore interface {
	FinalGrades(ctx context.Context, cmid int64, module string) ([]models.FinalGrade, error)
}

// TransferStore persists transfer attempts.
type TransferStore interface {
	Insert(ctx context.Context, log *models.TransferLog) error
	LastSent(ctx context.Context, mappingID, userID int64) (*models.TransferLog, error)
}

// SITSGradeClient is the outbound surface of the student records API used by
// the push worker.
type SITSGradeClient interface {
	GetStudents(ctx context.Context, mapCode string, mabSeq int) ([]sits.Student, error)
	PushGrade(ctx context.Context, push sits.GradePush) error
}

// PushService transfers finalised marks to SITS in the background. Pushes
// are enqueued per mapping and fan out to one grade-transfer call per
// student; already-sent identical marks are skipped.
type PushService struct {
	queue     *jobs.Queue
	mappings  MappingDetailStore
	grades    GradeStore
	transfers TransferStore
	sits      SITSGradeClient
	cache     *CacheService
	cacheTTL  config.SITSConfig
	logger    *zap.Logger
}

type pushPayload struct {
	MappingID int64
}

// NewPushService constructs the service and its worker pool.
func NewPushService(mappings MappingDetailStore, grades GradeStore, transfers TransferStore, client SITSGradeClient, cache *CacheService, sitsCfg config.SITSConfig, pushCfg config.PushConfig, logger *zap.Logger) *PushService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PushService{
		mappings:  mappings,
		grades:    grades,
		transfers: transfers,
		sits:      client,
		cache:     cache,
		cacheTTL:  sitsCfg,
		logger:    logger,
	}
	s.queue = jobs.NewQueue("grade-push", s.handle, jobs.QueueConfig{
		Workers:    pushCfg.Workers,
		BufferSize: pushCfg.BufferSize,
		MaxRetries: pushCfg.MaxRetries,
		RetryDelay: pushCfg.RetryDelay,
		Logger:     logger,
	})
	return s
}

// Start launches the worker pool.
func (s *PushService) Start(ctx context.Context) {
	s.queue.Start(ctx)
}

// Stop drains and stops the worker pool.
func (s *PushService) Stop() {
	s.queue.Stop()
}

// EnqueuePush schedules a mark transfer run for one mapping.
func (s *PushService) EnqueuePush(mappingID int64) error {
	return s.queue.Enqueue(jobs.Job{
		ID:      uuid.NewString(),
		Type:    "push-mapping",
		Payload: pushPayload{MappingID: mappingID},
	})
}

func (s *PushService) handle(ctx context.Context, job jobs.Job) error {
	payload, ok := job.Payload.(pushPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	return s.pushMapping(ctx, payload.MappingID)
}

func (s *PushService) pushMapping(ctx context.Context, mappingID int64) error {
	mapping, err := s.mappings.GetDetailByID(ctx, mappingID)
	if err != nil {
		return fmt.Errorf("load mapping %d: %w", mappingID, err)
	}

	sprCodes, err := s.studentSprCodes(ctx, mapping.MapCode, mapping.MabSeq)
	if err != nil {
		return err
	}

	grades, err := s.grades.FinalGrades(ctx, mapping.CMID, mapping.ModuleName)
	if err != nil {
		return err
	}

	var failures int
	for _, grade := range grades {
		sprCode, ok := sprCodes[grade.StudentCode]
		if !ok {
			s.logger.Warn("student not registered on component grade",
				zap.String("student", grade.StudentCode),
				zap.String("mapcode", mapping.MapCode),
				zap.Int("mabseq", mapping.MabSeq))
			continue
		}

		last, err := s.transfers.LastSent(ctx, mapping.ID, grade.UserID)
		if err != nil {
			return err
		}
		if last != nil && last.Mark == grade.Mark {
			continue
		}

		log := &models.TransferLog{
			MappingID: mapping.ID,
			UserID:    grade.UserID,
			SprCode:   sprCode,
			Mark:      grade.Mark,
			Status:    models.TransferStatusSent,
		}
		if err := s.sits.PushGrade(ctx, sits.GradePush{
			MapCode: mapping.MapCode,
			MabSeq:  mapping.MabSeq,
			SprCode: sprCode,
			Mark:    grade.Mark,
		}); err != nil {
			failures++
			log.Status = models.TransferStatusFailed
			log.Error = err.Error()
			s.logger.Error("grade push failed",
				zap.String("spr_code", sprCode),
				zap.Int64("mapping", mapping.ID),
				zap.Error(err))
		}
		if err := s.transfers.Insert(ctx, log); err != nil {
			return err
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d of %d grade pushes failed for mapping %d", failures, len(grades), mappingID)
	}
	return nil
}

// studentSprCodes maps student codes to SPR codes for one component grade,
// cached in front of the records API.
func (s *PushService) studentSprCodes(ctx context.Context, mapCode string, mabSeq int) (map[string]string, error) {
	cacheKey := fmt.Sprintf("sits:students:%s-%d", mapCode, mabSeq)

	var students []sits.Student
	hit := false
	if s.cache != nil {
		if ok, err := s.cache.Get(ctx, cacheKey, &students); err == nil && ok {
			hit = true
		}
	}
	if !hit {
		var err error
		students, err = s.sits.GetStudents(ctx, mapCode, mabSeq)
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			_ = s.cache.Set(ctx, cacheKey, students, s.cacheTTL.StudentCacheTTL)
		}
	}

	codes := make(map[string]string, len(students))
	for _, student := range students {
		codes[student.Code] = student.SprCode
	}
	return codes, nil
}
