package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/dto"
	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
)

// UserStore resolves Moodle users from SITS student codes.
type UserStore interface {
	FindByStudentCode(ctx context.Context, code string) (*models.User, error)
}

// MappingResolver finds the mappings an accommodation fans out to.
type MappingResolver interface {
	GetByUser(ctx context.Context, userID int64, astCode string, ineligible []string) ([]models.MappingDetail, error)
}

// EventGuard exposes the last successfully processed event timestamp per
// (student, assessment type).
type EventGuard interface {
	LatestEventTime(ctx context.Context, studentCode, astCode string) (*time.Time, error)
}

// ExtensionProcessor is the part of the extension engine the queue handlers
// drive.
type ExtensionProcessor interface {
	ProcessExtension(ctx context.Context, req models.ExtensionRequest, mappings []models.MappingDetail) error
}

// SORA message change attributes that warrant reprocessing.
var soraRelevantAttributes = map[string]bool{
	"no_dys_ext":         true,
	"no_hrs_ext":         true,
	"add_exam_time":      true,
	"rest_brk_add_time":  true,
	"provision_tier":     true,
	"required_provisions": true,
}

const soraStatusAttribute = "accessibility_assessment_status"

// SoraService turns reasonable-adjustment queue messages into extension
// requests, one per assessment type the message provisions.
type SoraService struct {
	users    UserStore
	mappings MappingResolver
	guard    EventGuard
	ext      ExtensionProcessor
	cfg      config.ExtensionConfig
	logger   *zap.Logger
}

// NewSoraService constructs the handler.
func NewSoraService(users UserStore, mappings MappingResolver, guard EventGuard, ext ExtensionProcessor, cfg config.ExtensionConfig, logger *zap.Logger) *SoraService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SoraService{users: users, mappings: mappings, guard: guard, ext: ext, cfg: cfg, logger: logger}
}

// Handle processes one raw message body. It returns one log row per
// assessment type the message touched (or a single row when the message
// never got that far); rows with a failed status are accompanied by the
// processing error so the consumer keeps the message on the queue.
func (s *SoraService) Handle(ctx context.Context, body string) ([]models.ProcessingLog, error) {
	var envelope dto.Envelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return failedRow("", "", time.Time{}, "not a valid message envelope: "+err.Error(), body), err
	}
	eventTime, err := envelope.EventTime()
	if err != nil {
		return failedRow("", "", time.Time{}, err.Error(), body), err
	}

	var msg dto.SoraMessage
	if err := json.Unmarshal([]byte(envelope.Message), &msg); err != nil {
		return failedRow("", "", eventTime, "malformed inner payload: "+err.Error(), body), err
	}

	sora := msg.Entity.PersonSora
	studentCode := strings.TrimSpace(sora.Person.StudentCode)
	if studentCode == "" {
		err := appErrors.Clone(appErrors.ErrMalformedPayload, "message carries no student code")
		return failedRow("", "", eventTime, err.Message, body), err
	}

	if !strings.EqualFold(sora.Type.Code, s.cfg.ExpectedRecordType) {
		return ignoredRow(studentCode, "", eventTime,
			"record type "+sora.Type.Code+" is not "+s.cfg.ExpectedRecordType, body), nil
	}

	// A message that declares changes but none to provisions or approval
	// status carries nothing actionable. Status changes alone still
	// process: an approval flip must add or remove the accommodation.
	if len(msg.Changes) > 0 && !soraChangesRelevant(msg.Changes) {
		return ignoredRow(studentCode, "", eventTime, "no provision or status changes declared", body), nil
	}

	// A student not yet provisioned in Moodle is retriable: leave the
	// message on the queue rather than discarding the accommodation.
	user, err := s.users.FindByStudentCode(ctx, studentCode)
	if err != nil {
		nfErr := appErrors.Clone(appErrors.ErrStudentNotFound, "no active user matches student code "+studentCode)
		return failedRow(studentCode, "", eventTime, nfErr.Message, body), nfErr
	}

	if len(sora.RequiredProvisions) == 0 {
		return ignoredRow(studentCode, "", eventTime, "message carries no required provisions", body), nil
	}

	// An approval flip bypasses the ordering guard: a revocation delivered
	// late must still tear the accommodation down, and a re-approval must
	// still restore it.
	statusChanged := soraStatusChanged(msg.Changes)

	var rows []models.ProcessingLog
	var firstErr error
	for _, provision := range sora.RequiredProvisions {
		astCode := strings.ToUpper(strings.TrimSpace(provision.AsmntTypeCode))
		if astCode == "" {
			rows = append(rows, *newRow(studentCode, "", eventTime, models.QueueOutcomeIgnored, "provision carries no assessment type code", body))
			continue
		}

		// Events are ordered independently per assessment type; an older
		// event for one type never blocks a newer event for another.
		if !statusChanged {
			latest, err := s.guard.LatestEventTime(ctx, studentCode, astCode)
			if err != nil {
				rows = append(rows, *newRow(studentCode, astCode, eventTime, models.QueueOutcomeFailed, err.Error(), body))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if latest != nil && !eventTime.After(*latest) {
				rows = append(rows, *newRow(studentCode, astCode, eventTime, models.QueueOutcomeIgnored,
					"event time "+eventTime.UTC().Format(time.RFC3339)+" is not after last processed "+latest.UTC().Format(time.RFC3339), body))
				continue
			}
		}

		mappings, err := s.mappings.GetByUser(ctx, user.ID, astCode, s.cfg.IneligibleAstCodes)
		if err != nil {
			rows = append(rows, *newRow(studentCode, astCode, eventTime, models.QueueOutcomeFailed, err.Error(), body))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(mappings) == 0 {
			rows = append(rows, *newRow(studentCode, astCode, eventTime, models.QueueOutcomeIgnored,
				"no extension-enabled mappings for assessment type "+astCode, body))
			continue
		}

		req := buildSoraRequest(user.ID, studentCode, astCode, eventTime, provision)
		if err := s.ext.ProcessExtension(ctx, req, mappings); err != nil {
			rows = append(rows, *newRow(studentCode, astCode, eventTime, models.QueueOutcomeFailed, err.Error(), body))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rows = append(rows, *newRow(studentCode, astCode, eventTime, models.QueueOutcomeProcessed, "", body))
	}
	return rows, firstErr
}

func buildSoraRequest(userID int64, studentCode, astCode string, eventTime time.Time, provision dto.RequiredProvision) models.ExtensionRequest {
	req := models.ExtensionRequest{
		Type:            models.ExtensionSORA,
		Source:          models.SourceQueue,
		UserID:          userID,
		StudentCode:     studentCode,
		AstCode:         astCode,
		EventTime:       eventTime,
		Tier:            provision.ProvisionTier.Int(),
		ExtraDays:       provision.NoDaysExt.Int(),
		ExtraHours:      provision.NoHoursExt.Int(),
		ExamRateMinutes: provision.AddExamTime.Int(),
		RestRateMinutes: provision.RestBreakAddTime.Int(),
	}
	if !provision.HasExtension() && provision.ProvisionTier == nil {
		req.Remove = true
	}
	if status := strings.TrimSpace(provision.Status); status != "" && !strings.EqualFold(status, "approved") {
		req.Remove = true
	}
	return req
}

func soraStatusChanged(changes []dto.Change) bool {
	for _, change := range changes {
		if strings.EqualFold(strings.TrimSpace(change.Attribute), soraStatusAttribute) {
			return true
		}
	}
	return false
}

func soraChangesRelevant(changes []dto.Change) bool {
	for _, change := range changes {
		attr := strings.ToLower(strings.TrimSpace(change.Attribute))
		if attr == soraStatusAttribute || soraRelevantAttributes[attr] {
			return true
		}
	}
	return false
}

func newRow(studentCode, astCode string, eventTime time.Time, status, reason, body string) *models.ProcessingLog {
	return &models.ProcessingLog{
		StudentCode: studentCode,
		AstCode:     astCode,
		EventTime:   eventTime.UTC(),
		Status:      status,
		Reason:      reason,
		Payload:     []byte(body),
	}
}

func ignoredRow(studentCode, astCode string, eventTime time.Time, reason, body string) []models.ProcessingLog {
	return []models.ProcessingLog{*newRow(studentCode, astCode, eventTime, models.QueueOutcomeIgnored, reason, body)}
}

func failedRow(studentCode, astCode string, eventTime time.Time, reason, body string) []models.ProcessingLog {
	return []models.ProcessingLog{*newRow(studentCode, astCode, eventTime, models.QueueOutcomeFailed, reason, body)}
}
