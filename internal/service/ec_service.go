package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/dto"
	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/sits"
)

// DeadlineSource fetches the authoritative extenuating-circumstances outcome
// when a queue message omits it.
type DeadlineSource interface {
	GetDeadlineExtension(ctx context.Context, identifier string) (*sits.DeadlineExtension, error)
}

// Deadline layouts SITS emits on the EC queue and API.
var ecDeadlineLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ECService turns extenuating-circumstances queue messages into deadline
// extension requests.
type ECService struct {
	users    UserStore
	mappings MappingResolver
	guard    EventGuard
	ext      ExtensionProcessor
	deadlines DeadlineSource
	cache    *CacheService
	cfg      config.ExtensionConfig
	logger   *zap.Logger
}

// NewECService constructs the handler. deadlines may be nil when no student
// records API is configured; messages without an inline deadline are then
// treated as malformed.
func NewECService(users UserStore, mappings MappingResolver, guard EventGuard, ext ExtensionProcessor, deadlines DeadlineSource, cache *CacheService, cfg config.ExtensionConfig, logger *zap.Logger) *ECService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ECService{users: users, mappings: mappings, guard: guard, ext: ext, deadlines: deadlines, cache: cache, cfg: cfg, logger: logger}
}

// Handle processes one raw message body and returns the log rows to record.
func (s *ECService) Handle(ctx context.Context, body string) ([]models.ProcessingLog, error) {
	var envelope dto.Envelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return failedRow("", "", time.Time{}, "not a valid message envelope: "+err.Error(), body), err
	}
	eventTime, err := envelope.EventTime()
	if err != nil {
		return failedRow("", "", time.Time{}, err.Error(), body), err
	}

	var msg dto.ECMessage
	if err := json.Unmarshal([]byte(envelope.Message), &msg); err != nil {
		return failedRow("", "", eventTime, "malformed inner payload: "+err.Error(), body), err
	}

	ec := msg.Entity.ExtenuatingCircumstances
	studentCode := strings.TrimSpace(ec.Person.StudentCode)
	if studentCode == "" {
		err := appErrors.Clone(appErrors.ErrMalformedPayload, "message carries no student code")
		return failedRow("", "", eventTime, err.Message, body), err
	}
	astCode := strings.ToUpper(strings.TrimSpace(ec.AsmntTypeCode))
	if astCode == "" {
		return ignoredRow(studentCode, "", eventTime, "message carries no assessment type code", body), nil
	}

	latest, err := s.guard.LatestEventTime(ctx, studentCode, astCode)
	if err != nil {
		return failedRow(studentCode, astCode, eventTime, err.Error(), body), err
	}
	if latest != nil && !eventTime.After(*latest) {
		return ignoredRow(studentCode, astCode, eventTime,
			"event time "+eventTime.UTC().Format(time.RFC3339)+" is not after last processed "+latest.UTC().Format(time.RFC3339), body), nil
	}

	// Retriable: the student may simply not be provisioned in Moodle yet.
	user, err := s.users.FindByStudentCode(ctx, studentCode)
	if err != nil {
		nfErr := appErrors.Clone(appErrors.ErrStudentNotFound, "no active user matches student code "+studentCode)
		return failedRow(studentCode, astCode, eventTime, nfErr.Message, body), nfErr
	}

	mappings, err := s.mappings.GetByUser(ctx, user.ID, astCode, s.cfg.IneligibleAstCodes)
	if err != nil {
		return failedRow(studentCode, astCode, eventTime, err.Error(), body), err
	}
	if len(mappings) == 0 {
		return ignoredRow(studentCode, astCode, eventTime,
			"no extension-enabled mappings for assessment type "+astCode, body), nil
	}

	decision, deadlineRaw, err := s.resolveOutcome(ctx, ec.Decision, ec.NewDeadline, ec.Identifier)
	if err != nil {
		return failedRow(studentCode, astCode, eventTime, err.Error(), body), err
	}

	req := models.ExtensionRequest{
		Type:        models.ExtensionEC,
		Source:      models.SourceQueue,
		UserID:      user.ID,
		StudentCode: studentCode,
		AstCode:     astCode,
		EventTime:   eventTime,
	}

	if !strings.EqualFold(strings.TrimSpace(decision), "approved") {
		req.Remove = true
	} else {
		deadline, err := parseECDeadline(deadlineRaw)
		if err != nil {
			return failedRow(studentCode, astCode, eventTime, err.Error(), body), err
		}
		req.NewDeadline = &deadline
	}

	if err := s.ext.ProcessExtension(ctx, req, mappings); err != nil {
		return failedRow(studentCode, astCode, eventTime, err.Error(), body), err
	}
	return []models.ProcessingLog{*newRow(studentCode, astCode, eventTime, models.QueueOutcomeProcessed, "", body)}, nil
}

// resolveOutcome prefers the message's inline decision and deadline; when
// the deadline is missing for an approval, the case is re-read from the
// student records API (with a short cache in front of it).
func (s *ECService) resolveOutcome(ctx context.Context, decision, deadline, identifier string) (string, string, error) {
	decision = strings.TrimSpace(decision)
	deadline = strings.TrimSpace(deadline)
	if deadline != "" || !strings.EqualFold(decision, "approved") {
		return decision, deadline, nil
	}
	if s.deadlines == nil {
		return "", "", fmt.Errorf("approved case %s carries no new deadline and no records API is configured", identifier)
	}
	if identifier == "" {
		return "", "", fmt.Errorf("approved case carries no new deadline and no case identifier")
	}

	cacheKey := "sits:ec:" + identifier
	var cached sits.DeadlineExtension
	if s.cache != nil {
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return cached.Decision, cached.NewDeadline, nil
		}
	}

	extension, err := s.deadlines.GetDeadlineExtension(ctx, identifier)
	if err != nil {
		return "", "", err
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, cacheKey, extension, 0)
	}
	return extension.Decision, extension.NewDeadline, nil
}

func parseECDeadline(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("approved case carries no new deadline")
	}
	for _, layout := range ecDeadlineLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable new deadline %q", raw)
}
