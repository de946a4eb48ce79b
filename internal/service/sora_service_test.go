package service

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
)

type mockUserStore struct {
	users map[string]*models.User
}

func (m *mockUserStore) FindByStudentCode(ctx context.Context, code string) (*models.User, error) {
	if u, ok := m.users[code]; ok {
		return u, nil
	}
	return nil, sql.ErrNoRows
}

type mockMappingResolver struct {
	mappings map[string][]models.MappingDetail
}

func (m *mockMappingResolver) GetByUser(ctx context.Context, userID int64, astCode string, ineligible []string) ([]models.MappingDetail, error) {
	return m.mappings[astCode], nil
}

type mockEventGuard struct {
	latest map[string]time.Time
}

func (m *mockEventGuard) LatestEventTime(ctx context.Context, studentCode, astCode string) (*time.Time, error) {
	if ts, ok := m.latest[studentCode+"/"+astCode]; ok {
		return &ts, nil
	}
	return nil, nil
}

type mockProcessor struct {
	requests []models.ExtensionRequest
	err      error
}

func (m *mockProcessor) ProcessExtension(ctx context.Context, req models.ExtensionRequest, mappings []models.MappingDetail) error {
	m.requests = append(m.requests, req)
	return m.err
}

func soraEnvelope(timestamp, inner string) string {
	return fmt.Sprintf(`{"Message": %q, "Timestamp": %q}`, inner, timestamp)
}

func soraPayload(studentCode, recordType, provisions, changes string) string {
	return fmt.Sprintf(`{
		"entity": {"person_sora": {
			"person": {"student_code": %q},
			"type": {"code": %q},
			"required_provisions": [%s]
		}},
		"changes": [%s]
	}`, studentCode, recordType, provisions, changes)
}

func newSoraFixture() (*SoraService, *mockProcessor, *mockEventGuard) {
	proc := &mockProcessor{}
	guard := &mockEventGuard{latest: map[string]time.Time{}}
	svc := NewSoraService(
		&mockUserStore{users: map[string]*models.User{"12345678": {ID: 7, IDNumber: "12345678"}}},
		&mockMappingResolver{mappings: map[string][]models.MappingDetail{
			"ED03": {{AstCode: "ED03"}},
			"HD05": {{AstCode: "HD05"}},
		}},
		guard,
		proc,
		config.ExtensionConfig{Enabled: true, ExpectedRecordType: "RAA"},
		nil,
	)
	return svc, proc, guard
}

func TestSoraHandleAppliesProvision(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "provision_tier": 1, "add_exam_time": 15, "rest_brk_add_time": 5, "accessibility_assessment_status": "approved"}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)
	assert.Equal(t, "ED03", rows[0].AstCode)

	require.Len(t, proc.requests, 1)
	req := proc.requests[0]
	assert.Equal(t, models.ExtensionSORA, req.Type)
	assert.Equal(t, int64(7), req.UserID)
	assert.Equal(t, 15, req.ExamRateMinutes)
	assert.Equal(t, 5, req.RestRateMinutes)
	assert.False(t, req.Remove)
}

func TestSoraHandleIgnoresStaleEvent(t *testing.T) {
	svc, proc, guard := newSoraFixture()
	guard.latest["12345678/ED03"] = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "provision_tier": 1, "add_exam_time": 15}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeIgnored, rows[0].Status)
	assert.Contains(t, rows[0].Reason, "2025-05-01T10:00:00Z")
	assert.Contains(t, rows[0].Reason, "2025-05-02T00:00:00Z")
	assert.Empty(t, proc.requests)
}

func TestSoraHandleGuardIsPerAssessmentType(t *testing.T) {
	svc, proc, guard := newSoraFixture()
	guard.latest["12345678/ED03"] = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)

	// Stale for ED03, fresh for HD05: only HD05 applies.
	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15},
		 {"asmnt_type_code": "HD05", "no_hrs_ext": 14}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.QueueOutcomeIgnored, rows[0].Status)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[1].Status)
	require.Len(t, proc.requests, 1)
	assert.Equal(t, "HD05", proc.requests[0].AstCode)
	assert.Equal(t, 14, proc.requests[0].ExtraHours)
}

func TestSoraHandleWrongRecordType(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "GEN",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeIgnored, rows[0].Status)
	assert.Contains(t, rows[0].Reason, "GEN")
	assert.Empty(t, proc.requests)
}

func TestSoraHandleIrrelevantChanges(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15}`,
		`{"attribute": "home_address"}`))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeIgnored, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestSoraHandleStatusChangeAloneProcesses(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15, "accessibility_assessment_status": "rejected"}`,
		`{"attribute": "accessibility_assessment_status"}`))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)
	require.Len(t, proc.requests, 1)
	assert.True(t, proc.requests[0].Remove)
}

func TestSoraHandleStatusFlipProcessesOutOfOrder(t *testing.T) {
	svc, proc, guard := newSoraFixture()
	guard.latest["12345678/ED03"] = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)

	// A revocation delivered after a newer provision update is older than
	// the watermark, but an approval flip must land regardless of ordering.
	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15, "accessibility_assessment_status": "rejected"}`,
		`{"attribute": "accessibility_assessment_status"}`))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)
	require.Len(t, proc.requests, 1)
	assert.True(t, proc.requests[0].Remove)
}

func TestSoraHandleEmptyProvisionsMeansRemoval(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03"}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)
	require.Len(t, proc.requests, 1)
	assert.True(t, proc.requests[0].Remove)
}

func TestSoraHandleUnknownStudentStaysOnQueue(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	// Not yet provisioned in Moodle is retriable: fail the message so the
	// queue redelivers it instead of discarding the accommodation.
	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("99999999", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrStudentNotFound.Code, appErr.Code)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Contains(t, rows[0].Reason, "99999999")
	assert.Empty(t, proc.requests)
}

func TestSoraHandleMissingStudentCode(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrMalformedPayload.Code, appErr.Code)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestSoraHandleMalformedBody(t *testing.T) {
	svc, proc, _ := newSoraFixture()

	rows, err := svc.Handle(context.Background(), "not json")
	require.Error(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestSoraHandleProcessorFailure(t *testing.T) {
	svc, proc, _ := newSoraFixture()
	proc.err = fmt.Errorf("override insert failed")

	body := soraEnvelope("2025-05-01T10:00:00Z", soraPayload("12345678", "RAA",
		`{"asmnt_type_code": "ED03", "add_exam_time": 15}`, ""))

	rows, err := svc.Handle(context.Background(), body)
	require.Error(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Contains(t, rows[0].Reason, "override insert failed")
}
