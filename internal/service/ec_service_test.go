package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/sits"
)

type mockDeadlineSource struct {
	extensions map[string]*sits.DeadlineExtension
	calls      int
}

func (m *mockDeadlineSource) GetDeadlineExtension(ctx context.Context, identifier string) (*sits.DeadlineExtension, error) {
	m.calls++
	if ext, ok := m.extensions[identifier]; ok {
		return ext, nil
	}
	return nil, fmt.Errorf("case %s not found", identifier)
}

func ecPayload(studentCode, astCode, identifier, decision, newDeadline string) string {
	return fmt.Sprintf(`{
		"entity": {"extenuating_circumstances": {
			"person": {"student_code": %q},
			"identifier": %q,
			"asmnt_type_code": %q,
			"decision": %q,
			"new_deadline": %q
		}}
	}`, studentCode, identifier, astCode, decision, newDeadline)
}

func newECFixture(deadlines *mockDeadlineSource) (*ECService, *mockProcessor, *mockEventGuard) {
	proc := &mockProcessor{}
	guard := &mockEventGuard{latest: map[string]time.Time{}}
	var source DeadlineSource
	if deadlines != nil {
		source = deadlines
	}
	svc := NewECService(
		&mockUserStore{users: map[string]*models.User{"12345678": {ID: 7, IDNumber: "12345678"}}},
		&mockMappingResolver{mappings: map[string][]models.MappingDetail{"CW01": {{AstCode: "CW01"}}}},
		guard,
		proc,
		source,
		nil,
		config.ExtensionConfig{Enabled: true, ExpectedRecordType: "RAA"},
		nil,
	)
	return svc, proc, guard
}

func TestECHandleAppliesInlineDeadline(t *testing.T) {
	svc, proc, _ := newECFixture(nil)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("12345678", "CW01", "EC-1", "approved", "2025-05-20 14:00:00"))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)

	require.Len(t, proc.requests, 1)
	req := proc.requests[0]
	assert.Equal(t, models.ExtensionEC, req.Type)
	require.NotNil(t, req.NewDeadline)
	assert.Equal(t, time.Date(2025, 5, 20, 14, 0, 0, 0, time.UTC), *req.NewDeadline)
	assert.False(t, req.Remove)
}

func TestECHandleRejectedDecisionRemoves(t *testing.T) {
	svc, proc, _ := newECFixture(nil)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("12345678", "CW01", "EC-1", "rejected", ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)
	require.Len(t, proc.requests, 1)
	assert.True(t, proc.requests[0].Remove)
	assert.Nil(t, proc.requests[0].NewDeadline)
}

func TestECHandleFetchesMissingDeadline(t *testing.T) {
	deadlines := &mockDeadlineSource{extensions: map[string]*sits.DeadlineExtension{
		"EC-9": {Identifier: "EC-9", Decision: "approved", NewDeadline: "2025-06-02"},
	}}
	svc, proc, _ := newECFixture(deadlines)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("12345678", "CW01", "EC-9", "approved", ""))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	assert.Equal(t, models.QueueOutcomeProcessed, rows[0].Status)
	assert.Equal(t, 1, deadlines.calls)
	require.Len(t, proc.requests, 1)
	require.NotNil(t, proc.requests[0].NewDeadline)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), *proc.requests[0].NewDeadline)
}

func TestECHandleApprovedWithoutDeadlineOrSource(t *testing.T) {
	svc, proc, _ := newECFixture(nil)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("12345678", "CW01", "EC-1", "approved", ""))

	rows, err := svc.Handle(context.Background(), body)
	require.Error(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestECHandleUnknownStudentStaysOnQueue(t *testing.T) {
	svc, proc, _ := newECFixture(nil)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("99999999", "CW01", "EC-1", "approved", "2025-05-20"))

	rows, err := svc.Handle(context.Background(), body)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrStudentNotFound.Code, appErr.Code)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestECHandleMissingStudentCode(t *testing.T) {
	svc, proc, _ := newECFixture(nil)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("", "CW01", "EC-1", "approved", "2025-05-20"))

	rows, err := svc.Handle(context.Background(), body)
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrMalformedPayload.Code, appErr.Code)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestECHandleStaleEventIgnored(t *testing.T) {
	svc, proc, guard := newECFixture(nil)
	guard.latest["12345678/CW01"] = time.Date(2025, 5, 2, 0, 0, 0, 0, time.UTC)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("12345678", "CW01", "EC-1", "approved", "2025-05-20"))

	rows, err := svc.Handle(context.Background(), body)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueOutcomeIgnored, rows[0].Status)
	assert.Empty(t, proc.requests)
}

func TestECHandleUnparseableDeadline(t *testing.T) {
	svc, proc, _ := newECFixture(nil)

	body := soraEnvelope("2025-05-01T10:00:00Z",
		ecPayload("12345678", "CW01", "EC-1", "approved", "sometime next week"))

	rows, err := svc.Handle(context.Background(), body)
	require.Error(t, err)
	assert.Equal(t, models.QueueOutcomeFailed, rows[0].Status)
	assert.Empty(t, proc.requests)
}
