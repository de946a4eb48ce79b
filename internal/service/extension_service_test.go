package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
)

// fakeAdapter is an in-memory ModuleAdapter over a single activity instance.
type fakeAdapter struct {
	module        string
	groupsAllowed bool
	instance      *models.ActivityInstance
	overrides     map[int64]*models.ModuleOverride
	nextID        int64
	deleted       []int64
}

func newFakeAdapter(module string, groupsAllowed bool, inst *models.ActivityInstance) *fakeAdapter {
	return &fakeAdapter{
		module:        module,
		groupsAllowed: groupsAllowed,
		instance:      inst,
		overrides:     map[int64]*models.ModuleOverride{},
		nextID:        100,
	}
}

func (a *fakeAdapter) Module() string       { return a.module }
func (a *fakeAdapter) SupportsGroups() bool { return a.groupsAllowed }

func (a *fakeAdapter) Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error) {
	return a.instance, nil
}

func (a *fakeAdapter) OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error) {
	if ov, ok := a.overrides[id]; ok {
		clone := *ov
		return &clone, nil
	}
	return nil, sql.ErrNoRows
}

func (a *fakeAdapter) OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error) {
	for _, ov := range a.overrides {
		if ov.GroupID != nil && *ov.GroupID == groupID {
			clone := *ov
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (a *fakeAdapter) OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error) {
	for _, ov := range a.overrides {
		if ov.UserID != nil && *ov.UserID == userID {
			clone := *ov
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (a *fakeAdapter) OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error) {
	var result []models.ModuleOverride
	for _, id := range groupIDs {
		if ov, err := a.OverrideByGroup(ctx, instanceID, id); err == nil {
			result = append(result, *ov)
		}
	}
	return result, nil
}

func (a *fakeAdapter) InsertOverride(ctx context.Context, ov *models.ModuleOverride) (int64, error) {
	a.nextID++
	clone := *ov
	clone.ID = a.nextID
	a.overrides[clone.ID] = &clone
	return clone.ID, nil
}

func (a *fakeAdapter) UpdateOverride(ctx context.Context, ov *models.ModuleOverride) error {
	clone := *ov
	a.overrides[clone.ID] = &clone
	return nil
}

func (a *fakeAdapter) DeleteOverride(ctx context.Context, id int64) error {
	delete(a.overrides, id)
	a.deleted = append(a.deleted, id)
	return nil
}

func (a *fakeAdapter) WithTx(tx *sqlx.Tx) ModuleAdapter { return a }

// fakeGroupStore keeps groups and memberships in memory.
type fakeGroupStore struct {
	groups  map[int64]*models.Group
	members map[int64]map[int64]bool
	nextID  int64
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{
		groups:  map[int64]*models.Group{},
		members: map[int64]map[int64]bool{},
		nextID:  500,
	}
}

func (g *fakeGroupStore) FindByName(ctx context.Context, courseID int64, name string) (*models.Group, error) {
	for _, grp := range g.groups {
		if grp.CourseID == courseID && grp.Name == name {
			clone := *grp
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (g *fakeGroupStore) Create(ctx context.Context, group *models.Group) error {
	g.nextID++
	group.ID = g.nextID
	clone := *group
	g.groups[group.ID] = &clone
	g.members[group.ID] = map[int64]bool{}
	return nil
}

func (g *fakeGroupStore) Delete(ctx context.Context, groupID int64) error {
	delete(g.groups, groupID)
	delete(g.members, groupID)
	return nil
}

func (g *fakeGroupStore) HasMember(ctx context.Context, groupID, userID int64) (bool, error) {
	return g.members[groupID][userID], nil
}

func (g *fakeGroupStore) AddMember(ctx context.Context, groupID, userID int64) error {
	if g.members[groupID] == nil {
		g.members[groupID] = map[int64]bool{}
	}
	g.members[groupID][userID] = true
	return nil
}

func (g *fakeGroupStore) RemoveMember(ctx context.Context, groupID, userID int64) error {
	delete(g.members[groupID], userID)
	return nil
}

func (g *fakeGroupStore) UserGroupsWithPrefix(ctx context.Context, courseID, userID int64, namePrefix string) ([]models.Group, error) {
	var result []models.Group
	for id, grp := range g.groups {
		if grp.CourseID != courseID || !g.members[id][userID] {
			continue
		}
		if len(grp.Name) >= len(namePrefix) && grp.Name[:len(namePrefix)] == namePrefix {
			result = append(result, *grp)
		}
	}
	return result, nil
}

func (g *fakeGroupStore) GroupsWithPrefix(ctx context.Context, courseID int64, namePrefix string) ([]models.Group, error) {
	var result []models.Group
	for _, grp := range g.groups {
		if grp.CourseID != courseID {
			continue
		}
		if len(grp.Name) >= len(namePrefix) && grp.Name[:len(namePrefix)] == namePrefix {
			result = append(result, *grp)
		}
	}
	return result, nil
}

func (g *fakeGroupStore) MemberCount(ctx context.Context, groupID int64) (int, error) {
	return len(g.members[groupID]), nil
}

func (g *fakeGroupStore) WithTx(tx *sqlx.Tx) GroupStore { return g }

// fakeOverrideStore keeps ledger rows in memory.
type fakeOverrideStore struct {
	records map[string]*models.OverrideRecord
	nextID  int
}

func newFakeOverrideStore() *fakeOverrideStore {
	return &fakeOverrideStore{records: map[string]*models.OverrideRecord{}}
}

func (o *fakeOverrideStore) GetActive(ctx context.Context, mappingID, userID int64, extType models.ExtensionType) (*models.OverrideRecord, error) {
	for _, rec := range o.records {
		if rec.MappingID == mappingID && rec.UserID == userID && rec.Type == extType && !rec.Restored {
			clone := *rec
			return &clone, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (o *fakeOverrideStore) ListActiveByMapping(ctx context.Context, mappingID int64) ([]models.OverrideRecord, error) {
	var result []models.OverrideRecord
	for _, rec := range o.records {
		if rec.MappingID == mappingID && !rec.Restored {
			result = append(result, *rec)
		}
	}
	return result, nil
}

func (o *fakeOverrideStore) Insert(ctx context.Context, rec *models.OverrideRecord) error {
	o.nextID++
	rec.ID = string(rune('a' + o.nextID))
	clone := *rec
	o.records[rec.ID] = &clone
	return nil
}

func (o *fakeOverrideStore) Update(ctx context.Context, rec *models.OverrideRecord) error {
	clone := *rec
	o.records[rec.ID] = &clone
	return nil
}

func (o *fakeOverrideStore) MarkRestored(ctx context.Context, id string) error {
	if rec, ok := o.records[id]; ok {
		rec.Restored = true
	}
	return nil
}

func (o *fakeOverrideStore) List(ctx context.Context, filter models.OverrideFilter) ([]models.OverrideRecord, int, error) {
	var result []models.OverrideRecord
	for _, rec := range o.records {
		result = append(result, *rec)
	}
	return result, len(result), nil
}

func (o *fakeOverrideStore) WithTx(tx *sqlx.Tx) OverrideStore { return o }

type notifierCall struct {
	module string
	cmid   int64
	action string
}

type fakeNotifier struct {
	changes   []notifierCall
	refreshes []int64
}

func (n *fakeNotifier) OverrideChanged(ctx context.Context, module string, cmid, overrideID int64, action string) error {
	n.changes = append(n.changes, notifierCall{module: module, cmid: cmid, action: action})
	return nil
}

func (n *fakeNotifier) RefreshCalendar(ctx context.Context, module string, cmid int64) error {
	n.refreshes = append(n.refreshes, cmid)
	return nil
}

type extensionFixture struct {
	svc       *ExtensionService
	adapter   *fakeAdapter
	groups    *fakeGroupStore
	overrides *fakeOverrideStore
	notifier  *fakeNotifier
	mock      sqlmock.Sqlmock
	mapping   models.MappingDetail
}

func newExtensionFixture(t *testing.T, module string, groupsAllowed bool, inst *models.ActivityInstance) *extensionFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	adapter := newFakeAdapter(module, groupsAllowed, inst)
	groups := newFakeGroupStore()
	overrides := newFakeOverrideStore()
	notifier := &fakeNotifier{}

	cfg := config.ExtensionConfig{
		Enabled:                  true,
		DeadlineGroupPrefix:      "DLG",
		AccommodationGroupPrefix: "sits-ext",
	}
	svc := NewExtensionService(sqlx.NewDb(db, "sqlmock"), NewAdapterRegistry(adapter),
		groups, overrides, NewExtensionCalculator(nil, WeekdayCalendar{}, nil),
		notifier, nil, cfg, nil)

	mapping := models.MappingDetail{AstCode: "ED03"}
	mapping.ID = 1
	mapping.CMID = inst.CMID
	mapping.ModuleName = module

	return &extensionFixture{
		svc:       svc,
		adapter:   adapter,
		groups:    groups,
		overrides: overrides,
		notifier:  notifier,
		mock:      mock,
		mapping:   mapping,
	}
}

func (f *extensionFixture) expectTx(n int) {
	for i := 0; i < n; i++ {
		f.mock.ExpectBegin()
		f.mock.ExpectCommit()
	}
}

func quizInstance() *models.ActivityInstance {
	start := time.Date(2025, 5, 12, 10, 0, 0, 0, time.UTC).Unix()
	end := time.Date(2025, 5, 12, 13, 0, 0, 0, time.UTC).Unix()
	return &models.ActivityInstance{
		InstanceID: 40,
		CMID:       300,
		CourseID:   9,
		StartDate:  &start,
		EndDate:    &end,
	}
}

func assignInstance(cutoff *int64) *models.ActivityInstance {
	end := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC).Unix()
	return &models.ActivityInstance{
		InstanceID: 20,
		CMID:       200,
		CourseID:   9,
		EndDate:    &end,
		CutoffDate: cutoff,
	}
}

func soraRequest(userID int64) models.ExtensionRequest {
	return models.ExtensionRequest{
		Type:            models.ExtensionSORA,
		Source:          models.SourceQueue,
		UserID:          userID,
		StudentCode:     "12345678",
		AstCode:         "ED03",
		EventTime:       time.Now(),
		ExamRateMinutes: 15,
		RestRateMinutes: 5,
	}
}

func TestProcessExtensionDisabled(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.svc.cfg.Enabled = false

	err := f.svc.ProcessExtension(context.Background(), soraRequest(7), []models.MappingDetail{f.mapping})
	require.Error(t, err)
}

func TestSoraCreatesSharedGroupOverride(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(1)

	err := f.svc.ProcessExtension(context.Background(), soraRequest(7), []models.MappingDetail{f.mapping})
	require.NoError(t, err)

	// One bridge-owned group, with the student in it, carrying one override
	// at the extended deadline.
	require.Len(t, f.groups.groups, 1)
	var group *models.Group
	for _, g := range f.groups.groups {
		group = g
	}
	assert.Equal(t, "sitsbridge", group.IDNumber)
	assert.Equal(t, accommodationGroupName("sits-ext", 300, 3600, *quizInstance().EndDate), group.Name)
	assert.True(t, f.groups.members[group.ID][7])

	require.Len(t, f.adapter.overrides, 1)
	for _, ov := range f.adapter.overrides {
		require.NotNil(t, ov.GroupID)
		assert.Equal(t, group.ID, *ov.GroupID)
		assert.Equal(t, *quizInstance().EndDate+3600, *ov.EndDate)
	}

	rec, err := f.overrides.GetActive(context.Background(), 1, 7, models.ExtensionSORA)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), rec.ExtensionSeconds)
	assert.NotNil(t, rec.GroupID)

	require.Len(t, f.notifier.changes, 1)
	assert.Equal(t, "created", f.notifier.changes[0].action)
	assert.Equal(t, []int64{300}, f.notifier.refreshes)
}

func TestSoraSecondStudentJoinsExistingGroup(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(2)

	ctx := context.Background()
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(8), []models.MappingDetail{f.mapping}))

	assert.Len(t, f.groups.groups, 1)
	assert.Len(t, f.adapter.overrides, 1)
	for id := range f.groups.members {
		assert.True(t, f.groups.members[id][7])
		assert.True(t, f.groups.members[id][8])
	}
}

func TestSoraReapplyIsNoOp(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(2)

	ctx := context.Background()
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))
	firstNotifications := len(f.notifier.changes)
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))

	assert.Len(t, f.groups.groups, 1)
	assert.Len(t, f.adapter.overrides, 1)
	assert.Len(t, f.notifier.changes, firstNotifications)
}

func TestSoraChangedProvisionMovesGroup(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(2)

	ctx := context.Background()
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))

	// The provision doubles; the student moves to a new bucket and the
	// emptied group is deleted along with its override.
	bigger := soraRequest(7)
	bigger.ExamRateMinutes = 30
	bigger.RestRateMinutes = 10
	require.NoError(t, f.svc.ProcessExtension(ctx, bigger, []models.MappingDetail{f.mapping}))

	require.Len(t, f.groups.groups, 1)
	for _, g := range f.groups.groups {
		assert.Equal(t, accommodationGroupName("sits-ext", 300, 7200, *quizInstance().EndDate), g.Name)
	}
	assert.Len(t, f.adapter.overrides, 1)
	assert.Len(t, f.adapter.deleted, 1)

	rec, err := f.overrides.GetActive(ctx, 1, 7, models.ExtensionSORA)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), rec.ExtensionSeconds)
}

func TestSoraRemovalDeletesEmptyGroup(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(2)

	ctx := context.Background()
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))

	removal := soraRequest(7)
	removal.ExamRateMinutes = 0
	removal.RestRateMinutes = 0
	removal.Remove = true
	require.NoError(t, f.svc.ProcessExtension(ctx, removal, []models.MappingDetail{f.mapping}))

	assert.Empty(t, f.groups.groups)
	assert.Empty(t, f.adapter.overrides)

	_, err := f.overrides.GetActive(ctx, 1, 7, models.ExtensionSORA)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestRemovalWithoutLedgerRowIsBenign(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(1)

	removal := soraRequest(7)
	removal.Remove = true
	require.NoError(t, f.svc.ProcessExtension(context.Background(), removal, []models.MappingDetail{f.mapping}))
	assert.Empty(t, f.notifier.changes)
}

func TestECWritesUserOverrideAndRealignsCutoff(t *testing.T) {
	cutoff := time.Date(2025, 3, 12, 12, 0, 0, 0, time.UTC).Unix()
	f := newExtensionFixture(t, "assign", true, assignInstance(&cutoff))
	f.expectTx(1)

	deadline := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	req := models.ExtensionRequest{
		Type:        models.ExtensionEC,
		UserID:      7,
		StudentCode: "12345678",
		AstCode:     "ED03",
		NewDeadline: &deadline,
	}

	require.NoError(t, f.svc.ProcessExtension(context.Background(), req, []models.MappingDetail{f.mapping}))

	require.Len(t, f.adapter.overrides, 1)
	for _, ov := range f.adapter.overrides {
		require.NotNil(t, ov.UserID)
		assert.Equal(t, int64(7), *ov.UserID)
		assert.Equal(t, deadline.Unix(), *ov.EndDate)
		// The old cutoff sat before the new deadline so it moves up with it.
		require.NotNil(t, ov.CutoffDate)
		assert.Equal(t, deadline.Unix(), *ov.CutoffDate)
	}
}

func TestECLeavesLaterCutoffAlone(t *testing.T) {
	cutoff := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC).Unix()
	f := newExtensionFixture(t, "assign", true, assignInstance(&cutoff))
	f.expectTx(1)

	deadline := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	req := models.ExtensionRequest{
		Type:        models.ExtensionEC,
		UserID:      7,
		NewDeadline: &deadline,
	}

	require.NoError(t, f.svc.ProcessExtension(context.Background(), req, []models.MappingDetail{f.mapping}))

	for _, ov := range f.adapter.overrides {
		require.NotNil(t, ov.CutoffDate)
		assert.Equal(t, cutoff, *ov.CutoffDate)
	}
}

func TestECSnapshotsAndRestoresPreexistingOverride(t *testing.T) {
	f := newExtensionFixture(t, "assign", true, assignInstance(nil))
	f.expectTx(2)
	ctx := context.Background()

	// A teacher-granted override already exists for the student.
	userID := int64(7)
	teacherEnd := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC).Unix()
	originalID, err := f.adapter.InsertOverride(ctx, &models.ModuleOverride{
		InstanceID: 20,
		UserID:     &userID,
		EndDate:    &teacherEnd,
	})
	require.NoError(t, err)

	deadline := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	req := models.ExtensionRequest{
		Type:        models.ExtensionEC,
		UserID:      7,
		NewDeadline: &deadline,
	}
	require.NoError(t, f.svc.ProcessExtension(ctx, req, []models.MappingDetail{f.mapping}))

	rec, err := f.overrides.GetActive(ctx, 1, 7, models.ExtensionEC)
	require.NoError(t, err)
	require.NotEmpty(t, rec.OriginalOverride)
	var snapshot models.ModuleOverride
	require.NoError(t, json.Unmarshal(rec.OriginalOverride, &snapshot))
	assert.Equal(t, teacherEnd, *snapshot.EndDate)

	// Revocation puts the teacher's override back field for field.
	removal := models.ExtensionRequest{Type: models.ExtensionEC, UserID: 7, Remove: true}
	require.NoError(t, f.svc.ProcessExtension(ctx, removal, []models.MappingDetail{f.mapping}))

	restored, err := f.adapter.OverrideByID(ctx, originalID)
	require.NoError(t, err)
	assert.Equal(t, teacherEnd, *restored.EndDate)
}

func TestECRemovalDeletesBridgeCreatedOverride(t *testing.T) {
	f := newExtensionFixture(t, "assign", true, assignInstance(nil))
	f.expectTx(2)
	ctx := context.Background()

	deadline := time.Date(2025, 3, 17, 12, 0, 0, 0, time.UTC)
	req := models.ExtensionRequest{Type: models.ExtensionEC, UserID: 7, NewDeadline: &deadline}
	require.NoError(t, f.svc.ProcessExtension(ctx, req, []models.MappingDetail{f.mapping}))
	require.Len(t, f.adapter.overrides, 1)

	removal := models.ExtensionRequest{Type: models.ExtensionEC, UserID: 7, Remove: true}
	require.NoError(t, f.svc.ProcessExtension(ctx, removal, []models.MappingDetail{f.mapping}))

	assert.Empty(t, f.adapter.overrides)
}

func TestRemoveAllForMapping(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(4)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))
	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(8), []models.MappingDetail{f.mapping}))

	require.NoError(t, f.svc.RemoveAllForMapping(ctx, f.mapping))

	assert.Empty(t, f.groups.groups)
	assert.Empty(t, f.adapter.overrides)
	recs, err := f.overrides.ListActiveByMapping(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestDeadlineGroupOverrideWins(t *testing.T) {
	f := newExtensionFixture(t, "quiz", true, quizInstance())
	f.expectTx(1)
	ctx := context.Background()

	// The student sits in a teacher-managed deadline group whose override
	// pushes the close time out; the extension stacks on top of it.
	dlg := &models.Group{CourseID: 9, Name: "DLG-late-sitters"}
	require.NoError(t, f.groups.Create(ctx, dlg))
	require.NoError(t, f.groups.AddMember(ctx, dlg.ID, 7))

	dlgEnd := time.Date(2025, 5, 12, 15, 0, 0, 0, time.UTC).Unix()
	_, err := f.adapter.InsertOverride(ctx, &models.ModuleOverride{
		InstanceID: 40,
		GroupID:    &dlg.ID,
		EndDate:    &dlgEnd,
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.ProcessExtension(ctx, soraRequest(7), []models.MappingDetail{f.mapping}))

	// Base window is 10:00 to 15:00: five hours at 20 min/hour is 100 min.
	rec, err := f.overrides.GetActive(ctx, 1, 7, models.ExtensionSORA)
	require.NoError(t, err)
	assert.Equal(t, int64(100*60), rec.ExtensionSeconds)

	ov, err := f.adapter.OverrideByID(ctx, rec.OverrideID)
	require.NoError(t, err)
	assert.Equal(t, dlgEnd+100*60, *ov.EndDate)
}
