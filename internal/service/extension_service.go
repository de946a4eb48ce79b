package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
	appErrors "github.com/noah-isme/sits-bridge-api/pkg/errors"
	"github.com/noah-isme/sits-bridge-api/pkg/moodlews"
)

// groupIDNumber marks groups the bridge owns so manual cleanup can tell
// them apart from teacher-created ones.
const groupIDNumber = "sitsbridge"

// ExtensionService applies and revokes accommodations against Moodle's
// native override tables. All writes for one mapping happen inside a single
// transaction; web-service notifications fire only after commit.
type ExtensionService struct {
	db        *sqlx.DB
	registry  *AdapterRegistry
	groups    GroupStore
	overrides OverrideStore
	calc      *ExtensionCalculator
	notifier  moodlews.Notifier
	metrics   *MetricsService
	cfg       config.ExtensionConfig
	logger    *zap.Logger
}

// NewExtensionService constructs the service.
func NewExtensionService(db *sqlx.DB, registry *AdapterRegistry, groups GroupStore, overrides OverrideStore, calc *ExtensionCalculator, notifier moodlews.Notifier, metrics *MetricsService, cfg config.ExtensionConfig, logger *zap.Logger) *ExtensionService {
	if notifier == nil {
		notifier = moodlews.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtensionService{
		db:        db,
		registry:  registry,
		groups:    groups,
		overrides: overrides,
		calc:      calc,
		notifier:  notifier,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
	}
}

// notification is a deferred Moodle side effect, fired after commit.
type notification struct {
	module     string
	cmid       int64
	overrideID int64
	action     string
}

// ProcessExtension applies (or removes, when the request says so) one
// accommodation across every mapping the student's assessment type resolves
// to. A failure on one mapping does not stop the others; the errors are
// joined and returned.
func (s *ExtensionService) ProcessExtension(ctx context.Context, req models.ExtensionRequest, mappings []models.MappingDetail) error {
	if !s.cfg.Enabled {
		return appErrors.ErrExtensionsDisabled
	}
	s.calc.ResolveRule(&req)

	var errs []error
	for i := range mappings {
		mapping := mappings[i]
		var err error
		if req.Remove || !req.HasProvision() {
			err = s.removeFromMapping(ctx, req.Type, mapping, req.UserID)
		} else {
			err = s.applyToMapping(ctx, req, mapping)
		}
		if err != nil {
			s.logger.Error("extension processing failed",
				zap.String("student", req.StudentCode),
				zap.String("astcode", req.AstCode),
				zap.Int64("mapping", mapping.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("mapping %d: %w", mapping.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *ExtensionService) applyToMapping(ctx context.Context, req models.ExtensionRequest, mapping models.MappingDetail) error {
	adapter, err := s.registry.Get(mapping.ModuleName)
	if err != nil {
		return err
	}

	var pending []notification
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		adapterTx := adapter.WithTx(tx)
		groupsTx := s.groups.WithTx(tx)
		overridesTx := s.overrides.WithTx(tx)

		inst, err := adapterTx.Instance(ctx, mapping.CMID)
		if err != nil {
			return fmt.Errorf("load %s instance for cmid %d: %w", mapping.ModuleName, mapping.CMID, err)
		}
		base, err := resolveBaseDates(ctx, adapterTx, groupsTx, inst, req.UserID, s.cfg.DeadlineGroupPrefix)
		if err != nil {
			return err
		}
		result, err := s.calc.Calculate(req, base.StartDate, base.EndDate, base.TimeLimit)
		if err != nil {
			return err
		}

		rec, err := overridesTx.GetActive(ctx, mapping.ID, req.UserID, req.Type)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load override record: %w", err)
		}

		if adapter.SupportsGroups() && req.Type == models.ExtensionSORA {
			pending, err = s.applyGroupOverride(ctx, adapterTx, groupsTx, overridesTx, req, mapping, inst, base, result, rec)
			return err
		}
		pending, err = s.applyUserOverride(ctx, adapterTx, overridesTx, req, mapping, inst, base, result, rec)
		return err
	})
	if err != nil {
		return err
	}

	s.flushNotifications(ctx, pending)
	if len(pending) > 0 && s.metrics != nil {
		s.metrics.RecordExtensionOperation(req.Type, "applied")
	}
	return nil
}

// applyGroupOverride routes a timed-assessment accommodation through a
// shared accommodation group: every student with the same computed
// extension against the same base deadline lands in one group carrying one
// group override.
func (s *ExtensionService) applyGroupOverride(ctx context.Context, adapter ModuleAdapter, groups GroupStore, overrides OverrideStore, req models.ExtensionRequest, mapping models.MappingDetail, inst *models.ActivityInstance, base BaseDates, result CalculationResult, rec *models.OverrideRecord) ([]notification, error) {
	baseEnd := int64(0)
	if base.EndDate != nil {
		baseEnd = *base.EndDate
	}
	name := accommodationGroupName(s.cfg.AccommodationGroupPrefix, mapping.CMID, result.ExtensionSeconds, baseEnd)

	group, err := groups.FindByName(ctx, inst.CourseID, name)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("find group %q: %w", name, err)
		}
		group = &models.Group{CourseID: inst.CourseID, Name: name, IDNumber: groupIDNumber}
		if err := groups.Create(ctx, group); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrGroupCreation.Code, appErrors.ErrGroupCreation.Status, appErrors.ErrGroupCreation.Message)
		}
	}

	// Already in the right group with a live ledger row: nothing to do.
	if rec != nil && rec.ExtensionSeconds == result.ExtensionSeconds && rec.GroupID != nil && *rec.GroupID == group.ID {
		if member, err := groups.HasMember(ctx, group.ID, req.UserID); err == nil && member {
			return nil, nil
		}
	}

	var pending []notification

	overrideID, created, err := s.ensureGroupOverride(ctx, adapter, inst, group.ID, base, result)
	if err != nil {
		return nil, err
	}
	if created {
		pending = append(pending, notification{mapping.ModuleName, mapping.CMID, overrideID, moodlews.ActionCreated})
	}

	// One accommodation group per student and activity. Leaving an old
	// group may strand it; empty groups take their override with them.
	cleanup, err := s.moveMembership(ctx, adapter, groups, inst, group.ID, req.UserID, mapping)
	if err != nil {
		return nil, err
	}
	pending = append(pending, cleanup...)

	if err := groups.AddMember(ctx, group.ID, req.UserID); err != nil {
		return nil, err
	}

	if rec == nil {
		rec = &models.OverrideRecord{
			MappingID: mapping.ID,
			UserID:    req.UserID,
			Type:      req.Type,
			Module:    mapping.ModuleName,
			CMID:      mapping.CMID,
		}
		rec.GroupID = &group.ID
		rec.OverrideID = overrideID
		rec.ExtensionSeconds = result.ExtensionSeconds
		if err := overrides.Insert(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		rec.GroupID = &group.ID
		rec.OverrideID = overrideID
		rec.ExtensionSeconds = result.ExtensionSeconds
		rec.Restored = false
		if err := overrides.Update(ctx, rec); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// ensureGroupOverride creates the group's override row when absent and
// refreshes its dates when stale. Returns the override id and whether a row
// was created.
func (s *ExtensionService) ensureGroupOverride(ctx context.Context, adapter ModuleAdapter, inst *models.ActivityInstance, groupID int64, base BaseDates, result CalculationResult) (int64, bool, error) {
	newEnd := result.NewEndDate
	override := &models.ModuleOverride{
		InstanceID: inst.InstanceID,
		GroupID:    &groupID,
		StartDate:  base.StartDate,
		EndDate:    &newEnd,
		CutoffDate: realignCutoff(base.CutoffDate, newEnd),
		TimeLimit:  extendTimeLimit(base.TimeLimit, result.ExtensionSeconds),
	}

	existing, err := adapter.OverrideByGroup(ctx, inst.InstanceID, groupID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, false, err
		}
		id, err := adapter.InsertOverride(ctx, override)
		if err != nil {
			return 0, false, err
		}
		return id, true, nil
	}

	if sameOverrideDates(existing, override) {
		return existing.ID, false, nil
	}
	override.ID = existing.ID
	override.UserID = existing.UserID
	if err := adapter.UpdateOverride(ctx, override); err != nil {
		return 0, false, err
	}
	return existing.ID, false, nil
}

// moveMembership takes the student out of any other accommodation group for
// this activity's course, deleting groups (and their overrides) that end up
// empty.
func (s *ExtensionService) moveMembership(ctx context.Context, adapter ModuleAdapter, groups GroupStore, inst *models.ActivityInstance, keepGroupID, userID int64, mapping models.MappingDetail) ([]notification, error) {
	memberGroups, err := groups.UserGroupsWithPrefix(ctx, inst.CourseID, userID, s.cfg.AccommodationGroupPrefix)
	if err != nil {
		return nil, err
	}

	var pending []notification
	for _, g := range memberGroups {
		if g.ID == keepGroupID {
			continue
		}
		if err := groups.RemoveMember(ctx, g.ID, userID); err != nil {
			return nil, err
		}
		count, err := groups.MemberCount(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		if count > 0 {
			continue
		}
		if old, err := adapter.OverrideByGroup(ctx, inst.InstanceID, g.ID); err == nil {
			if err := adapter.DeleteOverride(ctx, old.ID); err != nil {
				return nil, err
			}
			pending = append(pending, notification{mapping.ModuleName, mapping.CMID, old.ID, moodlews.ActionDeleted})
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if err := groups.Delete(ctx, g.ID); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// applyUserOverride writes a per-user override. Deadline extensions and
// coursework always take this path. Any pre-existing override the student
// already had is snapshotted into the ledger once, so revocation can put it
// back field for field.
func (s *ExtensionService) applyUserOverride(ctx context.Context, adapter ModuleAdapter, overrides OverrideStore, req models.ExtensionRequest, mapping models.MappingDetail, inst *models.ActivityInstance, base BaseDates, result CalculationResult, rec *models.OverrideRecord) ([]notification, error) {
	newEnd := result.NewEndDate
	userID := req.UserID
	desired := &models.ModuleOverride{
		InstanceID: inst.InstanceID,
		UserID:     &userID,
		StartDate:  base.StartDate,
		EndDate:    &newEnd,
		CutoffDate: realignCutoff(base.CutoffDate, newEnd),
		TimeLimit:  extendTimeLimit(base.TimeLimit, result.ExtensionSeconds),
	}

	existing, err := adapter.OverrideByUser(ctx, inst.InstanceID, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	var pending []notification
	var overrideID int64
	var snapshot []byte

	if existing == nil {
		overrideID, err = adapter.InsertOverride(ctx, desired)
		if err != nil {
			return nil, err
		}
		pending = append(pending, notification{mapping.ModuleName, mapping.CMID, overrideID, moodlews.ActionCreated})
	} else {
		if rec != nil && rec.ExtensionSeconds == result.ExtensionSeconds && rec.OverrideID == existing.ID && sameOverrideDates(existing, desired) {
			return nil, nil
		}
		// Snapshot only an override the bridge did not write itself.
		if rec == nil || rec.OverrideID != existing.ID {
			snapshot, err = json.Marshal(existing)
			if err != nil {
				return nil, fmt.Errorf("snapshot original override: %w", err)
			}
		}
		desired.ID = existing.ID
		if err := adapter.UpdateOverride(ctx, desired); err != nil {
			return nil, err
		}
		overrideID = existing.ID
		pending = append(pending, notification{mapping.ModuleName, mapping.CMID, overrideID, moodlews.ActionUpdated})
	}

	if rec == nil {
		rec = &models.OverrideRecord{
			MappingID:        mapping.ID,
			UserID:           userID,
			Type:             req.Type,
			Module:           mapping.ModuleName,
			CMID:             mapping.CMID,
			OverrideID:       overrideID,
			ExtensionSeconds: result.ExtensionSeconds,
			OriginalOverride: snapshot,
		}
		if err := overrides.Insert(ctx, rec); err != nil {
			return nil, err
		}
	} else {
		rec.OverrideID = overrideID
		rec.ExtensionSeconds = result.ExtensionSeconds
		rec.Restored = false
		if len(snapshot) > 0 && len(rec.OriginalOverride) == 0 {
			rec.OriginalOverride = snapshot
		}
		if err := overrides.Update(ctx, rec); err != nil {
			return nil, err
		}
	}
	return pending, nil
}

// removeFromMapping takes an accommodation away. A student with no live
// ledger row for the mapping is a no-op: revocations routinely arrive for
// accommodations that were never applied here.
func (s *ExtensionService) removeFromMapping(ctx context.Context, extType models.ExtensionType, mapping models.MappingDetail, userID int64) error {
	adapter, err := s.registry.Get(mapping.ModuleName)
	if err != nil {
		return err
	}

	var pending []notification
	removed := false
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		adapterTx := adapter.WithTx(tx)
		groupsTx := s.groups.WithTx(tx)
		overridesTx := s.overrides.WithTx(tx)

		rec, err := overridesTx.GetActive(ctx, mapping.ID, userID, extType)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("load override record: %w", err)
		}

		if rec.GroupID != nil {
			pending, err = s.removeGroupMembership(ctx, adapterTx, groupsTx, mapping, rec, userID)
		} else {
			pending, err = s.restoreUserOverride(ctx, adapterTx, mapping, rec)
		}
		if err != nil {
			return err
		}
		removed = true
		return overridesTx.MarkRestored(ctx, rec.ID)
	})
	if err != nil {
		return err
	}

	s.flushNotifications(ctx, pending)
	if removed && s.metrics != nil {
		s.metrics.RecordExtensionOperation(extType, "removed")
	}
	return nil
}

func (s *ExtensionService) removeGroupMembership(ctx context.Context, adapter ModuleAdapter, groups GroupStore, mapping models.MappingDetail, rec *models.OverrideRecord, userID int64) ([]notification, error) {
	groupID := *rec.GroupID
	if err := groups.RemoveMember(ctx, groupID, userID); err != nil {
		return nil, err
	}
	count, err := groups.MemberCount(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, nil
	}

	var pending []notification
	if rec.OverrideID != 0 {
		if _, err := adapter.OverrideByID(ctx, rec.OverrideID); err == nil {
			if err := adapter.DeleteOverride(ctx, rec.OverrideID); err != nil {
				return nil, err
			}
			pending = append(pending, notification{mapping.ModuleName, mapping.CMID, rec.OverrideID, moodlews.ActionDeleted})
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	if err := groups.Delete(ctx, groupID); err != nil {
		return nil, err
	}
	return pending, nil
}

// restoreUserOverride reverts a per-user override: back to the snapshotted
// original when the student had one before the bridge touched it, deleted
// outright when the bridge created it.
func (s *ExtensionService) restoreUserOverride(ctx context.Context, adapter ModuleAdapter, mapping models.MappingDetail, rec *models.OverrideRecord) ([]notification, error) {
	if rec.OverrideID == 0 {
		return nil, nil
	}
	if _, err := adapter.OverrideByID(ctx, rec.OverrideID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Someone deleted the row in Moodle; nothing to revert.
			return nil, nil
		}
		return nil, err
	}

	if len(rec.OriginalOverride) > 0 {
		var original models.ModuleOverride
		if err := json.Unmarshal(rec.OriginalOverride, &original); err != nil {
			return nil, fmt.Errorf("decode original override snapshot: %w", err)
		}
		original.ID = rec.OverrideID
		if err := adapter.UpdateOverride(ctx, &original); err != nil {
			return nil, err
		}
		return []notification{{mapping.ModuleName, mapping.CMID, rec.OverrideID, moodlews.ActionUpdated}}, nil
	}

	if err := adapter.DeleteOverride(ctx, rec.OverrideID); err != nil {
		return nil, err
	}
	return []notification{{mapping.ModuleName, mapping.CMID, rec.OverrideID, moodlews.ActionDeleted}}, nil
}

// RemoveAllForMapping tears down every live accommodation on a mapping.
// Called before a mapping is deleted so no bridge-owned overrides or groups
// are left behind.
func (s *ExtensionService) RemoveAllForMapping(ctx context.Context, mapping models.MappingDetail) error {
	recs, err := s.overrides.ListActiveByMapping(ctx, mapping.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, rec := range recs {
		if err := s.removeFromMapping(ctx, rec.Type, mapping, rec.UserID); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", rec.UserID, err))
		}
	}
	return errors.Join(errs...)
}

// ListOverrides exposes the ledger for the admin API.
func (s *ExtensionService) ListOverrides(ctx context.Context, filter models.OverrideFilter) ([]models.OverrideRecord, int, error) {
	return s.overrides.List(ctx, filter)
}

func (s *ExtensionService) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *ExtensionService) flushNotifications(ctx context.Context, pending []notification) {
	refreshed := make(map[int64]bool)
	for _, n := range pending {
		if err := s.notifier.OverrideChanged(ctx, n.module, n.cmid, n.overrideID, n.action); err != nil {
			s.logger.Warn("override notification failed",
				zap.String("module", n.module),
				zap.Int64("cmid", n.cmid),
				zap.Error(err))
		}
		if !refreshed[n.cmid] {
			refreshed[n.cmid] = true
			if err := s.notifier.RefreshCalendar(ctx, n.module, n.cmid); err != nil {
				s.logger.Warn("calendar refresh failed",
					zap.String("module", n.module),
					zap.Int64("cmid", n.cmid),
					zap.Error(err))
			}
		}
	}
}

// realignCutoff keeps the late-submission cutoff at or after the new due
// date. A cutoff already later than the new due date stays where it is.
func realignCutoff(cutoff *int64, newEnd int64) *int64 {
	if cutoff == nil {
		return nil
	}
	if *cutoff < newEnd {
		v := newEnd
		return &v
	}
	v := *cutoff
	return &v
}

// extendTimeLimit adds the extension to a set time limit; absent limits stay
// absent.
func extendTimeLimit(limit *int64, extensionSeconds int64) *int64 {
	if limit == nil || *limit == 0 {
		return limit
	}
	v := *limit + extensionSeconds
	return &v
}

func sameOverrideDates(a, b *models.ModuleOverride) bool {
	return eqInt64Ptr(a.StartDate, b.StartDate) &&
		eqInt64Ptr(a.EndDate, b.EndDate) &&
		eqInt64Ptr(a.CutoffDate, b.CutoffDate) &&
		eqInt64Ptr(a.TimeLimit, b.TimeLimit)
}

func eqInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
