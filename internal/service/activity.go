package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sits-bridge-api/internal/models"
)

// ModuleAdapter drives one activity kind's native override rows through a
// uniform shape, so a single apply/remove algorithm serves assignments,
// quizzes, lessons and coursework. Implementations are thin wrappers over
// the per-module repositories.
type ModuleAdapter interface {
	Module() string
	// SupportsGroups is false for modules whose extensions are per-user
	// rows with no group concept.
	SupportsGroups() bool

	Instance(ctx context.Context, cmid int64) (*models.ActivityInstance, error)
	OverrideByID(ctx context.Context, id int64) (*models.ModuleOverride, error)
	OverrideByGroup(ctx context.Context, instanceID, groupID int64) (*models.ModuleOverride, error)
	OverrideByUser(ctx context.Context, instanceID, userID int64) (*models.ModuleOverride, error)
	OverridesForGroups(ctx context.Context, instanceID int64, groupIDs []int64) ([]models.ModuleOverride, error)
	InsertOverride(ctx context.Context, ov *models.ModuleOverride) (int64, error)
	UpdateOverride(ctx context.Context, ov *models.ModuleOverride) error
	DeleteOverride(ctx context.Context, id int64) error

	WithTx(tx *sqlx.Tx) ModuleAdapter
}

// AdapterRegistry resolves the adapter for a mapping's module name.
type AdapterRegistry struct {
	adapters map[string]ModuleAdapter
}

// NewAdapterRegistry builds a registry from the given adapters.
func NewAdapterRegistry(adapters ...ModuleAdapter) *AdapterRegistry {
	reg := &AdapterRegistry{adapters: make(map[string]ModuleAdapter, len(adapters))}
	for _, a := range adapters {
		reg.adapters[a.Module()] = a
	}
	return reg
}

// Get returns the adapter for a module name.
func (r *AdapterRegistry) Get(module string) (ModuleAdapter, error) {
	adapter, ok := r.adapters[module]
	if !ok {
		return nil, fmt.Errorf("no override adapter for module %q", module)
	}
	return adapter, nil
}

// BaseDates is the reference point an extension is computed from: the
// activity's own dates, each individually superseded by the student's
// deadline-group override when one exists.
type BaseDates struct {
	StartDate *int64
	EndDate   *int64
	CutoffDate *int64
	TimeLimit *int64
}

// resolveBaseDates applies deadline-group precedence. The student may sit in
// teacher-managed deadline groups; among their group overrides the latest
// end date wins, and each unset field falls back to the activity value.
func resolveBaseDates(ctx context.Context, adapter ModuleAdapter, groups GroupStore, inst *models.ActivityInstance, userID int64, dlgPrefix string) (BaseDates, error) {
	base := BaseDates{
		StartDate:  inst.StartDate,
		EndDate:    inst.EndDate,
		CutoffDate: inst.CutoffDate,
		TimeLimit:  inst.TimeLimit,
	}
	if !adapter.SupportsGroups() || dlgPrefix == "" {
		return base, nil
	}

	memberGroups, err := groups.UserGroupsWithPrefix(ctx, inst.CourseID, userID, dlgPrefix)
	if err != nil {
		return base, fmt.Errorf("resolve deadline groups: %w", err)
	}
	if len(memberGroups) == 0 {
		return base, nil
	}

	ids := make([]int64, len(memberGroups))
	for i, g := range memberGroups {
		ids[i] = g.ID
	}
	overrides, err := adapter.OverridesForGroups(ctx, inst.InstanceID, ids)
	if err != nil {
		return base, err
	}
	if len(overrides) == 0 {
		return base, nil
	}

	// Latest end date wins when the student sits in several deadline
	// groups; ties fall back to the module's own precedence order.
	sort.SliceStable(overrides, func(i, j int) bool {
		ei, ej := int64(0), int64(0)
		if overrides[i].EndDate != nil {
			ei = *overrides[i].EndDate
		}
		if overrides[j].EndDate != nil {
			ej = *overrides[j].EndDate
		}
		return ei > ej
	})
	winner := overrides[0]

	if winner.StartDate != nil && *winner.StartDate != 0 {
		base.StartDate = winner.StartDate
	}
	if winner.EndDate != nil && *winner.EndDate != 0 {
		base.EndDate = winner.EndDate
	}
	if winner.CutoffDate != nil && *winner.CutoffDate != 0 {
		base.CutoffDate = winner.CutoffDate
	}
	if winner.TimeLimit != nil && *winner.TimeLimit != 0 {
		base.TimeLimit = winner.TimeLimit
	}
	return base, nil
}

// accommodationGroupName derives the deterministic group name for one
// accommodation bucket. Students with the same computed extension against
// the same base deadline share a group, so recomputation finds the existing
// group instead of minting a new one.
func accommodationGroupName(prefix string, cmid, extensionSeconds, baseEnd int64) string {
	return fmt.Sprintf("%s-%d-%d-%d", prefix, cmid, extensionSeconds, baseEnd)
}
