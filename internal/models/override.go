package models

import "time"

// ExtensionType distinguishes the two accommodation kinds.
type ExtensionType string

const (
	ExtensionEC   ExtensionType = "EC"
	ExtensionSORA ExtensionType = "SORA"
)

// ModuleOverride is the normalized shape of the four native override rows
// (assign_overrides, quiz_overrides, lesson_overrides, coursework extension
// rows). Dates are unix epoch seconds, TimeLimit is seconds of allowed
// working time; nil means the native column is unset.
type ModuleOverride struct {
	ID         int64  `db:"id"`
	InstanceID int64  `db:"instanceid"`
	UserID     *int64 `db:"userid"`
	GroupID    *int64 `db:"groupid"`
	StartDate  *int64 `db:"startdate"`
	EndDate    *int64 `db:"enddate"`
	CutoffDate *int64 `db:"cutoffdate"`
	TimeLimit  *int64 `db:"timelimit"`
}

// OverrideRecord is the audit ledger row written for every accommodation the
// bridge applies. OriginalOverride snapshots any pre-existing native override
// so revocation can restore it field for field. At most one non-restored
// record exists per (mapping, user, type).
type OverrideRecord struct {
	ID               string        `db:"id" json:"id"`
	MappingID        int64         `db:"mapping_id" json:"mapping_id"`
	UserID           int64         `db:"user_id" json:"user_id"`
	Type             ExtensionType `db:"ext_type" json:"type"`
	Module           string        `db:"module" json:"module"`
	CMID             int64         `db:"cmid" json:"cmid"`
	OverrideID       int64         `db:"override_id" json:"override_id"`
	GroupID          *int64        `db:"group_id" json:"group_id,omitempty"`
	ExtensionSeconds int64         `db:"extension_seconds" json:"extension_seconds"`
	OriginalOverride []byte        `db:"original_override" json:"original_override,omitempty"`
	Restored         bool          `db:"restored" json:"restored"`
	CreatedAt        time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time     `db:"updated_at" json:"updated_at"`
}

// OverrideFilter narrows ledger listings.
type OverrideFilter struct {
	MappingID int64
	UserID    int64
	Type      ExtensionType
	Restored  *bool
	Page      int
	PageSize  int
}

// Group is a Moodle course group. Accommodation groups are named
// deterministically and carry the bridge's marker in their idnumber.
type Group struct {
	ID           int64  `db:"id"`
	CourseID     int64  `db:"courseid"`
	Name         string `db:"name"`
	IDNumber     string `db:"idnumber"`
	TimeCreated  int64  `db:"timecreated"`
	TimeModified int64  `db:"timemodified"`
}
