package models

import "time"

// DataSource records where an extension request originated.
type DataSource string

const (
	SourceQueue DataSource = "queue"
	SourceAPI   DataSource = "api"
)

// ExtensionRequest is the normalized in-memory representation of one
// accommodation event for one student and assessment type. It is built per
// message or API row and discarded once processed; only its effects persist.
type ExtensionRequest struct {
	Type        ExtensionType
	Source      DataSource
	UserID      int64
	StudentCode string
	AstCode     string
	EventTime   time.Time

	// SORA provision fields; at most one formula's worth is populated.
	Tier            int
	ExtraDays       int
	ExtraHours      int
	ExamRateMinutes int
	RestRateMinutes int

	// EC deadline; nil for SORA.
	NewDeadline *time.Time

	// Remove is set when every provision field was absent or the approval
	// status flipped to revoked: the accommodation must be taken away.
	Remove bool
}

// HasProvision reports whether any extension field carries a value. A zero
// or negative computed extension with a populated field still applies; only
// an entirely empty provision set means removal.
func (r ExtensionRequest) HasProvision() bool {
	if r.Type == ExtensionEC {
		return r.NewDeadline != nil
	}
	return r.ExtraDays != 0 || r.ExtraHours != 0 || r.ExamRateMinutes != 0 || r.RestRateMinutes != 0
}
