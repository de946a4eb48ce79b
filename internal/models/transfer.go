package models

import "time"

// Transfer outcomes.
const (
	TransferStatusSent   = "sent"
	TransferStatusFailed = "failed"
)

// TransferLog records one attempted mark transfer to SITS. Its presence for
// a mapping blocks mapping deletion.
type TransferLog struct {
	ID        string    `db:"id" json:"id"`
	MappingID int64     `db:"mapping_id" json:"mapping_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	SprCode   string    `db:"spr_code" json:"spr_code"`
	Mark      float64   `db:"mark" json:"mark"`
	Grade     string    `db:"grade" json:"grade,omitempty"`
	Status    string    `db:"status" json:"status"`
	Error     string    `db:"error" json:"error,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// FinalGrade is one student's final mark for a mapped activity, joined with
// the student code needed to address SITS.
type FinalGrade struct {
	UserID      int64   `db:"userid"`
	StudentCode string  `db:"idnumber"`
	Mark        float64 `db:"finalgrade"`
}
