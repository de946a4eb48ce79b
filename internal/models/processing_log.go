package models

import "time"

// Outcomes recorded per queue message attempt.
const (
	QueueOutcomeProcessed = "processed"
	QueueOutcomeFailed    = "failed"
	QueueOutcomeIgnored   = "ignored"
)

// ProcessingLog is one append-only row per queue message attempt. MessageID
// drives deduplication; EventTime feeds the out-of-order guard.
type ProcessingLog struct {
	ID          string    `db:"id" json:"id"`
	MessageID   string    `db:"message_id" json:"message_id"`
	QueueName   string    `db:"queue_name" json:"queue_name"`
	StudentCode string    `db:"student_code" json:"student_code"`
	AstCode     string    `db:"astcode" json:"astcode"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	Status      string    `db:"status" json:"status"`
	Reason      string    `db:"reason" json:"reason,omitempty"`
	Payload     []byte    `db:"payload" json:"payload,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ProcessingLogFilter narrows queue log listings.
type ProcessingLogFilter struct {
	QueueName   string
	StudentCode string
	AstCode     string
	Status      string
	Page        int
	PageSize    int
}
