package models

import "time"

// AuditAction constants represent ops-API actions to be logged.
const (
	AuditActionResync        = "RESYNC"
	AuditActionMappingCreate = "MAPPING_CREATE"
	AuditActionMappingDelete = "MAPPING_DELETE"
	AuditActionExport        = "EXPORT"
)

// AuditLog records an admin action against the bridge.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
