package dto

// ResyncRequest triggers accommodation reprocessing for a component grade or
// a single student. Exactly one of MapCode(+MabSeq) or StudentCode is
// required.
type ResyncRequest struct {
	MapCode     string `json:"mapcode"`
	MabSeq      int    `json:"mabseq"`
	StudentCode string `json:"student_code"`
}

// EnrolmentHookRequest is posted by the Moodle-side hook when a student is
// newly enrolled on a course.
type EnrolmentHookRequest struct {
	UserID   int64 `json:"user_id" binding:"required"`
	CourseID int64 `json:"course_id" binding:"required"`
}

// MappingHookRequest is posted when a teacher maps an activity.
type MappingHookRequest struct {
	MappingID int64 `json:"mapping_id" binding:"required"`
}

// CreateMappingRequest registers a course-module ↔ component-grade link.
type CreateMappingRequest struct {
	CourseID        int64  `json:"course_id" binding:"required"`
	CMID            int64  `json:"cmid" binding:"required"`
	Module          string `json:"module" binding:"required,oneof=assign quiz lesson coursework"`
	MapCode         string `json:"mapcode" binding:"required"`
	MabSeq          int    `json:"mabseq" binding:"required"`
	Reassessment    bool   `json:"reassessment"`
	EnableExtension bool   `json:"enable_extension"`
}

// MappingQuery filters mapping listings.
type MappingQuery struct {
	CourseID int64  `form:"course_id"`
	Module   string `form:"module"`
	AstCode  string `form:"astcode"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// OverrideQuery filters ledger listings.
type OverrideQuery struct {
	MappingID int64  `form:"mapping_id"`
	UserID    int64  `form:"user_id"`
	Type      string `form:"type"`
	Active    *bool  `form:"active"`
	Page      int    `form:"page"`
	PageSize  int    `form:"page_size"`
}

// QueueLogQuery filters processing-log listings.
type QueueLogQuery struct {
	Queue       string `form:"queue"`
	StudentCode string `form:"student_code"`
	AstCode     string `form:"astcode"`
	Status      string `form:"status"`
	Page        int    `form:"page"`
	PageSize    int    `form:"page_size"`
}

// ExportQuery selects the export rendering.
type ExportQuery struct {
	Format string `form:"format" binding:"omitempty,oneof=csv pdf"`
}

// PushRequest marks a mapping's grades for transfer.
type PushRequest struct {
	MappingID int64 `json:"mapping_id" binding:"required"`
}
