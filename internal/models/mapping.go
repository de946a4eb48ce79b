package models

// Moodle activity modules the extension engine can drive.
const (
	ModuleAssign     = "assign"
	ModuleQuiz       = "quiz"
	ModuleLesson     = "lesson"
	ModuleCoursework = "coursework"
)

// SourceTypeModule marks mappings bound to a course module rather than a
// gradebook item or category.
const SourceTypeModule = "mod"

// SupportedModules lists the activity kinds with an override adapter.
var SupportedModules = []string{ModuleAssign, ModuleQuiz, ModuleLesson, ModuleCoursework}

// Mapping links one Moodle course module to exactly one SITS component grade.
type Mapping struct {
	ID              int64  `db:"id" json:"id"`
	CourseID        int64  `db:"courseid" json:"course_id"`
	SourceType      string `db:"sourcetype" json:"source_type"`
	CMID            int64  `db:"cmid" json:"cmid"`
	ModuleName      string `db:"moduletype" json:"module"`
	MabID           int64  `db:"mabid" json:"mab_id"`
	Reassessment    bool   `db:"reassess" json:"reassessment"`
	EnableExtension bool   `db:"enableextension" json:"enable_extension"`
	TimeCreated     int64  `db:"timecreated" json:"time_created"`
	TimeModified    int64  `db:"timemodified" json:"time_modified"`
}

// ComponentGrade is one SITS assessment component ("MAB"), identified by
// (mapcode, mabseq).
type ComponentGrade struct {
	ID      int64  `db:"id" json:"id"`
	MapCode string `db:"mapcode" json:"mapcode"`
	MabSeq  int    `db:"mabseq" json:"mabseq"`
	AstCode string `db:"astcode" json:"astcode"`
	MabName string `db:"mabname" json:"mab_name"`
}

// MappingDetail joins a mapping with its component grade.
type MappingDetail struct {
	Mapping
	MapCode string `db:"mapcode" json:"mapcode"`
	MabSeq  int    `db:"mabseq" json:"mabseq"`
	AstCode string `db:"astcode" json:"astcode"`
	MabName string `db:"mabname" json:"mab_name"`
}

// MappingFilter narrows mapping listings.
type MappingFilter struct {
	CourseID   int64
	ModuleName string
	AstCode    string
	Page       int
	PageSize   int
}
