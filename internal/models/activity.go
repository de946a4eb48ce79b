package models

// ActivityInstance is the normalized default-dates view of one mapped
// activity, resolved from its course module. Dates are epoch seconds,
// TimeLimit is seconds; nil means the module leaves the value unset.
type ActivityInstance struct {
	InstanceID int64  `db:"instanceid"`
	CMID       int64  `db:"cmid"`
	CourseID   int64  `db:"courseid"`
	Name       string `db:"name"`
	StartDate  *int64 `db:"startdate"`
	EndDate    *int64 `db:"enddate"`
	CutoffDate *int64 `db:"cutoffdate"`
	TimeLimit  *int64 `db:"timelimit"`
}
