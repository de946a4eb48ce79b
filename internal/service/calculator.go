package service

import (
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sits-bridge-api/internal/models"
	"github.com/noah-isme/sits-bridge-api/pkg/config"
)

// WorkingDayProvider turns a day count into a concrete later date. The
// default implementation skips weekends; institutions with a closure
// calendar can plug in their own.
type WorkingDayProvider interface {
	AddWorkingDays(from time.Time, days int) time.Time
}

// WeekdayCalendar counts Monday to Friday as working days.
type WeekdayCalendar struct{}

// AddWorkingDays advances the date by the given number of weekdays,
// preserving the time of day.
func (WeekdayCalendar) AddWorkingDays(from time.Time, days int) time.Time {
	t := from
	for remaining := days; remaining > 0; {
		t = t.AddDate(0, 0, 1)
		if wd := t.Weekday(); wd != time.Saturday && wd != time.Sunday {
			remaining--
		}
	}
	return t
}

// CalculationResult is the outcome of applying one extension formula to one
// activity's base dates.
type CalculationResult struct {
	ExtensionSeconds int64
	NewEndDate       int64
}

// ExtensionCalculator turns a normalized extension request plus an
// activity's base dates into a concrete new deadline. SORA requests resolve
// a tier rule when the message carried only a tier; EC requests carry the
// new deadline directly.
type ExtensionCalculator struct {
	rules    []config.TierRule
	workdays WorkingDayProvider
	logger   *zap.Logger
}

// NewExtensionCalculator constructs the calculator. A nil provider falls
// back to plain calendar days.
func NewExtensionCalculator(rules []config.TierRule, workdays WorkingDayProvider, logger *zap.Logger) *ExtensionCalculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExtensionCalculator{rules: rules, workdays: workdays, logger: logger}
}

// ResolveRule fills the request's provision fields from the configured tier
// rules when the message carried only a tier. An exact assessment-type match
// wins over the "*" fallback. Requests that already carry explicit rates or
// flat amounts are left alone.
func (c *ExtensionCalculator) ResolveRule(req *models.ExtensionRequest) {
	if req.Type != models.ExtensionSORA || req.Tier == 0 {
		return
	}
	if req.ExamRateMinutes != 0 || req.RestRateMinutes != 0 || req.ExtraHours != 0 || req.ExtraDays != 0 {
		return
	}
	rule, ok := c.lookup(req.AstCode, req.Tier)
	if !ok {
		return
	}
	req.ExamRateMinutes = rule.ExamRateMinutes
	req.RestRateMinutes = rule.RestRateMinutes
	req.ExtraHours = rule.FlatHours
	req.ExtraDays = rule.FlatDays
}

func (c *ExtensionCalculator) lookup(astCode string, tier int) (config.TierRule, bool) {
	astCode = strings.ToUpper(astCode)
	var fallback *config.TierRule
	for i := range c.rules {
		rule := c.rules[i]
		if rule.Tier != tier {
			continue
		}
		if rule.AstCode == astCode {
			return rule, true
		}
		if rule.AstCode == "*" && fallback == nil {
			fallback = &c.rules[i]
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return config.TierRule{}, false
}

// Calculate computes the new end date for the activity. baseStart, baseEnd
// and timeLimit come from the activity (or its deadline-group override) as
// epoch seconds; nil means the field is unset. A zero or negative result is
// still a result: the caller applies it as-is.
func (c *ExtensionCalculator) Calculate(req models.ExtensionRequest, baseStart, baseEnd, timeLimit *int64) (CalculationResult, error) {
	if req.Type == models.ExtensionEC {
		if req.NewDeadline == nil {
			return CalculationResult{}, fmt.Errorf("deadline extension for %s/%s carries no new deadline", req.StudentCode, req.AstCode)
		}
		newEnd := req.NewDeadline.Unix()
		var ext int64
		if baseEnd != nil {
			ext = newEnd - *baseEnd
		}
		return CalculationResult{ExtensionSeconds: ext, NewEndDate: newEnd}, nil
	}

	if baseEnd == nil {
		return CalculationResult{}, fmt.Errorf("activity has no end date to extend for %s/%s", req.StudentCode, req.AstCode)
	}
	end := *baseEnd

	switch {
	case req.ExamRateMinutes != 0 || req.RestRateMinutes != 0:
		duration, err := assessmentDuration(baseStart, baseEnd, timeLimit)
		if err != nil {
			return CalculationResult{}, fmt.Errorf("rate extension for %s/%s: %w", req.StudentCode, req.AstCode, err)
		}
		hours := float64(duration) / 3600
		minutes := math.Round(hours * float64(req.ExamRateMinutes+req.RestRateMinutes))
		ext := int64(minutes) * 60
		return CalculationResult{ExtensionSeconds: ext, NewEndDate: end + ext}, nil

	case req.ExtraHours != 0:
		ext := int64(req.ExtraHours) * 3600
		return CalculationResult{ExtensionSeconds: ext, NewEndDate: end + ext}, nil

	case req.ExtraDays != 0:
		from := time.Unix(end, 0).UTC()
		var to time.Time
		if c.workdays != nil {
			to = c.workdays.AddWorkingDays(from, req.ExtraDays)
		} else {
			to = from.AddDate(0, 0, req.ExtraDays)
		}
		ext := to.Unix() - end
		return CalculationResult{ExtensionSeconds: ext, NewEndDate: to.Unix()}, nil
	}

	return CalculationResult{}, fmt.Errorf("no extension formula for %s/%s tier %d", req.StudentCode, req.AstCode, req.Tier)
}

// assessmentDuration is the assessed working time in seconds: the window
// between start and end, further capped by the time limit when one is set.
func assessmentDuration(baseStart, baseEnd, timeLimit *int64) (int64, error) {
	var window int64
	if baseStart != nil && baseEnd != nil && *baseEnd > *baseStart {
		window = *baseEnd - *baseStart
	}
	if timeLimit != nil && *timeLimit > 0 && (window == 0 || *timeLimit < window) {
		window = *timeLimit
	}
	if window <= 0 {
		return 0, fmt.Errorf("no start date or time limit to derive a duration from")
	}
	return window, nil
}
