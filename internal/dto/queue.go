package dto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Envelope is the outer SNS-style wrapper around every queue message. The
// inner Message field is itself a JSON-encoded event payload.
type Envelope struct {
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// Timestamp layouts observed on the accommodation queues.
var envelopeTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
}

// EventTime parses the envelope timestamp.
func (e Envelope) EventTime() (time.Time, error) {
	raw := strings.TrimSpace(e.Timestamp)
	if raw == "" {
		return time.Time{}, fmt.Errorf("envelope timestamp is empty")
	}
	for _, layout := range envelopeTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable envelope timestamp %q", raw)
}

// FlexInt tolerates SITS serializing numbers as strings, numbers, or null.
type FlexInt int

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexInt) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid numeric value %s", data)
	}
	*f = FlexInt(n)
	return nil
}

// Int returns the dereferenced value, 0 for nil.
func (f *FlexInt) Int() int {
	if f == nil {
		return 0
	}
	return int(*f)
}

// Change is one entry of the message's declared changed-attributes list.
type Change struct {
	Attribute string          `json:"attribute"`
	Previous  json.RawMessage `json:"previous,omitempty"`
	Current   json.RawMessage `json:"current,omitempty"`
}

// RequiredProvision is one per-assessment-type extension spec inside a SORA
// message. Only one of the duration fields is populated per tier.
type RequiredProvision struct {
	ProvisionTier    *FlexInt `json:"provision_tier"`
	NoDaysExt        *FlexInt `json:"no_dys_ext"`
	NoHoursExt       *FlexInt `json:"no_hrs_ext"`
	AddExamTime      *FlexInt `json:"add_exam_time"`
	RestBreakAddTime *FlexInt `json:"rest_brk_add_time"`
	AsmntTypeCode    string   `json:"asmnt_type_code"`
	Status           string   `json:"accessibility_assessment_status"`
}

// HasExtension reports whether any duration field is present at all; a
// provision whose fields are all null demands removal of the accommodation.
func (p RequiredProvision) HasExtension() bool {
	return p.NoDaysExt != nil || p.NoHoursExt != nil || p.AddExamTime != nil || p.RestBreakAddTime != nil
}

// SoraMessage is the inner payload of a SORA queue message.
type SoraMessage struct {
	Entity struct {
		PersonSora struct {
			Person struct {
				StudentCode string `json:"student_code"`
			} `json:"person"`
			Type struct {
				Code string `json:"code"`
			} `json:"type"`
			RequiredProvisions []RequiredProvision `json:"required_provisions"`
		} `json:"person_sora"`
	} `json:"entity"`
	Changes []Change `json:"changes"`
}

// ECMessage is the inner payload of an extenuating-circumstances message.
// NewDeadline may be absent, in which case the authoritative value is fetched
// from the student records API.
type ECMessage struct {
	Entity struct {
		ExtenuatingCircumstances struct {
			Person struct {
				StudentCode string `json:"student_code"`
			} `json:"person"`
			Identifier   string `json:"identifier"`
			AsmntTypeCode string `json:"asmnt_type_code"`
			Decision     string `json:"decision"`
			NewDeadline  string `json:"new_deadline"`
		} `json:"extenuating_circumstances"`
	} `json:"entity"`
	Changes []Change `json:"changes"`
}
