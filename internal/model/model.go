package model

import "time"

// DefaultTitle is used when a record block carries no SUMMARY.
const DefaultTitle = "Untitled Event"

// Record is one calendar item as produced by the feed parser. Records are
// immutable once returned; consumers only read them.
type Record struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`

	// Raw timestamp tokens: YYYYMMDD or YYYYMMDDTHHMMSS[Z].
	StartRaw     string `json:"start_raw,omitempty"`
	DueRaw       string `json:"due_raw,omitempty"`
	EndRaw       string `json:"end_raw,omitempty"`
	CompletedRaw string `json:"completed_raw,omitempty"`

	UID string `json:"uid,omitempty"`

	// Feed is the ID of the feed the record came from.
	Feed string `json:"feed,omitempty"`

	IsAssignment      bool   `json:"is_assignment"`
	ExtractedTimeHint string `json:"extracted_time_hint,omitempty"`

	// UsedFallbackDueDate is set when DueRaw was synthesized from the start
	// date (and optional title time hint) rather than an explicit DUE.
	UsedFallbackDueDate bool `json:"used_fallback_due_date"`

	// Start and Due are the converted timestamps; zero when unknown.
	Start      time.Time `json:"start"`
	Due        time.Time `json:"due"`
	DueDisplay string    `json:"due_display,omitempty"`

	Status          string   `json:"status,omitempty"`
	Priority        *int     `json:"priority,omitempty"`
	PercentComplete *int     `json:"percent_complete,omitempty"`
	RecurrenceRule  string   `json:"rrule,omitempty"`
	Organizer       string   `json:"organizer,omitempty"`
	Attendees       []string `json:"attendees,omitempty"`
}

// EffectiveRaw returns the due token if resolved, else the start token.
func (r Record) EffectiveRaw() string {
	if r.DueRaw != "" {
		return r.DueRaw
	}
	return r.StartRaw
}

// Identity is the stable key used for completion tracking and reminder ids:
// the UID when present, otherwise title plus the effective raw token.
func (r Record) Identity() string {
	if r.UID != "" {
		return r.UID
	}
	return r.Title + "|" + r.EffectiveRaw()
}

// Occurrence is one concrete due (or start) moment of a record, after
// recurrence expansion. Non-recurring records produce a single occurrence.
type Occurrence struct {
	Identity string `json:"identity"`
	Title    string `json:"title"`

	// InstanceKey identifies one occurrence of a recurring record; it is
	// derived from the occurrence time.
	InstanceKey string `json:"instance_key"`

	IsAssignment bool      `json:"is_assignment"`
	At           time.Time `json:"at"`
}
