package ics

import (
	"fmt"
	"time"

	"duecal/internal/model"
)

// dueResolution is one strategy's answer for a record's due moment.
type dueResolution struct {
	raw      string
	at       time.Time
	display  string
	fallback bool
}

// dueStrategy returns a resolution, or false when it has no opinion.
type dueStrategy struct {
	name    string
	resolve func(r *model.Record, loc *time.Location) (dueResolution, bool)
}

// dueStrategies are tried in order; the first one with an opinion wins.
var dueStrategies = []dueStrategy{
	{name: "explicit", resolve: explicitDue},
	{name: "start+time_hint", resolve: startWithTimeHint},
	{name: "start", resolve: startDate},
}

// resolveDue fills DueRaw, Due, DueDisplay and UsedFallbackDueDate on r and
// returns the name of the strategy that decided, or "" when none did.
func resolveDue(r *model.Record, loc *time.Location) string {
	for _, s := range dueStrategies {
		res, ok := s.resolve(r, loc)
		if !ok {
			continue
		}
		r.DueRaw = res.raw
		r.Due = res.at
		r.DueDisplay = res.display
		r.UsedFallbackDueDate = res.fallback
		return s.name
	}
	return ""
}

func explicitDue(r *model.Record, loc *time.Location) (dueResolution, bool) {
	if r.DueRaw == "" {
		return dueResolution{}, false
	}
	at := ParseTimestamp(r.DueRaw, loc)
	return dueResolution{
		raw:     r.DueRaw,
		at:      at,
		display: FormatDisplay(at, IsDateOnly(r.DueRaw), loc),
	}, true
}

// startWithTimeHint combines the calendar date of the start token with the
// clock time found in an assignment's title.
func startWithTimeHint(r *model.Record, loc *time.Location) (dueResolution, bool) {
	if !r.IsAssignment || r.StartRaw == "" || r.ExtractedTimeHint == "" {
		return dueResolution{}, false
	}
	hour, minute, ok := ParseTimeHint(r.ExtractedTimeHint)
	if !ok {
		return dueResolution{}, false
	}
	day := ParseTimestamp(r.StartRaw[:min(8, len(r.StartRaw))], loc)
	if day.IsZero() {
		return dueResolution{}, false
	}
	at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
	return dueResolution{
		raw:      fmt.Sprintf("%sT%02d%02d00", r.StartRaw[:8], hour, minute),
		at:       at,
		display:  FormatDisplay(at, false, loc),
		fallback: true,
	}, true
}

func startDate(r *model.Record, loc *time.Location) (dueResolution, bool) {
	if !r.IsAssignment || r.StartRaw == "" {
		return dueResolution{}, false
	}
	at := ParseTimestamp(r.StartRaw, loc)
	return dueResolution{
		raw:      r.StartRaw,
		at:       at,
		display:  FormatDisplay(at, IsDateOnly(r.StartRaw), loc),
		fallback: true,
	}, true
}
