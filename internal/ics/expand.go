package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "duecal/internal/log"
	"duecal/internal/model"
)

const (
	defaultMaxOccurrencesPerRecord = 500
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// DisplayLocation is the zone occurrences are converted to. If nil,
	// time.Local is used.
	DisplayLocation *time.Location

	// RangeStart / RangeEnd define the inclusive window for occurrences.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerRecord caps the expansion of a single rule. If zero,
	// defaultMaxOccurrencesPerRecord is used.
	MaxOccurrencesPerRecord int
}

// ExpandResult wraps the expanded occurrences and the identities of records
// that hit the cap.
type ExpandResult struct {
	Occurrences []model.Occurrence
	Truncated   []string
}

// ExpandOccurrences expands records into occurrences inside the configured
// window, sorted by time. The anchor of each record is its due moment, or
// its start when no due moment was resolved; records with neither are
// skipped. RRULE values that fail to parse fall back to the single anchor.
func ExpandOccurrences(records []model.Record, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.DisplayLocation == nil {
		cfg.DisplayLocation = time.Local
	}
	if cfg.MaxOccurrencesPerRecord <= 0 {
		cfg.MaxOccurrencesPerRecord = defaultMaxOccurrencesPerRecord
	}

	for _, rec := range records {
		times, hitCap := Occurrences(rec, cfg.RangeStart, cfg.RangeEnd, cfg.MaxOccurrencesPerRecord)
		if hitCap {
			result.Truncated = append(result.Truncated, rec.Identity())
		}
		for _, at := range times {
			local := at.In(cfg.DisplayLocation)
			result.Occurrences = append(result.Occurrences, model.Occurrence{
				Identity:     rec.Identity(),
				Title:        rec.Title,
				InstanceKey:  local.Format(time.RFC3339),
				IsAssignment: rec.IsAssignment,
				At:           local,
			})
		}
	}

	sort.SliceStable(result.Occurrences, func(i, j int) bool {
		return result.Occurrences[i].At.Before(result.Occurrences[j].At)
	})
	return result, nil
}

// Occurrences returns the moments of rec within [from, to], capped at max,
// and whether the cap was hit.
func Occurrences(rec model.Record, from, to time.Time, max int) ([]time.Time, bool) {
	anchor := rec.Due
	if anchor.IsZero() {
		anchor = rec.Start
	}
	if anchor.IsZero() {
		return nil, false
	}

	single := func() []time.Time {
		if anchor.Before(from) || anchor.After(to) {
			return nil
		}
		return []time.Time{anchor}
	}

	if rec.RecurrenceRule == "" {
		return single(), false
	}

	r, err := rrule.StrToRRule(rec.RecurrenceRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "identity", rec.Identity(), "rrule", rec.RecurrenceRule)
		return single(), false
	}
	r.DTStart(anchor)

	times := r.Between(from, to, true)
	if max > 0 && len(times) > max {
		return times[:max], true
	}
	return times, false
}
