// Package reminder decides which assignment reminders fire now and which
// are scheduled for later. ComputeReminders is pure: it reads the persisted
// state and returns a Plan; the host applies the plan to the state inside
// one atomic read-modify-write.
package reminder

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"duecal/internal/model"
)

// MinDelay is the smallest delay handed out for a future reminder.
const MinDelay = time.Second

// MaxIntervalHours is the longest lead time accepted. Delivered ids are
// remembered at least this long, so a pruned id always belongs to a due
// moment that has passed.
const MaxIntervalHours = 60 * 24

// DefaultIntervalsHours are the lead times used when settings carry none.
var DefaultIntervalsHours = []int{24, 16, 4, 1}

// Settings is the notification-settings object supplied by the host.
type Settings struct {
	Enabled        bool  `json:"enabled" yaml:"enabled"`
	IntervalsHours []int `json:"intervals_hours" yaml:"intervals_hours"`
}

// DefaultSettings returns reminders enabled with the default intervals.
func DefaultSettings() Settings {
	return Settings{Enabled: true, IntervalsHours: append([]int(nil), DefaultIntervalsHours...)}
}

// Validate rejects lead times outside 1..MaxIntervalHours.
func (s Settings) Validate() error {
	var errs []error
	for _, h := range s.IntervalsHours {
		if h <= 0 || h > MaxIntervalHours {
			errs = append(errs, fmt.Errorf("intervals_hours: %d is outside 1..%d", h, MaxIntervalHours))
		}
	}
	return errors.Join(errs...)
}

// Intervals returns the valid configured lead times, falling back to
// DefaultIntervalsHours when none are set.
func (s Settings) Intervals() []int {
	out := make([]int, 0, len(s.IntervalsHours))
	for _, h := range s.IntervalsHours {
		if h > 0 && h <= MaxIntervalHours {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		return append(out, DefaultIntervalsHours...)
	}
	return out
}

// Entry is one (record, lead time) reminder obligation.
type Entry struct {
	ID         string        `json:"id"`
	RecordID   string        `json:"record_id"`
	Title      string        `json:"title"`
	Message    string        `json:"message"`
	DueDisplay string        `json:"due_display"`
	Due        time.Time     `json:"due"`
	LeadHours  int           `json:"lead_hours"`
	TargetTime time.Time     `json:"target_time"`
	Delay      time.Duration `json:"delay"`
	Snoozed    bool          `json:"snoozed,omitempty"`
}

// Plan is the outcome of one ComputeReminders pass.
type Plan struct {
	FireNow          []Entry  `json:"fire_now"`
	ScheduleFuture   []Entry  `json:"schedule_future"`
	HistoryAdditions []string `json:"history_additions"`
}

// Empty reports whether the plan changes nothing.
func (p Plan) Empty() bool {
	return len(p.FireNow) == 0 && len(p.ScheduleFuture) == 0 && len(p.HistoryAdditions) == 0
}

// ReminderID derives the id of the reminder for identity at the given lead
// time. The same pair always yields the same id.
func ReminderID(identity string, leadHours int) string {
	sum := sha256.Sum256([]byte(identity + "|" + strconv.Itoa(leadHours) + "h"))
	return hex.EncodeToString(sum[:16])
}

// Message is the notification text for a reminder.
func Message(title string, leadHours int, dueDisplay string) string {
	unit := "hours"
	if leadHours == 1 {
		unit = "hour"
	}
	if dueDisplay == "" {
		return fmt.Sprintf("%s is due in %d %s", title, leadHours, unit)
	}
	return fmt.Sprintf("%s is due in %d %s (%s)", title, leadHours, unit, dueDisplay)
}

// ComputeReminders evaluates every assignment against every lead interval.
// A reminder whose window has opened goes to FireNow and is recorded in
// HistoryAdditions immediately, so a second pass before delivery cannot
// duplicate it. A reminder whose window is still ahead goes to
// ScheduleFuture unless it is already scheduled. Reminders already in
// history are never produced again.
func ComputeReminders(records []model.Record, completed model.IDSet, settings Settings, state *State, now time.Time) Plan {
	var plan Plan
	if !settings.Enabled {
		return plan
	}
	if state == nil {
		state = NewState()
	}

	intervals := settings.Intervals()
	seen := make(map[string]bool)

	for _, rec := range records {
		if !rec.IsAssignment {
			continue
		}
		identity := rec.Identity()
		if completed.Has(identity) {
			continue
		}
		due := dueTime(rec)
		if due.IsZero() || !due.After(now) {
			continue
		}

		for _, h := range intervals {
			id := ReminderID(identity, h)
			if seen[id] {
				continue
			}
			seen[id] = true

			if state.InHistory(id) {
				continue
			}
			// Snoozed entries fire from TakeDue at their new target.
			if e, ok := state.Reminders[id]; ok && e.Snoozed {
				continue
			}

			target := due.Add(-time.Duration(h) * time.Hour)
			entry := Entry{
				ID:         id,
				RecordID:   identity,
				Title:      rec.Title,
				Message:    Message(rec.Title, h, rec.DueDisplay),
				DueDisplay: rec.DueDisplay,
				Due:        due,
				LeadHours:  h,
				TargetTime: target,
			}

			if !target.After(now) {
				plan.FireNow = append(plan.FireNow, entry)
				plan.HistoryAdditions = append(plan.HistoryAdditions, id)
				continue
			}
			if _, scheduled := state.Reminders[id]; scheduled {
				continue
			}
			entry.Delay = max(target.Sub(now), MinDelay)
			plan.ScheduleFuture = append(plan.ScheduleFuture, entry)
		}
	}

	sort.SliceStable(plan.ScheduleFuture, func(i, j int) bool {
		return plan.ScheduleFuture[i].TargetTime.Before(plan.ScheduleFuture[j].TargetTime)
	})
	return plan
}

// dueTime is the moment reminders count back from: the resolved due time,
// or the start when the record has no due token at all.
func dueTime(rec model.Record) time.Time {
	if rec.DueRaw != "" {
		return rec.Due
	}
	return rec.Start
}
