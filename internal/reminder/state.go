package reminder

import (
	"sort"
	"time"

	"duecal/internal/model"
)

// State is the persisted scheduling state. Reminders holds scheduled
// entries, Fired holds delivered entries still awaiting a user action, and
// History records every id that has been delivered with the time it fired.
//
// Lifecycle per id: unscheduled -> scheduled -> fired, or unscheduled ->
// fired directly. Snooze moves a fired entry back to scheduled under the
// same id.
type State struct {
	Reminders map[string]Entry     `json:"reminders"`
	Fired     map[string]Entry     `json:"fired"`
	History   map[string]time.Time `json:"history"`
}

// NewState returns an empty state.
func NewState() *State {
	s := &State{}
	s.ensure()
	return s
}

func (s *State) ensure() {
	if s.Reminders == nil {
		s.Reminders = make(map[string]Entry)
	}
	if s.Fired == nil {
		s.Fired = make(map[string]Entry)
	}
	if s.History == nil {
		s.History = make(map[string]time.Time)
	}
}

// InHistory reports whether id has already been delivered.
func (s *State) InHistory(id string) bool {
	_, ok := s.History[id]
	return ok
}

// Apply records a plan: fire-now entries move to history and fired, future
// entries are scheduled.
func (s *State) Apply(p Plan, now time.Time) {
	s.ensure()
	for _, id := range p.HistoryAdditions {
		s.History[id] = now
		delete(s.Reminders, id)
	}
	for _, e := range p.FireNow {
		s.Fired[e.ID] = e
	}
	for _, e := range p.ScheduleFuture {
		s.Reminders[e.ID] = e
	}
}

// TakeDue removes scheduled entries whose target time has passed, marks them
// delivered and returns them ordered by target time. Snoozed entries are
// returned even though their id is already in history. Entries whose due
// moment has also passed are recorded in history but not returned.
func (s *State) TakeDue(now time.Time) []Entry {
	s.ensure()
	var due []Entry
	for id, e := range s.Reminders {
		if e.TargetTime.After(now) {
			continue
		}
		delete(s.Reminders, id)
		s.History[id] = now
		if overdue(e, now) {
			continue
		}
		e.Delay = 0
		s.Fired[id] = e
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].TargetTime.Before(due[j].TargetTime) })
	return due
}

// Scheduled returns the scheduled entries ordered by target time.
func (s *State) Scheduled() []Entry {
	return sortedEntries(s.Reminders)
}

// Pending returns fired entries that still await a user action.
func (s *State) Pending() []Entry {
	return sortedEntries(s.Fired)
}

// Lookup finds an entry by id among scheduled and fired entries.
func (s *State) Lookup(id string) (Entry, bool) {
	if e, ok := s.Reminders[id]; ok {
		return e, true
	}
	e, ok := s.Fired[id]
	return e, ok
}

// Snooze re-arms the entry with id to fire at now+d under the same id. It
// works on fired and scheduled entries alike and reports false for unknown
// ids.
func (s *State) Snooze(id string, d time.Duration, now time.Time) (Entry, bool) {
	s.ensure()
	e, ok := s.Lookup(id)
	if !ok {
		return Entry{}, false
	}
	if d < MinDelay {
		d = MinDelay
	}
	delete(s.Fired, id)
	e.TargetTime = now.Add(d)
	e.Delay = d
	e.Snoozed = true
	s.Reminders[id] = e
	return e, true
}

// MarkComplete drops the entry with id and every other scheduled or fired
// entry of the same record. History is left intact. It returns the record
// identity, or false for unknown ids.
func (s *State) MarkComplete(id string) (string, bool) {
	s.ensure()
	e, ok := s.Lookup(id)
	if !ok {
		return "", false
	}
	s.DropRecord(e.RecordID)
	return e.RecordID, true
}

// DropRecord removes every scheduled and fired entry of a record.
func (s *State) DropRecord(recordID string) {
	for id, e := range s.Reminders {
		if e.RecordID == recordID {
			delete(s.Reminders, id)
		}
	}
	for id, e := range s.Fired {
		if e.RecordID == recordID {
			delete(s.Fired, id)
		}
	}
}

// Reconcile drops scheduled entries that no longer match records: the
// record is gone, completed or no longer an assignment, reminders are
// disabled, the lead time is no longer configured, or the due moment moved.
// Snoozed entries stay while their record is still open. It returns the
// dropped ids in order; ComputeReminders re-plans whatever is still owed.
func (s *State) Reconcile(records []model.Record, completed model.IDSet, settings Settings) []string {
	s.ensure()

	open := make(map[string]time.Time)
	for _, rec := range records {
		if !rec.IsAssignment {
			continue
		}
		identity := rec.Identity()
		if completed.Has(identity) {
			continue
		}
		if _, seen := open[identity]; seen {
			continue
		}
		if due := dueTime(rec); !due.IsZero() {
			open[identity] = due
		}
	}

	wanted := make(map[int]bool)
	if settings.Enabled {
		for _, h := range settings.Intervals() {
			wanted[h] = true
		}
	}

	var dropped []string
	for id, e := range s.Reminders {
		due, ok := open[e.RecordID]
		stale := !ok
		if ok && !e.Snoozed {
			target := due.Add(-time.Duration(e.LeadHours) * time.Hour)
			stale = !wanted[e.LeadHours] || !e.TargetTime.Equal(target)
		}
		if stale {
			delete(s.Reminders, id)
			dropped = append(dropped, id)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Prune forgets scheduled and fired entries whose due moment has passed and
// history older than retention. Pruned history ids belong to due moments
// long past, which ComputeReminders skips anyway.
func (s *State) Prune(now time.Time, retention time.Duration) {
	s.ensure()
	for id, e := range s.Reminders {
		if overdue(e, now) {
			delete(s.Reminders, id)
		}
	}
	for id, e := range s.Fired {
		if !e.Due.IsZero() && e.Due.Before(now) {
			delete(s.Fired, id)
		}
	}
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	for id, at := range s.History {
		if at.Before(cutoff) {
			delete(s.History, id)
		}
	}
}

func overdue(e Entry, now time.Time) bool {
	return !e.Due.IsZero() && !e.Due.After(now)
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TargetTime.Equal(out[j].TargetTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].TargetTime.Before(out[j].TargetTime)
	})
	return out
}
