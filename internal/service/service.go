// Package service runs the host side of duecal: it refreshes feeds on a
// schedule, keeps the record list, and turns reminder plans into deliveries
// and timers.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"duecal/internal/config"
	"duecal/internal/ics"
	appLog "duecal/internal/log"
	"duecal/internal/metrics"
	"duecal/internal/model"
	"duecal/internal/notify"
	"duecal/internal/reminder"
	"duecal/internal/store"
)

// HistoryRetention is how long delivered reminder ids are remembered. It
// matches the longest accepted lead time, so a forgotten id can only belong
// to a due moment that has passed.
const HistoryRetention = time.Duration(reminder.MaxIntervalHours) * time.Hour

// ErrUnknownReminder is returned for reminder ids that are neither scheduled
// nor awaiting an action.
var ErrUnknownReminder = errors.New("unknown reminder")

// Options configures a Service. Store and Config are required.
type Options struct {
	Config   *config.Config
	Store    *store.Store
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Fetcher  *ics.Fetcher
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service owns the record list and the reminder timers.
type Service struct {
	cfg      *config.Config
	parser   *ics.Parser
	fetcher  *ics.Fetcher
	store    *store.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time

	refreshGroup singleflight.Group

	mu          sync.RWMutex
	records     []model.Record
	bySource    map[string][]model.Record
	refreshedAt time.Time

	// stateMu orders state transactions with the timer updates that follow
	// them.
	stateMu sync.Mutex

	timersMu sync.Mutex
	timers   map[string]*armedTimer
	stopped  bool

	cron *cron.Cron
}

type armedTimer struct {
	timer  *time.Timer
	target time.Time
}

// New builds a Service and seeds the record list from the store.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("service: config is nil")
	}
	if opts.Store == nil {
		return nil, errors.New("service: store is nil")
	}
	cfg := opts.Config

	parser, err := ics.NewParser(cfg.Location(), cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build parser: %w", err)
	}

	s := &Service{
		cfg:      cfg,
		parser:   parser,
		fetcher:  opts.Fetcher,
		store:    opts.Store,
		notifier: opts.Notifier,
		metrics:  opts.Metrics,
		now:      opts.Now,
		records:  []model.Record{},
		bySource: make(map[string][]model.Record),
		timers:   make(map[string]*armedTimer),
	}
	if s.fetcher == nil {
		s.fetcher = ics.NewFetcher(cfg.CacheDir, cfg.FetchTimeout())
	}
	if s.notifier == nil {
		s.notifier = notify.Log{}
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.now == nil {
		s.now = time.Now
	}

	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	s.records = snap.Records
	for _, rec := range snap.Records {
		s.bySource[rec.Feed] = append(s.bySource[rec.Feed], rec)
	}
	s.refreshedAt = snap.RecordsUpdatedAt
	s.observeRecords(snap.Records)

	return s, nil
}

// Now returns the service clock.
func (s *Service) Now() time.Time {
	return s.now()
}

// Metrics returns the service collectors.
func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

// Records returns the current record list.
func (s *Service) Records() []model.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Record, len(s.records))
	copy(out, s.records)
	return out
}

// RefreshedAt reports when the record list was last replaced.
func (s *Service) RefreshedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refreshedAt
}

// Start arms timers for stored reminders, starts the refresh and reminder
// schedules and kicks off a first refresh in the background.
func (s *Service) Start(ctx context.Context) error {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	s.syncTimers(snap.Reminders.Scheduled())

	c := cron.New(cron.WithLocation(s.cfg.Location()))
	if _, err := c.AddFunc(s.cfg.RefreshCron, func() {
		if err := s.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh failed", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", s.cfg.RefreshCron, err)
	}
	if _, err := c.AddFunc(s.cfg.ReminderCron, func() {
		if err := s.Tick(ctx, s.now()); err != nil {
			appLog.Error("scheduled reminder tick failed", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid reminder schedule %q: %w", s.cfg.ReminderCron, err)
	}
	c.Start()
	s.cron = c

	appLog.Info("scheduler started", "refresh", s.cfg.RefreshCron, "reminder_tick", s.cfg.ReminderCron)

	go func() {
		if err := s.Refresh(ctx); err != nil {
			appLog.Error("initial refresh failed", err)
		}
	}()
	return nil
}

// Stop halts the schedules and every armed timer. Running jobs are waited
// for.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.stopped = true
	for id, at := range s.timers {
		at.timer.Stop()
		delete(s.timers, id)
	}
}

// Refresh fetches every feed and replaces the record list. Concurrent calls
// share one run. A feed that fails keeps its previously parsed records; the
// refresh fails only when every feed failed, and then the list is untouched.
func (s *Service) Refresh(ctx context.Context) error {
	_, err, shared := s.refreshGroup.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	if shared {
		appLog.Debug("refresh coalesced")
	}
	return err
}

func (s *Service) refresh(ctx context.Context) error {
	start := time.Now()
	defer func() { s.metrics.RefreshDuration.Observe(time.Since(start).Seconds()) }()

	sources := s.cfg.Sources()
	results, errs := s.fetcher.FetchAll(ctx, sources)

	bySource := make(map[string][]model.Record, len(sources))
	for _, res := range results {
		bySource[res.Source.ID] = s.parser.ParseResult(res)
	}
	for _, src := range sources {
		if _, ok := bySource[src.ID]; ok {
			continue
		}
		s.mu.RLock()
		prev, ok := s.bySource[src.ID]
		s.mu.RUnlock()
		if ok {
			appLog.Info("keeping previous records for failed feed", "id", src.ID, "records", len(prev))
			bySource[src.ID] = prev
		}
	}

	if len(sources) > 0 && len(errs) == len(sources) {
		s.metrics.Refreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("refresh: %w", errors.Join(errs...))
	}

	all := make([]model.Record, 0)
	for _, src := range sources {
		all = append(all, bySource[src.ID]...)
	}

	if err := s.store.Update(ctx, []store.Key{store.KeyRecords}, func(snap *store.Snapshot) error {
		snap.Records = all
		return nil
	}); err != nil {
		s.metrics.Refreshes.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to save records: %w", err)
	}

	s.mu.Lock()
	s.records = all
	s.bySource = bySource
	s.refreshedAt = s.now()
	s.mu.Unlock()

	result := "ok"
	if len(errs) > 0 {
		result = "partial"
	}
	s.metrics.Refreshes.WithLabelValues(result).Inc()
	s.observeRecords(all)
	appLog.Info("refresh complete", "feeds", len(sources), "failed", len(errs), "records", len(all))

	if err := s.Tick(ctx, s.now()); err != nil {
		appLog.Error("reminder tick after refresh failed", err)
	}
	return nil
}

func (s *Service) observeRecords(recs []model.Record) {
	assignments := 0
	for _, r := range recs {
		if r.IsAssignment {
			assignments++
		}
	}
	s.metrics.RecordsParsed.Set(float64(len(recs)))
	s.metrics.AssignmentsSeen.Set(float64(assignments))
}

// Settings returns the saved notification settings, or the configured
// defaults when none were saved.
func (s *Service) Settings(ctx context.Context) (reminder.Settings, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return reminder.Settings{}, err
	}
	return s.settingsFrom(snap), nil
}

// SaveSettings stores notification settings and recomputes reminders.
func (s *Service) SaveSettings(ctx context.Context, st reminder.Settings) error {
	if err := st.Validate(); err != nil {
		return err
	}
	if err := s.store.Update(ctx, []store.Key{store.KeySettings}, func(snap *store.Snapshot) error {
		snap.Settings = st
		return nil
	}); err != nil {
		return err
	}
	return s.Tick(ctx, s.now())
}

func (s *Service) settingsFrom(snap *store.Snapshot) reminder.Settings {
	if snap.HasSettings {
		return snap.Settings
	}
	return s.cfg.ReminderSettings()
}

// Tick drops scheduled entries that no longer match the record list, then
// computes the reminder plan for now, applies it and takes every scheduled
// entry whose time has come, all in one transaction. Deliveries
// happen after the commit; remaining future entries get timers.
func (s *Service) Tick(ctx context.Context, now time.Time) error {
	s.stateMu.Lock()

	var (
		plan      reminder.Plan
		dropped   []string
		due       []reminder.Entry
		scheduled []reminder.Entry
	)
	err := s.store.Update(ctx, store.ReminderKeys, func(snap *store.Snapshot) error {
		settings := s.settingsFrom(snap)
		dropped = snap.Reminders.Reconcile(snap.Records, snap.Completed, settings)
		plan = reminder.ComputeReminders(snap.Records, snap.Completed, settings, snap.Reminders, now)
		snap.Reminders.Apply(plan, now)
		due = snap.Reminders.TakeDue(now)
		snap.Reminders.Prune(now, HistoryRetention)
		scheduled = snap.Reminders.Scheduled()
		return nil
	})
	if err != nil {
		s.stateMu.Unlock()
		return fmt.Errorf("reminder tick: %w", err)
	}
	s.syncTimers(scheduled)
	s.stateMu.Unlock()

	s.metrics.RemindersArmed.Add(float64(len(plan.ScheduleFuture)))
	if !plan.Empty() || len(due) > 0 || len(dropped) > 0 {
		appLog.Info("reminder tick",
			"dropped", len(dropped),
			"fire_now", len(plan.FireNow),
			"scheduled", len(plan.ScheduleFuture),
			"timer_due", len(due),
		)
	}

	for _, e := range plan.FireNow {
		s.deliver(ctx, e)
	}
	for _, e := range due {
		s.deliver(ctx, e)
	}
	return nil
}

func (s *Service) deliver(ctx context.Context, e reminder.Entry) {
	s.metrics.RemindersFired.Inc()
	if err := s.notifier.Notify(ctx, e); err != nil {
		s.metrics.DeliveryFailures.Inc()
		appLog.Error("reminder delivery failed", err, "id", e.ID, "record", e.RecordID)
	}
}

// Reminders returns scheduled entries and fired entries awaiting an action.
func (s *Service) Reminders(ctx context.Context) (scheduled, pending []reminder.Entry, err error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, nil, err
	}
	return snap.Reminders.Scheduled(), snap.Reminders.Pending(), nil
}

// CompletedIDs returns the identities of records marked complete.
func (s *Service) CompletedIDs(ctx context.Context) (model.IDSet, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Completed, nil
}

// CompleteReminder marks the record behind a reminder complete and drops all
// of its reminders.
func (s *Service) CompleteReminder(ctx context.Context, reminderID string) error {
	return s.mutate(ctx, func(snap *store.Snapshot) error {
		recordID, ok := snap.Reminders.MarkComplete(reminderID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownReminder, reminderID)
		}
		snap.Completed.Add(recordID)
		appLog.Info("reminder completed", "id", reminderID, "record", recordID)
		return nil
	})
}

// SnoozeReminder re-arms a reminder to fire again after d.
func (s *Service) SnoozeReminder(ctx context.Context, reminderID string, d time.Duration) error {
	now := s.now()
	return s.mutate(ctx, func(snap *store.Snapshot) error {
		e, ok := snap.Reminders.Snooze(reminderID, d, now)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownReminder, reminderID)
		}
		appLog.Info("reminder snoozed", "id", reminderID, "until", e.TargetTime.Format(time.RFC3339))
		return nil
	})
}

// CompleteRecord marks a record complete by identity and drops its
// reminders. Unknown identities are recorded as well so a record completed
// before it shows up in a feed never reminds.
func (s *Service) CompleteRecord(ctx context.Context, identity string) error {
	if identity == "" {
		return errors.New("record identity is empty")
	}
	return s.mutate(ctx, func(snap *store.Snapshot) error {
		snap.Completed.Add(identity)
		snap.Reminders.DropRecord(identity)
		return nil
	})
}

// ReopenRecord removes a record from the completed set and recomputes
// reminders. Ids already delivered stay delivered.
func (s *Service) ReopenRecord(ctx context.Context, identity string) error {
	if err := s.mutate(ctx, func(snap *store.Snapshot) error {
		snap.Completed.Remove(identity)
		return nil
	}); err != nil {
		return err
	}
	return s.Tick(ctx, s.now())
}

// PinnedIDs returns the identities of records pinned by the user.
func (s *Service) PinnedIDs(ctx context.Context) (model.IDSet, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Pinned, nil
}

// SetPinned pins or unpins a record. Pins do not affect reminders.
func (s *Service) SetPinned(ctx context.Context, identity string, pinned bool) error {
	if identity == "" {
		return errors.New("record identity is empty")
	}
	return s.store.Update(ctx, []store.Key{store.KeyPinned}, func(snap *store.Snapshot) error {
		if pinned {
			snap.Pinned.Add(identity)
		} else {
			snap.Pinned.Remove(identity)
		}
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, fn func(*store.Snapshot) error) error {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	var scheduled []reminder.Entry
	err := s.store.Update(ctx, store.ReminderKeys, func(snap *store.Snapshot) error {
		if err := fn(snap); err != nil {
			return err
		}
		scheduled = snap.Reminders.Scheduled()
		return nil
	})
	if err != nil {
		return err
	}
	s.syncTimers(scheduled)
	return nil
}

// Export renders the assignment calendar with one alarm per reminder
// interval.
func (s *Service) Export(ctx context.Context) (string, error) {
	settings, err := s.Settings(ctx)
	if err != nil {
		return "", err
	}
	return ics.Export(s.Records(), settings.Intervals(), s.now()), nil
}

// syncTimers makes the armed timers match scheduled: one timer per id at its
// target time. Timers of ids no longer scheduled are stopped; an id whose
// target is unchanged keeps its timer.
func (s *Service) syncTimers(scheduled []reminder.Entry) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.stopped {
		return
	}

	keep := make(map[string]struct{}, len(scheduled))
	now := s.now()
	for _, e := range scheduled {
		keep[e.ID] = struct{}{}
		if at, ok := s.timers[e.ID]; ok {
			if at.target.Equal(e.TargetTime) {
				continue
			}
			at.timer.Stop()
		}
		delay := e.TargetTime.Sub(now)
		if delay < reminder.MinDelay {
			delay = reminder.MinDelay
		}
		id := e.ID
		at := &armedTimer{target: e.TargetTime}
		at.timer = time.AfterFunc(delay, func() { s.onTimer(id, at) })
		s.timers[id] = at
	}
	for id, at := range s.timers {
		if _, ok := keep[id]; !ok {
			at.timer.Stop()
			delete(s.timers, id)
		}
	}
}

// ArmedTimers reports how many reminder timers are pending.
func (s *Service) ArmedTimers() int {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return len(s.timers)
}

// onTimer forgets the fired timer first so the tick re-arms the id if it is
// still scheduled. A timer already replaced by syncTimers leaves the map
// alone.
func (s *Service) onTimer(id string, fired *armedTimer) {
	s.timersMu.Lock()
	if s.timers[id] == fired {
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	if err := s.Tick(context.Background(), s.now()); err != nil {
		appLog.Error("timer reminder tick failed", err)
	}
}

var _ notify.Actions = (*Service)(nil)
