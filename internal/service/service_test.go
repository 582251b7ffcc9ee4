package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duecal/internal/config"
	"duecal/internal/ics"
	"duecal/internal/reminder"
	"duecal/internal/store"
)

const schoolFeed = "BEGIN:VCALENDAR\r\n" +
	"BEGIN:VEVENT\r\nUID:essay-1\r\nSUMMARY:English essay due\r\nDUE:20240511T000000Z\r\nEND:VEVENT\r\n" +
	"BEGIN:VEVENT\r\nUID:rally\r\nSUMMARY:Pep rally\r\nDTSTART:20240510T150000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

// essayDue is the DUE of essay-1; testNow is 20 hours before it.
var (
	essayDue = time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
	testNow  = essayDue.Add(-20 * time.Hour)
)

type recorder struct {
	mu  sync.Mutex
	got []reminder.Entry
}

func (r *recorder) Notify(_ context.Context, e reminder.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, e)
	return nil
}

func (r *recorder) entries() []reminder.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reminder.Entry(nil), r.got...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// feedServer serves body while ok is true and 500 otherwise.
type feedServer struct {
	*httptest.Server
	ok   atomic.Bool
	hits atomic.Int32
	body atomic.Value
}

func newFeedServer(t *testing.T, body string) *feedServer {
	t.Helper()
	fs := &feedServer{}
	fs.ok.Store(true)
	fs.body.Store(body)
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.hits.Add(1)
		if !fs.ok.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(fs.body.Load().(string)))
	}))
	t.Cleanup(fs.Close)
	return fs
}

type harness struct {
	svc   *Service
	store *store.Store
	notes *recorder
	clock *clock
	cfg   *config.Config
}

func newHarness(t *testing.T, feedURLs ...string) *harness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.CacheDir = ""
	for i, u := range feedURLs {
		cfg.Feeds = append(cfg.Feeds, config.FeedConfig{ID: string(rune('a' + i)), URL: u})
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{store: st, notes: &recorder{}, clock: &clock{now: testNow}, cfg: cfg}
	h.svc, err = New(context.Background(), Options{
		Config:   cfg,
		Store:    st,
		Notifier: h.notes,
		Fetcher:  ics.NewFetcher("", time.Second),
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(h.svc.Stop)
	return h
}

func TestRefreshLoadsRecordsAndFiresOpenWindows(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()

	require.NoError(t, h.svc.Refresh(ctx))

	recs := h.svc.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "English essay due", recs[0].Title)
	assert.Equal(t, testNow, h.svc.RefreshedAt())

	got := h.notes.entries()
	require.Len(t, got, 1)
	assert.Equal(t, 24, got[0].LeadHours)
	assert.Equal(t, "essay-1", got[0].RecordID)

	scheduled, pending, err := h.svc.Reminders(ctx)
	require.NoError(t, err)
	assert.Len(t, scheduled, 3)
	assert.Len(t, pending, 1)
	assert.Equal(t, 3, h.svc.ArmedTimers())

	m := h.svc.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemindersFired))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RemindersArmed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RecordsParsed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AssignmentsSeen))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("ok")))

	// Records survive a restart.
	again, err := New(ctx, Options{Config: h.cfg, Store: h.store, Notifier: h.notes})
	require.NoError(t, err)
	assert.Len(t, again.Records(), 2)
}

func TestTickNeverDuplicates(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()

	require.NoError(t, h.svc.Refresh(ctx))
	require.NoError(t, h.svc.Tick(ctx, testNow))
	require.NoError(t, h.svc.Refresh(ctx))
	assert.Len(t, h.notes.entries(), 1)

	require.NoError(t, h.svc.Tick(ctx, essayDue.Add(-3*time.Hour)))
	got := h.notes.entries()
	require.Len(t, got, 3)
	assert.Equal(t, 16, got[1].LeadHours)
	assert.Equal(t, 4, got[2].LeadHours)
	assert.Equal(t, 1, h.svc.ArmedTimers())

	require.NoError(t, h.svc.Tick(ctx, essayDue.Add(-3*time.Hour)))
	assert.Len(t, h.notes.entries(), 3)
}

func TestRefreshFailureKeepsPreviousRecords(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()

	require.NoError(t, h.svc.Refresh(ctx))
	feed.ok.Store(false)

	err := h.svc.Refresh(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ics.ErrFetch)
	assert.Len(t, h.svc.Records(), 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.svc.Metrics().Refreshes.WithLabelValues("error")))
}

func TestRefreshPartialFailureKeepsFailedFeedRecords(t *testing.T) {
	good := newFeedServer(t, schoolFeed)
	flaky := newFeedServer(t, "BEGIN:VEVENT\r\nUID:quiz-9\r\nSUMMARY:Quiz 9\r\nDTSTART:20240512\r\nEND:VEVENT\r\n")
	h := newHarness(t, good.URL, flaky.URL)
	ctx := context.Background()

	require.NoError(t, h.svc.Refresh(ctx))
	require.Len(t, h.svc.Records(), 3)

	flaky.ok.Store(false)
	require.NoError(t, h.svc.Refresh(ctx))
	assert.Len(t, h.svc.Records(), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.svc.Metrics().Refreshes.WithLabelValues("partial")))
}

func TestRefreshWithNoFeeds(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.svc.Refresh(context.Background()))
	assert.Empty(t, h.svc.Records())
}

func TestConcurrentRefreshesAreCoalesced(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		_, _ = w.Write([]byte(schoolFeed))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL)
	ctx := context.Background()

	errs := make(chan error, 2)
	go func() { errs <- h.svc.Refresh(ctx) }()
	<-entered
	go func() { errs <- h.svc.Refresh(ctx) }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCompleteReminder(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))

	fired := h.notes.entries()[0]
	require.NoError(t, h.svc.CompleteReminder(ctx, fired.ID))

	completed, err := h.svc.CompletedIDs(ctx)
	require.NoError(t, err)
	assert.True(t, completed.Has("essay-1"))

	scheduled, pending, err := h.svc.Reminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
	assert.Empty(t, pending)
	assert.Zero(t, h.svc.ArmedTimers())

	// A completed record never reminds again.
	require.NoError(t, h.svc.Tick(ctx, essayDue.Add(-time.Minute)))
	assert.Len(t, h.notes.entries(), 1)

	err = h.svc.CompleteReminder(ctx, fired.ID)
	assert.ErrorIs(t, err, ErrUnknownReminder)
}

func TestCompleteAndReopenRecord(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()

	require.NoError(t, h.svc.CompleteRecord(ctx, "essay-1"))
	require.NoError(t, h.svc.Refresh(ctx))
	assert.Empty(t, h.notes.entries())
	assert.Zero(t, h.svc.ArmedTimers())

	require.NoError(t, h.svc.ReopenRecord(ctx, "essay-1"))
	assert.Len(t, h.notes.entries(), 1)
	assert.Equal(t, 3, h.svc.ArmedTimers())

	assert.Error(t, h.svc.CompleteRecord(ctx, ""))
}

func TestSetPinned(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.svc.SetPinned(ctx, "essay-1", true))
	pinned, err := h.svc.PinnedIDs(ctx)
	require.NoError(t, err)
	assert.True(t, pinned.Has("essay-1"))

	require.NoError(t, h.svc.SetPinned(ctx, "essay-1", false))
	pinned, err = h.svc.PinnedIDs(ctx)
	require.NoError(t, err)
	assert.False(t, pinned.Has("essay-1"))

	assert.Error(t, h.svc.SetPinned(ctx, "", true))
}

func TestSnoozeReminderRefires(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))

	fired := h.notes.entries()[0]
	require.NoError(t, h.svc.SnoozeReminder(ctx, fired.ID, 30*time.Minute))
	assert.Equal(t, 4, h.svc.ArmedTimers())

	require.NoError(t, h.svc.Tick(ctx, testNow.Add(29*time.Minute)))
	assert.Len(t, h.notes.entries(), 1)

	require.NoError(t, h.svc.Tick(ctx, testNow.Add(30*time.Minute)))
	got := h.notes.entries()
	require.Len(t, got, 2)
	assert.Equal(t, fired.ID, got[1].ID)
	assert.True(t, got[1].Snoozed)

	assert.ErrorIs(t, h.svc.SnoozeReminder(ctx, "nope", time.Minute), ErrUnknownReminder)
}

func TestTimerFiresScheduledReminder(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()

	// One hour and one millisecond before the 1h window opens: the timer is
	// armed with the minimum delay.
	h.clock.Set(essayDue.Add(-time.Hour).Add(-time.Millisecond))
	require.NoError(t, h.svc.SaveSettings(ctx, reminder.Settings{Enabled: true, IntervalsHours: []int{1}}))
	require.NoError(t, h.svc.Refresh(ctx))
	require.Empty(t, h.notes.entries())
	require.Equal(t, 1, h.svc.ArmedTimers())

	h.clock.Set(essayDue.Add(-time.Hour))
	require.Eventually(t, func() bool { return len(h.notes.entries()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, h.notes.entries()[0].LeadHours)
	assert.Eventually(t, func() bool { return h.svc.ArmedTimers() == 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestSettingsFallBackToConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, h.cfg.ReminderSettings(), st)

	want := reminder.Settings{Enabled: false, IntervalsHours: []int{2}}
	require.NoError(t, h.svc.SaveSettings(ctx, want))
	st, err = h.svc.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, st)
}

func TestExport(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))

	text, err := h.svc.Export(ctx)
	require.NoError(t, err)
	assert.Contains(t, text, "UID:essay-1")
	assert.NotContains(t, text, "Pep rally")
}

// armedFor returns the timer currently armed for the reminder of essay-1 with
// the given lead time.
func armedFor(t *testing.T, h *harness, leadHours int) (string, *armedTimer) {
	t.Helper()
	id := reminder.ReminderID("essay-1", leadHours)
	h.svc.timersMu.Lock()
	defer h.svc.timersMu.Unlock()
	at, ok := h.svc.timers[id]
	require.True(t, ok, "no timer armed for %s", id)
	return id, at
}

func TestOverdueRemindersAreDroppedAfterDowntime(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()

	h.clock.Set(essayDue.Add(-48 * time.Hour))
	require.NoError(t, h.svc.Refresh(ctx))
	require.Empty(t, h.notes.entries())
	scheduled, _, err := h.svc.Reminders(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 4)

	// The process slept through the due date; the first timer to run sees it.
	h.clock.Set(essayDue.Add(72 * time.Hour))
	id, at := armedFor(t, h, 4)
	h.svc.onTimer(id, at)
	require.NoError(t, h.svc.Tick(ctx, h.clock.Now()))

	assert.Empty(t, h.notes.entries())
	scheduled, pending, err := h.svc.Reminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
	assert.Empty(t, pending)
	assert.Zero(t, h.svc.ArmedTimers())
}

func TestMovedDueReplansReminders(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))
	require.Len(t, h.notes.entries(), 1)

	newDue := essayDue.Add(-12 * time.Hour)
	feed.body.Store("BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\nUID:essay-1\r\nSUMMARY:English essay due\r\nDUE:20240510T120000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n")
	require.NoError(t, h.svc.Refresh(ctx))

	got := h.notes.entries()
	require.Len(t, got, 2)
	assert.Equal(t, 16, got[1].LeadHours)
	assert.True(t, newDue.Equal(got[1].Due))

	scheduled, _, err := h.svc.Reminders(ctx)
	require.NoError(t, err)
	require.Len(t, scheduled, 2)
	for _, e := range scheduled {
		assert.True(t, newDue.Add(-time.Duration(e.LeadHours)*time.Hour).Equal(e.TargetTime), "lead %d", e.LeadHours)
		assert.True(t, newDue.Equal(e.Due))
	}
	assert.Equal(t, 2, h.svc.ArmedTimers())
}

func TestRemovedRecordDropsReminders(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))
	require.Equal(t, 3, h.svc.ArmedTimers())

	feed.body.Store("BEGIN:VCALENDAR\r\n" +
		"BEGIN:VEVENT\r\nUID:rally\r\nSUMMARY:Pep rally\r\nDTSTART:20240510T150000Z\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n")
	require.NoError(t, h.svc.Refresh(ctx))

	scheduled, _, err := h.svc.Reminders(ctx)
	require.NoError(t, err)
	assert.Empty(t, scheduled)
	assert.Zero(t, h.svc.ArmedTimers())

	require.NoError(t, h.svc.Tick(ctx, essayDue.Add(-time.Hour)))
	assert.Len(t, h.notes.entries(), 1)
}

func TestStaleTimerKeepsReplacement(t *testing.T) {
	feed := newFeedServer(t, schoolFeed)
	h := newHarness(t, feed.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))

	id, current := armedFor(t, h, 16)

	// A callback from a timer that was already replaced.
	h.svc.onTimer(id, &armedTimer{})
	_, after := armedFor(t, h, 16)
	assert.Same(t, current, after)
	assert.Equal(t, 3, h.svc.ArmedTimers())

	// The current timer fires early: the id is still scheduled and re-armed.
	h.svc.onTimer(id, current)
	_, after = armedFor(t, h, 16)
	assert.NotSame(t, current, after)
	assert.Equal(t, 3, h.svc.ArmedTimers())
	assert.Len(t, h.notes.entries(), 1)
}

func TestRestartThenPartialFailureKeepsFailedFeed(t *testing.T) {
	good := newFeedServer(t, schoolFeed)
	flaky := newFeedServer(t, "BEGIN:VCALENDAR\r\n"+
		"BEGIN:VEVENT\r\nUID:quiz-9\r\nSUMMARY:Quiz 9\r\nDUE:20240512T000000Z\r\nEND:VEVENT\r\n"+
		"END:VCALENDAR\r\n")
	h := newHarness(t, good.URL, flaky.URL)
	ctx := context.Background()
	require.NoError(t, h.svc.Refresh(ctx))

	quizReminders := func() []string {
		scheduled, pending, err := h.svc.Reminders(ctx)
		require.NoError(t, err)
		var ids []string
		for _, e := range append(scheduled, pending...) {
			if e.RecordID == "quiz-9" {
				ids = append(ids, e.ID)
			}
		}
		return ids
	}
	before := quizReminders()
	require.NotEmpty(t, before)

	recs := h.svc.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].Feed)
	assert.Equal(t, "b", recs[2].Feed)

	notes := &recorder{}
	again, err := New(ctx, Options{
		Config:   h.cfg,
		Store:    h.store,
		Notifier: notes,
		Fetcher:  ics.NewFetcher("", time.Second),
		Now:      h.clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(again.Stop)

	flaky.ok.Store(false)
	require.NoError(t, again.Refresh(ctx))
	assert.Len(t, again.Records(), 3)
	assert.ElementsMatch(t, before, quizReminders())
	assert.Empty(t, notes.entries())
}
