package ics

import (
	"strings"
	"testing"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestParser(t *testing.T) *Parser {
	t.Helper()
	p, err := NewParser(time.UTC, DefaultRules())
	require.NoError(t, err)
	return p
}

func feed(lines ...string) string {
	return strings.Join(append(append([]string{"BEGIN:VCALENDAR", "VERSION:2.0"}, lines...), "END:VCALENDAR"), "\r\n")
}

func TestParseEmptyFeed(t *testing.T) {
	p := newTestParser(t)
	for _, in := range []string{"", "BEGIN:VCALENDAR\r\nEND:VCALENDAR", "not a calendar at all"} {
		recs := p.Parse(in)
		require.NotNil(t, recs)
		assert.Empty(t, recs)
	}
}

func TestParseFallbackDueFromTitleTime(t *testing.T) {
	p := newTestParser(t)
	recs := p.Parse(feed(
		"BEGIN:VEVENT",
		"SUMMARY:ADV. BIOLOGY - B: Lab Report due 11:59 p.m.",
		"DTSTART;VALUE=DATE:20240510",
		"END:VEVENT",
	))
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.True(t, rec.IsAssignment)
	assert.Equal(t, "11:59 p.m.", rec.ExtractedTimeHint)
	assert.Equal(t, "20240510", rec.StartRaw)
	assert.Equal(t, "20240510T235900", rec.DueRaw)
	assert.True(t, rec.UsedFallbackDueDate)
	assert.Equal(t, time.Date(2024, 5, 10, 23, 59, 0, 0, time.UTC), rec.Due)
	assert.Equal(t, "Fri, May 10 2024 11:59 PM", rec.DueDisplay)
}

func TestParseFallbackDueFromStart(t *testing.T) {
	p := newTestParser(t)
	recs := p.Parse(feed(
		"BEGIN:VEVENT",
		"SUMMARY:Chemistry homework",
		"DTSTART:20240512T090000Z",
		"END:VEVENT",
	))
	require.Len(t, recs, 1)
	assert.Equal(t, "20240512T090000Z", recs[0].DueRaw)
	assert.True(t, recs[0].UsedFallbackDueDate)
	assert.Equal(t, time.Date(2024, 5, 12, 9, 0, 0, 0, time.UTC), recs[0].Due)
}

func TestParseExplicitDueNeverFallsBack(t *testing.T) {
	p := newTestParser(t)
	titles := []string{
		"ADV. BIOLOGY - B: Lab Report due 11:59 p.m.",
		"Quiz 3",
		"Staff meeting",
	}
	for _, title := range titles {
		t.Run(title, func(t *testing.T) {
			recs := p.Parse(feed(
				"BEGIN:VTODO",
				"SUMMARY:"+title,
				"DTSTART:20240510",
				"DUE:20240514T080000",
				"END:VTODO",
			))
			require.Len(t, recs, 1)
			assert.False(t, recs[0].UsedFallbackDueDate)
			assert.Equal(t, "20240514T080000", recs[0].DueRaw)
		})
	}
}

func TestParseNonAssignmentHasNoDue(t *testing.T) {
	p := newTestParser(t)
	recs := p.Parse(feed(
		"BEGIN:VEVENT",
		"SUMMARY:Pep rally",
		"DTSTART:20240510T140000Z",
		"END:VEVENT",
	))
	require.Len(t, recs, 1)
	assert.False(t, recs[0].IsAssignment)
	assert.Empty(t, recs[0].DueRaw)
	assert.True(t, recs[0].Due.IsZero())
	assert.Equal(t, "20240510T140000Z", recs[0].EffectiveRaw())
}

func TestParseTitleCleanup(t *testing.T) {
	p := newTestParser(t)
	tests := []struct {
		summary string
		want    string
	}{
		{"Final Exam   3", "Final Exam"},
		{"Tom &amp; Jerry\\, the essay", "Tom & Jerry, the essay"},
		{"<b>Quiz</b>", "Quiz"},
		{"   ", "Untitled Event"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			recs := p.Parse(feed("BEGIN:VEVENT", "SUMMARY:"+tt.summary, "END:VEVENT"))
			require.Len(t, recs, 1)
			assert.Equal(t, tt.want, recs[0].Title)
		})
	}

	recs := p.Parse(feed("BEGIN:VEVENT", "UID:x1", "END:VEVENT"))
	require.Len(t, recs, 1)
	assert.Equal(t, "Untitled Event", recs[0].Title)
}

func TestParseAllFields(t *testing.T) {
	p := newTestParser(t)
	recs := p.Parse(feed(
		"BEGIN:VTODO",
		"UID:todo-42@school.example",
		"SUMMARY:Project outline",
		"DESCRIPTION:Outline with\\nthree &ldquo;sections&rdquo;\\, cited.",
		"LOCATION:Room 12\\; Building B",
		"DTSTART;TZID=America/New_York:20240501T080000",
		"DTDUE:20240508",
		"DTEND:20240509",
		"COMPLETED:20240507T120000Z",
		"STATUS:NEEDS-ACTION",
		"PRIORITY:1",
		"PERCENT-COMPLETE:50",
		"RRULE:FREQ=WEEKLY;COUNT=3",
		"ORGANIZER;CN=Teacher:mailto:teacher@school.example",
		"ATTENDEE;CN=A:mailto:a@school.example",
		"ATTENDEE:mailto:b@school.example",
		"BEGIN:VALARM",
		"TRIGGER:-PT1H",
		"DESCRIPTION:alarm text",
		"END:VALARM",
		"END:VTODO",
	))
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "todo-42@school.example", rec.UID)
	assert.Equal(t, "todo-42@school.example", rec.Identity())
	assert.Equal(t, "Project outline", rec.Title)
	assert.Equal(t, "Outline with\nthree “sections”, cited.", rec.Description)
	assert.Equal(t, "Room 12; Building B", rec.Location)
	assert.Equal(t, "20240501T080000", rec.StartRaw)
	assert.Equal(t, "20240508", rec.DueRaw)
	assert.Equal(t, "20240509", rec.EndRaw)
	assert.Equal(t, "20240507T120000Z", rec.CompletedRaw)
	assert.Equal(t, "NEEDS-ACTION", rec.Status)
	require.NotNil(t, rec.Priority)
	assert.Equal(t, 1, *rec.Priority)
	require.NotNil(t, rec.PercentComplete)
	assert.Equal(t, 50, *rec.PercentComplete)
	assert.Equal(t, "FREQ=WEEKLY;COUNT=3", rec.RecurrenceRule)
	assert.Equal(t, "teacher@school.example", rec.Organizer)
	assert.Equal(t, []string{"a@school.example", "b@school.example"}, rec.Attendees)
	assert.Equal(t, "Wed, May 8 2024", rec.DueDisplay)
}

func TestParsePreservesOrderAndIgnoresUnterminated(t *testing.T) {
	p := newTestParser(t)
	recs := p.Parse(feed(
		"BEGIN:VEVENT", "SUMMARY:First quiz", "END:VEVENT",
		"BEGIN:VTIMEZONE", "TZID:America/New_York", "END:VTIMEZONE",
		"BEGIN:VTODO", "SUMMARY:Second essay", "END:VTODO",
		"BEGIN:VEVENT", "SUMMARY:Never closed",
	))
	require.Len(t, recs, 2)
	assert.Equal(t, "First quiz", recs[0].Title)
	assert.Equal(t, "Second essay", recs[1].Title)
}

func TestParseFoldedFixture(t *testing.T) {
	long := strings.Repeat("Answer every question in chapter four and show work ", 4)
	long = strings.TrimSpace(long)

	cal := ical.NewCalendar()
	cal.SetProductId("-//duecal test//EN")
	ev := cal.AddEvent("fixture-1@example.edu")
	ev.SetDtStampTime(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	ev.SetSummary("Math homework")
	ev.SetDescription(long)
	ev.SetStartAt(time.Date(2024, 5, 10, 13, 0, 0, 0, time.UTC))
	ev.SetProperty(ical.ComponentProperty("DUE"), "20240511T120000Z")

	text := cal.Serialize()
	require.Contains(t, text, "\r\n ", "fixture should be folded")

	recs := newTestParser(t).Parse(text)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, "fixture-1@example.edu", rec.UID)
	assert.Equal(t, "Math homework", rec.Title)
	assert.Equal(t, long, rec.Description)
	assert.Equal(t, "20240511T120000Z", rec.DueRaw)
	assert.False(t, rec.UsedFallbackDueDate)
	assert.Equal(t, time.Date(2024, 5, 11, 12, 0, 0, 0, time.UTC), rec.Due)
}

func TestParseInterpretsFloatingTimesInParserLocation(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	p, err := NewParser(ny, DefaultRules())
	require.NoError(t, err)

	recs := p.Parse(feed("BEGIN:VEVENT", "SUMMARY:Essay due", "DUE:20240510T235900", "END:VEVENT"))
	require.Len(t, recs, 1)
	assert.True(t, time.Date(2024, 5, 11, 3, 59, 0, 0, time.UTC).Equal(recs[0].Due))
}

func TestPackageParseUsesDefaults(t *testing.T) {
	recs := Parse(feed("BEGIN:VEVENT", "SUMMARY:Quiz 3", "END:VEVENT"))
	require.Len(t, recs, 1)
	assert.True(t, recs[0].IsAssignment)
	assert.Equal(t, "Quiz", recs[0].Title)
}
