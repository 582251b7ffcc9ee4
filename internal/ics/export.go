package ics

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	ical "github.com/arran4/golang-ical"

	"duecal/internal/model"
	"duecal/internal/reminder"
)

const exportProductID = "-//duecal//duecal//EN"

// Export renders the assignments among records as a VCALENDAR that other
// calendar apps can subscribe to. Each assignment with a resolved due moment
// becomes a VEVENT at that moment with one display alarm per lead interval.
func Export(records []model.Record, intervalsHours []int, now time.Time) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(exportProductID)

	for _, rec := range records {
		if !rec.IsAssignment || rec.Due.IsZero() {
			continue
		}

		ev := cal.AddEvent(ExportUID(rec))
		ev.SetDtStampTime(now)
		ev.SetSummary(rec.Title)
		if IsDateOnly(rec.DueRaw) {
			ev.SetAllDayStartAt(rec.Due)
		} else {
			ev.SetStartAt(rec.Due)
			ev.SetEndAt(rec.Due)
		}
		if rec.Description != "" {
			ev.SetDescription(rec.Description)
		}
		if rec.Location != "" {
			ev.SetLocation(rec.Location)
		}
		ev.SetProperty(ical.ComponentPropertyCategories, "ASSIGNMENT")

		for _, h := range intervalsHours {
			if h <= 0 {
				continue
			}
			alarm := ev.AddAlarm()
			alarm.SetAction(ical.ActionDisplay)
			alarm.SetTrigger(fmt.Sprintf("-PT%dH", h))
			alarm.SetProperty(ical.ComponentPropertyDescription, reminder.Message(rec.Title, h, rec.DueDisplay))
		}
	}

	return cal.Serialize()
}

// ExportUID is the UID an exported record carries: the source UID when the
// feed supplied one, otherwise a hash of the record identity.
func ExportUID(rec model.Record) string {
	if rec.UID != "" {
		return rec.UID
	}
	sum := sha256.Sum256([]byte(rec.Identity()))
	return hex.EncodeToString(sum[:12]) + "@duecal"
}
