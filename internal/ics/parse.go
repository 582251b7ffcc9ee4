package ics

import (
	"regexp"
	"strings"
	"time"

	appLog "duecal/internal/log"
	"duecal/internal/model"
)

// recordKinds are the components that become records.
var recordKinds = map[string]bool{"VEVENT": true, "VTODO": true}

var trailingNumberRe = regexp.MustCompile(`\s+\d+$`)

// Parser turns feed text into records. The zero value is not usable; build
// one with NewParser.
type Parser struct {
	loc        *time.Location
	classifier *Classifier
}

// NewParser builds a parser that interprets floating times in loc (nil means
// time.Local) and classifies titles with rules.
func NewParser(loc *time.Location, rules Rules) (*Parser, error) {
	if loc == nil {
		loc = time.Local
	}
	c, err := NewClassifier(rules)
	if err != nil {
		return nil, err
	}
	return &Parser{loc: loc, classifier: c}, nil
}

// Location returns the zone used for floating times.
func (p *Parser) Location() *time.Location {
	return p.loc
}

// Parse parses feed text with the default rules in time.Local.
func Parse(feed string) []model.Record {
	p, err := NewParser(time.Local, DefaultRules())
	if err != nil {
		// Default rules are constants; this only fails if they are edited badly.
		panic(err)
	}
	return p.Parse(feed)
}

// Parse returns one record per VEVENT/VTODO block, in feed order. Text with
// no blocks yields an empty, non-nil slice.
func (p *Parser) Parse(feed string) []model.Record {
	blocks := splitBlocks(feed)
	records := make([]model.Record, 0, len(blocks))
	fallbacks := 0
	for _, b := range blocks {
		rec := p.parseBlock(b)
		if rec.UsedFallbackDueDate {
			fallbacks++
		}
		records = append(records, rec)
	}
	appLog.Debug("ics parse completed", "record_count", len(records), "fallback_due_count", fallbacks)
	return records
}

// splitBlocks scans unfolded lines for BEGIN:VEVENT/VTODO and collects the
// body lines up to the first matching END. An unterminated block is dropped.
func splitBlocks(feed string) [][]string {
	lines := strings.Split(Unfold(feed), "\n")
	var (
		blocks  [][]string
		current []string
		kind    string
	)
	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		if kind == "" {
			if name, ok := strings.CutPrefix(line, "BEGIN:"); ok && recordKinds[name] {
				kind = name
				current = nil
			}
			continue
		}
		if line == "END:"+kind {
			blocks = append(blocks, current)
			kind = ""
			continue
		}
		current = append(current, raw)
	}
	return blocks
}

func (p *Parser) parseBlock(lines []string) model.Record {
	fs := newFieldSet(splitProperties(lines))

	var rec model.Record
	rec.Title = model.DefaultTitle
	if v, ok := fs.value("SUMMARY"); ok {
		if title := cleanTitle(v); title != "" {
			rec.Title = title
		}
	}
	if v, ok := fs.value("DESCRIPTION"); ok {
		rec.Description = DecodeText(DecodeEntities(v))
	}
	if v, ok := fs.value("LOCATION"); ok {
		rec.Location = DecodeText(v)
	}

	rec.StartRaw = fs.token("DTSTART")
	rec.DueRaw = fs.token("DUE", "DTDUE")
	rec.EndRaw = fs.token("DTEND")
	rec.CompletedRaw = fs.token("COMPLETED")
	rec.UID = fs.token("UID")
	rec.Status = fs.token("STATUS")
	rec.Priority = fs.integer("PRIORITY")
	rec.PercentComplete = fs.integer("PERCENT-COMPLETE")
	rec.RecurrenceRule = fs.token("RRULE")
	if v := fs.token("ORGANIZER"); v != "" {
		rec.Organizer = extractEmail(v)
	}
	rec.Attendees = fs.addresses("ATTENDEE")

	rec.Start = ParseTimestamp(rec.StartRaw, p.loc)

	cls := p.classifier.Classify(rec.Title)
	rec.IsAssignment = cls.IsAssignment
	rec.ExtractedTimeHint = cls.TimeHint

	resolveDue(&rec, p.loc)
	return rec
}

// cleanTitle decodes a SUMMARY value and drops a trailing number such as the
// " 3" in "Final Exam   3".
// TODO: this also strips legitimate endings like "Chapter 7"; make it a rule
// option once a feed that needs them shows up.
func cleanTitle(v string) string {
	t := DecodeText(DecodeEntities(v))
	return strings.TrimSpace(trailingNumberRe.ReplaceAllString(t, ""))
}
