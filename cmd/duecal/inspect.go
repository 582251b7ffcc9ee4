package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"duecal/internal/ics"
	"duecal/internal/model"
	"duecal/internal/reminder"
)

func readFeed(path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read feed: %w", err)
	}
	return string(data), nil
}

func parseFeedFile(path string, loc *time.Location) ([]model.Record, error) {
	feed, err := readFeed(path)
	if err != nil {
		return nil, err
	}
	p, err := ics.NewParser(loc, ics.DefaultRules())
	if err != nil {
		return nil, err
	}
	return p.Parse(feed), nil
}

func runParse(path string, loc *time.Location, w io.Writer) error {
	recs, err := parseFeedFile(path, loc)
	if err != nil {
		return err
	}
	return writeIndented(w, recs)
}

func runRemind(path string, loc *time.Location, now time.Time, hours []int, w io.Writer) error {
	recs, err := parseFeedFile(path, loc)
	if err != nil {
		return err
	}
	settings := reminder.DefaultSettings()
	if len(hours) > 0 {
		settings.IntervalsHours = hours
	}
	plan := reminder.ComputeReminders(recs, model.NewIDSet(), settings, reminder.NewState(), now)
	return writeIndented(w, plan)
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
