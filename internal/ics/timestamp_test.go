package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  time.Time
	}{
		{"utc date-time", "20240315T140000Z", time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)},
		{"date only is local midnight", "20240315", time.Date(2024, 3, 15, 0, 0, 0, 0, ny)},
		{"floating date-time", "20240510T235900", time.Date(2024, 5, 10, 23, 59, 0, 0, ny)},
		{"hour and minute only", "20240510T2359", time.Date(2024, 5, 10, 23, 59, 0, 0, ny)},
		{"surrounding space", " 20240101 ", time.Date(2024, 1, 1, 0, 0, 0, 0, ny)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseTimestamp(tt.token, ny)
			assert.True(t, tt.want.Equal(got), "want %v, got %v", tt.want, got)
			assert.Equal(t, tt.want.Location().String(), got.Location().String())
		})
	}
}

func TestParseTimestampMalformed(t *testing.T) {
	for _, token := range []string{
		"abc",
		"",
		"2024031",
		"2024AB15",
		"20241301",
		"20240230",
		"20240315XT1200",
		"20240315T25",
		"20240315T1261",
	} {
		t.Run(token, func(t *testing.T) {
			assert.True(t, ParseTimestamp(token, time.UTC).IsZero())
		})
	}
}

func TestParseTimestampNilLocationIsLocal(t *testing.T) {
	got := ParseTimestamp("20240315", nil)
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.Local), got)
}

func TestFormatDisplay(t *testing.T) {
	at := time.Date(2024, 5, 10, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "Fri, May 10 2024 11:59 PM", FormatDisplay(at, false, time.UTC))
	assert.Equal(t, "Fri, May 10 2024", FormatDisplay(at, true, time.UTC))
	assert.Equal(t, "", FormatDisplay(time.Time{}, false, time.UTC))
}
