package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseNaturalLanguage(t *testing.T) {
	// Same Wednesday anchor as the parser tests, in local time because
	// the when rules resolve against the wall clock.
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.Local)

	cases := []struct {
		expr     string
		wantDate time.Time // compared by calendar day
		wantHour int       // -1: hour unspecified by the expression
	}{
		{"tomorrow", now.AddDate(0, 0, 1), -1},
		{"yesterday", now.AddDate(0, 0, -1), -1},
		{"in 3 days", now.AddDate(0, 0, 3), -1},
		{"in 1 week", now.AddDate(0, 0, 7), -1},
		{"3 days ago", now.AddDate(0, 0, -3), -1},
		{"next friday", time.Date(2026, 3, 6, 0, 0, 0, 0, time.Local), -1},
		{"next monday", time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local), -1},
		{"tomorrow at 9am", now.AddDate(0, 0, 1), 9},
		{"next monday at 2pm", time.Date(2026, 3, 9, 0, 0, 0, 0, time.Local), 14},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ParseNaturalLanguage(tc.expr, now)
			require.NoError(t, err)
			y, m, d := tc.wantDate.Date()
			gy, gm, gd := got.Date()
			require.Equal(t, [3]int{y, int(m), d}, [3]int{gy, int(gm), gd})
			if tc.wantHour >= 0 {
				require.Equal(t, tc.wantHour, got.Hour())
			}
		})
	}
}

func TestParseNaturalLanguageRejectsNonTimes(t *testing.T) {
	now := time.Date(2026, 3, 4, 9, 30, 0, 0, time.Local)
	for _, expr := range []string{"", "   ", "ship the release", "el-abc123"} {
		_, err := ParseNaturalLanguage(expr, now)
		require.Error(t, err, "expr %q", expr)
	}
}
