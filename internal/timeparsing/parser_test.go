package timeparsing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Anchor: Wednesday 2026-03-04, 09:30 UTC. Mid-week and mid-morning so
// day, week and hour arithmetic all move visibly.
var anchor = time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)

func TestParseCompactDuration(t *testing.T) {
	cases := []struct {
		expr string
		want time.Time
	}{
		{"+6h", anchor.Add(6 * time.Hour)},
		{"6h", anchor.Add(6 * time.Hour)},
		{"-90h", anchor.Add(-90 * time.Hour)},
		{"+1d", time.Date(2026, 3, 5, 9, 30, 0, 0, time.UTC)},
		{"-1d", time.Date(2026, 3, 3, 9, 30, 0, 0, time.UTC)},
		{"+2w", time.Date(2026, 3, 18, 9, 30, 0, 0, time.UTC)},
		{"3m", time.Date(2026, 6, 4, 9, 30, 0, 0, time.UTC)},
		{"1y", time.Date(2027, 3, 4, 9, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := ParseCompactDuration(tc.expr, anchor)
			require.NoError(t, err)
			require.True(t, got.Equal(tc.want), "got %v, want %v", got, tc.want)
		})
	}
}

func TestParseCompactDurationRejectsMalformedInput(t *testing.T) {
	for _, expr := range []string{"", "6", "d", "6h+", "++1d", "1x", "+ 6h", "2026-03-04", "tomorrow"} {
		_, err := ParseCompactDuration(expr, anchor)
		require.Error(t, err, "expr %q", expr)
		require.False(t, IsCompactDuration(expr), "expr %q", expr)
	}
}

func TestCompactDurationKeepsWallClock(t *testing.T) {
	// A one-day deferral lands at the same local time, not 24 elapsed
	// hours; that distinction matters across DST.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// The US spring-forward boundary in 2026 is March 8.
	before := time.Date(2026, 3, 7, 17, 0, 0, 0, loc)
	got, err := ParseCompactDuration("+1d", before)
	require.NoError(t, err)
	require.Equal(t, 17, got.Hour())
	require.Equal(t, loc, got.Location())
}

func TestParseRelativeTimeLayering(t *testing.T) {
	t.Run("compact offset keeps time of day", func(t *testing.T) {
		got, err := ParseRelativeTime("+1d", anchor)
		require.NoError(t, err)
		require.True(t, got.Equal(anchor.AddDate(0, 0, 1)))
	})

	t.Run("rfc3339 passes through untouched", func(t *testing.T) {
		got, err := ParseRelativeTime("2026-07-01T14:30:00Z", anchor)
		require.NoError(t, err)
		require.True(t, got.Equal(time.Date(2026, 7, 1, 14, 30, 0, 0, time.UTC)))
	})

	t.Run("date-only resolves in the anchor location", func(t *testing.T) {
		got, err := ParseRelativeTime("2026-04-01", anchor)
		require.NoError(t, err)
		require.True(t, got.Equal(time.Date(2026, 4, 1, 0, 0, 0, 0, anchor.Location())))
	})

	t.Run("natural language is the last resort", func(t *testing.T) {
		got, err := ParseRelativeTime("tomorrow", anchor)
		require.NoError(t, err)
		require.Equal(t, 5, got.Day())
		require.Equal(t, time.March, got.Month())
	})

	t.Run("surrounding whitespace is tolerated", func(t *testing.T) {
		got, err := ParseRelativeTime("  +2w  ", anchor)
		require.NoError(t, err)
		require.True(t, got.Equal(anchor.AddDate(0, 0, 14)))
	})

	t.Run("garbage is an error", func(t *testing.T) {
		_, err := ParseRelativeTime("whenever the backlog clears", anchor)
		require.Error(t, err)
	})
}
