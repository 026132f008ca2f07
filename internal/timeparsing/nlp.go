package timeparsing

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// nlParser is shared across calls; when.Parser is read-only after Add.
var nlParser = newNLParser()

func newNLParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseNaturalLanguage parses English expressions like "tomorrow",
// "next monday at 2pm", "in 3 days" or "3 days ago" relative to now.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}
	r, err := nlParser.Parse(trimmed, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("not a recognizable time expression: %q", s)
	}
	return r.Time, nil
}

// ParseRelativeTime resolves a scheduling expression using the layered
// grammar: compact duration first, then absolute timestamps, then natural
// language.
func ParseRelativeTime(s string, now time.Time) (time.Time, error) {
	trimmed := strings.TrimSpace(s)
	if IsCompactDuration(trimmed) {
		return ParseCompactDuration(trimmed, now)
	}
	if t, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", trimmed, now.Location()); err == nil {
		return t, nil
	}
	return ParseNaturalLanguage(trimmed, now)
}
