package format

import (
	"fmt"
	"time"

	"github.com/vesaa/npdash/internal/models"
)

// Window selects how much trend history is charted.
type Window string

const (
	Window1h  Window = "1h"
	Window6h  Window = "6h"
	Window12h Window = "12h"
	Window24h Window = "24h"
)

// Duration returns the span covered by the window.
func (w Window) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window6h:
		return 6 * time.Hour
	case Window12h:
		return 12 * time.Hour
	}
	return 24 * time.Hour
}

// ParseWindow accepts "1h", "6h", "12h" or "24h". An empty string means 24h.
func ParseWindow(s string) (Window, error) {
	switch w := Window(s); w {
	case Window1h, Window6h, Window12h, Window24h:
		return w, nil
	case "":
		return Window24h, nil
	}
	return "", fmt.Errorf("unknown time range %q (use 1h, 6h, 12h or 24h)", s)
}

var eventTimeLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseEventTime parses a trend timestamp. Zone-less layouts are read in loc.
func ParseEventTime(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range eventTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FilterByWindow keeps the points whose event time lies in [now-w, now].
// Points with a missing or unparseable time are dropped. Zone-less times are
// interpreted in now's location. The input slice is not modified.
func FilterByWindow(points []models.TrendPoint, w Window, now time.Time) []models.TrendPoint {
	cutoff := now.Add(-w.Duration())
	out := make([]models.TrendPoint, 0, len(points))
	for _, p := range points {
		t, ok := ParseEventTime(p.EventTime, now.Location())
		if !ok {
			continue
		}
		if t.Before(cutoff) || t.After(now) {
			continue
		}
		out = append(out, p)
	}
	return out
}
