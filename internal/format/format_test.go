package format

import (
	"math"
	"reflect"
	"testing"
	"testing/quick"
	"time"

	"github.com/vesaa/npdash/internal/models"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0.00 B"},
		{1023, "1023.00 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{5 << 20, "5.00 MB"},
		{3 << 40, "3.00 TB"},
		{2048 << 40, "2048.00 TB"},
		{-2048, "2.00 KB"},
	}
	for _, tt := range tests {
		if got := Bytes(tt.in); got != tt.want {
			t.Errorf("Bytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRate(t *testing.T) {
	if got := Rate(2048); got != "2.00 KB/s" {
		t.Errorf("Rate(2048) = %q", got)
	}
	if got := Rate(-5); got != "0.00 B/s" {
		t.Errorf("negative rate rendered as %q", got)
	}
}

func TestBestUnitProperty(t *testing.T) {
	config := &quick.Config{MaxCount: 500}

	// Property: the chosen unit is the smallest that brings the max below 1024,
	// except TB which is used regardless.
	property := func(raw []uint32, shift uint8) bool {
		values := make([]float64, len(raw))
		for i, r := range raw {
			values[i] = float64(r) * math.Pow(2, float64(shift%24))
		}
		u := BestUnit(values)
		if len(values) == 0 {
			return u.Name == "B"
		}
		max := values[0]
		for _, v := range values {
			max = math.Max(max, v)
		}
		idx := -1
		for i, cand := range Units {
			if cand == u {
				idx = i
			}
		}
		if idx < 0 {
			return false
		}
		if idx < len(Units)-1 && max/u.Divisor >= 1024 {
			return false
		}
		if idx > 0 && max/Units[idx-1].Divisor < 1024 {
			return false
		}
		return true
	}
	if err := quick.Check(property, config); err != nil {
		t.Errorf("unit selection property failed: %v", err)
	}
}

func TestBestUnitShared(t *testing.T) {
	u := BestUnit([]float64{10, 3 << 20, 512})
	if u.Name != "MB" {
		t.Fatalf("unit = %s, want MB", u.Name)
	}
	got := Scale([]float64{1 << 20, 3 << 20}, u)
	if !reflect.DeepEqual(got, []float64{1, 3}) {
		t.Errorf("Scale = %v", got)
	}
}

func TestANSIToHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"green", "\x1b[32mINFO\x1b[0m ready", `<span class="text-green-400">INFO</span> ready`},
		{"unclosed", "\x1b[31mERROR boom", `<span class="text-red-400">ERROR boom</span>`},
		{"timestamp prefix", "2025-06-26 10:00:01.123 \x1b[33mWARN\x1b[0m x", `<span class="text-yellow-400">WARN</span> x`},
		{"escapes html", "<b>&</b>", "&lt;b&gt;&amp;&lt;/b&gt;"},
		{"unknown code dropped", "\x1b[1mbold\x1b[0m", "bold"},
		{"stray reset", "a\x1b[0mb", "ab"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ANSIToHTML(tt.in); got != tt.want {
				t.Errorf("ANSIToHTML(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripANSI(t *testing.T) {
	if got := StripANSI("\x1b[36mDEBUG\x1b[0m ok"); got != "DEBUG ok" {
		t.Errorf("StripANSI = %q", got)
	}
}

func TestUptime(t *testing.T) {
	tests := map[int64]string{
		0:      "0s",
		42:     "42s",
		90:     "1m",
		3720:   "1h 2m",
		183600: "2d 3h 0m",
	}
	for in, want := range tests {
		if got := Uptime(in); got != want {
			t.Errorf("Uptime(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestSince(t *testing.T) {
	now := time.Date(2025, 6, 26, 12, 0, 0, 0, time.UTC)
	if got := Since(now.Add(-30*time.Second), now); got != "just now" {
		t.Errorf("got %q", got)
	}
	if got := Since(now.Add(-2*time.Hour), now); got != "2h ago" {
		t.Errorf("got %q", got)
	}
}

func TestFilterByWindowScenario(t *testing.T) {
	points := []models.TrendPoint{
		{EventTime: "2025-06-26 10:00", TCPRxDiff: 1024},
		{EventTime: "2025-06-26 23:00", TCPRxDiff: 2048},
	}
	now := time.Date(2025, 6, 26, 23, 30, 0, 0, time.Local)

	got := FilterByWindow(points, Window1h, now)
	if len(got) != 1 || got[0].TCPRxDiff != 2048 {
		t.Fatalf("1h window = %+v, want only the 23:00 point", got)
	}
	if all := FilterByWindow(points, Window24h, now); len(all) != 2 {
		t.Errorf("24h window kept %d points, want 2", len(all))
	}
}

func TestFilterByWindowDropsMalformed(t *testing.T) {
	now := time.Date(2025, 6, 26, 23, 30, 0, 0, time.UTC)
	points := []models.TrendPoint{
		{EventTime: ""},
		{EventTime: "yesterday"},
		{EventTime: "2025-13-40 99:99"},
		{EventTime: "2025-06-26T23:10:00Z", TCPTxDiff: 7},
		{EventTime: "2025-06-27 01:00"}, // future
	}
	got := FilterByWindow(points, Window1h, now)
	if len(got) != 1 || got[0].TCPTxDiff != 7 {
		t.Errorf("got %+v", got)
	}
}

func TestFilterByWindowIdempotent(t *testing.T) {
	now := time.Date(2025, 6, 26, 12, 0, 0, 0, time.UTC)
	config := &quick.Config{MaxCount: 200}

	property := func(offsets []uint16, pick uint8) bool {
		windows := []Window{Window1h, Window6h, Window12h, Window24h}
		w := windows[int(pick)%len(windows)]
		points := make([]models.TrendPoint, len(offsets))
		for i, off := range offsets {
			at := now.Add(-time.Duration(off) * time.Minute)
			points[i] = models.TrendPoint{EventTime: at.Format("2006-01-02 15:04"), TCPRxDiff: int64(i)}
		}
		once := FilterByWindow(points, w, now)
		twice := FilterByWindow(once, w, now)
		return reflect.DeepEqual(once, twice)
	}
	if err := quick.Check(property, config); err != nil {
		t.Errorf("filter idempotence failed: %v", err)
	}
}

func TestParseWindow(t *testing.T) {
	if w, err := ParseWindow(""); err != nil || w != Window24h {
		t.Errorf("empty = %v, %v", w, err)
	}
	if _, err := ParseWindow("2h"); err == nil {
		t.Error("expected error for 2h")
	}
}

func TestBuildTrafficChartSharedUnit(t *testing.T) {
	now := time.Date(2025, 6, 26, 12, 0, 0, 0, time.UTC)
	points := []models.TrendPoint{
		{EventTime: "2025-06-26 11:00", TCPRxDiff: 2 << 20, UDPTxDiff: 512},
		{EventTime: "2025-06-26 11:30", TCPTxDiff: 1 << 20},
	}
	chart := BuildTrafficChart(points, Window1h, now)
	if chart.Unit != "MB" {
		t.Fatalf("unit = %s, want MB", chart.Unit)
	}
	if len(chart.Series) != 4 {
		t.Fatalf("series = %d, want 4", len(chart.Series))
	}
	if y := chart.Series[0].Data[0].Y; y != 2 {
		t.Errorf("TCP Rx first point = %v, want 2", y)
	}
	// 512 B in MB rounds to 0 at two decimals; it must not get its own unit.
	if y := chart.Series[3].Data[0].Y; y != 0 {
		t.Errorf("UDP Tx first point = %v, want 0", y)
	}
}
