package format

import (
	"math"
	"time"

	"github.com/vesaa/npdash/internal/models"
)

// ChartPoint is one plotted value, already divided by the chart unit.
type ChartPoint struct {
	X string  `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Series is one traffic line.
type Series struct {
	ID   string       `json:"id" yaml:"id"`
	Data []ChartPoint `json:"data" yaml:"data"`
}

// TrafficChart holds the four traffic lines rendered in one shared unit.
type TrafficChart struct {
	Window Window   `json:"window" yaml:"window"`
	Unit   string   `json:"unit" yaml:"unit"`
	Series []Series `json:"series" yaml:"series"`
}

// BuildTrafficChart filters points to the window and scales all four
// counters by a single unit chosen from every plotted value, so that the
// lines stay comparable.
func BuildTrafficChart(points []models.TrendPoint, w Window, now time.Time) TrafficChart {
	in := FilterByWindow(points, w, now)

	all := make([]float64, 0, len(in)*4)
	for _, p := range in {
		all = append(all, float64(p.TCPRxDiff), float64(p.TCPTxDiff), float64(p.UDPRxDiff), float64(p.UDPTxDiff))
	}
	unit := BestUnit(all)

	pick := []struct {
		id  string
		val func(models.TrendPoint) int64
	}{
		{"TCP Rx", func(p models.TrendPoint) int64 { return p.TCPRxDiff }},
		{"TCP Tx", func(p models.TrendPoint) int64 { return p.TCPTxDiff }},
		{"UDP Rx", func(p models.TrendPoint) int64 { return p.UDPRxDiff }},
		{"UDP Tx", func(p models.TrendPoint) int64 { return p.UDPTxDiff }},
	}

	chart := TrafficChart{Window: w, Unit: unit.Name, Series: make([]Series, 0, len(pick))}
	for _, s := range pick {
		data := make([]ChartPoint, 0, len(in))
		for _, p := range in {
			y := float64(s.val(p)) / unit.Divisor
			data = append(data, ChartPoint{X: p.EventTime, Y: math.Round(y*100) / 100})
		}
		chart.Series = append(chart.Series, Series{ID: s.id, Data: data})
	}
	return chart
}
