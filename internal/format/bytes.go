// Package format turns raw counters and timestamps into display values.
// Everything here is pure and safe for concurrent use.
package format

import (
	"fmt"
	"math"
)

// Unit is a base-1024 byte magnitude.
type Unit struct {
	Name    string  `json:"unit" yaml:"unit"`
	Divisor float64 `json:"divisor" yaml:"divisor"`
}

// Units lists the supported magnitudes, smallest first.
var Units = []Unit{
	{"B", 1},
	{"KB", 1 << 10},
	{"MB", 1 << 20},
	{"GB", 1 << 30},
	{"TB", 1 << 40},
}

// unitFor walks up the unit ladder until v fits below 1024, stopping at TB.
func unitFor(v float64) (Unit, float64) {
	i := 0
	for v >= 1024 && i < len(Units)-1 {
		v /= 1024
		i++
	}
	return Units[i], v
}

// Bytes renders a byte count with two decimals, e.g. "1.50 KB".
// Negative counts are rendered by magnitude.
func Bytes(n int64) string {
	u, v := unitFor(math.Abs(float64(n)))
	return fmt.Sprintf("%.2f %s", v, u.Name)
}

// Rate renders bytes per second, e.g. "12.00 KB/s".
func Rate(bps float64) string {
	if bps < 0 || math.IsNaN(bps) {
		bps = 0
	}
	u, v := unitFor(bps)
	return fmt.Sprintf("%.2f %s/s", v, u.Name)
}

// BestUnit picks one unit for a whole series: the smallest unit in which the
// series maximum is below 1024, or TB when even that is exceeded. An empty
// series yields B.
func BestUnit(values []float64) Unit {
	if len(values) == 0 {
		return Units[0]
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	u, _ := unitFor(max)
	return u
}

// Scale divides every value by the unit divisor.
func Scale(values []float64, u Unit) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v / u.Divisor
	}
	return out
}
