// Package pattern provides the diurnal demand pattern that the SCADA
// simulator applies to baseline values. The multiplier approximates
// a typical municipal demand curve: low overnight, a morning peak, an
// afternoon trough, and an evening peak.
package pattern

// anchors are the (hour, multiplier) pairs of the piecewise-linear diurnal
// curve. The curve is continuous and closes on itself at midnight.
var anchors = [...]struct{ hour, mult float64 }{
	{0, 0.8},
	{6, 0.7},
	{8, 1.4},
	{10, 1.4},
	{12, 1.0},
	{14, 0.6},
	{18, 0.9},
	{20, 1.3},
	{22, 1.0},
	{24, 0.8},
}

// Multiplier returns the demand multiplier for a fractional hour of day.
// Hours outside [0, 24) are normalized modulo 24. The result is always
// within [0.6, 1.4].
func Multiplier(hour float64) float64 {
	hour = mod24(hour)

	for i := 1; i < len(anchors); i++ {
		lo, hi := anchors[i-1], anchors[i]
		if hour < hi.hour {
			frac := (hour - lo.hour) / (hi.hour - lo.hour)
			return lo.mult + frac*(hi.mult-lo.mult)
		}
	}
	// Unreachable: hour < 24 always lands in a segment.
	return anchors[0].mult
}

func mod24(h float64) float64 {
	h -= 24 * float64(int(h/24))
	if h < 0 {
		h += 24
	}
	return h
}
