package signal

// Action hint tokens attached to the book stats block.
const (
	HintLongOK    = "long_ok"
	HintFadeShort = "fade_short_ok"
	HintTrendUp   = "trend_up"
	HintTrendDown = "trend_down"
)

// ActionHint maps the distance of price from the micro-VWAP (in sigma
// bands) plus the current OBI onto a directional hint. ok is false when no
// hint applies or the band is degenerate.
//
// The checks run in a fixed order: the mean-reversion hints (long_ok,
// fade_short_ok) are evaluated before the trend hints, so some
// OBI/distance combinations land on no hint at all. That ordering is
// load-bearing; do not reorder.
func ActionHint(price, vwap, sigma, bandK, obi float64) (string, bool) {
	band := sigma * bandK
	if band <= 0 {
		return "", false
	}
	dist := price - vwap
	switch {
	case dist <= -band && obi > -0.1:
		return HintLongOK, true
	case dist >= band && obi < 0.1:
		return HintFadeShort, true
	case dist >= band && obi >= 0.3:
		return HintTrendUp, true
	case dist <= -band && obi <= -0.3:
		return HintTrendDown, true
	}
	return "", false
}
