package tape

import (
	"fmt"
	"math"
)

// Trade labels relative to the prevailing quote. Colors match the UI's
// time-and-sales palette.
const (
	AtAsk      = "at_ask"
	AtBid      = "at_bid"
	AboveAsk   = "above_ask"
	BelowBid   = "below_bid"
	BetweenAsk = "between_ask"
	BetweenBid = "between_bid"
	BetweenMid = "between_mid"
)

const eps = 0.001

// Classify buckets a trade print against the last known bid/ask and returns
// the label plus a color tag. A missing or degenerate quote classifies as
// between_mid so the tape keeps flowing.
func Classify(price, bid, ask float64) (string, string) {
	if !finite(price) || !finite(bid) || !finite(ask) || bid <= 0 || ask <= 0 {
		return BetweenMid, "white"
	}
	switch {
	case math.Abs(price-ask) < eps:
		return AtAsk, "green"
	case math.Abs(price-bid) < eps:
		return AtBid, "red"
	case price > ask+eps:
		return AboveAsk, "yellow"
	case price < bid-eps:
		return BelowBid, "magenta"
	}
	dAsk := math.Abs(ask - price)
	dBid := math.Abs(price - bid)
	if math.Abs(dAsk-dBid) < 1e-9 {
		return BetweenMid, "white"
	}
	if dAsk < dBid {
		return BetweenAsk, "white"
	}
	return BetweenBid, "white"
}

// FormatAmount renders a dollar amount as a compact human label.
// The bool reports whether the label is "big-style" (millions).
func FormatAmount(amount float64) (string, bool) {
	switch {
	case amount >= 1_000_000:
		m := amount / 1_000_000
		return fmt.Sprintf("%s million", trimNumber(m)), true
	case amount >= 1_000:
		k := amount / 1_000
		return trimNumber(k) + "K", false
	default:
		return fmt.Sprintf("%.2f", amount), false
	}
}

// trimNumber drops the decimal when the value is (within 1e-9 of) an
// integer, otherwise keeps one decimal place.
func trimNumber(v float64) string {
	if math.Abs(v-math.Round(v)) < 1e-9 {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
