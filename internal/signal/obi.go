// Package signal holds the pure calculators driving the outbound stats:
// order-book imbalance, rolling micro-VWAP, relative volume, and the
// derived action hint. Nothing in here does I/O.
package signal

import "math"

// ObiMaxLevels caps how many book levels contribute to the imbalance.
const ObiMaxLevels = 3

// ComputeOBI returns a distance-weighted order book imbalance in [-1, +1]
// (-1 ask-dominant .. +1 bid-dominant) over up to the best 3 levels per
// side. Pass NaN as alpha to let ChooseAlpha pick the decay; a provided
// alpha <= 0 is nudged to a tiny positive value to avoid equal weights.
//
// Non-finite or negative quantities count as 0. If fewer than one level is
// present on either side, or the weighted total size is zero, the result
// is a neutral 0.
func ComputeOBI(bidQty, askQty []float64, alpha float64) float64 {
	qb := sanitizeLevels(bidQty)
	qa := sanitizeLevels(askQty)
	l := min(ObiMaxLevels, min(len(qb), len(qa)))
	if l <= 0 {
		return 0
	}

	a := alpha
	if math.IsNaN(a) || math.IsInf(a, 0) {
		a = ChooseAlpha(qb[:l], qa[:l])
	} else if a <= 0 {
		a = 1e-6
	}

	var num, den float64
	for i := 1; i <= l; i++ {
		w := math.Exp(-a * float64(i))
		b := qb[i-1]
		k := qa[i-1]
		num += w * (b - k)
		den += w * (b + k)
	}
	if den <= 0 {
		return 0
	}
	return clamp(num/den, -1, 1)
}

// ChooseAlpha picks a decay factor from the book shape when none is
// configured: start at 0.5, lean steeper (+0.1) when the top of book
// dwarfs the deeper queues by more than 2x, shallower (-0.1) when the
// deeper queues dominate. Result is clipped to [0.3, 0.8].
func ChooseAlpha(bidQty, askQty []float64) float64 {
	qb := sanitizeLevels(truncate(bidQty, ObiMaxLevels))
	qa := sanitizeLevels(truncate(askQty, ObiMaxLevels))

	alpha := 0.5
	var l1, deeper float64
	if len(qb) > 0 {
		l1 += qb[0]
	}
	if len(qa) > 0 {
		l1 += qa[0]
	}
	for _, v := range qb[min(1, len(qb)):] {
		deeper += v
	}
	for _, v := range qa[min(1, len(qa)):] {
		deeper += v
	}

	switch {
	case l1 > 0 && deeper > 0:
		if l1 > 2*deeper {
			alpha += 0.1
		} else if deeper > 2*l1 {
			alpha -= 0.1
		}
	case l1 > 0:
		alpha += 0.1
	case deeper > 0:
		alpha -= 0.1
	}
	return clamp(alpha, 0.3, 0.8)
}

func sanitizeLevels(in []float64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			v = 0
		}
		out[i] = v
	}
	return out
}

func truncate(in []float64, n int) []float64 {
	if len(in) > n {
		return in[:n]
	}
	return in
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
