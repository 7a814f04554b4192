package signal

import (
	"math"
	"testing"
)

func auto() float64 { return math.NaN() }

func TestOBIBalancedIsExactlyZero(t *testing.T) {
	if got := ComputeOBI([]float64{100, 100, 100}, []float64{100, 100, 100}, 0.5); got != 0.0 {
		t.Fatalf("balanced book OBI = %v, want exactly 0", got)
	}
}

func TestOBIBidDominantL1(t *testing.T) {
	got := ComputeOBI([]float64{100, 0, 0}, []float64{10, 0, 0}, 0.6)
	if got <= 0.75 {
		t.Fatalf("bid-dominant OBI = %v, want > 0.75", got)
	}
}

func TestOBIAskDominantDeeperLevels(t *testing.T) {
	got := ComputeOBI([]float64{50, 20, 0}, []float64{50, 80, 0}, 0.4)
	if got >= 0 {
		t.Fatalf("ask-dominant OBI = %v, want negative", got)
	}
}

func TestOBISanitizesBadInput(t *testing.T) {
	if got := ComputeOBI([]float64{0, 0, 0}, []float64{0, 0, 0}, 0.5); got != 0 {
		t.Fatalf("zero depth OBI = %v, want 0", got)
	}
	got := ComputeOBI([]float64{100, -50, math.NaN()}, []float64{100, 0, 0}, 0.5)
	if math.Abs(got) > 1e-9 {
		t.Fatalf("sanitized negatives/NaN skewed OBI: %v", got)
	}
}

func TestOBIRangeAndMonotonicity(t *testing.T) {
	v1 := ComputeOBI([]float64{1e12, 0, 0}, []float64{0, 0, 0}, 0.5)
	v2 := ComputeOBI([]float64{0, 0, 0}, []float64{1e12, 0, 0}, 0.5)
	if v1 < -1 || v1 > 1 || v2 < -1 || v2 > 1 {
		t.Fatalf("OBI must stay in [-1,1]: %v, %v", v1, v2)
	}
	a := ComputeOBI([]float64{10, 0, 0}, []float64{10, 0, 0}, 0.5)
	b := ComputeOBI([]float64{20, 0, 0}, []float64{10, 0, 0}, 0.5)
	if b <= a {
		t.Fatalf("OBI should rise with bid size at L1: %v -> %v", a, b)
	}
}

func TestOBIHeuristicAlpha(t *testing.T) {
	// Heuristic path must still land in range; L1-heavy book bumps alpha up.
	got := ComputeOBI([]float64{1000, 10, 10}, []float64{900, 10, 10}, auto())
	if got <= 0 || got > 1 {
		t.Fatalf("heuristic OBI = %v, want small positive", got)
	}
}

func TestChooseAlphaBounds(t *testing.T) {
	cases := []struct {
		qb, qa []float64
		want   float64
	}{
		{[]float64{100, 10, 10}, []float64{100, 10, 10}, 0.6}, // L1 > 2x deeper
		{[]float64{10, 100, 100}, []float64{10, 100, 100}, 0.4},
		{[]float64{100, 0, 0}, []float64{100, 0, 0}, 0.6}, // L1 only
		{[]float64{0, 100, 0}, []float64{0, 100, 0}, 0.4}, // deeper only
		{[]float64{50, 40, 0}, []float64{50, 40, 0}, 0.5},
	}
	for _, c := range cases {
		if got := ChooseAlpha(c.qb, c.qa); math.Abs(got-c.want) > 1e-12 {
			t.Errorf("ChooseAlpha(%v, %v) = %v, want %v", c.qb, c.qa, got, c.want)
		}
	}
}
