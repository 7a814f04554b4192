package signal

import (
	"math"
	"sort"
	"sync"
	"time"
)

// RVOL default pacing knobs. The alert cooldown applies independently to
// pace and close alerts; the throttle bounds how often a trade triggers
// the full baseline lookup.
const (
	rvolCooldown     = 60 * time.Second
	rvolPaceThrottle = 250 * time.Millisecond
	minutesPerDay    = 24 * 60
)

// sessionAnchorHour is the venue-local hour the minute-of-day bucket is
// anchored to (pre-market open).
const sessionAnchorHour = 4

// Bar is one historical one-minute volume bar feeding the baseline.
type Bar struct {
	Start  time.Time
	Volume int64
}

// RVOLAlert is emitted either mid-minute (Pace=true, via linear volume
// projection) or when a minute bar closes. Samples counts every
// historical bar in the bucket; Nonzero counts only the active ones, and
// the median/percentile statistics use the nonzero set exclusively.
type RVOLAlert struct {
	Symbol              string  `json:"symbol"`
	Price               float64 `json:"price"`
	Volume              int64   `json:"volume"`
	Baseline            float64 `json:"baseline"`
	RVOL                float64 `json:"rvol"`
	Percentile          float64 `json:"percentile"`
	Samples             int     `json:"samples"`
	Nonzero             int     `json:"nonzero"`
	Pace                bool    `json:"pace"`
	ElapsedSec          int     `json:"elapsedSec,omitempty"`
	TimeLabel           string  `json:"time"`
	ProjectedVolume     int64   `json:"projectedVolume,omitempty"`
	ProjectedPercentile float64 `json:"projectedPercentile,omitempty"`
}

// RVOLTracker is the minute-bucketed relative-volume state machine: idle
// until StartSymbol loads a baseline, then fed trades via OnTrade. All
// per-symbol state is fully cleared on Reset or a symbol change.
type RVOLTracker struct {
	mu sync.Mutex

	lookbackDays int
	threshold    float64
	loc          *time.Location

	activeSymbol string
	baselines    map[int][]int64 // minute-of-day bucket -> historical 1m volumes

	currentMinuteStart int64 // unix seconds, 0 when no minute open
	volSoFar           int64
	lastPaceCheck      time.Time
	lastPaceAlert      time.Time
	lastCloseAlert     time.Time
	lastPrice          float64
	hasLastPrice       bool
}

// NewRVOLTracker builds an idle tracker. The baseline buckets are anchored
// at 04:00 America/New_York; if tzdata is unavailable the anchor degrades
// to UTC, matching a container without zoneinfo.
func NewRVOLTracker(lookbackDays int, threshold float64) *RVOLTracker {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	return &RVOLTracker{
		lookbackDays: lookbackDays,
		threshold:    threshold,
		loc:          loc,
		baselines:    make(map[int][]int64),
	}
}

// LookbackDays reports the configured baseline window.
func (t *RVOLTracker) LookbackDays() int { return t.lookbackDays }

// Reset clears symbol, baselines and runtime counters so switching
// symbols cannot leak state.
func (t *RVOLTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.activeSymbol = ""
	t.baselines = make(map[int][]int64)
	t.resetRuntimeLocked()
}

func (t *RVOLTracker) resetRuntimeLocked() {
	t.currentMinuteStart = 0
	t.volSoFar = 0
	t.lastPaceCheck = time.Time{}
	t.lastPaceAlert = time.Time{}
	t.lastCloseAlert = time.Time{}
	t.lastPrice = 0
	t.hasLastPrice = false
}

// StartSymbol rebuilds the baseline from historical one-minute bars and
// moves the tracker to the tracking state. Negative volumes are
// discarded; zero volumes are retained so the per-bucket sample count
// stays meaningful. Runtime counters reset unless preserveLive is set and
// the symbol is unchanged (start-before-connect must not lose early
// prints).
func (t *RVOLTracker) StartSymbol(symbol string, bars []Bar, preserveLive bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sameSymbol := t.activeSymbol == symbol
	t.activeSymbol = symbol
	t.baselines = make(map[int][]int64)

	if !(preserveLive && sameSymbol) {
		t.resetRuntimeLocked()
	}

	for _, b := range bars {
		if b.Volume < 0 {
			continue
		}
		bucket := t.bucketIndex(b.Start)
		t.baselines[bucket] = append(t.baselines[bucket], b.Volume)
	}
}

// Tracking reports whether a symbol baseline is loaded.
func (t *RVOLTracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeSymbol != ""
}

// bucketIndex maps a timestamp to its minute-of-day bucket, minutes since
// 04:00 venue-local, wrapped into [0, 1440) across the day boundary.
func (t *RVOLTracker) bucketIndex(at time.Time) int {
	local := at.In(t.loc)
	m := (local.Hour()-sessionAnchorHour)*60 + local.Minute()
	if m < 0 {
		m += minutesPerDay
	}
	return m
}

// OnTrade processes a live trade and returns zero or more alerts. A
// minute rollover can yield a close alert for the finished minute and
// still count the new minute's first trade. No-op while idle or for
// non-positive sizes.
func (t *RVOLTracker) OnTrade(price float64, size int64, now time.Time) []RVOLAlert {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []RVOLAlert
	if t.activeSymbol == "" || size <= 0 {
		return out
	}

	if !math.IsNaN(price) {
		t.lastPrice = price
		t.hasLastPrice = true
	}

	minuteStart := now.Unix() / 60 * 60
	if minuteStart != t.currentMinuteStart {
		// Finalize the previous minute first, then roll state; the new
		// minute's first trade still counts below.
		if t.currentMinuteStart > 0 && t.volSoFar > 0 {
			if a, ok := t.closeAlertLocked(now); ok {
				out = append(out, a)
			}
		}
		t.currentMinuteStart = minuteStart
		t.volSoFar = 0
		t.lastPaceCheck = time.Time{}
	}

	t.volSoFar += size

	if !t.lastPaceCheck.IsZero() && now.Sub(t.lastPaceCheck) < rvolPaceThrottle {
		return out
	}
	t.lastPaceCheck = now

	bucket := t.bucketIndex(now)
	history := t.baselines[bucket]
	nonzero := nonzeroSorted(history)
	if len(nonzero) == 0 {
		return out
	}
	baseline := median(nonzero)
	if baseline <= 0 {
		return out
	}

	elapsed := float64(now.Unix() - minuteStart)
	if elapsed < 1 {
		elapsed = 1
	} else if elapsed > 60 {
		elapsed = 60
	}
	expected := baseline * elapsed / 60
	paceRVOL := 0.0
	if expected > 0 {
		paceRVOL = float64(t.volSoFar) / expected
	}
	projected := int64(math.Round(float64(t.volSoFar) * 60 / elapsed))

	if paceRVOL < t.threshold {
		return out
	}
	if !t.lastPaceAlert.IsZero() && now.Sub(t.lastPaceAlert) < rvolCooldown {
		return out
	}
	t.lastPaceAlert = now

	out = append(out, RVOLAlert{
		Symbol:              t.activeSymbol,
		Price:               price,
		Volume:              t.volSoFar,
		Baseline:            baseline,
		RVOL:                paceRVOL,
		Percentile:          percentileRank(nonzero, t.volSoFar),
		Samples:             len(history),
		Nonzero:             len(nonzero),
		Pace:                true,
		ElapsedSec:          int(elapsed),
		TimeLabel:           t.timeLabel(now),
		ProjectedVolume:     projected,
		ProjectedPercentile: percentileRank(nonzero, projected),
	})
	return out
}

// closeAlertLocked evaluates the just-finished minute against its
// baseline bucket. Caller holds the lock.
func (t *RVOLTracker) closeAlertLocked(now time.Time) (RVOLAlert, bool) {
	minuteAt := time.Unix(t.currentMinuteStart, 0)
	bucket := t.bucketIndex(minuteAt)
	history := t.baselines[bucket]
	nonzero := nonzeroSorted(history)
	if len(nonzero) == 0 {
		return RVOLAlert{}, false
	}
	baseline := median(nonzero)
	if baseline <= 0 {
		return RVOLAlert{}, false
	}
	rvol := float64(t.volSoFar) / baseline
	if rvol < t.threshold {
		return RVOLAlert{}, false
	}
	if !t.lastCloseAlert.IsZero() && now.Sub(t.lastCloseAlert) < rvolCooldown {
		return RVOLAlert{}, false
	}
	t.lastCloseAlert = now

	price := 0.0
	if t.hasLastPrice {
		price = t.lastPrice
	}
	// Label close alerts at the end of the finished minute.
	return RVOLAlert{
		Symbol:     t.activeSymbol,
		Price:      price,
		Volume:     t.volSoFar,
		Baseline:   baseline,
		RVOL:       rvol,
		Percentile: percentileRank(nonzero, t.volSoFar),
		Samples:    len(history),
		Nonzero:    len(nonzero),
		Pace:       false,
		TimeLabel:  t.timeLabel(time.Unix(t.currentMinuteStart+59, 0)),
	}, true
}

func (t *RVOLTracker) timeLabel(at time.Time) string {
	return at.In(t.loc).Format("15:04:05 MST")
}

// nonzeroSorted extracts the positive volumes from a bucket history,
// ascending.
func nonzeroSorted(history []int64) []int64 {
	out := make([]int64, 0, len(history))
	for _, v := range history {
		if v > 0 {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// median of an ascending non-empty slice.
func median(sorted []int64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return float64(sorted[n/2])
	}
	return (float64(sorted[n/2-1]) + float64(sorted[n/2])) / 2
}

// percentileRank is the percent of samples <= x, 0..100, via sorted
// search.
func percentileRank(sorted []int64, x int64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	i := sort.Search(len(sorted), func(i int) bool { return sorted[i] > x })
	return 100 * float64(i) / float64(len(sorted))
}
