package state

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// State is the single mutable session context: active symbol and side,
// thresholds, tape dollar filters, mute flag, and the per-(symbol, price)
// alert cooldown registry. One instance per process; mutated by the API
// handlers and the aggregation path. Never persisted.
type State struct {
	activeMu     sync.RWMutex
	activeSymbol string
	alertSide    string // "ASK" or "BID"

	threshold    atomic.Int64
	dollarThresh atomic.Int64 // min $ amount for a tape print to broadcast
	bigDollar    atomic.Int64 // $ amount marking a print as big
	silent       atomic.Bool
	connected    atomic.Bool

	alertMu   sync.Mutex
	lastAlert map[string]time.Time // key: "SYMBOL:PRICE" at 4dp
	cooldown  time.Duration
}

func NewState(cooldown time.Duration, defaultThreshold int64) *State {
	s := &State{
		lastAlert: make(map[string]time.Time),
		cooldown:  cooldown,
		alertSide: "ASK",
	}
	if defaultThreshold < 1 {
		defaultThreshold = 1
	}
	s.threshold.Store(defaultThreshold)
	return s
}

// SetSymbol activates a symbol (upper-cased, trimmed) and returns the
// canonical form. An empty symbol deactivates the session.
func (s *State) SetSymbol(sym string) string {
	canon := strings.ToUpper(strings.TrimSpace(sym))
	s.activeMu.Lock()
	s.activeSymbol = canon
	s.activeMu.Unlock()
	return canon
}

func (s *State) Symbol() string {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.activeSymbol
}

func (s *State) Threshold() int64 { return s.threshold.Load() }

func (s *State) SetThreshold(v int64) {
	if v < 1 {
		v = 1
	}
	s.threshold.Store(v)
}

// SetTapeThresholds sets the dollar filter and big-print marker for
// time-and-sales. Negative values clamp to 0 (filter off).
func (s *State) SetTapeThresholds(dollar, bigDollar int64) {
	if dollar < 0 {
		dollar = 0
	}
	if bigDollar < 0 {
		bigDollar = 0
	}
	s.dollarThresh.Store(dollar)
	s.bigDollar.Store(bigDollar)
}

func (s *State) DollarThreshold() int64    { return s.dollarThresh.Load() }
func (s *State) BigDollarThreshold() int64 { return s.bigDollar.Load() }

func (s *State) SetSilent(v bool) { s.silent.Store(v) }
func (s *State) Silent() bool     { return s.silent.Load() }

func (s *State) SetConnected(v bool) { s.connected.Store(v) }
func (s *State) Connected() bool     { return s.connected.Load() }

// Side controls which book side to alert on: "ASK" (offer) or "BID".
// Anything else normalizes to "ASK".
func (s *State) SetSide(side string) string {
	up := strings.ToUpper(strings.TrimSpace(side))
	if up != "BID" {
		up = "ASK"
	}
	s.activeMu.Lock()
	s.alertSide = up
	s.activeMu.Unlock()
	return up
}

func (s *State) Side() string {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.alertSide
}

func (s *State) key(symbol string, price decimal.Decimal) string {
	return fmt.Sprintf("%s:%s", strings.ToUpper(symbol), price.StringFixed(4))
}

// AllowAlert reports whether an alert for (symbol, price) is outside the
// cooldown window, and when it is, stamps the registry with now. A missing
// entry means "never alerted" and is always eligible. The registry mutates
// only on success.
func (s *State) AllowAlert(symbol string, price decimal.Decimal, now time.Time) bool {
	k := s.key(symbol, price)
	s.alertMu.Lock()
	defer s.alertMu.Unlock()
	last, ok := s.lastAlert[k]
	if !ok || now.Sub(last) >= s.cooldown {
		s.lastAlert[k] = now
		return true
	}
	return false
}
