package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"scalpwatch/internal/depth"
	"scalpwatch/internal/feed"
	"scalpwatch/internal/metrics"
	"scalpwatch/internal/record"
	"scalpwatch/internal/signal"
	"scalpwatch/internal/state"
	"scalpwatch/internal/tape"
)

// BarSource supplies historical 1-minute bars for RVOL baselines and the
// micro-VWAP bootstrap. The gateway client implements it; replay sessions
// run without one.
type BarSource interface {
	HistoricalMinuteBars(ctx context.Context, symbol string, days int) ([]feed.MinuteBar, error)
}

// Output is one outbound event headed for the websocket hub.
type Output struct {
	Type string
	Data any
}

// Stats rides on every book event.
type Stats struct {
	BestBid    *float64 `json:"bestBid"`
	BestAsk    *float64 `json:"bestAsk"`
	Spread     *float64 `json:"spread"`
	Last       *float64 `json:"last"`
	Volume     int64    `json:"volume"`
	OBI        *float64 `json:"obi"`
	OBIAlpha   *float64 `json:"obiAlpha"`
	OBILevels  int      `json:"obiLevels"`
	MicroVWAP  *float64 `json:"microVWAP"`
	MicroSigma *float64 `json:"microSigma"`
	MicroBandK float64  `json:"microBandK"`
	ActionHint string   `json:"actionHint,omitempty"`
}

type BookData struct {
	Asks  []depth.AggregatedLevel `json:"asks"`
	Bids  []depth.AggregatedLevel `json:"bids"`
	Side  string                  `json:"side"`
	Stats Stats                   `json:"stats"`
}

type AlertData struct {
	Side      string  `json:"side"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	SumShares int64   `json:"sumShares"`
	TimeISO   string  `json:"timeISO"`
}

type QuoteData struct {
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
	Last   *float64 `json:"last"`
	Volume int64    `json:"volume"`
}

type TradeData struct {
	Sym       string   `json:"sym"`
	Price     float64  `json:"price"`
	Size      int64    `json:"size"`
	Amount    float64  `json:"amount"`
	AmountStr string   `json:"amountStr"`
	Side      string   `json:"side"`
	Color     string   `json:"color"`
	Big       bool     `json:"big"`
	Bid       *float64 `json:"bid"`
	Ask       *float64 `json:"ask"`
	Silent    bool     `json:"silent"`
}

type StatusData struct {
	Connected bool   `json:"connected"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// Params are the signal knobs the engine needs from config.
type Params struct {
	OBIEnabled    bool
	OBIAlpha      float64 // <=0 means per-snapshot heuristic
	OBILevels     int
	RVOLEnabled   bool
	RVOLThreshold float64
	RVOLLookback  int
	VWAPMinutes   float64
	VWAPBandK     float64
}

// Engine consumes the normalized feed serially, runs every detector, and
// publishes typed outbound events. One engine per process; all feed kinds
// for the active symbol flow through it in arrival order.
type Engine struct {
	st   *state.State
	agg  *depth.Aggregator
	rvol *signal.RVOLTracker
	vwap *signal.MicroVWAP
	bars BarSource
	log  *slog.Logger
	met  *metrics.Metrics

	mu          sync.Mutex
	bid, ask    *float64
	last        *float64
	volume      int64
	bandK       float64
	obiEnabled  bool
	obiAlpha    float64
	obiLevels   int
	rvolEnabled bool
	rec         *record.Recorder

	out chan Output
}

func New(st *state.State, p Params, bars BarSource, met *metrics.Metrics, logger *slog.Logger) *Engine {
	window := time.Duration(p.VWAPMinutes * float64(time.Minute))
	return &Engine{
		st:          st,
		agg:         depth.NewAggregator(st),
		rvol:        signal.NewRVOLTracker(p.RVOLLookback, p.RVOLThreshold),
		vwap:        signal.NewMicroVWAP(window),
		bars:        bars,
		log:         logger,
		met:         met,
		bandK:       clampBandK(p.VWAPBandK),
		obiEnabled:  p.OBIEnabled,
		obiAlpha:    p.OBIAlpha,
		obiLevels:   p.OBILevels,
		rvolEnabled: p.RVOLEnabled,
		out:         make(chan Output, 1024),
	}
}

func (e *Engine) Outputs() <-chan Output { return e.out }

// Run drains the source's event stream until it closes or ctx ends.
func (e *Engine) Run(ctx context.Context, src feed.Source) {
	for {
		select {
		case ev, ok := <-src.Events():
			if !ok {
				return
			}
			e.handle(ev, time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// handle dispatches one feed event. Exposed to tests via Run only; now is
// injected so tests stay deterministic.
func (e *Engine) handle(ev feed.Event, now time.Time) {
	if e.met != nil {
		e.met.RecordFeedEvent(kindLabel(ev.Kind))
	}
	switch ev.Kind {
	case feed.KindSnapshot:
		e.onSnapshot(ev.Snapshot, now)
	case feed.KindQuote:
		e.onQuote(ev.Quote)
	case feed.KindTrade:
		e.onTrade(ev.Trade, now)
	case feed.KindStatus:
		e.st.SetConnected(ev.Connected)
		e.emit("status", StatusData{Connected: ev.Connected, Symbol: e.st.Symbol(), Side: e.st.Side()})
	case feed.KindError:
		e.emit("error", ErrorData{Message: ev.Err})
	}
}

func (e *Engine) onSnapshot(s *feed.Snapshot, now time.Time) {
	active := e.st.Symbol()
	if active == "" || s.Symbol != active {
		return
	}
	e.tapDepth(s)

	askBook, bidBook, alerts, da, db := e.agg.Both(s.Symbol, s.Asks, s.Bids, now)
	var bestAsk, bestBid *float64
	if da != nil {
		v := da.InexactFloat64()
		bestAsk = &v
	}
	if db != nil {
		v := db.InexactFloat64()
		bestBid = &v
	}

	if len(askBook) > 0 || len(bidBook) > 0 {
		stats := e.buildStats(askBook, bidBook, bestAsk, bestBid, now)
		e.emit("book", BookData{Asks: askBook, Bids: bidBook, Side: e.st.Side(), Stats: stats})
	}
	for _, a := range alerts {
		if e.met != nil {
			e.met.RecordAlert("depth")
		}
		e.emit("alert", AlertData{
			Side:      a.Side,
			Symbol:    a.Symbol,
			Price:     a.Price.InexactFloat64(),
			SumShares: a.SumShares,
			TimeISO:   a.Time.UTC().Format(time.RFC3339Nano),
		})
	}
}

func (e *Engine) buildStats(askBook, bidBook []depth.AggregatedLevel, bestAsk, bestBid *float64, now time.Time) Stats {
	e.mu.Lock()
	last := e.last
	volume := e.volume
	bandK := e.bandK
	obiEnabled := e.obiEnabled
	obiAlpha := e.obiAlpha
	obiLevels := e.obiLevels
	e.mu.Unlock()

	st := Stats{
		BestAsk:    bestAsk,
		BestBid:    bestBid,
		Last:       last,
		Volume:     volume,
		MicroBandK: bandK,
		OBILevels:  obiLevels,
	}
	if bestAsk != nil && bestBid != nil {
		sp := *bestAsk - *bestBid
		st.Spread = &sp
	}

	var obi float64
	haveOBI := false
	if obiEnabled && len(askBook) > 0 && len(bidBook) > 0 {
		alpha := obiAlpha
		if alpha <= 0 {
			alpha = math.NaN() // per-snapshot heuristic
		}
		bidQty := topSizes(bidBook, obiLevels)
		askQty := topSizes(askBook, obiLevels)
		obi = signal.ComputeOBI(bidQty, askQty, alpha)
		haveOBI = true
		st.OBI = &obi
		applied := alpha
		if math.IsNaN(applied) {
			applied = signal.ChooseAlpha(bidQty, askQty)
		}
		st.OBIAlpha = &applied
	}

	if vwap, sigma, ok := e.vwap.Compute(now); ok {
		st.MicroVWAP = &vwap
		st.MicroSigma = &sigma

		ref, haveRef := 0.0, false
		if last != nil {
			ref, haveRef = *last, true
		} else if bestAsk != nil && bestBid != nil {
			ref, haveRef = (*bestAsk+*bestBid)/2, true
		}
		if haveRef && haveOBI {
			if hint, ok := signal.ActionHint(ref, vwap, sigma, bandK, obi); ok {
				st.ActionHint = hint
			}
		}
	}
	return st
}

func (e *Engine) onQuote(q *feed.Quote) {
	e.mu.Lock()
	if q.Bid != nil {
		e.bid = q.Bid
	}
	if q.Ask != nil {
		e.ask = q.Ask
	}
	bid, ask, last, volume := e.bid, e.ask, e.last, e.volume
	rec := e.rec
	e.mu.Unlock()

	if rec != nil {
		rec.RecordQuote(q.Bid, q.Ask)
	}
	e.emit("quote", QuoteData{Bid: bid, Ask: ask, Last: last, Volume: volume})
}

func (e *Engine) onTrade(t *feed.Trade, now time.Time) {
	if t.Price <= 0 || t.Size <= 0 {
		return
	}
	active := e.st.Symbol()
	if active == "" || t.Symbol != active {
		return
	}
	e.mu.Lock()
	v := t.Price
	e.last = &v
	e.volume += t.Size
	bid, ask := e.bid, e.ask
	rec := e.rec
	e.mu.Unlock()

	if rec != nil {
		rec.RecordTrade(t.Symbol, t.Price, t.Size)
	}

	if e.rvolEnabled && e.rvol.Tracking() {
		for _, a := range e.rvol.OnTrade(t.Price, t.Size, now) {
			if e.met != nil {
				e.met.RecordAlert("rvol")
			}
			e.emit("rvol", a)
		}
	}
	e.vwap.Ingest(now, t.Price, t.Size)

	amount := t.Price * float64(t.Size)
	if amount < float64(e.st.DollarThreshold()) {
		return
	}

	bidF, askF := math.NaN(), math.NaN()
	if bid != nil {
		bidF = *bid
	}
	if ask != nil {
		askF = *ask
	}
	side, color := tape.Classify(t.Price, bidF, askF)
	amountStr, _ := tape.FormatAmount(amount)
	e.emit("trade", TradeData{
		Sym:       t.Symbol,
		Price:     t.Price,
		Size:      t.Size,
		Amount:    amount,
		AmountStr: amountStr,
		Side:      side,
		Color:     color,
		Big:       amount >= float64(e.st.BigDollarThreshold()),
		Bid:       bid,
		Ask:       ask,
		Silent:    e.st.Silent(),
	})
}

// ActivateSymbol makes sym the active symbol and rebuilds the detector
// state. When preserveLive is true and sym is already active, the running
// minute's volume survives (baseline refresh without losing the live bar).
func (e *Engine) ActivateSymbol(ctx context.Context, sym string, preserveLive bool) {
	sym = e.st.SetSymbol(sym)
	if sym == "" {
		e.Deactivate()
		return
	}

	e.mu.Lock()
	e.bid, e.ask, e.last = nil, nil, nil
	e.volume = 0
	rvolEnabled := e.rvolEnabled
	e.mu.Unlock()
	e.vwap.Reset()

	if !rvolEnabled || e.bars == nil {
		e.rvol.Reset()
		return
	}
	bars, err := e.bars.HistoricalMinuteBars(ctx, sym, e.rvol.LookbackDays())
	if err != nil {
		e.log.Warn("historical bars unavailable, rvol baseline empty",
			slog.String("symbol", sym), slog.String("err", err.Error()))
		e.rvol.StartSymbol(sym, nil, preserveLive)
		return
	}
	rbars := make([]signal.Bar, 0, len(bars))
	var at []time.Time
	var price []float64
	var size []int64
	cutoff := time.Now().Add(-e.vwap.Window())
	for _, b := range bars {
		rbars = append(rbars, signal.Bar{Start: b.Start, Volume: b.Volume})
		if !b.Start.Before(cutoff) && b.Close > 0 && b.Volume > 0 {
			at = append(at, b.Start)
			price = append(price, b.Close)
			size = append(size, b.Volume)
		}
	}
	e.rvol.StartSymbol(sym, rbars, preserveLive)
	e.vwap.Bootstrap(at, price, size)
}

// Deactivate clears the active symbol and all per-symbol detector state.
func (e *Engine) Deactivate() {
	e.st.SetSymbol("")
	e.rvol.Reset()
	e.vwap.Reset()
	e.mu.Lock()
	e.bid, e.ask, e.last = nil, nil, nil
	e.volume = 0
	e.mu.Unlock()
}

// SetMicroParams applies clamped micro-VWAP knobs and returns the values
// actually in effect.
func (e *Engine) SetMicroParams(minutes, bandK float64) (appliedMinutes, appliedBandK float64) {
	if math.IsNaN(minutes) || minutes <= 0 {
		minutes = 2
	}
	e.vwap.SetWindow(time.Duration(minutes * float64(time.Minute)))
	k := clampBandK(bandK)
	e.mu.Lock()
	e.bandK = k
	e.mu.Unlock()
	return e.vwap.Window().Minutes(), k
}

func (e *Engine) MicroParams() (minutes, bandK float64) {
	e.mu.Lock()
	k := e.bandK
	e.mu.Unlock()
	return e.vwap.Window().Minutes(), k
}

// StartRecording begins taping the normalized stream to path. An already
// running recording is an error; stop it first.
func (e *Engine) StartRecording(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec != nil {
		return fmt.Errorf("recording already active: %s", e.rec.Path())
	}
	onErr := func(err error) {
		e.log.Error("recorder", slog.String("err", err.Error()))
	}
	rec, err := record.NewRecorder(path, e.st.Symbol(), onErr)
	if err != nil {
		return err
	}
	e.rec = rec
	return nil
}

// StopRecording closes the active recording and returns its path.
func (e *Engine) StopRecording() (string, error) {
	e.mu.Lock()
	rec := e.rec
	e.rec = nil
	e.mu.Unlock()
	if rec == nil {
		return "", fmt.Errorf("no recording active")
	}
	path := rec.Path()
	if e.met != nil {
		e.met.RecorderDropped.Add(float64(rec.Dropped()))
	}
	return path, rec.Close()
}

func (e *Engine) RecordingPath() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec == nil {
		return ""
	}
	return e.rec.Path()
}

func (e *Engine) tapDepth(s *feed.Snapshot) {
	e.mu.Lock()
	rec := e.rec
	e.mu.Unlock()
	if rec == nil {
		return
	}
	if e.met != nil {
		e.met.RecorderQueue.Set(float64(rec.QueueLen()))
	}
	rec.RecordDepth(s.Symbol, toRows(s.Asks), toRows(s.Bids))
}

func toRows(levels []depth.DepthLevel) []record.Row {
	rows := make([]record.Row, 0, len(levels))
	for _, l := range levels {
		rows = append(rows, record.Row{
			Price: l.Price.String(),
			Size:  l.Size,
			Level: l.Level,
			Venue: l.Venue,
		})
	}
	return rows
}

// emit never blocks the feed loop; a slow hub costs events, not latency.
func (e *Engine) emit(typ string, data any) {
	if e.met != nil {
		e.met.RecordBroadcast(typ)
	}
	select {
	case e.out <- Output{Type: typ, Data: data}:
	default:
		e.log.Warn("output queue full, dropping event", slog.String("type", typ))
	}
}

func topSizes(book []depth.AggregatedLevel, n int) []float64 {
	if n < 1 {
		n = 1
	}
	if n > len(book) {
		n = len(book)
	}
	out := make([]float64, 0, n)
	for _, l := range book[:n] {
		out = append(out, float64(l.SumShares))
	}
	return out
}

func clampBandK(k float64) float64 {
	if math.IsNaN(k) || k < 0.5 {
		return 0.5
	}
	if k > 4 {
		return 4
	}
	return k
}

func kindLabel(k feed.Kind) string {
	switch k {
	case feed.KindSnapshot:
		return "depth"
	case feed.KindQuote:
		return "quote"
	case feed.KindTrade:
		return "trade"
	case feed.KindStatus:
		return "status"
	default:
		return "error"
	}
}
