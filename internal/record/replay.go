package record

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"scalpwatch/internal/depth"
	"scalpwatch/internal/feed"
)

// ReplayConfig selects the tape and its pacing.
type ReplayConfig struct {
	Path string
	Rate float64 // 2.0 = twice as fast, 0.5 = half speed
	Loop bool
}

// Replayer implements feed.Source from a recorded tape, substituting for
// the live gateway so the identical aggregation path can be driven
// deterministically. Inter-record pacing is the recorded delta divided by
// the playback rate.
type Replayer struct {
	cfg    ReplayConfig
	events chan feed.Event

	mu     sync.Mutex
	symbol string
	cancel context.CancelFunc

	runCtx context.Context

	sendMu sync.Mutex
	closed bool

	// Derived state so downstream stats stay meaningful in replay.
	lastPrice float64
	hasLast   bool
	volume    int64
}

func NewReplayer(cfg ReplayConfig) *Replayer {
	if cfg.Rate <= 0 {
		cfg.Rate = 1.0
	}
	return &Replayer{
		cfg:    cfg,
		events: make(chan feed.Event, 1024),
	}
}

// Run parks until ctx is done; playback itself is driven per
// subscription. Kept for symmetry with the live feed.
func (r *Replayer) Run(ctx context.Context) {
	r.mu.Lock()
	r.runCtx = ctx
	r.mu.Unlock()
	<-ctx.Done()
}

// Subscribe starts playback for the symbol, cancelling any prior run.
func (r *Replayer) Subscribe(symbol string) error {
	r.Unsubscribe()

	r.mu.Lock()
	r.symbol = strings.ToUpper(strings.TrimSpace(symbol))
	parent := r.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.mu.Unlock()

	go r.play(ctx)
	return nil
}

// Unsubscribe cancels playback mid-stream.
func (r *Replayer) Unsubscribe() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.symbol = ""
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Replayer) Events() <-chan feed.Event { return r.events }

// Close cancels playback and closes the event channel. Emits in flight
// are serialized against the close so nothing sends on a closed channel.
func (r *Replayer) Close() {
	r.Unsubscribe()
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.events)
}

// CurrentQuote returns the last trade price and cumulative volume seen so
// far in this playback.
func (r *Replayer) CurrentQuote() (last *float64, volume int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasLast {
		v := r.lastPrice
		last = &v
	}
	return last, r.volume
}

func (r *Replayer) play(ctx context.Context) {
	r.emit(ctx, feed.StatusEvent(true))
	defer r.emitFinalStatus()

	for {
		if err := r.playOnce(ctx); err != nil {
			if ctx.Err() == nil {
				r.emit(ctx, feed.ErrorEvent(fmt.Sprintf("replay error: %v", err)))
			}
			return
		}
		if !r.cfg.Loop || ctx.Err() != nil {
			return
		}
	}
}

// playOnce streams the tape top to bottom, sleeping each record's delta.
func (r *Replayer) playOnce(ctx context.Context) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("open tape: %w", err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open tape: %w", err)
	}
	defer zr.Close()

	sc := bufio.NewScanner(zr)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var prevT int64
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		var ev eventLine
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return fmt.Errorf("corrupt record: %w", err)
		}
		if ev.Type == "meta" {
			prevT = 0
			continue
		}

		delta := ev.T - prevT
		if delta < 0 {
			delta = 0
		}
		prevT = ev.T
		if delta > 0 {
			wait := time.Duration(float64(delta)/r.cfg.Rate) * time.Millisecond
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil
			}
		}

		switch ev.Type {
		case "depth":
			sym := r.currentSymbol()
			if sym == "" {
				sym = ev.Sym
			}
			r.emit(ctx, feed.SnapshotEvent(sym, decodeRows(ev.Asks, depth.SideAsk), decodeRows(ev.Bids, depth.SideBid)))
		case "quote":
			r.emit(ctx, feed.QuoteEvent(ev.Bid, ev.Ask))
		case "trade":
			r.mu.Lock()
			if ev.Price == ev.Price { // not NaN
				r.lastPrice = ev.Price
				r.hasLast = true
			}
			if ev.Size > 0 {
				r.volume += ev.Size
			}
			r.mu.Unlock()
			sym := ev.Sym
			if sym == "" {
				sym = r.currentSymbol()
			}
			r.emit(ctx, feed.TradeEvent(sym, ev.Price, ev.Size))
		}
	}
	return sc.Err()
}

func (r *Replayer) currentSymbol() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.symbol
}

func (r *Replayer) emit(ctx context.Context, ev feed.Event) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	case <-ctx.Done():
	}
}

// emitFinalStatus reports the disconnected status after playback ends.
// Best-effort: if the consumer is gone and the buffer is full, drop it
// rather than block shutdown.
func (r *Replayer) emitFinalStatus() {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.events <- feed.StatusEvent(false):
	default:
	}
}

func decodeRows(rows []depthRow, side string) []depth.DepthLevel {
	out := make([]depth.DepthLevel, 0, len(rows))
	for _, row := range rows {
		p, err := decimal.NewFromString(row.Price)
		if err != nil {
			continue
		}
		venue := row.Venue
		if venue == "" {
			venue = "SMART"
		}
		out = append(out, depth.DepthLevel{
			Side:  side,
			Price: p,
			Size:  row.Size,
			Venue: venue,
			Level: row.Level,
		})
	}
	return out
}
