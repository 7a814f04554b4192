// Package feed defines the normalized event boundary between market-data
// sources and the aggregation engine. The live gateway feed and the
// replayer both implement Source, so the engine path downstream is
// byte-for-byte identical either way.
package feed

import (
	"context"
	"time"

	"scalpwatch/internal/depth"
)

// Kind tags one normalized feed event.
type Kind int

const (
	KindSnapshot Kind = iota
	KindQuote
	KindTrade
	KindStatus
	KindError
)

// Snapshot is one full depth view, raw venue rows per side.
type Snapshot struct {
	Symbol string
	Asks   []depth.DepthLevel
	Bids   []depth.DepthLevel
}

// Quote is a top-of-book tick. Nil means the side is unknown.
type Quote struct {
	Bid *float64
	Ask *float64
}

// Trade is one tape print.
type Trade struct {
	Symbol string
	Price  float64
	Size   int64
}

// MinuteBar is a historical 1-minute bar used to seed detector baselines.
type MinuteBar struct {
	Start  time.Time
	Close  float64
	Volume int64
}

// Event is the tagged union carried on a Source's event channel.
type Event struct {
	Kind      Kind
	Snapshot  *Snapshot
	Quote     *Quote
	Trade     *Trade
	Connected bool   // KindStatus
	Err       string // KindError
}

// Source is a market-data collaborator: the live gateway, a replayed
// recording, or a test mock. Exactly one symbol is subscribed at a time.
type Source interface {
	// Run drives the connection loop until ctx is done.
	Run(ctx context.Context)
	// Subscribe switches the single active subscription.
	Subscribe(symbol string) error
	// Unsubscribe clears the active subscription.
	Unsubscribe()
	// Events yields the normalized event stream.
	Events() <-chan Event
	// Close releases the source; Events is closed afterwards.
	Close()
}

// StatusEvent, ErrorEvent and friends are small constructors keeping
// call sites terse.
func StatusEvent(connected bool) Event { return Event{Kind: KindStatus, Connected: connected} }
func ErrorEvent(msg string) Event      { return Event{Kind: KindError, Err: msg} }
func QuoteEvent(bid, ask *float64) Event {
	return Event{Kind: KindQuote, Quote: &Quote{Bid: bid, Ask: ask}}
}
func TradeEvent(symbol string, price float64, size int64) Event {
	return Event{Kind: KindTrade, Trade: &Trade{Symbol: symbol, Price: price, Size: size}}
}
func SnapshotEvent(symbol string, asks, bids []depth.DepthLevel) Event {
	return Event{Kind: KindSnapshot, Snapshot: &Snapshot{Symbol: symbol, Asks: asks, Bids: bids}}
}
