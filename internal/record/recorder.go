// Package record implements the symmetric encode/decode of the normalized
// event stream to a gzip-compressed NDJSON tape, and the replayer that
// drives the aggregation path from such a tape.
package record

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Format identifies the tape layout in the meta header.
const (
	Format  = "scalpwatch.ndjson"
	Version = 1
)

const queueDepth = 8192

// Wire types shared by the recorder and replayer.

type metaLine struct {
	Type    string `json:"type"`
	Format  string `json:"format"`
	Version int    `json:"version"`
	Symbol  string `json:"symbol,omitempty"`
	Started string `json:"started,omitempty"`
}

type depthRow struct {
	Price string `json:"p"`
	Size  int64  `json:"s"`
	Level int    `json:"l"`
	Venue string `json:"v"`
}

type eventLine struct {
	T    int64      `json:"t"`
	Type string     `json:"type"`
	Sym  string     `json:"sym,omitempty"`
	Asks []depthRow `json:"asks,omitempty"`
	Bids []depthRow `json:"bids,omitempty"`

	Bid *float64 `json:"bid,omitempty"` // quote
	Ask *float64 `json:"ask,omitempty"`

	Price float64 `json:"price,omitempty"` // trade
	Size  int64   `json:"size,omitempty"`
}

// Recorder streams the normalized event tape to an append-only
// *.ndjson.gz file. Producer calls never block: lines go through a
// bounded queue drained by a single consumer goroutine, so recording I/O
// stays off the signal-delivery path. Overflowed lines are dropped and
// reported through onDrop.
type Recorder struct {
	path string
	t0   time.Time

	mu     sync.Mutex
	closed bool
	q      chan []byte

	done  chan struct{}
	onErr func(error)

	dropped int64
}

// NewRecorder opens the tape, writes the meta header, and starts the
// writer goroutine. onErr receives I/O failures; it must not block and
// may be nil.
func NewRecorder(path, symbol string, onErr func(error)) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording %s: %w", path, err)
	}
	if onErr == nil {
		onErr = func(error) {}
	}
	r := &Recorder{
		path:  path,
		t0:    time.Now(),
		q:     make(chan []byte, queueDepth),
		done:  make(chan struct{}),
		onErr: onErr,
	}
	go r.writer(f, symbol)
	return r, nil
}

// Path returns the tape location.
func (r *Recorder) Path() string { return r.path }

// Dropped reports how many lines were discarded because the queue was
// full at enqueue time.
func (r *Recorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// QueueLen reports the current backlog, for instrumentation.
func (r *Recorder) QueueLen() int { return len(r.q) }

func (r *Recorder) writer(f *os.File, symbol string) {
	defer close(r.done)
	zw := gzip.NewWriter(f)

	meta, _ := json.Marshal(metaLine{
		Type:    "meta",
		Format:  Format,
		Version: Version,
		Symbol:  symbol,
		Started: r.t0.UTC().Format(time.RFC3339Nano),
	})
	if _, err := zw.Write(append(meta, '\n')); err != nil {
		r.onErr(fmt.Errorf("recording write: %w", err))
	}

	for line := range r.q {
		if _, err := zw.Write(append(line, '\n')); err != nil {
			r.onErr(fmt.Errorf("recording write: %w", err))
		}
	}
	if err := zw.Close(); err != nil {
		r.onErr(fmt.Errorf("recording finalize: %w", err))
	}
	if err := f.Close(); err != nil {
		r.onErr(fmt.Errorf("recording close: %w", err))
	}
}

// enqueue stamps the line with milliseconds since the recording started
// and hands it to the writer without ever blocking the caller.
func (r *Recorder) enqueue(ev eventLine) {
	ev.T = time.Since(r.t0).Milliseconds()
	line, err := json.Marshal(ev)
	if err != nil {
		r.onErr(fmt.Errorf("recording encode: %w", err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.q <- line:
	default:
		r.dropped++
	}
}

// RecordDepth captures one depth snapshot, up to 10 rows per side.
func (r *Recorder) RecordDepth(symbol string, asks, bids []Row) {
	r.enqueue(eventLine{
		Type: "depth",
		Sym:  symbol,
		Asks: encodeRows(asks),
		Bids: encodeRows(bids),
	})
}

// Row is the recorder's view of one raw depth row.
type Row struct {
	Price string
	Size  int64
	Level int
	Venue string
}

func encodeRows(rows []Row) []depthRow {
	if len(rows) > 10 {
		rows = rows[:10]
	}
	out := make([]depthRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, depthRow{Price: r.Price, Size: r.Size, Level: r.Level, Venue: r.Venue})
	}
	return out
}

// RecordQuote captures a top-of-book tick.
func (r *Recorder) RecordQuote(bid, ask *float64) {
	r.enqueue(eventLine{Type: "quote", Bid: bid, Ask: ask})
}

// RecordTrade captures one tape print.
func (r *Recorder) RecordTrade(symbol string, price float64, size int64) {
	r.enqueue(eventLine{Type: "trade", Sym: symbol, Price: price, Size: size})
}

// Close stops accepting lines, waits for the consumer to drain the queue
// and finalizes the file. Safe to call once; never deadlocks, even with a
// full queue, because closing the channel is the drain sentinel.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.q)
	r.mu.Unlock()

	<-r.done
	return nil
}
