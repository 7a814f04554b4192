package ibkrcp

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"scalpwatch/internal/depth"
	"scalpwatch/internal/feed"
)

// Market data field ids on the smd topic.
const (
	fieldLast     = "31"
	fieldBid      = "84"
	fieldAsk      = "86"
	fieldLastSize = "7059"
)

// GatewayFeed implements feed.Source against the Client Portal Gateway
// streaming WebSocket. It maintains a single subscription (one active
// symbol at a time) with reconnect & resubscribe, and merges the book
// depth (sbd) and market data (smd) topics into the normalized stream.
type GatewayFeed struct {
	client *Client
	log    *slog.Logger

	mu     sync.RWMutex
	symbol string
	conid  int64
	acctId string

	events chan feed.Event
	wsConn *websocket.Conn

	sendMu sync.Mutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewGatewayFeed(client *Client, logger *slog.Logger) *GatewayFeed {
	return &GatewayFeed{
		client: client,
		log:    logger,
		events: make(chan feed.Event, 1024),
	}
}

func (f *GatewayFeed) Events() <-chan feed.Event { return f.events }

func (f *GatewayFeed) Subscribe(symbol string) error {
	canon := strings.ToUpper(strings.TrimSpace(symbol))
	if canon == "" {
		return fmt.Errorf("empty symbol")
	}
	f.mu.Lock()
	f.symbol = canon
	f.mu.Unlock()
	// Trigger resubscription by closing ws; the run loop will reconnect and resubscribe
	// if already connected. Otherwise next successful connect will subscribe.
	if f.wsConn != nil {
		_ = f.wsConn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "resub"))
		_ = f.wsConn.Close()
	}
	return nil
}

func (f *GatewayFeed) Unsubscribe() {
	// Capture current values while holding the lock, then clear symbol/conid.
	f.mu.Lock()
	ws := f.wsConn
	conid := f.conid
	acct := f.acctId
	f.symbol = ""
	f.conid = 0
	f.mu.Unlock()

	// Send unsubscribe(s) if possible, then close the socket.
	if ws != nil && conid != 0 {
		if acct != "" {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(
				fmt.Sprintf("ubd+%s+%d+SMART", acct, conid),
			))
		}
		_ = ws.WriteMessage(websocket.TextMessage, []byte(
			fmt.Sprintf("ubd+%d+SMART", conid),
		))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(
			fmt.Sprintf("umd+%d", conid),
		))
	}
	if ws != nil {
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "unsubscribe"))
		_ = ws.Close()
	}
}

// Close stops the run loop and closes the event channel. The sendMu
// handshake keeps a late emit from the reconnect loop off the closed
// channel.
func (f *GatewayFeed) Close() {
	if f.cancel != nil {
		f.cancel()
	}
	f.sendMu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.sendMu.Unlock()
}

func (f *GatewayFeed) Run(ctx context.Context) {
	if f.cancel != nil {
		return
	}
	f.ctx, f.cancel = context.WithCancel(ctx)

	backoff := time.Second
	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		// 1) Ensure HTTP session (re)established
		if err := f.client.Connect(f.ctx); err != nil {
			f.degrade(fmt.Errorf("connect: %w", err))
			backoff = f.sleep(backoff)
			continue
		}

		// 1b) Resolve and cache accountId required for book-depth topics.
		acctId, err := f.client.GetAccountID(f.ctx)
		if err != nil {
			f.degrade(fmt.Errorf("get account id: %w", err))
			backoff = f.sleep(backoff)
			continue
		}
		f.mu.Lock()
		f.acctId = acctId
		f.mu.Unlock()

		// 2) If we have a symbol, resolve conid
		sym := f.currentSymbol()
		if sym != "" {
			conid, err := f.client.ConidForSymbol(f.ctx, sym)
			if err != nil {
				f.degrade(fmt.Errorf("secdef for %s: %w", sym, err))
				backoff = f.sleep(backoff)
				continue
			}
			f.mu.Lock()
			f.conid = conid
			f.mu.Unlock()
		}

		// 3) Open WebSocket and subscribe if we have a conid
		ws, err := f.openWS()
		if err != nil {
			f.degrade(fmt.Errorf("ws open: %w", err))
			backoff = f.sleep(backoff)
			continue
		}
		f.wsConn = ws
		f.emit(feed.StatusEvent(true))
		backoff = time.Second

		if f.conid != 0 {
			if err := f.subscribe(f.conid); err != nil {
				f.emitErr(fmt.Errorf("subscribe: %w", err))
				_ = ws.Close()
				continue
			}
		}

		// 4) Read pump
		if err := f.readLoop(); err != nil {
			f.degrade(err)
			// loop will reconnect
		}
	}
}

func (f *GatewayFeed) degrade(err error) {
	f.emit(feed.StatusEvent(false))
	f.emitErr(err)
}

func (f *GatewayFeed) sleep(backoff time.Duration) time.Duration {
	select {
	case <-time.After(backoff):
	case <-f.ctx.Done():
	}
	return min(backoff*2, 30*time.Second)
}

func (f *GatewayFeed) currentSymbol() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.symbol
}

func (f *GatewayFeed) openWS() (*websocket.Conn, error) {
	u, err := url.Parse(f.client.BaseURL())
	if err != nil {
		return nil, err
	}
	u.Scheme = "wss"
	u.Path = "/v1/api/ws"
	d := websocket.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // #nosec G402 local gateway
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "tcp4", addr)
		},
	}
	ws, _, err := d.DialContext(f.ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	// Immediately send session ID to authenticate the WebSocket connection.
	sid, _ := f.client.Tickle(f.ctx)
	if sid == "" {
		sid = f.client.SessionID()
	}
	if sid != "" {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"session":"`+sid+`"}`))
	}

	return ws, nil
}

// subscribe sends the book depth and market data topics for the conid.
// IBKR may change these specifics; keep this isolated.
func (f *GatewayFeed) subscribe(conid int64) error {
	f.mu.RLock()
	acct := f.acctId
	f.mu.RUnlock()
	// Book depth. Try both known topic formats:
	// 1) With accountId (newer builds)
	if acct != "" {
		_ = f.wsConn.WriteMessage(websocket.TextMessage, []byte(
			fmt.Sprintf("sbd+%s+%d+SMART", acct, conid),
		))
	}
	// 2) Without accountId (older/common builds)
	if err := f.wsConn.WriteMessage(websocket.TextMessage, []byte(
		fmt.Sprintf("sbd+%d+SMART", conid),
	)); err != nil {
		return err
	}
	// Market data: last, bid, ask, last size.
	fields := fmt.Sprintf(`{"fields":["%s","%s","%s","%s"]}`, fieldLast, fieldBid, fieldAsk, fieldLastSize)
	return f.wsConn.WriteMessage(websocket.TextMessage, []byte(
		fmt.Sprintf("smd+%d+%s", conid, fields),
	))
}

type bookRow struct {
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Size     int64   `json:"size"`
	Venue    string  `json:"venue"`    // some builds use "venue"
	Exchange string  `json:"exchange"` // others use "exchange"
	Level    int     `json:"level"`
}

type inboundWS struct {
	Topic string    `json:"topic"`
	Conid int64     `json:"conid"`
	Rows  []bookRow `json:"rows"`
	Data  []bookRow `json:"data"` // many IBKR builds use "data" not "rows"

	Last     string `json:"31"`
	Bid      string `json:"84"`
	Ask      string `json:"86"`
	LastSize string `json:"7059"`
}

func (f *GatewayFeed) readLoop() error {
	defer func() {
		if f.wsConn != nil {
			_ = f.wsConn.Close()
		}
	}()

	f.wsConn.SetReadLimit(1 << 20)
	_ = f.wsConn.SetReadDeadline(time.Now().Add(60 * time.Second))
	f.wsConn.SetPongHandler(func(string) error {
		_ = f.wsConn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	var lastSnapshot time.Time

	for {
		select {
		case <-f.ctx.Done():
			return nil
		default:
		}

		// Keepalive ping
		select {
		case <-ticker.C:
			_ = f.wsConn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
		default:
		}

		// Read next message (blocking)
		_, data, err := f.wsConn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws read: %w", err)
		}

		// Try to decode as inboundWS; if not, ignore (could be ack/heartbeat)
		var msg inboundWS
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		if strings.HasPrefix(msg.Topic, "smd+") {
			f.handleMarketData(msg)
			continue
		}

		rows := msg.Rows
		if len(rows) == 0 {
			rows = msg.Data
		}
		if len(rows) == 0 {
			continue
		}

		asks := make([]depth.DepthLevel, 0, 64)
		bids := make([]depth.DepthLevel, 0, 64)
		for _, r := range rows {
			dl := depth.DepthLevel{
				Side:  strings.ToUpper(r.Side),
				Price: decimal.NewFromFloat(r.Price),
				Size:  r.Size,
				Venue: func() string {
					if r.Venue != "" {
						return r.Venue
					}
					return r.Exchange
				}(),
				Level: r.Level,
			}
			if dl.Side == depth.SideAsk {
				asks = append(asks, dl)
			} else if dl.Side == depth.SideBid {
				bids = append(bids, dl)
			}
		}
		if len(asks) == 0 && len(bids) == 0 {
			continue
		}

		// Coalesce messages: throttle snapshots to every 50ms to reduce UI spam
		now := time.Now()
		if now.Sub(lastSnapshot) < 50*time.Millisecond {
			continue
		}
		lastSnapshot = now

		f.emit(feed.SnapshotEvent(f.currentSymbol(), asks, bids))
	}
}

// handleMarketData turns an smd field update into quote and trade events.
// Field values arrive as strings; price fields on some builds carry a
// letter prefix (C = prior close, H = halted) which we skip.
func (f *GatewayFeed) handleMarketData(msg inboundWS) {
	bid := parsePriceField(msg.Bid)
	ask := parsePriceField(msg.Ask)
	if bid != nil || ask != nil {
		f.emit(feed.QuoteEvent(bid, ask))
	}

	last := parsePriceField(msg.Last)
	size := parseSizeField(msg.LastSize)
	if last != nil && size > 0 {
		f.emit(feed.TradeEvent(f.currentSymbol(), *last, size))
	}
}

func parsePriceField(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if s[0] == 'C' || s[0] == 'H' {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return nil
	}
	return &v
}

// parseSizeField decodes the 7059 last-size field, which stock builds
// report in lots of 100 shares.
func parseSizeField(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return int64(v * 100)
}

// emit drops on a full buffer rather than stalling the read pump, and is
// a no-op once Close has run.
func (f *GatewayFeed) emit(ev feed.Event) {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.events <- ev:
	default:
	}
}

func (f *GatewayFeed) emitErr(err error) {
	f.emit(feed.ErrorEvent(err.Error()))
}
