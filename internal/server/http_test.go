package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"scalpwatch/internal/config"
	"scalpwatch/internal/engine"
	"scalpwatch/internal/feed"
	"scalpwatch/internal/sound"
	"scalpwatch/internal/state"
)

type fixture struct {
	srv     *httptest.Server
	httpSrv *HTTPServer
	st      *state.State
	eng     *engine.Engine
	src     *feed.MockSource
	cfg     config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Config{
		Port:                   8086,
		DefaultThresholdShares: 20000,
		CooldownSeconds:        1,
		SmartDepth:             true,
		LevelsToScan:           10,
		PriceReference:         "best_ask",
		DataDir:                dir,
		RecordingDir:           filepath.Join(dir, "recordings"),
		OBI:                    config.OBIConfig{Enabled: true, Alpha: 0.5, LevelsMax: 3},
		RVOL:                   config.RVOLConfig{Enabled: false, Threshold: 3, LookbackDays: 5},
		MicroVWAP:              config.MicroVWAPConfig{Minutes: 2, BandK: 1.5},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := state.NewState(time.Second, cfg.DefaultThresholdShares)
	snd, _ := sound.NewManager(filepath.Join(dir, "missing.mp3"))
	src := feed.NewMockSource()
	eng := engine.New(st, engine.Params{
		OBIEnabled:  true,
		OBIAlpha:    0.5,
		OBILevels:   3,
		VWAPMinutes: 2,
		VWAPBandK:   1.5,
	}, nil, nil, logger)

	s := NewHTTPServer(cfg, st, snd, src, eng, nil, logger)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, httpSrv: s, st: st, eng: eng, src: src, cfg: cfg}
}

func (fx *fixture) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(fx.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func (fx *fixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(fx.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil
	}
	var v map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestAPIHealth(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.get(t, "/api/health")
	if resp.StatusCode != 200 || body["ok"] != true || body["connected"] != false {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestAPIConfigReportsKnobs(t *testing.T) {
	fx := newFixture(t)
	_, body := fx.get(t, "/api/config")
	if body["levelsToScan"] != float64(10) || body["priceReference"] != "best_ask" {
		t.Fatalf("config: %v", body)
	}
	if body["microVWAPMinutes"] != float64(2) || body["microVWAPBandK"] != float64(1.5) {
		t.Fatalf("micro knobs: %v", body)
	}
	if body["soundAvailable"] != false {
		t.Fatalf("sound: %v", body)
	}
}

func TestAPIStartRejectsWhenDisconnected(t *testing.T) {
	fx := newFixture(t)
	resp, _ := fx.post(t, "/api/start", map[string]any{"symbol": "aapl"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("want 503, got %d", resp.StatusCode)
	}
}

func TestAPIStartActivatesSymbol(t *testing.T) {
	fx := newFixture(t)
	fx.st.SetConnected(true)

	resp, body := fx.post(t, "/api/start", map[string]any{
		"symbol":    " aapl ",
		"threshold": 5000,
		"side":      "bid",
		"dollar":    40000,
		"bigDollar": 2000000,
		"silent":    true,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("start: %d", resp.StatusCode)
	}
	if body["symbol"] != "AAPL" || body["side"] != "BID" || body["silent"] != true {
		t.Fatalf("start body: %v", body)
	}
	if fx.st.Symbol() != "AAPL" || fx.st.Threshold() != 5000 {
		t.Fatalf("state: %s %d", fx.st.Symbol(), fx.st.Threshold())
	}
	if fx.st.DollarThreshold() != 40000 || fx.st.BigDollarThreshold() != 2000000 {
		t.Fatalf("tape thresholds: %d %d", fx.st.DollarThreshold(), fx.st.BigDollarThreshold())
	}
	if fx.src.Subscribed() != "AAPL" {
		t.Fatalf("feed subscription: %q", fx.src.Subscribed())
	}
}

func TestAPIStartRequiresSymbol(t *testing.T) {
	fx := newFixture(t)
	fx.st.SetConnected(true)
	resp, _ := fx.post(t, "/api/start", map[string]any{"symbol": "  "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestAPIStopClearsSymbol(t *testing.T) {
	fx := newFixture(t)
	fx.st.SetConnected(true)
	fx.post(t, "/api/start", map[string]any{"symbol": "AAPL"})

	resp, _ := fx.post(t, "/api/stop", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	if fx.st.Symbol() != "" || fx.src.Subscribed() != "" {
		t.Fatalf("stop must clear: %q %q", fx.st.Symbol(), fx.src.Subscribed())
	}
}

func TestAPIThresholdValidates(t *testing.T) {
	fx := newFixture(t)
	resp, _ := fx.post(t, "/api/threshold", map[string]any{"threshold": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	resp, body := fx.post(t, "/api/threshold", map[string]any{"threshold": 12345})
	if resp.StatusCode != 200 || body["threshold"] != float64(12345) {
		t.Fatalf("threshold: %d %v", resp.StatusCode, body)
	}
}

func TestAPISideValidates(t *testing.T) {
	fx := newFixture(t)
	resp, _ := fx.post(t, "/api/side", map[string]any{"side": "MID"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
	resp, body := fx.post(t, "/api/side", map[string]any{"side": "bid"})
	if resp.StatusCode != 200 || body["side"] != "BID" {
		t.Fatalf("side: %d %v", resp.StatusCode, body)
	}
}

func TestAPISilentToggles(t *testing.T) {
	fx := newFixture(t)
	_, body := fx.post(t, "/api/silent", map[string]any{"silent": true})
	if body["silent"] != true || !fx.st.Silent() {
		t.Fatalf("silent on: %v", body)
	}
	_, body = fx.post(t, "/api/silent", map[string]any{"silent": false})
	if body["silent"] != false || fx.st.Silent() {
		t.Fatalf("silent off: %v", body)
	}
}

func TestAPIMicroVWAPClampsAndReads(t *testing.T) {
	fx := newFixture(t)
	_, body := fx.post(t, "/api/microvwap", map[string]any{"minutes": 0.1, "bandK": 99})
	if body["minutes"] != float64(0.5) || body["bandK"] != float64(4) {
		t.Fatalf("clamp: %v", body)
	}
	_, body = fx.get(t, "/api/microvwap")
	if body["minutes"] != float64(0.5) || body["bandK"] != float64(4) {
		t.Fatalf("get: %v", body)
	}
}

func TestAPIRecordStartStop(t *testing.T) {
	fx := newFixture(t)
	resp, body := fx.post(t, "/api/record/start", map[string]any{})
	if resp.StatusCode != 200 {
		t.Fatalf("record start: %d", resp.StatusCode)
	}
	path, _ := body["path"].(string)
	if path == "" {
		t.Fatalf("no path in %v", body)
	}

	// second start conflicts
	resp, _ = fx.post(t, "/api/record/start", map[string]any{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("want 409, got %d", resp.StatusCode)
	}

	resp, body = fx.post(t, "/api/record/stop", nil)
	if resp.StatusCode != 200 || body["path"] != path {
		t.Fatalf("record stop: %d %v", resp.StatusCode, body)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("recording file: %v", err)
	}

	resp, _ = fx.post(t, "/api/record/stop", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double stop want 409, got %d", resp.StatusCode)
	}
}

func TestAPIYAMLRoundtripAndNormalization(t *testing.T) {
	fx := newFixture(t)

	// Missing file reads as empty.
	_, body := fx.get(t, "/api/yaml/watchlist")
	if data, ok := body["data"].([]any); !ok || len(data) != 0 {
		t.Fatalf("empty watchlist: %v", body)
	}

	// Write through the API, read back.
	fx.post(t, "/api/yaml/watchlist", map[string]any{"data": []string{"AAPL", "TSLA"}})
	_, body = fx.get(t, "/api/yaml/watchlist")
	data, _ := body["data"].([]any)
	if len(data) != 2 || data[0] != "AAPL" {
		t.Fatalf("watchlist roundtrip: %v", body)
	}

	// Hand-written file with an alternate root key still reads.
	raw := "symbols:\n  - NVDA\n"
	if err := os.WriteFile(filepath.Join(fx.cfg.DataDir, "watchlist.yaml"), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	_, body = fx.get(t, "/api/yaml/watchlist")
	data, _ = body["data"].([]any)
	if len(data) != 1 || data[0] != "NVDA" {
		t.Fatalf("alternate root: %v", body)
	}

	// Unknown doc name 404s.
	resp, _ := fx.get(t, "/api/yaml/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestFanoutBroadcastsEngineOutputsToWS(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go fx.eng.Run(ctx, fx.src)
	go fx.httpSrv.RunFanout(ctx)

	wsURL := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	fx.src.Emit(feed.StatusEvent(true))

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var frame struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Type != "status" {
		t.Fatalf("frame: %s", msg)
	}
	var sd engine.StatusData
	if err := json.Unmarshal(frame.Data, &sd); err != nil {
		t.Fatal(err)
	}
	if !sd.Connected {
		t.Fatalf("status data: %+v", sd)
	}
}
