package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scalpwatch/internal/config"
	"scalpwatch/internal/engine"
	"scalpwatch/internal/feed"
	"scalpwatch/internal/metrics"
	"scalpwatch/internal/sound"
	"scalpwatch/internal/state"
)

type HTTPServer struct {
	cfg config.Config
	st  *state.State
	snd *sound.Manager
	src feed.Source
	eng *engine.Engine
	hub *hub
	log *slog.Logger
	mux *http.ServeMux
}

func NewHTTPServer(cfg config.Config, st *state.State, snd *sound.Manager, src feed.Source, eng *engine.Engine, met *metrics.Metrics, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		cfg: cfg,
		st:  st,
		snd: snd,
		src: src,
		eng: eng,
		hub: newHub(logger, met),
		log: logger,
		mux: http.NewServeMux(),
	}
	s.routes()
	go s.hub.run()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// RunFanout pipes engine outputs onto the websocket hub until the engine's
// output channel closes or ctx ends.
func (s *HTTPServer) RunFanout(ctx context.Context) {
	for {
		select {
		case o, ok := <-s.eng.Outputs():
			if !ok {
				return
			}
			s.hub.broadcast <- marshalWS(o.Type, o.Data)
		case <-ctx.Done():
			return
		}
	}
}

func (s *HTTPServer) BroadcastStatus() {
	s.hub.broadcast <- marshalWS("status", engine.StatusData{
		Connected: s.st.Connected(),
		Symbol:    s.st.Symbol(),
		Side:      s.st.Side(),
	})
}

func (s *HTTPServer) BroadcastError(msg string) {
	s.hub.broadcast <- marshalWS("error", engine.ErrorData{Message: msg})
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	// SPA
	s.mux.HandleFunc("/", s.serveIndex)
	s.mux.HandleFunc("/index.html", s.serveIndex)
	s.mux.HandleFunc("/app.js", s.serveAppJS)
	s.mux.HandleFunc("/styles.css", s.serveCSS)

	// Sounds
	s.mux.HandleFunc("/sounds/", s.serveSound)

	// WS + metrics
	s.mux.HandleFunc("/ws", s.hub.serveWS)
	s.mux.Handle("/metrics", promhttp.Handler())

	// API
	s.mux.HandleFunc("/api/health", s.apiHealth)
	s.mux.HandleFunc("/api/config", s.apiConfig)
	s.mux.HandleFunc("/api/start", s.apiStart)
	s.mux.HandleFunc("/api/stop", s.apiStop)
	s.mux.HandleFunc("/api/threshold", s.apiThreshold)
	s.mux.HandleFunc("/api/side", s.apiSide)
	s.mux.HandleFunc("/api/silent", s.apiSilent)
	s.mux.HandleFunc("/api/microvwap", s.apiMicroVWAP)
	s.mux.HandleFunc("/api/record/start", s.apiRecordStart)
	s.mux.HandleFunc("/api/record/stop", s.apiRecordStop)
	s.mux.HandleFunc("/api/yaml/", s.apiYAML)
}

func (s *HTTPServer) serveIndex(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile("./web/index.html")
	if err != nil {
		http.Error(w, "index missing", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *HTTPServer) serveAppJS(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile("./web/app.js")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *HTTPServer) serveCSS(w http.ResponseWriter, r *http.Request) {
	b, err := os.ReadFile("./web/styles.css")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	_, _ = w.Write(b)
}

func (s *HTTPServer) serveSound(w http.ResponseWriter, r *http.Request) {
	// Only serve the configured file name (to keep it simple)
	if s.snd == nil || !s.snd.Available() {
		http.NotFound(w, r)
		return
	}
	if !strings.HasSuffix(r.URL.Path, s.snd.Name()) {
		http.NotFound(w, r)
		return
	}
	// strong caching (1 year) + immutable
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, s.snd.Path())
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ok":        true,
		"connected": s.st.Connected(),
	})
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	minutes, bandK := s.eng.MicroParams()
	writeJSON(w, map[string]any{
		"defaultThresholdShares": s.cfg.DefaultThresholdShares,
		"currentThresholdShares": s.st.Threshold(),
		"cooldownSeconds":        s.cfg.CooldownSeconds,
		"levelsToScan":           s.cfg.LevelsToScan,
		"priceReference":         s.cfg.PriceReference,
		"smartDepth":             s.cfg.SmartDepth,
		"soundAvailable":         s.snd != nil && s.snd.Available(),
		"soundURL": func() string {
			if s.snd != nil {
				return s.snd.URL()
			}
			return ""
		}(),
		"currentSide":        s.st.Side(),
		"silent":             s.st.Silent(),
		"dollarThreshold":    s.st.DollarThreshold(),
		"bigDollarThreshold": s.st.BigDollarThreshold(),
		"obiEnabled":         s.cfg.OBI.Enabled,
		"obiLevelsMax":       s.cfg.OBI.LevelsMax,
		"rvolEnabled":        s.cfg.RVOL.Enabled,
		"rvolThreshold":      s.cfg.RVOL.Threshold,
		"microVWAPMinutes":   minutes,
		"microVWAPBandK":     bandK,
		"recordingPath":      s.eng.RecordingPath(),
	})
}

func (s *HTTPServer) apiStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	type reqT struct {
		Symbol    string `json:"symbol"`
		Threshold *int64 `json:"threshold,omitempty"`
		Side      string `json:"side,omitempty"`
		Dollar    *int64 `json:"dollar,omitempty"`
		BigDollar *int64 `json:"bigDollar,omitempty"`
		Silent    *bool  `json:"silent,omitempty"`
	}
	var req reqT
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	sym := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if sym == "" {
		http.Error(w, "symbol required", http.StatusBadRequest)
		return
	}

	// If gateway not connected, return 503
	if !s.st.Connected() && !isLocalDev() {
		http.Error(w, "gateway not connected", http.StatusServiceUnavailable)
		s.BroadcastError("Market data gateway not connected. Is it running at the configured ibkr_gateway_url?")
		return
	}

	if req.Threshold != nil && *req.Threshold > 0 {
		s.st.SetThreshold(*req.Threshold)
	}
	if req.Side != "" {
		s.st.SetSide(req.Side)
	} else {
		s.st.SetSide("ASK")
	}
	dollar, bigDollar := s.st.DollarThreshold(), s.st.BigDollarThreshold()
	if req.Dollar != nil {
		dollar = *req.Dollar
	}
	if req.BigDollar != nil {
		bigDollar = *req.BigDollar
	}
	s.st.SetTapeThresholds(dollar, bigDollar)
	if req.Silent != nil {
		s.st.SetSilent(*req.Silent)
	}

	// Restarting the active symbol keeps the live RVOL minute.
	preserve := sym == s.st.Symbol()
	s.eng.ActivateSymbol(r.Context(), sym, preserve)
	if err := s.src.Subscribe(sym); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.BroadcastStatus()
	writeJSON(w, map[string]any{
		"ok":        true,
		"symbol":    s.st.Symbol(),
		"threshold": s.st.Threshold(),
		"side":      s.st.Side(),
		"silent":    s.st.Silent(),
	})
}

func (s *HTTPServer) apiStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	s.src.Unsubscribe()
	s.eng.Deactivate()
	s.BroadcastStatus()
	writeJSON(w, map[string]any{"ok": true})
}

func (s *HTTPServer) apiThreshold(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Threshold int64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Threshold < 1 {
		http.Error(w, "threshold must be >=1", http.StatusBadRequest)
		return
	}
	s.st.SetThreshold(req.Threshold)
	writeJSON(w, map[string]any{"ok": true, "threshold": s.st.Threshold()})
}

// POST /api/side { "side": "ASK"|"BID" }
func (s *HTTPServer) apiSide(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Side string `json:"side"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	side := strings.ToUpper(strings.TrimSpace(req.Side))
	if side != "ASK" && side != "BID" {
		http.Error(w, "side must be ASK or BID", http.StatusBadRequest)
		return
	}
	s.st.SetSide(side)
	writeJSON(w, map[string]any{"ok": true, "side": s.st.Side()})
}

// POST /api/silent { "silent": bool }
func (s *HTTPServer) apiSilent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Silent bool `json:"silent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.st.SetSilent(req.Silent)
	writeJSON(w, map[string]any{"ok": true, "silent": s.st.Silent()})
}

// GET returns the live micro-VWAP knobs; POST applies clamped updates.
func (s *HTTPServer) apiMicroVWAP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		minutes, bandK := s.eng.MicroParams()
		writeJSON(w, map[string]any{"ok": true, "minutes": minutes, "bandK": bandK})
	case http.MethodPost:
		var req struct {
			Minutes float64 `json:"minutes"`
			BandK   float64 `json:"bandK"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		minutes, bandK := s.eng.SetMicroParams(req.Minutes, req.BandK)
		writeJSON(w, map[string]any{"ok": true, "minutes": minutes, "bandK": bandK})
	default:
		http.Error(w, "GET or POST required", http.StatusMethodNotAllowed)
	}
}

// POST /api/record/start { "path": optional }
func (s *HTTPServer) apiRecordStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Path string `json:"path,omitempty"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	path := strings.TrimSpace(req.Path)
	if path == "" {
		sym := s.st.Symbol()
		if sym == "" {
			sym = "session"
		}
		if err := os.MkdirAll(s.cfg.RecordingDir, 0o755); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		name := fmt.Sprintf("%s-%s.ndjson.gz", sym, time.Now().Format("20060102-150405"))
		path = filepath.Join(s.cfg.RecordingDir, name)
	}
	if err := s.eng.StartRecording(path); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.log.Info("recording started", slog.String("path", path))
	writeJSON(w, map[string]any{"ok": true, "path": path})
}

func (s *HTTPServer) apiRecordStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	path, err := s.eng.StopRecording()
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.log.Info("recording stopped", slog.String("path", path))
	writeJSON(w, map[string]any{"ok": true, "path": path})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func isLocalDev() bool {
	// Lets /api/start work before the Gateway connects, e.g. replay sessions.
	return os.Getenv("SCALPWATCH_ALLOW_START") == "1"
}
