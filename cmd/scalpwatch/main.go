package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"scalpwatch/internal/config"
	"scalpwatch/internal/engine"
	"scalpwatch/internal/feed"
	"scalpwatch/internal/ibkrcp"
	"scalpwatch/internal/metrics"
	"scalpwatch/internal/record"
	"scalpwatch/internal/server"
	"scalpwatch/internal/sound"
	"scalpwatch/internal/state"
)

func main() {
	_ = godotenv.Load() // best-effort: .env is optional

	var (
		configPath = flag.String("config", "config.yaml", "path to config.yaml")
		replayPath = flag.String("replay", "", "replay a recorded tape instead of the live gateway")
		loginOnly  = flag.Bool("login", false, "acquire/refresh the gateway session and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger := config.NewLogger(cfg.LogLevel)

	logger.Info("scalpwatch starting",
		slog.Int("port", cfg.Port),
		slog.Int64("default_threshold_shares", cfg.DefaultThresholdShares),
		slog.String("ibkr_gateway_url", cfg.IBKRGatewayURL),
	)

	// State
	st := state.NewState(time.Duration(cfg.CooldownSeconds)*time.Second, cfg.DefaultThresholdShares)
	st.SetTapeThresholds(cfg.Tape.Dollar, cfg.Tape.BigDollar)

	// Sound / hashed URL
	snd, err := sound.NewManager(cfg.SoundFile)
	if err != nil {
		logger.Warn("sound manager init", slog.String("err", err.Error()))
	}

	// Prometheus instruments
	met := metrics.New(prometheus.DefaultRegisterer)

	// Gateway client (also the historical-bar source for RVOL baselines)
	client := ibkrcp.NewClient(cfg.IBKRGatewayURL, cfg.SessionStorePath, logger)

	// One-shot login mode to acquire/refresh session and exit.
	if *loginOnly {
		ctx, cancelLogin := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancelLogin()
		if err := client.Connect(ctx); err != nil {
			logger.Error("login failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		logger.Info("login successful (authenticated:true); session saved")
		return
	}

	// Feed: live gateway, or a recorded tape when --replay is given.
	var src feed.Source
	var bars engine.BarSource
	if *replayPath != "" {
		logger.Info("replay mode",
			slog.String("path", *replayPath),
			slog.Float64("rate", cfg.Replay.Rate),
			slog.Bool("loop", cfg.Replay.Loop),
		)
		src = record.NewReplayer(record.ReplayConfig{
			Path: *replayPath,
			Rate: cfg.Replay.Rate,
			Loop: cfg.Replay.Loop,
		})
	} else {
		src = ibkrcp.NewGatewayFeed(client, logger)
		bars = client
	}

	// Engine
	eng := engine.New(st, engine.Params{
		OBIEnabled:    cfg.OBI.Enabled,
		OBIAlpha:      cfg.OBI.Alpha,
		OBILevels:     cfg.OBI.LevelsMax,
		RVOLEnabled:   cfg.RVOL.Enabled,
		RVOLThreshold: cfg.RVOL.Threshold,
		RVOLLookback:  cfg.RVOL.LookbackDays,
		VWAPMinutes:   cfg.MicroVWAP.Minutes,
		VWAPBandK:     cfg.MicroVWAP.BandK,
	}, bars, met, logger)

	// HTTP server + WS hub
	srv := server.NewHTTPServer(cfg, st, snd, src, eng, met, logger)

	// Context & signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go src.Run(ctx)
	go eng.Run(ctx, src)
	go srv.RunFanout(ctx)

	// HTTP serving
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Router(),
	}

	done := make(chan struct{})
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.String("err", err.Error()))
			cancel()
		}
		close(done)
	}()

	// Graceful shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc

	logger.Info("shutting down...")
	shCtx, shCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shCancel()

	_ = httpSrv.Shutdown(shCtx)
	if path, err := eng.StopRecording(); err == nil {
		logger.Info("recording finalized", slog.String("path", path))
	}
	src.Close()
	cancel()
	<-done
	logger.Info("bye")
}
