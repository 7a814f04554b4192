package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type OBIConfig struct {
	Enabled   bool    `yaml:"enabled" env:"SCALPWATCH_OBI_ENABLED"`
	Alpha     float64 `yaml:"alpha" env:"SCALPWATCH_OBI_ALPHA"`
	LevelsMax int     `yaml:"levels_max" env:"SCALPWATCH_OBI_LEVELS_MAX"`
}

type RVOLConfig struct {
	Enabled      bool    `yaml:"enabled" env:"SCALPWATCH_RVOL_ENABLED"`
	Threshold    float64 `yaml:"threshold" env:"SCALPWATCH_RVOL_THRESHOLD"`
	LookbackDays int     `yaml:"lookback_days" env:"SCALPWATCH_RVOL_LOOKBACK_DAYS"`
}

type MicroVWAPConfig struct {
	Minutes float64 `yaml:"minutes" env:"SCALPWATCH_MICROVWAP_MINUTES"`
	BandK   float64 `yaml:"band_k" env:"SCALPWATCH_MICROVWAP_BAND_K"`
}

type TapeConfig struct {
	Dollar    int64 `yaml:"dollar" env:"SCALPWATCH_TAPE_DOLLAR"`
	BigDollar int64 `yaml:"big_dollar" env:"SCALPWATCH_TAPE_BIG_DOLLAR"`
}

type ReplayConfig struct {
	Path string  `yaml:"path" env:"SCALPWATCH_REPLAY_PATH"`
	Rate float64 `yaml:"rate" env:"SCALPWATCH_REPLAY_RATE"`
	Loop bool    `yaml:"loop" env:"SCALPWATCH_REPLAY_LOOP"`
}

type Config struct {
	Port                   int    `yaml:"port" env:"SCALPWATCH_PORT"`
	DefaultThresholdShares int64  `yaml:"default_threshold_shares" env:"SCALPWATCH_DEFAULT_THRESHOLD_SHARES"`
	SoundFile              string `yaml:"sound_file" env:"SCALPWATCH_SOUND_FILE"`
	CooldownSeconds        int    `yaml:"cooldown_seconds" env:"SCALPWATCH_COOLDOWN_SECONDS"`
	SmartDepth             bool   `yaml:"smart_depth" env:"SCALPWATCH_SMART_DEPTH"`
	LevelsToScan           int    `yaml:"levels_to_scan" env:"SCALPWATCH_LEVELS_TO_SCAN"`
	PriceReference         string `yaml:"price_reference" env:"SCALPWATCH_PRICE_REFERENCE"`
	LogLevel               string `yaml:"log_level" env:"SCALPWATCH_LOG_LEVEL"`
	IBKRGatewayURL         string `yaml:"ibkr_gateway_url" env:"SCALPWATCH_IBKR_GATEWAY_URL"`
	SessionStorePath       string `yaml:"session_store_path" env:"SCALPWATCH_SESSION_STORE_PATH"`
	DataDir                string `yaml:"data_dir" env:"SCALPWATCH_DATA_DIR"`
	RecordingDir           string `yaml:"recording_dir" env:"SCALPWATCH_RECORDING_DIR"`

	OBI       OBIConfig       `yaml:"obi"`
	RVOL      RVOLConfig      `yaml:"rvol"`
	MicroVWAP MicroVWAPConfig `yaml:"microvwap"`
	Tape      TapeConfig      `yaml:"tape"`
	Replay    ReplayConfig    `yaml:"replay"`
}

func defaults() Config {
	return Config{
		Port:                   8086,
		DefaultThresholdShares: 20000,
		SoundFile:              "./web/sounds/hey.mp3",
		CooldownSeconds:        1,
		SmartDepth:             true,
		LevelsToScan:           10,
		PriceReference:         "best_ask",
		LogLevel:               "info",
		IBKRGatewayURL:         "https://127.0.0.1:5000",
		SessionStorePath:       "./data/session.json",
		DataDir:                "./data",
		RecordingDir:           "./data/recordings",
		OBI:                    OBIConfig{Enabled: true, Alpha: 0.5, LevelsMax: 3},
		RVOL:                   RVOLConfig{Enabled: true, Threshold: 3.0, LookbackDays: 5},
		MicroVWAP:              MicroVWAPConfig{Minutes: 2, BandK: 1.5},
		Tape:                   TapeConfig{Dollar: 35000, BigDollar: 1000000},
		Replay:                 ReplayConfig{Rate: 1.0},
	}
}

// Load reads the YAML file, applies SCALPWATCH_* environment overrides on
// top, then validates. A missing file is an error; callers that want
// defaults-only behavior should ship a config.yaml.
func Load(path string) (Config, error) {
	cfg := defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg *Config) validate() error {
	if cfg.LevelsToScan != 10 {
		return errors.New("levels_to_scan must be 10")
	}
	switch strings.ToLower(cfg.PriceReference) {
	case "best_ask":
		cfg.PriceReference = "best_ask"
	default:
		return errors.New(`price_reference must be "best_ask"`)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return errors.New("invalid port")
	}
	if cfg.DefaultThresholdShares < 1 {
		return errors.New("default_threshold_shares must be >=1")
	}
	if cfg.OBI.LevelsMax < 1 || cfg.OBI.LevelsMax > 10 {
		return errors.New("obi.levels_max must be in [1,10]")
	}
	if cfg.RVOL.Threshold <= 0 {
		return errors.New("rvol.threshold must be > 0")
	}
	if cfg.RVOL.LookbackDays < 1 {
		return errors.New("rvol.lookback_days must be >= 1")
	}
	if cfg.MicroVWAP.Minutes < 0.5 || cfg.MicroVWAP.Minutes > 60 {
		return errors.New("microvwap.minutes must be in [0.5,60]")
	}
	if cfg.MicroVWAP.BandK < 0.5 || cfg.MicroVWAP.BandK > 4 {
		return errors.New("microvwap.band_k must be in [0.5,4]")
	}
	if cfg.Tape.Dollar < 0 || cfg.Tape.BigDollar < 0 {
		return errors.New("tape thresholds must be >= 0")
	}
	if cfg.Replay.Rate <= 0 {
		cfg.Replay.Rate = 1.0
	}
	return nil
}

func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(h)
}
