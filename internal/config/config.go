package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	APIKey      string
	Port        int

	TrainSymbol  string
	Interval     string
	HistoryBars  int
	TrainHourUTC int
	HorizonHours int

	ScaleFactor           float64
	WeightSequence        float64
	WeightGradientBoosted float64
	WeightBaseline        float64
	WeightClassicalTS     float64

	AnalogTolerance     float64
	AnalogLookbackDays  int
	MacroAPIURL         string
	MacroTTLSecs        int
	MacroTimeoutSecs    int
	ValidationCacheSecs int
	MaturationPollSecs  int
	MaturationBatch     int
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		APIKey:      os.Getenv("API_KEY"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}

	cfg.Port = intEnv("PORT", 8080)

	cfg.TrainSymbol = strings.ToUpper(strings.TrimSpace(os.Getenv("TRAIN_SYMBOL")))
	if cfg.TrainSymbol == "" {
		cfg.TrainSymbol = "BTC"
	}
	cfg.Interval = strings.TrimSpace(os.Getenv("CANDLE_INTERVAL"))
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	cfg.HistoryBars = intEnv("HISTORY_BARS", 2000)
	cfg.TrainHourUTC = intEnv("TRAIN_HOUR_UTC", 0)
	if cfg.TrainHourUTC < 0 || cfg.TrainHourUTC > 23 {
		cfg.TrainHourUTC = 0
	}
	cfg.HorizonHours = intEnv("ANALOG_HORIZON_HOURS", 48)

	cfg.ScaleFactor = floatEnv("SCALE_FACTOR", 0.03)
	cfg.WeightSequence = floatEnv("WEIGHT_SEQUENCE", 0.35)
	cfg.WeightGradientBoosted = floatEnv("WEIGHT_GRADIENT_BOOSTED", 0.25)
	cfg.WeightBaseline = floatEnv("WEIGHT_BASELINE", 0.20)
	cfg.WeightClassicalTS = floatEnv("WEIGHT_CLASSICAL_TS", 0.20)

	cfg.AnalogTolerance = floatEnv("ANALOG_TOLERANCE", 0.05)
	cfg.AnalogLookbackDays = intEnv("ANALOG_LOOKBACK_DAYS", 180)
	cfg.MacroAPIURL = strings.TrimSpace(os.Getenv("MACRO_API_URL"))
	cfg.MacroTTLSecs = intEnv("MACRO_TTL_SECS", 3600)
	cfg.MacroTimeoutSecs = intEnv("MACRO_TIMEOUT_SECS", 5)
	cfg.ValidationCacheSecs = intEnv("VALIDATION_CACHE_SECS", 3600)
	cfg.MaturationPollSecs = intEnv("MATURATION_POLL_SECS", 1800)
	cfg.MaturationBatch = intEnv("MATURATION_BATCH", 200)

	return cfg
}

func intEnv(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func floatEnv(key string, fallback float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
