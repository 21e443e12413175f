package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("API_KEY", "")
	t.Setenv("PORT", "")
	t.Setenv("TRAIN_SYMBOL", "")
	t.Setenv("CANDLE_INTERVAL", "")
	t.Setenv("WEIGHT_SEQUENCE", "")
	t.Setenv("WEIGHT_GRADIENT_BOOSTED", "")
	t.Setenv("WEIGHT_BASELINE", "")
	t.Setenv("WEIGHT_CLASSICAL_TS", "")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.RedisURL != "localhost:6379" {
		t.Fatalf("expected redis fallback, got %q", cfg.RedisURL)
	}
	if cfg.TrainSymbol != "BTC" || cfg.Interval != "1h" {
		t.Fatalf("unexpected training defaults %q/%q", cfg.TrainSymbol, cfg.Interval)
	}
	if cfg.HistoryBars != 2000 || cfg.HorizonHours != 48 {
		t.Fatalf("unexpected history defaults %d/%d", cfg.HistoryBars, cfg.HorizonHours)
	}

	total := cfg.WeightSequence + cfg.WeightGradientBoosted + cfg.WeightBaseline + cfg.WeightClassicalTS
	if total < 0.999999 || total > 1.000001 {
		t.Fatalf("default weights sum to %.6f, want 1.0", total)
	}
	if cfg.ScaleFactor != 0.03 || cfg.AnalogTolerance != 0.05 {
		t.Fatalf("unexpected signal defaults %.4f/%.4f", cfg.ScaleFactor, cfg.AnalogTolerance)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("TRAIN_SYMBOL", "eth")
	t.Setenv("HISTORY_BARS", "500")
	t.Setenv("WEIGHT_SEQUENCE", "0.40")
	t.Setenv("ANALOG_TOLERANCE", "0.10")
	t.Setenv("MACRO_API_URL", "http://macro.internal/api")

	cfg := Load()
	if cfg.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Port)
	}
	if cfg.TrainSymbol != "ETH" {
		t.Fatalf("symbol should be upper-cased, got %q", cfg.TrainSymbol)
	}
	if cfg.HistoryBars != 500 {
		t.Fatalf("expected 500 history bars, got %d", cfg.HistoryBars)
	}
	if cfg.WeightSequence != 0.40 || cfg.AnalogTolerance != 0.10 {
		t.Fatalf("overrides not applied: %.2f/%.2f", cfg.WeightSequence, cfg.AnalogTolerance)
	}
	if cfg.MacroAPIURL != "http://macro.internal/api" {
		t.Fatalf("macro URL not applied: %q", cfg.MacroAPIURL)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	t.Setenv("HISTORY_BARS", "-5")
	t.Setenv("SCALE_FACTOR", "0")
	t.Setenv("TRAIN_HOUR_UTC", "99")

	cfg := Load()
	if cfg.Port != 8080 {
		t.Fatalf("malformed port should fall back, got %d", cfg.Port)
	}
	if cfg.HistoryBars != 2000 {
		t.Fatalf("negative bars should fall back, got %d", cfg.HistoryBars)
	}
	if cfg.ScaleFactor != 0.03 {
		t.Fatalf("zero scale should fall back, got %.4f", cfg.ScaleFactor)
	}
	if cfg.TrainHourUTC != 0 {
		t.Fatalf("out-of-range hour should fall back, got %d", cfg.TrainHourUTC)
	}
}
