package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("PORT")
	os.Unsetenv("DEFAULT_TIMEFRAME")
	os.Unsetenv("LIMITS_FILE")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Errorf("port: %s", cfg.Port)
	}
	if cfg.DefaultTimeframe != 1 {
		t.Errorf("default timeframe: %d", cfg.DefaultTimeframe)
	}
	if cfg.MaxConnsPerIP != 10 || cfg.MaxConnsGlobal != 10_000 {
		t.Errorf("conn caps: %d/%d", cfg.MaxConnsPerIP, cfg.MaxConnsGlobal)
	}
	if cfg.SnapshotInterval != 10*time.Minute || cfg.ArchiveInterval != time.Minute {
		t.Errorf("intervals: %v/%v", cfg.SnapshotInterval, cfg.ArchiveInterval)
	}
	if cfg.Limits.Upbit.ChunkSize != 1 || cfg.Limits.Upbit.Spacing != 150*time.Millisecond {
		t.Errorf("upbit limits: %+v", cfg.Limits.Upbit)
	}
	if cfg.Limits.Binance.ChunkSize != 3 || cfg.Limits.OKX.ChunkSize != 5 {
		t.Errorf("global limits: %+v %+v", cfg.Limits.Binance, cfg.Limits.OKX)
	}
}

func TestSecretsGeneratedWhenUnset(t *testing.T) {
	os.Unsetenv("ADMIN_API_KEY")
	a := Load()
	b := Load()
	if len(a.AdminAPIKey) != 64 {
		t.Fatalf("generated secret length: %d", len(a.AdminAPIKey))
	}
	if a.AdminAPIKey == b.AdminAPIKey {
		t.Fatal("generated secrets must differ per run")
	}

	t.Setenv("ADMIN_API_KEY", "fixed-value")
	if got := Load().AdminAPIKey; got != "fixed-value" {
		t.Fatalf("env secret not used: %s", got)
	}
}

func TestLimitsFileMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	os.WriteFile(path, []byte(
		"binance:\n  chunk_size: 7\n  spacing: 250ms\n  pause_per_429: 5s\n",
	), 0o644)
	t.Setenv("LIMITS_FILE", path)

	cfg := Load()
	if cfg.Limits.Binance.ChunkSize != 7 || cfg.Limits.Binance.Spacing != 250*time.Millisecond ||
		cfg.Limits.Binance.PausePer429 != 5*time.Second {
		t.Fatalf("binance limits not merged: %+v", cfg.Limits.Binance)
	}
}

func TestLimitsFileUnreadableFallsBack(t *testing.T) {
	t.Setenv("LIMITS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg := Load()
	if cfg.Limits.Upbit.ChunkSize != 1 {
		t.Fatalf("defaults lost: %+v", cfg.Limits.Upbit)
	}
}
