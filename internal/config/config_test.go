package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crawler.FastDelay != 300*time.Millisecond {
		t.Fatalf("fast delay default = %v", cfg.Crawler.FastDelay)
	}
	if cfg.Monitor.RefreshInterval != 5*time.Minute {
		t.Fatalf("refresh interval default = %v", cfg.Monitor.RefreshInterval)
	}
	if cfg.Monitor.AlarmDedupTTL != time.Hour {
		t.Fatalf("alarm dedup ttl default = %v", cfg.Monitor.AlarmDedupTTL)
	}
	if cfg.Storage.DataDir != "data" {
		t.Fatalf("data dir default = %q", cfg.Storage.DataDir)
	}
}

func TestLoad_ParsesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"crawler": {"fast_delay": "150ms", "slow_delay": "2s", "max_pages": 50},
		"monitor": {"refresh_interval": "90s", "item_delay": "500ms", "alarm_dedup_ttl": "10m"}
	}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crawler.FastDelay != 150*time.Millisecond {
		t.Fatalf("fast delay = %v", cfg.Crawler.FastDelay)
	}
	if cfg.Crawler.SlowDelay != 2*time.Second {
		t.Fatalf("slow delay = %v", cfg.Crawler.SlowDelay)
	}
	if cfg.Crawler.MaxPages != 50 {
		t.Fatalf("max pages = %d", cfg.Crawler.MaxPages)
	}
	if cfg.Monitor.RefreshInterval != 90*time.Second {
		t.Fatalf("refresh interval = %v", cfg.Monitor.RefreshInterval)
	}
	if cfg.Monitor.AlarmDedupTTL != 10*time.Minute {
		t.Fatalf("alarm dedup ttl = %v", cfg.Monitor.AlarmDedupTTL)
	}
	// untouched fields still get defaults
	if cfg.Crawler.NewItemDelay != 2*time.Second {
		t.Fatalf("new item delay = %v", cfg.Crawler.NewItemDelay)
	}
}

func TestLoad_InvalidDurationFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"crawler": {"fast_delay": "soon"}}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error for bad duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_MAX_PAGES", "7")
	t.Setenv("MONITOR_REFRESH_INTERVAL", "45s")
	t.Setenv("REDIS_ADDR", "localhost:7777")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Crawler.MaxPages != 7 {
		t.Fatalf("max pages = %d", cfg.Crawler.MaxPages)
	}
	if cfg.Monitor.RefreshInterval != 45*time.Second {
		t.Fatalf("refresh interval = %v", cfg.Monitor.RefreshInterval)
	}
	if cfg.Redis.Addr != "localhost:7777" {
		t.Fatalf("redis addr = %q", cfg.Redis.Addr)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	cfg := LoadOrDefault(filepath.Join(t.TempDir(), "nope.json"))
	cfg.Crawler.FastDelay = 700 * time.Millisecond

	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if loaded.Crawler.FastDelay != 700*time.Millisecond {
		t.Fatalf("round trip fast delay = %v", loaded.Crawler.FastDelay)
	}
}
