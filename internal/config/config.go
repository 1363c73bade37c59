package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full application configuration.
type Config struct {
	App     AppConfig     `json:"app"`
	Crawler CrawlerConfig `json:"crawler"`
	Monitor MonitorConfig `json:"monitor"`
	Redis   RedisConfig   `json:"redis"`
	Email   EmailConfig   `json:"email"`
	Storage StorageConfig `json:"storage"`
}

// AppConfig is process-level configuration.
type AppConfig struct {
	Env      string `json:"env"`       // local / prod
	LogLevel string `json:"log_level"` // debug / info / warn / error
	HTTPAddr string `json:"http_addr"` // API listen address
}

// CrawlerConfig tunes the market crawl engine.
type CrawlerConfig struct {
	BaseURL        string        `json:"base_url"`         // market site root
	FastDelay      time.Duration `json:"fast_delay"`       // inter-page delay while skipping known items
	SlowDelay      time.Duration `json:"slow_delay"`       // inter-page delay while new items keep appearing
	NewItemDelay   time.Duration `json:"new_item_delay"`   // extra pause after a page that yielded new items
	MaxPages       int           `json:"max_pages"`        // hard cap on pages per crawl, 0 = no cap
	PageTimeout    time.Duration `json:"page_timeout"`     // per-request timeout
	RateLimit      float64       `json:"rate_limit"`       // outbound token/s toward the market API
	RateBurst      float64       `json:"rate_burst"`       // token bucket capacity
	SearchCacheTTL time.Duration `json:"search_cache_ttl"` // on-demand search result TTL
	Top5CacheTTL   time.Duration `json:"top5_cache_ttl"`   // ranking board TTL
}

// MonitorConfig tunes the watch-list refresh scheduler.
//
// AlarmDedupTTL only applies with Redis configured: it suppresses repeat
// notifications for an unchanged match, so an unresolved match re-signals
// every AlarmDedupTTL instead of every AlarmInterval.
type MonitorConfig struct {
	RefreshInterval time.Duration `json:"refresh_interval"` // per-item refresh period
	ItemTimeout     time.Duration `json:"item_timeout"`     // budget for one item's refresh cycle
	ItemDelay       time.Duration `json:"item_delay"`       // pacing gap between consecutive items
	TickInterval    time.Duration `json:"tick_interval"`    // scheduler wakeup period
	AlarmInterval   time.Duration `json:"alarm_interval"`   // alarm re-signal period while matches persist
	AlarmDedupTTL   time.Duration `json:"alarm_dedup_ttl"`  // repeat-notification suppression window
	QueueCapacity   int           `json:"queue_capacity"`   // refresh queue depth
}

// RedisConfig is optional; when Addr is empty the process runs with
// in-memory equivalents.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
}

// EmailConfig configures bargain-alert delivery.
type EmailConfig struct {
	SMTPHost  string `json:"smtp_host"`
	SMTPPort  int    `json:"smtp_port"`
	SMTPUser  string `json:"smtp_user"`
	SMTPPass  string `json:"smtp_pass"`
	FromEmail string `json:"from_email"`
	ToEmail   string `json:"to_email"`
}

// StorageConfig places the on-disk caches and the history database.
type StorageConfig struct {
	DataDir    string `json:"data_dir"`    // detail caches + session snapshots
	SQLitePath string `json:"sqlite_path"` // price/rank history database
}

// Load reads configuration from a JSON file. A missing file is not an
// error; defaults plus environment overrides apply either way.
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault loads configuration, falling back to defaults on any error.
func LoadOrDefault(configPath ...string) *Config {
	cfg, err := Load(configPath...)
	if err != nil {
		fallback := getDefaultConfig()
		applyEnvOverrides(fallback)
		return fallback
	}
	return cfg
}

// Save writes the configuration back to a JSON file.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:      "local",
			LogLevel: "info",
			HTTPAddr: ":8082",
		},
		Crawler: CrawlerConfig{
			BaseURL:        "https://ro.gnjoy.com",
			FastDelay:      300 * time.Millisecond,
			SlowDelay:      1200 * time.Millisecond,
			NewItemDelay:   2 * time.Second,
			MaxPages:       200,
			PageTimeout:    15 * time.Second,
			RateLimit:      2,
			RateBurst:      4,
			SearchCacheTTL: time.Minute,
			Top5CacheTTL:   5 * time.Minute,
		},
		Monitor: MonitorConfig{
			RefreshInterval: 5 * time.Minute,
			ItemTimeout:     2 * time.Minute,
			ItemDelay:       3 * time.Second,
			TickInterval:    5 * time.Second,
			AlarmInterval:   30 * time.Second,
			AlarmDedupTTL:   time.Hour,
			QueueCapacity:   256,
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
		},
		Email: EmailConfig{
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			SMTPUser:  "",
			SMTPPass:  "",
			FromEmail: "",
			ToEmail:   "",
		},
		Storage: StorageConfig{
			DataDir:    "data",
			SQLitePath: "data/history.db",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := getDefaultConfig()

	if cfg.App.Env == "" {
		cfg.App.Env = defaults.App.Env
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = defaults.App.LogLevel
	}
	if cfg.App.HTTPAddr == "" {
		cfg.App.HTTPAddr = defaults.App.HTTPAddr
	}
	if cfg.Crawler.BaseURL == "" {
		cfg.Crawler.BaseURL = defaults.Crawler.BaseURL
	}
	if cfg.Crawler.FastDelay == 0 {
		cfg.Crawler.FastDelay = defaults.Crawler.FastDelay
	}
	if cfg.Crawler.SlowDelay == 0 {
		cfg.Crawler.SlowDelay = defaults.Crawler.SlowDelay
	}
	if cfg.Crawler.NewItemDelay == 0 {
		cfg.Crawler.NewItemDelay = defaults.Crawler.NewItemDelay
	}
	if cfg.Crawler.MaxPages == 0 {
		cfg.Crawler.MaxPages = defaults.Crawler.MaxPages
	}
	if cfg.Crawler.PageTimeout == 0 {
		cfg.Crawler.PageTimeout = defaults.Crawler.PageTimeout
	}
	if cfg.Crawler.RateLimit == 0 {
		cfg.Crawler.RateLimit = defaults.Crawler.RateLimit
	}
	if cfg.Crawler.RateBurst == 0 {
		cfg.Crawler.RateBurst = defaults.Crawler.RateBurst
	}
	if cfg.Crawler.SearchCacheTTL == 0 {
		cfg.Crawler.SearchCacheTTL = defaults.Crawler.SearchCacheTTL
	}
	if cfg.Crawler.Top5CacheTTL == 0 {
		cfg.Crawler.Top5CacheTTL = defaults.Crawler.Top5CacheTTL
	}
	if cfg.Monitor.RefreshInterval == 0 {
		cfg.Monitor.RefreshInterval = defaults.Monitor.RefreshInterval
	}
	if cfg.Monitor.ItemTimeout == 0 {
		cfg.Monitor.ItemTimeout = defaults.Monitor.ItemTimeout
	}
	if cfg.Monitor.ItemDelay == 0 {
		cfg.Monitor.ItemDelay = defaults.Monitor.ItemDelay
	}
	if cfg.Monitor.TickInterval == 0 {
		cfg.Monitor.TickInterval = defaults.Monitor.TickInterval
	}
	if cfg.Monitor.AlarmInterval == 0 {
		cfg.Monitor.AlarmInterval = defaults.Monitor.AlarmInterval
	}
	if cfg.Monitor.AlarmDedupTTL == 0 {
		cfg.Monitor.AlarmDedupTTL = defaults.Monitor.AlarmDedupTTL
	}
	if cfg.Monitor.QueueCapacity == 0 {
		cfg.Monitor.QueueCapacity = defaults.Monitor.QueueCapacity
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = defaults.Email.SMTPPort
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = defaults.Storage.DataDir
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = defaults.Storage.SQLitePath
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}

	if v := os.Getenv("MARKET_BASE_URL"); v != "" {
		cfg.Crawler.BaseURL = v
	}
	if v := os.Getenv("CRAWLER_FAST_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawler.FastDelay = d
		}
	}
	if v := os.Getenv("CRAWLER_SLOW_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawler.SlowDelay = d
		}
	}
	if v := os.Getenv("CRAWLER_NEW_ITEM_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawler.NewItemDelay = d
		}
	}
	if v := os.Getenv("CRAWLER_MAX_PAGES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Crawler.MaxPages = i
		}
	}
	if v := os.Getenv("CRAWLER_PAGE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Crawler.PageTimeout = d
		}
	}
	if v := os.Getenv("CRAWLER_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Crawler.RateLimit = f
		}
	}
	if v := os.Getenv("CRAWLER_RATE_BURST"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Crawler.RateBurst = f
		}
	}

	if v := os.Getenv("MONITOR_REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.RefreshInterval = d
		}
	}
	if v := os.Getenv("MONITOR_ITEM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.ItemTimeout = d
		}
	}
	if v := os.Getenv("MONITOR_ITEM_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.ItemDelay = d
		}
	}
	if v := os.Getenv("MONITOR_ALARM_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.AlarmInterval = d
		}
	}
	if v := os.Getenv("MONITOR_ALARM_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Monitor.AlarmDedupTTL = d
		}
	}
	if v := os.Getenv("MONITOR_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Monitor.QueueCapacity = i
		}
	}

	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("SMTP_TO"); v != "" {
		cfg.Email.ToEmail = v
	}

	if v := os.Getenv("STORAGE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
}

// UnmarshalJSON accepts duration strings like "300ms" or "2m".
func (c *CrawlerConfig) UnmarshalJSON(data []byte) error {
	type Alias CrawlerConfig
	aux := &struct {
		FastDelay      string `json:"fast_delay"`
		SlowDelay      string `json:"slow_delay"`
		NewItemDelay   string `json:"new_item_delay"`
		PageTimeout    string `json:"page_timeout"`
		SearchCacheTTL string `json:"search_cache_ttl"`
		Top5CacheTTL   string `json:"top5_cache_ttl"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{aux.FastDelay, "fast_delay", &c.FastDelay},
		{aux.SlowDelay, "slow_delay", &c.SlowDelay},
		{aux.NewItemDelay, "new_item_delay", &c.NewItemDelay},
		{aux.PageTimeout, "page_timeout", &c.PageTimeout},
		{aux.SearchCacheTTL, "search_cache_ttl", &c.SearchCacheTTL},
		{aux.Top5CacheTTL, "top5_cache_ttl", &c.Top5CacheTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}

	return nil
}

// MarshalJSON renders durations as strings.
func (c CrawlerConfig) MarshalJSON() ([]byte, error) {
	type Alias CrawlerConfig
	return json.Marshal(&struct {
		FastDelay      string `json:"fast_delay"`
		SlowDelay      string `json:"slow_delay"`
		NewItemDelay   string `json:"new_item_delay"`
		PageTimeout    string `json:"page_timeout"`
		SearchCacheTTL string `json:"search_cache_ttl"`
		Top5CacheTTL   string `json:"top5_cache_ttl"`
		*Alias
	}{
		FastDelay:      c.FastDelay.String(),
		SlowDelay:      c.SlowDelay.String(),
		NewItemDelay:   c.NewItemDelay.String(),
		PageTimeout:    c.PageTimeout.String(),
		SearchCacheTTL: c.SearchCacheTTL.String(),
		Top5CacheTTL:   c.Top5CacheTTL.String(),
		Alias:          (*Alias)(&c),
	})
}

// UnmarshalJSON accepts duration strings for the scheduler knobs.
func (m *MonitorConfig) UnmarshalJSON(data []byte) error {
	type Alias MonitorConfig
	aux := &struct {
		RefreshInterval string `json:"refresh_interval"`
		ItemTimeout     string `json:"item_timeout"`
		ItemDelay       string `json:"item_delay"`
		TickInterval    string `json:"tick_interval"`
		AlarmInterval   string `json:"alarm_interval"`
		AlarmDedupTTL   string `json:"alarm_dedup_ttl"`
		*Alias
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{aux.RefreshInterval, "refresh_interval", &m.RefreshInterval},
		{aux.ItemTimeout, "item_timeout", &m.ItemTimeout},
		{aux.ItemDelay, "item_delay", &m.ItemDelay},
		{aux.TickInterval, "tick_interval", &m.TickInterval},
		{aux.AlarmInterval, "alarm_interval", &m.AlarmInterval},
		{aux.AlarmDedupTTL, "alarm_dedup_ttl", &m.AlarmDedupTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s format: %w", f.name, err)
		}
		*f.dst = d
	}

	return nil
}

// MarshalJSON renders durations as strings.
func (m MonitorConfig) MarshalJSON() ([]byte, error) {
	type Alias MonitorConfig
	return json.Marshal(&struct {
		RefreshInterval string `json:"refresh_interval"`
		ItemTimeout     string `json:"item_timeout"`
		ItemDelay       string `json:"item_delay"`
		TickInterval    string `json:"tick_interval"`
		AlarmInterval   string `json:"alarm_interval"`
		AlarmDedupTTL   string `json:"alarm_dedup_ttl"`
		*Alias
	}{
		RefreshInterval: m.RefreshInterval.String(),
		ItemTimeout:     m.ItemTimeout.String(),
		ItemDelay:       m.ItemDelay.String(),
		TickInterval:    m.TickInterval.String(),
		AlarmInterval:   m.AlarmInterval.String(),
		AlarmDedupTTL:   m.AlarmDedupTTL.String(),
		Alias:           (*Alias)(&m),
	})
}
