package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/leader001a/ro-market-crawler-sub001/internal/api"
	"github.com/leader001a/ro-market-crawler-sub001/internal/config"
	"github.com/leader001a/ro-market-crawler-sub001/internal/crawler"
	"github.com/leader001a/ro-market-crawler-sub001/internal/market"
	"github.com/leader001a/ro-market-crawler-sub001/internal/monitor"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/dedup"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/logger"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/notify"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/ratelimit"
	"github.com/leader001a/ro-market-crawler-sub001/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	var appLogger *slog.Logger
	if cfg.App.Env == "prod" {
		appLogger = logger.NewJSON(cfg.App.LogLevel)
	} else {
		appLogger = logger.NewDefault(cfg.App.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis is optional: without it the process falls back to a local
	// token bucket and skips alarm de-duplication.
	var rdb *redis.Client
	var limiter ratelimit.Limiter
	var deduper *dedup.Deduplicator
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			appLogger.Warn("redis unreachable, using local rate limiter",
				slog.String("addr", cfg.Redis.Addr),
				slog.String("error", err.Error()))
			rdb.Close()
			rdb = nil
		}
	}
	if rdb != nil {
		limiter = ratelimit.NewRedisLimiter(rdb, appLogger, "romarket:ratelimit:gnjoy",
			cfg.Crawler.RateLimit, cfg.Crawler.RateBurst)
		deduper = dedup.NewDeduplicator(rdb, cfg.Monitor.AlarmDedupTTL)
	} else {
		limiter = ratelimit.NewLocalLimiter(cfg.Crawler.RateLimit, int(cfg.Crawler.RateBurst))
	}

	client := market.NewGnjoyClient(cfg.Crawler.BaseURL, appLogger,
		market.WithLimiter(limiter),
		market.WithHTTPClient(&http.Client{Timeout: cfg.Crawler.PageTimeout}),
	)

	details := store.NewDetailCache(cfg.Storage.DataDir, appLogger)
	sessions := store.NewSessionStore(cfg.Storage.DataDir, appLogger)
	current := store.NewCurrentSessions()
	history, err := store.OpenHistory(cfg.Storage.SQLitePath)
	if err != nil {
		appLogger.Error("open history database failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine := crawler.NewEngine(client, details, sessions, current, appLogger, crawler.Options{
		FastDelay:    cfg.Crawler.FastDelay,
		SlowDelay:    cfg.Crawler.SlowDelay,
		NewItemDelay: cfg.Crawler.NewItemDelay,
		MaxPages:     cfg.Crawler.MaxPages,
	})

	results := monitor.NewResults()
	sched := monitor.NewScheduler(client, results, appLogger, monitor.Options{
		RefreshInterval: cfg.Monitor.RefreshInterval,
		ItemTimeout:     cfg.Monitor.ItemTimeout,
		ItemDelay:       cfg.Monitor.ItemDelay,
		TickInterval:    cfg.Monitor.TickInterval,
		QueueCapacity:   cfg.Monitor.QueueCapacity,
	})
	sched.SetRecorder(history)
	sched.Start(ctx)

	notifier := notify.NewEmailNotifier(&cfg.Email, appLogger)
	alarm := monitor.NewAlarm(results, sched.Criteria, notifier, deduper, appLogger, cfg.Monitor.AlarmInterval)
	if err := alarm.Start(); err != nil {
		appLogger.Error("start alarm failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv, err := api.NewServer(cfg, appLogger, engine, client, client, sessions, current, history, sched, alarm)
	if err != nil {
		appLogger.Error("init server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		appLogger.Error("server run failed", slog.String("error", err.Error()))
	}

	appLogger.Info("shutting down...")
	alarm.Stop()
	if err := sched.Stop(10 * time.Second); err != nil {
		appLogger.Warn("scheduler drain incomplete", slog.String("error", err.Error()))
	}
	srv.Close()
	if err := history.Close(); err != nil {
		appLogger.Warn("close history failed", slog.String("error", err.Error()))
	}
	if rdb != nil {
		rdb.Close()
	}
}
