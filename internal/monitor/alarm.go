package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/dedup"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/notify"
	"github.com/leader001a/ro-market-crawler-sub001/internal/watch"
)

// CriteriaSource supplies the criteria to evaluate on each alarm tick,
// typically Scheduler.Criteria plus any extra configured watches.
type CriteriaSource func() []model.WatchCriterion

// Alarm re-signals on a fixed interval while unresolved watch matches
// exist and sound is not muted. Muting stops signals without clearing
// matches.
type Alarm struct {
	results  *Results
	source   CriteriaSource
	notifier notify.Notifier
	dedup    *dedup.Deduplicator
	logger   *slog.Logger
	interval time.Duration

	muted atomic.Bool

	mu    sync.Mutex
	extra []model.WatchCriterion
	cron  *cron.Cron
}

func NewAlarm(results *Results, source CriteriaSource, notifier notify.Notifier, dd *dedup.Deduplicator, logger *slog.Logger, interval time.Duration) *Alarm {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Alarm{
		results:  results,
		source:   source,
		notifier: notifier,
		dedup:    dd,
		logger:   logger.With(slog.String("component", "alarm_scheduler")),
		interval: interval,
	}
}

// SetExtraCriteria replaces the standalone watch list evaluated in
// addition to item-derived criteria.
func (a *Alarm) SetExtraCriteria(criteria []model.WatchCriterion) {
	a.mu.Lock()
	a.extra = append([]model.WatchCriterion(nil), criteria...)
	a.mu.Unlock()
}

func (a *Alarm) ExtraCriteria() []model.WatchCriterion {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.WatchCriterion(nil), a.extra...)
}

// Mute toggles signal emission.
func (a *Alarm) Mute(muted bool) {
	a.muted.Store(muted)
	a.logger.Info("alarm mute changed", slog.Bool("muted", muted))
}

func (a *Alarm) Muted() bool {
	return a.muted.Load()
}

// Start begins ticking. Stop with Stop.
func (a *Alarm) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return fmt.Errorf("alarm already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", a.interval), a.tick); err != nil {
		return fmt.Errorf("schedule alarm tick: %w", err)
	}
	c.Start()
	a.cron = c

	a.logger.Info("alarm started", slog.Duration("interval", a.interval))
	return nil
}

// Stop halts ticking and waits for an in-flight tick to finish.
func (a *Alarm) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		a.logger.Info("alarm stopped")
	}
}

// Tick evaluates all criteria against the current monitor results and
// signals every unsuppressed match. Exported for on-demand evaluation.
//
// With a deduplicator attached, an unchanged match re-signals once per
// dedup window rather than every tick; a price change is a fresh signal.
func (a *Alarm) Tick(ctx context.Context) []watch.Match {
	criteria := a.allCriteria()
	deals := a.results.Deals()
	matches := watch.Evaluate(deals, criteria)

	if len(matches) == 0 || a.muted.Load() {
		return matches
	}

	for _, match := range matches {
		for _, deal := range match.Deals {
			key := fmt.Sprintf("%s|%s|%d", match.Criterion.Pattern, deal.Signature, deal.Price)
			dup, err := a.dedup.IsDuplicate(ctx, key)
			if err != nil {
				a.logger.Warn("alarm dedup failed, signaling anyway", slog.String("error", err.Error()))
			}
			if dup {
				continue
			}

			metrics.AlarmSignalsTotal.Inc()
			if a.notifier == nil {
				continue
			}
			if err := a.notifier.Notify(ctx, deal, match.Criterion); err != nil {
				a.logger.Error("alarm notification failed",
					slog.String("item", deal.DisplayName()),
					slog.String("error", err.Error()))
			}
		}
	}
	return matches
}

// Matches evaluates all criteria without signaling, for read-only
// inspection of what the alarm currently sees.
func (a *Alarm) Matches() []watch.Match {
	return watch.Evaluate(a.results.Deals(), a.allCriteria())
}

func (a *Alarm) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), a.interval)
	defer cancel()
	a.Tick(ctx)
}

func (a *Alarm) allCriteria() []model.WatchCriterion {
	var criteria []model.WatchCriterion
	if a.source != nil {
		criteria = append(criteria, a.source()...)
	}
	criteria = append(criteria, a.ExtraCriteria()...)
	return criteria
}
