// Package monitor implements the watchlist refresh scheduler: a
// periodic tick marks due items queued, and a single consumer refreshes
// them one at a time against the market so the remote never sees two
// monitor-driven requests concurrently.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leader001a/ro-market-crawler-sub001/internal/market"
	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/queue"
	"github.com/leader001a/ro-market-crawler-sub001/internal/watch"
)

var ErrEmptyItemName = errors.New("monitor item name is empty")

const (
	defaultRefreshInterval = 5 * time.Minute
	defaultItemTimeout     = 2 * time.Minute
	defaultItemDelay       = 3 * time.Second
	defaultTickInterval    = 5 * time.Second
	defaultQueueCapacity   = 256
)

// Options tune the scheduler. Zero values fall back to defaults.
type Options struct {
	RefreshInterval time.Duration // per-item refresh period
	ItemTimeout     time.Duration // budget for one refresh call
	ItemDelay       time.Duration // pacing gap between queue items
	TickInterval    time.Duration // scheduler wakeup period
	QueueCapacity   int
}

func (o *Options) applyDefaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = defaultRefreshInterval
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = defaultItemTimeout
	}
	if o.ItemDelay <= 0 {
		o.ItemDelay = defaultItemDelay
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaultTickInterval
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCapacity
	}
}

// PriceRecorder persists price observations from monitor refreshes.
type PriceRecorder interface {
	RecordPrices(ctx context.Context, deals []model.DealItem) error
}

// Scheduler owns the watchlist and drives refreshes through a single
// shared queue.
type Scheduler struct {
	client   market.Client
	results  *Results
	queue    *queue.Queue
	logger   *slog.Logger
	opts     Options
	recorder PriceRecorder

	mu    sync.Mutex
	items map[string]*model.MonitorItem
	order []string // insertion order for stable listings
}

func NewScheduler(client market.Client, results *Results, logger *slog.Logger, opts Options) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	logger = logger.With(slog.String("component", "monitor_scheduler"))
	return &Scheduler{
		client:  client,
		results: results,
		queue:   queue.New(logger, opts.QueueCapacity, opts.ItemDelay),
		logger:  logger,
		opts:    opts,
	}
}

// SetRecorder enables price-history recording for refreshed deals.
func (s *Scheduler) SetRecorder(recorder PriceRecorder) {
	s.recorder = recorder
}

// AddItem registers a watchlist entry. The first refresh is due
// immediately.
func (s *Scheduler) AddItem(name string, serverID int, exactMatch bool, watchPrice *int64) (*model.MonitorItem, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrEmptyItemName
	}

	item := &model.MonitorItem{
		ID:            uuid.NewString(),
		ItemName:      name,
		ServerID:      serverID,
		ExactMatch:    exactMatch,
		WatchPrice:    watchPrice,
		Status:        model.MonitorIdle,
		NextRefreshAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.items == nil {
		s.items = make(map[string]*model.MonitorItem)
	}
	s.items[item.ID] = item
	s.order = append(s.order, item.ID)

	s.logger.Info("monitor item added",
		slog.String("item_id", item.ID),
		slog.String("name", name),
		slog.Int("server_id", serverID))
	return snapshotItem(item), nil
}

// RemoveItem drops an entry and its stored result.
func (s *Scheduler) RemoveItem(id string) bool {
	s.mu.Lock()
	_, ok := s.items[id]
	if ok {
		delete(s.items, id)
		for i, existing := range s.order {
			if existing == id {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()

	if ok {
		s.results.Remove(id)
		s.logger.Info("monitor item removed", slog.String("item_id", id))
	}
	return ok
}

// Results exposes the per-item refresh results.
func (s *Scheduler) Results() *Results {
	return s.results
}

// Items returns watchlist snapshots in insertion order.
func (s *Scheduler) Items() []model.MonitorItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.MonitorItem, 0, len(s.order))
	for _, id := range s.order {
		if item, ok := s.items[id]; ok {
			out = append(out, *snapshotItem(item))
		}
	}
	return out
}

// Criteria derives a watch criterion from every item that carries a
// watch price, feeding alarm evaluation.
func (s *Scheduler) Criteria() []model.WatchCriterion {
	s.mu.Lock()
	defer s.mu.Unlock()
	var criteria []model.WatchCriterion
	for _, id := range s.order {
		item, ok := s.items[id]
		if !ok || item.WatchPrice == nil {
			continue
		}
		pattern := item.ItemName
		if !item.ExactMatch && !strings.Contains(pattern, watch.Wildcard) {
			pattern = watch.Wildcard + pattern + watch.Wildcard
		}
		criteria = append(criteria, model.WatchCriterion{Pattern: pattern, MaxPrice: item.WatchPrice})
	}
	return criteria
}

// Start runs the scheduling tick and the queue consumer until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.queue.Start(ctx)

	go func() {
		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("scheduler tick stopped")
				return
			case <-ticker.C:
				s.enqueueDue(ctx)
			}
		}
	}()
}

// Stop drains the queue; in-flight work finishes first.
func (s *Scheduler) Stop(timeout time.Duration) error {
	return s.queue.ShutdownWithTimeout(timeout)
}

// enqueueDue queues every idle item whose refresh time has elapsed.
// Items already queued, refreshing, or processing are untouched.
func (s *Scheduler) enqueueDue(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*model.MonitorItem
	for _, id := range s.order {
		item, ok := s.items[id]
		if !ok || item.Status != model.MonitorIdle || item.NextRefreshAt.After(now) {
			continue
		}
		item.Status = model.MonitorQueued
		due = append(due, item)
	}
	s.mu.Unlock()

	for _, item := range due {
		id := item.ID
		if !s.queue.Enqueue(func(jobCtx context.Context) error {
			return s.refreshItem(jobCtx, id)
		}) {
			// Queue full: put the item back so the next tick retries.
			s.setIdle(id, now.Add(s.opts.TickInterval))
		}
	}
}

// refreshItem is the queue job for one watchlist entry. Failures are
// isolated: the item always returns to idle and waits a normal
// interval, never an immediate retry.
func (s *Scheduler) refreshItem(ctx context.Context, id string) error {
	item, ok := s.transition(id, model.MonitorQueued, model.MonitorRefreshing)
	if !ok {
		return nil // removed while queued
	}

	refreshCtx, cancel := context.WithTimeout(ctx, s.opts.ItemTimeout)
	defer cancel()

	deals, _, err := s.client.FetchListingPage(refreshCtx, searchTerm(item), item.ServerID, 1)
	if err != nil {
		s.setIdle(id, time.Now().Add(s.opts.RefreshInterval))
		metrics.MonitorRefreshTotal.WithLabelValues(refreshOutcome(err)).Inc()

		if rl, limited := market.AsRateLimited(err); limited {
			s.logger.Warn("monitor refresh rate limited",
				slog.String("item_id", id),
				slog.Time("unlock_at", rl.UnlockAt))
			return fmt.Errorf("refresh %s: %w", item.ItemName, err)
		}
		s.logger.Warn("monitor refresh failed",
			slog.String("item_id", id),
			slog.String("name", item.ItemName),
			slog.String("error", err.Error()))
		return fmt.Errorf("refresh %s: %w", item.ItemName, err)
	}

	if item.ExactMatch {
		deals = filterExact(deals, item.ItemName)
	}

	// Processing is a short settle phase between storing the result
	// and going idle, so readers observe the flag change.
	if _, ok := s.transition(id, model.MonitorRefreshing, model.MonitorProcessing); !ok {
		return nil
	}
	s.results.Set(&model.MonitorResult{
		Item:        *item,
		Deals:       deals,
		RefreshedAt: time.Now(),
	})
	s.setIdle(id, time.Now().Add(s.opts.RefreshInterval))
	metrics.MonitorRefreshTotal.WithLabelValues("ok").Inc()

	if s.recorder != nil && len(deals) > 0 {
		if err := s.recorder.RecordPrices(ctx, deals); err != nil {
			s.logger.Warn("record refresh prices failed",
				slog.String("item_id", id),
				slog.String("error", err.Error()))
		}
	}

	s.logger.Debug("monitor item refreshed",
		slog.String("item_id", id),
		slog.String("name", item.ItemName),
		slog.Int("deals", len(deals)))
	return nil
}

// transition moves an item from one status to another, returning a
// snapshot. It fails when the item is gone or not in the expected
// state, which keeps the status flags mutually exclusive.
func (s *Scheduler) transition(id string, from, to model.MonitorStatus) (*model.MonitorItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status != from {
		return nil, false
	}
	item.Status = to
	return snapshotItem(item), true
}

func (s *Scheduler) setIdle(id string, nextRefreshAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		item.Status = model.MonitorIdle
		item.NextRefreshAt = nextRefreshAt
	}
}

// QueueStats exposes the underlying queue counters.
func (s *Scheduler) QueueStats() queue.Stats {
	return s.queue.Stats()
}

func snapshotItem(item *model.MonitorItem) *model.MonitorItem {
	copied := *item
	if item.WatchPrice != nil {
		price := *item.WatchPrice
		copied.WatchPrice = &price
	}
	return &copied
}

// searchTerm strips wildcard markers for the remote query; matching
// happens locally afterwards.
func searchTerm(item *model.MonitorItem) string {
	return strings.TrimSpace(strings.ReplaceAll(item.ItemName, watch.Wildcard, " "))
}

func filterExact(deals []model.DealItem, name string) []model.DealItem {
	name = strings.TrimSpace(name)
	var out []model.DealItem
	for _, deal := range deals {
		if strings.TrimSpace(deal.ItemName) == name {
			out = append(out, deal)
		}
	}
	return out
}

func refreshOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		if _, limited := market.AsRateLimited(err); limited {
			return "rate_limited"
		}
		return "error"
	}
}
