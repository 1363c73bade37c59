// Package crawler implements the paginated incremental market crawl:
// adaptive pacing, carry-set reuse across crawls, live partial
// snapshots, and merge-and-save recovery on every failure path.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/leader001a/ro-market-crawler-sub001/internal/market"
	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
	"github.com/leader001a/ro-market-crawler-sub001/internal/store"
)

const (
	defaultFastDelay    = 300 * time.Millisecond
	defaultSlowDelay    = 1200 * time.Millisecond
	defaultNewItemDelay = 2 * time.Second
	defaultMaxPages     = 200
)

// Options are the crawl pacing knobs. Zero values fall back to defaults.
type Options struct {
	FastDelay    time.Duration // between pages on the mostly-known fast path
	SlowDelay    time.Duration // between pages when new items keep appearing
	NewItemDelay time.Duration // after each fresh detail fetch
	MaxPages     int           // safety cap per crawl
}

func (o *Options) applyDefaults() {
	if o.FastDelay <= 0 {
		o.FastDelay = defaultFastDelay
	}
	if o.SlowDelay <= 0 {
		o.SlowDelay = defaultSlowDelay
	}
	if o.NewItemDelay <= 0 {
		o.NewItemDelay = defaultNewItemDelay
	}
	if o.MaxPages <= 0 {
		o.MaxPages = defaultMaxPages
	}
}

// Engine drives crawls against one market client. Safe for concurrent
// use as long as callers serialize crawls per (term, server) pair.
type Engine struct {
	client   market.Client
	details  *store.DetailCache
	sessions *store.SessionStore
	current  *store.CurrentSessions
	logger   *slog.Logger
	opts     Options
}

func NewEngine(client market.Client, details *store.DetailCache, sessions *store.SessionStore, current *store.CurrentSessions, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()
	return &Engine{
		client:   client,
		details:  details,
		sessions: sessions,
		current:  current,
		logger:   logger.With(slog.String("component", "crawl_engine")),
		opts:     opts,
	}
}

// crawlState is the working set of one RunCrawl invocation.
type crawlState struct {
	term     string
	serverID int

	crawled    []model.DealItem
	seen       map[string]int // signature -> index into crawled
	carry      map[string]model.DealItem
	carryOrder []string

	diskDetails map[string]*model.DetailPayload
	newDetails  map[string]*model.DetailPayload

	incremental  bool
	pageSize     int
	lastFullPage int
	targetPages  int
	totalCount   int
	startedAt    time.Time
}

// RunCrawl crawls (term, serverID), reusing prior as the incremental
// baseline when it has items. The returned session is always usable:
// complete on success, partial on cancellation or failure. Cancellation
// returns a nil error; rate limiting and other failures are returned
// after partial state has been saved.
func (e *Engine) RunCrawl(ctx context.Context, term string, serverID int, prior *model.CrawlSession) (*model.CrawlSession, error) {
	st := &crawlState{
		term:        term,
		serverID:    serverID,
		seen:        make(map[string]int),
		carry:       make(map[string]model.DealItem),
		newDetails:  make(map[string]*model.DetailPayload),
		targetPages: 1,
		startedAt:   time.Now(),
	}
	if prior != nil && len(prior.Items) > 0 {
		st.incremental = true
		for _, item := range prior.Items {
			if item.Signature == "" {
				continue
			}
			if _, dup := st.carry[item.Signature]; dup {
				continue
			}
			st.carry[item.Signature] = item
			st.carryOrder = append(st.carryOrder, item.Signature)
		}
	}

	disk, err := e.details.Load(serverID)
	if err != nil {
		// Crawling without the cache just refetches details.
		e.logger.Warn("detail cache unavailable", slog.String("error", err.Error()))
		disk = make(map[string]*model.DetailPayload)
	}
	st.diskDetails = disk

	e.logger.Info("crawl started",
		slog.String("term", term),
		slog.Int("server_id", serverID),
		slog.Bool("incremental", st.incremental),
		slog.Int("carry_items", len(st.carry)))

	session, err := e.crawlPages(ctx, st)
	metrics.CrawlDuration.Observe(time.Since(st.startedAt).Seconds())
	return session, err
}

func (e *Engine) crawlPages(ctx context.Context, st *crawlState) (*model.CrawlSession, error) {
	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return e.abort(st, err)
		}

		items, total, err := e.fetchPage(ctx, st, page)
		if err != nil {
			metrics.CrawlPagesTotal.WithLabelValues("error").Inc()
			return e.abort(st, err)
		}
		metrics.CrawlPagesTotal.WithLabelValues("ok").Inc()

		if page == 1 && len(items) == 0 {
			// An empty first page is an empty result, not a failure.
			return e.finalize(st)
		}

		if total > 0 {
			st.totalCount = total
		}
		st.retarget(len(items), e.opts.MaxPages)

		newCount, err := e.processPage(ctx, st, items, page)
		if err != nil {
			return e.abort(st, err)
		}
		st.lastFullPage = page
		e.publishPartial(st)

		e.logger.Debug("page processed",
			slog.Int("page", page),
			slog.Int("target_pages", st.targetPages),
			slog.Int("page_items", len(items)),
			slog.Int("new_items", newCount),
			slog.Int("crawled_total", len(st.crawled)))

		if page >= st.targetPages {
			return e.finalize(st)
		}

		if err := sleepCtx(ctx, nextPageDelay(e.opts, newCount, len(items))); err != nil {
			return e.abort(st, err)
		}
	}
}

// fetchPage retries a listing fetch once for transient failures; rate
// limiting and cancellation are never retried.
func (e *Engine) fetchPage(ctx context.Context, st *crawlState, page int) ([]model.DealItem, int, error) {
	items, total, err := e.client.FetchListingPage(ctx, st.term, st.serverID, page)
	if err == nil {
		return items, total, nil
	}
	if _, rateLimited := market.AsRateLimited(err); rateLimited || ctx.Err() != nil {
		return nil, 0, err
	}

	e.logger.Warn("listing fetch failed, retrying once",
		slog.Int("page", page),
		slog.String("error", err.Error()))
	if err := sleepCtx(ctx, e.opts.FastDelay); err != nil {
		return nil, 0, err
	}
	items, total, err = e.client.FetchListingPage(ctx, st.term, st.serverID, page)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch page %d: %w", page, err)
	}
	return items, total, nil
}

// processPage folds one page of listings into the crawl state and
// returns how many required a fresh detail fetch.
func (e *Engine) processPage(ctx context.Context, st *crawlState, items []model.DealItem, page int) (int, error) {
	newCount := 0
	for i := range items {
		item := items[i]
		item.Page = page

		if item.Signature == "" {
			item.Signature = model.ComputeSignature(&item)
		}

		// Listings shift pages during long crawls; keep first sight.
		if _, dup := st.seen[item.Signature]; dup {
			metrics.CrawlItemsTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		if known, ok := st.carry[item.Signature]; ok {
			// Fast path: refresh the carried record in place.
			known.Price = item.Price
			known.Quantity = item.Quantity
			known.ShopName = item.ShopName
			known.Page = page
			known.CrawledAt = item.CrawledAt
			delete(st.carry, item.Signature)
			st.append(known)
			metrics.CrawlItemsTotal.WithLabelValues("known").Inc()
			continue
		}

		if cached, ok := st.diskDetails[item.Signature]; ok {
			item.Detail = cached
			st.append(item)
			metrics.CrawlItemsTotal.WithLabelValues("new").Inc()
			continue
		}

		if err := ctx.Err(); err != nil {
			return newCount, err
		}
		detail, err := e.client.FetchItemDetail(ctx, st.serverID, item.MapID, item.Signature)
		switch {
		case err == nil:
			item.Detail = detail
			st.newDetails[item.Signature] = detail
			st.diskDetails[item.Signature] = detail
		case errors.Is(err, market.ErrDetailNotFound):
			// listing without a detail view, keep it bare
		default:
			if _, rateLimited := market.AsRateLimited(err); rateLimited || ctx.Err() != nil {
				return newCount, err
			}
			e.logger.Warn("detail fetch failed, keeping listing without detail",
				slog.String("signature", item.Signature),
				slog.String("error", err.Error()))
		}
		st.append(item)
		metrics.CrawlItemsTotal.WithLabelValues("new").Inc()
		newCount++

		if err := sleepCtx(ctx, e.opts.NewItemDelay); err != nil {
			return newCount, err
		}
	}
	return newCount, nil
}

func (st *crawlState) append(item model.DealItem) {
	st.seen[item.Signature] = len(st.crawled)
	st.crawled = append(st.crawled, item)
}

// retarget recomputes the page goal from the remote's reported total.
// The remote refines its count as the crawl progresses, so this runs
// after every page.
func (st *crawlState) retarget(pageItems, maxPages int) {
	if pageItems > 0 && st.pageSize == 0 {
		// Page size is fixed by the first non-empty page.
		st.pageSize = pageItems
	}
	if st.pageSize == 0 || st.totalCount == 0 {
		return
	}
	target := (st.totalCount + st.pageSize - 1) / st.pageSize
	if target < 1 {
		target = 1
	}
	if maxPages > 0 && target > maxPages {
		target = maxPages
	}
	st.targetPages = target
}

func (e *Engine) publishPartial(st *crawlState) {
	if e.current == nil {
		return
	}
	e.current.Publish(st.buildSession(true))
}

// finalize completes the crawl: carry leftovers are stale and dropped,
// the session is persisted, the detail cache is merged to disk, and
// older snapshots are pruned.
func (e *Engine) finalize(st *crawlState) (*model.CrawlSession, error) {
	session := st.buildSession(false)

	e.persist(session)
	e.saveDetails(st)
	if err := e.sessions.Cleanup(st.term, st.serverID); err != nil {
		e.logger.Warn("session cleanup failed", slog.String("error", err.Error()))
	}

	e.logger.Info("crawl complete",
		slog.String("term", st.term),
		slog.Int("server_id", st.serverID),
		slog.Int("items", len(session.Items)),
		slog.Int("pages", st.lastFullPage),
		slog.Duration("elapsed", time.Since(st.startedAt)))
	return session, nil
}

// abort handles every failure path identically: unvisited carry items
// are merged back (pages never reached lose nothing), the partial
// session and accumulated details are saved, and only rate limiting
// and unclassified errors propagate. Cancellation is swallowed.
func (e *Engine) abort(st *crawlState, cause error) (*model.CrawlSession, error) {
	st.mergeCarryRemainder()
	session := st.buildSession(true)

	e.persist(session)
	e.saveDetails(st)
	metrics.CrawlSessionsPartialTotal.Inc()

	if rl, ok := market.AsRateLimited(cause); ok {
		e.logger.Warn("crawl rate limited",
			slog.String("term", st.term),
			slog.Int("server_id", st.serverID),
			slog.Int("last_page", st.lastFullPage),
			slog.Time("unlock_at", rl.UnlockAt))
		return session, cause
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		e.logger.Info("crawl cancelled",
			slog.String("term", st.term),
			slog.Int("server_id", st.serverID),
			slog.Int("items_collected", len(session.Items)))
		return session, nil
	}

	e.logger.Error("crawl failed",
		slog.String("term", st.term),
		slog.Int("server_id", st.serverID),
		slog.Int("last_page", st.lastFullPage),
		slog.String("error", cause.Error()))
	return session, cause
}

// persist saves the session and the accumulated detail entries.
// Persistence failures are logged, never fatal: the in-memory result
// stays valid either way.
func (e *Engine) persist(session *model.CrawlSession) {
	if err := e.sessions.Save(session); err != nil {
		e.logger.Error("session save failed", slog.String("error", err.Error()))
	}
	if e.current != nil {
		e.current.Publish(session)
	}
}

func (st *crawlState) mergeCarryRemainder() {
	for _, sig := range st.carryOrder {
		item, ok := st.carry[sig]
		if !ok {
			continue // re-confirmed during this crawl
		}
		if _, dup := st.seen[sig]; dup {
			continue
		}
		st.append(item)
	}
}

func (st *crawlState) buildSession(partial bool) *model.CrawlSession {
	items := make([]model.DealItem, len(st.crawled))
	copy(items, st.crawled)

	if partial {
		// Live snapshots also expose not-yet-reconfirmed carry items.
		for _, sig := range st.carryOrder {
			item, ok := st.carry[sig]
			if !ok {
				continue
			}
			if _, dup := st.seen[sig]; dup {
				continue
			}
			items = append(items, item)
		}
	}

	return &model.CrawlSession{
		Term:             st.term,
		ServerID:         st.serverID,
		ServerName:       model.ServerName(st.serverID),
		CrawledAt:        st.startedAt,
		TotalItems:       len(items),
		TotalPages:       st.lastFullPage,
		LastCrawledPage:  st.lastFullPage,
		TotalServerPages: st.targetPages,
		Incremental:      st.incremental,
		Partial:          partial,
		Items:            items,
	}
}

// saveDetails merges the details gathered this crawl into the on-disk
// cache. Runs on the success path and on every abort path.
func (e *Engine) saveDetails(st *crawlState) {
	if len(st.newDetails) == 0 {
		return
	}
	if err := e.details.Save(st.serverID, st.newDetails); err != nil {
		e.logger.Error("detail cache save failed", slog.String("error", err.Error()))
	}
}

// nextPageDelay picks slow pacing when at least half the page needed
// fresh detail fetches, fast pacing otherwise.
func nextPageDelay(opts Options, newCount, pageItems int) time.Duration {
	if pageItems > 0 && newCount*2 >= pageItems {
		return opts.SlowDelay
	}
	return opts.FastDelay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
