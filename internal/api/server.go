// Package api exposes the crawler, watchlist, and history over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/maypok86/otter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leader001a/ro-market-crawler-sub001/internal/config"
	"github.com/leader001a/ro-market-crawler-sub001/internal/crawler"
	"github.com/leader001a/ro-market-crawler-sub001/internal/market"
	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/monitor"
	"github.com/leader001a/ro-market-crawler-sub001/internal/store"
)

// TopProvider fetches the market's top-ranked item boards.
type TopProvider interface {
	FetchTopItems(ctx context.Context) (map[string][]model.TopItem, error)
}

// Server wires the crawl engine, session stores, monitor scheduler, and
// alarm behind a Gin router.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	router   *gin.Engine
	engine   *crawler.Engine
	client   market.Client
	top      TopProvider
	sessions *store.SessionStore
	current  *store.CurrentSessions
	history  *store.History
	sched    *monitor.Scheduler
	alarm    *monitor.Alarm
	httpSrv  *http.Server

	searchCache otter.Cache[string, *model.CrawlSession]
	top5Cache   otter.Cache[string, map[string][]model.TopItem]

	crawlMu  sync.Mutex
	crawling map[string]bool
	crawlCtx context.Context
	crawlWG  sync.WaitGroup
}

func NewServer(cfg *config.Config, logger *slog.Logger, engine *crawler.Engine, client market.Client, top TopProvider,
	sessions *store.SessionStore, current *store.CurrentSessions, history *store.History,
	sched *monitor.Scheduler, alarm *monitor.Alarm) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "api"))

	searchCache, err := otter.MustBuilder[string, *model.CrawlSession](512).
		Cost(func(_ string, _ *model.CrawlSession) uint32 { return 1 }).
		WithTTL(cfg.Crawler.SearchCacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build search cache: %w", err)
	}
	top5Cache, err := otter.MustBuilder[string, map[string][]model.TopItem](4).
		Cost(func(_ string, _ map[string][]model.TopItem) uint32 { return 1 }).
		WithTTL(cfg.Crawler.Top5CacheTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build top5 cache: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		router:      r,
		engine:      engine,
		client:      client,
		top:         top,
		sessions:    sessions,
		current:     current,
		history:     history,
		sched:       sched,
		alarm:       alarm,
		searchCache: searchCache,
		top5Cache:   top5Cache,
		crawling:    make(map[string]bool),
	}
	s.registerRoutes()
	return s, nil
}

// Run listens on the configured address until the context is cancelled,
// then drains in-flight requests and background crawls. Crawls started
// through the API inherit ctx, so shutdown funnels them into the
// engine's abort path and the partial session still reaches disk.
func (s *Server) Run(ctx context.Context) error {
	s.crawlMu.Lock()
	s.crawlCtx = ctx
	s.crawlMu.Unlock()

	s.httpSrv = &http.Server{
		Addr:    s.cfg.App.HTTPAddr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", slog.String("addr", s.cfg.App.HTTPAddr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.httpSrv.Shutdown(shutdownCtx)
	s.crawlWG.Wait()
	return err
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close releases the response caches.
func (s *Server) Close() {
	s.searchCache.Close()
	s.top5Cache.Close()
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/healthz", s.handleHealthz)

	s.router.GET("/servers", s.handleServers)
	s.router.GET("/search", s.handleSearch)
	s.router.POST("/crawl", s.handleCrawl)
	s.router.GET("/crawls", s.handleLiveCrawls)
	s.router.GET("/top5", s.handleTop5)

	s.router.GET("/monitor/items", s.handleListMonitorItems)
	s.router.POST("/monitor/items", s.handleAddMonitorItem)
	s.router.DELETE("/monitor/items/:id", s.handleRemoveMonitorItem)
	s.router.GET("/monitor/results", s.handleMonitorResults)

	s.router.GET("/watches", s.handleListWatches)
	s.router.PUT("/watches", s.handleSetWatches)

	s.router.GET("/alarm", s.handleAlarmState)
	s.router.POST("/alarm/mute", s.handleAlarmMute)

	s.router.GET("/history/price", s.handlePriceHistory)
	s.router.GET("/history/price/daily", s.handlePriceDaily)
	s.router.GET("/history/rank", s.handleRankHistory)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type serverEntry struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func (s *Server) handleServers(c *gin.Context) {
	servers := []serverEntry{
		{ID: model.ServerAll, Name: model.ServerName(model.ServerAll)},
		{ID: model.ServerBaphomet, Name: model.ServerName(model.ServerBaphomet)},
		{ID: model.ServerYggdrasil, Name: model.ServerName(model.ServerYggdrasil)},
		{ID: model.ServerDarkLord, Name: model.ServerName(model.ServerDarkLord)},
		{ID: model.ServerIfrit, Name: model.ServerName(model.ServerIfrit)},
	}
	c.JSON(http.StatusOK, servers)
}

// handleSearch serves the freshest view of a (term, server) pair: a live
// in-progress crawl first, then the response cache, then the newest
// snapshot on disk. A search nothing has ever crawled falls through to
// a single first-page listing fetch, cached under the search TTL; full
// paginated crawls stay behind POST /crawl.
//
// GET /search?term=포링 카드&server=1
func (s *Server) handleSearch(c *gin.Context) {
	term := strings.TrimSpace(c.Query("term"))
	serverID := parseQueryInt(c, "server", model.ServerBaphomet)
	key := searchKey(term, serverID)

	if session, ok := s.current.Get(term, serverID); ok {
		c.JSON(http.StatusOK, gin.H{"session": session, "live": true})
		return
	}

	if session, ok := s.searchCache.Get(key); ok {
		c.JSON(http.StatusOK, gin.H{"session": session, "live": false})
		return
	}

	session, err := s.sessions.LoadLatest(term, serverID)
	if err != nil && !errors.Is(err, store.ErrNoSession) {
		s.logger.Error("load session failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load session failed"})
		return
	}
	if session == nil {
		session, err = s.quickSearch(c.Request.Context(), term, serverID)
		if err != nil {
			if rl, limited := market.AsRateLimited(err); limited {
				c.Header("Retry-After", strconv.Itoa(int(time.Until(rl.UnlockAt).Seconds())))
				c.JSON(http.StatusTooManyRequests, gin.H{"error": "market rate limited"})
				return
			}
			s.logger.Error("quick search failed", slog.String("error", err.Error()))
			c.JSON(http.StatusBadGateway, gin.H{"error": "search fetch failed"})
			return
		}
	}

	s.searchCache.Set(key, session)
	c.JSON(http.StatusOK, gin.H{"session": session, "live": false})
}

// quickSearch fetches the first listing page for a term nothing has
// crawled yet and wraps it as a single-page session.
func (s *Server) quickSearch(ctx context.Context, term string, serverID int) (*model.CrawlSession, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	deals, total, err := s.client.FetchListingPage(ctx, term, serverID, 1)
	if err != nil {
		return nil, fmt.Errorf("fetch first page for %q: %w", term, err)
	}
	if deals == nil {
		deals = []model.DealItem{}
	}

	session := &model.CrawlSession{
		Term:            term,
		ServerID:        serverID,
		ServerName:      model.ServerName(serverID),
		CrawledAt:       time.Now(),
		TotalItems:      len(deals),
		TotalPages:      1,
		LastCrawledPage: 1,
		Partial:         total > len(deals),
		Items:           deals,
	}

	if s.history != nil && len(deals) > 0 {
		if err := s.history.RecordPrices(ctx, deals); err != nil {
			s.logger.Warn("record price history failed", slog.String("error", err.Error()))
		}
	}
	return session, nil
}

type crawlRequest struct {
	Term     string `json:"term"`
	ServerID int    `json:"serverId"`
}

// handleCrawl starts a crawl in the background. A second request for the
// same (term, server) pair while one is running is rejected; progress is
// visible through /search and /crawls.
//
// POST /crawl
func (s *Server) handleCrawl(c *gin.Context) {
	var req crawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.Term = strings.TrimSpace(req.Term)
	if req.ServerID == 0 {
		req.ServerID = model.ServerBaphomet
	}

	key := searchKey(req.Term, req.ServerID)
	s.crawlMu.Lock()
	if s.crawling[key] {
		s.crawlMu.Unlock()
		c.JSON(http.StatusConflict, gin.H{"error": "crawl already running for this search"})
		return
	}
	s.crawling[key] = true
	s.crawlMu.Unlock()

	s.crawlWG.Add(1)
	go s.runCrawl(req.Term, req.ServerID, key)

	c.JSON(http.StatusAccepted, gin.H{"started": true, "term": req.Term, "serverId": req.ServerID})
}

func (s *Server) runCrawl(term string, serverID int, key string) {
	defer s.crawlWG.Done()
	defer func() {
		s.crawlMu.Lock()
		delete(s.crawling, key)
		s.crawlMu.Unlock()
	}()

	s.crawlMu.Lock()
	ctx := s.crawlCtx
	s.crawlMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	prior, err := s.sessions.LoadLatest(term, serverID)
	if err != nil && !errors.Is(err, store.ErrNoSession) {
		s.logger.Warn("load prior session failed, crawling from scratch",
			slog.String("error", err.Error()))
		prior = nil
	}

	session, err := s.engine.RunCrawl(ctx, term, serverID, prior)
	if err != nil {
		if rl, limited := market.AsRateLimited(err); limited {
			s.logger.Warn("crawl rate limited",
				slog.String("term", term),
				slog.Time("unlock_at", rl.UnlockAt))
		} else {
			s.logger.Error("crawl failed",
				slog.String("term", term),
				slog.Int("server_id", serverID),
				slog.String("error", err.Error()))
		}
	}
	if session == nil {
		return
	}

	s.searchCache.Delete(key)
	if s.history != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.history.RecordPrices(recordCtx, session.Items); err != nil {
			s.logger.Warn("record price history failed", slog.String("error", err.Error()))
		}
	}
}

func (s *Server) handleLiveCrawls(c *gin.Context) {
	sessions := s.current.All()
	if sessions == nil {
		sessions = []*model.CrawlSession{}
	}
	c.JSON(http.StatusOK, sessions)
}

// handleTop5 serves the top-ranked item boards, cached for the configured
// TTL. Rank observations are recorded on refresh.
func (s *Server) handleTop5(c *gin.Context) {
	const cacheKey = "top5"
	if boards, ok := s.top5Cache.Get(cacheKey); ok {
		c.JSON(http.StatusOK, boards)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	boards, err := s.top.FetchTopItems(ctx)
	if err != nil {
		if rl, limited := market.AsRateLimited(err); limited {
			c.Header("Retry-After", strconv.Itoa(int(time.Until(rl.UnlockAt).Seconds())))
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "market rate limited"})
			return
		}
		s.logger.Error("fetch top5 failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadGateway, gin.H{"error": "fetch top5 failed"})
		return
	}

	s.top5Cache.Set(cacheKey, boards)
	if s.history != nil {
		if err := s.history.RecordRanks(c.Request.Context(), boards); err != nil {
			s.logger.Warn("record rank history failed", slog.String("error", err.Error()))
		}
	}
	c.JSON(http.StatusOK, boards)
}

type addMonitorItemRequest struct {
	Name       string `json:"name" binding:"required"`
	ServerID   int    `json:"serverId"`
	ExactMatch bool   `json:"exactMatch"`
	WatchPrice *int64 `json:"watchPrice"`
}

func (s *Server) handleAddMonitorItem(c *gin.Context) {
	var req addMonitorItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ServerID == 0 {
		req.ServerID = model.ServerBaphomet
	}
	if req.WatchPrice != nil && *req.WatchPrice < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid watchPrice"})
		return
	}

	item, err := s.sched.AddItem(req.Name, req.ServerID, req.ExactMatch, req.WatchPrice)
	if err != nil {
		if errors.Is(err, monitor.ErrEmptyItemName) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "item name is empty"})
			return
		}
		s.logger.Error("add monitor item failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "add monitor item failed"})
		return
	}
	c.JSON(http.StatusCreated, monitorItemResponseFrom(*item))
}

func (s *Server) handleRemoveMonitorItem(c *gin.Context) {
	id := c.Param("id")
	if !s.sched.RemoveItem(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "monitor item not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type monitorItemResponse struct {
	ID            string    `json:"id"`
	ItemName      string    `json:"itemName"`
	ServerID      int       `json:"serverId"`
	ServerName    string    `json:"serverName"`
	ExactMatch    bool      `json:"exactMatch"`
	WatchPrice    *int64    `json:"watchPrice,omitempty"`
	Status        string    `json:"status"`
	NextRefreshAt time.Time `json:"nextRefreshAt"`
}

func monitorItemResponseFrom(item model.MonitorItem) monitorItemResponse {
	return monitorItemResponse{
		ID:            item.ID,
		ItemName:      item.ItemName,
		ServerID:      item.ServerID,
		ServerName:    model.ServerName(item.ServerID),
		ExactMatch:    item.ExactMatch,
		WatchPrice:    item.WatchPrice,
		Status:        item.Status.String(),
		NextRefreshAt: item.NextRefreshAt,
	}
}

func (s *Server) handleListMonitorItems(c *gin.Context) {
	items := s.sched.Items()
	out := make([]monitorItemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, monitorItemResponseFrom(item))
	}
	c.JSON(http.StatusOK, out)
}

type monitorResultResponse struct {
	Item        monitorItemResponse `json:"item"`
	Deals       []model.DealItem    `json:"deals"`
	Groups      []dealGroup         `json:"groups"`
	RefreshedAt *time.Time          `json:"refreshedAt,omitempty"`
}

// dealGroup collapses identical listings of one item variant into a
// single row with the cheapest offer.
type dealGroup struct {
	DisplayName    string `json:"displayName"`
	Count          int    `json:"count"`
	MinPrice       int64  `json:"minPrice"`
	PriceFormatted string `json:"priceFormatted"`
}

func groupDeals(deals []model.DealItem) []dealGroup {
	groups := []dealGroup{}
	index := make(map[string]int)
	for i := range deals {
		deal := &deals[i]
		key := deal.GroupKey()
		at, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, dealGroup{
				DisplayName:    deal.DisplayName(),
				Count:          1,
				MinPrice:       deal.Price,
				PriceFormatted: deal.PriceFormatted(),
			})
			continue
		}
		groups[at].Count++
		if deal.Price < groups[at].MinPrice {
			groups[at].MinPrice = deal.Price
			groups[at].PriceFormatted = deal.PriceFormatted()
		}
	}
	return groups
}

// handleMonitorResults lists every watchlist entry with its latest deals,
// in insertion order. Entries never refreshed carry an empty deal list.
func (s *Server) handleMonitorResults(c *gin.Context) {
	items := s.sched.Items()
	out := make([]monitorResultResponse, 0, len(items))
	for _, item := range items {
		entry := monitorResultResponse{
			Item:  monitorItemResponseFrom(item),
			Deals: []model.DealItem{},
		}
		if result, ok := s.sched.Results().Get(item.ID); ok {
			entry.Deals = result.Deals
			refreshedAt := result.RefreshedAt
			entry.RefreshedAt = &refreshedAt
		}
		entry.Groups = groupDeals(entry.Deals)
		out = append(out, entry)
	}
	c.JSON(http.StatusOK, out)
}

type watchRequest struct {
	Watches []model.WatchCriterion `json:"watches"`
}

func (s *Server) handleListWatches(c *gin.Context) {
	watches := s.alarm.ExtraCriteria()
	if watches == nil {
		watches = []model.WatchCriterion{}
	}
	c.JSON(http.StatusOK, watches)
}

// handleSetWatches replaces the standalone watch list. Item-derived
// criteria from the monitor scheduler are unaffected.
func (s *Server) handleSetWatches(c *gin.Context) {
	var req watchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for i := range req.Watches {
		req.Watches[i].Pattern = strings.TrimSpace(req.Watches[i].Pattern)
		if req.Watches[i].Pattern == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "watch pattern is empty"})
			return
		}
	}
	s.alarm.SetExtraCriteria(req.Watches)
	c.JSON(http.StatusOK, gin.H{"count": len(req.Watches)})
}

func (s *Server) handleAlarmState(c *gin.Context) {
	matches := s.alarm.Matches()
	c.JSON(http.StatusOK, gin.H{
		"muted":   s.alarm.Muted(),
		"matches": matches,
	})
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) handleAlarmMute(c *gin.Context) {
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.alarm.Mute(req.Muted)
	c.JSON(http.StatusOK, gin.H{"muted": req.Muted})
}

// handlePriceHistory returns price observations for an item, oldest first.
//
// GET /history/price?item=포링 카드&server=1&hours=168
func (s *Server) handlePriceHistory(c *gin.Context) {
	item := strings.TrimSpace(c.Query("item"))
	if item == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing item"})
		return
	}
	serverID := parseQueryInt(c, "server", model.ServerBaphomet)
	hours := parseQueryInt(c, "hours", 168)
	if hours <= 0 || hours > 24*365 {
		hours = 168
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	series, err := s.history.PriceSeries(c.Request.Context(), item, serverID, since)
	if err != nil {
		s.logger.Error("price history query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "price history query failed"})
		return
	}
	if series == nil {
		series = []model.PriceHistory{}
	}
	c.JSON(http.StatusOK, series)
}

// handlePriceDaily returns per-day price aggregates for an item name
// substring.
//
// GET /history/price/daily?item=포링&server=1&days=30
func (s *Server) handlePriceDaily(c *gin.Context) {
	item := strings.TrimSpace(c.Query("item"))
	if item == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing item"})
		return
	}
	serverID := parseQueryInt(c, "server", model.ServerBaphomet)
	days := parseQueryInt(c, "days", 30)
	if days <= 0 || days > 365 {
		days = 30
	}

	since := time.Now().AddDate(0, 0, -days)
	stats, err := s.history.PriceDailyStats(c.Request.Context(), item, serverID, since)
	if err != nil {
		s.logger.Error("price daily query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "price daily query failed"})
		return
	}
	if stats == nil {
		stats = []model.PriceDailyStat{}
	}
	c.JSON(http.StatusOK, stats)
}

// GET /history/rank?item_id=4001&hours=168
func (s *Server) handleRankHistory(c *gin.Context) {
	itemID := parseQueryInt(c, "item_id", 0)
	if itemID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing item_id"})
		return
	}
	hours := parseQueryInt(c, "hours", 168)
	if hours <= 0 || hours > 24*365 {
		hours = 168
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	series, err := s.history.RankSeries(c.Request.Context(), itemID, since)
	if err != nil {
		s.logger.Error("rank history query failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rank history query failed"})
		return
	}
	if series == nil {
		series = []model.RankHistory{}
	}
	c.JSON(http.StatusOK, series)
}

func searchKey(term string, serverID int) string {
	return fmt.Sprintf("%s|%d", store.TermSlug(term), serverID)
}

func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}
