package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leader001a/ro-market-crawler-sub001/internal/config"
	"github.com/leader001a/ro-market-crawler-sub001/internal/crawler"
	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/monitor"
	"github.com/leader001a/ro-market-crawler-sub001/internal/store"
)

type fakeMarket struct {
	mu        sync.Mutex
	deals     []model.DealItem
	total     int
	tops      map[string][]model.TopItem
	listCalls int

	// when set, page fetches beyond the first park here until the
	// channel closes or the caller's context is cancelled
	block chan struct{}
}

func (f *fakeMarket) FetchListingPage(ctx context.Context, term string, serverID, page int) ([]model.DealItem, int, error) {
	f.mu.Lock()
	f.listCalls++
	block := f.block
	f.mu.Unlock()
	if page > 1 {
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
		return nil, f.total, nil
	}
	return f.deals, f.total, nil
}

func (f *fakeMarket) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeMarket) FetchItemDetail(ctx context.Context, serverID, mapID int, signature string) (*model.DetailPayload, error) {
	return &model.DetailPayload{Options: []string{"ATK +5%"}, FetchedAt: time.Now()}, nil
}

func (f *fakeMarket) FetchTopItems(ctx context.Context) (map[string][]model.TopItem, error) {
	return f.tops, nil
}

type testEnv struct {
	server *Server
	market *fakeMarket
	sched  *monitor.Scheduler
	alarm  *monitor.Alarm
	store  *store.SessionStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dataDir := t.TempDir()

	cfg := config.LoadOrDefault()
	cfg.Storage.DataDir = dataDir

	mkt := &fakeMarket{
		deals: []model.DealItem{{
			ServerID: 1, ServerName: "바포메트", ItemName: "포링 카드",
			Quantity: 1, Price: 4500, Signature: "sig-1", Page: 1,
		}},
		total: 1,
		tops: map[string][]model.TopItem{
			"weapons": {{Rank: 1, ItemID: 1201, ItemName: "나이프", DealCount: 12}},
		},
	}

	details := store.NewDetailCache(dataDir, logger)
	sessions := store.NewSessionStore(dataDir, logger)
	current := store.NewCurrentSessions()
	history, err := store.OpenHistory(filepath.Join(dataDir, "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	engine := crawler.NewEngine(mkt, details, sessions, current, logger, crawler.Options{
		FastDelay: time.Millisecond, SlowDelay: time.Millisecond, NewItemDelay: time.Millisecond, MaxPages: 5,
	})
	results := monitor.NewResults()
	sched := monitor.NewScheduler(mkt, results, logger, monitor.Options{
		RefreshInterval: time.Hour, TickInterval: time.Hour, ItemDelay: time.Millisecond,
	})
	alarm := monitor.NewAlarm(results, sched.Criteria, nil, nil, logger, time.Minute)

	server, err := NewServer(cfg, logger, engine, mkt, mkt, sessions, current, history, sched, alarm)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(server.Close)

	return &testEnv{server: server, market: mkt, sched: sched, alarm: alarm, store: sessions}
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestServer_Healthz(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Router(), http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestServer_Servers(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Router(), http.MethodGet, "/servers", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var servers []serverEntry
	if err := json.Unmarshal(w.Body.Bytes(), &servers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(servers) != 5 || servers[1].Name != "바포메트" {
		t.Fatalf("servers = %+v", servers)
	}
}

// A term nothing has ever crawled is served on demand from a first-page
// listing fetch, and the second request comes out of the search cache
// without touching the market again.
func TestServer_SearchFetchesOnDemand(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()

	w := doJSON(t, router, http.MethodGet, "/search?term=포링+카드&server=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Session model.CrawlSession `json:"session"`
		Live    bool               `json:"live"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Live || resp.Session.TotalItems != 1 || resp.Session.Items[0].Price != 4500 {
		t.Fatalf("resp = %+v", resp)
	}
	if calls := env.market.ListCalls(); calls != 1 {
		t.Fatalf("list calls = %d, want 1", calls)
	}

	w = doJSON(t, router, http.MethodGet, "/search?term=포링+카드&server=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cached status = %d", w.Code)
	}
	if calls := env.market.ListCalls(); calls != 1 {
		t.Fatalf("second request hit the market: %d calls", calls)
	}
}

func TestServer_SearchServesSavedSession(t *testing.T) {
	env := newTestEnv(t)
	session := &model.CrawlSession{
		Term: "포링 카드", ServerID: 1, CrawledAt: time.Now(),
		TotalItems: 1,
		Items:      []model.DealItem{{ItemName: "포링 카드", Price: 4500, Signature: "sig-1"}},
	}
	if err := env.store.Save(session); err != nil {
		t.Fatalf("save: %v", err)
	}

	w := doJSON(t, env.server.Router(), http.MethodGet, "/search?term=포링+카드&server=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Session model.CrawlSession `json:"session"`
		Live    bool               `json:"live"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Live || resp.Session.TotalItems != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestServer_CrawlRunsAndServesResult(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Router(), http.MethodPost, "/crawl", `{"term":"포링 카드","serverId":1}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	var session *model.CrawlSession
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		if session, err = env.store.LoadLatest("포링 카드", 1); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if session == nil {
		t.Fatal("crawl saved no session")
	}
	if session.Partial || session.TotalItems != 1 || session.Items[0].Price != 4500 {
		t.Fatalf("session = %+v", session)
	}

	w = doJSON(t, env.server.Router(), http.MethodGet, "/search?term=포링+카드&server=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("search status = %d", w.Code)
	}
}

// Cancelling the context handed to Run must drain in-flight crawls
// through the engine's abort path, leaving a partial session on disk.
func TestServer_ShutdownSavesPartialCrawl(t *testing.T) {
	env := newTestEnv(t)
	env.market.total = 2 // page 1 holds one of two listings
	env.market.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	env.server.crawlMu.Lock()
	env.server.crawlCtx = ctx
	env.server.crawlMu.Unlock()

	w := doJSON(t, env.server.Router(), http.MethodPost, "/crawl", `{"term":"포링 카드","serverId":1}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.market.ListCalls() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.market.ListCalls() < 2 {
		t.Fatal("crawl never reached page 2")
	}

	cancel()
	env.server.crawlWG.Wait()

	session, err := env.store.LoadLatest("포링 카드", 1)
	if err != nil {
		t.Fatalf("no partial session saved: %v", err)
	}
	if !session.Partial || len(session.Items) != 1 {
		t.Fatalf("session = %+v", session)
	}
}

func TestServer_Top5Cached(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Router(), http.MethodGet, "/top5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var boards map[string][]model.TopItem
	if err := json.Unmarshal(w.Body.Bytes(), &boards); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(boards["weapons"]) != 1 || boards["weapons"][0].ItemName != "나이프" {
		t.Fatalf("boards = %+v", boards)
	}
}

func TestServer_MonitorItemLifecycle(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()

	w := doJSON(t, router, http.MethodPost, "/monitor/items", `{"name":"포링 카드","serverId":1,"watchPrice":5000}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created monitorItemResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Status != "idle" || created.ServerName != "바포메트" {
		t.Fatalf("created = %+v", created)
	}

	w = doJSON(t, router, http.MethodGet, "/monitor/items", "")
	var items []monitorItemResponse
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(items) != 1 || items[0].ID != created.ID {
		t.Fatalf("items = %+v", items)
	}

	w = doJSON(t, router, http.MethodGet, "/monitor/results", "")
	var results []monitorResultResponse
	if err := json.Unmarshal(w.Body.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(results) != 1 || len(results[0].Deals) != 0 || results[0].RefreshedAt != nil {
		t.Fatalf("results before refresh = %+v", results)
	}

	w = doJSON(t, router, http.MethodDelete, "/monitor/items/"+created.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = doJSON(t, router, http.MethodDelete, "/monitor/items/"+created.ID, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("double delete status = %d", w.Code)
	}
}

func TestServer_MonitorItemValidation(t *testing.T) {
	env := newTestEnv(t)
	w := doJSON(t, env.server.Router(), http.MethodPost, "/monitor/items", `{"name":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank name status = %d", w.Code)
	}
	w = doJSON(t, env.server.Router(), http.MethodPost, "/monitor/items", `{"name":"포링","watchPrice":-1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("negative price status = %d", w.Code)
	}
}

func TestServer_WatchesAndAlarm(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()

	w := doJSON(t, router, http.MethodPut, "/watches", `{"watches":[{"pattern":"*포링*","maxPrice":5000}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("set watches status = %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/watches", "")
	var watches []model.WatchCriterion
	if err := json.Unmarshal(w.Body.Bytes(), &watches); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(watches) != 1 || watches[0].Pattern != "*포링*" {
		t.Fatalf("watches = %+v", watches)
	}

	w = doJSON(t, router, http.MethodPut, "/watches", `{"watches":[{"pattern":"  "}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank pattern status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/alarm/mute", `{"muted":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("mute status = %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/alarm", "")
	var state struct {
		Muted bool `json:"muted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !state.Muted {
		t.Fatal("alarm not muted")
	}
}

func TestGroupDeals(t *testing.T) {
	deals := []model.DealItem{
		{ItemName: "이빌본 헬름", Refine: 9, ServerID: 1, Price: 12000000},
		{ItemName: "이빌본 헬름", Refine: 9, ServerID: 1, Price: 11000000},
		{ItemName: "이빌본 헬름", Refine: 7, ServerID: 1, Price: 3000000},
	}
	groups := groupDeals(deals)
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if groups[0].Count != 2 || groups[0].MinPrice != 11000000 {
		t.Fatalf("refine-9 group = %+v", groups[0])
	}
	if groups[0].DisplayName != "+9이빌본 헬름" {
		t.Fatalf("display name = %q", groups[0].DisplayName)
	}
	if groups[0].PriceFormatted != "11,000,000" {
		t.Fatalf("formatted = %q", groups[0].PriceFormatted)
	}
	if groups[1].Count != 1 || groups[1].MinPrice != 3000000 {
		t.Fatalf("refine-7 group = %+v", groups[1])
	}
}

func TestServer_PriceHistory(t *testing.T) {
	env := newTestEnv(t)
	router := env.server.Router()

	w := doJSON(t, router, http.MethodGet, "/history/price", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing item status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/history/price?item=포링+카드&server=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var series []model.PriceHistory
	if err := json.Unmarshal(w.Body.Bytes(), &series); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(series) != 0 {
		t.Fatalf("series = %+v, want empty", series)
	}
}
