package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/ratelimit"
)

const (
	dealListPath    = "/itemDeal/itemDealList.asp"
	dealViewPath    = "/itemDeal/itemDealView.asp"
	top5Path        = "/itemRank/itemTop5BestView.asp"
	defaultCooldown = 10 * time.Minute
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// GnjoyClient talks to the GNJOY deal pages over plain HTTP. All
// outbound calls go through the injected limiter first.
type GnjoyClient struct {
	baseURL string
	http    *http.Client
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

type GnjoyOption func(*GnjoyClient)

func WithHTTPClient(hc *http.Client) GnjoyOption {
	return func(c *GnjoyClient) { c.http = hc }
}

func WithLimiter(l ratelimit.Limiter) GnjoyOption {
	return func(c *GnjoyClient) { c.limiter = l }
}

func NewGnjoyClient(baseURL string, logger *slog.Logger, opts ...GnjoyOption) *GnjoyClient {
	if logger == nil {
		logger = slog.Default()
	}
	c := &GnjoyClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger.With(slog.String("component", "gnjoy_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchListingPage fetches one result page of itemDealList.asp sorted
// by registration date, newest first.
func (c *GnjoyClient) FetchListingPage(ctx context.Context, term string, serverID, page int) ([]model.DealItem, int, error) {
	params := url.Values{}
	params.Set("svrID", strconv.Itoa(serverID))
	params.Set("itemFullName", term)
	params.Set("itemOrder", "regdate")
	params.Set("curpage", strconv.Itoa(page))

	doc, err := c.getDocument(ctx, dealListPath, params)
	if err != nil {
		return nil, 0, err
	}

	items, total := ParseDealList(doc, serverID)
	c.logger.Debug("listing page fetched",
		slog.String("term", term),
		slog.Int("server_id", serverID),
		slog.Int("page", page),
		slog.Int("items", len(items)),
		slog.Int("total", total))
	return items, total, nil
}

// FetchItemDetail loads the deal view page for one listing and
// extracts its option/enchant lines.
func (c *GnjoyClient) FetchItemDetail(ctx context.Context, serverID, mapID int, signature string) (*model.DetailPayload, error) {
	params := url.Values{}
	params.Set("svrID", strconv.Itoa(serverID))
	params.Set("mapID", strconv.Itoa(mapID))
	params.Set("ssi", signature)

	doc, err := c.getDocument(ctx, dealViewPath, params)
	if err != nil {
		return nil, err
	}

	detail := &model.DetailPayload{
		Signature: signature,
		FetchedAt: time.Now(),
	}
	doc.Find("div.itemOption li, ul.optionList li").Each(func(_ int, s *goquery.Selection) {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			return
		}
		if strings.HasPrefix(line, "인챈트") {
			detail.Enchants = append(detail.Enchants, strings.TrimSpace(strings.TrimPrefix(line, "인챈트")))
			return
		}
		detail.Options = append(detail.Options, line)
	})

	if len(detail.Options) == 0 && len(detail.Enchants) == 0 {
		return nil, ErrDetailNotFound
	}
	return detail, nil
}

func (c *GnjoyClient) getDocument(ctx context.Context, path string, params url.Values) (*goquery.Document, error) {
	body, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	if unlockAt, throttled := detectThrottlePage(doc); throttled {
		metrics.RateLimitHitsTotal.Inc()
		return nil, &RateLimitedError{UnlockAt: unlockAt}
	}
	return doc, nil
}

func (c *GnjoyClient) get(ctx context.Context, path string, params url.Values) (io.ReadCloser, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("acquire rate token: %w", err)
		}
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json, text/html, */*")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9,en-US;q=0.8,en;q=0.7")
	req.Header.Set("Referer", c.baseURL+"/")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		metrics.RateLimitHitsTotal.Inc()
		return nil, &RateLimitedError{UnlockAt: unlockFromRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrDetailNotFound
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("get %s: unexpected status %d", path, resp.StatusCode)
	}

	return resp.Body, nil
}

// The block page has no distinct status code; it replaces the listing
// body with a notice that mentions the request cap.
func detectThrottlePage(doc *goquery.Document) (time.Time, bool) {
	text := doc.Text()
	if !strings.Contains(text, "요청 횟수를 초과") && !strings.Contains(text, "잠시 후 다시 시도") {
		return time.Time{}, false
	}
	unlockAt := time.Now().Add(defaultCooldown)
	if m := minutesRe.FindStringSubmatch(text); m != nil {
		if mins, err := strconv.Atoi(m[1]); err == nil && mins > 0 {
			unlockAt = time.Now().Add(time.Duration(mins) * time.Minute)
		}
	}
	return unlockAt, true
}

func unlockFromRetryAfter(header string) time.Time {
	if header == "" {
		return time.Now().Add(defaultCooldown)
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Now().Add(time.Duration(secs) * time.Second)
	}
	if t, err := http.ParseTime(header); err == nil {
		return t
	}
	return time.Now().Add(defaultCooldown)
}

// top5Frame mirrors the array-framed response of itemTop5BestView.asp:
// element 0 carries the error header, elements 1..4 carry one category
// each (W, D, C, E) whose first data row is a category marker.
type top5Frame struct {
	ErrorCode    json.Number      `json:"ErrorCode"`
	ErrorMessage string           `json:"ErrorMessage"`
	NowDate      string           `json:"NowDate"`
	Data         []top5FrameEntry `json:"data"`
}

type top5FrameEntry struct {
	Equipment  string      `json:"equipment"`
	RankNumber json.Number `json:"rankNumber"`
	ItemID     json.Number `json:"itemID"`
	ItemName   string      `json:"itemName"`
	ItemCnt    json.Number `json:"itemCnt"`
	RankState  string      `json:"rankState"`
}

// FetchTopItems returns the ranking board grouped by category key:
// "weapons", "defenses", "consumables", "etcs".
func (c *GnjoyClient) FetchTopItems(ctx context.Context) (map[string][]model.TopItem, error) {
	body, err := c.get(ctx, top5Path, nil)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var frames []top5Frame
	if err := json.NewDecoder(body).Decode(&frames); err != nil {
		return nil, fmt.Errorf("decode top5 response: %w", err)
	}
	if len(frames) < 5 {
		return nil, fmt.Errorf("top5 response: got %d frames, want 5", len(frames))
	}
	if code, _ := frames[0].ErrorCode.Int64(); code != 0 {
		return nil, fmt.Errorf("top5 remote error %s: %s", frames[0].ErrorCode, frames[0].ErrorMessage)
	}

	categories := []string{"weapons", "defenses", "consumables", "etcs"}
	result := make(map[string][]model.TopItem, len(categories))
	for i, category := range categories {
		result[category] = parseTopEntries(frames[i+1].Data, category)
	}
	return result, nil
}

func parseTopEntries(entries []top5FrameEntry, category string) []model.TopItem {
	items := make([]model.TopItem, 0, len(entries))
	for _, e := range entries {
		if e.Equipment != "" {
			continue // category marker row
		}
		rank, _ := e.RankNumber.Int64()
		itemID, _ := e.ItemID.Int64()
		cnt, _ := e.ItemCnt.Int64()
		state := e.RankState
		if state == "" {
			state = "-"
		}
		items = append(items, model.TopItem{
			Rank:      int(rank),
			ItemID:    int(itemID),
			ItemName:  e.ItemName,
			DealCount: int(cnt),
			RankState: state,
			Category:  category,
		})
	}
	return items
}
