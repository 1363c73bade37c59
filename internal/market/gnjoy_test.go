package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGnjoyClient_FetchListingPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != dealListPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("svrID") != "1" || q.Get("itemFullName") != "포링 카드" || q.Get("itemOrder") != "regdate" || q.Get("curpage") != "2" {
			t.Errorf("unexpected query: %v", q)
		}
		w.Write([]byte(sampleDealListHTML))
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	items, total, err := client.FetchListingPage(context.Background(), "포링 카드", 1, 2)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	if total != 37 {
		t.Fatalf("total = %d, want 37", total)
	}
}

func TestGnjoyClient_Http429BecomesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	_, _, err := client.FetchListingPage(context.Background(), "포링 카드", -1, 1)

	rl, ok := AsRateLimited(err)
	if !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if d := time.Until(rl.UnlockAt); d < 115*time.Second || d > 125*time.Second {
		t.Fatalf("unlock offset = %v, want ~120s", d)
	}
}

func TestGnjoyClient_ThrottleBodyBecomesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>요청 횟수를 초과하였습니다. 10분 후 다시 이용해 주세요.</body></html>"))
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	_, _, err := client.FetchListingPage(context.Background(), "포링 카드", -1, 1)
	if _, ok := AsRateLimited(err); !ok {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
}

func TestGnjoyClient_FetchItemDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != dealViewPath {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`<html><body><ul class="optionList">
			<li>MATK +5%</li>
			<li>인챈트 마력 3Lv</li>
		</ul></body></html>`))
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	detail, err := client.FetchItemDetail(context.Background(), 1, 12, "sig-1")
	if err != nil {
		t.Fatalf("fetch detail: %v", err)
	}
	if detail.Signature != "sig-1" {
		t.Errorf("signature = %q", detail.Signature)
	}
	if len(detail.Options) != 1 || detail.Options[0] != "MATK +5%" {
		t.Errorf("options = %v", detail.Options)
	}
	if len(detail.Enchants) != 1 || detail.Enchants[0] != "마력 3Lv" {
		t.Errorf("enchants = %v", detail.Enchants)
	}
}

func TestGnjoyClient_DetailNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	_, err := client.FetchItemDetail(context.Background(), 1, 12, "sig-404")
	if !errors.Is(err, ErrDetailNotFound) {
		t.Fatalf("expected ErrDetailNotFound, got %v", err)
	}
}

func TestGnjoyClient_FetchTopItems(t *testing.T) {
	const body = `[
		{"ErrorCode":"0","ErrorMessage":"","NowDate":"2026-08-29"},
		{"data":[{"equipment":"W"},{"rankNumber":1,"itemID":1213,"itemName":"이빌본 헬름","itemCnt":42,"rankState":"up"}]},
		{"data":[{"equipment":"D"},{"rankNumber":1,"itemID":2301,"itemName":"코트","itemCnt":17,"rankState":"-"}]},
		{"data":[{"equipment":"C"}]},
		{"data":[{"equipment":"E"}]}
	]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != top5Path {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	boards, err := client.FetchTopItems(context.Background())
	if err != nil {
		t.Fatalf("fetch top items: %v", err)
	}
	if len(boards["weapons"]) != 1 {
		t.Fatalf("weapons = %v", boards["weapons"])
	}
	w := boards["weapons"][0]
	if w.Rank != 1 || w.ItemID != 1213 || w.ItemName != "이빌본 헬름" || w.DealCount != 42 || w.RankState != "up" {
		t.Errorf("unexpected weapon entry: %+v", w)
	}
	if w.Category != "weapons" {
		t.Errorf("category = %q", w.Category)
	}
	if len(boards["consumables"]) != 0 {
		t.Errorf("consumables = %v", boards["consumables"])
	}
}

func TestGnjoyClient_TopItemsRemoteError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"ErrorCode":"500","ErrorMessage":"server busy"},{},{},{},{}]`))
	}))
	defer srv.Close()

	client := NewGnjoyClient(srv.URL, discardLogger())
	if _, err := client.FetchTopItems(context.Background()); err == nil {
		t.Fatal("expected remote error")
	}
}
