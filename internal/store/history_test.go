package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistory_PriceRoundTrip(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	deals := []model.DealItem{
		{ItemID: 1213, ItemName: "이빌본 헬름", ServerID: 1, Price: 12000000, Quantity: 1, ShopName: "상점A", CrawledAt: now.Add(-time.Hour)},
		{ItemID: 1213, ItemName: "이빌본 헬름", ServerID: 1, Price: 11000000, Quantity: 1, ShopName: "상점B", CrawledAt: now},
		{ItemID: 501, ItemName: "빨간 포션", ServerID: 2, Price: 50, Quantity: 100, CrawledAt: now},
	}
	if err := h.RecordPrices(ctx, deals); err != nil {
		t.Fatalf("record prices: %v", err)
	}

	series, err := h.PriceSeries(ctx, "이빌본 헬름", 1, now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("price series: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("series = %d, want 2", len(series))
	}
	if series[0].Price != 12000000 || series[1].Price != 11000000 {
		t.Fatalf("series out of order: %+v", series)
	}

	// Since-filter cuts the older row.
	recent, err := h.PriceSeries(ctx, "이빌본 헬름", 1, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("recent series: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("recent = %d, want 1", len(recent))
	}
}

func TestHistory_PriceSubstringMatchAndDailyStats(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Second)
	deals := []model.DealItem{
		{ItemName: "해피 포링 카드", ServerID: 1, Price: 4000, Quantity: 1, CrawledAt: now},
		{ItemName: "포링 카드", ServerID: 1, Price: 6000, Quantity: 1, CrawledAt: now},
		{ItemName: "나이프", ServerID: 1, Price: 50, Quantity: 1, CrawledAt: now},
	}
	if err := h.RecordPrices(ctx, deals); err != nil {
		t.Fatalf("record prices: %v", err)
	}

	series, err := h.PriceSeries(ctx, "포링", 1, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("price series: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("substring match = %d rows, want 2", len(series))
	}

	stats, err := h.PriceDailyStats(ctx, "포링", 1, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("daily stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %d buckets, want 1", len(stats))
	}
	if stats[0].AvgPrice != 5000 || stats[0].MinPrice != 4000 || stats[0].MaxPrice != 6000 || stats[0].Samples != 2 {
		t.Fatalf("bucket = %+v", stats[0])
	}
}

func TestHistory_RankRoundTrip(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	boards := map[string][]model.TopItem{
		"weapons": {{Rank: 1, ItemID: 1213, ItemName: "이빌본 헬름", DealCount: 42, RankState: "up"}},
		"etcs":    {{Rank: 1, ItemID: 909, ItemName: "젤로피", DealCount: 900, RankState: "-"}},
	}
	if err := h.RecordRanks(ctx, boards); err != nil {
		t.Fatalf("record ranks: %v", err)
	}

	series, err := h.RankSeries(ctx, 1213, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("rank series: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("series = %d, want 1", len(series))
	}
	if series[0].Category != "weapons" || series[0].Rank != 1 {
		t.Fatalf("unexpected row: %+v", series[0])
	}
}

func TestHistory_EmptyInputsAreNoops(t *testing.T) {
	h := openTestHistory(t)
	ctx := context.Background()

	if err := h.RecordPrices(ctx, nil); err != nil {
		t.Fatalf("record nil prices: %v", err)
	}
	if err := h.RecordRanks(ctx, map[string][]model.TopItem{}); err != nil {
		t.Fatalf("record empty ranks: %v", err)
	}
}
