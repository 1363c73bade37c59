package model

import (
	"fmt"
	"strings"
	"time"
)

// Server ids as exposed by this application. The remote uses a different
// internal numbering (see GnjoyServerMap).
const (
	ServerAll       = -1
	ServerBaphomet  = 1
	ServerYggdrasil = 2
	ServerDarkLord  = 3
	ServerIfrit     = 4
)

// ServerNames maps both API server ids and GNJOY internal ids to display names.
var ServerNames = map[int]string{
	-1:  "전체",
	1:   "바포메트",
	2:   "이그드라실",
	3:   "다크로드",
	4:   "이프리트",
	129: "바포메트",
	229: "이그드라실",
	529: "다크로드",
	729: "이프리트",
}

// GnjoyServerMap maps GNJOY internal server ids to API server ids.
var GnjoyServerMap = map[int]int{
	129: 1,
	229: 2,
	529: 3,
	729: 4,
}

// ServerName returns the display name for a server id, or "Unknown".
func ServerName(id int) string {
	if name, ok := ServerNames[id]; ok {
		return name
	}
	return "Unknown"
}

// DealItem is a single market listing observed during a crawl.
//
// Signature is the stable per-listing identifier (SSI) used for
// de-duplication across pages and crawls and as the detail-cache key.
type DealItem struct {
	ServerID   int    `json:"serverId"`
	ServerName string `json:"serverName"`
	ItemID     int    `json:"itemId,omitempty"`
	ItemName   string `json:"itemName"`
	Refine     int    `json:"refine,omitempty"`
	Grade      string `json:"grade,omitempty"` // UNIQUE, RARE, EPIC, LEGEND, MYTHIC
	CardSlots  string `json:"cardSlots,omitempty"`
	Quantity   int    `json:"quantity"`
	Price      int64  `json:"price"`
	DealType   string `json:"dealType,omitempty"` // "buy" or "sale"
	ShopName   string `json:"shopName"`
	MapID      int    `json:"mapId,omitempty"`
	MapName    string `json:"mapName,omitempty"`
	ImageURL   string `json:"itemImageUrl,omitempty"`

	Signature string `json:"signature"`

	// Random option / enchant detail, filled from the DetailCache or a
	// detail fetch. Nil for listings without extra detail.
	Detail *DetailPayload `json:"detail,omitempty"`

	Page      int       `json:"page"`
	CrawledAt time.Time `json:"crawledAt"`
}

// DisplayName composes the human-readable listing name the way the market
// site renders it: [GRADE]+refine name [cards].
func (d *DealItem) DisplayName() string {
	var b strings.Builder
	if d.Grade != "" {
		fmt.Fprintf(&b, "[%s]", d.Grade)
	}
	if d.Refine > 0 {
		fmt.Fprintf(&b, "+%d", d.Refine)
	}
	b.WriteString(d.ItemName)
	if d.CardSlots != "" {
		fmt.Fprintf(&b, "[%s]", d.CardSlots)
	}
	return b.String()
}

// PriceFormatted returns the price with thousands separators.
func (d *DealItem) PriceFormatted() string {
	return FormatZeny(d.Price)
}

// GroupKey is the monitor-result grouping key: identical listings of the
// same item variant on the same server collapse into one group.
func (d *DealItem) GroupKey() string {
	return fmt.Sprintf("%s|%d|%s|%s|%d", strings.TrimSpace(d.ItemName), d.Refine, d.Grade, d.CardSlots, d.ServerID)
}

// DetailPayload is the per-listing enchant/option detail not present on the
// listing page.
type DetailPayload struct {
	Signature string    `json:"signature"`
	Options   []string  `json:"options,omitempty"`
	Enchants  []string  `json:"enchants,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// CrawlSession is the outcome of one crawl of a (search term, server) pair.
//
// Invariant: item signatures are unique within a session.
type CrawlSession struct {
	Term             string     `json:"term"`
	ServerID         int        `json:"serverId"`
	ServerName       string     `json:"serverName"`
	CrawledAt        time.Time  `json:"crawledAt"`
	TotalItems       int        `json:"totalItems"`
	TotalPages       int        `json:"totalPages"`
	LastCrawledPage  int        `json:"lastCrawledPage"`
	TotalServerPages int        `json:"totalServerPages"`
	Incremental      bool       `json:"isIncremental"`
	Partial          bool       `json:"partial"`
	Items            []DealItem `json:"items"`
}

// MonitorStatus is the scheduling state of a MonitorItem. Exactly one state
// holds at any observable point in time.
type MonitorStatus int

const (
	MonitorIdle MonitorStatus = iota
	MonitorQueued
	MonitorRefreshing
	MonitorProcessing
)

func (s MonitorStatus) String() string {
	switch s {
	case MonitorIdle:
		return "idle"
	case MonitorQueued:
		return "queued"
	case MonitorRefreshing:
		return "refreshing"
	case MonitorProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// MonitorItem is a configured watchlist entry. Scheduling state (Status,
// NextRefreshAt) is transient and owned by the monitor scheduler.
type MonitorItem struct {
	ID         string `json:"id"`
	ItemName   string `json:"itemName"`
	ServerID   int    `json:"serverId"`
	ExactMatch bool   `json:"exactMatch"`
	// WatchPrice is the alert ceiling; nil disables watch evaluation for
	// this item (the item is still refreshed).
	WatchPrice *int64 `json:"watchPrice,omitempty"`

	Status        MonitorStatus `json:"status"`
	NextRefreshAt time.Time     `json:"nextRefreshAt"`
}

// MonitorResult is the latest set of deals found for one MonitorItem,
// replaced wholesale on each successful refresh.
type MonitorResult struct {
	Item        MonitorItem `json:"item"`
	Deals       []DealItem  `json:"deals"`
	RefreshedAt time.Time   `json:"refreshedAt"`
}

// WatchCriterion is a name/stone pattern plus a price ceiling, evaluated
// against a crawl session's or monitor result's deals. The pattern may
// contain '*' as an arbitrary-substring marker. A criterion with no price
// ceiling or a blank pattern is inert.
type WatchCriterion struct {
	Pattern  string `json:"pattern"`
	MaxPrice *int64 `json:"maxPrice,omitempty"`
}

// TopItem is one entry of the market's top-ranked item board.
type TopItem struct {
	Rank      int    `json:"rankNumber"`
	ItemID    int    `json:"itemID"`
	ItemName  string `json:"itemName"`
	DealCount int    `json:"itemCnt"`
	RankState string `json:"rankState"`
	Category  string `json:"category,omitempty"` // W, D, C, E
}

// PriceHistory is a recorded price observation for an item.
type PriceHistory struct {
	ID         int64     `json:"id,omitempty"`
	ItemID     int       `json:"itemId,omitempty"`
	ItemName   string    `json:"itemName"`
	ServerID   int       `json:"serverId"`
	Price      int64     `json:"price"`
	Quantity   int       `json:"quantity"`
	ShopName   string    `json:"shopName"`
	RecordedAt time.Time `json:"recordedAt"`
}

// PriceDailyStat is one day's aggregate of price observations.
type PriceDailyStat struct {
	Day      string `json:"day"` // YYYY-MM-DD
	AvgPrice int64  `json:"avgPrice"`
	MinPrice int64  `json:"minPrice"`
	MaxPrice int64  `json:"maxPrice"`
	Samples  int    `json:"samples"`
}

// RankHistory is a recorded top-board position for an item.
type RankHistory struct {
	ID         int64     `json:"id,omitempty"`
	ItemID     int       `json:"itemId"`
	ItemName   string    `json:"itemName"`
	Category   string    `json:"category"`
	Rank       int       `json:"rank"`
	DealCount  int       `json:"dealCount"`
	RecordedAt time.Time `json:"recordedAt"`
}

// FormatZeny renders an integer amount with thousands separators.
func FormatZeny(v int64) string {
	s := fmt.Sprintf("%d", v)
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	n := len(s)
	if n > 3 {
		out := make([]byte, 0, n+n/3)
		for i := 0; i < n; i++ {
			out = append(out, s[i])
			if (n-i-1)%3 == 0 && i != n-1 {
				out = append(out, ',')
			}
		}
		s = string(out)
	}
	if neg {
		return "-" + s
	}
	return s
}
