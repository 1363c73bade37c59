package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

const historyDDL = `
CREATE TABLE IF NOT EXISTS price_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id      INTEGER NOT NULL DEFAULT 0,
	item_name    TEXT    NOT NULL,
	server_id    INTEGER NOT NULL,
	price        INTEGER NOT NULL,
	quantity     INTEGER NOT NULL DEFAULT 0,
	shop_name    TEXT    NOT NULL DEFAULT '',
	recorded_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_item
	ON price_history (item_name, server_id, recorded_at);

CREATE TABLE IF NOT EXISTS rank_history (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id      INTEGER NOT NULL,
	item_name    TEXT    NOT NULL,
	category     TEXT    NOT NULL,
	rank         INTEGER NOT NULL,
	deal_count   INTEGER NOT NULL DEFAULT 0,
	recorded_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rank_history_item
	ON rank_history (item_id, recorded_at);
`

// History records price observations and ranking-board positions in a
// local SQLite database.
type History struct {
	db *sql.DB
}

func OpenHistory(path string) (*History, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("mkdir history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent recorders.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historyDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// RecordPrices stores one observation per deal in a single transaction.
func (h *History) RecordPrices(ctx context.Context, deals []model.DealItem) error {
	if len(deals) == 0 {
		return nil
	}

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin price tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_history (item_id, item_name, server_id, price, quantity, shop_name, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare price insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range deals {
		recordedAt := d.CrawledAt
		if recordedAt.IsZero() {
			recordedAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, d.ItemID, d.ItemName, d.ServerID, d.Price, d.Quantity, d.ShopName, recordedAt.Unix()); err != nil {
			return fmt.Errorf("insert price row: %w", err)
		}
	}
	return tx.Commit()
}

// RecordRanks stores a full ranking-board snapshot.
func (h *History) RecordRanks(ctx context.Context, boards map[string][]model.TopItem) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rank tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO rank_history (item_id, item_name, category, rank, deal_count, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare rank insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for category, items := range boards {
		for _, item := range items {
			if _, err := stmt.ExecContext(ctx, item.ItemID, item.ItemName, category, item.Rank, item.DealCount, now); err != nil {
				return fmt.Errorf("insert rank row: %w", err)
			}
		}
	}
	return tx.Commit()
}

// PriceSeries returns observations whose name contains itemName, oldest
// first.
func (h *History) PriceSeries(ctx context.Context, itemName string, serverID int, since time.Time) ([]model.PriceHistory, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, item_id, item_name, server_id, price, quantity, shop_name, recorded_at
		FROM price_history
		WHERE item_name LIKE ? AND server_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`,
		"%"+itemName+"%", serverID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query price series: %w", err)
	}
	defer rows.Close()

	var series []model.PriceHistory
	for rows.Next() {
		var p model.PriceHistory
		var recordedAt int64
		if err := rows.Scan(&p.ID, &p.ItemID, &p.ItemName, &p.ServerID, &p.Price, &p.Quantity, &p.ShopName, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan price row: %w", err)
		}
		p.RecordedAt = time.Unix(recordedAt, 0)
		series = append(series, p)
	}
	return series, rows.Err()
}

// PriceDailyStats aggregates observations into per-day buckets, oldest
// first. itemName is matched as a substring.
func (h *History) PriceDailyStats(ctx context.Context, itemName string, serverID int, since time.Time) ([]model.PriceDailyStat, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', recorded_at, 'unixepoch') AS day,
		       CAST(AVG(price) AS INTEGER), MIN(price), MAX(price), COUNT(*)
		FROM price_history
		WHERE item_name LIKE ? AND server_id = ? AND recorded_at >= ?
		GROUP BY day
		ORDER BY day ASC`,
		"%"+itemName+"%", serverID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query price daily stats: %w", err)
	}
	defer rows.Close()

	var stats []model.PriceDailyStat
	for rows.Next() {
		var s model.PriceDailyStat
		if err := rows.Scan(&s.Day, &s.AvgPrice, &s.MinPrice, &s.MaxPrice, &s.Samples); err != nil {
			return nil, fmt.Errorf("scan price daily row: %w", err)
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// RankSeries returns ranking-board positions for one item, oldest first.
func (h *History) RankSeries(ctx context.Context, itemID int, since time.Time) ([]model.RankHistory, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, item_id, item_name, category, rank, deal_count, recorded_at
		FROM rank_history
		WHERE item_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`,
		itemID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("query rank series: %w", err)
	}
	defer rows.Close()

	var series []model.RankHistory
	for rows.Next() {
		var r model.RankHistory
		var recordedAt int64
		if err := rows.Scan(&r.ID, &r.ItemID, &r.ItemName, &r.Category, &r.Rank, &r.DealCount, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan rank row: %w", err)
		}
		r.RecordedAt = time.Unix(recordedAt, 0)
		series = append(series, r)
	}
	return series, rows.Err()
}
