package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
	"github.com/leader001a/ro-market-crawler-sub001/internal/pkg/metrics"
)

// DetailCache persists the per-server signature → detail map. Saves are
// merge-first: the on-disk map is re-read and the caller's entries are
// overlaid onto it, so concurrent writers never drop each other's keys.
type DetailCache struct {
	dir    string
	logger *slog.Logger

	mu sync.Mutex // serializes load-merge-save within this process
}

func NewDetailCache(dataDir string, logger *slog.Logger) *DetailCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &DetailCache{
		dir:    filepath.Join(dataDir, "details"),
		logger: logger.With(slog.String("component", "detail_cache")),
	}
}

func (c *DetailCache) path(serverID int) string {
	return filepath.Join(c.dir, fmt.Sprintf("server_%d.json", serverID))
}

// Load returns the cached detail map for one server. A missing file is
// an empty cache, not an error.
func (c *DetailCache) Load(serverID int) (map[string]*model.DetailPayload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocked(serverID)
}

func (c *DetailCache) loadLocked(serverID int) (map[string]*model.DetailPayload, error) {
	data, err := os.ReadFile(c.path(serverID))
	if os.IsNotExist(err) {
		return make(map[string]*model.DetailPayload), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read detail cache: %w", err)
	}

	entries := make(map[string]*model.DetailPayload)
	if err := json.Unmarshal(data, &entries); err != nil {
		// A corrupt cache is rebuilt from scratch rather than
		// wedging every crawl.
		c.logger.Warn("detail cache corrupt, starting empty",
			slog.Int("server_id", serverID),
			slog.String("error", err.Error()))
		return make(map[string]*model.DetailPayload), nil
	}
	return entries, nil
}

// Save overlays entries onto the current on-disk map and writes the
// merged result atomically (temp file + rename). Last writer wins per
// key, never per file.
func (c *DetailCache) Save(serverID int, entries map[string]*model.DetailPayload) error {
	if len(entries) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	merged, err := c.loadLocked(serverID)
	if err != nil {
		return err
	}
	for sig, detail := range entries {
		merged[sig] = detail
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir detail cache dir: %w", err)
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshal detail cache: %w", err)
	}

	path := c.path(serverID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write detail cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace detail cache: %w", err)
	}

	c.logger.Debug("detail cache saved",
		slog.Int("server_id", serverID),
		slog.Int("new_entries", len(entries)),
		slog.Int("total_entries", len(merged)))
	return nil
}

// Get is a convenience single-key lookup used by direct detail views.
func (c *DetailCache) Get(serverID int, signature string) (*model.DetailPayload, bool, error) {
	entries, err := c.Load(serverID)
	if err != nil {
		return nil, false, err
	}
	detail, ok := entries[signature]
	if ok {
		metrics.DetailCacheLookups.WithLabelValues("hit").Inc()
	} else {
		metrics.DetailCacheLookups.WithLabelValues("miss").Inc()
	}
	return detail, ok, nil
}
