package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

// ErrNoSession means no snapshot exists yet for the (term, server) pair.
var ErrNoSession = errors.New("no crawl session found")

var slugUnsafeRe = regexp.MustCompile(`[^\p{L}\p{N}]+`)

// SessionStore keeps timestamped crawl snapshots on disk, one file per
// completed (or partial) crawl: sessions/<serverID>/<termSlug>-<unixts>.json.
type SessionStore struct {
	dir    string
	logger *slog.Logger
}

func NewSessionStore(dataDir string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionStore{
		dir:    filepath.Join(dataDir, "sessions"),
		logger: logger.With(slog.String("component", "session_store")),
	}
}

// TermSlug normalizes a search term into a filename-safe token.
func TermSlug(term string) string {
	slug := slugUnsafeRe.ReplaceAllString(strings.TrimSpace(term), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "all"
	}
	return slug
}

func (s *SessionStore) serverDir(serverID int) string {
	return filepath.Join(s.dir, strconv.Itoa(serverID))
}

// Save writes a snapshot. Partial sessions are valid snapshots; a later
// save for the same second overwrites, which is acceptable since the
// newest file wins either way.
func (s *SessionStore) Save(session *model.CrawlSession) error {
	dir := s.serverDir(session.ServerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir session dir: %w", err)
	}

	name := fmt.Sprintf("%s-%d.json", TermSlug(session.Term), session.CrawledAt.Unix())
	path := filepath.Join(dir, name)

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}

	s.logger.Debug("session saved",
		slog.String("term", session.Term),
		slog.Int("server_id", session.ServerID),
		slog.Int("items", len(session.Items)),
		slog.Bool("partial", session.Partial))
	return nil
}

// LoadLatest returns the newest snapshot for (term, serverID), or
// ErrNoSession when none exists.
func (s *SessionStore) LoadLatest(term string, serverID int) (*model.CrawlSession, error) {
	files, err := s.snapshotFiles(term, serverID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, ErrNoSession
	}

	newest := files[len(files)-1]
	data, err := os.ReadFile(newest)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	session := &model.CrawlSession{}
	if err := json.Unmarshal(data, session); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", filepath.Base(newest), err)
	}
	return session, nil
}

// Cleanup removes all snapshots for (term, serverID) except the newest.
// Callers invoke it only after a complete crawl, so interrupted crawls
// keep their fallback history.
func (s *SessionStore) Cleanup(term string, serverID int) error {
	files, err := s.snapshotFiles(term, serverID)
	if err != nil {
		return err
	}
	if len(files) <= 1 {
		return nil
	}

	for _, path := range files[:len(files)-1] {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("session cleanup failed",
				slog.String("file", filepath.Base(path)),
				slog.String("error", err.Error()))
		}
	}
	s.logger.Debug("old sessions pruned",
		slog.String("term", term),
		slog.Int("server_id", serverID),
		slog.Int("removed", len(files)-1))
	return nil
}

// snapshotFiles lists matching snapshots sorted oldest to newest by the
// timestamp embedded in the filename.
func (s *SessionStore) snapshotFiles(term string, serverID int) ([]string, error) {
	dir := s.serverDir(serverID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	prefix := TermSlug(term) + "-"
	type stamped struct {
		path string
		ts   int64
	}
	var matched []stamped
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		matched = append(matched, stamped{path: filepath.Join(dir, name), ts: ts})
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ts < matched[j].ts })

	paths := make([]string, len(matched))
	for i, m := range matched {
		paths[i] = m.path
	}
	return paths, nil
}
