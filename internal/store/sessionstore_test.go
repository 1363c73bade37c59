package store

import (
	"errors"
	"testing"
	"time"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

func session(term string, serverID int, crawledAt time.Time, partial bool) *model.CrawlSession {
	return &model.CrawlSession{
		Term:       term,
		ServerID:   serverID,
		ServerName: model.ServerName(serverID),
		CrawledAt:  crawledAt,
		Partial:    partial,
		Items: []model.DealItem{
			{ItemName: term, ServerID: serverID, Price: 1000, Signature: "sig-1"},
		},
		TotalItems: 1,
	}
}

func TestSessionStore_SaveAndLoadLatest(t *testing.T) {
	store := NewSessionStore(t.TempDir(), discardLogger())

	base := time.Now().Add(-time.Hour)
	if err := store.Save(session("포링 카드", 1, base, false)); err != nil {
		t.Fatalf("save old: %v", err)
	}
	newer := session("포링 카드", 1, base.Add(30*time.Minute), true)
	newer.Items[0].Price = 900
	if err := store.Save(newer); err != nil {
		t.Fatalf("save new: %v", err)
	}

	loaded, err := store.LoadLatest("포링 카드", 1)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded.Items[0].Price != 900 {
		t.Fatalf("price = %d, want newest snapshot", loaded.Items[0].Price)
	}
	if !loaded.Partial {
		t.Fatal("partial flag lost")
	}
}

func TestSessionStore_LoadLatestMissing(t *testing.T) {
	store := NewSessionStore(t.TempDir(), discardLogger())
	_, err := store.LoadLatest("없는 아이템", 1)
	if !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestSessionStore_CleanupKeepsNewest(t *testing.T) {
	store := NewSessionStore(t.TempDir(), discardLogger())

	base := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 3; i++ {
		s := session("포링 카드", 1, base.Add(time.Duration(i)*time.Hour), false)
		s.TotalItems = i
		if err := store.Save(s); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	// Another term on the same server must be untouched.
	if err := store.Save(session("창", 1, base, false)); err != nil {
		t.Fatalf("save other term: %v", err)
	}

	if err := store.Cleanup("포링 카드", 1); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	files, err := store.snapshotFiles("포링 카드", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("snapshots after cleanup = %d, want 1", len(files))
	}
	loaded, err := store.LoadLatest("포링 카드", 1)
	if err != nil {
		t.Fatalf("load latest: %v", err)
	}
	if loaded.TotalItems != 2 {
		t.Fatalf("kept snapshot TotalItems = %d, want newest", loaded.TotalItems)
	}

	others, err := store.snapshotFiles("창", 1)
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(others) != 1 {
		t.Fatalf("other term snapshots = %d, want 1", len(others))
	}
}

func TestTermSlug(t *testing.T) {
	tests := []struct{ in, want string }{
		{"포링 카드", "포링_카드"},
		{"  Evil Bone  ", "Evil_Bone"},
		{"a/b\\c", "a_b_c"},
		{"", "all"},
	}
	for _, tt := range tests {
		if got := TermSlug(tt.in); got != tt.want {
			t.Errorf("TermSlug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCurrentSessions(t *testing.T) {
	current := NewCurrentSessions()

	s := session("포링 카드", 1, time.Now(), true)
	current.Publish(s)

	got, ok := current.Get("포링 카드", 1)
	if !ok || got.Term != "포링 카드" {
		t.Fatalf("get live session: ok=%v", ok)
	}
	if _, ok := current.Get("포링 카드", 2); ok {
		t.Fatal("wrong server returned a session")
	}

	if all := current.All(); len(all) != 1 {
		t.Fatalf("all = %d, want 1", len(all))
	}

	current.Remove("포링 카드", 1)
	if _, ok := current.Get("포링 카드", 1); ok {
		t.Fatal("session survived removal")
	}
}
