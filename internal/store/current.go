package store

import (
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

// CurrentSessions is the in-memory registry of live crawl snapshots.
// A running crawl publishes its partial session here after every page
// so searches see fresh data before the crawl finishes.
type CurrentSessions struct {
	sessions *xsync.Map[string, *model.CrawlSession]
}

func NewCurrentSessions() *CurrentSessions {
	return &CurrentSessions{sessions: xsync.NewMap[string, *model.CrawlSession]()}
}

func sessionKey(term string, serverID int) string {
	return fmt.Sprintf("%s|%d", TermSlug(term), serverID)
}

func (c *CurrentSessions) Publish(session *model.CrawlSession) {
	c.sessions.Store(sessionKey(session.Term, session.ServerID), session)
}

func (c *CurrentSessions) Get(term string, serverID int) (*model.CrawlSession, bool) {
	return c.sessions.Load(sessionKey(term, serverID))
}

func (c *CurrentSessions) Remove(term string, serverID int) {
	c.sessions.Delete(sessionKey(term, serverID))
}

// All returns every live session, no ordering guarantee.
func (c *CurrentSessions) All() []*model.CrawlSession {
	var out []*model.CrawlSession
	c.sessions.Range(func(_ string, session *model.CrawlSession) bool {
		out = append(out, session)
		return true
	})
	return out
}
