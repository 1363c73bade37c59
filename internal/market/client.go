package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

// ErrDetailNotFound means the remote has no detail view for the listing.
// Callers treat it as "no detail", not as a fetch failure.
var ErrDetailNotFound = errors.New("item detail not found")

// Client is the capability the crawl engine and the monitor scheduler
// depend on. Implementations must be safe for concurrent use.
type Client interface {
	// FetchListingPage returns the deals on one result page plus the
	// remote's reported total listing count for the query.
	FetchListingPage(ctx context.Context, term string, serverID, page int) ([]model.DealItem, int, error)

	// FetchItemDetail returns the option/enchant payload for one
	// listing, or ErrDetailNotFound when the remote has none.
	FetchItemDetail(ctx context.Context, serverID, mapID int, signature string) (*model.DetailPayload, error)
}

// RateLimitedError reports that the remote throttled us. UnlockAt is
// the earliest time a retry may succeed.
type RateLimitedError struct {
	UnlockAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("market rate limited until %s", e.UnlockAt.Format(time.RFC3339))
}

// AsRateLimited unwraps err into a RateLimitedError if one is present.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}
