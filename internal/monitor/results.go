package monitor

import (
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/leader001a/ro-market-crawler-sub001/internal/model"
)

// Results holds the latest refresh outcome per monitor item, replaced
// wholesale on every successful refresh.
type Results struct {
	byItem *xsync.Map[string, *model.MonitorResult]
}

func NewResults() *Results {
	return &Results{byItem: xsync.NewMap[string, *model.MonitorResult]()}
}

func (r *Results) Set(result *model.MonitorResult) {
	r.byItem.Store(result.Item.ID, result)
}

func (r *Results) Get(itemID string) (*model.MonitorResult, bool) {
	return r.byItem.Load(itemID)
}

func (r *Results) Remove(itemID string) {
	r.byItem.Delete(itemID)
}

// All returns every stored result, no ordering guarantee.
func (r *Results) All() []*model.MonitorResult {
	var out []*model.MonitorResult
	r.byItem.Range(func(_ string, result *model.MonitorResult) bool {
		out = append(out, result)
		return true
	})
	return out
}

// Deals flattens every result's deal list, used by alarm evaluation.
func (r *Results) Deals() []model.DealItem {
	var deals []model.DealItem
	r.byItem.Range(func(_ string, result *model.MonitorResult) bool {
		deals = append(deals, result.Deals...)
		return true
	})
	return deals
}
