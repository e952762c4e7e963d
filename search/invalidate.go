package search

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/memo"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
)

// Invalidate drops every cached score whose path crosses one of the changed venues and
// returns how many were dropped. It must complete before the next round starts.
func Invalidate(cache *memo.Cache[Key], s *pricegraph.Store, changed []common.Address) int {
	if len(changed) == 0 || cache.Len() == 0 {
		return 0
	}
	set := make(map[common.Address]struct{}, len(changed))
	for _, addr := range changed {
		set[addr] = struct{}{}
	}

	removed := cache.Invalidate(func(k Key) bool {
		for _, e := range k.edges[:k.n] {
			addr, ok := s.VenueAddress(e)
			if !ok {
				continue
			}
			if _, hit := set[addr]; hit {
				return true
			}
		}
		return false
	})
	metrics.IncMemoInvalidated(removed)
	return removed
}
