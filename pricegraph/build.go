package pricegraph

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"go.uber.org/zap"
)

// Build constructs the graph and its store from venue snapshots. Venues that are not allowed,
// fall below thresholds or cannot be priced in both directions are skipped, as are repeated
// addresses after their first occurrence.
func Build(log *zap.Logger, venues []*Venue, allow AllowList, settlement common.Address, th Thresholds) (*Graph, *Store, NodeID, error) {
	g := NewGraph()
	s := NewStore()

	for _, v := range venues {
		if _, ok := s.Venue(v.Address); ok {
			log.Debug("Duplicate venue", zap.String("venue", v.Address.Hex()))
			metrics.IncVenuesSkipped()
			continue
		}
		if !allow.Contains(v.Address) {
			log.Debug("Venue not in allow-list", zap.String("venue", v.Address.Hex()))
			metrics.IncVenuesSkipped()
			continue
		}
		if err := v.Validate(th); err != nil {
			log.Debug("Venue failed validation", zap.String("venue", v.Address.Hex()), zap.Error(err))
			metrics.IncVenuesSkipped()
			continue
		}
		forward, err := v.PriceOf(v.Token0)
		if err != nil {
			log.Debug("Failed to price venue", zap.String("venue", v.Address.Hex()), zap.String("base", v.Token0.Hex()), zap.Error(err))
			metrics.IncVenuesSkipped()
			continue
		}
		backward, err := v.PriceOf(v.Token1)
		if err != nil {
			log.Debug("Failed to price venue", zap.String("venue", v.Address.Hex()), zap.String("base", v.Token1.Hex()), zap.Error(err))
			metrics.IncVenuesSkipped()
			continue
		}

		n0 := g.AddNode(v.Token0)
		n1 := g.AddNode(v.Token1)
		s.bind(g.AddEdge(n0, n1, forward), v.Address)
		s.bind(g.AddEdge(n1, n0, backward), v.Address)
		s.Put(v)
	}

	log.Info("Built price graph",
		zap.Int("venues", s.VenueCount()),
		zap.Int("nodes", g.NodeCount()),
		zap.Int("edges", g.EdgeCount()),
	)

	source, ok := g.NodeOf(settlement)
	if !ok {
		return g, s, 0, ErrSettlementTokenMissing
	}
	return g, s, source, nil
}

// Update recomputes the weight of every edge whose venue is in changed, using the venue state
// currently held by the store. Topology is never modified. It returns the number of edges
// whose weight was overwritten.
func Update(log *zap.Logger, g *Graph, s *Store, changed []common.Address) int {
	if len(changed) == 0 {
		return 0
	}
	set := make(map[common.Address]struct{}, len(changed))
	for _, addr := range changed {
		set[addr] = struct{}{}
	}

	updated := 0
	for i := range g.Edges {
		e := EdgeID(i)
		addr, ok := s.VenueAddress(e)
		if !ok {
			continue
		}
		if _, ok := set[addr]; !ok {
			continue
		}
		venue, ok := s.Venue(addr)
		if !ok {
			continue
		}
		base := g.Token(g.Edges[i].From)
		price, err := venue.PriceOf(base)
		if err != nil {
			log.Debug("Failed to reprice edge, keeping previous weight", zap.String("venue", addr.Hex()), zap.Error(err))
			continue
		}
		g.SetWeight(e, price)
		updated++
	}
	metrics.IncEdgesUpdated(updated)
	return updated
}
