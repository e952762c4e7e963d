// Package pipeline wires the searcher, resolver and submitter stages together with bounded
// channels and runs them until the upstream event source closes.
package pipeline

import (
	"context"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/memo"
	"github.com/flashbots/mev-cycle-searcher/optimizer"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/flashbots/mev-cycle-searcher/search"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Candidate is a profitable loop together with the snapshot it was found in.
type Candidate struct {
	search.Candidate
	RoundID uuid.UUID
	Graph   *pricegraph.Graph
	Store   *pricegraph.Store
}

type Searcher struct {
	log    *zap.Logger
	engine *search.Engine
	cache  *memo.Cache[search.Key]
	market *pricegraph.Market
	opt    *optimizer.Optimizer
	gas    *GasPrice

	state stateHolder
}

func NewSearcher(log *zap.Logger, engine *search.Engine, cache *memo.Cache[search.Key], market *pricegraph.Market, opt *optimizer.Optimizer, gas *GasPrice) *Searcher {
	return &Searcher{
		log:    log,
		engine: engine,
		cache:  cache,
		market: market,
		opt:    opt,
		gas:    gas,
	}
}

func (s *Searcher) State() State {
	return s.state.get()
}

func (s *Searcher) scorer(g *pricegraph.Graph, store *pricegraph.Store) search.Scorer {
	return func(ctx context.Context, p search.Path) float64 {
		hops, err := store.Resolve(g, p.Edges())
		if err != nil {
			s.log.Debug("Failed to resolve path", zap.String("path", p.Key().String()), zap.Error(err))
			return -math.MaxFloat64
		}
		return s.opt.ScorePath(ctx, hops, s.gas.Gwei())
	}
}

// Round forgets scores of loops through the changed venues, then searches a snapshot of the
// market and forwards every profitable loop to out. It returns the number of loops searched.
func (s *Searcher) Round(ctx context.Context, changed []common.Address, out chan<- Candidate) uint64 {
	roundID := uuid.New()
	log := s.log.With(zap.String("roundID", roundID.String()))

	g, store, source := s.market.Snapshot()
	invalidated := search.Invalidate(s.cache, store, changed)
	log.Debug("Invalidated memo entries", zap.Int("changed", len(changed)), zap.Int("invalidated", invalidated))

	s.state.set(StateSearching)
	found := make(chan search.Candidate, 16)
	var searched uint64
	go func() {
		defer close(found)
		searched = s.engine.Find(ctx, g, source, s.scorer(g, store), found)
		s.state.set(StatePublishing)
	}()

	forwarded := 0
	for c := range found {
		select {
		case out <- Candidate{Candidate: c, RoundID: roundID, Graph: g, Store: store}:
			forwarded++
		case <-ctx.Done():
		}
	}
	log.Info("Search round finished", zap.Uint64("searched", searched), zap.Int("candidates", forwarded))
	return searched
}

// Run starts a round for every batch of changed venues and closes out when changes is closed.
func (s *Searcher) Run(ctx context.Context, changes <-chan []common.Address, out chan<- Candidate) error {
	defer close(out)
	defer s.state.set(StateStopped)
	for {
		s.state.set(StateWaitingForStateChange)
		select {
		case <-ctx.Done():
			return nil
		case changed, ok := <-changes:
			if !ok {
				return nil
			}
			s.Round(ctx, changed, out)
		}
	}
}
