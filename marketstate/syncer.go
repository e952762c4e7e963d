package marketstate

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"go.uber.org/zap"
)

// Syncer brings the market up to date on every block and reports which venues changed.
// It tracks every fetched venue, including those the graph rejected, so that checkpoints keep
// the complete families.
type Syncer struct {
	log      *zap.Logger
	fetcher  *Fetcher
	market   *pricegraph.Market
	families []Family
	venues   []*pricegraph.Venue

	checkpoints     CheckpointStore
	checkpointEvery uint64
	lastCheckpoint  uint64
}

// NewSyncer creates a syncer for venues, the full set fetched or restored at startup. Sync
// must not be called concurrently.
func NewSyncer(log *zap.Logger, fetcher *Fetcher, market *pricegraph.Market, families []Family, venues []*pricegraph.Venue) *Syncer {
	return &Syncer{
		log:      log,
		fetcher:  fetcher,
		market:   market,
		families: families,
		venues:   venues,
	}
}

// WithCheckpoints saves the market state to store every `every` blocks.
func (s *Syncer) WithCheckpoints(store CheckpointStore, every uint64) *Syncer {
	s.checkpoints = store
	s.checkpointEvery = every
	return s
}

// Sync refreshes all venues at block, applies the ones whose state changed to the market and
// returns the addresses the market accepted.
func (s *Syncer) Sync(ctx context.Context, block uint64) ([]common.Address, error) {
	startAt := time.Now()
	defer func() {
		metrics.RecordSyncDuration(time.Since(startAt).Milliseconds())
	}()

	current := s.venues
	fresh, err := s.fetcher.RefreshAll(ctx, current, new(big.Int).SetUint64(block))
	if err != nil {
		return nil, err
	}
	s.venues = fresh

	changed := make([]*pricegraph.Venue, 0)
	for i, v := range fresh {
		if !v.StateEqual(current[i]) {
			changed = append(changed, v)
		}
	}
	if len(changed) == 0 {
		return nil, nil
	}
	applied := s.market.Apply(changed)
	s.log.Debug("Synced market", zap.Uint64("block", block), zap.Int("changed", len(changed)), zap.Int("applied", len(applied)))

	s.maybeCheckpoint(ctx, block)
	if len(applied) == 0 {
		return nil, nil
	}
	return applied, nil
}

func (s *Syncer) maybeCheckpoint(ctx context.Context, block uint64) {
	if s.checkpoints == nil || s.checkpointEvery == 0 || block < s.lastCheckpoint+s.checkpointEvery {
		return
	}
	err := SaveCheckpoints(ctx, s.checkpoints, s.families, s.venues, block)
	if err != nil {
		s.log.Warn("Failed to save checkpoints", zap.Uint64("block", block), zap.Error(err))
		return
	}
	s.lastCheckpoint = block
	s.log.Info("Saved checkpoints", zap.Uint64("block", block))
}

// Run syncs on every block event and sends non-empty change batches to out. It closes out on
// exit, which tells downstream stages to stop.
func (s *Syncer) Run(ctx context.Context, blocks <-chan BlockEvent, out chan<- []common.Address) error {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-blocks:
			if !ok {
				s.log.Info("Block stream closed")
				return nil
			}
			changed, err := s.Sync(ctx, ev.Number)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Error("Failed to sync market", zap.Uint64("block", ev.Number), zap.Error(err))
				continue
			}
			if len(changed) == 0 {
				continue
			}
			select {
			case out <- changed:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
