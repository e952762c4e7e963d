package pipeline

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-cycle-searcher/bundler"
	"github.com/flashbots/mev-cycle-searcher/database"
	"github.com/flashbots/mev-cycle-searcher/encoder"
	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/optimizer"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNoBlock       = errors.New("no block received yet")
	ErrBundlePending = errors.New("previous bundle is still pending")
	ErrDuplicatePlan = errors.New("plan was submitted recently")
)

// Bundler signs and submits bundles. It is implemented by bundler.Bundler.
type Bundler interface {
	OrderTx(amountIn *big.Int, route encoder.Route, opts bundler.TxOpts) (*types.Transaction, error)
	ToBundle(block uint64, txs ...*types.Transaction) (*bundler.Bundle, error)
	SendBundle(ctx context.Context, bundle *bundler.Bundle, gasPriceGwei float64) (*bundler.SendResult, error)
	WaitForInclusion(ctx context.Context, bundle *bundler.Bundle) (*types.Receipt, error)
	RollbackNonce()
	SyncNonce(ctx context.Context) error
}

// BundleStore records submitted bundles. It is implemented by database.DBBackend.
type BundleStore interface {
	InsertBundle(ctx context.Context, roundID uuid.UUID, plan *pricegraph.Plan, targetBlock uint64) (int64, error)
	UpdateBundleStatus(ctx context.Context, id int64, outcome database.Outcome) error
}

type SubmitterConfig struct {
	PriorityFee *big.Int
	// RecentPlans is the number of plan hashes remembered to skip resubmitting the same route.
	RecentPlans int
}

var DefaultSubmitterConfig = SubmitterConfig{
	PriorityFee: big.NewInt(0),
	RecentPlans: 256,
}

// Submitter sends trade plans as bundles. Only one bundle is in flight at a time because every
// bundle spends the next nonce of the same sender. The newest plan that arrives meanwhile is
// held back and submitted once the pending bundle resolves.
type Submitter struct {
	log     *zap.Logger
	cfg     SubmitterConfig
	bundler Bundler
	store   BundleStore
	gas     *GasPrice

	block   atomic.Uint64
	pending atomic.Bool
	// resolved is signalled when the pending bundle is included or missed
	resolved chan struct{}
	recent   *lru.Cache[common.Hash, struct{}]
	wg       sync.WaitGroup
}

// NewSubmitter creates a submitter. store may be nil to disable persistence.
func NewSubmitter(log *zap.Logger, cfg SubmitterConfig, b Bundler, store BundleStore, gas *GasPrice) *Submitter {
	if cfg.RecentPlans <= 0 {
		cfg.RecentPlans = DefaultSubmitterConfig.RecentPlans
	}
	if cfg.PriorityFee == nil {
		cfg.PriorityFee = new(big.Int)
	}
	return &Submitter{
		log:     log,
		cfg:     cfg,
		bundler: b,
		store:   store,
		gas:      gas,
		resolved: make(chan struct{}, 1),
		recent:   lru.NewCache[common.Hash, struct{}](cfg.RecentPlans),
	}
}

// OnBlock updates the current block and the gas price from a block event.
func (s *Submitter) OnBlock(ev marketstate.BlockEvent) {
	s.block.Store(ev.Number)
	if ev.NextBaseFee != nil {
		s.gas.Set(ev.NextBaseFee)
	}
}

func (s *Submitter) txOpts(hops int) bundler.TxOpts {
	baseFee := s.gas.Wei()
	maxFee := new(big.Int).Mul(baseFee, big.NewInt(2))
	maxFee.Add(maxFee, s.cfg.PriorityFee)
	return bundler.TxOpts{
		MaxPriorityFee: new(big.Int).Set(s.cfg.PriorityFee),
		MaxFee:         maxFee,
		Gas:            optimizer.GasUnits(hops) * 3 / 2,
	}
}

func statusOf(err error) string {
	switch {
	case errors.Is(err, bundler.ErrNotProfitable),
		errors.Is(err, bundler.ErrSimulationError),
		errors.Is(err, bundler.ErrSimulationRevert):
		return database.StatusRejected
	case errors.Is(err, bundler.ErrBundleNotIncluded):
		return database.StatusNotIncluded
	default:
		return database.StatusFailed
	}
}

func outcomeOf(status string, res *bundler.SendResult, err error) database.Outcome {
	outcome := database.Outcome{Status: status, Err: err}
	if res != nil {
		if res.BundleHash != (common.Hash{}) {
			hash := res.BundleHash
			outcome.BundleHash = &hash
		}
		outcome.GasUsed = res.GasUsed
		outcome.CoinbaseDiff = decimal.NewNullDecimal(res.CoinbaseDiff)
		outcome.Revenue = decimal.NewNullDecimal(res.Revenue)
		outcome.GasCost = decimal.NewNullDecimal(res.GasCost)
	}
	return outcome
}

func (s *Submitter) record(ctx context.Context, log *zap.Logger, id int64, outcome database.Outcome) {
	metrics.IncBundleOutcome(outcome.Status)
	if s.store == nil || id == 0 {
		return
	}
	if err := s.store.UpdateBundleStatus(ctx, id, outcome); err != nil {
		log.Error("Failed to update bundle status", zap.Int64("id", id), zap.Error(err))
	}
}

// Submit encodes, signs, gates and sends one plan. Inclusion is awaited in the background.
func (s *Submitter) Submit(ctx context.Context, plan TradePlan) error {
	startAt := time.Now()
	defer func() {
		metrics.RecordSubmitDuration(time.Since(startAt).Milliseconds())
	}()

	hash := plan.Hash()
	log := s.log.With(zap.String("roundID", plan.RoundID.String()), zap.String("planHash", hash.Hex()))

	block := s.block.Load()
	if block == 0 {
		return ErrNoBlock
	}
	if s.recent.Contains(hash) {
		return ErrDuplicatePlan
	}
	if !s.pending.CompareAndSwap(false, true) {
		return ErrBundlePending
	}
	waiting := false
	defer func() {
		if !waiting {
			s.pending.Store(false)
		}
	}()

	route, err := encoder.EncodeRoute(plan.Hops)
	if err != nil {
		return err
	}
	tx, err := s.bundler.OrderTx(plan.AmountIn, route, s.txOpts(len(plan.Hops)))
	if err != nil {
		return err
	}
	bundle, err := s.bundler.ToBundle(block, tx)
	if err != nil {
		s.bundler.RollbackNonce()
		return err
	}

	var id int64
	if s.store != nil {
		id, err = s.store.InsertBundle(ctx, plan.RoundID, plan.Plan, uint64(bundle.BlockNumber))
		if err != nil {
			log.Error("Failed to insert bundle", zap.Error(err))
		}
	}

	res, err := s.bundler.SendBundle(ctx, bundle, s.gas.Gwei())
	if err != nil {
		s.bundler.RollbackNonce()
		status := statusOf(err)
		log.Warn("Bundle was not sent", zap.String("status", status), zap.Error(err))
		s.record(ctx, log, id, outcomeOf(status, res, err))
		return err
	}
	s.recent.Add(hash, struct{}{})
	s.record(ctx, log, id, outcomeOf(database.StatusSent, res, nil))

	waiting = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.awaitInclusion(ctx, log, id, bundle, res)
		s.pending.Store(false)
		select {
		case s.resolved <- struct{}{}:
		default:
		}
	}()
	return nil
}

func (s *Submitter) awaitInclusion(ctx context.Context, log *zap.Logger, id int64, bundle *bundler.Bundle, res *bundler.SendResult) {
	receipt, err := s.bundler.WaitForInclusion(ctx, bundle)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		status := statusOf(err)
		log.Info("Bundle was not included", zap.Uint64("targetBlock", uint64(bundle.BlockNumber)), zap.Error(err))
		// the nonce was never spent on chain
		if err := s.bundler.SyncNonce(ctx); err != nil {
			log.Error("Failed to sync nonce", zap.Error(err))
		}
		s.record(ctx, log, id, outcomeOf(status, res, err))
		return
	}
	log.Info("Bundle included",
		zap.Uint64("block", receipt.BlockNumber.Uint64()),
		zap.String("txHash", receipt.TxHash.Hex()),
		zap.Uint64("gasUsed", receipt.GasUsed),
	)
	s.record(ctx, log, id, outcomeOf(database.StatusIncluded, res, nil))
}

// Run processes block events and trade plans until plans is closed. Plans are handled in order
// of arrival; block events are applied as soon as they arrive. A plan that arrives while a
// bundle is pending replaces any plan already waiting.
func (s *Submitter) Run(ctx context.Context, blocks <-chan marketstate.BlockEvent, plans <-chan TradePlan) error {
	defer s.wg.Wait()
	var waiting *TradePlan
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			s.OnBlock(ev)
		case <-s.resolved:
			if waiting == nil {
				continue
			}
			plan := *waiting
			waiting = nil
			s.handle(ctx, plan, &waiting)
		case plan, ok := <-plans:
			if !ok {
				if waiting != nil {
					metrics.IncPlansDropped()
				}
				return nil
			}
			s.handle(ctx, plan, &waiting)
		}
	}
}

func (s *Submitter) handle(ctx context.Context, plan TradePlan, waiting **TradePlan) {
	err := s.Submit(ctx, plan)
	switch {
	case err == nil:
	case errors.Is(err, ErrBundlePending):
		if *waiting != nil {
			metrics.IncPlansDropped()
			s.log.Debug("Replaced waiting trade plan", zap.String("roundID", (*waiting).RoundID.String()))
		}
		*waiting = &plan
	case errors.Is(err, ErrNoBlock), errors.Is(err, ErrDuplicatePlan):
		metrics.IncPlansDropped()
		s.log.Debug("Skipped trade plan", zap.Error(err))
	default:
		s.log.Warn("Failed to submit trade plan", zap.Error(err))
	}
}
