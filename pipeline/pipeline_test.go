package pipeline

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/mev-cycle-searcher/bundler"
	"github.com/flashbots/mev-cycle-searcher/database"
	"github.com/flashbots/mev-cycle-searcher/encoder"
	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"github.com/flashbots/mev-cycle-searcher/memo"
	"github.com/flashbots/mev-cycle-searcher/optimizer"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/flashbots/mev-cycle-searcher/search"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	tokenA = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenB = common.HexToAddress("0x000000000000000000000000000000000000000b")
	tokenC = common.HexToAddress("0x000000000000000000000000000000000000000c")
	router = common.HexToAddress("0x00000000000000000000000000000000000000f0")

	venueAB = common.HexToAddress("0x00000000000000000000000000000000000000ab")
	venueBC = common.HexToAddress("0x00000000000000000000000000000000000000bc")
	venueCA = common.HexToAddress("0x00000000000000000000000000000000000000ca")
)

// pool prices token0 at num/100 token1.
func pool(addr, t0, t1 common.Address, num int64) *pricegraph.Venue {
	unit := big.NewInt(1e18)
	return &pricegraph.Venue{
		Kind:      pricegraph.KindConstantProduct,
		Address:   addr,
		Router:    router,
		Token0:    t0,
		Token1:    t1,
		Decimals0: 18,
		Decimals1: 18,
		Reserve0:  new(big.Int).Mul(big.NewInt(100), unit),
		Reserve1:  new(big.Int).Mul(big.NewInt(num), unit),
	}
}

func triangle(t *testing.T, ab, bc, ca int64) *pricegraph.Market {
	t.Helper()
	venues := []*pricegraph.Venue{
		pool(venueAB, tokenA, tokenB, ab),
		pool(venueBC, tokenB, tokenC, bc),
		pool(venueCA, tokenC, tokenA, ca),
	}
	g, s, source, err := pricegraph.Build(zap.NewNop(), venues, pricegraph.NewAllowList(venueAB, venueBC, venueCA), tokenA, pricegraph.DefaultThresholds)
	require.NoError(t, err)
	return pricegraph.NewMarket(zap.NewNop(), g, s, source)
}

// peakSimulator returns 3% more than the input up to the peak and then falls off.
type peakSimulator struct {
	peak  *big.Int
	calls atomic.Int64
}

func (s *peakSimulator) Simulate(ctx context.Context, hops []pricegraph.Hop, amountIn *big.Int) *big.Int {
	s.calls.Add(1)
	x := new(big.Int).Set(amountIn)
	if x.Cmp(s.peak) > 0 {
		// mirror around the peak
		x.Sub(new(big.Int).Mul(s.peak, big.NewInt(2)), x)
		if x.Sign() <= 0 {
			return new(big.Int)
		}
	}
	out := new(big.Int).Mul(x, big.NewInt(103))
	return out.Div(out, big.NewInt(100))
}

func newTestSimulator() *peakSimulator {
	return &peakSimulator{peak: big.NewInt(3e17)}
}

func newSearcher(t *testing.T, market *pricegraph.Market, sim optimizer.Simulator, gas *GasPrice) *Searcher {
	t.Helper()
	cfg := search.DefaultConfig
	cfg.TimeBudget = 5 * time.Second
	cfg.MaxParallel = 4
	cache := memo.New[search.Key](0)
	engine, err := search.NewEngine(zap.NewNop(), cfg, cache)
	require.NoError(t, err)
	return NewSearcher(zap.NewNop(), engine, cache, market, optimizer.New(zap.NewNop(), optimizer.DefaultConfig, sim), gas)
}

func runRound(s *Searcher, changed []common.Address) []Candidate {
	out := make(chan Candidate, 64)
	s.Round(context.Background(), changed, out)
	close(out)
	var res []Candidate
	for c := range out {
		res = append(res, c)
	}
	return res
}

func TestGasPrice(t *testing.T) {
	gas := NewGasPrice(big.NewInt(25e9))
	require.Equal(t, 25.0, gas.Gwei())

	wei := gas.Wei()
	wei.SetInt64(1)
	require.Zero(t, gas.Wei().Cmp(big.NewInt(25e9)), "Wei returns a copy")

	gas.Set(nil)
	require.Equal(t, 0.0, gas.Gwei())
}

func TestSearcherTriangle(t *testing.T) {
	sim := newTestSimulator()
	s := newSearcher(t, triangle(t, 102, 101, 100), sim, NewGasPrice(big.NewInt(1e9)))
	require.Equal(t, StateIdle, s.State())

	candidates := runRound(s, nil)
	require.Len(t, candidates, 1)
	c := candidates[0]
	require.GreaterOrEqual(t, c.Score, 0.0)
	require.InDelta(t, 1.0302, c.Weight, 1e-9)
	require.Equal(t, 3, c.Path.Len())

	hops, err := c.Store.Resolve(c.Graph, c.Path.Edges())
	require.NoError(t, err)
	require.Equal(t, []common.Address{venueAB, venueBC, venueCA}, []common.Address{hops[0].Venue, hops[1].Venue, hops[2].Venue})
	require.Equal(t, tokenA, hops[0].TokenIn)
	require.Equal(t, tokenA, hops[2].TokenOut)
}

func TestSearcherOutOfBand(t *testing.T) {
	sim := newTestSimulator()
	s := newSearcher(t, triangle(t, 100, 100, 160), sim, NewGasPrice(big.NewInt(1e9)))

	candidates := runRound(s, nil)
	require.Empty(t, candidates)
	require.Equal(t, int64(0), sim.calls.Load(), "loops outside the weight band are never scored")
}

func TestSearcherInvalidation(t *testing.T) {
	sim := newTestSimulator()
	market := triangle(t, 102, 101, 100)
	s := newSearcher(t, market, sim, NewGasPrice(big.NewInt(1e9)))

	require.Len(t, runRound(s, nil), 1)

	// memoized loops are not emitted again
	calls := sim.calls.Load()
	require.Empty(t, runRound(s, nil))
	require.Equal(t, calls, sim.calls.Load())

	// an unrelated venue keeps the memo entry
	require.Empty(t, runRound(s, []common.Address{common.HexToAddress("0xdead")}))

	require.Len(t, runRound(s, []common.Address{venueBC}), 1)
}

func TestSearcherRun(t *testing.T) {
	s := newSearcher(t, triangle(t, 102, 101, 100), newTestSimulator(), NewGasPrice(big.NewInt(1e9)))

	changes := make(chan []common.Address, 1)
	out := make(chan Candidate, 8)
	changes <- []common.Address{venueAB}
	close(changes)

	require.NoError(t, s.Run(context.Background(), changes, out))
	require.Equal(t, StateStopped, s.State())

	var n int
	for range out {
		n++
	}
	require.Equal(t, 1, n)
}

func TestResolver(t *testing.T) {
	sim := newTestSimulator()
	gas := NewGasPrice(big.NewInt(1e9))
	s := newSearcher(t, triangle(t, 102, 101, 100), sim, gas)
	candidates := runRound(s, nil)
	require.Len(t, candidates, 1)

	r := NewResolver(zap.NewNop(), optimizer.New(zap.NewNop(), optimizer.DefaultConfig, sim), gas)
	plan, ok := r.Resolve(context.Background(), candidates[0])
	require.True(t, ok)
	require.Equal(t, candidates[0].RoundID, plan.RoundID)
	require.Zero(t, plan.AmountIn.Cmp(big.NewInt(3e17)))
	require.Len(t, plan.Hops, 3)
	require.GreaterOrEqual(t, plan.Score, 0.0)

	// a simulator that always fails yields no plan
	broken := NewResolver(zap.NewNop(), optimizer.New(zap.NewNop(), optimizer.DefaultConfig, &peakSimulator{peak: big.NewInt(0)}), gas)
	_, ok = broken.Resolve(context.Background(), candidates[0])
	require.False(t, ok)
}

type fakeRelay struct {
	mu      sync.Mutex
	revert  string
	sent    int
	bundles []*bundler.Bundle
}

func (r *fakeRelay) CallBundle(ctx context.Context, bundle *bundler.Bundle) (*bundler.CallBundleResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &bundler.CallBundleResponse{
		Results: []bundler.SimulatedTx{{
			TxHash:            bundle.TxHashes[0],
			GasUsed:           200_000,
			EthSentToCoinbase: decimal.New(1, 16),
			Revert:            r.revert,
		}},
	}, nil
}

func (r *fakeRelay) SendBundle(ctx context.Context, bundle *bundler.Bundle) (*bundler.SendBundleResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent++
	r.bundles = append(r.bundles, bundle)
	return &bundler.SendBundleResponse{BundleHash: common.HexToHash("0xbb")}, nil
}

func (r *fakeRelay) sentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

type fakeChain struct {
	included bool
	head     atomic.Uint64
	synced   atomic.Int32
}

func (c *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	c.synced.Add(1)
	return 0, nil
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	return c.head.Load(), nil
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if !c.included {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: txHash, BlockNumber: big.NewInt(101), GasUsed: 200_000}, nil
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []uuid.UUID
	statuses []string
}

func (s *fakeStore) InsertBundle(ctx context.Context, roundID uuid.UUID, plan *pricegraph.Plan, targetBlock uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserted = append(s.inserted, roundID)
	return int64(len(s.inserted)), nil
}

func (s *fakeStore) UpdateBundleStatus(ctx context.Context, id int64, outcome database.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, outcome.Status)
	return nil
}

func (s *fakeStore) insertedRounds() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.inserted...)
}

func (s *fakeStore) allStatuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statuses...)
}

func newBundler(t *testing.T, chain bundler.Chain, relay bundler.Relay) *bundler.Bundler {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	b, err := bundler.New(zap.NewNop(), bundler.Config{
		ChainID:             big.NewInt(1),
		Bot:                 common.HexToAddress("0x00000000000000000000000000000000000b0771"),
		ValidatorPercentage: 128,
		FlashLoan:           encoder.FlashLoanSwap,
	}, key, chain, relay)
	require.NoError(t, err)
	return b
}

func testPlan() TradePlan {
	return TradePlan{
		Plan: &pricegraph.Plan{
			Hops: []pricegraph.Hop{
				{Venue: venueAB, Router: router, TokenIn: tokenA, TokenOut: tokenB},
				{Venue: venueBC, Router: router, TokenIn: tokenB, TokenOut: tokenC},
				{Venue: venueCA, Router: router, TokenIn: tokenC, TokenOut: tokenA},
			},
			AmountIn: big.NewInt(3e17),
			Score:    0.3,
		},
		RoundID: uuid.New(),
	}
}

func TestSubmitterRejectedRollsBackNonce(t *testing.T) {
	relay := &fakeRelay{revert: "execution reverted"}
	b := newBundler(t, &fakeChain{}, relay)
	store := &fakeStore{}
	s := NewSubmitter(zap.NewNop(), DefaultSubmitterConfig, b, store, NewGasPrice(big.NewInt(1e9)))

	err := s.Submit(context.Background(), testPlan())
	require.ErrorIs(t, err, ErrNoBlock)

	s.OnBlock(marketstate.BlockEvent{Number: 100, NextBaseFee: big.NewInt(2e9)})
	require.Equal(t, 2.0, s.gas.Gwei())

	err = s.Submit(context.Background(), testPlan())
	require.ErrorIs(t, err, bundler.ErrSimulationRevert)
	require.Equal(t, uint64(0), b.Nonce(), "failed submission releases the nonce")
	require.Equal(t, 0, relay.sentCount())
	require.Equal(t, []string{database.StatusRejected}, store.allStatuses())

	// the next attempt reuses the nonce and is not blocked by a pending bundle
	err = s.Submit(context.Background(), testPlan())
	require.ErrorIs(t, err, bundler.ErrSimulationRevert)
	require.Equal(t, uint64(0), b.Nonce())
}

func TestSubmitterIncluded(t *testing.T) {
	relay := &fakeRelay{}
	chain := &fakeChain{included: true}
	b := newBundler(t, chain, relay)
	store := &fakeStore{}
	s := NewSubmitter(zap.NewNop(), DefaultSubmitterConfig, b, store, NewGasPrice(big.NewInt(1e9)))
	s.OnBlock(marketstate.BlockEvent{Number: 100, NextBaseFee: big.NewInt(1e9)})

	plans := make(chan TradePlan, 2)
	plans <- testPlan()
	// same route again, skipped as a duplicate or while the first one is pending
	plans <- testPlan()
	close(plans)

	require.NoError(t, s.Run(context.Background(), nil, plans))

	require.Equal(t, 1, relay.sentCount())
	require.Equal(t, uint64(101), uint64(relay.bundles[0].BlockNumber))
	require.Equal(t, uint64(1), b.Nonce())
	require.Equal(t, []string{database.StatusSent, database.StatusIncluded}, store.allStatuses())

	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(relay.bundles[0].Txs[0]))
	require.Zero(t, tx.GasFeeCap().Cmp(big.NewInt(2e9)))
	require.Equal(t, optimizer.GasUnits(3)*3/2, tx.Gas())
}

func TestSubmitterNotIncluded(t *testing.T) {
	relay := &fakeRelay{}
	chain := &fakeChain{}
	chain.head.Store(105)
	b := newBundler(t, chain, relay)
	store := &fakeStore{}
	s := NewSubmitter(zap.NewNop(), DefaultSubmitterConfig, b, store, NewGasPrice(big.NewInt(1e9)))
	s.OnBlock(marketstate.BlockEvent{Number: 100})

	require.NoError(t, s.Submit(context.Background(), testPlan()))
	s.wg.Wait()

	require.Equal(t, []string{database.StatusSent, database.StatusNotIncluded}, store.allStatuses())
	require.Equal(t, int32(1), chain.synced.Load(), "nonce is synced after a missed block")
	require.Equal(t, uint64(0), b.Nonce())
}

// gatedChain holds back receipts until release is closed.
type gatedChain struct {
	fakeChain
	release chan struct{}
}

func (c *gatedChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	select {
	case <-c.release:
		return &types.Receipt{TxHash: txHash, BlockNumber: big.NewInt(101), GasUsed: 200_000}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func reversePlan() TradePlan {
	return TradePlan{
		Plan: &pricegraph.Plan{
			Hops: []pricegraph.Hop{
				{Venue: venueCA, Router: router, TokenIn: tokenA, TokenOut: tokenC},
				{Venue: venueBC, Router: router, TokenIn: tokenC, TokenOut: tokenB},
				{Venue: venueAB, Router: router, TokenIn: tokenB, TokenOut: tokenA},
			},
			AmountIn: big.NewInt(2e17),
			Score:    0.2,
		},
		RoundID: uuid.New(),
	}
}

func TestSubmitterSubmitsWaitingPlan(t *testing.T) {
	relay := &fakeRelay{}
	chain := &gatedChain{release: make(chan struct{})}
	b := newBundler(t, chain, relay)
	store := &fakeStore{}
	s := NewSubmitter(zap.NewNop(), DefaultSubmitterConfig, b, store, NewGasPrice(big.NewInt(1e9)))
	s.OnBlock(marketstate.BlockEvent{Number: 100, NextBaseFee: big.NewInt(1e9)})

	plans := make(chan TradePlan)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background(), nil, plans)
	}()

	first := testPlan()
	plans <- first
	require.Eventually(t, func() bool { return relay.sentCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	// the first bundle is still waiting for inclusion
	second := reversePlan()
	plans <- second
	require.Never(t, func() bool { return relay.sentCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)

	close(chain.release)
	require.Eventually(t, func() bool { return relay.sentCount() == 2 }, 5*time.Second, 10*time.Millisecond)

	close(plans)
	require.NoError(t, <-done)
	require.Equal(t, uint64(2), b.Nonce())

	relay.mu.Lock()
	defer relay.mu.Unlock()
	tx := new(types.Transaction)
	require.NoError(t, tx.UnmarshalBinary(relay.bundles[1].Txs[0]))
	require.Equal(t, uint64(1), tx.Nonce())
	require.Equal(t, []uuid.UUID{first.RoundID, second.RoundID}, store.insertedRounds())
}

func TestPipelineEndToEnd(t *testing.T) {
	sim := newTestSimulator()
	gas := NewGasPrice(big.NewInt(1e9))
	market := triangle(t, 102, 101, 100)
	searcher := newSearcher(t, market, sim, gas)
	resolver := NewResolver(zap.NewNop(), optimizer.New(zap.NewNop(), optimizer.DefaultConfig, sim), gas)

	relay := &fakeRelay{}
	store := &fakeStore{}
	b := newBundler(t, &fakeChain{included: true}, relay)
	submitter := NewSubmitter(zap.NewNop(), DefaultSubmitterConfig, b, store, gas)
	submitter.OnBlock(marketstate.BlockEvent{Number: 100, NextBaseFee: big.NewInt(1e9)})

	blocks := make(chan marketstate.BlockEvent)
	close(blocks)
	changes := make(chan []common.Address, 1)
	changes <- []common.Address{venueAB}
	close(changes)

	var extra atomic.Bool
	p := New(zap.NewNop(), DefaultConfig, searcher, resolver, submitter)
	p.Go("extra", func(ctx context.Context) error {
		extra.Store(true)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	p.Run(ctx, Sources{Blocks: blocks, Changes: changes})
	require.NoError(t, ctx.Err(), "pipeline stops when the change source closes")

	assert.True(t, extra.Load())
	assert.Equal(t, StateStopped, searcher.State())
	require.Equal(t, 1, relay.sentCount())
	require.Equal(t, []string{database.StatusSent, database.StatusIncluded}, store.allStatuses())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateWaitingForStateChange, "waiting_for_state_change"},
		{StateSearching, "searching"},
		{StatePublishing, "publishing"},
		{StateStopped, "stopped"},
		{State(42), "unknown(42)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, tt.state.String())
		})
	}
}
