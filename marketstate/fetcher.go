package marketstate

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnexpectedOutput = errors.New("unexpected contract call output")

const poolABIJSON = `[
	{"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"fee","outputs":[{"name":"","type":"uint24"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"liquidity","outputs":[{"name":"","type":"uint128"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"slot0","outputs":[{"name":"sqrtPriceX96","type":"uint160"},{"name":"tick","type":"int24"},{"name":"observationIndex","type":"uint16"},{"name":"observationCardinality","type":"uint16"},{"name":"observationCardinalityNext","type":"uint16"},{"name":"feeProtocol","type":"uint8"},{"name":"unlocked","type":"bool"}],"stateMutability":"view","type":"function"}
]`

const erc20ABIJSON = `[
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var (
	poolABI  = mustParseABI(poolABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(s string) abi.ABI {
	res, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return res
}

// Caller executes read-only contract calls, usually an ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Fetcher reads venue metadata and state with view calls.
type Fetcher struct {
	log      *zap.Logger
	caller   Caller
	parallel int

	// token decimals never change
	decimals *gocache.Cache
}

func NewFetcher(log *zap.Logger, caller Caller, parallel int) *Fetcher {
	if parallel < 1 {
		parallel = 1
	}
	return &Fetcher{
		log:      log,
		caller:   caller,
		parallel: parallel,
		decimals: gocache.New(gocache.NoExpiration, 0),
	}
}

func (f *Fetcher) call(ctx context.Context, contract abi.ABI, to common.Address, method string, block *big.Int) ([]interface{}, error) {
	input, err := contract.Pack(method)
	if err != nil {
		return nil, err
	}
	data, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, block)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	out, err := contract.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, to.Hex(), err)
	}
	return out, nil
}

func (f *Fetcher) callAddress(ctx context.Context, to common.Address, method string, block *big.Int) (common.Address, error) {
	out, err := f.call(ctx, poolABI, to, method, block)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, ErrUnexpectedOutput
	}
	return addr, nil
}

func (f *Fetcher) callBig(ctx context.Context, to common.Address, method string, block *big.Int) (*big.Int, error) {
	out, err := f.call(ctx, poolABI, to, method, block)
	if err != nil {
		return nil, err
	}
	i, ok := out[0].(*big.Int)
	if !ok {
		return nil, ErrUnexpectedOutput
	}
	return i, nil
}

// Decimals returns the decimals of an ERC20 token.
func (f *Fetcher) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	if d, ok := f.decimals.Get(token.Hex()); ok {
		return d.(uint8), nil
	}
	out, err := f.call(ctx, erc20ABI, token, "decimals", nil)
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, ErrUnexpectedOutput
	}
	f.decimals.Set(token.Hex(), d, gocache.NoExpiration)
	return d, nil
}

// FetchVenue reads the tokens, fee and decimals of a venue of the family and its state at block.
func (f *Fetcher) FetchVenue(ctx context.Context, family Family, addr common.Address, block *big.Int) (*pricegraph.Venue, error) {
	v := &pricegraph.Venue{
		Kind:    family.Kind,
		Address: addr,
		Router:  family.Router,
	}
	var err error
	if v.Token0, err = f.callAddress(ctx, addr, "token0", nil); err != nil {
		return nil, err
	}
	if v.Token1, err = f.callAddress(ctx, addr, "token1", nil); err != nil {
		return nil, err
	}
	if v.Decimals0, err = f.Decimals(ctx, v.Token0); err != nil {
		return nil, err
	}
	if v.Decimals1, err = f.Decimals(ctx, v.Token1); err != nil {
		return nil, err
	}
	if family.Kind == pricegraph.KindConcentrated {
		fee, err := f.callBig(ctx, addr, "fee", nil)
		if err != nil {
			return nil, err
		}
		v.Fee = uint32(fee.Uint64())
	}
	return f.Refresh(ctx, v, block)
}

// Refresh returns a copy of v with the state read at block. A nil block reads the latest state.
func (f *Fetcher) Refresh(ctx context.Context, v *pricegraph.Venue, block *big.Int) (*pricegraph.Venue, error) {
	res := v.Clone()
	switch v.Kind {
	case pricegraph.KindConstantProduct:
		out, err := f.call(ctx, poolABI, v.Address, "getReserves", block)
		if err != nil {
			return nil, err
		}
		r0, ok0 := out[0].(*big.Int)
		r1, ok1 := out[1].(*big.Int)
		if !ok0 || !ok1 {
			return nil, ErrUnexpectedOutput
		}
		res.Reserve0, res.Reserve1 = r0, r1
	case pricegraph.KindConcentrated:
		out, err := f.call(ctx, poolABI, v.Address, "slot0", block)
		if err != nil {
			return nil, err
		}
		sqrtPrice, ok0 := out[0].(*big.Int)
		tick, ok1 := out[1].(*big.Int)
		if !ok0 || !ok1 {
			return nil, ErrUnexpectedOutput
		}
		liquidity, err := f.callBig(ctx, v.Address, "liquidity", block)
		if err != nil {
			return nil, err
		}
		res.SqrtPriceX96 = sqrtPrice
		res.Tick = int32(tick.Int64())
		res.Liquidity = liquidity
	default:
		return nil, pricegraph.ErrUnknownVenueKind
	}
	return res, nil
}

// FetchFamilies reads every venue of the families at block. Venues that fail are logged and
// left out.
func (f *Fetcher) FetchFamilies(ctx context.Context, families []Family, block *big.Int) ([]*pricegraph.Venue, error) {
	type job struct {
		family Family
		addr   common.Address
	}
	jobs := make([]job, 0, VenueCount(families))
	for _, family := range families {
		for _, addr := range family.Venues {
			jobs = append(jobs, job{family: family, addr: addr})
		}
	}

	results := make([]*pricegraph.Venue, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i, j := range jobs {
		i, j := i, j
		g.Go(func() error {
			v, err := f.FetchVenue(ctx, j.family, j.addr, block)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.log.Warn("Failed to fetch venue", zap.String("family", j.family.Name), zap.String("venue", j.addr.Hex()), zap.Error(err))
				return nil
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	venues := make([]*pricegraph.Venue, 0, len(results))
	for _, v := range results {
		if v != nil {
			venues = append(venues, v)
		}
	}
	f.log.Info("Fetched venues", zap.Int("requested", len(jobs)), zap.Int("fetched", len(venues)))
	return venues, nil
}

// RefreshAll reads the state of all venues at block. Venues that fail keep their old state.
func (f *Fetcher) RefreshAll(ctx context.Context, venues []*pricegraph.Venue, block *big.Int) ([]*pricegraph.Venue, error) {
	results := make([]*pricegraph.Venue, len(venues))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.parallel)
	for i, v := range venues {
		i, v := i, v
		g.Go(func() error {
			fresh, err := f.Refresh(ctx, v, block)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				f.log.Debug("Failed to refresh venue", zap.String("venue", v.Address.Hex()), zap.Error(err))
				fresh = v
			}
			results[i] = fresh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
