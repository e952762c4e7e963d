package bundler

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/encoder"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ContractSimulator estimates the output of a route by calling makeArbHop on the deployed
// contract without sending a transaction.
type ContractSimulator struct {
	log     *zap.Logger
	caller  ContractCaller
	from    common.Address
	cfg     Config
	limiter *rate.Limiter
}

// NewContractSimulator limits node calls to callsPerSecond; zero disables the limit.
func NewContractSimulator(log *zap.Logger, caller ContractCaller, from common.Address, cfg Config, callsPerSecond float64) *ContractSimulator {
	limit := rate.Inf
	if callsPerSecond > 0 {
		limit = rate.Limit(callsPerSecond)
	}
	return &ContractSimulator{
		log:     log,
		caller:  caller,
		from:    from,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Simulate returns the contract output for amountIn, or zero if the call fails.
func (s *ContractSimulator) Simulate(ctx context.Context, hops []pricegraph.Hop, amountIn *big.Int) *big.Int {
	out, err := s.call(ctx, hops, amountIn)
	if err != nil {
		metrics.IncSimulationCallFailure()
		s.log.Debug("Simulation call failed", zap.Int("hops", len(hops)), zap.String("amountIn", amountIn.String()), zap.Error(err))
		return new(big.Int)
	}
	return out
}

func (s *ContractSimulator) call(ctx context.Context, hops []pricegraph.Hop, amountIn *big.Int) (*big.Int, error) {
	route, err := encoder.EncodeRoute(hops)
	if err != nil {
		return nil, err
	}
	header, err := encoder.PackHeader(amountIn, s.cfg.ValidatorPercentage, s.cfg.FlashLoan)
	if err != nil {
		return nil, err
	}
	data, err := encoder.Calldata(header, route)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bot := s.cfg.Bot
	res, err := s.caller.CallContract(ctx, ethereum.CallMsg{
		From: s.from,
		To:   &bot,
		Data: data,
	}, nil)
	if err != nil {
		return nil, err
	}
	return encoder.UnpackOutput(res)
}
