// Package optimizer sizes the input of a route using a simulator as an oracle.
//
// Both routines are best effort. They assume output first grows and then shrinks with the
// input, which holds for most pool compositions but is not guaranteed; a missing result means
// the route should be skipped.
package optimizer

import (
	"context"
	"math"
	"math/big"
	"time"

	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Simulator returns the output of executing hops with amountIn. Failed simulations return zero.
type Simulator interface {
	Simulate(ctx context.Context, hops []pricegraph.Hop, amountIn *big.Int) *big.Int
}

type Config struct {
	BaseAmount    *big.Int
	Step          *big.Int
	MaxProbes     int
	Tolerance     float64
	MaxIterations int
}

var DefaultConfig = Config{
	BaseAmount:    big.NewInt(1e17),
	Step:          big.NewInt(1e16),
	MaxProbes:     500,
	Tolerance:     1e9,
	MaxIterations: 20,
}

type Result struct {
	AmountIn  *big.Int
	AmountOut *big.Int
}

type Optimizer struct {
	log *zap.Logger
	cfg Config
	sim Simulator
}

func New(log *zap.Logger, cfg Config, sim Simulator) *Optimizer {
	return &Optimizer{
		log: log,
		cfg: cfg,
		sim: sim,
	}
}

func (o *Optimizer) simulate(ctx context.Context, hops []pricegraph.Hop, amountIn *big.Int) *big.Int {
	out := o.sim.Simulate(ctx, hops, amountIn)
	if out == nil {
		return new(big.Int)
	}
	return out
}

// Probe starts at the base amount and raises the input by a fixed step while the output does
// not decrease. It returns the best pair seen before the first decrease or the probe cap.
func (o *Optimizer) Probe(ctx context.Context, hops []pricegraph.Hop) (Result, bool) {
	start := time.Now()
	defer func() {
		metrics.RecordOptimizerDuration(time.Since(start).Milliseconds())
	}()

	amountIn := new(big.Int).Set(o.cfg.BaseAmount)
	if o.simulate(ctx, hops, amountIn).Sign() <= 0 {
		return Result{}, false
	}

	best := Result{AmountIn: new(big.Int), AmountOut: new(big.Int)}
	for i := 0; i < o.cfg.MaxProbes; i++ {
		if ctx.Err() != nil {
			break
		}
		out := o.simulate(ctx, hops, amountIn)
		if out.Cmp(best.AmountOut) < 0 {
			break
		}
		best = Result{AmountIn: new(big.Int).Set(amountIn), AmountOut: out}
		amountIn.Add(amountIn, o.cfg.Step)
	}
	if best.AmountIn.Sign() == 0 {
		return Result{}, false
	}
	return best, true
}

// Refine runs a secant search for the input whose output is within tolerance of bias, starting
// from firstGuess. It gives up when the next input would be negative or the slope vanishes.
func (o *Optimizer) Refine(ctx context.Context, hops []pricegraph.Hop, firstGuess *big.Int, bias float64) (Result, bool) {
	if firstGuess == nil || firstGuess.Sign() <= 0 {
		return Result{}, false
	}
	delta := new(big.Int).Div(firstGuess, big.NewInt(100))
	if delta.Sign() == 0 {
		return Result{}, false
	}
	deltaF, _ := new(big.Float).SetInt(delta).Float64()

	amountIn := new(big.Int).Set(firstGuess)
	amountOut := new(big.Int)
	for i := 0; i < o.cfg.MaxIterations; i++ {
		if ctx.Err() != nil {
			return Result{}, false
		}
		amountOut = o.simulate(ctx, hops, amountIn)
		outPrime := o.simulate(ctx, hops, new(big.Int).Add(amountIn, delta))

		profit := toFloat(amountOut)
		if math.Abs(profit-bias) < o.cfg.Tolerance {
			return Result{AmountIn: amountIn, AmountOut: amountOut}, true
		}

		slope := (toFloat(outPrime) - profit) / deltaF
		if slope == 0 || math.IsNaN(slope) {
			return Result{}, false
		}
		next := toFloat(amountIn) - (profit-bias)/slope
		if next < 0 || math.IsInf(next, 0) || math.IsNaN(next) {
			return Result{}, false
		}
		amountIn, _ = big.NewFloat(next).Int(nil)
	}
	o.log.Debug("Refinement hit iteration cap", zap.String("amountIn", amountIn.String()))
	return Result{AmountIn: amountIn, AmountOut: amountOut}, true
}

// GasUnits is the gas estimate of a route with the given number of hops.
func GasUnits(hops int) uint64 {
	return uint64(hops)*100_000 + 100_000
}

// Score converts an output in wei into post-gas profit in ether.
func Score(amountOut *big.Int, hops int, gasPriceGwei float64) float64 {
	revenue := decimal.NewFromBigInt(amountOut, -18)
	gas := decimal.NewFromInt(int64(GasUnits(hops))).
		Mul(decimal.NewFromFloat(gasPriceGwei)).
		Shift(-9)
	return revenue.Sub(gas).InexactFloat64()
}

// ScorePath probes the route and scores the best output. Routes without a viable size score
// -math.MaxFloat64.
func (o *Optimizer) ScorePath(ctx context.Context, hops []pricegraph.Hop, gasPriceGwei float64) float64 {
	res, ok := o.Probe(ctx, hops)
	if !ok {
		return -math.MaxFloat64
	}
	return Score(res.AmountOut, len(hops), gasPriceGwei)
}

func toFloat(i *big.Int) float64 {
	f, _ := new(big.Float).SetInt(i).Float64()
	return f
}
