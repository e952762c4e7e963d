package pipeline

import (
	"context"

	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/optimizer"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TradePlan is a sized route ready to be encoded and submitted.
type TradePlan struct {
	*pricegraph.Plan
	RoundID uuid.UUID
}

type Resolver struct {
	log *zap.Logger
	opt *optimizer.Optimizer
	gas *GasPrice
}

func NewResolver(log *zap.Logger, opt *optimizer.Optimizer, gas *GasPrice) *Resolver {
	return &Resolver{
		log: log,
		opt: opt,
		gas: gas,
	}
}

// Resolve turns a candidate into hops using its snapshot and sizes the input again, since the
// memoized score may come from an earlier round.
func (r *Resolver) Resolve(ctx context.Context, c Candidate) (TradePlan, bool) {
	hops, err := c.Store.Resolve(c.Graph, c.Path.Edges())
	if err != nil {
		r.log.Warn("Failed to resolve candidate", zap.String("path", c.Path.Key().String()), zap.Error(err))
		return TradePlan{}, false
	}
	res, ok := r.opt.Probe(ctx, hops)
	if !ok {
		r.log.Debug("Candidate has no viable input", zap.String("path", c.Path.Key().String()))
		return TradePlan{}, false
	}
	score := optimizer.Score(res.AmountOut, len(hops), r.gas.Gwei())
	if score < 0 {
		r.log.Debug("Candidate is no longer profitable", zap.String("path", c.Path.Key().String()), zap.Float64("score", score))
		return TradePlan{}, false
	}
	return TradePlan{
		Plan: &pricegraph.Plan{
			Hops:     hops,
			AmountIn: res.AmountIn,
			Score:    score,
			Weight:   c.Weight,
		},
		RoundID: c.RoundID,
	}, true
}

// Run resolves candidates in order of arrival and closes out when in is closed.
func (r *Resolver) Run(ctx context.Context, in <-chan Candidate, out chan<- TradePlan) error {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-in:
			if !ok {
				return nil
			}
			plan, ok := r.Resolve(ctx, c)
			if !ok {
				metrics.IncPlansDropped()
				continue
			}
			metrics.IncPlansResolved()
			r.log.Info("Resolved trade plan",
				zap.String("roundID", plan.RoundID.String()),
				zap.Int("hops", len(plan.Hops)),
				zap.String("amountIn", plan.AmountIn.String()),
				zap.Float64("score", plan.Score),
			)
			select {
			case out <- plan:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
