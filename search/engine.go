// Package search finds profitable cycles through the price graph.
//
// A round explores every simple path that leaves the source node and returns to it within the
// hop bound. The first hop fans out across the source's outgoing edges; every branch then runs
// a sequential depth-first search over its own Path value. A round ends when every branch is
// exhausted or when the time budget elapses, whichever comes first.
package search

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"github.com/flashbots/mev-cycle-searcher/memo"
	"github.com/flashbots/mev-cycle-searcher/metrics"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var ErrInvalidConfig = errors.New("invalid search config")

type Config struct {
	TimeBudget  time.Duration
	MaxHops     int
	MaxParallel int
	MaxScoring  int64
	// A loop is accepted when MinWeight < weight <= MaxWeight.
	MinWeight float64
	MaxWeight float64
}

var DefaultConfig = Config{
	TimeBudget:  10 * time.Second,
	MaxHops:     4,
	MaxParallel: 16,
	MaxScoring:  8,
	MinWeight:   1.0,
	MaxWeight:   1.5,
}

func (c Config) Validate() error {
	if c.TimeBudget <= 0 || c.MaxHops < 2 || c.MaxHops >= MaxPathLen || c.MaxParallel <= 0 || c.MaxScoring <= 0 {
		return ErrInvalidConfig
	}
	if c.MinWeight >= c.MaxWeight {
		return ErrInvalidConfig
	}
	return nil
}

// Candidate is a loop that passed the weight filter and scored non-negative.
type Candidate struct {
	Path   Path
	Weight float64
	Score  float64
}

// Scorer estimates the post-gas profit of a loop. Unprofitable loops score negative.
type Scorer func(ctx context.Context, p Path) float64

type Engine struct {
	log     *zap.Logger
	cfg     Config
	memo    *memo.Cache[Key]
	scoring *semaphore.Weighted
}

func NewEngine(log *zap.Logger, cfg Config, cache *memo.Cache[Key]) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:     log,
		cfg:     cfg,
		memo:    cache,
		scoring: semaphore.NewWeighted(cfg.MaxScoring),
	}, nil
}

func (e *Engine) Config() Config {
	return e.cfg
}

type round struct {
	engine *Engine
	ctx    context.Context
	// budget is done once the time budget elapses or ctx is cancelled
	budget context.Context
	g      *pricegraph.Graph
	source pricegraph.NodeID
	score  Scorer
	out    chan<- Candidate
	stop   *atomic.Bool
}

// Find searches g for loops through source and sends every profitable one to out. It returns
// the number of loops that reached the weight filter. g must not be mutated during the call.
func (e *Engine) Find(ctx context.Context, g *pricegraph.Graph, source pricegraph.NodeID, score Scorer, out chan<- Candidate) uint64 {
	start := time.Now()
	budget, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := time.AfterFunc(e.cfg.TimeBudget, func() {
		e.log.Debug("Search time budget elapsed")
		cancel()
	})
	defer timer.Stop()
	stop := new(atomic.Bool)
	cancelWatch := context.AfterFunc(budget, func() {
		stop.Store(true)
	})
	defer cancelWatch()

	r := &round{
		engine: e,
		ctx:    ctx,
		budget: budget,
		g:      g,
		source: source,
		score:  score,
		out:    out,
		stop:   stop,
	}

	edges := g.OutEdges(source)
	counts := make([]uint64, len(edges))

	var eg errgroup.Group
	eg.SetLimit(e.cfg.MaxParallel)
	for i, edgeID := range edges {
		i, edgeID := i, edgeID
		if stop.Load() {
			break
		}
		eg.Go(func() error {
			edge := g.Edge(edgeID)
			path := NewPath(source)
			path.Push(edge.To, edgeID)
			counts[i] = r.walk(&path, edge.To, edge.Weight, e.cfg.MaxHops-1)
			return nil
		})
	}
	_ = eg.Wait()

	var total uint64
	for _, c := range counts {
		total += c
	}

	elapsed := time.Since(start)
	if elapsed > e.cfg.TimeBudget+500*time.Millisecond {
		metrics.IncSearchOverrun()
		e.log.Warn("Search overran its time budget", zap.Duration("elapsed", elapsed), zap.Duration("budget", e.cfg.TimeBudget))
	}
	metrics.IncSearchRounds()
	metrics.IncPathsSearched(total)
	metrics.RecordSearchDuration(elapsed.Milliseconds())
	e.log.Info("Search finished",
		zap.Uint64("pathsSearched", total),
		zap.Int("branches", len(edges)),
		zap.Duration("elapsed", elapsed),
	)
	return total
}

func (r *round) walk(path *Path, node pricegraph.NodeID, weight float64, depth int) uint64 {
	if r.stop.Load() {
		return 0
	}

	if node == r.source {
		r.loop(path, weight)
		return 1
	}

	if depth == 0 {
		return 0
	}

	var searched uint64
	for _, edgeID := range r.g.OutEdges(node) {
		if path.Contains(edgeID) {
			continue
		}
		edge := r.g.Edge(edgeID)
		if !path.Push(edge.To, edgeID) {
			break
		}
		searched += r.walk(path, edge.To, weight*edge.Weight, depth-1)
		path.Pop()
	}
	return searched
}

func (r *round) loop(path *Path, weight float64) {
	cfg := r.engine.cfg
	if !(weight > cfg.MinWeight && weight <= cfg.MaxWeight) || math.IsNaN(weight) {
		return
	}

	key := path.Key()
	if _, ok := r.engine.memo.Lookup(key); ok {
		return
	}

	if err := r.engine.scoring.Acquire(r.budget, 1); err != nil {
		return
	}
	candidate := *path
	score, fresh, err := r.engine.memo.GetOrCompute(r.ctx, key, func(ctx context.Context) (float64, error) {
		return r.score(ctx, candidate), nil
	})
	r.engine.scoring.Release(1)
	if err != nil || !fresh {
		return
	}
	metrics.IncCandidatesScored()

	if score < 0 {
		return
	}
	r.engine.log.Debug("Found candidate", zap.Float64("weight", weight), zap.Float64("score", score), zap.Int("hops", candidate.Len()))
	select {
	case r.out <- Candidate{Path: candidate, Weight: weight, Score: score}:
		metrics.IncCandidatesEmitted()
	case <-r.budget.Done():
		r.engine.log.Debug("Dropped candidate after the time budget elapsed", zap.Int("hops", candidate.Len()))
	}
}
