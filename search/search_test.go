package search

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/memo"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig
	cfg.TimeBudget = 5 * time.Second
	cfg.MaxParallel = 4
	cfg.MaxScoring = 2
	return cfg
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(zap.NewNop(), cfg, memo.New[Key](0))
	require.NoError(t, err)
	return e
}

type recorder struct {
	mu     sync.Mutex
	paths  []Path
	result float64
}

func (r *recorder) score(ctx context.Context, p Path) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, p)
	return r.result
}

func (r *recorder) scored() []Path {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Path(nil), r.paths...)
}

func collect(e *Engine, g *pricegraph.Graph, source pricegraph.NodeID, score Scorer) ([]Candidate, uint64) {
	out := make(chan Candidate, 1024)
	n := e.Find(context.Background(), g, source, score, out)
	close(out)
	var res []Candidate
	for c := range out {
		res = append(res, c)
	}
	return res, n
}

func token(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(i + 1)))
}

// completeGraph connects every pair of n tokens in both directions.
func completeGraph(n int, weight float64) *pricegraph.Graph {
	g := pricegraph.NewGraph()
	for i := 0; i < n; i++ {
		g.AddNode(token(i))
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				g.AddEdge(pricegraph.NodeID(i), pricegraph.NodeID(j), weight)
			}
		}
	}
	return g
}

func TestFindPathShape(t *testing.T) {
	g := completeGraph(5, 1.01)
	rec := &recorder{result: 1}
	e := newEngine(t, testConfig())

	candidates, searched := collect(e, g, 0, rec.score)
	require.NotEmpty(t, candidates)
	require.Greater(t, searched, uint64(0))

	paths := rec.scored()
	require.Len(t, candidates, len(paths))
	for _, p := range paths {
		require.Equal(t, pricegraph.NodeID(0), p.First())
		require.Equal(t, p.First(), p.Last())
		require.LessOrEqual(t, p.Len(), e.Config().MaxHops)

		seen := map[pricegraph.EdgeID]bool{}
		for _, edge := range p.Edges() {
			require.False(t, seen[edge], "edge %d repeated", edge)
			seen[edge] = true
		}
	}
}

func TestFindWeightBand(t *testing.T) {
	tests := []struct {
		name   string
		weight float64
		accept bool
	}{
		{"exactly one", 1.0, false},
		{"just above one", 1.0001, true},
		{"upper bound", 1.5, true},
		{"above upper bound", 1.5001, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := pricegraph.NewGraph()
			a := g.AddNode(token(0))
			b := g.AddNode(token(1))
			g.AddEdge(a, b, tt.weight)
			g.AddEdge(b, a, 1.0)

			rec := &recorder{result: 1}
			candidates, searched := collect(newEngine(t, testConfig()), g, a, rec.score)
			require.Equal(t, uint64(1), searched)
			if tt.accept {
				require.Len(t, rec.scored(), 1)
				require.Len(t, candidates, 1)
				require.Equal(t, tt.weight, candidates[0].Weight)
			} else {
				require.Empty(t, rec.scored())
				require.Empty(t, candidates)
			}
		})
	}
}

func TestFindTriangle(t *testing.T) {
	build := func(returnWeight float64) *pricegraph.Graph {
		g := pricegraph.NewGraph()
		a := g.AddNode(token(0))
		b := g.AddNode(token(1))
		c := g.AddNode(token(2))
		g.AddEdge(a, b, 1.02)
		g.AddEdge(b, c, 1.01)
		g.AddEdge(c, a, returnWeight)
		return g
	}

	t.Run("inside band", func(t *testing.T) {
		rec := &recorder{result: 0.05}
		candidates, _ := collect(newEngine(t, testConfig()), build(1.0), 0, rec.score)
		require.Len(t, candidates, 1)
		require.GreaterOrEqual(t, candidates[0].Score, 0.0)
		require.InDelta(t, 1.0302, candidates[0].Weight, 1e-9)
		require.Equal(t, []pricegraph.EdgeID{0, 1, 2}, candidates[0].Path.Edges())
	})

	t.Run("above band", func(t *testing.T) {
		rec := &recorder{result: 0.05}
		candidates, searched := collect(newEngine(t, testConfig()), build(1.6), 0, rec.score)
		require.Empty(t, candidates)
		require.Empty(t, rec.scored())
		require.Equal(t, uint64(1), searched)
	})
}

func TestFindNegativeScore(t *testing.T) {
	g := completeGraph(3, 1.05)
	rec := &recorder{result: -1}
	e := newEngine(t, testConfig())

	candidates, _ := collect(e, g, 0, rec.score)
	require.Empty(t, candidates)
	first := len(rec.scored())
	require.Greater(t, first, 0)

	// unprofitable loops stay cached and are not scored again
	candidates, searched := collect(e, g, 0, rec.score)
	require.Empty(t, candidates)
	require.Len(t, rec.scored(), first)
	require.Greater(t, searched, uint64(0))
}

func TestFindHopBound(t *testing.T) {
	g := completeGraph(6, 1.01)
	cfg := testConfig()
	cfg.MaxHops = 3
	rec := &recorder{result: 1}
	collect(newEngine(t, cfg), g, 0, rec.score)
	for _, p := range rec.scored() {
		require.LessOrEqual(t, p.Len(), 3)
	}
}

func TestFindTimeBudget(t *testing.T) {
	g := completeGraph(30, 1.0)
	cfg := testConfig()
	cfg.TimeBudget = time.Nanosecond
	cfg.MaxHops = MaxPathLen - 1

	start := time.Now()
	_, searched := collect(newEngine(t, cfg), g, 0, func(ctx context.Context, p Path) float64 { return 0 })
	require.Less(t, time.Since(start), 5*time.Second)
	require.Less(t, searched, uint64(1_000_000))
}

func TestFindTimeBudgetUnreadOutput(t *testing.T) {
	g := completeGraph(6, 1.01)
	cfg := testConfig()
	cfg.TimeBudget = 50 * time.Millisecond

	e := newEngine(t, cfg)
	// nobody reads out, every profitable loop blocks on the send
	out := make(chan Candidate)
	done := make(chan uint64)
	go func() {
		done <- e.Find(context.Background(), g, 0, func(ctx context.Context, p Path) float64 { return 1 }, out)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("search blocked on a candidate send past its time budget")
	}
}

func TestFindCancelled(t *testing.T) {
	g := completeGraph(30, 1.0)
	cfg := testConfig()
	cfg.TimeBudget = time.Hour
	cfg.MaxHops = MaxPathLen - 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newEngine(t, cfg)
	out := make(chan Candidate)
	done := make(chan uint64)
	go func() {
		done <- e.Find(ctx, g, 0, func(ctx context.Context, p Path) float64 { return 0 }, out)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("search did not stop after cancellation")
	}
}

func TestInvalidate(t *testing.T) {
	t0, t1, t2 := token(0), token(1), token(2)
	v1 := venue(1, t0, t1)
	v2 := venue(2, t2, t0)
	v3 := venue(3, t1, t2)
	venues := []*pricegraph.Venue{v1, v2, v3}
	allow := pricegraph.NewAllowList(v1.Address, v2.Address, v3.Address)
	g, s, source, err := pricegraph.Build(zap.NewNop(), venues, allow, t0, pricegraph.DefaultThresholds)
	require.NoError(t, err)

	// edges: v1 0:t0->t1 1:t1->t0, v2 2:t2->t0 3:t0->t2, v3 4:t1->t2 5:t2->t1
	p1 := pathOf(g, source, 0, 1)
	p2 := pathOf(g, source, 3, 2)
	p3 := pathOf(g, source, 0, 4, 2)

	cache := memo.New[Key](0)
	cache.Put(p1.Key(), 1)
	cache.Put(p2.Key(), 2)
	cache.Put(p3.Key(), 3)

	removed := Invalidate(cache, s, []common.Address{v1.Address})
	require.Equal(t, 2, removed)

	_, ok := cache.Lookup(p1.Key())
	require.False(t, ok)
	_, ok = cache.Lookup(p3.Key())
	require.False(t, ok)
	score, ok := cache.Lookup(p2.Key())
	require.True(t, ok)
	require.Equal(t, 2.0, score)
}

func TestPathKey(t *testing.T) {
	g := completeGraph(4, 1)
	a := pathOf(g, 0, 0, 3)
	b := pathOf(g, 0, 0, 3)
	c := pathOf(g, 0, 1, 6)
	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
	require.Equal(t, a.Key().String(), b.Key().String())
	require.Equal(t, []pricegraph.EdgeID{0, 3}, a.Key().Edges())

	full := NewPath(0)
	for i := 0; i < MaxPathLen-1; i++ {
		require.True(t, full.Push(1, pricegraph.EdgeID(i)))
	}
	require.False(t, full.Push(1, 99))
	require.Equal(t, MaxPathLen-1, full.Len())
}

func pathOf(g *pricegraph.Graph, source pricegraph.NodeID, edges ...pricegraph.EdgeID) Path {
	p := NewPath(source)
	for _, e := range edges {
		p.Push(g.Edge(e).To, e)
	}
	return p
}

func venue(i byte, t0, t1 common.Address) *pricegraph.Venue {
	reserve := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	return &pricegraph.Venue{
		Kind:      pricegraph.KindConstantProduct,
		Address:   common.BytesToAddress([]byte{0xee, i}),
		Token0:    t0,
		Token1:    t1,
		Decimals0: 18,
		Decimals1: 18,
		Reserve0:  reserve,
		Reserve1:  reserve,
	}
}
