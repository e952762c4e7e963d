package optimizer

import (
	"context"
	"math"
	"math/big"
	"sync/atomic"
	"testing"

	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type simFunc func(amountIn *big.Int) *big.Int

func (f simFunc) Simulate(_ context.Context, _ []pricegraph.Hop, amountIn *big.Int) *big.Int {
	return f(amountIn)
}

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic(s)
	}
	return v
}

// peaked grows linearly up to peak and falls afterwards.
func peaked(peak *big.Int) simFunc {
	top := wei("1000000000000000000")
	return func(amountIn *big.Int) *big.Int {
		dist := new(big.Int).Sub(amountIn, peak)
		dist.Abs(dist)
		return new(big.Int).Sub(top, dist)
	}
}

var twoHops = make([]pricegraph.Hop, 2)

func TestProbe(t *testing.T) {
	peak := new(big.Int).Add(DefaultConfig.BaseAmount, new(big.Int).Mul(big.NewInt(10), DefaultConfig.Step))

	tests := []struct {
		name    string
		sim     simFunc
		wantOK  bool
		wantIn  *big.Int
		wantOut *big.Int
	}{
		{
			name:    "peak after ten steps",
			sim:     peaked(peak),
			wantOK:  true,
			wantIn:  peak,
			wantOut: wei("1000000000000000000"),
		},
		{
			name:    "decreasing from the start",
			sim:     peaked(big.NewInt(0)),
			wantOK:  true,
			wantIn:  DefaultConfig.BaseAmount,
			wantOut: new(big.Int).Sub(wei("1000000000000000000"), DefaultConfig.BaseAmount),
		},
		{
			name:   "zero first probe",
			sim:    func(*big.Int) *big.Int { return new(big.Int) },
			wantOK: false,
		},
		{
			name:   "failed simulation",
			sim:    func(*big.Int) *big.Int { return nil },
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := New(zap.NewNop(), DefaultConfig, tt.sim)
			res, ok := o.Probe(context.Background(), twoHops)
			require.Equal(t, tt.wantOK, ok)
			if !tt.wantOK {
				return
			}
			require.Equal(t, 0, tt.wantIn.Cmp(res.AmountIn), "amount in %s", res.AmountIn)
			require.Equal(t, 0, tt.wantOut.Cmp(res.AmountOut), "amount out %s", res.AmountOut)
		})
	}
}

func TestProbeCap(t *testing.T) {
	calls := new(int32)
	cfg := DefaultConfig
	cfg.MaxProbes = 5
	o := New(zap.NewNop(), cfg, simFunc(func(amountIn *big.Int) *big.Int {
		atomic.AddInt32(calls, 1)
		return new(big.Int).Set(amountIn)
	}))

	res, ok := o.Probe(context.Background(), twoHops)
	require.True(t, ok)
	// base + 4 steps is the last of the five probes
	want := new(big.Int).Add(cfg.BaseAmount, new(big.Int).Mul(big.NewInt(4), cfg.Step))
	require.Equal(t, 0, want.Cmp(res.AmountIn))
	require.Equal(t, int32(6), atomic.LoadInt32(calls))
}

func TestRefine(t *testing.T) {
	linear := simFunc(func(amountIn *big.Int) *big.Int {
		return new(big.Int).Mul(amountIn, big.NewInt(2))
	})
	o := New(zap.NewNop(), DefaultConfig, linear)

	res, ok := o.Refine(context.Background(), twoHops, wei("1000000000000000000"), 4e18)
	require.True(t, ok)
	require.InDelta(t, 2e18, toFloat(res.AmountIn), 1e9)

	_, ok = o.Refine(context.Background(), twoHops, wei("1000000000000000000"), -1e18)
	require.False(t, ok)

	flat := New(zap.NewNop(), DefaultConfig, simFunc(func(*big.Int) *big.Int { return big.NewInt(5) }))
	_, ok = flat.Refine(context.Background(), twoHops, wei("1000000000000000000"), 1e18)
	require.False(t, ok)

	_, ok = o.Refine(context.Background(), twoHops, big.NewInt(0), 1e18)
	require.False(t, ok)
}

func TestScore(t *testing.T) {
	require.Equal(t, uint64(300_000), GasUnits(2))
	require.InDelta(t, 0.997, Score(wei("1000000000000000000"), 2, 10), 1e-12)
	require.Less(t, Score(big.NewInt(0), 3, 1), 0.0)

	o := New(zap.NewNop(), DefaultConfig, simFunc(func(*big.Int) *big.Int { return new(big.Int) }))
	require.Equal(t, -math.MaxFloat64, o.ScorePath(context.Background(), twoHops, 10))
}
