package database

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/go-utils/cli"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

var testPostgresDSN = cli.GetEnv("TEST_POSTGRES_DSN", "")

func newTestBackend(t *testing.T) *DBBackend {
	t.Helper()
	if testPostgresDSN == "" {
		t.Skip("TEST_POSTGRES_DSN is not set")
	}
	b, err := NewDBBackend(testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b
}

func TestDBBackend_BundleLifecycle(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	plan := &pricegraph.Plan{
		Hops: []pricegraph.Hop{
			{Router: common.HexToAddress("0x01"), TokenIn: common.HexToAddress("0x0a"), TokenOut: common.HexToAddress("0x0b")},
			{Router: common.HexToAddress("0x02"), TokenIn: common.HexToAddress("0x0b"), TokenOut: common.HexToAddress("0x0a"), Fee: 500, Concentrated: true},
		},
		AmountIn: big.NewInt(1e17),
		Score:    0.012,
	}
	roundID := uuid.New()

	id, err := b.InsertBundle(ctx, roundID, plan, 1000)
	require.NoError(t, err)
	require.Greater(t, id, int64(0))

	stored, err := b.GetBundle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
	require.Equal(t, roundID, stored.RoundID)
	hash := plan.Hash()
	require.Equal(t, hash.Bytes(), stored.PlanHash)
	require.Equal(t, 2, stored.HopCount)
	require.True(t, stored.AmountIn.Equal(decimal.New(1, 17)))

	bundleHash := common.HexToHash("0xabcdef")
	err = b.UpdateBundleStatus(ctx, id, Outcome{
		Status:       StatusRejected,
		BundleHash:   &bundleHash,
		GasUsed:      210_000,
		CoinbaseDiff: decimal.NewNullDecimal(decimal.New(2, 16)),
		Err:          errors.New("bundle is not profitable"),
	})
	require.NoError(t, err)

	stored, err = b.GetBundle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, stored.Status)
	require.Equal(t, bundleHash.Bytes(), stored.BundleHash)
	require.Equal(t, int64(210_000), stored.SimGasUsed.Int64)
	require.Equal(t, "bundle is not profitable", stored.Error.String)
	require.False(t, stored.Revenue.Valid)

	err = b.UpdateBundleStatus(ctx, -1, Outcome{Status: StatusFailed})
	require.ErrorIs(t, err, ErrBundleNotFound)

	_, err = b.GetBundle(ctx, -1)
	require.ErrorIs(t, err, ErrBundleNotFound)
}
