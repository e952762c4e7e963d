package sqlite

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := NewCheckpointStore(path)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = store.Load(ctx, "uniswap-v3")
	require.ErrorIs(t, err, marketstate.ErrCheckpointMissing)

	venue := &pricegraph.Venue{
		Kind:         pricegraph.KindConcentrated,
		Address:      common.HexToAddress("0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"),
		Token0:       common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		Token1:       common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
		Decimals0:    6,
		Decimals1:    18,
		SqrtPriceX96: new(big.Int).Lsh(big.NewInt(1), 96),
		Liquidity:    big.NewInt(1_000_000),
		Tick:         -200_000,
		Fee:          500,
	}
	cp := &marketstate.Checkpoint{Family: "uniswap-v3", Block: 100, Venues: []*pricegraph.Venue{venue}}
	require.NoError(t, store.Save(ctx, "uniswap-v3", cp))

	cp.Block = 101
	require.NoError(t, store.Save(ctx, "uniswap-v3", cp))
	require.NoError(t, store.Close())

	// reopen to check the checkpoint is on disk
	store, err = NewCheckpointStore(path)
	require.NoError(t, err)
	defer store.Close()

	loaded, err := store.Load(ctx, "uniswap-v3")
	require.NoError(t, err)
	require.Equal(t, uint64(101), loaded.Block)
	require.Len(t, loaded.Venues, 1)
	require.True(t, venue.StateEqual(loaded.Venues[0]))
	require.Equal(t, venue.Fee, loaded.Venues[0].Fee)
	require.Equal(t, venue.Decimals0, loaded.Venues[0].Decimals0)
}
