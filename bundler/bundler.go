// Package bundler signs arbitrage transactions, simulates them on a relay and submits them as
// bundles behind a profitability gate.
package bundler

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/flashbots/mev-cycle-searcher/encoder"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrSimulationFailed  = errors.New("bundle simulation failed")
	ErrSimulationError   = errors.New("bundle simulation reported an execution error")
	ErrSimulationRevert  = errors.New("bundle simulation reverted")
	ErrNotProfitable     = errors.New("bundle is not profitable")
	ErrBundleNotIncluded = errors.New("bundle was not included")
	ErrInvalidPercentage = errors.New("validator percentage must be positive")
	ErrNoTransactions    = errors.New("bundle has no transactions")
	ErrNoTokens          = errors.New("no tokens to approve")
)

const (
	defaultRecoverGas     = 50_000
	defaultApproveGas     = 60_000
	inclusionPollInterval = time.Second
)

// Chain is the part of the node API the bundler needs.
type Chain interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type Config struct {
	ChainID *big.Int
	Bot     common.Address
	// ValidatorPercentage is the share of captured value paid to the proposer, out of 256.
	ValidatorPercentage uint8
	FlashLoan           encoder.FlashLoan
}

type Bundler struct {
	log    *zap.Logger
	cfg    Config
	key    *ecdsa.PrivateKey
	sender common.Address
	signer types.Signer
	chain  Chain
	relay  Relay

	mu    sync.Mutex
	nonce uint64
}

func New(log *zap.Logger, cfg Config, key *ecdsa.PrivateKey, chain Chain, relay Relay) (*Bundler, error) {
	if cfg.ValidatorPercentage == 0 {
		return nil, ErrInvalidPercentage
	}
	return &Bundler{
		log:    log,
		cfg:    cfg,
		key:    key,
		sender: crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(cfg.ChainID),
		chain:  chain,
		relay:  relay,
	}, nil
}

func (b *Bundler) Sender() common.Address {
	return b.sender
}

func (b *Bundler) Config() Config {
	return b.cfg
}

// SyncNonce loads the pending nonce of the sender from the node.
func (b *Bundler) SyncNonce(ctx context.Context) error {
	var nonce uint64
	err := backoff.Retry(func() error {
		var err error
		nonce, err = b.chain.PendingNonceAt(ctx, b.sender)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.nonce = nonce
	b.mu.Unlock()
	b.log.Info("Synced nonce", zap.Uint64("nonce", nonce), zap.String("sender", b.sender.Hex()))
	return nil
}

// NextNonce returns the nonce to use and advances the local counter.
func (b *Bundler) NextNonce() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.nonce
	b.nonce++
	return n
}

// RollbackNonce releases the last nonce so the next transaction reuses it.
func (b *Bundler) RollbackNonce() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nonce > 0 {
		b.nonce--
	}
}

func (b *Bundler) Nonce() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nonce
}

type TxOpts struct {
	MaxPriorityFee *big.Int
	MaxFee         *big.Int
	Gas            uint64
}

func (b *Bundler) signTx(data []byte, value *big.Int, opts TxOpts) (*types.Transaction, error) {
	bot := b.cfg.Bot
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   b.cfg.ChainID,
		Nonce:     b.NextNonce(),
		GasTipCap: opts.MaxPriorityFee,
		GasFeeCap: opts.MaxFee,
		Gas:       opts.Gas,
		To:        &bot,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, b.signer, b.key)
	if err != nil {
		b.RollbackNonce()
		return nil, err
	}
	return signed, nil
}

// OrderTx builds and signs a makeArbHop transaction for the route.
func (b *Bundler) OrderTx(amountIn *big.Int, route encoder.Route, opts TxOpts) (*types.Transaction, error) {
	header, err := encoder.PackHeader(amountIn, b.cfg.ValidatorPercentage, b.cfg.FlashLoan)
	if err != nil {
		return nil, err
	}
	data, err := encoder.Calldata(header, route)
	if err != nil {
		return nil, err
	}
	b.log.Debug("Built arbitrage calldata", zap.String("calldata", hexutil.Encode(data)))
	return b.signTx(data, new(big.Int), opts)
}

func (b *Bundler) adminTx(data []byte, gas uint64, opts TxOpts) (*types.Transaction, error) {
	if opts.Gas == 0 {
		opts.Gas = gas
	}
	return b.signTx(data, new(big.Int), opts)
}

// RecoverTokenTx builds a transaction that sweeps token balances out of the contract.
func (b *Bundler) RecoverTokenTx(token common.Address, opts TxOpts) (*types.Transaction, error) {
	data, err := encoder.RecoverTokenCalldata(token)
	if err != nil {
		return nil, err
	}
	return b.adminTx(data, defaultRecoverGas, opts)
}

// RecoverEthTx builds a transaction that withdraws amount wei from the contract.
func (b *Bundler) RecoverEthTx(amount *big.Int, opts TxOpts) (*types.Transaction, error) {
	data, err := encoder.RecoverEthCalldata(amount)
	if err != nil {
		return nil, err
	}
	return b.adminTx(data, defaultRecoverGas, opts)
}

// ApproveRouterTx builds a transaction that lets router spend the contract's tokens. With force
// the allowances are reset even when already set.
func (b *Bundler) ApproveRouterTx(router common.Address, tokens []common.Address, force bool, opts TxOpts) (*types.Transaction, error) {
	if len(tokens) == 0 {
		return nil, ErrNoTokens
	}
	data, err := encoder.ApproveRouterCalldata(router, tokens, force)
	if err != nil {
		return nil, err
	}
	return b.adminTx(data, defaultApproveGas*uint64(len(tokens)), opts)
}

// ToBundle wraps the transactions into a bundle targeting the block after block.
func (b *Bundler) ToBundle(block uint64, txs ...*types.Transaction) (*Bundle, error) {
	if len(txs) == 0 {
		return nil, ErrNoTransactions
	}
	bundle := &Bundle{
		BlockNumber:      hexutil.Uint64(block + 1),
		StateBlockNumber: hexutil.EncodeUint64(block),
	}
	for _, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, err
		}
		bundle.Txs = append(bundle.Txs, raw)
		bundle.TxHashes = append(bundle.TxHashes, tx.Hash())
	}
	return bundle, nil
}

type SendResult struct {
	BundleHash   common.Hash
	GasUsed      uint64
	CoinbaseDiff decimal.Decimal
	// Revenue and GasCost are in ether.
	Revenue decimal.Decimal
	GasCost decimal.Decimal
}

var (
	weiPerEth  = decimal.New(1, 18)
	gweiPerEth = decimal.New(1, 9)
)

// SendBundle simulates the bundle and submits it only if every transaction succeeds and the
// projected revenue exceeds the gas cost at gasPriceGwei. The returned result carries the
// simulation report even when the bundle is rejected.
func (b *Bundler) SendBundle(ctx context.Context, bundle *Bundle, gasPriceGwei float64) (*SendResult, error) {
	sim, err := b.relay.CallBundle(ctx, bundle)
	if err != nil {
		return nil, errors.Join(ErrSimulationFailed, err)
	}

	res := &SendResult{
		CoinbaseDiff: sim.CoinbaseDiff,
		Revenue:      decimal.Zero,
		GasCost:      decimal.Zero,
	}
	share := decimal.NewFromInt(int64(b.cfg.ValidatorPercentage)).Div(decimal.NewFromInt(256))
	for _, tx := range sim.Results {
		res.GasUsed += tx.GasUsed
		if tx.Error != "" {
			return res, fmt.Errorf("%w: %s", ErrSimulationError, tx.Error)
		}
		if tx.Revert != "" {
			return res, fmt.Errorf("%w: %s", ErrSimulationRevert, tx.Revert)
		}

		revenue := tx.EthSentToCoinbase.Div(weiPerEth).Div(share).Mul(decimal.NewFromInt(1).Sub(share))
		gasCost := decimal.NewFromInt(int64(tx.GasUsed)).Mul(decimal.NewFromFloat(gasPriceGwei)).Div(gweiPerEth)
		res.Revenue = res.Revenue.Add(revenue)
		res.GasCost = res.GasCost.Add(gasCost)

		b.log.Info("Simulated bundle transaction",
			zap.String("txHash", tx.TxHash.Hex()),
			zap.Uint64("gasUsed", tx.GasUsed),
			zap.String("coinbaseTip", tx.EthSentToCoinbase.String()),
			zap.String("expectedRevenue", revenue.String()),
			zap.String("gasCost", gasCost.String()),
		)
		if gasCost.GreaterThanOrEqual(revenue) {
			return res, ErrNotProfitable
		}
	}

	sent, err := b.relay.SendBundle(ctx, bundle)
	if err != nil {
		return res, err
	}
	res.BundleHash = sent.BundleHash
	b.log.Info("Bundle sent",
		zap.String("bundleHash", sent.BundleHash.Hex()),
		zap.Uint64("targetBlock", uint64(bundle.BlockNumber)),
		zap.String("net", res.Revenue.Sub(res.GasCost).String()),
	)
	return res, nil
}

// WaitForInclusion polls the node until the bundle's first transaction is mined or the target
// block has passed without it.
func (b *Bundler) WaitForInclusion(ctx context.Context, bundle *Bundle) (*types.Receipt, error) {
	if len(bundle.TxHashes) == 0 {
		return nil, ErrNoTransactions
	}
	txHash := bundle.TxHashes[0]
	target := uint64(bundle.BlockNumber)

	var receipt *types.Receipt
	bo := backoff.NewConstantBackOff(inclusionPollInterval)
	err := backoff.Retry(func() error {
		r, err := b.chain.TransactionReceipt(ctx, txHash)
		if err == nil {
			receipt = r
			return nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return err
		}
		head, err := b.chain.BlockNumber(ctx)
		if err != nil {
			return err
		}
		if head > target {
			return backoff.Permanent(ErrBundleNotIncluded)
		}
		return ErrBundleNotIncluded
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil, err
	}
	return receipt, nil
}
