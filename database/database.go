// Package database persists the history of submitted arbitrage bundles.
package database

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"
)

//go:embed schema.sql
var schema string

const (
	StatusPending     = "pending"
	StatusSent        = "sent"
	StatusIncluded    = "included"
	StatusNotIncluded = "not_included"
	StatusRejected    = "rejected"
	StatusFailed      = "failed"
)

var ErrBundleNotFound = errors.New("bundle not found")

type DBArbBundle struct {
	ID           int64               `db:"id"`
	RoundID      uuid.UUID           `db:"round_id"`
	PlanHash     []byte              `db:"plan_hash"`
	TargetBlock  int64               `db:"target_block"`
	Hops         string              `db:"hops"`
	HopCount     int                 `db:"hop_count"`
	AmountIn     decimal.Decimal     `db:"amount_in"`
	Score        float64             `db:"score"`
	Status       string              `db:"status"`
	BundleHash   []byte              `db:"bundle_hash"`
	SimGasUsed   sql.NullInt64       `db:"sim_gas_used"`
	CoinbaseDiff decimal.NullDecimal `db:"coinbase_diff"`
	Revenue      decimal.NullDecimal `db:"revenue"`
	GasCost      decimal.NullDecimal `db:"gas_cost"`
	Error        sql.NullString      `db:"error"`
	InsertedAt   time.Time           `db:"inserted_at"`
	UpdatedAt    time.Time           `db:"updated_at"`
}

var insertBundleQuery = `
INSERT INTO arb_bundle (round_id, plan_hash, target_block, hops, hop_count, amount_in, score, status)
VALUES (:round_id, :plan_hash, :target_block, :hops, :hop_count, :amount_in, :score, :status)
RETURNING id`

var updateBundleStatusQuery = `
UPDATE arb_bundle
SET status = :status, bundle_hash = :bundle_hash, sim_gas_used = :sim_gas_used, coinbase_diff = :coinbase_diff,
    revenue = :revenue, gas_cost = :gas_cost, error = :error, updated_at = now()
WHERE id = :id`

var getBundleQuery = `
SELECT id, round_id, plan_hash, target_block, hops, hop_count, amount_in, score, status, bundle_hash,
       sim_gas_used, coinbase_diff, revenue, gas_cost, error, inserted_at, updated_at
FROM arb_bundle
WHERE id = $1`

// Outcome is the result of submitting a bundle. Revenue and GasCost are in ether,
// CoinbaseDiff in wei.
type Outcome struct {
	Status       string
	BundleHash   *common.Hash
	GasUsed      uint64
	CoinbaseDiff decimal.NullDecimal
	Revenue      decimal.NullDecimal
	GasCost      decimal.NullDecimal
	Err          error
}

type DBBackend struct {
	db *sqlx.DB

	insertBundle       *sqlx.NamedStmt
	updateBundleStatus *sqlx.NamedStmt
	getBundle          *sqlx.Stmt
}

func NewDBBackend(postgresDSN string) (*DBBackend, error) {
	db, err := sqlx.Connect("postgres", postgresDSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(20)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}

	insertBundle, err := db.PrepareNamed(insertBundleQuery)
	if err != nil {
		return nil, err
	}
	updateBundleStatus, err := db.PrepareNamed(updateBundleStatusQuery)
	if err != nil {
		return nil, err
	}
	getBundle, err := db.Preparex(getBundleQuery)
	if err != nil {
		return nil, err
	}

	return &DBBackend{
		db:                 db,
		insertBundle:       insertBundle,
		updateBundleStatus: updateBundleStatus,
		getBundle:          getBundle,
	}, nil
}

// InsertBundle records a plan that is about to be submitted and returns its row id.
func (b *DBBackend) InsertBundle(ctx context.Context, roundID uuid.UUID, plan *pricegraph.Plan, targetBlock uint64) (int64, error) {
	hops, err := sonnet.Marshal(plan.Hops)
	if err != nil {
		return 0, err
	}
	amountIn := plan.AmountIn
	if amountIn == nil {
		amountIn = new(big.Int)
	}
	hash := plan.Hash()
	dbBundle := DBArbBundle{
		RoundID:     roundID,
		PlanHash:    hash.Bytes(),
		TargetBlock: int64(targetBlock),
		Hops:        string(hops),
		HopCount:    len(plan.Hops),
		AmountIn:    decimal.NewFromBigInt(amountIn, 0),
		Score:       plan.Score,
		Status:      StatusPending,
	}

	var id int64
	err = b.insertBundle.GetContext(ctx, &id, dbBundle)
	return id, err
}

func (b *DBBackend) UpdateBundleStatus(ctx context.Context, id int64, outcome Outcome) error {
	dbBundle := DBArbBundle{
		ID:           id,
		Status:       outcome.Status,
		SimGasUsed:   sql.NullInt64{Int64: int64(outcome.GasUsed), Valid: outcome.GasUsed > 0},
		CoinbaseDiff: outcome.CoinbaseDiff,
		Revenue:      outcome.Revenue,
		GasCost:      outcome.GasCost,
	}
	if outcome.BundleHash != nil {
		dbBundle.BundleHash = outcome.BundleHash.Bytes()
	}
	if outcome.Err != nil {
		dbBundle.Error = sql.NullString{String: outcome.Err.Error(), Valid: true}
	}

	res, err := b.updateBundleStatus.ExecContext(ctx, dbBundle)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBundleNotFound
	}
	return nil
}

func (b *DBBackend) GetBundle(ctx context.Context, id int64) (*DBArbBundle, error) {
	var dbBundle DBArbBundle
	err := b.getBundle.GetContext(ctx, &dbBundle, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBundleNotFound
	} else if err != nil {
		return nil, err
	}
	return &dbBundle, nil
}

func (b *DBBackend) Close() error {
	return b.db.Close()
}
