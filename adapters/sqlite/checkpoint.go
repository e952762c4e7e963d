// Package sqlite provides a file-backed checkpoint store
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

var schema = `
CREATE TABLE IF NOT EXISTS checkpoint (
	key        TEXT PRIMARY KEY,
	block      INTEGER NOT NULL,
	payload    BLOB NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

var saveCheckpointQuery = `
INSERT INTO checkpoint (key, block, payload, updated_at)
VALUES (:key, :block, :payload, CURRENT_TIMESTAMP)
ON CONFLICT(key) DO UPDATE SET block = excluded.block, payload = excluded.payload, updated_at = excluded.updated_at`

var loadCheckpointQuery = `SELECT key, block, payload FROM checkpoint WHERE key = ?`

type dbCheckpoint struct {
	Key     string `db:"key"`
	Block   int64  `db:"block"`
	Payload []byte `db:"payload"`
}

type CheckpointStore struct {
	db *sqlx.DB
}

func NewCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) Load(ctx context.Context, key string) (*marketstate.Checkpoint, error) {
	var row dbCheckpoint
	err := s.db.GetContext(ctx, &row, loadCheckpointQuery, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, marketstate.ErrCheckpointMissing
	} else if err != nil {
		return nil, err
	}
	return marketstate.DecodeCheckpoint(row.Payload)
}

func (s *CheckpointStore) Save(ctx context.Context, key string, cp *marketstate.Checkpoint) error {
	payload, err := marketstate.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, saveCheckpointQuery, dbCheckpoint{
		Key:     key,
		Block:   int64(cp.Block),
		Payload: payload,
	})
	return err
}

func (s *CheckpointStore) Close() error {
	return s.db.Close()
}
