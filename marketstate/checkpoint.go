package marketstate

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-cycle-searcher/pricegraph"
	"github.com/sugawarayuuta/sonnet"
)

var ErrCheckpointMissing = errors.New("checkpoint is missing")

// Checkpoint is the saved state of one venue family at a block.
type Checkpoint struct {
	Family string              `json:"family"`
	Block  uint64              `json:"block"`
	Venues []*pricegraph.Venue `json:"venues"`
}

// CheckpointStore persists checkpoints by key. Load returns ErrCheckpointMissing when no
// checkpoint is stored under key.
type CheckpointStore interface {
	Load(ctx context.Context, key string) (*Checkpoint, error)
	Save(ctx context.Context, key string, cp *Checkpoint) error
}

func EncodeCheckpoint(cp *Checkpoint) ([]byte, error) {
	return sonnet.Marshal(cp)
}

func DecodeCheckpoint(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := sonnet.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// LoadCheckpoints restores the venues of every family. Checkpoints are used only as a whole:
// if any family has none, ErrCheckpointMissing is returned and the caller fetches from the
// chain instead. The returned block is the oldest checkpoint block.
func LoadCheckpoints(ctx context.Context, store CheckpointStore, families []Family) ([]*pricegraph.Venue, uint64, error) {
	var (
		venues []*pricegraph.Venue
		block  uint64
	)
	for i, family := range families {
		cp, err := store.Load(ctx, family.Checkpoint)
		if err != nil {
			return nil, 0, err
		}
		for _, v := range cp.Venues {
			v.Kind = family.Kind
			v.Router = family.Router
		}
		venues = append(venues, cp.Venues...)
		if i == 0 || cp.Block < block {
			block = cp.Block
		}
	}
	return venues, block, nil
}

// SaveCheckpoints writes one checkpoint per family from the given venue snapshots.
func SaveCheckpoints(ctx context.Context, store CheckpointStore, families []Family, venues []*pricegraph.Venue, block uint64) error {
	byAddress := make(map[common.Address]*pricegraph.Venue, len(venues))
	for _, v := range venues {
		byAddress[v.Address] = v
	}
	for _, family := range families {
		cp := &Checkpoint{
			Family: family.Name,
			Block:  block,
			Venues: make([]*pricegraph.Venue, 0, len(family.Venues)),
		}
		for _, addr := range family.Venues {
			if v, ok := byAddress[addr]; ok {
				cp.Venues = append(cp.Venues, v)
			}
		}
		if err := store.Save(ctx, family.Checkpoint, cp); err != nil {
			return err
		}
	}
	return nil
}
