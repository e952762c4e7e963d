// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/flashbots/mev-cycle-searcher/marketstate"
	"github.com/redis/go-redis/v9"
)

// CheckpointStore keeps venue family checkpoints as JSON strings under keyPrefix+key.
type CheckpointStore struct {
	client         *redis.Client
	expireDuration time.Duration
	keyPrefix      string
}

// NewCheckpointStore creates a store. Zero expireDuration keeps checkpoints forever.
func NewCheckpointStore(client *redis.Client, expireDuration time.Duration, keyPrefix string) *CheckpointStore {
	return &CheckpointStore{
		client:         client,
		expireDuration: expireDuration,
		keyPrefix:      keyPrefix,
	}
}

func (s *CheckpointStore) Load(ctx context.Context, key string) (*marketstate.Checkpoint, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, marketstate.ErrCheckpointMissing
	} else if err != nil {
		return nil, err
	}
	return marketstate.DecodeCheckpoint(data)
}

func (s *CheckpointStore) Save(ctx context.Context, key string, cp *marketstate.Checkpoint) error {
	data, err := marketstate.EncodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.keyPrefix+key, data, s.expireDuration).Err()
}

// DeleteAll deletes all the keys of the store. It can be very slow and should only be used for testing.
func (s *CheckpointStore) DeleteAll(ctx context.Context) error {
	keys, err := s.client.Keys(ctx, s.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}
