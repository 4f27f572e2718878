package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces schedule keys.
const DefaultRedisPrefix = "pipewatch"

// RedisStore keeps each schedule as a JSON string and indexes active items
// in one set per owner plus one global set.
type RedisStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisStore creates a RedisStore. An empty prefix uses
// DefaultRedisPrefix.
func NewRedisStore(rdb redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: rdb, prefix: prefix}
}

func (r *RedisStore) itemKey(itemID string) string {
	return r.prefix + ":schedule:" + itemID
}

func (r *RedisStore) activeKey(ownerID string) string {
	if ownerID == "" {
		return r.prefix + ":schedules:active"
	}
	return r.prefix + ":schedules:active:" + ownerID
}

func (r *RedisStore) Get(ctx context.Context, itemID string) (*Schedule, error) {
	raw, err := r.rdb.Get(ctx, r.itemKey(itemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("getting schedule %s: %w", itemID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting schedule %s: %w", itemID, err)
	}
	var s Schedule
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding schedule %s: %w", itemID, err)
	}
	return &s, nil
}

// Save writes the schedule and updates the active indexes in one
// transaction. An owner change removes the item from the old owner's set.
func (r *RedisStore) Save(ctx context.Context, s *Schedule) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding schedule %s: %w", s.ItemID, err)
	}

	prev, err := r.Get(ctx, s.ItemID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.itemKey(s.ItemID), raw, 0)
		if prev != nil && prev.OwnerID != s.OwnerID {
			pipe.SRem(ctx, r.activeKey(prev.OwnerID), s.ItemID)
		}
		if s.IsActive {
			pipe.SAdd(ctx, r.activeKey(""), s.ItemID)
			pipe.SAdd(ctx, r.activeKey(s.OwnerID), s.ItemID)
		} else {
			pipe.SRem(ctx, r.activeKey(""), s.ItemID)
			pipe.SRem(ctx, r.activeKey(s.OwnerID), s.ItemID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving schedule %s: %w", s.ItemID, err)
	}
	return nil
}

func (r *RedisStore) ListActive(ctx context.Context, ownerID string) ([]*Schedule, error) {
	ids, err := r.rdb.SMembers(ctx, r.activeKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing active schedules: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.itemKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("loading active schedules: %w", err)
	}

	out := make([]*Schedule, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s Schedule
		if err := json.Unmarshal([]byte(str), &s); err != nil {
			return nil, fmt.Errorf("decoding schedule %s: %w", ids[i], err)
		}
		if !s.IsActive {
			continue
		}
		out = append(out, &s)
	}
	sortByNextRun(out)
	return out, nil
}
