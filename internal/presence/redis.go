package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"backend-runwith/internal/db"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	activeKeyPrefix = "presence:active:"
	activeOwnersKey = "presence:active_owners"
	changesChannel  = "presence:changes"
)

// RedisStore keeps active-session records as JSON values with a TTL, indexed
// by a set of owner ids, and announces every write on a pub/sub channel.
type RedisStore struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisStore returns a store whose records expire after ttl unless
// refreshed by another upsert. A zero ttl keeps records until deleted.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{redis: client, ttl: ttl}
}

func (r *RedisStore) Upsert(ctx context.Context, rec ActiveSessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", db.ErrStoreWriteFailed, err)
	}
	change, err := json.Marshal(Change{Op: OpUpsert, OwnerID: rec.OwnerID, At: time.Now()})
	if err != nil {
		return fmt.Errorf("%w: marshal change: %v", db.ErrStoreWriteFailed, err)
	}

	_, err = r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, activeKey(rec.OwnerID), data, r.ttl)
		pipe.SAdd(ctx, activeOwnersKey, rec.OwnerID)
		pipe.Publish(ctx, changesChannel, change)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: upsert %s: %v", db.ErrStoreWriteFailed, rec.OwnerID, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, ownerID string) error {
	change, err := json.Marshal(Change{Op: OpDelete, OwnerID: ownerID, At: time.Now()})
	if err != nil {
		return fmt.Errorf("%w: marshal change: %v", db.ErrStoreWriteFailed, err)
	}

	_, err = r.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, activeKey(ownerID))
		pipe.SRem(ctx, activeOwnersKey, ownerID)
		pipe.Publish(ctx, changesChannel, change)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", db.ErrStoreWriteFailed, ownerID, err)
	}
	return nil
}

// List returns all live records. Owners whose record expired are pruned
// from the index set.
func (r *RedisStore) List(ctx context.Context) ([]ActiveSessionRecord, error) {
	owners, err := r.redis.SMembers(ctx, activeOwnersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: list owners: %v", db.ErrStoreReadFailed, err)
	}
	if len(owners) == 0 {
		return []ActiveSessionRecord{}, nil
	}

	pipe := r.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(owners))
	for i, owner := range owners {
		cmds[i] = pipe.Get(ctx, activeKey(owner))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: load records: %v", db.ErrStoreReadFailed, err)
	}

	records := make([]ActiveSessionRecord, 0, len(owners))
	var expired []any
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, owners[i])
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: load %s: %v", db.ErrStoreReadFailed, owners[i], err)
		}
		var rec ActiveSessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// a corrupt record is treated like an expired one
			expired = append(expired, owners[i])
			continue
		}
		records = append(records, rec)
	}

	if len(expired) > 0 {
		_ = r.redis.SRem(ctx, activeOwnersKey, expired...).Err()
	}
	return records, nil
}

func (r *RedisStore) Listen(ctx context.Context, ready func(), fn func(Change)) error {
	pubsub := r.redis.Subscribe(ctx, changesChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%w: subscribe: %v", ErrFeedDisconnected, err)
	}
	if ready != nil {
		ready()
	}

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrFeedDisconnected, err)
		}
		var change Change
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			// unknown payloads still mean "something changed"
			change = Change{Op: OpUpsert, At: time.Now()}
		}
		fn(change)
	}
}

func activeKey(ownerID string) string {
	return activeKeyPrefix + ownerID
}
