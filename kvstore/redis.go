package kvstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// channelTTL bounds how long an abandoned signaling channel lingers.
const channelTTL = 10 * time.Minute

// Redis backs signaling channels with a Redis hash per channel.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to addr (host:port). db 0 and empty password are fine
// for a dedicated signaling instance.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *Redis) Get(ctx context.Context, channel, field string) ([]byte, error) {
	v, err := r.rdb.HGet(ctx, channel, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(v) == 0 {
		return nil, ErrNotFound
	}
	return v, nil
}

func (r *Redis) Patch(ctx context.Context, channel, field string, value []byte) error {
	if err := r.rdb.HSet(ctx, channel, field, value).Err(); err != nil {
		return err
	}
	return r.rdb.Expire(ctx, channel, channelTTL).Err()
}

// Close releases the client connection pool.
func (r *Redis) Close() error { return r.rdb.Close() }
