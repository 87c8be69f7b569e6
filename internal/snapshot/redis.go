package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fushengyk/marketws/internal/domain"
)

// Redis stores snapshots as plain keys with an expiry, so several server
// processes can seed each other's subscriptions.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (r *Redis) Load(ctx context.Context, kind string, key domain.InstrumentKey) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, r.key(kind, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (r *Redis) Save(ctx context.Context, kind string, key domain.InstrumentKey, payload []byte) error {
	return r.rdb.Set(ctx, r.key(kind, key), payload, r.ttl).Err()
}

// key renders e.g. marketws:snapshot:ticker:binance:spot:BTC/USDT
func (r *Redis) key(kind string, key domain.InstrumentKey) string {
	return r.prefix + ":snapshot:" + entryKey(kind, key)
}
