package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/getlantern/authkeeper/common"
	"github.com/getlantern/authkeeper/token"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// Prefix namespaces the keys, e.g. "authkeeper".
	Prefix string `yaml:"prefix"`
	// Namespace separates independent sessions sharing one Redis, e.g. a device or user id.
	Namespace string `yaml:"namespace"`
}

// RedisStore keeps the credentials in a single Redis hash. Both tokens are written by one HSET
// so the pair is replaced atomically.
type RedisStore struct {
	rdb   redis.UniversalClient
	key   string
	owned bool
}

// NewRedisStore connects to Redis as described by opts.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	s := NewRedisStoreWithClient(rdb, opts.Prefix, opts.Namespace)
	s.owned = true
	return s, nil
}

// NewRedisStoreWithClient uses an existing client. The client is not closed by Close.
func NewRedisStoreWithClient(rdb redis.UniversalClient, prefix, namespace string) *RedisStore {
	parts := []string{}
	for _, p := range []string{prefix, "session", namespace} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return &RedisStore{rdb: rdb, key: strings.Join(parts, ":")}
}

// Key returns the hash key holding this session.
func (r *RedisStore) Key() string {
	return r.key
}

func (r *RedisStore) Get(ctx context.Context) (token.Pair, bool, error) {
	vals, err := r.rdb.HMGet(ctx, r.key, AccessTokenKey, RefreshTokenKey).Result()
	if err != nil {
		return token.Pair{}, false, storageErr("get", r.key, err)
	}
	pair := token.Pair{
		Access:  token.Token(stringOf(vals[0])),
		Refresh: token.Token(stringOf(vals[1])),
	}
	return pair, !pair.Access.Empty() || !pair.Refresh.Empty(), nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func (r *RedisStore) Set(ctx context.Context, pair token.Pair) error {
	err := r.rdb.HSet(ctx, r.key,
		AccessTokenKey, string(pair.Access),
		RefreshTokenKey, string(pair.Refresh),
	).Err()
	return storageErr("set", r.key, err)
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return storageErr("clear", r.key, r.rdb.HDel(ctx, r.key, AccessTokenKey, RefreshTokenKey).Err())
}

func (r *RedisStore) Profile(ctx context.Context) (*common.Profile, error) {
	raw, err := r.rdb.HGet(ctx, r.key, ProfileKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get", ProfileKey, err)
	}
	var p common.Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, storageErr("get", ProfileKey, fmt.Errorf("decoding profile: %w", err))
	}
	return &p, nil
}

func (r *RedisStore) SetProfile(ctx context.Context, p *common.Profile) error {
	if p == nil {
		return r.ClearProfile(ctx)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return storageErr("set", ProfileKey, err)
	}
	return storageErr("set", ProfileKey, r.rdb.HSet(ctx, r.key, ProfileKey, raw).Err())
}

func (r *RedisStore) ClearProfile(ctx context.Context) error {
	return storageErr("clear", ProfileKey, r.rdb.HDel(ctx, r.key, ProfileKey).Err())
}

func (r *RedisStore) Close() error {
	if r.owned {
		return r.rdb.Close()
	}
	return nil
}
