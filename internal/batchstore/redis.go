package batchstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/config"
	"github.com/rzpsarthak13/likebatch/internal/core"
)

// Compile-time interface check.
var _ core.BatchStore = (*RedisBatchStore)(nil)

// incrementScript adds one like and stamps first_seen_at only when the
// counter is created.
//
// KEYS[1] - pending hash, KEYS[2] - pending index set
// ARGV[1] - tweet id, ARGV[2] - now (unix nanos)
var incrementScript = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], "count", 1)
if n == 1 then
	redis.call("HSET", KEYS[1], "first_seen_at", ARGV[2])
	redis.call("SADD", KEYS[2], ARGV[1])
end
return n
`)

// claimScript moves a pending counter into a claim hash.
//
// KEYS[1] - pending hash, KEYS[2] - pending index set,
// KEYS[3] - claim hash, KEYS[4] - claim index set
// ARGV[1] - tweet id, ARGV[2] - token, ARGV[3] - now (unix nanos)
var claimScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "count", "first_seen_at")
if not v[1] then
	return false
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], "tweet_id", ARGV[1], "count", v[1], "first_seen_at", v[2], "claimed_at", ARGV[3])
redis.call("SADD", KEYS[4], ARGV[2])
return {v[1], v[2]}
`)

// RedisBatchStore keeps pending counters in Redis hashes. All keys share
// the {prefix} hash tag so the scripts stay on one cluster slot.
type RedisBatchStore struct {
	client redis.UniversalClient
	prefix string
	logger *logrus.Entry
}

// NewRedisBatchStore wraps an existing client. prefix namespaces every key.
func NewRedisBatchStore(client redis.UniversalClient, prefix string, logger *logrus.Logger) *RedisBatchStore {
	return &RedisBatchStore{
		client: client,
		prefix: "{" + prefix + "}",
		logger: logger.WithField("component", "batch-store").WithField("backend", "redis"),
	}
}

func (r *RedisBatchStore) pendingKey(tweetID int64) string {
	return fmt.Sprintf("%s:pending:%d", r.prefix, tweetID)
}

func (r *RedisBatchStore) pendingIndexKey() string {
	return r.prefix + ":pending"
}

func (r *RedisBatchStore) claimKey(token string) string {
	return r.prefix + ":claim:" + token
}

func (r *RedisBatchStore) claimIndexKey() string {
	return r.prefix + ":claims"
}

func (r *RedisBatchStore) Increment(ctx context.Context, tweetID int64, now time.Time) (int64, error) {
	keys := []string{r.pendingKey(tweetID), r.pendingIndexKey()}
	n, err := incrementScript.Run(ctx, r.client, keys, tweetID, now.UnixNano()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment batch counter %d: %w", tweetID, err)
	}
	return n, nil
}

func (r *RedisBatchStore) Get(ctx context.Context, tweetID int64) (*core.BatchCounter, error) {
	vals, err := r.client.HMGet(ctx, r.pendingKey(tweetID), "count", "first_seen_at").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get batch counter %d: %w", tweetID, err)
	}
	return parseCounter(tweetID, vals)
}

func (r *RedisBatchStore) Due(ctx context.Context, now time.Time, policy core.FlushPolicy) ([]core.BatchCounter, error) {
	members, err := r.client.SMembers(ctx, r.pendingIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending counters: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			r.logger.WithField("member", m).Warn("ignoring malformed pending index entry")
			continue
		}
		ids = append(ids, id)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.SliceCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HMGet(ctx, r.pendingKey(id), "count", "first_seen_at")
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read pending counters: %w", err)
	}

	var due []core.BatchCounter
	for i, cmd := range cmds {
		c, err := parseCounter(ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}
		// claimed between SMEMBERS and HMGET
		if c == nil {
			continue
		}
		if policy.Due(*c, now) {
			due = append(due, *c)
		}
	}
	sortCounters(due)
	return due, nil
}

func (r *RedisBatchStore) Claim(ctx context.Context, tweetID int64, token string, now time.Time) (*core.FlushClaim, error) {
	keys := []string{r.pendingKey(tweetID), r.pendingIndexKey(), r.claimKey(token), r.claimIndexKey()}
	res, err := claimScript.Run(ctx, r.client, keys, tweetID, token, now.UnixNano()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch counter %d: %w", tweetID, err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim reply for %d: %v", tweetID, res)
	}

	count, err := strconv.ParseInt(res[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid claimed count for %d: %w", tweetID, err)
	}
	firstSeen, err := strconv.ParseInt(res[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid claimed first_seen_at for %d: %w", tweetID, err)
	}

	return &core.FlushClaim{
		Token:       token,
		TweetID:     tweetID,
		Count:       count,
		FirstSeenAt: time.Unix(0, firstSeen).UTC(),
		ClaimedAt:   now,
	}, nil
}

func (r *RedisBatchStore) Claims(ctx context.Context) ([]core.FlushClaim, error) {
	tokens, err := r.client.SMembers(ctx, r.claimIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list claims: %w", err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	for i, token := range tokens {
		cmds[i] = pipe.HGetAll(ctx, r.claimKey(token))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read claims: %w", err)
	}

	claims := make([]core.FlushClaim, 0, len(tokens))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		c, err := parseClaim(tokens[i], fields)
		if err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}
	sortClaims(claims)
	return claims, nil
}

func (r *RedisBatchStore) Release(ctx context.Context, token string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.claimKey(token))
		pipe.SRem(ctx, r.claimIndexKey(), token)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to release claim %s: %w", token, err)
	}
	return nil
}

func (r *RedisBatchStore) Close() error {
	return r.client.Close()
}

func parseCounter(tweetID int64, vals []interface{}) (*core.BatchCounter, error) {
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil
	}
	count, err := strconv.ParseInt(fmt.Sprint(vals[0]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid pending count for %d: %w", tweetID, err)
	}
	firstSeen, err := strconv.ParseInt(fmt.Sprint(vals[1]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid first_seen_at for %d: %w", tweetID, err)
	}
	return &core.BatchCounter{
		TweetID:      tweetID,
		PendingCount: count,
		FirstSeenAt:  time.Unix(0, firstSeen).UTC(),
	}, nil
}

func parseClaim(token string, fields map[string]string) (core.FlushClaim, error) {
	var nums [4]int64
	for i, name := range []string{"tweet_id", "count", "first_seen_at", "claimed_at"} {
		n, err := strconv.ParseInt(fields[name], 10, 64)
		if err != nil {
			return core.FlushClaim{}, fmt.Errorf("invalid %s in claim %s: %w", name, token, err)
		}
		nums[i] = n
	}
	return core.FlushClaim{
		Token:       token,
		TweetID:     nums[0],
		Count:       nums[1],
		FirstSeenAt: time.Unix(0, nums[2]).UTC(),
		ClaimedAt:   time.Unix(0, nums[3]).UTC(),
	}, nil
}

// RedisFactory creates RedisBatchStore instances.
type RedisFactory struct{}

func (f *RedisFactory) Type() string {
	return "redis"
}

func (f *RedisFactory) Validate(cfg config.BatchStoreConfig) error {
	rc := cfg.Redis
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints is required")
	}
	if rc.PoolSize <= 0 {
		return fmt.Errorf("redis.pool_size must be greater than 0")
	}
	if rc.DB < 0 || rc.DB > 15 {
		return fmt.Errorf("redis.db must be between 0 and 15")
	}
	if rc.ClusterMode && rc.DB != 0 {
		return fmt.Errorf("redis.db must be 0 in cluster mode")
	}
	if rc.DialTimeout <= 0 {
		return fmt.Errorf("redis.dial_timeout must be greater than 0")
	}
	if rc.KeyPrefix == "" {
		return fmt.Errorf("redis.key_prefix is required")
	}
	return nil
}

func (f *RedisFactory) Create(cfg config.BatchStoreConfig, logger *logrus.Logger) (core.BatchStore, error) {
	rc := cfg.Redis

	var client redis.UniversalClient
	if rc.ClusterMode {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        rc.Endpoints,
			Password:     rc.Password,
			PoolSize:     rc.PoolSize,
			MinIdleConns: rc.MinIdleConns,
			MaxRetries:   rc.MaxRetries,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         rc.Endpoints[0],
			Password:     rc.Password,
			DB:           rc.DB,
			PoolSize:     rc.PoolSize,
			MinIdleConns: rc.MinIdleConns,
			MaxRetries:   rc.MaxRetries,
			DialTimeout:  rc.DialTimeout,
			ReadTimeout:  rc.ReadTimeout,
			WriteTimeout: rc.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), rc.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBatchStore(client, rc.KeyPrefix, logger), nil
}

func init() {
	RegisterFactory(&RedisFactory{})
}
