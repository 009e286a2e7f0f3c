package rate

import (
	"context"
	"crypto/tls"
	"fmt"
	"strconv"

	// load lua script
	_ "embed"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

//go:embed gcra_ratelimit.lua
var luaScript string

// newRedisStore creates a new redisStore.
func newRedisStore(c Config, logger logr.Logger) *redisStore {
	log := logger.WithName("redis")
	interval, burstOffset := c.gcraParams()
	log.Info("Initializing redis store...", "address", c.Redis.Address, "interval(sec)", interval, "burst", c.Burst)
	opts := &redis.Options{
		Addr:        c.Redis.Address,
		Username:    c.Redis.Username,
		Password:    c.Redis.Password,
		DB:          c.Redis.Database,
		DialTimeout: c.Redis.DialTimeout,
	}
	if c.Redis.EnableTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &redisStore{
		client:      redis.NewClient(opts),
		script:      redis.NewScript(luaScript),
		keyPrefix:   c.Redis.KeyPrefix,
		intervalSec: interval,
		burst:       c.Burst,
		burstOffset: burstOffset,
		logger:      log,
	}
}

// redisStore is a rate limit store shared by all replicas through Redis.
type redisStore struct {
	client *redis.Client
	script *redis.Script

	keyPrefix   string
	intervalSec float64
	burst       int
	burstOffset float64

	logger logr.Logger
}

// Take takes a specified number of tokens from the given key if available.
func (s *redisStore) Take(ctx context.Context, key string, cost int) (*Result, error) {
	res, err := s.script.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		s.intervalSec, cost, s.burstOffset,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("run script: %s", err)
	}
	if len(res) != 4 {
		return nil, fmt.Errorf("unexpected script result: %v", res)
	}

	allowed, err := parseBoolReply(res[0])
	if err != nil {
		return nil, fmt.Errorf("parse allowed: %s", err)
	}
	remaining, ok := res[1].(int64)
	if !ok {
		return nil, fmt.Errorf("parse remaining: unexpected type %T", res[1])
	}
	retryAfterSec, err := parseFloatReply(res[2])
	if err != nil {
		return nil, fmt.Errorf("parse retryAfter: %s", err)
	}
	resetAfterSec, err := parseFloatReply(res[3])
	if err != nil {
		return nil, fmt.Errorf("parse resetAfter: %s", err)
	}

	r := &Result{
		Allowed:    allowed,
		Limit:      s.burst,
		Remaining:  int(remaining),
		RetryAfter: secondsToDuration(retryAfterSec),
		ResetAfter: secondsToDuration(resetAfterSec),
	}
	s.logger.V(6).Info("RateLimit", "key", key, "allowed", allowed, "remaining", r.Remaining, "retryAfter", r.RetryAfter, "resetAfter", r.ResetAfter)
	return r, nil
}

// Close closes the redis client.
func (s *redisStore) Close() error {
	return s.client.Close()
}

func parseBoolReply(v interface{}) (bool, error) {
	s, ok := v.(string)
	if !ok {
		return false, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseBool(s)
}

func parseFloatReply(v interface{}) (float64, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected type %T", v)
	}
	return strconv.ParseFloat(s, 64)
}
