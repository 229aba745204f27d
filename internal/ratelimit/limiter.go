package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrRedisUnavailable = errors.New("redis unavailable")

type Decision struct {
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter int // seconds
	Allowed    bool
}

type LimitConfig struct {
	Rate   int           `yaml:"rate"`
	Window time.Duration `yaml:"window"`
}

// fixed window starting at the first hit; returns the count and the remaining TTL
var windowScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if tonumber(current) == 1 then
		redis.call("PEXPIRE", KEYS[1], ARGV[1])
	end
	return {current, redis.call("PTTL", KEYS[1])}
`)

type Limiter struct {
	client *redis.Client
	salt   string
}

func NewLimiter(client *redis.Client, salt string) *Limiter {
	if salt == "" {
		salt = "ts-replay"
	}
	return &Limiter{client: client, salt: salt}
}

// HashKey keeps client addresses and subjects out of Redis key names.
func (l *Limiter) HashKey(s string) string {
	hash := sha256.Sum256([]byte(s + l.salt))
	return hex.EncodeToString(hash[:])
}

// Check counts one hit against key and reports whether it is within cfg.
func (l *Limiter) Check(ctx context.Context, key string, cfg LimitConfig) (*Decision, error) {
	res, err := windowScript.Run(ctx, l.client, []string{key}, cfg.Window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		return nil, ErrRedisUnavailable
	}
	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	if ttl < 0 {
		ttl = cfg.Window
	}

	return &Decision{
		Limit:      cfg.Rate,
		Remaining:  max(cfg.Rate-count, 0),
		Reset:      time.Now().Add(ttl),
		RetryAfter: max(int((ttl+time.Second-1)/time.Second), 1),
		Allowed:    count <= cfg.Rate,
	}, nil
}
