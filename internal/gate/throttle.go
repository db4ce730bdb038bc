package gate

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const throttleScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  return 0
end
return 1
`

// RedisThrottle is a fixed-window counter used to bound OTP request volume.
// It fails open: if redis is down or not configured, requests pass. Losing
// throttling must never lock users out of login.
type RedisThrottle struct {
	client *redis.Client
	window time.Duration
	prefix string
	script *redis.Script
}

// NewRedisThrottle builds a throttle; a nil client yields a pass-through.
func NewRedisThrottle(client *redis.Client, window time.Duration, prefix string) *RedisThrottle {
	if client == nil {
		return nil
	}
	return &RedisThrottle{
		client: client,
		window: window,
		prefix: prefix,
		script: redis.NewScript(throttleScript),
	}
}

// Allow reports whether another event for key fits inside the window limit.
func (t *RedisThrottle) Allow(ctx context.Context, key string, limit int) bool {
	if t == nil || t.client == nil || limit <= 0 || t.window <= 0 || key == "" {
		return true
	}

	redisKey := key
	if t.prefix != "" {
		redisKey = t.prefix + ":" + key
	}

	ttl := t.window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}

	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	allowed, err := t.script.Run(ctx, t.client, []string{redisKey}, ttl, limit).Int64()
	if err != nil {
		return true
	}
	return allowed == 1
}
