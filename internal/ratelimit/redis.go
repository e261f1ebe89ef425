package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript атомарно увеличивает счётчик и задаёт TTL при открытии окна.
// Возвращает {значение счётчика, оставшийся TTL в миллисекундах}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter хранит счётчики в Redis и согласован между экземплярами сервиса.
type RedisLimiter struct {
	client redis.Scripter
	policy Policy
	now    func() time.Time
}

// NewRedisLimiter создаёт ограничитель поверх клиента Redis.
func NewRedisLimiter(client redis.Scripter, policy Policy) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		policy: policy,
		now:    time.Now,
	}
}

// Allow засчитывает запрос. Окно сбрасывается истечением ключа.
func (l *RedisLimiter) Allow(ctx context.Context, bucket Bucket, key string) (Decision, error) {
	limit := l.policy.limit(bucket)
	windowMs := l.policy.window().Milliseconds()

	res, err := fixedWindowScript.Run(ctx, l.client, []string{counterKey(bucket, key)}, windowMs).Int64Slice()
	if err != nil {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, fmt.Errorf("run rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, fmt.Errorf("unexpected rate limit script reply: %v", res)
	}

	count, ttl := int(res[0]), time.Duration(res[1])*time.Millisecond
	d := Decision{
		Allowed: count <= limit,
		Limit:   limit,
		ResetAt: l.now().Add(ttl),
	}
	if d.Allowed {
		d.Remaining = limit - count
	}
	return d, nil
}
