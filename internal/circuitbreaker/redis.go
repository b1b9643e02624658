package circuitbreaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Each breaker lives in one hash with the fields state, failures,
// successes, probes and opened_at (milliseconds, Redis server clock).
// Scripts return {previous_state, new_state[, allowed]}.

var allowScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
local prev = state

if state == 'open' then
    local opened = tonumber(redis.call('HGET', KEYS[1], 'opened_at') or '0')
    if now - opened < tonumber(ARGV[1]) then
        return {prev, state, 0}
    end
    state = 'half-open'
    redis.call('HSET', KEYS[1], 'state', state, 'failures', 0, 'successes', 0, 'probes', 0)
end

if state == 'half-open' then
    local probes = tonumber(redis.call('HGET', KEYS[1], 'probes') or '0')
    if probes >= tonumber(ARGV[2]) then
        return {prev, state, 0}
    end
    redis.call('HINCRBY', KEYS[1], 'probes', 1)
end

return {prev, state, 1}
`)

var recordSuccessScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
    redis.call('HSET', KEYS[1], 'failures', 0)
    return {state, state}
end

if state == 'half-open' then
    if tonumber(redis.call('HGET', KEYS[1], 'probes') or '0') > 0 then
        redis.call('HINCRBY', KEYS[1], 'probes', -1)
    end
    local successes = redis.call('HINCRBY', KEYS[1], 'successes', 1)
    if successes >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'closed', 'failures', 0, 'successes', 0, 'probes', 0)
        return {state, 'closed'}
    end
end

return {state, state}
`)

var recordFailureScript = redis.NewScript(`
local t = redis.call('TIME')
local now = tonumber(t[1]) * 1000 + math.floor(tonumber(t[2]) / 1000)
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'

if state == 'closed' then
    local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
    if failures >= tonumber(ARGV[1]) then
        redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'failures', 0)
        return {state, 'open'}
    end
    return {state, state}
end

if state == 'half-open' then
    redis.call('HSET', KEYS[1], 'state', 'open', 'opened_at', now, 'successes', 0, 'probes', 0)
    return {state, 'open'}
end

return {state, state}
`)

var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state') or 'closed'
if state == 'half-open' and tonumber(redis.call('HGET', KEYS[1], 'probes') or '0') > 0 then
    redis.call('HINCRBY', KEYS[1], 'probes', -1)
end
return {state, state}
`)

// RedisCircuitBreaker shares breaker state between gateway instances. When
// Redis is unreachable it fails open and logs the error.
type RedisCircuitBreaker struct {
	client   *redis.Client
	provider string
	config   Config
	listener Listener
	key      string
}

func NewRedis(client *redis.Client, provider string, cfg Config, listener Listener) *RedisCircuitBreaker {
	return &RedisCircuitBreaker{
		client:   client,
		provider: provider,
		config:   cfg,
		listener: listener,
		key:      "llmgw:cb:" + provider,
	}
}

// WithRedis makes the manager create Redis-backed breakers on client.
func WithRedis(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(provider string) CircuitBreaker {
			return NewRedis(client, provider, m.config, m.notify)
		}
	}
}

func (cb *RedisCircuitBreaker) Allow(ctx context.Context) error {
	res, err := cb.run(ctx, allowScript, cb.config.OpenTimeout.Milliseconds(), max(cb.config.HalfOpenMaxProbes, 1))
	if err != nil {
		return nil
	}
	if len(res) < 3 {
		return nil
	}
	if allowed, _ := res[2].(int64); allowed == 0 {
		return openError(cb.provider)
	}
	return nil
}

func (cb *RedisCircuitBreaker) Record(ctx context.Context, err error) {
	switch {
	case err == nil:
		_, _ = cb.run(ctx, recordSuccessScript, cb.config.SuccessThreshold)
	case CountsAsFailure(err):
		_, _ = cb.run(ctx, recordFailureScript, cb.config.FailureThreshold)
	default:
		_, _ = cb.run(ctx, releaseScript)
	}
}

func (cb *RedisCircuitBreaker) State(ctx context.Context) State {
	s, err := cb.client.HGet(ctx, cb.key, "state").Result()
	if err != nil {
		return StateClosed
	}
	return parseState(s)
}

// Reset forces the breaker closed.
func (cb *RedisCircuitBreaker) Reset(ctx context.Context) error {
	if err := cb.client.Del(ctx, cb.key).Err(); err != nil {
		return fmt.Errorf("reset breaker %s: %w", cb.provider, err)
	}
	return nil
}

func (cb *RedisCircuitBreaker) run(ctx context.Context, script *redis.Script, args ...any) ([]any, error) {
	res, err := script.Run(ctx, cb.client, []string{cb.key}, args...).Slice()
	if err != nil {
		slog.Warn("circuit breaker redis error", "provider", cb.provider, "error", err)
		return nil, err
	}

	if len(res) >= 2 && cb.listener != nil {
		from, _ := res[0].(string)
		to, _ := res[1].(string)
		if from != to {
			cb.listener(cb.provider, parseState(from), parseState(to))
		}
	}
	return res, nil
}
