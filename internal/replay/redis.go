package replay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "toolauth:replay:"

// Redis is a Guard shared by every replica of a tool. Records expire through
// key TTLs, so Purge has nothing to do.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis returns a Redis guard. An empty prefix selects "toolauth:replay:".
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

// KEYS[1] record; ARGV content hash, first seen ms, ttl ms.
var beginScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'hash')
if not cur then
	redis.call('HSET', KEYS[1], 'hash', ARGV[1], 'state', 'in_flight', 'first_seen', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
	return {'first'}
end
if cur ~= ARGV[1] then
	return {'conflict'}
end
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'complete' then
	return {'retry', redis.call('HGET', KEYS[1], 'response')}
end
if state == 'abandoned' then
	redis.call('HSET', KEYS[1], 'state', 'in_flight')
	return {'resume'}
end
return {'in_flight'}
`)

// KEYS[1] record; ARGV response JSON.
var completeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'state', 'complete', 'response', ARGV[1])
end
return 1
`)

var abandonScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'in_flight' then
	redis.call('HSET', KEYS[1], 'state', 'abandoned')
end
return 1
`)

// recordKey length-prefixes the caller id so no (caller, nonce) pair can
// collide with another.
func (r *Redis) recordKey(k Key) string {
	return fmt.Sprintf("%s%d:%s:%s", r.prefix, len(k.CallerID), k.CallerID, k.Nonce)
}

func (r *Redis) Begin(ctx context.Context, key Key, contentHash Hash, expiresAt, now time.Time) (Decision, error) {
	ttl := expiresAt.Sub(now).Milliseconds() + 1
	if ttl < 1 {
		ttl = 1
	}

	res, err := beginScript.Run(ctx, r.client, []string{r.recordKey(key)},
		hex.EncodeToString(contentHash[:]), now.UnixMilli(), ttl).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("redis replay begin: %w", err)
	}
	if len(res) == 0 {
		return Decision{}, fmt.Errorf("redis replay begin: empty reply")
	}

	switch res[0] {
	case "first":
		return Decision{Outcome: OutcomeFirst}, nil
	case "resume":
		return Decision{Outcome: OutcomeResume}, nil
	case "in_flight":
		return Decision{Outcome: OutcomeInFlight}, nil
	case "conflict":
		return Decision{Outcome: OutcomeConflict}, nil
	case "retry":
		d := Decision{Outcome: OutcomeRetry}
		if len(res) > 1 {
			if s, ok := res[1].(string); ok && s != "" {
				var resp Response
				if err := json.Unmarshal([]byte(s), &resp); err != nil {
					return Decision{}, fmt.Errorf("decode cached response: %w", err)
				}
				d.Response = &resp
			}
		}
		return d, nil
	default:
		return Decision{}, fmt.Errorf("redis replay begin: unexpected reply %v", res[0])
	}
}

func (r *Redis) Complete(ctx context.Context, key Key, resp *Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode cached response: %w", err)
	}
	if err := completeScript.Run(ctx, r.client, []string{r.recordKey(key)}, string(b)).Err(); err != nil {
		return fmt.Errorf("redis replay complete: %w", err)
	}
	return nil
}

func (r *Redis) Abandon(ctx context.Context, key Key) error {
	if err := abandonScript.Run(ctx, r.client, []string{r.recordKey(key)}).Err(); err != nil {
		return fmt.Errorf("redis replay abandon: %w", err)
	}
	return nil
}

func (r *Redis) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
