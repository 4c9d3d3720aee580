package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKV backs the hot store with one Redis instance. The Eval*
// operations run server-side so that every process sharing the store
// observes seat assignment, clocked moves and win claims atomically.
type redisKV struct {
	rdb *redis.Client
}

var joinScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {1, ''} end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'WAITING' then return {2, ''} end
local black = redis.call('HGET', KEYS[2], 'blackToken')
if black and black ~= '' then return {3, ''} end
local creator = redis.call('HGET', KEYS[1], 'creatorColor')
local swap = creator == 'black' or (creator == 'random' and ARGV[2] == '1')
local joiner = 'black'
if swap then
  local white = redis.call('HGET', KEYS[2], 'whiteToken')
  redis.call('HSET', KEYS[2], 'blackToken', white, 'whiteToken', ARGV[1])
  joiner = 'white'
else
  redis.call('HSET', KEYS[2], 'blackToken', ARGV[1])
end
redis.call('HSET', KEYS[1], 'status', 'IN_PROGRESS')
local init = tonumber(redis.call('HGET', KEYS[1], 'timeInitialMs') or '0')
if init > 0 then
  redis.call('HSET', KEYS[1], 'whiteTimeMs', init, 'blackTimeMs', init, 'lastMoveAt', ARGV[3])
end
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return {0, joiner}
`)

var deductScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return {1, 0, 0} end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'IN_PROGRESS' then return {2, 0, 0} end
local now = tonumber(ARGV[2])
local newBalance = 0
if ARGV[6] == '1' then
  local field = 'blackTimeMs'
  if ARGV[1] == 'white' then field = 'whiteTimeMs' end
  local balance = tonumber(redis.call('HGET', KEYS[1], field) or '0')
  local last = tonumber(redis.call('HGET', KEYS[1], 'lastMoveAt') or '0')
  local remaining = balance
  if last > 0 then remaining = balance - (now - last) end
  if remaining <= 0 then
    redis.call('HSET', KEYS[1], field, 0)
    return {3, 0, 0}
  end
  local inc = tonumber(redis.call('HGET', KEYS[1], 'timeIncrementMs') or '0')
  newBalance = remaining + inc
  redis.call('HSET', KEYS[1], field, newBalance, 'lastMoveAt', now)
end
local n = redis.call('LLEN', KEYS[2]) + 1
local entry = cjson.encode({moveNumber=n, san=ARGV[3], fen=ARGV[4], createdAtMs=now})
redis.call('RPUSH', KEYS[2], entry)
redis.call('HSET', KEYS[1], 'currentFen', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('PEXPIRE', KEYS[2], ARGV[5])
return {0, newBalance, n}
`)

var claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 1 end
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= 'IN_PROGRESS' then return 2 end
local raw = redis.call('GET', KEYS[3])
if not raw then return 3 end
local timer = cjson.decode(raw)
local opp = 'black'
if timer['disconnectedColor'] == 'black' then opp = 'white' end
if ARGV[1] ~= opp then return 4 end
if tonumber(ARGV[2]) < tonumber(timer['deadlineMs']) then return 5 end
local bit = 'whiteConnected'
if timer['disconnectedColor'] == 'black' then bit = 'blackConnected' end
if redis.call('HGET', KEYS[2], bit) == '1' then return 6 end
local result = 'WHITE_WINS'
if ARGV[1] == 'black' then result = 'BLACK_WINS' end
redis.call('HSET', KEYS[1], 'status', 'ABANDONED', 'result', result)
redis.call('DEL', KEYS[3])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[3])
return 0
`)

var rateScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then redis.call('EXPIRE', KEYS[1], ARGV[2]) end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
local max = tonumber(ARGV[1])
if count > max then return {0, 0, ttl} end
return {1, max - count, ttl}
`)

func NewRedisKV(ctx context.Context, addr string) (KV, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis at %s: %w", addr, err)
	}
	return &redisKV{rdb: rdb}, nil
}

func (r *redisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, key).Result()
}

func (r *redisKV) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return r.rdb.HSet(ctx, key, args...).Err()
}

func (r *redisKV) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

func (r *redisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.PExpire(ctx, key, ttl).Err()
}

func (r *redisKV) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.rdb.RPush(ctx, key, args...).Err()
}

func (r *redisKV) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, start, stop).Result()
}

func (r *redisKV) LLen(ctx context.Context, key string) (int64, error) {
	return r.rdb.LLen(ctx, key).Result()
}

func (r *redisKV) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.rdb.LTrim(ctx, key, start, stop).Err()
}

func (r *redisKV) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *redisKV) ZRem(ctx context.Context, key string, member string) error {
	return r.rdb.ZRem(ctx, key, member).Err()
}

func (r *redisKV) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.ZRevRange(ctx, key, start, stop).Result()
}

func (r *redisKV) ZCard(ctx context.Context, key string) (int64, error) {
	return r.rdb.ZCard(ctx, key).Result()
}

func (r *redisKV) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return score, true, nil
}

func (r *redisKV) SAdd(ctx context.Context, key string, member string) error {
	return r.rdb.SAdd(ctx, key, member).Err()
}

func (r *redisKV) SRem(ctx context.Context, key string, member string) error {
	return r.rdb.SRem(ctx, key, member).Err()
}

func (r *redisKV) SCard(ctx context.Context, key string) (int64, error) {
	return r.rdb.SCard(ctx, key).Result()
}

func (r *redisKV) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return r.rdb.IncrBy(ctx, key, delta).Result()
}

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return r.rdb.Scan(ctx, cursor, match, count).Result()
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (r *redisKV) EvalJoin(ctx context.Context, a JoinArgs) (JoinReply, error) {
	res, err := joinScript.Run(ctx, r.rdb, []string{a.GameKey, a.SeatsKey},
		a.NewToken, boolArg(a.Flip), a.NowMs, a.TTL.Milliseconds()).Result()
	if err != nil {
		return JoinReply{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return JoinReply{}, fmt.Errorf("join script: unexpected reply %v", res)
	}
	code, _ := arr[0].(int64)
	color, _ := arr[1].(string)
	return JoinReply{Code: int(code), JoinerColor: Color(color)}, nil
}

func (r *redisKV) EvalDeductTime(ctx context.Context, a DeductArgs) (DeductReply, error) {
	res, err := deductScript.Run(ctx, r.rdb, []string{a.GameKey, a.MovesKey},
		string(a.Mover), a.NowMs, a.San, a.Fen, a.TTL.Milliseconds(), boolArg(a.Timed)).Result()
	if err != nil {
		return DeductReply{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return DeductReply{}, fmt.Errorf("deduct script: unexpected reply %v", res)
	}
	code, _ := arr[0].(int64)
	balance, _ := arr[1].(int64)
	num, _ := arr[2].(int64)
	return DeductReply{Code: int(code), NewBalanceMs: balance, MoveNumber: int(num)}, nil
}

func (r *redisKV) EvalClaimWin(ctx context.Context, a ClaimArgs) (int, error) {
	res, err := claimScript.Run(ctx, r.rdb, []string{a.GameKey, a.SeatsKey, a.TimerKey},
		string(a.Claimant), a.NowMs, a.TTL.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	code, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("claim script: unexpected reply %v", res)
	}
	return int(code), nil
}

func (r *redisKV) EvalRateLimit(ctx context.Context, a RateArgs) (RateReply, error) {
	windowSec := int64(a.Window / time.Second)
	if windowSec < 1 {
		windowSec = 1
	}
	res, err := rateScript.Run(ctx, r.rdb, []string{a.Key}, a.Max, windowSec).Result()
	if err != nil {
		return RateReply{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 3 {
		return RateReply{}, fmt.Errorf("rate script: unexpected reply %v", res)
	}
	allowed, _ := arr[0].(int64)
	remaining, _ := arr[1].(int64)
	ttl, _ := arr[2].(int64)
	return RateReply{
		Allowed:    allowed == 1,
		Remaining:  int(remaining),
		RetryAfter: time.Duration(ttl) * time.Second,
	}, nil
}

func (r *redisKV) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *redisKV) Close() error {
	return r.rdb.Close()
}
