package storage

import (
	"context"
	"time"

	"linkchess/configs"
)

// EvalJoin reply codes.
const (
	JoinOK = iota
	JoinNotFound
	JoinNotWaiting
	JoinAlreadyFull
)

// EvalDeductTime reply codes.
const (
	DeductOK = iota
	DeductNotFound
	DeductNotInProgress
	DeductTimedOut
)

// EvalClaimWin reply codes.
const (
	ClaimOK = iota
	ClaimNotFound
	ClaimNotInProgress
	ClaimNoTimer
	ClaimNotOpponent
	ClaimTooEarly
	ClaimReconnected
)

// JoinArgs seats the second player. Flip resolves creatorColor=random:
// true hands the white seat to the joiner.
type JoinArgs struct {
	GameKey  string
	SeatsKey string
	NewToken string
	Flip     bool
	NowMs    int64
	TTL      time.Duration
}

type JoinReply struct {
	Code        int
	JoinerColor Color
}

// DeductArgs appends one accepted move. For timed games the mover's
// balance is charged and credited inside the same atomic step; Timed
// false skips the clock math entirely.
type DeductArgs struct {
	GameKey  string
	MovesKey string
	Mover    Color
	San      string
	Fen      string
	NowMs    int64
	Timed    bool
	TTL      time.Duration
}

type DeductReply struct {
	Code         int
	NewBalanceMs int64
	MoveNumber   int
}

type ClaimArgs struct {
	GameKey  string
	SeatsKey string
	TimerKey string
	Claimant Color
	NowMs    int64
	TTL      time.Duration
}

type RateArgs struct {
	Key    string
	Max    int
	Window time.Duration
}

type RateReply struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// KV is the hot-state store holding every live room. All multi-step
// state transitions (seat assignment, clocked moves, win claims, rate
// windows) run through Eval* so that concurrent connections observe
// them atomically regardless of backend.
type KV interface {
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LTrim(ctx context.Context, key string, start, stop int64) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRem(ctx context.Context, key string, member string) error
	ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	SAdd(ctx context.Context, key string, member string) error
	SRem(ctx context.Context, key string, member string) error
	SCard(ctx context.Context, key string) (int64, error)

	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error)

	EvalJoin(ctx context.Context, a JoinArgs) (JoinReply, error)
	EvalDeductTime(ctx context.Context, a DeductArgs) (DeductReply, error)
	EvalClaimWin(ctx context.Context, a ClaimArgs) (int, error)
	EvalRateLimit(ctx context.Context, a RateArgs) (RateReply, error)

	Ping(ctx context.Context) error
	Close() error
}

// OpenKV picks the hot-store backend from configuration.
func OpenKV(ctx context.Context) (KV, error) {
	switch configs.HotStore {
	case configs.MemoryKV:
		return NewMemoryKV(), nil
	case configs.RedisKV:
		return NewRedisKV(ctx, configs.RedisAddress)
	default:
		configs.Assert(false, "unsupported hot store backend: "+configs.HotStore)
		return nil, nil
	}
}
