// Package clock holds the server-authoritative chess clock math.
// Balances are the clock state at the moment of the last accepted move;
// only the side to move burns wall time.
package clock

import (
	"time"

	"linkchess/configs"
)

// NowMs is the single clock source for the engine. Tests swap it out.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Remaining computes the live balance of the side to move.
// lastMoveAt = 0 means the clock has not started, the full balance stands.
func Remaining(balanceMs, lastMoveAtMs, nowMs int64) int64 {
	if lastMoveAtMs == 0 {
		return balanceMs
	}
	return balanceMs - (nowMs - lastMoveAtMs)
}

// Deduct charges elapsed time against the mover's balance and credits the
// increment. flagged means the mover ran out before completing the move;
// the balance is not written in that case.
func Deduct(balanceMs, lastMoveAtMs, nowMs, incrementMs int64) (newBalance int64, flagged bool) {
	remaining := Remaining(balanceMs, lastMoveAtMs, nowMs)
	if remaining <= 0 {
		return 0, true
	}
	return remaining + incrementMs, false
}

// Clamp forces a requested time control into the allowed bounds.
// A zero initial time means the game is untimed.
func Clamp(initialMs, incrementMs int64) (int64, int64) {
	if initialMs < 0 {
		initialMs = 0
	}
	if initialMs > configs.MaxTimeInitialMs {
		initialMs = configs.MaxTimeInitialMs
	}
	if incrementMs < 0 {
		incrementMs = 0
	}
	if incrementMs > configs.MaxTimeIncrementMs {
		incrementMs = configs.MaxTimeIncrementMs
	}
	return initialMs, incrementMs
}
