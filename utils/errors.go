package utils

import (
	"errors"
	"fmt"
)

// Kind classifies an error for protocol and HTTP mapping.
type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	PreconditionFailed
	Conflict
	IllegalMove
	Unauthorized
	RateLimited
	StoreCorruption
)

// Error carries a kind plus the client-visible message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func E(kind Kind, format string, a ...interface{}) *Error {
	if len(a) == 0 {
		return &Error{Kind: kind, Msg: format}
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// KindOf walks the wrap chain and reports the first classified kind.
// Unclassified errors count as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Protocol errors with fixed client-visible text.
var (
	ErrGameNotFound    = E(NotFound, "Game not found")
	ErrNotInProgress   = E(PreconditionFailed, "Game is not in progress")
	ErrNotYourTurn     = E(PreconditionFailed, "Not your turn")
	ErrNoDrawOffer     = E(PreconditionFailed, "No pending draw offer to accept")
	ErrNoRematchOffer  = E(PreconditionFailed, "No pending rematch offer to accept")
	ErrNotOfferOwner   = E(PreconditionFailed, "Offer belongs to the opponent")
	ErrNotPlayer       = E(PreconditionFailed, "You are not a player in this game")
	ErrGameFinished    = E(PreconditionFailed, "Game is already finished")
	ErrAlreadyFull     = E(Conflict, "Game already has two players")
	ErrNotWaiting      = E(PreconditionFailed, "Game is not waiting for players")
	ErrNoClaimTimer    = E(PreconditionFailed, "No disconnect timer to claim against")
	ErrClaimTooEarly   = E(PreconditionFailed, "Claim deadline has not passed yet")
	ErrClaimNotAllowed = E(PreconditionFailed, "Only the connected opponent may claim the win")
	ErrOpponentBack    = E(PreconditionFailed, "Opponent has reconnected")
	ErrRateLimited     = E(RateLimited, "Too many requests")
	ErrBadToken        = E(Unauthorized, "Token does not match a seat")
	ErrUntimedGame     = E(PreconditionFailed, "Game has no clock")
	ErrClockNotDown    = E(PreconditionFailed, "Clock has not expired")
)

// Corruption wraps a decode failure so recovery paths can classify it.
func Corruption(err error, what string) error {
	return fmt.Errorf("%w: %v", E(StoreCorruption, "corrupted "+what), err)
}

// IsCorruption reports whether any error in the chain is StoreCorruption.
func IsCorruption(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == StoreCorruption
}
