package bid

import "errors"

var (
	ErrNoActiveRound  = errors.New("bid: no active round")
	ErrRoundExpired   = errors.New("bid: round has ended")
	ErrItemNotInRound = errors.New("bid: item is not part of the current round")
	ErrBidTooLow      = errors.New("bid: amount must exceed your previous bid")
	ErrInvalidAmount  = errors.New("bid: amount must be positive")
)
