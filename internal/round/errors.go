package round

import "errors"

var (
	// ErrNoItems rejects opening a round for a host with an empty catalog.
	ErrNoItems = errors.New("round: host has no items to bid on")
	// ErrNotRoundHost rejects a close request from anyone but the owner.
	ErrNotRoundHost = errors.New("round: initiator does not own this round")
)
