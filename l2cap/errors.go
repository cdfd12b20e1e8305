package l2cap

import "errors"

// Sentinel errors surfaced to upper layers.
var (
	ErrLinkGone      = errors.New("l2cap: link not registered")
	ErrInvalidCID    = errors.New("l2cap: invalid CID for link type")
	ErrAlreadyOpen   = errors.New("l2cap: channel already open")
	ErrRejected      = errors.New("l2cap: channel rejected or timed out")
	ErrWrongLinkType = errors.New("l2cap: operation not valid for this link type")
)
