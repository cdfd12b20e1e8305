package hci

import "errors"

// Sentinel errors the command/event/ACL layers return, typed so callers
// can use errors.Is/errors.As instead of string matching.
var (
	// errMalformed wraps any packet that is too short or internally
	// inconsistent to parse.
	errMalformed = errors.New("malformed packet")

	// ErrUnknownOpcode describes a CommandComplete/CommandStatus event
	// whose opcode does not match any pending transaction. No method in
	// this package returns it: CommandChannel treats such an event as a
	// credit refresh only.
	ErrUnknownOpcode = errors.New("hci: event opcode matches no pending command")

	// ErrCommandTimeout is returned to a command's callback when no
	// matching completion event arrives before its deadline.
	ErrCommandTimeout = errors.New("hci: command timed out")

	// ErrChannelClosed describes a CommandChannel/ACLDataChannel used
	// after Close. No method in this package returns it: after Close,
	// SendCommand and its variants return transaction id 0.
	ErrChannelClosed = errors.New("hci: channel closed")

	// ErrNoCredits describes an exhausted packet budget. No method in
	// this package returns it: SendPackets keeps fragments queued until
	// Number-Of-Completed-Packets gives credits back.
	ErrNoCredits = errors.New("hci: no packet credits available")

	// ErrUnknownHandle describes a connection handle the channel has no
	// record of. No method in this package returns it: SendPackets
	// attributes an unregistered handle to BR/EDR.
	ErrUnknownHandle = errors.New("hci: unknown connection handle")
)
