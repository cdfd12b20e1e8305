package btcore

import "fmt"

// Error kinds of the core, as values for errors.Is/errors.As. The hci and
// l2cap packages return their own sentinel errors (for example
// hci.ErrCommandTimeout, l2cap.ErrLinkGone, l2cap.ErrRejected); no
// function in this module returns or wraps the values below.
var (
	// ErrNotFound covers an unknown handle, unknown channel id, or
	// unregistered service.
	ErrNotFound = fmt.Errorf("btcore: not found")

	// ErrInvalidParameters covers malformed arguments, a reserved CID, or
	// an SDU that exceeds the negotiated MTU.
	ErrInvalidParameters = fmt.Errorf("btcore: invalid parameters")

	// ErrBusy covers a duplicate open, a duplicate event subscription, or
	// an exclusive-command conflict detected at submission time.
	ErrBusy = fmt.Errorf("btcore: busy")

	// ErrLinkError indicates the underlying logical link closed while the
	// operation was in flight.
	ErrLinkError = fmt.Errorf("btcore: link error")

	// ErrTimeout indicates a command, signalling response or
	// configuration handshake did not complete in time.
	ErrTimeout = fmt.Errorf("btcore: timeout")

	// ErrMalformedPacket indicates inbound data was not understood.
	ErrMalformedPacket = fmt.Errorf("btcore: malformed packet")
)

// ProtocolError wraps a non-success status code returned by the controller
// or a peer, preserving the raw code for the caller.
type ProtocolError struct {
	Code uint8
}

func (e ProtocolError) Error() string {
	return fmt.Sprintf("btcore: protocol error 0x%02X", e.Code)
}
