package btcore

import "io"

// Transport is the raw byte-pipe pair to the controller. CommandPipe carries
// HCI command writes and HCI event reads; ACLPipe carries HCI ACL data
// packets in both directions. Framing (opcode/event-code headers, the
// ACL handle-and-flags word) is the core's job, not the transport's.
//
// A Transport may be backed by a real HCI socket, a pair of in-memory
// pipes for testing, or anything else that moves whole HCI packets
// reliably and in order.
type Transport interface {
	CommandPipe() io.ReadWriteCloser
	ACLPipe() io.ReadWriteCloser
}

// pipes is the trivial Transport built from two already-open
// io.ReadWriteCloser values.
type pipes struct {
	cmd io.ReadWriteCloser
	acl io.ReadWriteCloser
}

// NewTransport adapts a command pipe and an ACL pipe into a Transport.
func NewTransport(cmd, acl io.ReadWriteCloser) Transport {
	return pipes{cmd: cmd, acl: acl}
}

func (p pipes) CommandPipe() io.ReadWriteCloser { return p.cmd }
func (p pipes) ACLPipe() io.ReadWriteCloser     { return p.acl }
