package hci

import (
	"encoding/binary"
	"fmt"
)

// HCI packet indicator bytes, prefixing every packet on a shared
// transport. Callers that multiplex command and ACL traffic onto one
// stream use these; callers with separate command/ACL pipes (the common
// case this core targets) never see them on the wire.
const (
	PacketTypeCommand PacketType = 0x01
	PacketTypeACLData PacketType = 0x02
	PacketTypeSCOData PacketType = 0x03
	PacketTypeEvent   PacketType = 0x04
)

type PacketType uint8

// CommandHeader is the three-byte header in front of every outbound HCI
// command: {opcode: u16le, parameter_total_length: u8}.
type CommandHeader struct {
	Opcode OpCode
	Plen   uint8
}

// MarshalCommand writes a command header followed by params into a
// freshly allocated buffer.
func MarshalCommand(op OpCode, params []byte) []byte {
	b := make([]byte, 3+len(params))
	binary.LittleEndian.PutUint16(b[0:2], uint16(op))
	b[2] = uint8(len(params))
	copy(b[3:], params)
	return b
}

// ACL packet-boundary flags (PB flag, bits 12-13 of the handle/flags word).
const (
	PBFirstNonFlushable uint8 = 0x00
	PBContinuing        uint8 = 0x01
	PBFirstFlushable    uint8 = 0x02
	PBComplete          uint8 = 0x03
)

// ACL broadcast flags (BC flag, bits 14-15), point-to-point unless
// otherwise noted.
const (
	BCPointToPoint uint8 = 0x00
)

// ACLHeader is the four-byte header in front of every ACL data packet:
// a 12-bit connection handle plus 2-bit PB flag and 2-bit BC flag packed
// into the first u16, followed by a u16 data length.
type ACLHeader struct {
	Handle uint16
	PBFlag uint8
	BCFlag uint8
	Dlen   uint16
}

func MarshalACLHeader(h ACLHeader) []byte {
	b := make([]byte, 4)
	word := (h.Handle & 0x0FFF) | uint16(h.PBFlag&0x3)<<12 | uint16(h.BCFlag&0x3)<<14
	binary.LittleEndian.PutUint16(b[0:2], word)
	binary.LittleEndian.PutUint16(b[2:4], h.Dlen)
	return b
}

func UnmarshalACLHeader(b []byte) (ACLHeader, error) {
	if len(b) < 4 {
		return ACLHeader{}, fmt.Errorf("hci: %w: short ACL header", errMalformed)
	}
	word := binary.LittleEndian.Uint16(b[0:2])
	dlen := binary.LittleEndian.Uint16(b[2:4])
	return ACLHeader{
		Handle: word & 0x0FFF,
		PBFlag: uint8(word>>12) & 0x3,
		BCFlag: uint8(word>>14) & 0x3,
		Dlen:   dlen,
	}, nil
}
