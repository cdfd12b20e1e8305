package hci

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EventCode identifies an HCI event packet.
type EventCode uint8

// Event codes the core recognizes directly, plus a handful more that a
// real controller emits during bring-up.
const (
	EventInquiryComplete          EventCode = 0x01
	EventInquiryResult            EventCode = 0x02
	EventConnectionComplete       EventCode = 0x03
	EventConnectionRequest        EventCode = 0x04
	EventDisconnectionComplete    EventCode = 0x05
	EventCommandComplete          EventCode = 0x0E
	EventCommandStatus            EventCode = 0x0F
	EventHardwareError            EventCode = 0x10
	EventRoleChange               EventCode = 0x12
	EventNumberOfCompletedPackets EventCode = 0x13
	EventLEMeta                   EventCode = 0x3E
)

var eventNames = map[EventCode]string{
	EventInquiryComplete:          "Inquiry Complete",
	EventInquiryResult:            "Inquiry Result",
	EventConnectionComplete:       "Connection Complete",
	EventConnectionRequest:        "Connection Request",
	EventDisconnectionComplete:    "Disconnection Complete",
	EventCommandComplete:          "Command Complete",
	EventCommandStatus:            "Command Status",
	EventHardwareError:            "Hardware Error",
	EventRoleChange:               "Role Change",
	EventNumberOfCompletedPackets: "Number Of Completed Packets",
	EventLEMeta:                   "LE Meta",
}

func (e EventCode) String() string {
	if n, ok := eventNames[e]; ok {
		return n
	}
	return fmt.Sprintf("EventCode(0x%02X)", uint8(e))
}

// LEMetaSubeventCode identifies the subevent carried by an LE Meta Event
// (EventLEMeta).
type LEMetaSubeventCode uint8

const (
	LESubeventConnectionComplete       LEMetaSubeventCode = 0x01
	LESubeventAdvertisingReport        LEMetaSubeventCode = 0x02
	LESubeventConnectionUpdateComplete LEMetaSubeventCode = 0x03
	LESubeventConnectionParameterReq   LEMetaSubeventCode = 0x06
)

// EventHeader is the two-byte header common to every HCI event packet:
// {event_code: u8, parameter_total_length: u8}.
type EventHeader struct {
	Code EventCode
	Plen uint8
}

func (h *EventHeader) Unmarshal(b []byte) error {
	if len(b) < 2 {
		return fmt.Errorf("hci: %w: short event header", errMalformed)
	}
	h.Code = EventCode(b[0])
	h.Plen = b[1]
	if int(h.Plen) > len(b)-2 {
		return fmt.Errorf("hci: %w: event plen %d exceeds buffer", errMalformed, h.Plen)
	}
	return nil
}

// CommandCompleteParams is the CommandComplete event payload.
type CommandCompleteParams struct {
	NumHCICommandPackets uint8
	CommandOpcode        OpCode
	ReturnParameters     []byte
}

func (p *CommandCompleteParams) Unmarshal(b []byte) error {
	if len(b) < 3 {
		return fmt.Errorf("hci: %w: short CommandComplete", errMalformed)
	}
	p.NumHCICommandPackets = b[0]
	p.CommandOpcode = OpCode(binary.LittleEndian.Uint16(b[1:3]))
	p.ReturnParameters = b[3:]
	return nil
}

// CommandStatusParams is the CommandStatus event payload.
type CommandStatusParams struct {
	Status               uint8
	NumHCICommandPackets uint8
	CommandOpcode        OpCode
}

func (p *CommandStatusParams) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("hci: %w: short CommandStatus", errMalformed)
	}
	p.Status = b[0]
	p.NumHCICommandPackets = b[1]
	p.CommandOpcode = OpCode(binary.LittleEndian.Uint16(b[2:4]))
	return nil
}

// CompletedPackets is one handle's contribution to a
// NumberOfCompletedPackets event.
type CompletedPackets struct {
	ConnectionHandle    uint16
	NumCompletedPackets uint16
}

// NumberOfCompletedPacketsParams is the NumberOfCompletedPackets event
// payload.
type NumberOfCompletedPacketsParams struct {
	Packets []CompletedPackets
}

func (p *NumberOfCompletedPacketsParams) Unmarshal(b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("hci: %w: short NumberOfCompletedPackets", errMalformed)
	}
	n := int(b[0])
	buf := bytes.NewReader(b[1:])
	p.Packets = make([]CompletedPackets, n)
	for i := 0; i < n; i++ {
		var handle, count uint16
		if err := binary.Read(buf, binary.LittleEndian, &handle); err != nil {
			return fmt.Errorf("hci: %w: %v", errMalformed, err)
		}
		if err := binary.Read(buf, binary.LittleEndian, &count); err != nil {
			return fmt.Errorf("hci: %w: %v", errMalformed, err)
		}
		p.Packets[i] = CompletedPackets{ConnectionHandle: handle & 0x0FFF, NumCompletedPackets: count}
	}
	return nil
}

// DisconnectionCompleteParams is the DisconnectionComplete event payload.
type DisconnectionCompleteParams struct {
	Status           uint8
	ConnectionHandle uint16
	Reason           uint8
}

func (p *DisconnectionCompleteParams) Unmarshal(b []byte) error {
	if len(b) < 4 {
		return fmt.Errorf("hci: %w: short DisconnectionComplete", errMalformed)
	}
	p.Status = b[0]
	p.ConnectionHandle = binary.LittleEndian.Uint16(b[1:3]) & 0x0FFF
	p.Reason = b[3]
	return nil
}
