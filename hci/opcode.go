// Package hci implements the command/event flow-control engine and the
// ACL data channel of the Bluetooth host stack core: an asynchronous,
// exclusion-aware command pipeline sitting below an L2CAP layer.
package hci

import "fmt"

// OpCode is a 16-bit HCI command opcode: a 6-bit OGF (opcode group field)
// and a 10-bit OCF (opcode command field).
type OpCode uint16

// MakeOpCode returns a standard opcode for the given OGF/OCF pair.
func MakeOpCode(ogf uint8, ocf uint16) OpCode {
	return OpCode(uint16(ogf)<<10 | (ocf & 0x03FF))
}

func (op OpCode) OGF() uint8  { return uint8(uint16(op) >> 10 & 0x3F) }
func (op OpCode) OCF() uint16 { return uint16(op) & 0x03FF }

func (op OpCode) String() string {
	if name, ok := opCodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OpCode(0x%04X)", uint16(op))
}

// OGF groups.
const (
	ogfLinkControl  uint8 = 0x01
	ogfLinkPolicy   uint8 = 0x02
	ogfHostControl  uint8 = 0x03
	ogfInfoParam    uint8 = 0x04
	ogfStatusParam  uint8 = 0x05
	ogfLEController uint8 = 0x08
)

// A representative subset of the standard opcode catalog, covering
// controller bring-up and LE connection establishment. Upper layers
// define further opcodes with MakeOpCode.
var (
	OpReset                  = MakeOpCode(ogfHostControl, 0x0003)
	OpSetEventMask           = MakeOpCode(ogfHostControl, 0x0001)
	OpReadLocalVersion       = MakeOpCode(ogfInfoParam, 0x0001)
	OpHostNumCompletedPkts   = MakeOpCode(ogfHostControl, 0x0035)
	OpHostBufferSize         = MakeOpCode(ogfHostControl, 0x0033)
	OpInquiry                = MakeOpCode(ogfLinkControl, 0x0001)
	OpInquiryCancel          = MakeOpCode(ogfLinkControl, 0x0002)
	OpCreateConnection       = MakeOpCode(ogfLinkControl, 0x0005)
	OpDisconnect             = MakeOpCode(ogfLinkControl, 0x0006)
	OpLESetEventMask         = MakeOpCode(ogfLEController, 0x0001)
	OpLEReadBufferSize       = MakeOpCode(ogfLEController, 0x0002)
	OpLECreateConnection     = MakeOpCode(ogfLEController, 0x000D)
	OpLECreateConnCancel     = MakeOpCode(ogfLEController, 0x000E)
	OpLEConnUpdate           = MakeOpCode(ogfLEController, 0x0013)
	OpLESetAdvertisingParams = MakeOpCode(ogfLEController, 0x0006)
	OpLESetAdvertiseEnable   = MakeOpCode(ogfLEController, 0x000A)
)

var opCodeNames = map[OpCode]string{
	OpReset:                  "Reset",
	OpSetEventMask:           "Set Event Mask",
	OpReadLocalVersion:       "Read Local Version Information",
	OpHostNumCompletedPkts:   "Host Number Of Completed Packets",
	OpHostBufferSize:         "Host Buffer Size",
	OpInquiry:                "Inquiry",
	OpInquiryCancel:          "Inquiry Cancel",
	OpCreateConnection:       "Create Connection",
	OpDisconnect:             "Disconnect",
	OpLESetEventMask:         "LE Set Event Mask",
	OpLEReadBufferSize:       "LE Read Buffer Size",
	OpLECreateConnection:     "LE Create Connection",
	OpLECreateConnCancel:     "LE Create Connection Cancel",
	OpLEConnUpdate:           "LE Connection Update",
	OpLESetAdvertisingParams: "LE Set Advertising Parameters",
	OpLESetAdvertiseEnable:   "LE Set Advertising Enable",
}
