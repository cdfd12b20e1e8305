package l2cap

import (
	"encoding/binary"
	"fmt"
)

// SigCode is an L2CAP signalling command code.
type SigCode uint8

const (
	SigCommandReject           SigCode = 0x01
	SigConnectionRequest       SigCode = 0x02
	SigConnectionResponse      SigCode = 0x03
	SigConfigureRequest        SigCode = 0x04
	SigConfigureResponse       SigCode = 0x05
	SigDisconnectionRequest    SigCode = 0x06
	SigDisconnectionResponse   SigCode = 0x07
	SigInformationRequest      SigCode = 0x0A
	SigInformationResponse     SigCode = 0x0B
	SigConnParamUpdateRequest  SigCode = 0x12
	SigConnParamUpdateResponse SigCode = 0x13
)

// CommandRejectReason is the reason code carried by a Command-Reject.
type CommandRejectReason uint16

const (
	RejectNotUnderstood CommandRejectReason = 0x0000
	RejectMTUExceeded   CommandRejectReason = 0x0001
	RejectInvalidCID    CommandRejectReason = 0x0002
)

// InfoType identifies the kind of Information-Request/Response payload.
type InfoType uint16

const (
	InfoExtendedFeatures InfoType = 0x0002
	InfoFixedChannels    InfoType = 0x0003
)

// InfoResult is the result code of an Information-Response.
type InfoResult uint16

const (
	InfoResultSuccess      InfoResult = 0x0000
	InfoResultNotSupported InfoResult = 0x0001
)

// SignalHeader is the four-byte header in front of every signalling
// command: {code: u8, identifier: u8, length: u16le}.
type SignalHeader struct {
	Code       SigCode
	Identifier uint8
	Length     uint16
}

func marshalSignalHeader(code SigCode, id uint8, payload []byte) []byte {
	b := make([]byte, 4+len(payload))
	b[0] = uint8(code)
	b[1] = id
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(payload)))
	copy(b[4:], payload)
	return b
}

func unmarshalSignalHeader(b []byte) (SignalHeader, []byte, error) {
	if len(b) < 4 {
		return SignalHeader{}, nil, fmt.Errorf("l2cap: signalling header too short")
	}
	h := SignalHeader{Code: SigCode(b[0]), Identifier: b[1], Length: binary.LittleEndian.Uint16(b[2:4])}
	if int(h.Length) > len(b)-4 {
		return SignalHeader{}, nil, fmt.Errorf("l2cap: signalling length %d exceeds buffer", h.Length)
	}
	return h, b[4 : 4+int(h.Length)], nil
}

// ConnectionRequest is the Connection-Request payload.
type ConnectionRequest struct {
	PSM       PSM
	SourceCID CID
}

func (r ConnectionRequest) marshal() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(r.PSM))
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.SourceCID))
	return b
}

func unmarshalConnectionRequest(b []byte) (ConnectionRequest, error) {
	if len(b) < 4 {
		return ConnectionRequest{}, fmt.Errorf("l2cap: short Connection-Request")
	}
	return ConnectionRequest{
		PSM:       PSM(binary.LittleEndian.Uint16(b[0:2])),
		SourceCID: CID(binary.LittleEndian.Uint16(b[2:4])),
	}, nil
}

// ConnectionResponse is the Connection-Response payload.
type ConnectionResponse struct {
	DestCID   CID
	SourceCID CID
	Result    ConnResult
	Status    uint16
}

func (r ConnectionResponse) marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], uint16(r.DestCID))
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.SourceCID))
	binary.LittleEndian.PutUint16(b[4:6], uint16(r.Result))
	binary.LittleEndian.PutUint16(b[6:8], r.Status)
	return b
}

func unmarshalConnectionResponse(b []byte) (ConnectionResponse, error) {
	if len(b) < 8 {
		return ConnectionResponse{}, fmt.Errorf("l2cap: short Connection-Response")
	}
	return ConnectionResponse{
		DestCID:   CID(binary.LittleEndian.Uint16(b[0:2])),
		SourceCID: CID(binary.LittleEndian.Uint16(b[2:4])),
		Result:    ConnResult(binary.LittleEndian.Uint16(b[4:6])),
		Status:    binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// ConfigOption is one TLV entry in a Configuration-Request/Response.
// The top bit of Type is the hint bit;
// Type here is the 7-bit option type with the hint bit split out.
type ConfigOption struct {
	Type byte
	Hint bool
	Data []byte
}

const (
	OptionMTU byte = 0x01
	OptionRFC byte = 0x04
)

func marshalOptions(opts []ConfigOption) []byte {
	var b []byte
	for _, o := range opts {
		t := o.Type
		if o.Hint {
			t |= 0x80
		}
		b = append(b, t, byte(len(o.Data)))
		b = append(b, o.Data...)
	}
	return b
}

func unmarshalOptions(b []byte) ([]ConfigOption, []ConfigOption) {
	var known, unknown []ConfigOption
	for len(b) >= 2 {
		t := b[0]
		l := int(b[1])
		if l > len(b)-2 {
			break
		}
		data := b[2 : 2+l]
		opt := ConfigOption{Type: t &^ 0x80, Hint: t&0x80 != 0, Data: append([]byte(nil), data...)}
		switch opt.Type {
		case OptionMTU, OptionRFC:
			known = append(known, opt)
		default:
			if !opt.Hint {
				unknown = append(unknown, opt)
			}
		}
		b = b[2+l:]
	}
	return known, unknown
}

// MTUOption builds the MTU configuration option.
func MTUOption(mtu uint16) ConfigOption {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, mtu)
	return ConfigOption{Type: OptionMTU, Data: b}
}

func parseMTUOption(o ConfigOption) (uint16, bool) {
	if len(o.Data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(o.Data), true
}

// RFCOption builds the Retransmission & Flow Control configuration
// option.
func RFCOption(mode Mode, txWindow, maxTransmit byte, rto, mto, mps uint16) ConfigOption {
	b := make([]byte, 9)
	if mode == ModeERTM {
		b[0] = 0x03 // ERTM mode code per Core Spec Vol 3 Part A table 5.3
	}
	b[1] = txWindow
	b[2] = maxTransmit
	binary.LittleEndian.PutUint16(b[3:5], rto)
	binary.LittleEndian.PutUint16(b[5:7], mto)
	binary.LittleEndian.PutUint16(b[7:9], mps)
	return ConfigOption{Type: OptionRFC, Data: b}
}

func parseRFCOption(o ConfigOption) (Mode, bool) {
	if len(o.Data) < 1 {
		return ModeBasic, false
	}
	if o.Data[0] == 0x03 {
		return ModeERTM, true
	}
	return ModeBasic, true
}

// ConfigurationRequest is the Configuration-Request payload. Unknown
// carries any options without the hint bit set that this core does not
// recognize: the responder must answer those with
// ConfigResultUnknownOptions rather than silently ignoring them.
type ConfigurationRequest struct {
	DestCID CID
	Flags   uint16
	Options []ConfigOption
	Unknown []ConfigOption
}

func (r ConfigurationRequest) marshal() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(r.DestCID))
	binary.LittleEndian.PutUint16(b[2:4], r.Flags)
	return append(b, marshalOptions(r.Options)...)
}

func unmarshalConfigurationRequest(b []byte) (ConfigurationRequest, error) {
	if len(b) < 4 {
		return ConfigurationRequest{}, fmt.Errorf("l2cap: short Configuration-Request")
	}
	known, unknown := unmarshalOptions(b[4:])
	return ConfigurationRequest{
		DestCID: CID(binary.LittleEndian.Uint16(b[0:2])),
		Flags:   binary.LittleEndian.Uint16(b[2:4]),
		Options: known,
		Unknown: unknown,
	}, nil
}

// ConfigurationResponse is the Configuration-Response payload.
type ConfigurationResponse struct {
	SourceCID CID
	Flags     uint16
	Result    ConfigResult
	Options   []ConfigOption
}

func (r ConfigurationResponse) marshal() []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], uint16(r.SourceCID))
	binary.LittleEndian.PutUint16(b[2:4], r.Flags)
	binary.LittleEndian.PutUint16(b[4:6], uint16(r.Result))
	return append(b, marshalOptions(r.Options)...)
}

func unmarshalConfigurationResponse(b []byte) (ConfigurationResponse, error) {
	if len(b) < 6 {
		return ConfigurationResponse{}, fmt.Errorf("l2cap: short Configuration-Response")
	}
	known, _ := unmarshalOptions(b[6:])
	return ConfigurationResponse{
		SourceCID: CID(binary.LittleEndian.Uint16(b[0:2])),
		Flags:     binary.LittleEndian.Uint16(b[2:4]),
		Result:    ConfigResult(binary.LittleEndian.Uint16(b[4:6])),
		Options:   known,
	}, nil
}

// DisconnectionRequest / DisconnectionResponse share the same shape.
type DisconnectionRequest struct {
	DestCID   CID
	SourceCID CID
}

type DisconnectionResponse struct {
	DestCID   CID
	SourceCID CID
}

func (r DisconnectionRequest) marshal() []byte  { return marshalCIDPair(r.DestCID, r.SourceCID) }
func (r DisconnectionResponse) marshal() []byte { return marshalCIDPair(r.DestCID, r.SourceCID) }

func marshalCIDPair(a, b CID) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint16(out[0:2], uint16(a))
	binary.LittleEndian.PutUint16(out[2:4], uint16(b))
	return out
}

func unmarshalCIDPair(b []byte) (CID, CID, error) {
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("l2cap: short CID pair")
	}
	return CID(binary.LittleEndian.Uint16(b[0:2])), CID(binary.LittleEndian.Uint16(b[2:4])), nil
}

// InformationRequest is the Information-Request payload.
type InformationRequest struct {
	Type InfoType
}

func (r InformationRequest) marshal() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(r.Type))
	return b
}

func unmarshalInformationRequest(b []byte) (InformationRequest, error) {
	if len(b) < 2 {
		return InformationRequest{}, fmt.Errorf("l2cap: short Information-Request")
	}
	return InformationRequest{Type: InfoType(binary.LittleEndian.Uint16(b[0:2]))}, nil
}

// InformationResponse is the Information-Response payload.
type InformationResponse struct {
	Type   InfoType
	Result InfoResult
	Data   []byte
}

func (r InformationResponse) marshal() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(r.Type))
	binary.LittleEndian.PutUint16(b[2:4], uint16(r.Result))
	return append(b, r.Data...)
}

func unmarshalInformationResponse(b []byte) (InformationResponse, error) {
	if len(b) < 4 {
		return InformationResponse{}, fmt.Errorf("l2cap: short Information-Response")
	}
	return InformationResponse{
		Type:   InfoType(binary.LittleEndian.Uint16(b[0:2])),
		Result: InfoResult(binary.LittleEndian.Uint16(b[2:4])),
		Data:   append([]byte(nil), b[4:]...),
	}, nil
}

// CommandReject is the Command-Reject payload.
type CommandReject struct {
	Reason CommandRejectReason
	Data   []byte
}

func (r CommandReject) marshal() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(r.Reason))
	return append(b, r.Data...)
}

func unmarshalCommandReject(b []byte) (CommandReject, error) {
	if len(b) < 2 {
		return CommandReject{}, fmt.Errorf("l2cap: short Command-Reject")
	}
	return CommandReject{Reason: CommandRejectReason(binary.LittleEndian.Uint16(b[0:2])), Data: append([]byte(nil), b[2:]...)}, nil
}

// ConnParamUpdateRequest is the LE Connection-Parameter-Update-Request
// payload.
type ConnParamUpdateRequest struct {
	IntervalMin       uint16
	IntervalMax       uint16
	Latency           uint16
	TimeoutMultiplier uint16
}

func (r ConnParamUpdateRequest) marshal() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], r.IntervalMin)
	binary.LittleEndian.PutUint16(b[2:4], r.IntervalMax)
	binary.LittleEndian.PutUint16(b[4:6], r.Latency)
	binary.LittleEndian.PutUint16(b[6:8], r.TimeoutMultiplier)
	return b
}

func unmarshalConnParamUpdateRequest(b []byte) (ConnParamUpdateRequest, error) {
	if len(b) < 8 {
		return ConnParamUpdateRequest{}, fmt.Errorf("l2cap: short ConnParamUpdateRequest")
	}
	return ConnParamUpdateRequest{
		IntervalMin:       binary.LittleEndian.Uint16(b[0:2]),
		IntervalMax:       binary.LittleEndian.Uint16(b[2:4]),
		Latency:           binary.LittleEndian.Uint16(b[4:6]),
		TimeoutMultiplier: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// valid reports whether the requested parameters fall within the ranges
// of Core Spec v5.2 Vol 3 Part A §4.20.
func (r ConnParamUpdateRequest) valid() bool {
	if r.IntervalMin < 6 || r.IntervalMax > 3200 || r.IntervalMin > r.IntervalMax {
		return false
	}
	if r.Latency > 499 {
		return false
	}
	if r.TimeoutMultiplier < 10 || r.TimeoutMultiplier > 3200 {
		return false
	}
	return true
}

// ConnParamUpdateResponse is the LE Connection-Parameter-Update-Response
// payload.
type ConnParamUpdateResponse struct {
	Result LEConnParamResult
}

func (r ConnParamUpdateResponse) marshal() []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(r.Result))
	return b
}
