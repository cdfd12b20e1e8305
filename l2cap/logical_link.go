package l2cap

import (
	"github.com/paypal/gatt-core"
)

// sigOpKind identifies what a pending signalling transaction is waiting
// for, so CommandReject and timeout handling know what to abort.
type sigOpKind int

const (
	opConnect sigOpKind = iota
	opConfig
	opDisconnect
	opInfo
)

type pendingSigOp struct {
	kind     sigOpKind
	channel  *Channel
	infoType InfoType
	timer    *btcore.Timer
	attempts int
}

// reassemblyState is the partial-reassembly buffer for one CID. At most
// one frame is in flight per CID at a time.
type reassemblyState struct {
	declaredLen int
	buf         []byte
}

// logicalLink is the per-connection L2CAP state: channel map,
// reassembly buffers, the signalling identifier counter, and the
// callbacks the owning ChannelManager was given at registration.
// Channels hold their link's ConnectionHandle, not a pointer to this
// struct; the manager's link map is the only place links live.
type logicalLink struct {
	handle   ConnectionHandle
	linkType LinkType
	role     Role

	channels   map[CID]*Channel
	reassembly map[CID]*reassemblyState
	currentCID CID

	nextIdentifier uint8
	pending        map[uint8]*pendingSigOp
	nextDynamicCID CID

	security SecurityProperties

	extendedFeatures uint64
	fixedChannels    uint64
	infoReceived     bool

	linkErrorCB func()
	securityCB  func(level SecurityProperties, cb func(error))
	connParamCB func(ConnParamUpdateRequest)

	closed bool
}

func newLogicalLink(handle ConnectionHandle, lt LinkType, role Role) *logicalLink {
	return &logicalLink{
		handle:         handle,
		linkType:       lt,
		role:           role,
		channels:       make(map[CID]*Channel),
		reassembly:     make(map[CID]*reassemblyState),
		pending:        make(map[uint8]*pendingSigOp),
		nextDynamicCID: CIDDynamicStart,
	}
}

// allocCID returns the next unused local dynamic CID for this link.
func (l *logicalLink) allocCID() CID {
	for {
		cid := l.nextDynamicCID
		l.nextDynamicCID++
		if l.nextDynamicCID == 0 {
			l.nextDynamicCID = CIDDynamicStart
		}
		if _, ok := l.channels[cid]; !ok {
			return cid
		}
	}
}

// nextID returns the next outbound signalling identifier. Only the
// outbound direction needs a counter; inbound identifiers are always
// echoed back verbatim.
func (l *logicalLink) nextID() uint8 {
	l.nextIdentifier++
	if l.nextIdentifier == 0 {
		l.nextIdentifier = 1
	}
	return l.nextIdentifier
}

// signalingCID returns this link's fixed signalling channel id.
func (l *logicalLink) signalingCID() CID {
	if l.linkType == LinkTypeLE {
		return CIDLESignaling
	}
	return CIDACLSignaling
}
