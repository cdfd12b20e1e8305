package l2cap

import (
	"time"

	"github.com/paypal/gatt-core"
	"github.com/paypal/gatt-core/hci"
	"github.com/paypal/gatt-core/internal/corelog"
)

const (
	sigFirstTimeout = 2 * time.Second
	sigRetryTimeout = 4 * time.Second
	discTimeout     = 20 * time.Second
)

// LinkOption configures an optional callback at RegisterLink time.
type LinkOption func(*logicalLink)

func WithLinkErrorCallback(cb func()) LinkOption {
	return func(l *logicalLink) { l.linkErrorCB = cb }
}

func WithSecurityCallback(cb func(SecurityProperties, func(error))) LinkOption {
	return func(l *logicalLink) { l.securityCB = cb }
}

// WithConnParamCallback is only meaningful for LE links in the central
// role: it fires for every in-range parameter update request, which the
// manager always accepts once validated.
func WithConnParamCallback(cb func(ConnParamUpdateRequest)) LinkOption {
	return func(l *logicalLink) { l.connParamCB = cb }
}

type serviceRegistration struct {
	psm    PSM
	params ChannelParameters
	cb     func(*Channel)
}

// ChannelManager is the routing and multiplexing layer over ACL data:
// it owns logical links, reassembles B-frames, dispatches PDUs to
// channels, and drives the dynamic-channel signalling state machine.
type ChannelManager struct {
	disp *btcore.Dispatcher
	cc   *hci.CommandChannel
	acl  *hci.ACLDataChannel

	links          map[ConnectionHandle]*logicalLink
	services       map[PSM]*serviceRegistration
	pendingPackets map[ConnectionHandle][]pendingPacket
}

// pendingPacket is one inbound ACL packet held back because its handle
// has no registered link yet. The packet-boundary flag travels with the
// payload so replay reassembles exactly as live delivery would have.
type pendingPacket struct {
	pbFlag  uint8
	payload []byte
}

// NewChannelManager builds a ChannelManager over cc (for
// DisconnectionComplete/NumberOfCompletedPackets routing) and acl (for
// B-frame transport). It registers handlers for the HCI events the
// link manager and ACL channel consume.
func NewChannelManager(disp *btcore.Dispatcher, cc *hci.CommandChannel, acl *hci.ACLDataChannel) *ChannelManager {
	cm := &ChannelManager{
		disp:           disp,
		cc:             cc,
		acl:            acl,
		links:          make(map[ConnectionHandle]*logicalLink),
		services:       make(map[PSM]*serviceRegistration),
		pendingPackets: make(map[ConnectionHandle][]pendingPacket),
	}
	acl.SetRxHandler(cm.handleInboundACL)
	cc.AddEventHandler(hci.EventDisconnectionComplete, cm.handleDisconnectionComplete)
	cc.AddEventHandler(hci.EventNumberOfCompletedPackets, cm.handleNumberOfCompletedPackets)
	return cm
}

func (cm *ChannelManager) handleNumberOfCompletedPackets(code hci.EventCode, params []byte) hci.EventCallbackResult {
	var p hci.NumberOfCompletedPacketsParams
	if err := p.Unmarshal(params); err == nil {
		cm.acl.HandleNumberOfCompletedPackets(p)
	}
	return hci.Continue
}

func (cm *ChannelManager) handleDisconnectionComplete(code hci.EventCode, params []byte) hci.EventCallbackResult {
	var p hci.DisconnectionCompleteParams
	if err := p.Unmarshal(params); err != nil {
		return hci.Continue
	}
	if p.Status == 0 {
		cm.UnregisterLink(ConnectionHandle(p.ConnectionHandle))
	}
	return hci.Continue
}

// RegisterLink registers handle with the channel manager.
// For an ACL link it immediately issues Extended-Features-Supported and
// Fixed-Channels-Supported information requests on the ACL signalling
// channel.
func (cm *ChannelManager) RegisterLink(handle ConnectionHandle, lt LinkType, role Role, opts ...LinkOption) {
	if _, exists := cm.links[handle]; exists {
		return
	}
	link := newLogicalLink(handle, lt, role)
	for _, opt := range opts {
		opt(link)
	}
	cm.links[handle] = link
	cm.acl.RegisterLink(uint16(handle), aclLinkType(lt))
	corelog.Get().WithFields(map[string]interface{}{"handle": handle, "link_type": lt}).Debug("l2cap: link registered")

	if lt == LinkTypeACL {
		cm.sendInfoRequest(link, InfoExtendedFeatures)
		cm.sendInfoRequest(link, InfoFixedChannels)
	}

	if pending := cm.pendingPackets[handle]; pending != nil {
		delete(cm.pendingPackets, handle)
		for _, p := range pending {
			cm.reassembleFragment(link, p.pbFlag, p.payload)
		}
	}
}

func aclLinkType(lt LinkType) hci.LinkType {
	if lt == LinkTypeLE {
		return hci.LinkTypeLE
	}
	return hci.LinkTypeACL
}

// UnregisterLink notifies every open channel of closure, aborts in-flight
// signalling operations, drops queued outbound ACL for the link, and
// releases it.
func (cm *ChannelManager) UnregisterLink(handle ConnectionHandle) {
	link, ok := cm.links[handle]
	if !ok {
		return
	}
	delete(cm.links, handle)
	delete(cm.pendingPackets, handle)
	cm.acl.UnregisterLink(uint16(handle))
	corelog.Get().WithField("handle", handle).Debug("l2cap: link unregistered")

	for _, op := range link.pending {
		if op.timer != nil {
			op.timer.Cancel()
		}
		cm.failOp(link, op)
	}
	for _, ch := range link.channels {
		ch.notifyClosed()
	}
	// Link loss alone does not invoke linkErrorCB; every channel's
	// closedCB is the notification path for unregister.
}

func (cm *ChannelManager) link(handle ConnectionHandle) *logicalLink {
	return cm.links[handle]
}

// AssignLinkSecurity records security properties channels on handle
// expose to their users.
func (cm *ChannelManager) AssignLinkSecurity(handle ConnectionHandle, props SecurityProperties) {
	if link, ok := cm.links[handle]; ok {
		link.security = props
	}
}

func (cm *ChannelManager) security(handle ConnectionHandle) SecurityProperties {
	if link, ok := cm.links[handle]; ok {
		return link.security
	}
	return SecurityProperties{}
}

func (cm *ChannelManager) signalLinkError(handle ConnectionHandle) {
	if link, ok := cm.links[handle]; ok && link.linkErrorCB != nil {
		link.linkErrorCB()
	}
}

func (cm *ChannelManager) upgradeSecurity(handle ConnectionHandle, level SecurityProperties, cb func(error)) {
	link, ok := cm.links[handle]
	if !ok {
		if cb != nil {
			cb(ErrLinkGone)
		}
		return
	}
	if link.securityCB != nil {
		link.securityCB(level, cb)
	}
}

// OpenFixedChannel returns the fixed channel identified by cid on
// handle's link. Returns an error if the link is not registered, cid is
// not valid for the link's type, or a handle for that CID is already
// live.
func (cm *ChannelManager) OpenFixedChannel(handle ConnectionHandle, cid CID) (*Channel, error) {
	link, ok := cm.links[handle]
	if !ok {
		return nil, ErrLinkGone
	}
	if !userFixedCID(cid, link.linkType) {
		return nil, ErrInvalidCID
	}
	if _, exists := link.channels[cid]; exists {
		return nil, ErrAlreadyOpen
	}
	priority := hci.PriorityLow
	if cid == CIDSMPOverACL || cid == CIDSMPOverLE {
		priority = hci.PriorityHigh
	}
	ch := &Channel{
		cm:       cm,
		handle:   handle,
		fixed:    true,
		local:    cid,
		state:    stateOpen,
		mode:     ModeBasic,
		priority: priority,
	}
	link.channels[cid] = ch
	return ch, nil
}

// removeFixedChannel drops the local registry entry for a fixed channel
// being deactivated.
func (cm *ChannelManager) removeFixedChannel(handle ConnectionHandle, cid CID) {
	if link, ok := cm.links[handle]; ok {
		delete(link.channels, cid)
	}
}

// RegisterService registers a PSM listener. Fails if psm is invalid or
// already registered.
func (cm *ChannelManager) RegisterService(psm PSM, params ChannelParameters, cb func(*Channel)) bool {
	if !validPSM(psm) {
		return false
	}
	if _, exists := cm.services[psm]; exists {
		return false
	}
	cm.services[psm] = &serviceRegistration{psm: psm, params: params, cb: cb}
	return true
}

// UnregisterService removes a PSM listener.
func (cm *ChannelManager) UnregisterService(psm PSM) {
	delete(cm.services, psm)
}

// OpenChannel initiates an outbound dynamic channel: allocates a local
// CID, sends Connection-Request, runs configuration, and delivers either
// an active channel or an error via cb.
func (cm *ChannelManager) OpenChannel(handle ConnectionHandle, psm PSM, params ChannelParameters, cb func(*Channel, error)) {
	link, ok := cm.links[handle]
	if !ok {
		if cb != nil {
			cb(nil, ErrLinkGone)
		}
		return
	}
	if link.linkType != LinkTypeACL {
		if cb != nil {
			cb(nil, ErrWrongLinkType)
		}
		return
	}
	cid := link.allocCID()
	ch := &Channel{
		cm:       cm,
		handle:   handle,
		local:    cid,
		psm:      psm,
		mode:     params.Mode,
		localMTU: params.MTU,
		state:    stateWaitingConnRsp,
		priority: hci.PriorityLow,
	}
	if cb != nil {
		ch.openCB = func(c *Channel) {
			if err := connResultToErr(c); err != nil {
				cb(nil, err)
				return
			}
			cb(c, nil)
		}
	}
	link.channels[cid] = ch
	id := link.nextID()
	link.pending[id] = &pendingSigOp{kind: opConnect, channel: ch}
	cm.armTimeout(link, id)
	cm.sendSignalWithID(handle, link.signalingCID(), SigConnectionRequest, id, ConnectionRequest{PSM: psm, SourceCID: cid}.marshal())
}

func connResultToErr(c *Channel) error {
	if c == nil || c.state != stateOpen {
		return ErrRejected
	}
	return nil
}

func (cm *ChannelManager) armTimeout(link *logicalLink, id uint8) {
	op := link.pending[id]
	if op == nil {
		return
	}
	op.timer = cm.disp.PostDelayed(sigFirstTimeout, func() { cm.handleSigTimeout(link.handle, id) })
}

func (cm *ChannelManager) handleSigTimeout(handle ConnectionHandle, id uint8) {
	link, ok := cm.links[handle]
	if !ok {
		return
	}
	op, ok := link.pending[id]
	if !ok {
		return
	}
	if op.attempts < 1 {
		op.attempts++
		op.timer = cm.disp.PostDelayed(sigRetryTimeout, func() { cm.handleSigTimeout(handle, id) })
		return
	}
	delete(link.pending, id)
	cm.failOp(link, op)
}

func (cm *ChannelManager) failOp(link *logicalLink, op *pendingSigOp) {
	switch op.kind {
	case opConnect, opConfig:
		if op.channel != nil {
			delete(link.channels, op.channel.local)
			if op.channel.openCB != nil {
				op.channel.state = stateClosed
				op.channel.openCB(op.channel)
			}
			op.channel.notifyClosed()
		}
	case opDisconnect:
		if op.channel != nil {
			op.channel.notifyClosed()
		}
	case opInfo:
		// Missing response is treated as "no optional features";
		// nothing further to do.
	}
}

// sendInfoRequest issues an Information-Request on handle's ACL
// signalling channel.
func (cm *ChannelManager) sendInfoRequest(link *logicalLink, infoType InfoType) {
	id := link.nextID()
	link.pending[id] = &pendingSigOp{kind: opInfo, infoType: infoType}
	cm.armTimeout(link, id)
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigInformationRequest, id, InformationRequest{Type: infoType}.marshal())
}

func (cm *ChannelManager) sendSignalWithID(handle ConnectionHandle, cid CID, code SigCode, id uint8, payload []byte) {
	pkt := marshalSignalHeader(code, id, payload)
	cm.sendBFrame(handle, cid, cid, pkt, hci.PriorityHigh)
}

// sendBFrame frames payload as a B-frame {length, cid} and submits it
// to the ACL channel. tag identifies the sending channel (its local
// CID) so queued frames can be discarded if the channel dies first.
func (cm *ChannelManager) sendBFrame(handle ConnectionHandle, cid, tag CID, payload []byte, priority hci.Priority) bool {
	frame := make([]byte, 4+len(payload))
	frame[0] = byte(len(payload))
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(cid)
	frame[3] = byte(cid >> 8)
	copy(frame[4:], payload)
	return cm.acl.SendPackets([]hci.Packet{{Handle: uint16(handle), Priority: priority, Tag: uint16(tag), Payload: frame}}, uint16(handle), priority)
}

// beginDisconnect starts the local-initiated disconnection handshake for
// a dynamic channel.
func (cm *ChannelManager) beginDisconnect(ch *Channel) {
	link, ok := cm.links[ch.handle]
	if !ok {
		ch.notifyClosed()
		return
	}
	ch.state = stateWaitingDiscRsp
	cm.acl.DiscardTagged(uint16(ch.handle), uint16(ch.local))
	id := link.nextID()
	link.pending[id] = &pendingSigOp{kind: opDisconnect, channel: ch}
	op := link.pending[id]
	op.timer = cm.disp.PostDelayed(discTimeout, func() {
		if cur, ok := link.pending[id]; ok && cur == op {
			delete(link.pending, id)
			ch.notifyClosed()
		}
	})
	cm.sendSignalWithID(ch.handle, link.signalingCID(), SigDisconnectionRequest, id, DisconnectionRequest{DestCID: ch.remote, SourceCID: ch.local}.marshal())
}

// handleInboundACL is the ACLDataChannel rx handler.
func (cm *ChannelManager) handleInboundACL(handle uint16, pbFlag uint8, payload []byte) {
	h := ConnectionHandle(handle)
	link, ok := cm.links[h]
	if !ok {
		cm.pendingPackets[h] = append(cm.pendingPackets[h], pendingPacket{pbFlag: pbFlag, payload: payload})
		return
	}
	cm.reassembleFragment(link, pbFlag, payload)
}

func (cm *ChannelManager) reassembleFragment(link *logicalLink, pbFlag uint8, payload []byte) {
	switch pbFlag {
	case hci.PBContinuing:
		if link.currentCID == 0 {
			return // malformed: continuation with no frame in progress
		}
		st := link.reassembly[link.currentCID]
		if st == nil {
			return
		}
		st.buf = append(st.buf, payload...)
		cm.maybeCompleteFrame(link, link.currentCID, st)
	default: // first non-flushable / first flushable: starts a new B-frame
		if len(payload) < 4 {
			return
		}
		declared := int(payload[0]) | int(payload[1])<<8
		cid := CID(int(payload[2]) | int(payload[3])<<8)
		// A start-boundary fragment resets any in-progress reassembly on
		// this CID: a protocol error, but must not crash.
		st := &reassemblyState{declaredLen: declared, buf: append([]byte(nil), payload[4:]...)}
		link.reassembly[cid] = st
		link.currentCID = cid
		cm.maybeCompleteFrame(link, cid, st)
	}
}

func (cm *ChannelManager) maybeCompleteFrame(link *logicalLink, cid CID, st *reassemblyState) {
	if len(st.buf) < st.declaredLen {
		return
	}
	frame := st.buf[:st.declaredLen]
	delete(link.reassembly, cid)
	if link.currentCID == cid {
		link.currentCID = 0
	}
	cm.dispatchFrame(link, cid, frame)
}

func (cm *ChannelManager) dispatchFrame(link *logicalLink, cid CID, frame []byte) {
	ch, ok := link.channels[cid]
	if !ok {
		if cid == link.signalingCID() {
			cm.handleSignal(link, frame)
		}
		return
	}
	if ch.state == stateWaitingDiscRsp {
		return
	}
	ch.deliver(append([]byte(nil), frame...))
}
