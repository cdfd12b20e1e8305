package l2cap

import (
	"encoding/binary"

	"github.com/paypal/gatt-core/hci"
)

// extFeatureERTM is bit 3 of the L2CAP Extended Features Mask (Core Spec
// v5.2 Vol 3 Part A Table 4.12): Enhanced Retransmission Mode support.
const extFeatureERTM uint64 = 1 << 3

// ertmSupported reports whether link's peer has confirmed ERTM support
// via Information-Response. A response that never arrived (or arrived
// without the bit set) is treated as "no optional features".
func ertmSupported(link *logicalLink) bool {
	return link.infoReceived && link.extendedFeatures&extFeatureERTM != 0
}

// sigCodeAllowed reports whether code is valid on lt's signalling
// channel: dynamic-channel and information commands exist only on the
// ACL channel, connection-parameter updates only on the LE channel, and
// Command-Reject plus disconnection on both.
func sigCodeAllowed(lt LinkType, code SigCode) bool {
	switch code {
	case SigCommandReject, SigDisconnectionRequest, SigDisconnectionResponse:
		return true
	case SigConnectionRequest, SigConnectionResponse,
		SigConfigureRequest, SigConfigureResponse,
		SigInformationRequest, SigInformationResponse:
		return lt == LinkTypeACL
	case SigConnParamUpdateRequest, SigConnParamUpdateResponse:
		return lt == LinkTypeLE
	}
	return false
}

// handleSignal dispatches one signalling-channel PDU by opcode.
func (cm *ChannelManager) handleSignal(link *logicalLink, frame []byte) {
	hdr, body, err := unmarshalSignalHeader(frame)
	if err != nil {
		return
	}
	if !sigCodeAllowed(link.linkType, hdr.Code) {
		cm.sendSignalWithID(link.handle, link.signalingCID(), SigCommandReject, hdr.Identifier,
			CommandReject{Reason: RejectNotUnderstood}.marshal())
		return
	}
	switch hdr.Code {
	case SigCommandReject:
		cm.onCommandReject(link, hdr)
	case SigConnectionRequest:
		cm.onConnectionRequest(link, hdr, body)
	case SigConnectionResponse:
		cm.onConnectionResponse(link, hdr, body)
	case SigConfigureRequest:
		cm.onConfigureRequest(link, hdr, body)
	case SigConfigureResponse:
		cm.onConfigureResponse(link, hdr, body)
	case SigDisconnectionRequest:
		cm.onDisconnectionRequest(link, hdr, body)
	case SigDisconnectionResponse:
		cm.onDisconnectionResponse(link, hdr)
	case SigInformationRequest:
		cm.onInformationRequest(link, hdr, body)
	case SigInformationResponse:
		cm.onInformationResponse(link, hdr, body)
	case SigConnParamUpdateRequest:
		cm.onConnParamUpdateRequest(link, hdr, body)
	case SigConnParamUpdateResponse:
		// The manager never issues the update request itself, so there
		// is no pending operation to correlate this response with.
	}
}

func (cm *ChannelManager) onConnectionRequest(link *logicalLink, hdr SignalHeader, body []byte) {
	req, err := unmarshalConnectionRequest(body)
	if err != nil {
		return
	}
	svc, ok := cm.services[req.PSM]
	if !ok {
		cm.sendSignalWithID(link.handle, link.signalingCID(), SigConnectionResponse, hdr.Identifier,
			ConnectionResponse{DestCID: 0, SourceCID: req.SourceCID, Result: ConnResultPSMRejected}.marshal())
		return
	}
	cid := link.allocCID()
	ch := &Channel{
		cm:       cm,
		handle:   link.handle,
		local:    cid,
		remote:   req.SourceCID,
		psm:      req.PSM,
		mode:     svc.params.Mode,
		localMTU: svc.params.MTU,
		state:    stateWaitingConfig,
		priority: hci.PriorityLow,
		incoming: true,
	}
	if svc.cb != nil {
		ch.openCB = func(c *Channel) {
			if c.state == stateOpen {
				svc.cb(c)
			}
		}
	}
	link.channels[cid] = ch
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigConnectionResponse, hdr.Identifier,
		ConnectionResponse{DestCID: cid, SourceCID: req.SourceCID, Result: ConnResultSuccess}.marshal())
	cm.sendConfigRequest(link, ch)
}

func (cm *ChannelManager) onConnectionResponse(link *logicalLink, hdr SignalHeader, body []byte) {
	op, ok := link.pending[hdr.Identifier]
	if !ok || op.kind != opConnect {
		return
	}
	resp, err := unmarshalConnectionResponse(body)
	if err != nil {
		return
	}
	ch := op.channel
	switch resp.Result {
	case ConnResultSuccess:
		delete(link.pending, hdr.Identifier)
		if op.timer != nil {
			op.timer.Cancel()
		}
		ch.remote = resp.DestCID
		ch.state = stateWaitingConfig
		cm.sendConfigRequest(link, ch)
	case ConnResultPending:
		if op.timer != nil {
			op.timer.Cancel()
		}
		op.attempts = 0
		op.timer = cm.disp.PostDelayed(sigFirstTimeout, func() { cm.handleSigTimeout(link.handle, hdr.Identifier) })
	default:
		delete(link.pending, hdr.Identifier)
		if op.timer != nil {
			op.timer.Cancel()
		}
		delete(link.channels, ch.local)
		ch.state = stateClosed
		if ch.openCB != nil {
			ch.openCB(ch)
		}
	}
}

// sendConfigRequest issues this side's own Configuration-Request for ch,
// carrying the MTU and mode it is willing to receive. A user request for
// ERTM only survives if the peer's Extended-Features response confirmed
// support; otherwise ch falls back to Basic before the request is
// built.
func (cm *ChannelManager) sendConfigRequest(link *logicalLink, ch *Channel) {
	if ch.mode == ModeERTM && !ertmSupported(link) {
		ch.mode = ModeBasic
	}
	mtu := ch.localMTU
	if mtu == 0 {
		mtu = 672 // L2CAP default channel MTU, Core Spec Vol 3 Part A §5.1
	}
	opts := []ConfigOption{MTUOption(mtu)}
	if ch.mode == ModeERTM {
		opts = append(opts, RFCOption(ModeERTM, 32, 3, 2000, 12000, 1010))
	}
	id := link.nextID()
	link.pending[id] = &pendingSigOp{kind: opConfig, channel: ch}
	cm.armTimeout(link, id)
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigConfigureRequest, id,
		ConfigurationRequest{DestCID: ch.remote, Options: opts}.marshal())
}

func (cm *ChannelManager) onConfigureRequest(link *logicalLink, hdr SignalHeader, body []byte) {
	req, err := unmarshalConfigurationRequest(body)
	if err != nil {
		return
	}
	ch, ok := link.channels[req.DestCID]
	if !ok {
		cm.sendSignalWithID(link.handle, link.signalingCID(), SigCommandReject, hdr.Identifier,
			CommandReject{Reason: RejectInvalidCID}.marshal())
		return
	}
	if len(req.Unknown) > 0 {
		cm.sendSignalWithID(link.handle, link.signalingCID(), SigConfigureResponse, hdr.Identifier,
			ConfigurationResponse{SourceCID: req.DestCID, Result: ConfigResultUnknownOptions, Options: req.Unknown}.marshal())
		return
	}
	result := ConfigResultSuccess
	for _, opt := range req.Options {
		switch opt.Type {
		case OptionMTU:
			if mtu, ok := parseMTUOption(opt); ok {
				ch.remoteMTU = mtu
			}
		case OptionRFC:
			// A mode byte other than Basic (0x00) or ERTM (0x03) is
			// answered Unacceptable, as is a mode that differs from ch's.
			if mode, ok := parseRFCOption(opt); ok && (mode != ch.mode || (opt.Data[0] != 0x00 && opt.Data[0] != 0x03)) {
				result = ConfigResultUnacceptable
			}
		}
	}
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigConfigureResponse, hdr.Identifier,
		ConfigurationResponse{SourceCID: req.DestCID, Result: result}.marshal())
	if result == ConfigResultSuccess {
		ch.remoteConfigured = true
		cm.maybeOpen(ch)
	}
}

func (cm *ChannelManager) onConfigureResponse(link *logicalLink, hdr SignalHeader, body []byte) {
	op, ok := link.pending[hdr.Identifier]
	if !ok || op.kind != opConfig {
		return
	}
	resp, err := unmarshalConfigurationResponse(body)
	if err != nil {
		return
	}
	delete(link.pending, hdr.Identifier)
	if op.timer != nil {
		op.timer.Cancel()
	}
	ch := op.channel
	if resp.Result == ConfigResultSuccess {
		ch.localConfigured = true
		cm.maybeOpen(ch)
		return
	}
	delete(link.channels, ch.local)
	ch.state = stateClosed
	if ch.openCB != nil {
		ch.openCB(ch)
	}
}

// maybeOpen transitions ch to open once both a Configuration-Response
// has been sent and received.
func (cm *ChannelManager) maybeOpen(ch *Channel) {
	if ch.state == stateOpen {
		return
	}
	if ch.localConfigured && ch.remoteConfigured {
		ch.state = stateOpen
		if ch.openCB != nil {
			ch.openCB(ch)
		}
	}
}

func (cm *ChannelManager) onDisconnectionRequest(link *logicalLink, hdr SignalHeader, body []byte) {
	destCID, srcCID, err := unmarshalCIDPair(body)
	if err != nil {
		return
	}
	ch, ok := link.channels[destCID]
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigDisconnectionResponse, hdr.Identifier,
		DisconnectionResponse{DestCID: destCID, SourceCID: srcCID}.marshal())
	if ok {
		delete(link.channels, destCID)
		cm.acl.DiscardTagged(uint16(link.handle), uint16(destCID))
		ch.notifyClosed()
	}
}

func (cm *ChannelManager) onDisconnectionResponse(link *logicalLink, hdr SignalHeader) {
	op, ok := link.pending[hdr.Identifier]
	if !ok || op.kind != opDisconnect {
		return
	}
	delete(link.pending, hdr.Identifier)
	if op.timer != nil {
		op.timer.Cancel()
	}
	if op.channel != nil {
		delete(link.channels, op.channel.local)
		cm.acl.DiscardTagged(uint16(link.handle), uint16(op.channel.local))
		op.channel.notifyClosed()
	}
}

func (cm *ChannelManager) onInformationRequest(link *logicalLink, hdr SignalHeader, body []byte) {
	req, err := unmarshalInformationRequest(body)
	if err != nil {
		return
	}
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigInformationResponse, hdr.Identifier,
		InformationResponse{Type: req.Type, Result: InfoResultNotSupported}.marshal())
}

func (cm *ChannelManager) onInformationResponse(link *logicalLink, hdr SignalHeader, body []byte) {
	op, ok := link.pending[hdr.Identifier]
	if !ok || op.kind != opInfo {
		return
	}
	delete(link.pending, hdr.Identifier)
	if op.timer != nil {
		op.timer.Cancel()
	}
	resp, err := unmarshalInformationResponse(body)
	if err != nil {
		return
	}
	if resp.Result == InfoResultSuccess {
		switch resp.Type {
		case InfoExtendedFeatures:
			if len(resp.Data) >= 4 {
				link.extendedFeatures = uint64(binary.LittleEndian.Uint32(resp.Data))
			}
		case InfoFixedChannels:
			if len(resp.Data) >= 8 {
				link.fixedChannels = binary.LittleEndian.Uint64(resp.Data)
			}
		}
	}
	link.infoReceived = true
}

func (cm *ChannelManager) onCommandReject(link *logicalLink, hdr SignalHeader) {
	op, ok := link.pending[hdr.Identifier]
	if !ok {
		return
	}
	delete(link.pending, hdr.Identifier)
	if op.timer != nil {
		op.timer.Cancel()
	}
	cm.failOp(link, op)
}

// onConnParamUpdateRequest validates and answers an LE Connection
// Parameter Update Request. Only the central role answers it directly;
// a peripheral rejects with Command-Reject since it must not receive
// this request as responder.
func (cm *ChannelManager) onConnParamUpdateRequest(link *logicalLink, hdr SignalHeader, body []byte) {
	if link.role != RoleCentral {
		cm.sendSignalWithID(link.handle, link.signalingCID(), SigCommandReject, hdr.Identifier,
			CommandReject{Reason: RejectNotUnderstood}.marshal())
		return
	}
	req, err := unmarshalConnParamUpdateRequest(body)
	if err != nil || !req.valid() {
		cm.sendSignalWithID(link.handle, link.signalingCID(), SigConnParamUpdateResponse, hdr.Identifier,
			ConnParamUpdateResponse{Result: LEConnParamRejected}.marshal())
		return
	}
	if link.connParamCB != nil {
		link.connParamCB(req)
	}
	cm.sendSignalWithID(link.handle, link.signalingCID(), SigConnParamUpdateResponse, hdr.Identifier,
		ConnParamUpdateResponse{Result: LEConnParamAccepted}.marshal())
}
