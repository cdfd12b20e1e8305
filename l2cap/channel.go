package l2cap

import (
	"github.com/paypal/gatt-core/hci"
)

// channelState is a dynamic channel's position in its lifecycle:
// closed, waiting for Connection-Response, waiting for configuration,
// open, waiting for Disconnection-Response. Fixed channels start and
// stay open.
type channelState int

const (
	stateClosed channelState = iota
	stateWaitingConnRsp
	stateWaitingConfig
	stateOpen
	stateWaitingDiscRsp
)

// RxCallback delivers one reassembled SDU to a channel's owner.
type RxCallback func(sdu []byte)

// ClosedCallback notifies a channel's owner that it has been torn down,
// whether by local request, peer request, or link loss.
type ClosedCallback func()

// Channel is the opaque per-CID handle upper layers receive. It carries
// a ConnectionHandle back to its owning logicalLink rather than a
// pointer: the link may already be gone by the time a method runs, and
// every method tolerates that by looking the link up fresh.
type Channel struct {
	cm *ChannelManager

	handle ConnectionHandle
	fixed  bool
	local  CID
	remote CID
	psm    PSM

	mode      Mode
	localMTU  uint16
	remoteMTU uint16

	state    channelState
	incoming bool

	rx        RxCallback
	closedCB  ClosedCallback
	activated bool
	pendingRx [][]byte

	openCB func(*Channel)

	localConfigured  bool
	remoteConfigured bool

	priority hci.Priority

	closeNotified bool
}

// LocalCID returns the channel's CID on this side of the link.
func (c *Channel) LocalCID() CID { return c.local }

// RemoteCID returns the channel's CID on the peer's side. Meaningless
// for fixed channels.
func (c *Channel) RemoteCID() CID { return c.remote }

// Mode returns the channel's negotiated (or, for fixed channels, default
// Basic) mode.
func (c *Channel) Mode() Mode { return c.mode }

// IsOpen reports whether the channel is usable for Send.
func (c *Channel) IsOpen() bool {
	return c.fixed || c.state == stateOpen
}

// Activate installs the rx and closed callbacks. Must be called exactly
// once before the channel delivers inbound SDUs; any SDUs that arrived
// before activation are replayed in order.
func (c *Channel) Activate(rx RxCallback, closed ClosedCallback) {
	c.rx = rx
	c.closedCB = closed
	c.activated = true
	pending := c.pendingRx
	c.pendingRx = nil
	for _, sdu := range pending {
		if c.rx != nil {
			c.rx(sdu)
		}
	}
}

// deliver hands an inbound SDU to the channel: replayed immediately if
// activated, buffered otherwise.
func (c *Channel) deliver(sdu []byte) {
	if !c.activated {
		c.pendingRx = append(c.pendingRx, sdu)
		return
	}
	if c.rx != nil {
		c.rx(sdu)
	}
}

// Send frames sdu as a B-frame addressed to the remote CID and enqueues
// it on the ACL channel. Fails if sdu exceeds the remote MTU or the link
// is gone.
func (c *Channel) Send(sdu []byte) bool {
	if !c.IsOpen() {
		return false
	}
	if c.remoteMTU != 0 && len(sdu) > int(c.remoteMTU) {
		return false
	}
	link := c.cm.link(c.handle)
	if link == nil {
		return false
	}
	cid := c.remote
	if c.fixed {
		cid = c.local
	}
	return c.cm.sendBFrame(c.handle, cid, c.local, sdu, c.priority)
}

// Deactivate is idempotent. It drops the rx callback, then triggers
// link-side cleanup: for dynamic channels a Disconnection-Request is
// sent and the channel enters waiting_disc_rsp; for fixed channels the
// local registry entry is simply dropped.
func (c *Channel) Deactivate() {
	if c.state == stateClosed || c.state == stateWaitingDiscRsp {
		return
	}
	c.rx = nil
	if c.fixed {
		c.cm.removeFixedChannel(c.handle, c.local)
		c.notifyClosed()
		return
	}
	c.cm.beginDisconnect(c)
}

// SignalLinkError tells the owning link to invoke its link_error_cb.
func (c *Channel) SignalLinkError() {
	c.cm.signalLinkError(c.handle)
}

// UpgradeSecurity delegates to the owning link's security callback.
func (c *Channel) UpgradeSecurity(level SecurityProperties, cb func(error)) {
	c.cm.upgradeSecurity(c.handle, level, cb)
}

// Security returns the owning link's current security properties.
func (c *Channel) Security() SecurityProperties {
	return c.cm.security(c.handle)
}

func (c *Channel) notifyClosed() {
	if c.closeNotified {
		return
	}
	c.closeNotified = true
	c.state = stateClosed
	if c.closedCB != nil {
		c.closedCB()
	}
}
