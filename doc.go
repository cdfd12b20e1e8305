// Package btcore implements the host-side Bluetooth stack core: the HCI
// command/event flow-control engine, the ACL data channel, and the L2CAP
// channel manager that sits on top of them.
//
// SCOPE
//
// This package converts a raw byte-pipe pair to a Bluetooth controller
// (one pipe for commands/events, one for ACL data; see Transport) into a
// typed, flow-controlled service that upper layers (ATT, SMP, SDP,
// RFCOMM) would consume as ordered, fragmented-SDU channels. Those upper
// layers, security management, GATT, discovery/advertising/scanning, and
// the transport driver itself are external collaborators and are not
// implemented here.
//
// LAYERING
//
// 	hci.CommandChannel    command/event pipeline, credit flow control
// 	hci.ACLDataChannel    ACL fragmentation, packet-count flow control
// 	l2cap.ChannelManager  logical links, signalling, dynamic channels
//
// All three run on a single Dispatcher: every public method must be
// called from a task running on it, and every callback the core invokes
// runs on it too. There are no internal locks.
//
// USAGE
//
// 	disp := btcore.NewDispatcher()
// 	transport := btcore.NewTransport(cmdPipe, aclPipe)
//
// 	cc := hci.NewCommandChannel(disp, transport.CommandPipe())
// 	acl := hci.NewACLDataChannel(disp, transport.ACLPipe())
// 	acl.Configure(hci.BufferInfo{MaxDataLength: 27, MaxNumPackets: 15}, hci.BufferInfo{})
//
// 	cm := l2cap.NewChannelManager(disp, cc, acl)
// 	cm.RegisterLink(handle, l2cap.LinkTypeLE, l2cap.RoleCentral)
//
// See the hci and l2cap package docs for the full contract.
package btcore
