package hci

import (
	"io"

	"github.com/paypal/gatt-core"
)

// LinkType distinguishes the two transports an ACLDataChannel tracks
// separate buffer pools for.
type LinkType int

const (
	LinkTypeACL LinkType = iota
	LinkTypeLE
)

// Priority is the two-level outbound scheduling priority: High always
// drains before Low; within a level, FIFO per link, round-robin across
// links.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// BufferInfo is the controller's reported buffer capacity for one
// transport.
type BufferInfo struct {
	MaxDataLength uint16
	MaxNumPackets uint16
}

func (b BufferInfo) empty() bool { return b.MaxNumPackets == 0 }

// Packet is one outbound ACL SDU awaiting fragmentation and send. Tag is
// an opaque caller-chosen label (L2CAP uses the sending channel's local
// CID) that
// DiscardTagged matches against when a logical channel dies with frames
// still queued.
type Packet struct {
	Handle   uint16
	Priority Priority
	Tag      uint16
	Payload  []byte
}

// RxHandler is invoked once per inbound ACL packet; the channel never
// buffers inbound data itself. pbFlag carries the packet-boundary flag
// so L2CAP can tell a reassembly start from a continuation.
type RxHandler func(handle uint16, pbFlag uint8, payload []byte)

// sdu is one queued outbound SDU, already chopped into wire-ready
// fragments.
type sdu struct {
	frags [][]byte
	tag   uint16
}

// linkQueue holds one link's outbound backlog. curr is the remainder of
// the SDU currently being transmitted; its fragments go out before
// anything else on this link, regardless of priority, so one SDU's
// fragments are never interleaved with another SDU on the same link.
type linkQueue struct {
	linkType LinkType
	curr     [][]byte
	currTag  uint16
	currHigh bool
	high     []*sdu
	low      []*sdu
}

// ACLDataChannel fragments outbound SDUs and enforces the controller's
// packet-count flow control across both transports, tracking each link's
// outstanding packet count separately so one link's backlog never starves
// another.
type ACLDataChannel struct {
	disp *btcore.Dispatcher
	pipe io.ReadWriteCloser

	bredrInfo BufferInfo
	leInfo    BufferInfo
	leShared  bool // true: LE has no separate pool, counts against BR/EDR

	bredrOutstanding uint16
	leOutstanding    uint16

	// perLink tracks how many outstanding packets are attributed to each
	// handle, so unregister_link/clear_link_state can give back exactly
	// that many.
	perLink map[uint16]uint16
	// linkType records each registered handle's transport so sends can
	// pick the right counter without the caller repeating it.
	linkType map[uint16]LinkType

	queues map[uint16]*linkQueue
	order  []uint16 // round-robin link visitation order

	rx RxHandler

	configured bool
	closed     bool
}

// NewACLDataChannel builds an ACLDataChannel reading ACL packets from
// pipe and writing fragments to it. Call Configure before sending.
func NewACLDataChannel(disp *btcore.Dispatcher, pipe io.ReadWriteCloser) *ACLDataChannel {
	ac := &ACLDataChannel{
		disp:     disp,
		pipe:     pipe,
		perLink:  make(map[uint16]uint16),
		linkType: make(map[uint16]LinkType),
		queues:   make(map[uint16]*linkQueue),
	}
	go ac.readLoop()
	return ac
}

// Configure sets the controller-reported buffer capacities. At least one
// of bredr/le must be non-empty; an empty le means LE shares the BR/EDR
// pool.
func (ac *ACLDataChannel) Configure(bredr, le BufferInfo) {
	ac.bredrInfo = bredr
	ac.leInfo = le
	ac.leShared = le.empty()
	ac.configured = true
}

// SetRxHandler installs the callback invoked once per inbound ACL
// packet.
func (ac *ACLDataChannel) SetRxHandler(cb RxHandler) { ac.rx = cb }

// RegisterLink records handle's transport. Registration is a hint only;
// SendPackets works without it, attributing unregistered handles to
// BR/EDR.
func (ac *ACLDataChannel) RegisterLink(handle uint16, lt LinkType) {
	ac.linkType[handle] = lt
	if _, ok := ac.queues[handle]; !ok {
		ac.queues[handle] = &linkQueue{linkType: lt}
		ac.order = append(ac.order, handle)
	}
}

// UnregisterLink drops all queued outbound packets for handle and
// discards its outstanding-packet count, since a dead link will never
// produce a Number-Of-Completed-Packets event for it.
func (ac *ACLDataChannel) UnregisterLink(handle uint16) {
	ac.ClearLinkState(handle)
	delete(ac.linkType, handle)
	delete(ac.queues, handle)
	for i, h := range ac.order {
		if h == handle {
			ac.order = append(ac.order[:i], ac.order[i+1:]...)
			break
		}
	}
}

// ClearLinkState is UnregisterLink without forgetting the link's
// transport hint.
func (ac *ACLDataChannel) ClearLinkState(handle uint16) {
	if q, ok := ac.queues[handle]; ok {
		q.curr = nil
		q.high = nil
		q.low = nil
	}
	if n, ok := ac.perLink[handle]; ok {
		ac.creditBack(handle, n)
		delete(ac.perLink, handle)
	}
	ac.pump()
}

// DiscardTagged drops every queued SDU on handle whose tag matches,
// including the remainder of an in-progress one. Fragments already
// written to the controller are beyond recall.
func (ac *ACLDataChannel) DiscardTagged(handle uint16, tag uint16) {
	q, ok := ac.queues[handle]
	if !ok {
		return
	}
	if len(q.curr) > 0 && q.currTag == tag {
		q.curr = nil
	}
	q.high = discardTag(q.high, tag)
	q.low = discardTag(q.low, tag)
}

func discardTag(list []*sdu, tag uint16) []*sdu {
	out := list[:0]
	for _, s := range list {
		if s.tag != tag {
			out = append(out, s)
		}
	}
	return out
}

func (ac *ACLDataChannel) transportFor(handle uint16) LinkType {
	if lt, ok := ac.linkType[handle]; ok {
		return lt
	}
	return LinkTypeACL
}

// capacityFor returns the outstanding-packet limit and counter pointer
// for handle's transport, collapsing LE onto BR/EDR when the LE pool is
// absent.
func (ac *ACLDataChannel) capacityFor(lt LinkType) (max uint16, outstanding *uint16) {
	if lt == LinkTypeLE && !ac.leShared {
		return ac.leInfo.MaxNumPackets, &ac.leOutstanding
	}
	return ac.bredrInfo.MaxNumPackets, &ac.bredrOutstanding
}

func (ac *ACLDataChannel) hasCredit(lt LinkType) bool {
	max, outstanding := ac.capacityFor(lt)
	return *outstanding < max
}

func (ac *ACLDataChannel) maxDataLengthFor(lt LinkType) uint16 {
	if lt == LinkTypeLE && !ac.leShared {
		return ac.leInfo.MaxDataLength
	}
	return ac.bredrInfo.MaxDataLength
}

// SendPackets atomically submits an ordered list of packets sharing a
// link and priority. Returns false if the list is empty, the channel is
// not configured, the transport's max_data_length is zero, or any packet
// is longer than 65535 bytes; otherwise every packet is fragmented to the
// transport's max_data_length and queued.
func (ac *ACLDataChannel) SendPackets(packets []Packet, handle uint16, priority Priority) bool {
	if !ac.configured || len(packets) == 0 {
		return false
	}
	lt := ac.transportFor(handle)
	maxLen := ac.maxDataLengthFor(lt)
	if maxLen == 0 {
		return false
	}
	for _, p := range packets {
		if len(p.Payload) > 65535 {
			return false
		}
	}
	ac.RegisterLink(handle, lt)
	q := ac.queues[handle]
	for _, p := range packets {
		s := &sdu{frags: fragment(p.Payload, handle, maxLen), tag: p.Tag}
		if priority == PriorityHigh {
			q.high = append(q.high, s)
		} else {
			q.low = append(q.low, s)
		}
	}
	ac.pump()
	return true
}

// fragment chops payload into ACL packets of at most maxLen bytes of
// data each, the first carrying PBFirstNonFlushable and the rest
// PBContinuing.
func fragment(payload []byte, handle uint16, maxLen uint16) [][]byte {
	var frags [][]byte
	i := 0
	for {
		end := i + int(maxLen)
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[i:end]
		pb := PBContinuing
		if i == 0 {
			pb = PBFirstNonFlushable
		}
		hdr := MarshalACLHeader(ACLHeader{Handle: handle, PBFlag: pb, BCFlag: BCPointToPoint, Dlen: uint16(len(chunk))})
		frags = append(frags, append(hdr, chunk...))
		i = end
		if i >= len(payload) {
			return frags
		}
	}
}

// pump drains queued fragments within the packet-count budget, High
// before Low, round-robin across links, never interleaving one SDU's
// fragments with another SDU on the same link.
func (ac *ACLDataChannel) pump() {
	for {
		handle, frag, lt, ok := ac.next()
		if !ok {
			return
		}
		_, outstanding := ac.capacityFor(lt)
		*outstanding++
		ac.perLink[handle]++
		_, _ = ac.pipe.Write(frag)
	}
}

// next picks the next sendable fragment: first the High pass, then Low.
// A link mid-SDU only yields fragments of that SDU, and only in the
// pass matching the SDU's own priority, so a High SDU queued behind an
// in-progress Low SDU on the same link waits for it to finish.
func (ac *ACLDataChannel) next() (handle uint16, frag []byte, lt LinkType, ok bool) {
	if h, f, t, found := ac.scan(true); found {
		return h, f, t, true
	}
	return ac.scan(false)
}

func (ac *ACLDataChannel) scan(high bool) (uint16, []byte, LinkType, bool) {
	n := len(ac.order)
	for i := 0; i < n; i++ {
		h := ac.order[0]
		ac.order = append(ac.order[1:], h)
		q := ac.queues[h]
		if q == nil || !ac.hasCredit(q.linkType) {
			continue
		}
		if len(q.curr) > 0 {
			if q.currHigh != high {
				continue
			}
			f := q.curr[0]
			q.curr = q.curr[1:]
			return h, f, q.linkType, true
		}
		list := &q.low
		if high {
			list = &q.high
		}
		if len(*list) == 0 {
			continue
		}
		s := (*list)[0]
		*list = (*list)[1:]
		q.curr = s.frags[1:]
		q.currTag = s.tag
		q.currHigh = high
		return h, s.frags[0], q.linkType, true
	}
	return 0, nil, 0, false
}

// HandleNumberOfCompletedPackets credits back the reported counts per
// handle.
func (ac *ACLDataChannel) HandleNumberOfCompletedPackets(p NumberOfCompletedPacketsParams) {
	for _, c := range p.Packets {
		ac.creditBack(c.ConnectionHandle, c.NumCompletedPackets)
		if n, ok := ac.perLink[c.ConnectionHandle]; ok {
			if n > c.NumCompletedPackets {
				ac.perLink[c.ConnectionHandle] = n - c.NumCompletedPackets
			} else {
				delete(ac.perLink, c.ConnectionHandle)
			}
		}
	}
	ac.pump()
}

func (ac *ACLDataChannel) creditBack(handle uint16, n uint16) {
	lt := ac.transportFor(handle)
	_, outstanding := ac.capacityFor(lt)
	if *outstanding >= n {
		*outstanding -= n
	} else {
		*outstanding = 0
	}
}

func (ac *ACLDataChannel) Close() error {
	ac.closed = true
	return ac.pipe.Close()
}

// readLoop frames inbound ACL packets and posts each one to the
// dispatcher, mirroring CommandChannel.readLoop.
func (ac *ACLDataChannel) readLoop() {
	hdr := make([]byte, 4)
	for {
		if _, err := io.ReadFull(ac.pipe, hdr); err != nil {
			return
		}
		h, err := UnmarshalACLHeader(hdr)
		if err != nil {
			continue
		}
		payload := make([]byte, h.Dlen)
		if h.Dlen > 0 {
			if _, err := io.ReadFull(ac.pipe, payload); err != nil {
				return
			}
		}
		handle := h.Handle
		pb := h.PBFlag
		ac.disp.Post(func() {
			if ac.rx != nil {
				ac.rx(handle, pb, payload)
			}
		})
	}
}
