package l2cap

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	btcore "github.com/paypal/gatt-core"
	"github.com/paypal/gatt-core/hci"
)

// asyncConn mirrors the hci package's test double: an unbounded, async
// in-memory transport where Write never blocks on a matching Read, so a
// test can drive the manager and read its output from one goroutine.
type asyncConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool
	peer   *asyncConn
}

func newAsyncConnPair() (a, b *asyncConn) {
	a = &asyncConn{}
	b = &asyncConn{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer = b
	b.peer = a
	return a, b
}

func (c *asyncConn) Write(p []byte) (int, error) {
	peer := c.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return 0, io.ErrClosedPipe
	}
	peer.buf = append(peer.buf, p...)
	peer.cond.Broadcast()
	return len(p), nil
}

func (c *asyncConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.buf) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.buf)
	c.buf = c.buf[n:]
	return n, nil
}

func (c *asyncConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func readN(t *testing.T, r io.Reader, n int, timeout time.Duration) []byte {
	t.Helper()
	buf := make([]byte, n)
	errCh := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, buf)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("read error: %v", err)
		}
		return buf
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %d bytes", n)
		return nil
	}
}

type testRig struct {
	disp *btcore.Dispatcher
	cc   *hci.CommandChannel
	acl  *hci.ACLDataChannel
	cm   *ChannelManager
	peer *asyncConn // the simulated controller/peer side of the ACL transport
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	client, peer := newAsyncConnPair()
	cmdClient, _ := newAsyncConnPair()
	disp := btcore.NewDispatcher()
	cc := hci.NewCommandChannel(disp, cmdClient)
	acl := hci.NewACLDataChannel(disp, client)
	acl.Configure(hci.BufferInfo{MaxDataLength: 512, MaxNumPackets: 20}, hci.BufferInfo{})
	cm := NewChannelManager(disp, cc, acl)

	t.Cleanup(func() {
		cc.Close()
		acl.Close()
		disp.Close()
	})
	return &testRig{disp: disp, cc: cc, acl: acl, cm: cm, peer: peer}
}

// run executes f as a task on the rig's dispatcher and waits for it,
// since every manager method must be called on the dispatcher.
func (r *testRig) run(f func()) {
	done := make(chan struct{})
	r.disp.Post(func() { f(); close(done) })
	<-done
}

// ackInfoRequests consumes the two Information-Requests the manager
// issues on ACL link registration and answers both NotSupported, so the
// link settles on "no optional features" without waiting out a timeout.
func ackInfoRequests(t *testing.T, rig *testRig, handle ConnectionHandle) {
	t.Helper()
	for i := 0; i < 2; i++ {
		hdr, body := readSignal(t, rig.peer, time.Second)
		if hdr.Code != SigInformationRequest {
			t.Fatalf("expected Information-Request, got %v", hdr.Code)
		}
		req, err := unmarshalInformationRequest(body)
		if err != nil {
			t.Fatalf("bad Information-Request: %v", err)
		}
		resp := InformationResponse{Type: req.Type, Result: InfoResultNotSupported}.marshal()
		rig.peer.Write(encodeACLFrame(uint16(handle), CIDACLSignaling, encodeSignal(SigInformationResponse, hdr.Identifier, resp)))
	}
}

// encodeACLFrame builds one complete ACL HCI packet (header plus a single
// L2CAP B-frame addressed to cid) as a peer controller would emit it.
func encodeACLFrame(handle uint16, cid CID, payload []byte) []byte {
	bframe := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint16(bframe[0:2], uint16(len(payload)))
	binary.LittleEndian.PutUint16(bframe[2:4], uint16(cid))
	copy(bframe[4:], payload)
	hdr := hci.MarshalACLHeader(hci.ACLHeader{Handle: handle, PBFlag: hci.PBFirstNonFlushable, BCFlag: hci.BCPointToPoint, Dlen: uint16(len(bframe))})
	return append(hdr, bframe...)
}

func encodeSignal(code SigCode, id uint8, payload []byte) []byte {
	return marshalSignalHeader(code, id, payload)
}

// readACLInbound reads one ACL HCI packet from r and unwraps its B-frame
// header, returning the destination CID and the inner payload.
func readACLInbound(t *testing.T, r io.Reader, timeout time.Duration) (CID, []byte) {
	t.Helper()
	hdr := readN(t, r, 4, timeout)
	h, err := hci.UnmarshalACLHeader(hdr)
	if err != nil {
		t.Fatalf("bad ACL header: %v", err)
	}
	buf := readN(t, r, int(h.Dlen), timeout)
	if len(buf) < 4 {
		t.Fatalf("B-frame too short: %v", buf)
	}
	declared := int(buf[0]) | int(buf[1])<<8
	cid := CID(int(buf[2]) | int(buf[3])<<8)
	body := buf[4:]
	if len(body) != declared {
		t.Fatalf("declared length %d does not match body length %d", declared, len(body))
	}
	return cid, body
}

func readSignal(t *testing.T, r io.Reader, timeout time.Duration) (SignalHeader, []byte) {
	t.Helper()
	_, frame := readACLInbound(t, r, timeout)
	hdr, body, err := unmarshalSignalHeader(frame)
	if err != nil {
		t.Fatalf("bad signalling header: %v", err)
	}
	return hdr, body
}
