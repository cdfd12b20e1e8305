package hci_test

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	btcore "github.com/paypal/gatt-core"
	"github.com/paypal/gatt-core/hci"
)

// asyncConn is a minimal in-memory, unbounded-buffer io.ReadWriteCloser
// pair, standing in for a real HCI transport pipe in tests. Unlike
// net.Pipe, Write never blocks on a matching Read: it just appends to the
// peer's buffer, which is what lets a test drive the engine under test and
// read its output from the very same goroutine without deadlocking on
// itself.
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

// readN reads exactly n bytes from r within timeout, failing the test
// otherwise. The underlying Read is run on its own goroutine since the
// only failure mode here is "no data ever arrives", which must not hang
// the test.
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

// expectNoBytes asserts that nothing arrives on c within timeout. It peeks
// c's buffer directly rather than issuing a real Read, since a Read left
// blocked past the timeout would otherwise leak and steal bytes meant for
// a later read once data eventually arrives.
func expectNoBytes(t *testing.T, c *asyncConn, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		n := len(c.buf)
		var b byte
		if n > 0 {
			b = c.buf[0]
		}
		c.mu.Unlock()
		if n > 0 {
			t.Fatalf("unexpected byte 0x%02X observed", b)
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// post runs f as a task on disp and waits for it to finish: every core
// method must be called on the dispatcher, tests included.
func post(d *btcore.Dispatcher, f func()) {
	done := make(chan struct{})
	d.Post(func() { f(); close(done) })
	<-done
}

func eventPacket(code hci.EventCode, params []byte) []byte {
	b := make([]byte, 2+len(params))
	b[0] = byte(code)
	b[1] = byte(len(params))
	copy(b[2:], params)
	return b
}

func commandCompleteEvent(op hci.OpCode, credits uint8, ret []byte) []byte {
	params := make([]byte, 3+len(ret))
	params[0] = credits
	binary.LittleEndian.PutUint16(params[1:3], uint16(op))
	copy(params[3:], ret)
	return eventPacket(hci.EventCommandComplete, params)
}

func commandStatusEvent(op hci.OpCode, credits uint8, status uint8) []byte {
	params := make([]byte, 4)
	params[0] = status
	params[1] = credits
	binary.LittleEndian.PutUint16(params[2:4], uint16(op))
	return eventPacket(hci.EventCommandStatus, params)
}

// readCommand reads one framed HCI command packet (3-byte header plus
// parameters) off r.
func readCommand(t *testing.T, r io.Reader, timeout time.Duration) []byte {
	t.Helper()
	hdr := readN(t, r, 3, timeout)
	plen := hdr[2]
	if plen == 0 {
		return hdr
	}
	params := readN(t, r, int(plen), timeout)
	return append(hdr, params...)
}

type aclFragment struct {
	hdr     hci.ACLHeader
	payload []byte
}

func readACLFragment(t *testing.T, r io.Reader, timeout time.Duration) aclFragment {
	t.Helper()
	hdr := readN(t, r, 4, timeout)
	h, err := hci.UnmarshalACLHeader(hdr)
	if err != nil {
		t.Fatalf("bad ACL header: %v", err)
	}
	var payload []byte
	if h.Dlen > 0 {
		payload = readN(t, r, int(h.Dlen), timeout)
	}
	return aclFragment{hdr: h, payload: payload}
}
