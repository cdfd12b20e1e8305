package hci_test

import (
	"encoding/binary"
	"testing"
	"time"

	btcore "github.com/paypal/gatt-core"
	"github.com/paypal/gatt-core/hci"
)

func newCommandChannel(t *testing.T) (*hci.CommandChannel, *asyncConn, *btcore.Dispatcher) {
	t.Helper()
	client, peer := newAsyncConnPair()
	disp := btcore.NewDispatcher()
	cc := hci.NewCommandChannel(disp, client)
	t.Cleanup(func() {
		cc.Close()
		disp.Close()
	})
	return cc, peer, disp
}

// TestCommandChannel_CreditRefresh queues two Reset commands back to
// back, the first's CommandComplete reporting zero credits, then an
// unrelated CommandStatus refreshing one credit and releasing exactly
// the second Reset.
func TestCommandChannel_CreditRefresh(t *testing.T) {
	cc, peer, disp := newCommandChannel(t)

	// Seed one credit via an unsolicited CommandComplete for an opcode
	// with no pending command; handleCommandComplete updates credits
	// unconditionally.
	peer.Write(commandCompleteEvent(hci.OpCode(0), 1, nil))

	results := make(chan hci.CommandResult, 2)
	cb := func(r hci.CommandResult) { results <- r }

	var tx1, tx2 hci.TransactionID
	post(disp, func() {
		tx1 = cc.SendCommand(hci.OpReset, nil, hci.EventCommandComplete, cb)
		tx2 = cc.SendCommand(hci.OpReset, nil, hci.EventCommandComplete, cb)
	})
	if tx1 == 0 || tx2 == 0 {
		t.Fatalf("expected both transactions to be accepted, got %d and %d", tx1, tx2)
	}

	first := readCommand(t, peer, time.Second)
	if hci.OpCode(binary.LittleEndian.Uint16(first[0:2])) != hci.OpReset {
		t.Fatalf("expected first write to be Reset, got %v", first)
	}
	expectNoBytes(t, peer, 200*time.Millisecond)

	// Controller completes the first Reset with zero credits remaining:
	// the second Reset, already queued, must not be released yet.
	peer.Write(commandCompleteEvent(hci.OpReset, 0, nil))
	select {
	case r := <-results:
		if r.Err != nil {
			t.Fatalf("unexpected error completing first Reset: %v", r.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first Reset completion")
	}
	expectNoBytes(t, peer, 200*time.Millisecond)

	// An unsolicited CommandStatus refreshes credits and releases the
	// queued second Reset.
	peer.Write(commandStatusEvent(hci.OpCode(0), 1, 0))
	second := readCommand(t, peer, time.Second)
	if hci.OpCode(binary.LittleEndian.Uint16(second[0:2])) != hci.OpReset {
		t.Fatalf("expected second write to be Reset once credits refreshed, got %v", second)
	}
}

// TestCommandChannel_AsyncCompletion verifies an Inquiry completes
// asynchronously via CommandStatus then InquiryComplete, delivering two
// callback results, after which a second Inquiry is accepted and sent
// without queueing.
func TestCommandChannel_AsyncCompletion(t *testing.T) {
	cc, peer, disp := newCommandChannel(t)
	peer.Write(commandCompleteEvent(hci.OpCode(0), 1, nil))

	results := make(chan hci.CommandResult, 4)

	var id hci.TransactionID
	post(disp, func() {
		id = cc.SendCommand(hci.OpInquiry, nil, hci.EventInquiryComplete, func(r hci.CommandResult) { results <- r })
	})
	if id == 0 {
		t.Fatal("expected Inquiry to be accepted")
	}
	readCommand(t, peer, time.Second)

	peer.Write(commandStatusEvent(hci.OpInquiry, 0, 0))
	select {
	case r := <-results:
		if r.Event != hci.EventCommandStatus {
			t.Fatalf("expected first delivery to be CommandStatus, got %v", r.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CommandStatus delivery")
	}

	peer.Write(eventPacket(hci.EventInquiryComplete, []byte{0x00}))
	select {
	case r := <-results:
		if r.Event != hci.EventInquiryComplete {
			t.Fatalf("expected second delivery to be InquiryComplete, got %v", r.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for InquiryComplete delivery")
	}

	// Refresh credits and confirm the next Inquiry is sent immediately,
	// with nothing left queued or blocking it.
	peer.Write(commandStatusEvent(hci.OpCode(0), 1, 0))
	var id2 hci.TransactionID
	post(disp, func() {
		id2 = cc.SendCommand(hci.OpInquiry, nil, hci.EventInquiryComplete, func(hci.CommandResult) {})
	})
	if id2 == 0 {
		t.Fatal("expected the next Inquiry to be accepted")
	}
	readCommand(t, peer, time.Second)
}

// TestCommandChannel_HandlerCommandCollision verifies that a long-lived
// event handler and an in-flight async command can never both claim the
// same completion code.
func TestCommandChannel_HandlerCommandCollision(t *testing.T) {
	cc, peer, disp := newCommandChannel(t)
	peer.Write(commandCompleteEvent(hci.OpCode(0), 2, nil))

	const handlerClaimed = hci.EventCode(0xFE)
	var id hci.HandlerID
	post(disp, func() {
		id = cc.AddEventHandler(handlerClaimed, func(hci.EventCode, []byte) hci.EventCallbackResult { return hci.Continue })
	})
	if id == 0 {
		t.Fatal("expected handler registration to succeed")
	}
	var tx hci.TransactionID
	post(disp, func() { tx = cc.SendCommand(hci.OpInquiry, nil, handlerClaimed, nil) })
	if tx != 0 {
		t.Fatalf("expected SendCommand to be rejected while a handler claims 0x%02X, got txn %d", uint8(handlerClaimed), tx)
	}
	post(disp, func() { cc.RemoveEventHandler(id) })

	const commandClaimed = hci.EventCode(0xFD)
	post(disp, func() {
		tx = cc.SendCommand(hci.OpInquiry, nil, commandClaimed, func(hci.CommandResult) {})
	})
	if tx == 0 {
		t.Fatal("expected the async command to be accepted once no handler claims its completion code")
	}
	readCommand(t, peer, time.Second) // drain the write so the command is actually in flight

	var id2 hci.HandlerID
	post(disp, func() {
		id2 = cc.AddEventHandler(commandClaimed, func(hci.EventCode, []byte) hci.EventCallbackResult { return hci.Continue })
	})
	if id2 != 0 {
		t.Fatalf("expected handler registration to be rejected while a command is in flight for 0x%02X, got id %d", uint8(commandClaimed), id2)
	}
}

// TestCommandChannel_ExclusionInvariant verifies that two commands whose
// exclusion sets name each other are never simultaneously in flight.
func TestCommandChannel_ExclusionInvariant(t *testing.T) {
	cc, peer, disp := newCommandChannel(t)
	peer.Write(commandCompleteEvent(hci.OpCode(0), 5, nil))

	opA := hci.OpLECreateConnection
	opB := hci.OpLECreateConnCancel

	doneA := make(chan struct{})
	post(disp, func() {
		cc.SendExclusiveCommand(opA, nil, hci.EventCommandComplete, []hci.OpCode{opB}, func(hci.CommandResult) { close(doneA) })
		cc.SendExclusiveCommand(opB, nil, hci.EventCommandComplete, []hci.OpCode{opA}, func(hci.CommandResult) {})
	})

	first := readCommand(t, peer, time.Second)
	firstOp := hci.OpCode(binary.LittleEndian.Uint16(first[0:2]))
	if firstOp != opA {
		t.Fatalf("expected opA to be sent first, got %v", firstOp)
	}
	expectNoBytes(t, peer, 200*time.Millisecond)

	peer.Write(commandCompleteEvent(opA, 5, nil))
	select {
	case <-doneA:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for opA completion")
	}

	second := readCommand(t, peer, time.Second)
	if hci.OpCode(binary.LittleEndian.Uint16(second[0:2])) != opB {
		t.Fatal("expected opB to be released only once the conflicting command completed")
	}
}

// TestCommandChannel_EventHandlerIdempotence verifies that removing a
// handler is idempotent, and that a handler which removes itself
// mid-dispatch only ever sees the event that triggered its removal.
func TestCommandChannel_EventHandlerIdempotence(t *testing.T) {
	cc, peer, disp := newCommandChannel(t)

	var calls int
	fired := make(chan struct{}, 2)
	var id hci.HandlerID
	post(disp, func() {
		id = cc.AddEventHandler(hci.EventRoleChange, func(hci.EventCode, []byte) hci.EventCallbackResult {
			calls++
			fired <- struct{}{}
			return hci.Remove
		})
	})
	if id == 0 {
		t.Fatal("expected handler registration to succeed")
	}

	peer.Write(eventPacket(hci.EventRoleChange, []byte{0x00}))
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("handler did not fire for the first event")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one call, got %d", calls)
	}

	// Already auto-removed via EventCallbackResult Remove; removing again
	// must be a silent no-op.
	post(disp, func() { cc.RemoveEventHandler(id) })

	peer.Write(eventPacket(hci.EventRoleChange, []byte{0x00}))
	select {
	case <-fired:
		t.Fatal("removed handler fired again")
	case <-time.After(200 * time.Millisecond):
	}
	if calls != 1 {
		t.Fatalf("expected call count to stay at 1, got %d", calls)
	}
}
