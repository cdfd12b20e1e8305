package hci

import (
	"io"
	"time"

	"github.com/paypal/gatt-core"
	"github.com/paypal/gatt-core/internal/corelog"
)

// TransactionID identifies one outstanding or queued command, assigned
// from a monotonically increasing counter. 0 is never issued and signals
// failure at submission time.
type TransactionID uint64

// HandlerID identifies a long-lived event subscription. 0 is never
// issued and signals registration failure.
type HandlerID uint64

// EventCallbackResult tells the command channel whether to keep an event
// handler registered after it runs.
type EventCallbackResult int

const (
	Continue EventCallbackResult = iota
	Remove
)

// CommandResult is delivered to a command's callback: either an
// intermediate CommandStatus, the final completion event, or a terminal
// error such as a timeout.
type CommandResult struct {
	Event  EventCode
	Params []byte
	Err    error
}

// CommandCallback receives, in order, zero or one CommandStatus (iff the
// command's completion event is not itself CommandStatus) followed by
// exactly one completion delivery.
type CommandCallback func(CommandResult)

// EventCallback is a long-lived event subscription's handler.
type EventCallback func(EventCode, []byte) EventCallbackResult

// LEMetaEventCallback is a long-lived LE-meta-subevent subscription's
// handler.
type LEMetaEventCallback func(LEMetaSubeventCode, []byte) EventCallbackResult

const defaultCommandTimeout = 12 * time.Second

type pendingCommand struct {
	id              TransactionID
	opcode          OpCode
	raw             []byte
	completionEvent EventCode
	leSubevent      LEMetaSubeventCode
	isLEMeta        bool
	exclusions      map[OpCode]struct{}
	callback        CommandCallback
	sent            bool
	gotStatus       bool
	timer           *btcore.Timer
}

func (p *pendingCommand) excludes(op OpCode) bool {
	_, ok := p.exclusions[op]
	return ok
}

type eventHandlerEntry struct {
	id       HandlerID
	callback EventCallback
}

type leHandlerEntry struct {
	id       HandlerID
	callback LEMetaEventCallback
}

// CommandChannel is the asynchronous command/event flow-control engine
// for the HCI command transport: a credit-counted send queue paired with
// a dispatch-by-code event registry, generalized to support queued
// commands, per-opcode exclusion, timeouts, and long-lived event
// handlers alongside in-flight commands.
type CommandChannel struct {
	disp *btcore.Dispatcher
	pipe io.ReadWriteCloser

	credits uint8

	queue    []*pendingCommand
	inFlight map[OpCode]*pendingCommand

	handlers   map[EventCode][]*eventHandlerEntry
	leHandlers map[LEMetaSubeventCode][]*leHandlerEntry

	nextTxnID   uint64
	nextHandler uint64
	timeout     time.Duration
	timeoutCB   func(TransactionID)

	closed bool
}

// CommandChannelOption configures a CommandChannel at construction time.
type CommandChannelOption func(*CommandChannel)

// WithCommandTimeout overrides the default 12-second command timeout.
func WithCommandTimeout(d time.Duration) CommandChannelOption {
	return func(cc *CommandChannel) { cc.timeout = d }
}

// WithTimeoutCallback registers the callback fired once per command that
// exceeds the timeout without completion.
func WithTimeoutCallback(cb func(TransactionID)) CommandChannelOption {
	return func(cc *CommandChannel) { cc.timeoutCB = cb }
}

// NewCommandChannel builds a CommandChannel reading events from pipe and
// writing commands to it. All CommandChannel methods and callbacks run on
// disp; callers must post any invocation that does not already run there.
func NewCommandChannel(disp *btcore.Dispatcher, pipe io.ReadWriteCloser, opts ...CommandChannelOption) *CommandChannel {
	cc := &CommandChannel{
		disp:       disp,
		pipe:       pipe,
		credits:    0,
		inFlight:   make(map[OpCode]*pendingCommand),
		handlers:   make(map[EventCode][]*eventHandlerEntry),
		leHandlers: make(map[LEMetaSubeventCode][]*leHandlerEntry),
		timeout:    defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(cc)
	}
	go cc.readLoop()
	return cc
}

// SetTimeout overrides the default 12-second command timeout.
func (cc *CommandChannel) SetTimeout(d time.Duration) { cc.timeout = d }

// SetTimeoutCallback registers the callback fired once per command that
// exceeds the timeout without completion.
func (cc *CommandChannel) SetTimeoutCallback(cb func(TransactionID)) { cc.timeoutCB = cb }

// SendCommand queues an HCI command for transmission. completionEvent is
// the event code that completes it (CommandComplete unless the command is
// asynchronous). Returns 0 if this completion code is already claimed by
// a registered event handler or another in-flight async command.
func (cc *CommandChannel) SendCommand(opcode OpCode, params []byte, completionEvent EventCode, cb CommandCallback) TransactionID {
	return cc.sendInternal(opcode, params, completionEvent, false, 0, nil, cb)
}

// SendLEAsyncCommand is SendCommand for a command whose completion is an
// LE-meta subevent rather than a plain event code.
func (cc *CommandChannel) SendLEAsyncCommand(opcode OpCode, params []byte, subevent LEMetaSubeventCode, cb CommandCallback) TransactionID {
	return cc.sendInternal(opcode, params, EventLEMeta, true, subevent, nil, cb)
}

// SendExclusiveCommand is SendCommand plus a set of opcodes that must not
// be in flight or queued-and-blocking simultaneously with this one.
func (cc *CommandChannel) SendExclusiveCommand(opcode OpCode, params []byte, completionEvent EventCode, exclusions []OpCode, cb CommandCallback) TransactionID {
	return cc.sendInternal(opcode, params, completionEvent, false, 0, exclusions, cb)
}

// SendLEAsyncExclusiveCommand combines SendLEAsyncCommand and
// SendExclusiveCommand.
func (cc *CommandChannel) SendLEAsyncExclusiveCommand(opcode OpCode, params []byte, subevent LEMetaSubeventCode, exclusions []OpCode, cb CommandCallback) TransactionID {
	return cc.sendInternal(opcode, params, EventLEMeta, true, subevent, exclusions, cb)
}

func (cc *CommandChannel) sendInternal(opcode OpCode, params []byte, completionEvent EventCode, isLEMeta bool, subevent LEMetaSubeventCode, exclusions []OpCode, cb CommandCallback) TransactionID {
	if cc.closed {
		return 0
	}
	if completionEvent != EventCommandStatus && completionEvent != EventCommandComplete {
		if isLEMeta {
			if cc.handlerClaims(subevent) {
				return 0
			}
		} else if cc.eventClaims(completionEvent) {
			return 0
		}
		probe := &pendingCommand{completionEvent: completionEvent, isLEMeta: isLEMeta, leSubevent: subevent}
		for _, inflight := range cc.inFlight {
			if completionConflicts(probe, inflight) {
				return 0
			}
		}
	}

	cc.nextTxnID++
	pc := &pendingCommand{
		id:              TransactionID(cc.nextTxnID),
		opcode:          opcode,
		raw:             MarshalCommand(opcode, params),
		completionEvent: completionEvent,
		leSubevent:      subevent,
		isLEMeta:        isLEMeta,
		callback:        cb,
	}
	if len(exclusions) > 0 {
		pc.exclusions = make(map[OpCode]struct{}, len(exclusions))
		for _, op := range exclusions {
			pc.exclusions[op] = struct{}{}
		}
	}
	cc.queue = append(cc.queue, pc)
	cc.pump()
	return pc.id
}

// handlerClaims reports whether an LE-meta subevent is already claimed by
// a registered long-lived handler.
func (cc *CommandChannel) handlerClaims(sub LEMetaSubeventCode) bool {
	return len(cc.leHandlers[sub]) > 0
}

func (cc *CommandChannel) eventClaims(code EventCode) bool {
	return len(cc.handlers[code]) > 0
}

// blockedBy reports whether candidate conflicts with any in-flight
// command: same opcode, overlapping exclusion sets in either direction,
// or the same async completion event/LE-meta subevent as another
// in-flight command. The last case matters because maybeCompleteAsync
// and handleLEMeta match purely by event/subevent code, with no opcode
// discrimination: two in-flight commands racing for the same completion
// would let the first arrival steal the second's completion, stranding
// it until its timeout fires.
func (cc *CommandChannel) blockedBy(candidate *pendingCommand) bool {
	if _, ok := cc.inFlight[candidate.opcode]; ok {
		return true
	}
	for _, inflight := range cc.inFlight {
		if candidate.excludes(inflight.opcode) || inflight.excludes(candidate.opcode) {
			return true
		}
		if completionConflicts(candidate, inflight) {
			return true
		}
	}
	return false
}

// completionConflicts reports whether a and b are both asynchronous
// commands (completion event other than CommandStatus/CommandComplete)
// awaiting the same completion: the same event code, or, for LE-meta
// completions, the same subevent code.
func completionConflicts(a, b *pendingCommand) bool {
	if a.completionEvent == EventCommandStatus || a.completionEvent == EventCommandComplete {
		return false
	}
	if b.completionEvent == EventCommandStatus || b.completionEvent == EventCommandComplete {
		return false
	}
	if a.isLEMeta != b.isLEMeta {
		return false
	}
	if a.isLEMeta {
		return a.leSubevent == b.leSubevent
	}
	return a.completionEvent == b.completionEvent
}

// pump walks the queue from the head, skipping blocked entries, sending
// every entry it can while credits remain. Skipped entries keep their
// position relative to each other, preserving per-opcode FIFO order.
func (cc *CommandChannel) pump() {
	for cc.credits > 0 {
		idx := -1
		for i, pc := range cc.queue {
			if !cc.blockedBy(pc) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		pc := cc.queue[idx]
		cc.queue = append(cc.queue[:idx], cc.queue[idx+1:]...)
		cc.dispatchSend(pc)
	}
}

func (cc *CommandChannel) dispatchSend(pc *pendingCommand) {
	cc.credits--
	pc.sent = true
	cc.inFlight[pc.opcode] = pc
	pc.timer = cc.disp.PostDelayed(cc.timeout, func() { cc.handleTimeout(pc) })
	// A failed write still costs a credit.
	_, _ = cc.pipe.Write(pc.raw)
}

func (cc *CommandChannel) handleTimeout(pc *pendingCommand) {
	if cur, ok := cc.inFlight[pc.opcode]; !ok || cur != pc {
		return
	}
	delete(cc.inFlight, pc.opcode)
	corelog.Get().WithFields(map[string]interface{}{
		"opcode": pc.opcode.String(),
		"txn":    pc.id,
	}).Warn("hci: command timed out")
	if pc.callback != nil {
		pc.callback(CommandResult{Err: ErrCommandTimeout})
	}
	if cc.timeoutCB != nil {
		cc.timeoutCB(pc.id)
	}
	cc.pump()
}

// RemoveQueued cancels a command that has not yet been sent to the
// controller. Returns false if the command was already sent or is
// unknown.
func (cc *CommandChannel) RemoveQueued(id TransactionID) bool {
	for i, pc := range cc.queue {
		if pc.id == id {
			cc.queue = append(cc.queue[:i], cc.queue[i+1:]...)
			return true
		}
	}
	return false
}

// AddEventHandler registers a long-lived subscription for event code.
// Returns 0 if code is CommandComplete, CommandStatus, or is currently
// the completion code of an in-flight async command.
func (cc *CommandChannel) AddEventHandler(code EventCode, cb EventCallback) HandlerID {
	if code == EventCommandComplete || code == EventCommandStatus {
		return 0
	}
	for _, pc := range cc.inFlight {
		if !pc.isLEMeta && pc.completionEvent == code {
			return 0
		}
	}
	cc.nextHandler++
	id := HandlerID(cc.nextHandler)
	cc.handlers[code] = append(cc.handlers[code], &eventHandlerEntry{id: id, callback: cb})
	return id
}

// AddLEMetaEventHandler is AddEventHandler for an LE-meta subevent code.
func (cc *CommandChannel) AddLEMetaEventHandler(sub LEMetaSubeventCode, cb LEMetaEventCallback) HandlerID {
	for _, pc := range cc.inFlight {
		if pc.isLEMeta && pc.leSubevent == sub {
			return 0
		}
	}
	cc.nextHandler++
	id := HandlerID(cc.nextHandler)
	cc.leHandlers[sub] = append(cc.leHandlers[sub], &leHandlerEntry{id: id, callback: cb})
	return id
}

// RemoveEventHandler is idempotent: removing an unknown or already
// removed id is a no-op.
func (cc *CommandChannel) RemoveEventHandler(id HandlerID) {
	for code, list := range cc.handlers {
		for i, e := range list {
			if e.id == id {
				cc.handlers[code] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
	for sub, list := range cc.leHandlers {
		for i, e := range list {
			if e.id == id {
				cc.leHandlers[sub] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// handleEvent is the single entry point for inbound event packets,
// invoked on the dispatcher by readLoop.
func (cc *CommandChannel) handleEvent(code EventCode, params []byte) {
	switch code {
	case EventCommandComplete:
		cc.handleCommandComplete(params)
	case EventCommandStatus:
		cc.handleCommandStatus(params)
	case EventLEMeta:
		cc.handleLEMeta(params)
	default:
		cc.dispatchToHandlers(code, params)
		cc.maybeCompleteAsync(code, params)
	}
}

func (cc *CommandChannel) handleCommandComplete(params []byte) {
	var p CommandCompleteParams
	if err := p.Unmarshal(params); err != nil {
		return
	}
	cc.credits = p.NumHCICommandPackets
	if pc, ok := cc.inFlight[p.CommandOpcode]; ok {
		delete(cc.inFlight, p.CommandOpcode)
		pc.timer.Cancel()
		if pc.callback != nil {
			pc.callback(CommandResult{Event: EventCommandComplete, Params: p.ReturnParameters})
		}
	}
	cc.pump()
}

func (cc *CommandChannel) handleCommandStatus(params []byte) {
	var p CommandStatusParams
	if err := p.Unmarshal(params); err != nil {
		return
	}
	cc.credits = p.NumHCICommandPackets
	pc, ok := cc.inFlight[p.CommandOpcode]
	if !ok {
		// Unassociated opcode: refresh credits only.
		cc.pump()
		return
	}
	if pc.completionEvent == EventCommandStatus && !pc.isLEMeta {
		delete(cc.inFlight, p.CommandOpcode)
		pc.timer.Cancel()
		if pc.callback != nil {
			pc.callback(CommandResult{Event: EventCommandStatus, Params: params})
		}
	} else {
		pc.gotStatus = true
		if pc.callback != nil {
			pc.callback(CommandResult{Event: EventCommandStatus, Params: params})
		}
	}
	cc.pump()
}

func (cc *CommandChannel) handleLEMeta(params []byte) {
	if len(params) < 1 {
		return
	}
	sub := LEMetaSubeventCode(params[0])
	rest := params[1:]

	for _, e := range append([]*leHandlerEntry(nil), cc.leHandlers[sub]...) {
		if e.callback(sub, rest) == Remove {
			cc.RemoveEventHandler(e.id)
		}
	}

	for opcode, pc := range cc.inFlight {
		if pc.isLEMeta && pc.leSubevent == sub {
			delete(cc.inFlight, opcode)
			pc.timer.Cancel()
			if pc.callback != nil {
				pc.callback(CommandResult{Event: EventLEMeta, Params: params})
			}
			break
		}
	}
	cc.pump()
}

func (cc *CommandChannel) dispatchToHandlers(code EventCode, params []byte) {
	for _, e := range append([]*eventHandlerEntry(nil), cc.handlers[code]...) {
		if e.callback(code, params) == Remove {
			cc.RemoveEventHandler(e.id)
		}
	}
}

func (cc *CommandChannel) maybeCompleteAsync(code EventCode, params []byte) {
	for opcode, pc := range cc.inFlight {
		if !pc.isLEMeta && pc.completionEvent == code {
			delete(cc.inFlight, opcode)
			pc.timer.Cancel()
			if pc.callback != nil {
				pc.callback(CommandResult{Event: code, Params: params})
			}
			cc.pump()
			return
		}
	}
}

// Close stops the channel's reader. Queued commands never receive a
// callback. Timers of commands already in flight are not cancelled: while
// the dispatcher still runs, each of those commands receives
// ErrCommandTimeout when its timer fires.
func (cc *CommandChannel) Close() error {
	cc.closed = true
	return cc.pipe.Close()
}

// readLoop frames inbound event packets off the pipe and posts each one
// onto the dispatcher rather than invoking handlers inline, so every
// callback runs serialized with the rest of the channel's work.
func (cc *CommandChannel) readLoop() {
	hdr := make([]byte, 2)
	for {
		if _, err := io.ReadFull(cc.pipe, hdr); err != nil {
			return
		}
		code := EventCode(hdr[0])
		plen := hdr[1]
		params := make([]byte, plen)
		if plen > 0 {
			if _, err := io.ReadFull(cc.pipe, params); err != nil {
				return
			}
		}
		cc.disp.Post(func() { cc.handleEvent(code, params) })
	}
}
