package btcore

import (
	"sync"
	"time"
)

// Dispatcher is the single-goroutine cooperative event loop the whole
// core runs on. Every public method on CommandChannel, ACLDataChannel
// and ChannelManager must be called from a task running on a Dispatcher,
// and every callback they invoke runs on the same Dispatcher. There are
// no internal locks; Dispatcher is what makes that safe.
type Dispatcher struct {
	tasks  chan func()
	quit   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// NewDispatcher starts a Dispatcher's run loop in a background goroutine.
// Close stops it.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		tasks:  make(chan func(), 256),
		quit:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.closed)
	for {
		select {
		case f := <-d.tasks:
			f()
		case <-d.quit:
			// Drain anything already queued so Close() callers that
			// posted a cleanup task still see it run.
			for {
				select {
				case f := <-d.tasks:
					f()
				default:
					return
				}
			}
		}
	}
}

// Post schedules f to run on the dispatcher loop. Post never blocks the
// caller on f's execution; it returns once f is queued.
func (d *Dispatcher) Post(f func()) {
	select {
	case d.tasks <- f:
	case <-d.quit:
	}
}

// Timer is a cancellable delayed task. Cancel is idempotent and safe to
// call after the task has already fired.
type Timer struct {
	t       *time.Timer
	stopped chan struct{}
	once    sync.Once
}

// Cancel stops the timer. If the task already fired (or is concurrently
// firing), Cancel has no effect on that firing other than preventing it
// from being the one that is reported as "completed" by whatever owns
// the Timer; callers are expected to guard their own completion state.
func (t *Timer) Cancel() {
	t.once.Do(func() {
		t.t.Stop()
		close(t.stopped)
	})
}

// PostDelayed schedules f to run on the dispatcher loop after d elapses.
// The returned Timer can cancel the task before it fires. Firing still
// happens as a task posted to the loop, so f observes the same
// single-threaded semantics as any other callback.
func (disp *Dispatcher) PostDelayed(d time.Duration, f func()) *Timer {
	timer := &Timer{stopped: make(chan struct{})}
	timer.t = time.AfterFunc(d, func() {
		select {
		case <-timer.stopped:
			return
		default:
		}
		disp.Post(f)
	})
	return timer
}

// Close stops the run loop after draining any already-queued tasks. It
// does not wait for in-flight delayed timers; callers that need to
// guarantee no further callbacks fire should Cancel their Timers first.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.quit) })
	<-d.closed
}
