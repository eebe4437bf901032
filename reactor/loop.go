package reactor

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/kfcemployee/reactorhttp/internal/rlog"
	"golang.org/x/sys/unix"
)

// Task is a deferred callback queued to run on a Loop's own goroutine.
type Task func()

// Loop is a single-threaded reactor: one Poller, one TimerQueue, a wakeup
// descriptor, and a mutex-protected pending-task queue. Exactly one
// goroutine may ever call Run; every other caller must go through
// RunInLoop/QueueInLoop.
type Loop struct {
	poller   Poller
	timers   *TimerQueue
	wakeupFd int

	looping  atomic.Bool
	quitFlag atomic.Bool

	// inDispatch is true only while Run, on its own goroutine, is executing
	// a poller or timer callback or draining pending tasks. Code reachable
	// only from those call sites is therefore "in the loop goroutine";
	// anything else -- including a goroutine that merely shares the Loop
	// pointer -- is not. Go has no public goroutine-id API, so ownership is
	// tracked this way rather than by comparing thread identities as the
	// original does.
	inDispatch atomic.Bool

	mu      sync.Mutex
	pending []Task
}

// NewLoop constructs a Loop with its own Poller and TimerQueue, and
// registers the wakeup descriptor for READ readiness.
func NewLoop() (*Loop, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}

	wakeupFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: eventfd: %w", err)
	}

	l := &Loop{
		poller:   poller,
		timers:   NewTimerQueue(),
		wakeupFd: wakeupFd,
	}

	if err := l.poller.Add(wakeupFd, EventRead, func(int, Interest) {
		l.drainWakeup()
	}); err != nil {
		unix.Close(wakeupFd)
		return nil, err
	}

	return l, nil
}

// Poller exposes the loop's readiness notifier so connection and acceptor
// types can register their own fds on it.
func (l *Loop) Poller() Poller { return l.poller }

// Timers exposes the loop's timer queue.
func (l *Loop) Timers() *TimerQueue { return l.timers }

// Run drives the loop until Quit is observed. It must be called by exactly
// one goroutine, and that goroutine becomes "the loop goroutine" for the
// lifetime of this call.
func (l *Loop) Run() {
	if !l.looping.CompareAndSwap(false, true) {
		panic("reactor: Loop.Run called while already looping")
	}
	defer l.looping.Store(false)

	l.quitFlag.Store(false)

	for !l.quitFlag.Load() {
		timeoutMs := l.timers.NextTimeoutMillis()

		events, err := l.poller.Poll(timeoutMs)
		if err != nil {
			rlog.Errorf("reactor: poll error: %v", err)
			break
		}

		l.inDispatch.Store(true)

		l.timers.ProcessExpired(monotonicNow())

		for _, ev := range events {
			if ev.Callback != nil {
				ev.Callback(ev.Fd, ev.Events)
			}
		}

		l.doPendingTasks()

		l.inDispatch.Store(false)
	}
}

// Quit asks the loop to stop. Called from the loop's own goroutine it takes
// effect at the top of the next iteration; called from elsewhere it also
// wakes the loop so the flag is observed promptly.
func (l *Loop) Quit() {
	l.quitFlag.Store(true)
	if !l.IsInLoopGoroutine() {
		l.wakeUp()
	}
}

// IsInLoopGoroutine reports whether the caller is running on this loop's
// driving goroutine, i.e. from within a callback Run itself invoked.
func (l *Loop) IsInLoopGoroutine() bool {
	return l.inDispatch.Load()
}

// RunInLoop executes cb synchronously if called from the loop's own
// goroutine, otherwise enqueues it and wakes the loop.
func (l *Loop) RunInLoop(cb Task) {
	if l.IsInLoopGoroutine() {
		cb()
		return
	}
	l.QueueInLoop(cb)
}

// QueueInLoop always enqueues cb and always wakes the loop, even if called
// from the loop's own goroutine (used when a callback must run after the
// current iteration finishes, not immediately).
func (l *Loop) QueueInLoop(cb Task) {
	l.mu.Lock()
	l.pending = append(l.pending, cb)
	l.mu.Unlock()
	l.wakeUp()
}

// RunAfter schedules cb to run once, delaySeconds from now.
func (l *Loop) RunAfter(delaySeconds float64, cb Task) TimerID {
	return l.timers.AddTimer(delaySeconds, 0, TimerCallback(cb))
}

// RunEvery schedules cb to run every intervalSeconds, starting intervalSeconds from now.
func (l *Loop) RunEvery(intervalSeconds float64, cb Task) TimerID {
	return l.timers.AddTimer(intervalSeconds, intervalSeconds, TimerCallback(cb))
}

// CancelTimer cancels a previously scheduled timer.
func (l *Loop) CancelTimer(id TimerID) {
	l.timers.CancelTimer(id)
}

func (l *Loop) doPendingTasks() {
	l.mu.Lock()
	tasks := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

func (l *Loop) wakeUp() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(l.wakeupFd, buf[:]); err != nil && err != unix.EAGAIN {
		rlog.Warnf("reactor: wakeup write failed: %v", err)
	}
}

func (l *Loop) drainWakeup() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeupFd, buf[:])
}

// Close releases the wakeup descriptor. It must be called after Run has
// returned.
func (l *Loop) Close() error {
	return unix.Close(l.wakeupFd)
}
