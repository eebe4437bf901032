package reactor

import (
	"testing"
	"time"
)

func TestTimerQueueOneShotFiresOnce(t *testing.T) {
	q := NewTimerQueue()
	fired := 0
	q.AddTimer(0.01, 0, func() { fired++ })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		timeout := q.NextTimeoutMillis()
		if timeout < 0 {
			break
		}
		time.Sleep(time.Duration(timeout+1) * time.Millisecond)
		q.ProcessExpired(monotonicNow())
		if fired > 0 {
			break
		}
	}

	if fired != 1 {
		t.Fatalf("expected timer to fire exactly once, fired %d times", fired)
	}
	if q.Len() != 0 {
		t.Errorf("expected queue empty after one-shot fires, got %d", q.Len())
	}
}

func TestTimerQueueRepeatingReschedules(t *testing.T) {
	q := NewTimerQueue()
	fired := 0
	q.AddTimer(0.005, 0.005, func() { fired++ })

	deadline := time.Now().Add(2 * time.Second)
	for fired < 3 && time.Now().Before(deadline) {
		timeout := q.NextTimeoutMillis()
		if timeout < 0 {
			break
		}
		time.Sleep(time.Duration(timeout+1) * time.Millisecond)
		q.ProcessExpired(monotonicNow())
	}

	if fired < 3 {
		t.Fatalf("expected repeating timer to fire at least 3 times, got %d", fired)
	}
	if q.Len() != 1 {
		t.Errorf("expected one rescheduled timer remaining, got %d", q.Len())
	}
}

func TestTimerQueueCancelBeforeExpiry(t *testing.T) {
	q := NewTimerQueue()
	fired := false
	id := q.AddTimer(10, 0, func() { fired = true })

	q.CancelTimer(id)
	q.ProcessExpired(monotonicNow() + 20)

	if fired {
		t.Error("expected cancelled timer not to fire")
	}
	if q.Len() != 0 {
		t.Errorf("expected queue empty after cancel, got %d", q.Len())
	}
}

func TestTimerQueueCancelFromOwnCallback(t *testing.T) {
	q := NewTimerQueue()
	var id TimerID
	calls := 0
	id = q.AddTimer(0, 0.001, func() {
		calls++
		q.CancelTimer(id)
	})

	q.ProcessExpired(monotonicNow() + 1)

	if calls != 1 {
		t.Fatalf("expected callback invoked once, got %d", calls)
	}
	if q.Len() != 0 {
		t.Errorf("expected self-cancelled repeating timer not reinserted, got %d pending", q.Len())
	}
}

func TestTimerQueueOrdersByExpirationThenSequence(t *testing.T) {
	q := NewTimerQueue()
	var order []int

	now := monotonicNow()
	for i := 0; i < 3; i++ {
		i := i
		t := newTimer(now, 0, func() { order = append(order, i) })
		q.insert(t)
	}

	q.ProcessExpired(now)

	if len(order) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Errorf("expected fire order %v, got %v", []int{0, 1, 2}, order)
			break
		}
	}
}
