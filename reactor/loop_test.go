package reactor

import (
	"testing"
	"time"
)

func TestLoopRunAfterFiresTimer(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer l.Close()

	fired := make(chan struct{}, 1)
	l.RunAfter(0.01, func() { fired <- struct{}{} })

	go l.Run()
	defer l.Quit()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestLoopQueueInLoopRunsOnLoopGoroutine(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer l.Close()

	done := make(chan bool, 1)
	go l.Run()
	defer l.Quit()

	l.QueueInLoop(func() {
		done <- l.IsInLoopGoroutine()
	})

	select {
	case inLoop := <-done:
		if !inLoop {
			t.Error("expected QueueInLoop callback to run as part of loop dispatch")
		}
	case <-time.After(time.Second):
		t.Fatal("queued task never ran")
	}
}

func TestLoopQuitStopsRun(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer l.Close()

	stopped := make(chan struct{})
	go func() {
		l.Run()
		close(stopped)
	}()

	time.Sleep(10 * time.Millisecond)
	l.Quit()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Quit")
	}
}

func TestLoopRunInLoopFromOutsideEnqueues(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	defer l.Close()

	go l.Run()
	defer l.Quit()

	result := make(chan bool, 1)
	l.RunInLoop(func() {
		result <- l.IsInLoopGoroutine()
	})

	select {
	case inLoop := <-result:
		if !inLoop {
			t.Error("expected RunInLoop callback to have run inside loop dispatch")
		}
	case <-time.After(time.Second):
		t.Fatal("RunInLoop callback never ran")
	}
}
