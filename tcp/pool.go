package tcp

import (
	"runtime"
	"sync/atomic"

	"github.com/kfcemployee/reactorhttp/reactor"
)

// LoopPool owns zero or more worker Loops, each pinned to its own
// OS thread, and hands out the next one to use on each new connection in
// round-robin order. With zero worker threads, NextLoop returns the base
// loop itself and everything runs single-threaded, matching the original's
// "reactor in the main thread" fallback mode.
type LoopPool struct {
	baseLoop  *reactor.Loop
	name      string
	numLoops  int
	loops     []*reactor.Loop
	next      atomic.Int64
	started   bool
}

// NewLoopPool wraps baseLoop, which continues to run the acceptor.
func NewLoopPool(baseLoop *reactor.Loop, name string) *LoopPool {
	return &LoopPool{baseLoop: baseLoop, name: name}
}

// SetThreadNum configures how many additional worker loops to spin up when
// Start is called. Must be called before Start.
func (p *LoopPool) SetThreadNum(n int) {
	p.numLoops = n
}

// Start launches one goroutine per worker loop, each locked to its own OS
// thread for the lifetime of the pool, the Go analogue of the original's
// one-thread-per-EventLoop model.
func (p *LoopPool) Start() error {
	p.started = true
	if p.numLoops <= 0 {
		return nil
	}

	ready := make(chan *reactor.Loop, p.numLoops)
	for i := 0; i < p.numLoops; i++ {
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			loop, err := reactor.NewLoop()
			if err != nil {
				ready <- nil
				return
			}
			ready <- loop
			loop.Run()
			loop.Close()
		}()
	}

	for i := 0; i < p.numLoops; i++ {
		loop := <-ready
		if loop == nil {
			continue
		}
		p.loops = append(p.loops, loop)
	}
	return nil
}

// NextLoop returns the next worker loop in round-robin order, or the base
// loop if no worker threads were configured.
func (p *LoopPool) NextLoop() *reactor.Loop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	idx := p.next.Add(1) % int64(len(p.loops))
	return p.loops[idx]
}

// AllLoops returns the base loop followed by every worker loop, used when a
// task (e.g. shutdown) must run on every loop in the pool.
func (p *LoopPool) AllLoops() []*reactor.Loop {
	all := make([]*reactor.Loop, 0, len(p.loops)+1)
	all = append(all, p.baseLoop)
	all = append(all, p.loops...)
	return all
}

// Close asks every worker loop to quit and returns without waiting for them;
// each worker goroutine closes its own loop once Run returns. The base loop
// is left running, since its lifecycle belongs to whoever created it.
func (p *LoopPool) Close() {
	for _, loop := range p.loops {
		loop.Quit()
	}
}
