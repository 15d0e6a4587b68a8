package bridge

import (
	"sync"
	"time"
)

// loop serializes all session state transitions onto one goroutine, the
// equivalent of the platform main thread. Caller entry points and
// native observer callbacks post closures here; no session field is
// touched off-loop.
type loop struct {
	tasks chan func()
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newLoop() *loop {
	l := &loop{
		tasks: make(chan func(), 64),
		quit:  make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *loop) run() {
	defer l.wg.Done()
	for {
		select {
		case task := <-l.tasks:
			task()
		case <-l.quit:
			// Drain what was queued before shutdown.
			for {
				select {
				case task := <-l.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// post schedules f on the loop. Posts after stop are dropped.
func (l *loop) post(f func()) {
	select {
	case l.tasks <- f:
	case <-l.quit:
	}
}

// postDelayed runs f on the loop after d. Stopping the returned timer
// cancels the pending run.
func (l *loop) postDelayed(d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(d, func() { l.post(f) })
}

// flush blocks until every task posted before it has run.
func (l *loop) flush() {
	done := make(chan struct{})
	l.post(func() { close(done) })
	select {
	case <-done:
	case <-l.quit:
	}
}

func (l *loop) stop() {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
}
