package refreshcache

import (
	"sync"
	"time"
)

const (
	// idleWake bounds how long the worker sleeps when it has no new
	// prefetch deadline to arm for.
	idleWake = time.Minute

	// minWake keeps an already-due deadline from hot-spinning the
	// worker.
	minWake = time.Second
)

// prefetcher owns a cache's single background goroutine. The goroutine
// does not exist until the first poke, and shutdown stops it for good.
// It wakes on demand (a poke from a windowed Get) and on a timer armed
// for the installed value's prefetch deadline.
type prefetcher struct {
	refresh func()
	wake    func() time.Duration

	trigger chan struct{}
	stop    chan struct{}

	start sync.Once
	halt  sync.Once
}

func newPrefetcher(refresh func(), wake func() time.Duration) *prefetcher {
	return &prefetcher{
		refresh: refresh,
		wake:    wake,
		trigger: make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

// poke schedules one background refresh. A pending poke absorbs
// further ones.
func (p *prefetcher) poke() {
	p.start.Do(func() { go p.loop() })
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// shutdown stops the loop, or prevents it from ever doing work if it
// has not started. Safe to call more than once.
func (p *prefetcher) shutdown() {
	p.halt.Do(func() { close(p.stop) })
}

func (p *prefetcher) loop() {
	timer := time.NewTimer(p.wake())
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-p.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		p.refresh()
		timer.Reset(p.wake())
	}
}
