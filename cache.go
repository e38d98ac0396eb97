package refreshcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// flight key for the one reload a cache may have outstanding.
const reloadKey = "reload"

// Cache is a self-refreshing single-value cache. It is safe for
// concurrent use by multiple goroutines. The zero value is not usable;
// construct with [New] or [Must].
type Cache[T any] struct {
	reloader Reloader[T]
	now      func() time.Time
	name     string
	onError  func(error)

	async        bool
	staleIfError time.Duration

	// current is the only mutable shared state: an immutable snapshot
	// replaced atomically by whichever refresher holds the flight.
	current atomic.Pointer[TimedValue[T]]
	flight  singleflight.Group
	claimed atomic.Bool

	worker *prefetcher
	closed atomic.Bool

	// armedFor is confined to the worker goroutine.
	armedFor time.Time
}

// New builds a cache over the given reloader.
func New[T any](reloader Reloader[T], opts ...Option) (*Cache[T], error) {
	if reloader == nil {
		return nil, errors.New("no reloader")
	}

	c := &Cache[T]{
		reloader: reloader,
		now:      time.Now,
		async:    true,
	}
	for i := range opts {
		switch opt := opts[i].(type) {
		case WithClock:
			c.now = opt
		case WithName:
			c.name = string(opt)
		case WithFuncOnError:
			c.onError = opt
		case WithAsyncPrefetch:
			c.async = bool(opt)
		case WithStaleIfError:
			c.staleIfError = time.Duration(opt)
		default:
			return nil, fmt.Errorf("unknown option: %T", opt)
		}
	}
	if c.now == nil {
		return nil, errors.New("no clock")
	}
	if c.staleIfError < 0 {
		return nil, fmt.Errorf("negative stale-if-error value: %v", c.staleIfError)
	}

	c.worker = newPrefetcher(c.backgroundRefresh, c.nextWake)
	return c, nil
}

func Must[T any](reloader Reloader[T], opts ...Option) *Cache[T] {
	c, err := New(reloader, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the cached value, refreshing it as its deadlines demand.
//
// While the value is fresh, Get is an atomic load. Inside the prefetch
// window it returns the current value immediately and refreshes in the
// background. Once the value is stale, Get blocks until the single
// in-flight reload, shared by all callers, completes; a reload error
// is returned to every waiter unmodified.
//
// ctx bounds only this caller's wait, never the reload itself.
func (c *Cache[T]) Get(ctx context.Context) (T, error) {
	now := c.now()
	if cur := c.current.Load(); cur != nil && notStale(cur, now) {
		if !notPrefetchable(cur, now) {
			c.maybePrefetch()
		}
		return cur.Value, nil
	}

	cur, err := c.refreshStale(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	return cur.Value, nil
}

// Peek returns the current value without triggering any refresh. The
// second return reports whether an unexpired value is held.
func (c *Cache[T]) Peek() (T, bool) {
	if cur := c.current.Load(); cur != nil && notStale(cur, c.now()) {
		return cur.Value, true
	}
	var zero T
	return zero, false
}

// Close releases the background refresh resource. It is idempotent,
// returns promptly and never waits for an in-flight reload. Later Gets
// still work, as if background prefetch were simply disabled.
func (c *Cache[T]) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.worker.shutdown()
	}
}

// maybePrefetch dispatches one refresh for a value inside its prefetch
// window.
func (c *Cache[T]) maybePrefetch() {
	if c.closed.Load() {
		return
	}
	if c.async {
		c.worker.poke()
		return
	}

	// One caller claims the refresh and rides out the reload; everyone
	// else keeps the still-valid value.
	if !c.claimed.CompareAndSwap(false, true) {
		return
	}
	defer c.claimed.Store(false)
	c.prefetchNow()
}

// refreshStale blocks until the value is no longer stale.
func (c *Cache[T]) refreshStale(ctx context.Context) (*TimedValue[T], error) {
	return c.await(ctx, func() (any, error) {
		return c.reload(notStale[T])
	})
}

// prefetchNow runs one windowed refresh through the shared flight and
// swallows its failure.
func (c *Cache[T]) prefetchNow() {
	_, err := c.await(context.Background(), func() (any, error) {
		return c.reload(notPrefetchable[T])
	})
	if err != nil {
		c.report(err)
	}
}

// backgroundRefresh is the worker's wake handler. Failures never reach
// a foreground caller.
func (c *Cache[T]) backgroundRefresh() {
	if c.closed.Load() {
		return
	}
	cur := c.current.Load()
	if cur == nil {
		// The initial load is the foreground's job.
		return
	}
	if notPrefetchable(cur, c.now()) {
		return
	}
	c.prefetchNow()
}

// await joins the cache's single flight, starting fn if none is
// outstanding, and waits for the outcome or ctx, whichever is first.
func (c *Cache[T]) await(ctx context.Context, fn func() (any, error)) (*TimedValue[T], error) {
	ch := c.flight.DoChan(reloadKey, fn)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*TimedValue[T]), nil
	}
}

// reload runs inside the single flight, so at most one instance
// executes at a time for this cache. upToDate reports whether a value
// installed by a concurrent refresh already satisfies the requesting
// path, in which case the reload is skipped.
func (c *Cache[T]) reload(upToDate func(*TimedValue[T], time.Time) bool) (any, error) {
	cur := c.current.Load()
	if cur != nil && upToDate(cur, c.now()) {
		return cur, nil
	}

	next, err := c.reloader.Reload(context.Background())
	if err != nil {
		return c.degrade(cur, err)
	}

	now := c.now()
	switch {
	case next.StaleAt.IsZero():
		return nil, c.configErr(ErrMissingStaleTime)
	case !now.Before(next.StaleAt):
		return nil, c.configErr(ErrStaleReload)
	}
	return c.install(&next), nil
}

// degrade decides what a failed reload leaves behind. Strict mode
// hands the error back untouched; with [WithStaleIfError] the last
// good value is re-armed for a short grace period instead.
func (c *Cache[T]) degrade(cur *TimedValue[T], err error) (any, error) {
	if c.staleIfError <= 0 || cur == nil {
		return nil, err
	}
	c.report(err)
	ext := *cur
	ext.StaleAt = c.now().Add(c.staleIfError)
	// No prefetching a source that just failed; the next attempt is
	// the blocking path once the grace runs out.
	ext.PrefetchAt = ext.StaleAt
	return c.install(&ext), nil
}

// install publishes next unless that would roll the stale deadline
// back. Callers hold the flight, so load-then-store does not race.
func (c *Cache[T]) install(next *TimedValue[T]) *TimedValue[T] {
	if cur := c.current.Load(); cur != nil && next.StaleAt.Before(cur.StaleAt) {
		return cur
	}
	c.current.Store(next)
	return next
}

// nextWake returns the delay until the next prefetch deadline worth
// arming for. Only called from the worker goroutine.
func (c *Cache[T]) nextWake() time.Duration {
	cur := c.current.Load()
	if cur == nil || cur.PrefetchAt.IsZero() || cur.PrefetchAt.Equal(c.armedFor) {
		return idleWake
	}
	c.armedFor = cur.PrefetchAt
	if d := cur.PrefetchAt.Sub(c.now()); d > minWake {
		return d
	}
	return minWake
}

func (c *Cache[T]) report(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func (c *Cache[T]) configErr(err error) error {
	if c.name == "" {
		return err
	}
	return fmt.Errorf("%s: %w", c.name, err)
}
