// Package refreshcache provides a self-refreshing, time-windowed
// single-value cache for short-lived secrets such as session
// credentials.
//
// A [Cache] holds one value and two deadlines produced by a
// caller-supplied [Reloader]: a stale-at instant after which the value
// must not be served without a blocking refresh, and an earlier
// prefetch-at instant after which the value is refreshed in the
// background so foreground callers never wait on it. Concurrent demand
// for a refresh collapses into a single reload call.
//
// Usage: implement a [Reloader], hand it to [New] and call [Cache.Get].
// [Cache.Close] the cache when done with it.
package refreshcache

import (
	"context"
	"errors"
	"time"
)

type (
	// Reloader produces a fresh value together with its deadlines.
	// Typically a call to a token-issuing service or a metadata
	// endpoint read.
	//
	// The cache never invokes a Reloader concurrently with itself for
	// the same cache instance. A Reloader must not call back into the
	// cache it populates. Retry and timeout policy belong to the
	// Reloader, not the cache.
	Reloader[T any] interface {
		Reload(ctx context.Context) (TimedValue[T], error)
	}

	ReloaderFunc[T any] func(ctx context.Context) (TimedValue[T], error)
)

func (f ReloaderFunc[T]) Reload(ctx context.Context) (TimedValue[T], error) {
	return f(ctx)
}

// TimedValue is a value together with its two refresh horizons.
//
// StaleAt must always be set; a reload result without one fails with
// [ErrMissingStaleTime]. A zero PrefetchAt means the value is never
// refreshed ahead of time. PrefetchAt at or past StaleAt is tolerated,
// the prefetch window is simply empty.
type TimedValue[T any] struct {
	Value      T
	StaleAt    time.Time
	PrefetchAt time.Time
}

type (
	Option = any

	// WithClock overrides the time source. For tests.
	WithClock func() time.Time

	// WithName labels the cache in configuration errors. Purely
	// diagnostic; reload errors are never rewrapped.
	WithName string

	// WithFuncOnError is called with every reload failure the cache
	// swallows: background prefetch failures and, under
	// [WithStaleIfError], failed blocking refreshes served stale.
	WithFuncOnError func(error)

	// WithAsyncPrefetch controls background refreshing. Enabled by
	// default. When disabled, one caller inside the prefetch window
	// claims the refresh and performs it synchronously while everyone
	// else keeps the current value.
	WithAsyncPrefetch bool

	// WithStaleIfError keeps serving the last good value for the given
	// extra duration when a blocking refresh fails, instead of
	// returning the error. Zero (the default) propagates the error.
	//
	// Negative values are considered invalid.
	WithStaleIfError time.Duration
)

var (
	// ErrMissingStaleTime marks a reload result with no stale-at
	// deadline. The source has no expiry concept, which is a
	// configuration error.
	ErrMissingStaleTime = errors.New("reload result has no stale time")

	// ErrStaleReload marks a reload result already stale at
	// installation. Such results are never cached.
	ErrStaleReload = errors.New("reload result is already stale")
)

func notStale[T any](v *TimedValue[T], now time.Time) bool {
	return now.Before(v.StaleAt)
}

// notPrefetchable reports whether v is outside its prefetch window,
// either because the window has not opened yet or because it never
// opens.
func notPrefetchable[T any](v *TimedValue[T], now time.Time) bool {
	return v.PrefetchAt.IsZero() || now.Before(v.PrefetchAt)
}
