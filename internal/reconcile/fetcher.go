// Package reconcile merges authoritative snapshots with incremental stream
// events into per-resource view models.
//
// Each controller owns its view from a single goroutine. Fetches run on their
// own goroutines and hand results back over channels; observers read a
// published copy.
package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrInFlight is returned when a fetch is requested while another one for the
// same resource has not finished yet. The request is dropped, not queued.
var ErrInFlight = errors.New("refresh already in progress")

// ErrStopped is returned by controller calls made after Stop.
var ErrStopped = errors.New("controller stopped")

// Result is the outcome of one fetch. First is set only on the first
// successful fetch made through a Fetcher.
type Result[T any] struct {
	Value T
	First bool
	Err   error
}

// Fetcher runs a snapshot fetch with an overlap guard.
type Fetcher[T any] struct {
	fn     func(context.Context) (T, error)
	busy   atomic.Bool
	loaded atomic.Bool
	calls  atomic.Int64
}

// NewFetcher wraps fn.
func NewFetcher[T any](fn func(context.Context) (T, error)) *Fetcher[T] {
	return &Fetcher[T]{fn: fn}
}

// Fetch runs fn and blocks for the result, or returns ErrInFlight at once if
// another fetch is running.
func (f *Fetcher[T]) Fetch(ctx context.Context) Result[T] {
	if !f.busy.CompareAndSwap(false, true) {
		return Result[T]{Err: ErrInFlight}
	}
	return f.finish(ctx)
}

// Start is Fetch on a new goroutine. The in-flight check happens before
// Start returns; done receives the result.
func (f *Fetcher[T]) Start(ctx context.Context, done func(Result[T])) error {
	if !f.busy.CompareAndSwap(false, true) {
		return ErrInFlight
	}
	go func() { done(f.finish(ctx)) }()
	return nil
}

func (f *Fetcher[T]) finish(ctx context.Context) Result[T] {
	defer f.busy.Store(false)
	f.calls.Add(1)
	v, err := f.fn(ctx)
	if err != nil {
		return Result[T]{Err: err}
	}
	return Result[T]{Value: v, First: f.loaded.CompareAndSwap(false, true)}
}

// InFlight reports whether a fetch is running.
func (f *Fetcher[T]) InFlight() bool { return f.busy.Load() }

// Loaded reports whether any fetch has succeeded.
func (f *Fetcher[T]) Loaded() bool { return f.loaded.Load() }

// Calls is the number of fetches actually issued.
func (f *Fetcher[T]) Calls() int64 { return f.calls.Load() }
