// Copyright 2025, Command Line Inc.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"sync"
)

// Future is a value that settles at most once, either resolved with a value or
// rejected with an error.
type Future struct {
	lock     *sync.Mutex
	doneCh   chan struct{}
	settled  bool
	value    any
	err      error
	onSettle []func(any, error)
}

func MakeFuture() *Future {
	return &Future{
		lock:   &sync.Mutex{},
		doneCh: make(chan struct{}),
	}
}

func ResolvedFuture(value any) *Future {
	f := MakeFuture()
	f.Resolve(value)
	return f
}

func RejectedFuture(err error) *Future {
	f := MakeFuture()
	f.Reject(err)
	return f
}

// Resolve returns false if the future was already settled.
func (f *Future) Resolve(value any) bool {
	return f.settle(value, nil)
}

// Reject returns false if the future was already settled.
func (f *Future) Reject(err error) bool {
	return f.settle(nil, err)
}

func (f *Future) settle(value any, err error) bool {
	f.lock.Lock()
	if f.settled {
		f.lock.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	callbacks := f.onSettle
	f.onSettle = nil
	close(f.doneCh)
	f.lock.Unlock()
	for _, fn := range callbacks {
		fn(value, err)
	}
	return true
}

func (f *Future) Done() <-chan struct{} {
	return f.doneCh
}

func (f *Future) Settled() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.settled
}

// OnSettle runs fn once the future settles (immediately if it already has).
func (f *Future) OnSettle(fn func(value any, err error)) {
	f.lock.Lock()
	if !f.settled {
		f.onSettle = append(f.onSettle, fn)
		f.lock.Unlock()
		return
	}
	value, err := f.value, f.err
	f.lock.Unlock()
	fn(value, err)
}

// Await blocks until the future settles or ctx is done. A done ctx does not
// affect the future itself.
func (f *Future) Await(ctx context.Context) (any, error) {
	select {
	case <-f.doneCh:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result is what a method handler returns: either an immediate value or a
// deferred one that the server waits on before replying.
type Result struct {
	value    any
	deferred *Future
}

func Immediate(value any) Result {
	return Result{value: value}
}

func Deferred(f *Future) Result {
	if f == nil {
		return Result{}
	}
	return Result{deferred: f}
}

func (r Result) IsDeferred() bool {
	return r.deferred != nil
}

func (r Result) Value() any {
	return r.value
}

func (r Result) Future() *Future {
	return r.deferred
}

// Go runs fn on a new goroutine and returns a deferred result for it.
func Go(fn func() (any, error)) Result {
	f := MakeFuture()
	go func() {
		defer func() {
			if err := panicToError("rpc.Go", recover()); err != nil {
				f.Reject(err)
			}
		}()
		value, err := fn()
		if err != nil {
			f.Reject(err)
			return
		}
		f.Resolve(value)
	}()
	return Deferred(f)
}
