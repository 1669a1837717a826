package coa

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
)

var identifier atomic.Uint32

func init() {
	identifier.Store(rand.Uint32())
}

func nextIdentifier() uint8 {
	return uint8(identifier.Add(1))
}

// Future resolves to the Result of an asynchronous request
type Future struct {
	done chan struct{}
	res  Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r Result) {
	f.res = r
	close(f.done)
}

// Done is closed once the result is available
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the request finishes or ctx ends
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
