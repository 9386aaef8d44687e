package mtp

import (
	"context"
	"sync"
)

// future is a value that is set once.
type future[T any] struct {
	value T
	err   error
	ready chan struct{}
	once  sync.Once
}

func newFuture[T any]() *future[T] {
	return &future[T]{
		ready: make(chan struct{}),
	}
}

func (f *future[T]) Set(value T) {
	f.once.Do(func() {
		f.value = value
		close(f.ready)
	})
}

func (f *future[T]) Fail(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.ready)
	})
}

func (f *future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.ready:
		return f.value, f.err
	case <-ctx.Done():
		return f.value, ctx.Err()
	}
}
