package stream

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// TimeoutError reports that the wrapped sequence failed to produce its
// next item within the configured window.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("stream timed out after %s waiting for next item", e.After)
}

type item[T any] struct {
	v   T
	err error
}

type timeoutIterator[T any] struct {
	src       Iterator[T]
	window    time.Duration
	onTimeout func()

	items chan item[T]
	done  chan struct{}

	mu       sync.Mutex
	sticky   error
	released bool
	closeErr error
}

// WithTimeout wraps src with a sliding per-item deadline: each call to
// Next must be satisfied within window, measured from the call, not
// from the start of the sequence. On expiry the onTimeout hook runs
// (if non-nil), the source is released, and Next returns a
// *TimeoutError. The source is released exactly once whether the
// sequence completes, errors, times out, or is closed early.
func WithTimeout[T any](src Iterator[T], window time.Duration, onTimeout func()) Iterator[T] {
	t := &timeoutIterator[T]{
		src:       src,
		window:    window,
		onTimeout: onTimeout,
		items:     make(chan item[T]),
		done:      make(chan struct{}),
	}
	go t.pump()
	return t
}

func (t *timeoutIterator[T]) pump() {
	defer close(t.items)
	for {
		v, err := t.src.Next()
		select {
		case t.items <- item[T]{v: v, err: err}:
		case <-t.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (t *timeoutIterator[T]) Next() (T, error) {
	var zero T

	t.mu.Lock()
	if t.sticky != nil {
		err := t.sticky
		t.mu.Unlock()
		return zero, err
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.window)
	defer timer.Stop()

	select {
	case it, ok := <-t.items:
		if !ok {
			// Pump exited after an early Close.
			return zero, t.fail(io.EOF)
		}
		if it.err != nil {
			t.mu.Lock()
			t.sticky = it.err
			t.mu.Unlock()
			t.release()
			return zero, it.err
		}
		return it.v, nil
	case <-timer.C:
		if t.onTimeout != nil {
			t.onTimeout()
		}
		return zero, t.fail(&TimeoutError{After: t.window})
	}
}

func (t *timeoutIterator[T]) fail(err error) error {
	t.mu.Lock()
	if t.sticky == nil {
		t.sticky = err
	}
	err = t.sticky
	t.mu.Unlock()
	t.release()
	return err
}

func (t *timeoutIterator[T]) release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		return
	}
	t.released = true
	close(t.done)
	t.closeErr = t.src.Close()
}

func (t *timeoutIterator[T]) Close() error {
	t.release()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}
