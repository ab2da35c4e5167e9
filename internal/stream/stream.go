// Package stream provides a pull-based sequence abstraction and a
// per-item timeout wrapper used to bound long-running agent runs.
package stream

import (
	"io"
	"sync"
)

// Iterator yields a sequence of values. Next returns io.EOF when the
// sequence is exhausted. Close releases the underlying source and is
// safe to call more than once.
type Iterator[T any] interface {
	Next() (T, error)
	Close() error
}

type channelIterator[T any] struct {
	ch   <-chan T
	stop func()
	once sync.Once
}

// FromChannel adapts a channel to an Iterator. A closed channel ends
// the sequence with io.EOF. Close invokes stop, which should make the
// producer stop sending and close the channel.
func FromChannel[T any](ch <-chan T, stop func()) Iterator[T] {
	return &channelIterator[T]{ch: ch, stop: stop}
}

func (c *channelIterator[T]) Next() (T, error) {
	v, ok := <-c.ch
	if !ok {
		var zero T
		return zero, io.EOF
	}
	return v, nil
}

func (c *channelIterator[T]) Close() error {
	c.once.Do(func() {
		if c.stop != nil {
			c.stop()
		}
	})
	return nil
}

// Collect drains the iterator into a slice, closing it afterwards.
func Collect[T any](it Iterator[T]) ([]T, error) {
	defer it.Close()
	var out []T
	for {
		v, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}
