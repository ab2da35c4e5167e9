package stream

import (
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

// tickerSource yields n values spaced by interval and counts releases.
type tickerSource struct {
	n        int
	interval time.Duration
	emitted  int
	releases atomic.Int32
	stall    bool
	stallCh  chan struct{}
}

func (s *tickerSource) Next() (int, error) {
	if s.stall && s.emitted == s.n {
		<-s.stallCh
		return 0, io.EOF
	}
	if s.emitted == s.n {
		return 0, io.EOF
	}
	time.Sleep(s.interval)
	s.emitted++
	return s.emitted, nil
}

func (s *tickerSource) Close() error {
	s.releases.Add(1)
	if s.stallCh != nil {
		close(s.stallCh)
	}
	return nil
}

func TestWithTimeoutPassesItemsThrough(t *testing.T) {
	src := &tickerSource{n: 3, interval: 100 * time.Millisecond}
	it := WithTimeout[int](src, 500*time.Millisecond, nil)

	got, err := Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("unexpected items: %v", got)
	}
	if n := src.releases.Load(); n != 1 {
		t.Fatalf("source released %d times, want 1", n)
	}
}

func TestWithTimeoutFiresOnStall(t *testing.T) {
	src := &tickerSource{n: 1, interval: 10 * time.Millisecond, stall: true, stallCh: make(chan struct{})}
	var hookCalls atomic.Int32
	it := WithTimeout[int](src, 80*time.Millisecond, func() { hookCalls.Add(1) })

	if _, err := it.Next(); err != nil {
		t.Fatalf("first Next: %v", err)
	}

	_, err := it.Next()
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if te.After != 80*time.Millisecond {
		t.Fatalf("unexpected window in error: %s", te.After)
	}
	if hookCalls.Load() != 1 {
		t.Fatalf("timeout hook called %d times", hookCalls.Load())
	}

	// Error is sticky and the source was released exactly once.
	if _, err := it.Next(); !errors.As(err, &te) {
		t.Fatalf("expected sticky TimeoutError, got %v", err)
	}
	it.Close()
	it.Close()
	if n := src.releases.Load(); n != 1 {
		t.Fatalf("source released %d times, want 1", n)
	}
}

func TestWithTimeoutEarlyClose(t *testing.T) {
	src := &tickerSource{n: 100, interval: time.Millisecond}
	it := WithTimeout[int](src, time.Second, nil)

	if _, err := it.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if err := it.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if n := src.releases.Load(); n != 1 {
		t.Fatalf("source released %d times, want 1", n)
	}
}

func TestWithTimeoutPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	ch := make(chan int, 1)
	ch <- 7
	src := &erroringSource{ch: ch, err: boom}
	it := WithTimeout[int](src, time.Second, nil)

	if v, err := it.Next(); err != nil || v != 7 {
		t.Fatalf("Next = %d, %v", v, err)
	}
	if _, err := it.Next(); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if src.closes != 1 {
		t.Fatalf("source closed %d times, want 1", src.closes)
	}
}

type erroringSource struct {
	ch     chan int
	err    error
	closes int
}

func (s *erroringSource) Next() (int, error) {
	select {
	case v := <-s.ch:
		return v, nil
	default:
		return 0, s.err
	}
}

func (s *erroringSource) Close() error {
	s.closes++
	return nil
}

func TestFromChannel(t *testing.T) {
	ch := make(chan string, 2)
	ch <- "a"
	ch <- "b"
	close(ch)

	stopped := false
	it := FromChannel(ch, func() { stopped = true })
	got, err := Collect(it)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("unexpected items: %v", got)
	}
	if !stopped {
		t.Fatal("stop func not invoked on Close")
	}
}
