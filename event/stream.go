package event

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrStreamClosed  = errors.New("cannot notify closed stream")
	ErrStreamTimeout = errors.New("timed out sending to stream")
)

type Stream[E any] interface {
	ID() string
	Notify(event E, timeout time.Duration) error
	Close()
}

// ChanStream converts events with its selector and buffers the accepted ones
// on a channel. A consumer that falls behind for longer than the notify
// timeout gets its stream closed.
type ChanStream[E, M any] struct {
	id       string
	selector func(E) (M, bool)

	mu     sync.Mutex
	ch     chan M
	closed bool
}

func NewChanStream[E, M any](id string, bufferSize int, selector func(event E) (M, bool)) *ChanStream[E, M] {
	return &ChanStream[E, M]{
		id:       id,
		selector: selector,
		ch:       make(chan M, bufferSize),
	}
}

func (s *ChanStream[E, M]) ID() string {
	return s.id
}

func (s *ChanStream[E, M]) Notify(event E, timeout time.Duration) error {
	msg, ok := s.selector(event)
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- msg:
		return nil
	case <-timer.C:
		s.closeLocked()
		return ErrStreamTimeout
	}
}

func (s *ChanStream[E, M]) Channel() <-chan M {
	return s.ch
}

func (s *ChanStream[E, M]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
}

func (s *ChanStream[E, M]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// StreamHandler forwards bus events to a stream. Events that cannot be
// delivered within timeout close the stream.
func StreamHandler[Key, E any](s Stream[E], timeout time.Duration) Handler[Key, E] {
	return HandlerFunc[Key, E](func(_ Key, e E) {
		_ = s.Notify(e, timeout)
	})
}
