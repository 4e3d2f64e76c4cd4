package session

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrStreamClosed is returned by Next after Close.
var ErrStreamClosed = errors.New("session: stream closed")

// Stream yields a session's events in lsn order. It returns io.EOF after the
// terminal event.
type Stream struct {
	s      *Session
	cursor int64

	closeOnce sync.Once
	closed    chan struct{}
}

// Events returns a stream of every event with lsn greater than afterLSN.
// Events(0) replays the whole session. Any number of streams may read a
// session at once; each sees the same sequence.
func (s *Session) Events(afterLSN int64) *Stream {
	if afterLSN < 0 {
		afterLSN = 0
	}
	return &Stream{s: s, cursor: afterLSN, closed: make(chan struct{})}
}

// Next blocks until the next event is available.
func (st *Stream) Next(ctx context.Context) (Event, error) {
	s := st.s
	for {
		select {
		case <-st.closed:
			return Event{}, ErrStreamClosed
		default:
		}

		s.mu.Lock()
		// Event lsn n lives at index n-1.
		if st.cursor < int64(len(s.events)) {
			ev := s.events[st.cursor]
			s.mu.Unlock()
			st.cursor = ev.LSN
			return ev, nil
		}
		if s.status.Terminal() {
			s.mu.Unlock()
			return Event{}, io.EOF
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-st.closed:
			return Event{}, ErrStreamClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// LSN returns the lsn of the last event returned by Next, or the starting
// point if none has been.
func (st *Stream) LSN() int64 { return st.cursor }

// Close unblocks any pending Next.
func (st *Stream) Close() {
	st.closeOnce.Do(func() { close(st.closed) })
}

// Subscribe calls fn for every event after afterLSN until the session ends,
// fn returns an error, or ctx is done. It returns nil after the terminal
// event has been delivered.
func (s *Session) Subscribe(ctx context.Context, afterLSN int64, fn func(Event) error) error {
	st := s.Events(afterLSN)
	defer st.Close()
	for {
		ev, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
