// Package memory provides an in-process transport pair. Each endpoint owns a
// delivery goroutine that drains an unbounded inbox, so Send never blocks on
// the receiver. Messages are copied through their JSON form on Send; the two
// ends never share memory.
package memory

import (
	"context"
	"sync"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
)

// Endpoint is one side of an in-process transport pair.
type Endpoint struct {
	transport.Dispatcher

	peer *Endpoint

	mu     sync.Mutex
	cond   *sync.Cond
	inbox  []envelope
	closed bool
	err    error
	done   chan struct{}
}

type envelope struct {
	msg    protocol.Message
	hangup bool
}

var _ transport.Transport = (*Endpoint)(nil)

// NewPair returns two connected endpoints. By convention the first is handed
// to the session host and the second to the worker.
func NewPair() (*Endpoint, *Endpoint) {
	a, b := newEndpoint(), newEndpoint()
	a.peer, b.peer = b, a
	go a.run()
	go b.run()
	return a, b
}

func newEndpoint() *Endpoint {
	e := &Endpoint{done: make(chan struct{})}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Send copies msg into the peer's inbox. It is a no-op once either side has
// closed.
func (e *Endpoint) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil
	}
	cp, err := protocol.Clone(msg)
	if err != nil {
		return err
	}
	e.peer.enqueue(envelope{msg: cp})
	return nil
}

// Close stops local delivery and hangs up the peer once it has drained what
// was already sent to it.
func (e *Endpoint) Close() error {
	if e.finish(transport.ErrClosed) {
		e.peer.enqueue(envelope{hangup: true})
	}
	return nil
}

func (e *Endpoint) Done() <-chan struct{} { return e.done }

func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Endpoint) enqueue(env envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.inbox = append(e.inbox, env)
	e.cond.Signal()
}

// finish marks the endpoint closed. It reports whether this call did so.
func (e *Endpoint) finish(err error) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	e.err = err
	e.inbox = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	// Held messages stay available to a late subscriber after a hangup.
	if err == transport.ErrClosed {
		e.Dispatcher.Close()
	}
	close(e.done)
	return true
}

func (e *Endpoint) run() {
	for {
		e.mu.Lock()
		for len(e.inbox) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		env := e.inbox[0]
		e.inbox[0] = envelope{}
		e.inbox = e.inbox[1:]
		e.mu.Unlock()

		if env.hangup {
			e.finish(transport.ErrPeerClosed)
			return
		}
		e.Dispatch(env.msg)
	}
}
