package transport

import (
	"sync"

	"github.com/ggoodman/toolsessions-go/protocol"
)

// Dispatcher fans inbound messages out to subscribers. Implementations embed
// one and call Dispatch from their single delivery goroutine.
//
// Messages dispatched while no subscriber is registered are held and
// replayed, in order, to the next subscriber. Subscribe must not be called
// from inside a handler.
type Dispatcher struct {
	deliver sync.Mutex

	mu     sync.Mutex
	subs   []*subscriber
	held   []protocol.Message
	closed bool
}

type subscriber struct {
	h      Handler
	active bool
}

// Subscribe registers h and replays held messages to it.
func (d *Dispatcher) Subscribe(h Handler) func() {
	d.deliver.Lock()
	defer d.deliver.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	s := &subscriber{h: h, active: true}
	d.subs = append(d.subs, s)
	held := d.held
	d.held = nil
	d.mu.Unlock()

	for _, msg := range held {
		h(msg)
	}

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(s) })
	}
}

func (d *Dispatcher) remove(s *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s.active = false
	for i, cur := range d.subs {
		if cur == s {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

// Dispatch delivers msg to every current subscriber, or holds it when there
// are none.
func (d *Dispatcher) Dispatch(msg protocol.Message) {
	d.deliver.Lock()
	defer d.deliver.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if len(d.subs) == 0 {
		d.held = append(d.held, msg)
		d.mu.Unlock()
		return
	}
	subs := make([]*subscriber, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, s := range subs {
		d.mu.Lock()
		active := s.active && !d.closed
		d.mu.Unlock()
		if active {
			s.h(msg)
		}
	}
}

// Close drops all subscribers and held messages. Later calls to Dispatch
// are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.subs = nil
	d.held = nil
}
