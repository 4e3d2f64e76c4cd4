// Package transporttest provides a conformance suite for transport.Transport
// implementations.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
)

// PairFactory returns two connected endpoints. Messages sent on one must be
// delivered to subscribers of the other.
type PairFactory func(t *testing.T) (transport.Transport, transport.Transport)

// RunTransportTests runs the complete Transport test suite against the provided factory.
func RunTransportTests(t *testing.T, factory PairFactory) {
	t.Run("Send_OrderedDelivery", func(t *testing.T) { testOrderedDelivery(t, factory) })
	t.Run("Send_Bidirectional", func(t *testing.T) { testBidirectional(t, factory) })
	t.Run("Subscribe_HeldUntilFirstSubscriber", func(t *testing.T) { testHeldUntilFirstSubscriber(t, factory) })
	t.Run("Subscribe_FanOut", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("Subscribe_Unsubscribe", func(t *testing.T) { testUnsubscribe(t, factory) })
	t.Run("Close_Idempotent", func(t *testing.T) { testCloseIdempotent(t, factory) })
	t.Run("Close_SendIsNoop", func(t *testing.T) { testSendAfterClose(t, factory) })
	t.Run("Close_PeerDrainsThenHangsUp", func(t *testing.T) { testPeerDrainsThenHangsUp(t, factory) })
}

const waitTimeout = 5 * time.Second

type collector struct {
	mu   sync.Mutex
	msgs []protocol.Message
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) handle(msg protocol.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.ch <- struct{}{}:
	default:
	}
}

func (c *collector) waitFor(t *testing.T, n int) []protocol.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		c.mu.Lock()
		if len(c.msgs) >= n {
			out := append([]protocol.Message(nil), c.msgs...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			c.mu.Lock()
			got := len(c.msgs)
			c.mu.Unlock()
			t.Fatalf("timed out waiting for %d messages, got %d", n, got)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func numbered(i int) protocol.Message {
	m := protocol.Log(protocol.LogLevelInfo, fmt.Sprintf("msg-%d", i))
	m.LSN = int64(i)
	return m
}

func testOrderedDelivery(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer a.Close()
	defer b.Close()

	c := newCollector()
	defer b.Subscribe(c.handle)()

	ctx := context.Background()
	const n = 50
	for i := 1; i <= n; i++ {
		if err := a.Send(ctx, numbered(i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	got := c.waitFor(t, n)
	for i, m := range got {
		if m.LSN != int64(i+1) {
			t.Fatalf("message %d has lsn %d", i, m.LSN)
		}
		if want := fmt.Sprintf("msg-%d", i+1); m.Message != want {
			t.Fatalf("message %d = %q, want %q", i, m.Message, want)
		}
	}
}

func testBidirectional(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer a.Close()
	defer b.Close()

	ca, cb := newCollector(), newCollector()
	defer a.Subscribe(ca.handle)()
	defer b.Subscribe(cb.handle)()

	ctx := context.Background()
	if err := a.Send(ctx, protocol.Start("s-1", "echo", nil, protocol.Capabilities{})); err != nil {
		t.Fatalf("a.Send: %v", err)
	}
	if err := b.Send(ctx, protocol.Ready()); err != nil {
		t.Fatalf("b.Send: %v", err)
	}
	if got := cb.waitFor(t, 1)[0]; got.Type != protocol.TypeStart || got.ToolName != "echo" || got.SessionID != "s-1" {
		t.Fatalf("unexpected message at b: %+v", got)
	}
	if got := ca.waitFor(t, 1)[0]; got.Type != protocol.TypeReady {
		t.Fatalf("unexpected message at a: %+v", got)
	}
}

func testHeldUntilFirstSubscriber(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	if err := a.Send(ctx, protocol.Ready()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Send(ctx, numbered(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	// Give the transport time to deliver into an empty subscriber set.
	time.Sleep(100 * time.Millisecond)

	c := newCollector()
	defer b.Subscribe(c.handle)()
	got := c.waitFor(t, 2)
	if got[0].Type != protocol.TypeReady || got[1].Type != protocol.TypeLog {
		t.Fatalf("unexpected held messages: %+v", got)
	}
}

func testFanOut(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer a.Close()
	defer b.Close()

	c1, c2 := newCollector(), newCollector()
	defer b.Subscribe(c1.handle)()
	defer b.Subscribe(c2.handle)()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := a.Send(ctx, numbered(i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	for _, c := range []*collector{c1, c2} {
		got := c.waitFor(t, 3)
		for i, m := range got {
			if m.LSN != int64(i+1) {
				t.Fatalf("subscriber saw lsn %d at %d", m.LSN, i)
			}
		}
	}
}

func testUnsubscribe(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer a.Close()
	defer b.Close()

	keep, drop := newCollector(), newCollector()
	defer b.Subscribe(keep.handle)()
	unsub := b.Subscribe(drop.handle)

	ctx := context.Background()
	if err := a.Send(ctx, numbered(1)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	keep.waitFor(t, 1)
	drop.waitFor(t, 1)

	unsub()
	unsub()

	if err := a.Send(ctx, numbered(2)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	keep.waitFor(t, 2)
	if n := drop.count(); n != 1 {
		t.Fatalf("unsubscribed handler received %d messages", n)
	}
}

func testCloseIdempotent(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer b.Close()

	if err := a.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	select {
	case <-a.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("Done not closed after Close")
	}
	if !errors.Is(a.Err(), transport.ErrClosed) {
		t.Fatalf("Err() = %v, want ErrClosed", a.Err())
	}
}

func testSendAfterClose(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer b.Close()

	c := newCollector()
	defer b.Subscribe(c.handle)()

	_ = a.Close()
	if err := a.Send(context.Background(), numbered(1)); err != nil {
		t.Fatalf("Send after Close should be a no-op, got %v", err)
	}
	select {
	case <-b.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("peer never observed hangup")
	}
	if n := c.count(); n != 0 {
		t.Fatalf("peer received %d messages sent after Close", n)
	}
}

func testPeerDrainsThenHangsUp(t *testing.T, factory PairFactory) {
	a, b := factory(t)
	defer b.Close()

	c := newCollector()
	defer b.Subscribe(c.handle)()

	ctx := context.Background()
	const n = 10
	for i := 1; i <= n; i++ {
		if err := a.Send(ctx, numbered(i)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	_ = a.Close()

	select {
	case <-b.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("peer never observed hangup")
	}
	if !errors.Is(b.Err(), transport.ErrPeerClosed) {
		t.Fatalf("peer Err() = %v, want ErrPeerClosed", b.Err())
	}
	if got := c.count(); got != n {
		t.Fatalf("peer received %d of %d messages before hangup", got, n)
	}
}
