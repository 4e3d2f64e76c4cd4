package memory

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
	"github.com/ggoodman/toolsessions-go/transport/transporttest"
)

func TestMemoryTransport(t *testing.T) {
	transporttest.RunTransportTests(t, func(t *testing.T) (transport.Transport, transport.Transport) {
		a, b := NewPair()
		return a, b
	})
}

func TestSendCopiesMessage(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	got := make(chan protocol.Message, 1)
	defer b.Subscribe(func(m protocol.Message) { got <- m })()

	msgs := []protocol.SamplingMessage{{Role: protocol.RoleUser, Content: "original"}}
	if err := a.Send(context.Background(), protocol.SampleRequest("s-1", msgs, nil)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs[0].Content = "mutated"

	select {
	case m := <-got:
		if m.Messages[0].Content != "original" {
			t.Fatalf("receiver observed sender mutation: %q", m.Messages[0].Content)
		}
	case <-time.After(time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	a, b := NewPair()
	defer a.Close()
	defer b.Close()

	if err := a.Send(context.Background(), protocol.Message{Type: "bogus"}); err == nil {
		t.Fatalf("expected validation error")
	}
}
