// Package transport defines the message channel between a session host and
// the worker running its tool. A Transport is one endpoint of a pair; the
// host holds one end and the worker holds the other.
//
// The contract every implementation satisfies:
//   - Send is fire-and-forget. Messages sent sequentially from one endpoint
//     arrive at the peer in the same order. Nothing is promised about
//     ordering relative to messages flowing the other way.
//   - Subscribe registers a handler and returns a function that removes it.
//     Every subscriber receives every message. Messages that arrive before
//     the first subscriber is registered are held and delivered to it.
//   - Close is idempotent. After Close, Send is a no-op and handlers are no
//     longer invoked. The peer observes the hangup after it has received
//     everything sent before Close.
//   - Done is closed once the endpoint stops delivering, either because it
//     was closed locally or because the peer hung up. Err reports why.
//
// Implementations live in the memory (in-process), pipe (byte streams and
// subprocesses) and redis (Redis Streams) subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/ggoodman/toolsessions-go/protocol"
)

var (
	// ErrClosed is reported by Err after the endpoint was closed locally.
	ErrClosed = errors.New("transport: closed")
	// ErrPeerClosed is reported by Err after the remote endpoint hung up.
	ErrPeerClosed = errors.New("transport: peer closed")
)

// Handler receives inbound messages. Handlers of one endpoint are invoked
// sequentially from a single delivery goroutine and should not block.
type Handler func(msg protocol.Message)

// Transport is one endpoint of a bidirectional message channel.
type Transport interface {
	Send(ctx context.Context, msg protocol.Message) error
	Subscribe(h Handler) (unsubscribe func())
	Close() error
	Done() <-chan struct{}
	Err() error
}
