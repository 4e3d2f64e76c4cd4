// Package pipe implements transport.Transport over a pair of byte streams
// carrying newline-delimited JSON messages. It connects a host to a worker
// running in a child process (see Command) and gives the worker process its
// own endpoint over standard input and output (see Stdio).
package pipe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
)

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger overrides the logger used for decode failures.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// Transport reads messages from r and writes messages to w.
type Transport struct {
	transport.Dispatcher

	r   io.Reader
	w   io.Writer
	log *slog.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	closed  bool
	err     error
	done    chan struct{}
	onClose func()

	readerDone chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New starts reading from r immediately. Messages read before the first
// subscriber attaches are held for it.
func New(r io.Reader, w io.Writer, opts ...Option) *Transport {
	t := &Transport{
		r:          r,
		w:          w,
		log:        slog.New(slog.DiscardHandler),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	go t.read()
	return t
}

// Stdio returns the worker-side endpoint over the process's standard input
// and output.
func Stdio(opts ...Option) *Transport {
	return New(os.Stdin, os.Stdout, opts...)
}

// Send writes msg as a single JSON line.
func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}

	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	t.wmu.Lock()
	defer t.wmu.Unlock()
	if _, err := t.w.Write(b); err != nil {
		return fmt.Errorf("pipe: write: %w", err)
	}
	return nil
}

// Close closes the writer, which the peer observes as end of input, and
// stops delivering inbound messages.
func (t *Transport) Close() error {
	if !t.finish(transport.ErrClosed) {
		return nil
	}
	t.wmu.Lock()
	if c, ok := t.w.(io.Closer); ok {
		_ = c.Close()
	}
	t.wmu.Unlock()
	if c, ok := t.r.(io.Closer); ok {
		_ = c.Close()
	}
	if t.onClose != nil {
		t.onClose()
	}
	return nil
}

func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Transport) finish(err error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	t.err = err
	t.mu.Unlock()

	// Held messages stay available to a late subscriber after a hangup.
	if err == transport.ErrClosed {
		t.Dispatcher.Close()
	}
	close(t.done)
	return true
}

func (t *Transport) read() {
	defer close(t.readerDone)

	br := bufio.NewReader(t.r)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && !isBlank(line) {
			msg, derr := protocol.Decode(line)
			if derr != nil {
				t.log.Warn("pipe.read.decode_failed", slog.String("err", derr.Error()))
			} else {
				t.Dispatch(msg)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.finish(transport.ErrPeerClosed)
			} else {
				t.finish(fmt.Errorf("%w: %v", transport.ErrPeerClosed, err))
			}
			return
		}
	}
}

func isBlank(b []byte) bool {
	for _, c := range b {
		if c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			return false
		}
	}
	return true
}
