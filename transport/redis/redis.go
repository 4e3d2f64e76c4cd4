// Package redis implements transport.Transport on Redis Streams so that a
// worker can run in a different process or on a different machine than the
// session host. Each session uses two streams, one per direction. A stream
// is read from its beginning, so messages written before the reader started
// are not lost.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/toolsessions-go/internal/redisconn"
	"github.com/ggoodman/toolsessions-go/protocol"
	"github.com/ggoodman/toolsessions-go/transport"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis Streams transport. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisPassword. ENV: REDIS_PASSWORD
	RedisPassword string `env:"REDIS_PASSWORD"`
	// KeyPrefix for all stream keys. ENV: TRANSPORT_KEY_PREFIX
	KeyPrefix string `env:"TRANSPORT_KEY_PREFIX,default=toolsessions:transport:"`
	// TTL applied to both streams once either side closes. ENV: TRANSPORT_STREAM_TTL
	TTL time.Duration `env:"TRANSPORT_STREAM_TTL,default=10m"`
}

// Side selects which direction an endpoint writes.
type Side int

const (
	Host Side = iota
	Worker
)

const (
	fieldData   = "d"
	fieldHangup = "eof"
)

// Broker opens transports that share one Redis client.
type Broker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	block     time.Duration
	log       *slog.Logger
}

func New(cfg Config) (*Broker, error) {
	cl, err := redisconn.Dial(context.Background(), redisconn.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err != nil {
		return nil, err
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "toolsessions:transport:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Broker{
		client:    cl,
		keyPrefix: prefix,
		ttl:       ttl,
		block:     500 * time.Millisecond,
		log:       slog.New(slog.DiscardHandler),
	}, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode transport config: %w", err)
	}
	return New(cfg)
}

// SetLogger replaces the logger used by transports opened afterwards.
func (b *Broker) SetLogger(l *slog.Logger) {
	if l != nil {
		b.log = l
	}
}

// Close closes the Redis client. Open transports stop working.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) streamKey(sessionID, dir string) string {
	return b.keyPrefix + sessionID + ":" + dir
}

func (b *Broker) launchKey() string { return b.keyPrefix + "launch" }

// Announce asks a worker process to attach to sessionID. Workers receive
// announcements through Accept.
func (b *Broker) Announce(ctx context.Context, sessionID string) error {
	if err := b.client.LPush(ctx, b.launchKey(), sessionID).Err(); err != nil {
		return fmt.Errorf("redis transport: announce: %w", err)
	}
	return nil
}

// Accept blocks until a session is announced and returns its id. Each
// announcement is delivered to exactly one caller.
func (b *Broker) Accept(ctx context.Context) (string, error) {
	for {
		res, err := b.client.BRPop(ctx, time.Second, b.launchKey()).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("redis transport: accept: %w", err)
		}
		// res is [key, value]
		if len(res) == 2 {
			return res[1], nil
		}
	}
}

// Open returns the endpoint for one side of a session's channel.
func (b *Broker) Open(sessionID string, side Side) *Transport {
	in, out := b.streamKey(sessionID, "w2h"), b.streamKey(sessionID, "h2w")
	if side == Worker {
		in, out = out, in
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		b:      b,
		in:     in,
		out:    out,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    b.log.With(slog.String("session_id", sessionID)),
	}
	go t.read(ctx)
	return t
}

// Transport is one endpoint of a Redis Streams channel.
type Transport struct {
	transport.Dispatcher

	b       *Broker
	in, out string
	cancel  context.CancelFunc
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Send(ctx context.Context, msg protocol.Message) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := t.b.client.XAdd(ctx, &redis.XAddArgs{Stream: t.out, Values: map[string]interface{}{fieldData: data}}).Err(); err != nil {
		return fmt.Errorf("redis transport: xadd: %w", err)
	}
	return nil
}

// Close appends a hangup marker to the outbound stream and sets a TTL on
// both streams.
func (t *Transport) Close() error {
	if !t.finish(transport.ErrClosed) {
		return nil
	}
	t.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pipe := t.b.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: t.out, Values: map[string]interface{}{fieldHangup: "1"}})
	pipe.Expire(ctx, t.out, t.b.ttl)
	pipe.Expire(ctx, t.in, t.b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("redis_transport.close.err", slog.String("err", err.Error()))
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

	if err == transport.ErrClosed {
		t.Dispatcher.Close()
	}
	close(t.done)
	return true
}

func (t *Transport) read(ctx context.Context) {
	start := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := t.b.client.XRead(ctx, &redis.XReadArgs{Streams: []string{t.in, start}, Count: 100, Block: t.b.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			t.log.Warn("redis_transport.read.err", slog.String("err", err.Error()))
			t.finish(fmt.Errorf("%w: %v", transport.ErrPeerClosed, err))
			return
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				if _, ok := m.Values[fieldHangup]; ok {
					t.finish(transport.ErrPeerClosed)
					return
				}
				var payload []byte
				switch v := m.Values[fieldData].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					t.log.Warn("redis_transport.read.bad_entry", slog.String("id", m.ID))
					continue
				}
				msg, err := protocol.Decode(payload)
				if err != nil {
					t.log.Warn("redis_transport.read.decode_failed", slog.String("id", m.ID), slog.String("err", err.Error()))
					continue
				}
				t.Dispatch(msg)
			}
		}
	}
}
