// Package redisconn opens Redis clients for the Redis-backed store and
// transport.
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/redis/go-redis/v9"
)

// Options controls how Dial connects. Zero values fall back to defaults.
type Options struct {
	Addr     string
	Password string
	DB       int

	// Attempts is how many times the initial PING is tried.
	Attempts uint
	// Delay is the base backoff between PING attempts.
	Delay time.Duration
}

// Dial returns a client once the server answers PING.
func Dial(ctx context.Context, opts Options) (*redis.Client, error) {
	addr := opts.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	attempts := opts.Attempts
	if attempts == 0 {
		attempts = 3
	}
	delay := opts.Delay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	cl := redis.NewClient(&redis.Options{Addr: addr, Password: opts.Password, DB: opts.DB})
	err := retry.Do(func() error {
		return cl.Ping(ctx).Err()
	},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return cl, nil
}
