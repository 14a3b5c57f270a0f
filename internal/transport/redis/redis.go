package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/transport"
)

// DefaultPrefix namespaces channel names in Redis.
const DefaultPrefix = "voicechat:"

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Driver implements transport.Driver using Redis pub/sub. Redis delivers a
// publisher's own messages back to its subscription.
type Driver struct {
	client goredis.UniversalClient
	prefix string
	log    *zerolog.Logger
}

// New builds a driver for the server at opts.Addr. An unreachable server is
// logged, not fatal: Open fails until it comes up.
func New(ctx context.Context, logger *zerolog.Logger, opts Options) (*Driver, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	d := NewWithClient(client, opts.Prefix, logger)
	if err := client.Ping(ctx).Err(); err != nil {
		d.log.Warn().Err(err).Str("addr", opts.Addr).Msg("redis unreachable")
	}
	return d, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client goredis.UniversalClient, prefix string, logger *zerolog.Logger) *Driver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "transport.redis").Logger()
	return &Driver{client: client, prefix: prefix, log: &l}
}

// Open implements transport.Driver.
func (d *Driver) Open(ctx context.Context, name string, deliver func([]byte)) (transport.Channel, error) {
	key := d.prefix + name
	if err := d.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	ps := d.client.Subscribe(ctx, key)

	// Wait for the subscription to be confirmed so no early post is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", key, err)
	}

	c := &channel{
		driver: d,
		key:    key,
		pubsub: ps,
		done:   make(chan struct{}),
	}
	go c.run(deliver)
	return c, nil
}

// Close closes the underlying client.
func (d *Driver) Close() error {
	return d.client.Close()
}

type channel struct {
	driver *Driver
	key    string
	pubsub *goredis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (c *channel) Post(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	if err := c.driver.client.Publish(ctx, c.key, payload).Err(); err != nil {
		return fmt.Errorf("publish %q: %w", c.key, err)
	}
	return nil
}

func (c *channel) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.pubsub.Close()
	})
	return err
}

func (c *channel) run(deliver func([]byte)) {
	for msg := range c.pubsub.Channel() {
		if deliver != nil {
			deliver([]byte(msg.Payload))
		}
	}
	c.driver.log.Debug().Str("key", c.key).Msg("subscription closed")
}
