package memory

import (
	"context"
	"sync"

	"github.com/vovakirdan/voicechat/internal/transport"
)

const defaultQueueSize = 64

// Broker is an in-process set of named broadcast channels. Every channel opened
// with the same name on the same Broker sees the others' posts.
type Broker struct {
	echo      bool
	queueSize int

	mu   sync.RWMutex
	subs map[string]map[*channel]struct{}
}

// Option configures a Broker.
type Option func(*Broker)

// WithEcho makes posts loop back to the posting channel as well.
func WithEcho() Option {
	return func(b *Broker) { b.echo = true }
}

// WithQueueSize sets the per-subscriber delivery buffer. Frames beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queueSize: defaultQueueSize,
		subs:      make(map[string]map[*channel]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open implements transport.Driver.
func (b *Broker) Open(_ context.Context, name string, deliver func([]byte)) (transport.Channel, error) {
	c := &channel{
		broker:  b,
		name:    name,
		deliver: deliver,
		queue:   make(chan []byte, b.queueSize),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	set, ok := b.subs[name]
	if !ok {
		set = make(map[*channel]struct{})
		b.subs[name] = set
	}
	set[c] = struct{}{}
	b.mu.Unlock()

	go c.run()
	return c, nil
}

// Subscribers returns the number of open channels with the given name.
func (b *Broker) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}

func (b *Broker) publish(from *channel, payload []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for c := range b.subs[from.name] {
		if c == from && !b.echo {
			continue
		}
		select {
		case c.queue <- payload:
		default:
			// Drop if slow consumer.
		}
	}
}

func (b *Broker) remove(c *channel) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.subs[c.name]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(b.subs, c.name)
	}
}

type channel struct {
	broker  *Broker
	name    string
	deliver func([]byte)
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func (c *channel) Post(_ context.Context, payload []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	c.broker.publish(c, append([]byte(nil), payload...))
	return nil
}

func (c *channel) Close() error {
	c.once.Do(func() {
		c.broker.remove(c)
		close(c.done)
	})
	return nil
}

func (c *channel) run() {
	for {
		select {
		case payload := <-c.queue:
			if c.deliver != nil {
				c.deliver(payload)
			}
		case <-c.done:
			return
		}
	}
}
