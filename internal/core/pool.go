package core

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Pool hands out one Hub per channel name, so a process keeps a single
// connection, presence registry and handler registry per channel.
type Pool struct {
	base Options

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewPool creates a pool whose hubs share base options.
func NewPool(base Options) *Pool {
	return &Pool{base: base, hubs: make(map[string]*Hub)}
}

// Hub returns the hub for channel, creating it on first use. "" selects
// the base channel or DefaultChannel.
func (p *Pool) Hub(channel string) *Hub {
	if channel == "" {
		channel = p.base.Channel
	}
	if channel == "" {
		channel = DefaultChannel
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.hubs[channel]; ok {
		return h
	}
	opts := p.base
	opts.Channel = channel
	h := NewHub(opts)
	p.hubs[channel] = h
	return h
}

// Channels returns the names of the created hubs.
func (p *Pool) Channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.hubs))
	for name := range p.hubs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close disconnects every hub and empties the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	hubs := p.hubs
	p.hubs = make(map[string]*Hub)
	p.mu.Unlock()

	var errs []error
	for _, h := range hubs {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
