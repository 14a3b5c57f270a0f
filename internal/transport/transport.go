package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/metrics"
	"github.com/vovakirdan/voicechat/internal/proto"
)

// DefaultSendTimeout bounds a single post when the caller's context has no deadline.
const DefaultSendTimeout = 2 * time.Second

var (
	// ErrUnavailable means the broadcast primitive could not be opened; callers
	// continue in local-only mode.
	ErrUnavailable = errors.New("broadcast channel unavailable")
	// ErrClosed is returned by a Channel after Close.
	ErrClosed = errors.New("broadcast channel closed")
)

// Channel is one open subscription to a named broadcast channel.
type Channel interface {
	// Post delivers payload to other subscribers of the channel. Whether the
	// poster also receives it depends on the driver.
	Post(ctx context.Context, payload []byte) error
	Close() error
}

// Terminator is implemented by channels that can end on their own, for
// example when a relay connection drops. Done is closed once the channel is
// unusable.
type Terminator interface {
	Done() <-chan struct{}
}

// Driver opens named channels on a local broadcast primitive. deliver is
// invoked sequentially for every frame received on the channel.
type Driver interface {
	Open(ctx context.Context, name string, deliver func([]byte)) (Channel, error)
}

// Transport wraps a Driver with envelope (de)serialization and an idempotent
// connection lifecycle.
type Transport struct {
	driver  Driver
	log     *zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	name string
	ch   Channel

	cbMu  sync.RWMutex
	onRaw func(proto.Envelope)
}

// New builds a transport over driver. logger and m may be nil.
func New(driver Driver, logger *zerolog.Logger, m *metrics.Metrics) *Transport {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "transport").Logger()
	return &Transport{driver: driver, log: &l, metrics: m}
}

// Connect opens the named channel. Connecting again to the same name reuses the
// open channel. Failures wrap ErrUnavailable.
func (t *Transport) Connect(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ch != nil {
		if t.name == name {
			return nil
		}
		return fmt.Errorf("transport already connected to %q", t.name)
	}
	if t.driver == nil {
		return fmt.Errorf("%w: no driver configured", ErrUnavailable)
	}

	ch, err := t.driver.Open(ctx, name, t.deliver)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	t.name = name
	t.ch = ch
	t.log.Debug().Str("channel", name).Msg("channel opened")
	if term, ok := ch.(Terminator); ok {
		go t.watch(ch, term.Done())
	}
	return nil
}

// watch forgets ch when it ends without Disconnect, so Connected reports false.
func (t *Transport) watch(ch Channel, done <-chan struct{}) {
	<-done

	t.mu.Lock()
	lost := t.ch == ch
	name := t.name
	if lost {
		t.ch = nil
		t.name = ""
	}
	t.mu.Unlock()

	if lost {
		t.log.Warn().Str("channel", name).Msg("channel lost, running local-only")
	}
}

// Connected reports whether a channel is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ch != nil
}

// Name returns the open channel name, or "" when disconnected.
func (t *Transport) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// Send posts env once. It is a no-op when disconnected; failures are logged and dropped.
func (t *Transport) Send(ctx context.Context, env proto.Envelope) {
	t.mu.Lock()
	ch := t.ch
	t.mu.Unlock()
	if ch == nil {
		return
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.log.Warn().Err(err).Str("type", string(env.Type)).Msg("marshal envelope")
		return
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultSendTimeout)
		defer cancel()
	}

	if err := ch.Post(ctx, raw); err != nil {
		t.metrics.SendFailed()
		t.log.Warn().Err(err).Str("type", string(env.Type)).Msg("post envelope")
		return
	}
	t.metrics.Sent(env.Type)
}

// OnRawMessage sets the callback receiving every decoded envelope, including
// echoes of this process's own posts.
func (t *Transport) OnRawMessage(cb func(proto.Envelope)) {
	t.cbMu.Lock()
	t.onRaw = cb
	t.cbMu.Unlock()
}

// Disconnect closes the channel. Calling it when disconnected is a no-op.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	ch := t.ch
	name := t.name
	t.ch = nil
	t.name = ""
	t.mu.Unlock()

	if ch == nil {
		return nil
	}
	t.log.Debug().Str("channel", name).Msg("channel closed")
	if err := ch.Close(); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("close channel %q: %w", name, err)
	}
	return nil
}

func (t *Transport) deliver(raw []byte) {
	env, err := proto.DecodeEnvelope(raw)
	if err != nil {
		t.metrics.Dropped(metrics.DropDecode)
		t.log.Debug().Err(err).Msg("drop undecodable frame")
		return
	}
	t.metrics.Received(env.Type)

	t.cbMu.RLock()
	cb := t.onRaw
	t.cbMu.RUnlock()
	if cb != nil {
		cb(env)
	}
}
