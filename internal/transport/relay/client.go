package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/transport"
)

// DefaultURL is the client-side address of a relay started with DefaultAddr.
const DefaultURL = "ws://" + DefaultAddr

const defaultDialTimeout = 2 * time.Second

// Driver implements transport.Driver by dialing a relay Server. The relay
// does not echo a connection's own frames.
type Driver struct {
	baseURL       string
	maxFrameBytes int64
	dialTimeout   time.Duration
	log           *zerolog.Logger
}

// NewDriver builds a client driver for the relay at baseURL (ws:// or http://).
func NewDriver(baseURL string, logger *zerolog.Logger) *Driver {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "transport.relay").Logger()
	return &Driver{
		baseURL:       strings.TrimRight(baseURL, "/"),
		maxFrameBytes: DefaultMaxFrameBytes,
		dialTimeout:   defaultDialTimeout,
		log:           &l,
	}
}

// Open implements transport.Driver.
func (d *Driver) Open(ctx context.Context, name string, deliver func([]byte)) (transport.Channel, error) {
	target, err := d.channelURL(name)
	if err != nil {
		return nil, err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, d.dialTimeout)
	defer cancelDial()

	conn, _, err := websocket.Dial(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(d.maxFrameBytes)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &channel{
		conn:   conn,
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    d.log,
	}
	go c.readLoop(readCtx, deliver)
	return c, nil
}

func (d *Driver) channelURL(name string) (string, error) {
	u, err := url.Parse(d.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String() + "/channels/" + url.PathEscape(name), nil
}

type channel struct {
	conn   *websocket.Conn
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	log    *zerolog.Logger
}

func (c *channel) Post(ctx context.Context, payload []byte) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageText, payload); err != nil {
		return fmt.Errorf("write relay frame: %w", err)
	}
	return nil
}

func (c *channel) Close() error {
	c.once.Do(func() {
		close(c.done)
		// Close performs the handshake and unblocks the read loop.
		if err := c.conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
			c.log.Debug().Err(err).Str("channel", c.name).Msg("close relay connection")
		}
		c.cancel()
	})
	return nil
}

// Done is closed when the channel is closed or the relay connection ends.
func (c *channel) Done() <-chan struct{} {
	return c.done
}

func (c *channel) readLoop(ctx context.Context, deliver func([]byte)) {
	// A dropped connection leaves nothing to post to.
	defer c.Close()
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			// Treat expected shutdowns quietly.
			if errors.Is(err, context.Canceled) {
				return
			}
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return
			}
			select {
			case <-c.done:
			default:
				c.log.Warn().Err(err).Str("channel", c.name).Msg("relay read error")
			}
			return
		}
		if typ != websocket.MessageText || deliver == nil {
			continue
		}
		deliver(data)
	}
}
