package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/metrics"
)

const (
	// DefaultAddr keeps the relay on the loopback interface.
	DefaultAddr = "127.0.0.1:7357"
	// DefaultMaxFrameBytes allows audio clips encoded inside envelopes.
	DefaultMaxFrameBytes int64 = 8 << 20

	peerQueueSize = 32
)

// ServerOptions configures the relay server.
type ServerOptions struct {
	// RateLimit caps frames per connection per minute; 0 disables the limit.
	RateLimit     int
	MaxFrameBytes int64
	Metrics       *metrics.Metrics
}

// Server fans every frame received on /channels/:name out to every other
// connection on the same name.
type Server struct {
	log     *zerolog.Logger
	opts    ServerOptions
	metrics *metrics.Metrics
	engine  *gin.Engine
	mux     *http.ServeMux

	mu       sync.RWMutex
	channels map[string]map[*peer]struct{}
}

type peer struct {
	send chan []byte
}

// NewServer builds a relay server with its routes.
func NewServer(logger *zerolog.Logger, opts ServerOptions) *Server {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	l := logger.With().Str("component", "relay").Logger()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(&l))

	s := &Server{
		log:      &l,
		opts:     opts,
		metrics:  opts.Metrics,
		engine:   engine,
		mux:      http.NewServeMux(),
		channels: make(map[string]map[*peer]struct{}),
	}

	engine.GET("/health", s.healthHandler)

	// WebSocket upgrades need the raw ResponseWriter, so channels bypass gin.
	s.mux.Handle("/channels/", &channelHandler{server: s})
	s.mux.Handle("/", engine)
	return s
}

// Handler returns the HTTP handler serving the relay.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HTTPServer wraps the handler in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Peers returns the number of connections on a channel.
func (s *Server) Peers(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.channels[name])
}

func (s *Server) healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// channelHandler upgrades /channels/{name} to a relay connection.
type channelHandler struct {
	server *Server
}

func (h *channelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s := h.server
	name := strings.TrimPrefix(r.URL.Path, "/channels/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "missing channel name", http.StatusBadRequest)
		return
	}
	s.log.Debug().Str("path", r.URL.Path).Msg("channel upgrade")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	conn.SetReadLimit(s.opts.MaxFrameBytes)

	p := &peer{send: make(chan []byte, peerQueueSize)}
	s.join(name, p)
	defer s.leave(name, p)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	limiter := newRateLimiter(s.opts.RateLimit)
	limiter.startReset(ctx.Done())

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.readLoop(ctx, conn, name, p, limiter)
	}()
	go func() {
		errCh <- s.writeLoop(ctx, conn, p)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status := websocket.StatusNormalClosure
	reason := "closing"
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		if st := websocket.CloseStatus(err); st != -1 {
			status = st
		}
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			s.log.Warn().Err(err).Str("channel", name).Msg("relay connection closed with error")
		}
	}
	conn.Close(status, reason)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, name string, from *peer, limiter *rateLimiter) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			continue
		}
		if !limiter.allow() {
			s.metrics.Dropped(metrics.DropRateLimit)
			s.log.Debug().Str("channel", name).Msg("frame rate limited")
			continue
		}
		s.broadcast(name, from, data)
	}
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, p *peer) error {
	for {
		select {
		case frame := <-p.send:
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) broadcast(name string, from *peer, frame []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for p := range s.channels[name] {
		if p == from {
			continue
		}
		select {
		case p.send <- frame:
			s.metrics.FrameRelayed()
		default:
			// Drop if slow consumer.
			s.metrics.Dropped(metrics.DropSlowPeer)
		}
	}
}

func (s *Server) join(name string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.channels[name]
	if !ok {
		set = make(map[*peer]struct{})
		s.channels[name] = set
	}
	set[p] = struct{}{}
	s.metrics.PeerConnected()
	s.log.Debug().Str("channel", name).Int("peers", len(set)).Msg("peer joined")
}

func (s *Server) leave(name string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.channels[name]
	if !ok {
		return
	}
	if _, exists := set[p]; !exists {
		return
	}
	delete(set, p)
	if len(set) == 0 {
		delete(s.channels, name)
	}
	s.metrics.PeerDisconnected()
	s.log.Debug().Str("channel", name).Int("peers", len(set)).Msg("peer left")
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Process request
		c.Next()

		// Log after request
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
