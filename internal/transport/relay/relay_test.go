package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vovakirdan/voicechat/internal/transport"
)

func startTestRelay(t *testing.T, opts ServerOptions) (*Server, *httptest.Server) {
	t.Helper()

	srv := NewServer(nil, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func waitPeers(t *testing.T, srv *Server, name string, want int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if srv.Peers(name) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d peers on %q, got %d", want, name, srv.Peers(name))
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := startTestRelay(t, ServerOptions{})

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestRelayFanOutExcludesSender(t *testing.T) {
	srv, ts := startTestRelay(t, ServerOptions{})
	ctx := context.Background()
	d := NewDriver(ts.URL, nil)

	gotA := make(chan []byte, 4)
	gotB := make(chan []byte, 4)
	a, err := d.Open(ctx, "voice-chat", func(p []byte) { gotA <- p })
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := d.Open(ctx, "voice-chat", func(p []byte) { gotB <- p })
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()
	waitPeers(t, srv, "voice-chat", 2)

	if err := a.Post(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("post: %v", err)
	}

	select {
	case p := <-gotB:
		if string(p) != `{"n":1}` {
			t.Fatalf("unexpected frame %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("peer did not receive frame")
	}

	select {
	case p := <-gotA:
		t.Fatalf("sender received its own frame: %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayIsolatesChannels(t *testing.T) {
	srv, ts := startTestRelay(t, ServerOptions{})
	ctx := context.Background()
	d := NewDriver(ts.URL, nil)

	a, err := d.Open(ctx, "one", nil)
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	got := make(chan []byte, 1)
	b, err := d.Open(ctx, "two", func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()
	waitPeers(t, srv, "one", 1)
	waitPeers(t, srv, "two", 1)

	_ = a.Post(ctx, []byte("x"))
	select {
	case p := <-got:
		t.Fatalf("frame leaked across channels: %q", p)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelayRateLimit(t *testing.T) {
	srv, ts := startTestRelay(t, ServerOptions{RateLimit: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/channels/limited"
	sender, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	defer sender.Close(websocket.StatusNormalClosure, "done")

	got := make(chan []byte, 8)
	recv, err := NewDriver(ts.URL, nil).Open(ctx, "limited", func(p []byte) { got <- p })
	if err != nil {
		t.Fatalf("open receiver: %v", err)
	}
	defer recv.Close()
	waitPeers(t, srv, "limited", 2)

	for range 5 {
		if err := sender.Write(ctx, websocket.MessageText, []byte("f")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	count := 0
	timeout := time.After(300 * time.Millisecond)
	for {
		select {
		case <-got:
			count++
		case <-timeout:
			if count != 2 {
				t.Fatalf("expected 2 frames within the limit, got %d", count)
			}
			return
		}
	}
}

func TestPeerRemovedOnClose(t *testing.T) {
	srv, ts := startTestRelay(t, ServerOptions{})
	ctx := context.Background()

	c, err := NewDriver(ts.URL, nil).Open(ctx, "x", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitPeers(t, srv, "x", 1)

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = c.Close()
	waitPeers(t, srv, "x", 0)
}

func TestDialFailure(t *testing.T) {
	d := NewDriver("ws://127.0.0.1:1", nil)
	if _, err := d.Open(context.Background(), "x", nil); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestChannelRouteRequiresName(t *testing.T) {
	_, ts := startTestRelay(t, ServerOptions{})

	resp, err := ts.Client().Get(ts.URL + "/channels/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 400 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestChannelEndsWhenRelayDrops(t *testing.T) {
	// A relay that accepts and then goes away.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		conn.Close(websocket.StatusInternalError, "gone")
	}))
	defer ts.Close()
	ctx := context.Background()

	c, err := NewDriver(ts.URL, nil).Open(ctx, "x", nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	term, ok := c.(transport.Terminator)
	if !ok {
		t.Fatalf("relay channel should report termination")
	}
	select {
	case <-term.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("channel not closed after the relay dropped")
	}
	if err := c.Post(ctx, []byte("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
