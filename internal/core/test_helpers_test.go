package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/transport/memory"
)

func testUser(id, nickname string) *proto.User {
	return &proto.User{ID: id, Nickname: nickname, UserType: proto.UserTypeStudent}
}

// newPeer simulates a separate process: its own pool and hub on a shared broker.
func newPeer(t *testing.T, broker *memory.Broker, user *proto.User, channel string) *Hub {
	t.Helper()

	opts := Options{Channel: channel, Driver: broker}
	if user != nil {
		opts.Users = StaticUser(user)
	}
	pool := NewPool(opts)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	return pool.Hub(channel)
}

func connectPeer(t *testing.T, broker *memory.Broker, user *proto.User, channel string) *Hub {
	t.Helper()

	h := newPeer(t, broker, user, channel)
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", h.Identity().UserID, err)
	}
	return h
}

func record(h *Hub, t proto.EventType) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 16)
	h.OnMessage(t, func(data json.RawMessage) error {
		ch <- data
		return nil
	})
	return ch
}

func mustEvent(t *testing.T, ch <-chan json.RawMessage, want string) json.RawMessage {
	t.Helper()

	select {
	case data := <-ch:
		return data
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %s event not received", want)
		return nil
	}
}

func noEvent(t *testing.T, ch <-chan json.RawMessage, what string) {
	t.Helper()

	select {
	case data := <-ch:
		t.Fatalf("unexpected %s event: %s", what, data)
	case <-time.After(100 * time.Millisecond):
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
