package core

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/transport/relay"
)

// relayPeer connects a hub of its own pool to the relay at url.
func relayPeer(t *testing.T, url string, user *proto.User) *Hub {
	t.Helper()

	pool := NewPool(Options{
		Channel:    "voice-chat",
		Driver:     relay.NewDriver(url, nil),
		Users:      StaticUser(user),
		KnownRooms: []RoomInfo{{ID: "r1", Name: "Room 1"}},
	})
	t.Cleanup(func() { _ = pool.Close(context.Background()) })
	h := pool.Hub("voice-chat")
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", user.ID, err)
	}
	return h
}

func TestHubsOverRelay(t *testing.T) {
	srv := relay.NewServer(nil, relay.ServerOptions{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	a := relayPeer(t, ts.URL, testUser("u-a", "Ana"))
	eventually(t, func() bool { return srv.Peers("voice-chat") == 1 }, "relay registered a")
	b := relayPeer(t, ts.URL, testUser("u-b", "Beto"))

	eventually(t, func() bool { return a.IsUserOnline("u-b") && b.IsUserOnline("u-a") }, "peers discover each other")

	messages := record(a, proto.TypeNewMessage)
	if !a.JoinRoom(context.Background(), "r1") || !b.JoinRoom(context.Background(), "r1") {
		t.Fatalf("joins failed")
	}

	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
	ok := b.SendVoiceMessage(context.Background(), proto.ChatMessage{
		ID:         "m1",
		Transcript: "hola desde b",
		Audio:      audio.Buffer(wav),
		Duration:   1.5,
		Timestamp:  time.Now(),
		User:       *testUser("u-b", "Beto"),
	})
	if !ok {
		t.Fatalf("send over relay failed")
	}

	var payload proto.NewMessageData
	if err := json.Unmarshal(mustEvent(t, messages, "relayed message"), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message.ID != "m1" || payload.Message.Transcript != "hola desde b" || payload.Message.RoomID != "r1" {
		t.Fatalf("unexpected message %+v", payload.Message)
	}
	blob, ok := payload.Message.Audio.(audio.Blob)
	if !ok || !bytes.Equal(blob.Data, wav) {
		t.Fatalf("audio not reconstructed: %#v", payload.Message.Audio)
	}
}
