package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/metrics"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/transport"
	"github.com/vovakirdan/voicechat/internal/transport/memory"
)

type failingDriver struct{}

func (failingDriver) Open(context.Context, string, func([]byte)) (transport.Channel, error) {
	return nil, errors.New("no broadcast primitive")
}

func TestSelfEchoIsIgnored(t *testing.T) {
	broker := memory.NewBroker(memory.WithEcho())
	m := metrics.New(nil)
	h := NewHub(Options{Driver: broker, Users: StaticUser(testUser("u-a", "Ana")), Metrics: m})
	defer h.Close(context.Background())

	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	typing := record(h, proto.TypeTyping)

	if err := h.Send(context.Background(), proto.TypeTyping, proto.TypingData{Typing: true}, "", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	noEvent(t, typing, "self typing")

	eventually(t, func() bool {
		return testutil.ToFloat64(m.EnvelopesDropped.WithLabelValues(metrics.DropSelfEcho)) >= 1
	}, "self echo counted as dropped")
	if _, ok := h.LastMessage(); ok {
		t.Fatalf("self echo must not be recorded as last message")
	}
}

func TestPresenceDiscoveryAndDeparture(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	b := connectPeer(t, broker, testUser("u-b", "Beto"), "")

	eventually(t, func() bool { return a.IsUserOnline("u-b") }, "a sees b")
	eventually(t, func() bool { return b.IsUserOnline("u-a") }, "b sees a after presence request")

	if got := a.TotalOnlineUsers(); got != 2 {
		t.Fatalf("expected 2 online users, got %d", got)
	}
	others := a.OthersOnline()
	if _, ok := others["u-a"]; ok {
		t.Fatalf("others must exclude self")
	}
	if sessions := others.Sessions("u-b"); len(sessions) != 1 || sessions[0] != b.Identity().SessionID {
		t.Fatalf("unexpected sessions for u-b: %v", sessions)
	}

	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	eventually(t, func() bool { return !a.IsUserOnline("u-b") }, "a prunes b")
	if _, ok := a.OnlineUsers()["u-b"]; ok {
		t.Fatalf("departed user should not remain with an empty session set")
	}
	if b.IsUserOnline("u-b") {
		t.Fatalf("b should have pruned itself")
	}
	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect should be a no-op: %v", err)
	}
}

func TestPresenceRequestIsAnsweredNotFannedOut(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	requests := record(a, proto.TypePresenceRequest)

	frames := make(chan []byte, 8)
	probe, err := broker.Open(context.Background(), DefaultChannel, func(p []byte) { frames <- p })
	if err != nil {
		t.Fatalf("open probe: %v", err)
	}
	defer probe.Close()

	data, _ := json.Marshal(proto.PresenceRequestData{RequesterID: "u-probe", RequesterSessionID: "session-probe"})
	raw, _ := json.Marshal(proto.Envelope{
		Type:      proto.TypePresenceRequest,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		SenderID:  "u-probe",
		SessionID: "session-probe",
	})
	if err := probe.Post(context.Background(), raw); err != nil {
		t.Fatalf("post: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-frames:
			env, err := proto.DecodeEnvelope(frame)
			if err != nil || env.Type != proto.TypeOnlineStatus {
				continue
			}
			var status proto.OnlineStatusData
			if err := json.Unmarshal(env.Data, &status); err != nil {
				t.Fatalf("decode status: %v", err)
			}
			if status.Status != proto.StatusOnline || status.UserID != "u-a" || status.SessionID != a.Identity().SessionID {
				t.Fatalf("unexpected reply: %+v", status)
			}
			noEvent(t, requests, "presence request")
			return
		case <-deadline:
			t.Fatalf("no ONLINE_STATUS reply to presence request")
		}
	}
}

func TestJoinPreconditions(t *testing.T) {
	broker := memory.NewBroker()
	guest := connectPeer(t, broker, nil, "")
	guest.rooms.Remember("r1", "Room")

	if guest.JoinRoom(context.Background(), "r1") {
		t.Fatalf("guest must not join")
	}
	if err := guest.rooms.Join(context.Background(), "r1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if id := guest.Identity(); id.UserID != "guest-"+id.SessionID || id.Nickname != AnonymousNickname {
		t.Fatalf("unexpected guest identity: %+v", id)
	}

	user := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	err := user.rooms.Join(context.Background(), "missing")
	if !errors.Is(err, ErrRoomNotFound) || ErrorCode(err) != ErrCodeRoomNotFound {
		t.Fatalf("expected room not found, got %v", err)
	}
	if user.CurrentRoomID() != "" {
		t.Fatalf("failed join must not change the current room")
	}
}

func TestRoomExclusivity(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	left := record(a, proto.TypeRoomLeft)
	joined := record(a, proto.TypeRoomJoined)

	r1 := a.CreateRoom(context.Background(), "r1", "One")
	r2 := a.CreateRoom(context.Background(), "", "Two")
	if r1 != "r1" || r2 == "" {
		t.Fatalf("unexpected room ids %q %q", r1, r2)
	}

	if !a.JoinRoom(context.Background(), r1) {
		t.Fatalf("join r1")
	}
	mustEvent(t, joined, "joined r1")
	if !a.JoinRoom(context.Background(), r2) {
		t.Fatalf("join r2")
	}

	var ev proto.RoomEventData
	if err := json.Unmarshal(mustEvent(t, left, "left r1"), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.RoomID != r1 {
		t.Fatalf("expected leave of %s, got %s", r1, ev.RoomID)
	}
	mustEvent(t, joined, "joined r2")
	if got := a.CurrentRoomID(); got != r2 {
		t.Fatalf("expected current room %s, got %s", r2, got)
	}

	// Re-joining the current room re-announces without a leave.
	if !a.JoinRoom(context.Background(), r2) {
		t.Fatalf("rejoin r2")
	}
	mustEvent(t, joined, "rejoined r2")
	noEvent(t, left, "leave on rejoin")
}

func TestImplicitLeaveAppliesBeforeNextRoom(t *testing.T) {
	a := connectPeer(t, memory.NewBroker(), testUser("u-a", "Ana"), "")
	a.CreateRoom(context.Background(), "A", "Room A")
	a.CreateRoom(context.Background(), "B", "Room B")

	seen := make(chan string, 4)
	a.OnMessage(proto.TypeRoomLeft, func(json.RawMessage) error {
		seen <- a.CurrentRoomID()
		return nil
	})

	if !a.JoinRoom(context.Background(), "A") || !a.JoinRoom(context.Background(), "B") {
		t.Fatalf("joins failed")
	}
	select {
	case room := <-seen:
		if room != "" {
			t.Fatalf("leave of A applied while current room was %q", room)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ROOM_LEFT not delivered locally")
	}
	if a.CurrentRoomID() != "B" {
		t.Fatalf("expected current room B, got %q", a.CurrentRoomID())
	}
}

func TestLeaveEchoesLocallyWithoutPeers(t *testing.T) {
	a := connectPeer(t, memory.NewBroker(), testUser("u-a", "Ana"), "")
	a.CreateRoom(context.Background(), "solo", "Solo")
	if !a.JoinRoom(context.Background(), "solo") {
		t.Fatalf("join")
	}

	var got []string
	a.OnMessage(proto.TypeRoomLeft, func(data json.RawMessage) error {
		var ev proto.RoomEventData
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		got = append(got, ev.RoomID)
		return nil
	})

	a.LeaveRoom(context.Background(), "solo")
	// Local delivery is synchronous.
	if len(got) != 1 || got[0] != "solo" {
		t.Fatalf("expected synchronous local leave, got %v", got)
	}
	if a.CurrentRoomID() != "" {
		t.Fatalf("current room should be cleared")
	}
}

func TestLeaveRoomOtherThanCurrentKeepsRoom(t *testing.T) {
	a := connectPeer(t, memory.NewBroker(), testUser("u-a", "Ana"), "")
	a.CreateRoom(context.Background(), "r1", "One")
	a.JoinRoom(context.Background(), "r1")

	a.LeaveRoom(context.Background(), "elsewhere")
	if a.CurrentRoomID() != "r1" {
		t.Fatalf("leaving another room must not clear the current one")
	}
	if err := a.rooms.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := a.rooms.Leave(context.Background()); !errors.Is(err, ErrNoActiveRoom) {
		t.Fatalf("expected ErrNoActiveRoom, got %v", err)
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")

	m := metrics.New(nil)
	b := NewHub(Options{Driver: broker, Users: StaticUser(testUser("u-b", "Beto")), Metrics: m})
	defer b.Close(context.Background())
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect b: %v", err)
	}

	b.OnMessage(proto.TypeTyping, func(json.RawMessage) error { return errors.New("boom") })
	b.OnMessage(proto.TypeTyping, func(json.RawMessage) error { panic("kaboom") })
	typing := record(b, proto.TypeTyping)

	if err := a.Send(context.Background(), proto.TypeTyping, proto.TypingData{UserID: "u-a", Typing: true}, "", false); err != nil {
		t.Fatalf("send: %v", err)
	}
	mustEvent(t, typing, "typing after failing handlers")

	if got := testutil.ToFloat64(m.HandlerFailures.WithLabelValues(string(proto.TypeTyping))); got != 2 {
		t.Fatalf("expected 2 handler failures, got %v", got)
	}
}

func TestDispatcherReportsHandlerError(t *testing.T) {
	h := NewHub(Options{Driver: memory.NewBroker(), Users: StaticUser(testUser("u-a", "Ana"))})
	h.OnMessage(proto.TypeTyping, func(json.RawMessage) error { return errors.New("boom") })

	err := h.dispatcher.Handle(proto.Envelope{Type: proto.TypeTyping, Data: json.RawMessage(`{}`), SessionID: "session-other"})
	if !errors.Is(err, ErrHandlerFailure) {
		t.Fatalf("expected ErrHandlerFailure, got %v", err)
	}
	var herr *HandlerError
	if !errors.As(err, &herr) || herr.Type != proto.TypeTyping {
		t.Fatalf("expected HandlerError for TYPING, got %v", err)
	}
	if last, ok := h.LastMessage(); !ok || last.SessionID != "session-other" {
		t.Fatalf("last message not recorded: %+v", last)
	}
}

func TestOffMessage(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	b := connectPeer(t, broker, testUser("u-b", "Beto"), "")

	calls := make(chan string, 4)
	first := b.OnMessage(proto.TypeTyping, func(json.RawMessage) error { calls <- "first"; return nil })
	b.OnMessage(proto.TypeTyping, func(json.RawMessage) error { calls <- "second"; return nil })
	b.OffMessage(proto.TypeTyping, first)
	if n := b.handlers.Count(proto.TypeTyping); n != 1 {
		t.Fatalf("expected 1 handler left, got %d", n)
	}

	a.Send(context.Background(), proto.TypeTyping, proto.TypingData{}, "", false)
	select {
	case who := <-calls:
		if who != "second" {
			t.Fatalf("removed handler was called")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("remaining handler not called")
	}

	// Clearing a type does not remove the room catalog bookkeeping.
	b.OffMessage(proto.TypeRoomCreated)
	a.CreateRoom(context.Background(), "r9", "Nine")
	eventually(t, func() bool { return b.rooms.RoomExists("r9") }, "catalog still learns rooms")
}

func TestSubscribeDecodesPayload(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	b := connectPeer(t, broker, testUser("u-b", "Beto"), "")

	got := make(chan proto.TypingData, 1)
	Subscribe(b, proto.TypeTyping, func(d proto.TypingData) error {
		got <- d
		return nil
	})

	a.Send(context.Background(), proto.TypeTyping, proto.TypingData{UserID: "u-a", Typing: true}, "", false)
	select {
	case d := <-got:
		if d.UserID != "u-a" || !d.Typing {
			t.Fatalf("unexpected payload %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("typed handler not called")
	}
}

func TestStudyGroupScenario(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "room-x")
	b := connectPeer(t, broker, testUser("u-b", "Beto"), "room-x")
	messages := record(b, proto.TypeNewMessage)

	memberships := make(chan Membership, 4)
	a.OnMembership(func(m Membership) { memberships <- m })

	r1 := a.CreateRoom(context.Background(), "r1", "Study Group")
	eventually(t, func() bool { return b.rooms.RoomExists(r1) }, "b learns r1")
	if rooms := b.Rooms(); len(rooms) != 1 || rooms[0].Name != "Study Group" {
		t.Fatalf("unexpected catalog: %+v", rooms)
	}

	if !a.JoinRoom(context.Background(), r1) {
		t.Fatalf("a join")
	}
	if !b.JoinRoom(context.Background(), r1) {
		t.Fatalf("b join")
	}

	select {
	case m := <-memberships:
		if m.Kind != MemberJoined || m.UserID != "u-b" || m.RoomID != r1 {
			t.Fatalf("unexpected membership %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("a did not see b join")
	}

	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)
	ok := a.SendVoiceMessage(context.Background(), proto.ChatMessage{
		ID:         "m1",
		Transcript: "hola",
		Audio:      audio.Buffer(wav),
		Duration:   1.5,
		Timestamp:  time.Now(),
		User:       proto.User{ID: "u-a", Nickname: "Ana"},
	})
	if !ok {
		t.Fatalf("send voice message")
	}

	var payload proto.NewMessageData
	if err := json.Unmarshal(mustEvent(t, messages, "new message"), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	msg := payload.Message
	if msg.Transcript != "hola" || msg.RoomID != r1 || msg.User.ID != "u-a" {
		t.Fatalf("unexpected message %+v", msg)
	}
	blob, isBlob := msg.Audio.(audio.Blob)
	if !isBlob || len(blob.Data) != len(wav) {
		t.Fatalf("audio not reconstructed: %#v", msg.Audio)
	}
}

func TestNewMessageWithBadAudioGetsPlaceholder(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	messages := record(a, proto.TypeNewMessage)

	probe, err := broker.Open(context.Background(), DefaultChannel, nil)
	if err != nil {
		t.Fatalf("open probe: %v", err)
	}
	defer probe.Close()

	data := json.RawMessage(`{"message":{"id":"m2","transcript":"x","duration":0,"timestamp":"2024-01-01T00:00:00Z","roomId":"","user":{"id":"u-p","nickname":"P"}},"wire":{"kind":"bogus"}}`)
	raw, _ := json.Marshal(proto.Envelope{
		Type:      proto.TypeNewMessage,
		Data:      data,
		SenderID:  "u-p",
		SessionID: "session-probe",
		RoomID:    "r5",
	})
	probe.Post(context.Background(), raw)

	var payload proto.NewMessageData
	if err := json.Unmarshal(mustEvent(t, messages, "new message"), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message.RoomID != "r5" {
		t.Fatalf("room id not taken from envelope: %q", payload.Message.RoomID)
	}
	blob, ok := payload.Message.Audio.(audio.Blob)
	if !ok || blob.MimeType != "audio/wav" || len(blob.Data) != 0 {
		t.Fatalf("expected empty wav placeholder, got %#v", payload.Message.Audio)
	}
}

func TestSendVoiceMessagePreconditions(t *testing.T) {
	broker := memory.NewBroker()
	msg := proto.ChatMessage{ID: "m1", Transcript: "hola", RoomID: "r1"}

	offline := newPeer(t, broker, testUser("u-a", "Ana"), "")
	if offline.SendVoiceMessage(context.Background(), msg) {
		t.Fatalf("disconnected hub must not send")
	}

	guest := connectPeer(t, broker, nil, "")
	if guest.SendVoiceMessage(context.Background(), msg) {
		t.Fatalf("guest must not send")
	}

	roomless := connectPeer(t, broker, testUser("u-b", "Beto"), "")
	msg.RoomID = ""
	if roomless.SendVoiceMessage(context.Background(), msg) {
		t.Fatalf("hub without a room must not send")
	}
}

func TestConnectUnavailableIsLocalOnly(t *testing.T) {
	h := NewHub(Options{Driver: failingDriver{}, Users: StaticUser(testUser("u-a", "Ana"))})
	err := h.Connect(context.Background())
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if h.IsConnected() {
		t.Fatalf("hub should not report connected")
	}

	err = h.Send(context.Background(), proto.TypeTyping, proto.TypingData{Typing: true}, "", false)
	if !errors.Is(err, ErrNotConnected) || ErrorCode(err) != ErrCodeNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	typing := record(h, proto.TypeTyping)
	if err := h.Send(context.Background(), proto.TypeTyping, proto.TypingData{Typing: true}, "", true); err != nil {
		t.Fatalf("local send: %v", err)
	}
	mustEvent(t, typing, "local delivery without a channel")
	if err := h.Send(context.Background(), "", nil, "", true); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}

	if err := h.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect of a dead hub: %v", err)
	}
}

func TestDisconnectWithoutChannelLeavesRoom(t *testing.T) {
	h := NewHub(Options{
		Driver:     failingDriver{},
		Users:      StaticUser(testUser("u-a", "Ana")),
		KnownRooms: []RoomInfo{{ID: "r1", Name: "Room 1"}},
	})
	if err := h.Connect(context.Background()); !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if !h.JoinRoom(context.Background(), "r1") {
		t.Fatalf("local join failed")
	}
	left := record(h, proto.TypeRoomLeft)

	if err := h.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h.CurrentRoomID() != "" {
		t.Fatalf("expected no room after disconnect, got %q", h.CurrentRoomID())
	}
	var d proto.RoomEventData
	if err := json.Unmarshal(mustEvent(t, left, "ROOM_LEFT"), &d); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.RoomID != "r1" || d.UserID != "u-a" {
		t.Fatalf("unexpected leave %+v", d)
	}
}

func TestWaitConnectedIsBounded(t *testing.T) {
	h := NewHub(Options{Driver: failingDriver{}, Wait: WaitPolicy{Interval: 10 * time.Millisecond, Attempts: 5}})

	start := time.Now()
	if h.WaitConnected(context.Background()) {
		t.Fatalf("expected wait to fail")
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond || elapsed > time.Second {
		t.Fatalf("unexpected wait duration %v", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if WaitFor(ctx, func() bool { return false }, time.Hour, 3) {
		t.Fatalf("canceled wait must fail")
	}

	calls := 0
	if !WaitFor(context.Background(), func() bool { calls++; return calls == 3 }, time.Millisecond, 5) {
		t.Fatalf("wait should succeed on third check")
	}
}

func TestDefaultWaitBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("slow")
	}
	h := NewHub(Options{Driver: failingDriver{}})

	start := time.Now()
	if h.WaitConnected(context.Background()) {
		t.Fatalf("expected wait to fail")
	}
	if elapsed := time.Since(start); elapsed < 1500*time.Millisecond || elapsed > 4*time.Second {
		t.Fatalf("default budget should be about two seconds, took %v", elapsed)
	}
}

func TestPoolSharesHubPerChannel(t *testing.T) {
	broker := memory.NewBroker()
	pool := NewPool(Options{Driver: broker, Users: StaticUser(testUser("u-a", "Ana"))})

	h1 := pool.Hub("")
	if h1 != pool.Hub(DefaultChannel) {
		t.Fatalf("expected one hub for the default channel")
	}
	h2 := pool.Hub("other")
	if h1 == h2 || h2.Channel() != "other" {
		t.Fatalf("expected a distinct hub per channel")
	}

	if err := h1.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := h1.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if n := broker.Subscribers(DefaultChannel); n != 1 {
		t.Fatalf("expected one subscription, got %d", n)
	}

	if err := pool.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h1.IsConnected() || broker.Subscribers(DefaultChannel) != 0 {
		t.Fatalf("pool close should disconnect hubs")
	}
}

func TestDisconnectLeavesRoom(t *testing.T) {
	broker := memory.NewBroker()
	a := connectPeer(t, broker, testUser("u-a", "Ana"), "")
	b := connectPeer(t, broker, testUser("u-b", "Beto"), "")

	a.CreateRoom(context.Background(), "r1", "One")
	eventually(t, func() bool { return b.rooms.RoomExists("r1") }, "b learns r1")
	a.JoinRoom(context.Background(), "r1")
	b.JoinRoom(context.Background(), "r1")

	memberships := make(chan Membership, 4)
	a.OnMembership(func(m Membership) { memberships <- m })

	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	timeout := time.After(2 * time.Second)
	for left := false; !left; {
		select {
		case m := <-memberships:
			if m.Kind == MemberJoined {
				continue
			}
			if m.UserID != "u-b" || m.RoomID != "r1" {
				t.Fatalf("unexpected membership %+v", m)
			}
			left = true
		case <-timeout:
			t.Fatalf("a did not see b leave")
		}
	}
	if b.CurrentRoomID() != "" {
		t.Fatalf("disconnect should clear the current room")
	}
}
