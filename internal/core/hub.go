package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/metrics"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/transport"
)

// DefaultChannel is the well-known channel every client joins.
const DefaultChannel = "voice-chat"

// Connection wait defaults.
const (
	DefaultWaitInterval = 40 * time.Millisecond
	DefaultWaitAttempts = 50
)

// WaitPolicy bounds WaitConnected.
type WaitPolicy struct {
	Interval time.Duration
	Attempts int
}

// Options configure a Hub.
type Options struct {
	Channel    string
	Driver     transport.Driver
	Users      UserProvider
	Logger     *zerolog.Logger
	Metrics    *metrics.Metrics
	Wait       WaitPolicy
	KnownRooms []RoomInfo
}

// Hub is the application API for one channel: presence, rooms and messaging
// over a shared broadcast transport.
type Hub struct {
	channel string
	wait    WaitPolicy
	log     *zerolog.Logger
	metrics *metrics.Metrics

	session    *Session
	presence   *Presence
	handlers   *Handlers
	transport  *transport.Transport
	dispatcher *Dispatcher
	rooms      *RoomCoordinator

	stopWatch func()
}

// NewHub builds a disconnected hub. Use a Pool to share one hub per channel.
func NewHub(opts Options) *Hub {
	if opts.Channel == "" {
		opts.Channel = DefaultChannel
	}
	if opts.Wait.Interval <= 0 {
		opts.Wait.Interval = DefaultWaitInterval
	}
	if opts.Wait.Attempts <= 0 {
		opts.Wait.Attempts = DefaultWaitAttempts
	}
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	session := NewSession(opts.Users)
	l := logger.With().
		Str("component", "hub").
		Str("channel", opts.Channel).
		Str("session_id", session.ID()).
		Logger()

	h := &Hub{
		channel:  opts.Channel,
		wait:     opts.Wait,
		log:      &l,
		metrics:  opts.Metrics,
		session:  session,
		presence: NewPresence(),
		handlers: NewHandlers(),
	}
	h.transport = transport.New(opts.Driver, &l, opts.Metrics)
	h.dispatcher = NewDispatcher(session, h.presence, h.handlers, h.transport, &l, opts.Metrics)
	h.rooms = NewRoomCoordinator(session, h.dispatcher, &l)
	for _, r := range opts.KnownRooms {
		h.rooms.Remember(r.ID, r.Name)
	}

	h.transport.OnRawMessage(func(env proto.Envelope) {
		_ = h.dispatcher.Handle(env)
	})
	h.stopWatch = h.presence.Watch(func(s Snapshot) {
		h.metrics.SetOnlineUsers(len(s))
	})
	return h
}

// Channel returns the channel name.
func (h *Hub) Channel() string { return h.channel }

// Connect opens the channel, announces this session and asks peers to
// re-announce. A transport failure leaves the hub in local-only mode and is
// returned wrapped in transport.ErrUnavailable.
func (h *Hub) Connect(ctx context.Context) error {
	if h.transport.Connected() {
		return nil
	}

	err := h.transport.Connect(ctx, h.channel)
	if err != nil {
		h.log.Warn().Err(err).Msg("broadcast unavailable, running local-only")
	} else {
		h.dispatcher.announce(ctx, proto.StatusOnline)
		h.presence.MarkOnline(h.session.UserID(), h.session.ID())
		h.log.Info().Str("user_id", h.session.UserID()).Msg("connected")
	}
	h.dispatcher.requestPresence(ctx)
	return err
}

// Disconnect leaves the current room, announces offline and closes the
// channel. Without a channel only the local room leave happens.
func (h *Hub) Disconnect(ctx context.Context) error {
	// The room is left even without a channel so local state settles.
	if room := h.session.CurrentRoomID(); room != "" {
		if err := h.rooms.LeaveRoom(ctx, room); err != nil {
			h.log.Warn().Err(err).Str("room_id", room).Msg("leave on disconnect")
		}
	}
	if !h.transport.Connected() {
		return nil
	}

	h.dispatcher.announce(ctx, proto.StatusOffline)
	h.presence.MarkOffline(h.session.UserID(), h.session.ID())

	if err := h.transport.Disconnect(); err != nil {
		return fmt.Errorf("disconnect %s: %w", h.channel, err)
	}
	h.log.Info().Msg("disconnected")
	return nil
}

// Close disconnects and releases observers.
func (h *Hub) Close(ctx context.Context) error {
	err := h.Disconnect(ctx)
	if h.stopWatch != nil {
		h.stopWatch()
	}
	return err
}

// Send publishes an application envelope. An empty roomID means the current room.
// Without a channel the envelope is only delivered locally, and only when
// echoSelf is set; otherwise ErrNotConnected is returned.
func (h *Hub) Send(ctx context.Context, t proto.EventType, data any, roomID string, echoSelf bool) error {
	if !echoSelf && !h.transport.Connected() {
		return coreError(ErrCodeNotConnected, ErrNotConnected, "send %s: not connected", t)
	}
	return h.dispatcher.Publish(ctx, t, data, roomID, echoSelf)
}

// SendVoiceMessage publishes msg as NEW_MESSAGE to its room or the current
// room. It returns false when disconnected, unauthenticated or roomless.
func (h *Hub) SendVoiceMessage(ctx context.Context, msg proto.ChatMessage) bool {
	if !h.transport.Connected() {
		h.log.Warn().Str("message_id", msg.ID).Msg("voice message not sent: not connected")
		return false
	}
	if !h.session.Authenticated() {
		h.log.Warn().Str("message_id", msg.ID).Msg("voice message not sent: not authenticated")
		return false
	}
	room := msg.RoomID
	if room == "" {
		room = h.session.CurrentRoomID()
	}
	if room == "" {
		h.log.Warn().Str("message_id", msg.ID).Msg("voice message not sent: no active room")
		return false
	}
	msg.RoomID = room

	payload := proto.NewMessageData{Message: msg}
	switch a := msg.Audio.(type) {
	case nil, audio.Blob, *audio.Blob:
	default:
		wire, err := audio.Encode(a)
		payload.Message.Audio = nil
		if err != nil {
			h.metrics.Dropped(metrics.DropAudio)
			h.log.Warn().Err(err).Str("message_id", msg.ID).Msg("audio not transportable, sending without audio")
			break
		}
		payload.Wire = &wire
	}

	if err := h.dispatcher.Publish(ctx, proto.TypeNewMessage, payload, room, false); err != nil {
		h.log.Warn().Err(err).Str("message_id", msg.ID).Msg("voice message not sent")
		return false
	}
	return true
}

// OnMessage registers fn for envelopes of type t.
func (h *Hub) OnMessage(t proto.EventType, fn Handler) HandlerID {
	return h.handlers.Add(t, fn)
}

// OffMessage removes handlers of type t; with no ids it removes all of them.
func (h *Hub) OffMessage(t proto.EventType, ids ...HandlerID) {
	h.handlers.Remove(t, ids...)
}

// Subscribe registers a handler that receives the payload decoded as T.
func Subscribe[T any](h *Hub, t proto.EventType, fn func(T) error) HandlerID {
	return h.OnMessage(t, func(data json.RawMessage) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", t, err)
		}
		return fn(v)
	})
}

// JoinRoom enters roomID. It returns false for unknown rooms or
// unauthenticated sessions.
func (h *Hub) JoinRoom(ctx context.Context, roomID string) bool {
	if err := h.rooms.Join(ctx, roomID); err != nil {
		h.log.Warn().Err(err).Str("room_id", roomID).Msg("join room")
		return false
	}
	return true
}

// LeaveRoom announces leaving roomID.
func (h *Hub) LeaveRoom(ctx context.Context, roomID string) {
	if err := h.rooms.LeaveRoom(ctx, roomID); err != nil {
		h.log.Warn().Err(err).Str("room_id", roomID).Msg("leave room")
	}
}

// CreateRoom announces a new room and returns its id. An empty id is generated.
func (h *Hub) CreateRoom(ctx context.Context, roomID, name string) string {
	id, err := h.rooms.CreateRoom(ctx, roomID, name)
	if err != nil {
		h.log.Warn().Err(err).Str("room_id", roomID).Msg("create room")
		return ""
	}
	return id
}

// Rooms returns the rooms known on this channel.
func (h *Hub) Rooms() []RoomInfo { return h.rooms.Rooms() }

// SetRoomDirectory replaces the existence check used by JoinRoom.
func (h *Hub) SetRoomDirectory(dir RoomDirectory) { h.rooms.SetDirectory(dir) }

// OnMembership observes remote sessions entering or leaving the current room.
func (h *Hub) OnMembership(fn func(Membership)) func() { return h.rooms.OnMembership(fn) }

// WatchPresence observes presence changes.
func (h *Hub) WatchPresence(fn func(Snapshot)) func() { return h.presence.Watch(fn) }

// IsUserOnline reports whether userID has an active session.
func (h *Hub) IsUserOnline(userID string) bool { return h.presence.IsOnline(userID) }

// OnlineUsersInRoom returns the whole channel snapshot; presence carries no
// per-room membership.
func (h *Hub) OnlineUsersInRoom(string) Snapshot { return h.presence.Snapshot() }

// OnlineUsers returns a presence snapshot.
func (h *Hub) OnlineUsers() Snapshot { return h.presence.Snapshot() }

// OthersOnline returns a presence snapshot without this user.
func (h *Hub) OthersOnline() Snapshot { return h.presence.Others(h.session.UserID()) }

// TotalOnlineUsers returns the number of online users.
func (h *Hub) TotalOnlineUsers() int { return h.presence.Count() }

// IsConnected reports whether the channel is open.
func (h *Hub) IsConnected() bool { return h.transport.Connected() }

// Identity returns this session's identity.
func (h *Hub) Identity() Identity { return h.session.Identity() }

// CurrentRoomID returns the active room or "".
func (h *Hub) CurrentRoomID() string { return h.session.CurrentRoomID() }

// LastMessage returns the last envelope received from another session.
func (h *Hub) LastMessage() (proto.Envelope, bool) { return h.dispatcher.LastMessage() }

// WaitConnected polls until the hub is connected or the wait budget runs out.
func (h *Hub) WaitConnected(ctx context.Context) bool {
	return WaitFor(ctx, h.IsConnected, h.wait.Interval, h.wait.Attempts)
}

// WaitFor checks cond immediately and then every interval, at most attempts
// times in total.
func WaitFor(ctx context.Context, cond func() bool, interval time.Duration, attempts int) bool {
	if cond() {
		return true
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 1; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
	return false
}

// IsUnavailable reports whether err means the hub runs local-only.
func IsUnavailable(err error) bool {
	return errors.Is(err, transport.ErrUnavailable)
}
