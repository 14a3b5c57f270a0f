package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/core"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/utils"
)

// Default room every client lands in.
const (
	DefaultRoomID   = "general-room"
	DefaultRoomName = "Sala General"
)

// SystemUser authors welcome and membership notes.
var SystemUser = proto.User{
	ID:       "system",
	Nickname: "System",
	Email:    "system@local",
	UserType: proto.UserTypeSystem,
}

var (
	ErrNotAuthenticated = errors.New("no authenticated user")
	ErrNoActiveRoom     = errors.New("no active room")
	ErrRoomNotFound     = errors.New("room not found")
)

// Service is the chat layer over a hub: it keeps State in sync with channel
// events and turns user actions into announcements.
type Service struct {
	hub    *core.Hub
	state  *State
	users  core.UserProvider
	notify Notifier
	log    *zerolog.Logger
	now    func() time.Time

	bindOnce sync.Once
	initOnce sync.Once
	initErr  error
	ids      []core.HandlerID
}

// NewService builds a chat service. users must be the same provider the hub uses.
func NewService(hub *core.Hub, state *State, users core.UserProvider, notify Notifier, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if notify == nil {
		notify = NewLogNotifier(logger)
	}
	if users == nil {
		users = core.StaticUser(nil)
	}
	l := logger.With().Str("component", "chat").Logger()
	s := &Service{
		hub:    hub,
		state:  state,
		users:  users,
		notify: notify,
		log:    &l,
		now:    time.Now,
	}
	hub.SetRoomDirectory(state)
	return s
}

// State returns the chat state.
func (s *Service) State() *State { return s.state }

// Initialize loads persisted state, ensures the default room, binds channel
// handlers and enters the stored or default room. Later calls are no-ops.
func (s *Service) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		s.initErr = s.initialize(ctx)
		if s.initErr != nil {
			s.notify.Error("Failed to initialize the chat")
		}
	})
	return s.initErr
}

func (s *Service) initialize(ctx context.Context) error {
	if err := s.state.Load(ctx); err != nil {
		return fmt.Errorf("load chat state: %w", err)
	}
	if !s.state.RoomExists(DefaultRoomID) {
		s.state.AddRoom(Room{ID: DefaultRoomID, Name: DefaultRoomName})
	}
	s.bind()

	if !s.hub.WaitConnected(ctx) {
		s.log.Warn().Msg("channel not connected, continuing local-only")
	}

	if room, ok := s.state.CurrentRoom(); ok {
		s.hub.JoinRoom(ctx, room.ID)
	} else {
		s.state.SetCurrentRoom(DefaultRoomID)
		if err := s.JoinRoom(ctx, DefaultRoomID); err != nil && !errors.Is(err, ErrNotAuthenticated) {
			return err
		}
	}

	if len(s.state.CurrentRoomMessages()) == 0 {
		if room, ok := s.state.CurrentRoom(); ok {
			s.addSystemMessage(room.ID, fmt.Sprintf("Welcome to %s!", room.Name))
		}
	}
	return nil
}

func (s *Service) bind() {
	s.bindOnce.Do(func() {
		s.ids = append(s.ids,
			core.Subscribe(s.hub, proto.TypeNewMessage, s.onNewMessage),
			core.Subscribe(s.hub, proto.TypeRoomJoined, s.onRoomJoined),
			core.Subscribe(s.hub, proto.TypeRoomLeft, s.onRoomLeft),
			core.Subscribe(s.hub, proto.TypeRoomCreated, s.onRoomCreated),
		)
	})
}

// Close unbinds the channel handlers.
func (s *Service) Close() {
	if len(s.ids) == 0 {
		return
	}
	for _, t := range []proto.EventType{proto.TypeNewMessage, proto.TypeRoomJoined, proto.TypeRoomLeft, proto.TypeRoomCreated} {
		s.hub.OffMessage(t, s.ids...)
	}
	s.ids = nil
}

// SendMessage stores a message in the current room and broadcasts it. The
// message is kept locally even when it cannot be sent.
func (s *Service) SendMessage(ctx context.Context, transcript string, payload audio.Payload, duration float64) (proto.ChatMessage, error) {
	room, ok := s.state.CurrentRoom()
	user := s.users.CurrentUser()
	if !ok || user == nil {
		s.notify.Error("No active room or no authenticated user")
		if user == nil {
			return proto.ChatMessage{}, ErrNotAuthenticated
		}
		return proto.ChatMessage{}, ErrNoActiveRoom
	}

	msg := proto.ChatMessage{
		ID:         uuid.NewString(),
		Transcript: transcript,
		Audio:      payload,
		Duration:   duration,
		Timestamp:  s.now(),
		RoomID:     room.ID,
		User: proto.User{
			ID:       user.ID,
			Nickname: user.Nickname,
			Email:    user.Email,
			UserType: user.UserType,
		},
	}
	s.state.AddMessage(msg)

	if s.hub.IsConnected() {
		if !s.hub.SendVoiceMessage(ctx, msg) {
			s.notify.Warning("Message kept locally; it could not be sent")
		}
	} else {
		s.notify.Warning("No broadcast channel; message is local only")
	}
	return msg, nil
}

// DeleteMessage removes a message locally.
func (s *Service) DeleteMessage(id string) {
	if s.state.RemoveMessage(id) {
		s.notify.Success("Message deleted")
	}
}

// ClearChat removes the messages of the current room.
func (s *Service) ClearChat() {
	room, ok := s.state.CurrentRoom()
	if !ok {
		return
	}
	s.state.ClearMessages(room.ID)
	s.notify.Success("Chat cleared")
}

// JoinRoom moves the user into roomID.
func (s *Service) JoinRoom(ctx context.Context, roomID string) error {
	user := s.users.CurrentUser()
	if user == nil {
		return ErrNotAuthenticated
	}
	room, ok := s.state.Room(roomID)
	if !ok {
		s.notify.Error("Room not found")
		return fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}

	if current, ok := s.state.CurrentRoom(); ok && current.ID != roomID {
		s.state.LeaveRoom(current.ID, user.ID)
	}
	s.state.JoinRoom(roomID, user.ID)
	s.state.SetCurrentRoom(roomID)
	// The hub leaves the previous room before announcing the join.
	s.hub.JoinRoom(ctx, roomID)
	s.notify.Success(fmt.Sprintf("You joined %s", room.Name))
	return nil
}

// SwitchRoom is JoinRoom.
func (s *Service) SwitchRoom(ctx context.Context, roomID string) error {
	return s.JoinRoom(ctx, roomID)
}

// CreateRoom adds a room with a generated id and announces it to peers.
func (s *Service) CreateRoom(ctx context.Context, name string) (Room, error) {
	if name == "" {
		return Room{}, errors.New("room name is required")
	}
	now := s.now()
	room := Room{
		ID:           utils.NewID("room"),
		Name:         name,
		CreatedAt:    now,
		LastActivity: now,
	}
	s.state.AddRoom(room)
	s.hub.CreateRoom(ctx, room.ID, room.Name)
	s.notify.Success(fmt.Sprintf("Room %q created", name))
	return room, nil
}

// LeaveRoom exits the current room.
func (s *Service) LeaveRoom(ctx context.Context) error {
	room, ok := s.state.CurrentRoom()
	user := s.users.CurrentUser()
	if !ok || user == nil {
		return ErrNoActiveRoom
	}
	s.state.LeaveRoom(room.ID, user.ID)
	s.state.SetCurrentRoom("")
	s.hub.LeaveRoom(ctx, room.ID)
	s.notify.Info("You left the room")
	return nil
}

func (s *Service) me() string {
	if u := s.users.CurrentUser(); u != nil {
		return u.ID
	}
	return ""
}

func (s *Service) currentRoomID() string {
	room, _ := s.state.CurrentRoom()
	return room.ID
}

func (s *Service) onNewMessage(data proto.NewMessageData) error {
	msg := data.Message
	if msg.ID == "" || msg.RoomID != s.currentRoomID() {
		return nil
	}
	if !s.state.AddMessage(msg) {
		return nil
	}
	if msg.User.ID != s.me() {
		if room, ok := s.state.CurrentRoom(); ok {
			s.notify.Info(fmt.Sprintf("New message in %s", room.Name))
		}
	}
	return nil
}

func (s *Service) onRoomJoined(d proto.RoomEventData) error {
	if d.RoomID == "" || d.RoomID != s.currentRoomID() || d.UserID == s.me() {
		return nil
	}
	s.state.JoinRoom(d.RoomID, d.UserID)
	s.addSystemMessage(d.RoomID, fmt.Sprintf("%s joined the room.", displayName(d.Nickname)))
	return nil
}

func (s *Service) onRoomLeft(d proto.RoomEventData) error {
	if d.RoomID == "" || d.RoomID != s.currentRoomID() || d.UserID == s.me() {
		return nil
	}
	s.state.LeaveRoom(d.RoomID, d.UserID)
	s.addSystemMessage(d.RoomID, fmt.Sprintf("%s left the room.", displayName(d.Nickname)))
	return nil
}

func (s *Service) onRoomCreated(d proto.RoomCreatedData) error {
	if d.RoomID == "" {
		return nil
	}
	if d.UserID == s.me() && s.state.RoomExists(d.RoomID) {
		// Our own announcement, already stored.
		return nil
	}
	now := s.now()
	s.state.AddRoom(Room{
		ID:           d.RoomID,
		Name:         d.RoomName,
		CreatedAt:    now,
		LastActivity: now,
		Participants: []string{d.UserID},
	})
	s.notify.Info(fmt.Sprintf("New room: %s", d.RoomName))
	return nil
}

func (s *Service) addSystemMessage(roomID, text string) {
	s.state.AddMessage(proto.ChatMessage{
		ID:         uuid.NewString(),
		Transcript: text,
		Audio:      audio.EmptyBlob(),
		Timestamp:  s.now(),
		RoomID:     roomID,
		User:       SystemUser,
	})
}

func displayName(nickname string) string {
	if nickname == "" {
		return "A user"
	}
	return nickname
}
