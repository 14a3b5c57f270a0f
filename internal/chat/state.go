package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/audio"
	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/store"
)

// Room is a chat room as seen by this client.
type Room struct {
	ID           string
	Name         string
	CreatedAt    time.Time
	LastActivity time.Time
	Participants []string
}

func (r Room) clone() Room {
	r.Participants = slices.Clone(r.Participants)
	return r
}

// State holds rooms, messages and the current room. When a store is set,
// every change is written through; store failures are logged and the
// in-memory state stays authoritative.
type State struct {
	store store.Store
	log   *zerolog.Logger
	now   func() time.Time

	mu       sync.RWMutex
	rooms    []Room
	messages []proto.ChatMessage
	current  string
}

// NewState creates empty state. st may be nil.
func NewState(st store.Store, logger *zerolog.Logger) *State {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "chat.state").Logger()
	return &State{store: st, log: &l, now: time.Now}
}

// Load replaces the state with the persisted rooms, messages and current room.
func (s *State) Load(ctx context.Context) error {
	if s.store == nil {
		return nil
	}

	stored, err := s.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}
	rooms := make([]Room, 0, len(stored))
	var messages []proto.ChatMessage
	for _, r := range stored {
		rooms = append(rooms, Room{
			ID:           r.ID,
			Name:         r.Name,
			CreatedAt:    r.CreatedAt,
			LastActivity: r.LastActivity,
			Participants: r.Participants,
		})
		msgs, err := s.store.ListMessages(ctx, r.ID, 0)
		if err != nil {
			return fmt.Errorf("load messages of %s: %w", r.ID, err)
		}
		for _, m := range msgs {
			messages = append(messages, fromStored(m))
		}
	}
	current, err := s.store.CurrentRoom(ctx)
	if err != nil {
		return fmt.Errorf("load current room: %w", err)
	}

	s.mu.Lock()
	s.rooms = rooms
	s.messages = messages
	s.current = ""
	if current != "" && s.indexLocked(current) >= 0 {
		s.current = current
	}
	s.mu.Unlock()
	return nil
}

// AddMessage appends msg unless a message with the same id exists, and
// bumps the room's activity. It reports whether the message was added.
func (s *State) AddMessage(msg proto.ChatMessage) bool {
	s.mu.Lock()
	for _, m := range s.messages {
		if m.ID == msg.ID {
			s.mu.Unlock()
			return false
		}
	}
	s.messages = append(s.messages, msg)
	touched, ok := s.touchLocked(msg.RoomID)
	s.mu.Unlock()

	s.persist("save message", func(ctx context.Context) error {
		_, err := s.store.SaveMessage(ctx, toStored(msg))
		return err
	})
	if ok {
		s.persistRoom(touched)
	}
	return true
}

// RemoveMessage deletes a message by id.
func (s *State) RemoveMessage(id string) bool {
	s.mu.Lock()
	idx := slices.IndexFunc(s.messages, func(m proto.ChatMessage) bool { return m.ID == id })
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.messages = slices.Delete(s.messages, idx, idx+1)
	s.mu.Unlock()

	s.persist("delete message", func(ctx context.Context) error {
		err := s.store.DeleteMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	return true
}

// ClearMessages removes the messages of roomID, or all messages when roomID is "".
func (s *State) ClearMessages(roomID string) {
	s.mu.Lock()
	var rooms []string
	if roomID == "" {
		s.messages = nil
		for _, r := range s.rooms {
			rooms = append(rooms, r.ID)
		}
	} else {
		s.messages = slices.DeleteFunc(s.messages, func(m proto.ChatMessage) bool { return m.RoomID == roomID })
		rooms = []string{roomID}
	}
	s.mu.Unlock()

	s.persist("clear messages", func(ctx context.Context) error {
		for _, id := range rooms {
			if err := s.store.ClearMessages(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// AddRoom inserts room or replaces the room with the same id.
func (s *State) AddRoom(room Room) {
	now := s.now()
	if room.CreatedAt.IsZero() {
		room.CreatedAt = now
	}
	if room.LastActivity.IsZero() {
		room.LastActivity = room.CreatedAt
	}
	room = room.clone()

	s.mu.Lock()
	if idx := s.indexLocked(room.ID); idx >= 0 {
		s.rooms[idx] = room
	} else {
		s.rooms = append(s.rooms, room)
	}
	s.mu.Unlock()

	s.persistRoom(room)
}

// RemoveRoom deletes a room, clearing the current room if it was that one.
func (s *State) RemoveRoom(id string) {
	s.mu.Lock()
	s.rooms = slices.DeleteFunc(s.rooms, func(r Room) bool { return r.ID == id })
	wasCurrent := s.current == id
	if wasCurrent {
		s.current = ""
	}
	s.mu.Unlock()

	s.persist("delete room", func(ctx context.Context) error {
		if wasCurrent {
			if err := s.store.SetCurrentRoom(ctx, ""); err != nil {
				return err
			}
		}
		return s.store.DeleteRoom(ctx, id)
	})
}

// JoinRoom adds userID to the room's participants.
func (s *State) JoinRoom(roomID, userID string) {
	s.mu.Lock()
	idx := s.indexLocked(roomID)
	if idx < 0 || slices.Contains(s.rooms[idx].Participants, userID) {
		s.mu.Unlock()
		return
	}
	s.rooms[idx].Participants = append(s.rooms[idx].Participants, userID)
	s.mu.Unlock()

	s.persist("add participant", func(ctx context.Context) error {
		return s.store.AddParticipant(ctx, roomID, userID)
	})
}

// LeaveRoom removes userID from the room's participants.
func (s *State) LeaveRoom(roomID, userID string) {
	s.mu.Lock()
	idx := s.indexLocked(roomID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.rooms[idx].Participants = slices.DeleteFunc(s.rooms[idx].Participants, func(p string) bool { return p == userID })
	s.mu.Unlock()

	s.persist("remove participant", func(ctx context.Context) error {
		return s.store.RemoveParticipant(ctx, roomID, userID)
	})
}

// SetCurrentRoom selects the active room; "" clears it.
func (s *State) SetCurrentRoom(roomID string) {
	s.mu.Lock()
	s.current = roomID
	s.mu.Unlock()

	s.persist("set current room", func(ctx context.Context) error {
		return s.store.SetCurrentRoom(ctx, roomID)
	})
}

// CurrentRoom returns the active room.
func (s *State) CurrentRoom() (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return Room{}, false
	}
	idx := s.indexLocked(s.current)
	if idx < 0 {
		return Room{}, false
	}
	return s.rooms[idx].clone(), true
}

// Room returns the room with id.
func (s *State) Room(id string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(id)
	if idx < 0 {
		return Room{}, false
	}
	return s.rooms[idx].clone(), true
}

// RoomExists reports whether id is a known room.
func (s *State) RoomExists(id string) bool {
	_, ok := s.Room(id)
	return ok
}

// Rooms returns every known room.
func (s *State) Rooms() []Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Room, len(s.rooms))
	for i, r := range s.rooms {
		out[i] = r.clone()
	}
	return out
}

// Messages returns every message.
func (s *State) Messages() []proto.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages)
}

// CurrentRoomMessages returns the messages of the active room.
func (s *State) CurrentRoomMessages() []proto.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == "" {
		return nil
	}
	var out []proto.ChatMessage
	for _, m := range s.messages {
		if m.RoomID == s.current {
			out = append(out, m)
		}
	}
	return out
}

// TotalMessages returns the number of messages across rooms.
func (s *State) TotalMessages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CurrentRoomParticipants returns the participants of the active room.
func (s *State) CurrentRoomParticipants() []string {
	room, ok := s.CurrentRoom()
	if !ok {
		return nil
	}
	return room.Participants
}

func (s *State) indexLocked(id string) int {
	return slices.IndexFunc(s.rooms, func(r Room) bool { return r.ID == id })
}

func (s *State) touchLocked(roomID string) (Room, bool) {
	idx := s.indexLocked(roomID)
	if idx < 0 {
		return Room{}, false
	}
	s.rooms[idx].LastActivity = s.now()
	return s.rooms[idx].clone(), true
}

func (s *State) persistRoom(room Room) {
	s.persist("save room", func(ctx context.Context) error {
		return s.store.SaveRoom(ctx, &store.Room{
			ID:           room.ID,
			Name:         room.Name,
			CreatedAt:    room.CreatedAt,
			LastActivity: room.LastActivity,
			Participants: room.Participants,
		})
	})
}

func (s *State) persist(op string, fn func(ctx context.Context) error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		s.log.Warn().Err(err).Str("op", op).Msg("persist chat state")
	}
}

func toStored(m proto.ChatMessage) *store.Message {
	out := &store.Message{
		ID:         m.ID,
		RoomID:     m.RoomID,
		UserID:     m.User.ID,
		Nickname:   m.User.Nickname,
		UserType:   string(m.User.UserType),
		Transcript: m.Transcript,
		Duration:   m.Duration,
		CreatedAt:  m.Timestamp,
	}
	if m.Audio != nil {
		if blob, err := audio.ToBlob(m.Audio); err == nil {
			out.AudioMime = blob.MimeType
			out.Audio = blob.Data
		}
	}
	return out
}

func fromStored(m *store.Message) proto.ChatMessage {
	msg := proto.ChatMessage{
		ID:         m.ID,
		Transcript: m.Transcript,
		Duration:   m.Duration,
		Timestamp:  m.CreatedAt,
		RoomID:     m.RoomID,
		User: proto.User{
			ID:       m.UserID,
			Nickname: m.Nickname,
			UserType: proto.UserType(m.UserType),
		},
	}
	if m.AudioMime != "" || len(m.Audio) > 0 {
		msg.Audio = audio.Blob{MimeType: m.AudioMime, Data: m.Audio}
	} else {
		msg.Audio = audio.EmptyBlob()
	}
	return msg
}
