package core

import (
	"sync"

	"github.com/vovakirdan/voicechat/internal/proto"
	"github.com/vovakirdan/voicechat/internal/utils"
)

// AnonymousNickname is announced when the user has no nickname.
const AnonymousNickname = "Usuario Anónimo"

// UserProvider supplies the authenticated user, or nil for a guest.
type UserProvider interface {
	CurrentUser() *proto.User
}

// UserFunc adapts a function to UserProvider.
type UserFunc func() *proto.User

func (f UserFunc) CurrentUser() *proto.User { return f() }

// StaticUser always returns the same user.
func StaticUser(u *proto.User) UserProvider {
	return UserFunc(func() *proto.User { return u })
}

// Identity is a read-only view of a session.
type Identity struct {
	SessionID     string
	UserID        string
	Nickname      string
	Authenticated bool
}

// Session owns this process's ephemeral identity on a channel and its current room.
type Session struct {
	users UserProvider
	newID func() string

	once sync.Once
	id   string

	mu     sync.RWMutex
	roomID string
}

// NewSession creates a session whose user comes from users (nil means guest).
func NewSession(users UserProvider) *Session {
	return &Session{
		users: users,
		newID: func() string { return utils.NewID("session") },
	}
}

// ID returns the session id, generating it on first use.
func (s *Session) ID() string {
	s.once.Do(func() {
		s.id = s.newID()
	})
	return s.id
}

// User returns the authenticated user or nil.
func (s *Session) User() *proto.User {
	if s.users == nil {
		return nil
	}
	u := s.users.CurrentUser()
	if u == nil || u.ID == "" {
		return nil
	}
	return u
}

// Authenticated reports whether an external user identity is present.
func (s *Session) Authenticated() bool {
	return s.User() != nil
}

// UserID returns the stable user id, or a guest id derived from the session.
func (s *Session) UserID() string {
	if u := s.User(); u != nil {
		return u.ID
	}
	return "guest-" + s.ID()
}

// Nickname returns the user's nickname or AnonymousNickname.
func (s *Session) Nickname() string {
	if u := s.User(); u != nil && u.Nickname != "" {
		return u.Nickname
	}
	return AnonymousNickname
}

// Identity returns a snapshot of the session identity.
func (s *Session) Identity() Identity {
	return Identity{
		SessionID:     s.ID(),
		UserID:        s.UserID(),
		Nickname:      s.Nickname(),
		Authenticated: s.Authenticated(),
	}
}

// CurrentRoomID returns the active room, or "" when in no room.
func (s *Session) CurrentRoomID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roomID
}

// swapRoom sets the active room and returns the previous one.
func (s *Session) swapRoom(roomID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.roomID
	s.roomID = roomID
	return prev
}

// clearRoomIf clears the active room when it equals roomID.
func (s *Session) clearRoomIf(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID != roomID || roomID == "" {
		return false
	}
	s.roomID = ""
	return true
}
