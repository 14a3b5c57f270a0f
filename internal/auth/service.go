package auth

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/voicechat/internal/proto"
)

// ErrInvalidUser is returned when a user has no id.
var ErrInvalidUser = errors.New("invalid user")

// Service holds the locally authenticated user. It satisfies the hub's
// user provider; a nil current user means the session is a guest.
type Service struct {
	jwtConfig *JWTConfig
	log       *zerolog.Logger

	mu   sync.RWMutex
	user *proto.User
}

// NewService creates an unauthenticated service. jwtConfig may be nil when
// tokens are not used.
func NewService(jwtConfig *JWTConfig, logger *zerolog.Logger) *Service {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "auth").Logger()
	return &Service{jwtConfig: jwtConfig, log: &l}
}

// LoginWithToken authenticates from an identity token.
func (s *Service) LoginWithToken(token string) (*proto.User, error) {
	if s.jwtConfig == nil {
		return nil, errors.New("identity tokens are not configured")
	}
	user, err := ParseIdentity(s.jwtConfig, strings.TrimSpace(token))
	if err != nil {
		s.log.Warn().Err(err).Msg("identity token rejected")
		return nil, err
	}
	s.set(user)
	return user, nil
}

// Login authenticates as user without a token.
func (s *Service) Login(user proto.User) (*proto.User, error) {
	user.ID = strings.TrimSpace(user.ID)
	if user.ID == "" {
		return nil, ErrInvalidUser
	}
	if user.UserType == "" {
		user.UserType = proto.UserTypeStudent
	}
	s.set(&user)
	return &user, nil
}

// Logout drops the current user.
func (s *Service) Logout() {
	s.mu.Lock()
	prev := s.user
	s.user = nil
	s.mu.Unlock()
	if prev != nil {
		s.log.Info().Str("user_id", prev.ID).Msg("logged out")
	}
}

// CurrentUser returns a copy of the authenticated user or nil.
func (s *Service) CurrentUser() *proto.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// Authenticated reports whether a user is logged in.
func (s *Service) Authenticated() bool {
	return s.CurrentUser() != nil
}

func (s *Service) set(user *proto.User) {
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.log.Info().Str("user_id", user.ID).Str("nickname", user.Nickname).Msg("logged in")
}
