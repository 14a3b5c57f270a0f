package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/voicechat/internal/proto"
)

// ErrInvalidToken is returned for tokens that fail parsing or validation.
var ErrInvalidToken = errors.New("invalid identity token")

// Claims represents the identity token of a chat user.
type Claims struct {
	UserID   string         `json:"user_id"`
	Nickname string         `json:"nickname"`
	Email    string         `json:"email,omitempty"`
	UserType proto.UserType `json:"user_type,omitempty"`
	jwt.RegisteredClaims
}

// JWTConfig holds JWT configuration.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	TTL      time.Duration
}

// GenerateToken signs an identity token for user.
func GenerateToken(cfg *JWTConfig, user proto.User) (string, error) {
	if user.ID == "" {
		return "", fmt.Errorf("%w: empty user id", ErrInvalidToken)
	}
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		Nickname: user.Nickname,
		Email:    user.Email,
		UserType: user.UserType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  user.ID,
			Issuer:   cfg.Issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	if cfg.TTL != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(cfg.TTL))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(cfg.Secret)
}

// ValidateToken parses and validates a JWT token.
func ValidateToken(cfg *JWTConfig, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return cfg.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	return claims, nil
}

// User converts claims to a chat user. The subject stands in for a missing user id.
func (c *Claims) User() (*proto.User, error) {
	id := c.UserID
	if id == "" {
		id = c.Subject
	}
	if id == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	userType := c.UserType
	if userType == "" {
		userType = proto.UserTypeStudent
	}
	return &proto.User{
		ID:       id,
		Nickname: c.Nickname,
		Email:    c.Email,
		UserType: userType,
		Status:   string(proto.StatusOnline),
	}, nil
}

// ParseIdentity validates tokenString and returns the user it names.
func ParseIdentity(cfg *JWTConfig, tokenString string) (*proto.User, error) {
	claims, err := ValidateToken(cfg, tokenString)
	if err != nil {
		return nil, err
	}
	return claims.User()
}
