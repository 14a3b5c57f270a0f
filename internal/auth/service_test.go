package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/vovakirdan/voicechat/internal/proto"
)

func testJWTConfig() *JWTConfig {
	return &JWTConfig{
		Secret:   []byte("test-secret-change-me"),
		Issuer:   "test",
		Audience: "test",
		TTL:      time.Hour,
	}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testJWTConfig()
	token, err := GenerateToken(cfg, proto.User{ID: "u-1", Nickname: "Ana", UserType: proto.UserTypeTeacher})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	user, err := ParseIdentity(cfg, token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if user.ID != "u-1" || user.Nickname != "Ana" || user.UserType != proto.UserTypeTeacher {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	cfg := testJWTConfig()
	token, err := GenerateToken(cfg, proto.User{ID: "u-1"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	wrongSecret := *cfg
	wrongSecret.Secret = []byte("other")
	if _, err := ValidateToken(&wrongSecret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}

	wrongIssuer := *cfg
	wrongIssuer.Issuer = "elsewhere"
	if _, err := ValidateToken(&wrongIssuer, token); err == nil {
		t.Fatalf("expected issuer mismatch")
	}

	wrongAudience := *cfg
	wrongAudience.Audience = "elsewhere"
	if _, err := ValidateToken(&wrongAudience, token); err == nil {
		t.Fatalf("expected audience mismatch")
	}

	expired := *cfg
	expired.TTL = -time.Minute
	old, _ := GenerateToken(&expired, proto.User{ID: "u-1"})
	if _, err := ValidateToken(cfg, old); err == nil {
		t.Fatalf("expected expired token to fail")
	}

	if _, err := ValidateToken(cfg, "not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestClaimsFallBackToSubject(t *testing.T) {
	c := &Claims{}
	c.Subject = "u-sub"
	user, err := c.User()
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if user.ID != "u-sub" || user.UserType != proto.UserTypeStudent {
		t.Fatalf("unexpected user %+v", user)
	}
	if _, err := (&Claims{}).User(); err == nil {
		t.Fatalf("claims without ids should fail")
	}
}

func TestServiceLoginLogout(t *testing.T) {
	cfg := testJWTConfig()
	svc := NewService(cfg, nil)
	if svc.Authenticated() || svc.CurrentUser() != nil {
		t.Fatalf("new service should be a guest")
	}

	token, _ := GenerateToken(cfg, proto.User{ID: "u-2", Nickname: "Beto"})
	if _, err := svc.LoginWithToken(token); err != nil {
		t.Fatalf("login: %v", err)
	}
	u := svc.CurrentUser()
	if u == nil || u.ID != "u-2" {
		t.Fatalf("unexpected current user %+v", u)
	}
	u.Nickname = "changed"
	if svc.CurrentUser().Nickname != "Beto" {
		t.Fatalf("current user must be a copy")
	}

	svc.Logout()
	if svc.Authenticated() {
		t.Fatalf("logout should clear the user")
	}

	if _, err := svc.Login(proto.User{ID: "  "}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := svc.LoginWithToken("bad"); err == nil {
		t.Fatalf("bad token should fail")
	}
}
