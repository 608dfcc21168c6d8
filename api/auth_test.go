package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"task-tracker/domain"
)

func TestBearerTokenFromStringSuccess(t *testing.T) {
	for _, raw := range []string{"Bearer header.payload.signature", "  bearer   header.payload.signature "} {
		token, err := bearerTokenFromString(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if string(token) != "header.payload.signature" {
			t.Fatalf("unexpected token content: %s", string(token))
		}
	}
}

func TestBearerTokenFromStringMissing(t *testing.T) {
	if _, err := bearerTokenFromString("   "); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenFromStringRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"Bearer " + strings.Repeat(".", 1000),
		"Basic a.b.c",
		"Bearer",
		"Bearer abc",
	} {
		if _, err := bearerTokenFromString(raw); err != errBadAuthorization {
			t.Fatalf("expected bad auth header error for %q, got %v", raw, err)
		}
	}
}

func newLocalAuth(t *testing.T, secret string) *Auth {
	t.Helper()
	a, err := NewAuth(AuthConfig{LocalSecret: []byte(secret), Audience: "api://aud", TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAuthIssueAndVerify(t *testing.T) {
	a := newLocalAuth(t, "test-secret")
	token, expiresAt, err := a.Issue(domain.User{Email: "ann@example.com", Name: "Ann", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	id, err := a.IdentityFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "ann@example.com" || id.Actor() != "Ann" || !id.IsAdmin() {
		t.Fatalf("unexpected identity %#v", id)
	}
}

func TestAuthRejectsForeignSecret(t *testing.T) {
	issuer := newLocalAuth(t, "one")
	verifier := newLocalAuth(t, "two")
	token, _, err := issuer.Issue(domain.User{Email: "a@example.com", Role: domain.RoleMember})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := verifier.IdentityFromBearer([]byte(token)); err == nil {
		t.Fatalf("expected signature error")
	}
}

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestIdentityFromBearerClaims(t *testing.T) {
	a := newLocalAuth(t, "test-secret")
	now := time.Now()
	base := func() jwt.MapClaims {
		return jwt.MapClaims{
			"sub": "user-123",
			"aud": "api://aud",
			"iss": localIssuer,
			"exp": now.Add(5 * time.Minute).Unix(),
			"nbf": now.Add(-time.Minute).Unix(),
			"iat": now.Add(-time.Minute).Unix(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(jwt.MapClaims)
		wantErr bool
		check   func(t *testing.T, id Identity)
	}{
		{
			name: "sub fallback and default role",
			check: func(t *testing.T, id Identity) {
				if id.Actor() != "user-123" || id.Role != domain.RoleMember {
					t.Fatalf("unexpected identity %#v", id)
				}
			},
		},
		{
			name:   "unknown role ignored",
			mutate: func(c jwt.MapClaims) { c["role"] = "owner" },
			check: func(t *testing.T, id Identity) {
				if id.Role != domain.RoleMember {
					t.Fatalf("unexpected role %q", id.Role)
				}
			},
		},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-time.Minute).Unix() }, wantErr: true},
		{name: "wrong audience", mutate: func(c jwt.MapClaims) { c["aud"] = "other" }, wantErr: true},
		{name: "wrong issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://elsewhere/" }, wantErr: true},
		{name: "missing sub", mutate: func(c jwt.MapClaims) { delete(c, "sub") }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := base()
			if tt.mutate != nil {
				tt.mutate(claims)
			}
			id, err := a.IdentityFromBearer([]byte(signHS256(t, "test-secret", claims)))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.check(t, id)
		})
	}
}

func TestNewAuthRequiresAKeySource(t *testing.T) {
	if _, err := NewAuth(AuthConfig{}); err == nil {
		t.Fatalf("expected configuration error")
	}
}

func TestIssueWithoutSecret(t *testing.T) {
	a := &Auth{}
	if _, _, err := a.Issue(domain.User{Email: "a@example.com"}); err != errLocalAuthDisabled {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
