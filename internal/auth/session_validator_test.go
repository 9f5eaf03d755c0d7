package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSigningSecret = "test-signing-secret"

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "castmirror-auth",
		CookieName:    "app_session",
		Clock:         func() time.Time { return time.Unix(1700000600, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	return validator
}

func signToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() SessionClaims {
	return SessionClaims{
		UserID: "user-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    "castmirror-auth",
			ExpiresAt: jwt.NewNumericDate(time.Unix(1700004200, 0).UTC()),
			IssuedAt:  jwt.NewNumericDate(time.Unix(1700000000, 0).UTC()),
		},
	}
}

func TestValidateTokenAcceptsValidToken(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, validClaims(), testSigningSecret)

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id: %q", claims.UserID)
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Unix(1700000500, 0).UTC())
	token := signToken(t, claims, testSigningSecret)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, validClaims(), "other-secret")

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.Issuer = "someone-else"
	token := signToken(t, claims, testSigningSecret)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsMissingSubject(t *testing.T) {
	validator := newTestValidator(t)
	claims := validClaims()
	claims.Subject = ""
	token := signToken(t, claims, testSigningSecret)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected ErrMissingSessionSubject, got %v", err)
	}
}

func TestValidateRequestPrefersBearerToken(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, validClaims(), testSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/api/2/episodes", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id: %q", claims.UserID)
	}
}

func TestValidateRequestFallsBackToCookie(t *testing.T) {
	validator := newTestValidator(t)
	token := signToken(t, validClaims(), testSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/api/2/episodes", http.NoBody)
	request.AddCookie(&http.Cookie{Name: "app_session", Value: token})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected user id: %q", claims.UserID)
	}
}

func TestValidateRequestWithoutCredential(t *testing.T) {
	validator := newTestValidator(t)
	request := httptest.NewRequest(http.MethodGet, "/api/2/episodes", http.NoBody)

	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}
