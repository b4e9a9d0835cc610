package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	testSigningSecret = []byte("test-signing-secret")
	testIssuer        = "duet-identity"
	testCookieName    = "duet_session"
	fixedNow          = time.Unix(1700000000, 0)
)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: testSigningSecret,
		Issuer:        testIssuer,
		CookieName:    testCookieName,
		Clock:         func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func mintToken(t *testing.T, mutate func(*SessionClaims), secret []byte) string {
	t.Helper()
	claims := SessionClaims{
		UserID:          "user-1",
		UserDisplayName: "Ada",
		UserColor:       "#ffaa00",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(fixedNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(&claims)
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func TestValidateTokenAcceptsWellFormedToken(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, nil, testSigningSecret)

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" || claims.UserDisplayName != "Ada" || claims.UserColor != "#ffaa00" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestValidateTokenRejectsExpiredToken(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, func(c *SessionClaims) {
		c.ExpiresAt = jwt.NewNumericDate(fixedNow.Add(-time.Minute))
	}, testSigningSecret)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected ErrExpiredSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongIssuer(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, func(c *SessionClaims) {
		c.Issuer = "someone-else"
	}, testSigningSecret)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsWrongSignature(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, nil, []byte("other-secret"))

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected ErrInvalidSessionToken, got %v", err)
	}
}

func TestValidateTokenRejectsMissingSubject(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, func(c *SessionClaims) {
		c.Subject = ""
	}, testSigningSecret)

	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrMissingSessionSubject) {
		t.Fatalf("expected ErrMissingSessionSubject, got %v", err)
	}
}

func TestValidateTokenRejectsEmptyToken(t *testing.T) {
	validator := newTestValidator(t)
	if _, err := validator.ValidateToken("   "); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}

func TestValidateRequestReadsCookie(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, nil, testSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/ws", nil)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: token})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestValidateRequestFallsBackToQueryParam(t *testing.T) {
	validator := newTestValidator(t)
	token := mintToken(t, nil, testSigningSecret)

	request := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Fatalf("unexpected claims: %#v", claims)
	}
}

func TestValidateRequestRejectsMissingCredentials(t *testing.T) {
	validator := newTestValidator(t)
	request := httptest.NewRequest(http.MethodGet, "/ws", nil)

	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected ErrMissingSessionToken, got %v", err)
	}
}
