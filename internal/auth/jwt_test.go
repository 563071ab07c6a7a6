package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	gateway "github.com/eugener/bastion/internal"
)

const testSecret = "unit-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func requestWithBearer(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestJWTAuthenticator_ValidToken(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret})
	token := signToken(t, jwt.MapClaims{
		"sub": "user-42",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	claims, err := a.Authenticate(context.Background(), requestWithBearer(token))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if claims.Subject != "user-42" {
		t.Errorf("Subject = %q, want user-42", claims.Subject)
	}
}

func TestJWTAuthenticator_MissingHeader(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret})
	_, err := a.Authenticate(context.Background(), requestWithBearer(""))
	if !errors.Is(err, gateway.ErrMissingBearer) {
		t.Errorf("err = %v, want ErrMissingBearer", err)
	}
}

func TestJWTAuthenticator_NonBearerScheme(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err := a.Authenticate(context.Background(), r)
	if !errors.Is(err, gateway.ErrMissingBearer) {
		t.Errorf("err = %v, want ErrMissingBearer", err)
	}
}

func TestJWTAuthenticator_ExpiredToken(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret})
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err := a.Authenticate(context.Background(), requestWithBearer(token))
	if !errors.Is(err, gateway.ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestJWTAuthenticator_BadSignature(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret})
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"})
	token, _ := tok.SignedString([]byte("wrong-secret"))
	_, err := a.Authenticate(context.Background(), requestWithBearer(token))
	if !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestJWTAuthenticator_WrongAudience(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret, Audience: "expected-aud"})
	token := signToken(t, jwt.MapClaims{
		"sub": "user-1",
		"aud": "other-aud",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err := a.Authenticate(context.Background(), requestWithBearer(token))
	if !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}

func TestJWTAuthenticator_MalformedToken(t *testing.T) {
	t.Parallel()
	a := New(Config{Secret: testSecret})
	_, err := a.Authenticate(context.Background(), requestWithBearer("not.a.jwt"))
	if !errors.Is(err, gateway.ErrTokenInvalid) {
		t.Errorf("err = %v, want ErrTokenInvalid", err)
	}
}
