package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestMintThenVerifyRoundTrip(t *testing.T) {
	m := &Manager{Secret: []byte("test-secret"), TTL: time.Hour}
	token, err := m.Mint("u1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	userID, err := m.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("userID = %q", userID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	m := &Manager{Secret: []byte("right"), TTL: time.Hour}
	token, _ := m.Mint("u1")

	other := &Manager{Secret: []byte("wrong"), TTL: time.Hour}
	if _, err := other.Verify(token); err != ErrInvalidToken {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := &Manager{Secret: []byte("s"), TTL: -time.Minute}
	token, _ := m.Mint("u1")
	if _, err := m.Verify(token); err != ErrInvalidToken {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestMiddlewarePopulatesContext(t *testing.T) {
	m := &Manager{Secret: []byte("s"), TTL: time.Hour}
	token, _ := m.Mint("u7")

	var got string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || got != "u7" {
		t.Fatalf("code=%d user=%q", rec.Code, got)
	}
}

func TestMiddlewareRejectsMissingToken(t *testing.T) {
	m := &Manager{Secret: []byte("s"), TTL: time.Hour}
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler reached without token")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("code = %d", rec.Code)
	}
}
