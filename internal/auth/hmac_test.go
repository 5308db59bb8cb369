package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAdminTokenVerifierValidToken(t *testing.T) {
	verifier, err := NewAdminTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewAdminTokenVerifier: %v", err)
	}
	fixedNow := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return fixedNow })
	token := makeAdminToken(t, "secret", "pilot-7", fixedNow.Add(30*time.Second))

	claims, err := verifier.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "pilot-7" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}
	if claims.ExpiresAt.Before(fixedNow) {
		t.Fatal("expected expiry in the future")
	}
}

func TestAdminTokenVerifierRejectsExpiredToken(t *testing.T) {
	verifier, err := NewAdminTokenVerifier("secret", 0)
	if err != nil {
		t.Fatalf("NewAdminTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeAdminToken(t, "secret", "pilot-7", now.Add(-time.Second))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrAdminTokenExpired) {
		t.Fatalf("expected ErrAdminTokenExpired, got %v", err)
	}
}

func TestAdminTokenVerifierRejectsInvalidSignature(t *testing.T) {
	verifier, err := NewAdminTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewAdminTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeAdminToken(t, "other-secret", "pilot-7", now.Add(time.Minute))

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidAdminToken) {
		t.Fatalf("expected ErrInvalidAdminToken, got %v", err)
	}
}

func TestAuthenticateRequestReadsHeaderAndQuery(t *testing.T) {
	verifier, err := NewAdminTokenVerifier("secret", time.Second)
	if err != nil {
		t.Fatalf("NewAdminTokenVerifier: %v", err)
	}
	now := time.Unix(1700000000, 0)
	verifier.WithClock(func() time.Time { return now })
	token := makeAdminToken(t, "secret", "operator-1", now.Add(time.Minute))

	queryReq := httptest.NewRequest("GET", "/admin/stream?auth_token="+token, nil)
	claims, err := verifier.AuthenticateRequest(queryReq)
	if err != nil {
		t.Fatalf("AuthenticateRequest (query): %v", err)
	}
	if claims.Subject != "operator-1" {
		t.Fatalf("unexpected subject: %q", claims.Subject)
	}

	headerReq := httptest.NewRequest("GET", "/admin/stream", nil)
	headerReq.Header.Set("X-Auth-Token", token)
	if _, err := verifier.AuthenticateRequest(headerReq); err != nil {
		t.Fatalf("AuthenticateRequest (header): %v", err)
	}

	emptyReq := httptest.NewRequest("GET", "/admin/stream", nil)
	if _, err := verifier.AuthenticateRequest(emptyReq); !errors.Is(err, ErrInvalidAdminToken) {
		t.Fatalf("expected ErrInvalidAdminToken for missing token, got %v", err)
	}
}

func makeAdminToken(t *testing.T, secret, subject string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}
