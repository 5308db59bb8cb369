// Package auth verifies the compact HS256 tokens presented by the admin
// observability surface before it upgrades a connection to WebSocket.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidAdminToken indicates the token failed signature checks, had
	// malformed structure, or was missing from the request entirely.
	ErrInvalidAdminToken = errors.New("invalid admin token")
	// ErrAdminTokenExpired signals that the token's expiry, plus leeway, is
	// already behind the verifier's clock.
	ErrAdminTokenExpired = errors.New("admin token expired")
)

// AdminTokenClaims is the subset of an admin session's bearer token that the
// adminws surface needs to admit a connection and label it.
type AdminTokenClaims struct {
	Subject   string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Scope     string
}

// AdminTokenVerifier validates the HS256 bearer tokens operators present to
// the admin WebSocket endpoint.
type AdminTokenVerifier struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewAdminTokenVerifier constructs a verifier for the configured shared
// secret and clock skew allowance.
func NewAdminTokenVerifier(secret string, leeway time.Duration) (*AdminTokenVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("admin token secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &AdminTokenVerifier{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// AuthenticateRequest extracts the bearer token from the auth_token query
// parameter or the X-Auth-Token header and verifies it, returning the claims
// the caller should attach to the new admin session.
func (v *AdminTokenVerifier) AuthenticateRequest(r *http.Request) (*AdminTokenClaims, error) {
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return nil, ErrInvalidAdminToken
	}
	return v.Verify(token)
}

// Verify parses a raw token and validates its signature and expiry,
// returning the embedded claims.
func (v *AdminTokenVerifier) Verify(token string) (*AdminTokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("admin token verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidAdminToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidAdminToken
	}
	signingInput := strings.Join(parts[:2], ".")
	signaturePart := parts[2]

	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidAdminToken
	}
	var header struct {
		Algorithm string `json:"alg"`
	}
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidAdminToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidAdminToken, header.Algorithm)
	}

	signatureBytes, err := decodeSegment(signaturePart)
	if err != nil {
		return nil, ErrInvalidAdminToken
	}
	if !hmac.Equal(signatureBytes, v.sign([]byte(signingInput))) {
		return nil, ErrInvalidAdminToken
	}

	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidAdminToken
	}
	var payload struct {
		Subject string `json:"sub"`
		Expires int64  `json:"exp"`
		Issued  int64  `json:"iat"`
		Scope   string `json:"aud"`
	}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidAdminToken
	}
	subject := strings.TrimSpace(payload.Subject)
	if subject == "" {
		return nil, ErrInvalidAdminToken
	}
	if payload.Expires <= 0 {
		return nil, ErrInvalidAdminToken
	}

	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrAdminTokenExpired
	}

	return &AdminTokenClaims{
		Subject:   subject,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
		Scope:     payload.Scope,
	}, nil
}

func (v *AdminTokenVerifier) sign(signingInput []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(signingInput)
	return mac.Sum(nil)
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

// WithClock overrides the verifier's clock, enabling deterministic tests.
func (v *AdminTokenVerifier) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}
