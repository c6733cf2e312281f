package relay

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when a secret is configured and the request
	// carries no token
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for tokens that fail verification
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims are the token claims the relay understands
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// DisplayName returns the name shown next to chat messages
func (c Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Subject
}

// TokenVerifier checks HS256 bearer tokens. A verifier with no secret accepts
// every request anonymously.
type TokenVerifier struct {
	secret []byte
}

// NewTokenVerifier creates a verifier for the shared secret
func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

// Enabled reports whether tokens are required
func (v *TokenVerifier) Enabled() bool {
	return len(v.secret) > 0
}

// Verify parses and validates a signed token
func (v *TokenVerifier) Verify(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// VerifyRequest authenticates an upgrade request. The token comes from the
// Authorization header or, for browsers that cannot set headers on websocket
// requests, the token query parameter.
func (v *TokenVerifier) VerifyRequest(r *http.Request) (Claims, error) {
	if !v.Enabled() {
		return Claims{}, nil
	}
	token := bearerToken(r)
	if token == "" {
		return Claims{}, ErrMissingToken
	}
	return v.Verify(token)
}

// Sign issues a token for subject. Used by tests and tooling.
func (v *TokenVerifier) Sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
