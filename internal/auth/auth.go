// Package auth validates the identity and access tokens presented by the
// dashboard. Every handler shares one Validator.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wattwise/energy-monitor/internal/errors"
)

const (
	msgMissingTokens = "Unauthorized. Missing required tokens."
	msgExpired       = "Unauthorized. Tokens expired or invalid."
	msgIssuer        = "Unauthorized. Invalid token issuer."
	msgTokenUse      = "Unauthorized. Invalid token use."
	msgAudience      = "Unauthorized. Invalid token audience."

	// IDTokenHeader carries the identity token next to the bearer access token.
	IDTokenHeader = "X-Id-Token"
)

// Claims are the token claims the application reads.
type Claims struct {
	Email    string `json:"email,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
}

// KeySource resolves the verification key of a token.
type KeySource interface {
	Key(token *jwt.Token) (interface{}, error)
}

// StaticKey verifies HS256 tokens with a shared secret.
type StaticKey []byte

func (k StaticKey) Key(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return []byte(k), nil
}

// Validator checks token pairs against the configured issuer.
type Validator struct {
	issuer   string
	audience string
	keys     KeySource
	now      func() time.Time
}

// Option customises a Validator.
type Option func(*Validator)

// WithKeySource enables signature verification.
func WithKeySource(ks KeySource) Option {
	return func(v *Validator) { v.keys = ks }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithAudience requires id tokens to be issued for the given client.
func WithAudience(aud string) Option {
	return func(v *Validator) { v.audience = aud }
}

// NewValidator creates a validator for tokens issued by issuer. Without a
// key source tokens are decoded but their signatures are not checked; this
// is the mode used behind a gateway that has already verified them.
func NewValidator(issuer string, opts ...Option) *Validator {
	v := &Validator{issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issuer returns the issuer tokens must carry.
func (v *Validator) Issuer() string { return v.issuer }

// ParseToken decodes raw, verifying its signature when a key source is set.
// Expiry and issuer are checked by the callers so they can report them
// separately.
func (v *Validator) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	if v.keys == nil {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, err
		}
		return claims, nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	token, err := parser.ParseWithClaims(raw, claims, v.keys.Key)
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// ValidatePair authenticates a request carrying both an id token and an
// access token.
func (v *Validator) ValidatePair(idToken, accessToken string) (Identity, error) {
	if idToken == "" || accessToken == "" {
		return Identity{}, errors.Unauthorized(msgMissingTokens)
	}

	id, err := v.ParseToken(idToken)
	if err != nil {
		return Identity{}, errors.InvalidToken(err)
	}
	access, err := v.ParseToken(accessToken)
	if err != nil {
		return Identity{}, errors.InvalidToken(err)
	}

	if id.Subject == "" || v.expired(id) || v.expired(access) {
		return Identity{}, errors.Unauthorized(msgExpired)
	}
	if id.Issuer != v.issuer || access.Issuer != v.issuer {
		return Identity{}, errors.Unauthorized(msgIssuer)
	}
	return Identity{UserID: id.Subject, Email: id.Email}, nil
}

// ValidateIDToken authenticates a bare id token, as sent by websocket clients.
func (v *Validator) ValidateIDToken(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, errors.Unauthorized(msgMissingTokens)
	}
	claims, err := v.ParseToken(raw)
	if err != nil {
		return Identity{}, errors.InvalidToken(err)
	}
	if claims.Subject == "" || v.expired(claims) {
		return Identity{}, errors.Unauthorized(msgExpired)
	}
	if claims.Issuer != v.issuer {
		return Identity{}, errors.Unauthorized(msgIssuer)
	}
	if claims.TokenUse != "id" {
		return Identity{}, errors.Unauthorized(msgTokenUse)
	}
	if v.audience != "" && !hasAudience(claims.Audience, v.audience) {
		return Identity{}, errors.Unauthorized(msgAudience)
	}
	return Identity{UserID: claims.Subject, Email: claims.Email}, nil
}

func (v *Validator) expired(c *Claims) bool {
	if c.ExpiresAt == nil {
		return true
	}
	return c.ExpiresAt.Unix() < v.now().Unix()
}

func hasAudience(aud jwt.ClaimStrings, want string) bool {
	for _, a := range aud {
		if a == want {
			return true
		}
	}
	return false
}

// TokensFromRequest returns the id token and the bearer access token of r.
func TokensFromRequest(r *http.Request) (idToken, accessToken string) {
	return r.Header.Get(IDTokenHeader), stripBearer(r.Header.Get("Authorization"))
}

// TokensFromHeaders is TokensFromRequest for header maps whose key case is
// not normalised, such as websocket gateway events.
func TokensFromHeaders(headers map[string]string) (idToken, accessToken string) {
	for k, val := range headers {
		switch {
		case strings.EqualFold(k, IDTokenHeader):
			idToken = val
		case strings.EqualFold(k, "Authorization"):
			accessToken = stripBearer(val)
		}
	}
	return idToken, accessToken
}

func stripBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 7 && strings.EqualFold(v[:7], "Bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return v
}
