package auth

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/wattwise/energy-monitor/internal/httputil"
)

const defaultJWKSTTL = time.Hour

// JWKS resolves RS256 verification keys from a JSON Web Key Set endpoint.
type JWKS struct {
	url    string
	client *http.Client
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string]interface{}
	fetchedAt time.Time
}

// NewJWKS creates a key source for url. A nil client uses a 5s timeout client.
func NewJWKS(url string, client *http.Client) *JWKS {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &JWKS{url: url, client: client, ttl: defaultJWKSTTL, now: time.Now}
}

// Key implements KeySource.
func (j *JWKS) Key(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("token has no kid")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	stale := j.keys == nil || j.now().Sub(j.fetchedAt) > j.ttl
	if !stale {
		if key, ok := j.keys[kid]; ok {
			return key, nil
		}
	}
	// Unknown kid or expired cache: refetch once.
	if err := j.refresh(); err != nil {
		return nil, err
	}
	key, ok := j.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (j *JWKS) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var set jose.JSONWebKeySet
	if err := httputil.GetJSON(ctx, j.client, j.url, &set); err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}

	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	j.keys = keys
	j.fetchedAt = j.now()
	return nil
}
