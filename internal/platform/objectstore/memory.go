package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	// ErrBadSignature is returned by VerifyPut for a missing or forged
	// upload signature.
	ErrBadSignature = errors.New("objectstore: invalid upload signature")
	// ErrExpired is returned by VerifyPut once the upload URL has expired.
	ErrExpired = errors.New("objectstore: upload url expired")
)

// Memory is an in-process Store. Presigned URLs point at the local upload
// route served by energyd.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
	baseURL string
	key     []byte
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithSigningKey sets the HMAC key presigned URLs are signed with. Without
// it a random per-process key is used.
func WithSigningKey(key []byte) MemoryOption {
	return func(m *Memory) {
		if len(key) > 0 {
			m.key = append([]byte(nil), key...)
		}
	}
}

// NewMemory creates an empty store whose presigned URLs start with baseURL.
func NewMemory(baseURL string, opts ...MemoryOption) *Memory {
	m := &Memory{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.key == nil {
		m.key = make([]byte, 32)
		if _, err := rand.Read(m.key); err != nil {
			panic("objectstore: read random signing key: " + err.Error())
		}
	}
	return m
}

func (m *Memory) Put(_ context.Context, key string, body []byte, contentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	m.types[key] = contentType
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (m *Memory) PresignPut(_ context.Context, key, _ string, ttl time.Duration) (string, error) {
	u := m.baseURL + "/uploads/" + key
	expires := time.Now().Add(ttl).UTC().Format(time.RFC3339)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", hex.EncodeToString(m.sign(key, expires)))
	return u + "?" + q.Encode(), nil
}

// VerifyPut checks the expires and signature parameters of a request made to
// a URL returned by PresignPut for key.
func (m *Memory) VerifyPut(key string, query url.Values, now time.Time) error {
	expires := query.Get("expires")
	got, err := hex.DecodeString(query.Get("signature"))
	if err != nil || len(got) == 0 || !hmac.Equal(got, m.sign(key, expires)) {
		return ErrBadSignature
	}
	exp, err := time.Parse(time.RFC3339, expires)
	if err != nil || now.After(exp) {
		return ErrExpired
	}
	return nil
}

func (m *Memory) sign(key, expires string) []byte {
	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(key + "|" + expires))
	return mac.Sum(nil)
}

func (m *Memory) URI(key string) string {
	return "memory://" + key
}

// ContentType returns the content type key was stored with.
func (m *Memory) ContentType(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[key]
}
