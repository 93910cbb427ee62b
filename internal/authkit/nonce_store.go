package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTokenNotFound indicates the supplied one-time token was not issued or already consumed.
	ErrTokenNotFound = errors.New("one_time_token.not_found")
	// ErrTokenExpired indicates the one-time token expired before consumption.
	ErrTokenExpired = errors.New("one_time_token.expired")
)

// OneTimeTokenStore issues single-use tokens bound to a subject. It backs
// Google sign-in nonces (empty subject) and password reset links (user ID).
type OneTimeTokenStore interface {
	// Issue creates a new token with the configured TTL.
	Issue(ctx context.Context, subject string) (string, error)
	// Consume validates and invalidates an issued token, returning its subject.
	Consume(ctx context.Context, token string) (string, error)
}

type oneTimeEntry struct {
	subject   string
	expiresAt time.Time
}

type memoryOneTimeTokenStore struct {
	mutex     sync.Mutex
	entries   map[string]oneTimeEntry
	ttl       time.Duration
	now       func() time.Time
	tokenSize int
}

// NewMemoryOneTimeTokenStore constructs an in-memory OneTimeTokenStore with the provided TTL.
func NewMemoryOneTimeTokenStore(ttl time.Duration) OneTimeTokenStore {
	return &memoryOneTimeTokenStore{
		entries:   make(map[string]oneTimeEntry),
		ttl:       ttl,
		now:       time.Now,
		tokenSize: 32,
	}
}

func (store *memoryOneTimeTokenStore) Issue(ctx context.Context, subject string) (string, error) {
	token, err := store.randomToken()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[token] = oneTimeEntry{subject: subject, expiresAt: store.now().Add(store.ttl)}
	return token, nil
}

func (store *memoryOneTimeTokenStore) Consume(ctx context.Context, token string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	entry, ok := store.entries[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	delete(store.entries, token)
	if store.now().After(entry.expiresAt) {
		return "", ErrTokenExpired
	}
	return entry.subject, nil
}

func (store *memoryOneTimeTokenStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for token, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, token)
		}
	}
}

func (store *memoryOneTimeTokenStore) randomToken() (string, error) {
	buffer := make([]byte, store.tokenSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
