package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/dashauth/pkg/identity"
)

// MemoryUserStore keeps accounts in process memory for demos and tests.
type MemoryUserStore struct {
	mutex   sync.RWMutex
	byID    map[string]UserRecord
	byEmail map[string]string
	now     func() time.Time
}

// NewMemoryUserStore constructs an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:    make(map[string]UserRecord),
		byEmail: make(map[string]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateUser stores a new account; the ID is assigned when empty.
func (store *MemoryUserStore) CreateUser(ctx context.Context, record UserRecord) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	email := normalizeEmail(record.Email)
	if _, exists := store.byEmail[email]; exists {
		return UserRecord{}, ErrEmailTaken
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	now := store.now()
	record.Email = email
	record.Profile = record.Profile.Clone()
	record.CreatedAt = now
	record.UpdatedAt = now
	store.byID[record.ID] = record
	store.byEmail[email] = record.ID
	return record, nil
}

// FindByEmail returns the account registered under userEmail.
func (store *MemoryUserStore) FindByEmail(ctx context.Context, userEmail string) (UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	applicationUserID, ok := store.byEmail[normalizeEmail(userEmail)]
	if !ok {
		return UserRecord{}, identity.ErrNotFound
	}
	return store.cloneLocked(applicationUserID)
}

// FindByID returns the account with the given ID.
func (store *MemoryUserStore) FindByID(ctx context.Context, applicationUserID string) (UserRecord, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.cloneLocked(applicationUserID)
}

// UpsertGoogleUser finds the account by Google subject, then by email, and
// creates it when neither matches.
func (store *MemoryUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string, userRoles []string) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	email := normalizeEmail(userEmail)
	now := store.now()
	for applicationUserID, record := range store.byID {
		if record.GoogleSubject == googleSub {
			delete(store.byEmail, record.Email)
			record.Email = email
			record.UpdatedAt = now
			store.byID[applicationUserID] = record
			store.byEmail[email] = applicationUserID
			return store.cloneLocked(applicationUserID)
		}
	}
	if applicationUserID, exists := store.byEmail[email]; exists {
		record := store.byID[applicationUserID]
		record.GoogleSubject = googleSub
		record.UpdatedAt = now
		store.byID[applicationUserID] = record
		return store.cloneLocked(applicationUserID)
	}
	record := UserRecord{
		ID:            uuid.NewString(),
		Email:         email,
		GoogleSubject: googleSub,
		Profile:       identity.Profile{DisplayName: userDisplayName, Roles: append([]string(nil), userRoles...)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	store.byID[record.ID] = record
	store.byEmail[email] = record.ID
	return store.cloneLocked(record.ID)
}

// UpdateProfile replaces the stored profile.
func (store *MemoryUserStore) UpdateProfile(ctx context.Context, applicationUserID string, profile identity.Profile) (UserRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[applicationUserID]
	if !ok {
		return UserRecord{}, identity.ErrNotFound
	}
	record.Profile = profile.Clone()
	record.UpdatedAt = store.now()
	store.byID[applicationUserID] = record
	return store.cloneLocked(applicationUserID)
}

// UpdatePasswordHash replaces the stored password hash.
func (store *MemoryUserStore) UpdatePasswordHash(ctx context.Context, applicationUserID string, passwordHash string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byID[applicationUserID]
	if !ok {
		return identity.ErrNotFound
	}
	record.PasswordHash = passwordHash
	record.UpdatedAt = store.now()
	store.byID[applicationUserID] = record
	return nil
}

func (store *MemoryUserStore) cloneLocked(applicationUserID string) (UserRecord, error) {
	record, ok := store.byID[applicationUserID]
	if !ok {
		return UserRecord{}, identity.ErrNotFound
	}
	record.Profile = record.Profile.Clone()
	return record, nil
}
