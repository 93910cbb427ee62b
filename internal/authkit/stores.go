package authkit

import (
	"context"
	"time"

	"github.com/tyemirov/dashauth/pkg/identity"
)

// UserRecord is the stored form of an account.
type UserRecord struct {
	ID            string
	Email         string
	PasswordHash  string
	GoogleSubject string
	Profile       identity.Profile
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// User converts the record into its public representation.
func (record UserRecord) User() *identity.User {
	return &identity.User{
		ID:        record.ID,
		Email:     record.Email,
		Profile:   record.Profile.Clone(),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
	}
}

// UserStore persists and retrieves application users. Lookups of missing
// users return identity.ErrNotFound.
type UserStore interface {
	CreateUser(ctx context.Context, record UserRecord) (UserRecord, error)
	FindByEmail(ctx context.Context, userEmail string) (UserRecord, error)
	FindByID(ctx context.Context, applicationUserID string) (UserRecord, error)
	UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string, userRoles []string) (UserRecord, error)
	UpdateProfile(ctx context.Context, applicationUserID string, profile identity.Profile) (UserRecord, error)
	UpdatePasswordHash(ctx context.Context, applicationUserID string, passwordHash string) error
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
	// RevokeUser revokes every active token belonging to the user.
	RevokeUser(ctx context.Context, applicationUserID string) error
}

// SettingsStore persists per-user preferences. Get reports absence with
// found=false rather than an error.
type SettingsStore interface {
	Get(ctx context.Context, applicationUserID string) (settings identity.Settings, found bool, err error)
	Save(ctx context.Context, settings identity.Settings) (identity.Settings, error)
}
