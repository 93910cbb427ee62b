package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// DatabaseRefreshTokenStore keeps refresh tokens in the refresh_tokens table.
// Only a hash of each opaque token is stored.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
	clock       Clock
}

type refreshTokenRow struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRow) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore constructs a store on an open Database.
func NewDatabaseRefreshTokenStore(database *Database) *DatabaseRefreshTokenStore {
	return &DatabaseRefreshTokenStore{db: database.db, driverLabel: database.driverLabel, clock: NewSystemClock()}
}

func (store *DatabaseRefreshTokenStore) fail(operation string, err error) error {
	return fmt.Errorf("refresh_store.%s.%s: %w", operation, store.driverLabel, err)
}

func (store *DatabaseRefreshTokenStore) active(ctx context.Context) *gorm.DB {
	return store.db.WithContext(ctx).Model(&refreshTokenRow{}).Where("revoked_at_unix = 0")
}

// Issue stores a new token, linked to previousTokenID when it replaces one.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", store.fail("issue", randomErr)
	}
	row := refreshTokenRow{
		TokenID:         newRefreshTokenID(),
		UserID:          applicationUserID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.clock.Now().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", "", store.fail("issue", err)
	}
	return row.TokenID, opaqueToken, nil
}

// Validate resolves an opaque token to its user, token ID, and expiry.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, store.fail("validate", ErrRefreshTokenEmptyOpaque)
	}
	var row refreshTokenRow
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&row).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return "", "", 0, store.fail("validate", ErrRefreshTokenNotFound)
	case err != nil:
		return "", "", 0, store.fail("validate", err)
	case row.RevokedAtUnix != 0:
		return "", "", 0, store.fail("validate", ErrRefreshTokenRevoked)
	case row.ExpiresUnix < store.clock.Now().Unix():
		return "", "", 0, store.fail("validate", ErrRefreshTokenExpired)
	}
	return row.UserID, row.TokenID, row.ExpiresUnix, nil
}

// Revoke marks one token revoked. Revoking it twice reports
// ErrRefreshTokenAlreadyRevoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.active(ctx).Where("token_id = ?", tokenID).Update("revoked_at_unix", store.clock.Now().Unix())
	if result.Error != nil {
		return store.fail("revoke", result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var count int64
	if err := store.db.WithContext(ctx).Model(&refreshTokenRow{}).Where("token_id = ?", tokenID).Count(&count).Error; err != nil {
		return store.fail("revoke", err)
	}
	if count == 0 {
		return store.fail("revoke", ErrRefreshTokenNotFound)
	}
	return store.fail("revoke", ErrRefreshTokenAlreadyRevoked)
}

// RevokeUser revokes every active token belonging to the user.
func (store *DatabaseRefreshTokenStore) RevokeUser(ctx context.Context, applicationUserID string) error {
	err := store.active(ctx).Where("user_id = ?", applicationUserID).Update("revoked_at_unix", store.clock.Now().Unix()).Error
	if err != nil {
		return store.fail("revoke_user", err)
	}
	return nil
}
