package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/dashauth/pkg/identity"
	"gorm.io/gorm"
)

// DatabaseUserStore persists accounts using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

type userRow struct {
	ID            string            `gorm:"column:id;primaryKey"`
	Email         string            `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash  string            `gorm:"column:password_hash;not null;default:''"`
	GoogleSubject string            `gorm:"column:google_subject;index;not null;default:''"`
	DisplayName   string            `gorm:"column:display_name;not null;default:''"`
	Roles         []string          `gorm:"column:roles;serializer:json"`
	Extra         map[string]string `gorm:"column:extra;serializer:json"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
}

func (userRow) TableName() string {
	return "users"
}

func (row userRow) record() UserRecord {
	return UserRecord{
		ID:            row.ID,
		Email:         row.Email,
		PasswordHash:  row.PasswordHash,
		GoogleSubject: row.GoogleSubject,
		Profile: identity.Profile{
			DisplayName: row.DisplayName,
			Roles:       row.Roles,
			Extra:       row.Extra,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}

// NewDatabaseUserStore constructs a store on an open Database.
func NewDatabaseUserStore(database *Database) *DatabaseUserStore {
	return &DatabaseUserStore{db: database.db, driverLabel: database.driverLabel}
}

// CreateUser inserts a new account, rejecting duplicate emails with ErrEmailTaken.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, record UserRecord) (UserRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	row := userRow{
		ID:            record.ID,
		Email:         normalizeEmail(record.Email),
		PasswordHash:  record.PasswordHash,
		GoogleSubject: record.GoogleSubject,
		DisplayName:   record.Profile.DisplayName,
		Roles:         record.Profile.Roles,
		Extra:         record.Profile.Extra,
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing int64
		if countErr := transaction.Model(&userRow{}).Where("email = ?", row.Email).Count(&existing).Error; countErr != nil {
			return countErr
		}
		if existing > 0 {
			return ErrEmailTaken
		}
		return transaction.Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			err = ErrEmailTaken
		}
		return UserRecord{}, fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return row.record(), nil
}

// FindByEmail returns the account registered under userEmail.
func (store *DatabaseUserStore) FindByEmail(ctx context.Context, userEmail string) (UserRecord, error) {
	return store.take(ctx, "find_by_email", "email = ?", normalizeEmail(userEmail))
}

// FindByID returns the account with the given ID.
func (store *DatabaseUserStore) FindByID(ctx context.Context, applicationUserID string) (UserRecord, error) {
	return store.take(ctx, "find_by_id", "id = ?", applicationUserID)
}

// UpsertGoogleUser links or creates the account for a Google identity.
func (store *DatabaseUserStore) UpsertGoogleUser(ctx context.Context, googleSub string, userEmail string, userDisplayName string, userRoles []string) (UserRecord, error) {
	email := normalizeEmail(userEmail)
	var result userRow
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		findErr := transaction.Where("google_subject = ?", googleSub).Take(&result).Error
		if findErr == nil {
			result.Email = email
			return transaction.Model(&result).Update("email", email).Error
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		findErr = transaction.Where("email = ?", email).Take(&result).Error
		if findErr == nil {
			result.GoogleSubject = googleSub
			return transaction.Model(&result).Update("google_subject", googleSub).Error
		}
		if !errors.Is(findErr, gorm.ErrRecordNotFound) {
			return findErr
		}
		result = userRow{
			ID:            uuid.NewString(),
			Email:         email,
			GoogleSubject: googleSub,
			DisplayName:   userDisplayName,
			Roles:         userRoles,
		}
		return transaction.Create(&result).Error
	})
	if err != nil {
		return UserRecord{}, fmt.Errorf("user_store.upsert_google.%s: %w", store.driverLabel, err)
	}
	return result.record(), nil
}

// UpdateProfile replaces the stored profile.
func (store *DatabaseUserStore) UpdateProfile(ctx context.Context, applicationUserID string, profile identity.Profile) (UserRecord, error) {
	result := store.db.WithContext(ctx).Model(&userRow{ID: applicationUserID}).
		Select("display_name", "roles", "extra", "updated_at").
		Updates(userRow{
			DisplayName: profile.DisplayName,
			Roles:       profile.Roles,
			Extra:       profile.Extra,
			UpdatedAt:   time.Now().UTC(),
		})
	if result.Error != nil {
		return UserRecord{}, fmt.Errorf("user_store.update_profile.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return UserRecord{}, fmt.Errorf("user_store.update_profile.%s: %w", store.driverLabel, identity.ErrNotFound)
	}
	return store.FindByID(ctx, applicationUserID)
}

// UpdatePasswordHash replaces the stored password hash.
func (store *DatabaseUserStore) UpdatePasswordHash(ctx context.Context, applicationUserID string, passwordHash string) error {
	result := store.db.WithContext(ctx).Model(&userRow{}).
		Where("id = ?", applicationUserID).
		Updates(map[string]any{"password_hash": passwordHash, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("user_store.update_password.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.update_password.%s: %w", store.driverLabel, identity.ErrNotFound)
	}
	return nil
}

func (store *DatabaseUserStore) take(ctx context.Context, operation string, query string, argument string) (UserRecord, error) {
	var row userRow
	err := store.db.WithContext(ctx).Where(query, argument).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, identity.ErrNotFound)
		}
		return UserRecord{}, fmt.Errorf("user_store.%s.%s: %w", operation, store.driverLabel, err)
	}
	return row.record(), nil
}
