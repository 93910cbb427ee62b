package authkit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tyemirov/dashauth/pkg/identity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MemorySettingsStore keeps settings in process memory.
type MemorySettingsStore struct {
	mutex    sync.RWMutex
	settings map[string]identity.Settings
	now      func() time.Time
}

// NewMemorySettingsStore constructs an empty settings store.
func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{
		settings: make(map[string]identity.Settings),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the user's settings and whether they exist.
func (store *MemorySettingsStore) Get(ctx context.Context, applicationUserID string) (identity.Settings, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	settings, found := store.settings[applicationUserID]
	if !found {
		return identity.Settings{}, false, nil
	}
	return cloneSettings(settings), true, nil
}

// Save inserts or replaces the user's settings.
func (store *MemorySettingsStore) Save(ctx context.Context, settings identity.Settings) (identity.Settings, error) {
	if settings.UserID == "" {
		return identity.Settings{}, fmt.Errorf("settings_store.save: %w", identity.ErrNotFound)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	settings = cloneSettings(settings)
	settings.UpdatedAt = store.now()
	store.settings[settings.UserID] = settings
	return cloneSettings(settings), nil
}

func cloneSettings(settings identity.Settings) identity.Settings {
	cloned := settings
	if settings.Notifications != nil {
		cloned.Notifications = make(map[string]bool, len(settings.Notifications))
		for key, value := range settings.Notifications {
			cloned.Notifications[key] = value
		}
	}
	if settings.Preferences != nil {
		cloned.Preferences = make(map[string]string, len(settings.Preferences))
		for key, value := range settings.Preferences {
			cloned.Preferences[key] = value
		}
	}
	return cloned
}

// DatabaseSettingsStore persists settings using GORM.
type DatabaseSettingsStore struct {
	db          *gorm.DB
	driverLabel string
}

type settingsRow struct {
	UserID        string            `gorm:"column:user_id;primaryKey"`
	Theme         string            `gorm:"column:theme;not null;default:''"`
	Language      string            `gorm:"column:language;not null;default:''"`
	Timezone      string            `gorm:"column:timezone;not null;default:''"`
	Notifications map[string]bool   `gorm:"column:notifications;serializer:json"`
	Preferences   map[string]string `gorm:"column:preferences;serializer:json"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`
}

func (settingsRow) TableName() string {
	return "user_settings"
}

// NewDatabaseSettingsStore constructs a store on an open Database.
func NewDatabaseSettingsStore(database *Database) *DatabaseSettingsStore {
	return &DatabaseSettingsStore{db: database.db, driverLabel: database.driverLabel}
}

// Get returns the user's settings and whether they exist.
func (store *DatabaseSettingsStore) Get(ctx context.Context, applicationUserID string) (identity.Settings, bool, error) {
	var row settingsRow
	err := store.db.WithContext(ctx).Where("user_id = ?", applicationUserID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return identity.Settings{}, false, nil
	}
	if err != nil {
		return identity.Settings{}, false, fmt.Errorf("settings_store.get.%s: %w", store.driverLabel, err)
	}
	return identity.Settings{
		UserID:        row.UserID,
		Theme:         row.Theme,
		Language:      row.Language,
		Timezone:      row.Timezone,
		Notifications: row.Notifications,
		Preferences:   row.Preferences,
		UpdatedAt:     row.UpdatedAt,
	}, true, nil
}

// Save inserts or replaces the user's settings.
func (store *DatabaseSettingsStore) Save(ctx context.Context, settings identity.Settings) (identity.Settings, error) {
	if settings.UserID == "" {
		return identity.Settings{}, fmt.Errorf("settings_store.save.%s: %w", store.driverLabel, identity.ErrNotFound)
	}
	row := settingsRow{
		UserID:        settings.UserID,
		Theme:         settings.Theme,
		Language:      settings.Language,
		Timezone:      settings.Timezone,
		Notifications: settings.Notifications,
		Preferences:   settings.Preferences,
		UpdatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return identity.Settings{}, fmt.Errorf("settings_store.save.%s: %w", store.driverLabel, err)
	}
	settings.UpdatedAt = row.UpdatedAt
	return settings, nil
}
