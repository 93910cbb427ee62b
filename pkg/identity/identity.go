// Package identity holds the provider-owned data model shared by the session
// mirror, the provider client, and the reference provider.
package identity

import (
	"errors"
	"time"
)

// Sentinel errors shared across the provider boundary.
var (
	// ErrNoSession indicates a user lookup was attempted without a valid session.
	ErrNoSession = errors.New("identity.no_session")
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("identity.not_found")
)

// AuthEvent tags a provider change notification.
type AuthEvent string

const (
	EventSignedIn       AuthEvent = "SIGNED_IN"
	EventSignedOut      AuthEvent = "SIGNED_OUT"
	EventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	EventUserUpdated    AuthEvent = "USER_UPDATED"
)

// Session is the credential bundle issued by the provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
}

// Expired reports whether the session validity window closed at or before now.
func (session *Session) Expired(now time.Time) bool {
	if session == nil {
		return true
	}
	if session.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(session.ExpiresAt)
}

// Clone returns a copy that shares no memory with the receiver.
func (session *Session) Clone() *Session {
	if session == nil {
		return nil
	}
	copied := *session
	return &copied
}

// Profile is the structured user metadata record.
type Profile struct {
	DisplayName string            `json:"display_name,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// HasRole reports whether role is present in the profile's role list.
func (profile Profile) HasRole(role string) bool {
	for _, candidate := range profile.Roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// Clone deep-copies the profile.
func (profile Profile) Clone() Profile {
	cloned := Profile{DisplayName: profile.DisplayName}
	if profile.Roles != nil {
		cloned.Roles = append([]string(nil), profile.Roles...)
	}
	if profile.Extra != nil {
		cloned.Extra = make(map[string]string, len(profile.Extra))
		for key, value := range profile.Extra {
			cloned.Extra[key] = value
		}
	}
	return cloned
}

// ProfileFields describes a caller-supplied profile mutation.
// A nil DisplayName leaves the name unchanged. Extra entries are merged key by
// key; an empty value removes the key.
type ProfileFields struct {
	DisplayName *string           `json:"display_name,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Apply merges the fields into profile and returns the result.
func (fields ProfileFields) Apply(profile Profile) Profile {
	merged := profile.Clone()
	if fields.DisplayName != nil {
		merged.DisplayName = *fields.DisplayName
	}
	for key, value := range fields.Extra {
		if value == "" {
			delete(merged.Extra, key)
			continue
		}
		if merged.Extra == nil {
			merged.Extra = make(map[string]string)
		}
		merged.Extra[key] = value
	}
	if len(merged.Extra) == 0 {
		merged.Extra = nil
	}
	return merged
}

// User is the provider's identity record.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Profile   Profile   `json:"profile"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone deep-copies the user.
func (user *User) Clone() *User {
	if user == nil {
		return nil
	}
	copied := *user
	copied.Profile = user.Profile.Clone()
	return &copied
}

// AuthResult is returned by sign-up and sign-in operations. Session is nil when
// the provider did not open one.
type AuthResult struct {
	User    *User    `json:"user"`
	Session *Session `json:"session"`
}

// Settings is the per-user preference record edited on the settings pages.
type Settings struct {
	UserID        string            `json:"user_id"`
	Theme         string            `json:"theme,omitempty"`
	Language      string            `json:"language,omitempty"`
	Timezone      string            `json:"timezone,omitempty"`
	Notifications map[string]bool   `json:"notifications,omitempty"`
	Preferences   map[string]string `json:"preferences,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`
}
