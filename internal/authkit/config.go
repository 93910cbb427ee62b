package authkit

import (
	"net/http"
	"strings"
	"time"
)

// ServerConfig configures issuers, cookies, TTLs, and account rules.
type ServerConfig struct {
	GoogleWebClientID      string
	AppJWTSigningKey       []byte
	AppJWTIssuer           string
	CookieDomain           string
	SessionCookieName      string
	RefreshCookieName      string
	SessionTTL             time.Duration
	RefreshTTL             time.Duration
	NonceTTL               time.Duration
	ResetTTL               time.Duration
	PasswordMinLength      int
	AdminEmails            []string
	AllowedRedirectOrigins []string
	SameSiteMode           http.SameSite
	AllowInsecureHTTP      bool
}

// RolesFor returns the roles granted to an account with the given email.
func (configuration ServerConfig) RolesFor(userEmail string) []string {
	roles := []string{RoleUser}
	normalized := normalizeEmail(userEmail)
	for _, adminEmail := range configuration.AdminEmails {
		if normalizeEmail(adminEmail) == normalized {
			roles = append(roles, RoleAdmin)
			break
		}
	}
	return roles
}

// GoogleSignInEnabled reports whether /auth/google can accept tokens.
func (configuration ServerConfig) GoogleSignInEnabled() bool {
	return strings.TrimSpace(configuration.GoogleWebClientID) != ""
}

const (
	// RoleUser is granted to every account.
	RoleUser = "user"
	// RoleAdmin is granted to accounts listed in ServerConfig.AdminEmails.
	RoleAdmin = "admin"

	defaultPasswordMinLength = 6
)

func (configuration ServerConfig) passwordMinLength() int {
	if configuration.PasswordMinLength <= 0 {
		return defaultPasswordMinLength
	}
	return configuration.PasswordMinLength
}
