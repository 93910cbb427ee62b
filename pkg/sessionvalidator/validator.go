// Package sessionvalidator validates access tokens issued by the dashauth
// provider, for use by the provider itself and by resource servers.
package sessionvalidator

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

const (
	// DefaultContextKey is where GinMiddleware stores claims when no key is given.
	DefaultContextKey = "auth_claims"
	// DefaultCookieName is used when Config.CookieName is empty.
	DefaultCookieName = "dash_session"

	bearerPrefix = "bearer "
)

var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMissingCredential = errors.New("session.validator.missing_credential")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
)

// Claims is the payload of a dashauth access token.
type Claims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// GetUserID is nil-safe.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.UserID
}

// HasRole reports whether the token carries role. Roles in a token reflect
// the user at mint time; a role granted later shows up after the next refresh.
func (claims *Claims) HasRole(role string) bool {
	return claims != nil && slices.Contains(claims.UserRoles, role)
}

// GetExpiresAt returns the zero time when the token carries no exp claim.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Validator validates dashauth access tokens.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	parser     *jwt.Parser
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	issuer := strings.TrimSpace(configuration.Issuer)
	if issuer == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	cookieName := strings.TrimSpace(configuration.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     issuer,
		cookieName: cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(clock.Now),
		),
	}, nil
}

// ValidateToken verifies signature, issuer, and validity window.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	claims, err := validator.parse(strings.TrimSpace(tokenString))
	if err != nil {
		return nil, fmt.Errorf("session.validator.validate_token: %w", err)
	}
	return claims, nil
}

func (validator *Validator) parse(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := validator.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil, token == nil, !token.Valid, claims.UserID == "":
		return nil, ErrInvalidToken
	case claims.Issuer != validator.issuer:
		return nil, ErrInvalidIssuer
	}
	return claims, nil
}

// ValidateRequest prefers an "Authorization: Bearer" header and falls back to
// the session cookie.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCredential)
	}
	if token, found := BearerToken(request); found {
		return validator.ValidateToken(token)
	}
	cookie, cookieErr := request.Cookie(validator.cookieName)
	if cookieErr != nil || strings.TrimSpace(cookie.Value) == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCredential)
	}
	return validator.ValidateToken(cookie.Value)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(request *http.Request) (string, bool) {
	header := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(header) <= len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	return token, token != ""
}

// GinMiddleware rejects requests without a valid credential and stores the
// claims under contextKey.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// RequireRole must run after GinMiddleware with the default key. Requests
// whose token lacks role get 403.
func RequireRole(role string) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !claims.HasRole(role) {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims GinMiddleware stored under DefaultContextKey.
func ClaimsFromContext(contextGin *gin.Context) (*Claims, bool) {
	value, found := contextGin.Get(DefaultContextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*Claims)
	if !ok || claims == nil || claims.UserID == "" {
		return nil, false
	}
	return claims, true
}
