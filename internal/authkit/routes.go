package authkit

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/dashauth/pkg/identity"
	"github.com/tyemirov/dashauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var errMissingDependency = errors.New("authkit.missing_dependency")

// Dependencies carries the collaborators used by the auth routes.
type Dependencies struct {
	Users           UserStore
	RefreshTokens   RefreshTokenStore
	Nonces          OneTimeTokenStore
	ResetTokens     OneTimeTokenStore
	Settings        SettingsStore
	Hasher          *PasswordHasher
	GoogleValidator GoogleTokenValidator
	Mailer          Mailer
	Clock           Clock
	Logger          *zap.Logger
	Metrics         MetricsRecorder
}

func (dependencies Dependencies) withDefaults(configuration ServerConfig) (Dependencies, error) {
	if dependencies.Users == nil {
		return dependencies, fmt.Errorf("%w: user store", errMissingDependency)
	}
	if dependencies.RefreshTokens == nil {
		return dependencies, fmt.Errorf("%w: refresh token store", errMissingDependency)
	}
	if dependencies.Settings == nil {
		return dependencies, fmt.Errorf("%w: settings store", errMissingDependency)
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.Clock == nil {
		dependencies.Clock = NewSystemClock()
	}
	if dependencies.Metrics == nil {
		dependencies.Metrics = noopMetrics{}
	}
	if dependencies.Hasher == nil {
		dependencies.Hasher = NewPasswordHasher(0)
	}
	if dependencies.Mailer == nil {
		dependencies.Mailer = NewLogMailer(dependencies.Logger)
	}
	if dependencies.Nonces == nil {
		dependencies.Nonces = NewMemoryOneTimeTokenStore(configuration.NonceTTL)
	}
	if dependencies.ResetTokens == nil {
		dependencies.ResetTokens = NewMemoryOneTimeTokenStore(configuration.ResetTTL)
	}
	return dependencies, nil
}

// NewSessionValidator builds the access token validator matching configuration.
func NewSessionValidator(configuration ServerConfig, clock Clock) (*sessionvalidator.Validator, error) {
	return sessionvalidator.New(sessionvalidator.Config{
		SigningKey: configuration.AppJWTSigningKey,
		Issuer:     configuration.AppJWTIssuer,
		CookieName: configuration.SessionCookieName,
		Clock:      clock,
	})
}

type authHandlers struct {
	configuration ServerConfig
	dependencies  Dependencies
	validator     *sessionvalidator.Validator
}

// MountAuthRoutes registers the account, session, profile, and settings routes.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies Dependencies) error {
	resolved, err := dependencies.withDefaults(configuration)
	if err != nil {
		return err
	}
	validator, validatorErr := NewSessionValidator(configuration, resolved.Clock)
	if validatorErr != nil {
		return validatorErr
	}
	handlers := &authHandlers{configuration: configuration, dependencies: resolved, validator: validator}
	requireSession := RequireSession(validator, resolved.Logger)

	auth := router.Group("/auth")
	auth.Use(RequireHTTPS(configuration))
	auth.POST("/signup", handlers.signUp)
	auth.POST("/token", handlers.signIn)
	auth.GET("/nonce", handlers.issueNonce)
	auth.POST("/google", handlers.signInWithGoogle)
	auth.POST("/refresh", handlers.refresh)
	auth.POST("/logout", handlers.logout)
	auth.POST("/recover", handlers.recover)
	auth.POST("/recover/confirm", handlers.confirmRecovery)
	auth.GET("/user", requireSession, handlers.getUser)
	auth.PUT("/user", requireSession, handlers.updateUser)

	api := router.Group("/api")
	api.Use(requireSession)
	api.GET("/settings", handlers.getSettings)
	api.PUT("/settings", handlers.saveSettings)
	return nil
}

type credentialsRequest struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Profile  identity.ProfileFields `json:"profile"`
}

func (handlers *authHandlers) signUp(contextGin *gin.Context) {
	var inbound credentialsRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	userEmail := normalizeEmail(inbound.Email)
	if err := validateEmail(userEmail); err != nil {
		handlers.dependencies.Metrics.Increment(metricSignUpFailure)
		abortWithError(contextGin, http.StatusUnprocessableEntity, "invalid_email", "Unable to validate email address: invalid format")
		return
	}
	minLength := handlers.configuration.passwordMinLength()
	if err := validatePassword(inbound.Password, minLength); err != nil {
		handlers.dependencies.Metrics.Increment(metricSignUpFailure)
		rejectPassword(contextGin, err, minLength)
		return
	}
	passwordHash, hashErr := handlers.dependencies.Hasher.Hash(inbound.Password)
	if hashErr != nil {
		handlers.internalError(contextGin, "auth.signup.hash", hashErr)
		return
	}
	profile := inbound.Profile.Apply(identity.Profile{Roles: handlers.configuration.RolesFor(userEmail)})
	record, createErr := handlers.dependencies.Users.CreateUser(contextGin, UserRecord{
		Email:        userEmail,
		PasswordHash: passwordHash,
		Profile:      profile,
	})
	if createErr != nil {
		handlers.dependencies.Metrics.Increment(metricSignUpFailure)
		if errors.Is(createErr, ErrEmailTaken) {
			abortWithError(contextGin, http.StatusConflict, "email_taken", "User already registered")
			return
		}
		handlers.internalError(contextGin, "auth.signup.create", createErr)
		return
	}
	handlers.dependencies.Metrics.Increment(metricSignUpSuccess)
	handlers.respondWithSession(contextGin, record, "")
}

func (handlers *authHandlers) signIn(contextGin *gin.Context) {
	var inbound credentialsRequest
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	record, findErr := handlers.dependencies.Users.FindByEmail(contextGin, inbound.Email)
	if findErr != nil && !errors.Is(findErr, identity.ErrNotFound) {
		handlers.internalError(contextGin, "auth.signin.lookup", findErr)
		return
	}
	if findErr != nil || !handlers.dependencies.Hasher.Matches(record.PasswordHash, inbound.Password) {
		handlers.dependencies.Metrics.Increment(metricSignInFailure)
		abortWithError(contextGin, http.StatusBadRequest, "invalid_credentials", "Invalid login credentials")
		return
	}
	record, syncErr := handlers.syncRoles(contextGin, record)
	if syncErr != nil {
		handlers.internalError(contextGin, "auth.signin.roles", syncErr)
		return
	}
	handlers.dependencies.Metrics.Increment(metricSignInSuccess)
	handlers.respondWithSession(contextGin, record, "")
}

func (handlers *authHandlers) issueNonce(contextGin *gin.Context) {
	nonce, err := handlers.dependencies.Nonces.Issue(contextGin, "")
	if err != nil {
		handlers.internalError(contextGin, "auth.nonce.issue", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (handlers *authHandlers) signInWithGoogle(contextGin *gin.Context) {
	if !handlers.configuration.GoogleSignInEnabled() || handlers.dependencies.GoogleValidator == nil {
		abortWithError(contextGin, http.StatusNotFound, "google_sign_in_disabled", "Google sign-in is not configured")
		return
	}
	var inbound struct {
		IDToken string `json:"id_token"`
		Nonce   string `json:"nonce"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.IDToken) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "id_token is required")
		return
	}
	if inbound.Nonce != "" {
		if _, consumeErr := handlers.dependencies.Nonces.Consume(contextGin, inbound.Nonce); consumeErr != nil {
			handlers.dependencies.Metrics.Increment(metricGoogleFailure)
			abortWithError(contextGin, http.StatusUnauthorized, "invalid_nonce", "nonce is unknown or expired")
			return
		}
	}
	payload, validateErr := handlers.dependencies.GoogleValidator.Validate(contextGin, inbound.IDToken, handlers.configuration.GoogleWebClientID)
	if validateErr != nil {
		handlers.dependencies.Metrics.Increment(metricGoogleFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_google_token", "Google token could not be verified")
		return
	}
	googleUser, ok := googleIdentityFromPayload(payload)
	if !ok {
		handlers.dependencies.Metrics.Increment(metricGoogleFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_issuer", "Google token issuer is not trusted")
		return
	}
	if inbound.Nonce != "" && googleUser.nonce != inbound.Nonce {
		handlers.dependencies.Metrics.Increment(metricGoogleFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_nonce", "nonce does not match the token")
		return
	}
	if googleUser.subject == "" || googleUser.email == "" || !googleUser.emailVerified {
		handlers.dependencies.Metrics.Increment(metricGoogleFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "unverified_identity", "Google account email is not verified")
		return
	}
	record, upsertErr := handlers.dependencies.Users.UpsertGoogleUser(contextGin, googleUser.subject, googleUser.email, googleUser.displayName, handlers.configuration.RolesFor(googleUser.email))
	if upsertErr != nil {
		handlers.internalError(contextGin, "auth.google.upsert", upsertErr)
		return
	}
	record, syncErr := handlers.syncRoles(contextGin, record)
	if syncErr != nil {
		handlers.internalError(contextGin, "auth.google.roles", syncErr)
		return
	}
	handlers.dependencies.Metrics.Increment(metricGoogleSuccess)
	handlers.respondWithSession(contextGin, record, "")
}

func (handlers *authHandlers) refresh(contextGin *gin.Context) {
	refreshOpaque := handlers.inboundRefreshToken(contextGin)
	if refreshOpaque == "" {
		handlers.dependencies.Metrics.Increment(metricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "missing_refresh_token", "refresh token is required")
		return
	}
	applicationUserID, currentTokenID, _, validateErr := handlers.dependencies.RefreshTokens.Validate(contextGin, refreshOpaque)
	if validateErr != nil {
		handlers.dependencies.Metrics.Increment(metricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid or expired")
		return
	}
	record, findErr := handlers.dependencies.Users.FindByID(contextGin, applicationUserID)
	if findErr != nil {
		handlers.dependencies.Metrics.Increment(metricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "user_not_found", "account no longer exists")
		return
	}
	if revokeErr := handlers.dependencies.RefreshTokens.Revoke(contextGin, currentTokenID); revokeErr != nil {
		handlers.dependencies.Metrics.Increment(metricRefreshFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "invalid_refresh_token", "refresh token is invalid or expired")
		return
	}
	handlers.dependencies.Metrics.Increment(metricRefreshSuccess)
	handlers.respondWithSession(contextGin, record, currentTokenID)
}

func (handlers *authHandlers) logout(contextGin *gin.Context) {
	if refreshOpaque := handlers.inboundRefreshToken(contextGin); refreshOpaque != "" {
		_, tokenID, _, validateErr := handlers.dependencies.RefreshTokens.Validate(contextGin, refreshOpaque)
		if validateErr == nil && tokenID != "" {
			_ = handlers.dependencies.RefreshTokens.Revoke(contextGin, tokenID)
		}
	}
	clearCookie(contextGin, handlers.configuration.SessionCookieName, "/", handlers.configuration)
	clearCookie(contextGin, handlers.configuration.RefreshCookieName, "/auth", handlers.configuration)
	handlers.dependencies.Metrics.Increment(metricLogout)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) recover(contextGin *gin.Context) {
	var inbound struct {
		Email      string `json:"email"`
		RedirectTo string `json:"redirect_to"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "email is required")
		return
	}
	if inbound.RedirectTo != "" && !redirectAllowed(handlers.configuration.AllowedRedirectOrigins, inbound.RedirectTo) {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_redirect", "redirect_to is not an allowed origin")
		return
	}
	handlers.dependencies.Metrics.Increment(metricRecoverRequested)
	record, findErr := handlers.dependencies.Users.FindByEmail(contextGin, inbound.Email)
	if errors.Is(findErr, identity.ErrNotFound) {
		handlers.dependencies.Logger.Info("password reset for unknown email",
			zap.String("code", "auth.recover.unknown_email"))
		contextGin.Status(http.StatusNoContent)
		return
	}
	if findErr != nil {
		handlers.internalError(contextGin, "auth.recover.lookup", findErr)
		return
	}
	resetToken, issueErr := handlers.dependencies.ResetTokens.Issue(contextGin, record.ID)
	if issueErr != nil {
		handlers.internalError(contextGin, "auth.recover.issue", issueErr)
		return
	}
	resetLink, linkErr := buildResetLink(inbound.RedirectTo, resetToken)
	if linkErr != nil {
		handlers.internalError(contextGin, "auth.recover.link", linkErr)
		return
	}
	if mailErr := handlers.dependencies.Mailer.SendPasswordReset(contextGin, record.Email, resetLink); mailErr != nil {
		handlers.internalError(contextGin, "auth.recover.mail", mailErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) confirmRecovery(contextGin *gin.Context) {
	var inbound struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Token == "" {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "token and password are required")
		return
	}
	minLength := handlers.configuration.passwordMinLength()
	if err := validatePassword(inbound.Password, minLength); err != nil {
		rejectPassword(contextGin, err, minLength)
		return
	}
	applicationUserID, consumeErr := handlers.dependencies.ResetTokens.Consume(contextGin, inbound.Token)
	if consumeErr != nil {
		handlers.dependencies.Metrics.Increment(metricRecoverConfirmError)
		abortWithError(contextGin, http.StatusBadRequest, "invalid_token", "reset link is invalid or expired")
		return
	}
	passwordHash, hashErr := handlers.dependencies.Hasher.Hash(inbound.Password)
	if hashErr != nil {
		handlers.internalError(contextGin, "auth.recover.hash", hashErr)
		return
	}
	if updateErr := handlers.dependencies.Users.UpdatePasswordHash(contextGin, applicationUserID, passwordHash); updateErr != nil {
		handlers.internalError(contextGin, "auth.recover.update", updateErr)
		return
	}
	if revokeErr := handlers.dependencies.RefreshTokens.RevokeUser(contextGin, applicationUserID); revokeErr != nil {
		handlers.internalError(contextGin, "auth.recover.revoke", revokeErr)
		return
	}
	handlers.dependencies.Metrics.Increment(metricRecoverConfirmed)
	contextGin.Status(http.StatusNoContent)
}

func (handlers *authHandlers) getUser(contextGin *gin.Context) {
	record, ok := handlers.currentUser(contextGin)
	if !ok {
		return
	}
	contextGin.JSON(http.StatusOK, record.User())
}

func (handlers *authHandlers) updateUser(contextGin *gin.Context) {
	var fields identity.ProfileFields
	if err := contextGin.ShouldBindJSON(&fields); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	record, ok := handlers.currentUser(contextGin)
	if !ok {
		return
	}
	updated, updateErr := handlers.dependencies.Users.UpdateProfile(contextGin, record.ID, fields.Apply(record.Profile))
	if updateErr != nil {
		handlers.internalError(contextGin, "auth.user.update", updateErr)
		return
	}
	handlers.dependencies.Metrics.Increment(metricProfileUpdated)
	contextGin.JSON(http.StatusOK, updated.User())
}

func (handlers *authHandlers) getSettings(contextGin *gin.Context) {
	claims, _ := sessionvalidator.ClaimsFromContext(contextGin)
	settings, found, err := handlers.dependencies.Settings.Get(contextGin, claims.GetUserID())
	if err != nil {
		handlers.internalError(contextGin, "api.settings.get", err)
		return
	}
	if !found {
		abortWithError(contextGin, http.StatusNotFound, "settings_not_found", "no settings saved yet")
		return
	}
	contextGin.JSON(http.StatusOK, settings)
}

func (handlers *authHandlers) saveSettings(contextGin *gin.Context) {
	claims, _ := sessionvalidator.ClaimsFromContext(contextGin)
	var inbound identity.Settings
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		abortWithError(contextGin, http.StatusBadRequest, "invalid_json", "request body must be JSON")
		return
	}
	inbound.UserID = claims.GetUserID()
	saved, err := handlers.dependencies.Settings.Save(contextGin, inbound)
	if err != nil {
		handlers.internalError(contextGin, "api.settings.save", err)
		return
	}
	contextGin.JSON(http.StatusOK, saved)
}

func (handlers *authHandlers) currentUser(contextGin *gin.Context) (UserRecord, bool) {
	claims, ok := sessionvalidator.ClaimsFromContext(contextGin)
	if !ok {
		abortWithError(contextGin, http.StatusUnauthorized, "unauthorized", "a valid session is required")
		return UserRecord{}, false
	}
	record, err := handlers.dependencies.Users.FindByID(contextGin, claims.UserID)
	if errors.Is(err, identity.ErrNotFound) {
		abortWithError(contextGin, http.StatusUnauthorized, "user_not_found", "account no longer exists")
		return UserRecord{}, false
	}
	if err != nil {
		handlers.internalError(contextGin, "auth.user.lookup", err)
		return UserRecord{}, false
	}
	return record, true
}

func (handlers *authHandlers) syncRoles(contextGin *gin.Context, record UserRecord) (UserRecord, error) {
	missing := false
	for _, role := range handlers.configuration.RolesFor(record.Email) {
		if !record.Profile.HasRole(role) {
			record.Profile.Roles = append(record.Profile.Roles, role)
			missing = true
		}
	}
	if !missing {
		return record, nil
	}
	return handlers.dependencies.Users.UpdateProfile(contextGin, record.ID, record.Profile)
}

func (handlers *authHandlers) respondWithSession(contextGin *gin.Context, record UserRecord, previousTokenID string) {
	configuration := handlers.configuration
	clock := handlers.dependencies.Clock
	accessToken, expiresAt, mintErr := MintAppJWT(clock, record.ID, record.Email, record.Profile.DisplayName, record.Profile.Roles, configuration.AppJWTIssuer, configuration.AppJWTSigningKey, configuration.SessionTTL)
	if mintErr != nil {
		handlers.internalError(contextGin, "auth.session.mint", mintErr)
		return
	}
	refreshExpiresAt := clock.Now().UTC().Add(configuration.RefreshTTL)
	_, refreshOpaque, issueErr := handlers.dependencies.RefreshTokens.Issue(contextGin, record.ID, refreshExpiresAt.Unix(), previousTokenID)
	if issueErr != nil || strings.TrimSpace(refreshOpaque) == "" {
		handlers.internalError(contextGin, "auth.session.refresh_issue", issueErr)
		return
	}

	writeSessionCookie(contextGin, configuration, accessToken, expiresAt)
	writeRefreshCookie(contextGin, configuration, refreshOpaque, refreshExpiresAt)

	contextGin.JSON(http.StatusOK, identity.AuthResult{
		User: record.User(),
		Session: &identity.Session{
			AccessToken:  accessToken,
			RefreshToken: refreshOpaque,
			TokenType:    "bearer",
			ExpiresAt:    expiresAt,
			UserID:       record.ID,
		},
	})
}

func (handlers *authHandlers) inboundRefreshToken(contextGin *gin.Context) string {
	if contextGin.Request.ContentLength > 0 {
		var inbound struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err == nil && strings.TrimSpace(inbound.RefreshToken) != "" {
			return strings.TrimSpace(inbound.RefreshToken)
		}
	}
	refreshCookie, cookieErr := contextGin.Request.Cookie(handlers.configuration.RefreshCookieName)
	if cookieErr != nil || refreshCookie == nil {
		return ""
	}
	return strings.TrimSpace(refreshCookie.Value)
}

func (handlers *authHandlers) internalError(contextGin *gin.Context, code string, err error) {
	handlers.dependencies.Logger.Error("auth request failed",
		zap.String("code", code),
		zap.Error(err))
	abortWithError(contextGin, http.StatusInternalServerError, "internal_error", "the request could not be completed")
}

func redirectAllowed(allowedOrigins []string, target string) bool {
	parsed, err := url.Parse(target)
	if err != nil || parsed.Host == "" {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return false
	}
	origin := scheme + "://" + strings.ToLower(parsed.Host)
	for _, allowed := range allowedOrigins {
		if strings.TrimRight(strings.ToLower(strings.TrimSpace(allowed)), "/") == origin {
			return true
		}
	}
	return false
}

func buildResetLink(redirectTo string, resetToken string) (string, error) {
	if redirectTo == "" {
		return "token=" + url.QueryEscape(resetToken), nil
	}
	parsed, err := url.Parse(redirectTo)
	if err != nil {
		return "", fmt.Errorf("auth.recover.link: %w", err)
	}
	query := parsed.Query()
	query.Set("token", resetToken)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func writeSessionCookie(contextGin *gin.Context, configuration ServerConfig, sessionToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.SessionCookieName,
		Value:    sessionToken,
		Path:     "/",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func writeRefreshCookie(contextGin *gin.Context, configuration ServerConfig, opaque string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     configuration.RefreshCookieName,
		Value:    opaque,
		Path:     "/auth",
		Domain:   configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func clearCookie(contextGin *gin.Context, name string, path string, configuration ServerConfig) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   true,
		HttpOnly: true,
		SameSite: configuration.SameSiteMode,
	})
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	if strings.EqualFold(request.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	return splitErr == nil && host == "localhost"
}
