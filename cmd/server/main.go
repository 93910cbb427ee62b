package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/dashauth/internal/authkit"
	"github.com/tyemirov/dashauth/internal/web"
	"github.com/tyemirov/dashauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "dashauth-server",
		Short:   "Account provider with password and Google sign-in, JWT sessions, rotating refresh tokens, and user settings",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", defaultIssuer, "Issuer claim for access JWT")
	rootCmd.Flags().Duration("session_ttl", 15*time.Minute, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	rootCmd.Flags().Duration("nonce_ttl", 5*time.Minute, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().Duration("reset_ttl", time.Hour, "Password reset link lifetime")
	rootCmd.Flags().Int("password_min_length", 6, "Minimum password length")
	rootCmd.Flags().StringSlice("admin_emails", []string{}, "Accounts granted the admin role")
	rootCmd.Flags().String("site_url", "", "Front-end origin; password reset links may redirect here")
	rootCmd.Flags().StringSlice("allowed_redirect_origins", []string{}, "Additional origins accepted as password reset redirects")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for accounts, tokens, and settings (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, flagName := range []string{
		"listen_addr", "cookie_domain", "google_web_client_id", "jwt_signing_key", "jwt_issuer",
		"session_ttl", "refresh_ttl", "nonce_ttl", "reset_ttl", "password_min_length",
		"admin_emails", "site_url", "allowed_redirect_origins", "dev_insecure_http",
		"database_url", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("DASH")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	sessionCookieName = "dash_session"
	refreshCookieName = "dash_refresh"
	defaultIssuer     = "dashauth"

	configCodeMissingJWTSigningKey     = "config.missing_jwt_signing_key"
	configCodeInvalidSessionTTL        = "config.invalid_session_ttl"
	configCodeInvalidRefreshTTL        = "config.invalid_refresh_ttl"
	configCodeInvalidPasswordMinLength = "config.invalid_password_min_length"
	configCodeInvalidSiteURL           = "config.invalid_site_url"
	configCodeInvalidRedirectOrigins   = "config.invalid_allowed_redirect_origins"
	configCodeUninitializedServerConf  = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit      = "config.google_validator_init"
	configCodeDatabaseOpen             = "config.database_open"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates provider settings from viper.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	nonceTTL := 5 * time.Minute
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}
	resetTTL := time.Hour
	if configuredResetTTL := viper.GetDuration("reset_ttl"); configuredResetTTL > 0 {
		resetTTL = configuredResetTTL
	}

	passwordMinLength := 6
	if viper.IsSet("password_min_length") {
		passwordMinLength = viper.GetInt("password_min_length")
	}
	if passwordMinLength <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidPasswordMinLength, "password_min_length must be greater than zero")
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultIssuer
	}

	redirectOrigins := viper.GetStringSlice("allowed_redirect_origins")
	if siteURL := strings.TrimSpace(viper.GetString("site_url")); siteURL != "" {
		parsedSiteURL, parseErr := url.Parse(siteURL)
		if parseErr != nil || parsedSiteURL.Scheme == "" || parsedSiteURL.Host == "" {
			return authkit.ServerConfig{}, configError(configCodeInvalidSiteURL, "site_url must be an absolute URL")
		}
		redirectOrigins = append(redirectOrigins, parsedSiteURL.Scheme+"://"+parsedSiteURL.Host)
	}
	var sanitizedOrigins []string
	if len(redirectOrigins) > 0 {
		sanitized, sanitizeErr := web.SanitizeOrigins(zap.NewNop(), redirectOrigins)
		if sanitizeErr != nil {
			return authkit.ServerConfig{}, configError(configCodeInvalidRedirectOrigins, sanitizeErr.Error())
		}
		sanitizedOrigins = sanitized
	}

	return authkit.ServerConfig{
		GoogleWebClientID:      strings.TrimSpace(viper.GetString("google_web_client_id")),
		AppJWTSigningKey:       []byte(jwtSigningKey),
		AppJWTIssuer:           issuer,
		CookieDomain:           viper.GetString("cookie_domain"),
		SessionCookieName:      sessionCookieName,
		RefreshCookieName:      refreshCookieName,
		SessionTTL:             sessionTTL,
		RefreshTTL:             refreshTTL,
		NonceTTL:               nonceTTL,
		ResetTTL:               resetTTL,
		PasswordMinLength:      passwordMinLength,
		AdminEmails:            viper.GetStringSlice("admin_emails"),
		AllowedRedirectOrigins: sanitizedOrigins,
	}, nil
}

type storeSet struct {
	users         authkit.UserStore
	refreshTokens authkit.RefreshTokenStore
	settings      authkit.SettingsStore
	close         func() error
}

func openStores(ctx context.Context, logger *zap.Logger, databaseURL string) (storeSet, error) {
	if databaseURL == "" {
		logger.Info("using in-memory stores")
		return storeSet{
			users:         authkit.NewMemoryUserStore(),
			refreshTokens: authkit.NewMemoryRefreshTokenStore(),
			settings:      authkit.NewMemorySettingsStore(),
			close:         func() error { return nil },
		}, nil
	}
	database, openErr := authkit.OpenDatabase(ctx, databaseURL)
	if openErr != nil {
		return storeSet{}, fmt.Errorf("%s: %w", configCodeDatabaseOpen, openErr)
	}
	logger.Info("using persistent stores", zap.String("driver", database.Driver()))
	return storeSet{
		users:         authkit.NewDatabaseUserStore(database),
		refreshTokens: authkit.NewDatabaseRefreshTokenStore(database),
		settings:      authkit.NewDatabaseSettingsStore(database),
		close:         database.Close,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	devInsecureHTTP := viper.GetBool("dev_insecure_http")
	databaseURL := viper.GetString("database_url")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	siteURL := viper.GetString("site_url")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	serverConfig.AllowInsecureHTTP = devInsecureHTTP
	serverConfig.SameSiteMode = http.SameSiteStrictMode
	if enableCORS {
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	stores, storesErr := openStores(commandContext, logger, databaseURL)
	if storesErr != nil {
		return storesErr
	}
	defer func() { _ = stores.close() }()

	var googleValidator authkit.GoogleTokenValidator
	if serverConfig.GoogleSignInEnabled() {
		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		googleValidator = validator
	} else {
		logger.Info("google sign-in disabled", zap.String("code", "config.google_sign_in_disabled"))
	}

	clock := authkit.NewSystemClock()
	metricsRecorder := authkit.NewCounterMetrics()

	mountErr := authkit.MountAuthRoutes(router, serverConfig, authkit.Dependencies{
		Users:           stores.users,
		RefreshTokens:   stores.refreshTokens,
		Nonces:          authkit.NewMemoryOneTimeTokenStore(serverConfig.NonceTTL),
		ResetTokens:     authkit.NewMemoryOneTimeTokenStore(serverConfig.ResetTTL),
		Settings:        stores.settings,
		Hasher:          authkit.NewPasswordHasher(0),
		GoogleValidator: googleValidator,
		Mailer:          authkit.NewLogMailer(logger),
		Clock:           clock,
		Logger:          logger,
		Metrics:         metricsRecorder,
	})
	if mountErr != nil {
		return mountErr
	}

	sessionValidator, validatorErr := authkit.NewSessionValidator(serverConfig, clock)
	if validatorErr != nil {
		return validatorErr
	}
	protected := router.Group("/api")
	protected.Use(authkit.RequireSession(sessionValidator, logger))
	protected.GET("/me", web.HandleWhoAmI(logger, stores.users))
	protected.GET("/admin/users/:id", sessionvalidator.RequireRole(authkit.RoleAdmin), web.HandleUserLookup(logger, stores.users))

	router.GET("/client/config.js", func(contextGin *gin.Context) {
		web.ServeClientConfig(contextGin, web.ClientConfig{
			SiteURL:        siteURL,
			GoogleClientID: serverConfig.GoogleWebClientID,
		})
	})

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	logger.Info("auth counters", zap.Any("metrics", metricsRecorder.Snapshot()))
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
