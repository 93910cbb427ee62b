package authkit

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/dashauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// RequireSession validates the bearer token or session cookie and injects claims.
func RequireSession(validator *sessionvalidator.Validator, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			logger.Debug("session rejected",
				zap.String("code", "auth.session.rejected"),
				zap.String("path", contextGin.Request.URL.Path),
				zap.Error(err))
			abortWithError(contextGin, http.StatusUnauthorized, "unauthorized", "a valid session is required")
			return
		}
		contextGin.Set(sessionvalidator.DefaultContextKey, claims)
		contextGin.Next()
	}
}

// RequireHTTPS rejects credential-bearing requests that did not arrive over TLS.
func RequireHTTPS(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			abortWithError(contextGin, http.StatusBadRequest, "https_required", "credentials must be sent over https")
			return
		}
		contextGin.Next()
	}
}

func abortWithError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code, "message": message})
}

func rejectPassword(contextGin *gin.Context, err error, minLength int) {
	if errors.Is(err, ErrPasswordTooLong) {
		abortWithError(contextGin, http.StatusUnprocessableEntity, "password_too_long", fmt.Sprintf("Password should be at most %d bytes", maxPasswordBytes))
		return
	}
	abortWithError(contextGin, http.StatusUnprocessableEntity, "weak_password", fmt.Sprintf("Password should be at least %d characters", minLength))
}
