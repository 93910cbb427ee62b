package web

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/dashauth/internal/authkit"
	"github.com/tyemirov/dashauth/pkg/identity"
	"github.com/tyemirov/dashauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// HandleWhoAmI resolves the authenticated user's profile payload. It expects
// claims injected by authkit.RequireSession.
func HandleWhoAmI(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		claims, found := sessionvalidator.ClaimsFromContext(contextGin)
		if !found {
			logger.Warn("missing auth claims on context",
				zap.String("code", "api.me.missing_claims"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		record, ok := lookupUser(contextGin, logger, users, claims.GetUserID(), "api.me")
		if !ok {
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user_id":    record.ID,
			"user_email": record.Email,
			"display":    record.Profile.DisplayName,
			"roles":      record.Profile.Roles,
			"expires":    claims.GetExpiresAt(),
		})
	}
}

// HandleUserLookup serves GET /api/admin/users/:id. Mount it behind
// sessionvalidator.RequireRole(authkit.RoleAdmin).
func HandleUserLookup(logger *zap.Logger, users authkit.UserStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("user store is required")
	}

	return func(contextGin *gin.Context) {
		record, ok := lookupUser(contextGin, logger, users, contextGin.Param("id"), "api.admin.users")
		if !ok {
			return
		}
		contextGin.JSON(http.StatusOK, record.User())
	}
}

// lookupUser aborts the request and reports false when the user cannot be served.
func lookupUser(contextGin *gin.Context, logger *zap.Logger, users authkit.UserStore, applicationUserID string, codePrefix string) (authkit.UserRecord, bool) {
	record, lookupErr := users.FindByID(contextGin, applicationUserID)
	switch {
	case lookupErr == nil:
		return record, true
	case errors.Is(lookupErr, identity.ErrNotFound):
		logger.Warn("user profile missing",
			zap.String("code", codePrefix+".profile_missing"),
			zap.String("user_id", applicationUserID))
		contextGin.AbortWithStatus(http.StatusNotFound)
	default:
		logger.Error("user profile lookup error",
			zap.String("code", codePrefix+".profile_error"),
			zap.String("user_id", applicationUserID),
			zap.Error(lookupErr))
		contextGin.AbortWithStatus(http.StatusInternalServerError)
	}
	return authkit.UserRecord{}, false
}
