package authclient

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/dashauth/pkg/identity"
)

// fillExpiry sets ExpiresAt from the access token's exp claim when the
// provider omitted it. The signature is not checked; the provider does that.
func fillExpiry(session *identity.Session) {
	if session == nil || !session.ExpiresAt.IsZero() || session.AccessToken == "" {
		return
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(session.AccessToken, &claims); err != nil {
		return
	}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
}
