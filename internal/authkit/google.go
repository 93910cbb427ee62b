package authkit

import (
	"context"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator verifies Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds a validator backed by Google's public certificates.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

type googleIdentity struct {
	subject       string
	email         string
	emailVerified bool
	displayName   string
	nonce         string
}

func validGoogleIssuer(issuer string) bool {
	return issuer == "https://accounts.google.com" || issuer == "accounts.google.com"
}

func googleIdentityFromPayload(payload *idtoken.Payload) (googleIdentity, bool) {
	if payload == nil {
		return googleIdentity{}, false
	}
	issuer, _ := payload.Claims["iss"].(string)
	if !validGoogleIssuer(issuer) {
		return googleIdentity{}, false
	}
	result := googleIdentity{}
	result.subject, _ = payload.Claims["sub"].(string)
	result.email, _ = payload.Claims["email"].(string)
	result.emailVerified, _ = payload.Claims["email_verified"].(bool)
	result.displayName, _ = payload.Claims["name"].(string)
	result.nonce, _ = payload.Claims["nonce"].(string)
	return result, true
}
