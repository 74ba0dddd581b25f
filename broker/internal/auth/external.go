package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ExternalProvider validates technician JWTs issued by the support portal,
// using the portal's JWKS endpoint.
type ExternalProvider struct {
	issuer string
	jwks   keyfunc.Keyfunc
}

// NewExternalProvider creates an ExternalProvider that fetches keys from the
// given JWKS URL.
func NewExternalProvider(issuer, jwksURL string) (*ExternalProvider, error) {
	if issuer == "" {
		return nil, fmt.Errorf("external issuer URL is required")
	}
	if jwksURL == "" {
		jwksURL = issuer + "/.well-known/jwks.json"
	}

	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &ExternalProvider{
		issuer: issuer,
		jwks:   jwks,
	}, nil
}

// ValidateToken parses a portal-issued JWT and returns an Identity.
func (e *ExternalProvider) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.Parse(tokenStr, e.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(e.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrUnauthorized
	}

	role := "operator"
	if claimStr(claims, "role") == "admin" {
		role = "admin"
	}

	// Build a human-readable username from available claims.
	username := sub
	switch {
	case claimStr(claims, "username") != "":
		username = claimStr(claims, "username")
	case claimStr(claims, "name") != "":
		username = claimStr(claims, "name")
	case claimStr(claims, "first_name") != "" || claimStr(claims, "last_name") != "":
		username = strings.TrimSpace(claimStr(claims, "first_name") + " " + claimStr(claims, "last_name"))
	case claimStr(claims, "email") != "":
		username = claimStr(claims, "email")
	}

	return &Identity{
		OperatorID: sub,
		Username:   username,
		Role:       role,
	}, nil
}

// Bootstrap is a no-op; portal operators are managed externally.
func (e *ExternalProvider) Bootstrap(ctx context.Context) error {
	return nil
}

// Name returns the provider name.
func (e *ExternalProvider) Name() string { return "external" }

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
