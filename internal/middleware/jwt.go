// Package middleware holds the HTTP middleware of the dispatcher and the
// validation of the credentials clients attach to bridge frames.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"notebook-builder/internal/config"
	"notebook-builder/internal/domain"
)

// Claims are the parts of a validated token the dispatcher uses.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
	Email    string
}

// TokenValidator validates a credential and returns its claims.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

// NewTokenValidator picks OIDC when an issuer is configured and HS256
// otherwise.
func NewTokenValidator(ctx context.Context, cfg config.AuthConfig) (TokenValidator, error) {
	if cfg.OIDCEnabled() {
		return NewOIDCValidator(ctx, cfg.IssuerURL, cfg.Audience, cfg.AllowedIssuers)
	}
	return NewHS256Validator(cfg.JWTSecret, cfg.Audience)
}

// Authenticate validates token and returns the caller's user id, the token
// subject. Every failure is a domain.UnauthenticatedError.
func Authenticate(ctx context.Context, v TokenValidator, token string) (string, error) {
	if token == "" {
		return "", domain.ErrUnauthenticated("missing credentials")
	}
	claims, err := v.Validate(ctx, token)
	if err != nil {
		return "", domain.ErrUnauthenticated("invalid credentials: %v", err)
	}
	if claims.Subject == "" {
		return "", domain.ErrUnauthenticated("credentials carry no subject")
	}
	return claims.Subject, nil
}

// OIDCValidator validates tokens against an OIDC provider's published keys.
type OIDCValidator struct {
	verifier *oidc.IDTokenVerifier
	issuers  []string
}

// NewOIDCValidator discovers the provider at issuerURL.
func NewOIDCValidator(ctx context.Context, issuerURL, audience string, allowedIssuers []string) (*OIDCValidator, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}
	return newOIDCValidator(provider.Verifier(&oidc.Config{ClientID: audience, SkipClientIDCheck: audience == ""}), issuerURL, allowedIssuers), nil
}

// NewOIDCValidatorFromKeySet validates tokens of issuerURL against a JWKS
// endpoint without discovery.
func NewOIDCValidatorFromKeySet(ctx context.Context, jwksURL, issuerURL, audience string) *OIDCValidator {
	keys := oidc.NewRemoteKeySet(ctx, jwksURL)
	verifier := oidc.NewVerifier(issuerURL, keys, &oidc.Config{ClientID: audience, SkipClientIDCheck: audience == ""})
	return newOIDCValidator(verifier, issuerURL, nil)
}

func newOIDCValidator(verifier *oidc.IDTokenVerifier, issuerURL string, allowed []string) *OIDCValidator {
	if len(allowed) == 0 && issuerURL != "" {
		allowed = []string{issuerURL}
	}
	return &OIDCValidator{verifier: verifier, issuers: allowed}
}

// Validate implements TokenValidator.
func (v *OIDCValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	id, err := v.verifier.Verify(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if len(v.issuers) > 0 && !slices.Contains(v.issuers, id.Issuer) {
		return nil, fmt.Errorf("issuer %q not allowed", id.Issuer)
	}
	var extra struct {
		Email string `json:"email"`
	}
	if err := id.Claims(&extra); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}
	return &Claims{Subject: id.Subject, Issuer: id.Issuer, Audience: id.Audience, Email: extra.Email}, nil
}

// HS256Validator validates tokens signed with a shared secret.
type HS256Validator struct {
	secret   []byte
	audience string
}

// NewHS256Validator creates a shared-secret validator. An empty audience
// accepts any.
func NewHS256Validator(secret, audience string) (*HS256Validator, error) {
	if secret == "" {
		return nil, errors.New("JWT secret is required")
	}
	return &HS256Validator{secret: []byte(secret), audience: audience}, nil
}

// Validate implements TokenValidator.
func (v *HS256Validator) Validate(_ context.Context, token string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	var c tokenClaims
	if _, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	return &Claims{Subject: c.Subject, Issuer: c.Issuer, Audience: c.Audience, Email: c.Email}, nil
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
}
