package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notebook-builder/internal/config"
	"notebook-builder/internal/domain"
)

// makeToken creates a signed HS256 JWT from the given secret and claims.
func makeToken(secret string, claims jwt.MapClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := token.SignedString([]byte(secret))
	return signed
}

func TestHS256Validator_Validate(t *testing.T) {
	t.Parallel()

	const secret = "test-secret-32-bytes-long-xxxxx"
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name     string
		audience string
		token    string
		wantErr  bool
		wantSub  string
		wantMail string
		wantAud  []string
	}{
		{
			name: "all claims",
			token: makeToken(secret, jwt.MapClaims{
				"sub": "user-123", "iss": "https://auth.example.com",
				"email": "user@example.com", "aud": "builder", "exp": exp,
			}),
			wantSub:  "user-123",
			wantMail: "user@example.com",
			wantAud:  []string{"builder"},
		},
		{
			name:    "subject only",
			token:   makeToken(secret, jwt.MapClaims{"sub": "user-456", "exp": exp}),
			wantSub: "user-456",
		},
		{
			name:     "required audience present",
			audience: "builder",
			token:    makeToken(secret, jwt.MapClaims{"sub": "u", "aud": []string{"other", "builder"}, "exp": exp}),
			wantSub:  "u",
			wantAud:  []string{"other", "builder"},
		},
		{
			name:     "required audience missing",
			audience: "builder",
			token:    makeToken(secret, jwt.MapClaims{"sub": "u", "aud": "other", "exp": exp}),
			wantErr:  true,
		},
		{
			name:    "expired",
			token:   makeToken(secret, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(-time.Hour).Unix()}),
			wantErr: true,
		},
		{
			name:    "wrong secret",
			token:   makeToken("wrong-secret", jwt.MapClaims{"sub": "u", "exp": exp}),
			wantErr: true,
		},
		{
			name: "RS256 rejected",
			token: func() string {
				key, _ := rsa.GenerateKey(rand.Reader, 2048)
				signed, _ := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"sub": "u", "exp": exp}).SignedString(key)
				return signed
			}(),
			wantErr: true,
		},
		{
			name:    "malformed",
			token:   "not.a.valid.jwt.token",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			v, err := NewHS256Validator(secret, tt.audience)
			require.NoError(t, err)
			claims, err := v.Validate(context.Background(), tt.token)

			if tt.wantErr {
				require.ErrorContains(t, err, "token verification failed")
				assert.Nil(t, claims)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSub, claims.Subject)
			assert.Equal(t, tt.wantMail, claims.Email)
			assert.Equal(t, tt.wantAud, []string(claims.Audience))
		})
	}
}

func TestNewHS256Validator_RequiresSecret(t *testing.T) {
	_, err := NewHS256Validator("", "")
	assert.Error(t, err)
}

func TestNewTokenValidator_DefaultsToSharedSecret(t *testing.T) {
	v, err := NewTokenValidator(context.Background(), config.AuthConfig{JWTSecret: "s"})
	require.NoError(t, err)
	assert.IsType(t, &HS256Validator{}, v)
}

func TestAuthenticate(t *testing.T) {
	v, err := NewHS256Validator("s", "")
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour).Unix()

	id, err := Authenticate(context.Background(), v, makeToken("s", jwt.MapClaims{"sub": "u-1", "exp": exp}))
	require.NoError(t, err)
	assert.Equal(t, "u-1", id)

	for name, token := range map[string]string{
		"missing":    "",
		"invalid":    makeToken("other", jwt.MapClaims{"sub": "u-1", "exp": exp}),
		"no subject": makeToken("s", jwt.MapClaims{"exp": exp}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Authenticate(context.Background(), v, token)
			var ue *domain.UnauthenticatedError
			assert.True(t, errors.As(err, &ue), "got %v", err)
		})
	}
}

func TestOIDCValidator_KeySet(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks := map[string]any{"keys": []map[string]string{{
		"kty": "RSA", "kid": "k1", "alg": "RS256", "use": "sig",
		"n": base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jwks)
	}))
	t.Cleanup(srv.Close)

	const issuer = "https://idp.example.com"
	sign := func(claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = "k1"
		signed, err := tok.SignedString(key)
		require.NoError(t, err)
		return signed
	}
	exp := time.Now().Add(time.Hour).Unix()
	v := NewOIDCValidatorFromKeySet(context.Background(), srv.URL, issuer, "builder")

	claims, err := v.Validate(context.Background(), sign(jwt.MapClaims{
		"iss": issuer, "sub": "u-9", "aud": "builder", "exp": exp, "email": "u9@example.com",
	}))
	require.NoError(t, err)
	assert.Equal(t, "u-9", claims.Subject)
	assert.Equal(t, "u9@example.com", claims.Email)

	_, err = v.Validate(context.Background(), sign(jwt.MapClaims{"iss": issuer, "sub": "u-9", "aud": "elsewhere", "exp": exp}))
	assert.Error(t, err, "audience mismatch")

	_, err = v.Validate(context.Background(), sign(jwt.MapClaims{"iss": "https://evil.example.com", "sub": "u-9", "aud": "builder", "exp": exp}))
	assert.Error(t, err, "issuer mismatch")
}
