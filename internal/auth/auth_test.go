// ABOUTME: Tests for identity propagation, JWT verification and middleware
// ABOUTME: Covers header extraction and admin route guarding

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityContextRoundTrip(t *testing.T) {
	id := &Identity{APIKey: "sk-123", UserID: "u1"}
	ctx := WithIdentity(context.Background(), id)
	assert.Equal(t, id, FromContext(ctx))
	assert.Nil(t, FromContext(context.Background()))
}

func TestAPIKeyPrefix(t *testing.T) {
	assert.Equal(t, "", (&Identity{}).APIKeyPrefix())
	assert.Equal(t, "short", (&Identity{APIKey: "short"}).APIKeyPrefix())
	assert.Equal(t, "sk-12345", (&Identity{APIKey: "sk-1234567890"}).APIKeyPrefix())
	var nilID *Identity
	assert.Equal(t, "", nilID.APIKeyPrefix())
}

func TestMiddleware_ExtractsIdentity(t *testing.T) {
	var captured *Identity
	handler := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-Key", "sk-abc")
	req.Header.Set("X-User-Id", "u1")
	req.Header.Set("X-User-Email", "u@example.com")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, captured)
	assert.Equal(t, "sk-abc", captured.APIKey)
	assert.Equal(t, "u1", captured.UserID)
	assert.Equal(t, "u@example.com", captured.UserEmail)
	assert.NotEmpty(t, captured.RequestID)
}

func TestMiddleware_BearerFallback(t *testing.T) {
	var captured *Identity
	handler := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		captured = FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer sk-bearer")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, captured)
	assert.Equal(t, "sk-bearer", captured.APIKey)
}

func TestJWTVerifier_RoundTrip(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("admin", time.Minute)
	require.NoError(t, err)

	sub, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", sub)
}

func TestJWTVerifier_Expired(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))

	token, err := v.Generate("admin", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	token, err := NewJWTVerifier([]byte("secret-a")).Generate("admin", time.Minute)
	require.NoError(t, err)

	_, err = NewJWTVerifier([]byte("secret-b")).Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireToken(t *testing.T) {
	v := NewJWTVerifier([]byte("test-secret"))
	handler := RequireToken(v)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// No token.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bad token.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/register", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token.
	token, err := v.Generate("admin", time.Minute)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/register", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireToken_NilVerifierPassesThrough(t *testing.T) {
	handler := RequireToken(nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
