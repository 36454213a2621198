package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrichat-go/internal/config"
)

func testAuthConfig() config.AuthConfig {
	return config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: time.Hour}
}

func TestTokenRoundTrip(t *testing.T) {
	cfg := testAuthConfig()
	token, err := GenerateToken("user-farmer-1", "王家农场", "https://cdn.example.com/a.png", cfg)
	require.NoError(t, err)

	claims, err := ValidateToken(token, cfg.JWTSecretKey)
	require.NoError(t, err)
	assert.Equal(t, "user-farmer-1", claims.UserID)
	assert.Equal(t, "王家农场", claims.DisplayName)
	assert.Equal(t, "agrichat-gateway", claims.Issuer)
}

func TestValidateTokenRejectsWrongKey(t *testing.T) {
	token, err := GenerateToken("user-farmer-1", "王家农场", "", testAuthConfig())
	require.NoError(t, err)

	_, err = ValidateToken(token, "another-secret")
	assert.Error(t, err)
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	cfg := config.AuthConfig{JWTSecretKey: "test-secret", JWTExpiry: -time.Minute}
	token, err := GenerateToken("user-farmer-1", "王家农场", "", cfg)
	require.NoError(t, err)

	_, err = ValidateToken(token, cfg.JWTSecretKey)
	assert.Error(t, err)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("password")
	require.NoError(t, err)
	assert.True(t, CheckPasswordHash("password", hash))
	assert.False(t, CheckPasswordHash("wrong", hash))
}

func TestAuthMiddlewarePutsClaimsInContext(t *testing.T) {
	cfg := testAuthConfig()
	token, err := GenerateToken("user-farmer-1", "王家农场", "", cfg)
	require.NoError(t, err)

	var gotUserID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		require.True(t, ok)
		gotUserID = claims.UserID
	})

	req := httptest.NewRequest(http.MethodGet, "/api/conversations/contract-1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	AuthMiddleware(next, cfg).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-farmer-1", gotUserID)
}

func TestAuthMiddlewareRejectsMissingAndMalformedHeader(t *testing.T) {
	cfg := testAuthConfig()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("未认证的请求不应到达处理器")
	})

	for _, header := range []string{"", "Token abc", "Bearer"} {
		req := httptest.NewRequest(http.MethodGet, "/api/conversations/contract-1/messages", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		AuthMiddleware(next, cfg).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "头部 %q 应被拒绝", header)
	}
}
