package ws

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, secret string, claims GatewayClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestParseTokenRoundTrip(t *testing.T) {
	tok := signedToken(t, "top-secret", GatewayClaims{
		Tenant: "acme",
		Device: "phone",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	claims, err := parseToken(tok, "top-secret")
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "phone", claims.Device)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	tok := signedToken(t, "top-secret", GatewayClaims{
		Tenant:           "acme",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	})
	_, err := parseToken(tok, "other-secret")
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	tok := signedToken(t, "top-secret", GatewayClaims{
		Tenant: "acme",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	_, err := parseToken(tok, "top-secret")
	assert.Error(t, err)
}

func TestParseTokenRequiresTenantAndSubject(t *testing.T) {
	tok := signedToken(t, "top-secret", GatewayClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"},
	})
	_, err := parseToken(tok, "top-secret")
	assert.Error(t, err)
}

func TestBearerTokenSources(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer abc")
	assert.Equal(t, "abc", bearerToken(r))

	r = httptest.NewRequest("GET", "/ws?token=xyz", nil)
	assert.Equal(t, "xyz", bearerToken(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Empty(t, bearerToken(r))
}
