package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, key string, claims Claims) string {
	t.Helper()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte(key))
	require.NoError(t, err)

	return signed
}

func TestVerifyPayloadEmptyIsUnauthenticated(t *testing.T) {
	v := NewVerifier(Config{})

	rec, err := v.VerifyPayload(nil)
	require.NoError(t, err)
	assert.False(t, rec.Authenticated)
}

func TestVerifyPayloadMalformedJSON(t *testing.T) {
	v := NewVerifier(Config{})

	_, err := v.VerifyPayload([]byte("{not json"))
	require.Error(t, err)

	var malformed *MalformedPayloadError
	assert.ErrorAs(t, err, &malformed)
}

func TestVerifyPayloadValidJWT(t *testing.T) {
	v := NewVerifier(Config{JWTSigningKey: "secret"})

	token := signedToken(t, "secret", Claims{
		UserID:     "user-1",
		Workspaces: []string{"ws-a", "ws-b"},
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	rec, err := v.VerifyPayload([]byte(`{"jwtToken":"` + token + `","workspaceId":"ws-b"}`))
	require.NoError(t, err)
	assert.True(t, rec.Authenticated)
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "ws-b", rec.WorkspaceID)
}

func TestVerifyPayloadJWTWrongWorkspaceFallsThrough(t *testing.T) {
	v := NewVerifier(Config{JWTSigningKey: "secret", LegacyAuthToken: "legacy-token"})

	token := signedToken(t, "secret", Claims{
		UserID:     "user-1",
		Workspaces: []string{"ws-a"},
	})

	rec, err := v.VerifyPayload([]byte(`{"jwtToken":"` + token + `","workspaceId":"ws-z","authToken":"legacy-token"}`))
	require.NoError(t, err)
	assert.True(t, rec.Authenticated)
	assert.Equal(t, "anonymous", rec.UserID)
}

func TestVerifyPayloadInvalidLegacyTokenIsRejected(t *testing.T) {
	v := NewVerifier(Config{LegacyAuthToken: "legacy-token"})

	_, err := v.VerifyPayload([]byte(`{"authToken":"wrong"}`))
	require.Error(t, err)

	var rejected *RejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestVerifyPayloadValidAdminSecret(t *testing.T) {
	v := NewVerifier(Config{AdminSecret: "super-secret"})

	rec, err := v.VerifyPayload([]byte(`{"adminSecret":"super-secret"}`))
	require.NoError(t, err)
	assert.True(t, rec.IsAdmin)
	assert.True(t, rec.Authenticated)
}

func TestVerifyPayloadInvalidAdminSecretIsRejected(t *testing.T) {
	v := NewVerifier(Config{AdminSecret: "super-secret"})

	_, err := v.VerifyPayload([]byte(`{"adminSecret":"wrong"}`))
	require.Error(t, err)

	var rejected *RejectedError
	assert.ErrorAs(t, err, &rejected)
}

func TestHasWorkspace(t *testing.T) {
	rec := AuthRecord{Workspaces: []string{"a", "b"}}
	assert.True(t, rec.HasWorkspace("a"))
	assert.False(t, rec.HasWorkspace("z"))
}
