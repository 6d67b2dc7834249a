package auth_test

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/argon2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kenkyu/internal/auth"
)

const testSecret = "test-secret-at-least-16"

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("demo")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"), hash)
	assert.True(t, auth.IsPasswordHash(hash))
	assert.False(t, auth.IsPasswordHash("demo"))

	valid, err := auth.VerifyPassword("demo", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	_, err = auth.VerifyPassword("demo", "no-separator")
	assert.Error(t, err)
	_, err = auth.VerifyPassword("demo", "!!!$???")
	assert.Error(t, err)
	_, err = auth.VerifyPassword("demo", "$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$a2V5")
	assert.Error(t, err, "unsupported version")
	_, err = auth.VerifyPassword("demo", "$argon2id$v=19$m=0,t=1,p=4$c2FsdA$a2V5")
	assert.Error(t, err, "zero memory")
}

func TestVerifyPassword_UsesEncodedParameters(t *testing.T) {
	// Hash of "demo" with cheaper parameters than the defaults.
	hash := cheapHash(t, "demo")
	valid, err := auth.VerifyPassword("demo", hash)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestUsers_AcceptsPreHashedPassword(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)

	users, err := auth.NewUsers("demo", hash)
	require.NoError(t, err)
	assert.True(t, users.Authenticate("demo", "s3cret"))
	assert.False(t, users.Authenticate("demo", hash))

	_, err = auth.NewUsers("demo", "$argon2id$garbage")
	assert.Error(t, err)
}

func TestUsersAuthenticate(t *testing.T) {
	users, err := auth.NewUsers("demo", "demo")
	require.NoError(t, err)

	assert.True(t, users.Authenticate("demo", "demo"))
	assert.False(t, users.Authenticate("demo", "nope"))
	assert.False(t, users.Authenticate("other", "demo"))
	assert.False(t, users.Authenticate("", ""))

	_, err = auth.NewUsers("", "x")
	assert.Error(t, err)
}

func TestNewJWTManager_Validation(t *testing.T) {
	_, err := auth.NewJWTManager("short", time.Hour)
	assert.Error(t, err)
	_, err = auth.NewJWTManager(testSecret, 0)
	assert.Error(t, err)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("demo")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiresAt, 5*time.Second)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "demo", claims.Username())
	assert.Equal(t, auth.Issuer, claims.Issuer)

	_, _, err = mgr.IssueToken("")
	assert.Error(t, err)
}

func TestJWTValidate_Rejects(t *testing.T) {
	mgr, err := auth.NewJWTManager(testSecret, time.Hour)
	require.NoError(t, err)

	sign := func(method jwt.SigningMethod, key any, claims jwt.RegisteredClaims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		require.NoError(t, err)
		return s
	}
	valid := jwt.RegisteredClaims{
		Subject:   "demo",
		Issuer:    auth.Issuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	other, err := auth.NewJWTManager("another-secret-value", time.Hour)
	require.NoError(t, err)
	foreign, _, err := other.IssueToken("demo")
	require.NoError(t, err)

	expired := valid
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	wrongIssuer := valid
	wrongIssuer.Issuer = "someone-else"
	noSubject := valid
	noSubject.Subject = ""
	noExpiry := valid
	noExpiry.ExpiresAt = nil

	cases := map[string]string{
		"other secret":  foreign,
		"expired":       sign(jwt.SigningMethodHS256, []byte(testSecret), expired),
		"wrong issuer":  sign(jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer),
		"no subject":    sign(jwt.SigningMethodHS256, []byte(testSecret), noSubject),
		"no expiry":     sign(jwt.SigningMethodHS256, []byte(testSecret), noExpiry),
		"HS512":         sign(jwt.SigningMethodHS512, []byte(testSecret), valid),
		"unsigned":      sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, valid),
		"garbage":       "not.a.jwt",
		"tampered body": tamper(t, sign(jwt.SigningMethodHS256, []byte(testSecret), valid)),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mgr.ValidateToken(token)
			assert.Error(t, err)
		})
	}
}

func tamper(t *testing.T, token string) string {
	t.Helper()
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	parts[1] = parts[1][:len(parts[1])-2] + "AA"
	return strings.Join(parts, ".")
}

func cheapHash(t *testing.T, password string) string {
	t.Helper()
	salt := []byte("0123456789abcdef")
	key := argon2.IDKey([]byte(password), salt, 2, 1024, 1, 16)
	return fmt.Sprintf("$argon2id$v=%d$m=1024,t=2,p=1$%s$%s", argon2.Version,
		base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(key))
}
