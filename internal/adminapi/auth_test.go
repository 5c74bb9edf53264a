package adminapi

import (
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestCreds(t *testing.T, password string) Credentials {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return Credentials{PasswordHash: string(hash)}
}

func TestCheckPassword(t *testing.T) {
	creds := newTestCreds(t, "correct-horse-battery-staple")
	auth := NewAuthService(creds, time.Hour)

	assert.True(t, auth.CheckPassword("correct-horse-battery-staple"))
	assert.False(t, auth.CheckPassword("wrong-password"))
}

func TestCheckTOTP_DisabledAlwaysPasses(t *testing.T) {
	auth := NewAuthService(Credentials{}, time.Hour)
	assert.True(t, auth.CheckTOTP(""))
	assert.True(t, auth.CheckTOTP("000000"))
}

func TestCheckTOTP_ValidatesAgainstSecret(t *testing.T) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "dcsfleet", AccountName: "operator"})
	require.NoError(t, err)

	auth := NewAuthService(Credentials{TOTPSecret: key.Secret()}, time.Hour)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	require.NoError(t, err)
	assert.True(t, auth.CheckTOTP(code))
	assert.False(t, auth.CheckTOTP("000000"))
}

func TestCreateSession_UniqueIDAndCSRF(t *testing.T) {
	auth := NewAuthService(Credentials{}, time.Hour)

	s1, err := auth.CreateSession()
	require.NoError(t, err)
	s2, err := auth.CreateSession()
	require.NoError(t, err)

	assert.NotEqual(t, s1.ID, s2.ID)
	assert.NotEqual(t, s1.CSRFToken, s2.CSRFToken)
	assert.NotEmpty(t, s1.ID)
	assert.NotEmpty(t, s1.CSRFToken)
}

func TestGet_ReturnsLiveSession(t *testing.T) {
	auth := NewAuthService(Credentials{}, time.Hour)
	s, err := auth.CreateSession()
	require.NoError(t, err)

	got, ok := auth.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, s.ID, got.ID)
}

func TestGet_EvictsExpiredSession(t *testing.T) {
	auth := NewAuthService(Credentials{}, -time.Second)
	s, err := auth.CreateSession()
	require.NoError(t, err)

	_, ok := auth.Get(s.ID)
	assert.False(t, ok, "a session created already-expired should not be returned")

	_, ok = auth.Get(s.ID)
	assert.False(t, ok, "the expired session should have been evicted, not just hidden")
}

func TestGet_UnknownIDReturnsFalse(t *testing.T) {
	auth := NewAuthService(Credentials{}, time.Hour)
	_, ok := auth.Get("does-not-exist")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	auth := NewAuthService(Credentials{}, time.Hour)
	s, err := auth.CreateSession()
	require.NoError(t, err)

	auth.Delete(s.ID)
	_, ok := auth.Get(s.ID)
	assert.False(t, ok)
}

func TestValidateCSRF(t *testing.T) {
	auth := NewAuthService(Credentials{}, time.Hour)
	s, err := auth.CreateSession()
	require.NoError(t, err)

	assert.True(t, auth.ValidateCSRF(s, s.CSRFToken))
	assert.False(t, auth.ValidateCSRF(s, "wrong-token"))
}
