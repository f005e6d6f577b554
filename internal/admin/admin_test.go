package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kme/internal/keypool"
	"kme/pkg/config"
	"kme/pkg/logger"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestConsole(t *testing.T) (*Console, string) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.DefaultCost)
	require.NoError(t, err)

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "kme", AccountName: "operator"})
	require.NoError(t, err)

	cfg := config.AdminConfig{Username: "operator", PasswordHash: string(hash), TOTPSecret: key.Secret()}
	return New(cfg, keypool.New(10), logger.NewNop()), key.Secret()
}

func TestKeyStores_RejectsWithoutCredentials(t *testing.T) {
	c, _ := newTestConsole(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kmapi/internal/key_stores", nil)
	rec := httptest.NewRecorder()
	c.KeyStores(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKeyStores_AcceptsValidCredentials(t *testing.T) {
	c, secret := newTestConsole(t)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kmapi/internal/key_stores", nil)
	req.SetBasicAuth("operator", "hunter2")
	req.Header.Set("X-TOTP-Code", code)

	rec := httptest.NewRecorder()
	c.KeyStores(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestKeyStores_RejectsWrongPassword(t *testing.T) {
	c, secret := newTestConsole(t)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/kmapi/internal/key_stores", nil)
	req.SetBasicAuth("operator", "wrong")
	req.Header.Set("X-TOTP-Code", code)

	rec := httptest.NewRecorder()
	c.KeyStores(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
