package services

import (
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestCreateAPIKey_FormatAndHash(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewAPIKeyService(conn)

	mock.ExpectQuery("INSERT INTO api_keys").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	key, plaintext, err := svc.CreateAPIKey("grafana webhook", "user-admin")
	require.NoError(t, err)

	parts := strings.Split(plaintext, "_")
	require.Len(t, parts, 3)
	assert.Equal(t, "plk", parts[0])
	assert.Equal(t, key.KeyPrefix, parts[1])
	assert.Len(t, parts[1], 8)
	assert.Len(t, parts[2], 32)

	// Only the hash is stored, and it verifies against the plaintext.
	assert.NotContains(t, key.KeyHash, parts[2])
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVerifyAPIKey(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewAPIKeyService(conn)

	plaintext := "plk_deadbeef_0123456789abcdef0123456789abcdef"
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.MinCost)
	require.NoError(t, err)

	lookup := func() {
		mock.ExpectQuery("SELECT id, name, key_hash").
			WithArgs("deadbeef").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "key_hash", "key_prefix",
				"is_active", "last_used_at", "created_at"}).
				AddRow("key-1", "grafana webhook", string(hash), "deadbeef", true, nil, time.Now()))
	}

	lookup()
	mock.ExpectExec("UPDATE api_keys").WithArgs("key-1").WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := svc.VerifyAPIKey(plaintext)
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.ID)

	// Matching prefix, wrong secret.
	lookup()
	_, err = svc.VerifyAPIKey("plk_deadbeef_ffffffffffffffffffffffffffffffff")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid api key")

	// Malformed keys never reach storage.
	_, err = svc.VerifyAPIKey("sk_not_ours_at_all")
	require.Error(t, err)
	_, err = svc.VerifyAPIKey("plk_onlyoneunderscore")
	require.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeAPIKey(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	svc := NewAPIKeyService(conn)

	mock.ExpectExec("UPDATE api_keys").WithArgs("key-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, svc.RevokeAPIKey("key-1"))

	mock.ExpectExec("UPDATE api_keys").WithArgs("key-missing").WillReturnResult(sqlmock.NewResult(0, 0))
	assert.Error(t, svc.RevokeAPIKey("key-missing"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
