package services

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/pagerloop/pagerloop/db"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyService issues and verifies the keys that authenticate the public
// alert-ingestion webhook. Only the bcrypt hash is stored; the plaintext is
// shown once at creation.
type APIKeyService struct {
	PG *sql.DB
}

func NewAPIKeyService(pg *sql.DB) *APIKeyService {
	return &APIKeyService{PG: pg}
}

// CreateAPIKey generates a new key. The returned plaintext has the form
// plk_<prefix>_<secret>; the prefix is stored in clear for lookup.
func (s *APIKeyService) CreateAPIKey(name, createdBy string) (*db.APIKey, string, error) {
	prefix, err := randomHex(4)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key prefix: %w", err)
	}
	secret, err := randomHex(16)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key secret: %w", err)
	}

	plaintext := fmt.Sprintf("plk_%s_%s", prefix, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("failed to hash api key: %w", err)
	}

	key := db.APIKey{
		ID:        uuid.New().String(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: prefix,
		IsActive:  true,
		CreatedBy: createdBy,
	}

	err = s.PG.QueryRow(`
		INSERT INTO api_keys (id, name, key_hash, key_prefix, is_active, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING created_at`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.IsActive, nullIfEmpty(key.CreatedBy)).
		Scan(&key.CreatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	return &key, plaintext, nil
}

// VerifyAPIKey checks a presented key and returns its record when valid.
func (s *APIKeyService) VerifyAPIKey(plaintext string) (*db.APIKey, error) {
	parts := strings.Split(plaintext, "_")
	if len(parts) != 3 || parts[0] != "plk" {
		return nil, fmt.Errorf("malformed api key")
	}

	var key db.APIKey
	err := s.PG.QueryRow(`
		SELECT id, name, key_hash, key_prefix, is_active, last_used_at, created_at
		FROM api_keys
		WHERE key_prefix = $1 AND is_active = true`, parts[1]).
		Scan(&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &key.IsActive, &key.LastUsedAt, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("unknown api key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plaintext)) != nil {
		return nil, fmt.Errorf("invalid api key")
	}

	if _, err := s.PG.Exec(`UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, key.ID); err != nil {
		log.Printf("Failed to update last_used_at for api key %s: %v", key.ID, err)
	}

	return &key, nil
}

// RevokeAPIKey soft-deletes a key.
func (s *APIKeyService) RevokeAPIKey(keyID string) error {
	result, err := s.PG.Exec(`UPDATE api_keys SET is_active = false WHERE id = $1`, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("api key not found")
	}
	return nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
