package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize     = 32 // AES-256
	keyFileName = ".secrets.key"
	// encPrefix marks encrypted values in the database.
	// Plaintext values (pre-encryption migration) lack this prefix.
	encPrefix = "enc:v1:"
)

// loadEncryptionKey reads an existing encryption key from keyPath.
// Returns nil, nil if the file doesn't exist (key not yet created).
func loadEncryptionKey(keyPath string) ([]byte, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read encryption key: %w", err)
	}
	if len(data) != keySize {
		return nil, fmt.Errorf("config: encryption key at %s has invalid size %d (expected %d)", keyPath, len(data), keySize)
	}
	return data, nil
}

// createEncryptionKey generates a new 32-byte AES key and writes it to keyPath.
// The key is first written to a temporary file, then atomically linked to the
// final path. os.Link fails with EEXIST if another process already created
// the file, so exactly one key wins and keyPath is never partially written.
func createEncryptionKey(keyPath string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("config: generate encryption key: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(keyPath), ".secrets.key.tmp.*")
	if err != nil {
		return nil, fmt.Errorf("config: create encryption key temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(key); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("config: write encryption key temp: %w", err)
	}
	if err := tmpFile.Chmod(0o600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("config: chmod encryption key temp: %w", err)
	}
	tmpFile.Close()

	if err := os.Link(tmpPath, keyPath); err != nil {
		os.Remove(tmpPath)
		if os.IsExist(err) {
			// Another process won the race, read the key it created.
			return loadEncryptionKey(keyPath)
		}
		return nil, fmt.Errorf("config: link encryption key: %w", err)
	}
	os.Remove(tmpPath)

	return key, nil
}

// encryptionKeyPath returns the path for the encryption key relative to the DB.
func encryptionKeyPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), keyFileName)
}

// hasEncryptedValues reports whether any settings row carries the enc:v1:
// prefix. Used to prevent creating a new encryption key when existing
// encrypted data would become permanently unreadable.
func hasEncryptedValues(ctx context.Context, db *sql.DB) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM settings WHERE value LIKE ?`,
		encPrefix+"%",
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("config: check encrypted values: %w", err)
	}
	return count > 0, nil
}

// migratePlaintextSecrets encrypts any secret rows still stored as
// plaintext. A row whose value carries the enc:v1: prefix but fails to
// decrypt is treated as plaintext that coincidentally starts with the
// prefix and is re-encrypted whole.
func migratePlaintextSecrets(ctx context.Context, db *sql.DB, key []byte) (int, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE key = ? AND value != ''`,
		KeyAggregatorSecret,
	)
	if err != nil {
		return 0, fmt.Errorf("config: select secrets: %w", err)
	}
	defer rows.Close()

	type update struct {
		settingKey string
		enc        string
	}
	var updates []update

	for rows.Next() {
		var settingKey, raw string
		if err := rows.Scan(&settingKey, &raw); err != nil {
			return 0, fmt.Errorf("config: scan secret row: %w", err)
		}
		if strings.HasPrefix(raw, encPrefix) {
			if _, err := decryptValue(key, raw); err == nil {
				continue
			}
		}
		enc, err := encryptValue(key, raw)
		if err != nil {
			return 0, fmt.Errorf("config: encrypt secret %q: %w", settingKey, err)
		}
		updates = append(updates, update{settingKey: settingKey, enc: enc})
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("config: iterate secret rows: %w", err)
	}

	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("config: begin migration tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`UPDATE settings SET value = ?, updated_at = CURRENT_TIMESTAMP WHERE key = ?`,
	)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("config: prepare migration update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.enc, u.settingKey); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("config: update secret %q during migration: %w", u.settingKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("config: commit migration tx: %w", err)
	}

	return len(updates), nil
}

// encryptValue encrypts plaintext using AES-256-GCM and returns a prefixed base64 string.
func encryptValue(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decryptValue decrypts an encrypted value. The value must have the enc:v1:
// prefix; values without it are rejected as invalid (plaintext values should
// have been migrated during Open).
func decryptValue(key []byte, stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return "", fmt.Errorf("config: value is not encrypted (missing %s prefix)", encPrefix)
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("config: decode encrypted value: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("config: encrypted value too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("config: decrypt value: %w", err)
	}

	return string(plaintext), nil
}
