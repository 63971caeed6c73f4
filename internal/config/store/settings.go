package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/openpectus/enginemgr/internal/validate"
)

// AggregatorSettings is the operator-facing aggregator connection record.
// Secret is handled separately (encrypted at rest) and never appears here.
type AggregatorSettings struct {
	Hostname string
	Port     int
	Secure   bool
}

// LoadSettings returns key/value settings. Optional keys limit the
// selection to specific entries.
func (s *Store) LoadSettings(ctx context.Context, keys ...string) (map[string]string, error) {
	query := `SELECT key, value FROM settings`
	args := []any{}

	if len(keys) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(" WHERE key IN (%s)", placeholders)
		for _, key := range keys {
			args = append(args, key)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("config: load settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config: scan settings row: %w", err)
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate settings rows: %w", err)
	}

	return result, nil
}

// SaveSettings upserts the provided key/value pairs.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	if s.readOnly {
		return fmt.Errorf("config: save settings: store opened read-only")
	}
	if len(values) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO settings (key, value, updated_at)
            VALUES (?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(key) DO UPDATE SET
                value = excluded.value,
                updated_at = CURRENT_TIMESTAMP
        `)
		if err != nil {
			return fmt.Errorf("config: prepare save settings: %w", err)
		}
		defer stmt.Close()

		for key, value := range values {
			if _, err := stmt.ExecContext(ctx, key, value); err != nil {
				return fmt.Errorf("config: exec save setting %q: %w", key, err)
			}
		}
		return nil
	})
}

// GetSetting returns a single setting value.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", NotFoundError{Entity: "setting", Key: key}
	}
	if err != nil {
		return "", fmt.Errorf("config: get setting %q: %w", key, err)
	}
	return value, nil
}

// LoadAggregatorSettings returns the typed aggregator connection settings.
func (s *Store) LoadAggregatorSettings(ctx context.Context) (AggregatorSettings, error) {
	values, err := s.LoadSettings(ctx,
		KeyAggregatorHostname, KeyAggregatorPort, KeyAggregatorSecure)
	if err != nil {
		return AggregatorSettings{}, err
	}

	settings := AggregatorSettings{
		Hostname: values[KeyAggregatorHostname],
		Secure:   values[KeyAggregatorSecure] == "true",
	}
	if raw := values[KeyAggregatorPort]; raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return AggregatorSettings{}, fmt.Errorf("config: invalid aggregator port %q: %w", raw, err)
		}
		settings.Port = port
	}

	return settings, nil
}

// SaveAggregatorSettings persists the typed aggregator connection settings.
func (s *Store) SaveAggregatorSettings(ctx context.Context, settings AggregatorSettings) error {
	if err := validate.Hostname(settings.Hostname); err != nil {
		return fmt.Errorf("config: aggregator hostname: %w", err)
	}
	if err := validate.Port(settings.Port); err != nil {
		return fmt.Errorf("config: aggregator port: %w", err)
	}

	return s.SaveSettings(ctx, map[string]string{
		KeyAggregatorHostname: settings.Hostname,
		KeyAggregatorPort:     strconv.Itoa(settings.Port),
		KeyAggregatorSecure:   strconv.FormatBool(settings.Secure),
	})
}

// SetAggregatorSecret stores the aggregator secret encrypted at rest.
// An empty secret clears the stored value.
func (s *Store) SetAggregatorSecret(ctx context.Context, secret string) error {
	if s.readOnly {
		return fmt.Errorf("config: set aggregator secret: store opened read-only")
	}
	if secret == "" {
		return s.SaveSettings(ctx, map[string]string{KeyAggregatorSecret: ""})
	}
	if s.encryptionKey == nil {
		return fmt.Errorf("config: set aggregator secret: no encryption key available")
	}

	enc, err := encryptValue(s.encryptionKey, secret)
	if err != nil {
		return fmt.Errorf("config: encrypt aggregator secret: %w", err)
	}
	return s.SaveSettings(ctx, map[string]string{KeyAggregatorSecret: enc})
}

// GetAggregatorSecret returns the decrypted aggregator secret, or empty
// when none is stored.
func (s *Store) GetAggregatorSecret(ctx context.Context) (string, error) {
	stored, err := s.GetSetting(ctx, KeyAggregatorSecret)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	if stored == "" {
		return "", nil
	}
	if s.encryptionKey == nil {
		return "", fmt.Errorf("config: aggregator secret is set but no encryption key is available")
	}
	return decryptValue(s.encryptionKey, stored)
}

// HasAggregatorSecret reports whether a secret is stored, without
// decrypting it.
func (s *Store) HasAggregatorSecret(ctx context.Context) (bool, error) {
	stored, err := s.GetSetting(ctx, KeyAggregatorSecret)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return stored != "", nil
}
