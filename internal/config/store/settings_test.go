package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAggregatorSettingsValidation(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		settings AggregatorSettings
	}{
		{
			name:     "empty hostname",
			settings: AggregatorSettings{Hostname: "", Port: 443, Secure: true},
		},
		{
			name:     "zero port",
			settings: AggregatorSettings{Hostname: "openpectus.com", Port: 0},
		},
		{
			name:     "port out of range",
			settings: AggregatorSettings{Hostname: "openpectus.com", Port: 70000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.SaveAggregatorSettings(ctx, tt.settings); err == nil {
				t.Errorf("expected validation error for %+v", tt.settings)
			}
		})
	}
}

func TestAggregatorSecretRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	hasSecret, err := s.HasAggregatorSecret(ctx)
	if err != nil {
		t.Fatalf("has secret: %v", err)
	}
	if hasSecret {
		t.Fatal("fresh store should have no secret")
	}

	if err := s.SetAggregatorSecret(ctx, "s3cr3t-value"); err != nil {
		t.Fatalf("set secret: %v", err)
	}

	got, err := s.GetAggregatorSecret(ctx)
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got != "s3cr3t-value" {
		t.Errorf("secret = %q, want s3cr3t-value", got)
	}

	// The raw stored value must be ciphertext, never the plaintext.
	raw, err := s.GetSetting(ctx, KeyAggregatorSecret)
	if err != nil {
		t.Fatalf("get raw setting: %v", err)
	}
	if !strings.HasPrefix(raw, encPrefix) {
		t.Errorf("stored secret missing %s prefix: %q", encPrefix, raw)
	}
	if strings.Contains(raw, "s3cr3t-value") {
		t.Error("stored secret contains plaintext")
	}

	if err := s.SetAggregatorSecret(ctx, ""); err != nil {
		t.Fatalf("clear secret: %v", err)
	}
	hasSecret, err = s.HasAggregatorSecret(ctx)
	if err != nil {
		t.Fatalf("has secret after clear: %v", err)
	}
	if hasSecret {
		t.Error("secret should be cleared")
	}
}

func TestAggregatorSecretPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "config.db")
	ctx := context.Background()

	store1, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store1.SetAggregatorSecret(ctx, "persisted"); err != nil {
		t.Fatalf("set secret: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store2.Close() })

	got, err := store2.GetAggregatorSecret(ctx)
	if err != nil {
		t.Fatalf("get secret after reopen: %v", err)
	}
	if got != "persisted" {
		t.Errorf("secret after reopen = %q, want persisted", got)
	}
}

func TestPlaintextSecretMigratedOnOpen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "config.db")
	ctx := context.Background()

	store1, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	// Simulate a database written before encryption was introduced.
	if err := store1.SaveSettings(ctx, map[string]string{KeyAggregatorSecret: "legacy-plain"}); err != nil {
		t.Fatalf("save plaintext secret: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	store2, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store2.Close() })

	raw, err := store2.GetSetting(ctx, KeyAggregatorSecret)
	if err != nil {
		t.Fatalf("get raw setting: %v", err)
	}
	if !strings.HasPrefix(raw, encPrefix) {
		t.Errorf("plaintext secret was not migrated: %q", raw)
	}

	got, err := store2.GetAggregatorSecret(ctx)
	if err != nil {
		t.Fatalf("get secret: %v", err)
	}
	if got != "legacy-plain" {
		t.Errorf("migrated secret = %q, want legacy-plain", got)
	}
}

func TestLoadSettingsFiltersByKey(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	values, err := s.LoadSettings(ctx, KeyAggregatorHostname)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if len(values) != 1 {
		t.Fatalf("expected 1 value, got %d: %v", len(values), values)
	}
	if values[KeyAggregatorHostname] != "openpectus.com" {
		t.Errorf("hostname = %q", values[KeyAggregatorHostname])
	}
}
