package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "direct NotFoundError",
			err:  NotFoundError{Entity: "test", Key: "k"},
			want: true,
		},
		{
			name: "wrapped NotFoundError",
			err:  fmt.Errorf("outer: %w", NotFoundError{Entity: "test"}),
			want: true,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
		{
			name: "other error type",
			err:  errors.New("something"),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNotFoundErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  NotFoundError
		want string
	}{
		{
			name: "with key",
			err:  NotFoundError{Entity: "uod", Key: "demo"},
			want: "uod demo not found",
		},
		{
			name: "without key",
			err:  NotFoundError{Entity: "setting"},
			want: "setting not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOpenSeedsDefaults(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "config.db")

	s, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	settings, err := s.LoadAggregatorSettings(context.Background())
	if err != nil {
		t.Fatalf("load aggregator settings: %v", err)
	}

	if settings.Hostname != "openpectus.com" {
		t.Errorf("default hostname = %q, want openpectus.com", settings.Hostname)
	}
	if settings.Port != 443 {
		t.Errorf("default port = %d, want 443", settings.Port)
	}
	if !settings.Secure {
		t.Error("default secure flag should be true")
	}
}

func TestOpenHonorsCallerContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dbPath := filepath.Join(t.TempDir(), "config.db")
	s, err := Open(ctx, Options{DBPath: dbPath})
	if err == nil {
		s.Close()
		t.Fatal("Open succeeded with a cancelled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Open error = %v, want context.Canceled", err)
	}
}

func TestOpenDoesNotOverwriteExistingSettings(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "config.db")
	ctx := context.Background()

	store1, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store1.SaveAggregatorSettings(ctx, AggregatorSettings{
		Hostname: "lab.example.org",
		Port:     8080,
		Secure:   false,
	}); err != nil {
		t.Fatalf("save aggregator settings: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close store before reopen: %v", err)
	}

	store2, err := Open(context.Background(), Options{DBPath: dbPath})
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	t.Cleanup(func() { store2.Close() })

	settings, err := store2.LoadAggregatorSettings(ctx)
	if err != nil {
		t.Fatalf("load aggregator settings: %v", err)
	}
	if settings.Hostname != "lab.example.org" || settings.Port != 8080 || settings.Secure {
		t.Errorf("settings changed across reopen: %+v", settings)
	}
}
