package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUODExists is returned when a UOD path or derived engine name
// collides with an already loaded entry.
var ErrUODExists = errors.New("already loaded")

// UOD is a loaded unit-operation-definition entry. Name is derived from
// the file basename without extension and identifies the engine it backs.
type UOD struct {
	Path    string
	Name    string
	AddedAt string
}

// UODName derives the engine name for a UOD file path.
func UODName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// AddUOD inserts a UOD entry. Both the path and the derived name must be
// unique across the loaded list.
func (s *Store) AddUOD(ctx context.Context, path string) (UOD, error) {
	if s.readOnly {
		return UOD{}, fmt.Errorf("config: add uod: store opened read-only")
	}

	uod := UOD{Path: path, Name: UODName(path)}
	if uod.Name == "" {
		return UOD{}, fmt.Errorf("config: cannot derive engine name from %q", path)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uods (path, name) VALUES (?, ?)`,
		uod.Path, uod.Name,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return UOD{}, fmt.Errorf("config: uod %q %w", uod.Name, ErrUODExists)
		}
		return UOD{}, fmt.Errorf("config: add uod: %w", err)
	}

	return s.GetUOD(ctx, uod.Name)
}

// RemoveUOD deletes the entry with the given engine name.
func (s *Store) RemoveUOD(ctx context.Context, name string) error {
	if s.readOnly {
		return fmt.Errorf("config: remove uod: store opened read-only")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM uods WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("config: remove uod %q: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("config: remove uod %q: %w", name, err)
	}
	if affected == 0 {
		return NotFoundError{Entity: "uod", Key: name}
	}
	return nil
}

// GetUOD returns the entry with the given engine name.
func (s *Store) GetUOD(ctx context.Context, name string) (UOD, error) {
	var uod UOD
	err := s.db.QueryRowContext(ctx,
		`SELECT path, name, added_at FROM uods WHERE name = ?`, name,
	).Scan(&uod.Path, &uod.Name, &uod.AddedAt)
	if err == sql.ErrNoRows {
		return UOD{}, NotFoundError{Entity: "uod", Key: name}
	}
	if err != nil {
		return UOD{}, fmt.Errorf("config: get uod %q: %w", name, err)
	}
	return uod, nil
}

// ListUODs returns all loaded entries ordered by insertion time.
func (s *Store) ListUODs(ctx context.Context) ([]UOD, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, name, added_at FROM uods ORDER BY added_at, name`,
	)
	if err != nil {
		return nil, fmt.Errorf("config: list uods: %w", err)
	}
	defer rows.Close()

	var uods []UOD
	for rows.Next() {
		var uod UOD
		if err := rows.Scan(&uod.Path, &uod.Name, &uod.AddedAt); err != nil {
			return nil, fmt.Errorf("config: scan uod row: %w", err)
		}
		uods = append(uods, uod)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate uod rows: %w", err)
	}

	return uods, nil
}
