package osd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrTokenNotFound is returned by LoadToken when nothing is cached.
var ErrTokenNotFound = errors.New("token not found")

// FileTokenStorage keeps the display credential as JSON under basePath.
type FileTokenStorage struct {
	basePath string
}

// NewFileTokenStorage creates a file-based token storage rooted at basePath.
// The directory is created with owner-only permissions.
func NewFileTokenStorage(basePath string) (*FileTokenStorage, error) {
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credential directory %s: %w", basePath, err)
	}
	return &FileTokenStorage{basePath: basePath}, nil
}

func (s *FileTokenStorage) path(name string) string {
	return filepath.Join(s.basePath, name)
}

// SaveToken atomically replaces the credential file.
func (s *FileTokenStorage) SaveToken(name string, stored *StoredToken) error {
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	target := s.path(name)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write credential: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credential: %w", err)
	}
	return nil
}

// LoadToken reads the credential file. A missing or empty file is ErrTokenNotFound.
func (s *FileTokenStorage) LoadToken(name string) (*StoredToken, error) {
	data, err := os.ReadFile(s.path(name))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, name)
	case err != nil:
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}

	var stored StoredToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to decode credential %s: %w", name, err)
	}
	if stored.Token == nil || stored.Token.AccessToken == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrTokenNotFound, name)
	}
	return &stored, nil
}

// DeleteToken removes the credential file. Removing a missing file is not an error.
func (s *FileTokenStorage) DeleteToken(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}
