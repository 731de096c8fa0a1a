// Package settings exposes the user-configurable download directory on top of
// the catalog store's settings table.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"romfetch/internal/config"
)

// KeyDownloadDir is the settings row holding the explicit download directory.
const KeyDownloadDir = "download_dir"

// ErrInvalidPath is returned when a download directory cannot be accepted.
var ErrInvalidPath = errors.New("invalid_path")

// Backend is the persistence the service needs. *store.Store satisfies it.
type Backend interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// Service resolves the effective download directory: the stored override
// when set, the default otherwise.
type Service struct {
	backend    Backend
	defaultDir string
}

func New(backend Backend, defaultDir string) *Service {
	return &Service{backend: backend, defaultDir: defaultDir}
}

// Default returns the directory used when no override is stored.
func (s *Service) Default() string { return s.defaultDir }

// DownloadDir returns the effective download directory.
func (s *Service) DownloadDir(ctx context.Context) (string, error) {
	dir, ok, err := s.Override(ctx)
	if err != nil {
		return "", err
	}
	if !ok {
		return s.defaultDir, nil
	}
	return dir, nil
}

// Override returns the stored directory and whether one is set.
func (s *Service) Override(ctx context.Context) (string, bool, error) {
	dir, ok, err := s.backend.GetSetting(ctx, KeyDownloadDir)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", KeyDownloadDir, err)
	}
	if !ok || strings.TrimSpace(dir) == "" {
		return "", false, nil
	}
	return dir, true, nil
}

// SetDownloadDir validates and stores an explicit directory. The stored value
// is absolute with ~ expanded. An existing non-directory is rejected; a
// missing directory is accepted and created on first download.
func (s *Service) SetDownloadDir(ctx context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	abs, err := config.ExpandPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if fi, err := os.Stat(abs); err == nil && !fi.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidPath, abs)
	}
	if err := s.backend.SetSetting(ctx, KeyDownloadDir, abs); err != nil {
		return "", err
	}
	slog.Info("download directory set", "event", "settings_update", "path", abs)
	return abs, nil
}

// ClearDownloadDir removes the override so the default applies again.
func (s *Service) ClearDownloadDir(ctx context.Context) error {
	if err := s.backend.DeleteSetting(ctx, KeyDownloadDir); err != nil {
		return err
	}
	slog.Info("download directory cleared", "event", "settings_update", "default", s.defaultDir)
	return nil
}
