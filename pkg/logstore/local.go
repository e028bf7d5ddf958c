package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// localStore archives log blobs under a directory tree.
type localStore struct {
	log logrus.FieldLogger
	cfg *config.LocalLogStoreConfig
}

var _ Store = (*localStore)(nil)

// NewLocal creates a filesystem-backed log store.
func NewLocal(
	log logrus.FieldLogger,
	cfg *config.LocalLogStoreConfig,
) (Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("local log store requires a directory")
	}

	return &localStore{
		log: log.WithField("component", "logstore"),
		cfg: cfg,
	}, nil
}

// Preflight creates the root directory and verifies it is writable.
func (s *localStore) Preflight(_ context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("creating log store directory: %w", err)
	}

	probe := filepath.Join(s.cfg.Dir, ".write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("writing test file to %s: %w", s.cfg.Dir, err)
	}

	return os.Remove(probe)
}

func (s *localStore) Put(
	_ context.Context, key string, data []byte,
) (string, error) {
	path := filepath.Join(s.cfg.Dir, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating log directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing log blob: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"key":  key,
		"size": len(data),
	}).Debug("Archived log blob")

	return "file://" + path, nil
}

func (s *localStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(
		filepath.Join(s.cfg.Dir, filepath.FromSlash(key)),
	)
	if err != nil {
		return nil, fmt.Errorf("reading log blob: %w", err)
	}

	return data, nil
}
