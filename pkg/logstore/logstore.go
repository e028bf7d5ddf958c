// Package logstore archives full test logs outside the database. Only
// truncated short logs live in the logs table; the complete output goes
// to a blob backend and is referenced by URL.
package logstore

import (
	"context"
	"fmt"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/sirupsen/logrus"
)

// Store archives and retrieves full log blobs.
type Store interface {
	// Preflight verifies that the backend is reachable and writable.
	Preflight(ctx context.Context) error

	// Put archives a blob under the given key and returns the URL it is
	// retrievable from.
	Put(ctx context.Context, key string, data []byte) (string, error)

	// Get retrieves a previously archived blob.
	Get(ctx context.Context, key string) ([]byte, error)
}

// New creates the configured log store backend.
func New(log logrus.FieldLogger, cfg *config.LogStoreConfig) (Store, error) {
	switch cfg.Backend {
	case "local":
		return NewLocal(log, &cfg.Local)
	case "s3":
		return NewS3(log, &cfg.S3)
	default:
		return nil, fmt.Errorf("unknown log store backend %q", cfg.Backend)
	}
}

// Key builds the canonical blob key for a test log.
func Key(testID uint, logType string) string {
	return fmt.Sprintf("tests/%d/%s.log", testID, logType)
}
