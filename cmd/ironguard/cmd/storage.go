package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/ironguard/internal/config"
	"github.com/jmcleod/ironguard/storage"
	bboltstorage "github.com/jmcleod/ironguard/storage/bbolt"
	"github.com/jmcleod/ironguard/storage/memory"
	"github.com/jmcleod/ironguard/storage/sqlite"
)

const (
	boltFileName   = "ironguard.db"
	sqliteFileName = "ironguard.sqlite"
)

// openRepository opens the configured backend. The returned close function
// releases it. readOnly opens a bbolt file read-only for offline tools; it
// waits up to five seconds for a running server to release the file.
func openRepository(cfg config.StorageConfig, readOnly bool) (storage.Repository, func() error, error) {
	if cfg.Backend == config.BackendMemory {
		return memory.NewRepository(), func() error { return nil }, nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Backend {
	case config.BackendSQLite:
		repo, err := sqlite.NewRepositoryFromFile(filepath.Join(cfg.DataDir, sqliteFileName))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite storage: %w", err)
		}
		return repo, repo.Close, nil
	default:
		opts := &bbolt.Options{Timeout: 5 * time.Second}
		if readOnly {
			opts.ReadOnly = true
		}
		repo, err := bboltstorage.NewRepositoryFromFile(filepath.Join(cfg.DataDir, boltFileName), opts)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return repo, repo.Close, nil
	}
}
