// Package badger keeps the firehose resume cursor in a Badger database.
package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/skypush/internal/metrics"
	"github.com/nkkko/skypush/internal/storage"
)

// Ensure CursorStore implements storage.CursorStore
var _ storage.CursorStore = (*CursorStore)(nil)

const (
	prefixMeta = "meta:"

	cursorKey = prefixMeta + "firehose_cursor"
)

// Config contains cursor store configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Value log garbage collection interval; zero disables it
	GCInterval time.Duration

	// Discard ratio passed to RunValueLogGC
	GCDiscardRatio float64

	// Whether every write is synced to disk
	SyncWrites bool

	// Open an in-memory database (tests)
	InMemory bool
}

// DefaultConfig returns a default configuration for the cursor store
func DefaultConfig() Config {
	return Config{
		DataDir:        "./data",
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
		SyncWrites:     true,
	}
}

// CursorStore persists the last processed firehose sequence number
type CursorStore struct {
	config Config
	db     *badger.DB
	logger zerolog.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewCursorStore opens the Badger database under config.DataDir
func NewCursorStore(config Config) (*CursorStore, error) {
	logger := log.With().Str("component", "cursor-store").Logger()

	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = DefaultConfig().GCDiscardRatio
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise
	options = options.WithSyncWrites(config.SyncWrites)

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Bool("in_memory", config.InMemory).
		Msg("Cursor store opened")

	return &CursorStore{
		config: config,
		db:     db,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

// Load returns the recorded cursor
func (s *CursorStore) Load() (int64, bool, error) {
	var cursor int64
	found := false

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cursorKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("invalid cursor value length %d", len(val))
			}
			cursor = int64(binary.BigEndian.Uint64(val))
			found = true
			return nil
		})
	})
	if err != nil {
		return 0, false, fmt.Errorf("%w: load cursor: %v", storage.ErrStorage, err)
	}

	return cursor, found, nil
}

// Save records cursor
func (s *CursorStore) Save(cursor int64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(cursor))

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cursorKey), val)
	})
	if err != nil {
		return fmt.Errorf("%w: save cursor: %v", storage.ErrStorage, err)
	}

	metrics.GetMetrics().FirehoseCursor.Set(float64(cursor))
	return nil
}

// Run performs periodic value log garbage collection until ctx is done or
// the store is closed. The cursor key is overwritten constantly, so stale
// versions accumulate in the value log.
func (s *CursorStore) Run(ctx context.Context) {
	if s.config.GCInterval <= 0 || s.config.InMemory {
		return
	}

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
			if err != nil {
				if errors.Is(err, badger.ErrNoRewrite) {
					// No rewrite needed, this is normal
					s.logger.Debug().Msg("No garbage collection needed")
				} else {
					s.logger.Error().Err(err).Msg("Error during garbage collection")
				}
			} else {
				s.logger.Info().Msg("Garbage collection completed")
			}
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

// Close releases the database
func (s *CursorStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.db.Close()
	})
	return err
}
