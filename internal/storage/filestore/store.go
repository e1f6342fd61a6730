// Package filestore implements the subscription store on top of a single JSON
// snapshot file that is rewritten atomically after every mutation.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nkkko/skypush/internal/domain"
	"github.com/nkkko/skypush/internal/identity"
	"github.com/nkkko/skypush/internal/logging"
	"github.com/nkkko/skypush/internal/metrics"
	"github.com/nkkko/skypush/internal/storage"
)

// Ensure Store implements storage.SubscriptionStore
var _ storage.SubscriptionStore = (*Store)(nil)

const snapshotVersion = 1

// Config contains file store configuration
type Config struct {
	// Path of the snapshot file
	Path string

	// FileMode used for the snapshot file
	FileMode os.FileMode
}

// DefaultConfig returns a default configuration for the file store
func DefaultConfig() Config {
	return Config{
		Path:     "./data/subscriptions.json",
		FileMode: 0o600,
	}
}

// fileFormat is the on-disk representation
type fileFormat struct {
	Version       int                   `json:"version"`
	UpdatedAt     time.Time             `json:"updated_at"`
	Subscriptions []domain.Subscription `json:"subscriptions"`
}

// state is an immutable view of the store. A new state is published after
// every mutation; readers load it without locking.
type state struct {
	subs   map[string][]string
	tokens int
}

// Store is a crash-safe identity -> tokens mapping
type Store struct {
	config Config
	logger zerolog.Logger

	// mu serializes writers; owners is only touched while holding it
	mu     sync.Mutex
	owners map[string]string

	current atomic.Pointer[state]
	metrics *metrics.Metrics

	// writeFile is replaced in tests to simulate I/O failures
	writeFile func(path string, data []byte, mode os.FileMode) error
}

// New creates a store for the snapshot at config.Path. Load must be called
// before the store is used.
func New(config Config) (*Store, error) {
	if strings.TrimSpace(config.Path) == "" {
		return nil, fmt.Errorf("%w: store path is required", storage.ErrStorage)
	}
	if config.FileMode == 0 {
		config.FileMode = DefaultConfig().FileMode
	}

	s := &Store{
		config:    config,
		logger:    log.With().Str("component", "subscription-store").Logger(),
		owners:    make(map[string]string),
		metrics:   metrics.GetMetrics(),
		writeFile: writeFileAtomic,
	}
	s.current.Store(&state{subs: map[string][]string{}})

	return s, nil
}

// Load reads the snapshot file. A missing file yields an empty store. A file
// that cannot be parsed is moved aside and the store starts empty. Any other
// read failure is returned.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Info().Str("path", s.config.Path).Msg("No subscription snapshot found, starting empty")
		s.publish(map[string][]string{})
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", storage.ErrStorage, s.config.Path, err)
	}

	var file fileFormat
	if err := json.Unmarshal(data, &file); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.config.Path, time.Now().Unix())
		if renameErr := os.Rename(s.config.Path, aside); renameErr != nil {
			s.logger.Error().Err(renameErr).Str("path", s.config.Path).Msg("Failed to move corrupt snapshot aside")
		}
		s.logger.Warn().Err(err).
			Str("path", s.config.Path).
			Str("moved_to", aside).
			Msg("Subscription snapshot is corrupt, starting with an empty store")
		s.publish(map[string][]string{})
		return nil
	}

	subs := make(map[string][]string, len(file.Subscriptions))
	owners := make(map[string]string)
	skipped := 0

	for _, sub := range file.Subscriptions {
		did, ok := identity.Normalize(sub.Identity)
		if !ok {
			skipped++
			continue
		}
		for _, token := range sub.Tokens {
			token = strings.TrimSpace(token)
			if token == "" {
				skipped++
				continue
			}
			// The first holder wins if the file violates token uniqueness
			if _, taken := owners[token]; taken {
				skipped++
				continue
			}
			owners[token] = did
			subs[did] = append(subs[did], token)
		}
	}

	s.owners = owners
	s.publish(subs)

	st := s.current.Load()
	s.logger.Info().
		Str("path", s.config.Path).
		Int("identities", len(st.subs)).
		Int("tokens", st.tokens).
		Int("skipped", skipped).
		Msg("Loaded subscription snapshot")

	return nil
}

// Register adds token to identity, first removing it from whichever identity
// previously held it.
func (s *Store) Register(ctx context.Context, did, token string) (domain.Subscription, bool, error) {
	start := time.Now()
	defer func() {
		s.metrics.StorageOperationDuration.WithLabelValues("register").Observe(time.Since(start).Seconds())
	}()

	did, token, err := validatePair(did, token)
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("register", "false").Inc()
		return domain.Subscription{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()

	previous, held := s.owners[token]
	if held && previous == did {
		s.metrics.StorageOperations.WithLabelValues("register", "true").Inc()
		return domain.Subscription{Identity: did, Tokens: cloneTokens(cur.subs[did])}, false, nil
	}

	next := cloneMap(cur.subs)
	if held {
		removeToken(next, previous, token)
		s.logger.Info().
			Str("token", logging.Redact(token)).
			Str("from", previous).
			Str("to", did).
			Msg("Push token moved to a new identity")
	}

	tokens := make([]string, 0, len(next[did])+1)
	tokens = append(tokens, next[did]...)
	next[did] = append(tokens, token)
	s.owners[token] = did

	s.publish(next)
	s.persist(ctx, "register")

	s.metrics.StorageOperations.WithLabelValues("register", "true").Inc()
	return domain.Subscription{Identity: did, Tokens: cloneTokens(next[did])}, true, nil
}

// Unregister removes token from identity, pruning the identity when its
// token set empties.
func (s *Store) Unregister(ctx context.Context, did, token string) error {
	start := time.Now()
	defer func() {
		s.metrics.StorageOperationDuration.WithLabelValues("unregister").Observe(time.Since(start).Seconds())
	}()

	did, token, err := validatePair(did, token)
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("unregister", "false").Inc()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if owner, ok := s.owners[token]; !ok || owner != did {
		s.metrics.StorageOperations.WithLabelValues("unregister", "false").Inc()
		return storage.ErrNotFound
	}

	next := cloneMap(s.current.Load().subs)
	removeToken(next, did, token)
	delete(s.owners, token)

	s.publish(next)
	s.persist(ctx, "unregister")

	s.metrics.StorageOperations.WithLabelValues("unregister", "true").Inc()
	return nil
}

// Has reports whether token is registered under identity
func (s *Store) Has(did, token string) bool {
	did, ok := identity.Normalize(did)
	if !ok {
		return false
	}
	for _, t := range s.current.Load().subs[did] {
		if t == token {
			return true
		}
	}
	return false
}

// Tokens returns a copy of the tokens registered for identity
func (s *Store) Tokens(did string) []string {
	did, ok := identity.Normalize(did)
	if !ok {
		return nil
	}
	return cloneTokens(s.current.Load().subs[did])
}

// List returns every subscription ordered by identity
func (s *Store) List() []domain.Subscription {
	return toList(s.current.Load().subs)
}

// Save writes the current state to disk
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Close flushes the current state
func (s *Store) Close() error {
	return s.Save()
}

// persist saves after a mutation. A failed save is retried once and then
// logged; the in-memory state stays authoritative until the next successful save.
func (s *Store) persist(ctx context.Context, op string) {
	err := s.save()
	if err == nil {
		return
	}

	s.logger.Warn().Err(err).Str("operation", op).Msg("Snapshot save failed, retrying")
	if ctx.Err() == nil {
		err = s.save()
	}
	if err != nil {
		s.metrics.StorageOperations.WithLabelValues("save", "false").Inc()
		s.logger.Error().Err(err).
			Str("operation", op).
			Str("path", s.config.Path).
			Msg("Snapshot save failed twice, the last mutation may not survive a restart")
	}
}

// save must be called with mu held
func (s *Store) save() error {
	start := time.Now()
	defer func() {
		s.metrics.StorageOperationDuration.WithLabelValues("save").Observe(time.Since(start).Seconds())
	}()

	file := fileFormat{
		Version:       snapshotVersion,
		UpdatedAt:     time.Now().UTC(),
		Subscriptions: toList(s.current.Load().subs),
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", storage.ErrStorage, err)
	}

	if err := s.writeFile(s.config.Path, data, s.config.FileMode); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorage, err)
	}

	s.metrics.StorageOperations.WithLabelValues("save", "true").Inc()
	return nil
}

// publish swaps in a new immutable state; must be called with mu held
func (s *Store) publish(subs map[string][]string) {
	n := 0
	for _, tokens := range subs {
		n += len(tokens)
	}
	s.current.Store(&state{subs: subs, tokens: n})
	s.metrics.SubscriptionsTotal.Set(float64(len(subs)))
	s.metrics.TokensTotal.Set(float64(n))
}

func validatePair(did, token string) (string, string, error) {
	normalized, ok := identity.Normalize(did)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", storage.ErrInvalidIdentity, did)
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", storage.ErrEmptyToken
	}
	return normalized, token, nil
}

// removeToken drops token from did in m, pruning the identity if it empties.
// The slice held by m is replaced, never modified in place.
func removeToken(m map[string][]string, did, token string) {
	tokens := m[did]
	kept := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(m, did)
		return
	}
	m[did] = kept
}

func cloneMap(m map[string][]string) map[string][]string {
	out := make(map[string][]string, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	out := make([]string, len(tokens))
	copy(out, tokens)
	return out
}

func toList(m map[string][]string) []domain.Subscription {
	out := make([]domain.Subscription, 0, len(m))
	for did, tokens := range m {
		out = append(out, domain.Subscription{Identity: did, Tokens: cloneTokens(tokens)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename snapshot: %w", err)
	}

	// Persist the rename itself; not every platform supports syncing a directory
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	return nil
}
