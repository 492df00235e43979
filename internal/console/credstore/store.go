// Package credstore persists the console's credential bundle and cached
// profile. Every operation is best-effort: storage faults are logged and read
// as "absent", so a broken store only ever costs a re-login.
package credstore

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/teahouse-ops/teaconsole/internal/console/config"
	"github.com/teahouse-ops/teaconsole/internal/console/identity"
)

// Bundle is the token pair returned by a successful authentication. Empty
// fields are treated as "not supplied".
type Bundle struct {
	AccessToken  string
	RefreshToken string
}

// Store is the credential store used by the pipeline and session controller.
type Store struct {
	backend Backend
	logger  *zap.Logger

	accessKey  string
	refreshKey string
	userKey    string
}

// NewStore wraps backend, prefixing every key with namespace.
func NewStore(backend Backend, namespace string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if namespace == "" {
		namespace = "teaconsole"
	}
	return &Store{
		backend:    backend,
		logger:     logger.Named("credstore"),
		accessKey:  namespace + ".access_token",
		refreshKey: namespace + ".refresh_token",
		userKey:    namespace + ".user",
	}
}

// Open builds a Store on the backend named by cfg.Driver.
func Open(cfg config.StorageConfig, logger *zap.Logger) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Driver {
	case config.DriverFile:
		backend, err = NewFileBackend(cfg.Path)
	case config.DriverSQLite:
		backend, err = NewSQLiteBackend(cfg.Path)
	case config.DriverMemory:
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return NewStore(backend, cfg.Namespace, logger), nil
}

// AccessToken returns the stored access token.
func (s *Store) AccessToken() (string, bool) {
	return s.read(s.accessKey)
}

// RefreshToken returns the stored refresh token. Nothing in the console uses
// it to re-authenticate.
func (s *Store) RefreshToken() (string, bool) {
	return s.read(s.refreshKey)
}

// WriteCredentials stores the non-empty fields of b, leaving the others as
// they were.
func (s *Store) WriteCredentials(b Bundle) {
	entries := make(map[string]string, 2)
	if b.AccessToken != "" {
		entries[s.accessKey] = b.AccessToken
	}
	if b.RefreshToken != "" {
		entries[s.refreshKey] = b.RefreshToken
	}
	if len(entries) == 0 {
		return
	}
	if err := s.backend.Put(entries); err != nil {
		s.logger.Warn("failed to persist credentials", zap.Error(err))
	}
}

// CachedIdentity returns the cached profile. Undecodable data reads as absent.
func (s *Store) CachedIdentity() (*identity.User, bool) {
	raw, ok := s.read(s.userKey)
	if !ok {
		return nil, false
	}
	var u identity.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		s.logger.Warn("ignoring malformed cached identity", zap.Error(err))
		return nil, false
	}
	return &u, true
}

// WriteCachedIdentity replaces the cached profile.
func (s *Store) WriteCachedIdentity(u *identity.User) {
	if u == nil {
		return
	}
	b, err := json.Marshal(u)
	if err != nil {
		s.logger.Warn("failed to encode identity", zap.Error(err))
		return
	}
	if err := s.backend.Put(map[string]string{s.userKey: string(b)}); err != nil {
		s.logger.Warn("failed to cache identity", zap.Error(err))
	}
}

// ClearAll removes both tokens and the cached profile in one backend call.
func (s *Store) ClearAll() {
	if err := s.backend.Remove(s.accessKey, s.refreshKey, s.userKey); err != nil {
		s.logger.Warn("failed to clear credentials", zap.Error(err))
	}
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) read(key string) (string, bool) {
	v, ok, err := s.backend.Get(key)
	if err != nil {
		s.logger.Warn("credential read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
