package credstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teahouse-ops/teaconsole/internal/console/config"
	"github.com/teahouse-ops/teaconsole/internal/console/identity"
	"github.com/teahouse-ops/teaconsole/internal/console/permission"
)

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileBackend(filepath.Join(dir, "nested", "credentials.json"))
	if err != nil {
		t.Fatalf("file backend: %v", err)
	}
	db, err := NewSQLiteBackend(filepath.Join(dir, "credentials.db"))
	if err != nil {
		t.Fatalf("sqlite backend: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   file,
		"sqlite": db,
	}
}

func TestRoundTrip(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(backend, "test", nil)

			s.WriteCredentials(Bundle{AccessToken: "A", RefreshToken: "R"})
			if got, ok := s.AccessToken(); !ok || got != "A" {
				t.Fatalf("access token: got=%q ok=%v", got, ok)
			}
			if got, ok := s.RefreshToken(); !ok || got != "R" {
				t.Fatalf("refresh token: got=%q ok=%v", got, ok)
			}

			s.ClearAll()
			if _, ok := s.AccessToken(); ok {
				t.Fatal("access token should be absent after ClearAll")
			}
			if _, ok := s.RefreshToken(); ok {
				t.Fatal("refresh token should be absent after ClearAll")
			}
		})
	}
}

func TestPartialWriteKeepsRefreshToken(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(backend, "test", nil)
			s.WriteCredentials(Bundle{AccessToken: "A1", RefreshToken: "R1"})
			s.WriteCredentials(Bundle{AccessToken: "A2"})

			if got, _ := s.AccessToken(); got != "A2" {
				t.Fatalf("expected A2, got %q", got)
			}
			if got, _ := s.RefreshToken(); got != "R1" {
				t.Fatalf("refresh token should be untouched, got %q", got)
			}
		})
	}
}

func TestCachedIdentity(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := NewStore(backend, "test", nil)
			if _, ok := s.CachedIdentity(); ok {
				t.Fatal("expected no cached identity")
			}

			s.WriteCachedIdentity(&identity.User{
				ID:          "u1",
				Role:        permission.RoleStaff,
				Type:        permission.TypeStaff,
				Permissions: []permission.Capability{permission.ManageOrders},
			})
			u, ok := s.CachedIdentity()
			if !ok || u.ID != "u1" || !u.Can(permission.ManageOrders) {
				t.Fatalf("unexpected cached identity: %+v ok=%v", u, ok)
			}

			s.ClearAll()
			if _, ok := s.CachedIdentity(); ok {
				t.Fatal("cached identity should be cleared with the tokens")
			}
		})
	}
}

func TestMalformedIdentityReadsAbsent(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	backend := NewMemoryBackend()
	backend.Put(map[string]string{"test.user": "{not json"})

	s := NewStore(backend, "test", zap.New(core))
	if u, ok := s.CachedIdentity(); ok || u != nil {
		t.Fatalf("malformed data should read as absent, got %+v", u)
	}
	if logs.FilterMessage("ignoring malformed cached identity").Len() != 1 {
		t.Fatalf("expected a warning, got %v", logs.All())
	}
}

func TestNamespacesAreIsolated(t *testing.T) {
	backend := NewMemoryBackend()
	a := NewStore(backend, "a", nil)
	b := NewStore(backend, "b", nil)

	a.WriteCredentials(Bundle{AccessToken: "A"})
	if _, ok := b.AccessToken(); ok {
		t.Fatal("namespace b should not see namespace a")
	}
	b.ClearAll()
	if _, ok := a.AccessToken(); !ok {
		t.Fatal("clearing b must not touch a")
	}
}

type brokenBackend struct{}

var errDisk = errors.New("disk full")

func (b *brokenBackend) Get(key string) (string, bool, error) { return "", false, errDisk }
func (b *brokenBackend) Put(map[string]string) error          { return errDisk }
func (b *brokenBackend) Remove(...string) error               { return errDisk }
func (b *brokenBackend) Close() error                         { return nil }

func TestStorageFaultsAreSwallowed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	s := NewStore(&brokenBackend{}, "test", zap.New(core))

	s.WriteCredentials(Bundle{AccessToken: "A", RefreshToken: "R"})
	s.WriteCachedIdentity(&identity.User{ID: "u1"})
	s.ClearAll()

	if _, ok := s.AccessToken(); ok {
		t.Fatal("faulty backend should read as absent")
	}
	if _, ok := s.CachedIdentity(); ok {
		t.Fatal("faulty backend should read as absent")
	}
	if logs.Len() < 4 {
		t.Fatalf("expected every fault to be logged, got %d entries", logs.Len())
	}
}

func TestFileBackendPermissionsAndCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(backend, "test", nil)
	s.WriteCredentials(Bundle{AccessToken: "A"})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	s.ClearAll()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty store should remove its file, stat err=%v", err)
	}
	// clearing twice is harmless
	s.ClearAll()
}

func TestFileBackendRecoversFromCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	os.WriteFile(path, []byte("garbage"), 0o600)

	backend, err := NewFileBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(backend, "test", nil)
	if _, ok := s.AccessToken(); ok {
		t.Fatal("corrupt file should read as absent")
	}
	s.WriteCredentials(Bundle{AccessToken: "A"})
	if got, ok := s.AccessToken(); !ok || got != "A" {
		t.Fatalf("write after corruption should succeed, got %q", got)
	}
}

func TestSQLiteBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	first, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	NewStore(first, "test", nil).WriteCredentials(Bundle{AccessToken: "A", RefreshToken: "R"})
	first.Close()

	second, err := NewSQLiteBackend(path)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	if got, _ := NewStore(second, "test", nil).RefreshToken(); got != "R" {
		t.Fatalf("expected R after reopen, got %q", got)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, driver := range []string{config.DriverFile, config.DriverSQLite, config.DriverMemory} {
		s, err := Open(config.StorageConfig{
			Driver:    driver,
			Path:      filepath.Join(dir, driver+".store"),
			Namespace: "ns",
		}, zap.NewNop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		s.WriteCredentials(Bundle{AccessToken: "A"})
		if _, ok := s.AccessToken(); !ok {
			t.Fatalf("%s: expected token", driver)
		}
		s.Close()
	}

	if _, err := Open(config.StorageConfig{Driver: "redis"}, nil); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
}
