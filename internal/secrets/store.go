// Package secrets is the secure-storage backend shared by every
// process of the host: credential records on disk with owner-only
// permissions, a memguard-sealed in-memory cache, and a change watcher
// that lets concurrently running instances observe each other's writes.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fsnotify/fsnotify"
)

// ErrNotFound is returned when no record exists under a key.
var ErrNotFound = errors.New("secret not found")

// Store keeps one JSON record per key under a single directory. Disk is
// the source of truth (other processes write the same files); the
// in-memory copy is held sealed and only trusted while the file's
// modification time is unchanged.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	sealed  *memguard.Enclave
	modTime time.Time
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		cache:  make(map[string]cacheEntry),
	}, nil
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, key+".json")
}

// Get returns the record under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			delete(s.cache, key)
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("stat secret %s: %w", key, err)
	}

	if entry, ok := s.cache[key]; ok && entry.modTime.Equal(info.ModTime()) {
		return openSealed(entry.sealed)
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		return nil, fmt.Errorf("read secret %s: %w", key, err)
	}

	s.cache[key] = cacheEntry{sealed: seal(data), modTime: info.ModTime()}
	return data, nil
}

// Set writes the record atomically with owner-only permissions.
func (s *Store) Set(key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write secret %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		return fmt.Errorf("store secret %s: %w", key, err)
	}

	info, err := os.Stat(s.path(key))
	if err != nil {
		return fmt.Errorf("stat secret %s: %w", key, err)
	}
	s.cache[key] = cacheEntry{sealed: seal(data), modTime: info.ModTime()}
	return nil
}

// Watch invokes fn with the key of every record written under the
// store directory, by this or any other process, until ctx is
// cancelled.
func (s *Store) Watch(ctx context.Context, fn func(key string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch secrets dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(event.Name)
				if !strings.HasSuffix(name, ".json") {
					continue
				}
				fn(strings.TrimSuffix(name, ".json"))
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("Secrets watcher error", "error", werr)
			}
		}
	}()

	return nil
}

// seal copies data into a locked enclave. memguard wipes its input, so
// the caller's slice must stay intact.
func seal(data []byte) *memguard.Enclave {
	return memguard.NewEnclave(append([]byte(nil), data...))
}

func openSealed(e *memguard.Enclave) ([]byte, error) {
	buf, err := e.Open()
	if err != nil {
		return nil, fmt.Errorf("open sealed secret: %w", err)
	}
	defer buf.Destroy()
	return append([]byte(nil), buf.Bytes()...), nil
}
