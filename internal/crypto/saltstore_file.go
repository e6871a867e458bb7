package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSaltStore persists salts to a single JSON file, guarded by an
// advisory cross-process file lock (saltlock_unix.go / saltlock_windows.go
// — adapted from the teacher's internal/lockfile/lock.go daemon-lock
// probe). A fsnotify watch detects external rewrites of the file (e.g. a
// sibling process rotating a salt) and invalidates the in-memory cache, the
// same "external modification" pattern the teacher's
// internal/storage/sqlite/freshness.go uses for its database file.
type FileSaltStore struct {
	path string

	mu     sync.RWMutex
	cached map[string]string // keyID -> base64(salt)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type fileSaltPayload = map[string]string

// NewFileSaltStore opens (creating if necessary) the salt file at path and
// starts watching it for external modification.
func NewFileSaltStore(path string) (*FileSaltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("crypto: create salt store directory: %w", err)
	}

	s := &FileSaltStore{path: path, cached: make(map[string]string), done: make(chan struct{})}
	if err := s.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// A missing inotify/kqueue backend (e.g. some sandboxes) should
		// not be fatal to opening the salt store. Without a watcher the
		// store keeps serving the cache loaded above; later external
		// rewrites of the file are not picked up.
		return s, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err == nil {
		s.watcher = watcher
		go s.watchLoop()
	} else {
		_ = watcher.Close()
	}

	return s, nil
}

func (s *FileSaltStore) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == filepath.Clean(s.path) {
				_ = s.reload()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Close stops the filesystem watcher.
func (s *FileSaltStore) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *FileSaltStore) reload() error {
	unlock, err := lockFileShared(s.path)
	if err != nil {
		return err
	}
	defer unlock()

	// #nosec G304 - path is operator-controlled configuration, not user input
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var payload fileSaltPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("crypto: parse salt file: %w", err)
		}
	}

	s.mu.Lock()
	s.cached = payload
	if s.cached == nil {
		s.cached = make(map[string]string)
	}
	s.mu.Unlock()
	return nil
}

func (s *FileSaltStore) persist() error {
	s.mu.RLock()
	payload := make(fileSaltPayload, len(s.cached))
	for k, v := range s.cached {
		payload[k] = v
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}

	unlock, err := lockFileExclusive(s.path)
	if err != nil {
		return err
	}
	defer unlock()

	// #nosec G306 - salt material, owner-read-write only
	return os.WriteFile(s.path, data, 0o600)
}

func (s *FileSaltStore) GetSalt(_ context.Context, keyID string) ([]byte, bool, error) {
	s.mu.RLock()
	v, ok := s.cached[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	salt, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, false, fmt.Errorf("crypto: decode stored salt: %w", err)
	}
	return salt, true, nil
}

func (s *FileSaltStore) StoreSalt(_ context.Context, keyID string, salt []byte) error {
	s.mu.Lock()
	s.cached[keyID] = base64.StdEncoding.EncodeToString(salt)
	s.mu.Unlock()
	return s.persist()
}

func (s *FileSaltStore) HasSalt(_ context.Context, keyID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cached[keyID]
	return ok, nil
}

func (s *FileSaltStore) DeleteSalt(_ context.Context, keyID string) error {
	s.mu.Lock()
	delete(s.cached, keyID)
	s.mu.Unlock()
	return s.persist()
}
