package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when an ID contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileStore implements Store with one JSON record per session.
// Storage layout:
//
//	<baseDir>/
//	  └── <session-id>.json
//
// The directory is created 0700 and records are written 0600. CAS is
// enforced by re-reading the stored record under the store mutex before
// every write, so a single process gets correct optimistic locking;
// multi-process deployments should use the Redis or Postgres store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileStore creates a file-backed store rooted at baseDir.
// If baseDir is empty, uses ~/.agentcore/sessions.
func NewFileStore(baseDir string) (*FileStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".agentcore", "sessions")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, &StorageError{Backend: "file", Op: "create base directory", Err: err}
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (f *FileStore) recordPath(id string) string {
	return filepath.Join(f.baseDir, id+".json")
}

// Save persists a session record under the version CAS contract.
func (f *FileStore) Save(ctx context.Context, s *Session, expectedVersion int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(s.ID); err != nil {
		return &ValidationError{Reason: "invalid session ID", Err: err}
	}

	existing, err := f.readRecord(s.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if expectedVersion != 0 {
			return ErrNotFound
		}
	case err != nil:
		return err
	case existing.Version != expectedVersion:
		return &ConflictError{ID: s.ID, Expected: expectedVersion, Actual: existing.Version}
	}

	data, err := Encode(s)
	if err != nil {
		return err
	}

	// Write-then-rename so a crash mid-write never leaves a torn record.
	tmp := f.recordPath(s.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return &StorageError{Backend: "file", Op: "write record", Err: err}
	}
	if err := os.Rename(tmp, f.recordPath(s.ID)); err != nil {
		_ = os.Remove(tmp)
		return &StorageError{Backend: "file", Op: "rename record", Err: err}
	}
	return nil
}

// Get retrieves a session by ID.
func (f *FileStore) Get(ctx context.Context, id string) (*Session, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	if err := validatePathComponent(id); err != nil {
		return nil, &ValidationError{Reason: "invalid session ID", Err: err}
	}
	return f.readRecord(id)
}

func (f *FileStore) readRecord(id string) (*Session, error) {
	data, err := os.ReadFile(f.recordPath(id)) // #nosec G304 - path component validated
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Backend: "file", Op: "read record", Err: err}
	}
	return Decode(data)
}

// Delete removes a session record. Missing IDs are ignored.
func (f *FileStore) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStoreClosed
	}
	if err := validatePathComponent(id); err != nil {
		return &ValidationError{Reason: "invalid session ID", Err: err}
	}
	if err := os.Remove(f.recordPath(id)); err != nil && !os.IsNotExist(err) {
		return &StorageError{Backend: "file", Op: "remove record", Err: err}
	}
	return nil
}

// List returns all stored session IDs.
func (f *FileStore) List(ctx context.Context) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStoreClosed
	}
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return nil, &StorageError{Backend: "file", Op: "read base directory", Err: err}
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Stats returns session count and total record bytes.
func (f *FileStore) Stats(ctx context.Context) (StoreStats, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return StoreStats{}, ErrStoreClosed
	}
	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		return StoreStats{}, &StorageError{Backend: "file", Op: "read base directory", Err: err}
	}
	stats := StoreStats{Backend: "file"}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		stats.Sessions++
		if info, err := e.Info(); err == nil {
			stats.Bytes += info.Size()
		}
	}
	return stats, nil
}

// HealthCheck verifies the base directory is still accessible.
func (f *FileStore) HealthCheck(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(f.baseDir); err != nil {
		return &StorageError{Backend: "file", Op: "stat base directory", Err: err}
	}
	return nil
}

// Close marks the store closed. Idempotent.
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
