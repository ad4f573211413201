// Package store owns the persisted gateway configuration: the live TOML
// file, its etag for optimistic-concurrency writes, and the versioned backup
// history that publish creates and rollback restores.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/gewegate/internal/config"
)

var (
	// ErrConflict means expected_etag did not match the live etag; the caller
	// should refresh and retry instead of overwriting a concurrent edit.
	ErrConflict = errors.New("config etag mismatch")
	// ErrNotFound means no backup carries the requested version.
	ErrNotFound = errors.New("backup version not found")
)

// ValidationError carries the human-readable problems that block a publish
// or import. Distinct from ErrConflict so callers can map them to different
// statuses.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: %s", strings.Join(e.Problems, "; "))
}

// Meta is the store's bookkeeping, rehydrated from disk at startup.
type Meta struct {
	Version          uint         `json:"version"`
	Etag             string       `json:"etag"`
	HasDraft         bool         `json:"has_draft"`
	LastSavedAt      *time.Time   `json:"last_saved_at,omitempty"`
	LastPublishedAt  *time.Time   `json:"last_published_at,omitempty"`
	LastReloadAt     *time.Time   `json:"last_reload_at,omitempty"`
	LastReloadResult string       `json:"last_reload_result,omitempty"`
	AvailableBackups []BackupInfo `json:"available_backups"`
}

// Store is the single writer for the config file. All mutations hold the
// write lock; snapshot reads go through an atomic pointer and never block.
type Store struct {
	configPath string
	backupDir  string

	mu   sync.RWMutex
	meta Meta

	snap atomic.Pointer[config.Snapshot]
}

// Open loads the config file (Default when absent), computes the initial
// etag and rehydrates backup history by scanning the backup directory.
// backupDir defaults to the config file's directory.
func Open(configPath, backupDir string) (*Store, error) {
	if backupDir == "" {
		backupDir = filepath.Dir(configPath)
	}
	s := &Store{configPath: configPath, backupDir: backupDir}

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		snap, perr := config.Parse(data)
		if perr != nil {
			return nil, perr
		}
		s.snap.Store(snap)
		s.meta.Etag = config.Etag(data)
	case os.IsNotExist(err):
		s.snap.Store(config.Default())
	default:
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}

	backups, err := scanBackups(backupDir, filepath.Base(configPath))
	if err != nil {
		return nil, err
	}
	s.meta.AvailableBackups = backups
	if len(backups) > 0 {
		s.meta.Version = backups[0].Version
		t := backups[0].CreatedAt
		s.meta.LastPublishedAt = &t
	}
	return s, nil
}

// Snapshot returns the current live snapshot. Never nil after Open.
func (s *Store) Snapshot() *config.Snapshot {
	return s.snap.Load()
}

// Meta returns a copy of the bookkeeping state.
func (s *Store) Meta() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.meta
	m.AvailableBackups = append([]BackupInfo(nil), s.meta.AvailableBackups...)
	return m
}

// Etag returns the current content fingerprint.
func (s *Store) Etag() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Etag
}

// Export returns the live config file bytes.
func (s *Store) Export() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config.Encode(s.snap.Load())
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return data, nil
}

// Lint parses and validates content without touching state or disk.
func Lint(content []byte) []string {
	snap, err := config.Parse(content)
	if err != nil {
		return []string{err.Error()}
	}
	return snap.Validate()
}

// SaveDraft persists new content. When expectedEtag is non-empty it must
// match the live etag or the write fails with ErrConflict. Content must
// parse; semantic validity is only enforced at publish.
func (s *Store) SaveDraft(content []byte, expectedEtag string) (string, error) {
	snap, err := config.Parse(content)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if expectedEtag != "" && expectedEtag != s.meta.Etag {
		return "", ErrConflict
	}
	if err := writeFileAtomic(s.configPath, content); err != nil {
		return "", err
	}

	s.snap.Store(snap)
	s.meta.Etag = config.Etag(content)
	s.meta.HasDraft = true
	now := time.Now()
	s.meta.LastSavedAt = &now
	slog.Info("config draft saved", "etag", s.meta.Etag[:8], "bytes", len(content))
	return s.meta.Etag, nil
}

// Publish validates the live file and captures it as the next backup
// version. An invalid config fails before any backup is created.
func (s *Store) Publish(remark string) (BackupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.configPath)
	if err != nil {
		return BackupInfo{}, fmt.Errorf("read config: %w", err)
	}
	snap, err := config.Parse(data)
	if err != nil {
		return BackupInfo{}, err
	}
	if problems := snap.Validate(); len(problems) > 0 {
		return BackupInfo{}, &ValidationError{Problems: problems}
	}

	version := uint(1)
	for _, b := range s.meta.AvailableBackups {
		if b.Version >= version {
			version = b.Version + 1
		}
	}
	now := time.Now()
	filename := backupFilename(filepath.Base(s.configPath), version, now)
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return BackupInfo{}, fmt.Errorf("create backup dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.backupDir, filename), data); err != nil {
		return BackupInfo{}, err
	}

	info := BackupInfo{
		Version:   version,
		Filename:  filename,
		CreatedAt: now,
		Remark:    remark,
		Etag:      config.Etag(data),
	}
	s.meta.AvailableBackups = append([]BackupInfo{info}, s.meta.AvailableBackups...)
	s.meta.Version = version
	s.meta.HasDraft = false
	s.meta.LastPublishedAt = &now
	s.snap.Store(snap)
	s.meta.Etag = info.Etag
	slog.Info("config published", "version", version, "backup", filename)
	return info, nil
}

// Rollback overwrites the live config with the exact backup version.
// A missing version is ErrNotFound; a recorded backup whose artifact has
// vanished is an internal failure, surfaced distinctly.
func (s *Store) Rollback(version uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *BackupInfo
	for i := range s.meta.AvailableBackups {
		if s.meta.AvailableBackups[i].Version == version {
			found = &s.meta.AvailableBackups[i]
			break
		}
	}
	if found == nil {
		return ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(s.backupDir, found.Filename))
	if err != nil {
		return fmt.Errorf("read backup %s: %w", found.Filename, err)
	}
	snap, err := config.Parse(data)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.configPath, data); err != nil {
		return err
	}

	s.snap.Store(snap)
	s.meta.Etag = config.Etag(data)
	s.meta.HasDraft = false
	slog.Info("config rolled back", "version", version, "etag", s.meta.Etag[:8])
	return nil
}

// ListBackups returns the history, newest version first.
func (s *Store) ListBackups() []BackupInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]BackupInfo(nil), s.meta.AvailableBackups...)
}

// reload re-reads the file after an external edit. A file that fails to
// parse or validate leaves the live snapshot untouched; only the reload
// result records the problem.
func (s *Store) reload() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.meta.LastReloadAt = &now

	data, err := os.ReadFile(s.configPath)
	if err != nil {
		s.meta.LastReloadResult = fmt.Sprintf("read: %v", err)
		return
	}
	snap, err := config.Parse(data)
	if err != nil {
		s.meta.LastReloadResult = err.Error()
		return
	}
	if problems := snap.Validate(); len(problems) > 0 {
		s.meta.LastReloadResult = strings.Join(problems, "; ")
		return
	}

	s.snap.Store(snap)
	s.meta.Etag = config.Etag(data)
	s.meta.LastReloadResult = "ok"
	slog.Info("config reloaded", "etag", s.meta.Etag[:8])
}

// writeFileAtomic writes via a temp file and rename so a crash mid-write
// never leaves a partial config.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
