package b2ops

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorruptSession is returned when a session file cannot be parsed as JSON.
// The corrupt file is deleted automatically.
var ErrCorruptSession = errors.New("b2ops: corrupt session file")

// sessionSubdir is the subdirectory within the data dir for upload session files.
const sessionSubdir = "upload-sessions"

const (
	sessionFilePerms = 0o600
	sessionDirPerms  = 0o700
)

// StaleSessionAge is the default TTL for upload session files. The service
// keeps unfinished large files indefinitely; a record this old is assumed
// abandoned.
const StaleSessionAge = 7 * 24 * time.Hour

// cleanThrottle prevents excessive directory scans. CleanStale is
// a no-op if called again within this interval.
const cleanThrottle = 1 * time.Hour

// SessionRecord is the on-disk JSON format for an unfinished large-file
// upload. It holds no credentials or upload URLs.
type SessionRecord struct {
	BucketID  string    `json:"bucket_id"`
	LocalPath string    `json:"local_path"`
	FileName  string    `json:"file_name"`
	FileID    string    `json:"file_id"`
	FileHash  string    `json:"file_sha1"`
	FileSize  int64     `json:"file_size"`
	PartSize  int64     `json:"part_size"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore persists unfinished large-file uploads so an interrupted
// upload of the same local file can resume. Session files are JSON files
// keyed by sha256(len(bucketID):bucketID:localPath). Safe for concurrent use.
type SessionStore struct {
	dir    string
	logger *slog.Logger

	cleanMu   sync.Mutex
	lastClean time.Time
}

// NewSessionStore creates a SessionStore rooted at dataDir/upload-sessions.
func NewSessionStore(dataDir string, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}

	return &SessionStore{
		dir:    filepath.Join(dataDir, sessionSubdir),
		logger: logger,
	}
}

// Load reads the record for bucketID and localPath. Returns nil, nil if no
// session file exists.
func (s *SessionStore) Load(bucketID, localPath string) (*SessionRecord, error) {
	path := s.filePath(bucketID, localPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("b2ops: reading session file: %w", err)
	}

	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("corrupt session file, deleting",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove corrupt session file",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: %w", ErrCorruptSession, err)
	}

	return &rec, nil
}

// Save persists rec under its BucketID and LocalPath. Triggers lazy
// stale-session cleanup (throttled to once per hour).
func (s *SessionStore) Save(rec *SessionRecord) error {
	if err := os.MkdirAll(s.dir, sessionDirPerms); err != nil {
		return fmt.Errorf("b2ops: creating session dir: %w", err)
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("b2ops: marshaling session record: %w", err)
	}

	path := s.filePath(rec.BucketID, rec.LocalPath)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, sessionFilePerms); err != nil {
		return fmt.Errorf("b2ops: writing session temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("b2ops: renaming session temp file: %w", err)
	}

	s.cleanMu.Lock()
	due := time.Since(s.lastClean) >= cleanThrottle
	s.cleanMu.Unlock()

	if due {
		go s.cleanIfDue()
	}

	return nil
}

// Delete removes the record for bucketID and localPath. No error if the
// file doesn't exist.
func (s *SessionStore) Delete(bucketID, localPath string) error {
	if err := os.Remove(s.filePath(bucketID, localPath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("b2ops: deleting session file: %w", err)
	}

	return nil
}

// CleanStale removes session files older than maxAge and returns how many
// were deleted.
func (s *SessionStore) CleanStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("b2ops: reading session dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to clean stale session",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()),
			)

			continue
		}

		s.logger.Info("deleted stale upload session",
			slog.String("file", e.Name()),
			slog.Duration("age", time.Since(info.ModTime())),
		)

		deleted++
	}

	return deleted, nil
}

// cleanIfDue runs CleanStale unless it ran within cleanThrottle. It runs in
// its own goroutine, so a panic is recovered and logged.
func (s *SessionStore) cleanIfDue() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session cleanup", slog.Any("panic", r))
		}
	}()

	s.cleanMu.Lock()
	if time.Since(s.lastClean) < cleanThrottle {
		s.cleanMu.Unlock()
		return
	}

	s.lastClean = time.Now()
	s.cleanMu.Unlock()

	n, err := s.CleanStale(StaleSessionAge)
	if err != nil {
		s.logger.Warn("stale session cleanup failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		s.logger.Info("cleaned stale upload sessions", slog.Int("count", n))
	}
}

// sessionKey produces a deterministic filename for a (bucketID, localPath)
// pair. The length prefix keeps "a:"+"b" and "a"+":b" apart.
func sessionKey(bucketID, localPath string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%s", len(bucketID), bucketID, localPath))
	return fmt.Sprintf("%x.json", h)
}

func (s *SessionStore) filePath(bucketID, localPath string) string {
	return filepath.Join(s.dir, sessionKey(bucketID, localPath))
}
