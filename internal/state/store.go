package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kyson-dev/akon/internal/logger"
)

// SchemaVersion is bumped whenever the persisted layout changes.
const SchemaVersion = 1

var ErrSchemaMismatch = errors.New("state file schema mismatch")

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	SavedAt       time.Time       `json:"saved_at"`
	State         ConnectionState `json:"state"`
}

// PersistError wraps a failed state write.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist state %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Load reads and validates the state file.
func Load(path string) (ConnectionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Disconnected(), err
	}
	return decode(data)
}

func decode(data []byte) (ConnectionState, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Disconnected(), fmt.Errorf("parse state: %w", err)
	}
	if env.SchemaVersion != SchemaVersion {
		return Disconnected(), fmt.Errorf("%w: got %d, want %d", ErrSchemaMismatch, env.SchemaVersion, SchemaVersion)
	}
	if err := env.State.Validate(); err != nil {
		return Disconnected(), err
	}
	return env.State, nil
}

// LoadOrDefault never fails: anything unusable degrades to Disconnected.
func LoadOrDefault(path string) ConnectionState {
	s, err := Load(path)
	if err == nil {
		return s
	}
	if errors.Is(err, os.ErrNotExist) {
		logger.Debug("no persisted state, starting disconnected", "path", path)
	} else {
		logger.Warn("discarding persisted state", "path", path, "error", err)
	}
	return Disconnected()
}

// Persist 原子写入状态文件
// 1. 同目录临时文件 2. fsync 3. rename 覆盖 4. fsync 目录
func Persist(s ConnectionState, path string) error {
	if err := s.Validate(); err != nil {
		return &PersistError{Path: path, Err: err}
	}

	data, err := json.MarshalIndent(envelope{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		State:         s,
	}, "", "  ")
	if err != nil {
		return &PersistError{Path: path, Err: err}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return &PersistError{Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return &PersistError{Path: path, Err: err}
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return &PersistError{Path: path, Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &PersistError{Path: path, Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &PersistError{Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &PersistError{Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		return &PersistError{Path: path, Err: err}
	}
	committed = true

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// ReadWithRetry is the observer-side read. A missing file is Disconnected;
// a parse failure (the file may be mid-rename) is retried.
func ReadWithRetry(ctx context.Context, path string, attempts int, delay time.Duration) (ConnectionState, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return Disconnected(), nil
		}
		if err == nil {
			s, derr := decode(data)
			if derr == nil {
				return s, nil
			}
			err = derr
		}
		lastErr = err

		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Disconnected(), ctx.Err()
		case <-time.After(delay):
		}
	}
	return Disconnected(), lastErr
}
