package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/drewfead/relay/internal/flock"
	"github.com/drewfead/relay/internal/logging"
)

// ErrCorrupt is returned when the state file and its backup are both
// unreadable as JSON.
var ErrCorrupt = errors.New("state file is corrupt and no usable backup exists")

// Store reads and writes the shared state document with advisory file
// locking, backup-before-write, and atomic replacement. Multiple
// processes may hold Stores on the same path concurrently.
type Store struct {
	path   string
	backup string

	// nowFunc stamps UpdatedAt; tests override it.
	nowFunc func() time.Time
}

// Open prepares a store at path, creating parent directories. The
// state file itself is created lazily on first write.
func Open(path, backupPath string) (*Store, error) {
	if backupPath == "" {
		backupPath = path + ".backup"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &Store{path: path, backup: backupPath, nowFunc: time.Now}, nil
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the current document under a shared lock. A missing or
// empty file yields a fresh empty document. Corrupt JSON falls back to
// the backup; if that also fails, ErrCorrupt is returned and the file
// is left untouched for inspection.
//
// The lock is taken before the path is opened: the state file is
// replaced by rename on every write, so the path must be resolved
// fresh under the lock to guarantee the reader sees the latest inode.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	lock, err := flock.Shared(ctx, s.path)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	return s.read()
}

// Update applies fn to the current document under an exclusive lock
// and persists the result, so every writer starts from a freshly
// locked read. fn returning an error aborts without writing. The
// previous file contents are copied to the backup before the write; a
// failed write restores from that backup.
func (s *Store) Update(ctx context.Context, fn func(*Document) error) error {
	lock, err := flock.Exclusive(ctx, s.path)
	if err != nil {
		return err
	}
	defer lock.Release()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	return s.write(doc)
}

// Replace swaps in doc wholesale under an exclusive lock, with the
// same backup discipline as Update.
func (s *Store) Replace(ctx context.Context, doc *Document) error {
	lock, err := flock.Exclusive(ctx, s.path)
	if err != nil {
		return err
	}
	defer lock.Release()

	return s.write(doc)
}

// read loads the document at the current path. Caller holds the lock.
func (s *Store) read() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewDocument(), nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return NewDocument(), nil
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err == nil {
		doc.normalize()
		return &doc, nil
	}

	// Primary is corrupt; try the backup.
	logging.Warn("state file corrupt, trying backup", "path", s.path)
	backupData, backupErr := os.ReadFile(s.backup)
	if backupErr != nil {
		return nil, ErrCorrupt
	}
	if err := json.Unmarshal(backupData, &doc); err != nil {
		return nil, ErrCorrupt
	}
	doc.normalize()
	return &doc, nil
}

// write backs up the current file, then atomically replaces it with
// the encoded document. Caller holds the exclusive lock.
func (s *Store) write(doc *Document) error {
	doc.normalize()
	doc.UpdatedAt = s.nowFunc()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	hadPrevious, err := s.backupCurrent()
	if err != nil {
		return err
	}

	if err := s.writeAtomic(data); err != nil {
		if hadPrevious {
			if restoreErr := copyFile(s.backup, s.path); restoreErr != nil {
				logging.Error("state restore after failed write", "error", restoreErr)
			}
		}
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// backupCurrent copies the existing state file to the backup path.
// Returns whether a previous file existed.
func (s *Store) backupCurrent() (bool, error) {
	if _, err := os.Stat(s.path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat state file: %w", err)
	}
	if err := copyFile(s.path, s.backup); err != nil {
		return true, fmt.Errorf("backup state: %w", err)
	}
	return true, nil
}

// writeAtomic writes data to a temp file in the same directory, fsyncs,
// and renames over the state file so readers never see a torn write.
func (s *Store) writeAtomic(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
