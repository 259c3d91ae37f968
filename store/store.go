package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"

	"github.com/searchraft/searchraft/logger"
)

const (
	// DBFileName is the name of the store's database file within the state directory.
	DBFileName = "store.db"

	// openTimeout bounds how long Open waits on the database file lock.
	openTimeout = 5 * time.Second
)

// recordsBucket holds all application records. Keys are namespaced by prefix.
var recordsBucket = []byte("records")

// Store is the facade over the embedded key-value database. It is opened and
// closed exclusively by the replication state machine; mutations go through
// the apply path.
type Store struct {
	mu       sync.Mutex
	stateDir string
	db       *bolt.DB
	logger   logger.Logger
}

// New returns an unopened Store rooted at stateDir.
func New(stateDir string, log logger.Logger) *Store {
	return &Store{
		stateDir: stateDir,
		logger:   log.WithComponent("store"),
	}
}

// StateDirPath returns the directory holding the store's on-disk files.
func (s *Store) StateDirPath() string {
	return s.stateDir
}

// dbPath returns the full path of the database file.
func (s *Store) dbPath() string {
	return filepath.Join(s.stateDir, DBFileName)
}

// Open opens the database, creating the state directory and the records
// bucket if needed. Opening an already-open store is an error.
func (s *Store) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return fmt.Errorf("%w: already open at %s", ErrOpen, s.stateDir)
	}

	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrOpen, s.stateDir, err)
	}

	db, err := bolt.Open(s.dbPath(), 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrOpen, s.dbPath(), err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(recordsBucket)
		return berr
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("%w: create bucket: %v", ErrOpen, err)
	}

	s.db = db
	s.logger.Infow("Store opened", "path", s.dbPath())
	return nil
}

// Close releases the database. It is idempotent; the store can be reopened
// at the same state directory afterwards.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	s.logger.Infow("Store closed", "path", s.dbPath())
	return nil
}

// IsOpen reports whether the database is currently open.
func (s *Store) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db != nil
}

// handle returns the open database or ErrClosed.
func (s *Store) handle() (*bolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	return s.db, nil
}

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var value []byte
	err = db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(recordsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value under key.
func (s *Store) Set(key string, value []byte) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), value)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
}

// DeletePrefix removes every key beginning with prefix and returns how many
// records were deleted.
func (s *Store) DeletePrefix(prefix string) (int, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	deleted := 0
	err = db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			if derr := c.Delete(); derr != nil {
				return derr
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// PrefixScan calls fn for every key beginning with prefix, in key order.
// Returning an error from fn stops the scan and surfaces the error.
func (s *Store) PrefixScan(prefix string, fn func(key string, value []byte) error) error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(recordsBucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && hasPrefix(k, p); k, v = c.Next() {
			if ferr := fn(string(k), append([]byte(nil), v...)); ferr != nil {
				return ferr
			}
		}
		return nil
	})
}

// Checkpoint produces a consistent point-in-time copy of the store's files
// in targetDir. The database engine rewrites pages in place, so its live
// file cannot be hard-linked; the copy is taken through a read transaction,
// which pins a consistent view of every page.
func (s *Store) Checkpoint(targetDir string) error {
	db, err := s.handle()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpoint, err)
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ErrCheckpoint, targetDir, err)
	}

	target := filepath.Join(targetDir, DBFileName)
	err = db.View(func(tx *bolt.Tx) error {
		f, ferr := os.Create(target)
		if ferr != nil {
			return ferr
		}
		defer f.Close()

		if _, werr := tx.WriteTo(f); werr != nil {
			return werr
		}
		return f.Sync()
	})
	if err != nil {
		os.Remove(target)
		return fmt.Errorf("%w: %s: %v", ErrCheckpoint, target, err)
	}

	s.logger.Infow("Checkpoint created", "target", target)
	return nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
