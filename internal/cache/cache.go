// Package cache is an optional on-disk response cache. Entries are JSON
// payloads keyed by a hash of the command scope and its request; stale
// entries stay readable for a bounded window so a failing provider can fall
// back to the last good answer.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
	now  func() time.Time
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// Decode unmarshals the cached payload into out.
func (r Result) Decode(out any) error {
	if !r.Hit {
		return errors.New("cache miss")
	}
	return json.Unmarshal(r.Value, out)
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	// busy_timeout rides in the DSN so every pooled connection waits on a
	// locked database instead of failing with SQLITE_BUSY.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	store := &Store{db: db, lock: flock.New(lockPath), now: time.Now}
	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS responses (
			key TEXT PRIMARY KEY,
			scope TEXT NOT NULL,
			value BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			ttl_seconds INTEGER NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS responses_scope ON responses(scope);",
	}
	err = store.write(func() error {
		for _, query := range queries {
			if _, err := db.Exec(query); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}

	_ = store.Prune(0)
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Key derives a stable entry key from a scope (usually the command path) and
// the request that produced the response.
func Key(scope string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(scope+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

// Prune deletes entries that are past their TTL by more than keep.
func (s *Store) Prune(keep time.Duration) error {
	if s == nil || s.db == nil {
		return nil
	}
	cutoff := s.now().UTC().Add(-keep).Unix()
	return s.write(func() error {
		if _, err := s.db.Exec("DELETE FROM responses WHERE created_at + ttl_seconds < ?", cutoff); err != nil {
			return fmt.Errorf("prune cache: %w", err)
		}
		return nil
	})
}

// Purge drops every entry recorded under scope.
func (s *Store) Purge(scope string) error {
	return s.write(func() error {
		if _, err := s.db.Exec("DELETE FROM responses WHERE scope = ?", scope); err != nil {
			return fmt.Errorf("purge cache: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(key string, maxStale time.Duration) (Result, error) {
	var value []byte
	var createdUnix int64
	var ttlSeconds int64
	err := s.db.QueryRow("SELECT value, created_at, ttl_seconds FROM responses WHERE key = ?", key).Scan(&value, &createdUnix, &ttlSeconds)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{Hit: false}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := s.now().UTC().Sub(time.Unix(createdUnix, 0).UTC())
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlSeconds) * time.Second
	stale := age > ttl
	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

// Set stores value as JSON under key.
func (s *Store) Set(scope, key string, value any, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	ttlSeconds := int64(ttl.Seconds())
	if ttlSeconds <= 0 {
		ttlSeconds = 1
	}
	return s.write(func() error {
		_, err := s.db.Exec(`
			INSERT INTO responses (key, scope, value, created_at, ttl_seconds)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				scope=excluded.scope,
				value=excluded.value,
				created_at=excluded.created_at,
				ttl_seconds=excluded.ttl_seconds
		`, key, scope, payload, s.now().UTC().Unix(), ttlSeconds)
		if err != nil {
			return fmt.Errorf("cache write: %w", err)
		}
		return nil
	})
}

// write serializes writers across processes sharing the cache file.
func (s *Store) write(fn func() error) error {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}
