package cache

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	tmp := t.TempDir()
	store, err := Open(filepath.Join(tmp, "cache.db"), filepath.Join(tmp, "cache.lock"))
	if err != nil {
		t.Fatalf("Open cache failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestCacheSetGetFreshAndStale(t *testing.T) {
	store := openStore(t)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	store.now = c.now

	key := Key("discover", map[string]any{"token": "0xabc", "chain": 8453})
	if err := store.Set("discover", key, map[string]int{"v": 1}, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	res, err := store.Get(key, 5*time.Minute)
	if err != nil {
		t.Fatalf("Get fresh failed: %v", err)
	}
	if !res.Hit || res.Stale {
		t.Fatalf("expected fresh hit, got %+v", res)
	}
	var decoded map[string]int
	if err := res.Decode(&decoded); err != nil || decoded["v"] != 1 {
		t.Fatalf("unexpected payload %v (%v)", decoded, err)
	}

	c.t = c.t.Add(2 * time.Minute)
	res, err = store.Get(key, 5*time.Minute)
	if err != nil {
		t.Fatalf("Get stale failed: %v", err)
	}
	if !res.Hit || !res.Stale || res.TooStale {
		t.Fatalf("expected stale within budget, got %+v", res)
	}

	c.t = c.t.Add(10 * time.Minute)
	res, _ = store.Get(key, 5*time.Minute)
	if !res.TooStale {
		t.Fatalf("expected too stale, got %+v", res)
	}
}

func TestKeyDependsOnScopeAndRequest(t *testing.T) {
	req := map[string]any{"query": "usdc"}
	if Key("resolve", req) == Key("search", req) {
		t.Fatal("scopes must not collide")
	}
	if Key("resolve", req) != Key("resolve", map[string]any{"query": "usdc"}) {
		t.Fatal("equal requests must produce equal keys")
	}
}

func TestPruneAndPurge(t *testing.T) {
	store := openStore(t)
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	store.now = c.now

	_ = store.Set("resolve", "a", 1, time.Minute)
	_ = store.Set("search", "b", 2, time.Hour)
	c.t = c.t.Add(10 * time.Minute)
	if err := store.Prune(0); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if res, _ := store.Get("a", -1); res.Hit {
		t.Fatal("expired entry should have been pruned")
	}
	if err := store.Purge("search"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if res, _ := store.Get("b", -1); res.Hit {
		t.Fatal("purged entry still present")
	}
}

func TestCacheConcurrentOpenAndSet(t *testing.T) {
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "cache.db")
	lockPath := filepath.Join(tmp, "cache.lock")

	const workers = 8
	const iterations = 20

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for worker := 0; worker < workers; worker++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			store, err := Open(dbPath, lockPath)
			if err != nil {
				errCh <- fmt.Errorf("worker %d open: %w", workerID, err)
				return
			}
			defer store.Close()

			for i := 0; i < iterations; i++ {
				key := fmt.Sprintf("worker-%d-key-%d", workerID, i)
				if err := store.Set("test", key, map[string]bool{"ok": true}, time.Minute); err != nil {
					errCh <- fmt.Errorf("worker %d set iter %d: %w", workerID, i, err)
					return
				}
				res, err := store.Get(key, time.Minute)
				if err != nil {
					errCh <- fmt.Errorf("worker %d get iter %d: %w", workerID, i, err)
					return
				}
				if !res.Hit {
					errCh <- fmt.Errorf("worker %d get iter %d: expected hit", workerID, i)
					return
				}
			}
		}(worker)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}
}

func TestCacheConnectionsWaitOnLockedDatabase(t *testing.T) {
	store := openStore(t)
	store.db.SetMaxOpenConns(3)

	var conns []*sql.Conn
	for i := 0; i < 3; i++ {
		conn, err := store.db.Conn(context.Background())
		if err != nil {
			t.Fatalf("open pooled connection %d: %v", i, err)
		}
		conns = append(conns, conn)
	}
	for i, conn := range conns {
		var timeout int
		if err := conn.QueryRowContext(context.Background(), "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatalf("read busy_timeout on connection %d: %v", i, err)
		}
		if timeout != 5000 {
			t.Fatalf("connection %d: expected busy_timeout 5000, got %d", i, timeout)
		}
		_ = conn.Close()
	}
}

func TestCacheConcurrentOpenOnFreshDatabase(t *testing.T) {
	for round := 0; round < 5; round++ {
		tmp := t.TempDir()
		dbPath := filepath.Join(tmp, "cache.db")
		lockPath := filepath.Join(tmp, "cache.lock")

		var wg sync.WaitGroup
		errCh := make(chan error, 8)
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func(workerID int) {
				defer wg.Done()
				store, err := Open(dbPath, lockPath)
				if err != nil {
					errCh <- fmt.Errorf("round %d worker %d open: %w", round, workerID, err)
					return
				}
				_ = store.Close()
			}(worker)
		}
		wg.Wait()
		close(errCh)
		for err := range errCh {
			t.Fatal(err)
		}
	}
}
