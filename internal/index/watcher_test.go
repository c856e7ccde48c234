package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/starford/eightd/internal/storage"
)

// watcherTestEnv sets up a case root, storage, and DB for watcher tests.
func watcherTestEnv(t *testing.T) (string, storage.Provider, *DB) {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(root)
	if err != nil {
		t.Fatal(err)
	}
	dbFile, err := os.CreateTemp("", "eightd-watcher-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })
	db, err := Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return root, store, db
}

// eventually polls fn every tick until it returns true or timeout elapses.
func eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWatcher_NewCaseIndexed(t *testing.T) {
	root, store, db := watcherTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var events []string

	go Watch(ctx, db, store, root, quietLogger(), func(kind, caseNumber string) {
		mu.Lock()
		events = append(events, kind+":"+caseNumber)
		mu.Unlock()
	})

	time.Sleep(100 * time.Millisecond)

	_ = store.CreateCase("INC-NEW", []byte(`{"case":{"status":"open"}}`))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		cs, _ := db.GetChecksum("INC-NEW")
		return cs != ""
	}, "new case not indexed by watcher")

	eventually(t, 2*time.Second, 50*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			if e == "created:INC-NEW" || e == "updated:INC-NEW" {
				return true
			}
		}
		return false
	}, "expected a callback for INC-NEW")
}

func TestWatcher_RewriteUpdatesIndex(t *testing.T) {
	root, store, db := watcherTestEnv(t)
	_ = store.CreateCase("INC-1", []byte(`{"case":{"status":"open"}}`))
	Sync(db, store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, db, store, root, quietLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = store.WriteCase("INC-1", []byte(`{"case":{"status":"closed"}}`))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		c, err := db.GetCase("INC-1")
		return err == nil && c.Status == "closed"
	}, "atomic rewrite not picked up by watcher")
}

func TestWatcher_DeleteRemovesFromIndex(t *testing.T) {
	root, store, db := watcherTestEnv(t)
	_ = store.CreateCase("INC-DEL", []byte(`{}`))
	Sync(db, store, quietLogger())

	cs, _ := db.GetChecksum("INC-DEL")
	if cs == "" {
		t.Fatal("precondition: case should be indexed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, db, store, root, quietLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.RemoveAll(filepath.Join(root, "INC-DEL"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		cs, _ := db.GetChecksum("INC-DEL")
		return cs == ""
	}, "deleted case still in index")
}

func TestWatcher_RenameReconciles(t *testing.T) {
	root, store, db := watcherTestEnv(t)
	_ = store.CreateCase("INC-OLD", []byte(`{}`))
	Sync(db, store, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Watch(ctx, db, store, root, quietLogger(), nil)
	time.Sleep(100 * time.Millisecond)

	_ = os.Rename(filepath.Join(root, "INC-OLD"), filepath.Join(root, "INC-RENAMED"))

	eventually(t, 5*time.Second, 50*time.Millisecond, func() bool {
		oldCS, _ := db.GetChecksum("INC-OLD")
		newCS, _ := db.GetChecksum("INC-RENAMED")
		return oldCS == "" && newCS != ""
	}, "rename reconciliation failed: old case should be removed and new case indexed")
}

func TestCaseFromPath(t *testing.T) {
	root := filepath.FromSlash("/data/cases")
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"/data/cases/INC-1/case.json", "INC-1", true},
		{"/data/cases/INC-1/evidence/case.json", "", false},
		{"/data/cases/INC-1/.eightd-tmp-123", "", false},
		{"/data/cases/case.json", "", false},
		{"/data/cases/.trash/case.json", "", false},
	}
	for _, tt := range tests {
		got, ok := caseFromPath(root, filepath.FromSlash(tt.path))
		if got != tt.want || ok != tt.ok {
			t.Errorf("caseFromPath(%q) = %q, %v", tt.path, got, ok)
		}
	}
}
