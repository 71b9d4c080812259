// Package storetest holds behavior checks shared by every core.DocumentStore backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sarini12/collab-docs/core"
)

// Run exercises store against the core.DocumentStore contract. Keys are
// prefixed with t.Name() so backends shared between runs do not collide.
func Run(t *testing.T, store core.DocumentStore) {
	t.Helper()
	prefix := strings.ReplaceAll(t.Name(), "/", "_") + "-"

	t.Run("GetOrCreateUnseen", func(t *testing.T) { testGetOrCreateUnseen(t, store, prefix) })
	t.Run("GetOrCreateExisting", func(t *testing.T) { testGetOrCreateExisting(t, store, prefix) })
	t.Run("ConcurrentGetOrCreate", func(t *testing.T) { testConcurrentGetOrCreate(t, store, prefix) })
	t.Run("FindMissing", func(t *testing.T) { testFindMissing(t, store, prefix) })
	t.Run("SaveMissing", func(t *testing.T) { testSaveMissing(t, store, prefix) })
	t.Run("SaveRoundTrip", func(t *testing.T) { testSaveRoundTrip(t, store, prefix) })
}

func testGetOrCreateUnseen(t *testing.T, store core.DocumentStore, prefix string) {
	ctx := context.Background()
	key := prefix + "unseen"

	doc, created, err := store.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate() failed: %v", err)
	}
	if !created {
		t.Error("GetOrCreate() should report creation for an unseen key")
	}
	if doc.Key != key || doc.Content != "" {
		t.Errorf("new document mismatch: %+v", doc)
	}
	if doc.ID == "" {
		t.Error("new document has no ID")
	}
}

func testGetOrCreateExisting(t *testing.T, store core.DocumentStore, prefix string) {
	ctx := context.Background()
	key := prefix + "existing"

	first, _, err := store.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("GetOrCreate() failed: %v", err)
	}
	second, created, err := store.GetOrCreate(ctx, key)
	if err != nil {
		t.Fatalf("second GetOrCreate() failed: %v", err)
	}
	if created {
		t.Error("second GetOrCreate() reported creation")
	}
	if second.ID != first.ID {
		t.Errorf("ID changed between calls: got %q, want %q", second.ID, first.ID)
	}
}

func testConcurrentGetOrCreate(t *testing.T, store core.DocumentStore, prefix string) {
	ctx := context.Background()
	key := prefix + "race"

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[string]bool)
		start   = make(chan struct{})
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			doc, wasCreated, err := store.GetOrCreate(ctx, key)
			if err != nil {
				t.Errorf("concurrent GetOrCreate() failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if wasCreated {
				created++
			}
			ids[doc.ID] = true
		}()
	}
	close(start)
	wg.Wait()

	if created != 1 {
		t.Errorf("created count: got %d, want 1", created)
	}
	if len(ids) != 1 {
		t.Errorf("distinct document IDs: got %d, want 1", len(ids))
	}
}

func testFindMissing(t *testing.T, store core.DocumentStore, prefix string) {
	_, err := store.Find(context.Background(), prefix+"missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Find() error mismatch: got %v, want ErrNotFound", err)
	}
}

func testSaveMissing(t *testing.T, store core.DocumentStore, prefix string) {
	err := store.Save(context.Background(), prefix+"missing-save", "text", time.Now())
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("Save() error mismatch: got %v, want ErrNotFound", err)
	}
}

func testSaveRoundTrip(t *testing.T, store core.DocumentStore, prefix string) {
	ctx := context.Background()

	testCases := []struct {
		name string
		data string
	}{
		{"ASCII", "Hello World"},
		{"UTF-8", "Hello 世界 🌍"},
		{"Newlines", "line1\nline2\nline3"},
		{"Quotes", `she said "hi" and it's fine`},
		{"Large", strings.Repeat("x", 256*1024)},
	}

	for i, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key := fmt.Sprintf("%ssave-%d", prefix, i)
			if _, _, err := store.GetOrCreate(ctx, key); err != nil {
				t.Fatalf("GetOrCreate() failed: %v", err)
			}

			updatedAt := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := store.Save(ctx, key, tc.data, updatedAt); err != nil {
				t.Fatalf("Save() failed: %v", err)
			}

			doc, err := store.Find(ctx, key)
			if err != nil {
				t.Fatalf("Find() failed: %v", err)
			}
			if doc.Content != tc.data {
				t.Errorf("content mismatch: got %d bytes, want %d", len(doc.Content), len(tc.data))
			}
			if doc.UpdatedAt.Sub(updatedAt).Abs() > time.Second {
				t.Errorf("UpdatedAt mismatch: got %v, want %v", doc.UpdatedAt, updatedAt)
			}

			again, created, err := store.GetOrCreate(ctx, key)
			if err != nil {
				t.Fatalf("GetOrCreate() after save failed: %v", err)
			}
			if created || again.Content != tc.data {
				t.Errorf("GetOrCreate() after save: created=%v content=%d bytes", created, len(again.Content))
			}
		})
	}
}
