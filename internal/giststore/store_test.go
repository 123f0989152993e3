package giststore

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "giststore-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	store, err := New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.RemoveAll(tmpDir)
	}

	return store, cleanup
}

func TestGetUnknownGist(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	g, err := store.Get("missing")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g != nil {
		t.Errorf("Unknown gist should be nil, got %+v", g)
	}
}

func TestPatchCreatesGistAndRevision(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	rev, err := store.Patch("share-1", "share.json", `{"title":"D1"}`)
	if err != nil {
		t.Fatalf("Patch failed: %v", err)
	}
	if rev == nil || rev.Revision == "" {
		t.Fatal("Patch should return a revision")
	}
	if rev.GistID != "share-1" {
		t.Errorf("Expected gist ID share-1, got %q", rev.GistID)
	}

	g, err := store.Get("share-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if g == nil {
		t.Fatal("Gist should exist after patch")
	}
	if g.Content != `{"title":"D1"}` {
		t.Errorf("Unexpected content %q", g.Content)
	}
	if g.Filename != "share.json" {
		t.Errorf("Unexpected filename %q", g.Filename)
	}
}

func TestPatchUpdatesContent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	rev1, err := store.Patch("share-1", "share.json", `{"title":"D1"}`)
	if err != nil {
		t.Fatalf("First patch failed: %v", err)
	}
	rev2, err := store.Patch("share-1", "share.json", `{"title":"D2"}`)
	if err != nil {
		t.Fatalf("Second patch failed: %v", err)
	}
	if rev1.Revision == rev2.Revision {
		t.Error("Changed content should mint a new revision")
	}

	g, _ := store.Get("share-1")
	if g.Content != `{"title":"D2"}` {
		t.Errorf("Content should be updated, got %q", g.Content)
	}

	revs, err := store.ListRevisions("share-1", 10, 0)
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	if len(revs) != 2 {
		t.Fatalf("Expected 2 revisions, got %d", len(revs))
	}
	if revs[0].Revision != rev2.Revision {
		t.Errorf("Newest revision should be first, got %q", revs[0].Revision)
	}
}

func TestPatchIdenticalContentDeduplicates(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	rev1, err := store.Patch("share-1", "share.json", `{"title":"D1"}`)
	if err != nil {
		t.Fatalf("First patch failed: %v", err)
	}
	rev2, err := store.Patch("share-1", "share.json", `{"title":"D1"}`)
	if err != nil {
		t.Fatalf("Second patch failed: %v", err)
	}
	if rev2.Revision != rev1.Revision {
		t.Errorf("Identical content should return the existing revision, got %q and %q",
			rev1.Revision, rev2.Revision)
	}

	revs, _ := store.ListRevisions("share-1", 10, 0)
	if len(revs) != 1 {
		t.Errorf("Expected 1 revision, got %d", len(revs))
	}
}

func TestLatestRevision(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if latest, err := store.LatestRevision("share-1"); err != nil || latest != nil {
		t.Fatalf("Expected no revision yet, got %+v err=%v", latest, err)
	}

	store.Patch("share-1", "share.json", `{"title":"D1"}`)
	rev2, _ := store.Patch("share-1", "share.json", `{"title":"D2"}`)

	latest, err := store.LatestRevision("share-1")
	if err != nil {
		t.Fatalf("LatestRevision failed: %v", err)
	}
	if latest == nil || latest.Revision != rev2.Revision {
		t.Errorf("Expected latest %q, got %+v", rev2.Revision, latest)
	}
}

func TestListRevisionsPagination(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		if _, err := store.Patch("share-1", "share.json", fmt.Sprintf(`{"v":%d}`, i)); err != nil {
			t.Fatalf("Patch %d failed: %v", i, err)
		}
	}

	page1, err := store.ListRevisions("share-1", 2, 0)
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	page2, err := store.ListRevisions("share-1", 2, 2)
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("Expected 2 per page, got %d and %d", len(page1), len(page2))
	}
	if page1[0].Revision == page2[0].Revision {
		t.Error("Pages should not overlap")
	}
}

func TestRevisionPruning(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	for i := 0; i < MaxRevisions+10; i++ {
		if _, err := store.Patch("share-1", "share.json", fmt.Sprintf(`{"v":%d}`, i)); err != nil {
			t.Fatalf("Patch %d failed: %v", i, err)
		}
	}

	revs, err := store.ListRevisions("share-1", MaxRevisions+20, 0)
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	if len(revs) != MaxRevisions {
		t.Errorf("Expected history capped at %d, got %d", MaxRevisions, len(revs))
	}
}

func TestStats(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	store.Patch("share-1", "share.json", `{"title":"D1"}`)
	store.Patch("share-2", "share.json", `{"title":"D2"}`)
	store.Patch("share-2", "share.json", `{"title":"D3"}`)

	stats, err := store.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["gist_count"] != 2 {
		t.Errorf("Expected 2 gists, got %v", stats["gist_count"])
	}
	if stats["revision_count"] != 3 {
		t.Errorf("Expected 3 revisions, got %v", stats["revision_count"])
	}
}
