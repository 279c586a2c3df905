package store

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkdir(t *testing.T, s *Store, full, parent, name string) *Entry {
	t.Helper()
	e, err := s.Create(full, parent, EntryMeta{Name: name, Kind: KindDirectory})
	if err != nil {
		t.Fatalf("create dir %s: %v", full, err)
	}
	return e
}

func mkfile(t *testing.T, s *Store, full, parent, name string, size int64) *Entry {
	t.Helper()
	e, err := s.Create(full, parent, EntryMeta{Name: name, Kind: KindFile, Size: size})
	if err != nil {
		t.Fatalf("create file %s: %v", full, err)
	}
	return e
}

// TestClosureInvariants exercises spec.md §8's closure invariant: every
// entry has exactly one self-row, and COUNT(closure WHERE descendant=E)
// equals depth-from-root + 1.
func TestClosureInvariants(t *testing.T) {
	s := openTestStore(t)

	root := mkdir(t, s, "/root", "", "root")
	src := mkdir(t, s, "/root/src", "/root", "src")
	main := mkfile(t, s, "/root/src/main.go", "/root/src", "main.go", 100)

	for _, tc := range []struct {
		id       int64
		wantRows int
	}{
		{root.ID, 1},
		{src.ID, 2},
		{main.ID, 3},
	} {
		n, err := s.CountAncestors(tc.id)
		if err != nil {
			t.Fatalf("count ancestors %d: %v", tc.id, err)
		}
		if n != tc.wantRows {
			t.Fatalf("entry %d: expected %d ancestor rows, got %d", tc.id, tc.wantRows, n)
		}
	}
}

// TestMoveRewritesClosureAndPaths exercises spec.md §8 scenario 4: moving a
// directory must carry its descendants' closure rows and DirectoryPath rows
// to the new location, and sever every link to the old ancestor chain.
func TestMoveRewritesClosureAndPaths(t *testing.T) {
	s := openTestStore(t)

	foo := mkdir(t, s, "/foo", "", "foo")
	bar := mkdir(t, s, "/foo/bar", "/foo", "bar")
	baz := mkfile(t, s, "/foo/bar/baz.txt", "/foo/bar", "baz.txt", 10)
	qux := mkdir(t, s, "/qux", "", "qux")

	if err := s.Move(bar.ID, "/qux", "bar"); err != nil {
		t.Fatalf("move: %v", err)
	}

	// baz's ancestors must now be qux/bar, not foo/bar.
	ancestorIDs, err := s.CountAncestors(baz.ID)
	if err != nil {
		t.Fatalf("count ancestors: %v", err)
	}
	if ancestorIDs != 3 { // qux, bar, self
		t.Fatalf("expected 3 ancestor rows for baz after move, got %d", ancestorIDs)
	}

	newBarPath, err := s.ResolveParentID("/qux/bar")
	if err != nil {
		t.Fatalf("resolve /qux/bar: %v", err)
	}
	if newBarPath != bar.ID {
		t.Fatalf("expected /qux/bar to resolve to moved bar id %d, got %d", bar.ID, newBarPath)
	}

	if _, err := s.ResolveParentID("/foo/bar"); err != nil {
		t.Fatalf("resolve /foo/bar should not error (absence is id=0): %v", err)
	}
	if oldID, _ := s.ResolveParentID("/foo/bar"); oldID != 0 {
		t.Fatalf("expected /foo/bar to no longer resolve, got id %d", oldID)
	}
}

func TestDeleteSubtreeTombstonesDescendants(t *testing.T) {
	s := openTestStore(t)

	root := mkdir(t, s, "/root", "", "root")
	child := mkdir(t, s, "/root/child", "/root", "child")
	leaf := mkfile(t, s, "/root/child/leaf.txt", "/root/child", "leaf.txt", 1)

	deleted, err := s.DeleteSubtree(child.ID)
	if err != nil {
		t.Fatalf("delete subtree: %v", err)
	}
	if len(deleted) != 2 { // child + leaf
		t.Fatalf("expected 2 deleted uuids, got %d", len(deleted))
	}

	if _, err := s.Get(leaf.ID); err == nil {
		t.Fatalf("expected leaf to be gone after subtree delete")
	}
	n, err := s.CountAncestors(root.ID)
	if err != nil {
		t.Fatalf("count ancestors root: %v", err)
	}
	if n != 1 {
		t.Fatalf("root should still have only its self-row, got %d", n)
	}
}

func TestCloudURITrailingSlashNormalizes(t *testing.T) {
	s := openTestStore(t)
	mkdir(t, s, "s3://bucket/dir/", "", "dir")

	withSlash, err := s.ResolveParentID("s3://bucket/dir/")
	if err != nil {
		t.Fatalf("resolve with slash: %v", err)
	}
	withoutSlash, err := s.ResolveParentID("s3://bucket/dir")
	if err != nil {
		t.Fatalf("resolve without slash: %v", err)
	}
	if withSlash == 0 || withSlash != withoutSlash {
		t.Fatalf("expected both trailing-slash variants to resolve to the same id, got %d vs %d", withSlash, withoutSlash)
	}
}

func TestResolveEntryPathCoversFilesAndSurvivesMove(t *testing.T) {
	s := openTestStore(t)
	dir := mkdir(t, s, "/data", "", "data")
	f := mkfile(t, s, "/data/report.csv", "/data", "report.csv", 20)
	dest := mkdir(t, s, "/archive", "", "archive")

	id, err := s.ResolveEntryPath("/data/report.csv")
	if err != nil {
		t.Fatalf("resolve entry path: %v", err)
	}
	if id != f.ID {
		t.Fatalf("expected resolved id %d, got %d", f.ID, id)
	}

	if err := s.Move(f.ID, "/archive", "report.csv"); err != nil {
		t.Fatalf("move: %v", err)
	}
	if gone, _ := s.ResolveEntryPath("/data/report.csv"); gone != 0 {
		t.Fatalf("expected old file path to no longer resolve, got %d", gone)
	}
	moved, err := s.ResolveEntryPath("/archive/report.csv")
	if err != nil {
		t.Fatalf("resolve moved path: %v", err)
	}
	if moved != f.ID {
		t.Fatalf("expected moved file to resolve at new path, got %d want %d", moved, f.ID)
	}
	_ = dir
	_ = dest
}

func TestEphemeralUUIDPreservedOnPromotion(t *testing.T) {
	s := openTestStore(t)
	u := s.PromiseEphemeralUUID("/browsed/file.txt")

	e, err := s.Create("/browsed/file.txt", "", EntryMeta{Name: "file.txt", Kind: KindFile, Size: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.UUID != u {
		t.Fatalf("expected promoted entry to keep ephemeral uuid %s, got %s", u, e.UUID)
	}
}
