package content

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/NVIDIA/syncmesh/internal/store"
)

func openTestStores(t *testing.T) (*store.Store, *Store) {
	t.Helper()
	es, err := store.Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open entry store: %v", err)
	}
	t.Cleanup(func() { es.Close() })
	return es, Open(es.DB())
}

func TestDeterministicUUIDIsStableAcrossCalls(t *testing.T) {
	h1, _, err := HashFile(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _, err := HashFile(strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected identical bytes to hash identically, got %s vs %s", h1, h2)
	}
	if DeterministicUUID(h1) != DeterministicUUID(h2) {
		t.Fatalf("expected identical content hashes to produce identical uuids")
	}
}

func TestLinkEntryToContentDedupsAndCountsRefs(t *testing.T) {
	es, cs := openTestStores(t)

	hash, size, err := HashFile(strings.NewReader("duplicate-payload"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	e1, err := es.Create("/a.txt", "", store.EntryMeta{Name: "a.txt", Kind: store.KindFile, Size: size})
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	e2, err := es.Create("/b.txt", "", store.EntryMeta{Name: "b.txt", Kind: store.KindFile, Size: size})
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	ci1, entry1, isNew1, err := cs.LinkEntryToContent(es, e1.ID, hash, size, "text/plain", "text")
	if err != nil {
		t.Fatalf("link a: %v", err)
	}
	if !isNew1 {
		t.Fatalf("expected first link to report a new content identity")
	}
	if entry1.UUID == "" {
		t.Fatalf("expected entry a to have its uuid assigned on first content link")
	}

	ci2, entry2, isNew2, err := cs.LinkEntryToContent(es, e2.ID, hash, size, "text/plain", "text")
	if err != nil {
		t.Fatalf("link b: %v", err)
	}
	if isNew2 {
		t.Fatalf("expected second link of identical bytes to reuse the existing content identity")
	}
	if ci2.UUID != ci1.UUID {
		t.Fatalf("expected identical content to share one uuid, got %s vs %s", ci1.UUID, ci2.UUID)
	}
	if entry2.ContentID != ci1.UUID {
		t.Fatalf("expected entry b's content id to be set")
	}

	final, err := cs.Get(ci1.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.EntryCount != 2 {
		t.Fatalf("expected entry_count=2 after two links, got %d", final.EntryCount)
	}
}

// TestConcurrentLinkCollapsesToOneRow exercises spec.md §7's "UNIQUE
// violation on content-identity insert treated as concurrent-insert" case
// for the common in-process race: many goroutines linking identical bytes
// simultaneously must converge on one content_identity row.
func TestConcurrentLinkCollapsesToOneRow(t *testing.T) {
	es, cs := openTestStores(t)
	hash, size, err := HashFile(strings.NewReader("racy-payload"))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	const n = 8
	entries := make([]int64, n)
	for i := 0; i < n; i++ {
		e, err := es.Create(filepath.Join("/", "f"+string(rune('a'+i))+".bin"), "", store.EntryMeta{
			Name: "f.bin", Kind: store.KindFile, Size: size,
		})
		if err != nil {
			t.Fatalf("create entry %d: %v", i, err)
		}
		entries[i] = e.ID
	}

	var wg sync.WaitGroup
	uuids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ci, _, _, err := cs.LinkEntryToContent(es, entries[i], hash, size, "application/octet-stream", "binary")
			if err != nil {
				t.Errorf("link %d: %v", i, err)
				return
			}
			uuids[i] = ci.UUID
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if uuids[i] != uuids[0] {
			t.Fatalf("expected all concurrent links to converge on one uuid, got %v", uuids)
		}
	}
	final, err := cs.Get(uuids[0])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.EntryCount != n {
		t.Fatalf("expected entry_count=%d, got %d", n, final.EntryCount)
	}
}

func TestApplyRemoteCreatesThenMerges(t *testing.T) {
	_, cs := openTestStores(t)
	u := DeterministicUUID("remote-hash")

	c := ContentIdentity{UUID: u, ContentHash: "remote-hash", Size: 42, MimeTypeID: "image/png"}
	if err := cs.ApplyRemote(c); err != nil {
		t.Fatalf("apply remote create: %v", err)
	}
	got, err := cs.Get(u)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MimeTypeID != "image/png" {
		t.Fatalf("expected mime type to carry over, got %q", got.MimeTypeID)
	}

	c2 := ContentIdentity{UUID: u, ContentHash: "remote-hash", Size: 42}
	if err := cs.ApplyRemote(c2); err != nil {
		t.Fatalf("apply remote merge: %v", err)
	}
	got2, err := cs.Get(u)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got2.MimeTypeID != "image/png" {
		t.Fatalf("expected merge to preserve already-known mime type, got %q", got2.MimeTypeID)
	}
}
