package store

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// ephemeralUUIDs holds path -> uuid assignments made while browsing a
// directory that hasn't been promoted to a Location yet (spec.md §9
// "Ephemeral UUID preservation"). Create() consults and then clears the
// entry for a given path so promotion doesn't orphan tags/notes that were
// attached to the ephemeral uuid.
type ephemeralUUIDs struct {
	mu sync.Mutex
	m  map[string]string
}

func newEphemeralUUIDs() *ephemeralUUIDs { return &ephemeralUUIDs{m: make(map[string]string)} }

// Promise returns a stable uuid for path, minting one on first call.
func (e *ephemeralUUIDs) Promise(path string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if u, ok := e.m[path]; ok {
		return u
	}
	u := uuid.NewString()
	e.m[path] = u
	return u
}

// Claim returns and removes any ephemeral uuid previously promised for
// path, so a subsequent index run preserves it rather than minting a new
// one.
func (e *ephemeralUUIDs) Claim(path string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.m[path]
	if ok {
		delete(e.m, path)
	}
	return u, ok
}

// Create inserts a new entry under parentPath (the parent directory's
// absolute path, already resolved by the caller), writes its self-closure
// row, expands the closure table one level, and — for directories — writes
// the DirectoryPath row. It preserves any ephemeral uuid previously
// promised for fullPath.
//
// All of this runs in a single buntdb transaction: spec.md §4.2 requires
// writers to be transactional, and §5 requires no external reader ever see
// partial closure state.
func (s *Store) Create(fullPath, parentPath string, meta EntryMeta) (*Entry, error) {
	parentPath = normPath(parentPath)
	fullPath = normPath(fullPath)

	var created *Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		var parentID int64
		if parentPath != "" {
			id, err := s.resolveParentIDTx(tx, parentPath)
			if err != nil {
				return err
			}
			if id == 0 {
				return errors.Errorf("store: create %s: parent %s not indexed", fullPath, parentPath)
			}
			parentID = id
		}

		id, err := s.nextID(tx)
		if err != nil {
			return err
		}

		var entryUUID string
		if claimed, ok := s.ephemeral.Claim(fullPath); ok {
			entryUUID = claimed
		} else if meta.Kind != KindFile || meta.Size == 0 {
			// directories and empty files get a uuid immediately
			// (spec.md §3); non-empty files may defer to content
			// identification.
			entryUUID = uuid.NewString()
		}

		e := &Entry{
			ID:        id,
			UUID:      entryUUID,
			Name:      meta.Name,
			Kind:      meta.Kind,
			Extension: meta.Extension,
			Size:      meta.Size,
			Inode:     meta.Inode,
			MTime:     meta.MTime,
			CTime:     meta.CTime,
			IndexedAt: time.Now(),
			Hidden:    meta.Hidden,
			ContentID: meta.ContentID,
		}
		if parentID != 0 {
			e.ParentID = &parentID
		}

		if _, _, err := tx.Set(entryKey(id), marshalEntry(e), nil); err != nil {
			return err
		}
		if e.UUID != "" {
			if _, _, err := tx.Set(entryUUIDKey(e.UUID), padID(id), nil); err != nil {
				return err
			}
		}
		if err := expandClosureOnCreate(tx, parentID, id); err != nil {
			return err
		}
		if e.Kind == KindDirectory {
			if _, _, err := tx.Set(dirPathKey(id), fullPath, nil); err != nil {
				return err
			}
			if _, _, err := tx.Set(pathDirKey(fullPath), padID(id), nil); err != nil {
				return err
			}
		}
		if _, _, err := tx.Set(entryPathKey(id), fullPath, nil); err != nil {
			return err
		}
		if _, _, err := tx.Set(pathEntryKey(fullPath), padID(id), nil); err != nil {
			return err
		}
		created = e
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: create %s", fullPath)
	}
	s.cachePut(fullPath, created.ID)
	return created, nil
}

// Update mutates size/mtime/inode for an existing entry and bumps
// IndexedAt so the next incremental scan's watermark sees the change —
// skipping this would hide the mutation from the next scan (spec.md §4.2).
func (s *Store) Update(entryID int64, meta EntryMeta) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.getTx(tx, entryID)
		if err != nil {
			return err
		}
		e.Size = meta.Size
		e.MTime = meta.MTime
		e.CTime = meta.CTime
		e.Inode = meta.Inode
		e.Hidden = meta.Hidden
		e.IndexedAt = time.Now()
		_, _, err = tx.Set(entryKey(entryID), marshalEntry(e), nil)
		return err
	})
}

// SetAggregates writes the rolled-up size/child_count/file_count fields
// AggregateSizeJob computes for a directory. It does not touch IndexedAt:
// aggregation is a derived view over already-indexed data, not a scan
// result itself.
func (s *Store) SetAggregates(entryID int64, size int64, fileCount, childCount int) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.getTx(tx, entryID)
		if err != nil {
			return err
		}
		e.Size = size
		e.FileCount = fileCount
		e.ChildCount = childCount
		_, _, err = tx.Set(entryKey(entryID), marshalEntry(e), nil)
		return err
	})
}

// Get fetches one entry by local id.
func (s *Store) Get(entryID int64) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		e, err = s.getTx(tx, entryID)
		return err
	})
	return e, err
}

func (s *Store) getTx(tx *buntdb.Tx, entryID int64) (*Entry, error) {
	v, err := tx.Get(entryKey(entryID))
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, errors.Wrapf(syncerr.ErrNotFound, "entry %d", entryID)
	}
	if err != nil {
		return nil, err
	}
	return unmarshalEntry(v)
}

// ListChildren returns the direct children of a directory entry, using the
// closure table's depth-1 rows rather than a separate parent index.
func (s *Store) ListChildren(parentID int64) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		rows, err := descendantsOf(tx, parentID)
		if err != nil {
			return err
		}
		for _, r := range rows {
			if r.Depth != 1 {
				continue
			}
			e, err := s.getTx(tx, r.DescendantID)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Counts returns the total entry count and the count of distinct
// ContentIDs assigned so far — the two numbers syncpeer's stability
// detection compares tick-over-tick (spec.md §4.8 "sync is complete when
// Alice's entry/content counts stop changing for N ticks and Bob matches").
func (s *Store) Counts() (entries, contentIDs int, err error) {
	seen := make(map[string]struct{})
	err = s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyEntry+"*", func(_, v string) bool {
			e, err := unmarshalEntry(v)
			if err != nil {
				iterErr = err
				return false
			}
			entries++
			if e.ContentID != "" {
				seen[e.ContentID] = struct{}{}
			}
			return true
		})
		return iterErr
	})
	contentIDs = len(seen)
	return entries, contentIDs, err
}

// ListIndexedSince scans every entry whose IndexedAt is strictly after
// since, the device-owned-state sender loop's "entry.indexed_at >
// last_device_shipped" query (spec.md §4.8 step 3). buntdb keeps entries
// keyed by id, not by IndexedAt, so this is a full scan with an in-memory
// filter — acceptable at this table's scale and it keeps the key layout
// free of a second index that only the sync sender would ever use.
func (s *Store) ListIndexedSince(since time.Time) ([]*Entry, error) {
	var out []*Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyEntry+"*", func(_, v string) bool {
			e, err := unmarshalEntry(v)
			if err != nil {
				iterErr = err
				return false
			}
			if e.IndexedAt.After(since) {
				out = append(out, e)
			}
			return true
		})
		return iterErr
	})
	return out, err
}

// GetDirectoryPath returns a directory entry's absolute path, the public
// counterpart to the internal dirPathKey lookups move/delete already use —
// needed by syncpeer's sender to populate a device-owned StateChange's
// DirPath field for directories.
func (s *Store) GetDirectoryPath(entryID int64) (string, error) {
	var p string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(dirPathKey(entryID))
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.Wrapf(ErrNotDirectory{EntryID: entryID}, "get directory path")
		}
		if err != nil {
			return err
		}
		p = v
		return nil
	})
	return p, err
}

// GetByUUID fetches one entry by its globally-stable uuid.
func (s *Store) GetByUUID(u string) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		idStr, err := tx.Get(entryUUIDKey(u))
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.Wrapf(syncerr.ErrNotFound, "uuid %s", u)
		}
		if err != nil {
			return err
		}
		id := parseID(idStr)
		e, err = s.getTx(tx, id)
		return err
	})
	return e, err
}

// ResolveParentID looks up the entry id for an absolute directory path,
// trying both trailing-slash variants for cloud-URI parents (spec.md §4.2,
// §8 boundary behavior).
func (s *Store) ResolveParentID(absolutePath string) (int64, error) {
	var id int64
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		id, err = s.resolveParentIDTx(tx, absolutePath)
		return err
	})
	return id, err
}

func (s *Store) resolveParentIDTx(tx *buntdb.Tx, absolutePath string) (int64, error) {
	if id, ok := s.cacheGet(normPath(absolutePath)); ok {
		return id, nil
	}
	for _, candidate := range []string{normPath(absolutePath), absolutePath, absolutePath + "/"} {
		v, err := tx.Get(pathDirKey(candidate))
		if err == nil {
			id := parseID(v)
			s.cachePut(normPath(absolutePath), id)
			return id, nil
		}
		if !errors.Is(err, buntdb.ErrNotFound) {
			return 0, err
		}
	}
	return 0, nil
}

// ResolveEntryPath looks up the entry id for an arbitrary full path,
// regardless of kind (file, directory, or symlink) — the candidate-path
// lookup the indexer's create/update segregation step (spec.md §4.6 step 4)
// uses to batch-fetch existing entries for a set of walked paths.
func (s *Store) ResolveEntryPath(fullPath string) (int64, error) {
	var id int64
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(pathEntryKey(fullPath))
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		id = parseID(v)
		return nil
	})
	return id, err
}

// Move atomically relocates entryID to newParentPath under a new name,
// rewriting the closure table and (for directories) the DirectoryPath rows
// for the whole moved subtree. Per the resolved Open Question in
// SPEC_FULL.md, a move bumps IndexedAt — it is treated as a modification.
func (s *Store) Move(entryID int64, newParentPath, newName string) error {
	newParentPath = normPath(newParentPath)
	var oldPath string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.getTx(tx, entryID)
		if err != nil {
			return err
		}
		newParentID, err := s.resolveParentIDTx(tx, newParentPath)
		if err != nil {
			return err
		}
		if newParentID == 0 && newParentPath != "" {
			return errors.Errorf("store: move %d: new parent %s not indexed", entryID, newParentPath)
		}

		if err := rewriteClosureOnMove(tx, entryID, newParentID); err != nil {
			return err
		}

		if newParentID != 0 {
			e.ParentID = &newParentID
		} else {
			e.ParentID = nil
		}
		e.Name = newName
		e.IndexedAt = time.Now()
		if _, _, err := tx.Set(entryKey(entryID), marshalEntry(e), nil); err != nil {
			return err
		}

		oldPath, err = s.rewriteEntryPaths(tx, entryID, newParentPath, newName)
		if err != nil {
			return err
		}
		if e.Kind == KindDirectory {
			if _, err := s.moveDirectoryPaths(tx, entryID, newParentPath, newName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "store: move %d", entryID)
	}
	if oldPath != "" {
		s.cacheInvalidate(oldPath)
	}
	return nil
}

// rewriteEntryPaths renames entryID's own full-path index entry and, if it
// is a directory, every descendant entry's full-path index row by prefix
// replacement — kind-agnostic counterpart to moveDirectoryPaths, since the
// indexer's path lookup (ResolveEntryPath) must work for files too.
func (s *Store) rewriteEntryPaths(tx *buntdb.Tx, entryID int64, newParentPath, newName string) (oldPath string, err error) {
	oldPath, err = tx.Get(entryPathKey(entryID))
	if err != nil {
		return "", err
	}
	newPath := newParentPath + "/" + newName
	if newParentPath == "" {
		newPath = newName
	}
	if err := renamePathIndex(tx, entryPathKey(entryID), pathEntryKey(oldPath), pathEntryKey(newPath), newPath); err != nil {
		return "", err
	}

	subtree, err := descendantsOf(tx, entryID)
	if err != nil {
		return "", err
	}
	for _, row := range subtree {
		descID := row.DescendantID
		p, err := tx.Get(entryPathKey(descID))
		if errors.Is(err, buntdb.ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if !hasPrefixPath(p, oldPath) {
			continue
		}
		rewritten := newPath + p[len(oldPath):]
		if err := renamePathIndex(tx, entryPathKey(descID), pathEntryKey(p), pathEntryKey(rewritten), rewritten); err != nil {
			return "", err
		}
	}
	return oldPath, nil
}

func renamePathIndex(tx *buntdb.Tx, idKey, oldPathKey, newPathKey, newPath string) error {
	if _, err := tx.Delete(oldPathKey); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	if _, _, err := tx.Set(newPathKey, newPath, nil); err != nil {
		return err
	}
	_, _, err := tx.Set(idKey, newPath, nil)
	return err
}

// moveDirectoryPaths rewrites this directory's DirectoryPath row and every
// descendant directory's row by prefix replacement, per spec.md §4.2 step 3.
func (s *Store) moveDirectoryPaths(tx *buntdb.Tx, entryID int64, newParentPath, newName string) (oldPath string, err error) {
	oldPath, err = tx.Get(dirPathKey(entryID))
	if err != nil {
		return "", err
	}
	newPath := newParentPath + "/" + newName
	if newParentPath == "" {
		newPath = newName
	}

	subtree, err := descendantsOf(tx, entryID)
	if err != nil {
		return "", err
	}
	for _, row := range subtree {
		descID := row.DescendantID
		p, err := tx.Get(dirPathKey(descID))
		if errors.Is(err, buntdb.ErrNotFound) {
			continue // not a directory
		}
		if err != nil {
			return "", err
		}
		if !hasPrefixPath(p, oldPath) {
			continue
		}
		rewritten := newPath + p[len(oldPath):]
		if _, err := tx.Delete(pathDirKey(p)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return "", err
		}
		if _, _, err := tx.Set(dirPathKey(descID), rewritten, nil); err != nil {
			return "", err
		}
		if _, _, err := tx.Set(pathDirKey(rewritten), padID(descID), nil); err != nil {
			return "", err
		}
	}
	return oldPath, nil
}

// DeleteSubtree tombstone-deletes entryID and every descendant: closure
// rows, DirectoryPath rows, and Entry rows, all inside one transaction.
func (s *Store) DeleteSubtree(entryID int64) ([]string, error) {
	var deletedUUIDs []string
	var deletedPaths []string
	err := s.db.Update(func(tx *buntdb.Tx) error {
		ids, err := deleteClosureForSubtree(tx, entryID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			e, err := s.getTx(tx, id)
			if err != nil {
				return err
			}
			deletedUUIDs = append(deletedUUIDs, e.UUID)
			if e.Kind == KindDirectory {
				if p, err := tx.Get(dirPathKey(id)); err == nil {
					deletedPaths = append(deletedPaths, p)
					tx.Delete(pathDirKey(p))
					tx.Delete(dirPathKey(id))
				}
			}
			if p, err := tx.Get(entryPathKey(id)); err == nil {
				tx.Delete(pathEntryKey(p))
				tx.Delete(entryPathKey(id))
			}
			if e.UUID != "" {
				tx.Delete(entryUUIDKey(e.UUID))
			}
			if _, err := tx.Delete(entryKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "store: delete subtree %d", entryID)
	}
	for _, p := range deletedPaths {
		s.cacheInvalidate(p)
	}
	return deletedUUIDs, nil
}

// PromiseEphemeralUUID exposes the ephemeral uuid map to callers browsing a
// path without indexing it (spec.md §9).
func (s *Store) PromiseEphemeralUUID(path string) string {
	return s.ephemeral.Promise(normPath(path))
}

// SetContentID links entryID to a content-identity uuid and, if the entry
// had no uuid yet (a non-empty file that deferred assignment), assigns one
// now — the combined outcome internal/content.LinkEntryToContent returns in
// one transaction per spec.md §4.3.
func (s *Store) SetContentID(entryID int64, contentID string, assignUUIDIfMissing string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.getTx(tx, entryID)
		if err != nil {
			return err
		}
		e.ContentID = contentID
		if e.UUID == "" && assignUUIDIfMissing != "" {
			e.UUID = assignUUIDIfMissing
			if _, _, err := tx.Set(entryUUIDKey(e.UUID), padID(entryID), nil); err != nil {
				return err
			}
		}
		_, _, err = tx.Set(entryKey(entryID), marshalEntry(e), nil)
		return err
	})
}

// RemoteEntry is the device-owned-state-sync shape for applying a peer's
// Entry row against the local graph (spec.md §4.8 StateChange apply path).
// ParentUUID/ContentUUID are resolved to local integer ids by the caller
// (internal/syncpeer) before calling ApplyRemote, using ResolveParentID /
// GetByUUID — a resolution failure there is what feeds the dependency
// tracker.
type RemoteEntry struct {
	UUID       string
	Name       string
	Kind       Kind
	Extension  string
	Size       int64
	ParentID   *int64
	ContentID  string
	MTime      time.Time
	CTime      time.Time
	DirPath    string // set only for directories

	// DeviceUUID and Timestamp come straight off the carrying StateChange
	// and key/guard the last-writer-wins check below; they are never part
	// of the persisted Entry row itself.
	DeviceUUID string
	Timestamp  time.Time
}

const lwwModelEntry = "entry"

// ApplyRemote upserts a peer's entry by uuid: last-writer-wins at the
// record level per spec.md invariant 6, since entries are a device-owned
// resource shipped as full-state StateChanges rather than log-replayed. An
// incoming re.Timestamp that is not strictly newer than the last one applied
// for (re.UUID, re.DeviceUUID) is a stale or reordered delivery (spec.md
// §6) and is dropped rather than overwriting live data.
func (s *Store) ApplyRemote(re RemoteEntry) (localID int64, err error) {
	err = s.db.Update(func(tx *buntdb.Tx) error {
		var e *Entry
		existed := false
		if idStr, gerr := tx.Get(entryUUIDKey(re.UUID)); gerr == nil {
			existed = true
			id := parseID(idStr)
			e, err = s.getTx(tx, id)
			if err != nil {
				return err
			}
		} else if !errors.Is(gerr, buntdb.ErrNotFound) {
			return gerr
		} else {
			id, nerr := s.nextID(tx)
			if nerr != nil {
				return nerr
			}
			e = &Entry{ID: id, UUID: re.UUID}
			if err := expandClosureOnCreate(tx, valueOr(re.ParentID, 0), id); err != nil {
				return err
			}
		}

		if existed {
			newer, nerr := newerThanApplied(tx, lwwModelEntry, re.UUID, re.DeviceUUID, re.Timestamp)
			if nerr != nil {
				return nerr
			}
			if !newer {
				localID = e.ID
				return nil
			}
		}

		e.Name = re.Name
		e.Kind = re.Kind
		e.Extension = re.Extension
		e.Size = re.Size
		e.ParentID = re.ParentID
		e.ContentID = re.ContentID
		e.MTime = re.MTime
		e.CTime = re.CTime
		e.IndexedAt = time.Now()

		if _, _, serr := tx.Set(entryKey(e.ID), marshalEntry(e), nil); serr != nil {
			return serr
		}
		if _, _, serr := tx.Set(entryUUIDKey(e.UUID), padID(e.ID), nil); serr != nil {
			return serr
		}
		if re.Kind == KindDirectory && re.DirPath != "" {
			if _, _, serr := tx.Set(dirPathKey(e.ID), re.DirPath, nil); serr != nil {
				return serr
			}
			if _, _, serr := tx.Set(pathDirKey(re.DirPath), padID(e.ID), nil); serr != nil {
				return serr
			}
		}
		if serr := markDeviceApplied(tx, lwwModelEntry, re.UUID, re.DeviceUUID, re.Timestamp); serr != nil {
			return serr
		}
		localID = e.ID
		return nil
	})
	return localID, errors.Wrapf(err, "store: apply remote entry %s", re.UUID)
}

func valueOr(p *int64, def int64) int64 {
	if p == nil {
		return def
	}
	return *p
}

func parseID(s string) int64 {
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
