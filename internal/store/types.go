// Package store implements the entry graph described in spec.md §4.2: the
// filesystem-entry table, its closure-table transitive closure, and the
// directory-path reverse index, all backed by a single buntdb database (the
// library's "main DB" in spec.md §3). buntdb gives us exactly the model
// spec.md §5 asks for — serialized writer access with transactional
// Update/View closures, and ordered key scans for the path/ancestor/
// descendant lookups the closure-table algorithm needs (key prefixes are the
// only index; no buntdb secondary index is created) — without pulling in
// an unrelated SQL driver that nothing else in the teacher's stack uses.
package store

import "time"

// Kind identifies what an Entry represents on disk.
type Kind int

const (
	KindFile Kind = iota
	KindDirectory
	KindSymlink
)

// EntryMeta is the caller-supplied metadata for Create/Update; it mirrors
// the filesystem facts the indexer and the move/copy engine observe.
type EntryMeta struct {
	Name      string
	Kind      Kind
	Extension string
	Size      int64
	Inode     *uint64
	MTime     time.Time
	CTime     time.Time
	Hidden    bool
	// ContentID, when set, links the entry at creation time (rare: only
	// when the caller already knows the content identity, e.g. a
	// zero-length file). Normally content linking happens later via
	// internal/content.
	ContentID string
}

// Entry is one filesystem-graph row (spec.md §3 Entry entity). ID is the
// process-local integer primary key; UUID is globally stable once assigned
// and never changes across move/rename (invariant 1).
type Entry struct {
	ID         int64
	UUID       string
	Name       string
	Kind       Kind
	Extension  string
	Size       int64
	ParentID   *int64
	Inode      *uint64
	MTime      time.Time
	CTime      time.Time
	IndexedAt  time.Time
	Hidden     bool
	ContentID  string // empty until content-linked
	ChildCount int    // directories only, written by AggregateSizeJob
	FileCount  int    // directories only, written by AggregateSizeJob
}

// ClosureRow is one (ancestor, descendant, depth) row. Every entry has a
// self-row (x, x, 0) per invariant 2.
type ClosureRow struct {
	AncestorID   int64
	DescendantID int64
	Depth        int
}

// ErrNotDirectory is returned by directory-only operations (DirectoryPath
// lookups) when called against a non-directory entry.
type ErrNotDirectory struct{ EntryID int64 }

func (e ErrNotDirectory) Error() string { return "store: entry is not a directory" }
