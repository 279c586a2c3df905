package indexer

import (
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/store"
)

// ToWalkEntry is one item in the indexer's explicit BFS queue (spec.md
// §4.6 step 1). ParentAcceptByChildren carries the propagated
// accept_by_children_dir flag from the parent directory's rule evaluation.
type ToWalkEntry struct {
	Path                   string
	ParentAcceptByChildren bool
}

// childInfo is one directory child's walked metadata.
type childInfo struct {
	Name  string
	Path  string
	IsDir bool
	Meta  store.EntryMeta
}

// readChildren lists path's immediate children, fetching metadata for each
// and ignoring symlinks, per spec.md §4.6 step 2. A per-child stat failure
// is treated as a transient, non-critical error and the child is skipped
// rather than aborting the whole directory read.
func readChildren(path string) ([]childInfo, []error) {
	dirents, err := godirwalk.ReadDirents(path, nil)
	if err != nil {
		return nil, []error{errors.Wrapf(err, "indexer: read dir %s", path)}
	}

	var out []childInfo
	var nonCritical []error
	for _, de := range dirents {
		if de.IsSymlink() {
			continue // symlinks ignored, per spec.md §4.6 step 2
		}
		full := filepath.Join(path, de.Name())
		fi, serr := os.Lstat(full)
		if serr != nil {
			nonCritical = append(nonCritical, errors.Wrapf(serr, "indexer: stat %s", full))
			continue
		}
		out = append(out, childInfo{
			Name:  de.Name(),
			Path:  full,
			IsDir: de.IsDir(),
			Meta:  metaFromFileInfo(fi, de.IsDir()),
		})
	}
	return out, nonCritical
}

func metaFromFileInfo(fi os.FileInfo, isDir bool) store.EntryMeta {
	kind := store.KindFile
	if isDir {
		kind = store.KindDirectory
	}
	m := store.EntryMeta{
		Name:      fi.Name(),
		Kind:      kind,
		Extension: extensionOf(fi.Name(), isDir),
		Size:      fi.Size(),
		MTime:     fi.ModTime(),
		CTime:     fi.ModTime(),
		Hidden:    isHidden(fi.Name()),
	}
	if st, ok := fi.Sys().(*syscall.Stat_t); ok {
		inode := uint64(st.Ino)
		m.Inode = &inode
		m.CTime = ctimeFromStat(st)
	}
	return m
}

func extensionOf(name string, isDir bool) string {
	if isDir {
		return ""
	}
	ext := filepath.Ext(name)
	if len(ext) > 0 {
		ext = ext[1:]
	}
	return ext
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

func namesOfDirs(children []childInfo) []string {
	var out []string
	for _, c := range children {
		if c.IsDir {
			out = append(out, c.Name)
		}
	}
	return out
}

// ctimeFromStat extracts the inode change time from Linux's syscall.Stat_t
// (the only platform this package targets, matching the teacher's own
// Linux-only syscall assumptions elsewhere in the codebase).
func ctimeFromStat(st *syscall.Stat_t) time.Time {
	sec, nsec := st.Ctim.Sec, st.Ctim.Nsec
	return time.Unix(sec, nsec)
}
