package indexer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/syncmesh/internal/content"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/job"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JobName is the registry key this package's handler is dispatched under,
// used for both RPC dispatch-by-name and restart resume (spec.md §4.5).
const JobName = "indexer.walk"

// Params is the JSON-serializable job argument for an indexer run.
type Params struct {
	LocationID      int64
	RootPath        string
	WalkConcurrency int
}

// walkedEntry is one accepted (or ancestor-forced) path discovered during
// the walk, carried in memory until the apply phase.
type walkedEntry struct {
	Path             string
	Meta             store.EntryMeta
	AcceptByChildren bool
	IsAncestorOnly   bool // added by ancestor-gathering, not by rule acceptance
}

// checkpointState is what gets lz4-compressed into the job's checkpoint row
// when the walk is interrupted — the explicit queue, which is the BFS
// frontier, so a paused job resumes at that frontier rather than restarting
// (spec.md §4.6 "Resumability").
type checkpointState struct {
	Queue []ToWalkEntry
}

// Job is the indexer pipeline's job.Handler implementation.
type Job struct {
	Params     Params
	Rules      RuleSet
	Entries    *store.Store
	Content    *content.Store
	Bus        *eventbus.Bus
	HashLinker bool // false skips content linking (large-tree smoke runs)
}

// NewFactory returns a job.Factory for JobName, closing over the shared
// store/content/bus handles a Library wires at startup.
func NewFactory(entries *store.Store, contentStore *content.Store, bus *eventbus.Bus, rules RuleSet) job.Factory {
	return func(paramsJSON []byte) (job.Handler, error) {
		var p Params
		if err := json.Unmarshal(paramsJSON, &p); err != nil {
			return nil, errors.Wrap(err, "indexer: unmarshal params")
		}
		return &Job{Params: p, Rules: rules, Entries: entries, Content: contentStore, Bus: bus, HashLinker: true}, nil
	}
}

func (j *Job) Run(rc *job.RunContext) ([]byte, error) {
	concurrency := j.Params.WalkConcurrency
	if concurrency <= 0 {
		concurrency = 8
	}

	root := normRoot(j.Params.RootPath)
	queue := []ToWalkEntry{{Path: root}}
	if cp := rc.InitialCheckpoint(); len(cp) > 0 {
		var saved checkpointState
		if err := json.Unmarshal(cp, &saved); err == nil && len(saved.Queue) > 0 {
			queue = saved.Queue
		}
	}

	accepted := make(map[string]walkedEntry)
	var walkedDirs int
	var nonCritical []error

	// the walk root itself is never subject to rule evaluation — it is the
	// Location's attachment point, always present regardless of the
	// children-accept/reject rules that govern everything beneath it.
	if fi, err := os.Lstat(root); err == nil {
		accepted[root] = walkedEntry{Path: root, Meta: metaFromFileInfo(fi, true)}
	} else {
		return nil, errors.Wrapf(err, "indexer: stat location root %s", root)
	}

	for len(queue) > 0 {
		if err := rc.CheckInterrupt(); err != nil {
			j.saveCheckpoint(rc, queue)
			return nil, err
		}

		wave := queue
		queue = nil
		results, errs := j.processWave(wave, concurrency, root)
		nonCritical = append(nonCritical, errs...)

		for _, r := range results {
			for _, c := range r.accepted {
				accepted[c.Path] = c
				if c.Meta.Kind == store.KindDirectory {
					queue = append(queue, ToWalkEntry{Path: c.Path, ParentAcceptByChildren: c.AcceptByChildren})
				}
			}
			walkedDirs++
		}

		rc.Progress(progressEstimate(walkedDirs), "walking", map[string]int64{
			"dirs_walked":   int64(walkedDirs),
			"entries_found": int64(len(accepted)),
			"queue_depth":   int64(len(queue)),
			"non_critical":  int64(len(nonCritical)),
		})
	}

	gatherAncestors(accepted, root)

	created, updated, removed, err := j.apply(rc, accepted)
	if err != nil {
		return nil, err
	}

	if err := j.Entries.SetScanState(j.Params.LocationID, store.ScanIndexed); err != nil {
		nlog.Errorf("indexer: set scan state for location %d: %v", j.Params.LocationID, err)
	}

	if j.Bus != nil {
		j.Bus.Publish(eventbus.Event{Kind: eventbus.KindResourceChangedBatch, Payload: eventbus.ResourceChangedBatchPayload{
			ResourceType: "entry",
			ResourceIDs:  created,
		}})
	}

	nlog.Infof("indexer: location %d complete: %d created, %d updated, %d removed, %d non-critical errors",
		j.Params.LocationID, len(created), len(updated), len(removed), len(nonCritical))

	return nil, nil
}

type waveResult struct {
	accepted []walkedEntry
}

// processWave fans sub-directory reads for one BFS wave out across a
// bounded worker pool (golang.org/x/sync/errgroup), the stand-in for
// spec.md §4.6's "work-stealing task system" child-task dispatch.
func (j *Job) processWave(wave []ToWalkEntry, concurrency int, root string) ([]waveResult, []error) {
	results := make([]waveResult, len(wave))
	var mu sync.Mutex
	var allErrs []error

	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	for i, item := range wave {
		i, item := i, item
		g.Go(func() error {
			children, nc := readChildren(item.Path)
			if len(nc) > 0 {
				mu.Lock()
				allErrs = append(allErrs, nc...)
				mu.Unlock()
			}
			childDirNames := namesOfDirs(children)
			var acc []walkedEntry
			for _, c := range children {
				relPath := relChildPath(root, c.Path, c.Name)
				accept, acceptByChildren := j.Rules.Evaluate(relPath, c.IsDir, childDirNames)
				if item.ParentAcceptByChildren {
					accept = true // propagated acceptance overrides this level's own rules
				}
				if !accept {
					continue
				}
				acc = append(acc, walkedEntry{Path: c.Path, Meta: c.Meta, AcceptByChildren: acceptByChildren})
			}
			results[i] = waveResult{accepted: acc}
			return nil
		})
	}
	_ = g.Wait() // per-child errors are collected as non-critical, never fatal to the wave
	return results, allErrs
}

// gatherAncestors implements spec.md §4.6 step 3: every accepted path's
// ancestor chain up to root is forced into the accepted set, even if rule
// evaluation would otherwise have rejected an intermediate directory.
func gatherAncestors(accepted map[string]walkedEntry, root string) {
	for path := range accepted {
		dir := filepath.Dir(path)
		for dir != root && len(dir) >= len(root) && strings.HasPrefix(dir, root) {
			if _, ok := accepted[dir]; !ok {
				accepted[dir] = walkedEntry{
					Path:           dir,
					Meta:           store.EntryMeta{Name: filepath.Base(dir), Kind: store.KindDirectory},
					IsAncestorOnly: true,
				}
			}
			dir = filepath.Dir(dir)
		}
	}
}

// apply implements spec.md §4.6 steps 4-6: segregate create/update/tombstone
// against the store, writing each accepted path in parent-before-child
// order so every Create call's parent is already indexed.
func (j *Job) apply(rc *job.RunContext, accepted map[string]walkedEntry) (created, updated, removed []string, err error) {
	ordered := orderByDepth(accepted)

	for idx, w := range ordered {
		if idx%64 == 0 {
			if ierr := rc.CheckInterrupt(); ierr != nil {
				return created, updated, removed, ierr
			}
		}
		parentPath := filepath.Dir(w.Path)
		if w.Path == normRoot(j.Params.RootPath) || parentPath == w.Path {
			// the Location root has no indexed parent; it is the library's
			// attachment point, not a child of some other entry.
			parentPath = ""
		}
		existingID, rerr := j.Entries.ResolveEntryPath(w.Path)
		if rerr != nil {
			nonCriticalLog(w.Path, rerr)
			continue
		}

		if existingID == 0 {
			e, cerr := j.Entries.Create(w.Path, parentPath, w.Meta)
			if cerr != nil {
				nonCriticalLog(w.Path, cerr)
				continue
			}
			created = append(created, e.UUID)
			j.maybeLinkContent(w.Path, e)
			continue
		}

		existing, gerr := j.Entries.Get(existingID)
		if gerr != nil {
			nonCriticalLog(w.Path, gerr)
			continue
		}
		if !isModified(existing, w.Meta) {
			continue
		}
		if uerr := j.Entries.Update(existingID, w.Meta); uerr != nil {
			nonCriticalLog(w.Path, uerr)
			continue
		}
		updated = append(updated, existing.UUID)
		j.maybeLinkContent(w.Path, existing)
	}

	tombstones, terr := j.findTombstones(accepted, normRoot(j.Params.RootPath))
	if terr != nil {
		return created, updated, removed, terr
	}
	for _, t := range tombstones {
		uuids, derr := j.Entries.DeleteSubtree(t)
		if derr != nil {
			nonCriticalLog("tombstone", derr)
			continue
		}
		removed = append(removed, uuids...)
	}

	return created, updated, removed, nil
}

// findTombstones implements spec.md §4.6 step 5: every previously-indexed
// direct child of an accepted directory that the walk did not re-confirm
// this round becomes a tombstone delete. Walking only one level per
// accepted directory (rather than a full closure-table descendant scan) is
// sufficient because DeleteSubtree recursively removes whatever hangs below
// a vanished child.
func (j *Job) findTombstones(accepted map[string]walkedEntry, root string) ([]int64, error) {
	var stale []int64
	for path, w := range accepted {
		if w.Meta.Kind != store.KindDirectory {
			continue
		}
		dirID, err := j.Entries.ResolveEntryPath(path)
		if err != nil || dirID == 0 {
			continue // freshly created this round, nothing previously indexed under it
		}
		children, err := j.Entries.ListChildren(dirID)
		if err != nil {
			return nil, errors.Wrapf(err, "indexer: list children of %s", path)
		}
		for _, c := range children {
			childPath := filepath.Join(path, c.Name)
			if _, ok := accepted[childPath]; !ok {
				stale = append(stale, c.ID)
			}
		}
	}
	return stale, nil
}

func (j *Job) maybeLinkContent(path string, e *store.Entry) {
	if !j.HashLinker || e.Kind != store.KindFile || e.Size == 0 {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		nonCriticalLog(path, err)
		return
	}
	defer f.Close()
	hash, size, err := content.HashFile(f)
	if err != nil {
		nonCriticalLog(path, err)
		return
	}
	if _, _, _, err := j.Content.LinkEntryToContent(j.Entries, e.ID, hash, size, "", ""); err != nil {
		nonCriticalLog(path, err)
	}
}

// isModified implements spec.md §4.6 step 4's update predicate.
func isModified(existing *store.Entry, m store.EntryMeta) bool {
	if inodeChanged(existing.Inode, m.Inode) {
		return true
	}
	if absDuration(existing.MTime.Sub(m.MTime)) > time.Millisecond {
		return true
	}
	if existing.Hidden != m.Hidden {
		return true
	}
	if existing.Kind == store.KindFile && existing.Size != m.Size {
		return true
	}
	return false
}

func inodeChanged(a, b *uint64) bool {
	if (a == nil) != (b == nil) {
		return true
	}
	return a != nil && b != nil && *a != *b
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// orderByDepth sorts accepted paths so parents are always applied before
// their children, required for Create's parent-already-indexed precondition.
func orderByDepth(accepted map[string]walkedEntry) []walkedEntry {
	out := make([]walkedEntry, 0, len(accepted))
	for _, w := range accepted {
		out = append(out, w)
	}
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && depth(out[k].Path) < depth(out[k-1].Path); k-- {
			out[k], out[k-1] = out[k-1], out[k]
		}
	}
	return out
}

// relChildPath returns child's path relative to root, forward-slash joined,
// for rule evaluation (internal/indexer/rules.go's Evaluate). Falls back to
// the bare name if root isn't actually an ancestor of child, which should
// only happen for malformed input.
func relChildPath(root, child, name string) string {
	rel, err := filepath.Rel(root, child)
	if err != nil || strings.HasPrefix(rel, "..") {
		return name
	}
	return filepath.ToSlash(rel)
}

func depth(p string) int { return strings.Count(p, "/") }

func normRoot(p string) string { return strings.TrimSuffix(p, "/") }

func progressEstimate(dirsWalked int) float64 {
	// Without a pre-scan, total tree size is unknown; report an
	// asymptotic estimate so the UI progress bar still advances smoothly
	// rather than freezing at a single value.
	p := 1 - 1/(1+float64(dirsWalked)/50.0)
	if p > 0.98 {
		p = 0.98
	}
	return p
}

func nonCriticalLog(path string, err error) {
	nlog.Warningln("indexer: non-critical:", path, err)
}

// saveCheckpoint persists the remaining BFS frontier so a paused job resumes
// the walk rather than restarting it. accepted entries are not carried in
// the checkpoint: a resumed walk simply re-discovers and re-applies them,
// which is idempotent against the store's create-or-update segregation.
func (j *Job) saveCheckpoint(rc *job.RunContext, queue []ToWalkEntry) {
	b, err := json.Marshal(checkpointState{Queue: queue})
	if err != nil {
		nlog.Errorf("indexer: marshal checkpoint: %v", err)
		return
	}
	if err := rc.Checkpoint(b); err != nil {
		nlog.Errorf("indexer: persist checkpoint: %v", err)
	}
}
