package xfer

import (
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/content"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/job"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/volume"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JobName is the registry key this package's handler is dispatched under.
const JobName = "xfer.copy"

// checkpointEvery matches spec.md §4.7's resumability rule: top-level
// sources' completed_indices are persisted every 20 files, not on every
// single file, to bound checkpoint-write overhead on large trees.
const checkpointEvery = 20

// SourceSpec is one top-level item selected for the operation — a file or
// a directory, whose whole subtree travels together.
type SourceSpec struct {
	EntryID    int64
	Path       string // absolute source path
	VolumeUUID string // empty if unknown; decideStrategy treats that as same-volume
}

// Params is the JSON-serializable job argument for one move/copy operation.
type Params struct {
	Sources        []SourceSpec
	DestDir        string // absolute destination directory path
	SrcDeviceID    string
	DestDeviceID   string
	DestVolumeUUID string
	IsMove         bool
}

// copyTask is one file or directory node discovered while expanding a
// source's subtree. IsRenameUnit tasks represent an entire top-level
// source handled as a single atomic rename rather than walked file-by-file.
type copyTask struct {
	SourceIndex  int
	SrcPath      string
	DestPath     string
	EntryID      int64
	Kind         store.Kind
	IsRenameUnit bool
}

type failedCopy struct {
	SourceIndex int
	Source      string
	Destination string
	Error       string
}

// copyCheckpoint is what gets compressed into the job's checkpoint row
// between files — completed_indices lets a resumed job skip every
// already-finished file outright (spec.md §4.6's resume test: 200 of 1000
// files done, restart must skip exactly those 200).
type copyCheckpoint struct {
	CompletedIndices map[int]bool
	FailedCopies     []failedCopy
	BytesCopied      int64
}

// Job is the move/copy engine's job.Handler implementation.
type Job struct {
	Params   Params
	Entries  *store.Store
	Content  *content.Store
	Bus      *eventbus.Bus
	Backend  volume.Backend     // backend this library's local mounts are read/written through
	Transfer FileTransferClient // required only when a source dispatches to StrategyCrossDeviceTransfer
}

// NewFactory returns a job.Factory for JobName.
func NewFactory(entries *store.Store, contentStore *content.Store, bus *eventbus.Bus, backend volume.Backend, transfer FileTransferClient) job.Factory {
	return func(paramsJSON []byte) (job.Handler, error) {
		var p Params
		if err := json.Unmarshal(paramsJSON, &p); err != nil {
			return nil, errors.Wrap(err, "xfer: unmarshal params")
		}
		return &Job{Params: p, Entries: entries, Content: contentStore, Bus: bus, Backend: backend, Transfer: transfer}, nil
	}
}

func (j *Job) Run(rc *job.RunContext) ([]byte, error) {
	rc.Progress(0.0, "Initializing", nil)

	knownFiles, knownBytes := j.databaseQueryTotals()
	rc.Progress(0.05, "DatabaseQuery", map[string]int64{"total_files": knownFiles, "total_bytes": knownBytes})

	tasks, strategies, ranges, err := j.buildTasks()
	if err != nil {
		return nil, err
	}
	totalFiles := countNonDirTasks(tasks)
	rc.Progress(0.1, "Preparation", map[string]int64{"total_files": int64(totalFiles), "total_bytes": knownBytes})

	cp := j.loadCheckpoint(rc)
	var createdUUIDs []string
	var filesCopied, sinceCheckpoint int
	for idx, t := range tasks {
		if cp.CompletedIndices[idx] {
			if !t.IsRenameUnit && t.Kind != store.KindDirectory {
				filesCopied++
			}
			continue
		}
		if ierr := rc.CheckInterrupt(); ierr != nil {
			j.saveCheckpoint(rc, cp)
			return nil, ierr
		}

		uuid, n, perr := j.processTask(rc, t, strategies[t.SourceIndex])
		if perr != nil {
			cp.FailedCopies = append(cp.FailedCopies, failedCopy{SourceIndex: t.SourceIndex, Source: t.SrcPath, Destination: t.DestPath, Error: perr.Error()})
			nonCriticalLog(t.SrcPath, perr)
			cp.CompletedIndices[idx] = true // never retried indefinitely; recorded as a non-critical failure
			continue
		}
		if uuid != "" {
			createdUUIDs = append(createdUUIDs, uuid)
		}
		cp.BytesCopied += n
		cp.CompletedIndices[idx] = true
		if !t.IsRenameUnit && t.Kind != store.KindDirectory {
			filesCopied++
			sinceCheckpoint++
		}
		if sinceCheckpoint >= checkpointEvery {
			j.saveCheckpoint(rc, cp)
			sinceCheckpoint = 0
		}

		rc.Progress(0.1+0.8*float64(filesCopied)/float64(maxInt(totalFiles, 1)), "Copying", map[string]int64{
			"files_copied": int64(filesCopied),
			"total_files":  int64(totalFiles),
			"bytes_copied": cp.BytesCopied,
			"errors":       int64(len(cp.FailedCopies)),
		})
	}

	j.finalizeSubtreeMoves(strategies, ranges, cp)
	j.saveCheckpoint(rc, cp)

	if j.Bus != nil && len(createdUUIDs) > 0 {
		j.Bus.Publish(eventbus.Event{Kind: eventbus.KindResourceChangedBatch, Payload: eventbus.ResourceChangedBatchPayload{
			ResourceType: "entry",
			ResourceIDs:  createdUUIDs,
		}})
	}

	rc.Progress(1.0, "Complete", map[string]int64{
		"files_copied": int64(filesCopied),
		"bytes_copied": cp.BytesCopied,
		"errors":       int64(len(cp.FailedCopies)),
	})

	if filesCopied == 0 && len(cp.FailedCopies) > 0 {
		return nil, errors.Errorf("xfer: all %d file(s) failed to copy", len(cp.FailedCopies))
	}

	nlog.Infof("xfer: copy job complete: %d files, %d bytes, %d non-critical errors",
		filesCopied, cp.BytesCopied, len(cp.FailedCopies))
	return nil, nil
}

// databaseQueryTotals implements the DatabaseQuery phase: pre-known
// file/byte counts read straight from already-aggregated Entry fields, so
// the UI has numbers before the slower Preparation walk finishes.
func (j *Job) databaseQueryTotals() (files, bytes int64) {
	for _, src := range j.Params.Sources {
		e, err := j.Entries.Get(src.EntryID)
		if err != nil {
			continue
		}
		if e.Kind == store.KindDirectory {
			files += int64(e.FileCount)
			bytes += e.Size
		} else {
			files++
			bytes += e.Size
		}
	}
	return files, bytes
}

// buildTasks decides each source's strategy and, for anything other than
// an atomic rename, expands its subtree into a flat per-file/per-directory
// task list via an explicit stack (never recursion), per spec.md §4.7.
// ranges[i] records the [start,end) slice of the flat list that source i
// occupies, used by finalizeSubtreeMoves to detect a fully-succeeded move.
func (j *Job) buildTasks() (tasks []copyTask, strategies []Strategy, ranges [][2]int, err error) {
	strategies = make([]Strategy, len(j.Params.Sources))
	ranges = make([][2]int, len(j.Params.Sources))
	for i, src := range j.Params.Sources {
		strat := decideStrategy(j.Params.SrcDeviceID == j.Params.DestDeviceID, src.VolumeUUID, j.Params.DestVolumeUUID, j.Params.IsMove)
		strategies[i] = strat
		destPath := filepath.Join(j.Params.DestDir, filepath.Base(src.Path))
		start := len(tasks)

		if strat == StrategyRename {
			tasks = append(tasks, copyTask{SourceIndex: i, SrcPath: src.Path, DestPath: destPath, EntryID: src.EntryID, IsRenameUnit: true})
			ranges[i] = [2]int{start, len(tasks)}
			continue
		}

		expanded, eerr := j.expandTree(src.EntryID, src.Path, destPath)
		if eerr != nil {
			return nil, nil, nil, eerr
		}
		for k := range expanded {
			expanded[k].SourceIndex = i
		}
		tasks = append(tasks, expanded...)
		ranges[i] = [2]int{start, len(tasks)}
	}
	return tasks, strategies, ranges, nil
}

// expandTree walks entryID's subtree with an explicit stack — bounding
// stack depth to tree depth rather than entry count, and never recursing —
// mirroring the non-recursive traversal idiom aistore's xs/dpromote.go uses
// for directory promotion.
func (j *Job) expandTree(entryID int64, srcPath, destPath string) ([]copyTask, error) {
	e, err := j.Entries.Get(entryID)
	if err != nil {
		return nil, errors.Wrapf(err, "xfer: get entry %d", entryID)
	}
	if e.Kind != store.KindDirectory {
		return []copyTask{{SrcPath: srcPath, DestPath: destPath, EntryID: entryID, Kind: e.Kind}}, nil
	}

	type frame struct {
		entryID           int64
		srcPath, destPath string
		kind              store.Kind
	}
	var tasks []copyTask
	stack := []frame{{entryID, srcPath, destPath, store.KindDirectory}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		tasks = append(tasks, copyTask{SrcPath: top.srcPath, DestPath: top.destPath, EntryID: top.entryID, Kind: top.kind})

		children, cerr := j.Entries.ListChildren(top.entryID)
		if cerr != nil {
			return nil, errors.Wrapf(cerr, "xfer: list children of %s", top.srcPath)
		}
		for _, c := range children {
			stack = append(stack, frame{c.ID, filepath.Join(top.srcPath, c.Name), filepath.Join(top.destPath, c.Name), c.Kind})
		}
	}
	return tasks, nil
}

// processTask performs one task's physical transfer and, for everything
// except a subtree move, its store-side reflection. Subtree moves
// (StrategyStreamingCopy/StrategyCrossDeviceTransfer with IsMove) defer
// store relocation and source deletion to finalizeSubtreeMoves, which runs
// only after every task under that source has succeeded — a half-copied
// tree must never cost the source its only copy.
func (j *Job) processTask(rc *job.RunContext, t copyTask, strategy Strategy) (newUUID string, bytesMoved int64, err error) {
	if t.IsRenameUnit {
		if rerr := renameFile(t.SrcPath, t.DestPath); rerr != nil {
			return "", 0, rerr
		}
		destParent, destName := filepath.Dir(t.DestPath), filepath.Base(t.DestPath)
		if merr := j.Entries.Move(t.EntryID, destParent, destName); merr != nil {
			return "", 0, errors.Wrapf(merr, "xfer: move entry %d in store", t.EntryID)
		}
		e, _ := j.Entries.Get(t.EntryID)
		var sz int64
		if e != nil {
			sz = e.Size
		}
		return "", sz, nil
	}

	srcEntry, gerr := j.Entries.Get(t.EntryID)
	if gerr != nil {
		return "", 0, errors.Wrapf(gerr, "xfer: get source entry %d", t.EntryID)
	}

	var n int64
	if t.Kind == store.KindDirectory {
		if merr := os.MkdirAll(t.DestPath, 0o755); merr != nil && !os.IsExist(merr) {
			return "", 0, errors.Wrapf(merr, "xfer: mkdir %s", t.DestPath)
		}
	} else {
		switch strategy {
		case StrategySameVolumeCopy:
			n, err = copyFileContents(t.SrcPath, t.DestPath, 0o644)
		case StrategyStreamingCopy:
			n, err = streamingCopy(rc.Context(), j.Backend, j.Backend, t.SrcPath, t.DestPath, rc.CheckInterrupt)
		case StrategyCrossDeviceTransfer:
			err = crossDeviceTransfer(rc.Context(), j.Transfer, j.Backend, t.SrcPath, j.Params.DestDeviceID, t.DestPath, srcEntry.Size)
			n = srcEntry.Size
		default:
			err = errors.Errorf("xfer: strategy %s unexpected for a non-rename task", strategy)
		}
		if err != nil {
			return "", 0, err
		}
	}

	if !j.Params.IsMove {
		destParent, destName := filepath.Dir(t.DestPath), filepath.Base(t.DestPath)
		meta := store.EntryMeta{
			Name: destName, Kind: srcEntry.Kind, Extension: srcEntry.Extension,
			Size: n, MTime: srcEntry.MTime, CTime: srcEntry.CTime, Hidden: srcEntry.Hidden,
		}
		newEntry, cerr := j.Entries.Create(t.DestPath, destParent, meta)
		if cerr != nil {
			return "", n, errors.Wrapf(cerr, "xfer: index new entry at %s", t.DestPath)
		}
		if srcEntry.ContentID != "" {
			// identical bytes: reuse the known content identity rather than
			// rehashing, the same shortcut EntryMeta.ContentID offers callers
			// that already know it at creation time.
			if serr := j.Entries.SetContentID(newEntry.ID, srcEntry.ContentID, ""); serr != nil {
				nlog.Warningln("xfer: link copied entry to content identity:", serr)
			}
		}
		return newEntry.UUID, n, nil
	}

	return "", n, nil
}

// finalizeSubtreeMoves reflects a successful cross-volume/cross-device move
// in the store exactly once per source (store.Move already relocates an
// entire subtree's closure in one call) and only deletes the original
// bytes once every task under that source succeeded — the resolved Open
// Question on a vanishing source device: retain the partial destination,
// never delete the source on anything less than full success.
func (j *Job) finalizeSubtreeMoves(strategies []Strategy, ranges [][2]int, cp copyCheckpoint) {
	if !j.Params.IsMove {
		return
	}
	for i, src := range j.Params.Sources {
		if strategies[i] == StrategyRename {
			continue // already moved in-place by processTask
		}
		start, end := ranges[i][0], ranges[i][1]
		if sourceHasFailures(cp, i) || !allCompleted(cp, start, end) {
			nlog.Warningln("xfer: source", src.Path, "left partially copied, not deleting original")
			continue
		}
		destPath := filepath.Join(j.Params.DestDir, filepath.Base(src.Path))
		destParent, destName := filepath.Dir(destPath), filepath.Base(destPath)
		if err := j.Entries.Move(src.EntryID, destParent, destName); err != nil {
			nonCriticalLog(src.Path, err)
			continue
		}
		if err := os.RemoveAll(src.Path); err != nil {
			nonCriticalLog(src.Path, err)
		}
	}
}

func sourceHasFailures(cp copyCheckpoint, sourceIndex int) bool {
	for _, f := range cp.FailedCopies {
		if f.SourceIndex == sourceIndex {
			return true
		}
	}
	return false
}

func allCompleted(cp copyCheckpoint, start, end int) bool {
	for i := start; i < end; i++ {
		if !cp.CompletedIndices[i] {
			return false
		}
	}
	return true
}

func countNonDirTasks(tasks []copyTask) int {
	n := 0
	for _, t := range tasks {
		if t.IsRenameUnit || t.Kind != store.KindDirectory {
			n++
		}
	}
	return n
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func nonCriticalLog(path string, err error) {
	nlog.Warningln("xfer: non-critical:", path, err)
}

func (j *Job) loadCheckpoint(rc *job.RunContext) copyCheckpoint {
	var cp copyCheckpoint
	if raw := rc.InitialCheckpoint(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &cp); err != nil {
			nlog.Warningln("xfer: discarding unreadable checkpoint:", err)
			cp = copyCheckpoint{}
		}
	}
	if cp.CompletedIndices == nil {
		cp.CompletedIndices = make(map[int]bool)
	}
	return cp
}

func (j *Job) saveCheckpoint(rc *job.RunContext, cp copyCheckpoint) {
	b, err := json.Marshal(cp)
	if err != nil {
		nlog.Errorf("xfer: marshal checkpoint: %v", err)
		return
	}
	if err := rc.Checkpoint(b); err != nil {
		nlog.Errorf("xfer: persist checkpoint: %v", err)
	}
}
