package indexer

import (
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/job"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
)

// AggregateJobName is the registry key for AggregateSizeJob, dispatched
// automatically off an indexer job's JobCompleted event (WatchJobCompletions)
// rather than being something a caller schedules directly.
const AggregateJobName = "indexer.aggregate_size"

// AggregateParams identifies the subtree root whose directory sizes need
// recomputing after an indexer run touched entries under it.
type AggregateParams struct {
	RootEntryID int64
}

// aggregateCheckpoint records how far a bottom-up rollup got as the set of
// directory ids already rolled up — the traversal order itself is recomputed
// on resume and those ids are skipped.
type aggregateCheckpoint struct {
	CompletedIDs map[int64]bool
}

// AggregateSizeJob implements spec.md's resolved Open Question on directory
// size aggregation: a separate, resumable job — not folded into the walk
// itself — that sums child sizes bottom-up over the closure table and
// writes Size/child_count/file_count on every directory ancestor.
type AggregateSizeJob struct {
	Params  AggregateParams
	Entries *store.Store
}

func NewAggregateFactory(entries *store.Store) job.Factory {
	return func(paramsJSON []byte) (job.Handler, error) {
		var p AggregateParams
		if err := json.Unmarshal(paramsJSON, &p); err != nil {
			return nil, errors.Wrap(err, "indexer: unmarshal aggregate params")
		}
		return &AggregateSizeJob{Params: p, Entries: entries}, nil
	}
}

func (j *AggregateSizeJob) Run(rc *job.RunContext) ([]byte, error) {
	done := map[int64]bool{}
	if cp := rc.InitialCheckpoint(); len(cp) > 0 {
		var saved aggregateCheckpoint
		if err := json.Unmarshal(cp, &saved); err == nil {
			done = saved.CompletedIDs
		}
	}
	if done == nil {
		done = map[int64]bool{}
	}

	order, err := postOrderDirectories(j.Entries, j.Params.RootEntryID)
	if err != nil {
		return nil, errors.Wrap(err, "indexer: build aggregate traversal")
	}

	var processed int
	for idx, dirID := range order {
		if done[dirID] {
			continue
		}
		if idx%32 == 0 {
			if ierr := rc.CheckInterrupt(); ierr != nil {
				j.saveCheckpoint(rc, done)
				return nil, ierr
			}
		}

		size, fileCount, childCount, err := j.rollupOne(dirID)
		if err != nil {
			nlog.Warningln("indexer: aggregate skip dir", dirID, err)
			continue
		}
		if err := j.Entries.SetAggregates(dirID, size, fileCount, childCount); err != nil {
			nlog.Warningln("indexer: aggregate write dir", dirID, err)
			continue
		}
		done[dirID] = true
		processed++

		if processed%50 == 0 {
			rc.Progress(float64(idx+1)/float64(len(order)), "aggregating", map[string]int64{
				"dirs_done":  int64(processed),
				"dirs_total": int64(len(order)),
			})
			j.saveCheckpoint(rc, done)
		}
	}

	rc.Progress(1, "done", map[string]int64{"dirs_done": int64(processed), "dirs_total": int64(len(order))})
	return nil, nil
}

// rollupOne sums the immediate children of dirID, trusting that deeper
// directories were already rolled up earlier in post-order so their own
// Size field already reflects their subtree.
func (j *AggregateSizeJob) rollupOne(dirID int64) (size int64, fileCount, childCount int, err error) {
	children, err := j.Entries.ListChildren(dirID)
	if err != nil {
		return 0, 0, 0, err
	}
	for _, c := range children {
		childCount++
		if c.Kind == store.KindDirectory {
			size += c.Size
			continue
		}
		fileCount++
		size += c.Size
	}
	return size, fileCount, childCount, nil
}

// postOrderDirectories lists rootID and every directory descendant so that
// every directory appears after all of its own directory descendants
// (children before parents), the order rollupOne's trust-child-Size
// shortcut requires.
func postOrderDirectories(entries *store.Store, rootID int64) ([]int64, error) {
	root, err := entries.Get(rootID)
	if err != nil {
		return nil, err
	}
	if root.Kind != store.KindDirectory {
		return nil, nil
	}

	var order []int64
	var walk func(id int64) error
	walk = func(id int64) error {
		children, err := entries.ListChildren(id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if c.Kind == store.KindDirectory {
				if err := walk(c.ID); err != nil {
					return err
				}
			}
		}
		order = append(order, id)
		return nil
	}
	if err := walk(rootID); err != nil {
		return nil, err
	}
	return order, nil
}

func (j *AggregateSizeJob) saveCheckpoint(rc *job.RunContext, done map[int64]bool) {
	b, err := json.Marshal(aggregateCheckpoint{CompletedIDs: done})
	if err != nil {
		nlog.Errorf("indexer: marshal aggregate checkpoint: %v", err)
		return
	}
	if err := rc.Checkpoint(b); err != nil {
		nlog.Errorf("indexer: persist aggregate checkpoint: %v", err)
	}
}
