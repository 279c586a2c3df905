package indexer

import (
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/job"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
)

// Watcher drives incremental re-indexing off filesystem change notifications
// (spec.md §2's "watch -> incremental index" flow). It holds at most one
// pending redispatch: events that arrive while one is already pending fold
// into it rather than each dispatching a job. There is no quiet-period
// timer, so a long burst of events can still produce several walks.
type Watcher struct {
	fsw      *fsnotify.Watcher
	rt       *job.Runtime
	location *store.Location
	params   Params
	pending  chan struct{}
	done     chan struct{}
}

// NewWatcher opens an fsnotify watch rooted at loc.Path and wires it to
// redispatch the indexer job on loc whenever the tree changes.
func NewWatcher(rt *job.Runtime, loc *store.Location, p Params) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "indexer: open fsnotify watcher")
	}
	if err := addRecursive(fsw, loc.Path); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		rt:       rt,
		location: loc,
		params:   p,
		pending:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

func addRecursive(fsw *fsnotify.Watcher, root string) error {
	// A non-critical per-directory add failure (permission, vanished
	// mid-walk) should not abort watching the rest of the tree.
	var firstErr error
	walker := func(path string, isDir bool) {
		if !isDir {
			return
		}
		if err := fsw.Add(path); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "indexer: watch %s", path)
		}
	}
	children, errs := readChildren(root)
	for _, e := range errs {
		nlog.Warningln("indexer: watch setup:", e)
	}
	walker(root, true)
	for _, c := range children {
		if c.IsDir {
			if err := addRecursiveChild(fsw, c.Path); err != nil {
				nlog.Warningln("indexer: watch setup:", err)
			}
		}
	}
	return firstErr
}

func addRecursiveChild(fsw *fsnotify.Watcher, path string) error {
	if err := fsw.Add(path); err != nil {
		return errors.Wrapf(err, "indexer: watch %s", path)
	}
	children, errs := readChildren(path)
	for _, e := range errs {
		nlog.Warningln("indexer: watch setup:", e)
	}
	for _, c := range children {
		if c.IsDir {
			if err := addRecursiveChild(fsw, c.Path); err != nil {
				nlog.Warningln("indexer: watch setup:", err)
			}
		}
	}
	return nil
}

// Run coalesces fsnotify events into the single pending slot and
// redispatches the indexer job each time that slot is drained, until Close
// is called.
func (w *Watcher) Run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename|fsnotify.Write) == 0 {
				continue
			}
			select {
			case w.pending <- struct{}{}:
			default:
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			nlog.Warningln("indexer: watch error:", err)
		case <-w.pending:
			if _, err := w.rt.DispatchByName(JobName, w.params, job.PriorityLow); err != nil {
				nlog.Errorf("indexer: redispatch on watch event: %v", err)
			}
		}
	}
}

func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.done
	return err
}

// WatchJobCompletions subscribes to the library bus and dispatches
// AggregateSizeJob whenever an indexer.walk job completes successfully —
// spec.md's resolved Open Question on directory size aggregation: "Triggered
// automatically by the indexer job's Complete event on the library bus."
// Returns an unsubscribe func.
func WatchJobCompletions(bus *eventbus.Bus, rt *job.Runtime, entries *store.Store) func() {
	sub, unsubscribe := bus.Subscribe()
	go func() {
		for ev := range sub {
			if ev.Kind != eventbus.KindJobCompleted {
				continue
			}
			p, ok := ev.Payload.(eventbus.JobTerminalPayload)
			if !ok || p.JobType != JobName {
				continue
			}
			triggerAggregate(rt, entries, p.JobID)
		}
	}()
	return unsubscribe
}

func triggerAggregate(rt *job.Runtime, entries *store.Store, indexJobID string) {
	rec, err := rt.GetRecord(indexJobID)
	if err != nil {
		nlog.Errorf("indexer: fetch completed job %s: %v", indexJobID, err)
		return
	}
	var p Params
	if err := json.Unmarshal(rec.Params, &p); err != nil {
		nlog.Errorf("indexer: unmarshal completed job params: %v", err)
		return
	}
	rootID, err := entries.ResolveEntryPath(normRoot(p.RootPath))
	if err != nil || rootID == 0 {
		nlog.Warningf("indexer: aggregate trigger: root %s not indexed", p.RootPath)
		return
	}
	if _, err := rt.DispatchByName(AggregateJobName, AggregateParams{RootEntryID: rootID}, job.PriorityNormal); err != nil {
		nlog.Errorf("indexer: dispatch aggregate for %s: %v", p.RootPath, err)
	}
}
