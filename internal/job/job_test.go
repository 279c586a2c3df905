package job

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
)

func openTestRuntime(t *testing.T, reg *Registry) (*Runtime, *buntdb.DB) {
	t.Helper()
	db, err := buntdb.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open buntdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := config.JobConfig{MaxConcurrent: 4, ProgressFlushEach: 2 * time.Second, CheckpointEach: 20}
	return NewRuntime(db, reg, eventbus.New(), cfg), db
}

type countingHandler struct {
	ran chan struct{}
}

func (h *countingHandler) Run(rc *RunContext) ([]byte, error) {
	rc.Progress(1.0, "done", nil)
	close(h.ran)
	return nil, nil
}

func TestDispatchRunsToCompletion(t *testing.T) {
	reg := NewRegistry()
	h := &countingHandler{ran: make(chan struct{})}
	reg.Register("noop", func(params []byte) (Handler, error) { return h, nil })

	rt, _ := openTestRuntime(t, reg)
	handle, err := rt.DispatchByName("noop", map[string]string{}, PriorityNormal)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case <-h.ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not run")
	}

	rec, err := handle.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rec.Status != StatusCompleted {
		t.Fatalf("expected Completed, got %s", rec.Status)
	}
}

type checkpointingHandler struct {
	gotInitial chan []byte
}

func (h *checkpointingHandler) Run(rc *RunContext) ([]byte, error) {
	h.gotInitial <- rc.InitialCheckpoint()
	if err := rc.Checkpoint([]byte("progress-marker")); err != nil {
		return nil, err
	}
	return nil, nil
}

func TestCheckpointPersistsAndIsReadableBack(t *testing.T) {
	reg := NewRegistry()
	h := &checkpointingHandler{gotInitial: make(chan []byte, 1)}
	reg.Register("ckpt", func(params []byte) (Handler, error) { return h, nil })

	rt, _ := openTestRuntime(t, reg)
	handle, err := rt.DispatchByName("ckpt", map[string]string{}, PriorityNormal)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case initial := <-h.gotInitial:
		if len(initial) != 0 {
			t.Fatalf("expected empty initial checkpoint on fresh dispatch, got %v", initial)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler did not run")
	}

	if _, err := handle.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}

	rec, err := rt.getRecord(handle.JobID)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if len(rec.Checkpoint) == 0 {
		t.Fatalf("expected persisted checkpoint to be non-empty")
	}
	if decompress(rec.Checkpoint) == nil {
		t.Fatalf("expected checkpoint to decompress")
	}
}

func TestListRunningMergesInMemoryAndDB(t *testing.T) {
	reg := NewRegistry()
	block := make(chan struct{})
	reg.Register("blocker", func(params []byte) (Handler, error) {
		return handlerFunc(func(rc *RunContext) ([]byte, error) {
			<-block
			return nil, nil
		}), nil
	})

	rt, _ := openTestRuntime(t, reg)
	handle, err := rt.DispatchByName("blocker", map[string]string{}, PriorityNormal)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		running, err := rt.ListRunning()
		if err != nil {
			t.Fatalf("list running: %v", err)
		}
		found := false
		for _, r := range running {
			if r.ID == handle.JobID && r.Status == StatusRunning {
				found = true
			}
		}
		if found {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never observed as Running")
		case <-time.After(10 * time.Millisecond):
		}
	}

	close(block)
	if _, err := handle.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

// handlerFunc adapts a plain function to the Handler interface for tests.
type handlerFunc func(rc *RunContext) ([]byte, error)

func (f handlerFunc) Run(rc *RunContext) ([]byte, error) { return f(rc) }
