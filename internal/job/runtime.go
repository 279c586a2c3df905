package job

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/teris-io/shortid"
	"github.com/tidwall/buntdb"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/semaphore"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyJob = "job:" // job:<id> -> Record JSON

var tracer = otel.Tracer("syncmesh/job")

var (
	metricJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncmesh_job_runtime_jobs_total",
		Help: "Jobs dispatched, by name and terminal status.",
	}, []string{"name", "status"})
	metricJobsRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "syncmesh_job_runtime_running",
		Help: "Jobs currently executing.",
	})
)

func init() {
	prometheus.MustRegister(metricJobsTotal, metricJobsRunning)
}

// runningJob is the in-memory, authoritative-for-live-status counterpart to
// a job DB row (spec.md §4.5 Query contract).
type runningJob struct {
	mu       sync.Mutex
	record   Record
	cancel   context.CancelFunc
	statusCh chan Status
	progress chan eventbus.JobProgressPayload
}

// Handle is returned by Dispatch/DispatchByName (spec.md §4.5).
type Handle struct {
	JobID      string
	StatusCh   <-chan Status
	ProgressCh <-chan eventbus.JobProgressPayload
	rt         *Runtime
}

// Wait blocks until the job reaches a terminal status and returns its final
// record — the "output_future" of spec.md §4.5's dispatch contract.
func (h *Handle) Wait() (Record, error) {
	for range h.StatusCh {
	}
	rec, err := h.rt.getRecord(h.JobID)
	return rec, err
}

// Runtime is the process-wide job scheduler: one per Library.
type Runtime struct {
	db       *buntdb.DB
	registry *Registry
	bus      *eventbus.Bus
	cfg      config.JobConfig
	sem      *semaphore.Weighted

	mu      sync.Mutex
	running map[string]*runningJob

	shutdownMu sync.Mutex
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

func NewRuntime(db *buntdb.DB, registry *Registry, bus *eventbus.Bus, cfg config.JobConfig) *Runtime {
	max := int64(cfg.MaxConcurrent)
	if max <= 0 {
		max = 1
	}
	return &Runtime{
		db:         db,
		registry:   registry,
		bus:        bus,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(max),
		running:    make(map[string]*runningJob),
		shutdownCh: make(chan struct{}),
	}
}

// DispatchByName builds a handler via the registry and dispatches it —
// spec.md §4.5's dispatch-by-name contract, used for RPC dispatch and for
// Resume reconstructing a job from its persisted params.
func (rt *Runtime) DispatchByName(name string, params interface{}, priority Priority) (*Handle, error) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "job: marshal params")
	}
	handler, err := rt.registry.Build(name, paramsJSON)
	if err != nil {
		return nil, err
	}
	rec := Record{
		ID:        uuid.NewString(),
		DisplayID: mustShortID(),
		Name:      name,
		Params:    paramsJSON,
		Status:    StatusQueued,
		Priority:  priority,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return rt.dispatch(handler, rec)
}

// Dispatch runs an already-constructed handler without a registry entry —
// a non-resumable, non-RPC-dispatchable job (spec.md §4.5's plain dispatch).
func (rt *Runtime) Dispatch(displayName string, handler Handler, priority Priority) (*Handle, error) {
	rec := Record{
		ID:        uuid.NewString(),
		DisplayID: mustShortID(),
		Name:      "", // ad-hoc: not resumable, not registry-addressable
		Status:    StatusQueued,
		Priority:  priority,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		Message:   displayName,
	}
	return rt.dispatch(handler, rec)
}

func (rt *Runtime) dispatch(handler Handler, rec Record) (*Handle, error) {
	if err := rt.putRecord(rec); err != nil {
		return nil, err
	}
	rj := &runningJob{
		record:   rec,
		statusCh: make(chan Status, 8),
		progress: make(chan eventbus.JobProgressPayload, 8),
	}
	rt.mu.Lock()
	rt.running[rec.ID] = rj
	rt.mu.Unlock()

	rt.wg.Add(1)
	go rt.execute(handler, rj)

	return &Handle{JobID: rec.ID, StatusCh: rj.statusCh, ProgressCh: rj.progress, rt: rt}, nil
}

func (rt *Runtime) execute(handler Handler, rj *runningJob) {
	defer rt.wg.Done()

	if err := rt.sem.Acquire(context.Background(), 1); err != nil {
		return
	}
	defer rt.sem.Release(1)

	metricJobsRunning.Inc()
	defer metricJobsRunning.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	rj.mu.Lock()
	rj.cancel = cancel
	rj.record.Status = StatusRunning
	rj.record.UpdatedAt = time.Now()
	id := rj.record.ID
	name := rj.record.Name
	initialCheckpoint := decompress(rj.record.Checkpoint)
	rj.mu.Unlock()
	rt.putRecord(rj.snapshot())
	rj.statusCh <- StatusRunning

	ctx, span := tracer.Start(ctx, "job.execute")
	defer span.End()

	rc := &RunContext{
		ctx:       ctx,
		jobID:     id,
		rt:        rt,
		rj:        rj,
		checkpoint: initialCheckpoint,
	}

	result, runErr := handler.Run(rc)

	final := rt.terminalStatus(runErr)
	rj.mu.Lock()
	rj.record.Status = final
	rj.record.UpdatedAt = time.Now()
	if runErr != nil && final != StatusPaused {
		rj.record.Err = runErr.Error()
	}
	if final == StatusPaused && result != nil {
		rj.record.Checkpoint = compress(result)
	}
	rj.mu.Unlock()

	if err := rt.putRecord(rj.snapshot()); err != nil {
		nlog.Errorf("job: persist terminal state for %s: %v", id, err)
	}

	metricJobsTotal.WithLabelValues(name, string(final)).Inc()
	rt.publishTerminal(id, name, final, runErr)

	rj.statusCh <- final
	close(rj.statusCh)
	close(rj.progress)

	rt.mu.Lock()
	delete(rt.running, id)
	rt.mu.Unlock()
}

func (rt *Runtime) terminalStatus(err error) Status {
	if err == nil {
		return StatusCompleted
	}
	if errors.Is(err, syncerr.ErrCancelled) {
		if rt.isShuttingDown() {
			return StatusPaused
		}
		return StatusCancelled
	}
	if errors.Is(err, syncerr.ErrShutdown) {
		return StatusPaused
	}
	return StatusFailed
}

func (rt *Runtime) publishTerminal(id, name string, status Status, err error) {
	if rt.bus == nil {
		return
	}
	kind := eventbus.KindJobCompleted
	errStr := ""
	switch status {
	case StatusFailed:
		kind = eventbus.KindJobFailed
		if err != nil {
			errStr = err.Error()
		}
	case StatusCancelled:
		kind = eventbus.KindJobCancelled
	case StatusPaused:
		return // not a terminal lifecycle event — job may resume
	}
	rt.bus.Publish(eventbus.Event{Kind: kind, Payload: eventbus.JobTerminalPayload{JobID: id, JobType: name, Err: errStr}})
}

func (rj *runningJob) snapshot() Record {
	rj.mu.Lock()
	defer rj.mu.Unlock()
	return rj.record
}

// Resume implements spec.md §4.5's restart contract: every row left in
// Running or Paused status is reconstructed via the registry and
// redispatched in Paused status, delivering its checkpoint on first poll.
func (rt *Runtime) Resume() error {
	var toResume []Record
	err := rt.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyJob+"*", func(_, v string) bool {
			var rec Record
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				iterErr = err
				return false
			}
			if rec.Status == StatusRunning || rec.Status == StatusPaused {
				toResume = append(toResume, rec)
			}
			return true
		})
		return iterErr
	})
	if err != nil {
		return errors.Wrap(err, "job: resume scan")
	}
	for _, rec := range toResume {
		if rec.Name == "" {
			nlog.Warningln("job: cannot resume ad-hoc job", rec.ID, "- no registry name, skipping")
			continue
		}
		handler, berr := rt.registry.Build(rec.Name, rec.Params)
		if berr != nil {
			nlog.Errorf("job: resume %s: %v", rec.ID, berr)
			continue
		}
		rec.Status = StatusPaused
		if _, derr := rt.dispatch(handler, rec); derr != nil {
			nlog.Errorf("job: resume dispatch %s: %v", rec.ID, derr)
		}
	}
	return nil
}

// Shutdown signals every running job's interrupt point and waits up to
// timeout for them to checkpoint-and-pause (spec.md §4.5).
func (rt *Runtime) Shutdown(timeout time.Duration) {
	rt.shutdownMu.Lock()
	select {
	case <-rt.shutdownCh:
	default:
		close(rt.shutdownCh)
	}
	rt.shutdownMu.Unlock()

	done := make(chan struct{})
	go func() { rt.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
		nlog.Warningln("job: shutdown timed out waiting for running jobs to pause")
	}
}

// Cancel requests cancellation of a specific running job; its next
// CheckInterrupt poll observes syncerr.ErrCancelled. No-op if the job is not
// currently running (already terminal, or unknown).
func (rt *Runtime) Cancel(jobID string) {
	rt.mu.Lock()
	rj, ok := rt.running[jobID]
	rt.mu.Unlock()
	if !ok {
		return
	}
	rj.mu.Lock()
	cancel := rj.cancel
	rj.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (rt *Runtime) isShuttingDown() bool {
	select {
	case <-rt.shutdownCh:
		return true
	default:
		return false
	}
}

// ListRunning merges the in-memory running set (authoritative for live
// status/progress) with the job DB (authoritative for historical
// completion) — spec.md §4.5's Query contract.
func (rt *Runtime) ListRunning() ([]Record, error) {
	rt.mu.Lock()
	inMemory := make(map[string]Record, len(rt.running))
	for id, rj := range rt.running {
		inMemory[id] = rj.snapshot()
	}
	rt.mu.Unlock()

	var fromDB []Record
	err := rt.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyJob+"*", func(_, v string) bool {
			var rec Record
			if err := json.Unmarshal([]byte(v), &rec); err != nil {
				iterErr = err
				return false
			}
			fromDB = append(fromDB, rec)
			return true
		})
		return iterErr
	})
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(fromDB))
	seen := make(map[string]bool, len(inMemory))
	for _, rec := range fromDB {
		if live, ok := inMemory[rec.ID]; ok {
			out = append(out, live)
			seen[rec.ID] = true
			continue
		}
		out = append(out, rec)
	}
	for id, live := range inMemory {
		if !seen[id] {
			out = append(out, live)
		}
	}
	return out, nil
}

// GetRecord fetches one job's current record, live in-memory status taking
// precedence over the DB row as in ListRunning.
func (rt *Runtime) GetRecord(id string) (Record, error) {
	return rt.getRecord(id)
}

func (rt *Runtime) getRecord(id string) (Record, error) {
	rt.mu.Lock()
	if rj, ok := rt.running[id]; ok {
		rt.mu.Unlock()
		return rj.snapshot(), nil
	}
	rt.mu.Unlock()

	var rec Record
	err := rt.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyJob + id)
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.Wrapf(syncerr.ErrNotFound, "job %s", id)
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), &rec)
	})
	return rec, err
}

func (rt *Runtime) putRecord(rec Record) error {
	return rt.db.Update(func(tx *buntdb.Tx) error {
		b, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "job: marshal record")
		}
		_, _, err = tx.Set(keyJob+rec.ID, string(b), nil)
		return err
	})
}

func mustShortID() string {
	id, err := shortid.Generate()
	if err != nil {
		return uuid.NewString()[:8]
	}
	return id
}

func compress(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return p
	}
	if err := w.Close(); err != nil {
		return p
	}
	return buf.Bytes()
}

func decompress(p []byte) []byte {
	if len(p) == 0 {
		return nil
	}
	r := lz4.NewReader(bytes.NewReader(p))
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil
	}
	return buf.Bytes()
}
