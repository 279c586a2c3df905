package job

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/eventbus"
	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// RunContext is the handler-facing half of the executor contract in
// spec.md §4.5: a checkpoint handler, a throttled progress forwarder, and
// the interrupt point every handler must poll before each non-atomic unit
// of work.
type RunContext struct {
	ctx   context.Context
	jobID string
	rt    *Runtime
	rj    *runningJob

	mu         sync.Mutex
	checkpoint []byte
	lastFlush  time.Time
}

// Context returns the job's cancellation context.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// InitialCheckpoint returns the checkpoint blob delivered on resume (empty
// for a fresh dispatch), consumed by the handler on its first poll.
func (rc *RunContext) InitialCheckpoint() []byte {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.checkpoint
}

// Checkpoint persists data as the job's resume state at the next safe
// point. It is compressed and upserted by job id, never appended.
func (rc *RunContext) Checkpoint(data []byte) error {
	rc.rj.mu.Lock()
	rc.rj.record.Checkpoint = compress(data)
	rc.rj.record.UpdatedAt = time.Now()
	rec := rc.rj.record
	rc.rj.mu.Unlock()
	return rc.rt.putRecord(rec)
}

// Progress reports fractional progress plus an optional message and
// generic per-kind counters (e.g. bytes copied, files walked). Every call
// forwards to broadcast subscribers immediately; the DB row is flushed at
// most once per ProgressFlushEach (spec.md §4.5), with a final flush
// guaranteed by the executor's terminal persist.
func (rc *RunContext) Progress(p float64, msg string, generic map[string]int64) {
	rc.rj.mu.Lock()
	rc.rj.record.Progress = p
	rc.rj.record.Message = msg
	rc.rj.record.Generic = generic
	name := rc.rj.record.Name
	shouldFlush := time.Since(rc.lastFlushLocked()) >= rc.flushInterval()
	if shouldFlush {
		rc.rj.record.UpdatedAt = time.Now()
	}
	rec := rc.rj.record
	rc.rj.mu.Unlock()

	payload := eventbus.JobProgressPayload{JobID: rc.jobID, JobType: name, Progress: p, Message: msg, GenericProgress: generic}
	select {
	case rc.rj.progress <- payload:
	default:
	}
	if rc.rt.bus != nil {
		rc.rt.bus.Publish(eventbus.Event{Kind: eventbus.KindJobProgress, Payload: payload})
	}

	if shouldFlush {
		if err := rc.rt.putRecord(rec); err == nil {
			rc.mu.Lock()
			rc.lastFlush = time.Now()
			rc.mu.Unlock()
		}
	}
}

func (rc *RunContext) lastFlushLocked() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastFlush
}

func (rc *RunContext) flushInterval() time.Duration {
	if rc.rt.cfg.ProgressFlushEach <= 0 {
		return 2 * time.Second
	}
	return rc.rt.cfg.ProgressFlushEach
}

// CheckInterrupt is the contractual poll point (spec.md §4.5): it returns
// syncerr.ErrCancelled once the job's own context is cancelled,
// syncerr.ErrShutdown once the runtime has begun shutting down, and nil
// otherwise. A handler must poll
// this before each non-atomic unit of work and, on a non-nil return,
// checkpoint and return promptly.
func (rc *RunContext) CheckInterrupt() error {
	select {
	case <-rc.ctx.Done():
		return errors.WithStack(syncerr.ErrCancelled)
	default:
	}
	if rc.rt.isShuttingDown() {
		return errors.WithStack(syncerr.ErrShutdown)
	}
	return nil
}
