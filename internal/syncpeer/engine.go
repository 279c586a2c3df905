package syncpeer

import (
	"context"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

// dedupCapacity bounds the cuckoofilter's approximate-membership set. A
// false positive only costs an extra HLC/applied-index check the receiver
// already does correctly, so undersizing it trades a few redundant applies
// for memory, never correctness (spec.md §6: transport "tolerates lost,
// reordered, and duplicated deliveries").
const dedupCapacity = 1 << 20

// metrics is engine.go's DOMAIN STACK wiring of github.com/prometheus/
// client_golang: one histogram/counter family per subsystem concern, the
// same per-subsystem-registration shape SPEC_FULL.md's ambient stack
// section names.
type metrics struct {
	envelopesReceived *prometheus.CounterVec
	envelopesDroppedDup prometheus.Counter
	applyLatency       *prometheus.HistogramVec
	pendingDeps        prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "syncmesh", Subsystem: "syncpeer", Name: "envelopes_received_total",
			Help: "envelopes received by kind",
		}, []string{"kind"}),
		envelopesDroppedDup: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "syncmesh", Subsystem: "syncpeer", Name: "envelopes_dropped_duplicate_total",
			Help: "envelopes dropped by the cuckoofilter dedup pre-filter",
		}),
		applyLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "syncmesh", Subsystem: "syncpeer", Name: "apply_latency_seconds",
			Help:    "time spent applying one envelope, by kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		pendingDeps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "syncmesh", Subsystem: "syncpeer", Name: "pending_dependencies",
			Help: "messages currently held by the dependency tracker",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.envelopesReceived, m.envelopesDroppedDup, m.applyLatency, m.pendingDeps)
	}
	return m
}

// Engine wires Sender, Receiver and a Transport into the running sync loop
// spec.md §4.8 describes end to end, and implements Handler so a Transport
// can hand it inbound envelopes directly.
type Engine struct {
	sender   *Sender
	receiver *Receiver
	transport Transport
	entries  *store.Store
	log      *synclog.Log
	cfg      config.SyncConfig
	metrics  *metrics

	dedup *cuckoo.Filter

	mu          sync.Mutex
	stableTicks int
	lastEntries int
	lastContent int
}

// NewEngine builds an Engine. reg may be nil (tests, or a process that
// registers metrics elsewhere); when non-nil the four counters/histograms
// above are registered on it.
func NewEngine(entries *store.Store, log *synclog.Log, sender *Sender, receiver *Receiver, transport Transport, cfg config.SyncConfig, reg prometheus.Registerer) *Engine {
	return &Engine{
		sender:    sender,
		receiver:  receiver,
		transport: transport,
		entries:   entries,
		log:       log,
		cfg:       cfg,
		metrics:   newMetrics(reg),
		dedup:     cuckoo.NewFilter(dedupCapacity),
	}
}

// Run drives the sender tick and dependency sweep on config.SyncConfig's
// timers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	pollInterval := e.cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	sweepInterval := e.cfg.DependencyTTL / 4
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	sweepTicker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sender.Tick(ctx)
			e.checkStability()
		case <-sweepTicker.C:
			if n := e.receiver.SweepDependencies(); n > 0 {
				nlog.Infof("syncpeer: swept %d expired deferred messages", n)
			}
			e.metrics.pendingDeps.Set(float64(e.receiver.PendingDependencies()))
		}
	}
}

// HandleEnvelope implements Handler: routes an inbound envelope to Sender
// or Receiver by Kind, with a cuckoofilter pre-filter ahead of the
// authoritative HLC/applied-index check each apply path already performs —
// a cheap early-out for the common case of a duplicate redelivery
// (spec.md §6's tolerance for "lost, reordered, and duplicated
// deliveries").
func (e *Engine) HandleEnvelope(ctx context.Context, fromDeviceUUID string, env Envelope) error {
	e.metrics.envelopesReceived.WithLabelValues(env.Kind.String()).Inc()
	start := time.Now()
	defer func() { e.metrics.applyLatency.WithLabelValues(env.Kind.String()).Observe(time.Since(start).Seconds()) }()

	if fp, ok := dedupFingerprint(fromDeviceUUID, env); ok {
		if e.dedup.Lookup(fp) {
			e.metrics.envelopesDroppedDup.Inc()
			return nil
		}
		e.dedup.InsertUnique(fp)
	}

	switch env.Kind {
	case KindStateChange:
		return e.receiver.ApplyStateChange(fromDeviceUUID, *env.StateChange)
	case KindSharedChange:
		return e.receiver.ApplySharedChange(fromDeviceUUID, *env.SharedChange)
	case KindAckSharedChanges:
		return e.sender.HandleAck(*env.AckSharedChanges)
	case KindBackfillRequest:
		return e.handleBackfillRequest(ctx, fromDeviceUUID, *env.BackfillRequest)
	case KindBackfillSnapshot:
		return ApplySnapshot(e.receiver, fromDeviceUUID, *env.BackfillSnapshot)
	default:
		nlog.Warningf("syncpeer: envelope with unknown kind %v from %s", env.Kind, fromDeviceUUID)
		return nil
	}
}

func (e *Engine) handleBackfillRequest(ctx context.Context, toDevice string, req BackfillRequest) error {
	snap, err := BuildSnapshot(e.entries, e.log, req.SinceHLC)
	if err != nil {
		return err
	}
	return e.transport.SendSyncMessage(ctx, toDevice, backfillSnapshotEnvelope(snap))
}

// RequestBackfill sends a BackfillRequest to a newly paired peer — the
// caller (pairing completion) passes a zero hlc.Timestamp for first
// contact.
func (e *Engine) RequestBackfill(ctx context.Context, toDevice string, since hlc.Timestamp) error {
	return e.transport.SendSyncMessage(ctx, toDevice, backfillRequestEnvelope(BackfillRequest{SinceHLC: since}))
}

func dedupFingerprint(fromDevice string, env Envelope) ([]byte, bool) {
	var key string
	switch env.Kind {
	case KindStateChange:
		key = fromDevice + "|sc|" + string(env.StateChange.ModelType) + "|" + env.StateChange.RecordUUID + "|" + env.StateChange.Timestamp.String()
	case KindSharedChange:
		key = fromDevice + "|shc|" + string(env.SharedChange.ModelType) + "|" + env.SharedChange.RecordUUID + "|" + env.SharedChange.HLC.SortKey()
	default:
		return nil, false
	}
	return []byte(key), true
}

// checkStability implements spec.md §4.8's two-phase completion signal:
// this device's own entry/content counts must stop changing for
// StabilityTicks consecutive ticks. Cross-device agreement (Bob matching
// Alice) is a higher-level property the caller observes by comparing two
// devices' Stable() results out of band — Engine only tracks its own side.
func (e *Engine) checkStability() {
	entries, content, err := e.entries.Counts()
	if err != nil {
		nlog.Warningf("syncpeer: stability count: %v", err)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if entries == e.lastEntries && content == e.lastContent {
		e.stableTicks++
	} else {
		e.stableTicks = 0
	}
	e.lastEntries, e.lastContent = entries, content
}

// Stable reports whether this device's local state has held steady for
// config.SyncConfig.StabilityTicks consecutive ticks.
func (e *Engine) Stable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	ticks := e.cfg.StabilityTicks
	if ticks <= 0 {
		ticks = 1
	}
	return e.stableTicks >= ticks
}

// Counts exposes the last-observed entry/content counts, for a remote
// comparison an out-of-band RPC layer performs to confirm Bob matches
// Alice.
func (e *Engine) Counts() (entries, content int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastEntries, e.lastContent
}
