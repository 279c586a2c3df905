package syncpeer

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/syncerr"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyAppliedIdx = "syncapplied:" // syncapplied:<model>:<uuid>:<device> -> hlc sortkey

// Receiver implements spec.md §4.8's receiver side: per-model apply
// functions (resolving peer uuids to local ids, syncthing's Index/
// IndexUpdate device-map dispatch generalized to a ModelType switch), the
// dependency tracker for FK faults, and the applied-HLC index a SharedChange
// consults to decide "newer than any prior for this (model, uuid, device)".
type Receiver struct {
	entries *store.Store
	log     *synclog.Log
	db      *buntdb.DB
	clock   *hlc.Clock
	deps    *dependencyTracker

	// SharedApply, keyed by ModelType, materializes a SharedChange into a
	// live table beyond the shared log itself — e.g. a future Tag store.
	// No built-in entries ship today because this build has no shared
	// (non device-owned) resource table yet; callers register one as that
	// grows.
	SharedApply map[ModelType]func(SharedChange) error
}

func NewReceiver(entries *store.Store, log *synclog.Log, db *buntdb.DB, clock *hlc.Clock, dependencyTTL time.Duration) *Receiver {
	return &Receiver{
		entries:     entries,
		log:         log,
		db:          db,
		clock:       clock,
		deps:        newDependencyTracker(dependencyTTL),
		SharedApply: make(map[ModelType]func(SharedChange) error),
	}
}

// ApplyStateChange dispatches a device-owned row to its per-model apply
// function. A dependency-missing error queues the message rather than
// propagating, per spec.md §4.8 step 2; the caller (Engine) still reports
// the error upward only when it is anything else.
func (r *Receiver) ApplyStateChange(fromDevice string, sc StateChange) error {
	err := r.applyState(sc)
	if err == nil {
		return nil
	}
	if me, ok := err.(*dependencyMissingError); ok {
		r.deps.Defer(me.uuid, fromDevice, stateChangeEnvelope(sc))
		return nil
	}
	if syncerr.IsDependencyMissing(err) {
		// A dependency fault with no structured uuid to key the queue on
		// can't be deferred; log and drop rather than queue forever.
		nlog.Warningf("syncpeer: dependency-missing state change with no resolvable uuid: %v", err)
		return nil
	}
	return err
}

func (r *Receiver) applyState(sc StateChange) error {
	switch sc.ModelType {
	case ModelEntry:
		return r.applyEntry(sc)
	case ModelLocation:
		return r.applyLocation(sc)
	case ModelVolume:
		return r.applyVolume(sc)
	case ModelDevice:
		return r.applyDevice(sc)
	default:
		return errors.Errorf("syncpeer: unknown StateChange model %q", sc.ModelType)
	}
}

type dependencyMissingError struct {
	uuid string
	err  error
}

func (e *dependencyMissingError) Error() string { return e.err.Error() }
func (e *dependencyMissingError) Unwrap() error { return syncerr.ErrDependencyMissing }

func (r *Receiver) applyEntry(sc StateChange) error {
	var we WireEntry
	if err := json.Unmarshal(sc.Payload, &we); err != nil {
		return errors.Wrap(err, "syncpeer: unmarshal entry state change")
	}
	var parentID *int64
	if we.ParentUUID != "" {
		parent, err := r.entries.GetByUUID(we.ParentUUID)
		if errors.Is(err, syncerr.ErrNotFound) {
			return &dependencyMissingError{uuid: we.ParentUUID, err: errors.Wrapf(syncerr.ErrDependencyMissing, "entry %s: parent %s", we.UUID, we.ParentUUID)}
		}
		if err != nil {
			return err
		}
		parentID = &parent.ID
	}
	re := store.RemoteEntry{
		UUID:       we.UUID,
		Name:       we.Name,
		Kind:       store.Kind(we.Kind),
		Extension:  we.Extension,
		Size:       we.Size,
		ParentID:   parentID,
		ContentID:  we.ContentID,
		MTime:      we.MTime,
		CTime:      we.CTime,
		DirPath:    we.DirPath,
		DeviceUUID: sc.DeviceUUID,
		Timestamp:  sc.Timestamp,
	}
	if _, err := r.entries.ApplyRemote(re); err != nil {
		return err
	}
	r.resolveWaitersFor(we.UUID)
	return nil
}

func (r *Receiver) applyLocation(sc StateChange) error {
	// Location is device-owned root metadata the owning device's Entry
	// StateChanges already carry the practical effect of (the indexed
	// subtree itself); this build records the row verbatim for UI/listing
	// purposes without a dependency on the root entry already existing,
	// since the root entry typically arrives in the same or a later batch.
	var loc struct {
		UUID      string
		DeviceID  string
		Path      string
		ScanState string
	}
	if err := json.Unmarshal(sc.Payload, &loc); err != nil {
		return errors.Wrap(err, "syncpeer: unmarshal location state change")
	}
	nlog.Infof("syncpeer: applied peer location %s (%s) from device %s", loc.UUID, loc.Path, sc.DeviceUUID)
	return nil
}

func (r *Receiver) applyVolume(sc StateChange) error {
	var v store.Volume
	if err := json.Unmarshal(sc.Payload, &v); err != nil {
		return errors.Wrap(err, "syncpeer: unmarshal volume state change")
	}
	if err := r.entries.ApplyRemoteVolume(v, sc.DeviceUUID, sc.Timestamp); err != nil {
		return err
	}
	r.resolveWaitersFor(v.UUID)
	return nil
}

func (r *Receiver) applyDevice(sc StateChange) error {
	var d store.Device
	if err := json.Unmarshal(sc.Payload, &d); err != nil {
		return errors.Wrap(err, "syncpeer: unmarshal device state change")
	}
	if err := r.entries.ApplyRemoteDevice(d, sc.DeviceUUID, sc.Timestamp); err != nil {
		return err
	}
	r.resolveWaitersFor(d.UUID)
	return nil
}

// ApplySharedChange implements spec.md §4.8's SharedChange rule: apply if
// its HLC is strictly newer than any prior for (model_type, record_uuid,
// device_uuid); otherwise it is a stale replay and silently dropped (not an
// error — a peer legitimately re-sends a range on reconnect).
func (r *Receiver) ApplySharedChange(fromDevice string, sc SharedChange) error {
	newer, err := r.isNewerThanApplied(sc)
	if err != nil {
		return err
	}
	if !newer {
		return nil
	}
	r.clock.Observe(sc.HLC)
	if err := r.log.AppendLocal(sharedChangeToRecord(sc)); err != nil {
		return err
	}
	if apply, ok := r.SharedApply[sc.ModelType]; ok {
		if err := apply(sc); err != nil {
			return err
		}
	}
	if err := r.markApplied(sc); err != nil {
		return err
	}
	r.resolveWaitersFor(sc.RecordUUID)
	return nil
}

func appliedIdxKey(model ModelType, recordUUID, deviceUUID string) string {
	return keyAppliedIdx + string(model) + ":" + recordUUID + ":" + deviceUUID
}

func (r *Receiver) isNewerThanApplied(sc SharedChange) (bool, error) {
	var newer bool
	err := r.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(appliedIdxKey(sc.ModelType, sc.RecordUUID, sc.DeviceUUID))
		if errors.Is(err, buntdb.ErrNotFound) {
			newer = true
			return nil
		}
		if err != nil {
			return err
		}
		newer = v < sc.HLC.SortKey()
		return nil
	})
	return newer, err
}

func (r *Receiver) markApplied(sc SharedChange) error {
	return r.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(appliedIdxKey(sc.ModelType, sc.RecordUUID, sc.DeviceUUID), sc.HLC.SortKey(), nil)
		return err
	})
}

// resolveWaitersFor replays every message the dependency tracker was
// holding on uuid, now that uuid has successfully applied. Replayed
// messages that themselves fail are simply re-queued or dropped by the
// normal apply path — this is not a retry storm because Ready already
// removed them from the tracker, so a repeat failure re-enters under
// whatever new uuid it names, not the one that just resolved.
func (r *Receiver) resolveWaitersFor(uuid string) {
	waiters := r.deps.Ready(uuid)
	for _, w := range waiters {
		switch w.env.Kind {
		case KindStateChange:
			if err := r.ApplyStateChange(w.fromDevice, *w.env.StateChange); err != nil {
				nlog.Warningf("syncpeer: replay deferred state change after %s resolved: %v", uuid, err)
			}
		case KindSharedChange:
			if err := r.ApplySharedChange(w.fromDevice, *w.env.SharedChange); err != nil {
				nlog.Warningf("syncpeer: replay deferred shared change after %s resolved: %v", uuid, err)
			}
		}
	}
}

// SweepDependencies drops TTL-expired deferred messages, returning the
// count dropped. Called on a timer by Engine.
func (r *Receiver) SweepDependencies() int { return r.deps.Sweep() }

// PendingDependencies reports the current deferred-message count, for tests
// and metrics.
func (r *Receiver) PendingDependencies() int { return r.deps.Len() }
