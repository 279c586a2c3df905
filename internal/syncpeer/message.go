// Package syncpeer implements the sync peer protocol (spec.md §4.8): the
// StateChange/SharedChange/Ack/Backfill message types, a per-peer sender
// loop, a receiver with per-model apply functions and a dependency tracker,
// and the NetworkTransport contract spec.md §6 names. Message handling is
// grounded on Syncthing's Model.Index/IndexUpdate device-map dispatch
// (_examples/other_examples/...syncthing__internal-model-model.go) and its
// index-sender loop (...rwfolder.go); the three-state device-owned record
// shape StateChange carries is grounded on onedrive-go's Item row
// (...onedrive-go__internal-sync-types.go), here specialized to entry/
// location/volume rather than a single flat Item table.
package syncpeer

import (
	"time"

	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

// Kind tags the on-the-wire message envelope's variant (spec.md §6's
// "tagged union of the message variants in §4.8").
type Kind byte

const (
	KindStateChange Kind = iota + 1
	KindSharedChange
	KindAckSharedChanges
	KindBackfillRequest
	KindBackfillSnapshot
)

func (k Kind) String() string {
	switch k {
	case KindStateChange:
		return "StateChange"
	case KindSharedChange:
		return "SharedChange"
	case KindAckSharedChanges:
		return "AckSharedChanges"
	case KindBackfillRequest:
		return "BackfillRequest"
	case KindBackfillSnapshot:
		return "BackfillSnapshot"
	default:
		return "Unknown"
	}
}

// ModelType names which store table a StateChange/SharedChange payload
// decodes into, the same vocabulary synclog.Record.ModelType uses.
type ModelType string

const (
	ModelEntry    ModelType = "entry"
	ModelLocation ModelType = "location"
	ModelVolume   ModelType = "volume"
	ModelDevice   ModelType = "device"
)

// StateChange carries one device-owned row (spec.md §4.8): the receiver
// LWW-applies it by (record_uuid, device_uuid).
type StateChange struct {
	ModelType  ModelType
	RecordUUID string
	DeviceUUID string
	Payload    []byte // model-specific JSON, decoded by the matching apply func
	Timestamp  time.Time
}

// SharedChange wraps one shared-log row for the wire — same shape as
// synclog.Record, kept as a distinct type so the envelope doesn't couple
// callers to synclog's persistence-oriented field tags.
type SharedChange struct {
	HLC        hlc.Timestamp
	DeviceUUID string
	ModelType  ModelType
	RecordUUID string
	ChangeType synclog.ChangeType
	Payload    []byte
}

// AckSharedChanges advances the sender's last_hlc_shipped watermark for the
// acking peer once received.
type AckSharedChanges struct {
	FromDevice string
	UpToHLC    hlc.Timestamp
}

// BackfillRequest asks the peer for a full-state snapshot. A zero SinceHLC
// means "first contact, send everything" (spec.md §4.8).
type BackfillRequest struct {
	SinceHLC hlc.Timestamp
}

// BackfillSnapshot is the sender's reply to BackfillRequest: every
// device-owned row plus the entire shared log, because device-owned rows
// may pre-date the shared log entirely (spec.md §4.8 "Backfill on
// pair-complete"). CompressSnapshot (internal/syncpeer/backfill.go) returns
// the encoded body separately from this header; that body is
// zstd-compressed when Compressed is true, since a first-contact snapshot
// can be the library's entire history.
type BackfillSnapshot struct {
	StateChanges   []StateChange
	SharedChanges  []SharedChange
	Compressed     bool
	UncompressedSz int
}

// Envelope is the tagged union actually placed on the wire. Exactly one of
// the typed fields is populated, selected by Kind.
type Envelope struct {
	Kind Kind

	StateChange      *StateChange
	SharedChange     *SharedChange
	AckSharedChanges *AckSharedChanges
	BackfillRequest  *BackfillRequest
	BackfillSnapshot *BackfillSnapshot
}

func stateChangeEnvelope(sc StateChange) Envelope {
	return Envelope{Kind: KindStateChange, StateChange: &sc}
}

func sharedChangeEnvelope(sc SharedChange) Envelope {
	return Envelope{Kind: KindSharedChange, SharedChange: &sc}
}

func ackEnvelope(a AckSharedChanges) Envelope {
	return Envelope{Kind: KindAckSharedChanges, AckSharedChanges: &a}
}

func backfillRequestEnvelope(b BackfillRequest) Envelope {
	return Envelope{Kind: KindBackfillRequest, BackfillRequest: &b}
}

func backfillSnapshotEnvelope(b BackfillSnapshot) Envelope {
	return Envelope{Kind: KindBackfillSnapshot, BackfillSnapshot: &b}
}

// WireEntry is the "entry" StateChange payload shape — store.RemoteEntry
// with FK columns carried as peer-stable uuids instead of local integer
// ids, since an Entry.ID is only meaningful within the library that
// assigned it. The receiver resolves ParentUUID to a local id via
// store.GetByUUID before calling store.ApplyRemote; a resolution failure
// there is exactly what feeds the dependency tracker (spec.md §4.8 step 2).
// ContentID needs no resolution: content-identity uuids are
// UUIDv5-deterministic from content bytes alone (spec.md §3), so the same
// string is already valid on every device.
type WireEntry struct {
	UUID       string
	Name       string
	Kind       int
	Extension  string
	Size       int64
	ParentUUID string // empty means library root
	ContentID  string
	MTime      time.Time
	CTime      time.Time
	DirPath    string
	Hidden     bool
}

func recordToSharedChange(r synclog.Record) SharedChange {
	return SharedChange{
		HLC:        r.HLC,
		DeviceUUID: r.DeviceUUID,
		ModelType:  ModelType(r.ModelType),
		RecordUUID: r.RecordUUID,
		ChangeType: r.ChangeType,
		Payload:    r.Payload,
	}
}

func sharedChangeToRecord(sc SharedChange) synclog.Record {
	return synclog.Record{
		HLC:        sc.HLC,
		DeviceUUID: sc.DeviceUUID,
		ModelType:  string(sc.ModelType),
		RecordUUID: sc.RecordUUID,
		ChangeType: sc.ChangeType,
		Payload:    sc.Payload,
	}
}
