// Package synclog implements the shared-change log (C4) and the per-peer
// device-state registry (C5) described in spec.md §4.4: an append-only,
// HLC-ordered log of every mutation against a shared resource (device-owned
// rows are shipped as LWW snapshots instead, see PeerState), and the
// shipped/applied watermarks that let the sync peer
// protocol resume a drain without re-sending history.
package synclog

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/hlc"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ChangeType classifies a log row's mutation kind.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Record is one shared-change log row (spec.md §4.4).
type Record struct {
	HLC        hlc.Timestamp
	DeviceUUID string
	ModelType  string // "entry" | "content_identity" | "tag" | ...
	RecordUUID string
	ChangeType ChangeType
	Payload    []byte
}

// PeerState is the per-sync-partner watermark pair (spec.md §4.4). Zero
// timestamps mean "never shipped"/"never applied" — the never-paired-peer
// startup state.
type PeerState struct {
	PeerDeviceUUID string
	LastHLCShipped hlc.Timestamp
	LastHLCApplied hlc.Timestamp
	// LastDeviceShipped is the separate watermark for the device-owned
	// StateChange scan (spec.md §4.8 step 3) — distinct from the shared
	// log's HLC watermarks because device-owned rows (Entry/Location/
	// Volume) are shipped as LWW snapshots keyed by wall-clock, not
	// replayed off the HLC-ordered shared log.
	LastDeviceShipped time.Time
}

const (
	keyLog       = "synclog:"      // synclog:<hlc-sortkey>     -> Record JSON
	keyPeerState = "syncpeerst:"   // syncpeerst:<peer_uuid>    -> PeerState JSON
)

type Log struct {
	db *buntdb.DB
}

func Open(db *buntdb.DB) *Log { return &Log{db: db} }

// AppendLocalTx writes a log row inside the caller's own transaction — per
// spec.md §4.4 the writer that produced the original C2/C3 mutation MUST
// publish the corresponding log row in the *same* transaction, so a crash
// between the two is impossible. tx is the caller's buntdb transaction to
// write into.
func (l *Log) AppendLocalTx(tx *buntdb.Tx, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "synclog: marshal record")
	}
	_, _, err = tx.Set(keyLog+r.HLC.SortKey(), string(b), nil)
	return err
}

// AppendLocal is the standalone form for callers that don't already hold a
// transaction (e.g. a test, or a mutation that only touches the log).
func (l *Log) AppendLocal(r Record) error {
	return l.db.Update(func(tx *buntdb.Tx) error { return l.AppendLocalTx(tx, r) })
}

// GetSince returns every record with hlc > since, in HLC order. A nil/zero
// since means "from the beginning" — callers implementing spec.md §4.4's
// get_since(peer, since_hlc=None) => full-state-backfill contract decide
// that case themselves; GetSince only ever returns log rows.
func (l *Log) GetSince(since hlc.Timestamp, limit int) ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *buntdb.Tx) error {
		startKey := keyLog + since.SortKey()
		var iterErr error
		tx.AscendGreaterOrEqual("", startKey, func(k, v string) bool {
			if len(k) < len(keyLog) || k[:len(keyLog)] != keyLog {
				return false // past the synclog: keyspace
			}
			if k == startKey {
				return true // strictly greater than since
			}
			var r Record
			if err := json.Unmarshal([]byte(v), &r); err != nil {
				iterErr = errors.Wrap(err, "synclog: unmarshal record")
				return false
			}
			out = append(out, r)
			return limit <= 0 || len(out) < limit
		})
		return iterErr
	})
	return out, err
}

// PeerState reads a peer's watermark pair, returning the zero-value state
// (both timestamps zero) for a never-seen peer.
func (l *Log) PeerState(peerUUID string) (PeerState, error) {
	var ps PeerState
	ps.PeerDeviceUUID = peerUUID
	err := l.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyPeerState + peerUUID)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(v), &ps)
	})
	return ps, err
}

// InitPeerOnPairComplete seeds a newly-paired peer's watermarks to the
// then-current local HLC, per spec.md §4.4 — pairing must never trigger a
// replay of the library's entire history to a brand new partner.
func (l *Log) InitPeerOnPairComplete(peerUUID string, current hlc.Timestamp) error {
	return l.putPeerState(PeerState{PeerDeviceUUID: peerUUID, LastHLCShipped: current, LastHLCApplied: current})
}

// MarkShipped records that peer has ACKed receipt (not application) of
// every record up to and including upTo.
func (l *Log) MarkShipped(peerUUID string, upTo hlc.Timestamp) error {
	ps, err := l.PeerState(peerUUID)
	if err != nil {
		return err
	}
	if ps.LastHLCShipped.Before(upTo) {
		ps.LastHLCShipped = upTo
	}
	return l.putPeerState(ps)
}

// MarkApplied records that peer has durably applied every record up to and
// including upTo — distinct from MarkShipped because ack-of-receipt and
// ack-of-application are separate phases of the stability check (spec.md
// §4.8's two-phase detection).
func (l *Log) MarkApplied(peerUUID string, upTo hlc.Timestamp) error {
	ps, err := l.PeerState(peerUUID)
	if err != nil {
		return err
	}
	if ps.LastHLCApplied.Before(upTo) {
		ps.LastHLCApplied = upTo
	}
	return l.putPeerState(ps)
}

// MarkDeviceShipped advances a peer's device-owned watermark, never
// regressing it — mirrors MarkShipped's monotonicity guard.
func (l *Log) MarkDeviceShipped(peerUUID string, upTo time.Time) error {
	ps, err := l.PeerState(peerUUID)
	if err != nil {
		return err
	}
	if upTo.After(ps.LastDeviceShipped) {
		ps.LastDeviceShipped = upTo
	}
	return l.putPeerState(ps)
}

func (l *Log) putPeerState(ps PeerState) error {
	return l.db.Update(func(tx *buntdb.Tx) error {
		b, err := json.Marshal(ps)
		if err != nil {
			return errors.Wrap(err, "synclog: marshal peer state")
		}
		_, _, err = tx.Set(keyPeerState+ps.PeerDeviceUUID, string(b), nil)
		return err
	})
}

// Peers lists every peer the registry has a watermark row for.
func (l *Log) Peers() ([]PeerState, error) {
	var out []PeerState
	err := l.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyPeerState+"*", func(_, v string) bool {
			var ps PeerState
			if err := json.Unmarshal([]byte(v), &ps); err != nil {
				iterErr = err
				return false
			}
			out = append(out, ps)
			return true
		})
		return iterErr
	})
	return out, err
}

// OldestAppliedAcrossPeers returns the lowest LastHLCApplied across every
// known peer, the safe watermark below which log rows are no longer needed
// by any sync partner. Callers decide whether and how to compact; deleting
// log rows is otherwise outside this package's contract.
func (l *Log) OldestAppliedAcrossPeers() (hlc.Timestamp, error) {
	peers, err := l.Peers()
	if err != nil {
		return hlc.Timestamp{}, err
	}
	var oldest hlc.Timestamp
	first := true
	for _, p := range peers {
		if first || p.LastHLCApplied.Before(oldest) {
			oldest = p.LastHLCApplied
			first = false
		}
	}
	return oldest, nil
}

// LastLocalHLC returns the newest timestamp recorded in the log, or the
// zero Timestamp if the log is empty. Used once, at process boot, to seed
// hlc.New's monotonicity-dominating seed argument — otherwise a restart
// whose wall clock jumped backward could re-emit an HLC a peer already
// has applied.
func (l *Log) LastLocalHLC() (hlc.Timestamp, error) {
	var last hlc.Timestamp
	err := l.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.DescendKeys(keyLog+"*", func(_, v string) bool {
			var r Record
			if err := json.Unmarshal([]byte(v), &r); err != nil {
				iterErr = err
				return false
			}
			last = r.HLC
			return false
		})
		return iterErr
	})
	return last, err
}
