package syncpeer

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"

	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

// EncodeEnvelope serializes env for the wire. The envelope's own framing
// (kind tag, which variant, its scalar fields) is msgpack via
// github.com/tinylib/msgp's Writer/Reader primitives used directly rather
// than through generated (Un)MarshalMsg methods — there is exactly one
// message shape to frame, so code generation buys nothing a dozen explicit
// Write calls don't already give cheaper. Every variant's Payload field is
// left as opaque bytes: it is already the json-iterator encoding the
// originating store/synclog package produced, so the envelope never
// re-encodes it — a dual-codec design, msgpack framing around JSON cargo.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)
	if err := writeEnvelope(w, env); err != nil {
		return nil, errors.Wrap(err, "syncpeer: encode envelope")
	}
	if err := w.Flush(); err != nil {
		return nil, errors.Wrap(err, "syncpeer: flush envelope")
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope is EncodeEnvelope's inverse.
func DecodeEnvelope(b []byte) (Envelope, error) {
	r := msgp.NewReader(bytes.NewReader(b))
	env, err := readEnvelope(r)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "syncpeer: decode envelope")
	}
	return env, nil
}

func writeEnvelope(w *msgp.Writer, env Envelope) error {
	if err := w.WriteUint8(uint8(env.Kind)); err != nil {
		return err
	}
	switch env.Kind {
	case KindStateChange:
		return writeStateChange(w, *env.StateChange)
	case KindSharedChange:
		return writeSharedChange(w, *env.SharedChange)
	case KindAckSharedChanges:
		return writeAck(w, *env.AckSharedChanges)
	case KindBackfillRequest:
		return writeHLC(w, env.BackfillRequest.SinceHLC)
	case KindBackfillSnapshot:
		return writeBackfillSnapshot(w, *env.BackfillSnapshot)
	default:
		return errors.Errorf("syncpeer: unknown envelope kind %d", env.Kind)
	}
}

func readEnvelope(r *msgp.Reader) (Envelope, error) {
	kb, err := r.ReadUint8()
	if err != nil {
		return Envelope{}, err
	}
	kind := Kind(kb)
	switch kind {
	case KindStateChange:
		sc, err := readStateChange(r)
		return stateChangeEnvelope(sc), err
	case KindSharedChange:
		sc, err := readSharedChange(r)
		return sharedChangeEnvelope(sc), err
	case KindAckSharedChanges:
		a, err := readAck(r)
		return ackEnvelope(a), err
	case KindBackfillRequest:
		ts, err := readHLC(r)
		return backfillRequestEnvelope(BackfillRequest{SinceHLC: ts}), err
	case KindBackfillSnapshot:
		snap, err := readBackfillSnapshot(r)
		return backfillSnapshotEnvelope(snap), err
	default:
		return Envelope{}, errors.Errorf("syncpeer: unknown envelope kind %d", kind)
	}
}

func writeHLC(w *msgp.Writer, ts hlc.Timestamp) error {
	if err := w.WriteInt64(ts.WallMS); err != nil {
		return err
	}
	if err := w.WriteUint32(ts.Logical); err != nil {
		return err
	}
	return w.WriteString(ts.Device)
}

func readHLC(r *msgp.Reader) (hlc.Timestamp, error) {
	wall, err := r.ReadInt64()
	if err != nil {
		return hlc.Timestamp{}, err
	}
	logical, err := r.ReadUint32()
	if err != nil {
		return hlc.Timestamp{}, err
	}
	device, err := r.ReadString()
	if err != nil {
		return hlc.Timestamp{}, err
	}
	return hlc.Timestamp{WallMS: wall, Logical: logical, Device: device}, nil
}

func writeTime(w *msgp.Writer, t time.Time) error { return w.WriteInt64(t.UnixNano()) }

func readTime(r *msgp.Reader) (time.Time, error) {
	ns, err := r.ReadInt64()
	if err != nil {
		return time.Time{}, err
	}
	if ns == 0 {
		return time.Time{}, nil
	}
	return time.Unix(0, ns).UTC(), nil
}

func writeStateChange(w *msgp.Writer, sc StateChange) error {
	if err := w.WriteString(string(sc.ModelType)); err != nil {
		return err
	}
	if err := w.WriteString(sc.RecordUUID); err != nil {
		return err
	}
	if err := w.WriteString(sc.DeviceUUID); err != nil {
		return err
	}
	if err := w.WriteBytes(sc.Payload); err != nil {
		return err
	}
	return writeTime(w, sc.Timestamp)
}

func readStateChange(r *msgp.Reader) (StateChange, error) {
	var sc StateChange
	model, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	uuid, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	device, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	payload, err := r.ReadBytes(nil)
	if err != nil {
		return sc, err
	}
	ts, err := readTime(r)
	if err != nil {
		return sc, err
	}
	sc = StateChange{ModelType: ModelType(model), RecordUUID: uuid, DeviceUUID: device, Payload: payload, Timestamp: ts}
	return sc, nil
}

func writeSharedChange(w *msgp.Writer, sc SharedChange) error {
	if err := writeHLC(w, sc.HLC); err != nil {
		return err
	}
	if err := w.WriteString(sc.DeviceUUID); err != nil {
		return err
	}
	if err := w.WriteString(string(sc.ModelType)); err != nil {
		return err
	}
	if err := w.WriteString(sc.RecordUUID); err != nil {
		return err
	}
	if err := w.WriteString(string(sc.ChangeType)); err != nil {
		return err
	}
	return w.WriteBytes(sc.Payload)
}

func readSharedChange(r *msgp.Reader) (SharedChange, error) {
	var sc SharedChange
	ts, err := readHLC(r)
	if err != nil {
		return sc, err
	}
	device, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	model, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	uuid, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	change, err := r.ReadString()
	if err != nil {
		return sc, err
	}
	payload, err := r.ReadBytes(nil)
	if err != nil {
		return sc, err
	}
	sc = SharedChange{HLC: ts, DeviceUUID: device, ModelType: ModelType(model), RecordUUID: uuid, Payload: payload}
	sc.ChangeType = synclog.ChangeType(change)
	return sc, nil
}

func writeAck(w *msgp.Writer, a AckSharedChanges) error {
	if err := w.WriteString(a.FromDevice); err != nil {
		return err
	}
	return writeHLC(w, a.UpToHLC)
}

func readAck(r *msgp.Reader) (AckSharedChanges, error) {
	var a AckSharedChanges
	from, err := r.ReadString()
	if err != nil {
		return a, err
	}
	ts, err := readHLC(r)
	if err != nil {
		return a, err
	}
	return AckSharedChanges{FromDevice: from, UpToHLC: ts}, nil
}

func writeBackfillSnapshot(w *msgp.Writer, snap BackfillSnapshot) error {
	if err := w.WriteBool(snap.Compressed); err != nil {
		return err
	}
	if err := w.WriteInt64(int64(snap.UncompressedSz)); err != nil {
		return err
	}
	if err := w.WriteArrayHeader(uint32(len(snap.StateChanges))); err != nil {
		return err
	}
	for _, sc := range snap.StateChanges {
		if err := writeStateChange(w, sc); err != nil {
			return err
		}
	}
	if err := w.WriteArrayHeader(uint32(len(snap.SharedChanges))); err != nil {
		return err
	}
	for _, sc := range snap.SharedChanges {
		if err := writeSharedChange(w, sc); err != nil {
			return err
		}
	}
	return nil
}

func readBackfillSnapshot(r *msgp.Reader) (BackfillSnapshot, error) {
	var snap BackfillSnapshot
	compressed, err := r.ReadBool()
	if err != nil {
		return snap, err
	}
	sz, err := r.ReadInt64()
	if err != nil {
		return snap, err
	}
	snap.Compressed = compressed
	snap.UncompressedSz = int(sz)

	n, err := r.ReadArrayHeader()
	if err != nil {
		return snap, err
	}
	snap.StateChanges = make([]StateChange, 0, n)
	for i := uint32(0); i < n; i++ {
		sc, err := readStateChange(r)
		if err != nil {
			return snap, err
		}
		snap.StateChanges = append(snap.StateChanges, sc)
	}

	n, err = r.ReadArrayHeader()
	if err != nil {
		return snap, err
	}
	snap.SharedChanges = make([]SharedChange, 0, n)
	for i := uint32(0); i < n; i++ {
		sc, err := readSharedChange(r)
		if err != nil {
			return snap, err
		}
		snap.SharedChanges = append(snap.SharedChanges, sc)
	}
	return snap, nil
}
