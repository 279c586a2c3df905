package syncpeer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/nlog"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

// Sender implements spec.md §4.8's per-peer sender loop, grounded on
// Syncthing's sendIndexTo/sendIndexes batch-and-send pattern
// (_examples/other_examples/...syncthing__internal-model-model.go lines
// ~846-935): drain the shared log since the peer's last-shipped watermark,
// emit each row, then separately scan device-owned tables for anything
// indexed since the last device-owned ship.
type Sender struct {
	entries     *store.Store
	log         *synclog.Log
	transport   Transport
	localDevice string
	cfg         config.SyncConfig
}

func NewSender(entries *store.Store, log *synclog.Log, transport Transport, localDeviceUUID string, cfg config.SyncConfig) *Sender {
	return &Sender{entries: entries, log: log, transport: transport, localDevice: localDeviceUUID, cfg: cfg}
}

// Tick drains every currently connected peer once. Called on a timer
// (config.SyncConfig.PollInterval) by Engine.Run.
func (s *Sender) Tick(ctx context.Context) {
	for _, peer := range s.transport.GetConnectedSyncPartners() {
		if !s.transport.IsDeviceReachable(peer) {
			continue
		}
		if err := s.drainSharedLog(ctx, peer); err != nil {
			nlog.Warningf("syncpeer: drain shared log to %s: %v", peer, err)
		}
		if err := s.shipDeviceOwned(ctx, peer); err != nil {
			nlog.Warningf("syncpeer: ship device-owned rows to %s: %v", peer, err)
		}
	}
}

// drainSharedLog implements step 1-2: fetch log.get_since(peer, since) up
// to BatchRows and emit each as a SharedChange. The watermark advances only
// on the matching AckSharedChanges (Sender.HandleAck) — a send with no ack
// yet is simply re-attempted next tick, which is safe because the receiver
// dedups by HLC.
func (s *Sender) drainSharedLog(ctx context.Context, peer string) error {
	ps, err := s.log.PeerState(peer)
	if err != nil {
		return err
	}
	rows, err := s.log.GetSince(ps.LastHLCShipped, s.cfg.BatchRows)
	if err != nil {
		return err
	}
	for _, row := range rows {
		env := sharedChangeEnvelope(recordToSharedChange(row))
		if err := s.transport.SendSyncMessage(ctx, peer, env); err != nil {
			return errors.Wrapf(err, "send shared change %s", row.HLC)
		}
	}
	return nil
}

// shipDeviceOwned implements step 3: scan entry.indexed_at >
// last_device_shipped (and Volume's LastSeenAt analogue) and emit
// StateChange batches. The watermark is captured before the scan starts so
// a row written mid-scan is picked up on the *next* tick rather than lost
// between the scan and the watermark bump.
func (s *Sender) shipDeviceOwned(ctx context.Context, peer string) error {
	ps, err := s.log.PeerState(peer)
	if err != nil {
		return err
	}
	scanStart := time.Now()

	entries, err := s.entries.ListIndexedSince(ps.LastDeviceShipped)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.UUID == "" {
			continue // not yet content-linked; ships once it gets a uuid
		}
		we, err := s.toWireEntry(e)
		if err != nil {
			nlog.Warningf("syncpeer: build wire entry for %d: %v", e.ID, err)
			continue
		}
		payload, err := json.Marshal(we)
		if err != nil {
			return err
		}
		sc := StateChange{ModelType: ModelEntry, RecordUUID: e.UUID, DeviceUUID: s.localDevice, Payload: payload, Timestamp: e.IndexedAt}
		if err := s.transport.SendSyncMessage(ctx, peer, stateChangeEnvelope(sc)); err != nil {
			return errors.Wrapf(err, "send entry state change %s", e.UUID)
		}
	}

	volumes, err := s.entries.ListVolumesSince(s.localDevice, ps.LastDeviceShipped)
	if err != nil {
		return err
	}
	for _, v := range volumes {
		payload, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sc := StateChange{ModelType: ModelVolume, RecordUUID: v.UUID, DeviceUUID: s.localDevice, Payload: payload, Timestamp: v.LastSeenAt}
		if err := s.transport.SendSyncMessage(ctx, peer, stateChangeEnvelope(sc)); err != nil {
			return errors.Wrapf(err, "send volume state change %s", v.UUID)
		}
	}

	return s.log.MarkDeviceShipped(peer, scanStart)
}

func (s *Sender) toWireEntry(e *store.Entry) (WireEntry, error) {
	we := WireEntry{
		UUID:      e.UUID,
		Name:      e.Name,
		Kind:      int(e.Kind),
		Extension: e.Extension,
		Size:      e.Size,
		ContentID: e.ContentID,
		MTime:     e.MTime,
		CTime:     e.CTime,
		Hidden:    e.Hidden,
	}
	if e.ParentID != nil {
		parent, err := s.entries.Get(*e.ParentID)
		if err != nil {
			return WireEntry{}, err
		}
		we.ParentUUID = parent.UUID
	}
	if e.Kind == store.KindDirectory {
		if path, err := s.entries.GetDirectoryPath(e.ID); err == nil {
			we.DirPath = path
		}
	}
	return we, nil
}

// HandleAck implements the sender half of AckSharedChanges: advance
// last_hlc_shipped for the acking peer.
func (s *Sender) HandleAck(a AckSharedChanges) error {
	return s.log.MarkShipped(a.FromDevice, a.UpToHLC)
}
