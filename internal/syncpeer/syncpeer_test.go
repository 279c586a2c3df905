package syncpeer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/config"
	"github.com/NVIDIA/syncmesh/internal/hlc"
	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/synclog"
)

// mockTransport connects a fixed set of named peers in-process: sending to
// a peer calls that peer's Handler.HandleEnvelope synchronously. Grounded
// on the pack's general mock-transport test-double shape (a map of peer
// name to inbox/handler) rather than any one example file, since none of
// the teacher's own tests needed a network double — spec.md §6's
// NetworkTransport contract is what this satisfies.
type mockTransport struct {
	self     string
	peers    map[string]*Engine
	reachable map[string]bool
}

func (m *mockTransport) SendSyncMessage(ctx context.Context, targetDeviceUUID string, env Envelope) error {
	peer, ok := m.peers[targetDeviceUUID]
	if !ok {
		return nil
	}
	return peer.HandleEnvelope(ctx, m.self, env)
}

func (m *mockTransport) GetConnectedSyncPartners() []string {
	var out []string
	for id, reachable := range m.reachable {
		if reachable {
			out = append(out, id)
		}
	}
	return out
}

func (m *mockTransport) IsDeviceReachable(deviceUUID string) bool { return m.reachable[deviceUUID] }

type testNode struct {
	deviceUUID string
	store      *store.Store
	log        *synclog.Log
	clock      *hlc.Clock
	sender     *Sender
	receiver   *Receiver
	transport  *mockTransport
	engine     *Engine
}

func newTestNode(t *testing.T, deviceUUID string, cfg config.SyncConfig) *testNode {
	t.Helper()
	db, err := buntdb.Open(filepath.Join(t.TempDir(), deviceUUID+".db"))
	if err != nil {
		t.Fatalf("open buntdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := store.Open(filepath.Join(t.TempDir(), deviceUUID+"-store.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	l := synclog.Open(db)
	clock := hlc.New(deviceUUID, hlc.Timestamp{})

	transport := &mockTransport{self: deviceUUID, peers: make(map[string]*Engine), reachable: make(map[string]bool)}
	sender := NewSender(s, l, transport, deviceUUID, cfg)
	receiver := NewReceiver(s, l, db, clock, cfg.DependencyTTL)
	engine := NewEngine(s, l, sender, receiver, transport, cfg, nil)

	return &testNode{deviceUUID: deviceUUID, store: s, log: l, clock: clock, sender: sender, receiver: receiver, transport: transport, engine: engine}
}

func connect(a, b *testNode) {
	a.transport.peers[b.deviceUUID] = b.engine
	a.transport.reachable[b.deviceUUID] = true
	b.transport.peers[a.deviceUUID] = a.engine
	b.transport.reachable[a.deviceUUID] = true
}

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{BatchRows: 100, StabilityTicks: 3, PollInterval: time.Second, DependencyTTL: time.Minute}
}

// TestStateChangeRoundTrip ships a device-owned entry from Alice to Bob and
// confirms Bob's store materializes the row.
func TestStateChangeRoundTrip(t *testing.T) {
	cfg := testSyncConfig()
	alice := newTestNode(t, "alice", cfg)
	bob := newTestNode(t, "bob", cfg)
	connect(alice, bob)

	if _, err := alice.store.Create("/root", "", store.EntryMeta{Name: "root", Kind: store.KindDirectory}); err != nil {
		t.Fatalf("create root dir: %v", err)
	}
	e, err := alice.store.Create("/root/file.txt", "/root", store.EntryMeta{Name: "file.txt", Kind: store.KindFile, Size: 10})
	if err != nil {
		t.Fatalf("create entry: %v", err)
	}
	const entryUUID = "entry-uuid-1"
	if err := alice.store.SetContentID(e.ID, "content-uuid-1", entryUUID); err != nil {
		t.Fatalf("set content id: %v", err)
	}

	alice.sender.Tick(context.Background())

	got, err := bob.store.GetByUUID(entryUUID)
	if err != nil {
		t.Fatalf("bob lookup after state change: %v", err)
	}
	if got.Name != "file.txt" {
		t.Fatalf("expected name file.txt, got %q", got.Name)
	}
}

// TestDependencyDeferralReordersChildBeforeParent verifies a child entry
// StateChange arriving before its parent's is deferred and replayed once
// the parent resolves, rather than dropped or errored.
func TestDependencyDeferralReordersChildBeforeParent(t *testing.T) {
	cfg := testSyncConfig()
	bob := newTestNode(t, "bob", cfg)

	parentWE := WireEntry{UUID: "parent-uuid", Name: "dir", Kind: int(store.KindDirectory), DirPath: "/root/dir"}
	childWE := WireEntry{UUID: "child-uuid", Name: "child.txt", Kind: int(store.KindFile), ParentUUID: "parent-uuid", ContentID: "content-child"}

	childPayload, err := json.Marshal(childWE)
	if err != nil {
		t.Fatalf("marshal child: %v", err)
	}
	parentPayload, err := json.Marshal(parentWE)
	if err != nil {
		t.Fatalf("marshal parent: %v", err)
	}

	childSC := StateChange{ModelType: ModelEntry, RecordUUID: childWE.UUID, DeviceUUID: "alice", Payload: childPayload, Timestamp: time.Now()}
	parentSC := StateChange{ModelType: ModelEntry, RecordUUID: parentWE.UUID, DeviceUUID: "alice", Payload: parentPayload, Timestamp: time.Now()}

	if err := bob.receiver.ApplyStateChange("alice", childSC); err != nil {
		t.Fatalf("apply child before parent should defer, not error: %v", err)
	}
	if _, err := bob.store.GetByUUID(childWE.UUID); err == nil {
		t.Fatalf("child should not yet be applied")
	}
	if bob.receiver.PendingDependencies() != 1 {
		t.Fatalf("expected 1 pending dependency, got %d", bob.receiver.PendingDependencies())
	}

	if err := bob.receiver.ApplyStateChange("alice", parentSC); err != nil {
		t.Fatalf("apply parent: %v", err)
	}

	if _, err := bob.store.GetByUUID(childWE.UUID); err != nil {
		t.Fatalf("child should have been replayed after parent resolved: %v", err)
	}
	if bob.receiver.PendingDependencies() != 0 {
		t.Fatalf("expected pending dependencies to drain to 0, got %d", bob.receiver.PendingDependencies())
	}
}

// TestSharedChangeStaleReplayDropped confirms a SharedChange with an HLC no
// newer than one already applied for the same (model, uuid, device) is
// silently ignored rather than reapplied.
func TestSharedChangeStaleReplayDropped(t *testing.T) {
	cfg := testSyncConfig()
	bob := newTestNode(t, "bob", cfg)

	sc := SharedChange{
		HLC:        hlc.Timestamp{WallMS: 1000, Logical: 0, Device: "alice"},
		DeviceUUID: "alice",
		ModelType:  ModelType("tag"),
		RecordUUID: "tag-1",
		ChangeType: synclog.ChangeInsert,
		Payload:    []byte(`{"name":"red"}`),
	}
	applied := 0
	bob.receiver.SharedApply[ModelType("tag")] = func(SharedChange) error { applied++; return nil }

	if err := bob.receiver.ApplySharedChange("alice", sc); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if applied != 1 {
		t.Fatalf("expected 1 apply, got %d", applied)
	}

	stale := sc
	stale.HLC = hlc.Timestamp{WallMS: 500, Logical: 0, Device: "alice"}
	if err := bob.receiver.ApplySharedChange("alice", stale); err != nil {
		t.Fatalf("stale replay should not error: %v", err)
	}
	if applied != 1 {
		t.Fatalf("stale replay should not re-apply, got %d applies", applied)
	}
}

// TestBackfillRoundTrip exercises BuildSnapshot/ApplySnapshot end to end
// through CompressSnapshot/DecompressSnapshot; this few-row snapshot stays
// below compressThreshold, so its body round-trips uncompressed.
func TestBackfillRoundTrip(t *testing.T) {
	cfg := testSyncConfig()
	alice := newTestNode(t, "alice", cfg)
	bob := newTestNode(t, "bob", cfg)

	if err := alice.store.PutDevice(store.Device{UUID: "alice", Name: "alice-laptop"}); err != nil {
		t.Fatalf("put alice device: %v", err)
	}
	if err := bob.store.PutDevice(store.Device{UUID: "alice", Name: "alice-laptop"}); err != nil {
		t.Fatalf("seed bob with alice device row: %v", err)
	}

	if _, err := alice.store.Create("/root", "", store.EntryMeta{Name: "root", Kind: store.KindDirectory}); err != nil {
		t.Fatalf("create root dir: %v", err)
	}
	for i := 0; i < 3; i++ {
		name := string(rune('a'+i)) + ".txt"
		e, err := alice.store.Create("/root/"+name, "/root", store.EntryMeta{Name: name, Kind: store.KindFile, Size: int64(i + 1)})
		if err != nil {
			t.Fatalf("create entry %d: %v", i, err)
		}
		if err := alice.store.SetContentID(e.ID, "content-"+name, "entry-uuid-"+name); err != nil {
			t.Fatalf("set content id %d: %v", i, err)
		}
	}

	snap, err := BuildSnapshot(alice.store, alice.log, hlc.Timestamp{})
	if err != nil {
		t.Fatalf("build snapshot: %v", err)
	}
	if len(snap.StateChanges) == 0 {
		t.Fatalf("expected non-empty snapshot")
	}

	wire, body, err := CompressSnapshot(snap)
	if err != nil {
		t.Fatalf("compress snapshot: %v", err)
	}

	decoded, err := DecompressSnapshot(wire, body)
	if err != nil {
		t.Fatalf("decompress snapshot: %v", err)
	}
	if len(decoded.StateChanges) != len(snap.StateChanges) {
		t.Fatalf("expected %d state changes after round trip, got %d", len(snap.StateChanges), len(decoded.StateChanges))
	}

	if err := ApplySnapshot(bob.receiver, "alice", decoded); err != nil {
		t.Fatalf("apply snapshot: %v", err)
	}

	entries, _, err := bob.store.Counts()
	if err != nil {
		t.Fatalf("bob counts: %v", err)
	}
	if entries < 3 {
		t.Fatalf("expected at least 3 entries applied to bob, got %d", entries)
	}

	dev, err := bob.store.GetDevice("alice")
	if err != nil {
		t.Fatalf("bob get alice device after backfill: %v", err)
	}
	if dev.LastSyncAt.IsZero() {
		t.Fatalf("expected last_sync_at to be set after successful backfill apply")
	}
}

// TestAckAdvancesSenderWatermark confirms HandleAck moves last_hlc_shipped
// forward and never regresses it.
func TestAckAdvancesSenderWatermark(t *testing.T) {
	cfg := testSyncConfig()
	alice := newTestNode(t, "alice", cfg)

	hi := hlc.Timestamp{WallMS: 2000, Device: "alice"}
	if err := alice.sender.HandleAck(AckSharedChanges{FromDevice: "bob", UpToHLC: hi}); err != nil {
		t.Fatalf("handle ack: %v", err)
	}
	ps, err := alice.log.PeerState("bob")
	if err != nil {
		t.Fatalf("peer state: %v", err)
	}
	if ps.LastHLCShipped != hi {
		t.Fatalf("expected watermark %v, got %v", hi, ps.LastHLCShipped)
	}

	lo := hlc.Timestamp{WallMS: 100, Device: "alice"}
	if err := alice.sender.HandleAck(AckSharedChanges{FromDevice: "bob", UpToHLC: lo}); err != nil {
		t.Fatalf("handle second ack: %v", err)
	}
	ps, err = alice.log.PeerState("bob")
	if err != nil {
		t.Fatalf("peer state after regress attempt: %v", err)
	}
	if ps.LastHLCShipped != hi {
		t.Fatalf("watermark must not regress: expected %v, got %v", hi, ps.LastHLCShipped)
	}
}
