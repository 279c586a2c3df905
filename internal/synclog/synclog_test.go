package synclog

import (
	"path/filepath"
	"testing"

	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/hlc"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := buntdb.Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open buntdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return Open(db)
}

func TestAppendAndGetSinceOrdersByHLC(t *testing.T) {
	l := openTestLog(t)
	dev := "dev-a"
	ts := func(wall int64, logical uint32) hlc.Timestamp {
		return hlc.Timestamp{WallMS: wall, Logical: logical, Device: dev}
	}

	records := []Record{
		{HLC: ts(100, 0), DeviceUUID: dev, ModelType: "entry", RecordUUID: "u1", ChangeType: ChangeInsert},
		{HLC: ts(100, 1), DeviceUUID: dev, ModelType: "entry", RecordUUID: "u2", ChangeType: ChangeInsert},
		{HLC: ts(50, 0), DeviceUUID: dev, ModelType: "entry", RecordUUID: "u0", ChangeType: ChangeInsert},
	}
	for _, r := range records {
		if err := l.AppendLocal(r); err != nil {
			t.Fatalf("append %+v: %v", r, err)
		}
	}

	got, err := l.GetSince(hlc.Timestamp{}, 0)
	if err != nil {
		t.Fatalf("get since zero: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	if got[0].RecordUUID != "u0" || got[1].RecordUUID != "u1" || got[2].RecordUUID != "u2" {
		t.Fatalf("expected HLC order u0,u1,u2; got %v %v %v", got[0].RecordUUID, got[1].RecordUUID, got[2].RecordUUID)
	}

	sinceU1, err := l.GetSince(ts(100, 0), 0)
	if err != nil {
		t.Fatalf("get since u1: %v", err)
	}
	if len(sinceU1) != 1 || sinceU1[0].RecordUUID != "u2" {
		t.Fatalf("expected only u2 strictly after (100,0), got %v", sinceU1)
	}
}

func TestPeerStateLifecycle(t *testing.T) {
	l := openTestLog(t)
	peer := "peer-bob"

	initial, err := l.PeerState(peer)
	if err != nil {
		t.Fatalf("peer state: %v", err)
	}
	if !initial.LastHLCShipped.Zero() || !initial.LastHLCApplied.Zero() {
		t.Fatalf("expected zero watermarks for never-seen peer, got %+v", initial)
	}

	current := hlc.Timestamp{WallMS: 1000, Logical: 0, Device: "dev-a"}
	if err := l.InitPeerOnPairComplete(peer, current); err != nil {
		t.Fatalf("init on pair complete: %v", err)
	}
	ps, err := l.PeerState(peer)
	if err != nil {
		t.Fatalf("peer state after init: %v", err)
	}
	if ps.LastHLCShipped != current || ps.LastHLCApplied != current {
		t.Fatalf("expected both watermarks seeded to pair-complete HLC, got %+v", ps)
	}

	shipped := hlc.Timestamp{WallMS: 2000, Logical: 0, Device: "dev-a"}
	if err := l.MarkShipped(peer, shipped); err != nil {
		t.Fatalf("mark shipped: %v", err)
	}
	ps, _ = l.PeerState(peer)
	if ps.LastHLCShipped != shipped {
		t.Fatalf("expected shipped watermark to advance, got %+v", ps.LastHLCShipped)
	}
	if ps.LastHLCApplied != current {
		t.Fatalf("expected applied watermark to remain at pair-complete HLC until MarkApplied")
	}

	// MarkShipped must never regress the watermark.
	older := hlc.Timestamp{WallMS: 500, Logical: 0, Device: "dev-a"}
	if err := l.MarkShipped(peer, older); err != nil {
		t.Fatalf("mark shipped older: %v", err)
	}
	ps, _ = l.PeerState(peer)
	if ps.LastHLCShipped != shipped {
		t.Fatalf("expected shipped watermark not to regress, got %+v", ps.LastHLCShipped)
	}
}

func TestOldestAppliedAcrossPeers(t *testing.T) {
	l := openTestLog(t)
	dev := "dev-a"

	if err := l.InitPeerOnPairComplete("bob", hlc.Timestamp{WallMS: 100, Device: dev}); err != nil {
		t.Fatalf("init bob: %v", err)
	}
	if err := l.InitPeerOnPairComplete("carol", hlc.Timestamp{WallMS: 300, Device: dev}); err != nil {
		t.Fatalf("init carol: %v", err)
	}
	if err := l.MarkApplied("bob", hlc.Timestamp{WallMS: 150, Device: dev}); err != nil {
		t.Fatalf("mark applied bob: %v", err)
	}

	oldest, err := l.OldestAppliedAcrossPeers()
	if err != nil {
		t.Fatalf("oldest applied: %v", err)
	}
	if oldest.WallMS != 150 {
		t.Fatalf("expected oldest applied watermark to be bob's 150, got %d", oldest.WallMS)
	}
}
