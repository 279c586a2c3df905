package volume

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/NVIDIA/syncmesh/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "main.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalBackendMetadataDistinguishesFileAndDir(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(file, []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	b := NewLocalBackend(dir)
	fm, err := b.Metadata(context.Background(), file)
	if err != nil {
		t.Fatalf("metadata file: %v", err)
	}
	if fm.Kind != KindFile || fm.Size != 2 {
		t.Fatalf("unexpected file metadata: %+v", fm)
	}

	dm, err := b.Metadata(context.Background(), dir)
	if err != nil {
		t.Fatalf("metadata dir: %v", err)
	}
	if dm.Kind != KindDirectory {
		t.Fatalf("expected directory kind, got %v", dm.Kind)
	}
}

func TestLocalBackendMetadataNonExistentErrors(t *testing.T) {
	b := NewLocalBackend(t.TempDir())
	_, err := b.Metadata(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err == nil {
		t.Fatalf("expected error for missing path")
	}
}

func TestLocalBackendFingerprintStable(t *testing.T) {
	dir := t.TempDir()
	b := NewLocalBackend(dir)
	fp1, err := b.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	fp2, err := b.Fingerprint(context.Background())
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	if fp1 != fp2 {
		t.Fatalf("expected stable fingerprint across calls: %s vs %s", fp1, fp2)
	}
}

func TestRegisterCreatesDistinctVolumesPerDevice(t *testing.T) {
	s := openTestStore(t)
	b := NewLocalBackend(t.TempDir())

	v1, err := Register(context.Background(), s, b, RegisterParams{DeviceID: "device-a", DisplayName: "Disk"})
	if err != nil {
		t.Fatalf("register a: %v", err)
	}
	v2, err := Register(context.Background(), s, b, RegisterParams{DeviceID: "device-b", DisplayName: "Disk"})
	if err != nil {
		t.Fatalf("register b: %v", err)
	}
	if v1.UUID == v2.UUID {
		t.Fatalf("expected distinct volume rows per device")
	}
	if v1.Fingerprint != v2.Fingerprint {
		t.Fatalf("expected same backend to yield the same fingerprint")
	}
}

func TestMatchesForAutoTrackRequiresBothOptIn(t *testing.T) {
	a := store.Volume{Fingerprint: "x", AutoTrackEligible: true}
	b := store.Volume{Fingerprint: "x", AutoTrackEligible: false}
	if MatchesForAutoTrack(a, b) {
		t.Fatalf("expected no match: b did not opt in")
	}
	b.AutoTrackEligible = true
	if !MatchesForAutoTrack(a, b) {
		t.Fatalf("expected match: both opted in with same fingerprint")
	}
	b.Fingerprint = "y"
	if MatchesForAutoTrack(a, b) {
		t.Fatalf("expected no match: different fingerprints")
	}
}

func TestHeartbeatUpdatesOnlineState(t *testing.T) {
	s := openTestStore(t)
	b := NewLocalBackend(t.TempDir())
	v, err := Register(context.Background(), s, b, RegisterParams{DeviceID: "device-a"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Heartbeat(s, v.UUID, false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, err := s.GetVolume(v.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.IsOnline {
		t.Fatalf("expected offline after heartbeat(false)")
	}
}
