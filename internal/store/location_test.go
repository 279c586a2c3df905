package store

import "testing"

func TestLocationScanStateTransitions(t *testing.T) {
	s := openTestStore(t)
	loc, err := s.CreateLocation("/srv/library")
	if err != nil {
		t.Fatalf("create location: %v", err)
	}
	if loc.ScanState != ScanPending {
		t.Fatalf("expected new location to start Pending, got %s", loc.ScanState)
	}
	if err := s.SetScanState(loc.ID, ScanIndexed); err != nil {
		t.Fatalf("set scan state: %v", err)
	}
	got, err := s.GetLocation(loc.ID)
	if err != nil {
		t.Fatalf("get location: %v", err)
	}
	if got.ScanState != ScanIndexed {
		t.Fatalf("expected Indexed, got %s", got.ScanState)
	}
}
