package volume

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/NVIDIA/syncmesh/internal/store"
)

// RegisterParams describes one Volume a device wants to start tracking.
type RegisterParams struct {
	DeviceID          string
	DisplayName       string
	MountPoint        string
	FileSystem        string
	CapacityBytes     int64
	IsRemovable       bool
	AutoTrackEligible bool
}

// Register detects b's fingerprint and writes a new device-owned Volume row
// for deviceID — always a new row, never reused across devices. Per
// spec.md's volume-fingerprinting addition, two devices mounting the same
// cloud bucket stay two distinct Volume rows unless both set
// AutoTrackEligible and a caller explicitly reconciles them; Register never
// does that reconciliation itself.
func Register(ctx context.Context, s *store.Store, b Backend, p RegisterParams) (*store.Volume, error) {
	fp, err := b.Fingerprint(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "volume: fingerprint")
	}
	v := store.Volume{
		UUID:              uuid.NewString(),
		DeviceID:          p.DeviceID,
		Fingerprint:       fp,
		DisplayName:       p.DisplayName,
		CapacityBytes:     p.CapacityBytes,
		LastSeenAt:        time.Now(),
		IsOnline:          true,
		MountPoint:        p.MountPoint,
		FileSystem:        p.FileSystem,
		IsRemovable:       p.IsRemovable,
		IsNetworkDrive:    b.IsNetworkDrive(),
		AutoTrackEligible: p.AutoTrackEligible,
	}
	if err := s.PutVolume(v); err != nil {
		return nil, errors.Wrap(err, "volume: put")
	}
	return &v, nil
}

// MatchesForAutoTrack reports whether a and b should be treated as the same
// underlying resource across devices — both must opt in and agree on
// fingerprint, never inferred from display name or mount point alone.
func MatchesForAutoTrack(a, b store.Volume) bool {
	return a.AutoTrackEligible && b.AutoTrackEligible && a.Fingerprint == b.Fingerprint
}

// Heartbeat refreshes LastSeenAt/IsOnline for a locally-owned volume —
// called periodically so peers observe accurate online/offline state once
// this row ships as a StateChange.
func Heartbeat(s *store.Store, volumeUUID string, online bool) error {
	v, err := s.GetVolume(volumeUUID)
	if err != nil {
		return err
	}
	v.IsOnline = online
	v.LastSeenAt = time.Now()
	return s.PutVolume(*v)
}
