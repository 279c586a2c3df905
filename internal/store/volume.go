package store

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

const (
	keyVolume = "volume:" // volume:<uuid> -> Volume JSON
)

// Volume is the spec.md §3 Volume entity: a device-owned row describing one
// local or network storage device. Every device emits its own rows; peers
// receive copies of every other device's volumes as StateChange messages
// but never mutate them locally (device-owned, per spec.md §5).
type Volume struct {
	UUID              string
	DeviceID          string
	Fingerprint       string
	DisplayName       string
	CapacityBytes     int64
	LastSeenAt        time.Time
	IsOnline          bool
	FileSystem        string
	MountPoint        string
	IsRemovable       bool
	IsNetworkDrive    bool
	AutoTrackEligible bool
}

func volumeKey(uuid string) string { return keyVolume + uuid }

// PutVolume creates or overwrites a device-owned Volume row for a Volume
// this library itself detected (registration, heartbeat). A peer's copy of
// someone else's Volume arrives over a StateChange instead and goes through
// ApplyRemoteVolume, which LWW-guards the overwrite.
func (s *Store) PutVolume(v Volume) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(volumeKey(v.UUID), string(b), nil)
		return err
	})
}

const lwwModelVolume = "volume"

// ApplyRemoteVolume upserts a peer's Volume row by uuid, guarded by the same
// last-writer-wins check ApplyRemote applies to Entry: Volume is device-owned
// per spec.md:64, so a StateChange delivered out of order (spec.md §6) must
// not regress a row past a later one already applied for (v.UUID,
// deviceUUID). ts is the carrying StateChange's Timestamp, not v.LastSeenAt,
// since a stale delivery can still claim a fresh-looking LastSeenAt.
func (s *Store) ApplyRemoteVolume(v Volume, deviceUUID string, ts time.Time) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		newer, err := newerThanApplied(tx, lwwModelVolume, v.UUID, deviceUUID, ts)
		if err != nil {
			return err
		}
		if !newer {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(volumeKey(v.UUID), string(b), nil); err != nil {
			return err
		}
		return markDeviceApplied(tx, lwwModelVolume, v.UUID, deviceUUID, ts)
	})
}

func (s *Store) GetVolume(uuid string) (*Volume, error) {
	var v *Volume
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(volumeKey(uuid))
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.Wrapf(syncerr.ErrNotFound, "volume %s", uuid)
		}
		if err != nil {
			return err
		}
		v = &Volume{}
		return json.Unmarshal([]byte(val), v)
	})
	return v, err
}

// ListVolumesByDevice returns every volume row this store holds for
// deviceID, whether locally detected or received from a peer.
func (s *Store) ListVolumesByDevice(deviceID string) ([]Volume, error) {
	var out []Volume
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyVolume+"*", func(_, v string) bool {
			vol := Volume{}
			if err := json.Unmarshal([]byte(v), &vol); err != nil {
				iterErr = err
				return false
			}
			if vol.DeviceID == deviceID {
				out = append(out, vol)
			}
			return true
		})
		return iterErr
	})
	return out, err
}

// ListAllVolumes returns every volume row this store holds, regardless of
// owning device — the backfill snapshot's "every device-owned row" query
// (spec.md §4.8), as opposed to ListVolumesByDevice's per-device scan the
// periodic sender loop uses.
func (s *Store) ListAllVolumes() ([]Volume, error) {
	var out []Volume
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyVolume+"*", func(_, v string) bool {
			vol := Volume{}
			if err := json.Unmarshal([]byte(v), &vol); err != nil {
				iterErr = err
				return false
			}
			out = append(out, vol)
			return true
		})
		return iterErr
	})
	return out, err
}

// ListVolumesSince returns deviceID's own volume rows last seen strictly
// after since — the sender loop's device-owned scan for Volume (spec.md
// §4.8 step 3's "similar for Location/Volume"). LastSeenAt is the only
// monotonic-on-mutation field Volume carries (Heartbeat bumps it on every
// observation), so it stands in for Entry's IndexedAt here.
func (s *Store) ListVolumesSince(deviceID string, since time.Time) ([]Volume, error) {
	all, err := s.ListVolumesByDevice(deviceID)
	if err != nil {
		return nil, err
	}
	var out []Volume
	for _, v := range all {
		if v.LastSeenAt.After(since) {
			out = append(out, v)
		}
	}
	return out, nil
}
