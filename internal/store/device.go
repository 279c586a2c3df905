package store

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

const keyDevice = "device:" // device:<uuid> -> Device JSON

// Device is the spec.md §3 Device entity: a long-lived, key-derived peer
// identity registered in every library it has paired with.
type Device struct {
	UUID        string
	Name        string
	SyncEnabled bool
	LastSyncAt  time.Time
}

func deviceKey(uuid string) string { return keyDevice + uuid }

// PutDevice creates or overwrites a Device row for the local pairing flow
// (registering a newly-paired peer). A peer's own StateChange about itself
// goes through ApplyRemoteDevice instead, which LWW-guards the overwrite.
func (s *Store) PutDevice(d Device) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(deviceKey(d.UUID), string(b), nil)
		return err
	})
}

const lwwModelDevice = "device"

// ApplyRemoteDevice upserts a peer's own Device row, guarded the same way
// ApplyRemoteVolume guards Volume: Device is device-owned per spec.md:64,
// keyed on (d.UUID, deviceUUID) per spec.md:185 so a reordered delivery
// can't clobber a later-applied row. deviceUUID is the device the
// StateChange came from, which for a device's own row is d.UUID itself.
func (s *Store) ApplyRemoteDevice(d Device, deviceUUID string, ts time.Time) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		newer, err := newerThanApplied(tx, lwwModelDevice, d.UUID, deviceUUID, ts)
		if err != nil {
			return err
		}
		if !newer {
			return nil
		}
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(deviceKey(d.UUID), string(b), nil); err != nil {
			return err
		}
		return markDeviceApplied(tx, lwwModelDevice, d.UUID, deviceUUID, ts)
	})
}

func (s *Store) GetDevice(uuid string) (*Device, error) {
	var d *Device
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(deviceKey(uuid))
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.Wrapf(syncerr.ErrNotFound, "device %s", uuid)
		}
		if err != nil {
			return err
		}
		d = &Device{}
		return json.Unmarshal([]byte(v), d)
	})
	return d, err
}

// SetDeviceSyncAt bumps a device's last_sync_at, marking a completed
// backfill so the receiver never re-triggers one against the same peer
// (spec.md §4.8 "receiver sets device last_sync_at only after successful
// backfill apply").
func (s *Store) SetDeviceSyncAt(uuid string, at time.Time) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Get(deviceKey(uuid))
		if err != nil {
			return err
		}
		d := &Device{}
		if err := json.Unmarshal([]byte(v), d); err != nil {
			return err
		}
		d.LastSyncAt = at
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(deviceKey(d.UUID), string(b), nil)
		return err
	})
}

// ListDevices returns every known device row (local registrations plus any
// applied from a peer's StateChange batch).
func (s *Store) ListDevices() ([]Device, error) {
	var out []Device
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keyDevice+"*", func(_, v string) bool {
			d := Device{}
			if err := json.Unmarshal([]byte(v), &d); err != nil {
				iterErr = err
				return false
			}
			out = append(out, d)
			return true
		})
		return iterErr
	})
	return out, err
}
