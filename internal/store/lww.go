package store

import (
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// keyDeviceTS namespaces the last-applied-timestamp index every device-owned
// model's remote-apply path consults before overwriting a row: device-owned
// resources are last-writer-wins by HLC (spec.md:64), resolved per
// (record_uuid, device_uuid) (spec.md:185). Mirrors the
// syncpeer.Receiver.isNewerThanApplied/markApplied pair SharedChange already
// uses, scoped here to Entry/Volume/Device instead of the shared log.
const keyDeviceTS = "devicets:" // devicets:<model>:<uuid>:<device> -> RFC3339Nano

func deviceTSKey(model, recordUUID, deviceUUID string) string {
	return keyDeviceTS + model + ":" + recordUUID + ":" + deviceUUID
}

// newerThanApplied reports whether ts is strictly newer than the last
// timestamp recorded for (model, recordUUID, deviceUUID). No prior record
// means the incoming write is the first one seen and is always applied.
func newerThanApplied(tx *buntdb.Tx, model, recordUUID, deviceUUID string, ts time.Time) (bool, error) {
	v, err := tx.Get(deviceTSKey(model, recordUUID, deviceUUID))
	if errors.Is(err, buntdb.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	stored, perr := time.Parse(time.RFC3339Nano, v)
	if perr != nil {
		// Unparseable index entry shouldn't wedge the apply path forever.
		return true, nil
	}
	return ts.After(stored), nil
}

func markDeviceApplied(tx *buntdb.Tx, model, recordUUID, deviceUUID string, ts time.Time) error {
	_, _, err := tx.Set(deviceTSKey(model, recordUUID, deviceUUID), ts.UTC().Format(time.RFC3339Nano), nil)
	return err
}
