package store

import (
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

// ScanState tracks an indexer job's progress against a Location, per
// spec.md §4.6 step 6 ("update location scan_state Pending -> Indexed on
// success").
type ScanState string

const (
	ScanPending ScanState = "pending"
	ScanIndexed ScanState = "indexed"
)

const keyLocation = "location:" // location:<id> -> Location JSON

// Location is the root a walk is scoped to — a local directory or a cloud
// volume URI (spec.md §3's Location entity).
type Location struct {
	ID        int64
	Path      string
	ScanState ScanState
}

// CreateLocation registers a new walk root in Pending state.
func (s *Store) CreateLocation(path string) (*Location, error) {
	var loc *Location
	err := s.db.Update(func(tx *buntdb.Tx) error {
		id, err := s.nextID(tx)
		if err != nil {
			return err
		}
		l := &Location{ID: id, Path: normPath(path), ScanState: ScanPending}
		b, err := json.Marshal(l)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(keyLocation+padID(id), string(b), nil); err != nil {
			return err
		}
		loc = l
		return nil
	})
	return loc, errors.Wrap(err, "store: create location")
}

func (s *Store) GetLocation(id int64) (*Location, error) {
	var l *Location
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyLocation + padID(id))
		if errors.Is(err, buntdb.ErrNotFound) {
			return errors.Wrapf(syncerr.ErrNotFound, "location %d", id)
		}
		if err != nil {
			return err
		}
		l = &Location{}
		return json.Unmarshal([]byte(v), l)
	})
	return l, err
}

func (s *Store) SetScanState(id int64, st ScanState) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyLocation + padID(id))
		if err != nil {
			return err
		}
		l := &Location{}
		if err := json.Unmarshal([]byte(v), l); err != nil {
			return err
		}
		l.ScanState = st
		b, err := json.Marshal(l)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(keyLocation+padID(id), string(b), nil)
		return err
	})
}
