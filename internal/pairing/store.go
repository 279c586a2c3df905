package pairing

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keySession = "pairing:session:" // pairing:session:<uuid> -> PairingSession JSON

// SessionStore persists PairingSessions to the same buntdb file the rest
// of the library's main DB uses, so a process restart mid-handshake finds
// its sessions exactly where spec.md §4.9's "sessions are written to disk
// after every state transition" requires.
type SessionStore struct {
	db *buntdb.DB
}

func NewSessionStore(db *buntdb.DB) *SessionStore { return &SessionStore{db: db} }

// Put persists s, overwriting any prior state for the same session id.
// Called after every PairingSession transition.
func (st *SessionStore) Put(s *PairingSession) error {
	return st.db.Update(func(tx *buntdb.Tx) error {
		b, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(keySession+s.ID.String(), string(b), nil)
		return err
	})
}

// Get loads a session by id.
func (st *SessionStore) Get(id string) (*PairingSession, error) {
	var s *PairingSession
	err := st.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keySession + id)
		if err != nil {
			return err
		}
		s = &PairingSession{}
		return json.Unmarshal([]byte(v), s)
	})
	return s, err
}

// Delete removes a session row, called once a swept session's terminal
// state no longer needs to be resumable.
func (st *SessionStore) Delete(id string) error {
	return st.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(keySession + id)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
}

// List returns every persisted session, for the sweep loop.
func (st *SessionStore) List() ([]*PairingSession, error) {
	var out []*PairingSession
	err := st.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		tx.AscendKeys(keySession+"*", func(_, v string) bool {
			s := &PairingSession{}
			if err := json.Unmarshal([]byte(v), s); err != nil {
				iterErr = err
				return false
			}
			out = append(out, s)
			return true
		})
		return iterErr
	})
	return out, err
}
