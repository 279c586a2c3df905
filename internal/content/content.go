// Package content implements the content-identity store (spec.md §4.3): a
// globally deterministic content_hash -> metadata map, reference-counted by
// the entries that share it. Deterministic UUIDv5 identity is what lets two
// devices that have never talked to each other converge on the same
// content_identity row for identical bytes, with no coordination.
package content

import (
	"io"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/NVIDIA/syncmesh/internal/store"
	"github.com/NVIDIA/syncmesh/internal/syncerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// NSFixed is the fixed namespace spec.md §3 requires content UUIDs to be
// derived from: uuid = UUIDv5(NS_FIXED, content_hash_bytes). Any library on
// any device computes the same value for the same bytes.
var NSFixed = uuid.MustParse("6ba7b815-9dad-11d1-80b4-00c04fd430c8")

const (
	keyContent     = "content:"     // content:<uuid>      -> ContentIdentity JSON
	keyContentHash = "contenthash:" // contenthash:<hash>  -> uuid
)

// ContentIdentity is the spec.md §3 ContentIdentity entity.
type ContentIdentity struct {
	UUID           string
	ContentHash    string // hex-encoded blake3-256 digest
	Size           int64
	MimeTypeID     string
	KindID         string
	EntryCount     int
	FirstSeenAt    time.Time
	LastVerifiedAt time.Time
}

// Store owns the content-identity table inside the library's shared buntdb.
type Store struct {
	db *buntdb.DB
	sf singleflight.Group // collapses concurrent inserts of identical bytes
}

func Open(db *buntdb.DB) *Store { return &Store{db: db} }

// DeterministicUUID computes the spec.md §3 invariant: a UUIDv5 derived only
// from the content bytes, never from device or library identity.
func DeterministicUUID(contentHash string) string {
	return uuid.NewSHA1(NSFixed, []byte(contentHash)).String()
}

// HashFile streams r through BLAKE3 and returns the hex digest and byte
// count, the primitive the indexer's linker step calls per spec.md §4.3.
func HashFile(r io.Reader) (hexDigest string, size int64, err error) {
	h := blake3.New(32, nil)
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, errors.Wrap(err, "content: hash")
	}
	sum := h.Sum(nil)
	return fmtHex(sum), n, nil
}

const hexDigits = "0123456789abcdef"

func fmtHex(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}

// LinkEntryToContent implements spec.md §4.3's link_entry_to_content: it
// resolves (or creates) the content_identity row for contentHash, bumps its
// refcount/last_verified_at, and updates entries.ContentID — assigning the
// entry a uuid too if it had deferred that (non-empty file whose identity
// was not yet known at create time, spec.md §3).
//
// Concurrent calls for the same hash are collapsed with singleflight so only
// one of them can create the row; every caller whose call was folded into
// another's then runs its own upsert, which finds the row and bumps
// entry_count for its entry. The transaction itself treats an existing
// contenthash row as the spec's "UNIQUE violation => concurrent insert, read
// existing and proceed" case — buntdb has no UNIQUE constraint to violate.
func (s *Store) LinkEntryToContent(entries *store.Store, entryID int64, contentHash string, size int64, mimeTypeID, kindID string) (*ContentIdentity, *store.Entry, bool, error) {
	type result struct {
		ci    *ContentIdentity
		isNew bool
	}
	ranHere := false
	v, err, _ := s.sf.Do(contentHash, func() (interface{}, error) {
		ranHere = true
		ci, isNew, err := s.upsert(contentHash, size, mimeTypeID, kindID)
		return result{ci, isNew}, err
	})
	if err != nil {
		return nil, nil, false, err
	}
	r := v.(result)
	if !ranHere {
		ci, isNew, uerr := s.upsert(contentHash, size, mimeTypeID, kindID)
		if uerr != nil {
			return nil, nil, false, uerr
		}
		r = result{ci, isNew}
	}

	if err := entries.SetContentID(entryID, r.ci.UUID, uuid.NewString()); err != nil {
		return nil, nil, false, err
	}
	e, err := entries.Get(entryID)
	if err != nil {
		return nil, nil, false, err
	}
	return r.ci, e, r.isNew, nil
}

func (s *Store) upsert(contentHash string, size int64, mimeTypeID, kindID string) (*ContentIdentity, bool, error) {
	var ci *ContentIdentity
	var isNew bool
	err := s.db.Update(func(tx *buntdb.Tx) error {
		hashKey := keyContentHash + contentHash
		if existingUUID, gerr := tx.Get(hashKey); gerr == nil {
			c, gerr2 := s.getTx(tx, existingUUID)
			if gerr2 != nil {
				return gerr2
			}
			c.EntryCount++
			c.LastVerifiedAt = time.Now()
			if err := s.putTx(tx, c); err != nil {
				return err
			}
			ci = c
			return nil
		} else if !errors.Is(gerr, buntdb.ErrNotFound) {
			return gerr
		}

		now := time.Now()
		c := &ContentIdentity{
			UUID:           DeterministicUUID(contentHash),
			ContentHash:    contentHash,
			Size:           size,
			MimeTypeID:     mimeTypeID,
			KindID:         kindID,
			EntryCount:     1,
			FirstSeenAt:    now,
			LastVerifiedAt: now,
		}
		if _, _, err := tx.Set(hashKey, c.UUID, nil); err != nil {
			return err
		}
		if err := s.putTx(tx, c); err != nil {
			return err
		}
		ci = c
		isNew = true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "content: link %s", contentHash)
	}
	return ci, isNew, nil
}

func (s *Store) getTx(tx *buntdb.Tx, u string) (*ContentIdentity, error) {
	v, err := tx.Get(keyContent + u)
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, errors.Wrapf(syncerr.ErrNotFound, "content identity %s", u)
	}
	if err != nil {
		return nil, err
	}
	c := &ContentIdentity{}
	if err := json.Unmarshal([]byte(v), c); err != nil {
		return nil, errors.Wrap(err, "content: unmarshal")
	}
	return c, nil
}

func (s *Store) putTx(tx *buntdb.Tx, c *ContentIdentity) error {
	b, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "content: marshal")
	}
	_, _, err = tx.Set(keyContent+c.UUID, string(b), nil)
	return err
}

// Get fetches one content identity by uuid — used by the sync receiver to
// check whether a referenced content-identity is already known-present
// before applying an entry that depends on it (spec.md invariant 5).
func (s *Store) Get(u string) (*ContentIdentity, error) {
	var c *ContentIdentity
	err := s.db.View(func(tx *buntdb.Tx) error {
		var err error
		c, err = s.getTx(tx, u)
		return err
	})
	return c, err
}

// ApplyRemote upserts a peer's content_identity row by uuid. content
// identities are a shared (commutative) resource per spec.md invariant 6 —
// applying one twice, or out of order relative to other content rows, must
// be safe, so this only ever increases EntryCount-independent fields and
// takes the max of LastVerifiedAt; EntryCount itself is locally derived and
// never shipped over the wire.
func (s *Store) ApplyRemote(c ContentIdentity) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		existing, err := s.getTx(tx, c.UUID)
		if errors.Is(errors.Cause(err), syncerr.ErrNotFound) {
			if _, _, serr := tx.Set(keyContentHash+c.ContentHash, c.UUID, nil); serr != nil {
				return serr
			}
			c.EntryCount = 0
			return s.putTx(tx, &c)
		}
		if err != nil {
			return err
		}
		if c.LastVerifiedAt.After(existing.LastVerifiedAt) {
			existing.LastVerifiedAt = c.LastVerifiedAt
		}
		if existing.MimeTypeID == "" {
			existing.MimeTypeID = c.MimeTypeID
		}
		return s.putTx(tx, existing)
	})
}
