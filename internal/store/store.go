package store

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/OneOfOne/xxhash"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"

	"github.com/NVIDIA/syncmesh/internal/nlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Key layout in the shared buntdb main DB. All keys are designed so that a
// plain lexicographic Ascend/AscendKeys scan is enough — buntdb's builtin
// "just the key" ordering is the only index the closure-table algorithm
// needs when the id is zero-padded into the key.
const (
	keyEntry      = "entry:"       // entry:<id>               -> Entry JSON
	keyEntryUUID  = "entryuuid:"   // entryuuid:<uuid>         -> id
	keyClosureFwd = "closure:"     // closure:<anc>:<desc>     -> ClosureRow JSON
	keyClosureRev = "closurerev:"  // closurerev:<desc>:<anc>  -> ClosureRow JSON
	keyDirPath    = "dirpath:"     // dirpath:<id>             -> path string (directories only)
	keyPathDir    = "pathdir:"     // pathdir:<normpath>       -> id (directories only)
	keyEntryPath  = "entrypath:"   // entrypath:<id>           -> path string (every kind)
	keyPathEntry  = "pathentry:"   // pathentry:<normpath>     -> id (every kind)
	keySeq        = "seq:entry_id" // monotonic local id counter
)

// idWidth zero-pads integer ids so lexicographic key order matches numeric
// order, which AscendKeys-based prefix scans rely on.
const idWidth = 20

func padID(id int64) string { return fmt.Sprintf("%0*d", idWidth, id) }

// Store is the library's main-DB handle: entries, closure table, directory
// paths, and (via the same buntdb.DB) the content-identity and
// shared-change-log tables owned by sibling packages.
type Store struct {
	db *buntdb.DB

	cacheMu   [cacheShards]sync.RWMutex
	pathCache [cacheShards]map[string]int64 // write-through path -> entry id

	ephemeral *ephemeralUUIDs
}

const cacheShards = 16

// Open opens (creating if absent) the buntdb file at path as the library's
// main DB.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	s := &Store{db: db, ephemeral: newEphemeralUUIDs()}
	for i := range s.pathCache {
		s.pathCache[i] = make(map[string]int64, 256)
	}
	return s, nil
}

// DB exposes the underlying buntdb handle so sibling packages (content
// identity, shared-change log, device registry) can share one physical
// database file and one writer-serialization domain, matching spec.md §3's
// "Library ... owns one main DB."
func (s *Store) DB() *buntdb.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func shard(path string) int { return int(xxhash.ChecksumString64(path) % cacheShards) }

func (s *Store) cacheGet(path string) (int64, bool) {
	i := shard(path)
	s.cacheMu[i].RLock()
	defer s.cacheMu[i].RUnlock()
	id, ok := s.pathCache[i][path]
	return id, ok
}

func (s *Store) cachePut(path string, id int64) {
	i := shard(path)
	s.cacheMu[i].Lock()
	defer s.cacheMu[i].Unlock()
	s.pathCache[i][path] = id
}

func (s *Store) cacheInvalidate(path string) {
	i := shard(path)
	s.cacheMu[i].Lock()
	defer s.cacheMu[i].Unlock()
	delete(s.pathCache[i], path)
}

// normPath strips a trailing slash so cloud URIs (scheme://host/path/) match
// PathBuf-style parent semantics, per spec.md §4.2 and the boundary test in
// spec.md §8 ("cloud directory path with trailing / must resolve the same
// as without").
func normPath(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

func (s *Store) nextID(tx *buntdb.Tx) (int64, error) {
	cur, err := tx.Get(keySeq)
	var n int64
	if err == nil {
		n, _ = strconv.ParseInt(cur, 10, 64)
	} else if !errors.Is(err, buntdb.ErrNotFound) {
		return 0, err
	}
	n++
	if _, _, err := tx.Set(keySeq, strconv.FormatInt(n, 10), nil); err != nil {
		return 0, err
	}
	return n, nil
}

func entryKey(id int64) string     { return keyEntry + padID(id) }
func entryUUIDKey(u string) string { return keyEntryUUID + u }
func dirPathKey(id int64) string   { return keyDirPath + padID(id) }
func pathDirKey(p string) string   { return keyPathDir + normPath(p) }
func entryPathKey(id int64) string { return keyEntryPath + padID(id) }
func pathEntryKey(p string) string { return keyPathEntry + normPath(p) }

func closureFwdKey(anc, desc int64) string { return keyClosureFwd + padID(anc) + ":" + padID(desc) }
func closureRevKey(desc, anc int64) string { return keyClosureRev + padID(desc) + ":" + padID(anc) }

func marshalEntry(e *Entry) string {
	b, err := json.Marshal(e)
	if err != nil {
		nlog.Errorf("store: marshal entry %d: %v", e.ID, err)
	}
	return string(b)
}

func unmarshalEntry(v string) (*Entry, error) {
	e := &Entry{}
	if err := json.Unmarshal([]byte(v), e); err != nil {
		return nil, errors.Wrap(err, "store: unmarshal entry")
	}
	return e, nil
}
