package store

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/buntdb"
)

// insertSelfClosure writes the mandatory (id, id, 0) row (invariant 2).
func insertSelfClosure(tx *buntdb.Tx, id int64) error {
	return setClosureRow(tx, ClosureRow{AncestorID: id, DescendantID: id, Depth: 0})
}

func setClosureRow(tx *buntdb.Tx, r ClosureRow) error {
	b := marshalClosure(r)
	if _, _, err := tx.Set(closureFwdKey(r.AncestorID, r.DescendantID), b, nil); err != nil {
		return err
	}
	if _, _, err := tx.Set(closureRevKey(r.DescendantID, r.AncestorID), b, nil); err != nil {
		return err
	}
	return nil
}

func delClosureRow(tx *buntdb.Tx, anc, desc int64) error {
	if _, err := tx.Delete(closureFwdKey(anc, desc)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	if _, err := tx.Delete(closureRevKey(desc, anc)); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	return nil
}

func marshalClosure(r ClosureRow) string {
	b, _ := json.Marshal(r)
	return string(b)
}

func unmarshalClosure(v string) (ClosureRow, error) {
	var r ClosureRow
	err := json.Unmarshal([]byte(v), &r)
	return r, err
}

// ancestorsOf returns every (ancestor, depth) pair for descendant, i.e. the
// rows reachable via the reverse index, including the self-row.
func ancestorsOf(tx *buntdb.Tx, descendant int64) ([]ClosureRow, error) {
	prefix := keyClosureRev + padID(descendant) + ":"
	var rows []ClosureRow
	var iterErr error
	tx.AscendKeys(prefix+"*", func(_, v string) bool {
		r, err := unmarshalClosure(v)
		if err != nil {
			iterErr = err
			return false
		}
		rows = append(rows, r)
		return true
	})
	return rows, iterErr
}

// descendantsOf returns every (descendant, depth) pair for ancestor,
// including the self-row — the O(1)-query subtree listing spec.md §4.1
// (design notes) calls out as the hot path the closure table optimizes.
func descendantsOf(tx *buntdb.Tx, ancestor int64) ([]ClosureRow, error) {
	prefix := keyClosureFwd + padID(ancestor) + ":"
	var rows []ClosureRow
	var iterErr error
	tx.AscendKeys(prefix+"*", func(_, v string) bool {
		r, err := unmarshalClosure(v)
		if err != nil {
			iterErr = err
			return false
		}
		rows = append(rows, r)
		return true
	})
	return rows, iterErr
}

// expandClosureOnCreate runs the single "insert ancestors of parent, one
// level deeper" step spec.md §4.2 describes for entry creation.
func expandClosureOnCreate(tx *buntdb.Tx, parentID, newID int64) error {
	if err := insertSelfClosure(tx, newID); err != nil {
		return err
	}
	if parentID == 0 {
		return nil // root entry: only the self-row
	}
	parentAncestors, err := ancestorsOf(tx, parentID)
	if err != nil {
		return errors.Wrap(err, "store: closure expand")
	}
	for _, pa := range parentAncestors {
		if err := setClosureRow(tx, ClosureRow{
			AncestorID:   pa.AncestorID,
			DescendantID: newID,
			Depth:        pa.Depth + 1,
		}); err != nil {
			return err
		}
	}
	return nil
}

// rewriteClosureOnMove implements spec.md §4.2's move algorithm: detach the
// moved subtree from its old ancestor chain, then reattach it under the new
// parent. Both phases run inside the caller's transaction so no external
// reader ever observes a partially-rewritten closure (spec.md §5).
func rewriteClosureOnMove(tx *buntdb.Tx, movedID, newParentID int64) error {
	subtree, err := descendantsOf(tx, movedID)
	if err != nil {
		return errors.Wrap(err, "store: move: subtree scan")
	}
	inSubtree := make(map[int64]bool, len(subtree))
	for _, r := range subtree {
		inSubtree[r.DescendantID] = true
	}

	// Phase 1: detach — drop every (ancestor, descendant) row where the
	// descendant is in the subtree but the ancestor is not (i.e. every
	// link to the moved subtree's *old* ancestor chain, but keep the
	// internal subtree-to-subtree rows).
	for _, r := range subtree {
		ancestors, err := ancestorsOf(tx, r.DescendantID)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if inSubtree[a.AncestorID] {
				continue
			}
			if err := delClosureRow(tx, a.AncestorID, r.DescendantID); err != nil {
				return err
			}
		}
	}

	if newParentID == 0 {
		return nil // re-rooted: no new ancestor chain to attach
	}

	// Phase 2: reattach — for every ancestor P of newParentID (plus
	// newParentID itself) and every node C in the moved subtree, write
	// (P, C, depth(P,newParent) + depth(newParent,... )+1).
	newParentAncestors, err := ancestorsOf(tx, newParentID)
	if err != nil {
		return err
	}
	for _, p := range newParentAncestors {
		for _, c := range subtree {
			if err := setClosureRow(tx, ClosureRow{
				AncestorID:   p.AncestorID,
				DescendantID: c.DescendantID,
				Depth:        p.Depth + c.Depth + 1,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// deleteClosureForSubtree removes every closure row where the descendant is
// in the subtree rooted at id (as both ancestor and descendant), used by
// delete_subtree.
func deleteClosureForSubtree(tx *buntdb.Tx, id int64) ([]int64, error) {
	subtree, err := descendantsOf(tx, id)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(subtree))
	for _, r := range subtree {
		ids = append(ids, r.DescendantID)
	}
	for _, descID := range ids {
		ancestors, err := ancestorsOf(tx, descID)
		if err != nil {
			return nil, err
		}
		for _, a := range ancestors {
			if err := delClosureRow(tx, a.AncestorID, descID); err != nil {
				return nil, err
			}
		}
		// also drop rows where descID is itself an ancestor of some
		// other subtree member (already covered above since all
		// subtree members are descendants of id and of each other
		// where applicable); additionally drop any row where descID
		// is the ancestor of a node *outside* the subtree — cannot
		// happen because descID has no children outside the subtree
		// by construction of descendantsOf(id).
	}
	return ids, nil
}

// depthOf returns the depth of descendant below ancestor from their forward
// closure row, and false when no such row exists.
func depthOf(tx *buntdb.Tx, ancestor, descendant int64) (int, bool, error) {
	v, err := tx.Get(closureFwdKey(ancestor, descendant))
	if errors.Is(err, buntdb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	r, err := unmarshalClosure(v)
	return r.Depth, true, err
}

// CountAncestors returns |{ancestor rows for descendant}|, which should
// equal depth-from-root + 1 for every entry (spec.md §8 invariant).
func (s *Store) CountAncestors(descendant int64) (int, error) {
	var n int
	err := s.db.View(func(tx *buntdb.Tx) error {
		rows, err := ancestorsOf(tx, descendant)
		n = len(rows)
		return err
	})
	return n, err
}

// hasPrefixPath is a tiny wrapper over strings.HasPrefix, the has-prefix
// check used for path rewriting.
func hasPrefixPath(p, prefix string) bool {
	return strings.HasPrefix(p, prefix)
}
