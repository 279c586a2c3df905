// Package indexer implements the indexer pipeline (C7): the bounded-memory
// breadth-walk, indexer rule engine, and entry-graph writer described in
// spec.md §4.6. Walking itself is grounded on karrick/godirwalk (the
// teacher's godirwalk-shaped fast directory read primitive); the fan-out of
// sub-directory reads across a bounded worker pool is grounded on
// golang.org/x/sync/errgroup, the same pattern the teacher pulls in for
// bucket-wide jogger fan-out.
package indexer

import (
	"path/filepath"
	"strings"
)

// RuleKind is one of the four indexer rule kinds spec.md §4.6 names.
type RuleKind int

const (
	AcceptFilesByGlob RuleKind = iota
	RejectFilesByGlob
	AcceptIfChildrenDirectoriesArePresent
	RejectIfChildrenDirectoriesArePresent
)

// Rule is one indexer rule. Globs is used by the *ByGlob kinds; Names is
// used by the *IfChildrenDirectoriesArePresent kinds.
type Rule struct {
	Kind  RuleKind
	Globs []string
	Names []string
}

// RuleSet is the ordered collection of rules a Location (or the whole
// library) is indexed with.
type RuleSet struct {
	Rules []Rule
}

// Evaluate decides whether a walked child is accepted, and — for
// directories — whether acceptance should propagate to its own children
// (the accept_by_children_dir flag spec.md §4.6 step 2 describes).
//
// relPath is the child's path relative to the Location root (forward-slash
// joined, e.g. "target/debug/main"), never a bare basename: a glob rule
// with no "/" (e.g. "*.tmp") still only ever matches the basename, but a
// multi-segment pattern like "**/target" needs the accumulated path to
// match at all (spec.md:312's own worked example).
//
// Evaluation order, exactly as spec.md §4.6 specifies: reject-glob,
// children-reject, children-accept, accept-glob.
func (rs RuleSet) Evaluate(relPath string, isDir bool, childDirNames []string) (accept bool, acceptByChildren bool) {
	rejected := false
	for _, r := range rs.Rules {
		if r.Kind == RejectFilesByGlob && matchesAny(r.Globs, relPath) {
			rejected = true
		}
	}
	if isDir {
		for _, r := range rs.Rules {
			if r.Kind == RejectIfChildrenDirectoriesArePresent && containsAny(r.Names, childDirNames) {
				rejected = true
			}
		}
	}

	acceptByChildren = false
	if isDir {
		for _, r := range rs.Rules {
			if r.Kind == AcceptIfChildrenDirectoriesArePresent && containsAny(r.Names, childDirNames) {
				acceptByChildren = true
			}
		}
	}

	acceptGlobRulesPresent := false
	acceptGlobMatched := false
	for _, r := range rs.Rules {
		if r.Kind != AcceptFilesByGlob {
			continue
		}
		acceptGlobRulesPresent = true
		if matchesAny(r.Globs, relPath) {
			acceptGlobMatched = true
		}
	}
	acceptGlobDecision := true
	if acceptGlobRulesPresent {
		acceptGlobDecision = acceptGlobMatched
	}

	accept = !rejected && (acceptByChildren || acceptGlobDecision)
	return accept, acceptByChildren
}

// matchesAny matches relPath against globs. A glob with no "/" is a
// basename-only pattern ("*.tmp" rejects every foo.tmp regardless of
// depth); a glob containing "/" is matched against the whole relPath, with
// "**" path segments matching zero or more intermediate segments the way
// spec.md:312's "**/target" example requires.
func matchesAny(globs []string, relPath string) bool {
	base := filepath.Base(relPath)
	for _, g := range globs {
		if !strings.Contains(g, "/") {
			if ok, _ := filepath.Match(g, base); ok {
				return true
			}
			continue
		}
		if matchGlobPath(g, relPath) {
			return true
		}
	}
	return false
}

// matchGlobPath matches a "/"-joined glob pattern against relPath,
// segment by segment. filepath.Match alone can't express "**" spanning an
// arbitrary number of path segments, so each non-"**" segment is matched
// independently and "**" recurses over how many segments it consumes.
func matchGlobPath(pattern, relPath string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(relPath, "/"))
}

func matchSegments(pat, name []string) bool {
	if len(pat) == 0 {
		return len(name) == 0
	}
	if pat[0] == "**" {
		if matchSegments(pat[1:], name) {
			return true
		}
		if len(name) == 0 {
			return false
		}
		return matchSegments(pat, name[1:])
	}
	if len(name) == 0 {
		return false
	}
	if ok, _ := filepath.Match(pat[0], name[0]); !ok {
		return false
	}
	return matchSegments(pat[1:], name[1:])
}

func containsAny(names, present []string) bool {
	set := make(map[string]bool, len(present))
	for _, p := range present {
		set[p] = true
	}
	for _, n := range names {
		if set[n] {
			return true
		}
	}
	return false
}
