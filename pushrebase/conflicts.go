package pushrebase

import (
	"sort"

	"mainline/store"
)

// detectConflicts compares the union of paths touched by server-side commits
// since the common ancestor against the union of paths the incoming stack
// touches. Any overlap fails the push: the check is deliberately whole-path
// and coarse, so the server never merges content on its own.
func detectConflicts(serverCommits, stackCommits []*store.Commit) error {
	serverPaths := make(map[string]bool)
	for _, c := range serverCommits {
		for _, p := range c.ChangedPaths() {
			serverPaths[p] = true
		}
	}
	if len(serverPaths) == 0 {
		return nil
	}

	overlap := make(map[string]bool)
	for _, c := range stackCommits {
		for _, p := range c.ChangedPaths() {
			if serverPaths[p] {
				overlap[p] = true
			}
		}
	}
	if len(overlap) == 0 {
		return nil
	}

	paths := make([]string, 0, len(overlap))
	for p := range overlap {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &ConflictError{Paths: paths}
}

// touchedPaths returns the sorted union of paths the commits change.
func touchedPaths(commits []*store.Commit) []string {
	set := make(map[string]bool)
	for _, c := range commits {
		for _, p := range c.ChangedPaths() {
			set[p] = true
		}
	}
	paths := make([]string, 0, len(set))
	for p := range set {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
