package pushrebase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"mainline/cas"
	"mainline/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenRepoDB(t.TempDir(), "acme", "widgets")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// mkCommit builds a commit with a valid content-derived id. Each listed path
// gets a digest derived from the message so distinct commits touch distinct
// content.
func mkCommit(t *testing.T, message string, parents [][]byte, paths ...string) *store.Commit {
	t.Helper()
	changes := make(map[string]store.FileChange, len(paths))
	for _, p := range paths {
		changes[p] = store.FileChange{Digest: cas.Blake3HashHex([]byte(message + ":" + p))}
	}
	c := &store.Commit{
		Parents: parents,
		Author:  "alice",
		Time:    1700000000000,
		Message: message,
		Phase:   store.PhaseDraft,
		Changes: changes,
	}
	id, err := c.ComputeID()
	require.NoError(t, err)
	c.ID = id
	return c
}

// landCommits inserts commits as committed public history.
func landCommits(t *testing.T, db *store.DB, commits ...*store.Commit) {
	t.Helper()
	tx, err := db.BeginTx()
	require.NoError(t, err)
	for _, c := range commits {
		c.Phase = store.PhasePublic
		require.NoError(t, db.InsertCommit(tx, c))
	}
	require.NoError(t, tx.Commit())
}

func setBookmark(t *testing.T, db *store.DB, name string, old, new []byte) {
	t.Helper()
	tx, err := db.BeginTx()
	require.NoError(t, err)
	require.NoError(t, db.SetBookmarkCAS(tx, name, old, new, "alice", "seed"))
	require.NoError(t, tx.Commit())
}

func newTestEngine(db *store.DB) *Engine {
	return New(db, Options{Markers: true, Tenant: "acme", Repo: "widgets"})
}

func TestBuildStackLinearChain(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	base := mkCommit(t, "base", nil, "root.txt")
	landCommits(t, db, base)

	x := mkCommit(t, "x", [][]byte{base.ID}, "x.txt")
	y := mkCommit(t, "y", [][]byte{x.ID}, "y.txt")

	// Order in the bundle does not matter; topological order comes out.
	st, err := eng.buildStack([]*store.Commit{y, x})
	require.NoError(t, err)
	require.Equal(t, x.ID, st.root.ID)
	require.Equal(t, y.ID, st.head.ID)
	require.Equal(t, base.ID, st.base)
	require.Nil(t, st.merge)
	require.Len(t, st.commits, 2)
	require.Equal(t, x.ID, st.commits[0].ID)
	require.Equal(t, y.ID, st.commits[1].ID)
}

func TestBuildStackParentlessRoot(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	x := mkCommit(t, "genesis", nil, "a.txt")
	st, err := eng.buildStack([]*store.Commit{x})
	require.NoError(t, err)
	require.Nil(t, st.base)
	require.Equal(t, x.ID, st.head.ID)
}

func TestBuildStackRejectsTamperedCommit(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	x := mkCommit(t, "honest", nil, "a.txt")
	x.Message = "tampered after hashing"

	_, err := eng.buildStack([]*store.Commit{x})
	var malformed *MalformedBundleError
	require.ErrorAs(t, err, &malformed)
}

func TestBuildStackRejectsUnknownBase(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	phantom := mkCommit(t, "never sent", nil, "p.txt")
	x := mkCommit(t, "x", [][]byte{phantom.ID}, "x.txt")

	_, err := eng.buildStack([]*store.Commit{x})
	var malformed *MalformedBundleError
	require.ErrorAs(t, err, &malformed)
	require.Contains(t, err.Error(), "unknown to the server")
}

func TestBuildStackRejectsTwoRoots(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	base := mkCommit(t, "base", nil, "root.txt")
	landCommits(t, db, base)

	x := mkCommit(t, "x", [][]byte{base.ID}, "x.txt")
	y := mkCommit(t, "y", [][]byte{base.ID}, "y.txt")

	_, err := eng.buildStack([]*store.Commit{x, y})
	var malformed *MalformedBundleError
	require.ErrorAs(t, err, &malformed)
	require.Contains(t, err.Error(), "roots")
}

func TestBuildStackAmbiguousHeads(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	base := mkCommit(t, "base", nil, "root.txt")
	landCommits(t, db, base)

	x := mkCommit(t, "x", [][]byte{base.ID}, "x.txt")
	y := mkCommit(t, "y", [][]byte{x.ID}, "y.txt")
	z := mkCommit(t, "z", [][]byte{x.ID}, "z.txt")

	_, err := eng.buildStack([]*store.Commit{x, y, z})
	var ambiguous *AmbiguousHeadError
	require.ErrorAs(t, err, &ambiguous)
	require.Len(t, ambiguous.Heads, 2)
}

func TestBuildStackMergeWithExternalParent(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	base := mkCommit(t, "base", nil, "root.txt")
	side := mkCommit(t, "side", [][]byte{base.ID}, "side.txt")
	landCommits(t, db, base, side)

	x := mkCommit(t, "x", [][]byte{base.ID}, "x.txt")
	m := mkCommit(t, "merge side", [][]byte{x.ID, side.ID}, "merged.txt")

	st, err := eng.buildStack([]*store.Commit{x, m})
	require.NoError(t, err)
	require.NotNil(t, st.merge)
	require.Equal(t, m.ID, st.merge.ID)
	require.Equal(t, side.ID, st.externalParent)
	require.Equal(t, m.ID, st.head.ID)
}

func TestBuildStackRejectsSecondMerge(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	base := mkCommit(t, "base", nil, "root.txt")
	s1 := mkCommit(t, "s1", [][]byte{base.ID}, "s1.txt")
	s2 := mkCommit(t, "s2", [][]byte{base.ID}, "s2.txt")
	landCommits(t, db, base, s1, s2)

	x := mkCommit(t, "x", [][]byte{base.ID}, "x.txt")
	m1 := mkCommit(t, "m1", [][]byte{x.ID, s1.ID}, "m1.txt")
	m2 := mkCommit(t, "m2", [][]byte{m1.ID, s2.ID}, "m2.txt")

	_, err := eng.buildStack([]*store.Commit{x, m1, m2})
	var malformed *MalformedBundleError
	require.ErrorAs(t, err, &malformed)
	require.Contains(t, err.Error(), "merge")
}

func TestBuildStackRejectsMergeWithUnknownParent(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	base := mkCommit(t, "base", nil, "root.txt")
	landCommits(t, db, base)

	phantom := mkCommit(t, "phantom", nil, "p.txt")
	x := mkCommit(t, "x", [][]byte{base.ID}, "x.txt")
	m := mkCommit(t, "m", [][]byte{x.ID, phantom.ID}, "m.txt")

	_, err := eng.buildStack([]*store.Commit{x, m})
	var malformed *MalformedBundleError
	require.ErrorAs(t, err, &malformed)
}

func TestBuildStackRejectsDuplicates(t *testing.T) {
	db := testDB(t)
	eng := newTestEngine(db)

	x := mkCommit(t, "x", nil, "x.txt")
	_, err := eng.buildStack([]*store.Commit{x, x})
	var malformed *MalformedBundleError
	require.ErrorAs(t, err, &malformed)
	require.Contains(t, err.Error(), "duplicate")
}

func TestDetectConflicts(t *testing.T) {
	server := []*store.Commit{
		{Changes: map[string]store.FileChange{"a.txt": {Digest: "01"}, "b.txt": {Digest: "02"}}},
	}
	incoming := []*store.Commit{
		{Changes: map[string]store.FileChange{"b.txt": {Digest: "03"}}},
		{Changes: map[string]store.FileChange{"c.txt": {Digest: "04"}, "a.txt": {Delete: true}}},
	}

	err := detectConflicts(server, incoming)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, []string{"a.txt", "b.txt"}, conflict.Paths)

	disjoint := []*store.Commit{
		{Changes: map[string]store.FileChange{"other.txt": {Digest: "05"}}},
	}
	require.NoError(t, detectConflicts(server, disjoint))
	require.NoError(t, detectConflicts(nil, incoming))
}
