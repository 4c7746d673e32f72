package pushrebase

import (
	"bytes"
	"database/sql"
	"encoding/hex"

	"mainline/store"
)

// Replayed links a commit's pre-push identity to its rewritten identity.
type Replayed struct {
	Old []byte
	New []byte
}

// replay transplants the stack onto the new destination, in original
// tail-to-head order, producing a fresh identity for each commit. In-stack
// parent links are rewritten to the replayed counterparts; a merge's
// external parent link is preserved as-is so an already-known side branch is
// not gratuitously rewritten.
func (e *Engine) replay(tx *sql.Tx, st *stack, onto []byte) ([]Replayed, []*store.Commit, error) {
	mapped := make(map[string][]byte, len(st.commits))
	pairs := make([]Replayed, 0, len(st.commits))
	newCommits := make([]*store.Commit, 0, len(st.commits))

	for _, c := range st.commits {
		var parents [][]byte
		if len(c.Parents) == 0 {
			// A parentless root lands directly on the destination.
			parents = [][]byte{onto}
		} else {
			parents = make([][]byte, len(c.Parents))
			for i, p := range c.Parents {
				switch {
				case mapped[hex.EncodeToString(p)] != nil:
					parents[i] = mapped[hex.EncodeToString(p)]
				case i == 0 && bytes.Equal(p, st.base):
					parents[i] = onto
				default:
					// Off-stack parent (the merge's external branch):
					// keep the link untouched.
					parents[i] = p
				}
			}
		}

		nc := &store.Commit{
			Parents: parents,
			Author:  c.Author,
			Time:    c.Time,
			Message: c.Message,
			Phase:   store.PhasePublic,
			Changes: c.Changes,
		}
		id, err := nc.ComputeID()
		if err != nil {
			return nil, nil, &ReplayError{Commit: c.ID, Err: err}
		}
		nc.ID = id

		if err := e.db.InsertCommit(tx, nc); err != nil {
			return nil, nil, &ReplayError{Commit: c.ID, Err: err}
		}

		mapped[hex.EncodeToString(c.ID)] = nc.ID
		pairs = append(pairs, Replayed{Old: c.ID, New: nc.ID})
		newCommits = append(newCommits, nc)
	}

	return pairs, newCommits, nil
}

// appendAsIs stores the stack commits without rewriting: the destination
// already equals the stack base, so identities are preserved and the push is
// a pure fast-forward.
func (e *Engine) appendAsIs(tx *sql.Tx, st *stack) ([]*store.Commit, error) {
	inserted := make([]*store.Commit, 0, len(st.commits))
	ids := make([][]byte, 0, len(st.commits))
	for _, c := range st.commits {
		c.Phase = store.PhasePublic
		if err := e.db.InsertCommit(tx, c); err != nil {
			return nil, &ReplayError{Commit: c.ID, Err: err}
		}
		inserted = append(inserted, c)
		ids = append(ids, c.ID)
	}
	// A commit the server already held as a draft keeps its stored row on
	// insert, so the phase flip has to be explicit.
	if err := e.db.MarkPublic(tx, ids); err != nil {
		return nil, &ReplayError{Commit: st.head.ID, Err: err}
	}
	return inserted, nil
}
