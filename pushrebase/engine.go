// Package pushrebase implements server-side rebase-on-push: incoming stacks
// are validated, checked for path conflicts against commits that landed
// since the client's base, replayed onto the current bookmark tip, and the
// bookmark is advanced atomically. The whole push is one transaction; hooks
// can veto it before it closes.
package pushrebase

import (
	"bytes"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"mainline/bundle"
	"mainline/cas"
	"mainline/hook"
	"mainline/repo"
	"mainline/store"
)

// Options configures an Engine.
type Options struct {
	// Markers enables obsolescence marker recording for replayed commits.
	Markers bool
	Tenant  string
	Repo    string
	Hooks   *hook.Registry
}

// Engine executes pushes against one repository store.
type Engine struct {
	db      *store.DB
	hooks   *hook.Registry
	markers bool
	tenant  string
	repo    string
}

// New creates an engine for the given store.
func New(db *store.DB, opts Options) *Engine {
	hooks := opts.Hooks
	if hooks == nil {
		hooks = hook.NewRegistry()
	}
	return &Engine{
		db:      db,
		hooks:   hooks,
		markers: opts.Markers,
		tenant:  opts.Tenant,
		repo:    opts.Repo,
	}
}

// Request is one push: a decoded bundle plus caller identity.
type Request struct {
	Bundle *bundle.Bundle
	Actor  string
	// PushID correlates log, history, and marker records for this push.
	// Generated when empty.
	PushID string
}

// Result reports what a successful push did.
type Result struct {
	PushID   string
	Bookmark string
	OldHead  []byte
	NewHead  []byte
	// Replayed maps client identities to their server-side successors.
	// Empty when the push fast-forwarded without rewriting.
	Replayed []Replayed
	// FastForward is true when no commit was rewritten.
	FastForward bool
	MarkerCount int
	// Commits are the commits now reachable from NewHead that this push
	// introduced, in topological order.
	Commits []*store.Commit
}

// Push runs the full pipeline under the repository write lock. The lock must
// be held by the caller and guard this engine's store; holding it for the
// duration makes this the only writer, so ancestry reads against committed
// state stay consistent with the open transaction.
func (e *Engine) Push(lock *repo.PushLock, req *Request) (*Result, error) {
	if lock == nil || !lock.Held() {
		return nil, errors.New("push requires the repository write lock")
	}
	if !lock.Guards(e.db) {
		return nil, errors.New("push lock guards a different repository")
	}
	if req == nil || req.Bundle == nil {
		return nil, &MalformedBundleError{Reason: "empty request"}
	}

	pushID := req.PushID
	if pushID == "" {
		pushID = uuid.NewString()
	}

	b := req.Bundle
	if b.Header.Bookmark == "" {
		return nil, &MalformedBundleError{Reason: "no bookmark named"}
	}

	incoming, err := b.Commits()
	if err != nil {
		return nil, &MalformedBundleError{Reason: err.Error()}
	}

	var st *stack
	if len(incoming) > 0 {
		st, err = e.buildStack(incoming)
		if err != nil {
			return nil, err
		}
		if err := e.checkDeclaredHeads(b, st); err != nil {
			return nil, err
		}
	}

	ev := &hook.Event{
		Source:       "push",
		Tenant:       e.tenant,
		Repo:         e.repo,
		Bookmark:     b.Header.Bookmark,
		BundleFormat: b.Header.Format,
		Force:        b.Header.Force,
	}
	if st != nil {
		ev.TouchedPaths = touchedPaths(st.commits)
		for _, c := range st.commits {
			ev.Commits = append(ev.Commits, c.ID)
		}
	}
	if name, err := e.hooks.Fire(hook.StagePreCheck, ev); err != nil {
		return nil, &HookVetoError{Stage: hook.StagePreCheck, Hook: name, Reason: err.Error()}
	}

	tx, err := e.db.BeginTx()
	if err != nil {
		return nil, fmt.Errorf("beginning push transaction: %w", err)
	}
	defer tx.Rollback()

	bm, err := e.db.GetBookmarkTx(tx, b.Header.Bookmark)
	if err != nil && !errors.Is(err, store.ErrBookmarkNotFound) {
		return nil, fmt.Errorf("resolving bookmark %q: %w", b.Header.Bookmark, err)
	}
	var oldHead []byte
	if bm != nil {
		oldHead = bm.Target
	}

	res := &Result{
		PushID:   pushID,
		Bookmark: b.Header.Bookmark,
		OldHead:  oldHead,
	}

	if st == nil {
		done, err := e.pushPointer(tx, b, oldHead, req.Actor, pushID, res)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
	} else {
		done, err := e.pushStack(tx, b, st, oldHead, req.Actor, pushID, res)
		if err != nil {
			return nil, err
		}
		if done {
			return res, nil
		}
	}

	ev.OldHead = oldHead
	ev.NewHead = res.NewHead
	ev.Commits = ev.Commits[:0]
	for _, c := range res.Commits {
		ev.Commits = append(ev.Commits, c.ID)
	}
	if name, err := e.hooks.Fire(hook.StagePreClose, ev); err != nil {
		return nil, &HookVetoError{Stage: hook.StagePreClose, Hook: name, Reason: err.Error()}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing push transaction: %w", err)
	}

	e.hooks.FireLogged(hook.StagePostClose, ev)
	return res, nil
}

// checkDeclaredHeads cross-checks the header's head declaration against the
// stack's actual head.
func (e *Engine) checkDeclaredHeads(b *bundle.Bundle, st *stack) error {
	heads, err := b.DeclaredHeads()
	if err != nil {
		return &MalformedBundleError{Reason: err.Error()}
	}
	if len(heads) == 0 {
		return nil
	}
	if len(heads) > 1 {
		return &AmbiguousHeadError{Heads: heads}
	}
	if !bytes.Equal(heads[0], st.head.ID) {
		return &MalformedBundleError{
			Reason: fmt.Sprintf("declared head %s is not the stack head %s",
				cas.ShortHex(heads[0]), cas.ShortHex(st.head.ID)),
		}
	}
	return nil
}

// pushPointer handles a bundle carrying no commits: a pure bookmark move to
// an already-known commit. Returns done=true when the push was a no-op and
// the caller should skip close hooks and commit.
func (e *Engine) pushPointer(tx *sql.Tx, b *bundle.Bundle, oldHead []byte, actor, pushID string, res *Result) (bool, error) {
	heads, err := b.DeclaredHeads()
	if err != nil {
		return false, &MalformedBundleError{Reason: err.Error()}
	}
	if len(heads) == 0 {
		return false, &MalformedBundleError{Reason: "no commits and no declared head"}
	}
	if len(heads) > 1 {
		return false, &AmbiguousHeadError{Heads: heads}
	}
	target := heads[0]

	known, err := e.db.HasCommit(target)
	if err != nil {
		return false, fmt.Errorf("checking head %s: %w", cas.ShortHex(target), err)
	}
	if !known {
		return false, &MalformedBundleError{
			Reason: fmt.Sprintf("declared head %s is not a known commit", cas.ShortHex(target)),
		}
	}

	if bytes.Equal(oldHead, target) {
		res.NewHead = target
		res.FastForward = true
		return true, nil
	}

	if oldHead != nil && !b.Header.Force {
		ff, err := e.db.IsAncestor(oldHead, target)
		if err != nil {
			return false, fmt.Errorf("checking fast-forward: %w", err)
		}
		if !ff {
			return false, &NotFastForwardError{
				Bookmark: b.Header.Bookmark,
				Current:  oldHead,
				Proposed: target,
			}
		}
	}

	if err := e.moveBookmark(tx, b, oldHead, target, actor, pushID); err != nil {
		return false, err
	}

	res.NewHead = target
	res.FastForward = true
	if err := e.db.AppendPushlog(tx, &store.PushlogEntry{
		PushID:   pushID,
		Time:     cas.NowMs(),
		Actor:    actor,
		Bookmark: b.Header.Bookmark,
		OldHead:  oldHead,
		NewHead:  target,
	}); err != nil {
		return false, fmt.Errorf("recording push: %w", err)
	}
	return false, nil
}

// pushStack handles a bundle carrying commits: fast-forward append when the
// stack already sits on the tip, replay otherwise. Returns done=true for a
// no-op push (head already reachable).
func (e *Engine) pushStack(tx *sql.Tx, b *bundle.Bundle, st *stack, oldHead []byte, actor, pushID string, res *Result) (bool, error) {
	// A resend of already-landed work is a no-op, not an error.
	if oldHead != nil {
		known, err := e.db.HasCommit(st.head.ID)
		if err != nil {
			return false, fmt.Errorf("checking stack head: %w", err)
		}
		if known {
			reachable, err := e.db.IsAncestor(st.head.ID, oldHead)
			if err != nil {
				return false, fmt.Errorf("checking stack head: %w", err)
			}
			if reachable {
				res.NewHead = oldHead
				res.FastForward = true
				return true, nil
			}
		}
		// A stack that landed through a replay is recognized by its marker:
		// the head's successor is already reachable from the tip.
		markers, err := e.db.MarkersForPredecessor(st.head.ID)
		if err != nil {
			return false, fmt.Errorf("checking head markers: %w", err)
		}
		for _, m := range markers {
			for _, succ := range m.Successors {
				reachable, err := e.db.IsAncestor(succ, oldHead)
				if err != nil {
					return false, fmt.Errorf("checking head successor: %w", err)
				}
				if reachable {
					res.NewHead = oldHead
					res.FastForward = true
					return true, nil
				}
			}
		}
	}

	if err := e.ingestBundle(tx, b); err != nil {
		return false, err
	}

	onTip := oldHead == nil || bytes.Equal(oldHead, st.base)
	if !onTip {
		// The bookmark can lag strictly behind the stack's base, e.g. after
		// a forced move back or when the base landed via another bookmark.
		// Replaying here would detach the commits between the tip and the
		// base; the move tip -> head is a plain fast-forward instead.
		behind, err := e.db.IsAncestor(oldHead, st.base)
		if err != nil {
			return false, fmt.Errorf("checking base ancestry: %w", err)
		}
		onTip = behind
	}

	var newHead []byte
	if onTip {
		// The stack already sits on the tip (or the bookmark is new):
		// land the commits unchanged.
		commits, err := e.appendAsIs(tx, st)
		if err != nil {
			return false, err
		}
		newHead = st.head.ID
		res.Commits = commits
		res.FastForward = true
	} else {
		ancestor, err := e.db.MergeBase(oldHead, st.base)
		if err != nil {
			return false, fmt.Errorf("finding merge base: %w", err)
		}
		serverCommits, err := e.db.Range(ancestor, oldHead)
		if err != nil {
			return false, fmt.Errorf("walking server commits: %w", err)
		}
		if err := detectConflicts(serverCommits, st.commits); err != nil {
			return false, err
		}

		pairs, commits, err := e.replay(tx, st, oldHead)
		if err != nil {
			return false, err
		}
		newHead = pairs[len(pairs)-1].New
		res.Replayed = pairs
		res.Commits = commits
	}

	if err := e.moveBookmark(tx, b, oldHead, newHead, actor, pushID); err != nil {
		return false, err
	}
	res.NewHead = newHead

	if e.markers && len(res.Replayed) > 0 {
		n, err := e.recordMarkers(tx, b.Header.Bookmark, actor, pushID, res.Replayed)
		if err != nil {
			return false, err
		}
		res.MarkerCount = n
	}

	if err := e.db.AppendPushlog(tx, &store.PushlogEntry{
		PushID:   pushID,
		Time:     cas.NowMs(),
		Actor:    actor,
		Bookmark: b.Header.Bookmark,
		OldHead:  oldHead,
		NewHead:  newHead,
		Replayed: len(res.Replayed),
	}); err != nil {
		return false, fmt.Errorf("recording push: %w", err)
	}
	return false, nil
}

// moveBookmark advances the bookmark, translating a compare-and-swap miss
// into a push race. Force only applies to moves of an existing bookmark.
func (e *Engine) moveBookmark(tx *sql.Tx, b *bundle.Bundle, old, new []byte, actor, pushID string) error {
	var err error
	if b.Header.Force && old != nil {
		err = e.db.ForceSetBookmark(tx, b.Header.Bookmark, new, actor, pushID)
	} else {
		err = e.db.SetBookmarkCAS(tx, b.Header.Bookmark, old, new, actor, pushID)
	}
	if errors.Is(err, store.ErrBookmarkMismatch) {
		return &PushRaceError{Bookmark: b.Header.Bookmark}
	}
	if err != nil {
		return fmt.Errorf("moving bookmark %q: %w", b.Header.Bookmark, err)
	}
	return nil
}

// recordMarkers writes one obsolescence marker per rewritten commit.
// Replays that preserved identity produce no marker.
func (e *Engine) recordMarkers(tx *sql.Tx, bookmark, actor, pushID string, pairs []Replayed) (int, error) {
	now := cas.NowMs()
	n := 0
	for _, p := range pairs {
		if bytes.Equal(p.Old, p.New) {
			continue
		}
		m := &store.Marker{
			Predecessor: p.Old,
			Successors:  [][]byte{p.New},
			Time:        now,
			Actor:       actor,
			Meta: map[string]string{
				"bookmark":  bookmark,
				"pushId":    pushID,
				"operation": "pushrebase",
			},
		}
		if err := e.db.InsertMarker(tx, m); err != nil {
			return n, fmt.Errorf("recording marker for %s: %w", cas.ShortHex(p.Old), err)
		}
		n++
	}
	return n, nil
}

// ingestBundle stores the bundle's data section as one segment and indexes
// its objects. Digests were already verified during decode.
func (e *Engine) ingestBundle(tx *sql.Tx, b *bundle.Bundle) error {
	if len(b.Header.Objects) == 0 {
		return nil
	}
	checksum := cas.Blake3Hash(b.Data)
	segID, err := e.db.InsertSegment(tx, checksum, b.Data)
	if err != nil {
		return fmt.Errorf("storing bundle segment: %w", err)
	}
	for _, obj := range b.Header.Objects {
		digest, err := hex.DecodeString(obj.Digest)
		if err != nil {
			return &MalformedBundleError{Reason: fmt.Sprintf("bad object digest %q", obj.Digest)}
		}
		if obj.Offset < 0 || obj.Length < 0 || obj.Offset+obj.Length > int64(len(b.Data)) {
			return &MalformedBundleError{
				Reason: fmt.Sprintf("object %s out of data bounds", cas.ShortHex(digest)),
			}
		}
		kind := obj.Kind
		if kind == "" {
			kind = "blob"
		}
		if err := e.db.InsertObject(tx, digest, segID, obj.Offset, obj.Length, kind); err != nil {
			return fmt.Errorf("indexing object %s: %w", cas.ShortHex(digest), err)
		}
	}
	return nil
}
