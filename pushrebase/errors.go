package pushrebase

import (
	"encoding/hex"
	"fmt"
	"strings"

	"mainline/hook"
)

// MalformedBundleError indicates the incoming commits do not form a single
// connected stack rooted at one ancestor known to the server.
type MalformedBundleError struct {
	Reason string
}

func (e *MalformedBundleError) Error() string {
	return "malformed bundle: " + e.Reason
}

// AmbiguousHeadError indicates the stack exposes more than one head.
type AmbiguousHeadError struct {
	Heads [][]byte
}

func (e *AmbiguousHeadError) Error() string {
	hexes := make([]string, len(e.Heads))
	for i, h := range e.Heads {
		hexes[i] = hex.EncodeToString(h)
	}
	return "ambiguous heads: " + strings.Join(hexes, ", ")
}

// ConflictError reports every path touched both by the incoming stack and by
// server-side commits made since the common ancestor. No mutation occurred.
type ConflictError struct {
	Paths []string
}

func (e *ConflictError) Error() string {
	return "conflicting changes on: " + strings.Join(e.Paths, ", ")
}

// NotFastForwardError reports a bookmark move that would not be a
// fast-forward and was not forced.
type NotFastForwardError struct {
	Bookmark string
	Current  []byte
	Proposed []byte
}

func (e *NotFastForwardError) Error() string {
	return fmt.Sprintf("bookmark %s at %x does not fast-forward to %x",
		e.Bookmark, e.Current, e.Proposed)
}

// PushRaceError reports that the push destination was invalidated between
// resolution and commit. Unlike the other kinds, retrying the whole push
// fresh is expected to succeed.
type PushRaceError struct {
	Bookmark string
}

func (e *PushRaceError) Error() string {
	return fmt.Sprintf("bookmark %s moved concurrently, retry the push", e.Bookmark)
}

// HookVetoError reports that a subscriber rejected the operation.
type HookVetoError struct {
	Stage  hook.Stage
	Hook   string
	Reason string
}

func (e *HookVetoError) Error() string {
	return fmt.Sprintf("hook %s vetoed at %s: %s", e.Hook, e.Stage, e.Reason)
}

// ReplayError reports store inconsistency during replay. Fatal for the push.
type ReplayError struct {
	Commit []byte
	Err    error
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replay of %x failed: %v", e.Commit, e.Err)
}

func (e *ReplayError) Unwrap() error {
	return e.Err
}
