package pushrebase

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"mainline/store"
)

// stack is a validated incoming stack in topological order, root first.
type stack struct {
	commits []*store.Commit
	root    *store.Commit
	head    *store.Commit
	// base is the primary parent of the root; nil for a parentless root.
	base []byte
	// merge is the single merge commit, or nil.
	merge *store.Commit
	// externalParent is the merge's off-stack parent, already known to the
	// server before this push.
	externalParent []byte
}

// buildStack validates the incoming commit set: every commit's identity
// checks out, the commits form one connected stack with a single root whose
// parent is known to the server, at most one head, and at most one merge
// whose second parent is external.
func (e *Engine) buildStack(commits []*store.Commit) (*stack, error) {
	if len(commits) == 0 {
		return nil, &MalformedBundleError{Reason: "empty stack"}
	}

	byID := make(map[string]*store.Commit, len(commits))
	for _, c := range commits {
		computed, err := c.ComputeID()
		if err != nil {
			return nil, &MalformedBundleError{Reason: err.Error()}
		}
		if !bytes.Equal(computed, c.ID) {
			return nil, &MalformedBundleError{
				Reason: fmt.Sprintf("commit %x does not match its content", c.ID),
			}
		}
		key := hex.EncodeToString(c.ID)
		if byID[key] != nil {
			return nil, &MalformedBundleError{Reason: "duplicate commit " + key}
		}
		byID[key] = c
	}

	inStack := func(id []byte) bool {
		return id != nil && byID[hex.EncodeToString(id)] != nil
	}

	// Roots: commits whose primary parent is outside the stack.
	var roots []*store.Commit
	var merge *store.Commit
	for _, c := range commits {
		if len(c.Parents) > 2 {
			return nil, &MalformedBundleError{
				Reason: fmt.Sprintf("commit %x has %d parents", c.ID, len(c.Parents)),
			}
		}
		if c.IsMerge() {
			if merge != nil {
				return nil, &MalformedBundleError{Reason: "more than one merge commit in the stack"}
			}
			merge = c
		}
		if !inStack(c.PrimaryParent()) {
			roots = append(roots, c)
		}
	}
	if len(roots) != 1 {
		return nil, &MalformedBundleError{
			Reason: fmt.Sprintf("stack has %d roots, want exactly one", len(roots)),
		}
	}
	root := roots[0]

	// The root must attach to history the server already has.
	base := root.PrimaryParent()
	if base != nil {
		known, err := e.db.HasCommit(base)
		if err != nil {
			return nil, fmt.Errorf("checking stack base: %w", err)
		}
		if !known {
			return nil, &MalformedBundleError{
				Reason: fmt.Sprintf("stack base %x is unknown to the server", base),
			}
		}
	}

	var externalParent []byte
	if merge != nil {
		p1, p2 := merge.Parents[0], merge.Parents[1]
		switch {
		case inStack(p1) && inStack(p2):
			return nil, &MalformedBundleError{Reason: "merge commit has both parents inside the stack"}
		case inStack(p1):
			externalParent = p2
		case inStack(p2):
			externalParent = p1
		default:
			// The merge is the root; its non-primary parent is the
			// external branch.
			externalParent = p2
		}
		known, err := e.db.HasCommit(externalParent)
		if err != nil {
			return nil, fmt.Errorf("checking merge parent: %w", err)
		}
		if !known {
			return nil, &MalformedBundleError{
				Reason: fmt.Sprintf("merge parent %x is unknown to the server", externalParent),
			}
		}
	}

	// Heads: commits no other stack commit lists as a parent.
	hasChild := make(map[string]bool, len(commits))
	for _, c := range commits {
		for _, p := range c.Parents {
			if inStack(p) {
				hasChild[hex.EncodeToString(p)] = true
			}
		}
	}
	var heads [][]byte
	for _, c := range commits {
		if !hasChild[hex.EncodeToString(c.ID)] {
			heads = append(heads, c.ID)
		}
	}
	if len(heads) != 1 {
		return nil, &AmbiguousHeadError{Heads: heads}
	}
	head := byID[hex.EncodeToString(heads[0])]

	ordered, err := topoSort(commits, inStack)
	if err != nil {
		return nil, err
	}
	// A single root and a single head with a full topological order implies
	// the stack is one connected component.
	if !bytes.Equal(ordered[0].ID, root.ID) || !bytes.Equal(ordered[len(ordered)-1].ID, head.ID) {
		return nil, &MalformedBundleError{Reason: "stack is not a connected chain from root to head"}
	}

	return &stack{
		commits:        ordered,
		root:           root,
		head:           head,
		base:           base,
		merge:          merge,
		externalParent: externalParent,
	}, nil
}

// topoSort orders commits parents-before-children (tail-to-head).
func topoSort(commits []*store.Commit, inStack func([]byte) bool) ([]*store.Commit, error) {
	indegree := make(map[string]int, len(commits))
	children := make(map[string][]*store.Commit, len(commits))
	for _, c := range commits {
		key := hex.EncodeToString(c.ID)
		if _, ok := indegree[key]; !ok {
			indegree[key] = 0
		}
		for _, p := range c.Parents {
			if !inStack(p) {
				continue
			}
			pkey := hex.EncodeToString(p)
			children[pkey] = append(children[pkey], c)
			indegree[key]++
		}
	}

	var queue []*store.Commit
	for _, c := range commits {
		if indegree[hex.EncodeToString(c.ID)] == 0 {
			queue = append(queue, c)
		}
	}

	var ordered []*store.Commit
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		ordered = append(ordered, c)
		for _, child := range children[hex.EncodeToString(c.ID)] {
			ckey := hex.EncodeToString(child.ID)
			indegree[ckey]--
			if indegree[ckey] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(ordered) != len(commits) {
		return nil, &MalformedBundleError{Reason: "stack contains a parent cycle"}
	}
	return ordered, nil
}
