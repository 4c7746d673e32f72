package store

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"mainline/cas"
)

// Phase is the mutability level of a commit.
type Phase string

const (
	// PhaseDraft marks a commit as rewritable.
	PhaseDraft Phase = "draft"
	// PhasePublic marks a commit as immutable once observed by the server.
	PhasePublic Phase = "public"
)

// FileChange describes how a single path differs from the commit's primary
// parent. Digest is empty when Delete is set.
type FileChange struct {
	Digest   string `json:"digest,omitempty"`
	Delete   bool   `json:"delete,omitempty"`
	CopyFrom string `json:"copyFrom,omitempty"`
}

// Commit is an immutable history node. The ID is a pure function of the full
// commit content, so rewriting a parent link always yields a fresh identity.
type Commit struct {
	ID      []byte
	Parents [][]byte
	Author  string
	Time    int64
	Message string
	Phase   Phase
	Changes map[string]FileChange
}

// identityPayload is the canonical form hashed to produce the commit ID.
// The ID itself and the phase are excluded: phase is server-side state, not
// content.
func (c *Commit) identityPayload() map[string]interface{} {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = hex.EncodeToString(p)
	}
	changes := make(map[string]interface{}, len(c.Changes))
	for path, fc := range c.Changes {
		entry := map[string]interface{}{}
		if fc.Delete {
			entry["delete"] = true
		} else {
			entry["digest"] = fc.Digest
		}
		if fc.CopyFrom != "" {
			entry["copyFrom"] = fc.CopyFrom
		}
		changes[path] = entry
	}
	return map[string]interface{}{
		"parents": parents,
		"author":  c.Author,
		"time":    c.Time,
		"message": c.Message,
		"changes": changes,
	}
}

// ComputeID returns the content-derived identity of the commit.
func (c *Commit) ComputeID() ([]byte, error) {
	id, err := cas.HashJSON(c.identityPayload())
	if err != nil {
		return nil, fmt.Errorf("hashing commit: %w", err)
	}
	return id, nil
}

// ChangedPaths returns the sorted set of paths this commit touches relative
// to its primary parent.
func (c *Commit) ChangedPaths() []string {
	paths := make([]string, 0, len(c.Changes))
	for p := range c.Changes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// IsMerge reports whether the commit has two parents.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) == 2
}

// PrimaryParent returns the first parent, or nil for a root commit.
func (c *Commit) PrimaryParent() []byte {
	if len(c.Parents) == 0 {
		return nil
	}
	return c.Parents[0]
}

// marshalParents encodes parent ids as a JSON array of hex strings.
func marshalParents(parents [][]byte) (string, error) {
	hexes := make([]string, len(parents))
	for i, p := range parents {
		hexes[i] = hex.EncodeToString(p)
	}
	data, err := json.Marshal(hexes)
	if err != nil {
		return "", fmt.Errorf("marshaling parents: %w", err)
	}
	return string(data), nil
}

func unmarshalParents(s string) ([][]byte, error) {
	var hexes []string
	if err := json.Unmarshal([]byte(s), &hexes); err != nil {
		return nil, fmt.Errorf("unmarshaling parents: %w", err)
	}
	parents := make([][]byte, len(hexes))
	for i, h := range hexes {
		p, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decoding parent id: %w", err)
		}
		parents[i] = p
	}
	return parents, nil
}

func marshalChanges(changes map[string]FileChange) (string, error) {
	data, err := json.Marshal(changes)
	if err != nil {
		return "", fmt.Errorf("marshaling changes: %w", err)
	}
	return string(data), nil
}

func unmarshalChanges(s string) (map[string]FileChange, error) {
	var changes map[string]FileChange
	if err := json.Unmarshal([]byte(s), &changes); err != nil {
		return nil, fmt.Errorf("unmarshaling changes: %w", err)
	}
	return changes, nil
}
