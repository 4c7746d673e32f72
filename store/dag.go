package store

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// parentsOf returns the parent ids of a commit without loading its changes.
func (db *DB) parentsOf(id []byte) ([][]byte, error) {
	var parentsJSON string
	err := db.conn.QueryRow(`SELECT parents FROM commits WHERE id = ?`, id).Scan(&parentsJSON)
	if err != nil {
		return nil, fmt.Errorf("querying parents of %x: %w", id, err)
	}
	return unmarshalParents(parentsJSON)
}

// IsAncestor reports whether anc is an ancestor of desc (or equal to it).
func (db *DB) IsAncestor(anc, desc []byte) (bool, error) {
	if anc == nil {
		return true, nil
	}
	if bytes.Equal(anc, desc) {
		return true, nil
	}

	seen := map[string]bool{hex.EncodeToString(desc): true}
	queue := [][]byte{desc}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		parents, err := db.parentsOf(cur)
		if err != nil {
			return false, err
		}
		for _, p := range parents {
			if bytes.Equal(p, anc) {
				return true, nil
			}
			key := hex.EncodeToString(p)
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, p)
		}
	}
	return false, nil
}

// ancestorSet returns the ids of id and all its ancestors, as hex keys.
func (db *DB) ancestorSet(id []byte) (map[string]bool, error) {
	set := map[string]bool{}
	if id == nil {
		return set, nil
	}
	set[hex.EncodeToString(id)] = true
	queue := [][]byte{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		parents, err := db.parentsOf(cur)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			key := hex.EncodeToString(p)
			if set[key] {
				continue
			}
			set[key] = true
			queue = append(queue, p)
		}
	}
	return set, nil
}

// MergeBase returns the greatest common ancestor of a and b, or nil when the
// two share no history. When one is an ancestor of the other, that commit is
// the answer; otherwise the closest common ancestor seen from b wins.
func (db *DB) MergeBase(a, b []byte) ([]byte, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	if ok, err := db.IsAncestor(a, b); err != nil {
		return nil, err
	} else if ok {
		return a, nil
	}
	if ok, err := db.IsAncestor(b, a); err != nil {
		return nil, err
	} else if ok {
		return b, nil
	}

	aSet, err := db.ancestorSet(a)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{hex.EncodeToString(b): true}
	queue := [][]byte{b}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if aSet[hex.EncodeToString(cur)] {
			return cur, nil
		}
		parents, err := db.parentsOf(cur)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			key := hex.EncodeToString(p)
			if seen[key] {
				continue
			}
			seen[key] = true
			queue = append(queue, p)
		}
	}
	return nil, nil
}

// Range returns the commits strictly between ancestor and onto: every
// ancestor of onto (inclusive) that is not ancestor itself nor one of its
// ancestors. A nil ancestor means the full ancestry of onto.
func (db *DB) Range(ancestor, onto []byte) ([]*Commit, error) {
	if onto == nil {
		return nil, nil
	}
	exclude, err := db.ancestorSet(ancestor)
	if err != nil {
		return nil, err
	}

	var commits []*Commit
	seen := map[string]bool{}
	queue := [][]byte{onto}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		key := hex.EncodeToString(cur)
		if seen[key] || exclude[key] {
			continue
		}
		seen[key] = true

		c, err := db.GetCommit(cur)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
		queue = append(queue, c.Parents...)
	}
	return commits, nil
}
