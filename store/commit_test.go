package store

import (
	"bytes"
	"reflect"
	"testing"
)

func testCommit(parents [][]byte) *Commit {
	return &Commit{
		Parents: parents,
		Author:  "alice",
		Time:    1700000000000,
		Message: "add feature",
		Phase:   PhaseDraft,
		Changes: map[string]FileChange{
			"src/main.go": {Digest: "aa11"},
			"docs/readme": {Digest: "bb22"},
		},
	}
}

func TestComputeIDChangesWithParent(t *testing.T) {
	p1 := bytes.Repeat([]byte{1}, 32)
	p2 := bytes.Repeat([]byte{2}, 32)

	c1 := testCommit([][]byte{p1})
	c2 := testCommit([][]byte{p2})

	id1, err := c1.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	id2, err := c2.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	if bytes.Equal(id1, id2) {
		t.Error("commits with different parents share an identity")
	}
}

func TestComputeIDIgnoresPhase(t *testing.T) {
	p := bytes.Repeat([]byte{1}, 32)

	draft := testCommit([][]byte{p})
	public := testCommit([][]byte{p})
	public.Phase = PhasePublic

	id1, err := draft.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	id2, err := public.ComputeID()
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	if !bytes.Equal(id1, id2) {
		t.Error("phase changed the commit identity")
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	c := testCommit(nil)
	id1, _ := c.ComputeID()
	id2, _ := c.ComputeID()
	if !bytes.Equal(id1, id2) {
		t.Error("identity is not deterministic")
	}
	if len(id1) != 32 {
		t.Errorf("id length = %d, want 32", len(id1))
	}
}

func TestChangedPathsSorted(t *testing.T) {
	c := &Commit{Changes: map[string]FileChange{
		"z.txt": {Digest: "01"},
		"a.txt": {Delete: true},
		"m/n":   {Digest: "02"},
	}}
	got := c.ChangedPaths()
	want := []string{"a.txt", "m/n", "z.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChangedPaths = %v, want %v", got, want)
	}
}

func TestIsMergeAndPrimaryParent(t *testing.T) {
	p1 := bytes.Repeat([]byte{1}, 32)
	p2 := bytes.Repeat([]byte{2}, 32)

	root := &Commit{}
	if root.IsMerge() {
		t.Error("root reported as merge")
	}
	if root.PrimaryParent() != nil {
		t.Error("root has a primary parent")
	}

	linear := &Commit{Parents: [][]byte{p1}}
	if linear.IsMerge() {
		t.Error("single-parent commit reported as merge")
	}
	if !bytes.Equal(linear.PrimaryParent(), p1) {
		t.Error("wrong primary parent")
	}

	merge := &Commit{Parents: [][]byte{p1, p2}}
	if !merge.IsMerge() {
		t.Error("two-parent commit not reported as merge")
	}
	if !bytes.Equal(merge.PrimaryParent(), p1) {
		t.Error("merge primary parent is not the first parent")
	}
}

func TestParentsRoundTrip(t *testing.T) {
	parents := [][]byte{bytes.Repeat([]byte{7}, 32), bytes.Repeat([]byte{9}, 32)}
	s, err := marshalParents(parents)
	if err != nil {
		t.Fatalf("marshal parents: %v", err)
	}
	got, err := unmarshalParents(s)
	if err != nil {
		t.Fatalf("unmarshal parents: %v", err)
	}
	if !reflect.DeepEqual(parents, got) {
		t.Errorf("round trip mismatch: %x vs %x", parents, got)
	}
}
