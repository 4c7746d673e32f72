package cas

import (
	"bytes"
	"testing"
)

func TestCanonicalJSONStableKeyOrder(t *testing.T) {
	a := map[string]interface{}{
		"zeta":  1,
		"alpha": map[string]interface{}{"b": 2, "a": 1},
		"mid":   []interface{}{"x", "y"},
	}
	b := map[string]interface{}{
		"mid":   []interface{}{"x", "y"},
		"alpha": map[string]interface{}{"a": 1, "b": 2},
		"zeta":  1,
	}

	ja, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	jb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	if !bytes.Equal(ja, jb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ja, jb)
	}

	want := `{"alpha":{"a":1,"b":2},"mid":["x","y"],"zeta":1}`
	if string(ja) != want {
		t.Errorf("canonical form = %s, want %s", ja, want)
	}
}

func TestCanonicalJSONHonorsStructTags(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Value int    `json:"value"`
		Skip  string `json:"-"`
	}
	got, err := CanonicalJSON(payload{Name: "x", Value: 7, Skip: "hidden"})
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	want := `{"name":"x","value":7}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestHashJSONDeterministic(t *testing.T) {
	v := map[string]interface{}{"b": 1, "a": []interface{}{1, 2, 3}}

	h1, err := HashJSON(v)
	if err != nil {
		t.Fatalf("hash json: %v", err)
	}
	h2, err := HashJSON(v)
	if err != nil {
		t.Fatalf("hash json: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Error("same value hashed to different ids")
	}
	if len(h1) != 32 {
		t.Errorf("hash length = %d, want 32", len(h1))
	}

	v2 := map[string]interface{}{"b": 2, "a": []interface{}{1, 2, 3}}
	h3, err := HashJSON(v2)
	if err != nil {
		t.Fatalf("hash json: %v", err)
	}
	if bytes.Equal(h1, h3) {
		t.Error("different values hashed to the same id")
	}
}

func TestBlake3Hash(t *testing.T) {
	h := Blake3Hash([]byte("hello"))
	if len(h) != 32 {
		t.Errorf("hash length = %d, want 32", len(h))
	}
	if Blake3HashHex([]byte("hello")) == Blake3HashHex([]byte("world")) {
		t.Error("distinct inputs produced identical hex hashes")
	}
}

func TestShortHex(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02, 0x03, 0x04}
	if got := ShortHex(id); got != "deadbeef0102" {
		t.Errorf("ShortHex = %q, want deadbeef0102", got)
	}
	if got := ShortHex([]byte{0xab}); got != "ab" {
		t.Errorf("ShortHex short input = %q, want ab", got)
	}
}
