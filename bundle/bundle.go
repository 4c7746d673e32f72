// Package bundle implements the wire format that carries a push: a
// zstd-compressed blob holding a JSON header followed by raw object data.
//
// Bundle layout (after decompression):
//
//	[4 bytes: header length (big-endian)]
//	[header JSON: Header]
//	[object data...]
//
// The header declares the push target, the commit descriptors, and an index
// of each object's digest, offset (relative to data start), and length.
package bundle

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"mainline/cas"
	"mainline/store"
)

// FormatV1 is the bundle format marker, reported to hook subscribers.
const FormatV1 = "mainline-bundle-v1"

const (
	headerLengthSize = 4
	maxHeaderSize    = 10 * 1024 * 1024
)

// ChangeEntry is the wire form of a single file change.
type ChangeEntry struct {
	Digest   string `json:"digest,omitempty"`
	Delete   bool   `json:"delete,omitempty"`
	CopyFrom string `json:"copyFrom,omitempty"`
}

// Descriptor is the wire form of a commit.
type Descriptor struct {
	ID      string                 `json:"id"`
	Parents []string               `json:"parents"`
	Author  string                 `json:"author"`
	Time    int64                  `json:"time"`
	Message string                 `json:"message"`
	Changes map[string]ChangeEntry `json:"changes"`
}

// ObjectEntry locates one object inside the bundle's data section.
type ObjectEntry struct {
	Digest string `json:"digest"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Kind   string `json:"kind,omitempty"`
}

// Header declares the push target and indexes the bundle contents.
type Header struct {
	Format   string        `json:"format"`
	Bookmark string        `json:"bookmark"`
	Heads    []string      `json:"heads,omitempty"`
	Force    bool          `json:"force,omitempty"`
	Source   string        `json:"source,omitempty"`
	Commits  []Descriptor  `json:"commits"`
	Objects  []ObjectEntry `json:"objects"`
}

// Bundle is a decoded bundle: the header plus the raw object data section.
type Bundle struct {
	Header Header
	Data   []byte
}

// Decode reads a zstd-compressed bundle, parses the header, and verifies
// every indexed object against its declared digest.
func Decode(r io.Reader) (*Bundle, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	decompressed, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("decompressing bundle: %w", err)
	}

	if len(decompressed) < headerLengthSize {
		return nil, fmt.Errorf("bundle too small: %d bytes", len(decompressed))
	}

	headerLen := binary.BigEndian.Uint32(decompressed[:headerLengthSize])
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}
	if int(headerLengthSize+headerLen) > len(decompressed) {
		return nil, fmt.Errorf("header length exceeds bundle size")
	}

	var header Header
	if err := json.Unmarshal(decompressed[headerLengthSize:headerLengthSize+headerLen], &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Format == "" {
		header.Format = FormatV1
	}

	data := decompressed[headerLengthSize+headerLen:]

	for _, obj := range header.Objects {
		if obj.Offset < 0 || obj.Length < 0 || obj.Offset+obj.Length > int64(len(data)) {
			return nil, fmt.Errorf("object %s extends beyond data", obj.Digest)
		}
		declared, err := hex.DecodeString(obj.Digest)
		if err != nil {
			return nil, fmt.Errorf("decoding object digest: %w", err)
		}
		computed := cas.Blake3Hash(data[obj.Offset : obj.Offset+obj.Length])
		if !bytes.Equal(computed, declared) {
			return nil, fmt.Errorf("digest mismatch for object at offset %d", obj.Offset)
		}
	}

	return &Bundle{Header: header, Data: data}, nil
}

// Encode writes the bundle to w in wire form. Object entries are rebuilt
// from the Data section offsets declared in the header.
func (b *Bundle) Encode(w io.Writer) error {
	if b.Header.Format == "" {
		b.Header.Format = FormatV1
	}
	headerJSON, err := json.Marshal(b.Header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	var lenBuf [headerLengthSize]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(headerJSON)))
	if _, err := encoder.Write(lenBuf[:]); err != nil {
		encoder.Close()
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := encoder.Write(headerJSON); err != nil {
		encoder.Close()
		return fmt.Errorf("writing header: %w", err)
	}
	if _, err := encoder.Write(b.Data); err != nil {
		encoder.Close()
		return fmt.Errorf("writing object data: %w", err)
	}
	return encoder.Close()
}

// Commits converts the wire descriptors into store commits. IDs are decoded
// but not verified here; the intake step recomputes and checks them.
func (b *Bundle) Commits() ([]*store.Commit, error) {
	commits := make([]*store.Commit, 0, len(b.Header.Commits))
	for _, d := range b.Header.Commits {
		c, err := d.ToCommit()
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, nil
}

// DeclaredHeads decodes the explicitly declared head ids, if any.
func (b *Bundle) DeclaredHeads() ([][]byte, error) {
	heads := make([][]byte, 0, len(b.Header.Heads))
	for _, h := range b.Header.Heads {
		id, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decoding declared head: %w", err)
		}
		heads = append(heads, id)
	}
	return heads, nil
}

// ToCommit converts a wire descriptor to a store commit.
func (d *Descriptor) ToCommit() (*store.Commit, error) {
	id, err := hex.DecodeString(d.ID)
	if err != nil {
		return nil, fmt.Errorf("decoding commit id: %w", err)
	}
	parents := make([][]byte, len(d.Parents))
	for i, p := range d.Parents {
		parents[i], err = hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("decoding parent id: %w", err)
		}
	}
	changes := make(map[string]store.FileChange, len(d.Changes))
	for path, ce := range d.Changes {
		changes[path] = store.FileChange{Digest: ce.Digest, Delete: ce.Delete, CopyFrom: ce.CopyFrom}
	}
	return &store.Commit{
		ID:      id,
		Parents: parents,
		Author:  d.Author,
		Time:    d.Time,
		Message: d.Message,
		Phase:   store.PhaseDraft,
		Changes: changes,
	}, nil
}

// FromCommit converts a store commit to its wire descriptor.
func FromCommit(c *store.Commit) Descriptor {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = hex.EncodeToString(p)
	}
	changes := make(map[string]ChangeEntry, len(c.Changes))
	for path, fc := range c.Changes {
		changes[path] = ChangeEntry{Digest: fc.Digest, Delete: fc.Delete, CopyFrom: fc.CopyFrom}
	}
	return Descriptor{
		ID:      hex.EncodeToString(c.ID),
		Parents: parents,
		Author:  c.Author,
		Time:    c.Time,
		Message: c.Message,
		Changes: changes,
	}
}
