// Package store provides SQLite-backed storage for a mainline repository:
// the commit store, bookmarks, obsolescence markers, the pushlog, and the
// bundle segments that hold file contents.
package store

import (
	"bytes"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mainline/cas"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

var (
	ErrCommitNotFound   = errors.New("commit not found")
	ErrBookmarkNotFound = errors.New("bookmark not found")
	ErrBookmarkMismatch = errors.New("bookmark target mismatch")
	ErrObjectNotFound   = errors.New("object not found")
	ErrSegmentNotFound  = errors.New("segment not found")
)

// DB wraps a SQLite connection for a single repository.
type DB struct {
	conn *sql.DB
	path string
}

// OpenRepoDB opens or creates a per-repo database under root/tenant/repo.
func OpenRepoDB(root, tenant, repo string) (*DB, error) {
	dir := filepath.Join(root, tenant, repo)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}
	return Open(filepath.Join(dir, "repo.db"))
}

// Open opens a database at the given path, applying pragmas and schema.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// WrapDB adapts an already-open sql.DB (schema applied elsewhere).
func WrapDB(conn *sql.DB) *DB {
	return &DB{conn: conn}
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// BeginTx starts a new transaction.
func (db *DB) BeginTx() (*sql.Tx, error) {
	return db.conn.Begin()
}

// ----- Commits -----

// InsertCommit stores a commit. Idempotent: re-inserting an identical commit
// is a no-op (commits are content-addressed and never mutated).
func (db *DB) InsertCommit(tx *sql.Tx, c *Commit) error {
	parents, err := marshalParents(c.Parents)
	if err != nil {
		return err
	}
	changes, err := marshalChanges(c.Changes)
	if err != nil {
		return err
	}
	phase := c.Phase
	if phase == "" {
		phase = PhaseDraft
	}
	_, err = tx.Exec(
		`INSERT OR IGNORE INTO commits (id, parents, author, time, message, phase, changes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, parents, c.Author, c.Time, c.Message, string(phase), changes, cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("inserting commit: %w", err)
	}
	return nil
}

// GetCommit retrieves a commit by full id.
func (db *DB) GetCommit(id []byte) (*Commit, error) {
	var parentsJSON, changesJSON, phase string
	c := &Commit{ID: id}
	err := db.conn.QueryRow(
		`SELECT parents, author, time, message, phase, changes FROM commits WHERE id = ?`, id,
	).Scan(&parentsJSON, &c.Author, &c.Time, &c.Message, &phase, &changesJSON)
	if err == sql.ErrNoRows {
		return nil, ErrCommitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying commit: %w", err)
	}
	if c.Parents, err = unmarshalParents(parentsJSON); err != nil {
		return nil, err
	}
	if c.Changes, err = unmarshalChanges(changesJSON); err != nil {
		return nil, err
	}
	c.Phase = Phase(phase)
	return c, nil
}

// HasCommit checks if a commit exists by id.
func (db *DB) HasCommit(id []byte) (bool, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM commits WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking commit: %w", err)
	}
	return count > 0, nil
}

// MarkPublic sets the phase of the given commits to public.
func (db *DB) MarkPublic(tx *sql.Tx, ids [][]byte) error {
	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE commits SET phase = ? WHERE id = ?`, string(PhasePublic), id); err != nil {
			return fmt.Errorf("marking commit public: %w", err)
		}
	}
	return nil
}

// CountCommits returns the total number of stored commits.
func (db *DB) CountCommits() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM commits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting commits: %w", err)
	}
	return n, nil
}

// ----- Bookmarks -----

// Bookmark is a mutable name-to-commit mapping acting as a movable head.
type Bookmark struct {
	Name      string
	Target    []byte
	UpdatedAt int64
	Actor     string
	PushID    string
}

// GetBookmark retrieves a bookmark by name from committed state.
func (db *DB) GetBookmark(name string) (*Bookmark, error) {
	return scanBookmark(db.conn.QueryRow(
		`SELECT name, target, updated_at, actor, push_id FROM bookmarks WHERE name = ?`, name))
}

// GetBookmarkTx retrieves a bookmark inside an open transaction.
func (db *DB) GetBookmarkTx(tx *sql.Tx, name string) (*Bookmark, error) {
	return scanBookmark(tx.QueryRow(
		`SELECT name, target, updated_at, actor, push_id FROM bookmarks WHERE name = ?`, name))
}

func scanBookmark(row *sql.Row) (*Bookmark, error) {
	var b Bookmark
	err := row.Scan(&b.Name, &b.Target, &b.UpdatedAt, &b.Actor, &b.PushID)
	if err == sql.ErrNoRows {
		return nil, ErrBookmarkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying bookmark: %w", err)
	}
	return &b, nil
}

// ListBookmarks returns all bookmarks, optionally filtered by prefix.
func (db *DB) ListBookmarks(prefix string) ([]*Bookmark, error) {
	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = db.conn.Query(
			`SELECT name, target, updated_at, actor, push_id FROM bookmarks ORDER BY name`)
	} else {
		rows, err = db.conn.Query(
			`SELECT name, target, updated_at, actor, push_id FROM bookmarks WHERE name LIKE ? ORDER BY name`,
			prefix+"%")
	}
	if err != nil {
		return nil, fmt.Errorf("querying bookmarks: %w", err)
	}
	defer rows.Close()

	var bookmarks []*Bookmark
	for rows.Next() {
		var b Bookmark
		if err := rows.Scan(&b.Name, &b.Target, &b.UpdatedAt, &b.Actor, &b.PushID); err != nil {
			return nil, fmt.Errorf("scanning bookmark: %w", err)
		}
		bookmarks = append(bookmarks, &b)
	}
	return bookmarks, rows.Err()
}

// SetBookmarkCAS moves a bookmark with a compare-and-swap against old.
// If old is nil, the bookmark must not exist. Returns ErrBookmarkMismatch
// when the current target differs from old.
func (db *DB) SetBookmarkCAS(tx *sql.Tx, name string, old, new []byte, actor, pushID string) error {
	var current []byte
	err := tx.QueryRow(`SELECT target FROM bookmarks WHERE name = ?`, name).Scan(&current)
	if err == sql.ErrNoRows {
		current = nil
	} else if err != nil {
		return fmt.Errorf("checking current bookmark: %w", err)
	}

	if old == nil && current != nil {
		return ErrBookmarkMismatch
	}
	if old != nil && !bytes.Equal(old, current) {
		return ErrBookmarkMismatch
	}

	return db.setBookmark(tx, name, current, new, actor, pushID, false)
}

// ForceSetBookmark moves a bookmark unconditionally.
func (db *DB) ForceSetBookmark(tx *sql.Tx, name string, new []byte, actor, pushID string) error {
	var current []byte
	err := tx.QueryRow(`SELECT target FROM bookmarks WHERE name = ?`, name).Scan(&current)
	if err == sql.ErrNoRows {
		current = nil
	} else if err != nil {
		return fmt.Errorf("checking current bookmark: %w", err)
	}
	return db.setBookmark(tx, name, current, new, actor, pushID, true)
}

// setBookmark upserts the bookmark row and appends a hash-chained history
// entry in the same transaction.
func (db *DB) setBookmark(tx *sql.Tx, name string, old, new []byte, actor, pushID string, force bool) error {
	ts := cas.NowMs()

	var parentID []byte
	err := tx.QueryRow(
		`SELECT id FROM bookmark_history WHERE bookmark = ? ORDER BY seq DESC LIMIT 1`, name,
	).Scan(&parentID)
	if err == sql.ErrNoRows {
		parentID = nil
	} else if err != nil {
		return fmt.Errorf("getting parent history: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO bookmarks (name, target, updated_at, actor, push_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET target=excluded.target, updated_at=excluded.updated_at, actor=excluded.actor, push_id=excluded.push_id`,
		name, new, ts, actor, pushID,
	)
	if err != nil {
		return fmt.Errorf("upserting bookmark: %w", err)
	}

	entry := map[string]interface{}{
		"time":     ts,
		"actor":    actor,
		"bookmark": name,
		"old":      hex.EncodeToString(old),
		"new":      hex.EncodeToString(new),
		"pushId":   pushID,
	}
	if force {
		entry["force"] = true
	}
	if parentID != nil {
		entry["parent"] = hex.EncodeToString(parentID)
	}

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	entryID := cas.Blake3Hash(entryJSON)

	_, err = tx.Exec(
		`INSERT INTO bookmark_history (id, parent, time, actor, bookmark, old, new, meta)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entryID, parentID, ts, actor, name, old, new, string(entryJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting bookmark history: %w", err)
	}
	return nil
}

// BookmarkHistoryEntry is a single bookmark move event.
type BookmarkHistoryEntry struct {
	Seq      int64
	ID       []byte
	Parent   []byte
	Time     int64
	Actor    string
	Bookmark string
	Old      []byte
	New      []byte
	Meta     string
}

// GetBookmarkHistory retrieves bookmark history entries after afterSeq.
func (db *DB) GetBookmarkHistory(bookmark string, afterSeq int64, limit int) ([]*BookmarkHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if bookmark == "" {
		rows, err = db.conn.Query(
			`SELECT seq, id, parent, time, actor, bookmark, old, new, meta
			 FROM bookmark_history WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
			afterSeq, limit)
	} else {
		rows, err = db.conn.Query(
			`SELECT seq, id, parent, time, actor, bookmark, old, new, meta
			 FROM bookmark_history WHERE bookmark = ? AND seq > ? ORDER BY seq ASC LIMIT ?`,
			bookmark, afterSeq, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("querying bookmark history: %w", err)
	}
	defer rows.Close()

	var entries []*BookmarkHistoryEntry
	for rows.Next() {
		var e BookmarkHistoryEntry
		if err := rows.Scan(&e.Seq, &e.ID, &e.Parent, &e.Time, &e.Actor, &e.Bookmark, &e.Old, &e.New, &e.Meta); err != nil {
			return nil, fmt.Errorf("scanning bookmark history: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ----- Obsolescence markers -----

// Marker links a rewritten commit to its successors. Write-once, append-only.
type Marker struct {
	Seq         int64
	ID          []byte
	Predecessor []byte
	Successors  [][]byte
	Time        int64
	Actor       string
	Meta        map[string]string
}

// InsertMarker writes a marker. The marker id is the hash of its canonical
// content, so re-recording the same replacement is idempotent.
func (db *DB) InsertMarker(tx *sql.Tx, m *Marker) error {
	if m.Time == 0 {
		m.Time = cas.NowMs()
	}
	succHexes := make([]string, len(m.Successors))
	for i, s := range m.Successors {
		succHexes[i] = hex.EncodeToString(s)
	}
	if m.Meta == nil {
		m.Meta = map[string]string{}
	}

	payload := map[string]interface{}{
		"predecessor": hex.EncodeToString(m.Predecessor),
		"successors":  succHexes,
		"actor":       m.Actor,
		"meta":        m.Meta,
	}
	id, err := cas.HashJSON(payload)
	if err != nil {
		return fmt.Errorf("hashing marker: %w", err)
	}
	m.ID = id

	succJSON, err := json.Marshal(succHexes)
	if err != nil {
		return fmt.Errorf("marshaling successors: %w", err)
	}
	metaJSON, err := json.Marshal(m.Meta)
	if err != nil {
		return fmt.Errorf("marshaling marker meta: %w", err)
	}

	_, err = tx.Exec(
		`INSERT OR IGNORE INTO markers (id, predecessor, successors, time, actor, meta)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Predecessor, string(succJSON), m.Time, m.Actor, string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting marker: %w", err)
	}
	return nil
}

// ListMarkers retrieves markers after afterSeq, oldest first.
func (db *DB) ListMarkers(afterSeq int64, limit int) ([]*Marker, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(
		`SELECT seq, id, predecessor, successors, time, actor, meta
		 FROM markers WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close()
	return scanMarkers(rows)
}

// MarkersForPredecessor retrieves the markers recorded for a predecessor id.
func (db *DB) MarkersForPredecessor(pred []byte) ([]*Marker, error) {
	rows, err := db.conn.Query(
		`SELECT seq, id, predecessor, successors, time, actor, meta
		 FROM markers WHERE predecessor = ? ORDER BY seq ASC`, pred)
	if err != nil {
		return nil, fmt.Errorf("querying markers: %w", err)
	}
	defer rows.Close()
	return scanMarkers(rows)
}

// CountMarkers returns the total number of markers.
func (db *DB) CountMarkers() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM markers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting markers: %w", err)
	}
	return n, nil
}

func scanMarkers(rows *sql.Rows) ([]*Marker, error) {
	var markers []*Marker
	for rows.Next() {
		var m Marker
		var succJSON, metaJSON string
		if err := rows.Scan(&m.Seq, &m.ID, &m.Predecessor, &succJSON, &m.Time, &m.Actor, &metaJSON); err != nil {
			return nil, fmt.Errorf("scanning marker: %w", err)
		}
		var succHexes []string
		if err := json.Unmarshal([]byte(succJSON), &succHexes); err != nil {
			return nil, fmt.Errorf("unmarshaling successors: %w", err)
		}
		for _, h := range succHexes {
			s, err := hex.DecodeString(h)
			if err != nil {
				return nil, fmt.Errorf("decoding successor id: %w", err)
			}
			m.Successors = append(m.Successors, s)
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Meta); err != nil {
			return nil, fmt.Errorf("unmarshaling marker meta: %w", err)
		}
		markers = append(markers, &m)
	}
	return markers, rows.Err()
}

// ----- Pushlog -----

// PushlogEntry records one successful push.
type PushlogEntry struct {
	Seq      int64
	PushID   string
	Time     int64
	Actor    string
	Bookmark string
	OldHead  []byte
	NewHead  []byte
	Replayed int
}

// AppendPushlog records a successful push in the same transaction.
func (db *DB) AppendPushlog(tx *sql.Tx, e *PushlogEntry) error {
	if e.Time == 0 {
		e.Time = cas.NowMs()
	}
	_, err := tx.Exec(
		`INSERT INTO pushlog (push_id, time, actor, bookmark, old_head, new_head, replayed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.PushID, e.Time, e.Actor, e.Bookmark, e.OldHead, e.NewHead, e.Replayed,
	)
	if err != nil {
		return fmt.Errorf("inserting pushlog entry: %w", err)
	}
	return nil
}

// ListPushlog retrieves pushlog entries after afterSeq, oldest first.
func (db *DB) ListPushlog(afterSeq int64, limit int) ([]*PushlogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.conn.Query(
		`SELECT seq, push_id, time, actor, bookmark, old_head, new_head, replayed
		 FROM pushlog WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pushlog: %w", err)
	}
	defer rows.Close()

	var entries []*PushlogEntry
	for rows.Next() {
		var e PushlogEntry
		if err := rows.Scan(&e.Seq, &e.PushID, &e.Time, &e.Actor, &e.Bookmark, &e.OldHead, &e.NewHead, &e.Replayed); err != nil {
			return nil, fmt.Errorf("scanning pushlog entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// ----- Segments and objects -----

// ObjectInfo is metadata about a stored object.
type ObjectInfo struct {
	Digest    []byte
	SegmentID int64
	Off       int64
	Len       int64
	Kind      string
	CreatedAt int64
}

// InsertSegment stores a segment blob. Segments are deduplicated by
// checksum; re-storing an identical blob returns the existing row's id.
func (db *DB) InsertSegment(tx *sql.Tx, checksum []byte, blob []byte) (int64, error) {
	var id int64
	err := tx.QueryRow(`SELECT id FROM segments WHERE checksum = ?`, checksum).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("querying segment: %w", err)
	}
	result, err := tx.Exec(
		`INSERT INTO segments (ts, checksum, size, blob) VALUES (?, ?, ?, ?)`,
		cas.NowMs(), checksum, len(blob), blob,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting segment: %w", err)
	}
	return result.LastInsertId()
}

// InsertObject records an object's location within a segment.
// Uses INSERT OR IGNORE for idempotence.
func (db *DB) InsertObject(tx *sql.Tx, digest []byte, segmentID, off, length int64, kind string) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO objects (digest, segment_id, off, len, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		digest, segmentID, off, length, kind, cas.NowMs(),
	)
	if err != nil {
		return fmt.Errorf("inserting object: %w", err)
	}
	return nil
}

// GetObject retrieves object metadata by digest.
func (db *DB) GetObject(digest []byte) (*ObjectInfo, error) {
	var info ObjectInfo
	err := db.conn.QueryRow(
		`SELECT digest, segment_id, off, len, kind, created_at FROM objects WHERE digest = ?`,
		digest,
	).Scan(&info.Digest, &info.SegmentID, &info.Off, &info.Len, &info.Kind, &info.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrObjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying object: %w", err)
	}
	return &info, nil
}

// HasObject checks if an object exists by digest.
func (db *DB) HasObject(digest []byte) (bool, error) {
	var count int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM objects WHERE digest = ?`, digest).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking object: %w", err)
	}
	return count > 0, nil
}

// ReadObjectContent reads the content of an object from its segment.
func (db *DB) ReadObjectContent(digest []byte) ([]byte, error) {
	info, err := db.GetObject(digest)
	if err != nil {
		return nil, err
	}

	var blob []byte
	err = db.conn.QueryRow(`SELECT blob FROM segments WHERE id = ?`, info.SegmentID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying segment: %w", err)
	}

	if info.Off+info.Len > int64(len(blob)) {
		return nil, fmt.Errorf("object extends beyond segment bounds")
	}
	return blob[info.Off : info.Off+info.Len], nil
}
