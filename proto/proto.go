// Package proto defines wire format DTOs for the Mainline HTTP API.
// Commit ids travel as lowercase hex strings, matching the bundle format.
package proto

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind is a stable machine-readable error class, e.g. "conflict",
	// "push-race", "not-fast-forward".
	Kind    string `json:"kind,omitempty"`
	Details string `json:"details,omitempty"`
	// Paths carries the conflicting paths for "conflict" errors.
	Paths []string `json:"paths,omitempty"`
	// Retryable suggests the client may simply retry (push races).
	Retryable bool `json:"retryable,omitempty"`
}

// ReplayedPair maps a client commit identity to its server-side successor.
type ReplayedPair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// PushResponse is returned after a successful push.
type PushResponse struct {
	PushID   string `json:"pushId"`
	Bookmark string `json:"bookmark"`
	OldHead  string `json:"oldHead,omitempty"`
	NewHead  string `json:"newHead"`
	// FastForward is true when no commit was rewritten.
	FastForward bool           `json:"fastForward"`
	Replayed    []ReplayedPair `json:"replayed,omitempty"`
	MarkerCount int            `json:"markerCount,omitempty"`
	// Pushback is a bundle carrying the rewritten commits, returned when
	// the client asked for it. Base64 over JSON.
	Pushback []byte `json:"pushback,omitempty"`
}

// BookmarkEntry represents a single bookmark in list responses.
type BookmarkEntry struct {
	Name      string `json:"name"`
	Target    string `json:"target"`
	UpdatedAt int64  `json:"updatedAt"`
	Actor     string `json:"actor,omitempty"`
	PushID    string `json:"pushId,omitempty"`
}

// BookmarksListResponse contains a list of bookmarks.
type BookmarksListResponse struct {
	Bookmarks []*BookmarkEntry `json:"bookmarks"`
}

// FileChangeEntry describes one path change in a commit response.
type FileChangeEntry struct {
	Digest   string `json:"digest,omitempty"`
	Delete   bool   `json:"delete,omitempty"`
	CopyFrom string `json:"copyFrom,omitempty"`
}

// CommitResponse describes a single commit.
type CommitResponse struct {
	ID      string                     `json:"id"`
	Parents []string                   `json:"parents"`
	Author  string                     `json:"author"`
	Time    int64                      `json:"time"`
	Message string                     `json:"message"`
	Phase   string                     `json:"phase"`
	Changes map[string]FileChangeEntry `json:"changes"`
}

// MarkerEntry represents one obsolescence marker.
type MarkerEntry struct {
	Seq         int64             `json:"seq"`
	ID          string            `json:"id"`
	Predecessor string            `json:"predecessor"`
	Successors  []string          `json:"successors"`
	Time        int64             `json:"time"`
	Actor       string            `json:"actor,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// MarkersResponse contains obsolescence markers.
type MarkersResponse struct {
	Markers []*MarkerEntry `json:"markers"`
}

// PushlogEntry represents one recorded push.
type PushlogEntry struct {
	Seq      int64  `json:"seq"`
	PushID   string `json:"pushId"`
	Time     int64  `json:"time"`
	Actor    string `json:"actor,omitempty"`
	Bookmark string `json:"bookmark"`
	OldHead  string `json:"oldHead,omitempty"`
	NewHead  string `json:"newHead"`
	Replayed int    `json:"replayed"`
}

// PushlogResponse contains pushlog entries.
type PushlogResponse struct {
	Entries []*PushlogEntry `json:"entries"`
}

// CreateRepoRequest creates a new repository.
type CreateRepoRequest struct {
	Tenant string `json:"tenant"`
	Repo   string `json:"repo"`
}

// CreateRepoResponse is returned after creating a repository.
type CreateRepoResponse struct {
	OK     bool   `json:"ok"`
	Tenant string `json:"tenant"`
	Repo   string `json:"repo"`
}

// RepoInfo describes one repository.
type RepoInfo struct {
	Tenant string `json:"tenant"`
	Repo   string `json:"repo"`
}

// ListReposResponse lists repositories.
type ListReposResponse struct {
	Repos []*RepoInfo `json:"repos"`
}
