package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"mainline/bundle"
	"mainline/config"
	"mainline/hook"
	"mainline/proto"
	"mainline/pushrebase"
	"mainline/repo"
	"mainline/store"
)

// Handler wraps the registry, config, and hook registry for HTTP handlers.
type Handler struct {
	reg   *repo.Registry
	cfg   *config.Config
	hooks *hook.Registry
}

// NewHandler creates a new API handler.
func NewHandler(reg *repo.Registry, cfg *config.Config, hooks *hook.Registry) *Handler {
	if hooks == nil {
		hooks = hook.NewRegistry()
	}
	return &Handler{reg: reg, cfg: cfg, hooks: hooks}
}

// NewRouter creates the HTTP router with all routes registered.
func NewRouter(reg *repo.Registry, cfg *config.Config, hooks *hook.Registry) http.Handler {
	h := NewHandler(reg, cfg, hooks)
	mux := http.NewServeMux()

	withRepo := WithRepo(reg)

	// Health (no repo needed)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /healthz", h.Health)
	mux.HandleFunc("GET /readyz", h.Ready)

	// Admin routes (no repo context needed)
	mux.HandleFunc("POST /admin/v1/repos", h.CreateRepo)
	mux.HandleFunc("GET /admin/v1/repos", h.ListRepos)
	mux.HandleFunc("DELETE /admin/v1/repos/{tenant}/{repo}", h.DeleteRepo)

	// Repo-scoped routes: /{tenant}/{repo}/v1/...
	mux.Handle("POST /{tenant}/{repo}/v1/push", withRepo(http.HandlerFunc(h.Push)))

	mux.Handle("GET /{tenant}/{repo}/v1/bookmarks", withRepo(http.HandlerFunc(h.ListBookmarks)))
	mux.Handle("GET /{tenant}/{repo}/v1/bookmarks/{name...}", withRepo(http.HandlerFunc(h.GetBookmark)))

	mux.Handle("GET /{tenant}/{repo}/v1/commits/{id}", withRepo(http.HandlerFunc(h.GetCommit)))
	mux.Handle("GET /{tenant}/{repo}/v1/markers", withRepo(http.HandlerFunc(h.ListMarkers)))
	mux.Handle("GET /{tenant}/{repo}/v1/pushlog", withRepo(http.HandlerFunc(h.Pushlog)))
	mux.Handle("GET /{tenant}/{repo}/v1/objects/{digest}", withRepo(http.HandlerFunc(h.GetObject)))

	return mux
}

// ----- Health -----

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ok",
		Version: h.cfg.Version,
	})
}

func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, proto.HealthResponse{
		Status:  "ready",
		Version: h.cfg.Version,
	})
}

// ----- Admin -----

func (h *Handler) CreateRepo(w http.ResponseWriter, r *http.Request) {
	var req proto.CreateRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if req.Tenant == "" || req.Repo == "" {
		writeError(w, http.StatusBadRequest, "tenant and repo required", nil)
		return
	}

	_, err := h.reg.Create(r.Context(), req.Tenant, req.Repo)
	if err != nil {
		if err == repo.ErrRepoExists {
			writeError(w, http.StatusConflict, "repo already exists", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create repo", err)
		return
	}

	writeJSON(w, http.StatusCreated, proto.CreateRepoResponse{
		OK:     true,
		Tenant: req.Tenant,
		Repo:   req.Repo,
	})
}

func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")

	var result []*proto.RepoInfo

	if tenant != "" {
		repos, err := h.reg.List(r.Context(), tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list repos", err)
			return
		}
		for _, name := range repos {
			result = append(result, &proto.RepoInfo{Tenant: tenant, Repo: name})
		}
	} else {
		tenants, err := h.reg.ListTenants(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list tenants", err)
			return
		}
		for _, t := range tenants {
			repos, err := h.reg.List(r.Context(), t)
			if err != nil {
				continue
			}
			for _, name := range repos {
				result = append(result, &proto.RepoInfo{Tenant: t, Repo: name})
			}
		}
	}

	writeJSON(w, http.StatusOK, proto.ListReposResponse{Repos: result})
}

func (h *Handler) DeleteRepo(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	repoName := r.PathValue("repo")

	if tenant == "" || repoName == "" {
		writeError(w, http.StatusBadRequest, "tenant and repo required", nil)
		return
	}

	if err := h.reg.Delete(r.Context(), tenant, repoName); err != nil {
		if errors.Is(err, repo.ErrRepoNotFound) {
			writeError(w, http.StatusNotFound, "repo not found", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete repo", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ----- Push -----

// Push accepts a bundle body, runs the pushrebase pipeline under the repo
// write lock, and reports the resulting head. With ?pushback=1 the response
// carries a bundle of the rewritten commits so the client can adopt the
// server-side identities without a fetch.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxBundleSize)
	b, err := bundle.Decode(body)
	if err != nil {
		writeErrorKind(w, http.StatusBadRequest, "malformed-bundle", err.Error(), nil, false)
		return
	}

	actor := r.Header.Get("X-Mainline-Actor")
	if actor == "" {
		actor = r.URL.Query().Get("actor")
	}

	eng := pushrebase.New(rh.Store, pushrebase.Options{
		Markers: h.cfg.Markers,
		Tenant:  TenantFrom(r.Context()),
		Repo:    RepoNameFrom(r.Context()),
		Hooks:   h.hooks,
	})

	lock := rh.LockPush()
	defer lock.Release()

	res, err := eng.Push(lock, &pushrebase.Request{Bundle: b, Actor: actor})
	if err != nil {
		writePushError(w, err)
		return
	}

	resp := proto.PushResponse{
		PushID:      res.PushID,
		Bookmark:    res.Bookmark,
		NewHead:     hex.EncodeToString(res.NewHead),
		FastForward: res.FastForward,
		MarkerCount: res.MarkerCount,
	}
	if res.OldHead != nil {
		resp.OldHead = hex.EncodeToString(res.OldHead)
	}
	for _, p := range res.Replayed {
		resp.Replayed = append(resp.Replayed, proto.ReplayedPair{
			Old: hex.EncodeToString(p.Old),
			New: hex.EncodeToString(p.New),
		})
	}

	if r.URL.Query().Get("pushback") == "1" && len(res.Replayed) > 0 {
		pb, err := pushbackBundle(res)
		if err != nil {
			log.Printf("building pushback bundle: %v", err)
		} else {
			resp.Pushback = pb
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// pushbackBundle encodes the rewritten commits as a bundle for the client.
func pushbackBundle(res *pushrebase.Result) ([]byte, error) {
	hdr := bundle.Header{
		Format:   bundle.FormatV1,
		Bookmark: res.Bookmark,
		Heads:    []string{hex.EncodeToString(res.NewHead)},
	}
	for _, c := range res.Commits {
		hdr.Commits = append(hdr.Commits, bundle.FromCommit(c))
	}
	b := &bundle.Bundle{Header: hdr}
	var buf bytes.Buffer
	if err := b.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writePushError maps pipeline errors to HTTP statuses and stable kinds.
func writePushError(w http.ResponseWriter, err error) {
	var (
		malformed *pushrebase.MalformedBundleError
		ambiguous *pushrebase.AmbiguousHeadError
		conflict  *pushrebase.ConflictError
		nff       *pushrebase.NotFastForwardError
		race      *pushrebase.PushRaceError
		veto      *pushrebase.HookVetoError
		replay    *pushrebase.ReplayError
	)
	switch {
	case errors.As(err, &malformed):
		writeErrorKind(w, http.StatusBadRequest, "malformed-bundle", err.Error(), nil, false)
	case errors.As(err, &ambiguous):
		writeErrorKind(w, http.StatusBadRequest, "ambiguous-head", err.Error(), nil, false)
	case errors.As(err, &conflict):
		writeErrorKind(w, http.StatusConflict, "conflict", err.Error(), conflict.Paths, false)
	case errors.As(err, &nff):
		writeErrorKind(w, http.StatusConflict, "not-fast-forward", err.Error(), nil, false)
	case errors.As(err, &race):
		writeErrorKind(w, http.StatusConflict, "push-race", err.Error(), nil, true)
	case errors.As(err, &veto):
		writeErrorKind(w, http.StatusForbidden, "hook-veto", err.Error(), nil, false)
	case errors.As(err, &replay):
		writeErrorKind(w, http.StatusInternalServerError, "replay-failure", err.Error(), nil, false)
	default:
		log.Printf("push failed: %v", err)
		writeErrorKind(w, http.StatusInternalServerError, "internal", "push failed", nil, false)
	}
}

// ----- Bookmarks -----

func (h *Handler) ListBookmarks(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	bookmarks, err := rh.Store.ListBookmarks(r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list bookmarks", err)
		return
	}

	resp := proto.BookmarksListResponse{Bookmarks: []*proto.BookmarkEntry{}}
	for _, bm := range bookmarks {
		resp.Bookmarks = append(resp.Bookmarks, bookmarkEntry(bm))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetBookmark(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	name := r.PathValue("name")
	bm, err := rh.Store.GetBookmark(name)
	if errors.Is(err, store.ErrBookmarkNotFound) {
		writeError(w, http.StatusNotFound, "bookmark not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get bookmark", err)
		return
	}
	writeJSON(w, http.StatusOK, bookmarkEntry(bm))
}

func bookmarkEntry(bm *store.Bookmark) *proto.BookmarkEntry {
	return &proto.BookmarkEntry{
		Name:      bm.Name,
		Target:    hex.EncodeToString(bm.Target),
		UpdatedAt: bm.UpdatedAt,
		Actor:     bm.Actor,
		PushID:    bm.PushID,
	}
}

// ----- Commits -----

func (h *Handler) GetCommit(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	id, err := hex.DecodeString(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid commit id", err)
		return
	}

	c, err := rh.Store.GetCommit(id)
	if errors.Is(err, store.ErrCommitNotFound) {
		writeError(w, http.StatusNotFound, "commit not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get commit", err)
		return
	}

	resp := proto.CommitResponse{
		ID:      hex.EncodeToString(c.ID),
		Parents: []string{},
		Author:  c.Author,
		Time:    c.Time,
		Message: c.Message,
		Phase:   string(c.Phase),
		Changes: map[string]proto.FileChangeEntry{},
	}
	for _, p := range c.Parents {
		resp.Parents = append(resp.Parents, hex.EncodeToString(p))
	}
	for path, ch := range c.Changes {
		resp.Changes[path] = proto.FileChangeEntry{
			Digest:   ch.Digest,
			Delete:   ch.Delete,
			CopyFrom: ch.CopyFrom,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Markers -----

func (h *Handler) ListMarkers(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	after := queryInt64(r, "after", 0)
	limit := int(queryInt64(r, "limit", 100))

	markers, err := rh.Store.ListMarkers(after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list markers", err)
		return
	}

	resp := proto.MarkersResponse{Markers: []*proto.MarkerEntry{}}
	for _, m := range markers {
		entry := &proto.MarkerEntry{
			Seq:         m.Seq,
			ID:          hex.EncodeToString(m.ID),
			Predecessor: hex.EncodeToString(m.Predecessor),
			Successors:  []string{},
			Time:        m.Time,
			Actor:       m.Actor,
			Meta:        m.Meta,
		}
		for _, s := range m.Successors {
			entry.Successors = append(entry.Successors, hex.EncodeToString(s))
		}
		resp.Markers = append(resp.Markers, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Pushlog -----

func (h *Handler) Pushlog(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	after := queryInt64(r, "after", 0)
	limit := int(queryInt64(r, "limit", 100))

	entries, err := rh.Store.ListPushlog(after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pushlog", err)
		return
	}

	resp := proto.PushlogResponse{Entries: []*proto.PushlogEntry{}}
	for _, e := range entries {
		entry := &proto.PushlogEntry{
			Seq:      e.Seq,
			PushID:   e.PushID,
			Time:     e.Time,
			Actor:    e.Actor,
			Bookmark: e.Bookmark,
			NewHead:  hex.EncodeToString(e.NewHead),
			Replayed: e.Replayed,
		}
		if e.OldHead != nil {
			entry.OldHead = hex.EncodeToString(e.OldHead)
		}
		resp.Entries = append(resp.Entries, entry)
	}
	writeJSON(w, http.StatusOK, resp)
}

// ----- Objects -----

func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	rh := RepoFrom(r.Context())
	if rh == nil {
		writeError(w, http.StatusInternalServerError, "repo not in context", nil)
		return
	}

	digest, err := hex.DecodeString(r.PathValue("digest"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid digest", err)
		return
	}

	content, err := rh.Store.ReadObjectContent(digest)
	if errors.Is(err, store.ErrObjectNotFound) {
		writeError(w, http.StatusNotFound, "object not found", nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read object", err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(content)
}

// ----- Helpers -----

func queryInt64(r *http.Request, key string, def int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := proto.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeErrorKind(w http.ResponseWriter, status int, kind, msg string, paths []string, retryable bool) {
	resp := proto.ErrorResponse{
		Error:     msg,
		Kind:      kind,
		Paths:     paths,
		Retryable: retryable,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
