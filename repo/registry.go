// Package repo provides multi-repo management: LRU-cached open repositories
// and the per-repository push lock that serializes writers.
package repo

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mainline/store"
)

var (
	ErrRepoNotFound = errors.New("repo not found")
	ErrRepoExists   = errors.New("repo already exists")
)

// Handle represents an open repository.
type Handle struct {
	Tenant string
	Name   string
	Path   string
	Store  *store.DB

	// pushMu serializes the repository write path: one push transaction at
	// a time, concurrent pushes block here.
	pushMu sync.Mutex

	lastUsed time.Time
	active   int32
	mu       sync.Mutex
	element  *list.Element
}

// PushLock is the repository write lock held for the duration of one push
// transaction. It is an explicit value: the engine requires it as a
// parameter rather than reaching for ambient state.
type PushLock struct {
	h        *Handle
	released bool
	mu       sync.Mutex
}

// LockPush acquires the repository write lock, blocking until any in-flight
// push releases it.
func (h *Handle) LockPush() *PushLock {
	h.pushMu.Lock()
	return &PushLock{h: h}
}

// Release releases the write lock. Safe to call more than once.
func (l *PushLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.h.pushMu.Unlock()
}

// Held reports whether the lock is still held.
func (l *PushLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released
}

// Guards reports whether the lock guards the given repository store.
func (l *PushLock) Guards(db *store.DB) bool {
	return l.h != nil && l.h.Store == db
}

// RegistryConfig configures the repo registry.
type RegistryConfig struct {
	DataDir string        // base directory for all repos
	MaxOpen int           // maximum number of open repos (LRU capacity)
	IdleTTL time.Duration // close repos idle longer than this
}

// Registry manages multiple repositories with LRU caching.
type Registry struct {
	cfg   RegistryConfig
	mu    sync.RWMutex
	repos map[string]*Handle // key: "tenant/repo"
	lru   *list.List
	stop  chan struct{}
}

// NewRegistry creates a new repo registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.MaxOpen <= 0 {
		cfg.MaxOpen = 256
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}

	r := &Registry{
		cfg:   cfg,
		repos: make(map[string]*Handle),
		lru:   list.New(),
		stop:  make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Get returns a handle to the specified repo, opening it if needed.
func (r *Registry) Get(ctx context.Context, tenant, repo string) (*Handle, error) {
	key := tenant + "/" + repo

	r.mu.RLock()
	h, ok := r.repos[key]
	r.mu.RUnlock()
	if ok {
		r.touch(h)
		return h, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.repos[key]; ok {
		r.touchLocked(h)
		return h, nil
	}

	repoPath := filepath.Join(r.cfg.DataDir, tenant, repo)
	dbPath := filepath.Join(repoPath, "repo.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, ErrRepoNotFound
	}

	return r.openRepoLocked(tenant, repo, repoPath)
}

// Create creates a new repository.
func (r *Registry) Create(ctx context.Context, tenant, repo string) (*Handle, error) {
	key := tenant + "/" + repo
	repoPath := filepath.Join(r.cfg.DataDir, tenant, repo)
	dbPath := filepath.Join(repoPath, "repo.db")

	if _, err := os.Stat(dbPath); err == nil {
		return nil, ErrRepoExists
	}
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return nil, fmt.Errorf("creating repo directory: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.repos[key]; ok {
		return nil, ErrRepoExists
	}
	return r.openRepoLocked(tenant, repo, repoPath)
}

// Exists checks if a repo exists.
func (r *Registry) Exists(ctx context.Context, tenant, repo string) (bool, error) {
	dbPath := filepath.Join(r.cfg.DataDir, tenant, repo, "repo.db")
	_, err := os.Stat(dbPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns all repos for a tenant.
func (r *Registry) List(ctx context.Context, tenant string) ([]string, error) {
	tenantPath := filepath.Join(r.cfg.DataDir, tenant)
	entries, err := os.ReadDir(tenantPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var repos []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dbPath := filepath.Join(tenantPath, e.Name(), "repo.db")
		if _, err := os.Stat(dbPath); err == nil {
			repos = append(repos, e.Name())
		}
	}
	return repos, nil
}

// ListTenants returns all tenants.
func (r *Registry) ListTenants(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.cfg.DataDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var tenants []string
	for _, e := range entries {
		if e.IsDir() {
			tenants = append(tenants, e.Name())
		}
	}
	return tenants, nil
}

// Delete soft-deletes a repo (renames directory).
func (r *Registry) Delete(ctx context.Context, tenant, repo string) error {
	key := tenant + "/" + repo

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.repos[key]; ok {
		r.closeRepoLocked(h)
	}

	repoPath := filepath.Join(r.cfg.DataDir, tenant, repo)
	if _, err := os.Stat(repoPath); os.IsNotExist(err) {
		return ErrRepoNotFound
	}
	deletedPath := fmt.Sprintf("%s.deleted.%d", repoPath, time.Now().Unix())
	if err := os.Rename(repoPath, deletedPath); err != nil {
		return fmt.Errorf("deleting repo: %w", err)
	}
	return nil
}

// Acquire marks a handle as in-use (prevents eviction).
func (r *Registry) Acquire(h *Handle) {
	h.mu.Lock()
	h.active++
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Release marks a handle as no longer in-use.
func (r *Registry) Release(h *Handle) {
	h.mu.Lock()
	h.active--
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// Close shuts down the registry.
func (r *Registry) Close() error {
	close(r.stop)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.repos {
		r.closeRepoLocked(h)
	}
	return nil
}

// openRepoLocked opens a repo (must hold write lock).
func (r *Registry) openRepoLocked(tenant, repo, repoPath string) (*Handle, error) {
	key := tenant + "/" + repo

	for len(r.repos) >= r.cfg.MaxOpen {
		if !r.evictOneLocked() {
			break
		}
	}

	db, err := store.Open(filepath.Join(repoPath, "repo.db"))
	if err != nil {
		return nil, fmt.Errorf("opening repo store: %w", err)
	}

	h := &Handle{
		Tenant:   tenant,
		Name:     repo,
		Path:     repoPath,
		Store:    db,
		lastUsed: time.Now(),
	}
	h.element = r.lru.PushFront(key)
	r.repos[key] = h
	return h, nil
}

// closeRepoLocked closes a repo (must hold write lock).
func (r *Registry) closeRepoLocked(h *Handle) {
	key := h.Tenant + "/" + h.Name
	if h.Store != nil {
		h.Store.Close()
	}
	if h.element != nil {
		r.lru.Remove(h.element)
	}
	delete(r.repos, key)
}

// touch updates LRU position (acquires write lock).
func (r *Registry) touch(h *Handle) {
	r.mu.Lock()
	r.touchLocked(h)
	r.mu.Unlock()
}

// touchLocked updates LRU position (must hold write lock).
func (r *Registry) touchLocked(h *Handle) {
	h.lastUsed = time.Now()
	if h.element != nil {
		r.lru.MoveToFront(h.element)
	}
}

// evictOneLocked evicts the least recently used inactive repo.
func (r *Registry) evictOneLocked() bool {
	for e := r.lru.Back(); e != nil; e = e.Prev() {
		key := e.Value.(string)
		h := r.repos[key]
		h.mu.Lock()
		if h.active == 0 {
			h.mu.Unlock()
			r.closeRepoLocked(h)
			return true
		}
		h.mu.Unlock()
	}
	return false
}

// reapLoop periodically closes idle repos.
func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.cfg.IdleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle closes repos that have been idle too long.
func (r *Registry) reapIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.cfg.IdleTTL)
	for e := r.lru.Back(); e != nil; {
		key := e.Value.(string)
		h := r.repos[key]

		h.mu.Lock()
		idle := h.active == 0 && h.lastUsed.Before(cutoff)
		h.mu.Unlock()

		prev := e.Prev()
		if idle {
			r.closeRepoLocked(h)
		}
		e = prev
	}
}
