package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// recordKey identifies a component record by its declared type and id.
type recordKey struct {
	Kind Kind
	ID   string
}

// snapshot is an immutable, fully-resolved view of every known component,
// built once per refresh (§4.1, §9: "the Index resolves once per published
// snapshot, not per lookup").
type snapshot struct {
	byKey map[recordKey]*ComponentRecord
	byKnd map[Kind][]*ComponentRecord
	env   *EnvResolver
}

func newSnapshot() *snapshot {
	return &snapshot{
		byKey: map[recordKey]*ComponentRecord{},
		byKnd: map[Kind][]*ComponentRecord{},
	}
}

// put inserts rec if no record of equal (kind, id) and equal-or-higher
// priority already won, following the first-wins order §4.1 walks sources
// in: programmatic, closest anchor roots outward, include_configs, sibling
// projects, user-global. Records are offered in that order by build(), so
// "first wins" reduces to "don't overwrite an existing key."
func (s *snapshot) put(rec *ComponentRecord) {
	key := recordKey{Kind: rec.Kind, ID: rec.ID}
	if _, exists := s.byKey[key]; exists {
		return
	}
	s.byKey[key] = rec
	s.byKnd[rec.Kind] = append(s.byKnd[rec.Kind], rec)
}

// Index is the Configuration Index (C1): it discovers ".aurite" anchors
// from a starting directory, loads every component document reachable
// from them, and resolves (kind, id) lookups against a single immutable
// snapshot that is swapped atomically on refresh.
type Index struct {
	startDir string
	userDir  string

	mu           sync.Mutex // serializes refresh/Register against each other
	current      atomic.Pointer[snapshot]
	programmatic []*ComponentRecord // retained across refreshes, re-applied first every time

	// forceRefresh controls §4.1's refresh knob: true rebuilds the
	// snapshot eagerly on every Get/List (development), false serves the
	// cached snapshot until an explicit Register or Watch-triggered
	// rebuild (production). Defaults from FORCE_CONFIG_REFRESH (§6),
	// which defaults to true.
	forceRefresh bool

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// Option configures an Index at construction.
type Option func(*Index)

// WithUserConfigDir overrides the user-global config directory (normally
// derived from AURITE_USER_CONFIG_DIR, else .aurite under the home directory).
func WithUserConfigDir(dir string) Option {
	return func(idx *Index) { idx.userDir = dir }
}

// WithForceRefresh overrides the FORCE_CONFIG_REFRESH default (§6).
func WithForceRefresh(on bool) Option {
	return func(idx *Index) { idx.forceRefresh = on }
}

// NewIndex builds an Index rooted at startDir and performs its first
// build synchronously, so the Index is immediately usable on return.
func NewIndex(startDir string, opts ...Option) (*Index, error) {
	idx := &Index{startDir: startDir, forceRefresh: forceRefreshDefault()}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.userDir == "" {
		idx.userDir = defaultUserConfigDir()
	}
	if err := idx.refresh(); err != nil {
		return nil, err
	}
	return idx, nil
}

// forceRefreshDefault reads FORCE_CONFIG_REFRESH (§6), defaulting to true.
func forceRefreshDefault() bool {
	v := os.Getenv("FORCE_CONFIG_REFRESH")
	if v == "" {
		return true
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return true
	}
	return on
}

// maybeRefresh rebuilds the snapshot when forceRefresh is on (development
// mode, §4.1). A rebuild failure is logged and the prior snapshot is kept
// - rebuild() only publishes on success, so callers never observe a
// partial index, just a stale one.
func (idx *Index) maybeRefresh() {
	if !idx.forceRefresh {
		return
	}
	if err := idx.refresh(); err != nil {
		slog.Warn("config: eager refresh failed, serving last good snapshot", "error", err)
	}
}

// snap returns the currently published snapshot.
func (idx *Index) snap() *snapshot {
	return idx.current.Load()
}

// Get resolves (kind, id) against the current snapshot.
func (idx *Index) Get(kind Kind, id string) (*ComponentRecord, error) {
	idx.maybeRefresh()
	if rec, ok := idx.snap().byKey[recordKey{Kind: kind, ID: id}]; ok {
		return rec, nil
	}
	return nil, &NotFoundError{Kind: kind, ID: id}
}

// List returns every known record of the given kind, in resolution order.
func (idx *Index) List(kind Kind) []*ComponentRecord {
	idx.maybeRefresh()
	recs := idx.snap().byKnd[kind]
	out := make([]*ComponentRecord, len(recs))
	copy(out, recs)
	return out
}

// Env returns a resolver built from the current snapshot's merged anchor
// environments, for expanding "{NAME}" placeholders during tool-server
// registration (§6).
func (idx *Index) Env() *EnvResolver {
	idx.maybeRefresh()
	return idx.snap().env
}

// Register adds a programmatic record (§4.1: programmatic records always
// win and are retained across refreshes). It conflicts if a programmatic
// record of the same (kind, id) already exists.
func (idx *Index) Register(rec *ComponentRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	rec.Level = LevelProgrammatic
	rec.Source = ""
	for _, existing := range idx.programmatic {
		if existing.Kind == rec.Kind && existing.ID == rec.ID {
			return &ConflictError{Kind: rec.Kind, ID: rec.ID}
		}
	}
	idx.programmatic = append(idx.programmatic, rec)
	return idx.rebuild()
}

// ValidateAll decodes and validates every record in the current snapshot,
// returning one InvalidError per failing record.
func (idx *Index) ValidateAll() []error {
	var errs []error
	s := idx.snap()
	for kind, recs := range s.byKnd {
		for _, rec := range recs {
			if fieldErrs := validateRecord(kind, rec); len(fieldErrs) > 0 {
				errs = append(errs, &InvalidError{Kind: kind, ID: rec.ID, Errors: fieldErrs})
			}
		}
	}
	return errs
}

func validateRecord(kind Kind, rec *ComponentRecord) []FieldError {
	switch kind {
	case KindAgent:
		cfg, err := rec.AsAgentConfig()
		if err != nil {
			return []FieldError{{Field: "*", Message: err.Error()}}
		}
		return cfg.Validate()
	case KindMCPServer:
		cfg, err := rec.AsToolServerConfig()
		if err != nil {
			return []FieldError{{Field: "*", Message: err.Error()}}
		}
		return cfg.Validate()
	default:
		return nil
	}
}

// refresh takes idx.mu and rebuilds: NewIndex's first build, eager
// refreshes and watcher-triggered rebuilds all go through it. Callers
// already holding idx.mu must call rebuild instead.
func (idx *Index) refresh() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.rebuild()
}

// rebuild walks every reachable anchor, loads every component document,
// and publishes a new immutable snapshot. Caller must hold idx.mu.
func (idx *Index) rebuild() error {
	anchors, err := walkAnchors(idx.startDir)
	if err != nil {
		return fmt.Errorf("config: discover anchors from %s: %w", idx.startDir, err)
	}

	s := newSnapshot()
	s.env = newEnvResolver(mergeAnchorEnv(anchors))

	for _, rec := range idx.programmatic {
		s.put(rec)
	}

	seen := map[string]bool{}

	for _, a := range anchors {
		level := levelFor(a)
		for _, root := range a.Roots {
			if seen[root] {
				continue
			}
			seen[root] = true
			if err := idx.loadInto(s, root, level); err != nil {
				return err
			}
		}
		for _, inc := range a.IncludeConfigs {
			if seen[inc] {
				continue
			}
			seen[inc] = true
			if err := idx.loadInto(s, inc, level); err != nil {
				return err
			}
		}
		for _, proj := range a.Projects {
			projAnchors, err := walkAnchors(proj)
			if err != nil {
				return err
			}
			for _, pa := range projAnchors {
				for _, root := range pa.Roots {
					if seen[root] {
						continue
					}
					seen[root] = true
					if err := idx.loadInto(s, root, LevelWorkspace); err != nil {
						return err
					}
				}
			}
		}
	}

	if idx.userDir != "" && !seen[idx.userDir] {
		if err := idx.loadInto(s, idx.userDir, LevelUser); err != nil {
			return err
		}
	}

	idx.current.Store(s)
	return nil
}

// levelFor derives an anchor's provenance level (§3) from its own parsed
// type rather than its position in the walk: a `type: workspace` anchor
// is labeled workspace even when it's the closest one to the working
// directory (e.g. running directly from a workspace root with no
// enclosing project anchor).
func levelFor(a *anchor) ContextLevel {
	if a.Type == AnchorProject {
		return LevelProject
	}
	return LevelWorkspace
}

func (idx *Index) loadInto(s *snapshot, root string, level ContextLevel) error {
	recs, err := loadRoot(root, level)
	if err != nil {
		return fmt.Errorf("config: load %s: %w", root, err)
	}
	for _, rec := range recs {
		s.put(rec)
	}
	return nil
}

// Watch starts watching every discovered anchor and config root for
// filesystem changes, rebuilding and atomically swapping the snapshot on
// each debounced change. It returns immediately; watching runs until ctx
// is cancelled or Close is called.
func (idx *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	idx.watcher = watcher

	anchors, err := walkAnchors(idx.startDir)
	if err != nil {
		watcher.Close()
		return err
	}
	dirs := map[string]bool{}
	for _, a := range anchors {
		dirs[a.Dir] = true
		for _, root := range a.Roots {
			dirs[filepath.Clean(root)] = true
		}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			slog.Warn("config: failed to watch directory", "dir", dir, "error", err)
		}
	}

	watchCtx, cancel := context.WithCancel(ctx)
	idx.cancel = cancel
	go idx.watchLoop(watchCtx, watcher)
	return nil
}

func (idx *Index) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	var debounce *time.Timer
	const delay = 150 * time.Millisecond
	rebuilds := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case _, ok := <-watcher.Events:
			if !ok {
				return
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(delay, func() {
				select {
				case rebuilds <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config: watcher error", "error", err)
		case <-rebuilds:
			if err := idx.refresh(); err != nil {
				slog.Error("config: failed to rebuild snapshot", "error", err)
			} else {
				slog.Info("config: snapshot refreshed")
			}
		}
	}
}

// Close stops any active Watch goroutine.
func (idx *Index) Close() {
	if idx.cancel != nil {
		idx.cancel()
	}
}

func defaultUserConfigDir() string {
	if dir := userConfigDirOverride(); dir != "" {
		return dir
	}
	home, err := osUserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".aurite")
}
