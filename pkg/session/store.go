package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aurite-run/aurite/pkg/message"
)

// Store persists and retrieves Session records. The file-backed
// implementation (NewFileStore) is the default; a SQL-backed
// implementation is selected by the CACHE_BACKEND environment variable.
type Store interface {
	SaveAgent(sessionID, baseID string, result any, messages []StoredMessage) (*Session, error)
	SaveWorkflow(sessionID, baseID string, result any, agentsInvolved map[string]string) (*Session, error)
	AppendMessage(sessionID, agentName, role string, blocks []message.WireBlock) error
	Get(sessionID string) (*Session, error)
	List(filter ListFilter) ([]*Session, error)
	Delete(sessionID string) error
	// Cleanup deletes the union of age-expired sessions (last_updated
	// older than maxAge) and the oldest sessions beyond maxSessions,
	// applying the same cascade semantics as Delete (§4.2 cleanup()). A
	// non-positive maxAge or maxSessions disables that half of the
	// union; both non-positive is a no-op.
	Cleanup(maxAge time.Duration, maxSessions int) (int, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	Kind   Kind // empty means any
	Offset int
	Limit  int // 0 means unbounded
}

// FileStore is the default Store backend: one JSON file per session
// under a cache directory, write-through to an in-memory map, atomic
// writes via temp-file-then-rename, and a per-id mutex so operations on
// distinct sessions proceed concurrently while operations on the same
// session serialize (§5).
type FileStore struct {
	dir string

	mu       sync.RWMutex // guards the id->session map and locks map itself
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

// NewFileStore opens (creating if absent) dir as the session cache
// directory and loads every existing session file into memory.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create cache dir %s: %w", dir, err)
	}
	s := &FileStore{
		dir:      dir,
		sessions: map[string]*Session{},
		locks:    map[string]*sync.Mutex{},
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		s.sessions[sess.ID] = &sess
	}
	return nil
}

// lockFor returns the per-id mutex, creating it on first use.
func (s *FileStore) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// SaveAgent creates or updates an agent session: CreatedAt is preserved
// on update, LastUpdated is bumped to now, derived fields are
// recomputed (§4.2 save_agent).
func (s *FileStore) SaveAgent(sessionID, baseID string, result any, messages []StoredMessage) (*Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	s.mu.Lock()
	existing, ok := s.sessions[sessionID]
	createdAt := now
	if ok {
		createdAt = existing.CreatedAt
	}
	s.mu.Unlock()

	sess := &Session{
		ID:           sessionID,
		BaseID:       baseID,
		Kind:         KindAgent,
		Name:         deriveAgentName(messages),
		CreatedAt:    createdAt,
		LastUpdated:  now,
		MessageCount: len(messages),
		Messages:     messages,
		Result:       result,
	}
	if err := s.persist(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func deriveAgentName(messages []StoredMessage) string {
	for _, m := range messages {
		if m.AgentName != "" {
			return m.AgentName
		}
	}
	return ""
}

// SaveWorkflow creates or updates a workflow session (§4.2 save_workflow).
func (s *FileStore) SaveWorkflow(sessionID, baseID string, result any, agentsInvolved map[string]string) (*Session, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	s.mu.Lock()
	existing, ok := s.sessions[sessionID]
	createdAt := now
	if ok {
		createdAt = existing.CreatedAt
	}
	s.mu.Unlock()

	sess := &Session{
		ID:             sessionID,
		BaseID:         baseID,
		Kind:           KindWorkflow,
		Name:           sessionID,
		CreatedAt:      createdAt,
		LastUpdated:    now,
		MessageCount:   len(agentsInvolved),
		AgentsInvolved: agentsInvolved,
		Result:         result,
	}
	if err := s.persist(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessage performs an atomic read-modify-write append, so history
// written this way survives a caller abort before a final save (§4.2
// append_message). The Engine's streaming path does not call it; it
// persists the conversation through SaveAgent when the run finishes.
func (s *FileStore) AppendMessage(sessionID, agentName, role string, blocks []message.WireBlock) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, ok := s.sessions[sessionID]
	s.mu.RUnlock()

	now := time.Now()
	var sess Session
	if ok {
		sess = *existing
	} else {
		sess = Session{ID: sessionID, BaseID: sessionID, Kind: KindAgent, CreatedAt: now}
	}
	sess.Messages = append(sess.Messages, StoredMessage{AgentName: agentName, Role: role, Blocks: blocks})
	sess.MessageCount = len(sess.Messages)
	sess.LastUpdated = now

	return s.persist(&sess)
}

// persist writes sess to disk atomically and updates the in-memory map.
// Caller must hold the per-id lock for sess.ID.
func (s *FileStore) persist(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", sess.ID, err)
	}

	path := filepath.Join(s.dir, sanitizeFilename(sess.ID)+".json")
	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return fmt.Errorf("session: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("session: write %s: %w", sess.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("session: sync %s: %w", sess.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("session: close %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("session: rename %s: %w", sess.ID, err)
	}
	cleanup = false

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

// Get returns the session matching sessionID exactly; failing that, it
// searches every session whose BaseID equals sessionID. A single match
// wins; more than one fails with AmbiguousPartialIDError listing up to
// 5 candidates (§4.2 get()).
func (s *FileStore) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[sessionID]; ok {
		return sess, nil
	}

	var matches []*Session
	for _, sess := range s.sessions {
		if sess.BaseID == sessionID {
			matches = append(matches, sess)
		}
	}
	switch len(matches) {
	case 0:
		return nil, &NotFoundError{SessionID: sessionID}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID)
			if len(ids) == 5 {
				break
			}
		}
		return nil, &AmbiguousPartialIDError{SessionID: sessionID, Candidates: ids}
	}
}

// List returns sessions matching filter, most-recently-updated first.
func (s *FileStore) List(filter ListFilter) ([]*Session, error) {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if filter.Kind != "" && sess.Kind != filter.Kind {
			continue
		}
		all = append(all, sess)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].LastUpdated.After(all[j].LastUpdated) })

	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return []*Session{}, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

// Delete removes sessionID. If the target is a workflow, every agent
// session sharing its BaseID is cascade-deleted. If the target is a
// child agent, every workflow that lists it in AgentsInvolved is patched
// to remove the reference before the target itself is deleted (§4.2
// delete()).
func (s *FileStore) Delete(sessionID string) error {
	s.mu.Lock()
	target, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return &NotFoundError{SessionID: sessionID}
	}

	if target.Kind == KindWorkflow {
		s.mu.RLock()
		var children []string
		for id, sess := range s.sessions {
			if sess.Kind == KindAgent && sess.BaseID == target.BaseID {
				children = append(children, id)
			}
		}
		s.mu.RUnlock()
		for _, id := range children {
			if err := s.removeOne(id); err != nil {
				return err
			}
		}
		return s.removeOne(sessionID)
	}

	s.mu.RLock()
	var parents []*Session
	for _, sess := range s.sessions {
		if sess.Kind == KindWorkflow {
			if _, ok := sess.AgentsInvolved[sessionID]; ok {
				parents = append(parents, sess)
			}
		}
	}
	s.mu.RUnlock()

	for _, parent := range parents {
		lock := s.lockFor(parent.ID)
		lock.Lock()
		updated := *parent
		updated.AgentsInvolved = map[string]string{}
		for k, v := range parent.AgentsInvolved {
			if k != sessionID {
				updated.AgentsInvolved[k] = v
			}
		}
		err := s.persist(&updated)
		lock.Unlock()
		if err != nil {
			return err
		}
	}

	return s.removeOne(sessionID)
}

func (s *FileStore) removeOne(sessionID string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := filepath.Join(s.dir, sanitizeFilename(sessionID)+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session: delete %s: %w", sessionID, err)
	}
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	return nil
}

// Cleanup deletes the union of age-expired sessions and the oldest
// sessions beyond maxSessions, cascading per the same rules as Delete,
// and returns the count removed (§4.2 cleanup()). maxAge <= 0 disables
// the age check; maxSessions <= 0 disables the count cap; both disabled
// is a no-op (§8 round-trip: cleanup(max_age=∞, max_sessions=∞) is a
// no-op).
func (s *FileStore) Cleanup(maxAge time.Duration, maxSessions int) (int, error) {
	if maxAge <= 0 && maxSessions <= 0 {
		return 0, nil
	}

	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	doomed := map[string]bool{}
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		for _, sess := range all {
			if sess.LastUpdated.Before(cutoff) {
				doomed[sess.ID] = true
			}
		}
	}
	if maxSessions > 0 && len(all) > maxSessions {
		sort.Slice(all, func(i, j int) bool { return all[i].LastUpdated.After(all[j].LastUpdated) })
		for _, sess := range all[maxSessions:] {
			doomed[sess.ID] = true
		}
	}

	removed := 0
	for id := range doomed {
		s.mu.RLock()
		_, ok := s.sessions[id]
		s.mu.RUnlock()
		if !ok {
			continue // already cascade-deleted by an earlier iteration
		}
		if err := s.Delete(id); err != nil {
			if _, isNotFound := err.(*NotFoundError); isNotFound {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}
