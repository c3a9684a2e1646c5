package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure-Go driver, selected by CACHE_BACKEND=sqlite

	"github.com/aurite-run/aurite/pkg/message"
)

// SQLStore is the alternate Store backend, selected by CACHE_BACKEND=sqlite
// (§6). It persists the identical Session record shape as FileStore but
// to a single SQLite database file instead of one file per session.
type SQLStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes; SQLite tolerates one writer at a time
}

// NewSQLStore opens (creating if absent) the SQLite database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open sqlite store: %w", err)
	}
	s := &SQLStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			base_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			name TEXT,
			created_at DATETIME NOT NULL,
			last_updated DATETIME NOT NULL,
			document TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("session: create sessions table: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_base_id ON sessions(base_id)`)
	if err != nil {
		return fmt.Errorf("session: create base_id index: %w", err)
	}
	return nil
}

func (s *SQLStore) upsert(sess *Session) error {
	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", sess.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, base_id, kind, name, created_at, last_updated, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			base_id = excluded.base_id,
			kind = excluded.kind,
			name = excluded.name,
			last_updated = excluded.last_updated,
			document = excluded.document
	`, sess.ID, sess.BaseID, sess.Kind, sess.Name, sess.CreatedAt, sess.LastUpdated, string(doc))
	if err != nil {
		return fmt.Errorf("session: upsert %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) scanOne(row *sql.Row) (*Session, error) {
	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal([]byte(doc), &sess); err != nil {
		return nil, fmt.Errorf("session: decode row: %w", err)
	}
	return &sess, nil
}

func (s *SQLStore) findExact(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT document FROM sessions WHERE id = ?`, id)
	return s.scanOne(row)
}

// SaveAgent implements Store.
func (s *SQLStore) SaveAgent(sessionID, baseID string, result any, messages []StoredMessage) (*Session, error) {
	existing, err := s.findExact(sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
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
	if err := s.upsert(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SaveWorkflow implements Store.
func (s *SQLStore) SaveWorkflow(sessionID, baseID string, result any, agentsInvolved map[string]string) (*Session, error) {
	existing, err := s.findExact(sessionID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	createdAt := now
	if existing != nil {
		createdAt = existing.CreatedAt
	}
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
	if err := s.upsert(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessage implements Store.
func (s *SQLStore) AppendMessage(sessionID, agentName, role string, blocks []message.WireBlock) error {
	existing, err := s.findExact(sessionID)
	if err != nil {
		return err
	}
	now := time.Now()
	var sess Session
	if existing != nil {
		sess = *existing
	} else {
		sess = Session{ID: sessionID, BaseID: sessionID, Kind: KindAgent, CreatedAt: now}
	}
	sess.Messages = append(sess.Messages, StoredMessage{AgentName: agentName, Role: role, Blocks: blocks})
	sess.MessageCount = len(sess.Messages)
	sess.LastUpdated = now
	return s.upsert(&sess)
}

// Get implements Store.
func (s *SQLStore) Get(sessionID string) (*Session, error) {
	if sess, err := s.findExact(sessionID); err != nil {
		return nil, err
	} else if sess != nil {
		return sess, nil
	}

	rows, err := s.db.Query(`SELECT id, document FROM sessions WHERE base_id = ? LIMIT 6`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*Session
	for rows.Next() {
		var id, doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, fmt.Errorf("session: decode row %s: %w", id, err)
		}
		matches = append(matches, &sess)
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{SessionID: sessionID}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, 5)
		for i, m := range matches {
			if i == 5 {
				break
			}
			ids = append(ids, m.ID)
		}
		return nil, &AmbiguousPartialIDError{SessionID: sessionID, Candidates: ids}
	}
}

// List implements Store.
func (s *SQLStore) List(filter ListFilter) ([]*Session, error) {
	query := `SELECT document FROM sessions`
	args := []any{}
	if filter.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY last_updated DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1 OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sess Session
		if err := json.Unmarshal([]byte(doc), &sess); err != nil {
			return nil, err
		}
		out = append(out, &sess)
	}
	return out, nil
}

// Delete implements Store, with the same cascade rules as FileStore.Delete.
func (s *SQLStore) Delete(sessionID string) error {
	target, err := s.findExact(sessionID)
	if err != nil {
		return err
	}
	if target == nil {
		return &NotFoundError{SessionID: sessionID}
	}

	if target.Kind == KindWorkflow {
		children, err := s.List(ListFilter{Kind: KindAgent})
		if err != nil {
			return err
		}
		for _, child := range children {
			if child.BaseID == target.BaseID {
				if err := s.removeOne(child.ID); err != nil {
					return err
				}
			}
		}
		return s.removeOne(sessionID)
	}

	workflows, err := s.List(ListFilter{Kind: KindWorkflow})
	if err != nil {
		return err
	}
	for _, wf := range workflows {
		if _, ok := wf.AgentsInvolved[sessionID]; ok {
			updated := *wf
			updated.AgentsInvolved = map[string]string{}
			for k, v := range wf.AgentsInvolved {
				if k != sessionID {
					updated.AgentsInvolved[k] = v
				}
			}
			if err := s.upsert(&updated); err != nil {
				return err
			}
		}
	}
	return s.removeOne(sessionID)
}

func (s *SQLStore) removeOne(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID)
	return err
}

// Cleanup implements Store: the union of age-expired sessions and the
// oldest sessions beyond maxSessions (§4.2 cleanup()).
func (s *SQLStore) Cleanup(maxAge time.Duration, maxSessions int) (int, error) {
	if maxAge <= 0 && maxSessions <= 0 {
		return 0, nil
	}

	doomed := map[string]bool{}
	if maxAge > 0 {
		cutoff := time.Now().Add(-maxAge)
		rows, err := s.db.Query(`SELECT id FROM sessions WHERE last_updated < ?`, cutoff)
		if err != nil {
			return 0, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			doomed[id] = true
		}
		rows.Close()
	}
	if maxSessions > 0 {
		rows, err := s.db.Query(`SELECT id FROM sessions ORDER BY last_updated DESC`)
		if err != nil {
			return 0, err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if len(ids) > maxSessions {
			for _, id := range ids[maxSessions:] {
				doomed[id] = true
			}
		}
	}

	removed := 0
	for id := range doomed {
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

// Close releases the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
