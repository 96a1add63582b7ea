// Package sqlite provides the durable thread.Store backed by SQLite
// (modernc.org/sqlite, pure Go, no cgo). One row per thread, one row per
// message, one row per env-data entry; messages store the full runtime
// message shape as JSON so tool calls rehydrate into the exact core.ToolCall
// struct used live.
//
// The store also implements bus.Recorder so a Bus can persist its log next
// to the conversations that produced it.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/capmesh/capmesh/bus"
	"github.com/capmesh/capmesh/core"
	"github.com/capmesh/capmesh/logging"
	"github.com/capmesh/capmesh/thread"
)

const schema = `
CREATE TABLE IF NOT EXISTS threads (
	id               TEXT PRIMARY KEY,
	owner            TEXT NOT NULL,
	name             TEXT NOT NULL DEFAULT '',
	parent_thread_id TEXT,
	parent_entity    TEXT,
	thread_type      TEXT NOT NULL,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_threads_owner ON threads(owner);

CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL REFERENCES threads(id),
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);

CREATE TABLE IF NOT EXISTS env_data (
	root_thread_id    TEXT NOT NULL,
	key               TEXT NOT NULL,
	short_description TEXT NOT NULL DEFAULT '',
	value             TEXT NOT NULL,
	stored_by         TEXT NOT NULL DEFAULT '',
	updated_at        DATETIME NOT NULL,
	PRIMARY KEY (root_thread_id, key)
);

CREATE TABLE IF NOT EXISTS bus_log (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT,
	from_name  TEXT NOT NULL,
	to_name    TEXT NOT NULL,
	message    TEXT NOT NULL,
	summary    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
`

// Store is a durable thread.Store. All access is serialized through a
// read/write mutex on top of database/sql's own pooling, matching the
// single-writer character of SQLite.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger logging.Logger

	rootMu sync.Mutex
	roots  map[string]string // resolved root cache per thread id
}

// Options configures a Store.
type Options struct {
	Logger logging.Logger
}

// Open opens (creating if necessary) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral database in tests.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// A single connection avoids table-lock contention between the pool's
	// connections under SQLite.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logging.OrNoOp(opts.Logger),
		roots:  make(map[string]string),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// CreateThread inserts a thread row, validating that any parent exists
// first so lineage chains are acyclic by construction.
func (s *Store) CreateThread(spec thread.Spec) (string, error) {
	if spec.Type == "" {
		if spec.ParentThreadID == "" {
			spec.Type = thread.TypeRoot
		} else {
			spec.Type = thread.TypeDelegation
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if spec.ParentThreadID != "" {
		var one int
		err := s.db.QueryRow(`SELECT 1 FROM threads WHERE id = ?`, spec.ParentThreadID).Scan(&one)
		if err == sql.ErrNoRows {
			return "", thread.ErrParentNotFound
		}
		if err != nil {
			return "", err
		}
	}

	id := core.NewID()
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO threads (id, owner, name, parent_thread_id, parent_entity, thread_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, spec.Owner, spec.Name, nullable(spec.ParentThreadID), nullable(spec.ParentEntity), string(spec.Type), now, now,
	)
	if err != nil {
		s.logger.Error("store.thread.create.failed", "owner", spec.Owner, "error", err.Error())
		return "", err
	}

	s.logger.Debug("store.thread.created", "thread_id", id, "owner", spec.Owner, "type", string(spec.Type))
	return id, nil
}

// GetThread loads one thread row.
func (s *Store) GetThread(id string) (*thread.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getThreadLocked(id)
}

func (s *Store) getThreadLocked(id string) (*thread.Thread, error) {
	row := s.db.QueryRow(
		`SELECT id, owner, name, parent_thread_id, parent_entity, thread_type, created_at, updated_at
		 FROM threads WHERE id = ?`, id)
	return scanThread(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(row rowScanner) (*thread.Thread, error) {
	var th thread.Thread
	var parentID, parentEntity sql.NullString
	var threadType string
	err := row.Scan(&th.ID, &th.Owner, &th.Name, &parentID, &parentEntity, &threadType, &th.CreatedAt, &th.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, thread.ErrThreadNotFound
	}
	if err != nil {
		return nil, err
	}
	th.ParentThreadID = parentID.String
	th.ParentEntity = parentEntity.String
	th.Type = thread.Type(threadType)
	return &th, nil
}

// ListThreads returns all threads owned by owner, newest first.
func (s *Store) ListThreads(owner string) ([]*thread.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, owner, name, parent_thread_id, parent_entity, thread_type, created_at, updated_at
		 FROM threads WHERE owner = ? ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*thread.Thread
	for rows.Next() {
		th, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, th)
	}
	return out, rows.Err()
}

// RenameThread updates a thread's display name.
func (s *Store) RenameThread(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE threads SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return thread.ErrThreadNotFound
	}
	return nil
}

// AddMessage appends a message row and bumps the thread's updated_at.
func (s *Store) AddMessage(threadID string, msg core.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getThreadLocked(threadID); err != nil {
		return "", err
	}

	if msg.ID == "" {
		msg.ID = core.NewID()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`INSERT INTO messages (id, thread_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, threadID, string(payload), now,
	); err != nil {
		s.logger.Error("store.message.add.failed", "thread_id", threadID, "error", err.Error())
		return "", err
	}
	if _, err := s.db.Exec(`UPDATE threads SET updated_at = ? WHERE id = ?`, now, threadID); err != nil {
		return "", err
	}

	return msg.ID, nil
}

// Messages returns the thread's ordered log, in insertion order.
func (s *Store) Messages(threadID string) ([]core.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.getThreadLocked(threadID); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`SELECT payload FROM messages WHERE thread_id = ? ORDER BY rowid`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg core.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ResolveRootThread walks parent links, caching results per thread id.
func (s *Store) ResolveRootThread(threadID string) (string, error) {
	s.rootMu.Lock()
	if root, ok := s.roots[threadID]; ok {
		s.rootMu.Unlock()
		return root, nil
	}
	s.rootMu.Unlock()

	s.mu.RLock()
	id := threadID
	for {
		th, err := s.getThreadLocked(id)
		if err != nil {
			s.mu.RUnlock()
			return "", err
		}
		if th.ParentThreadID == "" {
			break
		}
		id = th.ParentThreadID
	}
	s.mu.RUnlock()

	s.rootMu.Lock()
	s.roots[threadID] = id
	s.rootMu.Unlock()
	return id, nil
}

// Lineage returns the ancestor chain root first, ending with the thread itself.
func (s *Store) Lineage(threadID string) ([]*thread.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var chain []*thread.Thread
	id := threadID
	for id != "" {
		th, err := s.getThreadLocked(id)
		if err != nil {
			return nil, err
		}
		chain = append([]*thread.Thread{th}, chain...)
		id = th.ParentThreadID
	}
	return chain, nil
}

// StoreEnvData upserts the (root, key) entry.
func (s *Store) StoreEnvData(rootThreadID, key, shortDescription, value, storedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO env_data (root_thread_id, key, short_description, value, stored_by, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(root_thread_id, key) DO UPDATE SET
			short_description = excluded.short_description,
			value = excluded.value,
			stored_by = excluded.stored_by,
			updated_at = excluded.updated_at`,
		rootThreadID, key, shortDescription, value, storedBy, time.Now().UTC(),
	)
	if err != nil {
		s.logger.Error("store.envdata.store.failed", "root_thread_id", rootThreadID, "key", key, "error", err.Error())
	}
	return err
}

// GetEnvData returns the value for (root, key).
func (s *Store) GetEnvData(rootThreadID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow(
		`SELECT value FROM env_data WHERE root_thread_id = ? AND key = ?`,
		rootThreadID, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", thread.ErrEnvDataNotFound
	}
	return value, err
}

// ListEnvData enumerates entries under a root thread, values omitted.
func (s *Store) ListEnvData(rootThreadID string) ([]thread.EnvDatum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT key, short_description, stored_by, updated_at
		 FROM env_data WHERE root_thread_id = ? ORDER BY key`, rootThreadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]thread.EnvDatum, 0)
	for rows.Next() {
		entry := thread.EnvDatum{RootThreadID: rootThreadID}
		if err := rows.Scan(&entry.Key, &entry.ShortDescription, &entry.StoredBy, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// UpdateEnvData replaces an existing entry.
func (s *Store) UpdateEnvData(rootThreadID, key, shortDescription, value, storedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE env_data SET short_description = ?, value = ?, stored_by = ?, updated_at = ?
		 WHERE root_thread_id = ? AND key = ?`,
		shortDescription, value, storedBy, time.Now().UTC(), rootThreadID, key,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return thread.ErrEnvDataNotFound
	}
	return nil
}

// DeleteEnvData removes an entry.
func (s *Store) DeleteEnvData(rootThreadID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM env_data WHERE root_thread_id = ? AND key = ?`, rootThreadID, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return thread.ErrEnvDataNotFound
	}
	return nil
}

// RecordBusEntry implements bus.Recorder, persisting one published entry.
func (s *Store) RecordBusEntry(e bus.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO bus_log (id, thread_id, from_name, to_name, message, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, nullable(e.ThreadID), e.From, e.To, e.Message, e.Summary, e.Timestamp,
	)
	return err
}

// BusEntries returns the persisted bus log, oldest first, optionally
// filtered by thread id (empty means all).
func (s *Store) BusEntries(threadID string, limit int) ([]bus.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if threadID == "" {
		rows, err = s.db.Query(
			`SELECT id, thread_id, from_name, to_name, message, summary, created_at
			 FROM bus_log ORDER BY rowid LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(
			`SELECT id, thread_id, from_name, to_name, message, summary, created_at
			 FROM bus_log WHERE thread_id = ? ORDER BY rowid LIMIT ?`, threadID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Entry
	for rows.Next() {
		var e bus.Entry
		var tid sql.NullString
		if err := rows.Scan(&e.ID, &tid, &e.From, &e.To, &e.Message, &e.Summary, &e.Timestamp); err != nil {
			return nil, err
		}
		e.ThreadID = tid.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// nullable maps empty strings to NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
