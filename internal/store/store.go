package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	sqlite "modernc.org/sqlite"

	"github.com/tuksik/mailsync/internal/models"
)

// ErrNotFound is returned when a requested model cannot be found.
var ErrNotFound = errors.New("model not found")

// Delta is one batch of committed changes pushed to observers.
type Delta struct {
	Type        string            `json:"type"`
	ObjectClass string            `json:"objectClass"`
	Objects     []json.RawMessage `json:"objects"`
	Op          string            `json:"op"`
}

// Delta ops.
const (
	OpPersist   = "persist"
	OpUnpersist = "unpersist"
)

// Observer receives the change deltas flushed when a transaction
// commits. Observers never see uncommitted state.
type Observer interface {
	PublishDeltas(deltas []Delta)
}

// Store is the transactional facade over the SQLite database. Writers
// are serialized: Begin holds the write lock until the transaction is
// released. Readers run concurrently against the WAL.
type Store struct {
	db *sqlx.DB

	writeMu sync.Mutex

	obsMu     sync.Mutex
	observers []Observer
}

// Open opens (or creates) the database at dbPath, applies pragmas and
// runs any pending schema migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddObserver registers an observer for committed change deltas.
func (s *Store) AddObserver(o Observer) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, o)
}

// Reader exposes the read connection. Reads outside a transaction see
// committed state only.
func (s *Store) Reader() sqlx.Ext {
	return s.db
}

// pendingDelta is one not-yet-flushed change.
type pendingDelta struct {
	class string
	op    string
	data  json.RawMessage
}

// Tx is a scoped write transaction. Obtain with Begin, finish with
// Commit; Release on any exit path rolls back if Commit never ran and
// always returns the write lock.
type Tx struct {
	store *Store
	tx    *sqlx.Tx
	depth int
	done  bool

	deltas []pendingDelta
}

// Begin opens a write transaction, blocking until the writer lock is
// available.
func (s *Store) Begin() (*Tx, error) {
	s.writeMu.Lock()
	tx, err := s.db.Beginx()
	if err != nil {
		s.writeMu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &Tx{store: s, tx: tx}, nil
}

// Reader exposes the transaction connection; reads within the
// transaction see its uncommitted writes.
func (t *Tx) Reader() sqlx.Ext {
	return t.tx
}

// Commit commits the transaction and flushes the batched deltas to
// observers.
func (t *Tx) Commit() error {
	if t.done {
		return nil
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	t.done = true
	t.store.writeMu.Unlock()
	t.store.notify(t.deltas)
	t.deltas = nil
	return nil
}

// Release rolls the transaction back if it was never committed and
// releases the writer lock. Safe to defer alongside Commit.
func (t *Tx) Release() {
	if t.done {
		return
	}
	_ = t.tx.Rollback()
	t.done = true
	t.deltas = nil
	t.store.writeMu.Unlock()
}

// InTransaction runs fn inside a write transaction, committing when fn
// returns nil and rolling back otherwise.
func (s *Store) InTransaction(fn func(tx *Tx) error) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Release()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Save upserts the model, bumping its version. A model at version zero
// is inserted; a unique-constraint violation on insert surfaces to the
// caller (the processor relies on it to detect collisions). When emit
// is true the change is queued as a delta for observers.
func (t *Tx) Save(m models.Model, emit bool) error {
	insert := m.ModelVersion() == 0
	m.SetModelVersion(m.ModelVersion() + 1)

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", m.TableName(), m.ModelID(), err)
	}

	cols := m.ProjectedColumns()
	vals := m.ProjectedValues()

	if insert {
		query := "INSERT INTO " + m.TableName() + " (id, accountId, version, data"
		for _, c := range cols {
			query += ", " + c
		}
		query += ") VALUES (?, ?, ?, ?" + qmarks(len(cols)) + ")"
		args := append([]any{m.ModelID(), m.ModelAccountID(), m.ModelVersion(), string(data)}, vals...)
		if _, err := t.tx.Exec(query, args...); err != nil {
			m.SetModelVersion(m.ModelVersion() - 1)
			return fmt.Errorf("failed to insert %s %s: %w", m.TableName(), m.ModelID(), err)
		}
	} else {
		query := "UPDATE " + m.TableName() + " SET version = ?, data = ?"
		for _, c := range cols {
			query += ", " + c + " = ?"
		}
		query += " WHERE id = ?"
		args := append([]any{m.ModelVersion(), string(data)}, vals...)
		args = append(args, m.ModelID())
		if _, err := t.tx.Exec(query, args...); err != nil {
			return fmt.Errorf("failed to update %s %s: %w", m.TableName(), m.ModelID(), err)
		}
	}

	if emit {
		t.deltas = append(t.deltas, pendingDelta{class: m.TableName(), op: OpPersist, data: data})
	}

	return t.afterSave(m, emit)
}

// Remove deletes the model and queues an unpersist delta.
func (t *Tx) Remove(m models.Model) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %s: %w", m.TableName(), m.ModelID(), err)
	}
	if _, err := t.tx.Exec("DELETE FROM "+m.TableName()+" WHERE id = ?", m.ModelID()); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", m.TableName(), m.ModelID(), err)
	}
	t.deltas = append(t.deltas, pendingDelta{class: m.TableName(), op: OpUnpersist, data: data})
	return t.afterRemove(m)
}

// Exec runs a raw statement inside the transaction.
func (t *Tx) Exec(query string, args ...any) error {
	if _, err := t.tx.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to exec: %w", err)
	}
	return nil
}

// notify groups the pending deltas by (class, op) run and fans them out
// to observers.
func (s *Store) notify(pending []pendingDelta) {
	if len(pending) == 0 {
		return
	}

	var grouped []Delta
	for _, p := range pending {
		if n := len(grouped); n > 0 && grouped[n-1].ObjectClass == p.class && grouped[n-1].Op == p.op {
			grouped[n-1].Objects = append(grouped[n-1].Objects, p.data)
			continue
		}
		grouped = append(grouped, Delta{
			Type:        "delta",
			ObjectClass: p.class,
			Objects:     []json.RawMessage{p.data},
			Op:          p.op,
		})
	}

	s.obsMu.Lock()
	observers := append([]Observer(nil), s.observers...)
	s.obsMu.Unlock()

	for _, o := range observers {
		o.PublishDeltas(grouped)
	}
}

// IsConstraintError reports whether err is a SQLite uniqueness or other
// constraint violation (primary error code 19).
func IsConstraintError(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == 19
	}
	return false
}

// qmarks returns ", ?" repeated n times for building placeholder lists.
func qmarks(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
