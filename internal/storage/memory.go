package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/zot/tablebridge/internal/engine"
)

// MemoryStorage is an in-memory storage backend.
type MemoryStorage struct {
	records map[string]*TableRecord
	mu      sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[string]*TableRecord)}
}

func copyRecord(r *TableRecord) *TableRecord {
	c := *r
	c.Schema = append(engine.Schema(nil), r.Schema...)
	c.Rows = append(json.RawMessage(nil), r.Rows...)
	return &c
}

func (m *MemoryStorage) put(r *TableRecord) {
	c := copyRecord(r)
	if c.SavedAt.IsZero() {
		c.SavedAt = time.Now().UTC()
	}
	if len(c.Rows) == 0 {
		c.Rows = json.RawMessage("[]")
	}
	m.records[r.Name] = c
}

// Save stores a record.
func (m *MemoryStorage) Save(ctx context.Context, r *TableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(r)
	return nil
}

// Load retrieves a record.
func (m *MemoryStorage) Load(ctx context.Context, name string) (*TableRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(r), nil
}

// List returns every record ordered by name.
func (m *MemoryStorage) List(ctx context.Context) ([]*TableRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*TableRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, copyRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes a record.
func (m *MemoryStorage) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, name)
	return nil
}

// Clear removes all records.
func (m *MemoryStorage) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*TableRecord)
	return nil
}

// BeginTransaction starts a transaction. Its changes are buffered and
// applied under the lock on Commit.
func (m *MemoryStorage) BeginTransaction(ctx context.Context) (Transaction, error) {
	return &memoryTransaction{storage: m}, nil
}

// Close does nothing for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}

type memoryOp struct {
	clear  bool
	delete string
	save   *TableRecord
}

type memoryTransaction struct {
	storage *MemoryStorage
	ops     []memoryOp
	done    bool
}

func (t *memoryTransaction) Save(r *TableRecord) error {
	t.ops = append(t.ops, memoryOp{save: copyRecord(r)})
	return nil
}

func (t *memoryTransaction) Delete(name string) error {
	t.ops = append(t.ops, memoryOp{delete: name})
	return nil
}

func (t *memoryTransaction) Clear() error {
	t.ops = append(t.ops, memoryOp{clear: true})
	return nil
}

func (t *memoryTransaction) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	m := t.storage
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range t.ops {
		switch {
		case op.clear:
			m.records = make(map[string]*TableRecord)
		case op.save != nil:
			m.put(op.save)
		default:
			delete(m.records, op.delete)
		}
	}
	return nil
}

func (t *memoryTransaction) Rollback() error {
	t.done = true
	t.ops = nil
	return nil
}
