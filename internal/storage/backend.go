// Package storage persists the hosted table catalog between runs: each
// table's name, options, schema and rows.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zot/tablebridge/internal/config"
	"github.com/zot/tablebridge/internal/engine"
)

// ErrNotFound is returned by Load for a name with no record.
var ErrNotFound = errors.New("table record not found")

// TableRecord is the stored form of one hosted table.
type TableRecord struct {
	Name    string              `json:"name"`
	Options engine.TableOptions `json:"options"`
	Schema  engine.Schema       `json:"schema"`
	Rows    json.RawMessage     `json:"rows"`
	SavedAt time.Time           `json:"savedAt"`
}

// Backend defines the interface for catalog storage backends.
type Backend interface {
	// Save stores a record, replacing any record of the same name.
	Save(ctx context.Context, r *TableRecord) error

	// Load retrieves one record.
	Load(ctx context.Context, name string) (*TableRecord, error)

	// List returns every record ordered by name.
	List(ctx context.Context) ([]*TableRecord, error)

	// Delete removes a record. Deleting a missing name is not an error.
	Delete(ctx context.Context, name string) error

	// Clear removes all records.
	Clear(ctx context.Context) error

	// BeginTransaction starts an atomic operation.
	BeginTransaction(ctx context.Context) (Transaction, error)

	// Close closes the storage backend.
	Close() error
}

// Transaction represents an atomic storage operation.
type Transaction interface {
	Save(r *TableRecord) error
	Delete(name string) error
	Clear() error
	Commit() error
	Rollback() error
}

// New opens the backend selected by cfg.Storage.
func New(cfg *config.Config) (Backend, error) {
	switch cfg.Storage.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.Storage.Path)
	case "postgresql":
		return NewPostgresStorage(cfg.Storage.URL)
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
}

// ReplaceAll makes records the whole catalog in one transaction.
func ReplaceAll(ctx context.Context, b Backend, records []*TableRecord) (err error) {
	tx, err := b.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = tx.Clear(); err != nil {
		return err
	}
	for _, r := range records {
		if err = tx.Save(r); err != nil {
			return fmt.Errorf("saving %q: %w", r.Name, err)
		}
	}
	return tx.Commit()
}

// encodeRecord returns the text columns stored for r.
func encodeRecord(r *TableRecord) (options, schema, rows string, err error) {
	o, err := json.Marshal(r.Options)
	if err != nil {
		return "", "", "", err
	}
	s, err := json.Marshal(r.Schema)
	if err != nil {
		return "", "", "", err
	}
	data := r.Rows
	if len(data) == 0 {
		data = json.RawMessage("[]")
	}
	return string(o), string(s), string(data), nil
}

// decodeRecord rebuilds a record from its stored columns.
func decodeRecord(name, options, schema, rows string, savedAt int64) (*TableRecord, error) {
	r := &TableRecord{
		Name:    name,
		Rows:    json.RawMessage(rows),
		SavedAt: time.Unix(0, savedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
		return nil, fmt.Errorf("table %q options: %w", name, err)
	}
	if err := json.Unmarshal([]byte(schema), &r.Schema); err != nil {
		return nil, fmt.Errorf("table %q schema: %w", name, err)
	}
	return r, nil
}

func savedAt(r *TableRecord) int64 {
	if r.SavedAt.IsZero() {
		return time.Now().UnixNano()
	}
	return r.SavedAt.UnixNano()
}
