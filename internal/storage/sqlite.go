package storage

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite storage backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// One writer; the driver serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS bridge_tables (
			name TEXT PRIMARY KEY,
			options TEXT NOT NULL,
			schema TEXT NOT NULL,
			data TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`)
	return err
}

const sqliteUpsert = `
	INSERT OR REPLACE INTO bridge_tables (name, options, schema, data, saved_at)
	VALUES (?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func sqliteSave(ctx context.Context, db execer, r *TableRecord) error {
	options, schema, rows, err := encodeRecord(r)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, sqliteUpsert, r.Name, options, schema, rows, savedAt(r))
	return err
}

// Save stores a record.
func (s *SQLiteStorage) Save(ctx context.Context, r *TableRecord) error {
	return sqliteSave(ctx, s.db, r)
}

// Load retrieves a record.
func (s *SQLiteStorage) Load(ctx context.Context, name string) (*TableRecord, error) {
	var options, schema, rows string
	var at int64
	err := s.db.QueryRowContext(ctx, `
		SELECT options, schema, data, saved_at
		FROM bridge_tables WHERE name = ?
	`, name).Scan(&options, &schema, &rows, &at)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(name, options, schema, rows, at)
}

// List returns every record ordered by name.
func (s *SQLiteStorage) List(ctx context.Context) ([]*TableRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, options, schema, data, saved_at
		FROM bridge_tables ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// scanRecords reads name, options, schema, data, saved_at rows.
func scanRecords(rows *sql.Rows) ([]*TableRecord, error) {
	defer rows.Close()
	var out []*TableRecord
	for rows.Next() {
		var name, options, schema, data string
		var at int64
		if err := rows.Scan(&name, &options, &schema, &data, &at); err != nil {
			return nil, err
		}
		r, err := decodeRecord(name, options, schema, data, at)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a record.
func (s *SQLiteStorage) Delete(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bridge_tables WHERE name = ?", name)
	return err
}

// Clear removes all records.
func (s *SQLiteStorage) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM bridge_tables")
	return err
}

// BeginTransaction starts an atomic operation.
func (s *SQLiteStorage) BeginTransaction(ctx context.Context) (Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTransaction{ctx: ctx, tx: tx}, nil
}

// Close closes the storage backend.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqliteTransaction implements Transaction for SQLite.
type sqliteTransaction struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTransaction) Save(r *TableRecord) error {
	return sqliteSave(t.ctx, t.tx, r)
}

func (t *sqliteTransaction) Delete(name string) error {
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM bridge_tables WHERE name = ?", name)
	return err
}

func (t *sqliteTransaction) Clear() error {
	_, err := t.tx.ExecContext(t.ctx, "DELETE FROM bridge_tables")
	return err
}

func (t *sqliteTransaction) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTransaction) Rollback() error {
	return t.tx.Rollback()
}
