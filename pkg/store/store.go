// Package store implements Ratman's sqlite3-backed metadata store: one
// logical keyspace per SQL table, each holding hand-rolled-binary-encoded
// values addressed by a text key. The block table itself lives in
// pkg/journal (a distinct concern, sharing the same DB handle).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Table.Get when no row exists for a key.
var ErrNotFound = errors.New("store: key not found")

// DB wraps the sqlite3 connection shared by every keyspace table.
type DB struct {
	x *sqlx.DB
}

// Open opens (creating if necessary) the sqlite3 database at path, with
// WAL journaling for concurrent readers and PRAGMA synchronous=FULL so
// every committed write is durable against a crash before the next frame
// that depends on it is acted upon.
func Open(path string) (*DB, error) {
	dsn := (&url.URL{
		Path: path,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String()

	x, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if _, err := x.Exec(`PRAGMA synchronous = FULL`); err != nil {
		x.Close()
		return nil, fmt.Errorf("store: set synchronous pragma: %w", err)
	}
	if _, err := x.Exec(`PRAGMA page_size = 8192`); err != nil {
		x.Close()
		return nil, fmt.Errorf("store: set page_size pragma: %w", err)
	}
	return &DB{x: x}, nil
}

// Close releases the underlying sqlite3 connection.
func (db *DB) Close() error {
	return db.x.Close()
}

// Unwrap exposes the underlying *sqlx.DB handle, for packages (pkg/journal)
// that need to add their own tables to the same connection.
func Unwrap(db *DB) *sqlx.DB {
	return db.x
}

// Codec converts a value of type V to and from its on-disk byte
// representation. Implementations use the same length-prefixed
// big-endian idiom as pkg/frame.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(buf []byte) (V, error)
}

// Table is a generic keyspace backed by a single SQL table of the shape
// (key TEXT PRIMARY KEY, value BLOB NOT NULL).
type Table[V any] struct {
	db    *DB
	name  string
	codec Codec[V]
}

// OpenTable creates the named table if it doesn't already exist and
// returns a handle bound to it.
func OpenTable[V any](db *DB, name string, codec Codec[V]) (*Table[V], error) {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BLOB NOT NULL)`, name)
	if _, err := db.x.Exec(stmt); err != nil {
		return nil, fmt.Errorf("store: create table %s: %w", name, err)
	}
	return &Table[V]{db: db, name: name, codec: codec}, nil
}

// Get fetches the value stored under key, or ErrNotFound.
func (t *Table[V]) Get(key string) (V, error) {
	var zero V
	var raw []byte
	q := fmt.Sprintf(`SELECT value FROM %s WHERE key = ?`, t.name)
	if err := t.db.x.Get(&raw, q, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("store: get %s/%s: %w", t.name, key, err)
	}
	v, err := t.codec.Decode(raw)
	if err != nil {
		return zero, fmt.Errorf("store: decode %s/%s: %w", t.name, key, err)
	}
	return v, nil
}

// Insert writes value under key, replacing any existing row.
func (t *Table[V]) Insert(key string, value V) error {
	raw, err := t.codec.Encode(value)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", t.name, key, err)
	}
	q := fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`, t.name)
	if _, err := t.db.x.Exec(q, key, raw); err != nil {
		return fmt.Errorf("store: insert %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Remove deletes the row at key, if any.
func (t *Table[V]) Remove(key string) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, t.name)
	if _, err := t.db.x.Exec(q, key); err != nil {
		return fmt.Errorf("store: remove %s/%s: %w", t.name, key, err)
	}
	return nil
}

// Entry pairs a key with its decoded value, returned by Iter and Prefix.
type Entry[V any] struct {
	Key   string
	Value V
}

// Iter returns every row in the table. Ordering matches key's natural
// sqlite text ordering.
func (t *Table[V]) Iter() ([]Entry[V], error) {
	return t.queryRows(fmt.Sprintf(`SELECT key, value FROM %s ORDER BY key`, t.name))
}

// Prefix returns every row whose key starts with prefix.
func (t *Table[V]) Prefix(prefix string) ([]Entry[V], error) {
	q := fmt.Sprintf(`SELECT key, value FROM %s WHERE key >= ? AND key < ? ORDER BY key`, t.name)
	rows, err := t.db.x.Query(q, prefix, prefixUpperBound(prefix))
	if err != nil {
		return nil, fmt.Errorf("store: prefix %s/%s: %w", t.name, prefix, err)
	}
	defer rows.Close()
	return t.scan(rows)
}

func (t *Table[V]) queryRows(q string) ([]Entry[V], error) {
	rows, err := t.db.x.Query(q)
	if err != nil {
		return nil, fmt.Errorf("store: iter %s: %w", t.name, err)
	}
	defer rows.Close()
	return t.scan(rows)
}

func (t *Table[V]) scan(rows *sql.Rows) ([]Entry[V], error) {
	var out []Entry[V]
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("store: scan %s: %w", t.name, err)
		}
		v, err := t.codec.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("store: decode %s/%s: %w", t.name, key, err)
		}
		out = append(out, Entry[V]{Key: key, Value: v})
	}
	return out, rows.Err()
}

// prefixUpperBound returns the lexicographically smallest string that is
// greater than every string starting with prefix, for use as an exclusive
// upper bound in a BETWEEN-style range scan.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return string(b) + "\xff"
}
